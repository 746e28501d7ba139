package lawbridge

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/brunobiangulo/lawbridge/index"
	"github.com/brunobiangulo/lawbridge/llm"
	"github.com/brunobiangulo/lawbridge/mapper"
	"github.com/brunobiangulo/lawbridge/retrieval"
)

// Config holds all configuration for the LawBridge engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.lawbridge/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath
	// is not explicitly set: "home" (default) or "local".
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// Model endpoints.
	Chat      LLMConfig `json:"chat" yaml:"chat"`
	Embedding LLMConfig `json:"embedding" yaml:"embedding"`

	// EmbeddingDim must match the embedding model.
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`

	// RetrievalMode is "embedding" (default) or "keyword". Chosen once at New.
	RetrievalMode string `json:"retrieval_mode" yaml:"retrieval_mode"`

	// Index selects the vector backend and embedding batch sizing.
	Index index.Config `json:"index" yaml:"index"`

	// MinConfidence is the threshold below which derived mappings are not returned.
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence"`

	// KeywordMinConfidence replaces MinConfidence in keyword retrieval mode.
	KeywordMinConfidence float64 `json:"keyword_min_confidence" yaml:"keyword_min_confidence"`

	// Answer composition.
	TopK              int           `json:"top_k" yaml:"top_k"`
	MaxPromptChars    int           `json:"max_prompt_chars" yaml:"max_prompt_chars"`
	GenerationTimeout time.Duration `json:"generation_timeout" yaml:"generation_timeout"`
	RetryBackoff      time.Duration `json:"retry_backoff" yaml:"retry_backoff"`

	// MaxUnitChars bounds a unit before the normalizer splits it.
	MaxUnitChars int `json:"max_unit_chars" yaml:"max_unit_chars"`

	// OCR configures the tesseract adapter used by IngestImage.
	OCR OCRConfig `json:"ocr" yaml:"ocr"`

	// GlossaryFile is a YAML glossary loaded instead of the built-in one
	// when the glossary table is empty.
	GlossaryFile string `json:"glossary_file" yaml:"glossary_file"`

	// OffencesFile is a YAML table of offence classifications layered over
	// the built-in one.
	OffencesFile string `json:"offences_file" yaml:"offences_file"`
}

// LLMConfig configures a single model endpoint.
type LLMConfig struct {
	Provider          string  `json:"provider" yaml:"provider"` // ollama, openai, lmstudio, openrouter, groq, xai, custom
	Model             string  `json:"model" yaml:"model"`
	BaseURL           string  `json:"base_url" yaml:"base_url"`
	APIKey            string  `json:"api_key" yaml:"api_key"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
}

func (c LLMConfig) llmConfig() llm.Config {
	return llm.Config{
		Provider:          c.Provider,
		Model:             c.Model,
		BaseURL:           c.BaseURL,
		APIKey:            c.APIKey,
		RequestsPerSecond: c.RequestsPerSecond,
	}
}

// OCRConfig configures the OCR command.
type OCRConfig struct {
	Binary   string `json:"binary" yaml:"binary"`
	Language string `json:"language" yaml:"language"`
}

// DefaultConfig returns a Config with sensible defaults for local inference.
// Database is stored in ~/.lawbridge/lawbridge.db by default.
func DefaultConfig() Config {
	return Config{
		DBName:     "lawbridge",
		StorageDir: "home",
		Chat: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		EmbeddingDim:  768,
		RetrievalMode: retrieval.ModeEmbedding,
		Index: index.Config{
			Backend:     index.BackendSQLiteVec,
			BatchSize:   index.DefaultBatchSize,
			Concurrency: index.DefaultConcurrency,
		},
		MinConfidence:        mapper.DefaultMinConfidence,
		KeywordMinConfidence: mapper.DefaultKeywordMinConfidence,
		TopK:                 5,
		MaxPromptChars:       12000,
		GenerationTimeout:    60 * time.Second,
		RetryBackoff:         500 * time.Millisecond,
		OCR:                  OCRConfig{Binary: "tesseract", Language: "eng"},
	}
}

// LoadConfig reads an optional YAML file over DefaultConfig and then applies
// LAWBRIDGE_* environment overrides. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfig, path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// applyEnv overrides fields from the environment. getenv is os.Getenv outside tests.
func (c *Config) applyEnv(getenv func(string) string) error {
	strs := map[string]*string{
		"LAWBRIDGE_DB_PATH":        &c.DBPath,
		"LAWBRIDGE_RETRIEVAL_MODE": &c.RetrievalMode,
		"LAWBRIDGE_INDEX_BACKEND":  &c.Index.Backend,
		"LAWBRIDGE_CHAT_PROVIDER":  &c.Chat.Provider,
		"LAWBRIDGE_CHAT_MODEL":     &c.Chat.Model,
		"LAWBRIDGE_CHAT_BASE_URL":  &c.Chat.BaseURL,
		"LAWBRIDGE_CHAT_API_KEY":   &c.Chat.APIKey,
		"LAWBRIDGE_EMBED_PROVIDER": &c.Embedding.Provider,
		"LAWBRIDGE_EMBED_MODEL":    &c.Embedding.Model,
		"LAWBRIDGE_EMBED_BASE_URL": &c.Embedding.BaseURL,
		"LAWBRIDGE_EMBED_API_KEY":  &c.Embedding.APIKey,
		"LAWBRIDGE_OCR_BINARY":     &c.OCR.Binary,
		"LAWBRIDGE_OCR_LANGUAGE":   &c.OCR.Language,
		"LAWBRIDGE_GLOSSARY_FILE":  &c.GlossaryFile,
		"LAWBRIDGE_OFFENCES_FILE":  &c.OffencesFile,
	}
	for key, dst := range strs {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	// LAWBRIDGE_USE_EMBEDDINGS=0 is the short toggle for keyword retrieval.
	if v := getenv("LAWBRIDGE_USE_EMBEDDINGS"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: LAWBRIDGE_USE_EMBEDDINGS=%q", ErrInvalidConfig, v)
		}
		if on {
			c.RetrievalMode = retrieval.ModeEmbedding
		} else {
			c.RetrievalMode = retrieval.ModeKeyword
		}
	}
	if v := getenv("LAWBRIDGE_EMBEDDING_DIM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: LAWBRIDGE_EMBEDDING_DIM=%q", ErrInvalidConfig, v)
		}
		c.EmbeddingDim = n
	}
	if v := getenv("LAWBRIDGE_MIN_CONFIDENCE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: LAWBRIDGE_MIN_CONFIDENCE=%q", ErrInvalidConfig, v)
		}
		c.MinConfidence = f
	}
	if v := getenv("LAWBRIDGE_KEYWORD_MIN_CONFIDENCE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: LAWBRIDGE_KEYWORD_MIN_CONFIDENCE=%q", ErrInvalidConfig, v)
		}
		c.KeywordMinConfidence = f
	}
	if v := getenv("LAWBRIDGE_GENERATION_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: LAWBRIDGE_GENERATION_TIMEOUT=%q", ErrInvalidConfig, v)
		}
		c.GenerationTimeout = d
	}

	// Fallback: well-known provider env vars for API keys.
	for _, lc := range []*LLMConfig{&c.Chat, &c.Embedding} {
		if lc.APIKey != "" {
			continue
		}
		switch lc.Provider {
		case "openai":
			lc.APIKey = getenv("OPENAI_API_KEY")
		case "groq":
			lc.APIKey = getenv("GROQ_API_KEY")
		}
	}
	return nil
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	c.RetrievalMode = strings.ToLower(strings.TrimSpace(c.RetrievalMode))
	switch c.RetrievalMode {
	case "", retrieval.ModeEmbedding, retrieval.ModeKeyword:
	default:
		return fmt.Errorf("%w: retrieval_mode %q", ErrInvalidConfig, c.RetrievalMode)
	}
	if c.EmbeddingDim < 0 {
		return fmt.Errorf("%w: embedding_dim %d", ErrInvalidConfig, c.EmbeddingDim)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("%w: min_confidence %v outside [0,1]", ErrInvalidConfig, c.MinConfidence)
	}
	if c.KeywordMinConfidence < 0 || c.KeywordMinConfidence > 1 {
		return fmt.Errorf("%w: keyword_min_confidence %v outside [0,1]", ErrInvalidConfig, c.KeywordMinConfidence)
	}
	return nil
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "lawbridge"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		return filepath.Join(home, ".lawbridge", name+".db")
	}
}
