package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUpstreamTimeout is returned when a model endpoint does not answer in
// time or the transport fails. Callers retry once and then degrade.
var ErrUpstreamTimeout = errors.New("llm: upstream timeout")

// Generator produces text from a prompt within an explicit deadline.
type Generator interface {
	Complete(ctx context.Context, prompt string, timeout time.Duration) (string, error)
	// Model names the model behind the generator, for audit records.
	Model() string
}

// Embedder converts texts into fixed-length vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Identity is a stable string naming the embedding function and version.
	// Vectors from embedders with different identities are not comparable.
	Identity() string
}

// Provider is the transport-level interface every model backend implements.
type Provider interface {
	// Chat sends a chat completion request.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Embed generates embeddings for a batch of texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ChatRequest is a chat completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the response from a chat completion.
type ChatResponse struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	FinishReason     string `json:"finish_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Config configures an LLM provider.
type Config struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, openai, lmstudio, openrouter, groq, xai, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`

	// RequestsPerSecond throttles outgoing calls. Zero disables throttling.
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	// MaxRetries bounds transport-level retries inside a single call.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
}

// defaultBaseURLs holds the endpoint used when Config.BaseURL is empty.
var defaultBaseURLs = map[string]string{
	"ollama":     "http://localhost:11434",
	"lmstudio":   "http://localhost:1234",
	"openrouter": "https://openrouter.ai/api",
	"groq":       "https://api.groq.com/openai",
	"xai":        "https://api.x.ai",
	"openai":     "https://api.openai.com/v1",
}

// NewProvider creates an LLM provider from configuration.
func NewProvider(cfg Config) (Provider, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURLs[cfg.Provider]
	}
	switch cfg.Provider {
	case "ollama":
		return NewOllama(cfg), nil
	case "openai":
		return NewOpenAI(cfg), nil
	case "lmstudio", "openrouter", "groq", "xai", "custom":
		return NewOpenAICompat(cfg), nil
	case "":
		return nil, fmt.Errorf("llm provider not specified")
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}

// systemPrompt frames every completion issued through a Generator.
const systemPrompt = "You are a legal research assistant. Answer only from the numbered sources you are given."

type generator struct {
	p     Provider
	model string
}

// NewGenerator adapts a Provider to the Generator port.
func NewGenerator(p Provider, cfg Config) Generator {
	return &generator{p: p, model: cfg.Model}
}

func (g *generator) Model() string { return g.model }

func (g *generator) Complete(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := g.p.Chat(ctx, ChatRequest{
		Model: g.model,
		Messages: []Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: 0,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %s after %s", ErrUpstreamTimeout, g.model, timeout)
		}
		return "", err
	}
	return resp.Content, nil
}

type embedder struct {
	p        Provider
	identity string
}

// NewEmbedder adapts a Provider to the Embedder port. The identity combines
// provider, model and expected dimension so that a model swap is detected.
func NewEmbedder(p Provider, cfg Config, dim int) Embedder {
	return &embedder{
		p:        p,
		identity: fmt.Sprintf("%s/%s/%d", cfg.Provider, cfg.Model, dim),
	}
}

func (e *embedder) Identity() string { return e.identity }

func (e *embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := e.p.Embed(ctx, texts)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: embedding: %v", ErrUpstreamTimeout, err)
		}
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedding returned %d vectors for %d texts", len(vecs), len(texts))
	}
	return vecs, nil
}
