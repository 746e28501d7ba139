// Package compose answers questions from retrieved statute text and
// guarantees that every citation in the answer points at a retrieved unit.
package compose

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"

	"github.com/brunobiangulo/lawbridge/llm"
	"github.com/brunobiangulo/lawbridge/metrics"
	"github.com/brunobiangulo/lawbridge/normalizer"
	"github.com/brunobiangulo/lawbridge/retrieval"
	"github.com/brunobiangulo/lawbridge/store"
)

// Answer statuses.
const (
	StatusGrounded         = "grounded"
	StatusUngrounded       = "ungrounded"
	StatusGenerationFailed = "generation_failed"
)

const (
	DefaultK              = 5
	DefaultMaxPromptChars = 12000
	DefaultTimeout        = 60 * time.Second
	DefaultRetryBackoff   = 500 * time.Millisecond
)

const (
	ungroundedText       = "No passage in the indexed corpus supports an answer to this question."
	generationFailedText = "Answer generation failed. The retrieved sources are listed as citations."
)

// Policy controls one Answer call.
type Policy struct {
	K              int               `json:"k"`
	Filters        retrieval.Filters `json:"filters"`
	MaxPromptChars int               `json:"max_prompt_chars"`
	Timeout        time.Duration     `json:"timeout"`
	// UseMappings adds the new-code counterparts of old-code sections named
	// in the query to the sources.
	UseMappings bool `json:"use_mappings"`
}

func (p Policy) withDefaults() Policy {
	if p.K <= 0 {
		p.K = DefaultK
	}
	if p.MaxPromptChars <= 0 {
		p.MaxPromptChars = DefaultMaxPromptChars
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	return p
}

// GroundedAnswer is the immutable result of Answer.
type GroundedAnswer struct {
	ID         string               `json:"id"`
	Query      string               `json:"query"`
	AnswerText string               `json:"answer_text"`
	Status     string               `json:"status"`
	Citations  []retrieval.Citation `json:"citations"`
	Stripped   []string             `json:"stripped"`
	Confidence float64              `json:"confidence"`
	Model      string               `json:"model,omitempty"`
	Mappings   []store.Mapping      `json:"mappings,omitempty"`
}

// Resolver is the subset of the mapper the composer consults.
type Resolver interface {
	Resolve(ctx context.Context, oldSectionID string) (*store.Mapping, error)
}

// Config configures a Composer.
type Config struct {
	// RetryBackoff is the base delay before the single generation retry.
	RetryBackoff time.Duration
	// Log, when set, receives every answer.
	Log *store.Store
}

// Composer is stateless between calls and safe for concurrent use.
type Composer struct {
	ret      retrieval.Retriever
	gen      llm.Generator
	resolver Resolver
	cfg      Config
}

// New creates a Composer. gen and resolver may be nil: without a generator
// every grounded query degrades to generation_failed.
func New(ret retrieval.Retriever, gen llm.Generator, resolver Resolver, cfg Config) *Composer {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	return &Composer{ret: ret, gen: gen, resolver: resolver, cfg: cfg}
}

// Answer retrieves context, asks the generator, and verifies every citation
// the generated text makes. The generator is never called without sources.
func (c *Composer) Answer(ctx context.Context, query string, policy Policy) (*GroundedAnswer, error) {
	policy = policy.withDefaults()

	results, err := c.ret.Query(ctx, query, policy.K, policy.Filters)
	if err != nil {
		return nil, goerr.Wrap(err, "retrieving context", goerr.V("k", policy.K))
	}
	var mappings []store.Mapping
	if policy.UseMappings && c.resolver != nil && len(results) > 0 {
		results, mappings = c.addMappedSections(ctx, query, results)
	}

	ans := &GroundedAnswer{
		ID:        uuid.NewString(),
		Query:     query,
		Citations: []retrieval.Citation{},
		Stripped:  []string{},
		Mappings:  mappings,
	}
	if c.gen != nil {
		ans.Model = c.gen.Model()
	}

	prompt, sources := buildPrompt(query, results, mappings, policy.MaxPromptChars)
	if len(sources) == 0 {
		ans.Status = StatusUngrounded
		ans.AnswerText = ungroundedText
		c.finish(ctx, ans)
		return ans, nil
	}

	text, genErr := c.generate(ctx, prompt, policy.Timeout)
	if genErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("compose: generation failed, returning sources only", "error", genErr, "sources", len(sources))
		ans.Status = StatusGenerationFailed
		ans.AnswerText = generationFailedText
		for _, s := range sources {
			ans.Citations = append(ans.Citations, s.Citation)
		}
		c.finish(ctx, ans)
		return ans, nil
	}

	chk := verifyCitations(text, sources)
	ans.Status = StatusGrounded
	ans.AnswerText = chk.text
	ans.Stripped = append(ans.Stripped, chk.stripped...)
	if len(chk.cited) > 0 {
		for _, i := range chk.cited {
			ans.Citations = append(ans.Citations, sources[i].Citation)
		}
	} else {
		for _, s := range sources {
			ans.Citations = append(ans.Citations, s.Citation)
		}
	}
	ans.Confidence = confidence(sources, chk.cited, len(chk.stripped))
	if len(chk.stripped) > 0 {
		metrics.StrippedCitations.Add(float64(len(chk.stripped)))
		slog.Info("compose: stripped unverifiable citations", "answer_id", ans.ID, "stripped", chk.stripped)
	}
	c.finish(ctx, ans)
	return ans, nil
}

// generate calls the generator, retrying once after a jittered backoff when
// the failure is a timeout or transport error.
func (c *Composer) generate(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	if c.gen == nil {
		return "", goerr.New("no generator configured")
	}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			wait := backoff(c.cfg.RetryBackoff)
			slog.Info("compose: retrying generation", "wait", wait, "error", lastErr)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
		}
		start := time.Now()
		text, err := c.gen.Complete(ctx, prompt, timeout)
		if err == nil {
			metrics.GenerationDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
			return text, nil
		}
		metrics.GenerationDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			break
		}
	}
	return "", lastErr
}

func retryable(err error) bool {
	return errors.Is(err, llm.ErrUpstreamTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// backoff returns base plus up to half of base in jitter.
func backoff(base time.Duration) time.Duration {
	if base <= 1 {
		return base
	}
	return base + time.Duration(rand.Int64N(int64(base)/2))
}

// addMappedSections resolves old-code sections named in the query and adds
// the best unit of each mapped new-code section to the results.
func (c *Composer) addMappedSections(ctx context.Context, query string, results []retrieval.Result) ([]retrieval.Result, []store.Mapping) {
	have := make(map[string]bool, len(results))
	for _, r := range results {
		have[r.UnitID] = true
	}

	var mappings []store.Mapping
	for _, ref := range normalizer.ExtractSectionRefs(query) {
		if ref.Code == "" {
			continue
		}
		m, err := c.resolver.Resolve(ctx, ref.ID())
		if err != nil {
			continue
		}
		mappings = append(mappings, *m)
		if m.NewSectionID == "" {
			continue
		}
		code, label, _ := normalizer.ParseSectionID(m.NewSectionID)
		extra, err := c.ret.Query(ctx, query, 1, retrieval.Filters{Code: code, SectionLabel: label})
		if err != nil {
			slog.Debug("compose: mapped section lookup failed", "section", m.NewSectionID, "error", err)
			continue
		}
		for _, r := range extra {
			if !have[r.UnitID] {
				have[r.UnitID] = true
				results = append(results, r)
			}
		}
	}
	return results, mappings
}

func (c *Composer) finish(ctx context.Context, ans *GroundedAnswer) {
	metrics.Answers.WithLabelValues(ans.Status).Inc()
	if c.cfg.Log == nil {
		return
	}
	err := c.cfg.Log.LogQuery(context.WithoutCancel(ctx), store.QueryLog{
		ID:              ans.ID,
		Query:           ans.Query,
		Answer:          ans.AnswerText,
		Status:          ans.Status,
		Confidence:      ans.Confidence,
		Citations:       ans.Citations,
		Stripped:        ans.Stripped,
		RetrievalMethod: c.ret.Mode(),
		ModelUsed:       ans.Model,
	})
	if err != nil {
		slog.Warn("compose: writing query log failed", "answer_id", ans.ID, "error", err)
	}
}
