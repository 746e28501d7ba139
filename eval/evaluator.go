// Package eval measures retrieval, answer and mapping quality of a LawBridge
// corpus against a gold dataset.
package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/brunobiangulo/lawbridge/compose"
	"github.com/brunobiangulo/lawbridge/retrieval"
	"github.com/brunobiangulo/lawbridge/store"
)

// Engine is the part of lawbridge.Engine the evaluator drives.
type Engine interface {
	Query(ctx context.Context, text string, k int, filters retrieval.Filters) ([]retrieval.Result, error)
	Answer(ctx context.Context, query string, policy compose.Policy) (*compose.GroundedAnswer, error)
	Resolve(ctx context.Context, oldSectionID string) (*store.Mapping, error)
}

// Options controls an evaluation run.
type Options struct {
	// K is the retrieval depth per question; at least the largest RetrievalKValues entry is fetched.
	K int
	// Answers also composes an answer per question and scores it.
	Answers bool
}

// Evaluator runs evaluation datasets against an engine.
type Evaluator struct {
	engine Engine
}

// NewEvaluator creates a new evaluator.
func NewEvaluator(engine Engine) *Evaluator {
	return &Evaluator{engine: engine}
}

// Report holds the results of an evaluation run.
type Report struct {
	Dataset         string                      `json:"dataset"`
	TotalTests      int                         `json:"total_tests"`
	Passed          int                         `json:"passed"`
	Failed          int                         `json:"failed"`
	Metrics         AggregateMetrics            `json:"metrics"`
	CategoryMetrics map[string]AggregateMetrics `json:"category_metrics,omitempty"`
	Results         []TestResult                `json:"results"`
	Mappings        MappingReport               `json:"mappings"`
	RunTime         time.Duration               `json:"run_time"`
}

// AggregateMetrics holds averaged metrics across all tests.
type AggregateMetrics struct {
	MRR                   float64         `json:"mrr"`
	AvgRetrievalPrecision map[int]float64 `json:"avg_retrieval_precision"` // k -> P@k
	AvgRetrievalRecall    map[int]float64 `json:"avg_retrieval_recall"`    // k -> R@k

	// Answer metrics, populated with Options.Answers.
	AvgFactRecall        float64 `json:"avg_fact_recall,omitempty"`
	AvgCitationPrecision float64 `json:"avg_citation_precision,omitempty"`
	AvgConfidence        float64 `json:"avg_confidence,omitempty"`
	GroundedRate         float64 `json:"grounded_rate,omitempty"`
	StrippedCitations    int     `json:"stripped_citations,omitempty"`
}

// TestResult holds the result of a single test case.
type TestResult struct {
	Question           string          `json:"question"`
	Category           string          `json:"category,omitempty"`
	ExpectedSections   []string        `json:"expected_sections"`
	Retrieved          []string        `json:"retrieved"`
	ReciprocalRank     float64         `json:"reciprocal_rank"`
	RetrievalPrecision map[int]float64 `json:"retrieval_precision"`
	RetrievalRecall    map[int]float64 `json:"retrieval_recall"`

	AnswerStatus      string  `json:"answer_status,omitempty"`
	FactRecall        float64 `json:"fact_recall,omitempty"`
	CitationPrecision float64 `json:"citation_precision,omitempty"`
	Confidence        float64 `json:"confidence,omitempty"`
	Stripped          int     `json:"stripped,omitempty"`

	Passed    bool   `json:"passed"`
	Error     string `json:"error,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

// MappingReport scores resolutions against gold pairs.
type MappingReport struct {
	Total      int             `json:"total"`
	Correct    int             `json:"correct"`
	Unresolved int             `json:"unresolved"`
	Accuracy   float64         `json:"accuracy"`
	BySource   map[string]int  `json:"correct_by_source,omitempty"`
	Results    []MappingResult `json:"results,omitempty"`
}

// MappingResult is the outcome of one gold pair.
type MappingResult struct {
	OldSectionID string  `json:"old_section_id"`
	Expected     string  `json:"expected"`
	Got          string  `json:"got"`
	Source       string  `json:"source,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`
	Correct      bool    `json:"correct"`
	Error        string  `json:"error,omitempty"`
}

// Run evaluates every test case and mapping pair of the dataset. Per-case
// failures are recorded in the report; only context cancellation aborts.
func (e *Evaluator) Run(ctx context.Context, dataset Dataset, opts Options) (*Report, error) {
	start := time.Now()
	maxK := RetrievalKValues[len(RetrievalKValues)-1]
	if opts.K < maxK {
		opts.K = maxK
	}
	report := &Report{
		Dataset:         dataset.Name,
		TotalTests:      len(dataset.Tests),
		CategoryMetrics: make(map[string]AggregateMetrics),
	}

	var all []TestResult
	byCat := make(map[string][]TestResult)
	for i, test := range dataset.Tests {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result := e.runTest(ctx, test, opts)
		report.Results = append(report.Results, result)

		status := "PASS"
		if !result.Passed {
			status = "FAIL"
		}
		if result.Error != "" {
			status = "ERROR"
		}
		slog.Info("eval: test complete",
			"progress", fmt.Sprintf("%d/%d", i+1, len(dataset.Tests)),
			"status", status,
			"rr", fmt.Sprintf("%.2f", result.ReciprocalRank),
			"elapsed_ms", result.ElapsedMs,
			"question", truncate(test.Question, 80))

		if result.Passed {
			report.Passed++
		} else {
			report.Failed++
		}
		// Errored cases are left out of the averages.
		if result.Error != "" {
			continue
		}
		all = append(all, result)
		if test.Category != "" {
			byCat[test.Category] = append(byCat[test.Category], result)
		}
	}

	report.Metrics = aggregate(all, opts.Answers)
	for cat, rs := range byCat {
		report.CategoryMetrics[cat] = aggregate(rs, opts.Answers)
	}

	m, err := e.runMappings(ctx, dataset.Mappings)
	if err != nil {
		return nil, err
	}
	report.Mappings = m

	report.RunTime = time.Since(start)
	return report, nil
}

func (e *Evaluator) runTest(ctx context.Context, test TestCase, opts Options) TestResult {
	testStart := time.Now()
	result := TestResult{
		Question:         test.Question,
		Category:         test.Category,
		ExpectedSections: test.ExpectedSections,
	}

	results, err := e.engine.Query(ctx, test.Question, opts.K, retrieval.Filters{})
	if err != nil {
		result.Error = err.Error()
		result.ElapsedMs = time.Since(testStart).Milliseconds()
		return result
	}
	ranked := sectionIDs(results)
	result.Retrieved = ranked
	result.ReciprocalRank = reciprocalRank(ranked, test.ExpectedSections)
	result.RetrievalPrecision = make(map[int]float64, len(RetrievalKValues))
	result.RetrievalRecall = make(map[int]float64, len(RetrievalKValues))
	for _, k := range RetrievalKValues {
		result.RetrievalPrecision[k] = precisionAtK(ranked, test.ExpectedSections, k)
		result.RetrievalRecall[k] = recallAtK(ranked, test.ExpectedSections, k)
	}
	result.Passed = result.ReciprocalRank > 0

	if opts.Answers {
		ans, err := e.engine.Answer(ctx, test.Question, compose.Policy{})
		if err != nil {
			result.Error = err.Error()
			result.Passed = false
			result.ElapsedMs = time.Since(testStart).Milliseconds()
			return result
		}
		result.AnswerStatus = ans.Status
		result.FactRecall = factRecall(ans.AnswerText, test.ExpectedFacts)
		result.CitationPrecision = citationPrecision(ans.Citations, test.ExpectedSections)
		result.Confidence = ans.Confidence
		result.Stripped = len(ans.Stripped)
		result.Passed = result.Passed && ans.Status == compose.StatusGrounded && result.FactRecall >= 0.5
	}
	result.ElapsedMs = time.Since(testStart).Milliseconds()
	return result
}

func aggregate(results []TestResult, answers bool) AggregateMetrics {
	m := AggregateMetrics{
		AvgRetrievalPrecision: make(map[int]float64),
		AvgRetrievalRecall:    make(map[int]float64),
	}
	if len(results) == 0 {
		return m
	}
	n := float64(len(results))
	grounded := 0
	for _, r := range results {
		m.MRR += r.ReciprocalRank
		for _, k := range RetrievalKValues {
			m.AvgRetrievalPrecision[k] += r.RetrievalPrecision[k]
			m.AvgRetrievalRecall[k] += r.RetrievalRecall[k]
		}
		if answers {
			m.AvgFactRecall += r.FactRecall
			m.AvgCitationPrecision += r.CitationPrecision
			m.AvgConfidence += r.Confidence
			m.StrippedCitations += r.Stripped
			if r.AnswerStatus == compose.StatusGrounded {
				grounded++
			}
		}
	}
	m.MRR /= n
	for _, k := range RetrievalKValues {
		m.AvgRetrievalPrecision[k] /= n
		m.AvgRetrievalRecall[k] /= n
	}
	if answers {
		m.AvgFactRecall /= n
		m.AvgCitationPrecision /= n
		m.AvgConfidence /= n
		m.GroundedRate = float64(grounded) / n
	}
	return m
}

func (e *Evaluator) runMappings(ctx context.Context, cases []MappingCase) (MappingReport, error) {
	rep := MappingReport{Total: len(cases), BySource: make(map[string]int)}
	for _, c := range cases {
		res := MappingResult{OldSectionID: c.OldSectionID, Expected: strings.ToUpper(c.NewSectionID)}
		m, err := e.engine.Resolve(ctx, c.OldSectionID)
		switch {
		case err == nil:
			res.Got = strings.ToUpper(m.NewSectionID)
			res.Source = string(m.Source)
			res.Confidence = m.Confidence
			res.Correct = res.Got == res.Expected
		case errors.Is(err, store.ErrNotFound):
			rep.Unresolved++
		case ctx.Err() != nil:
			return rep, ctx.Err()
		default:
			res.Error = err.Error()
		}
		if res.Correct {
			rep.Correct++
			rep.BySource[res.Source]++
		}
		rep.Results = append(rep.Results, res)
	}
	if rep.Total > 0 {
		rep.Accuracy = float64(rep.Correct) / float64(rep.Total)
	}
	return rep, nil
}

// FormatReport renders a report for the terminal.
func FormatReport(r *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== Evaluation Report: %s ===\n", r.Dataset)
	fmt.Fprintf(&b, "Total: %d | Passed: %d (%.1f%%) | Failed: %d\n",
		r.TotalTests, r.Passed, passRate(r.Passed, r.TotalTests), r.Failed)
	fmt.Fprintf(&b, "Run time: %s\n\n", r.RunTime.Round(time.Millisecond))

	if r.TotalTests > 0 {
		fmt.Fprintf(&b, "Retrieval Metrics:\n")
		fmt.Fprintf(&b, "  MRR    %.3f\n", r.Metrics.MRR)
		for _, k := range RetrievalKValues {
			fmt.Fprintf(&b, "  P@%-3d  %.1f%%   R@%-3d  %.1f%%\n",
				k, r.Metrics.AvgRetrievalPrecision[k]*100, k, r.Metrics.AvgRetrievalRecall[k]*100)
		}
		fmt.Fprintln(&b)
	}

	if r.Metrics.GroundedRate > 0 || r.Metrics.AvgFactRecall > 0 {
		fmt.Fprintf(&b, "Answer Metrics:\n")
		fmt.Fprintf(&b, "  Grounded:            %.1f%%\n", r.Metrics.GroundedRate*100)
		fmt.Fprintf(&b, "  Fact Recall:         %.2f\n", r.Metrics.AvgFactRecall)
		fmt.Fprintf(&b, "  Citation Precision:  %.2f\n", r.Metrics.AvgCitationPrecision)
		fmt.Fprintf(&b, "  Confidence:          %.2f\n", r.Metrics.AvgConfidence)
		fmt.Fprintf(&b, "  Stripped Citations:  %d\n\n", r.Metrics.StrippedCitations)
	}

	// Per-category breakdown (sorted for deterministic output)
	if len(r.CategoryMetrics) > 0 {
		cats := make([]string, 0, len(r.CategoryMetrics))
		for cat := range r.CategoryMetrics {
			cats = append(cats, cat)
		}
		sort.Strings(cats)

		fmt.Fprintf(&b, "Per-Category Metrics:\n")
		for _, cat := range cats {
			m := r.CategoryMetrics[cat]
			fmt.Fprintf(&b, "  [%s] MRR=%.2f R@5=%.2f Facts=%.2f\n", cat, m.MRR, m.AvgRetrievalRecall[5], m.AvgFactRecall)
		}
		fmt.Fprintln(&b)
	}

	for i, res := range r.Results {
		status := "PASS"
		if !res.Passed {
			status = "FAIL"
		}
		fmt.Fprintf(&b, "[%s] %d. %s\n", status, i+1, res.Question)
		if res.Error != "" {
			fmt.Fprintf(&b, "  Error: %s\n", res.Error)
			continue
		}
		fmt.Fprintf(&b, "  RR=%.2f retrieved=%s  (%dms)\n", res.ReciprocalRank,
			truncate(strings.Join(res.Retrieved, ","), 60), res.ElapsedMs)
		if res.AnswerStatus != "" {
			fmt.Fprintf(&b, "  answer=%s facts=%.2f cite=%.2f conf=%.2f\n",
				res.AnswerStatus, res.FactRecall, res.CitationPrecision, res.Confidence)
		}
	}

	if m := r.Mappings; m.Total > 0 {
		fmt.Fprintf(&b, "\nMappings: %d/%d correct (%.1f%%), %d unresolved\n",
			m.Correct, m.Total, m.Accuracy*100, m.Unresolved)
		for _, res := range m.Results {
			if res.Correct {
				continue
			}
			got := res.Got
			if res.Error != "" {
				got = "error: " + res.Error
			} else if got == "" {
				got = "-"
			}
			fmt.Fprintf(&b, "  %s expected %s got %s\n", res.OldSectionID, orRepealed(res.Expected), got)
		}
	}

	return b.String()
}

func orRepealed(id string) string {
	if id == "" {
		return "(repealed)"
	}
	return id
}

func passRate(passed, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(passed) / float64(total) * 100
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
