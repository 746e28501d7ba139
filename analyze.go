package lawbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/brunobiangulo/lawbridge/lexicon"
	"github.com/brunobiangulo/lawbridge/normalizer"
	"github.com/brunobiangulo/lawbridge/store"
)

// Severity levels.
const (
	SeverityLow    = "Low"
	SeverityMedium = "Medium"
	SeverityHigh   = "High"
)

var guidance = map[string]string{
	SeverityHigh:   "Serious offence indicated. Consult a lawyer without delay.",
	SeverityMedium: "Moderate legal risk identified. Consider consulting a legal professional.",
	SeverityLow:    "Low severity indicators detected. Keep the document and monitor the matter.",
}

const plainSummary = "This document cites the statute sections listed below. " +
	"Review each section and its current equivalent before acting."

// ReferenceAnalysis is one section reference found in a user document.
type ReferenceAnalysis struct {
	normalizer.SectionRef
	Weight  int                     `json:"weight"`
	Mapping *store.Mapping          `json:"mapping,omitempty"`
	Bail    *lexicon.Classification `json:"bail,omitempty"`
}

// Analysis is the rule-based reading of a user document.
type Analysis struct {
	References   []ReferenceAnalysis  `json:"references"`
	Score        int                  `json:"score"`
	Severity     string               `json:"severity"`
	Guidance     string               `json:"guidance"`
	Authorities  []string             `json:"authorities"`
	ActionPoints []string             `json:"action_points"`
	Terms        []store.GlossaryTerm `json:"terms"`
	Summary      string               `json:"summary"`
}

const nonBailableAction = "At least one cited offence is non-bailable. Bail must be sought from the court."

// AnalyzeDocument extracts the section references of a user document,
// resolves each coded reference to its new-code counterpart, classifies the
// offences it can and scores the document's severity. Glossary terms used in
// the document are listed with their definitions.
func (e *engine) AnalyzeDocument(ctx context.Context, raw string) (*Analysis, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: empty document", ErrMalformedInput)
	}

	a := &Analysis{
		References:   []ReferenceAnalysis{},
		Authorities:  detectAuthorities(raw),
		ActionPoints: actionPoints(raw),
		Summary:      plainSummary,
	}
	for _, ref := range normalizer.ExtractSectionRefs(raw) {
		ra := ReferenceAnalysis{SectionRef: ref, Weight: sectionWeight(ref.Label)}
		if ref.Code != "" {
			m, err := e.mapper.Resolve(ctx, ref.ID())
			switch {
			case err == nil:
				ra.Mapping = m
			case errors.Is(err, store.ErrNotFound):
			case ctx.Err() != nil:
				return nil, ctx.Err()
			default:
				slog.Debug("analyze: resolving reference failed", "ref", ref.ID(), "error", err)
			}
		}
		ra.Bail = e.classifyReference(ra)
		a.Score += ra.Weight
		a.References = append(a.References, ra)
	}
	for _, ra := range a.References {
		if ra.Bail != nil && !ra.Bail.Bailable {
			a.ActionPoints = append(a.ActionPoints, nonBailableAction)
			break
		}
	}
	terms, err := e.DetectTerms(ctx, raw)
	if err != nil {
		return nil, err
	}
	a.Terms = terms
	a.Severity = severity(a.Score)
	a.Guidance = guidance[a.Severity]
	return a, nil
}

// sectionWeight rates a section by its number: 300 and above weigh 3,
// 150 to 299 weigh 2, the rest 1.
func sectionWeight(label string) int {
	digits := strings.TrimRightFunc(label, func(r rune) bool { return r < '0' || r > '9' })
	n, err := strconv.Atoi(digits)
	switch {
	case err != nil:
		return 1
	case n >= 300:
		return 3
	case n >= 150:
		return 2
	}
	return 1
}

func severity(score int) string {
	switch {
	case score >= 6:
		return SeverityHigh
	case score >= 3:
		return SeverityMedium
	}
	return SeverityLow
}

func detectAuthorities(text string) []string {
	lower := strings.ToLower(text)
	out := []string{}
	if strings.Contains(lower, "police") {
		out = append(out, "Police")
	}
	if strings.Contains(lower, "court") || strings.Contains(lower, "magistrate") {
		out = append(out, "Court")
	}
	return out
}

func actionPoints(text string) []string {
	lower := strings.ToLower(text)
	out := []string{}
	if strings.Contains(lower, "appear") {
		out = append(out, "You may need to appear before the authorities.")
	}
	if strings.Contains(lower, "notice") {
		out = append(out, "This document is an official notice.")
	}
	return out
}
