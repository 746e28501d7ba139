package compose

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/lawbridge/llm"
	"github.com/brunobiangulo/lawbridge/retrieval"
	"github.com/brunobiangulo/lawbridge/store"
)

type fakeRetriever struct {
	results []retrieval.Result
	byLabel map[string][]retrieval.Result
}

func (f *fakeRetriever) Mode() string { return "fake" }

func (f *fakeRetriever) Query(_ context.Context, _ string, k int, flt retrieval.Filters) ([]retrieval.Result, error) {
	if flt.SectionLabel != "" {
		return f.byLabel[flt.Code+"-"+flt.SectionLabel], nil
	}
	if k < len(f.results) {
		return f.results[:k], nil
	}
	return f.results, nil
}

// scriptedGenerator replays responses and errors in order.
type scriptedGenerator struct {
	mu       sync.Mutex
	replies  []string
	errs     []error
	prompts  []string
	timeouts []time.Duration
}

func (g *scriptedGenerator) Model() string { return "stub-model" }

func (g *scriptedGenerator) Complete(_ context.Context, prompt string, timeout time.Duration) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.prompts)
	g.prompts = append(g.prompts, prompt)
	g.timeouts = append(g.timeouts, timeout)
	if n < len(g.errs) && g.errs[n] != nil {
		return "", g.errs[n]
	}
	if n < len(g.replies) {
		return g.replies[n], nil
	}
	return g.replies[len(g.replies)-1], nil
}

func (g *scriptedGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

func result(unitID, code, label, text string, score float64) retrieval.Result {
	return retrieval.Result{
		UnitID: unitID,
		Score:  score,
		Text:   text,
		Citation: retrieval.Citation{
			DocumentID:   strings.ToLower(code),
			Title:        code,
			Code:         code,
			SectionLabel: label,
			SectionID:    code + "-" + label,
			PageNumber:   3,
			UnitID:       unitID,
		},
	}
}

func corpus() *fakeRetriever {
	return &fakeRetriever{results: []retrieval.Result{
		result("ipc@1#p3-302", "IPC", "302", "Whoever commits murder shall be punished with death or imprisonment for life.", 0.9),
		result("bns@1#p3-103", "BNS", "103", "Whoever commits murder shall be punished with death or imprisonment for life and fine.", 0.8),
	}}
}

func fastConfig() Config { return Config{RetryBackoff: time.Millisecond} }

func TestAnswerEmptyCorpusNeverCallsGenerator(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{"should not be used"}}
	c := New(&fakeRetriever{}, gen, nil, fastConfig())

	ans, err := c.Answer(context.Background(), "punishment for murder", Policy{})
	require.NoError(t, err)
	assert.Equal(t, StatusUngrounded, ans.Status)
	assert.Empty(t, ans.Citations)
	assert.NotNil(t, ans.Citations)
	assert.Zero(t, ans.Confidence)
	assert.Zero(t, gen.calls())
	assert.NotEmpty(t, ans.ID)
}

func TestAnswerStripsFabricatedCitations(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{
		"Murder is punishable by death [S1]. The new code adds a fine [S2][S7]. See also [IPC-999] and Section 420.",
	}}
	c := New(corpus(), gen, nil, fastConfig())

	ans, err := c.Answer(context.Background(), "punishment for murder", Policy{})
	require.NoError(t, err)
	assert.Equal(t, StatusGrounded, ans.Status)
	assert.Equal(t, "Murder is punishable by death [S1]. The new code adds a fine [S2]. See also and.", ans.AnswerText)
	assert.Equal(t, []string{"[S7]", "[IPC-999]", "Section 420"}, ans.Stripped)

	require.Len(t, ans.Citations, 2)
	assert.Equal(t, "IPC-302", ans.Citations[0].SectionID)
	assert.Equal(t, "BNS-103", ans.Citations[1].SectionID)
	assert.InDelta(t, 0.85-3*0.15, ans.Confidence, 1e-9)
	assert.Equal(t, "stub-model", ans.Model)
}

func TestEveryCitationWasRetrieved(t *testing.T) {
	fabricated := []string{
		"[S3] [S4] [BNS-999] [IPC-1]",
		"Per [Source 9] and [CrPC-41A].",
		"[S1, S5]",
		"Murder is punishable with death [S1]. See also [Section 420 IPC].",
		"Cheating is covered by [Sec. 999].",
		"It falls under [IPC Section 420].",
	}
	for _, reply := range fabricated {
		ret := corpus()
		c := New(ret, &scriptedGenerator{replies: []string{reply}}, nil, fastConfig())
		ans, err := c.Answer(context.Background(), "murder", Policy{})
		require.NoError(t, err)

		retrieved := map[string]bool{}
		for _, r := range ret.results {
			retrieved[r.UnitID] = true
		}
		for _, cit := range ans.Citations {
			assert.True(t, retrieved[cit.UnitID], "reply %q produced citation %s", reply, cit.UnitID)
		}
		assert.NotEmpty(t, ans.Stripped, reply)
		assert.NotContains(t, ans.AnswerText, "420", reply)
		assert.NotContains(t, ans.AnswerText, "999", reply)
	}
}

func TestAnswerStripsBracketedProseReferences(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{
		"Murder is punishable with death [S1]. See also [Section 420 IPC].",
	}}
	c := New(corpus(), gen, nil, fastConfig())

	ans, err := c.Answer(context.Background(), "murder", Policy{})
	require.NoError(t, err)
	assert.Equal(t, "Murder is punishable with death [S1]. See also.", ans.AnswerText)
	assert.Equal(t, []string{"[Section 420 IPC]"}, ans.Stripped)
	require.Len(t, ans.Citations, 1)
	assert.InDelta(t, 0.9-0.15, ans.Confidence, 1e-9)
}

func TestAnswerKeepsVerifiedBracketedReferences(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{
		"Death is prescribed [Section 302 IPC] and a fine is added [BNS Section 103].",
	}}
	c := New(corpus(), gen, nil, fastConfig())

	ans, err := c.Answer(context.Background(), "murder", Policy{})
	require.NoError(t, err)
	assert.Equal(t, "Death is prescribed [Section 302 IPC] and a fine is added [BNS Section 103].", ans.AnswerText)
	assert.Empty(t, ans.Stripped)
	require.Len(t, ans.Citations, 2)
	assert.Equal(t, "IPC-302", ans.Citations[0].SectionID)
	assert.Equal(t, "BNS-103", ans.Citations[1].SectionID)
}

func TestAnswerRemovesUntraceableProseReferences(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{
		"Murder is punishable with death [S1], unlike Section 420 of the IPC which covers cheating.",
	}}
	c := New(corpus(), gen, nil, fastConfig())

	ans, err := c.Answer(context.Background(), "murder", Policy{})
	require.NoError(t, err)
	assert.Equal(t, "Murder is punishable with death [S1], unlike which covers cheating.", ans.AnswerText)
	assert.Equal(t, []string{"Section 420 of the IPC"}, ans.Stripped)
	assert.InDelta(t, 0.9-0.15, ans.Confidence, 1e-9)
}

func TestAnswerSectionMarkerAndNonMarkerBrackets(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{"The old code [ipc-302] prescribes death [emphasis added]."}}
	c := New(corpus(), gen, nil, fastConfig())

	ans, err := c.Answer(context.Background(), "murder", Policy{})
	require.NoError(t, err)
	assert.Equal(t, "The old code [ipc-302] prescribes death [emphasis added].", ans.AnswerText)
	require.Len(t, ans.Citations, 1)
	assert.Equal(t, "ipc@1#p3-302", ans.Citations[0].UnitID)
	assert.Empty(t, ans.Stripped)
	assert.InDelta(t, 0.9, ans.Confidence, 1e-9)
}

func TestAnswerWithoutCitationsFallsBackToSources(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{"Murder is punished with death, and Section 302 covers it."}}
	c := New(corpus(), gen, nil, fastConfig())

	ans, err := c.Answer(context.Background(), "murder", Policy{})
	require.NoError(t, err)
	assert.Equal(t, StatusGrounded, ans.Status)
	assert.Len(t, ans.Citations, 2)
	assert.Empty(t, ans.Stripped)
	assert.InDelta(t, 0.85*0.7, ans.Confidence, 1e-9)
}

func TestAnswerRetriesOnceOnTimeout(t *testing.T) {
	gen := &scriptedGenerator{
		errs:    []error{llm.ErrUpstreamTimeout, nil},
		replies: []string{"", "Death or life imprisonment [S1]."},
	}
	c := New(corpus(), gen, nil, fastConfig())

	ans, err := c.Answer(context.Background(), "murder", Policy{Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, StatusGrounded, ans.Status)
	assert.Equal(t, 2, gen.calls())
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, gen.timeouts)
}

func TestAnswerDegradesAfterSecondTimeout(t *testing.T) {
	gen := &scriptedGenerator{
		errs:    []error{llm.ErrUpstreamTimeout, context.DeadlineExceeded, nil},
		replies: []string{"never"},
	}
	c := New(corpus(), gen, nil, fastConfig())

	ans, err := c.Answer(context.Background(), "murder", Policy{})
	require.NoError(t, err)
	assert.Equal(t, StatusGenerationFailed, ans.Status)
	assert.Equal(t, 2, gen.calls())
	require.Len(t, ans.Citations, 2, "grounding survives a failed generation")
	assert.Equal(t, "IPC-302", ans.Citations[0].SectionID)
	assert.Zero(t, ans.Confidence)
}

func TestAnswerDoesNotRetryOtherErrors(t *testing.T) {
	gen := &scriptedGenerator{errs: []error{errors.New("400 bad request")}, replies: []string{"x"}}
	c := New(corpus(), gen, nil, fastConfig())

	ans, err := c.Answer(context.Background(), "murder", Policy{})
	require.NoError(t, err)
	assert.Equal(t, StatusGenerationFailed, ans.Status)
	assert.Equal(t, 1, gen.calls())
}

func TestAnswerWithoutGenerator(t *testing.T) {
	c := New(corpus(), nil, nil, fastConfig())
	ans, err := c.Answer(context.Background(), "murder", Policy{})
	require.NoError(t, err)
	assert.Equal(t, StatusGenerationFailed, ans.Status)
	assert.Len(t, ans.Citations, 2)
}

func TestAnswerCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	gen := &scriptedGenerator{errs: []error{context.Canceled}, replies: []string{"x"}}
	c := New(corpus(), gen, nil, fastConfig())

	_, err := c.Answer(ctx, "murder", Policy{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPromptContainsOnlyRetrievedText(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{"ok [S1]"}}
	c := New(corpus(), gen, nil, fastConfig())

	_, err := c.Answer(context.Background(), "what is the punishment for murder?", Policy{})
	require.NoError(t, err)
	require.Equal(t, 1, gen.calls())
	p := gen.prompts[0]
	assert.Contains(t, p, "[S1] IPC-302 | IPC | Page 3")
	assert.Contains(t, p, "[S2] BNS-103")
	assert.Contains(t, p, "Cite only the labels S1 to S2")
	assert.Contains(t, p, "Question: what is the punishment for murder?")
}

func TestPromptIsBounded(t *testing.T) {
	long := strings.Repeat("murder ", 400)
	ret := &fakeRetriever{results: []retrieval.Result{
		result("a", "IPC", "1", long, 0.9),
		result("b", "IPC", "2", long, 0.8),
		result("c", "IPC", "3", long, 0.7),
	}}
	gen := &scriptedGenerator{replies: []string{"see [S1] and [S3]"}}
	c := New(ret, gen, nil, fastConfig())

	ans, err := c.Answer(context.Background(), "murder", Policy{MaxPromptChars: 4000})
	require.NoError(t, err)
	require.Equal(t, 1, gen.calls())
	assert.LessOrEqual(t, len(gen.prompts[0]), 4000)
	assert.NotContains(t, gen.prompts[0], "[S3]")
	assert.Equal(t, []string{"[S3]"}, ans.Stripped)
	require.Len(t, ans.Citations, 1)
	assert.Equal(t, "a", ans.Citations[0].UnitID)
}

type mapResolver map[string]store.Mapping

func (m mapResolver) Resolve(_ context.Context, id string) (*store.Mapping, error) {
	if v, ok := m[id]; ok {
		return &v, nil
	}
	return nil, store.ErrNotFound
}

func TestAnswerAddsMappedSections(t *testing.T) {
	ret := &fakeRetriever{
		results: []retrieval.Result{
			result("ipc@1#p3-302", "IPC", "302", "Whoever commits murder shall be punished with death.", 0.9),
		},
		byLabel: map[string][]retrieval.Result{
			"BNS-103": {result("bns@1#p3-103", "BNS", "103", "Whoever commits murder shall be punished with death and fine.", 0.7)},
		},
	}
	res := mapResolver{"IPC-302": {OldSectionID: "IPC-302", NewSectionID: "BNS-103", ChangeType: store.ChangePenaltyChanged, Confidence: 1}}
	gen := &scriptedGenerator{replies: []string{"IPC 302 [S1] became BNS 103 [S2]."}}
	c := New(ret, gen, res, fastConfig())

	ans, err := c.Answer(context.Background(), "What replaced IPC 302?", Policy{UseMappings: true})
	require.NoError(t, err)
	require.Len(t, ans.Mappings, 1)
	require.Len(t, ans.Citations, 2)
	assert.Equal(t, "BNS-103", ans.Citations[1].SectionID)
	assert.Empty(t, ans.Stripped)
	assert.Contains(t, gen.prompts[0], "IPC-302 corresponds to BNS-103 (penalty-changed)")
}

func TestBackoffJitter(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := backoff(base)
		assert.GreaterOrEqual(t, d, base)
		assert.Less(t, d, base+base/2)
	}
}
