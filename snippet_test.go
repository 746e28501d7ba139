package lawbridge

import (
	"strings"
	"testing"
)

const sec420 = "420. Cheating and dishonestly inducing delivery of property.—Whoever cheats and thereby " +
	"dishonestly induces the person deceived to deliver any property to any person, shall be punished with " +
	"imprisonment of either description for a term which may extend to seven years; and shall also be liable to fine."

func TestSnippet_BestClause(t *testing.T) {
	got := Snippet(sec420, "punishment for cheating: how many years imprisonment?")
	if !strings.Contains(got, "seven years") {
		t.Errorf("expected the penalty clause, got %q", got)
	}
}

func TestSnippet_FallsBackToOpeningClause(t *testing.T) {
	got := Snippet(sec420, "quantum computing")
	if got != "420. Cheating and dishonestly inducing delivery of property." {
		t.Errorf("unexpected fallback: %q", got)
	}
}

func TestSnippet_Empty(t *testing.T) {
	if got := Snippet("   ", "murder"); got != "" {
		t.Errorf("expected empty snippet, got %q", got)
	}
}

func TestSnippet_RespectsMaxLen(t *testing.T) {
	long := strings.Repeat("murder ", 100)
	got := Snippet(long, "murder")
	if n := len([]rune(got)); n > SnippetMaxLen {
		t.Errorf("snippet has %d runes, want at most %d", n, SnippetMaxLen)
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("expected ellipsis, got %q", got)
	}
}

func TestSplitClauses(t *testing.T) {
	got := splitClauses("302. Murder.—Whoever commits murder; shall be punished.\nExplanation: see 1.5 above.")
	want := []string{"302. Murder.", "Whoever commits murder;", "shall be punished.", "Explanation:", "see 1.5 above."}
	if len(got) != len(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("clause %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestQueryTerms(t *testing.T) {
	words := queryTerms("Whoever shall be punished for Murder under IPC 302")
	for _, w := range []string{"murder", "ipc", "302"} {
		if !words[w] {
			t.Errorf("expected %q in terms", w)
		}
	}
	for _, w := range []string{"whoever", "shall", "punished", "for"} {
		if words[w] {
			t.Errorf("did not expect %q in terms", w)
		}
	}
}
