package retrieval

import (
	"strings"
	"testing"
)

func TestSanitizeFTSQuery(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "plain text",
			input: "cheating property",
			want:  `"cheating property" OR "cheating" OR "property"`,
		},
		{
			name:  "special characters removed",
			input: `"murder" + (punishment)*`,
			want:  `"murder punishment" OR "murder" OR "punishment"`,
		},
		{
			name:  "section id split on hyphen",
			input: "IPC-302",
			want:  `"IPC 302" OR "ipc" OR "302"`,
		},
		{
			name:  "single word",
			input: "bail",
			want:  `"bail"`,
		},
		{
			name:  "single stop word",
			input: "not",
			want:  `"not"`,
		},
		{
			name:  "only stop words",
			input: "to be or not",
			want:  `"to be or not"`,
		},
		{
			name:  "nothing left",
			input: `"*()"`,
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeFTSQuery(tt.input)
			if got != tt.want {
				t.Errorf("sanitizeFTSQuery(%q) = %s, want %s", tt.input, got, tt.want)
			}
			for _, ch := range []string{"*", "(", ")", "+", "^", ":"} {
				if strings.Contains(got, ch) {
					t.Errorf("sanitized query still contains %q: %s", ch, got)
				}
			}
		})
	}
}

func TestExtractSignificantTerms(t *testing.T) {
	got := extractSignificantTerms("What is the punishment for murder under Section 302 IPC?")
	want := []string{"punishment", "murder", "302", "ipc"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("term %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestIsStopWord(t *testing.T) {
	for _, w := range []string{"the", "The", "SECTION", "under"} {
		if !isStopWord(w) {
			t.Errorf("expected %q to be a stop word", w)
		}
	}
	for _, w := range []string{"murder", "302", "cheating"} {
		if isStopWord(w) {
			t.Errorf("did not expect %q to be a stop word", w)
		}
	}
}

func TestCanonicalFilters(t *testing.T) {
	f := canonicalFilters(Filters{Code: " ipc ", SectionLabel: "41a"})
	if f.Code != "IPC" || f.SectionLabel != "41A" {
		t.Errorf("unexpected filters: %+v", f)
	}
}
