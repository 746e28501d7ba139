package compose

import (
	"fmt"
	"strings"

	"github.com/brunobiangulo/lawbridge/retrieval"
	"github.com/brunobiangulo/lawbridge/store"
)

const instructions = `Answer the question using ONLY the sources below.
Rules:
1. Every statement must be supported by a source. Cite it with its label, for example [S1].
2. Cite only the labels S1 to S%d. Do not cite any other section, act, or case.
3. If the sources do not answer the question, say so plainly.
4. Preserve the exact statutory terminology of the sources.`

// minSourceChars is the smallest useful excerpt when truncating to fit.
const minSourceChars = 200

// sourceHeader renders the label line of one prompt source.
func sourceHeader(n int, r retrieval.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[S%d]", n)
	if r.Citation.SectionID != "" {
		fmt.Fprintf(&b, " %s", r.Citation.SectionID)
	}
	if r.Citation.Title != "" {
		fmt.Fprintf(&b, " | %s", r.Citation.Title)
	}
	if r.Citation.PageNumber > 0 {
		fmt.Fprintf(&b, " | Page %d", r.Citation.PageNumber)
	}
	b.WriteString("\n")
	return b.String()
}

// buildPrompt renders the question, the mapping notes and as many sources as
// fit into maxChars. It returns the prompt and the sources it contains, in
// label order.
func buildPrompt(question string, results []retrieval.Result, mappings []store.Mapping, maxChars int) (string, []retrieval.Result) {
	var notes strings.Builder
	for _, m := range mappings {
		if m.ChangeType == store.ChangeRepealed {
			fmt.Fprintf(&notes, "- %s has no successor (repealed).\n", m.OldSectionID)
			continue
		}
		fmt.Fprintf(&notes, "- %s corresponds to %s (%s).\n", m.OldSectionID, m.NewSectionID, m.ChangeType)
	}

	render := func(body string, n int) string {
		var b strings.Builder
		fmt.Fprintf(&b, instructions, n)
		if notes.Len() > 0 {
			b.WriteString("\n\nKnown section equivalences:\n")
			b.WriteString(notes.String())
		}
		b.WriteString("\n\nSources:\n")
		b.WriteString(body)
		fmt.Fprintf(&b, "\nQuestion: %s\n", question)
		return b.String()
	}

	var body strings.Builder
	var used []retrieval.Result
	for _, r := range results {
		n := len(used) + 1
		block := sourceHeader(n, r) + strings.TrimSpace(r.Text) + "\n\n"
		if len(render(body.String()+block, n)) <= maxChars {
			body.WriteString(block)
			used = append(used, r)
			continue
		}
		// Truncate the source to the remaining room, or stop.
		room := maxChars - len(render(body.String()+sourceHeader(n, r)+"…\n\n", n))
		if room < minSourceChars {
			break
		}
		text := truncateRunes(strings.TrimSpace(r.Text), room)
		body.WriteString(sourceHeader(n, r) + text + "…\n\n")
		used = append(used, r)
		break
	}
	return render(body.String(), len(used)), used
}

// truncateRunes cuts s to at most max bytes without splitting a rune.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !isRuneStart(s[max]) {
		max--
	}
	return s[:max]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
