package compare

import (
	"bytes"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"unicode"

	"github.com/sourcegraph/go-diff/diff"
)

// maxLCSCells bounds the LCS table; larger inputs diff their middles as a
// whole replacement.
const maxLCSCells = 4_000_000

// maxListedWords caps the Added and Removed word lists.
const maxListedWords = 50

type opKind byte

const (
	opEqual  opKind = ' '
	opDelete opKind = '-'
	opInsert opKind = '+'
)

type op struct {
	kind opKind
	text string
}

// diffOps returns an edit script turning a into b. Common prefix and suffix
// are trimmed before the LCS table is built.
func diffOps(a, b []string) []op {
	pre := 0
	for pre < len(a) && pre < len(b) && a[pre] == b[pre] {
		pre++
	}
	suf := 0
	for suf < len(a)-pre && suf < len(b)-pre && a[len(a)-1-suf] == b[len(b)-1-suf] {
		suf++
	}

	var ops []op
	for _, s := range a[:pre] {
		ops = append(ops, op{opEqual, s})
	}
	ops = append(ops, lcsOps(a[pre:len(a)-suf], b[pre:len(b)-suf])...)
	for _, s := range a[len(a)-suf:] {
		ops = append(ops, op{opEqual, s})
	}
	return ops
}

func lcsOps(a, b []string) []op {
	n, m := len(a), len(b)
	if n == 0 || m == 0 || n*m > maxLCSCells {
		ops := make([]op, 0, n+m)
		for _, s := range a {
			ops = append(ops, op{opDelete, s})
		}
		for _, s := range b {
			ops = append(ops, op{opInsert, s})
		}
		return ops
	}

	// lcs[i][j] is the LCS length of a[i:] and b[j:].
	lcs := make([][]int32, n+1)
	for i := range lcs {
		lcs[i] = make([]int32, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}

	ops := make([]op, 0, n+m)
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			ops = append(ops, op{opEqual, a[i]})
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			ops = append(ops, op{opDelete, a[i]})
			i++
		default:
			ops = append(ops, op{opInsert, b[j]})
			j++
		}
	}
	for ; i < n; i++ {
		ops = append(ops, op{opDelete, a[i]})
	}
	for ; j < m; j++ {
		ops = append(ops, op{opInsert, b[j]})
	}
	return ops
}

// words lower-cases text and splits it on anything but letters and digits.
func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// sentences splits text after sentence and clause terminators and at line
// breaks, collapsing inner whitespace.
func sentences(text string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		s := strings.Join(strings.Fields(cur.String()), " ")
		if s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	rs := []rune(text)
	for i, r := range rs {
		if r == '\n' {
			flush()
			continue
		}
		cur.WriteRune(r)
		if (r == '.' || r == ';') && (i+1 == len(rs) || unicode.IsSpace(rs[i+1])) {
			flush()
		}
	}
	flush()
	return out
}

// wordingAxis diffs the two texts word by word and renders a sentence-level
// unified diff.
func wordingAxis(oldText, newText, oldName, newName string) WordingAxis {
	ow, nw := words(oldText), words(newText)
	if slices.Equal(ow, nw) {
		return WordingAxis{Axis: Axis{Status: StatusUnchanged}}
	}

	var added, removed []string
	var nAdded, nRemoved int
	for _, o := range diffOps(ow, nw) {
		switch o.kind {
		case opInsert:
			nAdded++
			if len(added) < maxListedWords {
				added = append(added, o.text)
			}
		case opDelete:
			nRemoved++
			if len(removed) < maxListedWords {
				removed = append(removed, o.text)
			}
		}
	}

	w := WordingAxis{Axis: Axis{
		Status:  StatusChanged,
		Summary: fmt.Sprintf("%s added, %s removed", plural(nAdded, "word"), plural(nRemoved, "word")),
		Added:   added,
		Removed: removed,
	}}
	unified, err := unifiedDiff(oldText, newText, oldName, newName)
	if err != nil {
		slog.Warn("compare: rendering unified diff failed", "old", oldName, "new", newName, "error", err)
	}
	w.Unified = unified
	return w
}

// unifiedDiff renders the sentence-level edit script as a single hunk.
func unifiedDiff(oldText, newText, oldName, newName string) (string, error) {
	oldS, newS := sentences(oldText), sentences(newText)

	var body bytes.Buffer
	for _, o := range diffOps(oldS, newS) {
		body.WriteByte(byte(o.kind))
		body.WriteString(o.text)
		body.WriteByte('\n')
	}
	h := &diff.Hunk{
		OrigStartLine: startLine(len(oldS)),
		OrigLines:     int32(len(oldS)),
		NewStartLine:  startLine(len(newS)),
		NewLines:      int32(len(newS)),
		Body:          body.Bytes(),
	}
	out, err := diff.PrintFileDiff(&diff.FileDiff{
		OrigName: oldName,
		NewName:  newName,
		Hunks:    []*diff.Hunk{h},
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func startLine(n int) int32 {
	if n == 0 {
		return 0
	}
	return 1
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
