package compare

import (
	"regexp"
	"strconv"
	"strings"
)

// termRule extracts one normalised term from lower-cased text. When render is
// set it builds the term from the first capture group.
type termRule struct {
	re     *regexp.Regexp
	term   string
	render func(m []string) string
}

var penaltyRules = []termRule{
	{re: regexp.MustCompile(`\b(?:with|of)\s+death\b`), term: "death"},
	{re: regexp.MustCompile(`\bimprisonment\s+for\s+life\b`), term: "imprisonment for life"},
	{
		re: regexp.MustCompile(`\bimprisonment\b[^.;]{0,160}?\b(?:may\s+extend\s+to|up\s*to|not\s+exceeding)\s+(\w+)\s+years?\b`),
		render: func(m []string) string {
			return "imprisonment up to " + years(m[1])
		},
	},
	{
		re: regexp.MustCompile(`\b(?:not\s+(?:be\s+)?less\s+than|minimum\s+(?:of\s+)?|at\s+least)\s+(\w+)\s+years?\b`),
		render: func(m []string) string {
			return "minimum " + years(m[1])
		},
	},
	{re: regexp.MustCompile(`\bfine\b`), term: "fine"},
	{
		re: regexp.MustCompile(`\bfine\s+(?:which\s+may\s+extend\s+to|up\s*to|not\s+exceeding)\s+((?:rs\.?\s*|₹\s*)?[\d,]+(?:\s+(?:lakh|thousand))?(?:\s+rupees)?|\w+(?:\s+\w+)?\s+(?:lakh|thousand)\s+rupees|\w+\s+rupees)`),
		render: func(m []string) string {
			return "fine up to " + amount(m[1])
		},
	},
	{re: regexp.MustCompile(`\bcommunity\s+service\b`), term: "community service"},
}

var scopeRules = []termRule{
	{re: regexp.MustCompile(`\bwhoever\b`), term: "whoever"},
	{re: regexp.MustCompile(`\bany\s+person\b`), term: "any person"},
	{re: regexp.MustCompile(`\bpublic\s+servants?\b`), term: "public servant"},
	{re: regexp.MustCompile(`\bwom[ae]n\b`), term: "woman"},
	{re: regexp.MustCompile(`\bchild(?:ren)?\b`), term: "child"},
	{re: regexp.MustCompile(`\bintentionally\b|\bwith\s+(?:the\s+)?intent(?:ion)?\b`), term: "intention"},
	{re: regexp.MustCompile(`\bknowingly\b|\bknowledge\b|\breason\s+to\s+believe\b`), term: "knowledge"},
	{re: regexp.MustCompile(`\bdishonestly\b`), term: "dishonestly"},
	{re: regexp.MustCompile(`\bfraudulently\b`), term: "fraudulently"},
	{re: regexp.MustCompile(`\bexceptions?\b`), term: "exception"},
	{re: regexp.MustCompile(`\bprovided\s+(?:further\s+)?that\b`), term: "proviso"},
}

// penaltyTerms lists the punishments a provision prescribes.
func penaltyTerms(text string) []string { return extractTerms(text, penaltyRules) }

// scopeTerms lists the applicability conditions of a provision.
func scopeTerms(text string) []string { return extractTerms(text, scopeRules) }

func extractTerms(text string, rules []termRule) []string {
	lower := strings.ToLower(text)
	seen := make(map[string]bool)
	var out []string
	for _, r := range rules {
		if r.render == nil {
			if r.re.MatchString(lower) && !seen[r.term] {
				seen[r.term] = true
				out = append(out, r.term)
			}
			continue
		}
		for _, m := range r.re.FindAllStringSubmatch(lower, -1) {
			t := r.render(m)
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

var numberWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6, "seven": 7,
	"eight": 8, "nine": 9, "ten": 10, "eleven": 11, "twelve": 12, "fourteen": 14,
	"fifteen": 15, "twenty": 20, "thirty": 30, "forty": 40, "fifty": 50,
}

// years renders "seven" or "7" as "7 years".
func years(word string) string {
	n, err := strconv.Atoi(word)
	if err != nil {
		v, ok := numberWords[word]
		if !ok {
			return word + " years"
		}
		n = v
	}
	if n == 1 {
		return "1 year"
	}
	return strconv.Itoa(n) + " years"
}

var amountNoise = strings.NewReplacer("rs.", "", "rs", "", "₹", "", ",", "", " rupees", "")

// amount normalises "rs. 10,000" and "10000 rupees" to "10000 rupees".
func amount(raw string) string {
	a := strings.TrimSpace(amountNoise.Replace(raw))
	return a + " rupees"
}
