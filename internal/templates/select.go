package templates

import (
	"slices"
	"strings"
)

// maxTokens is how many leading words of a command take part in
// keyword scoring.
const maxTokens = 5

// Score is one template's result in a selection.
type Score struct {
	Template      string   `json:"template"`
	Score         int      `json:"score"`
	TotalKeywords int      `json:"total_keywords"`
	Matched       []string `json:"matched,omitempty"`
}

// Selection explains which template a command maps to and why.
type Selection struct {
	Template string   `json:"template"`
	Tokens   []string `json:"tokens"`
	Scores   []Score  `json:"scores"`
}

// Tokens returns the first five whitespace-separated words of input,
// lower-cased.
func Tokens(input string) []string {
	words := strings.Fields(strings.ToLower(input))
	if len(words) > maxTokens {
		words = words[:maxTokens]
	}
	return words
}

// Rank scores every template against input. A template scores one
// point per keyword present among the tokens. The highest score wins;
// ties go to the template with more keywords, then to the earlier
// template. Nothing above zero selects DefaultTemplate.
func Rank(input string, candidates []Template) Selection {
	sel := Selection{Template: DefaultTemplate, Tokens: Tokens(input), Scores: []Score{}}
	if len(sel.Tokens) == 0 {
		return sel
	}

	best := -1
	for _, t := range candidates {
		kws := t.Keywords()
		s := Score{Template: t.Name, TotalKeywords: len(kws)}
		for _, kw := range kws {
			if slices.Contains(sel.Tokens, kw) {
				s.Score++
				s.Matched = append(s.Matched, kw)
			}
		}
		sel.Scores = append(sel.Scores, s)

		if s.Score == 0 {
			continue
		}
		if best < 0 || s.Score > sel.Scores[best].Score ||
			(s.Score == sel.Scores[best].Score && s.TotalKeywords > sel.Scores[best].TotalKeywords) {
			best = len(sel.Scores) - 1
		}
	}
	if best >= 0 {
		sel.Template = sel.Scores[best].Template
	}
	return sel
}

// Select returns the template name for input. Store errors fall back
// to DefaultTemplate.
func (s *Store) Select(input string) Selection {
	all, err := s.List()
	if err != nil {
		return Selection{Template: DefaultTemplate, Tokens: Tokens(input), Scores: []Score{}}
	}
	return Rank(input, all)
}
