// Package analyzer scores how well a candidate's site text matches the
// keywords it was discovered for.
package analyzer

import (
	"math"
	"strings"
	"unicode"
)

const maxSentences = 3

// TermMatch is the occurrences of one term in a body of text.
type TermMatch struct {
	Term      string   `json:"term"`
	Count     int      `json:"count"`
	Sentences []string `json:"sentences,omitempty"`
}

// Relevance summarises the matches of a keyword set against page text.
type Relevance struct {
	// Score is in [0,1]: mostly term coverage, topped up by density.
	Score   float64     `json:"score"`
	Matches []TermMatch `json:"matches,omitempty"`
}

// Matched reports how many distinct terms occurred.
func (r Relevance) Matched() int { return len(r.Matches) }

// Score matches terms case-insensitively against content. Blank terms are
// ignored; no usable terms scores zero.
func Score(content string, terms []string) Relevance {
	terms = usable(terms)
	if len(terms) == 0 || content == "" {
		return Relevance{}
	}

	matches := FindTermMatches(content, terms)
	total := 0
	for _, m := range matches {
		total += m.Count
	}

	coverage := float64(len(matches)) / float64(len(terms))
	density := math.Min(1, float64(total)/float64(5*len(terms)))
	score := 0.8*coverage + 0.2*density
	return Relevance{
		Score:   math.Round(score*100) / 100,
		Matches: matches,
	}
}

// FindTermMatches returns one TermMatch per term that occurs in content, in
// term order, with up to three example sentences each.
func FindTermMatches(content string, terms []string) []TermMatch {
	if content == "" || len(terms) == 0 {
		return nil
	}

	lower := strings.ToLower(content)
	sentences := splitSentences(content)

	results := make([]TermMatch, 0, len(terms))
	for _, term := range terms {
		lt := strings.ToLower(term)
		count := strings.Count(lower, lt)
		if count == 0 {
			continue
		}
		var matched []string
		for _, s := range sentences {
			if strings.Contains(s.lower, lt) {
				matched = append(matched, s.original)
				if len(matched) == maxSentences {
					break
				}
			}
		}
		results = append(results, TermMatch{Term: term, Count: count, Sentences: matched})
	}
	return results
}

type sentence struct {
	original string
	lower    string
}

// splitSentences breaks text on '.', '!' and '?', keeping the delimiter.
func splitSentences(text string) []sentence {
	var out []sentence
	start := 0
	emit := func(end int) {
		if s := strings.TrimSpace(text[start:end]); s != "" {
			out = append(out, sentence{original: s, lower: strings.ToLower(s)})
		}
		start = end
	}
	for i, r := range text {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		end := i + 1
		for end < len(text) && unicode.IsSpace(rune(text[end])) {
			end++
		}
		emit(end)
	}
	if start < len(text) {
		emit(len(text))
	}
	return out
}

func usable(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
