package collector

import (
	"fmt"
	"strings"

	"github.com/blockedby/tg-relay/internal/models"
)

// Synonyms is one keyword with its alternatives, all lower case.
type Synonyms []string

// Match reports whether lowered text contains any alternative.
func (s Synonyms) Match(lowered string) bool {
	for _, alt := range s {
		if strings.Contains(lowered, alt) {
			return true
		}
	}
	return false
}

// ParseKeywords parses keyword entries. "cat-feline" and "cat|feline" are one
// synonym group; an entry containing spaces is kept as a phrase.
func ParseKeywords(entries []string) []Synonyms {
	var out []Synonyms
	for _, entry := range entries {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		sep := "|"
		if !strings.Contains(entry, "|") && !strings.Contains(entry, " ") {
			sep = "-"
		}
		var syn Synonyms
		for _, alt := range strings.Split(entry, sep) {
			if alt = strings.TrimSpace(alt); alt != "" {
				syn = append(syn, alt)
			}
		}
		if len(syn) > 0 {
			out = append(out, syn)
		}
	}
	return out
}

// NewFilter builds a filter from configuration values.
func NewFilter(kinds, keywords []string) (Filter, error) {
	parsed, err := models.ParseMediaKinds(kinds)
	if err != nil {
		return Filter{}, fmt.Errorf("media types: %w", err)
	}
	return Filter{Kinds: parsed, Keywords: ParseKeywords(keywords)}, nil
}
