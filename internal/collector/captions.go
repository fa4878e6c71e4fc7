package collector

import (
	"strings"

	"github.com/blockedby/tg-relay/internal/models"
)

// Replacement rewrites one substring of a caption.
type Replacement struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// TextRules rewrite the caption that is re-sent to destinations.
type TextRules struct {
	Replacements  []Replacement
	StripCaptions bool
}

// Empty reports whether the rules change nothing.
func (r TextRules) Empty() bool {
	return len(r.Replacements) == 0 && !r.StripCaptions
}

// Apply rewrites text. Replacements run in order, each on the output of
// the previous one.
func (r TextRules) Apply(text string) string {
	if r.StripCaptions {
		return ""
	}
	for _, rep := range r.Replacements {
		if rep.From == "" {
			continue
		}
		text = strings.ReplaceAll(text, rep.From, rep.To)
	}
	return strings.TrimSpace(text)
}

// ApplyGroup returns the group with its caption rewritten.
func (r TextRules) ApplyGroup(g models.MediaGroup) models.MediaGroup {
	if r.Empty() {
		return g
	}
	return g.WithCaption(r.Apply(g.Caption()))
}
