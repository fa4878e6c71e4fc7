package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/blockedby/tg-relay/internal/collector"
	"github.com/blockedby/tg-relay/internal/models"
)

// Pair is one source channel relayed to one or more destinations.
type Pair struct {
	Source           string                  `yaml:"source" json:"source"`
	Targets          []string                `yaml:"targets" json:"targets"`
	StartID          int                     `yaml:"start_id" json:"start_id"`
	EndID            int                     `yaml:"end_id" json:"end_id"`
	MediaTypes       []string                `yaml:"media_types" json:"media_types,omitempty"`
	Keywords         []string                `yaml:"keywords" json:"keywords,omitempty"`
	HideAuthor       *bool                   `yaml:"hide_author" json:"hide_author,omitempty"`
	StripCaptions    bool                    `yaml:"strip_captions" json:"strip_captions,omitempty"`
	TextReplacements []collector.Replacement `yaml:"text_replacements" json:"text_replacements,omitempty"`
	FinalMessage     string                  `yaml:"final_message" json:"final_message,omitempty"`
	// ForceStage re-uploads even when the source allows forwarding.
	ForceStage bool `yaml:"force_stage" json:"force_stage,omitempty"`
}

// Hidden reports whether forwards should hide the original author. It
// defaults to true.
func (p Pair) Hidden() bool {
	return p.HideAuthor == nil || *p.HideAuthor
}

// Rules returns the caption rules of the pair.
func (p Pair) Rules() collector.TextRules {
	return collector.TextRules{Replacements: p.TextReplacements, StripCaptions: p.StripCaptions}
}

// Filter returns the content filter of the pair.
func (p Pair) Filter() (collector.Filter, error) {
	return collector.NewFilter(p.MediaTypes, p.Keywords)
}

// RunConfig is the content of the run configuration file.
type RunConfig struct {
	Pairs []Pair `yaml:"pairs" json:"pairs"`
}

// LoadRun reads and validates a run configuration file.
func LoadRun(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read run config: %w", err)
	}
	return ParseRun(data)
}

// ParseRun parses and validates yaml run configuration.
func ParseRun(data []byte) (*RunConfig, error) {
	var rc RunConfig
	if err := yaml.Unmarshal(data, &rc); err != nil {
		return nil, fmt.Errorf("parse run config: %w", err)
	}
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	return &rc, nil
}

// Validate checks every pair.
func (rc *RunConfig) Validate() error {
	if len(rc.Pairs) == 0 {
		return errors.New("run config: no pairs")
	}
	var problems []string
	for i, p := range rc.Pairs {
		if strings.TrimSpace(p.Source) == "" {
			problems = append(problems, fmt.Sprintf("pair %d: source is required", i))
		}
		if len(p.Targets) == 0 {
			problems = append(problems, fmt.Sprintf("pair %d: at least one target is required", i))
		}
		if p.StartID < 0 || p.EndID < 0 {
			problems = append(problems, fmt.Sprintf("pair %d: ids must not be negative", i))
		}
		if p.EndID > 0 && p.StartID > p.EndID {
			problems = append(problems, fmt.Sprintf("pair %d: start_id %d is after end_id %d", i, p.StartID, p.EndID))
		}
		if _, err := models.ParseMediaKinds(p.MediaTypes); err != nil {
			problems = append(problems, fmt.Sprintf("pair %d: %v", i, err))
		}
		for _, t := range p.Targets {
			if strings.TrimSpace(t) == p.Source {
				problems = append(problems, fmt.Sprintf("pair %d: target %q equals source", i, t))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("run config: %s", strings.Join(problems, "; "))
	}
	return nil
}
