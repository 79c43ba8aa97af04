// Package rules loads, compiles and evaluates the deterministic safety rule
// set. Keyword rules share one Aho-Corasick automaton; regex rules compile to
// one pattern each. The active set is swapped atomically so in-flight
// evaluations always see a consistent snapshot.
package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/aegis/backend/internal/core"
)

// MatchKind discriminates the two matcher implementations.
type MatchKind string

const (
	KindKeyword MatchKind = "keyword"
	KindRegex   MatchKind = "regex"
)

// Rule is immutable after load. Identical ids override (last load wins).
type Rule struct {
	ID            string        `yaml:"id" json:"id"`
	Name          string        `yaml:"name" json:"name"`
	Category      string        `yaml:"category" json:"category"`
	Severity      core.Severity `yaml:"severity" json:"severity"`
	Action        core.Action   `yaml:"action" json:"action"`
	MatchKind     MatchKind     `yaml:"match_kind" json:"match_kind"`
	Keywords      []string      `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	Patterns      []string      `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	Confidence    float64       `yaml:"confidence" json:"confidence"`
	Priority      int           `yaml:"priority" json:"priority"`
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	CaseSensitive bool          `yaml:"case_sensitive" json:"case_sensitive"`
}

// Validate enforces the load-time invariants.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule without id")
	}
	switch r.MatchKind {
	case KindKeyword:
		ok := false
		for _, k := range r.Keywords {
			if strings.TrimSpace(k) != "" {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("keyword rule %s has no non-empty keyword", r.ID)
		}
	case KindRegex:
		if len(r.Patterns) == 0 {
			return fmt.Errorf("regex rule %s has no patterns", r.ID)
		}
		for _, p := range r.Patterns {
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("regex rule %s pattern %q: %w", r.ID, p, err)
			}
		}
	default:
		return fmt.Errorf("rule %s: unknown match_kind %q", r.ID, r.MatchKind)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("rule %s: confidence %.2f out of [0,1]", r.ID, r.Confidence)
	}
	return nil
}

// ReasonCode derives the refusal code from the rule category.
func (r *Rule) ReasonCode() string { return strings.ToUpper(r.Category) }

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadFiles parses YAML rule files into a map keyed by id. Later files
// override earlier ones on id collision.
func LoadFiles(paths ...string) (map[string]*Rule, error) {
	out := make(map[string]*Rule)
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read rule file %s: %w", path, err)
		}
		var rf ruleFile
		if err := yaml.Unmarshal(data, &rf); err != nil {
			return nil, fmt.Errorf("parse rule file %s: %w", path, err)
		}
		for i := range rf.Rules {
			r := rf.Rules[i]
			if err := r.Validate(); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			out[r.ID] = &r
		}
	}
	return out, nil
}

// ParseDynamic parses one admin-injected rule JSON blob.
func ParseDynamic(blob string) (*Rule, error) {
	var r Rule
	if err := json.Unmarshal([]byte(blob), &r); err != nil {
		return nil, fmt.Errorf("parse dynamic rule: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Match is a single rule hit. At most one match per rule per evaluation.
type Match struct {
	RuleID      string            `json:"rule_id"`
	Category    string            `json:"category"`
	Severity    core.Severity     `json:"severity"`
	Action      core.Action       `json:"action"`
	MatchedText string            `json:"matched_text"`
	Start       int               `json:"start"`
	End         int               `json:"end"`
	Confidence  float64           `json:"confidence"`
	Priority    int               `json:"priority"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
