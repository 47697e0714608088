// Package rules holds compliance rule definitions, the engine that evaluates
// them against a call's facts, and the rule store.
package rules

import (
	"encoding/json"
	"strings"
	"time"
)

// Severity ranks how serious a violation is.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ParseSeverity accepts any casing.
func ParseSeverity(s string) (Severity, bool) {
	switch Severity(strings.ToUpper(strings.TrimSpace(s))) {
	case SeverityLow:
		return SeverityLow, true
	case SeverityMedium:
		return SeverityMedium, true
	case SeverityHigh:
		return SeverityHigh, true
	case SeverityCritical:
		return SeverityCritical, true
	}
	return "", false
}

// Rule is an externally authored compliance rule. Definition is the raw
// tagged variant; see ParseDefinition.
type Rule struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Category    string          `json:"category,omitempty"`
	Severity    Severity        `json:"severity"`
	Active      bool            `json:"active"`
	Version     int             `json:"version"`
	Definition  json.RawMessage `json:"definition"`
	CreatedAt   time.Time       `json:"createdAt,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt,omitempty"`
}

// Ref identifies the exact rule revision an audit evaluated.
type Ref struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

// Refs returns the revision list for a rule snapshot.
func Refs(rs []Rule) []Ref {
	refs := make([]Ref, 0, len(rs))
	for _, r := range rs {
		refs = append(refs, Ref{ID: r.ID, Version: r.Version})
	}
	return refs
}

// Violation records one failed rule for one call. Violations are never
// modified once the engine returns them.
type Violation struct {
	RuleID          string   `json:"ruleId"`
	RuleName        string   `json:"ruleName"`
	Severity        Severity `json:"severity"`
	Description     string   `json:"description"`
	SegmentRef      *int     `json:"segmentRef,omitempty"`
	TimestampInCall *float64 `json:"timestampInCall,omitempty"`
	Evidence        string   `json:"evidence"`
}

// CountBySeverity tallies violations at severity s.
func CountBySeverity(vs []Violation, s Severity) int {
	n := 0
	for _, v := range vs {
		if v.Severity == s {
			n++
		}
	}
	return n
}
