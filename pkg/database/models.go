package database

import (
	"time"

	"callaudit-server/pkg/rules"
)

// ViolationRecord is a stored violation with the audit it belongs to.
type ViolationRecord struct {
	ID      string    `json:"id"`
	AuditID string    `json:"auditId"`
	CallID  string    `json:"callId"`
	Created time.Time `json:"createdAt"`
	rules.Violation
}

// ViolationFilter narrows ListViolations. Zero values match everything.
type ViolationFilter struct {
	RuleID   string
	Severity rules.Severity
	Limit    int
	Offset   int
}

const (
	defaultViolationLimit = 100
	maxViolationLimit     = 1000
)

func (f ViolationFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultViolationLimit
	case f.Limit > maxViolationLimit:
		return maxViolationLimit
	}
	return f.Limit
}

// Report aggregates audits completed in [Start, End).
type Report struct {
	Start                  time.Time      `json:"startDate"`
	End                    time.Time      `json:"endDate"`
	TotalAudits            int            `json:"totalAudits"`
	StatusBreakdown        map[string]int `json:"statusBreakdown"`
	AverageOverall         float64        `json:"averageOverallScore"`
	AverageScriptAdherence float64        `json:"averageScriptAdherence"`
	AverageCustomerService float64        `json:"averageCustomerService"`
	AverageResolution      float64        `json:"averageResolutionEffectiveness"`
	FlaggedForReview       int            `json:"flaggedForReview"`
	ViolationsBySeverity   map[string]int `json:"violationsBySeverity"`
	TotalViolations        int            `json:"totalViolations"`
}
