// Package verdict turns an overall score and a violation list into a
// compliance status and the review flags shown to supervisors.
package verdict

import (
	"fmt"
	"strings"

	"callaudit-server/pkg/rules"
)

// Status is the final compliance verdict of an audit.
type Status string

const (
	StatusPassed         Status = "PASSED"
	StatusFailed         Status = "FAILED"
	StatusReviewRequired Status = "REVIEW_REQUIRED"
)

// Thresholds are the score bands. Scores below Fail fail, scores below Pass
// need review.
type Thresholds struct {
	Pass int
	Fail int
}

// DefaultThresholds returns pass 70, fail 50.
func DefaultThresholds() Thresholds {
	return Thresholds{Pass: 70, Fail: 50}
}

// Validate requires 0 <= Fail <= Pass <= 100.
func (t Thresholds) Validate() error {
	if t.Fail < 0 || t.Pass > 100 || t.Fail > t.Pass {
		return fmt.Errorf("invalid verdict thresholds: fail=%d pass=%d", t.Fail, t.Pass)
	}
	return nil
}

// Resolve applies the verdict bands. Critical violations and low scores are
// checked before the review band.
func (t Thresholds) Resolve(overall int, violations []rules.Violation) Status {
	critical := rules.CountBySeverity(violations, rules.SeverityCritical)
	high := rules.CountBySeverity(violations, rules.SeverityHigh)

	switch {
	case critical > 0 || overall < t.Fail:
		return StatusFailed
	case high > 0 || overall < t.Pass:
		return StatusReviewRequired
	default:
		return StatusPassed
	}
}

// Review is the supervisor-facing summary attached to an audit result.
type Review struct {
	Flagged bool   `json:"flagsForReview"`
	Reason  string `json:"reviewReason,omitempty"`
}

// ReviewFlags flags a call for human review when it scored below the pass
// band, has any HIGH or CRITICAL violation, or the customer escalated.
func (t Thresholds) ReviewFlags(overall int, violations []rules.Violation, escalation bool) Review {
	var reasons []string

	if overall < t.Fail {
		reasons = append(reasons, fmt.Sprintf("Low overall score: %d", overall))
	}
	if n := rules.CountBySeverity(violations, rules.SeverityCritical); n > 0 {
		reasons = append(reasons, fmt.Sprintf("%d critical violation(s)", n))
	}
	if n := rules.CountBySeverity(violations, rules.SeverityHigh); n > 0 {
		reasons = append(reasons, fmt.Sprintf("%d high severity violation(s)", n))
	}
	if escalation {
		reasons = append(reasons, "Customer escalation detected")
	}

	return Review{
		Flagged: overall < t.Pass || len(reasons) > 0,
		Reason:  strings.Join(reasons, "; "),
	}
}
