// Package audit drives a completed call through rule evaluation, scoring
// and verdict, then persists and publishes the result exactly once.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"callaudit-server/pkg/alerting"
	"callaudit-server/pkg/facts"
	"callaudit-server/pkg/rules"
	"callaudit-server/pkg/scoring"
	"callaudit-server/pkg/verdict"
)

// Result is the immutable outcome of auditing one call.
type Result struct {
	ID                      string            `json:"id"`
	CallID                  string            `json:"callId"`
	CorrelationID           string            `json:"correlationId,omitempty"`
	TriggerEventID          string            `json:"triggerEventId,omitempty"`
	ScriptAdherence         int               `json:"scriptAdherence"`
	CustomerService         int               `json:"customerService"`
	ResolutionEffectiveness int               `json:"resolutionEffectiveness"`
	Overall                 int               `json:"overallScore"`
	Status                  verdict.Status    `json:"complianceStatus"`
	Violations              []rules.Violation `json:"violations"`
	FlagsForReview          bool              `json:"flagsForReview"`
	ReviewReason            string            `json:"reviewReason,omitempty"`
	RulesUsed               []rules.Ref       `json:"rulesUsed,omitempty"`
	ProcessingTimeMs        int64             `json:"processingTimeMs"`
	AuditedAt               time.Time         `json:"auditedAt"`
}

// Stage is a step of the per-call audit state machine.
type Stage string

const (
	StageCorrelating Stage = "correlating"
	StageClaimed     Stage = "claimed"
	StageScored      Stage = "scored"
	StagePersisted   Stage = "persisted"
	StagePublished   Stage = "published"
	StageFailed      Stage = "failed"
)

// ResultStore persists audit results. SaveAudit writes the result and its
// violations in one transaction and returns errors.ErrAlreadyExists when the
// call already has a result.
type ResultStore interface {
	SaveAudit(ctx context.Context, result *Result) error
}

// Publisher emits the outbound CallAudited event.
type Publisher interface {
	PublishAudited(ctx context.Context, event *CallAuditedEvent) error
}

// RuleSource yields the active rule snapshot for an audit.
type RuleSource interface {
	ListActiveRules(ctx context.Context) ([]rules.Rule, error)
}

// Alerter raises operator alerts.
type Alerter interface {
	Fire(ctx context.Context, alert alerting.Alert) bool
}

// Evaluate runs the pure part of an audit: rules, scores and verdict. It
// touches no shared state and may run concurrently for different calls.
func Evaluate(engine *rules.Engine, scorer *scoring.Scorer, thresholds verdict.Thresholds, rs []rules.Rule, snap *facts.Snapshot) (*Result, rules.Report) {
	report := engine.Evaluate(rs, snap)
	scores := scorer.Score(snap)
	review := thresholds.ReviewFlags(scores.Overall, report.Violations, snap.EscalationDetected())

	return &Result{
		ID:                      uuid.NewString(),
		CallID:                  snap.CallID,
		CorrelationID:           snap.CorrelationID,
		TriggerEventID:          snap.TriggerEventID,
		ScriptAdherence:         scores.ScriptAdherence,
		CustomerService:         scores.CustomerService,
		ResolutionEffectiveness: scores.ResolutionEffectiveness,
		Overall:                 scores.Overall,
		Status:                  thresholds.Resolve(scores.Overall, report.Violations),
		Violations:              report.Violations,
		FlagsForReview:          review.Flagged,
		ReviewReason:            review.Reason,
		RulesUsed:               rules.Refs(rs),
	}, report
}
