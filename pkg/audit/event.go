package audit

import (
	"time"

	"github.com/google/uuid"

	"callaudit-server/pkg/rules"
	"callaudit-server/pkg/verdict"
	"callaudit-server/pkg/version"
)

// Outbound event constants.
const (
	EventCallAudited  = "CallAudited"
	AggregateTypeCall = "Call"
	ServiceName       = version.ServiceName
	EventVersion      = 1
)

// QualityBreakdown is the sub-score block of CallAudited.
type QualityBreakdown struct {
	ScriptAdherence         int `json:"scriptAdherence"`
	CustomerService         int `json:"customerService"`
	ResolutionEffectiveness int `json:"resolutionEffectiveness"`
}

// CallAuditedPayload is the body of the outbound event.
type CallAuditedPayload struct {
	CallID           string            `json:"callId"`
	Overall          int               `json:"overall"`
	Status           verdict.Status    `json:"status"`
	Violations       []rules.Violation `json:"violations"`
	QualityBreakdown QualityBreakdown  `json:"qualityBreakdown"`
	FlagsForReview   bool              `json:"flagsForReview"`
	ReviewReason     string            `json:"reviewReason,omitempty"`
	ProcessingTimeMs int64             `json:"processingTimeMs"`
	AuditedAt        time.Time         `json:"auditedAt"`
	CorrelationID    string            `json:"correlationId,omitempty"`
}

// CallAuditedEvent uses the same envelope as the inbound fact events.
type CallAuditedEvent struct {
	EventID       string             `json:"eventId"`
	EventType     string             `json:"eventType"`
	AggregateID   string             `json:"aggregateId"`
	AggregateType string             `json:"aggregateType"`
	Timestamp     time.Time          `json:"timestamp"`
	Version       int                `json:"version"`
	CausationID   string             `json:"causationId,omitempty"`
	CorrelationID string             `json:"correlationId,omitempty"`
	Metadata      map[string]string  `json:"metadata"`
	Payload       CallAuditedPayload `json:"payload"`
}

// NewCallAuditedEvent builds the outbound event for a persisted result.
// The correlation id is the one carried by the fact that completed the join.
func NewCallAuditedEvent(r *Result) *CallAuditedEvent {
	violations := r.Violations
	if violations == nil {
		violations = []rules.Violation{}
	}
	return &CallAuditedEvent{
		EventID:       uuid.NewString(),
		EventType:     EventCallAudited,
		AggregateID:   r.CallID,
		AggregateType: AggregateTypeCall,
		Timestamp:     time.Now().UTC(),
		Version:       EventVersion,
		CausationID:   r.TriggerEventID,
		CorrelationID: r.CorrelationID,
		Metadata: map[string]string{
			"service": ServiceName,
			"userId":  "system",
		},
		Payload: CallAuditedPayload{
			CallID:     r.CallID,
			Overall:    r.Overall,
			Status:     r.Status,
			Violations: violations,
			QualityBreakdown: QualityBreakdown{
				ScriptAdherence:         r.ScriptAdherence,
				CustomerService:         r.CustomerService,
				ResolutionEffectiveness: r.ResolutionEffectiveness,
			},
			FlagsForReview:   r.FlagsForReview,
			ReviewReason:     r.ReviewReason,
			ProcessingTimeMs: r.ProcessingTimeMs,
			AuditedAt:        r.AuditedAt,
			CorrelationID:    r.CorrelationID,
		},
	}
}
