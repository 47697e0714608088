package audit

import (
	"context"

	"callaudit-server/pkg/correlation"
	"callaudit-server/pkg/errors"
	"callaudit-server/pkg/facts"
)

// Call states reported by the query API.
const (
	CallStateAudited     = "audited"
	CallStateCorrelating = "correlating"
	CallStateExpired     = "expired"
	CallStateFailed      = "failed"
)

// ResultReader loads persisted results.
type ResultReader interface {
	GetAuditByCallID(ctx context.Context, callID string) (*Result, error)
}

// CallStatus tells a caller where a call is, whether or not it was audited.
type CallStatus struct {
	CallID   string       `json:"callId"`
	State    string       `json:"state"`
	Stage    string       `json:"stage,omitempty"`
	Received []facts.Kind `json:"received,omitempty"`
	Missing  []facts.Kind `json:"missing,omitempty"`
	Reason   string       `json:"reason,omitempty"`
	Result   *Result      `json:"result,omitempty"`
}

// StatusService answers "what happened to this call" by combining the
// result store with the correlation table.
type StatusService struct {
	results ResultReader
	table   correlation.Table
}

func NewStatusService(results ResultReader, table correlation.Table) *StatusService {
	return &StatusService{results: results, table: table}
}

// Lookup returns the call's status. For calls without a result the error
// is ErrStillCorrelating, ErrAuditExpired or ErrAuditFailed alongside a
// non-nil status; a call never seen yields an ErrAuditNotFound error.
func (s *StatusService) Lookup(ctx context.Context, callID string) (*CallStatus, error) {
	result, err := s.results.GetAuditByCallID(ctx, callID)
	switch {
	case err == nil:
		return &CallStatus{CallID: callID, State: CallStateAudited, Stage: string(StagePublished), Result: result}, nil
	case !errors.IsErrorType(err, errors.ErrAuditNotFound):
		return nil, err
	}

	entry, err := s.table.Status(ctx, callID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, errors.NewAuditNotFound(callID)
	}

	status := &CallStatus{
		CallID:   callID,
		Received: entry.Received,
		Missing:  entry.Missing,
	}
	switch entry.State {
	case correlation.StateWaiting, correlation.StateReady:
		status.State = CallStateCorrelating
		status.Stage = string(StageCorrelating)
		return status, errors.Wrap(errors.ErrStillCorrelating, "call "+callID)
	case correlation.StateClaimed:
		status.State = CallStateCorrelating
		status.Stage = string(StageClaimed)
		return status, errors.Wrap(errors.ErrStillCorrelating, "call "+callID+" is being audited")
	case correlation.StateExpired:
		status.State = CallStateExpired
		status.Reason = "correlation timed out before all facts arrived"
		return status, errors.Wrap(errors.ErrAuditExpired, "call "+callID)
	default:
		if entry.Failure != "" {
			status.State = CallStateFailed
			status.Stage = string(StageFailed)
			status.Reason = entry.Failure
			return status, errors.Wrap(errors.ErrAuditFailed, "call "+callID)
		}
		return nil, errors.NewAuditNotFound(callID)
	}
}
