package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"callaudit-server/pkg/audit"
	"callaudit-server/pkg/errors"
	"callaudit-server/pkg/rules"
	"callaudit-server/pkg/verdict"
)

// AuditRepository stores audit results and their violations
type AuditRepository struct {
	db     *Database
	logger *logrus.Entry
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *Database, logger *logrus.Logger) *AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger.WithField("component", "audit_repository"),
	}
}

const resultColumns = `id, call_id, correlation_id, trigger_event_id, script_adherence, customer_service,
	resolution_effectiveness, overall_score, compliance_status, flags_for_review, review_reason,
	rules_used, processing_time_ms, audited_at`

const violationColumns = `id, audit_id, call_id, rule_id, rule_name, severity, description,
	segment_ref, timestamp_in_call, evidence, created_at`

// SaveAudit writes the result and its violations in one transaction. A
// second result for the same call fails with errors.ErrAlreadyExists.
func (r *AuditRepository) SaveAudit(ctx context.Context, result *audit.Result) error {
	ctx, cancel := r.db.getContext(ctx)
	defer cancel()

	fields := map[string]interface{}{"call_id": result.CallID}
	if result.ID == "" {
		result.ID = uuid.New().String()
	}
	rulesUsed, err := json.Marshal(result.RulesUsed)
	if err != nil {
		return errors.Wrap(err, "failed to encode rules used", fields)
	}

	tx, err := r.db.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError(err, "failed to begin audit transaction", fields)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO audit_results (`+resultColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID, result.CallID, result.CorrelationID, result.TriggerEventID,
		result.ScriptAdherence, result.CustomerService, result.ResolutionEffectiveness,
		result.Overall, string(result.Status), result.FlagsForReview, result.ReviewReason,
		string(rulesUsed), result.ProcessingTimeMs, toMillis(result.AuditedAt),
	)
	if err != nil {
		if isDuplicate(err) {
			return errors.Wrap(errors.ErrAlreadyExists, "audit result already stored for call", fields)
		}
		return storageError(err, "failed to insert audit result", fields)
	}

	now := toMillis(time.Now())
	for i, v := range result.Violations {
		var segmentRef sql.NullInt64
		if v.SegmentRef != nil {
			segmentRef = sql.NullInt64{Int64: int64(*v.SegmentRef), Valid: true}
		}
		var offset sql.NullFloat64
		if v.TimestampInCall != nil {
			offset = sql.NullFloat64{Float64: *v.TimestampInCall, Valid: true}
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO compliance_violations (`+violationColumns+`, position)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), result.ID, result.CallID, v.RuleID, v.RuleName, string(v.Severity),
			v.Description, segmentRef, offset, v.Evidence, now, i,
		)
		if err != nil {
			return storageError(err, "failed to insert violation", map[string]interface{}{
				"call_id": result.CallID,
				"rule_id": v.RuleID,
			})
		}
	}

	if err := tx.Commit(); err != nil {
		return storageError(err, "failed to commit audit result", fields)
	}

	r.logger.WithFields(logrus.Fields{
		"call_id":    result.CallID,
		"audit_id":   result.ID,
		"status":     result.Status,
		"violations": len(result.Violations),
	}).Debug("Audit result stored")
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanResult(row rowScanner) (*audit.Result, error) {
	var (
		res                      audit.Result
		correlationID, triggerID sql.NullString
		reviewReason, rulesUsed  sql.NullString
		status                   string
		auditedAt                int64
	)
	err := row.Scan(&res.ID, &res.CallID, &correlationID, &triggerID, &res.ScriptAdherence,
		&res.CustomerService, &res.ResolutionEffectiveness, &res.Overall, &status,
		&res.FlagsForReview, &reviewReason, &rulesUsed, &res.ProcessingTimeMs, &auditedAt)
	if err != nil {
		return nil, err
	}
	res.CorrelationID = correlationID.String
	res.TriggerEventID = triggerID.String
	res.ReviewReason = reviewReason.String
	res.Status = verdict.Status(status)
	res.AuditedAt = fromMillis(auditedAt)
	if rulesUsed.Valid && rulesUsed.String != "" {
		if err := json.Unmarshal([]byte(rulesUsed.String), &res.RulesUsed); err != nil {
			return nil, errors.Wrap(err, "failed to decode rules used")
		}
	}
	res.Violations = []rules.Violation{}
	return &res, nil
}

func scanViolation(row rowScanner) (ViolationRecord, error) {
	var (
		rec        ViolationRecord
		severity   string
		segmentRef sql.NullInt64
		offset     sql.NullFloat64
		evidence   sql.NullString
		createdAt  int64
	)
	err := row.Scan(&rec.ID, &rec.AuditID, &rec.CallID, &rec.RuleID, &rec.RuleName, &severity,
		&rec.Description, &segmentRef, &offset, &evidence, &createdAt)
	if err != nil {
		return ViolationRecord{}, err
	}
	rec.Severity = rules.Severity(severity)
	rec.Evidence = evidence.String
	rec.Created = fromMillis(createdAt)
	if segmentRef.Valid {
		ref := int(segmentRef.Int64)
		rec.SegmentRef = &ref
	}
	if offset.Valid {
		ts := offset.Float64
		rec.TimestampInCall = &ts
	}
	return rec, nil
}

// GetAuditByCallID returns the stored result for a call, violations in
// evaluation order. A missing call yields an ErrAuditNotFound error.
func (r *AuditRepository) GetAuditByCallID(ctx context.Context, callID string) (*audit.Result, error) {
	ctx, cancel := r.db.getContext(ctx)
	defer cancel()

	row := r.db.db.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM audit_results WHERE call_id = ?`, callID)
	res, err := scanResult(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewAuditNotFound(callID)
		}
		return nil, storageError(err, "failed to get audit result", map[string]interface{}{"call_id": callID})
	}

	records, err := r.ListViolationsByCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		res.Violations = append(res.Violations, rec.Violation)
	}
	return res, nil
}

// ListViolationsByCall returns a call's violations in evaluation order.
func (r *AuditRepository) ListViolationsByCall(ctx context.Context, callID string) ([]ViolationRecord, error) {
	ctx, cancel := r.db.getContext(ctx)
	defer cancel()

	rows, err := r.db.db.QueryContext(ctx,
		`SELECT `+violationColumns+` FROM compliance_violations WHERE call_id = ? ORDER BY position`, callID)
	if err != nil {
		return nil, storageError(err, "failed to list violations", map[string]interface{}{"call_id": callID})
	}
	defer rows.Close()

	return collectViolations(rows)
}

// ListViolations returns violations across calls, newest first.
func (r *AuditRepository) ListViolations(ctx context.Context, filter ViolationFilter) ([]ViolationRecord, error) {
	ctx, cancel := r.db.getContext(ctx)
	defer cancel()

	var where []string
	var args []interface{}
	if filter.RuleID != "" {
		where = append(where, "rule_id = ?")
		args = append(args, filter.RuleID)
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(filter.Severity))
	}

	query := `SELECT ` + violationColumns + ` FROM compliance_violations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, call_id, position LIMIT ? OFFSET ?"
	args = append(args, filter.limit(), filter.Offset)

	rows, err := r.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError(err, "failed to list violations", nil)
	}
	defer rows.Close()

	return collectViolations(rows)
}

func collectViolations(rows *sql.Rows) ([]ViolationRecord, error) {
	out := []ViolationRecord{}
	for rows.Next() {
		rec, err := scanViolation(rows)
		if err != nil {
			return nil, storageError(err, "failed to scan violation", nil)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "failed to read violations", nil)
	}
	return out, nil
}

// Report aggregates results audited in [start, end).
func (r *AuditRepository) Report(ctx context.Context, start, end time.Time) (*Report, error) {
	if !end.After(start) {
		return nil, errors.NewInvalidInput("report end must be after start")
	}
	ctx, cancel := r.db.getContext(ctx)
	defer cancel()

	report := &Report{
		Start:                start.UTC(),
		End:                  end.UTC(),
		StatusBreakdown:      make(map[string]int),
		ViolationsBySeverity: make(map[string]int),
	}
	from, to := toMillis(start), toMillis(end)

	var (
		overall, script, service, resolution sql.NullFloat64
		flagged                              sql.NullInt64
	)
	err := r.db.db.QueryRowContext(ctx, `SELECT COUNT(*), AVG(overall_score), AVG(script_adherence),
		AVG(customer_service), AVG(resolution_effectiveness),
		SUM(CASE WHEN flags_for_review THEN 1 ELSE 0 END)
		FROM audit_results WHERE audited_at >= ? AND audited_at < ?`, from, to).
		Scan(&report.TotalAudits, &overall, &script, &service, &resolution, &flagged)
	if err != nil {
		return nil, storageError(err, "failed to aggregate audit results", nil)
	}
	report.AverageOverall = round2(overall.Float64)
	report.AverageScriptAdherence = round2(script.Float64)
	report.AverageCustomerService = round2(service.Float64)
	report.AverageResolution = round2(resolution.Float64)
	report.FlaggedForReview = int(flagged.Int64)

	if err := r.countInto(ctx, report.StatusBreakdown, `SELECT compliance_status, COUNT(*)
		FROM audit_results WHERE audited_at >= ? AND audited_at < ? GROUP BY compliance_status`, from, to); err != nil {
		return nil, err
	}
	if err := r.countInto(ctx, report.ViolationsBySeverity, `SELECT v.severity, COUNT(*)
		FROM compliance_violations v JOIN audit_results a ON a.id = v.audit_id
		WHERE a.audited_at >= ? AND a.audited_at < ? GROUP BY v.severity`, from, to); err != nil {
		return nil, err
	}
	for _, n := range report.ViolationsBySeverity {
		report.TotalViolations += n
	}
	return report, nil
}

func (r *AuditRepository) countInto(ctx context.Context, into map[string]int, query string, args ...interface{}) error {
	rows, err := r.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return storageError(err, "failed to aggregate report", nil)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return storageError(err, "failed to scan report row", nil)
		}
		into[key] = n
	}
	if err := rows.Err(); err != nil {
		return storageError(err, "failed to read report rows", nil)
	}
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
