package database

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callaudit-server/pkg/audit"
	"callaudit-server/pkg/errors"
	"callaudit-server/pkg/rules"
	"callaudit-server/pkg/verdict"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func tempDB(t *testing.T) *Database {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "audit.db")

	db, err := Open(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { db.Close() })
	return db
}

func intPtr(i int) *int           { return &i }
func floatPtr(f float64) *float64 { return &f }

func sampleResult(callID string, overall int, status verdict.Status, auditedAt time.Time) *audit.Result {
	return &audit.Result{
		CallID:                  callID,
		CorrelationID:           "corr-" + callID,
		TriggerEventID:          "evt-" + callID,
		ScriptAdherence:         overall,
		CustomerService:         overall,
		ResolutionEffectiveness: overall,
		Overall:                 overall,
		Status:                  status,
		Violations:              []rules.Violation{},
		RulesUsed:               []rules.Ref{{ID: "greeting-required", Version: 2}},
		ProcessingTimeMs:        12,
		AuditedAt:               auditedAt.UTC().Truncate(time.Millisecond),
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Driver = "postgres"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.DSN = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxIdleConns = cfg.MaxOpenConns + 1
	assert.Error(t, cfg.Validate())
}

func TestMySQLDSN(t *testing.T) {
	assert.Equal(t, "audit:secret@tcp(db:3306)/callaudit?charset=utf8mb4&loc=UTC",
		MySQLDSN("db", 3306, "callaudit", "audit", "secret", "false"))
	assert.Contains(t, MySQLDSN("db", 3306, "callaudit", "audit", "secret", "skip-verify"), "&tls=skip-verify")
}

func TestOpenInMemory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DSN = ":memory:"
	db, err := Open(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Migrate(context.Background()))
	require.NoError(t, db.Migrate(context.Background()), "migrations are idempotent")
	assert.NoError(t, db.Health(context.Background()))
	assert.Equal(t, DriverSQLite, db.Driver())
}

func TestAuditRepository_SaveAndGet(t *testing.T) {
	repo := NewAuditRepository(tempDB(t), testLogger())
	ctx := context.Background()

	res := sampleResult("call-1", 85, verdict.StatusFailed, time.Now())
	res.FlagsForReview = true
	res.ReviewReason = "1 critical violation(s)"
	res.Violations = []rules.Violation{
		{RuleID: "recording-disclosure", RuleName: "Recording Disclosure", Severity: rules.SeverityCritical,
			Description: "Required keyword not found: call is being recorded", Evidence: "No matching keywords in agent's segments"},
		{RuleID: "no-profanity", RuleName: "No Profanity", Severity: rules.SeverityHigh,
			Description: "Prohibited word detected: idiot", SegmentRef: intPtr(3), TimestampInCall: floatPtr(42.5),
			Evidence: "[segment 3 @ 42.5s, idiot] you idiot"},
	}
	require.NoError(t, repo.SaveAudit(ctx, res))
	assert.NotEmpty(t, res.ID)

	got, err := repo.GetAuditByCallID(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, res.ID, got.ID)
	assert.Equal(t, 85, got.Overall)
	assert.Equal(t, verdict.StatusFailed, got.Status)
	assert.True(t, got.FlagsForReview)
	assert.Equal(t, res.ReviewReason, got.ReviewReason)
	assert.Equal(t, res.RulesUsed, got.RulesUsed)
	assert.Equal(t, "evt-call-1", got.TriggerEventID)
	assert.True(t, res.AuditedAt.Equal(got.AuditedAt))
	require.Len(t, got.Violations, 2)
	assert.Equal(t, "recording-disclosure", got.Violations[0].RuleID)
	assert.Nil(t, got.Violations[0].SegmentRef)
	assert.Equal(t, 3, *got.Violations[1].SegmentRef)
	assert.Equal(t, 42.5, *got.Violations[1].TimestampInCall)
}

func TestAuditRepository_DuplicateCallRejected(t *testing.T) {
	repo := NewAuditRepository(tempDB(t), testLogger())
	ctx := context.Background()

	require.NoError(t, repo.SaveAudit(ctx, sampleResult("call-1", 90, verdict.StatusPassed, time.Now())))

	dup := sampleResult("call-1", 40, verdict.StatusFailed, time.Now())
	dup.Violations = []rules.Violation{{RuleID: "x", RuleName: "x", Severity: rules.SeverityLow, Description: "x"}}
	err := repo.SaveAudit(ctx, dup)
	assert.True(t, errors.IsErrorType(err, errors.ErrAlreadyExists))

	got, err := repo.GetAuditByCallID(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, 90, got.Overall)
	assert.Empty(t, got.Violations)
}

func TestAuditRepository_ConcurrentSavesKeepOne(t *testing.T) {
	repo := NewAuditRepository(tempDB(t), testLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	saved := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := repo.SaveAudit(ctx, sampleResult("call-1", 90, verdict.StatusPassed, time.Now())); err == nil {
				mu.Lock()
				saved++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, saved)
}

func TestAuditRepository_NotFound(t *testing.T) {
	repo := NewAuditRepository(tempDB(t), testLogger())
	_, err := repo.GetAuditByCallID(context.Background(), "missing")
	assert.True(t, errors.IsErrorType(err, errors.ErrAuditNotFound))
}

func TestAuditRepository_ListViolations(t *testing.T) {
	repo := NewAuditRepository(tempDB(t), testLogger())
	ctx := context.Background()

	for _, callID := range []string{"call-1", "call-2"} {
		res := sampleResult(callID, 60, verdict.StatusReviewRequired, time.Now())
		res.Violations = []rules.Violation{
			{RuleID: "no-profanity", RuleName: "No Profanity", Severity: rules.SeverityHigh, Description: "d"},
			{RuleID: "closing-required", RuleName: "Proper Closing", Severity: rules.SeverityLow, Description: "d"},
		}
		require.NoError(t, repo.SaveAudit(ctx, res))
	}

	byCall, err := repo.ListViolationsByCall(ctx, "call-2")
	require.NoError(t, err)
	require.Len(t, byCall, 2)
	assert.Equal(t, "call-2", byCall[0].CallID)
	assert.NotEmpty(t, byCall[0].AuditID)

	byRule, err := repo.ListViolations(ctx, ViolationFilter{RuleID: "no-profanity"})
	require.NoError(t, err)
	assert.Len(t, byRule, 2)

	bySeverity, err := repo.ListViolations(ctx, ViolationFilter{Severity: rules.SeverityLow, Limit: 1})
	require.NoError(t, err)
	require.Len(t, bySeverity, 1)
	assert.Equal(t, "closing-required", bySeverity[0].RuleID)

	none, err := repo.ListViolations(ctx, ViolationFilter{RuleID: "unknown"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAuditRepository_Report(t *testing.T) {
	repo := NewAuditRepository(tempDB(t), testLogger())
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	passed := sampleResult("call-1", 90, verdict.StatusPassed, base)
	review := sampleResult("call-2", 60, verdict.StatusReviewRequired, base.Add(time.Hour))
	review.FlagsForReview = true
	review.Violations = []rules.Violation{{RuleID: "no-profanity", RuleName: "No Profanity", Severity: rules.SeverityHigh, Description: "d"}}
	outside := sampleResult("call-3", 10, verdict.StatusFailed, base.Add(48*time.Hour))
	for _, r := range []*audit.Result{passed, review, outside} {
		require.NoError(t, repo.SaveAudit(ctx, r))
	}

	report, err := repo.Report(ctx, base, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, report.TotalAudits)
	assert.Equal(t, 75.0, report.AverageOverall)
	assert.Equal(t, 1, report.FlaggedForReview)
	assert.Equal(t, map[string]int{"PASSED": 1, "REVIEW_REQUIRED": 1}, report.StatusBreakdown)
	assert.Equal(t, map[string]int{"HIGH": 1}, report.ViolationsBySeverity)
	assert.Equal(t, 1, report.TotalViolations)

	empty, err := repo.Report(ctx, base.Add(-48*time.Hour), base.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, empty.TotalAudits)
	assert.Zero(t, empty.AverageOverall)

	_, err = repo.Report(ctx, base, base)
	assert.True(t, errors.IsErrorType(err, errors.ErrInvalidInput))
}

func TestRuleRepository_ImplementsStore(t *testing.T) {
	repo := NewRuleRepository(tempDB(t), testLogger())
	ctx := context.Background()

	require.NoError(t, rules.Seed(ctx, repo, rules.DefaultRules(), testLogger()))
	n, err := repo.CountRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(rules.DefaultRules()), n)

	// A second seed leaves the store alone.
	require.NoError(t, rules.Seed(ctx, repo, rules.DefaultRules()[:1], testLogger()))
	n, _ = repo.CountRules(ctx)
	assert.Equal(t, len(rules.DefaultRules()), n)

	active, err := repo.ListActiveRules(ctx)
	require.NoError(t, err)
	require.Len(t, active, n)
	assert.Equal(t, "closing-required", active[0].ID, "rules are ordered by id")
	for _, r := range active {
		assert.Equal(t, 1, r.Version)
		assert.False(t, r.CreatedAt.IsZero())
	}
}

func TestRuleRepository_UpsertBumpsVersion(t *testing.T) {
	repo := NewRuleRepository(tempDB(t), testLogger())
	ctx := context.Background()
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return created }

	rule := rules.Rule{
		ID: "pii", Name: "No card numbers", Severity: "critical", Active: true,
		Definition: json.RawMessage(`{"type":"prohibited_words","words":["card number"]}`),
	}
	stored, err := repo.UpsertRule(ctx, rule)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Version)
	assert.Equal(t, rules.SeverityCritical, stored.Severity)

	repo.now = func() time.Time { return created.Add(time.Hour) }
	rule.Name = "No payment card numbers"
	stored, err = repo.UpsertRule(ctx, rule)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Version)

	got, err := repo.GetRule(ctx, "pii")
	require.NoError(t, err)
	assert.Equal(t, "No payment card numbers", got.Name)
	assert.Equal(t, 2, got.Version)
	assert.True(t, created.Equal(got.CreatedAt))
	assert.True(t, created.Add(time.Hour).Equal(got.UpdatedAt))
	assert.JSONEq(t, `{"type":"prohibited_words","words":["card number"]}`, string(got.Definition))
}

func TestRuleRepository_RejectsInvalidDefinition(t *testing.T) {
	repo := NewRuleRepository(tempDB(t), testLogger())
	_, err := repo.UpsertRule(context.Background(), rules.Rule{
		ID: "bad", Severity: rules.SeverityLow, Active: true,
		Definition: json.RawMessage(`{"type":"regex_check"}`),
	})
	assert.True(t, errors.IsErrorType(err, errors.ErrInvalidRule))

	n, err := repo.CountRules(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRuleRepository_Deactivate(t *testing.T) {
	repo := NewRuleRepository(tempDB(t), testLogger())
	ctx := context.Background()

	_, err := repo.UpsertRule(ctx, rules.DefaultRules()[0])
	require.NoError(t, err)
	id := rules.DefaultRules()[0].ID

	require.NoError(t, repo.DeactivateRule(ctx, id))
	require.NoError(t, repo.DeactivateRule(ctx, id), "deactivating twice is a no-op")

	got, err := repo.GetRule(ctx, id)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, 2, got.Version)

	active, err := repo.ListActiveRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	inactive := false
	all, err := repo.ListRules(ctx, &inactive)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	err = repo.DeactivateRule(ctx, "missing")
	assert.True(t, errors.IsErrorType(err, errors.ErrRuleNotFound))
}
