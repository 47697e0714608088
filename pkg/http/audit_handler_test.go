package http

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"callaudit-server/pkg/audit"
	"callaudit-server/pkg/database"
	"callaudit-server/pkg/errors"
	"callaudit-server/pkg/facts"
	"callaudit-server/pkg/rules"
	"callaudit-server/pkg/verdict"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type statusFunc func(ctx context.Context, callID string) (*audit.CallStatus, error)

func (f statusFunc) Lookup(ctx context.Context, callID string) (*audit.CallStatus, error) {
	return f(ctx, callID)
}

type mockQueries struct {
	mock.Mock
}

func (m *mockQueries) ListViolationsByCall(ctx context.Context, callID string) ([]database.ViolationRecord, error) {
	args := m.Called(ctx, callID)
	records, _ := args.Get(0).([]database.ViolationRecord)
	return records, args.Error(1)
}

func (m *mockQueries) ListViolations(ctx context.Context, filter database.ViolationFilter) ([]database.ViolationRecord, error) {
	args := m.Called(ctx, filter)
	records, _ := args.Get(0).([]database.ViolationRecord)
	return records, args.Error(1)
}

func (m *mockQueries) Report(ctx context.Context, start, end time.Time) (*database.Report, error) {
	args := m.Called(ctx, start, end)
	report, _ := args.Get(0).(*database.Report)
	return report, args.Error(1)
}

func lookupByState(ctx context.Context, callID string) (*audit.CallStatus, error) {
	switch callID {
	case "audited":
		return &audit.CallStatus{CallID: callID, State: audit.CallStateAudited, Result: &audit.Result{
			CallID: callID, Overall: 88, Status: verdict.StatusPassed,
		}}, nil
	case "waiting":
		return &audit.CallStatus{
			CallID: callID, State: audit.CallStateCorrelating,
			Received: []facts.Kind{facts.KindTranscription},
			Missing:  []facts.Kind{facts.KindSentiment, facts.KindVoC},
		}, errors.Wrap(errors.ErrStillCorrelating, "call waiting")
	case "expired":
		return &audit.CallStatus{CallID: callID, State: audit.CallStateExpired}, errors.Wrap(errors.ErrAuditExpired, "call expired")
	case "failed":
		return &audit.CallStatus{CallID: callID, State: audit.CallStateFailed, Reason: "persisted: broker down"},
			errors.Wrap(errors.ErrAuditFailed, "call failed")
	case "broken":
		return nil, errors.Wrap(errors.ErrStorageFailure, "database down")
	}
	return nil, errors.NewAuditNotFound(callID)
}

type apiFixture struct {
	server  *Server
	handler *AuditHandler
	queries *mockQueries
	rules   *rules.MemoryStore
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		server:  newTestServer(t),
		queries: &mockQueries{},
		rules:   rules.NewMemoryStore(),
	}
	require.NoError(t, rules.Seed(context.Background(), f.rules, rules.DefaultRules(), newTestLogger()))

	f.handler = NewAuditHandler(newTestLogger(), statusFunc(lookupByState), f.queries, f.rules)
	f.handler.now = func() time.Time { return time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC) }
	f.handler.RegisterHandlers(f.server)
	return f
}

func TestGetCallMapsStates(t *testing.T) {
	f := newAPIFixture(t)

	testCases := []struct {
		callID string
		code   int
		state  string
	}{
		{"waiting", http.StatusAccepted, audit.CallStateCorrelating},
		{"expired", http.StatusGone, audit.CallStateExpired},
		{"failed", http.StatusUnprocessableEntity, audit.CallStateFailed},
	}
	for _, tc := range testCases {
		t.Run(tc.callID, func(t *testing.T) {
			rr := serve(f.server, http.MethodGet, "/api/audit/calls/"+tc.callID, "")
			require.Equal(t, tc.code, rr.Code)

			var status audit.CallStatus
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
			assert.Equal(t, tc.state, status.State)
		})
	}

	rr := serve(f.server, http.MethodGet, "/api/audit/calls/waiting", "")
	assert.JSONEq(t, `["sentiment","voc"]`, mustField(t, rr.Body.Bytes(), "missing"))
}

func TestGetCallAudited(t *testing.T) {
	f := newAPIFixture(t)

	rr := serve(f.server, http.MethodGet, "/api/audit/calls/audited", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var result audit.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.Equal(t, 88, result.Overall)
	assert.Equal(t, verdict.StatusPassed, result.Status)
}

func TestGetCallErrors(t *testing.T) {
	f := newAPIFixture(t)

	rr := serve(f.server, http.MethodGet, "/api/audit/calls/never-seen", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), `"call_id": "never-seen"`)

	rr = serve(f.server, http.MethodGet, "/api/audit/calls/broken", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestListViolationsFilters(t *testing.T) {
	f := newAPIFixture(t)
	f.queries.On("ListViolations", mock.Anything, database.ViolationFilter{
		RuleID: "no-profanity", Severity: rules.SeverityHigh, Limit: 10, Offset: 20,
	}).Return([]database.ViolationRecord{{CallID: "call-1"}}, nil)

	rr := serve(f.server, http.MethodGet, "/api/audit/violations?ruleId=no-profanity&severity=high&limit=10&offset=20", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"count":1`)
	f.queries.AssertExpectations(t)

	rr = serve(f.server, http.MethodGet, "/api/audit/violations?severity=urgent", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(f.server, http.MethodGet, "/api/audit/violations?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCallViolationsEmptyList(t *testing.T) {
	f := newAPIFixture(t)
	f.queries.On("ListViolationsByCall", mock.Anything, "call-9").Return(nil, nil)

	rr := serve(f.server, http.MethodGet, "/api/audit/calls/call-9/violations", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"callId":"call-9","violations":[],"count":0}`, rr.Body.String())
}

func TestReportDates(t *testing.T) {
	f := newAPIFixture(t)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	f.queries.On("Report", mock.Anything, start, end).Return(&database.Report{Start: start, End: end, TotalAudits: 4}, nil)

	rr := serve(f.server, http.MethodGet, "/api/audit/reports?startDate=2024-03-01&endDate=2024-03-02T00:00:00Z", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"totalAudits":4`)

	// Defaults to the 24 hours before now.
	now := time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)
	f.queries.On("Report", mock.Anything, now.Add(-24*time.Hour), now).Return(&database.Report{}, nil)
	rr = serve(f.server, http.MethodGet, "/api/audit/reports", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = serve(f.server, http.MethodGet, "/api/audit/reports?startDate=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	f.queries.AssertExpectations(t)
}

func TestRuleCRUD(t *testing.T) {
	f := newAPIFixture(t)

	rr := serve(f.server, http.MethodGet, "/api/audit/rules?active=true", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "greeting-required")

	rr = serve(f.server, http.MethodGet, "/api/audit/rules?active=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	body := `{"name":"No Competitors","severity":"medium","definition":{"type":"prohibited_words","words":["othertel"],"speaker":"agent"}}`
	rr = serve(f.server, http.MethodPut, "/api/audit/rules/no-competitors", body)
	require.Equal(t, http.StatusCreated, rr.Code)

	var created rules.Rule
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.Equal(t, 1, created.Version)
	assert.True(t, created.Active)
	assert.Equal(t, rules.SeverityMedium, created.Severity)

	rr = serve(f.server, http.MethodPut, "/api/audit/rules/no-competitors", body)
	require.Equal(t, http.StatusOK, rr.Code)
	var updated rules.Rule
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &updated))
	assert.Equal(t, 2, updated.Version)

	rr = serve(f.server, http.MethodGet, "/api/audit/rules/no-competitors", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = serve(f.server, http.MethodDelete, "/api/audit/rules/no-competitors", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)

	stored, err := f.rules.GetRule(context.Background(), "no-competitors")
	require.NoError(t, err)
	assert.False(t, stored.Active)

	rr = serve(f.server, http.MethodDelete, "/api/audit/rules/unknown", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPutRuleRejectsBadInput(t *testing.T) {
	f := newAPIFixture(t)

	testCases := []struct {
		name string
		body string
	}{
		{"Malformed", `{"name":`},
		{"IDMismatch", `{"id":"other","severity":"low","definition":{"type":"keyword_check","keywords":["hi"]}}`},
		{"UnknownType", `{"severity":"low","definition":{"type":"regex","pattern":".*"}}`},
		{"UnknownSeverity", `{"severity":"urgent","definition":{"type":"keyword_check","keywords":["hi"]}}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rr := serve(f.server, http.MethodPut, "/api/audit/rules/r1", tc.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
		})
	}

	_, err := f.rules.GetRule(context.Background(), "r1")
	assert.True(t, errors.IsErrorType(err, errors.ErrRuleNotFound))
}

func mustField(t *testing.T, body []byte, field string) string {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &m))
	return string(m[field])
}
