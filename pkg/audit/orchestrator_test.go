package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"callaudit-server/pkg/alerting"
	"callaudit-server/pkg/correlation"
	"callaudit-server/pkg/errors"
	"callaudit-server/pkg/facts"
	"callaudit-server/pkg/rules"
	"callaudit-server/pkg/verdict"
)

type memoryResults struct {
	mu      sync.Mutex
	results map[string]*Result
	failN   int
	err     error
	calls   int
}

func newMemoryResults() *memoryResults {
	return &memoryResults{results: make(map[string]*Result)}
}

func (m *memoryResults) SaveAudit(_ context.Context, r *Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.failN {
		return m.err
	}
	if _, ok := m.results[r.CallID]; ok {
		return errors.ErrAlreadyExists
	}
	m.results[r.CallID] = r
	return nil
}

func (m *memoryResults) GetAuditByCallID(_ context.Context, callID string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[callID]
	if !ok {
		return nil, errors.NewAuditNotFound(callID)
	}
	return r, nil
}

func (m *memoryResults) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}

type mockPublisher struct {
	mock.Mock
	mu     sync.Mutex
	events []*CallAuditedEvent
}

func (p *mockPublisher) PublishAudited(ctx context.Context, e *CallAuditedEvent) error {
	args := p.Called(ctx, e)
	if args.Error(0) == nil {
		p.mu.Lock()
		p.events = append(p.events, e)
		p.mu.Unlock()
	}
	return args.Error(0)
}

func (p *mockPublisher) published() []*CallAuditedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*CallAuditedEvent(nil), p.events...)
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alerting.Alert
}

func (a *recordingAlerter) Fire(_ context.Context, alert alerting.Alert) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return true
}

func (a *recordingAlerter) named(name string) []alerting.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []alerting.Alert
	for _, al := range a.alerts {
		if al.Name == name {
			out = append(out, al)
		}
	}
	return out
}

type fixture struct {
	orch      *Orchestrator
	table     *correlation.MemoryTable
	rules     *rules.MemoryStore
	results   *memoryResults
	publisher *mockPublisher
	alerter   *recordingAlerter
	status    *StatusService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	f := &fixture{
		table:     correlation.NewMemoryTable(correlation.DefaultConfig()),
		rules:     rules.NewMemoryStore(),
		results:   newMemoryResults(),
		publisher: &mockPublisher{},
		alerter:   &recordingAlerter{},
	}
	require.NoError(t, rules.Seed(context.Background(), f.rules, rules.DefaultRules(), logger))

	orch, err := NewOrchestrator(Config{RetryAttempts: 3, RetryBackoff: time.Millisecond}, Dependencies{
		Table:     f.table,
		Rules:     f.rules,
		Store:     f.results,
		Publisher: f.publisher,
		Alerter:   f.alerter,
		Logger:    logger,
	})
	require.NoError(t, err)
	orch.sleep = func(context.Context, time.Duration) error { return nil }
	f.orch = orch
	f.status = NewStatusService(f.results, f.table)
	return f
}

func transcriptFact(callID, eventID, correlationID string) facts.Envelope {
	return facts.Envelope{
		EventID: eventID, EventType: facts.EventCallTranscribed, CallID: callID, Kind: facts.KindTranscription,
		CorrelationID: correlationID, ProducedAt: time.Now(),
		Transcription: &facts.Transcription{CallID: callID, Segments: []facts.Segment{
			{Speaker: "agent", StartTime: 0, EndTime: 5, Text: "Thank you for calling Acme. This call is being recorded for quality."},
			{Speaker: "customer", StartTime: 5, EndTime: 9, Text: "My router keeps dropping."},
			{Speaker: "agent", StartTime: 9, EndTime: 15, Text: "I understand, I'm sorry about that. Let me help you reset it."},
			{Speaker: "agent", StartTime: 15, EndTime: 20, Text: "Is there anything else? Have a great day."},
		}},
	}
}

func sentimentFact(callID, eventID, correlationID, overall string) facts.Envelope {
	return facts.Envelope{
		EventID: eventID, EventType: facts.EventSentimentAnalyzed, CallID: callID, Kind: facts.KindSentiment,
		CorrelationID: correlationID, ProducedAt: time.Now(),
		Sentiment: &facts.Sentiment{CallID: callID, OverallSentiment: overall, SentimentScore: 0.8},
	}
}

func vocFact(callID, eventID, correlationID string) facts.Envelope {
	return facts.Envelope{
		EventID: eventID, EventType: facts.EventVocAnalyzed, CallID: callID, Kind: facts.KindVoC,
		CorrelationID: correlationID, ProducedAt: time.Now(),
		VoC: &facts.VoC{CallID: callID, CustomerSatisfaction: "high", PredictedChurnRisk: 0.1},
	}
}

func callFacts(callID string) []facts.Envelope {
	return []facts.Envelope{
		transcriptFact(callID, callID+"-t", "corr-t"),
		sentimentFact(callID, callID+"-s", "corr-s", "positive"),
		vocFact(callID, callID+"-v", "corr-v"),
	}
}

func TestOrchestrator_AuditsCompleteCall(t *testing.T) {
	f := newFixture(t)
	f.publisher.On("PublishAudited", mock.Anything, mock.Anything).Return(nil)
	ctx := context.Background()

	for _, env := range callFacts("call-1") {
		require.NoError(t, f.orch.HandleFact(ctx, env))
	}

	result, err := f.results.GetAuditByCallID(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, 100, result.ScriptAdherence)
	assert.Equal(t, 100, result.CustomerService)
	assert.Equal(t, 90, result.ResolutionEffectiveness)
	assert.Equal(t, 97, result.Overall)
	assert.Equal(t, verdict.StatusPassed, result.Status)
	assert.Empty(t, result.Violations)
	assert.False(t, result.FlagsForReview)
	assert.Len(t, result.RulesUsed, len(rules.DefaultRules()))

	events := f.publisher.published()
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, EventCallAudited, e.EventType)
	assert.Equal(t, "call-1", e.AggregateID)
	assert.Equal(t, "corr-v", e.CorrelationID, "correlation id comes from the completing fact")
	assert.Equal(t, "call-1-v", e.CausationID)
	assert.Equal(t, ServiceName, e.Metadata["service"])
	assert.Equal(t, 97, e.Payload.Overall)

	st, err := f.table.Status(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, correlation.StateDone, st.State)
	assert.Empty(t, st.Failure)

	cs, err := f.status.Lookup(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, CallStateAudited, cs.State)
}

func TestOrchestrator_EveryArrivalOrderAuditsOnce(t *testing.T) {
	orders := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	f := newFixture(t)
	f.publisher.On("PublishAudited", mock.Anything, mock.Anything).Return(nil)
	ctx := context.Background()

	for i, order := range orders {
		callID := fmt.Sprintf("call-%d", i)
		all := callFacts(callID)
		for _, idx := range order {
			require.NoError(t, f.orch.HandleFact(ctx, all[idx]))
		}
		// Redelivery of the first fact after the audit.
		require.NoError(t, f.orch.HandleFact(ctx, all[order[0]]))
	}

	assert.Equal(t, len(orders), f.results.count())
	assert.Len(t, f.publisher.published(), len(orders))
}

func TestOrchestrator_ConcurrentArrivalsAuditOnce(t *testing.T) {
	f := newFixture(t)
	f.publisher.On("PublishAudited", mock.Anything, mock.Anything).Return(nil)
	ctx := context.Background()

	const calls = 40
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		for _, env := range callFacts(fmt.Sprintf("call-%d", i)) {
			for dup := 0; dup < 2; dup++ {
				wg.Add(1)
				go func(env facts.Envelope) {
					defer wg.Done()
					assert.NoError(t, f.orch.HandleFact(ctx, env))
				}(env)
			}
		}
	}
	wg.Wait()
	require.NoError(t, f.orch.Drain(ctx))

	assert.Equal(t, calls, f.results.count())
	assert.Len(t, f.publisher.published(), calls)
}

func TestOrchestrator_RetriesTransientPersistFailure(t *testing.T) {
	f := newFixture(t)
	f.results.failN = 2
	f.results.err = errors.Wrap(errors.ErrStorageFailure, "connection reset")
	f.publisher.On("PublishAudited", mock.Anything, mock.Anything).Return(nil)

	for _, env := range callFacts("call-1") {
		require.NoError(t, f.orch.HandleFact(context.Background(), env))
	}

	assert.Equal(t, 1, f.results.count())
	assert.Equal(t, 3, f.results.calls)
	assert.Empty(t, f.alerter.named(alerting.AlertAuditFailed))
}

func TestOrchestrator_ExhaustedRetriesFailWithAlert(t *testing.T) {
	f := newFixture(t)
	f.results.failN = 100
	f.results.err = errors.Wrap(errors.ErrStorageFailure, "database down")
	ctx := context.Background()

	for _, env := range callFacts("call-1") {
		require.NoError(t, f.orch.HandleFact(ctx, env))
	}

	assert.Equal(t, 3, f.results.calls)
	f.publisher.AssertNotCalled(t, "PublishAudited", mock.Anything, mock.Anything)

	alerts := f.alerter.named(alerting.AlertAuditFailed)
	require.Len(t, alerts, 1)
	assert.Equal(t, "call-1", alerts[0].CallID)
	assert.Equal(t, alerting.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, string(StageScored), alerts[0].Labels["stage"])

	st, err := f.table.Status(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, correlation.StateDone, st.State)
	assert.Contains(t, st.Failure, "database down")

	cs, err := f.status.Lookup(ctx, "call-1")
	assert.True(t, errors.IsErrorType(err, errors.ErrAuditFailed))
	require.NotNil(t, cs)
	assert.Equal(t, CallStateFailed, cs.State)
	assert.Contains(t, cs.Reason, "database down")

	// Redelivered facts do not restart the failed audit.
	require.NoError(t, f.orch.HandleFact(ctx, callFacts("call-1")[0]))
	assert.Equal(t, 3, f.results.calls)
}

type panickingRules struct{}

func (panickingRules) ListActiveRules(context.Context) ([]rules.Rule, error) {
	panic("rule store corrupted")
}

func TestOrchestrator_PanicLeavesCallFailed(t *testing.T) {
	f := newFixture(t)
	f.orch.Rules = panickingRules{}
	ctx := context.Background()

	for _, env := range callFacts("call-1") {
		require.NoError(t, f.orch.HandleFact(ctx, env))
	}

	alerts := f.alerter.named(alerting.AlertAuditFailed)
	require.Len(t, alerts, 1)
	assert.Equal(t, string(StageClaimed), alerts[0].Labels["stage"])
	assert.Contains(t, alerts[0].Description, "rule store corrupted")

	st, err := f.table.Status(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, correlation.StateDone, st.State)
	require.NoError(t, f.orch.Drain(ctx))
}

func TestOrchestrator_PublishFailureAfterPersist(t *testing.T) {
	f := newFixture(t)
	f.publisher.On("PublishAudited", mock.Anything, mock.Anything).Return(errors.ErrTransportFailure)

	for _, env := range callFacts("call-1") {
		require.NoError(t, f.orch.HandleFact(context.Background(), env))
	}

	f.publisher.AssertNumberOfCalls(t, "PublishAudited", 3)
	assert.Equal(t, 1, f.results.count())
	alerts := f.alerter.named(alerting.AlertAuditFailed)
	require.Len(t, alerts, 1)
	assert.Equal(t, string(StagePersisted), alerts[0].Labels["stage"])
}

func TestOrchestrator_ExistingResultIsNotRepublished(t *testing.T) {
	f := newFixture(t)
	f.publisher.On("PublishAudited", mock.Anything, mock.Anything).Return(nil)
	f.results.results["call-1"] = &Result{CallID: "call-1"}

	for _, env := range callFacts("call-1") {
		require.NoError(t, f.orch.HandleFact(context.Background(), env))
	}

	f.publisher.AssertNotCalled(t, "PublishAudited", mock.Anything, mock.Anything)
	st, _ := f.table.Status(context.Background(), "call-1")
	assert.Equal(t, correlation.StateDone, st.State)
}

func TestOrchestrator_CriticalViolationFails(t *testing.T) {
	f := newFixture(t)
	f.publisher.On("PublishAudited", mock.Anything, mock.Anything).Return(nil)
	ctx := context.Background()

	_, err := f.rules.UpsertRule(ctx, rules.Rule{
		ID: "pii", Name: "No card numbers", Severity: rules.SeverityCritical, Active: true,
		Definition: json.RawMessage(`{"type":"prohibited_words","words":["router"]}`),
	})
	require.NoError(t, err)

	for _, env := range callFacts("call-1") {
		require.NoError(t, f.orch.HandleFact(ctx, env))
	}

	result, err := f.results.GetAuditByCallID(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, 97, result.Overall)
	assert.Equal(t, verdict.StatusFailed, result.Status)
	require.Len(t, result.Violations, 1)
	assert.True(t, result.FlagsForReview)
	assert.Equal(t, "1 critical violation(s)", result.ReviewReason)
}

func TestOrchestrator_ExpiredCallAlertsWithoutAudit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.orch.HandleFact(ctx, transcriptFact("call-1", "t", "c")))

	res, err := f.table.Sweep(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, res.Expired, 1)
	f.orch.HandleExpired(ctx, res.Expired[0])

	alerts := f.alerter.named(alerting.AlertIncompleteAudit)
	require.Len(t, alerts, 1)
	assert.Equal(t, "sentiment, voc", alerts[0].Labels["missing"])
	assert.Equal(t, "transcription", alerts[0].Labels["received"])
	assert.Zero(t, f.results.count())
	f.publisher.AssertNotCalled(t, "PublishAudited", mock.Anything, mock.Anything)

	cs, err := f.status.Lookup(ctx, "call-1")
	assert.True(t, errors.IsErrorType(err, errors.ErrAuditExpired))
	assert.Equal(t, CallStateExpired, cs.State)

	// Late facts are dropped.
	require.NoError(t, f.orch.HandleFact(ctx, sentimentFact("call-1", "s", "c", "neutral")))
	require.NoError(t, f.orch.HandleFact(ctx, vocFact("call-1", "v", "c")))
	assert.Zero(t, f.results.count())
}

func TestOrchestrator_StrandedCallIsClaimed(t *testing.T) {
	f := newFixture(t)
	f.publisher.On("PublishAudited", mock.Anything, mock.Anything).Return(nil)
	ctx := context.Background()

	// Record directly, as if the completing worker died before claiming.
	for _, env := range callFacts("call-1") {
		_, err := f.table.Record(ctx, env)
		require.NoError(t, err)
	}
	cs, err := f.status.Lookup(ctx, "call-1")
	assert.True(t, errors.IsErrorType(err, errors.ErrStillCorrelating))
	assert.Equal(t, CallStateCorrelating, cs.State)

	f.orch.HandleStranded(ctx, "call-1")
	assert.Equal(t, 1, f.results.count())

	f.orch.HandleStranded(ctx, "call-1")
	assert.Equal(t, 1, f.results.count())
	assert.Len(t, f.publisher.published(), 1)
}

func TestOrchestrator_AbandonedClaimFailsCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Claimed by a worker that died before finishing.
	for _, env := range callFacts("call-1") {
		_, err := f.table.Record(ctx, env)
		require.NoError(t, err)
	}
	_, ok, err := f.table.Claim(ctx, "call-1")
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.table.Sweep(ctx, time.Now().Add(6*time.Hour))
	require.NoError(t, err)
	require.Len(t, res.Abandoned, 1)
	f.orch.HandleAbandoned(ctx, res.Abandoned[0])

	alerts := f.alerter.named(alerting.AlertAbandonedAudit)
	require.Len(t, alerts, 1)
	assert.Equal(t, alerting.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, "call-1", alerts[0].CallID)

	cs, err := f.status.Lookup(ctx, "call-1")
	assert.True(t, errors.IsErrorType(err, errors.ErrAuditFailed))
	assert.Equal(t, CallStateFailed, cs.State)
	assert.Contains(t, cs.Reason, "abandoned")
	assert.Zero(t, f.results.count())
	f.publisher.AssertNotCalled(t, "PublishAudited", mock.Anything, mock.Anything)

	res, err = f.table.Sweep(ctx, time.Now().Add(6*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, res.Abandoned)
}

func TestStatusService_UnknownCall(t *testing.T) {
	f := newFixture(t)
	_, err := f.status.Lookup(context.Background(), "nope")
	assert.True(t, errors.IsErrorType(err, errors.ErrAuditNotFound))
}

func TestStatusService_CorrelatingListsMissingKinds(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.HandleFact(context.Background(), vocFact("call-1", "v", "c")))

	cs, err := f.status.Lookup(context.Background(), "call-1")
	assert.True(t, errors.IsErrorType(err, errors.ErrStillCorrelating))
	require.NotNil(t, cs)
	assert.Equal(t, []facts.Kind{facts.KindVoC}, cs.Received)
	assert.Equal(t, []facts.Kind{facts.KindTranscription, facts.KindSentiment}, cs.Missing)
}

func TestNewOrchestratorRequiresDependencies(t *testing.T) {
	_, err := NewOrchestrator(Config{}, Dependencies{})
	assert.True(t, errors.IsErrorType(err, errors.ErrInvalidInput))
}
