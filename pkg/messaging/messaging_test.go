package messaging

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"callaudit-server/pkg/audit"
	"callaudit-server/pkg/correlation"
	"callaudit-server/pkg/errors"
	"callaudit-server/pkg/facts"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

const sentimentEvent = `{"eventId":"e-1","eventType":"SentimentAnalyzed","aggregateId":"call-1",
	"correlationId":"corr-1","payload":{"callId":"call-1","overallSentiment":"positive","sentimentScore":0.9}}`

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) HandleFact(ctx context.Context, env facts.Envelope) error {
	return m.Called(ctx, env).Error(0)
}

type recordingSink struct {
	mu      sync.Mutex
	reasons []string
	msgs    []Message
	err     error
}

func (s *recordingSink) DeadLetter(_ context.Context, msg Message, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msg)
	s.reasons = append(s.reasons, reason)
	return nil
}

func TestDefaultTopicsInbound(t *testing.T) {
	in := DefaultTopics().Inbound()
	assert.Equal(t, map[string]facts.Kind{
		"calls.transcribed":        facts.KindTranscription,
		"calls.sentiment-analyzed": facts.KindSentiment,
		"calls.voc-analyzed":       facts.KindVoC,
	}, in)
}

func TestDispatcher_DeliversValidFact(t *testing.T) {
	h := &mockHandler{}
	h.On("HandleFact", mock.MatchedBy(func(ctx context.Context) bool {
		return correlation.FromContext(ctx) == "corr-1" && correlation.CallIDFromContext(ctx) == "call-1"
	}), mock.MatchedBy(func(env facts.Envelope) bool {
		return env.CallID == "call-1" && env.Kind == facts.KindSentiment && env.Sentiment != nil
	})).Return(nil).Once()

	sink := &recordingSink{}
	d := NewDispatcher(h, sink, testLogger())
	err := d.Dispatch(context.Background(), Message{Source: "calls.sentiment-analyzed", Kind: facts.KindSentiment, Body: []byte(sentimentEvent)})
	require.NoError(t, err)
	h.AssertExpectations(t)
	assert.Empty(t, sink.msgs)
}

func TestDispatcher_DeadLettersMalformedFact(t *testing.T) {
	h := &mockHandler{}
	sink := &recordingSink{}
	d := NewDispatcher(h, sink, testLogger())

	msg := Message{Source: "calls.transcribed", Kind: facts.KindTranscription, Body: []byte(sentimentEvent)}
	require.NoError(t, d.Dispatch(context.Background(), msg))

	h.AssertNotCalled(t, "HandleFact", mock.Anything, mock.Anything)
	require.Len(t, sink.msgs, 1)
	assert.Equal(t, "calls.transcribed", sink.msgs[0].Source)
	assert.Contains(t, sink.reasons[0], "malformed fact")

	// No sink: dropped silently.
	require.NoError(t, NewDispatcher(h, nil, testLogger()).Dispatch(context.Background(), Message{Body: []byte("{")}))
}

func TestDispatcher_KeepsMalformedFactWhenDeadLetterFails(t *testing.T) {
	sink := &recordingSink{err: errors.ErrTransportFailure}
	d := NewDispatcher(&mockHandler{}, sink, testLogger())
	err := d.Dispatch(context.Background(), Message{Body: []byte("not json")})
	assert.True(t, errors.IsErrorType(err, errors.ErrTransportFailure))
}

func TestDispatcher_ReturnsHandlerError(t *testing.T) {
	h := &mockHandler{}
	h.On("HandleFact", mock.Anything, mock.Anything).Return(errors.ErrStorageFailure)
	d := NewDispatcher(h, nil, testLogger())

	err := d.Dispatch(context.Background(), Message{Kind: facts.KindSentiment, Body: []byte(sentimentEvent)})
	assert.ErrorIs(t, err, errors.ErrStorageFailure)
}

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []kafka.Message
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		m := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func TestKafkaConsumer_CommitsAfterHandling(t *testing.T) {
	h := &mockHandler{}
	h.On("HandleFact", mock.Anything, mock.Anything).Return(errors.ErrStorageFailure).Once()
	h.On("HandleFact", mock.Anything, mock.Anything).Return(nil).Once()

	sink := &recordingSink{}
	reader := &fakeReader{pending: []kafka.Message{
		{Topic: "calls.sentiment-analyzed", Offset: 1, Key: []byte("call-1"), Value: []byte(sentimentEvent)},
		{Topic: "calls.sentiment-analyzed", Offset: 2, Key: []byte("call-2"), Value: []byte(`{"broken"`)},
	}}
	cfg := DefaultKafkaConfig()
	c := newKafkaConsumer(cfg, NewDispatcher(h, sink, testLogger()),
		map[string]messageReader{cfg.Topics.Sentiment: reader}, testLogger())
	c.sleep = func(context.Context, time.Duration) error { return nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	require.Eventually(t, func() bool { return reader.commits() == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	h.AssertNumberOfCalls(t, "HandleFact", 2)
	require.Len(t, sink.msgs, 1)
	assert.Equal(t, []byte("call-2"), sink.msgs[0].Key)
	assert.Equal(t, facts.KindSentiment, sink.msgs[0].Kind)

	require.NoError(t, c.Close())
	assert.True(t, reader.closed)
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func auditedEvent() *audit.CallAuditedEvent {
	return audit.NewCallAuditedEvent(&audit.Result{
		CallID:         "call-1",
		CorrelationID:  "corr-1",
		TriggerEventID: "e-3",
		Overall:        97,
		Status:         "PASSED",
		AuditedAt:      time.Now(),
	})
}

func TestKafkaPublisher_KeysByCallID(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher("calls.audited", w, testLogger())

	require.NoError(t, p.PublishAudited(context.Background(), auditedEvent()))
	require.Len(t, w.msgs, 1)
	m := w.msgs[0]
	assert.Equal(t, []byte("call-1"), m.Key)
	assert.Contains(t, m.Headers, kafka.Header{Key: "eventType", Value: []byte("CallAudited")})

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(m.Value, &decoded))
	assert.Equal(t, "e-3", decoded["causationId"])
	assert.Equal(t, "corr-1", decoded["correlationId"])
	payload := decoded["payload"].(map[string]interface{})
	assert.Equal(t, float64(97), payload["overall"])
}

func TestKafkaPublisher_WrapsTransportErrors(t *testing.T) {
	p := newKafkaPublisher("calls.audited", &fakeWriter{err: io.ErrClosedPipe}, testLogger())
	err := p.PublishAudited(context.Background(), auditedEvent())
	assert.True(t, errors.IsErrorType(err, errors.ErrTransportFailure))
}

func TestKafkaDeadLetter_UsesSourceTopic(t *testing.T) {
	w := &fakeWriter{}
	dl := &KafkaDeadLetter{suffix: ".dlq", writer: w}

	require.NoError(t, dl.DeadLetter(context.Background(), Message{Source: "calls.transcribed", Key: []byte("k"), Body: []byte("x")}, "bad"))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "calls.transcribed.dlq", w.msgs[0].Topic)
	assert.Contains(t, w.msgs[0].Headers, kafka.Header{Key: "x-dead-letter-reason", Value: []byte("bad")})
}

type fakeAcknowledger struct {
	acks, nacks int
	requeued    bool
}

func (a *fakeAcknowledger) Ack(uint64, bool) error {
	a.acks++
	return nil
}

func (a *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacks++
	a.requeued = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(uint64, bool) error { return nil }

func TestAMQPClient_HandleDelivery(t *testing.T) {
	h := &mockHandler{}
	h.On("HandleFact", mock.Anything, mock.MatchedBy(func(env facts.Envelope) bool { return env.CallID == "call-1" })).Return(nil)
	h.On("HandleFact", mock.Anything, mock.Anything).Return(errors.ErrStorageFailure)

	cfg := DefaultAMQPConfig()
	cfg.RetryDelay = time.Millisecond
	c := NewAMQPClient(testLogger(), cfg, NewDispatcher(h, nil, testLogger()))
	template := Message{Source: cfg.Topics.Sentiment, Kind: facts.KindSentiment}

	ok := &fakeAcknowledger{}
	c.handleDelivery(context.Background(), template, amqp.Delivery{Acknowledger: ok, Body: []byte(sentimentEvent), RoutingKey: cfg.Topics.Sentiment})
	assert.Equal(t, 1, ok.acks)

	malformed := &fakeAcknowledger{}
	c.handleDelivery(context.Background(), template, amqp.Delivery{Acknowledger: malformed, Body: []byte("{")})
	assert.Equal(t, 1, malformed.acks, "malformed facts are acked once parked")

	failing := &fakeAcknowledger{}
	other := `{"eventType":"SentimentAnalyzed","payload":{"callId":"call-2","overallSentiment":"neutral"}}`
	c.handleDelivery(context.Background(), template, amqp.Delivery{Acknowledger: failing, Body: []byte(other)})
	assert.Equal(t, 0, failing.acks)
	assert.Equal(t, 1, failing.nacks)
	assert.True(t, failing.requeued)
}

func TestAMQPClient_RequiresConfiguration(t *testing.T) {
	c := NewAMQPClient(testLogger(), AMQPConfig{}, nil)
	err := c.Connect()
	assert.True(t, errors.IsErrorType(err, errors.ErrInvalidInput))
	assert.False(t, c.IsConnected())

	err = c.PublishAudited(context.Background(), auditedEvent())
	assert.True(t, errors.IsErrorType(err, errors.ErrTransportFailure))

	assert.Error(t, c.Run(context.Background()), "a consumer needs a dispatcher")
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}
