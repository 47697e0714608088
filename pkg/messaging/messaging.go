// Package messaging moves facts in and CallAudited events out over Kafka or
// AMQP. Both transports share the Dispatcher, which decodes and validates
// inbound events before they reach the audit orchestrator.
package messaging

import (
	"context"

	"github.com/sirupsen/logrus"

	"callaudit-server/pkg/correlation"
	"callaudit-server/pkg/errors"
	"callaudit-server/pkg/facts"
	"callaudit-server/pkg/metrics"
)

// Transports.
const (
	TransportKafka = "kafka"
	TransportAMQP  = "amqp"
)

// Topics names the inbound fact streams and the outbound audited stream.
// With AMQP the names double as routing keys on the topic exchange.
type Topics struct {
	Transcribed string
	Sentiment   string
	VoC         string
	Audited     string
}

// DefaultTopics returns the stream names the upstream stages publish to.
func DefaultTopics() Topics {
	return Topics{
		Transcribed: "calls.transcribed",
		Sentiment:   "calls.sentiment-analyzed",
		VoC:         "calls.voc-analyzed",
		Audited:     "calls.audited",
	}
}

// Inbound maps each inbound stream to the fact kind it carries.
func (t Topics) Inbound() map[string]facts.Kind {
	return map[string]facts.Kind{
		t.Transcribed: facts.KindTranscription,
		t.Sentiment:   facts.KindSentiment,
		t.VoC:         facts.KindVoC,
	}
}

// Message is a transport-neutral inbound message.
type Message struct {
	Source string
	Kind   facts.Kind
	Key    []byte
	Body   []byte
}

// FactHandler receives validated facts. A non-nil error asks the transport
// to redeliver the message.
type FactHandler interface {
	HandleFact(ctx context.Context, env facts.Envelope) error
}

// DeadLetterSink parks messages that can never be processed.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, msg Message, reason string) error
}

// Consumer runs until its context is cancelled.
type Consumer interface {
	Run(ctx context.Context) error
	Close() error
}

// Dispatcher decodes inbound messages and hands facts to the handler.
type Dispatcher struct {
	handler    FactHandler
	deadLetter DeadLetterSink
	logger     *logrus.Entry
}

// NewDispatcher creates a dispatcher. deadLetter may be nil, in which case
// malformed messages are logged and dropped.
func NewDispatcher(handler FactHandler, deadLetter DeadLetterSink, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		handler:    handler,
		deadLetter: deadLetter,
		logger:     logger.WithField("component", "dispatcher"),
	}
}

// Dispatch processes one message. Malformed messages are dead-lettered and
// reported as handled; only errors worth a redelivery are returned.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) error {
	env, err := facts.Decode(msg.Body, msg.Kind)
	if err != nil {
		metrics.RecordMalformedFact(msg.Source)
		d.logger.WithError(err).WithFields(logrus.Fields{
			"source": msg.Source,
			"key":    string(msg.Key),
		}).Warn("Dropping malformed fact")

		if d.deadLetter != nil {
			if dlErr := d.deadLetter.DeadLetter(ctx, msg, err.Error()); dlErr != nil {
				// Keep the message until it can be parked.
				return errors.Wrap(dlErr, "failed to dead-letter malformed fact")
			}
		}
		return nil
	}

	ctx = correlation.WithCorrelationID(ctx, correlation.FromString(env.CorrelationID))
	ctx = correlation.WithCallID(ctx, env.CallID)
	if err := d.handler.HandleFact(ctx, env); err != nil {
		correlation.LoggerFromContext(ctx, d.logger.Logger).WithError(err).WithFields(logrus.Fields{
			"source":   msg.Source,
			"event_id": env.EventID,
		}).Error("Failed to handle fact, message will be redelivered")
		return err
	}
	return nil
}
