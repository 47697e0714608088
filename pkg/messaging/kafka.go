package messaging

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"callaudit-server/pkg/audit"
	"callaudit-server/pkg/errors"
	"callaudit-server/pkg/metrics"
)

// KafkaConfig configures the Kafka transport.
type KafkaConfig struct {
	Brokers  []string
	GroupID  string
	Topics   Topics
	MinBytes int
	MaxBytes int
	MaxWait  time.Duration
	// RetryBackoff is the pause before a failed message is handled again.
	RetryBackoff time.Duration
	// DeadLetterSuffix is appended to the source topic for malformed facts.
	DeadLetterSuffix string
}

// DefaultKafkaConfig returns a local single-broker setup.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:          []string{"localhost:9092"},
		GroupID:          "audit-service",
		Topics:           DefaultTopics(),
		MinBytes:         1,
		MaxBytes:         10e6,
		MaxWait:          500 * time.Millisecond,
		RetryBackoff:     time.Second,
		DeadLetterSuffix: ".dlq",
	}
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads the three fact topics in one consumer group. Offsets
// are committed only after the dispatcher accepted a message, so a fact is
// never lost to a crash between fetch and record.
type KafkaConsumer struct {
	cfg        KafkaConfig
	dispatcher *Dispatcher
	readers    map[string]messageReader
	logger     *logrus.Entry
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewKafkaConsumer creates one group reader per inbound topic.
func NewKafkaConsumer(cfg KafkaConfig, dispatcher *Dispatcher, logger *logrus.Logger) *KafkaConsumer {
	readers := make(map[string]messageReader)
	for topic := range cfg.Topics.Inbound() {
		readers[topic] = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    topic,
			MinBytes: cfg.MinBytes,
			MaxBytes: cfg.MaxBytes,
			MaxWait:  cfg.MaxWait,
		})
	}
	return newKafkaConsumer(cfg, dispatcher, readers, logger)
}

func newKafkaConsumer(cfg KafkaConfig, dispatcher *Dispatcher, readers map[string]messageReader, logger *logrus.Logger) *KafkaConsumer {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	return &KafkaConsumer{
		cfg:        cfg,
		dispatcher: dispatcher,
		readers:    readers,
		logger:     logger.WithField("component", "kafka_consumer"),
		sleep:      sleepContext,
	}
}

// Run consumes every topic until ctx is cancelled.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	kinds := c.cfg.Topics.Inbound()

	var wg sync.WaitGroup
	for topic, reader := range c.readers {
		wg.Add(1)
		go func(topic string, reader messageReader) {
			defer wg.Done()
			c.consume(ctx, topic, reader, Message{Source: topic, Kind: kinds[topic]})
		}(topic, reader)
	}
	c.logger.WithField("topics", len(c.readers)).Info("Kafka consumer started")

	wg.Wait()
	c.logger.Info("Kafka consumer stopped")
	return nil
}

func (c *KafkaConsumer) consume(ctx context.Context, topic string, reader messageReader, template Message) {
	log := c.logger.WithField("topic", topic)
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, io.EOF) {
				return
			}
			metrics.RecordTransportError(TransportKafka, "fetch")
			log.WithError(err).Warn("Failed to fetch message")
			if c.sleep(ctx, c.cfg.RetryBackoff) != nil {
				return
			}
			continue
		}

		msg := template
		msg.Key = m.Key
		msg.Body = m.Value

		// The same message is retried until it is accepted; moving past it
		// would let a later commit skip it.
		for {
			if err := c.dispatcher.Dispatch(ctx, msg); err == nil {
				break
			}
			if c.sleep(ctx, c.cfg.RetryBackoff) != nil {
				return
			}
		}

		if err := reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.RecordTransportError(TransportKafka, "commit")
			log.WithError(err).WithField("offset", m.Offset).Warn("Failed to commit offset, message may be redelivered")
		}
	}
}

// Close closes every reader.
func (c *KafkaConsumer) Close() error {
	var first error
	for topic, r := range c.readers {
		if err := r.Close(); err != nil && first == nil {
			first = errors.Wrap(err, "failed to close reader for "+topic)
		}
	}
	return first
}

// KafkaPublisher writes CallAudited events keyed by call id, so every event
// for a call lands on the same partition.
type KafkaPublisher struct {
	topic  string
	writer messageWriter
	logger *logrus.Entry
}

// NewKafkaPublisher creates a synchronous writer on the audited topic.
func NewKafkaPublisher(cfg KafkaConfig, logger *logrus.Logger) *KafkaPublisher {
	return newKafkaPublisher(cfg.Topics.Audited, &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topics.Audited,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}, logger)
}

func newKafkaPublisher(topic string, w messageWriter, logger *logrus.Logger) *KafkaPublisher {
	return &KafkaPublisher{topic: topic, writer: w, logger: logger.WithField("component", "kafka_publisher")}
}

// PublishAudited implements audit.Publisher.
func (p *KafkaPublisher) PublishAudited(ctx context.Context, event *audit.CallAuditedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to marshal CallAudited event")
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.AggregateID),
		Value: body,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(event.EventType)},
			{Key: "correlationId", Value: []byte(event.CorrelationID)},
		},
	})
	metrics.RecordPublish(p.topic, err)
	if err != nil {
		metrics.RecordTransportError(TransportKafka, "publish")
		return errors.Wrap(errors.ErrTransportFailure, "failed to publish CallAudited: "+err.Error(),
			map[string]interface{}{"call_id": event.AggregateID, "topic": p.topic})
	}

	p.logger.WithFields(logrus.Fields{
		"call_id":  event.AggregateID,
		"event_id": event.EventID,
		"topic":    p.topic,
	}).Debug("Published CallAudited event")
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// KafkaDeadLetter writes malformed facts to "<source topic><suffix>".
type KafkaDeadLetter struct {
	suffix string
	writer messageWriter
}

// NewKafkaDeadLetter creates a writer whose topic is chosen per message.
func NewKafkaDeadLetter(cfg KafkaConfig) *KafkaDeadLetter {
	return &KafkaDeadLetter{
		suffix: cfg.DeadLetterSuffix,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}
}

// DeadLetter implements DeadLetterSink.
func (d *KafkaDeadLetter) DeadLetter(ctx context.Context, msg Message, reason string) error {
	topic := msg.Source + d.suffix
	err := d.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   msg.Key,
		Value: msg.Body,
		Headers: []kafka.Header{
			{Key: "x-dead-letter-reason", Value: []byte(reason)},
			{Key: "x-source-topic", Value: []byte(msg.Source)},
		},
	})
	metrics.RecordPublish(topic, err)
	if err != nil {
		return errors.Wrap(errors.ErrTransportFailure, "failed to write dead letter: "+err.Error())
	}
	return nil
}

// Close closes the writer.
func (d *KafkaDeadLetter) Close() error {
	return d.writer.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
