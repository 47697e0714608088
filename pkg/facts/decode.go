package facts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"callaudit-server/pkg/errors"
)

// event mirrors the envelope every upstream stage publishes.
type event struct {
	EventID       string                 `json:"eventId"`
	EventType     string                 `json:"eventType"`
	AggregateID   string                 `json:"aggregateId"`
	AggregateType string                 `json:"aggregateType"`
	Timestamp     *time.Time             `json:"timestamp"`
	Version       int                    `json:"version"`
	CausationID   string                 `json:"causationId"`
	CorrelationID string                 `json:"correlationId"`
	Metadata      map[string]interface{} `json:"metadata"`
	Payload       json.RawMessage        `json:"payload"`
}

// Decode parses an inbound event and validates its payload. hint is the kind
// implied by the topic or queue the message arrived on; it is used when the
// event carries no eventType and must agree with it when it does. Any
// validation failure is returned as an ErrMalformedFact.
func Decode(data []byte, hint Kind) (Envelope, error) {
	var ev event
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&ev); err != nil {
		return Envelope{}, errors.NewMalformedFact("invalid JSON").WithField("cause", err.Error())
	}

	kind := hint
	if ev.EventType != "" {
		k, ok := KindForEventType(ev.EventType)
		if !ok {
			return Envelope{}, errors.NewMalformedFact(fmt.Sprintf("unknown event type %q", ev.EventType))
		}
		if hint != "" && k != hint {
			return Envelope{}, errors.NewMalformedFact(fmt.Sprintf("event type %s does not belong on the %s stream", ev.EventType, hint))
		}
		kind = k
	}
	if !kind.Valid() {
		return Envelope{}, errors.NewMalformedFact("cannot determine fact kind")
	}
	if len(bytes.TrimSpace(ev.Payload)) == 0 || bytes.Equal(bytes.TrimSpace(ev.Payload), []byte("null")) {
		return Envelope{}, errors.NewMalformedFact("missing payload").WithField("event_id", ev.EventID)
	}

	env := Envelope{
		EventID:       ev.EventID,
		EventType:     ev.EventType,
		Kind:          kind,
		CorrelationID: ev.CorrelationID,
		CausationID:   ev.CausationID,
	}
	if ev.Timestamp != nil {
		env.ProducedAt = ev.Timestamp.UTC()
	} else {
		env.ProducedAt = time.Now().UTC()
	}

	var payloadCallID string
	switch kind {
	case KindTranscription:
		var p Transcription
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return Envelope{}, errors.NewMalformedFact("invalid transcription payload").WithField("cause", err.Error())
		}
		payloadCallID = p.CallID
		env.Transcription = &p
	case KindSentiment:
		var p Sentiment
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return Envelope{}, errors.NewMalformedFact("invalid sentiment payload").WithField("cause", err.Error())
		}
		payloadCallID = p.CallID
		env.Sentiment = &p
	case KindVoC:
		var p VoC
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return Envelope{}, errors.NewMalformedFact("invalid voc payload").WithField("cause", err.Error())
		}
		payloadCallID = p.CallID
		env.VoC = &p
	}

	callID := strings.TrimSpace(payloadCallID)
	aggregateID := strings.TrimSpace(ev.AggregateID)
	switch {
	case callID == "" && aggregateID == "":
		return Envelope{}, errors.NewMalformedFact("missing callId").WithField("event_id", ev.EventID)
	case callID == "":
		callID = aggregateID
	case aggregateID != "" && aggregateID != callID:
		return Envelope{}, errors.NewMalformedFact("aggregateId does not match payload callId").
			WithFields(map[string]interface{}{"aggregate_id": aggregateID, "call_id": callID})
	}
	env.CallID = callID

	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks the payload against the fact schema.
func (e Envelope) Validate() error {
	fields := map[string]interface{}{"call_id": e.CallID, "kind": string(e.Kind)}
	if e.CallID == "" {
		return errors.NewMalformedFact("missing callId", fields)
	}

	switch e.Kind {
	case KindTranscription:
		t := e.Transcription
		if t == nil {
			return errors.NewMalformedFact("transcription payload missing", fields)
		}
		t.CallID = e.CallID
		if strings.TrimSpace(t.FullText) == "" && len(t.Segments) == 0 {
			return errors.NewMalformedFact("transcription has neither fullText nor segments", fields)
		}
		for i, seg := range t.Segments {
			if seg.StartTime < 0 || seg.EndTime < seg.StartTime {
				return errors.NewMalformedFact(fmt.Sprintf("segment %d has invalid offsets", i), fields)
			}
		}
	case KindSentiment:
		s := e.Sentiment
		if s == nil {
			return errors.NewMalformedFact("sentiment payload missing", fields)
		}
		s.CallID = e.CallID
		switch strings.ToLower(strings.TrimSpace(s.OverallSentiment)) {
		case SentimentPositive, SentimentNegative, SentimentNeutral, SentimentMixed:
		default:
			return errors.NewMalformedFact(fmt.Sprintf("unknown overall sentiment %q", s.OverallSentiment), fields)
		}
	case KindVoC:
		v := e.VoC
		if v == nil {
			return errors.NewMalformedFact("voc payload missing", fields)
		}
		v.CallID = e.CallID
		if v.PredictedChurnRisk < 0 || v.PredictedChurnRisk > 1 {
			return errors.NewMalformedFact(fmt.Sprintf("churn risk %v outside [0,1]", v.PredictedChurnRisk), fields)
		}
		switch strings.ToLower(strings.TrimSpace(v.CustomerSatisfaction)) {
		case "", SatisfactionHigh, SatisfactionMedium, SatisfactionLow:
		default:
			return errors.NewMalformedFact(fmt.Sprintf("unknown satisfaction %q", v.CustomerSatisfaction), fields)
		}
	default:
		return errors.NewMalformedFact("unknown fact kind", fields)
	}
	return nil
}
