// Package facts holds the per-call analysis outcomes the audit joins on:
// transcription, sentiment and voice-of-customer results.
package facts

import (
	"strings"
	"time"
)

// Kind identifies one upstream analysis stage.
type Kind string

const (
	KindTranscription Kind = "transcription"
	KindSentiment     Kind = "sentiment"
	KindVoC           Kind = "voc"
)

// RequiredKinds is the fact set a call needs before it can be audited.
var RequiredKinds = []Kind{KindTranscription, KindSentiment, KindVoC}

// Inbound event types, one per fact kind.
const (
	EventCallTranscribed   = "CallTranscribed"
	EventSentimentAnalyzed = "SentimentAnalyzed"
	EventVocAnalyzed       = "VocAnalyzed"
)

// KindForEventType maps an inbound event type to its fact kind.
func KindForEventType(eventType string) (Kind, bool) {
	switch eventType {
	case EventCallTranscribed:
		return KindTranscription, true
	case EventSentimentAnalyzed:
		return KindSentiment, true
	case EventVocAnalyzed:
		return KindVoC, true
	}
	return "", false
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindTranscription, KindSentiment, KindVoC:
		return true
	}
	return false
}

// Speakers as labelled by the transcription stage.
const (
	SpeakerAgent    = "agent"
	SpeakerCustomer = "customer"
)

// Segment is one speaker turn in the transcript. Offsets are seconds from the
// start of the call.
type Segment struct {
	Speaker    string  `json:"speaker"`
	StartTime  float64 `json:"startTime"`
	EndTime    float64 `json:"endTime"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

// IsSpeaker compares speaker labels case-insensitively. An empty want matches
// every segment.
func (s Segment) IsSpeaker(want string) bool {
	if want == "" {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(s.Speaker), strings.TrimSpace(want))
}

// Transcription is the payload of a CallTranscribed event.
type Transcription struct {
	CallID           string    `json:"callId"`
	FullText         string    `json:"fullText"`
	Language         string    `json:"language,omitempty"`
	Confidence       float64   `json:"confidence,omitempty"`
	WordCount        int       `json:"wordCount,omitempty"`
	Segments         []Segment `json:"segments,omitempty"`
	ProcessingTimeMs int64     `json:"processingTimeMs,omitempty"`
}

// Text returns the full transcript, rebuilding it from segments when the
// producer left fullText empty.
func (t *Transcription) Text() string {
	if t == nil {
		return ""
	}
	if t.FullText != "" {
		return t.FullText
	}
	parts := make([]string, 0, len(t.Segments))
	for _, seg := range t.Segments {
		parts = append(parts, seg.Text)
	}
	return strings.Join(parts, " ")
}

// SegmentSentiment is the sentiment of one time range of the call.
type SegmentSentiment struct {
	StartTime float64  `json:"startTime"`
	EndTime   float64  `json:"endTime"`
	Sentiment string   `json:"sentiment"`
	Score     float64  `json:"score"`
	Emotions  []string `json:"emotions,omitempty"`
}

// Sentiment classes.
const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
	SentimentMixed    = "mixed"
)

// Sentiment is the payload of a SentimentAnalyzed event.
type Sentiment struct {
	CallID             string             `json:"callId"`
	OverallSentiment   string             `json:"overallSentiment"`
	SentimentScore     float64            `json:"sentimentScore"`
	EscalationDetected bool               `json:"escalationDetected,omitempty"`
	SegmentSentiments  []SegmentSentiment `json:"segmentSentiments,omitempty"`
	Emotions           map[string]float64 `json:"emotions,omitempty"`
	ProcessingTimeMs   int64              `json:"processingTimeMs,omitempty"`
}

// Is compares the overall class case-insensitively.
func (s *Sentiment) Is(class string) bool {
	return s != nil && strings.EqualFold(strings.TrimSpace(s.OverallSentiment), class)
}

// Customer satisfaction classes.
const (
	SatisfactionHigh   = "high"
	SatisfactionMedium = "medium"
	SatisfactionLow    = "low"
)

// IntentComplaint marks a call the VoC stage classified as a complaint.
const IntentComplaint = "complaint"

// VoC is the payload of a VocAnalyzed event.
type VoC struct {
	CallID               string                   `json:"callId"`
	PrimaryIntent        string                   `json:"primaryIntent,omitempty"`
	Topics               []string                 `json:"topics,omitempty"`
	Keywords             []string                 `json:"keywords,omitempty"`
	CustomerSatisfaction string                   `json:"customerSatisfaction,omitempty"`
	PredictedChurnRisk   float64                  `json:"predictedChurnRisk"`
	ActionableItems      []map[string]interface{} `json:"actionableItems,omitempty"`
	RootCause            string                   `json:"rootCause,omitempty"`
	Summary              string                   `json:"summary,omitempty"`
	EscalationDetected   bool                     `json:"escalationDetected,omitempty"`
	ProcessingTimeMs     int64                    `json:"processingTimeMs,omitempty"`
}

// IsComplaint reports whether the primary intent is a complaint.
func (v *VoC) IsComplaint() bool {
	return v != nil && strings.EqualFold(strings.TrimSpace(v.PrimaryIntent), IntentComplaint)
}

// Envelope is one received fact together with the event metadata that
// carried it. Exactly one of the payload pointers is set, matching Kind.
type Envelope struct {
	EventID       string    `json:"eventId"`
	EventType     string    `json:"eventType"`
	CallID        string    `json:"callId"`
	Kind          Kind      `json:"kind"`
	ProducedAt    time.Time `json:"producedAt"`
	CorrelationID string    `json:"correlationId,omitempty"`
	CausationID   string    `json:"causationId,omitempty"`

	Transcription *Transcription `json:"transcription,omitempty"`
	Sentiment     *Sentiment     `json:"sentiment,omitempty"`
	VoC           *VoC           `json:"voc,omitempty"`
}

// Snapshot is the complete, immutable fact set handed to the rule engine and
// scorer once a call's join completes.
type Snapshot struct {
	CallID string
	// CorrelationID and TriggerEventID come from the fact that completed the join.
	CorrelationID  string
	TriggerEventID string
	Facts          map[Kind]Envelope
}

// NewSnapshot copies facts so later replacements in the join state cannot
// leak into an audit already under way.
func NewSnapshot(callID, correlationID, triggerEventID string, facts map[Kind]Envelope) *Snapshot {
	copied := make(map[Kind]Envelope, len(facts))
	for k, v := range facts {
		copied[k] = v
	}
	return &Snapshot{
		CallID:         callID,
		CorrelationID:  correlationID,
		TriggerEventID: triggerEventID,
		Facts:          copied,
	}
}

// Transcription returns the transcription payload, or nil.
func (s *Snapshot) Transcription() *Transcription {
	if s == nil {
		return nil
	}
	return s.Facts[KindTranscription].Transcription
}

// Sentiment returns the sentiment payload, or nil.
func (s *Snapshot) Sentiment() *Sentiment {
	if s == nil {
		return nil
	}
	return s.Facts[KindSentiment].Sentiment
}

// VoC returns the voice-of-customer payload, or nil.
func (s *Snapshot) VoC() *VoC {
	if s == nil {
		return nil
	}
	return s.Facts[KindVoC].VoC
}

// Segments returns the transcript segments. A transcript without segments is
// presented as one unlabelled segment spanning the whole text.
func (s *Snapshot) Segments() []Segment {
	tr := s.Transcription()
	if tr == nil {
		return nil
	}
	if len(tr.Segments) > 0 {
		return tr.Segments
	}
	if tr.FullText == "" {
		return nil
	}
	return []Segment{{Text: tr.FullText}}
}

// EscalationDetected is true when either the VoC or sentiment stage flagged
// an escalation.
func (s *Snapshot) EscalationDetected() bool {
	if v := s.VoC(); v != nil && v.EscalationDetected {
		return true
	}
	if st := s.Sentiment(); st != nil && st.EscalationDetected {
		return true
	}
	return false
}

// Missing returns the required kinds absent from received, in canonical order.
func Missing(received map[Kind]bool) []Kind {
	var missing []Kind
	for _, k := range RequiredKinds {
		if !received[k] {
			missing = append(missing, k)
		}
	}
	return missing
}
