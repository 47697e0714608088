package facts

import (
	"testing"

	"callaudit-server/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const transcribedEvent = `{
	"eventId": "e-1",
	"eventType": "CallTranscribed",
	"aggregateId": "call-1",
	"aggregateType": "Call",
	"timestamp": "2024-05-01T10:00:00Z",
	"correlationId": "corr-1",
	"payload": {
		"callId": "call-1",
		"fullText": "hello thank you for calling",
		"segments": [
			{"speaker": "agent", "startTime": 0, "endTime": 2.5, "text": "hello thank you for calling"}
		]
	}
}`

func TestDecodeTranscription(t *testing.T) {
	env, err := Decode([]byte(transcribedEvent), KindTranscription)
	require.NoError(t, err)

	assert.Equal(t, "call-1", env.CallID)
	assert.Equal(t, KindTranscription, env.Kind)
	assert.Equal(t, "corr-1", env.CorrelationID)
	assert.Equal(t, 2024, env.ProducedAt.Year())
	require.NotNil(t, env.Transcription)
	assert.Len(t, env.Transcription.Segments, 1)
	assert.Nil(t, env.Sentiment)
}

func TestDecodeUsesAggregateIDWhenPayloadOmitsCallID(t *testing.T) {
	raw := `{"eventId":"e-2","aggregateId":"call-9","payload":{"overallSentiment":"Negative","sentimentScore":-0.4}}`
	env, err := Decode([]byte(raw), KindSentiment)
	require.NoError(t, err)

	assert.Equal(t, "call-9", env.CallID)
	assert.Equal(t, "call-9", env.Sentiment.CallID)
	assert.True(t, env.Sentiment.Is(SentimentNegative))
	assert.False(t, env.ProducedAt.IsZero())
}

func TestDecodeRejectsMalformedFacts(t *testing.T) {
	cases := map[string]struct {
		raw  string
		hint Kind
	}{
		"invalid json":       {`{"eventId":`, KindVoC},
		"missing payload":    {`{"eventId":"e","aggregateId":"c"}`, KindVoC},
		"missing call id":    {`{"payload":{"overallSentiment":"positive"}}`, KindSentiment},
		"call id mismatch":   {`{"aggregateId":"a","payload":{"callId":"b","overallSentiment":"positive"}}`, KindSentiment},
		"unknown sentiment":  {`{"aggregateId":"a","payload":{"overallSentiment":"ecstatic"}}`, KindSentiment},
		"churn out of range": {`{"aggregateId":"a","payload":{"predictedChurnRisk":1.5}}`, KindVoC},
		"bad satisfaction":   {`{"aggregateId":"a","payload":{"customerSatisfaction":"meh"}}`, KindVoC},
		"empty transcript":   {`{"aggregateId":"a","payload":{"fullText":"  "}}`, KindTranscription},
		"bad offsets":        {`{"aggregateId":"a","payload":{"segments":[{"speaker":"agent","startTime":5,"endTime":1,"text":"x"}]}}`, KindTranscription},
		"wrong stream":       {`{"eventType":"VocAnalyzed","aggregateId":"a","payload":{}}`, KindSentiment},
		"unknown type":       {`{"eventType":"CallRecorded","aggregateId":"a","payload":{}}`, ""},
		"no kind":            {`{"aggregateId":"a","payload":{}}`, ""},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(tc.raw), tc.hint)
			require.Error(t, err)
			assert.True(t, errors.IsErrorType(err, errors.ErrMalformedFact), "got %v", err)
		})
	}
}

func TestDecodeEventTypeWithoutHint(t *testing.T) {
	raw := `{"eventType":"VocAnalyzed","aggregateId":"c-3","payload":{"customerSatisfaction":"HIGH","predictedChurnRisk":0.2,"primaryIntent":"Complaint","actionableItems":[{"action":"refund"}]}}`
	env, err := Decode([]byte(raw), "")
	require.NoError(t, err)

	assert.Equal(t, KindVoC, env.Kind)
	assert.True(t, env.VoC.IsComplaint())
}

func TestSnapshotAccessors(t *testing.T) {
	facts := map[Kind]Envelope{
		KindTranscription: {Kind: KindTranscription, Transcription: &Transcription{FullText: "hi there"}},
		KindSentiment:     {Kind: KindSentiment, Sentiment: &Sentiment{OverallSentiment: "neutral", EscalationDetected: true}},
		KindVoC:           {Kind: KindVoC, VoC: &VoC{}},
	}
	snap := NewSnapshot("c", "corr", "e-3", facts)
	delete(facts, KindVoC)

	require.NotNil(t, snap.VoC(), "snapshot must not share the caller's map")
	assert.Equal(t, []Segment{{Text: "hi there"}}, snap.Segments())
	assert.True(t, snap.EscalationDetected())
	assert.Equal(t, "hi there", snap.Transcription().Text())
}

func TestMissing(t *testing.T) {
	assert.Equal(t, []Kind{KindSentiment, KindVoC}, Missing(map[Kind]bool{KindTranscription: true}))
	assert.Empty(t, Missing(map[Kind]bool{KindTranscription: true, KindSentiment: true, KindVoC: true}))
}
