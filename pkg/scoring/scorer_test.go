package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callaudit-server/pkg/facts"
)

type callFacts struct {
	segments     []facts.Segment
	fullText     string
	sentiment    string
	escalation   bool
	satisfaction string
	intent       string
	items        int
	churn        float64
	vocEscalates bool
}

func (c callFacts) snapshot() *facts.Snapshot {
	items := make([]map[string]interface{}, c.items)
	for i := range items {
		items[i] = map[string]interface{}{"action": "follow up"}
	}
	return facts.NewSnapshot("call-1", "", "", map[facts.Kind]facts.Envelope{
		facts.KindTranscription: {Transcription: &facts.Transcription{FullText: c.fullText, Segments: c.segments}},
		facts.KindSentiment:     {Sentiment: &facts.Sentiment{OverallSentiment: c.sentiment, EscalationDetected: c.escalation}},
		facts.KindVoC: {VoC: &facts.VoC{
			CustomerSatisfaction: c.satisfaction,
			PrimaryIntent:        c.intent,
			ActionableItems:      items,
			PredictedChurnRisk:   c.churn,
			EscalationDetected:   c.vocEscalates,
		}},
	})
}

func agent(text string) facts.Segment    { return facts.Segment{Speaker: "agent", Text: text} }
func customer(text string) facts.Segment { return facts.Segment{Speaker: "customer", Text: text} }

func newScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := NewScorer(DefaultConfig())
	require.NoError(t, err)
	return s
}

func TestScoreExampleCall(t *testing.T) {
	c := callFacts{
		segments: []facts.Segment{
			agent("Thank you for calling Acme, this call is being recorded for quality."),
			customer("My order never arrived."),
			agent("I understand, and I'm sorry. Let me help you with that."),
			agent("Is there anything else? Have a great day."),
		},
		sentiment:    "positive",
		satisfaction: "high",
	}

	b := newScorer(t).Score(c.snapshot())

	assert.Equal(t, 100, b.ScriptAdherence)
	assert.Equal(t, 100, b.CustomerService)
	assert.Equal(t, 90, b.ResolutionEffectiveness)
	assert.Equal(t, 97, b.Overall)
}

func TestScriptAdherencePartial(t *testing.T) {
	c := callFacts{fullText: "Hello there. Goodbye."}
	assert.Equal(t, 67, newScorer(t).Score(c.snapshot()).ScriptAdherence)

	c = callFacts{fullText: "This is nothing like a script."}
	assert.Equal(t, 0, newScorer(t).Score(c.snapshot()).ScriptAdherence, "hi inside this must not count")
}

func TestCustomerService(t *testing.T) {
	tests := []struct {
		name string
		c    callFacts
		want int
	}{
		{"neutral baseline", callFacts{sentiment: "neutral"}, 70},
		{"negative", callFacts{sentiment: "NEGATIVE"}, 50},
		{"negative with voc escalation", callFacts{sentiment: "negative", vocEscalates: true}, 35},
		{"sentiment escalation", callFacts{sentiment: "neutral", escalation: true}, 55},
		{"empathy from agent", callFacts{sentiment: "neutral", segments: []facts.Segment{agent("I understand, sorry, happy to help")}}, 80},
		{"empathy from customer ignored", callFacts{sentiment: "neutral", segments: []facts.Segment{agent("ok"), customer("I understand, sorry, help")}}, 70},
		{"labelled customer-only empathy ignored", callFacts{sentiment: "neutral", segments: []facts.Segment{customer("I understand you're sorry, but I need help")}}, 70},
		{"two keywords not enough", callFacts{sentiment: "neutral", segments: []facts.Segment{agent("sorry sorry sorry, I understand")}}, 70},
		{"unlabelled segments", callFacts{sentiment: "neutral", segments: []facts.Segment{{Text: "I understand, sorry, let me help"}}}, 80},
		{"unlabelled transcript", callFacts{sentiment: "positive", fullText: "I appreciate it, sorry, let me help"}, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, newScorer(t).Score(tt.c.snapshot()).CustomerService)
		})
	}
}

func TestResolutionEffectiveness(t *testing.T) {
	tests := []struct {
		name string
		c    callFacts
		want int
	}{
		{"no satisfaction", callFacts{}, 60},
		{"medium", callFacts{satisfaction: "medium"}, 70},
		{"low", callFacts{satisfaction: "low"}, 40},
		{"complaint with action", callFacts{satisfaction: "low", intent: "complaint", items: 1}, 50},
		{"complaint without action", callFacts{intent: "complaint"}, 60},
		{"churn risk", callFacts{satisfaction: "low", churn: 0.71}, 25},
		{"churn at threshold", callFacts{churn: 0.7}, 60},
		{"clamped", callFacts{satisfaction: "high", intent: "complaint", items: 2}, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, newScorer(t).Score(tt.c.snapshot()).ResolutionEffectiveness)
		})
	}
}

func TestScoreIgnoresRepeatedFacts(t *testing.T) {
	c := callFacts{sentiment: "positive", satisfaction: "high", fullText: "hello"}
	snap := c.snapshot()
	first := newScorer(t).Score(snap)

	env := snap.Facts[facts.KindSentiment]
	snap.Facts[facts.KindSentiment] = env
	assert.Equal(t, first, newScorer(t).Score(snap))
}

func TestWeightsValidate(t *testing.T) {
	assert.NoError(t, DefaultWeights().Validate())
	assert.Error(t, Weights{0.5, 0.5, 0.5}.Validate())
	assert.Error(t, Weights{-0.1, 0.6, 0.5}.Validate())

	_, err := NewScorer(Config{Weights: Weights{1, 1, 1}})
	assert.Error(t, err)
}

func TestCustomWeights(t *testing.T) {
	s, err := NewScorer(Config{Weights: Weights{ScriptAdherence: 1}})
	require.NoError(t, err)

	b := s.Score(callFacts{fullText: "hello, goodbye", sentiment: "positive"}.snapshot())
	assert.Equal(t, b.ScriptAdherence, b.Overall)
}
