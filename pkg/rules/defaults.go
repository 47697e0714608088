package rules

import "encoding/json"

// DefaultRules is the rule set seeded into an empty store.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "greeting-required",
			Name:        "Greeting Required",
			Description: "Agent must greet the customer at the start of the call",
			Category:    "script",
			Severity:    SeverityMedium,
			Active:      true,
			Definition: json.RawMessage(`{"type":"keyword_check","keywords":["thank you for calling","hello","good morning","good afternoon"],` +
				`"speaker":"agent","time_window":{"start":0,"end":30}}`),
		},
		{
			ID:          "recording-disclosure",
			Name:        "Recording Disclosure",
			Description: "Agent must disclose that the call is recorded",
			Category:    "regulatory",
			Severity:    SeverityCritical,
			Active:      true,
			Definition:  json.RawMessage(`{"type":"keyword_check","keywords":["call may be recorded","call is being recorded","recorded for quality"],"speaker":"agent"}`),
		},
		{
			ID:          "no-profanity",
			Name:        "No Profanity",
			Description: "Agent must not use profane or abusive language",
			Category:    "conduct",
			Severity:    SeverityHigh,
			Active:      true,
			Definition:  json.RawMessage(`{"type":"prohibited_words","words":["damn","stupid","idiot","shut up"],"speaker":"agent"}`),
		},
		{
			ID:          "empathy-on-negative",
			Name:        "Empathy On Negative Sentiment",
			Description: "Agent must acknowledge a frustrated customer",
			Category:    "service",
			Severity:    SeverityMedium,
			Active:      true,
			Definition: json.RawMessage(`{"type":"sentiment_response","trigger_sentiment":"negative",` +
				`"required_keywords":["sorry","apologize","understand","frustrating"]}`),
		},
		{
			ID:          "closing-required",
			Name:        "Proper Closing",
			Description: "Agent must close the call politely",
			Category:    "script",
			Severity:    SeverityLow,
			Active:      true,
			Definition: json.RawMessage(`{"type":"keyword_check","keywords":["anything else","have a great day","thank you for your time"],` +
				`"speaker":"agent","time_window":{"start":-60}}`),
		},
	}
}
