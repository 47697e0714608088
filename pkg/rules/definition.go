package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"callaudit-server/pkg/errors"
	"callaudit-server/pkg/facts"
)

// Definition type tags.
const (
	TypeKeywordCheck      = "keyword_check"
	TypeProhibitedWords   = "prohibited_words"
	TypeSentimentResponse = "sentiment_response"
)

// Check is the evaluation capability shared by every rule kind. It returns
// nil when the call complies.
type Check interface {
	Type() string
	Evaluate(rule Rule, snap *facts.Snapshot) *Violation
}

// TimeWindow restricts a check to part of the call, in seconds. A negative
// Start counts back from the end of the call. End <= 0 leaves the window open.
type TimeWindow struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

func (w *TimeWindow) describe() string {
	if w == nil {
		return ""
	}
	switch {
	case w.Start < 0:
		return fmt.Sprintf(" within the last %gs of the call", -w.Start)
	case w.End > 0:
		return fmt.Sprintf(" between %gs and %gs", w.Start, w.End)
	default:
		return fmt.Sprintf(" after %gs", w.Start)
	}
}

// KeywordCheck passes when any keyword appears in the selected segments.
type KeywordCheck struct {
	Keywords   []string    `json:"keywords"`
	Speaker    string      `json:"speaker,omitempty"`
	TimeWindow *TimeWindow `json:"time_window,omitempty"`
}

// ProhibitedWords fails when any listed word appears.
type ProhibitedWords struct {
	Words   []string `json:"words"`
	Speaker string   `json:"speaker,omitempty"`
}

// SentimentResponse requires the agent to use one of RequiredKeywords when
// the call's overall sentiment is TriggerSentiment.
type SentimentResponse struct {
	TriggerSentiment string   `json:"trigger_sentiment"`
	RequiredKeywords []string `json:"required_keywords"`
}

type envelope struct {
	Type string `json:"type"`
}

// ParseDefinition decodes the tagged rule definition.
func ParseDefinition(ruleID string, raw json.RawMessage) (Check, error) {
	if len(raw) == 0 {
		return nil, errors.NewInvalidRule(ruleID, "empty definition")
	}
	var tag envelope
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, errors.NewInvalidRule(ruleID, "definition is not a JSON object: "+err.Error())
	}

	switch strings.ToLower(strings.TrimSpace(tag.Type)) {
	case TypeKeywordCheck:
		var c KeywordCheck
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, errors.NewInvalidRule(ruleID, err.Error())
		}
		c.Keywords = normalizeTerms(c.Keywords)
		if len(c.Keywords) == 0 {
			return nil, errors.NewInvalidRule(ruleID, "keyword_check needs at least one keyword")
		}
		if w := c.TimeWindow; w != nil && w.Start >= 0 && w.End > 0 && w.End <= w.Start {
			return nil, errors.NewInvalidRule(ruleID, "time_window end must be after start")
		}
		return &c, nil

	case TypeProhibitedWords:
		var c ProhibitedWords
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, errors.NewInvalidRule(ruleID, err.Error())
		}
		c.Words = normalizeTerms(c.Words)
		if len(c.Words) == 0 {
			return nil, errors.NewInvalidRule(ruleID, "prohibited_words needs at least one word")
		}
		return &c, nil

	case TypeSentimentResponse:
		var c SentimentResponse
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, errors.NewInvalidRule(ruleID, err.Error())
		}
		c.TriggerSentiment = strings.ToLower(strings.TrimSpace(c.TriggerSentiment))
		c.RequiredKeywords = normalizeTerms(c.RequiredKeywords)
		if c.TriggerSentiment == "" || len(c.RequiredKeywords) == 0 {
			return nil, errors.NewInvalidRule(ruleID, "sentiment_response needs trigger_sentiment and required_keywords")
		}
		return &c, nil

	case "":
		return nil, errors.NewInvalidRule(ruleID, "definition has no type")
	default:
		return nil, errors.NewInvalidRule(ruleID, fmt.Sprintf("unknown rule type %q", tag.Type))
	}
}

// normalizeTerms lowercases, trims and drops empty terms, keeping order.
func normalizeTerms(terms []string) []string {
	out := terms[:0:0]
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func containsAny(text string, terms []string) bool {
	lower := strings.ToLower(text)
	for _, t := range terms {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

func callEnd(segments []facts.Segment) float64 {
	end := 0.0
	for _, s := range segments {
		end = math.Max(end, s.EndTime)
	}
	return end
}

func inWindow(seg facts.Segment, w *TimeWindow, end float64) bool {
	if w == nil {
		return true
	}
	if w.Start < 0 {
		return seg.EndTime >= end+w.Start
	}
	if seg.StartTime < w.Start {
		return false
	}
	if w.End > 0 {
		return seg.EndTime <= w.End
	}
	return true
}

func speakerLabel(speaker string) string {
	if speaker == "" {
		return "any speaker's"
	}
	return strings.ToLower(speaker)
}

func (c *KeywordCheck) Type() string { return TypeKeywordCheck }

// Evaluate reports a violation when none of the keywords occur in the
// speaker's segments inside the window.
func (c *KeywordCheck) Evaluate(rule Rule, snap *facts.Snapshot) *Violation {
	segments := snap.Segments()
	end := callEnd(segments)
	for _, seg := range segments {
		if seg.IsSpeaker(c.Speaker) && inWindow(seg, c.TimeWindow, end) && containsAny(seg.Text, c.Keywords) {
			return nil
		}
	}
	return &Violation{
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		Severity:    rule.Severity,
		Description: "Required keyword not found: " + strings.Join(c.Keywords, ", "),
		Evidence:    fmt.Sprintf("No matching keywords in %s segments%s", speakerLabel(c.Speaker), c.TimeWindow.describe()),
	}
}

func (c *ProhibitedWords) Type() string { return TypeProhibitedWords }

// Evaluate collects every offending segment into a single violation.
func (c *ProhibitedWords) Evaluate(rule Rule, snap *facts.Snapshot) *Violation {
	var (
		hits     []string
		found    []string
		seen     = make(map[string]bool)
		firstRef = -1
		firstTS  float64
	)

	for i, seg := range snap.Segments() {
		if !seg.IsSpeaker(c.Speaker) {
			continue
		}
		lower := strings.ToLower(seg.Text)
		var inSegment []string
		for _, w := range c.Words {
			if strings.Contains(lower, w) {
				inSegment = append(inSegment, w)
				if !seen[w] {
					seen[w] = true
					found = append(found, w)
				}
			}
		}
		if len(inSegment) == 0 {
			continue
		}
		if firstRef < 0 {
			firstRef, firstTS = i, seg.StartTime
		}
		hits = append(hits, fmt.Sprintf("[segment %d @ %.1fs, %s] %s", i, seg.StartTime, strings.Join(inSegment, ", "), seg.Text))
	}

	if len(hits) == 0 {
		return nil
	}
	ref, ts := firstRef, firstTS
	return &Violation{
		RuleID:          rule.ID,
		RuleName:        rule.Name,
		Severity:        rule.Severity,
		Description:     "Prohibited word detected: " + strings.Join(found, ", "),
		SegmentRef:      &ref,
		TimestampInCall: &ts,
		Evidence:        strings.Join(hits, "; "),
	}
}

func (c *SentimentResponse) Type() string { return TypeSentimentResponse }

// Evaluate only fires when the overall sentiment matches the trigger; the
// agent must then have used one of the required keywords somewhere.
func (c *SentimentResponse) Evaluate(rule Rule, snap *facts.Snapshot) *Violation {
	if !snap.Sentiment().Is(c.TriggerSentiment) {
		return nil
	}
	for _, seg := range snap.Segments() {
		if seg.IsSpeaker(facts.SpeakerAgent) && containsAny(seg.Text, c.RequiredKeywords) {
			return nil
		}
	}

	v := &Violation{
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		Severity:    rule.Severity,
		Description: fmt.Sprintf("Agent did not respond appropriately to %s customer sentiment", c.TriggerSentiment),
		Evidence:    fmt.Sprintf("Overall sentiment %s; no agent segment contains: %s", c.TriggerSentiment, strings.Join(c.RequiredKeywords, ", ")),
	}
	// Point at the first segment carrying the trigger sentiment when the
	// sentiment stage provided per-segment results.
	for _, ss := range snap.Sentiment().SegmentSentiments {
		if strings.EqualFold(ss.Sentiment, c.TriggerSentiment) {
			ts := ss.StartTime
			v.TimestampInCall = &ts
			break
		}
	}
	return v
}
