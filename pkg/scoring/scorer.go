// Package scoring computes the quality sub-scores and the weighted overall
// score for an audited call.
package scoring

import (
	"fmt"
	"math"
	"strings"
	"unicode"

	"callaudit-server/pkg/facts"
)

// Weights of the three sub-scores in the overall score. They must sum to 1.
type Weights struct {
	ScriptAdherence         float64 `json:"scriptAdherence"`
	CustomerService         float64 `json:"customerService"`
	ResolutionEffectiveness float64 `json:"resolutionEffectiveness"`
}

// DefaultWeights returns 0.30/0.40/0.30.
func DefaultWeights() Weights {
	return Weights{ScriptAdherence: 0.30, CustomerService: 0.40, ResolutionEffectiveness: 0.30}
}

// Validate checks the weights are non-negative and sum to 1.
func (w Weights) Validate() error {
	if w.ScriptAdherence < 0 || w.CustomerService < 0 || w.ResolutionEffectiveness < 0 {
		return fmt.Errorf("scoring weights must not be negative")
	}
	sum := w.ScriptAdherence + w.CustomerService + w.ResolutionEffectiveness
	if math.Abs(sum-1) > 0.001 {
		return fmt.Errorf("scoring weights must sum to 1, got %.3f", sum)
	}
	return nil
}

// ChecklistItem is one required script step; any of its phrases satisfies it.
type ChecklistItem struct {
	Name    string
	Phrases []string
}

// Config tunes the scorer.
type Config struct {
	Weights          Weights
	Checklist        []ChecklistItem
	EmpathyKeywords  []string
	EmpathyThreshold int
	ChurnThreshold   float64
}

// DefaultConfig returns the standard scoring model.
func DefaultConfig() Config {
	return Config{
		Weights: DefaultWeights(),
		Checklist: []ChecklistItem{
			{Name: "greeting", Phrases: []string{"thank you for calling", "hello", "hi", "welcome", "good morning", "good afternoon", "good evening"}},
			{Name: "disclosure", Phrases: []string{"call may be recorded", "call is being recorded", "recorded for quality", "monitored or recorded", "recorded line"}},
			{Name: "closing", Phrases: []string{"is there anything else", "anything else i can help", "have a great day", "have a nice day", "thank you for your time", "goodbye"}},
		},
		EmpathyKeywords:  []string{"understand", "sorry", "apologize", "appreciate", "help"},
		EmpathyThreshold: 3,
		ChurnThreshold:   0.7,
	}
}

// Breakdown holds the sub-scores and the overall score, each in [0,100].
type Breakdown struct {
	ScriptAdherence         int `json:"scriptAdherence"`
	CustomerService         int `json:"customerService"`
	ResolutionEffectiveness int `json:"resolutionEffectiveness"`
	Overall                 int `json:"overall"`
}

// Scorer is stateless and safe for concurrent use.
type Scorer struct {
	cfg Config
}

// NewScorer validates cfg and returns a scorer. Zero-valued lists and
// thresholds fall back to the defaults.
func NewScorer(cfg Config) (*Scorer, error) {
	def := DefaultConfig()
	if cfg.Weights == (Weights{}) {
		cfg.Weights = def.Weights
	}
	if err := cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Checklist) == 0 {
		cfg.Checklist = def.Checklist
	}
	if len(cfg.EmpathyKeywords) == 0 {
		cfg.EmpathyKeywords = def.EmpathyKeywords
	}
	if cfg.EmpathyThreshold <= 0 {
		cfg.EmpathyThreshold = def.EmpathyThreshold
	}
	if cfg.ChurnThreshold <= 0 {
		cfg.ChurnThreshold = def.ChurnThreshold
	}
	return &Scorer{cfg: cfg}, nil
}

// Score computes the breakdown for a complete fact snapshot.
func (s *Scorer) Score(snap *facts.Snapshot) Breakdown {
	b := Breakdown{
		ScriptAdherence:         s.scriptAdherence(snap),
		CustomerService:         s.customerService(snap),
		ResolutionEffectiveness: s.resolutionEffectiveness(snap),
	}
	w := s.cfg.Weights
	overall := w.ScriptAdherence*float64(b.ScriptAdherence) +
		w.CustomerService*float64(b.CustomerService) +
		w.ResolutionEffectiveness*float64(b.ResolutionEffectiveness)
	b.Overall = clamp(int(math.Round(overall)))
	return b
}

func (s *Scorer) scriptAdherence(snap *facts.Snapshot) int {
	if len(s.cfg.Checklist) == 0 {
		return 0
	}
	text := normalize(snap.Transcription().Text())
	found := 0
	for _, item := range s.cfg.Checklist {
		for _, phrase := range item.Phrases {
			if containsPhrase(text, phrase) {
				found++
				break
			}
		}
	}
	return clamp(int(math.Round(float64(found) * 100 / float64(len(s.cfg.Checklist)))))
}

func (s *Scorer) customerService(snap *facts.Snapshot) int {
	score := 70
	if st := snap.Sentiment(); st != nil {
		switch {
		case st.Is(facts.SentimentPositive):
			score += 20
		case st.Is(facts.SentimentNegative):
			score -= 20
		}
	}
	if snap.EscalationDetected() {
		score -= 15
	}
	if s.empathyCount(snap) >= s.cfg.EmpathyThreshold {
		score += 10
	}
	return clamp(score)
}

// empathyCount counts distinct empathy keywords said by the agent. Only a
// transcript with no speaker labels at all is searched whole.
func (s *Scorer) empathyCount(snap *facts.Snapshot) int {
	var parts []string
	labelled := false
	for _, seg := range snap.Segments() {
		if strings.TrimSpace(seg.Speaker) != "" {
			labelled = true
		}
		if seg.IsSpeaker(facts.SpeakerAgent) {
			parts = append(parts, seg.Text)
		}
	}
	if len(parts) == 0 {
		if labelled {
			return 0
		}
		parts = []string{snap.Transcription().Text()}
	}
	text := normalize(strings.Join(parts, " "))

	n := 0
	for _, kw := range s.cfg.EmpathyKeywords {
		if containsPhrase(text, kw) {
			n++
		}
	}
	return n
}

func (s *Scorer) resolutionEffectiveness(snap *facts.Snapshot) int {
	score := 60
	voc := snap.VoC()
	if voc == nil {
		return score
	}
	switch strings.ToLower(strings.TrimSpace(voc.CustomerSatisfaction)) {
	case facts.SatisfactionHigh:
		score += 30
	case facts.SatisfactionMedium:
		score += 10
	case facts.SatisfactionLow:
		score -= 20
	}
	if voc.IsComplaint() && len(voc.ActionableItems) > 0 {
		score += 10
	}
	if voc.PredictedChurnRisk > s.cfg.ChurnThreshold {
		score -= 15
	}
	return clamp(score)
}

// normalize lowercases text and collapses punctuation to single spaces, with
// a leading and trailing space so phrases match on word boundaries.
func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text) + 2)
	b.WriteByte(' ')
	space := true
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	if !space {
		b.WriteByte(' ')
	}
	return b.String()
}

func containsPhrase(normalized, phrase string) bool {
	p := strings.TrimSpace(normalize(phrase))
	if p == "" {
		return false
	}
	return strings.Contains(normalized, " "+p+" ")
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
