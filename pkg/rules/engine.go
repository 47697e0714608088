package rules

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"callaudit-server/pkg/facts"
	"callaudit-server/pkg/metrics"
)

// Warning describes a rule the engine had to skip.
type Warning struct {
	RuleID string `json:"ruleId"`
	Reason string `json:"reason"`
}

func (w Warning) String() string {
	return fmt.Sprintf("rule %s skipped: %s", w.RuleID, w.Reason)
}

// Report is the outcome of evaluating a rule set against one call.
// Violations follow the order of the rules that produced them.
type Report struct {
	Violations []Violation
	Warnings   []Warning
	Evaluated  int
}

// Engine evaluates rule sets. It holds no state between calls; the logger
// is only used to surface skipped rules.
type Engine struct {
	logger *logrus.Logger
}

// NewEngine creates an engine. A nil logger discards warnings.
func NewEngine(logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	return &Engine{logger: logger}
}

// Evaluate runs every active rule against snap. A rule whose definition
// cannot be parsed is skipped with a warning and never aborts the run.
func (e *Engine) Evaluate(rs []Rule, snap *facts.Snapshot) Report {
	report := Report{Violations: []Violation{}}

	for _, rule := range rs {
		if !rule.Active {
			continue
		}

		check, err := ParseDefinition(rule.ID, rule.Definition)
		if err != nil {
			report.Warnings = append(report.Warnings, Warning{RuleID: rule.ID, Reason: err.Error()})
			metrics.RecordSkippedRule(rule.ID)
			e.logger.WithError(err).WithFields(logrus.Fields{
				"rule_id": rule.ID,
				"call_id": snap.CallID,
			}).Warn("Skipping malformed compliance rule")
			continue
		}

		report.Evaluated++
		if v := check.Evaluate(rule, snap); v != nil {
			report.Violations = append(report.Violations, *v)
		}
	}

	return report
}
