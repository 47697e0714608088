package verdict

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"callaudit-server/pkg/rules"
)

func violations(sevs ...rules.Severity) []rules.Violation {
	out := make([]rules.Violation, 0, len(sevs))
	for i, s := range sevs {
		out = append(out, rules.Violation{RuleID: string(rune('a' + i)), Severity: s})
	}
	return out
}

func TestResolve(t *testing.T) {
	th := DefaultThresholds()

	tests := []struct {
		name       string
		overall    int
		violations []rules.Violation
		want       Status
	}{
		{"clean pass", 97, nil, StatusPassed},
		{"pass boundary", 70, nil, StatusPassed},
		{"review band upper", 69, nil, StatusReviewRequired},
		{"review band lower", 50, nil, StatusReviewRequired},
		{"low score", 49, nil, StatusFailed},
		{"critical beats high score", 85, violations(rules.SeverityCritical), StatusFailed},
		{"high needs review", 95, violations(rules.SeverityHigh), StatusReviewRequired},
		{"critical and high", 95, violations(rules.SeverityHigh, rules.SeverityCritical), StatusFailed},
		{"low and medium pass", 90, violations(rules.SeverityLow, rules.SeverityMedium), StatusPassed},
		{"high with low score fails", 40, violations(rules.SeverityHigh), StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, th.Resolve(tt.overall, tt.violations))
		})
	}
}

func TestReviewFlags(t *testing.T) {
	th := DefaultThresholds()

	r := th.ReviewFlags(90, nil, false)
	assert.False(t, r.Flagged)
	assert.Empty(t, r.Reason)

	r = th.ReviewFlags(60, nil, false)
	assert.True(t, r.Flagged)
	assert.Empty(t, r.Reason)

	r = th.ReviewFlags(40, violations(rules.SeverityCritical, rules.SeverityCritical, rules.SeverityHigh), true)
	assert.True(t, r.Flagged)
	assert.Equal(t, "Low overall score: 40; 2 critical violation(s); 1 high severity violation(s); Customer escalation detected", r.Reason)

	r = th.ReviewFlags(95, nil, true)
	assert.True(t, r.Flagged)
	assert.Equal(t, "Customer escalation detected", r.Reason)
}

func TestThresholdsValidate(t *testing.T) {
	assert.NoError(t, DefaultThresholds().Validate())
	assert.NoError(t, Thresholds{Pass: 50, Fail: 50}.Validate())
	assert.Error(t, Thresholds{Pass: 40, Fail: 50}.Validate())
	assert.Error(t, Thresholds{Pass: 101, Fail: 50}.Validate())
	assert.Error(t, Thresholds{Pass: 70, Fail: -1}.Validate())
}
