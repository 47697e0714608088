package audit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"callaudit-server/pkg/alerting"
	"callaudit-server/pkg/circuitbreaker"
	"callaudit-server/pkg/correlation"
	"callaudit-server/pkg/errors"
	"callaudit-server/pkg/facts"
	"callaudit-server/pkg/metrics"
	"callaudit-server/pkg/rules"
	"callaudit-server/pkg/scoring"
	"callaudit-server/pkg/util"
	"callaudit-server/pkg/verdict"
)

// Config bounds retries and the time an audit may take once claimed.
type Config struct {
	RetryAttempts   int
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration
	Timeout         time.Duration
}

const finishTimeout = 10 * time.Second

// DefaultConfig returns 3 attempts, 200ms doubling up to 5s, 2m per audit.
func DefaultConfig() Config {
	return Config{
		RetryAttempts:   3,
		RetryBackoff:    200 * time.Millisecond,
		RetryMaxBackoff: 5 * time.Second,
		Timeout:         2 * time.Minute,
	}
}

// Dependencies are the collaborators of an Orchestrator. Breakers may be
// nil, in which case persistence and publishing run unguarded.
type Dependencies struct {
	Table      correlation.Table
	Rules      RuleSource
	Engine     *rules.Engine
	Scorer     *scoring.Scorer
	Thresholds verdict.Thresholds
	Store      ResultStore
	Publisher  Publisher
	Alerter    Alerter
	Breakers   *circuitbreaker.Manager
	Logger     *logrus.Logger
}

// Orchestrator owns the at-most-once audit of each call: it records facts,
// claims completed joins and carries every claimed call to a terminal state.
type Orchestrator struct {
	cfg Config
	Dependencies

	inflight sync.WaitGroup
	panics   *util.PanicHandler
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator validates deps and applies config defaults.
func NewOrchestrator(cfg Config, deps Dependencies) (*Orchestrator, error) {
	switch {
	case deps.Table == nil:
		return nil, errors.NewInvalidInput("orchestrator needs a correlation table")
	case deps.Rules == nil:
		return nil, errors.NewInvalidInput("orchestrator needs a rule source")
	case deps.Store == nil:
		return nil, errors.NewInvalidInput("orchestrator needs a result store")
	case deps.Publisher == nil:
		return nil, errors.NewInvalidInput("orchestrator needs a publisher")
	case deps.Alerter == nil:
		return nil, errors.NewInvalidInput("orchestrator needs an alerter")
	case deps.Logger == nil:
		return nil, errors.NewInvalidInput("orchestrator needs a logger")
	}
	if deps.Engine == nil {
		deps.Engine = rules.NewEngine(deps.Logger)
	}
	if deps.Scorer == nil {
		s, err := scoring.NewScorer(scoring.DefaultConfig())
		if err != nil {
			return nil, err
		}
		deps.Scorer = s
	}
	if deps.Thresholds == (verdict.Thresholds{}) {
		deps.Thresholds = verdict.DefaultThresholds()
	}

	def := DefaultConfig()
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.RetryMaxBackoff < cfg.RetryBackoff {
		cfg.RetryMaxBackoff = def.RetryMaxBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	return &Orchestrator{
		cfg:          cfg,
		Dependencies: deps,
		panics:       util.NewPanicHandler(deps.Logger),
		now:          time.Now,
		sleep:        sleepContext,
	}, nil
}

// HandleFact records one validated fact. When it completes the join the
// call is claimed and audited before HandleFact returns. An error means the
// fact was not recorded and the transport should redeliver it.
func (o *Orchestrator) HandleFact(ctx context.Context, env facts.Envelope) error {
	log := o.Logger.WithFields(logrus.Fields{
		"call_id":        env.CallID,
		"kind":           env.Kind,
		"event_id":       env.EventID,
		"correlation_id": env.CorrelationID,
	})

	outcome, err := o.Table.Record(ctx, env)
	if err != nil {
		metrics.RecordFact(string(env.Kind), "error")
		return errors.Wrap(err, "failed to record fact", map[string]interface{}{"call_id": env.CallID})
	}
	metrics.RecordFact(string(env.Kind), outcome.Kind.String())

	switch outcome.Kind {
	case correlation.AwaitingMore:
		log.WithField("state", outcome.State).Debug("Fact recorded, waiting for remaining facts")
		return nil
	case correlation.AlreadyProcessed:
		log.WithField("state", outcome.State).Info("Ignoring fact for call that is already processed")
		return nil
	}

	log.Info("All facts received, claiming call for audit")
	return o.claimAndProcess(ctx, env.CallID)
}

// HandleExpired raises the incomplete-audit alert for a call whose facts
// never all arrived. No audit result or CallAudited event is produced.
func (o *Orchestrator) HandleExpired(ctx context.Context, st correlation.EntryStatus) {
	o.Alerter.Fire(ctx, alerting.Alert{
		Name:        alerting.AlertIncompleteAudit,
		Severity:    alerting.SeverityWarning,
		CallID:      st.CallID,
		Summary:     fmt.Sprintf("Audit incomplete for call %s: missing %s", st.CallID, joinKinds(st.Missing)),
		Description: fmt.Sprintf("Received %s before the correlation timeout", joinKinds(st.Received)),
		Labels: map[string]string{
			"received": joinKinds(st.Received),
			"missing":  joinKinds(st.Missing),
		},
	})
}

// HandleStranded retries the claim of a READY call whose completing worker
// never claimed it.
func (o *Orchestrator) HandleStranded(ctx context.Context, callID string) {
	if err := o.claimAndProcess(ctx, callID); err != nil {
		o.Logger.WithError(err).WithField("call_id", callID).Error("Failed to claim stranded call")
		o.Alerter.Fire(ctx, alerting.Alert{
			Name:     alerting.AlertStrandedAudit,
			Severity: alerting.SeverityWarning,
			CallID:   callID,
			Summary:  fmt.Sprintf("Call %s is ready but could not be claimed: %v", callID, err),
		})
	}
}

// HandleAbandoned closes out a CLAIMED call whose audit outlived its deadline
// without finishing, typically because the claiming replica died. The call is
// finished as failed so its status stops reporting it in progress.
func (o *Orchestrator) HandleAbandoned(ctx context.Context, st correlation.EntryStatus) {
	claimedFor := o.now().Sub(st.UpdatedAt).Round(time.Second)
	reason := fmt.Sprintf("abandoned: audit claimed %s ago never finished", claimedFor)

	metrics.RecordAuditOutcome("abandoned", claimedFor)
	o.Logger.WithFields(logrus.Fields{
		"call_id":     st.CallID,
		"claimed_for": claimedFor.String(),
	}).Error("Abandoning call audit")

	o.finish(ctx, st.CallID, reason)
	o.Alerter.Fire(ctx, alerting.Alert{
		Name:        alerting.AlertAbandonedAudit,
		Severity:    alerting.SeverityCritical,
		CallID:      st.CallID,
		Summary:     fmt.Sprintf("Audit for call %s was claimed but never finished", st.CallID),
		Description: reason,
		Labels:      map[string]string{"claimed_for": claimedFor.String()},
	})
}

// Drain waits for in-flight audits to reach a terminal state.
func (o *Orchestrator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) claimAndProcess(ctx context.Context, callID string) error {
	snap, ok, err := o.Table.Claim(ctx, callID)
	if err != nil {
		return errors.Wrap(err, "failed to claim call", map[string]interface{}{"call_id": callID})
	}
	metrics.RecordClaim(ok)
	if !ok {
		o.Logger.WithField("call_id", callID).Debug("Call already claimed by another worker")
		return nil
	}

	o.inflight.Add(1)
	defer o.inflight.Done()

	// Once claimed the audit must finish even if the consumer is shutting down.
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.Timeout)
	defer cancel()
	o.process(correlation.WithCallID(auditCtx, callID), snap)
	return nil
}

func (o *Orchestrator) process(ctx context.Context, snap *facts.Snapshot) {
	start := o.now()
	log := o.Logger.WithFields(logrus.Fields{
		"call_id":        snap.CallID,
		"correlation_id": snap.CorrelationID,
	})
	stage := StageClaimed
	metrics.RecordAuditStage(string(stage))

	// A panicking rule or scorer must still leave the claimed call terminal.
	defer o.panics.RecoverWithCallback("audit", func(r interface{}) {
		o.fail(ctx, snap, stage, start, errors.New(fmt.Sprintf("panic: %v", r)))
	})

	var rs []rules.Rule
	err := o.retry(ctx, "load_rules", func(ctx context.Context) error {
		var err error
		rs, err = o.Rules.ListActiveRules(ctx)
		return err
	})
	if err != nil {
		o.fail(ctx, snap, stage, start, err)
		return
	}

	result, report := Evaluate(o.Engine, o.Scorer, o.Thresholds, rs, snap)
	for _, w := range report.Warnings {
		log.WithField("rule_id", w.RuleID).Warn(w.String())
	}
	result.AuditedAt = o.now().UTC()
	result.ProcessingTimeMs = result.AuditedAt.Sub(start).Milliseconds()

	stage = StageScored
	metrics.RecordAuditStage(string(stage))
	metrics.RecordScores(result.ScriptAdherence, result.CustomerService, result.ResolutionEffectiveness, result.Overall)
	for _, v := range result.Violations {
		metrics.RecordViolation(v.RuleID, string(v.Severity))
	}

	duplicate := false
	err = o.retry(ctx, "persist", func(ctx context.Context) error {
		return o.Breakers.Execute(ctx, circuitbreaker.NameDatabase, circuitbreaker.DatabaseConfig(), func(ctx context.Context) error {
			err := o.Store.SaveAudit(ctx, result)
			if errors.IsErrorType(err, errors.ErrAlreadyExists) {
				duplicate = true
				return nil
			}
			return err
		})
	})
	if err != nil {
		o.fail(ctx, snap, stage, start, err)
		return
	}
	if duplicate {
		// A result already exists, so this call was audited before its
		// tombstone was evicted. Publishing again would duplicate the outcome.
		log.Warn("Audit result already stored for call, skipping publish")
		o.finish(ctx, snap.CallID, "")
		metrics.RecordAuditOutcome("duplicate", o.now().Sub(start))
		return
	}
	stage = StagePersisted
	metrics.RecordAuditStage(string(stage))

	event := NewCallAuditedEvent(result)
	err = o.retry(ctx, "publish", func(ctx context.Context) error {
		return o.Breakers.Execute(ctx, circuitbreaker.NamePublisher, circuitbreaker.PublisherConfig(), func(ctx context.Context) error {
			return o.Publisher.PublishAudited(ctx, event)
		})
	})
	if err != nil {
		o.fail(ctx, snap, stage, start, err)
		return
	}
	stage = StagePublished
	metrics.RecordAuditStage(string(stage))

	o.finish(ctx, snap.CallID, "")
	metrics.RecordAuditOutcome(string(result.Status), o.now().Sub(start))

	log.WithFields(logrus.Fields{
		"overall":    result.Overall,
		"status":     result.Status,
		"violations": len(result.Violations),
		"flagged":    result.FlagsForReview,
		"duration":   o.now().Sub(start).String(),
	}).Info("Call audit completed")
}

// fail moves the call to its terminal Failed state and alerts an operator.
func (o *Orchestrator) fail(ctx context.Context, snap *facts.Snapshot, stage Stage, start time.Time, cause error) {
	reason := fmt.Sprintf("%s: %v", stage, cause)
	metrics.RecordAuditStage(string(StageFailed))
	metrics.RecordAuditOutcome("failed", o.now().Sub(start))

	o.Logger.WithError(cause).WithFields(logrus.Fields{
		"call_id": snap.CallID,
		"stage":   stage,
	}).Error("Call audit failed")

	o.finish(ctx, snap.CallID, reason)
	o.Alerter.Fire(ctx, alerting.Alert{
		Name:        alerting.AlertAuditFailed,
		Severity:    alerting.SeverityCritical,
		CallID:      snap.CallID,
		Summary:     fmt.Sprintf("Audit failed for call %s after %s", snap.CallID, stage),
		Description: reason,
		Labels:      map[string]string{"stage": string(stage)},
	})
}

func (o *Orchestrator) finish(ctx context.Context, callID, failure string) {
	// The audit deadline may already have passed.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	err := o.retry(ctx, "finish", func(ctx context.Context) error {
		return o.Table.Finish(ctx, callID, failure)
	})
	if err != nil {
		o.Logger.WithError(err).WithField("call_id", callID).Error("Failed to mark call finished in correlation table")
	}
}

// retry runs fn up to RetryAttempts times with exponential backoff.
// Validation errors are not retried.
func (o *Orchestrator) retry(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	backoff := o.cfg.RetryBackoff
	var err error
	for attempt := 1; attempt <= o.cfg.RetryAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if permanent(err) || attempt == o.cfg.RetryAttempts {
			break
		}

		metrics.RecordAuditRetry(operation)
		o.Logger.WithError(err).WithFields(logrus.Fields{
			"operation": operation,
			"attempt":   attempt,
			"backoff":   backoff.String(),
			"call_id":   correlation.CallIDFromContext(ctx),
		}).Warn("Audit operation failed, retrying")

		if serr := o.sleep(ctx, backoff); serr != nil {
			return errors.Wrap(err, "retry aborted: "+serr.Error())
		}
		backoff *= 2
		if backoff > o.cfg.RetryMaxBackoff {
			backoff = o.cfg.RetryMaxBackoff
		}
	}
	return err
}

func permanent(err error) bool {
	return errors.IsErrorType(err, errors.ErrInvalidInput) ||
		errors.IsErrorType(err, errors.ErrInvalidRule) ||
		errors.IsErrorType(err, errors.ErrMalformedFact)
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

func joinKinds(kinds []facts.Kind) string {
	if len(kinds) == 0 {
		return "none"
	}
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ", ")
}
