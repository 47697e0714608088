package correlation

import (
	"context"
	"sync"
	"time"

	"callaudit-server/pkg/metrics"

	"github.com/sirupsen/logrus"
)

// ExpiredHandler is told about every entry a sweep moved to EXPIRED.
type ExpiredHandler func(ctx context.Context, status EntryStatus)

// StrandedHandler is told about READY entries nobody claimed.
type StrandedHandler func(ctx context.Context, callID string)

// AbandonedHandler is told about CLAIMED entries whose audit never finished.
type AbandonedHandler func(ctx context.Context, status EntryStatus)

// Sweeper periodically runs Table.Sweep so calls whose upstream stages never
// complete are expired and their facts released.
type Sweeper struct {
	table       Table
	logger      *logrus.Logger
	interval    time.Duration
	onExpired   ExpiredHandler
	onStranded  StrandedHandler
	onAbandoned AbandonedHandler
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper. Handlers may be nil.
func NewSweeper(table Table, interval time.Duration, logger *logrus.Logger, onExpired ExpiredHandler, onStranded StrandedHandler, onAbandoned AbandonedHandler) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		table:       table,
		logger:      logger,
		interval:    interval,
		onExpired:   onExpired,
		onStranded:  onStranded,
		onAbandoned: onAbandoned,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start begins the sweep loop
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.loop()
	s.logger.WithField("interval", s.interval).Info("Correlation sweeper started")
}

// Stop cancels the loop and waits up to timeout for it to exit
func (s *Sweeper) Stop(timeout time.Duration) {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Correlation sweeper stopped")
	case <-time.After(timeout):
		s.logger.Warn("Correlation sweeper stop timed out")
	}
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(s.ctx)
		}
	}
}

// SweepOnce runs a single pass and dispatches its results.
func (s *Sweeper) SweepOnce(ctx context.Context) SweepResult {
	start := s.now()
	result, err := s.table.Sweep(ctx, start)
	if err != nil {
		s.logger.WithError(err).Warn("Correlation sweep failed")
	}

	for _, st := range result.Expired {
		metrics.RecordCorrelationExpired()
		s.logger.WithFields(logrus.Fields{
			"call_id":  st.CallID,
			"received": st.Received,
			"missing":  st.Missing,
			"age":      start.Sub(st.CreatedAt).String(),
		}).Warn("Correlation entry expired before all facts arrived")
		if s.onExpired != nil {
			s.onExpired(ctx, st)
		}
	}

	for _, callID := range result.Stranded {
		s.logger.WithField("call_id", callID).Warn("Found READY call that was never claimed")
		if s.onStranded != nil {
			s.onStranded(ctx, callID)
		}
	}

	for _, st := range result.Abandoned {
		s.logger.WithFields(logrus.Fields{
			"call_id":     st.CallID,
			"claimed_for": start.Sub(st.UpdatedAt).String(),
		}).Warn("Found CLAIMED call whose audit never finished")
		if s.onAbandoned != nil {
			s.onAbandoned(ctx, st)
		}
	}

	if pending, err := s.table.Pending(ctx); err == nil {
		metrics.SetCorrelationPending(pending)
	}

	if len(result.Expired) > 0 || len(result.Stranded) > 0 || len(result.Abandoned) > 0 || result.Evicted > 0 {
		s.logger.WithFields(logrus.Fields{
			"expired":   len(result.Expired),
			"stranded":  len(result.Stranded),
			"abandoned": len(result.Abandoned),
			"evicted":   result.Evicted,
			"duration":  time.Since(start),
		}).Info("Correlation sweep completed")
	}
	return result
}
