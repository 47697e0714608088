package correlation

import (
	"context"
	"time"

	"callaudit-server/pkg/facts"
)

// State is the lifecycle position of one call's join.
type State string

const (
	StateWaiting State = "WAITING"
	StateReady   State = "READY"
	StateClaimed State = "CLAIMED"
	StateDone    State = "DONE"
	StateExpired State = "EXPIRED"
)

// Terminal reports whether no further facts are accepted for the entry.
func (s State) Terminal() bool {
	return s == StateDone || s == StateExpired
}

// OutcomeKind classifies the result of recording a fact.
type OutcomeKind int

const (
	// AwaitingMore means the fact was stored and nothing else is required of the caller.
	AwaitingMore OutcomeKind = iota
	// ReadyToProcess means this fact completed the join; the caller should claim the call.
	ReadyToProcess
	// AlreadyProcessed means the call is claimed, done or expired; the fact was dropped.
	AlreadyProcessed
)

func (k OutcomeKind) String() string {
	switch k {
	case AwaitingMore:
		return "awaiting_more"
	case ReadyToProcess:
		return "ready_to_process"
	case AlreadyProcessed:
		return "already_processed"
	}
	return "unknown"
}

// Outcome is returned by Record.
type Outcome struct {
	Kind  OutcomeKind
	State State
	// Snapshot is set only for ReadyToProcess.
	Snapshot *facts.Snapshot
}

// EntryStatus is a fact-free view of a correlation entry.
type EntryStatus struct {
	CallID    string       `json:"callId"`
	State     State        `json:"state"`
	Received  []facts.Kind `json:"received"`
	Missing   []facts.Kind `json:"missing,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
	Failure   string       `json:"failure,omitempty"`
}

// SweepResult reports what one expiry pass did.
type SweepResult struct {
	// Expired entries moved from WAITING to EXPIRED during this pass.
	Expired []EntryStatus
	// Stranded calls sat in READY longer than the claim grace period,
	// meaning the worker that completed the join never claimed them.
	Stranded []string
	// Abandoned entries sat in CLAIMED longer than ClaimTimeout: the worker
	// that claimed them died before finishing.
	Abandoned []EntryStatus
	// Evicted counts tombstones dropped after retention.
	Evicted int
}

// Table is the per-call join state shared by every consumer worker.
//
// Record and Claim are linearizable per call: among concurrent Records that
// together complete the required fact set exactly one observes
// ReadyToProcess, and among concurrent Claims exactly one succeeds.
type Table interface {
	Record(ctx context.Context, env facts.Envelope) (Outcome, error)
	Claim(ctx context.Context, callID string) (*facts.Snapshot, bool, error)
	// Finish moves a claimed call to DONE. A non-empty failure records why
	// the audit ended in the Failed state.
	Finish(ctx context.Context, callID string, failure string) error
	// Status returns nil when the call is unknown or its tombstone was evicted.
	Status(ctx context.Context, callID string) (*EntryStatus, error)
	Sweep(ctx context.Context, now time.Time) (SweepResult, error)
	// Pending counts entries in WAITING or READY.
	Pending(ctx context.Context) (int, error)
}

// Config tunes expiry and retention.
type Config struct {
	// Timeout bounds how long an entry may wait for its remaining facts.
	Timeout time.Duration
	// Retention keeps DONE and EXPIRED tombstones queryable.
	Retention time.Duration
	// ClaimGrace is how long a READY entry may go unclaimed before a sweep reports it stranded.
	ClaimGrace time.Duration
	// ClaimTimeout is how long a call may stay CLAIMED before a sweep reports
	// it abandoned. It must exceed the longest audit.
	ClaimTimeout time.Duration
	// Shards is rounded to a power of two by the in-memory table.
	Shards int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:      time.Hour,
		Retention:    24 * time.Hour,
		ClaimGrace:   time.Minute,
		ClaimTimeout: 5 * time.Minute,
		Shards:       32,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.ClaimGrace <= 0 {
		c.ClaimGrace = d.ClaimGrace
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = d.ClaimTimeout
	}
	if c.Shards <= 0 {
		c.Shards = d.Shards
	}
	return c
}

func complete(received map[facts.Kind]bool) bool {
	for _, k := range facts.RequiredKinds {
		if !received[k] {
			return false
		}
	}
	return true
}

func receivedKinds(received map[facts.Kind]bool) []facts.Kind {
	kinds := make([]facts.Kind, 0, len(received))
	for _, k := range facts.RequiredKinds {
		if received[k] {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// joinCorrelationID prefers the completing event's correlation id and falls
// back to any earlier fact that carried one.
func joinCorrelationID(completing facts.Envelope, all map[facts.Kind]facts.Envelope) string {
	if completing.CorrelationID != "" {
		return completing.CorrelationID
	}
	for _, k := range facts.RequiredKinds {
		if env, ok := all[k]; ok && env.CorrelationID != "" {
			return env.CorrelationID
		}
	}
	return ""
}
