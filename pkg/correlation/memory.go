package correlation

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"callaudit-server/pkg/facts"
)

type entry struct {
	callID         string
	state          State
	facts          map[facts.Kind]facts.Envelope
	received       map[facts.Kind]bool
	correlationID  string
	triggerEventID string
	createdAt      time.Time
	updatedAt      time.Time
	failure        string
}

func (e *entry) status() *EntryStatus {
	st := &EntryStatus{
		CallID:    e.callID,
		State:     e.state,
		Received:  receivedKinds(e.received),
		CreatedAt: e.createdAt,
		UpdatedAt: e.updatedAt,
		Failure:   e.failure,
	}
	if e.state != StateDone && e.state != StateClaimed {
		st.Missing = facts.Missing(e.received)
	}
	return st
}

func (e *entry) snapshot() *facts.Snapshot {
	return facts.NewSnapshot(e.callID, e.correlationID, e.triggerEventID, e.facts)
}

// tableShard guards a subset of the calls. Critical sections only move state
// and copy maps; no evaluation runs under the lock.
type tableShard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// MemoryTable is the in-process Table. Calls are spread over independently
// locked shards so unrelated calls never contend.
type MemoryTable struct {
	shards    []*tableShard
	shardMask uint32
	cfg       Config
	now       func() time.Time
}

// NewMemoryTable creates a sharded in-memory table.
func NewMemoryTable(cfg Config) *MemoryTable {
	cfg = cfg.withDefaults()
	shardCount := cfg.Shards
	if shardCount&(shardCount-1) != 0 {
		shardCount = 16
	}

	t := &MemoryTable{
		shards:    make([]*tableShard, shardCount),
		shardMask: uint32(shardCount - 1),
		cfg:       cfg,
		now:       time.Now,
	}
	for i := range t.shards {
		t.shards[i] = &tableShard{entries: make(map[string]*entry)}
	}
	return t
}

func (t *MemoryTable) shardFor(callID string) *tableShard {
	h := fnv.New32a()
	h.Write([]byte(callID))
	return t.shards[h.Sum32()&t.shardMask]
}

// Record stores env for its call and reports whether the join completed.
func (t *MemoryTable) Record(_ context.Context, env facts.Envelope) (Outcome, error) {
	sh := t.shardFor(env.CallID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := t.now()
	e, ok := sh.entries[env.CallID]
	if !ok {
		e = &entry{
			callID:    env.CallID,
			state:     StateWaiting,
			facts:     make(map[facts.Kind]facts.Envelope, len(facts.RequiredKinds)),
			received:  make(map[facts.Kind]bool, len(facts.RequiredKinds)),
			createdAt: now,
		}
		sh.entries[env.CallID] = e
	}

	if e.state == StateClaimed || e.state.Terminal() {
		return Outcome{Kind: AlreadyProcessed, State: e.state}, nil
	}

	// Same kind twice replaces, never accumulates.
	e.facts[env.Kind] = env
	e.received[env.Kind] = true
	e.updatedAt = now

	if e.state == StateWaiting && complete(e.received) {
		e.state = StateReady
		e.correlationID = joinCorrelationID(env, e.facts)
		e.triggerEventID = env.EventID
		return Outcome{Kind: ReadyToProcess, State: StateReady, Snapshot: e.snapshot()}, nil
	}
	return Outcome{Kind: AwaitingMore, State: e.state}, nil
}

// Claim moves a READY call to CLAIMED and returns its facts.
func (t *MemoryTable) Claim(_ context.Context, callID string) (*facts.Snapshot, bool, error) {
	sh := t.shardFor(callID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[callID]
	if !ok || e.state != StateReady {
		return nil, false, nil
	}
	e.state = StateClaimed
	e.updatedAt = t.now()
	return e.snapshot(), true, nil
}

// Finish marks the call DONE and releases its facts.
func (t *MemoryTable) Finish(_ context.Context, callID string, failure string) error {
	sh := t.shardFor(callID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[callID]
	if !ok {
		return nil
	}
	e.state = StateDone
	e.failure = failure
	e.facts = nil
	e.updatedAt = t.now()
	return nil
}

// Status returns a copy of the entry state.
func (t *MemoryTable) Status(_ context.Context, callID string) (*EntryStatus, error) {
	sh := t.shardFor(callID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[callID]
	if !ok {
		return nil, nil
	}
	return e.status(), nil
}

// Sweep expires overdue WAITING entries, reports stranded READY and
// abandoned CLAIMED entries and evicts tombstones past retention. Shards are
// visited one at a time.
func (t *MemoryTable) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var result SweepResult
	for _, sh := range t.shards {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		sh.mu.Lock()
		for id, e := range sh.entries {
			switch e.state {
			case StateWaiting:
				if now.Sub(e.createdAt) >= t.cfg.Timeout {
					e.state = StateExpired
					e.facts = nil
					e.updatedAt = now
					result.Expired = append(result.Expired, *e.status())
				}
			case StateReady:
				if now.Sub(e.updatedAt) >= t.cfg.ClaimGrace {
					result.Stranded = append(result.Stranded, id)
				}
			case StateClaimed:
				// updatedAt is the claim time; nothing else touches a claimed entry.
				if now.Sub(e.updatedAt) >= t.cfg.ClaimTimeout {
					result.Abandoned = append(result.Abandoned, *e.status())
				}
			case StateDone, StateExpired:
				if now.Sub(e.updatedAt) > t.cfg.Retention {
					delete(sh.entries, id)
					result.Evicted++
				}
			}
		}
		sh.mu.Unlock()
	}
	return result, nil
}

// Pending counts entries still waiting for facts or a claim.
func (t *MemoryTable) Pending(_ context.Context) (int, error) {
	n := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		for _, e := range sh.entries {
			if e.state == StateWaiting || e.state == StateReady {
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n, nil
}
