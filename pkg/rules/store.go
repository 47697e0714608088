package rules

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"callaudit-server/pkg/errors"
)

// Store is the persistent rule set. Audits read a snapshot via
// ListActiveRules at claim time, so a rule edit never affects an audit
// already in flight.
type Store interface {
	ListActiveRules(ctx context.Context) ([]Rule, error)
	ListRules(ctx context.Context, active *bool) ([]Rule, error)
	GetRule(ctx context.Context, id string) (*Rule, error)
	// UpsertRule validates the definition, bumps the version of an existing
	// rule and returns the stored revision.
	UpsertRule(ctx context.Context, rule Rule) (*Rule, error)
	DeactivateRule(ctx context.Context, id string) error
	CountRules(ctx context.Context) (int, error)
}

// Prepare validates rule and stamps version and timestamps against the
// currently stored revision, which may be nil.
func Prepare(rule Rule, existing *Rule, now time.Time) (Rule, error) {
	rule.ID = strings.TrimSpace(rule.ID)
	if rule.ID == "" {
		return Rule{}, errors.NewInvalidRule("", "rule id is required")
	}
	if strings.TrimSpace(rule.Name) == "" {
		rule.Name = rule.ID
	}
	sev, ok := ParseSeverity(string(rule.Severity))
	if !ok {
		return Rule{}, errors.NewInvalidRule(rule.ID, "unknown severity "+string(rule.Severity))
	}
	rule.Severity = sev
	if _, err := ParseDefinition(rule.ID, rule.Definition); err != nil {
		return Rule{}, err
	}

	now = now.UTC().Truncate(time.Millisecond)
	rule.UpdatedAt = now
	if existing == nil {
		rule.Version = 1
		rule.CreatedAt = now
	} else {
		rule.Version = existing.Version + 1
		rule.CreatedAt = existing.CreatedAt
	}
	return rule, nil
}

// MemoryStore keeps rules in process. Used when no database is configured
// and in tests.
type MemoryStore struct {
	mu    sync.RWMutex
	rules map[string]Rule
	now   func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rules: make(map[string]Rule), now: time.Now}
}

func (s *MemoryStore) ListActiveRules(ctx context.Context) ([]Rule, error) {
	active := true
	return s.ListRules(ctx, &active)
}

// ListRules returns rules ordered by id; active filters when non-nil.
func (s *MemoryStore) ListRules(_ context.Context, active *bool) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if active != nil && r.Active != *active {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetRule(_ context.Context, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[id]
	if !ok {
		return nil, errors.NewRuleNotFound(id)
	}
	return &r, nil
}

func (s *MemoryStore) UpsertRule(_ context.Context, rule Rule) (*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *Rule
	if cur, ok := s.rules[strings.TrimSpace(rule.ID)]; ok {
		existing = &cur
	}
	prepared, err := Prepare(rule, existing, s.now())
	if err != nil {
		return nil, err
	}
	s.rules[prepared.ID] = prepared
	return &prepared, nil
}

func (s *MemoryStore) DeactivateRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[id]
	if !ok {
		return errors.NewRuleNotFound(id)
	}
	if !r.Active {
		return nil
	}
	r.Active = false
	r.Version++
	r.UpdatedAt = s.now().UTC().Truncate(time.Millisecond)
	s.rules[id] = r
	return nil
}

func (s *MemoryStore) CountRules(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules), nil
}

// Seed upserts defaults into an empty store. A store that already holds
// any rule, active or not, is left alone.
func Seed(ctx context.Context, store Store, defaults []Rule, logger *logrus.Logger) error {
	n, err := store.CountRules(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to count compliance rules")
	}
	if n > 0 {
		return nil
	}
	for _, r := range defaults {
		if _, err := store.UpsertRule(ctx, r); err != nil {
			return errors.Wrap(err, "failed to seed compliance rule", map[string]interface{}{"rule_id": r.ID})
		}
	}
	logger.WithField("rules", len(defaults)).Info("Seeded default compliance rules")
	return nil
}
