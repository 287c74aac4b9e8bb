package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/Respite/internal/models"
)

// InMemoryStore keeps everything in process memory. It is safe for
// concurrent use and applies the same version checks as the SQL stores.
type InMemoryStore struct {
	mu       sync.RWMutex
	states   map[models.StateKey]models.InterventionState
	rules    map[string]models.InterventionRule
	prefs    map[string]models.UserPreferences
	receipts []models.Receipt
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		states: make(map[models.StateKey]models.InterventionState),
		rules:  make(map[string]models.InterventionRule),
		prefs:  make(map[string]models.UserPreferences),
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneState(s models.InterventionState) models.InterventionState {
	s.SnoozeUntil = cloneTime(s.SnoozeUntil)
	s.LastDeliveredAt = cloneTime(s.LastDeliveredAt)
	return s
}

func sortStates(states []models.InterventionState) {
	sort.Slice(states, func(i, j int) bool {
		if states[i].SubjectKey != states[j].SubjectKey {
			return states[i].SubjectKey < states[j].SubjectKey
		}
		return states[i].RuleID < states[j].RuleID
	})
}

func (s *InMemoryStore) GetState(ctx context.Context, key models.StateKey) (models.InterventionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[key]
	if !ok {
		return models.InterventionState{}, models.ErrStateNotFound
	}
	return cloneState(st), nil
}

func (s *InMemoryStore) ListStates(ctx context.Context, userID string) ([]models.InterventionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.InterventionState
	for k, st := range s.states {
		if k.UserID == userID {
			out = append(out, cloneState(st))
		}
	}
	sortStates(out)
	return out, nil
}

func (s *InMemoryStore) ListStatesBySubject(ctx context.Context, userID, subjectKey string) ([]models.InterventionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.InterventionState
	for k, st := range s.states {
		if k.UserID == userID && k.SubjectKey == subjectKey {
			out = append(out, cloneState(st))
		}
	}
	sortStates(out)
	return out, nil
}

func (s *InMemoryStore) CreateState(ctx context.Context, st models.InterventionState) (models.InterventionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := st.Key()
	if _, exists := s.states[key]; exists {
		return models.InterventionState{}, models.ErrStateConflict
	}
	st.Version = 1
	s.states[key] = cloneState(st)
	return st, nil
}

func (s *InMemoryStore) UpdateState(ctx context.Context, st models.InterventionState) (models.InterventionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := st.Key()
	current, exists := s.states[key]
	if !exists || current.Version != st.Version {
		return models.InterventionState{}, models.ErrStateConflict
	}
	st.Version++
	st.CreatedAt = current.CreatedAt
	s.states[key] = cloneState(st)
	return st, nil
}

func (s *InMemoryStore) DeleteStatesNotSeenSince(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, st := range s.states {
		if st.LastSeenAt.Before(cutoff) {
			delete(s.states, k)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) SaveRule(ctx context.Context, r models.InterventionRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.rules[r.ID]; ok {
		if existing.UserID != r.UserID {
			return models.ErrRuleOwnership
		}
		r.CreatedAt = existing.CreatedAt
	}
	s.rules[r.ID] = r
	return nil
}

func (s *InMemoryStore) userRules(userID string, activeOnly bool) []models.InterventionRule {
	var out []models.InterventionRule
	for _, r := range s.rules {
		if r.UserID == userID && (!activeOnly || r.IsActive) {
			out = append(out, r)
		}
	}
	models.SortRulesByCreation(out)
	return out
}

func (s *InMemoryStore) ListRules(ctx context.Context, userID string) ([]models.InterventionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userRules(userID, false), nil
}

func (s *InMemoryStore) GetActiveRules(ctx context.Context, userID string) ([]models.InterventionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userRules(userID, true), nil
}

func (s *InMemoryStore) DeleteRule(ctx context.Context, userID, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rules[ruleID]; ok && r.UserID == userID {
		delete(s.rules, ruleID)
	}
	return nil
}

func (s *InMemoryStore) SavePreferences(ctx context.Context, p models.UserPreferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[p.UserID] = p
	return nil
}

func (s *InMemoryStore) GetPreferences(ctx context.Context, userID string) (models.UserPreferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.prefs[userID]; ok {
		return p, nil
	}
	return models.DefaultPreferences(userID), nil
}

func (s *InMemoryStore) ListUsersWithActiveRules(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var users []string
	for _, r := range s.rules {
		if r.IsActive && !seen[r.UserID] {
			seen[r.UserID] = true
			users = append(users, r.UserID)
		}
	}
	sort.Strings(users)
	return users, nil
}

func (s *InMemoryStore) AddReceipt(ctx context.Context, r models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *InMemoryStore) ListReceipts(ctx context.Context, userID string, limit int) ([]models.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Receipt
	for i := len(s.receipts) - 1; i >= 0; i-- {
		if s.receipts[i].UserID != userID {
			continue
		}
		out = append(out, s.receipts[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }
