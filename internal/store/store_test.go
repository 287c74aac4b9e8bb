package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/Respite/internal/models"
)

var base = time.Date(2025, 3, 3, 13, 0, 0, 123456789, time.UTC)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(WithSQLiteDSN(filepath.Join(t.TempDir(), "respite.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// backends returns every store implementation available in this environment.
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	b := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewInMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newTestSQLiteStore(t) },
	}
	if dsn := os.Getenv("RESPITE_TEST_POSTGRES_DSN"); dsn != "" {
		b["postgres"] = func(t *testing.T) Store {
			s, err := NewPostgresStore(WithPostgresDSN(dsn))
			if err != nil {
				t.Skipf("Postgres not available: %v", err)
			}
			for _, table := range []string{"intervention_states", "rules", "preferences", "receipts"} {
				if _, err := s.db.Exec("DELETE FROM " + table); err != nil {
					t.Fatalf("cleanup %s: %v", table, err)
				}
			}
			t.Cleanup(func() { s.Close() })
			return s
		}
	}
	return b
}

func pendingState() models.InterventionState {
	return models.InterventionState{
		UserID: "u1", SubjectKey: "evt-1", RuleID: "r1",
		Status:     models.StatusPending,
		Instance:   base.Add(time.Hour),
		FireAt:     base.Add(30 * time.Minute),
		LastSeenAt: base,
		CreatedAt:  base,
		UpdatedAt:  base,
	}
}

func TestStateVersioning(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			if _, err := s.GetState(ctx, pendingState().Key()); !errors.Is(err, models.ErrStateNotFound) {
				t.Fatalf("GetState on empty store = %v, want ErrStateNotFound", err)
			}

			created, err := s.CreateState(ctx, pendingState())
			if err != nil {
				t.Fatalf("CreateState failed: %v", err)
			}
			if created.Version != 1 {
				t.Errorf("Version = %d, want 1", created.Version)
			}
			if _, err := s.CreateState(ctx, pendingState()); !errors.Is(err, models.ErrStateConflict) {
				t.Errorf("duplicate CreateState = %v, want ErrStateConflict", err)
			}

			got, err := s.GetState(ctx, created.Key())
			if err != nil {
				t.Fatalf("GetState failed: %v", err)
			}
			if !got.Instance.Equal(created.Instance) || !got.FireAt.Equal(created.FireAt) || got.SnoozeUntil != nil {
				t.Errorf("round trip mismatch: %+v", got)
			}

			delivered := got
			delivered.Status = models.StatusDelivered
			now := base.Add(31 * time.Minute)
			delivered.LastDeliveredAt = &now
			updated, err := s.UpdateState(ctx, delivered)
			if err != nil {
				t.Fatalf("UpdateState failed: %v", err)
			}
			if updated.Version != 2 {
				t.Errorf("Version = %d, want 2", updated.Version)
			}

			// A writer holding the old version loses.
			stale := got
			stale.Status = models.StatusDismissed
			if _, err := s.UpdateState(ctx, stale); !errors.Is(err, models.ErrStateConflict) {
				t.Errorf("stale UpdateState = %v, want ErrStateConflict", err)
			}

			final, _ := s.GetState(ctx, created.Key())
			if final.Status != models.StatusDelivered || final.LastDeliveredAt == nil || !final.LastDeliveredAt.Equal(now) {
				t.Errorf("final state = %+v", final)
			}
		})
	}
}

func TestConcurrentUpdatesOnlyOneWins(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			st, err := s.CreateState(ctx, pendingState())
			if err != nil {
				t.Fatal(err)
			}
			var wg sync.WaitGroup
			var mu sync.Mutex
			wins := 0
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					next := st
					next.Status = models.StatusDelivered
					if _, err := s.UpdateState(ctx, next); err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if wins != 1 {
				t.Errorf("%d writers won the same version, want 1", wins)
			}
		})
	}
}

func TestListAndGarbageCollectStates(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			a := pendingState()
			b := pendingState()
			b.RuleID = "r2"
			b.LastSeenAt = base.Add(-48 * time.Hour)
			c := pendingState()
			c.SubjectKey = "evt-2"
			other := pendingState()
			other.UserID = "u2"
			for _, st := range []models.InterventionState{c, b, a, other} {
				if _, err := s.CreateState(ctx, st); err != nil {
					t.Fatal(err)
				}
			}

			all, err := s.ListStates(ctx, "u1")
			if err != nil || len(all) != 3 {
				t.Fatalf("ListStates = %d, %v", len(all), err)
			}
			if all[0].RuleID != "r1" || all[1].RuleID != "r2" || all[2].SubjectKey != "evt-2" {
				t.Errorf("ListStates order = %+v", all)
			}
			bySubject, err := s.ListStatesBySubject(ctx, "u1", "evt-1")
			if err != nil || len(bySubject) != 2 {
				t.Fatalf("ListStatesBySubject = %d, %v", len(bySubject), err)
			}

			n, err := s.DeleteStatesNotSeenSince(ctx, base.Add(-24*time.Hour))
			if err != nil || n != 1 {
				t.Fatalf("DeleteStatesNotSeenSince = %d, %v", n, err)
			}
			if _, err := s.GetState(ctx, b.Key()); !errors.Is(err, models.ErrStateNotFound) {
				t.Errorf("stale state survived: %v", err)
			}
		})
	}
}

func TestRulesAndPreferences(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			rules := []models.InterventionRule{
				{ID: "late", UserID: "u1", TriggerType: models.TriggerExternalEvent, Condition: json.RawMessage(`{"eventType":"x"}`), IsActive: true, CreatedAt: base.Add(time.Minute), UpdatedAt: base},
				{ID: "early", UserID: "u1", TriggerType: models.TriggerTimeBased, Condition: json.RawMessage(`{"offsetMinutes":10}`), Method: models.MethodDesktopAlert, IsActive: true, CreatedAt: base, UpdatedAt: base},
				{ID: "off", UserID: "u1", TriggerType: models.TriggerTimeBased, Condition: json.RawMessage(`{"at":"09:00"}`), IsActive: false, CreatedAt: base, UpdatedAt: base},
				{ID: "theirs", UserID: "u2", TriggerType: models.TriggerTimeBased, Condition: json.RawMessage(`{"at":"09:00"}`), IsActive: false, CreatedAt: base, UpdatedAt: base},
			}
			for _, r := range rules {
				if err := s.SaveRule(ctx, r); err != nil {
					t.Fatalf("SaveRule(%s) failed: %v", r.ID, err)
				}
			}

			active, err := s.GetActiveRules(ctx, "u1")
			if err != nil {
				t.Fatal(err)
			}
			if len(active) != 2 || active[0].ID != "early" || active[1].ID != "late" {
				t.Fatalf("GetActiveRules = %+v", active)
			}
			if active[0].Method != models.MethodDesktopAlert || string(active[0].Condition) != `{"offsetMinutes":10}` {
				t.Errorf("rule round trip = %+v", active[0])
			}
			all, _ := s.ListRules(ctx, "u1")
			if len(all) != 3 {
				t.Errorf("ListRules = %d, want 3", len(all))
			}

			hijack := rules[0]
			hijack.UserID = "u2"
			if err := s.SaveRule(ctx, hijack); !errors.Is(err, models.ErrRuleOwnership) {
				t.Errorf("cross-user SaveRule = %v, want ErrRuleOwnership", err)
			}

			users, err := s.ListUsersWithActiveRules(ctx)
			if err != nil || len(users) != 1 || users[0] != "u1" {
				t.Errorf("ListUsersWithActiveRules = %v, %v", users, err)
			}

			if err := s.DeleteRule(ctx, "u1", "late"); err != nil {
				t.Fatal(err)
			}
			active, _ = s.GetActiveRules(ctx, "u1")
			if len(active) != 1 {
				t.Errorf("after delete, active = %d", len(active))
			}

			prefs, err := s.GetPreferences(ctx, "u1")
			if err != nil || prefs.PreferredMethod != models.MethodInAppMessage {
				t.Fatalf("default preferences = %+v, %v", prefs, err)
			}
			start, end := models.MustTimeOfDay("22:00"), models.MustTimeOfDay("07:00")
			want := models.UserPreferences{
				UserID: "u1", PreferredMethod: models.MethodAudioReminder, Timezone: "UTC",
				QuietHours: models.QuietHours{Start: &start, End: &end}, ReminderFrequency: 60,
				MethodOverrides: map[string]models.Method{"early": models.MethodNone},
			}
			if err := s.SavePreferences(ctx, want); err != nil {
				t.Fatal(err)
			}
			got, err := s.GetPreferences(ctx, "u1")
			if err != nil {
				t.Fatal(err)
			}
			if got.PreferredMethod != want.PreferredMethod || got.ReminderFrequency != 60 || *got.QuietHours.End != end || got.MethodOverrides["early"] != models.MethodNone {
				t.Errorf("preferences round trip = %+v", got)
			}
		})
	}
}

func TestReceipts(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			for i, id := range []string{"c1", "c2", "c3"} {
				r := models.Receipt{CommandID: id, UserID: "u1", RuleID: "r", SubjectKey: "s", Method: models.MethodInAppMessage, Status: models.DeliveryStatusSent, Time: base.Add(time.Duration(i) * time.Minute)}
				if err := s.AddReceipt(ctx, r); err != nil {
					t.Fatal(err)
				}
			}
			s.AddReceipt(ctx, models.Receipt{CommandID: "x", UserID: "u2", Status: models.DeliveryStatusFailed, Error: "boom", Time: base})

			got, err := s.ListReceipts(ctx, "u1", 2)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 2 || got[0].CommandID != "c3" || got[1].CommandID != "c2" {
				t.Errorf("ListReceipts = %+v", got)
			}
			all, _ := s.ListReceipts(ctx, "u1", 0)
			if len(all) != 3 {
				t.Errorf("ListReceipts(all) = %d", len(all))
			}
		})
	}
}

func TestSQLiteStatePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")
	s1, err := NewSQLiteStore(WithSQLiteDSN(path))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s1.CreateState(ctx, pendingState()); err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(path))
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	st, err := s2.GetState(ctx, pendingState().Key())
	if err != nil {
		t.Fatalf("state lost across reopen: %v", err)
	}
	if st.Version != 1 || !st.Instance.Equal(pendingState().Instance) {
		t.Errorf("reopened state = %+v", st)
	}
}

func TestDetectDSNType(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@localhost/db":   "postgres",
		"postgresql://localhost/db":     "postgres",
		"host=localhost dbname=respite": "postgres",
		"/var/lib/respite/state.db":     "sqlite3",
		"file:state.db":                 "sqlite3",
	}
	for dsn, want := range tests {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestNewSelectsBackend(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Errorf("New() without DSN = %T, want *InMemoryStore", s)
	}
	s, err = New(WithSQLiteDSN(filepath.Join(t.TempDir(), "x.db")))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, ok := s.(*SQLiteStore); !ok {
		t.Errorf("New(sqlite) = %T, want *SQLiteStore", s)
	}
}

func TestRebind(t *testing.T) {
	s := &sqlStore{numbered: true}
	if got := s.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("rebind = %q", got)
	}
	s.numbered = false
	if got := s.rebind("a = ?"); got != "a = ?" {
		t.Errorf("rebind = %q", got)
	}
}
