package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/Respite/internal/models"
)

// sqlStore implements the repositories on database/sql. SQLiteStore and
// PostgresStore embed it and differ only in driver, placeholders and setup.
// Timestamps are stored as Unix nanoseconds so instance comparisons are exact
// on both backends.
type sqlStore struct {
	db       *sql.DB
	name     string // used as log prefix
	numbered bool   // $1-style placeholders
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (s *sqlStore) rebind(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

const stateColumns = `user_id, subject_key, rule_id, status, instance_ns, fire_at_ns, snooze_until_ns,
	last_delivered_at_ns, attempts, held, last_seen_at_ns, version, created_at_ns, updated_at_ns`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (models.InterventionState, error) {
	var st models.InterventionState
	var status string
	var instance, fireAt, lastSeen, created, updated int64
	var snoozeUntil, lastDelivered sql.NullInt64
	err := row.Scan(&st.UserID, &st.SubjectKey, &st.RuleID, &status, &instance, &fireAt, &snoozeUntil,
		&lastDelivered, &st.Attempts, &st.Held, &lastSeen, &st.Version, &created, &updated)
	if err != nil {
		return st, err
	}
	st.Status = models.Status(status)
	st.Instance = fromNanos(instance)
	st.FireAt = fromNanos(fireAt)
	st.SnoozeUntil = fromNullNanos(snoozeUntil)
	st.LastDeliveredAt = fromNullNanos(lastDelivered)
	st.LastSeenAt = fromNanos(lastSeen)
	st.CreatedAt = fromNanos(created)
	st.UpdatedAt = fromNanos(updated)
	return st, nil
}

func (s *sqlStore) GetState(ctx context.Context, key models.StateKey) (models.InterventionState, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+stateColumns+` FROM intervention_states
		WHERE user_id = ? AND subject_key = ? AND rule_id = ?`), key.UserID, key.SubjectKey, key.RuleID)
	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.InterventionState{}, models.ErrStateNotFound
	}
	if err != nil {
		slog.Error(s.name+".GetState failed", "error", err, "key", key.String())
		return models.InterventionState{}, fmt.Errorf("failed to get state %s: %w", key, err)
	}
	return st, nil
}

func (s *sqlStore) queryStates(ctx context.Context, query string, args ...any) ([]models.InterventionState, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query states: %w", err)
	}
	defer rows.Close()
	var out []models.InterventionState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan state row: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate state rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) ListStates(ctx context.Context, userID string) ([]models.InterventionState, error) {
	states, err := s.queryStates(ctx, `SELECT `+stateColumns+` FROM intervention_states
		WHERE user_id = ? ORDER BY subject_key, rule_id`, userID)
	if err != nil {
		slog.Error(s.name+".ListStates failed", "error", err, "user_id", userID)
		return nil, err
	}
	return states, nil
}

func (s *sqlStore) ListStatesBySubject(ctx context.Context, userID, subjectKey string) ([]models.InterventionState, error) {
	states, err := s.queryStates(ctx, `SELECT `+stateColumns+` FROM intervention_states
		WHERE user_id = ? AND subject_key = ? ORDER BY rule_id`, userID, subjectKey)
	if err != nil {
		slog.Error(s.name+".ListStatesBySubject failed", "error", err, "user_id", userID, "subject_key", subjectKey)
		return nil, err
	}
	return states, nil
}

func (s *sqlStore) CreateState(ctx context.Context, st models.InterventionState) (models.InterventionState, error) {
	st.Version = 1
	res, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO intervention_states (`+stateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, subject_key, rule_id) DO NOTHING`),
		st.UserID, st.SubjectKey, st.RuleID, string(st.Status), toNanos(st.Instance), toNanos(st.FireAt),
		nullNanos(st.SnoozeUntil), nullNanos(st.LastDeliveredAt), st.Attempts, st.Held, toNanos(st.LastSeenAt),
		st.Version, toNanos(st.CreatedAt), toNanos(st.UpdatedAt))
	if err != nil {
		slog.Error(s.name+".CreateState failed", "error", err, "key", st.Key().String())
		return models.InterventionState{}, fmt.Errorf("failed to insert state %s: %w", st.Key(), err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.InterventionState{}, models.ErrStateConflict
	}
	return st, nil
}

func (s *sqlStore) UpdateState(ctx context.Context, st models.InterventionState) (models.InterventionState, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE intervention_states SET
		status = ?, instance_ns = ?, fire_at_ns = ?, snooze_until_ns = ?, last_delivered_at_ns = ?,
		attempts = ?, held = ?, last_seen_at_ns = ?, updated_at_ns = ?, version = version + 1
		WHERE user_id = ? AND subject_key = ? AND rule_id = ? AND version = ?`),
		string(st.Status), toNanos(st.Instance), toNanos(st.FireAt), nullNanos(st.SnoozeUntil),
		nullNanos(st.LastDeliveredAt), st.Attempts, st.Held, toNanos(st.LastSeenAt), toNanos(st.UpdatedAt),
		st.UserID, st.SubjectKey, st.RuleID, st.Version)
	if err != nil {
		slog.Error(s.name+".UpdateState failed", "error", err, "key", st.Key().String())
		return models.InterventionState{}, fmt.Errorf("failed to update state %s: %w", st.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.InterventionState{}, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		slog.Debug(s.name+".UpdateState version conflict", "key", st.Key().String(), "version", st.Version)
		return models.InterventionState{}, models.ErrStateConflict
	}
	st.Version++
	return st, nil
}

func (s *sqlStore) DeleteStatesNotSeenSince(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM intervention_states WHERE last_seen_at_ns < ?`), toNanos(cutoff))
	if err != nil {
		slog.Error(s.name+".DeleteStatesNotSeenSince failed", "error", err)
		return 0, fmt.Errorf("failed to delete stale states: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

const ruleColumns = `id, user_id, name, trigger_type, trigger_condition, message_template, method, is_active, created_at_ns, updated_at_ns`

func (s *sqlStore) SaveRule(ctx context.Context, r models.InterventionRule) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, trigger_type = excluded.trigger_type,
			trigger_condition = excluded.trigger_condition, message_template = excluded.message_template,
			method = excluded.method, is_active = excluded.is_active, updated_at_ns = excluded.updated_at_ns
		WHERE rules.user_id = excluded.user_id`),
		r.ID, r.UserID, r.Name, string(r.TriggerType), string(r.Condition), r.MessageTemplate, string(r.Method),
		r.IsActive, toNanos(r.CreatedAt), toNanos(r.UpdatedAt))
	if err != nil {
		slog.Error(s.name+".SaveRule failed", "error", err, "rule_id", r.ID, "user_id", r.UserID)
		return fmt.Errorf("failed to save rule %s: %w", r.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrRuleOwnership
	}
	slog.Debug(s.name+".SaveRule succeeded", "rule_id", r.ID, "user_id", r.UserID)
	return nil
}

func (s *sqlStore) queryRules(ctx context.Context, query string, args ...any) ([]models.InterventionRule, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()
	var out []models.InterventionRule
	for rows.Next() {
		var r models.InterventionRule
		var triggerType, condition, method string
		var created, updated int64
		if err := rows.Scan(&r.ID, &r.UserID, &r.Name, &triggerType, &condition, &r.MessageTemplate, &method,
			&r.IsActive, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan rule row: %w", err)
		}
		r.TriggerType = models.TriggerType(triggerType)
		r.Condition = json.RawMessage(condition)
		r.Method = models.Method(method)
		r.CreatedAt = fromNanos(created)
		r.UpdatedAt = fromNanos(updated)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rule rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) ListRules(ctx context.Context, userID string) ([]models.InterventionRule, error) {
	rules, err := s.queryRules(ctx, `SELECT `+ruleColumns+` FROM rules WHERE user_id = ? ORDER BY created_at_ns, id`, userID)
	if err != nil {
		slog.Error(s.name+".ListRules failed", "error", err, "user_id", userID)
		return nil, err
	}
	return rules, nil
}

func (s *sqlStore) GetActiveRules(ctx context.Context, userID string) ([]models.InterventionRule, error) {
	rules, err := s.queryRules(ctx, `SELECT `+ruleColumns+` FROM rules WHERE user_id = ? AND is_active = ? ORDER BY created_at_ns, id`, userID, true)
	if err != nil {
		slog.Error(s.name+".GetActiveRules failed", "error", err, "user_id", userID)
		return nil, err
	}
	return rules, nil
}

func (s *sqlStore) DeleteRule(ctx context.Context, userID, ruleID string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM rules WHERE id = ? AND user_id = ?`), ruleID, userID); err != nil {
		slog.Error(s.name+".DeleteRule failed", "error", err, "rule_id", ruleID)
		return fmt.Errorf("failed to delete rule %s: %w", ruleID, err)
	}
	return nil
}

func (s *sqlStore) SavePreferences(ctx context.Context, p models.UserPreferences) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal preferences: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO preferences (user_id, data, updated_at_ns) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET data = excluded.data, updated_at_ns = excluded.updated_at_ns`),
		p.UserID, string(data), toNanos(p.UpdatedAt))
	if err != nil {
		slog.Error(s.name+".SavePreferences failed", "error", err, "user_id", p.UserID)
		return fmt.Errorf("failed to save preferences for %s: %w", p.UserID, err)
	}
	return nil
}

func (s *sqlStore) GetPreferences(ctx context.Context, userID string) (models.UserPreferences, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT data FROM preferences WHERE user_id = ?`), userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DefaultPreferences(userID), nil
	}
	if err != nil {
		slog.Error(s.name+".GetPreferences failed", "error", err, "user_id", userID)
		return models.UserPreferences{}, fmt.Errorf("failed to get preferences for %s: %w", userID, err)
	}
	var p models.UserPreferences
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return models.UserPreferences{}, fmt.Errorf("failed to decode preferences for %s: %w", userID, err)
	}
	return p, nil
}

func (s *sqlStore) ListUsersWithActiveRules(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT DISTINCT user_id FROM rules WHERE is_active = ? ORDER BY user_id`), true)
	if err != nil {
		slog.Error(s.name+".ListUsersWithActiveRules failed", "error", err)
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *sqlStore) AddReceipt(ctx context.Context, r models.Receipt) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO receipts (command_id, user_id, rule_id, subject_key, method, status, error, time_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		r.CommandID, r.UserID, r.RuleID, r.SubjectKey, string(r.Method), string(r.Status), r.Error, toNanos(r.Time))
	if err != nil {
		slog.Error(s.name+".AddReceipt failed", "error", err, "command_id", r.CommandID)
		return fmt.Errorf("failed to insert receipt %s: %w", r.CommandID, err)
	}
	slog.Debug(s.name+".AddReceipt succeeded", "command_id", r.CommandID, "status", r.Status)
	return nil
}

func (s *sqlStore) ListReceipts(ctx context.Context, userID string, limit int) ([]models.Receipt, error) {
	query := `SELECT command_id, user_id, rule_id, subject_key, method, status, error, time_ns
		FROM receipts WHERE user_id = ? ORDER BY id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		slog.Error(s.name+".ListReceipts query failed", "error", err, "user_id", userID)
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()
	var receipts []models.Receipt
	for rows.Next() {
		var r models.Receipt
		var method, status string
		var ts int64
		if err := rows.Scan(&r.CommandID, &r.UserID, &r.RuleID, &r.SubjectKey, &method, &status, &r.Error, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan receipt row: %w", err)
		}
		r.Method = models.Method(method)
		r.Status = models.DeliveryStatus(status)
		r.Time = fromNanos(ts)
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate receipt rows: %w", err)
	}
	return receipts, nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug(s.name + ".Close: closing database")
	return s.db.Close()
}
