package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/Respite/internal/delivery"
	"github.com/BTreeMap/Respite/internal/models"
	"github.com/BTreeMap/Respite/internal/trigger"
	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/sync/errgroup"
)

const conflictRetryDelay = 5 * time.Millisecond

// Outcome notes.
const (
	NoteDelivered   = "delivered"
	NoteSendFailed  = "send_failed"
	NoteDeferred    = "deferred"
	NoteExpired     = "expired"
	NoteNoChannel   = "dismissed_no_channel"
	NoteSkipped     = "skipped"
	NoteConflict    = "conflict"
	NoteNotProduced = "no_longer_produced"
)

type tickInput struct {
	rules []models.InterventionRule
	prefs models.UserPreferences
	snap  models.Snapshot
	prior []models.InterventionState
}

// tick carries the per-tick working set of one user.
type tick struct {
	d          *Dispatcher
	logger     *slog.Logger
	userID     string
	prefs      models.UserPreferences
	now        time.Time
	report     *TickReport
	lastByRule map[string]time.Time
}

// claim is a state this tick moved to DELIVERED and must now send.
type claim struct {
	state  models.InterventionState // as persisted after the claim
	prev   models.InterventionState // as it was before the claim
	method models.Method
}

// Tick runs one evaluation pass for userID at now. It is idempotent: with
// unchanged inputs and state a second run emits no commands.
//
// A failing or slow collaborator aborts the tick with a
// *models.CollaboratorError; nothing is written in that case.
func (d *Dispatcher) Tick(ctx context.Context, userID string, now time.Time) (*TickReport, error) {
	if userID == "" {
		return nil, models.ErrEmptyUserID
	}
	if now.IsZero() {
		now = time.Now()
	}
	started := time.Now()
	logger := d.logger.With("user_id", userID)
	report := &TickReport{UserID: userID, At: now, Outcomes: []Outcome{}, Commands: []models.DeliveryCommand{}}

	in, err := d.fetch(ctx, userID, now)
	if err != nil {
		logger.Warn("Dispatcher.Tick: aborted, collaborator unavailable", "error", err)
		d.observer.TickFailed(userID, err)
		return report, err
	}

	models.SortRulesByCreation(in.rules)
	compiled, invalid := d.compiler.CompileAll(in.rules)
	for _, err := range invalid {
		var ie *models.InvalidRuleConditionError
		if errors.As(err, &ie) {
			report.Quarantined = append(report.Quarantined, ie.RuleID)
		}
		d.observer.RuleQuarantined(userID, err)
	}

	loc := in.prefs.Location()
	prior := make(map[models.StateKey]models.InterventionState, len(in.prior))
	lastByRule := make(map[string]time.Time)
	for _, st := range in.prior {
		prior[st.Key()] = st
		if st.LastDeliveredAt != nil && st.LastDeliveredAt.After(lastByRule[st.RuleID]) {
			lastByRule[st.RuleID] = *st.LastDeliveredAt
		}
	}

	t := &tick{d: d, logger: logger, userID: userID, prefs: in.prefs, now: now, report: report, lastByRule: lastByRule}
	evalIn := trigger.Input{Snapshot: in.snap, Prior: prior, Location: loc, Now: now}
	produced := make(map[models.StateKey]bool)
	for order, cr := range compiled {
		for _, c := range trigger.Evaluate(cr, evalIn) {
			key := c.Key()
			if produced[key] {
				continue
			}
			produced[key] = true
			c = d.scheduler.Schedule(c, in.snap.CalendarEvents, loc, now)
			c.Order = order
			report.Candidates++

			var cur *models.InterventionState
			if st, ok := prior[key]; ok {
				cur = &st
			}
			if err := t.reconcile(ctx, c, cur); err != nil {
				return report, t.fail(err)
			}
		}
	}

	for _, st := range in.prior {
		if produced[st.Key()] {
			continue
		}
		if err := t.retire(ctx, st); err != nil {
			return report, t.fail(err)
		}
	}

	elapsed := time.Since(started)
	d.observer.TickCompleted(userID, report, elapsed)
	logger.Debug("Dispatcher.Tick: completed", "candidates", report.Candidates, "commands", len(report.Commands),
		"expired", report.Expired, "conflicts", report.Conflicts, "elapsed", elapsed)
	return report, nil
}

func (t *tick) fail(err error) error {
	wrapped := &models.CollaboratorError{Collaborator: "state_store", UserID: t.userID, Err: err}
	t.logger.Error("Dispatcher.Tick: state store failure", "error", err)
	t.d.observer.TickFailed(t.userID, wrapped)
	return wrapped
}

// fetch reads rules, preferences, context and prior states concurrently under
// one collaborator deadline.
func (d *Dispatcher) fetch(ctx context.Context, userID string, now time.Time) (tickInput, error) {
	fctx, cancel := context.WithTimeout(ctx, d.collaboratorTimeout)
	defer cancel()

	var in tickInput
	g, gctx := errgroup.WithContext(fctx)
	g.Go(func() error {
		rules, err := d.rules.GetActiveRules(gctx, userID)
		if err != nil {
			return &models.CollaboratorError{Collaborator: "rule_store", UserID: userID, Err: err}
		}
		in.rules = rules
		return nil
	})
	g.Go(func() error {
		prefs, err := d.rules.GetPreferences(gctx, userID)
		if err != nil {
			return &models.CollaboratorError{Collaborator: "rule_store", UserID: userID, Err: err}
		}
		in.prefs = prefs
		return nil
	})
	g.Go(func() error {
		snap, err := d.context.GetContext(gctx, userID, now)
		if err != nil {
			return &models.CollaboratorError{Collaborator: "context_provider", UserID: userID, Err: err}
		}
		in.snap = snap
		return nil
	})
	g.Go(func() error {
		states, err := d.states.ListStates(gctx, userID)
		if err != nil {
			return &models.CollaboratorError{Collaborator: "state_store", UserID: userID, Err: err}
		}
		in.prior = states
		return nil
	})
	if err := g.Wait(); err != nil {
		return tickInput{}, err
	}
	if in.prefs.UserID == "" {
		in.prefs.UserID = userID
	}
	return in, nil
}

// retryOnConflict runs fn against the current state. When fn loses a version
// race the state is re-read and fn runs once more; a second loss is returned
// as models.ErrStateConflict.
func (d *Dispatcher) retryOnConflict(ctx context.Context, key models.StateKey, cur *models.InterventionState, fn func(cur *models.InterventionState) error) error {
	attempt := 0
	var lastErr error
	err := retry.Do(
		func() error {
			if attempt > 0 {
				st, err := d.states.GetState(ctx, key)
				switch {
				case errors.Is(err, models.ErrStateNotFound):
					cur = nil
				case err != nil:
					lastErr = err
					return retry.Unrecoverable(err)
				default:
					cur = &st
				}
			}
			attempt++
			lastErr = fn(cur)
			return lastErr
		},
		retry.Attempts(2),
		retry.Delay(conflictRetryDelay),
		retry.MaxJitter(conflictRetryDelay),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, models.ErrStateConflict)
		}),
	)
	if err == nil {
		return nil
	}
	if lastErr == nil {
		return err
	}
	return lastErr
}

// reconcile applies one candidate to its state, then sends if the state was
// claimed for delivery.
func (t *tick) reconcile(ctx context.Context, c models.Candidate, cur *models.InterventionState) error {
	key := c.Key()
	var out Outcome
	var cl *claim
	err := t.d.retryOnConflict(ctx, key, cur, func(cur *models.InterventionState) error {
		var err error
		out, cl, err = t.step(ctx, c, cur)
		return err
	})
	if errors.Is(err, models.ErrStateConflict) {
		t.report.Conflicts++
		t.d.observer.StateConflict(key)
		t.logger.Info("Dispatcher.Tick: dropping candidate after version conflict", "subject_key", key.SubjectKey, "rule_id", key.RuleID)
		t.report.add(Outcome{Key: key, Note: NoteConflict})
		return nil
	}
	if err != nil {
		return err
	}
	if out.Note == NoteExpired {
		t.report.Expired++
	}
	if cl != nil {
		if err := t.deliver(ctx, c, cl, &out); err != nil {
			return err
		}
	}
	t.report.add(out)
	return nil
}

// step computes and persists the next state for candidate c. It performs no
// delivery; a returned claim means the state is now DELIVERED.
func (t *tick) step(ctx context.Context, c models.Candidate, cur *models.InterventionState) (Outcome, *claim, error) {
	now := t.now
	key := c.Key()
	out := Outcome{Key: key}

	var before, next models.InterventionState
	isNew := cur == nil
	if isNew {
		next = models.InterventionState{
			UserID: key.UserID, SubjectKey: key.SubjectKey, RuleID: key.RuleID,
			Status:     models.StatusPending,
			Instance:   c.Instance,
			FireAt:     c.FireAt,
			Held:       c.Held,
			LastSeenAt: now,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	} else {
		before = *cur
		next = *cur
		if !c.Instance.Equal(cur.Instance) {
			// A new instance re-arms the subject whatever its previous status.
			next.Status = models.StatusPending
			next.Instance = c.Instance
			next.FireAt = c.FireAt
			next.SnoozeUntil = nil
			next.Attempts = 0
		}
		next.Held = c.Held
		if now.Sub(cur.LastSeenAt) >= t.d.seenRefresh() {
			next.LastSeenAt = now
		}
	}

	var cl *claim
	switch next.Status {
	case models.StatusPending, models.StatusSnoozed:
		if next.Status == models.StatusSnoozed && next.SnoozeUntil != nil && !now.Before(*next.SnoozeUntil) {
			next.Status = models.StatusPending
			next.SnoozeUntil = nil
		}
		eff := c
		eff.FireAt = t.effectiveFireAt(c, next)
		decision := delivery.Resolve(eff, t.prefs, now)
		out.Decision = &decision

		switch decision.Action {
		case models.ActionDrop:
			if decision.Reason == models.ReasonNoChannel {
				next.Status = models.StatusDismissed
				out.Note = NoteNoChannel
			} else {
				next.Status = models.StatusExpired
				out.Note = NoteExpired
			}
		case models.ActionDefer:
			next.FireAt = decision.Until
			out.Note = NoteDeferred
		case models.ActionDeliverNow:
			cl = &claim{prev: next, method: decision.Method}
			delivered := now
			next.Status = models.StatusDelivered
			next.FireAt = eff.FireAt
			next.LastDeliveredAt = &delivered
			next.SnoozeUntil = nil
		}
	default:
		out.Note = NoteSkipped
	}

	var saved models.InterventionState
	var err error
	switch {
	case isNew:
		saved, err = t.d.states.CreateState(ctx, next)
	case stateChanged(before, next):
		next.UpdatedAt = now
		saved, err = t.d.states.UpdateState(ctx, next)
	default:
		saved = next
	}
	if err != nil {
		return Outcome{}, nil, err
	}
	out.Status = saved.Status
	if cl != nil {
		cl.state = saved
	}
	return out, cl, nil
}

// effectiveFireAt is the earliest instant the candidate may deliver: its own
// fire instant, pushed back by the rule's frequency cap and by an active snooze.
func (t *tick) effectiveFireAt(c models.Candidate, st models.InterventionState) time.Time {
	fire := c.FireAt
	if capDur := t.prefs.FrequencyCap(); capDur > 0 {
		if last, ok := t.lastByRule[c.RuleID]; ok {
			if bound := last.Add(capDur); bound.After(fire) {
				fire = bound
			}
		}
	}
	if st.Status == models.StatusSnoozed && st.SnoozeUntil != nil && st.SnoozeUntil.After(fire) {
		fire = *st.SnoozeUntil
	}
	return fire
}

// deliver sends a claimed intervention. A failed send puts the state back to
// PENDING for the next tick, or EXPIRED once the attempts are used up.
func (t *tick) deliver(ctx context.Context, c models.Candidate, cl *claim, out *Outcome) error {
	st := cl.state
	var previous time.Time
	if cl.prev.LastDeliveredAt != nil {
		previous = *cl.prev.LastDeliveredAt
	}
	message := RenderTemplate(c.Template, c.Payload)
	if message == "" {
		message = defaultMessage(c.RuleName)
	}
	title := c.RuleName
	if c.Event != nil && c.Event.Title != "" {
		title = c.Event.Title
	}
	cmd := models.DeliveryCommand{
		ID:          models.CommandID(st.Key(), st.Instance, previous, cl.prev.Attempts),
		UserID:      st.UserID,
		RuleID:      st.RuleID,
		SubjectKey:  st.SubjectKey,
		Method:      cl.method,
		Title:       title,
		Message:     message,
		Recipient:   t.prefs.ContactPhone,
		StressScore: c.StressScore,
		FireAt:      st.FireAt,
		CreatedAt:   t.now,
	}
	t.d.enrich(ctx, t.logger, t.prefs, c, &cmd)

	sctx, cancel := context.WithTimeout(ctx, DefaultSendTimeout)
	sendErr := t.d.transport.Send(sctx, cmd)
	cancel()

	if sendErr == nil {
		t.lastByRule[c.RuleID] = t.now
		t.report.Commands = append(t.report.Commands, cmd)
		t.d.observer.Delivered(cmd)
		t.d.record(ctx, t.logger, cmd, models.DeliveryStatusSent, nil, t.now)
		t.logger.Info("Dispatcher.Tick: intervention delivered", "command_id", cmd.ID, "subject_key", cmd.SubjectKey,
			"rule_id", cmd.RuleID, "method", cmd.Method)
		out.Note = NoteDelivered
		return nil
	}

	derr := &models.DeliveryError{CommandID: cmd.ID, Method: cmd.Method, Err: sendErr}
	t.report.Failed++
	t.d.observer.DeliveryFailed(cmd, derr)
	t.d.record(ctx, t.logger, cmd, models.DeliveryStatusFailed, derr, t.now)

	revert := cl.prev
	revert.Version = st.Version
	revert.Attempts++
	revert.UpdatedAt = t.now
	revert.Status = models.StatusPending
	if revert.Attempts >= t.d.maxAttempts {
		revert.Status = models.StatusExpired
	}
	saved, err := t.d.states.UpdateState(ctx, revert)
	if errors.Is(err, models.ErrStateConflict) {
		// A user action landed while sending; it wins.
		t.logger.Info("Dispatcher.Tick: state changed during failed delivery", "subject_key", st.SubjectKey, "rule_id", st.RuleID)
		out.Note = NoteSendFailed
		return nil
	}
	if err != nil {
		return err
	}
	if saved.Status == models.StatusExpired {
		t.report.Expired++
	}
	t.logger.Warn("Dispatcher.Tick: delivery failed", "command_id", cmd.ID, "subject_key", st.SubjectKey,
		"attempts", saved.Attempts, "status", saved.Status, "error", sendErr)
	out.Status = saved.Status
	out.Note = NoteSendFailed
	return nil
}

// retire handles a stored state whose subject this tick did not produce: the
// held flag is released and a pending delivery whose time has passed expires.
func (t *tick) retire(ctx context.Context, st models.InterventionState) error {
	key := st.Key()
	expired := false
	err := t.d.retryOnConflict(ctx, key, &st, func(cur *models.InterventionState) error {
		expired = false
		if cur == nil {
			return nil
		}
		next := *cur
		next.Held = false
		due := next.FireAt
		if next.Status == models.StatusSnoozed && next.SnoozeUntil != nil {
			due = *next.SnoozeUntil
		}
		if (next.Status == models.StatusPending || next.Status == models.StatusSnoozed) && !t.now.Before(due) {
			next.Status = models.StatusExpired
			expired = true
		}
		if !stateChanged(*cur, next) {
			return nil
		}
		next.UpdatedAt = t.now
		_, err := t.d.states.UpdateState(ctx, next)
		return err
	})
	if errors.Is(err, models.ErrStateConflict) {
		t.report.Conflicts++
		t.d.observer.StateConflict(key)
		return nil
	}
	if err != nil {
		return err
	}
	if expired {
		t.report.Expired++
		t.report.add(Outcome{Key: key, Status: models.StatusExpired, Note: NoteNotProduced})
	}
	return nil
}

// enrich asks the analysis collaborator for a better message. Any failure
// keeps the static template.
func (d *Dispatcher) enrich(ctx context.Context, logger *slog.Logger, prefs models.UserPreferences, c models.Candidate, cmd *models.DeliveryCommand) {
	if d.analyzer == nil || !prefs.AIEnabled {
		return
	}
	actx, cancel := context.WithTimeout(ctx, d.analysisTimeout)
	defer cancel()
	res, err := d.analyzer.Analyze(actx, models.AnalysisRequest{
		UserID:      c.UserID,
		RuleID:      c.RuleID,
		RuleName:    c.RuleName,
		Message:     cmd.Message,
		Tone:        prefs.Tone,
		StressScore: c.StressScore,
		Variables:   c.Payload,
	})
	if err != nil {
		logger.Warn("Dispatcher.enrich: analysis unavailable, using static template", "rule_id", c.RuleID, "error", err)
		d.observer.EnrichmentFailed(c.UserID, &models.CollaboratorError{Collaborator: "ai_analysis", UserID: c.UserID, Err: err})
		return
	}
	if m := strings.TrimSpace(res.Message); m != "" {
		cmd.Message = m
	}
	cmd.RiskScore = res.RiskScore
}

func (d *Dispatcher) record(ctx context.Context, logger *slog.Logger, cmd models.DeliveryCommand, status models.DeliveryStatus, sendErr error, now time.Time) {
	if d.receipts == nil {
		return
	}
	r := models.Receipt{
		CommandID:  cmd.ID,
		UserID:     cmd.UserID,
		RuleID:     cmd.RuleID,
		SubjectKey: cmd.SubjectKey,
		Method:     cmd.Method,
		Status:     status,
		Time:       now,
	}
	if sendErr != nil {
		r.Error = sendErr.Error()
	}
	if err := d.receipts.AddReceipt(ctx, r); err != nil {
		logger.Warn("Dispatcher.record: failed to store receipt", "command_id", cmd.ID, "error", err)
	}
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// stateChanged reports whether b differs from a in any persisted field other
// than the version and timestamps of the write itself.
func stateChanged(a, b models.InterventionState) bool {
	return a.Status != b.Status ||
		!a.Instance.Equal(b.Instance) ||
		!a.FireAt.Equal(b.FireAt) ||
		!timePtrEqual(a.SnoozeUntil, b.SnoozeUntil) ||
		!timePtrEqual(a.LastDeliveredAt, b.LastDeliveredAt) ||
		a.Attempts != b.Attempts ||
		a.Held != b.Held ||
		!a.LastSeenAt.Equal(b.LastSeenAt)
}
