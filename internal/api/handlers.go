package api

import (
	"log/slog"
	"net/http"

	"github.com/BTreeMap/Respite/internal/models"
	"github.com/BTreeMap/Respite/internal/tone"
	"github.com/BTreeMap/Respite/internal/trigger"
	"github.com/BTreeMap/Respite/internal/usercontext"
	"github.com/BTreeMap/Respite/internal/util"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{
		"sessions": len(s.deps.Sessions.Sessions()),
		"time":     s.clock().UTC(),
	}))
}

func (s *Server) listRulesHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	rules, err := s.deps.Store.ListRules(r.Context(), userID)
	if err != nil {
		writeError(w, "listRulesHandler", err)
		return
	}
	if rules == nil {
		rules = []models.InterventionRule{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rules))
}

func (s *Server) createRuleHandler(w http.ResponseWriter, r *http.Request) {
	var rule models.InterventionRule
	if err := decodeJSON(w, r, &rule); err != nil {
		slog.Warn("Server.createRuleHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	rule.ID = util.GenerateRuleID()
	s.saveRule(w, r, rule, http.StatusCreated)
}

func (s *Server) putRuleHandler(w http.ResponseWriter, r *http.Request) {
	var rule models.InterventionRule
	if err := decodeJSON(w, r, &rule); err != nil {
		slog.Warn("Server.putRuleHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	rule.ID = r.PathValue("ruleID")
	s.saveRule(w, r, rule, http.StatusOK)
}

// saveRule validates and stores a rule. Conditions are parsed up front so a
// client learns about a bad payload immediately; rules already stored with a
// bad payload are still quarantined by the engine.
func (s *Server) saveRule(w http.ResponseWriter, r *http.Request, rule models.InterventionRule, status int) {
	userID := r.PathValue("userID")
	now := s.clock()
	rule.UserID = userID
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	if err := rule.Validate(); err != nil {
		slog.Warn("Server.saveRule: validation failed", "error", err, "rule_id", rule.ID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := trigger.Check(rule); err != nil {
		writeError(w, "saveRule", err)
		return
	}
	if err := s.deps.Store.SaveRule(r.Context(), rule); err != nil {
		writeError(w, "saveRule", err)
		return
	}
	if rule.IsActive && s.deps.Sessions.StartUser(userID) {
		slog.Debug("Server.saveRule: session started", "user_id", userID)
	}
	slog.Info("Server.saveRule: rule saved", "user_id", userID, "rule_id", rule.ID, "active", rule.IsActive)
	writeJSONResponse(w, status, models.Success(rule))
}

func (s *Server) deleteRuleHandler(w http.ResponseWriter, r *http.Request) {
	userID, ruleID := r.PathValue("userID"), r.PathValue("ruleID")
	if err := s.deps.Store.DeleteRule(r.Context(), userID, ruleID); err != nil {
		writeError(w, "deleteRuleHandler", err)
		return
	}
	slog.Info("Server.deleteRuleHandler: rule deleted", "user_id", userID, "rule_id", ruleID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Rule deleted", nil))
}

func (s *Server) getPreferencesHandler(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.deps.Store.GetPreferences(r.Context(), r.PathValue("userID"))
	if err != nil {
		writeError(w, "getPreferencesHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(prefs))
}

func (s *Server) putPreferencesHandler(w http.ResponseWriter, r *http.Request) {
	var prefs models.UserPreferences
	if err := decodeJSON(w, r, &prefs); err != nil {
		slog.Warn("Server.putPreferencesHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	prefs.UserID = r.PathValue("userID")
	prefs.UpdatedAt = s.clock()
	if err := prefs.Validate(); err != nil {
		slog.Warn("Server.putPreferencesHandler: validation failed", "error", err, "user_id", prefs.UserID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if prefs.Tone != "" {
		if err := tone.Validate(prefs.Tone); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
	}
	if err := s.deps.Store.SavePreferences(r.Context(), prefs); err != nil {
		writeError(w, "putPreferencesHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(prefs))
}

func (s *Server) contextHandler(w http.ResponseWriter, r *http.Request) {
	var u usercontext.Update
	if err := decodeJSON(w, r, &u); err != nil {
		slog.Warn("Server.contextHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	userID := r.PathValue("userID")
	s.deps.Context.Apply(userID, u, s.clock())
	slog.Debug("Server.contextHandler: context applied", "user_id", userID,
		"calendar", len(u.CalendarEvents), "metrics", len(u.Metrics),
		"events", len(u.ExternalEvents), "signals", len(u.BehaviorSignals))
	writeJSONResponse(w, http.StatusAccepted, models.Recorded())
}

type sessionStatus struct {
	UserID string `json:"user_id"`
	Active bool   `json:"active"`
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	writeJSONResponse(w, http.StatusOK, models.Success(sessionStatus{UserID: userID, Active: s.deps.Sessions.HasSession(userID)}))
}

func (s *Server) startSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	s.deps.Sessions.StartUser(userID)
	writeJSONResponse(w, http.StatusOK, models.Success(sessionStatus{UserID: userID, Active: true}))
}

func (s *Server) stopSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	s.deps.Sessions.StopUser(userID)
	writeJSONResponse(w, http.StatusOK, models.Success(sessionStatus{UserID: userID, Active: false}))
}

func (s *Server) tickHandler(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Sessions.TickNow(r.Context(), r.PathValue("userID"))
	if err != nil {
		writeError(w, "tickHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(report))
}

func (s *Server) listInterventionsHandler(w http.ResponseWriter, r *http.Request) {
	states, err := s.deps.Store.ListStates(r.Context(), r.PathValue("userID"))
	if err != nil {
		writeError(w, "listInterventionsHandler", err)
		return
	}
	if states == nil {
		states = []models.InterventionState{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(states))
}

type snoozeRequest struct {
	Minutes int `json:"minutes"`
}

func (s *Server) snoozeHandler(w http.ResponseWriter, r *http.Request) {
	var req snoozeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.snoozeHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	states, err := s.deps.Actions.Snooze(r.Context(), r.PathValue("userID"), r.PathValue("subjectKey"), req.Minutes, s.clock())
	if err != nil {
		writeError(w, "snoozeHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(states))
}

func (s *Server) dismissHandler(w http.ResponseWriter, r *http.Request) {
	states, err := s.deps.Actions.Dismiss(r.Context(), r.PathValue("userID"), r.PathValue("subjectKey"), s.clock())
	if err != nil {
		writeError(w, "dismissHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(states))
}

func (s *Server) inboxHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.deps.Inbox.List(r.PathValue("userID"), limitParam(r, 50))))
}

func (s *Server) deliveriesHandler(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.deps.Store.ListReceipts(r.Context(), r.PathValue("userID"), limitParam(r, 50))
	if err != nil {
		writeError(w, "deliveriesHandler", err)
		return
	}
	if receipts == nil {
		receipts = []models.Receipt{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(receipts))
}
