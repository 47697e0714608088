package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"callaudit-server/pkg/audit"
	"callaudit-server/pkg/database"
	"callaudit-server/pkg/errors"
	"callaudit-server/pkg/rules"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// CallStatusService answers where a call is in the audit pipeline
type CallStatusService interface {
	Lookup(ctx context.Context, callID string) (*audit.CallStatus, error)
}

// AuditQueryService reads persisted audit data
type AuditQueryService interface {
	ListViolationsByCall(ctx context.Context, callID string) ([]database.ViolationRecord, error)
	ListViolations(ctx context.Context, filter database.ViolationFilter) ([]database.ViolationRecord, error)
	Report(ctx context.Context, start, end time.Time) (*database.Report, error)
}

// RuleService manages compliance rules
type RuleService interface {
	ListRules(ctx context.Context, active *bool) ([]rules.Rule, error)
	GetRule(ctx context.Context, id string) (*rules.Rule, error)
	UpsertRule(ctx context.Context, rule rules.Rule) (*rules.Rule, error)
	DeactivateRule(ctx context.Context, id string) error
}

const defaultReportWindow = 24 * time.Hour

// AuditHandler serves /api/audit
type AuditHandler struct {
	logger  *logrus.Logger
	status  CallStatusService
	queries AuditQueryService
	rules   RuleService
	now     func() time.Time
}

// NewAuditHandler creates the audit API handler
func NewAuditHandler(logger *logrus.Logger, status CallStatusService, queries AuditQueryService, ruleService RuleService) *AuditHandler {
	return &AuditHandler{
		logger:  logger,
		status:  status,
		queries: queries,
		rules:   ruleService,
		now:     time.Now,
	}
}

// RegisterHandlers mounts the audit routes on the server
func (h *AuditHandler) RegisterHandlers(server *Server) {
	api := server.Router().PathPrefix("/api/audit").Subrouter()

	api.HandleFunc("/calls/{callId}", h.handleGetCall).Methods(http.MethodGet)
	api.HandleFunc("/calls/{callId}/violations", h.handleCallViolations).Methods(http.MethodGet)
	api.HandleFunc("/violations", h.handleListViolations).Methods(http.MethodGet)
	api.HandleFunc("/reports", h.handleReport).Methods(http.MethodGet)

	api.HandleFunc("/rules", h.handleListRules).Methods(http.MethodGet)
	api.HandleFunc("/rules/{id}", h.handleGetRule).Methods(http.MethodGet)
	api.HandleFunc("/rules/{id}", h.handlePutRule).Methods(http.MethodPut)
	api.HandleFunc("/rules/{id}", h.handleDeleteRule).Methods(http.MethodDelete)

	h.logger.Info("Audit API registered at /api/audit")
}

// handleGetCall returns the audit result, or where the call is if it has
// none yet: 202 while correlating, 410 when expired, 422 when failed.
func (h *AuditHandler) handleGetCall(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["callId"]

	status, err := h.status.Lookup(r.Context(), callID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, status.Result)
	case status != nil:
		writeJSON(w, errors.HTTPStatusFromError(err), status)
	default:
		h.writeError(w, r, err)
	}
}

func (h *AuditHandler) handleCallViolations(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["callId"]

	violations, err := h.queries.ListViolationsByCall(r.Context(), callID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"callId":     callID,
		"violations": nonNil(violations),
		"count":      len(violations),
	})
}

func (h *AuditHandler) handleListViolations(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := database.ViolationFilter{RuleID: strings.TrimSpace(query.Get("ruleId"))}

	if raw := query.Get("severity"); raw != "" {
		sev, ok := rules.ParseSeverity(raw)
		if !ok {
			h.writeError(w, r, errors.NewInvalidInput(fmt.Sprintf("unknown severity %q", raw)))
			return
		}
		filter.Severity = sev
	}

	var err error
	if filter.Limit, err = intParam(query.Get("limit"), "limit"); err != nil {
		h.writeError(w, r, err)
		return
	}
	if filter.Offset, err = intParam(query.Get("offset"), "offset"); err != nil {
		h.writeError(w, r, err)
		return
	}

	violations, err := h.queries.ListViolations(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"violations": nonNil(violations),
		"count":      len(violations),
	})
}

// handleReport aggregates audits in [startDate, endDate). Both default to
// the last 24 hours.
func (h *AuditHandler) handleReport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	end := h.now().UTC()
	if raw := query.Get("endDate"); raw != "" {
		t, err := parseDate(raw, "endDate")
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		end = t
	}
	start := end.Add(-defaultReportWindow)
	if raw := query.Get("startDate"); raw != "" {
		t, err := parseDate(raw, "startDate")
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		start = t
	}

	report, err := h.queries.Report(r.Context(), start, end)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *AuditHandler) handleListRules(w http.ResponseWriter, r *http.Request) {
	var active *bool
	if raw := r.URL.Query().Get("active"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeError(w, r, errors.NewInvalidInput(fmt.Sprintf("active must be true or false, got %q", raw)))
			return
		}
		active = &v
	}

	list, err := h.rules.ListRules(r.Context(), active)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": nonNil(list),
		"count": len(list),
	})
}

func (h *AuditHandler) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.GetRule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// ruleRequest is the PUT body. Active defaults to true so that a partial
// body does not silently disable a rule.
type ruleRequest struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Severity    string          `json:"severity"`
	Active      *bool           `json:"active"`
	Definition  json.RawMessage `json:"definition"`
}

func (h *AuditHandler) handlePutRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.NewInvalidInput(fmt.Sprintf("invalid rule payload: %v", err)))
		return
	}
	if req.ID != "" && req.ID != id {
		h.writeError(w, r, errors.NewInvalidInput(fmt.Sprintf("rule id %q does not match path %q", req.ID, id)))
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	stored, err := h.rules.UpsertRule(r.Context(), rules.Rule{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Category:    req.Category,
		Severity:    rules.Severity(req.Severity),
		Active:      active,
		Definition:  req.Definition,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"rule_id": stored.ID,
		"version": stored.Version,
		"active":  stored.Active,
	}).Info("Compliance rule updated")

	code := http.StatusOK
	if stored.Version == 1 {
		code = http.StatusCreated
	}
	writeJSON(w, code, stored)
}

func (h *AuditHandler) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.rules.DeactivateRule(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.WithField("rule_id", id).Info("Compliance rule deactivated")
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuditHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	entry := h.logger.WithError(err).WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
	})
	if errors.HTTPStatusFromError(err) >= http.StatusInternalServerError {
		entry.Error("Audit API request failed")
	} else {
		entry.Debug("Audit API request rejected")
	}
	errors.WriteError(w, err)
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.NewInvalidInput(fmt.Sprintf("%s must be a non-negative integer, got %q", name, raw))
	}
	return v, nil
}

// parseDate accepts RFC3339 or a bare calendar date (midnight UTC).
func parseDate(raw, name string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	return time.Time{}, errors.NewInvalidInput(fmt.Sprintf("%s must be RFC3339 or YYYY-MM-DD, got %q", name, raw))
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
