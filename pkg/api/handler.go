package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/gobudget/pkg/budget"
)

const (
	maxTenantIDLen = 255
	maxBodyBytes   = 1 << 20
)

var errTenantMissing = errors.New("tenant ID not found")

// Handler provides HTTP endpoints for budget inspection and administration
type Handler struct {
	config Config
}

// Routes returns a router serving every endpoint under /budget
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

// Register mounts the budget endpoints on an existing router
func (h *Handler) Register(r chi.Router) {
	r.Route("/budget", func(r chi.Router) {
		r.Get("/dashboard", h.GetDashboard)
		r.Get("/limits", h.GetLimits)
		r.Post("/limits", h.SetLimits)
		r.Post("/emergency-stop", h.SetEmergencyStop)
		r.Post("/evaluate", h.Evaluate)
		r.Get("/usage", h.GetUsage)
		r.Post("/usage", h.RecordUsage)
	})
}

// GetDashboard returns the tenant's limits, usage and status in one snapshot
func (h *Handler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	// Storage failures degrade inside the governor, so only tenant errors reach here
	dashboard, err := h.config.Governor.GetDashboard(r.Context(), tenantID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if dashboard.Degraded {
		h.config.Logger.Warn("serving degraded dashboard", budget.Field{Key: "tenant_id", Value: tenantID})
	}

	h.writeJSON(w, http.StatusOK, DashboardResponse{
		Response:  Response{Success: true},
		Dashboard: dashboard,
	})
}

// GetLimits returns the tenant's effective limits
func (h *Handler) GetLimits(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var limits budget.Limits
	err := h.retry(r.Context(), budget.IsTransient, func() error {
		var err error
		limits, err = h.config.Governor.GetLimits(r.Context(), tenantID)
		return err
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, LimitsResponse{
		Response: Response{Success: true},
		Limits:   limits,
	})
}

// SetLimits updates the tenant's limits. Fields absent from the body keep
// their current values; the merged result is validated as a whole.
func (h *Handler) SetLimits(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	current, err := h.config.Governor.GetLimits(r.Context(), tenantID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	limits := current
	if err := h.decode(w, r, &limits); err != nil {
		h.writeJSON(w, http.StatusBadRequest, Response{Error: err.Error()})
		return
	}

	err = h.retry(r.Context(), budget.IsTransient, func() error {
		return h.config.Governor.SetLimits(r.Context(), tenantID, limits)
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, Response{Success: true})
}

// SetEmergencyStop engages or releases the tenant's kill-switch
func (h *Handler) SetEmergencyStop(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var req EmergencyStopRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, Response{Error: err.Error()})
		return
	}

	err := h.retry(r.Context(), budget.IsTransient, func() error {
		return h.config.Governor.SetEmergencyStop(r.Context(), tenantID, req.Enabled)
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, EmergencyStopResponse{
		Response: Response{Success: true},
		Enabled:  req.Enabled,
	})
}

// Evaluate returns the admission decision for a proposed action without recording it
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var action budget.Action
	if err := h.decode(w, r, &action); err != nil {
		h.writeJSON(w, http.StatusBadRequest, Response{Error: err.Error()})
		return
	}

	var decision *budget.Decision
	err := h.retry(r.Context(), budget.IsTransient, func() error {
		var err error
		decision, err = h.config.Governor.Evaluate(r.Context(), tenantID, action)
		return err
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, DecisionResponse{
		Response: Response{Success: true},
		Decision: decision,
	})
}

// GetUsage returns the tenant's usage for the current day
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var usage *budget.UsageRecord
	err := h.retry(r.Context(), budget.IsTransient, func() error {
		var err error
		usage, err = h.config.Governor.GetUsage(r.Context(), tenantID)
		return err
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, UsageResponse{
		Response: Response{Success: true},
		Usage:    usage,
	})
}

// RecordUsage books the actual cost of a completed action
func (h *Handler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var req RecordRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, Response{Error: err.Error()})
		return
	}

	// Only a lost optimistic race is known not to have been applied
	retryable := func(err error) bool { return errors.Is(err, budget.ErrConcurrencyConflict) }

	var usage *budget.UsageRecord
	err := h.retry(r.Context(), retryable, func() error {
		var err error
		usage, err = h.config.Governor.Record(r.Context(), tenantID, req.AgentID, req.Kind, req.Cost)
		return err
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, UsageResponse{
		Response: Response{Success: true},
		Usage:    usage,
	})
}

// tenant extracts and validates the tenant ID, writing an error response when absent
func (h *Handler) tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := h.config.GetTenantID(r)
	if tenantID == "" {
		h.handleError(w, r, errTenantMissing)
		return "", false
	}
	if len(tenantID) > maxTenantIDLen {
		h.handleError(w, r, budget.ErrInvalidTenant)
		return "", false
	}
	return tenantID, true
}

// retry runs op until it succeeds, fails with an error shouldRetry rejects,
// or MaxRetries is exhausted
func (h *Handler) retry(ctx context.Context, shouldRetry func(error) bool, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = h.config.RetryInterval

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !shouldRetry(err) {
			return backoff.Permanent(err)
		}
		h.config.Logger.Debug("retrying budget operation",
			budget.Field{Key: "attempt", Value: attempt},
			budget.Field{Key: "error", Value: err.Error()},
		)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(h.config.MaxRetries)), ctx))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	status := StatusCode(err)
	if status >= http.StatusInternalServerError {
		h.config.Logger.Error("budget request failed",
			budget.Field{Key: "path", Value: r.URL.Path},
			budget.Field{Key: "error", Value: err.Error()},
		)
	}

	resp := Response{Error: err.Error()}
	var verr *budget.ValidationError
	if errors.As(err, &verr) {
		resp.Fields = verr.Fields
	}
	h.writeJSON(w, status, resp)
}

// StatusCode maps governor errors to HTTP status codes
func StatusCode(err error) int {
	switch {
	case errors.Is(err, errTenantMissing):
		return http.StatusUnauthorized
	case errors.Is(err, budget.ErrValidation),
		errors.Is(err, budget.ErrInvalidTenant),
		errors.Is(err, budget.ErrInvalidAmount),
		errors.Is(err, budget.ErrInvalidAction):
		return http.StatusBadRequest
	case errors.Is(err, budget.ErrConcurrencyCapReached):
		return http.StatusTooManyRequests
	case errors.Is(err, budget.ErrConcurrencyConflict):
		return http.StatusConflict
	case budget.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response already started; nothing more to send
		h.config.Logger.Debug("failed to encode response", budget.Field{Key: "error", Value: err.Error()})
	}
}
