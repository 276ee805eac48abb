package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobudget/pkg/budget"
	"github.com/mihaimyh/gobudget/storage/memory"
)

const testTenant = "tenant-1"

// flakyStorage fails the first failLimits GetLimits calls with a transient error
type flakyStorage struct {
	*memory.Storage
	failLimits int32
	calls      int32
}

func (f *flakyStorage) GetLimits(ctx context.Context, tenantID string) (*budget.Limits, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.failLimits {
		return nil, budget.NewStorageError("get limits", errors.New("connection reset"))
	}
	return f.Storage.GetLimits(ctx, tenantID)
}

func newTestHandler(t *testing.T, storage budget.Storage) *Handler {
	t.Helper()
	if storage == nil {
		storage = memory.New()
	}
	gov, err := budget.NewGovernor(storage, nil)
	require.NoError(t, err)

	handler, err := NewHandler(Config{
		Governor:      gov,
		RetryInterval: time.Millisecond,
	})
	require.NoError(t, err)
	return handler
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(DefaultTenantHeader, testTenant)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewHandler_RequiresGovernor(t *testing.T) {
	_, err := NewHandler(Config{})
	assert.Error(t, err)
}

func TestHandler_MissingTenant(t *testing.T) {
	routes := newTestHandler(t, nil).Routes()

	req := httptest.NewRequest(http.MethodGet, "/budget/dashboard", nil)
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var resp Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.False(t, resp.Success)
}

func TestHandler_GetDashboard_NewTenant(t *testing.T) {
	routes := newTestHandler(t, nil).Routes()

	rec := do(t, routes, http.MethodGet, "/budget/dashboard", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp DashboardResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Dashboard)
	assert.True(t, resp.Dashboard.Limits.DailyMaxAmount.Equal(decimal.NewFromInt(100)))
	assert.True(t, resp.Dashboard.Usage.TotalSpent.IsZero())
	assert.True(t, resp.Dashboard.Status.Allowed)
	assert.False(t, resp.Dashboard.EmergencyStopEnabled)
}

func TestHandler_SetLimits_Validation(t *testing.T) {
	routes := newTestHandler(t, nil).Routes()

	rec := do(t, routes, http.MethodPost, "/budget/limits", map[string]interface{}{
		"warningThresholdPercent": 150,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.False(t, resp.Success)
	require.Len(t, resp.Fields, 1)
	assert.Equal(t, "warningThresholdPercent", resp.Fields[0].Field)

	// Nothing was written
	rec = do(t, routes, http.MethodGet, "/budget/limits", nil)
	var limits LimitsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&limits))
	assert.Equal(t, 80, limits.Limits.WarningThresholdPercent)
}

func TestHandler_SetLimits_MergesPartialBody(t *testing.T) {
	routes := newTestHandler(t, nil).Routes()

	rec := do(t, routes, http.MethodPost, "/budget/limits", map[string]interface{}{
		"dailyMaxAmount":          50,
		"warningThresholdPercent": 75,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, routes, http.MethodGet, "/budget/limits", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp LimitsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Limits.DailyMaxAmount.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, 75, resp.Limits.WarningThresholdPercent)
	assert.Equal(t, int64(10000), resp.Limits.MaxCallsPerDay)
}

func TestHandler_SetLimits_BadBody(t *testing.T) {
	routes := newTestHandler(t, nil).Routes()

	req := httptest.NewRequest(http.MethodPost, "/budget/limits", bytes.NewBufferString("{not json"))
	req.Header.Set(DefaultTenantHeader, testTenant)
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, routes, http.MethodPost, "/budget/limits", map[string]interface{}{"unknownField": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_EmergencyStop(t *testing.T) {
	routes := newTestHandler(t, nil).Routes()

	rec := do(t, routes, http.MethodPost, "/budget/emergency-stop", EmergencyStopRequest{Enabled: true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, routes, http.MethodGet, "/budget/dashboard", nil)
	var resp DashboardResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Dashboard.EmergencyStopEnabled)
	assert.False(t, resp.Dashboard.Status.Allowed)

	rec = do(t, routes, http.MethodPost, "/budget/evaluate", budget.Action{Kind: budget.ActionLLMCall})
	var decision DecisionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&decision))
	assert.False(t, decision.Decision.Allowed)
	assert.Equal(t, budget.ReasonEmergencyStop, decision.Decision.Reason)
}

func TestHandler_EvaluateAndRecord(t *testing.T) {
	routes := newTestHandler(t, nil).Routes()

	rec := do(t, routes, http.MethodPost, "/budget/evaluate", budget.Action{
		Kind:          budget.ActionLLMCall,
		EstimatedCost: decimal.NewFromInt(10),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var decision DecisionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&decision))
	assert.True(t, decision.Decision.Allowed)

	rec = do(t, routes, http.MethodPost, "/budget/usage", RecordRequest{
		Kind:    budget.ActionLLMCall,
		AgentID: "writer",
		Cost:    decimal.RequireFromString("9.5"),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, routes, http.MethodGet, "/budget/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var usage UsageResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&usage))
	assert.True(t, usage.Usage.TotalSpent.Equal(decimal.RequireFromString("9.5")))
	assert.Equal(t, int64(1), usage.Usage.LLMCallCount)
	assert.True(t, usage.Usage.CostByAgent["writer"].Equal(decimal.RequireFromString("9.5")))

	rec = do(t, routes, http.MethodPost, "/budget/usage", RecordRequest{
		Kind: "teleport",
		Cost: decimal.NewFromInt(1),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, routes, http.MethodPost, "/budget/usage", RecordRequest{
		Kind: budget.ActionLLMCall,
		Cost: decimal.NewFromInt(-1),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_RetriesTransientErrors(t *testing.T) {
	storage := &flakyStorage{Storage: memory.New(), failLimits: 2}
	routes := newTestHandler(t, storage).Routes()

	rec := do(t, routes, http.MethodGet, "/budget/limits", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(3), atomic.LoadInt32(&storage.calls))
}

func TestHandler_GivesUpAfterMaxRetries(t *testing.T) {
	storage := &flakyStorage{Storage: memory.New(), failLimits: 100}
	routes := newTestHandler(t, storage).Routes()

	rec := do(t, routes, http.MethodGet, "/budget/limits", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, int32(4), atomic.LoadInt32(&storage.calls), "one attempt plus three retries")
}

func TestHandler_DegradedDashboard(t *testing.T) {
	storage := &flakyStorage{Storage: memory.New(), failLimits: 100}
	routes := newTestHandler(t, storage).Routes()

	rec := do(t, routes, http.MethodGet, "/budget/dashboard", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp DashboardResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.True(t, resp.Dashboard.Degraded)
	assert.True(t, resp.Dashboard.Usage.TotalSpent.IsZero())
}

func TestHandler_OnError(t *testing.T) {
	gov, err := budget.NewGovernor(memory.New(), nil)
	require.NoError(t, err)

	var called bool
	handler, err := NewHandler(Config{
		Governor: gov,
		OnError: func(w http.ResponseWriter, _ *http.Request, _ error) {
			called = true
			w.WriteHeader(http.StatusTeapot)
		},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/budget/usage", nil))
	assert.True(t, called)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestFromContext(t *testing.T) {
	type key struct{}
	extract := FromContext(key{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, extract(req))

	req = req.WithContext(context.WithValue(req.Context(), key{}, "tenant-9"))
	assert.Equal(t, "tenant-9", extract(req))
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errTenantMissing, http.StatusUnauthorized},
		{&budget.ValidationError{}, http.StatusBadRequest},
		{budget.ErrInvalidAmount, http.StatusBadRequest},
		{budget.ErrConcurrencyCapReached, http.StatusTooManyRequests},
		{budget.ErrConcurrencyConflict, http.StatusConflict},
		{budget.NewStorageError("get usage", errors.New("timeout")), http.StatusServiceUnavailable},
		{budget.ErrCircuitOpen, http.StatusServiceUnavailable},
		{errors.New("unexpected"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusCode(tt.err))
		})
	}
}
