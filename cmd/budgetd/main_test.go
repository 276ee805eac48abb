package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobudget/pkg/api"
	"github.com/mihaimyh/gobudget/pkg/budget"
	prommetrics "github.com/mihaimyh/gobudget/pkg/budget/metrics/prometheus"
	"github.com/mihaimyh/gobudget/pkg/config"
)

func newTestServer(t *testing.T, cfg *config.Config, ping func(context.Context) error) (*httptest.Server, *budget.Governor) {
	t.Helper()

	b, err := openStorage(context.Background(), cfg, nil)
	require.NoError(t, err)
	b.ping = ping
	t.Cleanup(b.Close)

	reg := prometheus.NewRegistry()
	gov, _, err := newGovernor(context.Background(), cfg, b, prommetrics.NewMetrics(reg, "gobudget"), &budget.NoopLogger{})
	require.NoError(t, err)

	handler, err := api.NewHandler(api.Config{Governor: gov})
	require.NoError(t, err)

	srv := httptest.NewServer(newRouter(handler, reg, b, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return srv, gov
}

func memoryConfig() *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{Backend: config.BackendMemory, UseStorageClock: true},
	}
}

func get(t *testing.T, url, tenant string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRouter_Healthz(t *testing.T) {
	srv, _ := newTestServer(t, memoryConfig(), nil)
	assert.Equal(t, http.StatusOK, get(t, srv.URL+"/healthz", "").StatusCode)

	down, _ := newTestServer(t, memoryConfig(), func(context.Context) error { return errors.New("down") })
	assert.Equal(t, http.StatusServiceUnavailable, get(t, down.URL+"/healthz", "").StatusCode)
}

func TestRouter_DashboardAndMetrics(t *testing.T) {
	srv, gov := newTestServer(t, memoryConfig(), nil)

	_, err := gov.RecordLLMCall(context.Background(), "acme", "writer", decimal.RequireFromString("1.25"))
	require.NoError(t, err)

	resp := get(t, srv.URL+"/budget/dashboard", "acme")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body api.DashboardResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Success)
	assert.True(t, body.Dashboard.Usage.TotalSpent.Equal(decimal.RequireFromString("1.25")))

	resp = get(t, srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "gobudget_budget_cost_total")
}

func TestNewGovernor_AppliesSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
defaults:
  dailyMaxAmount: 40
tenants:
  acme:
    dailyMaxAmount: 5
`), 0o600))

	cfg := memoryConfig()
	cfg.Governor.SeedFile = path

	srv, gov := newTestServer(t, cfg, nil)
	ctx := context.Background()

	limits, err := gov.GetLimits(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, limits.DailyMaxAmount.Equal(decimal.NewFromInt(5)))

	limits, err = gov.GetLimits(ctx, "globex")
	require.NoError(t, err)
	assert.True(t, limits.DailyMaxAmount.Equal(decimal.NewFromInt(40)))

	assert.Equal(t, http.StatusUnauthorized, get(t, srv.URL+"/budget/limits", "").StatusCode)
}

func TestOpenStorage_UnknownBackend(t *testing.T) {
	_, err := openStorage(context.Background(), &config.Config{Storage: config.StorageConfig{Backend: "etcd"}}, nil)
	assert.Error(t, err)
}
