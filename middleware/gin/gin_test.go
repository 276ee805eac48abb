package gin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	gongin "github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobudget/pkg/budget"
	"github.com/mihaimyh/gobudget/storage/memory"
)

const testTenant = "tenant-1"

func init() {
	gongin.SetMode(gongin.TestMode)
}

func newGovernor(t *testing.T, maxAmount int64) *budget.Governor {
	t.Helper()
	gov, err := budget.NewGovernor(memory.New(), nil)
	require.NoError(t, err)

	limits := budget.DefaultLimits()
	limits.DailyMaxAmount = decimal.NewFromInt(maxAmount)
	require.NoError(t, gov.SetLimits(context.Background(), testTenant, limits))
	return gov
}

func newRouter(cfg Config, status int) *gongin.Engine {
	r := gongin.New()
	r.Use(Middleware(cfg))
	r.POST("/llm", func(c *gongin.Context) {
		if cost := c.GetHeader("X-Test-Cost"); cost != "" {
			c.Header(CostHeader, cost)
		}
		c.String(status, "ok")
	})
	return r
}

func post(r http.Handler, tenant string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/llm", nil)
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_PanicsOnMissingConfig(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{}) })
}

func TestMiddleware_Unauthorized(t *testing.T) {
	r := newRouter(Config{
		Governor:    newGovernor(t, 10),
		GetTenantID: FromHeader("X-Tenant-ID"),
		GetAction:   LLMCall(decimal.NewFromInt(1)),
	}, http.StatusOK)

	assert.Equal(t, http.StatusUnauthorized, post(r, "", nil).Code)
}

func TestMiddleware_AllowsAndRecordsReportedCost(t *testing.T) {
	gov := newGovernor(t, 10)
	r := newRouter(Config{
		Governor:    gov,
		GetTenantID: FromHeader("X-Tenant-ID"),
		GetAction:   LLMCall(decimal.NewFromInt(1)),
	}, http.StatusOK)

	rec := post(r, testTenant, map[string]string{"X-Test-Cost": "0.25", "X-Agent-ID": "writer"})
	assert.Equal(t, http.StatusOK, rec.Code)

	usage, err := gov.GetUsage(context.Background(), testTenant)
	require.NoError(t, err)
	assert.True(t, usage.TotalSpent.Equal(decimal.RequireFromString("0.25")))
	assert.True(t, usage.CostByAgent["writer"].Equal(decimal.RequireFromString("0.25")))
}

func TestMiddleware_FailedResponseNotBilled(t *testing.T) {
	gov := newGovernor(t, 10)
	r := newRouter(Config{
		Governor:    gov,
		GetTenantID: FromHeader("X-Tenant-ID"),
		GetAction:   LLMCall(decimal.NewFromInt(1)),
	}, http.StatusInternalServerError)

	post(r, testTenant, nil)

	usage, err := gov.GetUsage(context.Background(), testTenant)
	require.NoError(t, err)
	assert.True(t, usage.TotalSpent.IsZero())
}

func TestMiddleware_WarningAndDenial(t *testing.T) {
	gov := newGovernor(t, 10)
	r := newRouter(Config{
		Governor:    gov,
		GetTenantID: FromHeader("X-Tenant-ID"),
		GetAction:   AutonomousLLMCall(decimal.NewFromInt(9)),
	}, http.StatusOK)

	rec := post(r, testTenant, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "90.0%", rec.Header().Get(WarningHeader))

	rec = post(r, testTenant, nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, string(budget.ReasonBudgetExceeded), rec.Header().Get("X-Budget-Reason"))
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	gov := newGovernor(t, 10)
	require.NoError(t, gov.SetEmergencyStop(context.Background(), testTenant, true))

	var reason budget.Reason
	r := newRouter(Config{
		Governor:    gov,
		GetTenantID: FromHeader("X-Tenant-ID"),
		GetAction:   LLMCall(decimal.Zero),
		OnDenied: func(c *gongin.Context, d *budget.Decision) {
			reason = d.Reason
			c.JSON(http.StatusServiceUnavailable, gongin.H{"stopped": true})
		},
	}, http.StatusOK)

	rec := post(r, testTenant, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, budget.ReasonEmergencyStop, reason)
}

func TestFromContext(t *testing.T) {
	c, _ := gongin.CreateTestContext(httptest.NewRecorder())
	assert.Empty(t, FromContext("TenantID")(c))

	c.Set("TenantID", "tenant-3")
	assert.Equal(t, "tenant-3", FromContext("TenantID")(c))
}
