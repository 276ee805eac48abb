package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobudget/pkg/budget"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestZerologLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		log   func(l *Logger)
	}{
		{"debug", func(l *Logger) { l.Debug("msg", budget.Field{Key: "tenant_id", Value: "t1"}) }},
		{"info", func(l *Logger) { l.Info("msg", budget.Field{Key: "tenant_id", Value: "t1"}) }},
		{"warn", func(l *Logger) { l.Warn("msg", budget.Field{Key: "tenant_id", Value: "t1"}) }},
		{"error", func(l *Logger) { l.Error("msg", budget.Field{Key: "tenant_id", Value: "t1"}) }},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var output bytes.Buffer
			tt.log(NewLogger(zerolog.New(&output)))

			entry := decodeLine(t, &output)
			assert.Equal(t, tt.level, entry["level"])
			assert.Equal(t, "msg", entry["message"])
			assert.Equal(t, "t1", entry["tenant_id"])
		})
	}
}

func TestZerologLogger_FieldTypes(t *testing.T) {
	var output bytes.Buffer
	logger := NewLogger(zerolog.New(&output))

	logger.Info("typed",
		budget.Field{Key: "enabled", Value: true},
		budget.Field{Key: "count", Value: 3},
		budget.Field{Key: "cause", Value: errors.New("boom")},
		budget.Field{Key: "spent", Value: decimal.RequireFromString("12.500000")},
		budget.Field{Key: "latency", Value: 1500 * time.Millisecond},
		budget.Field{Key: "kind", Value: budget.ActionLLMCall},
	)

	entry := decodeLine(t, &output)
	assert.Equal(t, true, entry["enabled"])
	assert.Equal(t, float64(3), entry["count"])
	assert.Equal(t, "boom", entry["cause"])
	assert.Equal(t, "12.5", entry["spent"])
	assert.Equal(t, float64(1500), entry["latency"])
	assert.Equal(t, "llm_call", entry["kind"])
}

func TestZerologLogger_RespectsLevel(t *testing.T) {
	var output bytes.Buffer
	logger := NewLogger(zerolog.New(&output).Level(zerolog.WarnLevel))

	logger.Debug("dropped")
	logger.Info("dropped")
	assert.Zero(t, output.Len())

	logger.Warn("kept")
	assert.NotZero(t, output.Len())
}
