package budget

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Field is a structured log attribute.
type Field struct {
	Key   string
	Value interface{}
}

// Logger is the structured logging sink used by the governor, the scheduler
// and the HTTP layers. Implementations must be safe for concurrent use.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// NoopLogger discards every entry.
type NoopLogger struct{}

func (n *NoopLogger) Debug(msg string, fields ...Field) {}
func (n *NoopLogger) Info(msg string, fields ...Field)  {}
func (n *NoopLogger) Warn(msg string, fields ...Field)  {}
func (n *NoopLogger) Error(msg string, fields ...Field) {}

func tenantField(tenantID string) Field { return Field{"tenant_id", tenantID} }

func errField(err error) Field { return Field{"error", err.Error()} }

func amountField(key string, d decimal.Decimal) Field { return Field{key, d.String()} }

// componentLogger stamps every entry with the subsystem that emitted it.
type componentLogger struct {
	Logger
	component Field
}

func withComponent(l Logger, name string) Logger {
	return &componentLogger{Logger: l, component: Field{"component", name}}
}

func (l *componentLogger) Debug(msg string, fields ...Field) {
	l.Logger.Debug(msg, append([]Field{l.component}, fields...)...)
}

func (l *componentLogger) Info(msg string, fields ...Field) {
	l.Logger.Info(msg, append([]Field{l.component}, fields...)...)
}

func (l *componentLogger) Warn(msg string, fields ...Field) {
	l.Logger.Warn(msg, append([]Field{l.component}, fields...)...)
}

func (l *componentLogger) Error(msg string, fields ...Field) {
	l.Logger.Error(msg, append([]Field{l.component}, fields...)...)
}

// cronLogger forwards robfig/cron's key/value logging to a Logger.
// cron's Info chatter is demoted to Debug.
type cronLogger struct {
	logger Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Debug(msg, pairs(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.Error(msg, append(pairs(keysAndValues), errField(err))...)
}

func pairs(kv []interface{}) []Field {
	fields := make([]Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, Field{Key: fmt.Sprint(kv[i]), Value: kv[i+1]})
	}
	return fields
}
