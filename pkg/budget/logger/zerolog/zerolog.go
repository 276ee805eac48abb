// Package zerolog adapts a zerolog.Logger to budget.Logger.
package zerolog

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/mihaimyh/gobudget/pkg/budget"
)

// Logger implements budget.Logger on top of zerolog.
type Logger struct {
	zl zerolog.Logger
}

// NewLogger wraps zl.
func NewLogger(zl zerolog.Logger) *Logger {
	return &Logger{zl: zl}
}

func (l *Logger) Debug(msg string, fields ...budget.Field) { emit(l.zl.Debug(), msg, fields) }
func (l *Logger) Info(msg string, fields ...budget.Field)  { emit(l.zl.Info(), msg, fields) }
func (l *Logger) Warn(msg string, fields ...budget.Field)  { emit(l.zl.Warn(), msg, fields) }
func (l *Logger) Error(msg string, fields ...budget.Field) { emit(l.zl.Error(), msg, fields) }

// emit writes one entry. A nil event means the level is disabled.
func emit(event *zerolog.Event, msg string, fields []budget.Field) {
	if event == nil {
		return
	}
	for _, f := range fields {
		event = field(event, f)
	}
	event.Msg(msg)
}

func field(e *zerolog.Event, f budget.Field) *zerolog.Event {
	switch v := f.Value.(type) {
	case string:
		return e.Str(f.Key, v)
	case bool:
		return e.Bool(f.Key, v)
	case int:
		return e.Int(f.Key, v)
	case int64:
		return e.Int64(f.Key, v)
	case error:
		return e.AnErr(f.Key, v)
	case time.Duration:
		return e.Dur(f.Key, v)
	case time.Time:
		return e.Time(f.Key, v)
	case decimal.Decimal:
		// amounts stay exact strings in the log stream
		return e.Str(f.Key, v.String())
	case fmt.Stringer:
		return e.Stringer(f.Key, v)
	default:
		return e.Interface(f.Key, v)
	}
}
