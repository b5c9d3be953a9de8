package zerolog

import (
	"github.com/rs/zerolog"

	"github.com/mihaimyh/resumegate/pkg/billing"
)

// Logger implements billing.Logger using zerolog.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new zerolog logger adapter.
func NewLogger(logger *zerolog.Logger) *Logger {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Logger{logger: *logger}
}

func (l *Logger) Debug(msg string, fields ...billing.Field) {
	l.log(l.logger.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...billing.Field) {
	l.log(l.logger.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...billing.Field) {
	l.log(l.logger.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...billing.Field) {
	l.log(l.logger.Error(), msg, fields)
}

// With returns a child logger carrying fields on every entry.
func (l *Logger) With(fields ...billing.Field) billing.Logger {
	ctx := l.logger.With()
	for _, f := range fields {
		ctx = ctx.Interface(f.Key, f.Value)
	}
	return &Logger{logger: ctx.Logger()}
}

func (l *Logger) log(event *zerolog.Event, msg string, fields []billing.Field) {
	if event == nil {
		return
	}
	for _, f := range fields {
		event = event.Interface(f.Key, f.Value)
	}
	event.Msg(msg)
}
