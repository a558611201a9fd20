// Package logsink provides the logger sink collaborator (§1): a narrow
// severity+message interface that the worker and channel layers log
// through, backed by zap's structured logger.
package logsink

import "go.uber.org/zap"

// Severity mirrors the handful of levels the worker/channel layers need.
type Severity int

const (
	Debug Severity = iota
	Info
	Warn
	Error
)

// Sink is the collaborator interface §1 describes: "a logger sink
// (severity, message)". Implementations must not block the caller.
type Sink interface {
	Log(sev Severity, msg string, fields ...Field)
}

// Field is a structured key-value pair attached to a log line.
type Field struct {
	Key   string
	Value any
}

// F constructs a Field.
func F(key string, value any) Field { return Field{Key: key, Value: value} }

// ZapSink adapts a *zap.Logger to Sink.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink builds a ZapSink around a production zap logger.
func NewZapSink() (*ZapSink, error) {
	l, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return &ZapSink{logger: l}, nil
}

// NewNop returns a ZapSink that discards everything, for tests and
// contexts where no observability collaborator is wired.
func NewNop() *ZapSink {
	return &ZapSink{logger: zap.NewNop()}
}

// Log implements Sink.
func (s *ZapSink) Log(sev Severity, msg string, fields ...Field) {
	zf := make([]zap.Field, len(fields))
	for i, f := range fields {
		zf[i] = zap.Any(f.Key, f.Value)
	}
	switch sev {
	case Debug:
		s.logger.Debug(msg, zf...)
	case Info:
		s.logger.Info(msg, zf...)
	case Warn:
		s.logger.Warn(msg, zf...)
	case Error:
		s.logger.Error(msg, zf...)
	default:
		s.logger.Info(msg, zf...)
	}
}

// Sync flushes any buffered log entries.
func (s *ZapSink) Sync() error {
	return s.logger.Sync()
}
