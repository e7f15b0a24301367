// Package logrus adapts a sirupsen/logrus logger to core.Logger.
package logrus

import (
	lr "github.com/sirupsen/logrus"

	"github.com/Swind/go-coro-runner/core"
)

// Logger forwards core.Logger calls to logrus with fields attached as
// logrus.Fields.
type Logger struct {
	base lr.FieldLogger
}

var _ core.Logger = (*Logger)(nil)

// New wraps a *logrus.Logger or *logrus.Entry. A nil logger uses the logrus
// standard logger.
func New(l lr.FieldLogger) *Logger {
	if l == nil {
		l = lr.StandardLogger()
	}
	return &Logger{base: l}
}

// With returns a logger that adds fields to every entry.
func (l *Logger) With(fields ...core.Field) *Logger {
	return &Logger{base: l.entry(fields)}
}

func (l *Logger) Debug(msg string, fields ...core.Field) { l.entry(fields).Debug(msg) }
func (l *Logger) Info(msg string, fields ...core.Field)  { l.entry(fields).Info(msg) }
func (l *Logger) Warn(msg string, fields ...core.Field)  { l.entry(fields).Warn(msg) }
func (l *Logger) Error(msg string, fields ...core.Field) { l.entry(fields).Error(msg) }

func (l *Logger) entry(fields []core.Field) lr.FieldLogger {
	if len(fields) == 0 {
		return l.base
	}
	data := make(lr.Fields, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok && f.Key == "error" {
			data[lr.ErrorKey] = err
			continue
		}
		data[f.Key] = f.Value
	}
	return l.base.WithFields(data)
}
