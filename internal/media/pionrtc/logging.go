package pionrtc

import (
	"fmt"

	"github.com/pion/logging"
	"go.uber.org/zap"
)

// zapLoggerFactory routes pion's internal logging to zap
type zapLoggerFactory struct {
	base *zap.Logger
}

// NewLoggerFactory returns a pion LoggerFactory writing to base
func NewLoggerFactory(base *zap.Logger) logging.LoggerFactory {
	return &zapLoggerFactory{base: base}
}

func (f *zapLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &zapLeveledLogger{log: f.base.With(zap.String("pion_scope", scope)).Sugar()}
}

type zapLeveledLogger struct {
	log *zap.SugaredLogger
}

// pion trace output is too chatty for debug level
func (l *zapLeveledLogger) Trace(msg string)                          {}
func (l *zapLeveledLogger) Tracef(format string, args ...interface{}) {}

func (l *zapLeveledLogger) Debug(msg string) { l.log.Debug(msg) }
func (l *zapLeveledLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l *zapLeveledLogger) Info(msg string) { l.log.Info(msg) }
func (l *zapLeveledLogger) Infof(format string, args ...interface{}) {
	l.log.Info(fmt.Sprintf(format, args...))
}

func (l *zapLeveledLogger) Warn(msg string) { l.log.Warn(msg) }
func (l *zapLeveledLogger) Warnf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l *zapLeveledLogger) Error(msg string) { l.log.Error(msg) }
func (l *zapLeveledLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...))
}
