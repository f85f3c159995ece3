package util

import (
	"fmt"

	"github.com/pion/logging"
)

// PionLoggerFactory routes pion's internal loggers (ice, dtls, sctp, ...)
// through the pterm logger. pion is chatty at info level, so every scope is
// shifted one level down: pion info becomes debug, pion debug becomes trace.
type PionLoggerFactory struct{}

var _ logging.LoggerFactory = PionLoggerFactory{}

// NewLogger returns a leveled logger prefixed with the pion scope.
func (PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{scope: scope}
}

type pionLogger struct {
	scope string
}

func (l *pionLogger) prefix(msg string) string {
	return fmt.Sprintf("[pion/%s] %s", l.scope, msg)
}

func (l *pionLogger) Trace(msg string) { LogTrace("%s", l.prefix(msg)) }
func (l *pionLogger) Tracef(format string, args ...interface{}) {
	LogTrace("%s", l.prefix(fmt.Sprintf(format, args...)))
}

func (l *pionLogger) Debug(msg string) { LogTrace("%s", l.prefix(msg)) }
func (l *pionLogger) Debugf(format string, args ...interface{}) {
	LogTrace("%s", l.prefix(fmt.Sprintf(format, args...)))
}

func (l *pionLogger) Info(msg string) { LogDebug("%s", l.prefix(msg)) }
func (l *pionLogger) Infof(format string, args ...interface{}) {
	LogDebug("%s", l.prefix(fmt.Sprintf(format, args...)))
}

func (l *pionLogger) Warn(msg string) { LogWarning("%s", l.prefix(msg)) }
func (l *pionLogger) Warnf(format string, args ...interface{}) {
	LogWarning("%s", l.prefix(fmt.Sprintf(format, args...)))
}

func (l *pionLogger) Error(msg string) { LogError("%s", l.prefix(msg)) }
func (l *pionLogger) Errorf(format string, args ...interface{}) {
	LogError("%s", l.prefix(fmt.Sprintf(format, args...)))
}
