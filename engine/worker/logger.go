package worker

import (
	sdklog "go.temporal.io/sdk/log"

	"github.com/sentinelflow/sentinelflow/pkg/logger"
)

// temporalLogger adapts the engine logger to the SDK's logging interface so
// client and worker internals log through the same sink as the rest of the
// process.
type temporalLogger struct {
	log logger.Logger
}

var _ sdklog.Logger = (*temporalLogger)(nil)

func newTemporalLogger(log logger.Logger) *temporalLogger {
	return &temporalLogger{log: log}
}

func (l *temporalLogger) Debug(msg string, keyvals ...any) { l.log.Debug(msg, keyvals...) }
func (l *temporalLogger) Info(msg string, keyvals ...any)  { l.log.Info(msg, keyvals...) }
func (l *temporalLogger) Warn(msg string, keyvals ...any)  { l.log.Warn(msg, keyvals...) }
func (l *temporalLogger) Error(msg string, keyvals ...any) { l.log.Error(msg, keyvals...) }
