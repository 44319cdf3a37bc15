// Package btlog is the daemon's leveled logger: the eight syslog-style
// levels (LOG_EMERG..LOG_DEBUG), two selectable sinks (stdout, syslog),
// built on go.uber.org/zap. A *zap.Logger wrapped by the daemon's own
// narrow Debugf/Infof/Warnf surface.
package btlog

import (
	"fmt"
	"log/syslog"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pldemone/btpresenced/internal/config"
)

// Logger is the leveled logging surface every other package depends on
// through its own narrow Logger interface (scanner.Logger,
// dispatcher.Logger).
type Logger struct {
	base  *zap.Logger
	sugar *zap.SugaredLogger
}

// New builds a Logger writing to the sink selected by target, filtered at
// level. A syslog target that fails to open (e.g. no local syslog daemon)
// returns an error rather than silently falling back, so startup failure
// is visible.
func New(level config.LogLevel, target config.LogTarget) (*Logger, error) {
	threshold := levelToZap(level)

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(encoderCfg)

	var cores []zapcore.Core
	switch target {
	case config.TargetSyslog:
		w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, config.Name)
		if err != nil {
			return nil, fmt.Errorf("opening syslog: %w", err)
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(w), threshold))
	case config.TargetStdout, "":
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stdout)), threshold))
	default:
		return nil, fmt.Errorf("unknown log target %q", target)
	}

	base := zap.New(zapcore.NewTee(cores...))
	return &Logger{base: base, sugar: base.Sugar()}, nil
}

// levelToZap maps syslog's eight RFC 5424 levels onto zap's enabler
// levels: emerg/alert/crit collapse onto Error (this daemon never panics
// or exits through the logger itself), notice folds into Info.
func levelToZap(level config.LogLevel) zapcore.Level {
	switch level {
	case config.LogDebug:
		return zapcore.DebugLevel
	case config.LogInfo, config.LogNotice:
		return zapcore.InfoLevel
	case config.LogWarning:
		return zapcore.WarnLevel
	default: // LOG_ERR, LOG_CRIT, LOG_ALERT, LOG_EMERG
		return zapcore.ErrorLevel
	}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// Sync flushes any buffered log entries; call before process exit.
func (l *Logger) Sync() error {
	return l.base.Sync()
}
