package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a leveled logger backed by zap. It satisfies the Logger
// interface expected by the raft package.
type Logger struct {
	base *zap.SugaredLogger
}

// NewLogger creates a new Logger instance logging at the info level.
func NewLogger() (*Logger, error) {
	return NewLoggerWithLevel(zapcore.InfoLevel)
}

// NewLoggerWithLevel creates a new Logger instance that logs at the
// provided level and above.
func NewLoggerWithLevel(level zapcore.Level) (*Logger, error) {
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(level)
	base, err := config.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &Logger{base: base.Sugar()}, nil
}

// Debug logs a message at debug level.
func (l *Logger) Debug(args ...interface{}) {
	l.base.Debug(args...)
}

// Debugf logs a formatted message at debug level.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.base.Debugf(format, args...)
}

// Info logs a message at info level.
func (l *Logger) Info(args ...interface{}) {
	l.base.Info(args...)
}

// Infof logs a formatted message at info level.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.base.Infof(format, args...)
}

// Warn logs a message at warn level.
func (l *Logger) Warn(args ...interface{}) {
	l.base.Warn(args...)
}

// Warnf logs a formatted message at warn level.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.base.Warnf(format, args...)
}

// Error logs a message at error level.
func (l *Logger) Error(args ...interface{}) {
	l.base.Error(args...)
}

// Errorf logs a formatted message at error level.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.base.Errorf(format, args...)
}

// Fatal logs a message at fatal level and exits.
func (l *Logger) Fatal(args ...interface{}) {
	l.base.Fatal(args...)
}

// Fatalf logs a formatted message at fatal level and exits.
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.base.Fatalf(format, args...)
}
