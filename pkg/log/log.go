package log

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func init() {
	atom := zap.NewAtomicLevelAt(zapcore.DebugLevel)

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	logger := zap.New(zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.Lock(os.Stdout),
		atom,
	))

	zap.ReplaceGlobals(logger)
}

// Debug logs a debug message with optional key-value
// pairs. Refer to https://godoc.org/go.uber.org/zap
// for more details.
func Debug(msg string, keysAndValues ...interface{}) {
	if logLevel <= DEBUG {
		zap.S().Debugw(msg, keysAndValues...)
	}
}

// Info logs an info message with optional key-value pairs.
func Info(msg string, keysAndValues ...interface{}) {
	if logLevel <= INFO {
		zap.S().Infow(msg, keysAndValues...)
	}
}

// Warn logs a warning message with optional key-value pairs.
func Warn(msg string, keysAndValues ...interface{}) {
	if logLevel <= WARNING {
		zap.S().Warnw(msg, keysAndValues...)
	}
}

// Error logs an error message with optional key-value pairs.
func Error(msg string, keysAndValues ...interface{}) {
	if logLevel <= ERROR {
		zap.S().Errorw(msg, keysAndValues...)
	}
}

// Fatal logs a fatal message and exits.
func Fatal(msg string, keysAndValues ...interface{}) {
	zap.S().Fatalw(msg, keysAndValues...)
}

// SetLevel sets the log level by specifying a string
// which can be any of ["DEBUG", "INFO", "WARNING",
// "ERROR", "FATAL"], case-insensitive.
func SetLevel(level string) error {
	switch strings.ToUpper(level) {
	case "DEBUG":
		logLevel = DEBUG
	case "INFO":
		logLevel = INFO
	case "WARNING":
		logLevel = WARNING
	case "ERROR":
		logLevel = ERROR
	case "FATAL":
		logLevel = FATAL
	default:
		return fmt.Errorf("invalid log level string: %v", level)
	}

	return nil
}

// Level enumerates the supported log levels.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARNING
	ERROR
	FATAL
)

var logLevel Level
