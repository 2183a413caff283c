package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// L is the process logger. It is a no-op until Init is called.
	L       = zap.NewNop()
	logFile *os.File
)

// Init builds the process logger at level, writing to stderr and, when
// logFilePath is set, to that file as JSON
func Init(level, logFilePath string) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	var err error

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stderr), lvl),
	}

	if logFilePath != "" {
		logFile, err = os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		fileCfg := zap.NewProductionEncoderConfig()
		fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), zapcore.AddSync(logFile), lvl))
	}

	L = zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return nil
}

// Named returns a child logger for a component
func Named(name string) *zap.Logger {
	return L.Named(name)
}

// Cleanup flushes the logger and closes the log file
func Cleanup() {
	_ = L.Sync()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// Info logs an informational message
func Info(msg string, fields ...zap.Field) {
	L.Info(msg, fields...)
}

// Error logs an error message
func Error(msg string, fields ...zap.Field) {
	L.Error(msg, fields...)
}
