// Package logger provides the process-global structured logger used by
// every edge and cloud component.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the global logger instance. Set by Init.
var Log *zap.Logger

// Init builds the global logger from the given environment name
// ("development", "production", "local"). It panics if the logger
// cannot be built since nothing downstream can run without it.
func Init(environment string) {
	var config zap.Config
	if environment == "production" {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	built, err := config.Build()
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	Log = built
}

func init() {
	// A safe default so packages that log during test init never nil-panic
	// before main calls Init explicitly.
	env := os.Getenv("ENVIRONMENT")
	Init(env)
}

func Info(msg string, fields ...zap.Field)  { Log.Info(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Log.Error(msg, fields...) }
func Debug(msg string, fields ...zap.Field) { Log.Debug(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { Log.Warn(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { Log.Fatal(msg, fields...) }

// With returns a child logger carrying the given structured context.
func With(fields ...zap.Field) *zap.Logger { return Log.With(fields...) }

// Sync flushes any buffered log entries. Call during graceful shutdown.
func Sync() error { return Log.Sync() }
