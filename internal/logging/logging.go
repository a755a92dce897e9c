package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Standard field names so log queries stay consistent across components.
const (
	FieldJobID     = "job_id"
	FieldJobType   = "job_type"
	FieldStatus    = "status"
	FieldAttempt   = "attempt"
	FieldWorkerID  = "worker_id"
	FieldNextRun   = "next_run"
	FieldDuration  = "duration_ms"
	FieldOutcome   = "outcome"
	FieldReason    = "reason"
	FieldComponent = "component"
)

// New builds the process logger. format is "json" for production output or
// "console" for human-readable development output; level is a zap level name.
func New(format, level string) (*zap.SugaredLogger, error) {
	lvl := zap.NewAtomicLevelAt(zap.InfoLevel)
	if level != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			return nil, err
		}
	}

	if strings.EqualFold(format, "console") {
		enc := zap.NewDevelopmentEncoderConfig()
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(os.Stdout), lvl)
		return zap.New(core).Sugar(), nil
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// Nop returns a logger that discards everything. Used when no logger is wired.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// Component returns a child logger tagged with the component name.
func Component(base *zap.SugaredLogger, name string) *zap.SugaredLogger {
	if base == nil {
		base = Nop()
	}
	return base.Named(name).With(FieldComponent, name)
}
