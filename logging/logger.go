// Package logging constructs the structured logger shared by every
// subsystem. It is a sink taking severity and message, as spec.md treats
// the logging backend itself as an external collaborator: this package only
// wires up zap, it does not implement log storage or search.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.Logger writing to stdout and to a timestamped file under
// directory, retaining only the newest maxFiles log files.
func New(level string, directory string, maxFiles int) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	if directory == "" {
		directory = "logs"
	}
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	ts := time.Now().Format("20060102-150405")
	logFile := filepath.Join(directory, fmt.Sprintf("rtspjpeg-%s.log", ts))

	if maxFiles > 0 {
		// Keep maxFiles-1 old files: the file created below is the maxFiles-th.
		pruneOldLogs(directory, maxFiles-1)
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout", logFile},
		ErrorOutputPaths: []string{"stderr", logFile},
	}

	return cfg.Build()
}

// pruneOldLogs removes the oldest log files beyond maxFiles, best-effort.
func pruneOldLogs(directory string, maxFiles int) {
	files, _ := filepath.Glob(filepath.Join(directory, "rtspjpeg-*.log"))
	if len(files) <= maxFiles {
		return
	}
	sort.Strings(files) // lexicographic order matches timestamp
	for _, f := range files[:len(files)-maxFiles] {
		_ = os.Remove(f)
	}
}
