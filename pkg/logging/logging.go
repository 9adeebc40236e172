// Package logging builds the engine's production logger: a JSON file sink
// under the data root plus a console sink on stderr. Library packages never
// construct loggers themselves; they accept one and default to a no-op.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a logger writing JSON lines to <dir>/recall.log and
// human-readable output to stderr. debug lowers the level to Debug.
func New(dir string, debug bool) (*zap.Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: create dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "recall.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}

	fileEnc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleEnc := zapcore.NewConsoleEncoder(consoleCfg)

	core := zapcore.NewTee(
		zapcore.NewCore(fileEnc, zapcore.AddSync(f), level),
		zapcore.NewCore(consoleEnc, zapcore.AddSync(os.Stderr), level),
	)
	return zap.New(core), nil
}
