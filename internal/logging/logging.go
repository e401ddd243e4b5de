// Package logging provides zap-backed loggers for the canonize subsystems.
// Each subsystem gets a named child of a single shared root logger so log
// lines carry their origin without every package wiring its own config.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Subsystem names used across the engine.
const (
	SubsystemCanon    = "canon"
	SubsystemProps    = "props"
	SubsystemRules    = "rules"
	SubsystemSandbox  = "sandbox"
	SubsystemValidate = "validate"
	SubsystemRepair   = "repair"
	SubsystemStore    = "store"
)

var (
	mu   sync.RWMutex
	root = zap.NewNop()
)

// Init builds the shared root logger. Production config by default; debug
// lowers the level and switches to development encoding. Safe to call more
// than once; the latest call wins.
func Init(debug bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if debug {
		config = zap.NewDevelopmentConfig()
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := config.Build()
	if err != nil {
		return nil, err
	}
	SetRoot(logger)
	return logger, nil
}

// SetRoot replaces the shared root logger. Tests use this with zaptest or
// a Nop logger.
func SetRoot(logger *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = zap.NewNop()
	}
	root = logger
}

// Named returns a child logger for the given subsystem.
func Named(subsystem string) *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.Named(subsystem)
}

// Sync flushes the root logger. Sync errors on process exit are ignored.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}
