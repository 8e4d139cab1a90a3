// Package logging builds the zap.Logger used throughout hostgate.
//
// It mirrors the teacher's approach to log sinks (stdout, stderr, a rotated
// file) and log levels, but drops the dynamic, reflection-based module
// registry: hostgate only ever has one sink, chosen by CLI flags, so there's
// nothing to register.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the root logger. It is populated directly from CLI
// flags (see cmd/hostgated) rather than from the Config Model, since logging
// sinks are an ambient, out-of-core concern per the specification.
type Options struct {
	// LogFile, if non-empty, appends JSON-encoded logs to this path instead
	// of writing console-encoded logs to stderr.
	LogFile string
	Verbose bool
}

// notClosable wraps os.Stdout/os.Stderr so zap never closes the process's
// standard streams when a logger is rebuilt.
type notClosable struct{ io.Writer }

func (notClosable) Close() error { return nil }

// New builds the root logger for the process. Every component-specific
// logger is derived from it with logger.Named("component").
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Verbose {
		level = zapcore.DebugLevel
	}

	var encoder zapcore.Encoder
	var sink zapcore.WriteSyncer

	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("opening log file %q: %w", opts.LogFile, err)
		}
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		sink = zapcore.AddSync(f)
	} else {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
		sink = zapcore.AddSync(notClosable{os.Stderr})
	}

	core := zapcore.NewCore(encoder, sink, level)
	return zap.New(core, zap.AddCaller()), nil
}

// root holds the process-wide default, set once by cmd/hostgated's entry
// point and read by components that are constructed before the full
// dependency graph is wired (e.g. early config-validation failures).
var (
	rootMu sync.RWMutex
	root   *zap.Logger = zap.NewNop()
)

// SetDefault installs l as the process-wide default logger.
func SetDefault(l *zap.Logger) {
	rootMu.Lock()
	defer rootMu.Unlock()
	root = l
}

// Default returns the process-wide default logger.
func Default() *zap.Logger {
	rootMu.RLock()
	defer rootMu.RUnlock()
	return root
}
