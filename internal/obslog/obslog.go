// Package obslog provides the process-wide structured logger used by
// every package in this module. It replaces the teacher's ANSI-colored
// pkg/logger with go.uber.org/zap, kept as a process-wide singleton
// reached through L and Named rather than passed around explicitly.
package obslog

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu  sync.Mutex
	log *zap.SugaredLogger
)

// Options controls how the default logger is constructed.
type Options struct {
	// Development selects zap.NewDevelopment (console-friendly, DPanic
	// on programmer errors) instead of zap.NewProduction (JSON, sampled).
	Development bool
}

// Init installs the process-wide logger. Safe to call more than once;
// the most recent call wins. If never called, L() lazily builds a
// production logger on first use.
func Init(opts Options) error {
	var l *zap.Logger
	var err error
	if opts.Development {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return err
	}
	mu.Lock()
	log = l.Sugar()
	mu.Unlock()
	return nil
}

// L returns the process-wide logger, constructing a no-frills production
// logger on first use if Init was never called.
func L() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	if log == nil {
		l, err := zap.NewProduction()
		if err != nil {
			l = zap.NewNop()
		}
		log = l.Sugar()
	}
	return log
}

// Named returns a child logger scoped to the given subsystem name, e.g.
// obslog.Named("packager").
func Named(name string) *zap.SugaredLogger {
	return L().Named(name)
}

// Sync flushes any buffered log entries. Call during graceful shutdown.
func Sync() error {
	return L().Sync()
}
