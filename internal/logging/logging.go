// Package logging installs the process-wide log sink: a single
// installation point with an atomic level. Rate-limited error categories
// use per-category atomic timestamps for lock-free throttling, capping
// each category to one emission per second.
package logging

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	current atomic.Pointer[zap.Logger]
	once    sync.Once

	rateLimitWindow = time.Second
	categories      sync.Map // string -> *int64 (unix nanos of last emission)
)

func init() {
	current.Store(zap.NewNop())
}

// Init installs the process-wide logger at the given level. Safe to call
// more than once (e.g. to raise verbosity); the previous logger is
// replaced atomically so concurrent L() callers never observe a nil value.
func Init(level zapcore.Level) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	current.Store(logger)
}

// L returns the currently installed process-wide logger.
func L() *zap.Logger {
	return current.Load()
}

// Allowed reports whether a rate-limited log line in the given category
// may be emitted now, throttling each category to at most once per second
// using a lock-free per-category atomic timestamp.
func Allowed(category string) bool {
	now := time.Now().UnixNano()
	v, _ := categories.LoadOrStore(category, new(int64))
	p := v.(*int64)
	for {
		last := atomic.LoadInt64(p)
		if now-last < int64(rateLimitWindow) {
			return false
		}
		if atomic.CompareAndSwapInt64(p, last, now) {
			return true
		}
	}
}
