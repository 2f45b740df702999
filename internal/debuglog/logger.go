package debuglog

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu      sync.RWMutex
	base    = newBase(os.Stderr, envEnabled())
	debugOn atomic.Bool
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func init() {
	debugOn.Store(envEnabled())
}

func envEnabled() bool {
	return os.Getenv("QMESH_DEBUG") == "1"
}

func newBase(w io.Writer, debug bool) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if debug {
		lvl = zerolog.DebugLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Configure replaces the process logger. debug also enables Debugf and RateLimitedf.
func Configure(w io.Writer, debug bool) {
	if w == nil {
		w = os.Stderr
	}
	mu.Lock()
	base = newBase(w, debug)
	mu.Unlock()
	debugOn.Store(debug)
}

func Enabled() bool {
	return debugOn.Load()
}

// Logger returns a child logger tagged with component.
func Logger(component string) zerolog.Logger {
	mu.RLock()
	l := base
	mu.RUnlock()
	return l.With().Str("component", component).Logger()
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func Logf(format string, args ...any) {
	l := current()
	l.Info().Msgf(format, args...)
}

func Debugf(format string, args ...any) {
	if !Enabled() {
		return
	}
	l := current()
	l.Debug().Msgf(format, args...)
}

func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !Enabled() || key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	Debugf(format, args...)
}
