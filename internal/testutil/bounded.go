package testutil

import (
	"testing"
	"time"
)

// DefaultCallTimeout bounds a single decode call under fuzzing.
const DefaultCallTimeout = 100 * time.Millisecond

// CapBytes truncates fuzz input to the largest message a peer would accept.
func CapBytes(b []byte, limit int) []byte {
	if limit > 0 && len(b) > limit {
		return b[:limit]
	}
	return b
}

// WithTimeout fails t when fn does not return within d. A zero d means
// DefaultCallTimeout.
func WithTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = DefaultCallTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		t.Fatalf("call did not return within %s", d)
	}
}
