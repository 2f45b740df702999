package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qmesh/internal/channel"
)

type attemptResult struct {
	ch  *channel.Channel
	err error
}

// attempt runs one EstablishOne bounded by timeout. On timeout the call is
// abandoned: its context is canceled but it is not waited for.
func (e *Engine) attempt(ctx context.Context, peerID string, timeout time.Duration) (*channel.Channel, error) {
	actx, cancel := e.clock.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan attemptResult, 1)
	go func() {
		ch, err := e.est.EstablishOne(actx, peerID)
		done <- attemptResult{ch: ch, err: err}
	}()
	select {
	case res := <-done:
		if res.err == nil && res.ch == nil {
			res.err = errors.New("establisher returned no channel")
		}
		return res.ch, res.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: no result within %s", channel.ErrTimeout, timeout)
	}
}

// sleep waits d unless ctx ends first. It reports whether the wait completed.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := e.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
