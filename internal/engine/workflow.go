package engine

import (
	"context"
	"time"

	"qmesh/internal/channel"
)

type attemptRecord struct {
	index   int
	start   time.Time
	elapsed time.Duration
	err     error
}

// peerTracker holds the attempt history of one peer until it is finalized.
type peerTracker struct {
	peerID  string
	records []attemptRecord
	channel *channel.Channel
	lastErr *AttemptError
}

func (t *peerTracker) record(rec attemptRecord) {
	t.records = append(t.records, rec)
}

func (t *peerTracker) outcome() PeerOutcome {
	o := PeerOutcome{PeerID: t.peerID}
	if n := len(t.records); n > 0 {
		o.RetryAttempts = n - 1
		o.EstablishmentTime = t.records[n-1].elapsed
	}
	if t.channel != nil {
		o.Success = true
		o.Channel = t.channel
		return o
	}
	if t.lastErr != nil {
		o.Error = t.lastErr.Error()
		o.ErrorKind = t.lastErr.Kind
	}
	return o
}

// runPeer drives one peer from Attempting(0) to Established or Failed.
// The loop makes at most 1+MaxRetries attempts.
func (e *Engine) runPeer(ctx context.Context, peerID string, p Policy) PeerOutcome {
	t := &peerTracker{peerID: peerID}
	for k := 0; ; k++ {
		if err := ctx.Err(); err != nil {
			if t.lastErr == nil {
				t.lastErr = &AttemptError{Peer: peerID, Attempt: k, Kind: KindOther, Err: err}
			}
			break
		}
		start := e.clock.Now()
		e.metrics.IncAttemptStarted()
		ch, err := e.attempt(ctx, peerID, p.ChannelTimeout)
		elapsed := e.clock.Since(start)
		kind := Classify(err)
		if err != nil && ctx.Err() != nil {
			kind = KindOther
		}
		e.metrics.ObserveAttempt(kind.String(), elapsed)
		t.record(attemptRecord{index: k, start: start, elapsed: elapsed, err: err})
		if err == nil {
			t.channel = ch
			e.log.Debug().Str("peer", peerID).Int("attempt", k).Dur("elapsed", elapsed).Msg("channel established")
			break
		}
		t.lastErr = &AttemptError{Peer: peerID, Attempt: k, Kind: kind, Err: err}
		d := Decide(k, p)
		e.log.Debug().Str("peer", peerID).Int("attempt", k).Str("kind", kind.String()).
			Bool("retry", d.Retry).Dur("delay", d.Delay).Err(err).Msg("attempt failed")
		if !d.Retry {
			break
		}
		if !e.sleep(ctx, d.Delay) {
			t.lastErr = &AttemptError{Peer: peerID, Attempt: k, Kind: KindOther, Err: ctx.Err()}
			break
		}
		e.metrics.IncRetry()
	}
	return t.outcome()
}
