package engine

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// runWaves starts peers in consecutive waves of BatchSize. A wave finishes
// completely before the next starts; within a run no more than MaxConcurrent
// workflows hold the limiter. results[i] always belongs to peerIDs[i].
func (e *Engine) runWaves(ctx context.Context, peerIDs []string, p Policy) []PeerOutcome {
	results := make([]PeerOutcome, len(peerIDs))
	limiter := semaphore.NewWeighted(int64(p.MaxConcurrent))
	for start := 0; start < len(peerIDs); start += p.BatchSize {
		end := min(start+p.BatchSize, len(peerIDs))
		var g errgroup.Group
		for i := start; i < end; i++ {
			if err := limiter.Acquire(ctx, 1); err != nil {
				results[i] = PeerOutcome{
					PeerID:    peerIDs[i],
					Error:     (&AttemptError{Peer: peerIDs[i], Kind: KindOther, Err: err}).Error(),
					ErrorKind: KindOther,
				}
				continue
			}
			g.Go(func() error {
				defer limiter.Release(1)
				results[i] = e.runPeer(ctx, peerIDs[i], p)
				return nil
			})
		}
		_ = g.Wait()
		e.metrics.IncWave()
		e.log.Debug().Int("from", start).Int("to", end).Msg("wave complete")
	}
	return results
}
