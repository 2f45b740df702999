// Package engine establishes secure channels to many peers concurrently.
//
// A run splits the peer list into waves of Policy.BatchSize, admits at most
// Policy.MaxConcurrent attempts at a time, retries failed peers with optional
// exponential backoff and folds every peer's final state into a BatchReport.
// Per-peer failures are data in the report; only an invalid Policy is an error.
//
// The Establisher is shared by all workflows of a run and must be safe for
// concurrent use. channel.Client satisfies this by keeping its registry behind
// a mutex that is held only while a finished channel is recorded.
package engine

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"qmesh/internal/channel"
	"qmesh/internal/debuglog"
	"qmesh/internal/metrics"
)

// Establisher opens one channel to one peer.
type Establisher interface {
	EstablishOne(ctx context.Context, peerID string) (*channel.Channel, error)
}

// EstablisherFunc adapts a plain function to Establisher.
type EstablisherFunc func(ctx context.Context, peerID string) (*channel.Channel, error)

func (f EstablisherFunc) EstablishOne(ctx context.Context, peerID string) (*channel.Channel, error) {
	return f(ctx, peerID)
}

// Engine runs batches against one Establisher. It is safe for concurrent use.
type Engine struct {
	est     Establisher
	clock   clock.Clock
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for timeouts, backoff and timing.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// WithMetrics records into m instead of a private Metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// New returns an Engine using the real clock and the process logger.
func New(est Establisher, opts ...Option) *Engine {
	e := &Engine{
		est:     est,
		clock:   clock.New(),
		log:     debuglog.Logger("engine"),
		metrics: metrics.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Metrics returns the counters the engine records into.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// EstablishMany opens a channel to every peer in peerIDs under policy p.
// Results keep the order of peerIDs. The caller's slice is not modified.
// Canceling ctx ends outstanding workflows; their peers are reported as failed.
func (e *Engine) EstablishMany(ctx context.Context, peerIDs []string, p Policy) (*BatchReport, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	start := e.clock.Now()
	peers := append([]string(nil), peerIDs...)
	e.log.Debug().Int("peers", len(peers)).Int("max_concurrent", p.MaxConcurrent).
		Int("batch_size", p.BatchSize).Int("max_retries", p.MaxRetries).Msg("establish many")

	results := e.runWaves(ctx, peers, p)
	report := aggregate(results, e.clock.Since(start))

	for _, o := range report.Results {
		if o.Success {
			e.metrics.IncPeerEstablished()
		} else {
			e.metrics.IncPeerFailed()
		}
	}
	e.metrics.AddBatch(metrics.BatchSummary{
		FinishedAt:   e.clock.Now().UTC(),
		Peers:        len(report.Results),
		Successful:   report.SuccessfulCount,
		Failed:       report.FailedCount,
		TotalRetries: report.RetryStats.TotalRetries,
		TotalTime:    report.TotalTime,
	})
	e.log.Info().Int("peers", len(report.Results)).Int("successful", report.SuccessfulCount).
		Int("failed", report.FailedCount).Int("retries", report.RetryStats.TotalRetries).
		Dur("total", report.TotalTime).Msg("batch complete")
	return report, nil
}
