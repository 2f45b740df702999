package engine

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/multierr"
)

// Policy bounds one EstablishMany run. It is read-only during the run.
type Policy struct {
	// MaxConcurrent caps attempts in flight across the whole run.
	MaxConcurrent int `json:"max_concurrent" mapstructure:"max_concurrent"`
	// ChannelTimeout bounds a single attempt.
	ChannelTimeout time.Duration `json:"channel_timeout" mapstructure:"channel_timeout"`
	// MaxRetries is the number of attempts allowed after the first.
	MaxRetries int `json:"max_retries" mapstructure:"max_retries"`
	// RetryDelay is the wait before a retry, doubled per retry under ExponentialBackoff.
	RetryDelay         time.Duration `json:"retry_delay" mapstructure:"retry_delay"`
	ExponentialBackoff bool          `json:"exponential_backoff" mapstructure:"exponential_backoff"`
	// BatchSize is the number of peers started per wave.
	BatchSize int `json:"batch_size" mapstructure:"batch_size"`
}

const (
	DefaultMaxConcurrent  = 10
	DefaultChannelTimeout = 5 * time.Second
	DefaultMaxRetries     = 3
	DefaultRetryDelay     = 100 * time.Millisecond
	DefaultBatchSize      = 50
)

// DefaultPolicy is conservative: ten in flight, five second attempts, three
// exponentially backed off retries.
func DefaultPolicy() Policy {
	return Policy{
		MaxConcurrent:      DefaultMaxConcurrent,
		ChannelTimeout:     DefaultChannelTimeout,
		MaxRetries:         DefaultMaxRetries,
		RetryDelay:         DefaultRetryDelay,
		ExponentialBackoff: true,
		BatchSize:          DefaultBatchSize,
	}
}

// Validate reports every violated constraint, each wrapping ErrInvalidPolicy.
func (p Policy) Validate() error {
	var err error
	if p.MaxConcurrent < 1 {
		err = multierr.Append(err, fmt.Errorf("%w: max_concurrent must be >= 1, got %d", ErrInvalidPolicy, p.MaxConcurrent))
	}
	if p.BatchSize < 1 {
		err = multierr.Append(err, fmt.Errorf("%w: batch_size must be >= 1, got %d", ErrInvalidPolicy, p.BatchSize))
	}
	if p.MaxRetries < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: max_retries must be >= 0, got %d", ErrInvalidPolicy, p.MaxRetries))
	}
	if p.ChannelTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("%w: channel_timeout must be > 0, got %s", ErrInvalidPolicy, p.ChannelTimeout))
	}
	if p.RetryDelay < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: retry_delay must be >= 0, got %s", ErrInvalidPolicy, p.RetryDelay))
	}
	return err
}

// WaveWidth is the most attempts that can be in flight within one wave.
func (p Policy) WaveWidth() int {
	return min(p.BatchSize, p.MaxConcurrent)
}

// Decision is the retry policy's answer after a failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Decide is called after attempt attemptIndex (0 = first try) failed; attemptIndex
// is also the number of retries already consumed.
func Decide(attemptIndex int, p Policy) Decision {
	if attemptIndex < 0 {
		attemptIndex = 0
	}
	d := Decision{
		Retry: attemptIndex < p.MaxRetries,
		Delay: p.RetryDelay,
	}
	if p.ExponentialBackoff {
		d.Delay = backoffDelay(p.RetryDelay, attemptIndex)
	}
	return d
}

// backoffDelay returns base*2^k, saturating instead of overflowing.
func backoffDelay(base time.Duration, k int) time.Duration {
	if base <= 0 {
		return 0
	}
	if k >= 62 || base > time.Duration(math.MaxInt64)>>uint(k) {
		return time.Duration(math.MaxInt64)
	}
	return base << uint(k)
}
