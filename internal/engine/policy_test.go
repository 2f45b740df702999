package engine

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestDefaultPolicyIsValid(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, p.Validate())
	assert.Equal(t, 10, p.MaxConcurrent)
	assert.Equal(t, 5*time.Second, p.ChannelTimeout)
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, p.RetryDelay)
	assert.True(t, p.ExponentialBackoff)
	assert.Equal(t, 50, p.BatchSize)
	assert.Equal(t, 10, p.WaveWidth())
}

func TestValidateReportsEveryViolation(t *testing.T) {
	p := Policy{MaxConcurrent: 0, BatchSize: 0, MaxRetries: -1, ChannelTimeout: 0, RetryDelay: -time.Second}
	err := p.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidPolicy))
	errs := multierr.Errors(err)
	require.Len(t, errs, 5)
	for _, e := range errs {
		assert.ErrorIs(t, e, ErrInvalidPolicy)
	}
}

func TestValidateSingleField(t *testing.T) {
	p := DefaultPolicy()
	p.MaxConcurrent = 0
	err := p.Validate()
	require.ErrorIs(t, err, ErrInvalidPolicy)
	assert.Len(t, multierr.Errors(err), 1)
	assert.Contains(t, err.Error(), "max_concurrent")
}

func TestWaveWidth(t *testing.T) {
	p := DefaultPolicy()
	p.MaxConcurrent, p.BatchSize = 6, 4
	assert.Equal(t, 4, p.WaveWidth())
	p.MaxConcurrent, p.BatchSize = 3, 50
	assert.Equal(t, 3, p.WaveWidth())
}

func TestDecideExponential(t *testing.T) {
	p := Policy{MaxRetries: 3, RetryDelay: 100 * time.Millisecond, ExponentialBackoff: true}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	for k, d := range want {
		got := Decide(k, p)
		assert.True(t, got.Retry, "attempt %d", k)
		assert.Equal(t, d, got.Delay, "attempt %d", k)
	}
	assert.False(t, Decide(3, p).Retry)
}

func TestDecideConstant(t *testing.T) {
	p := Policy{MaxRetries: 2, RetryDelay: 50 * time.Millisecond}
	for k := 0; k < 2; k++ {
		got := Decide(k, p)
		assert.True(t, got.Retry)
		assert.Equal(t, 50*time.Millisecond, got.Delay)
	}
	assert.False(t, Decide(2, p).Retry)
}

func TestDecideNoRetries(t *testing.T) {
	assert.False(t, Decide(0, Policy{MaxRetries: 0, RetryDelay: time.Second}).Retry)
}

func TestDecideDelaysNonDecreasing(t *testing.T) {
	p := Policy{MaxRetries: 100, RetryDelay: 7 * time.Millisecond, ExponentialBackoff: true}
	prev := time.Duration(0)
	for k := 0; k < 100; k++ {
		d := Decide(k, p).Delay
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %s < %s", k, d, prev)
		}
		prev = d
	}
	assert.Equal(t, time.Duration(math.MaxInt64), prev)
}

func TestBackoffDelaySaturates(t *testing.T) {
	assert.Equal(t, time.Duration(math.MaxInt64), backoffDelay(time.Hour, 40))
	assert.Equal(t, time.Duration(math.MaxInt64), backoffDelay(time.Nanosecond, 62))
	assert.Equal(t, time.Duration(1<<61), backoffDelay(time.Nanosecond, 61))
	assert.Equal(t, time.Duration(0), backoffDelay(0, 10))
}
