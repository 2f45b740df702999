package engine

import (
	"time"

	"qmesh/internal/channel"
)

// PeerOutcome is the final state of one requested peer.
// EstablishmentTime is the duration of the last attempt only, not the
// retry-inclusive span.
type PeerOutcome struct {
	PeerID            string           `json:"peer_id"`
	Success           bool             `json:"success"`
	RetryAttempts     int              `json:"retry_attempts"`
	EstablishmentTime time.Duration    `json:"establishment_time"`
	Error             string           `json:"error,omitempty"`
	ErrorKind         ErrorKind        `json:"error_kind,omitempty"`
	Channel           *channel.Channel `json:"channel,omitempty"`
}

// RetryStats counts retries across the batch. RetrySuccesses are peers that
// succeeded only after at least one retry.
type RetryStats struct {
	TotalRetries   int `json:"total_retries"`
	RetrySuccesses int `json:"retry_successes"`
}

// BatchReport is owned by the caller once returned.
type BatchReport struct {
	Results         []PeerOutcome  `json:"results"`
	SuccessfulCount int            `json:"successful_count"`
	FailedCount     int            `json:"failed_count"`
	TotalTime       time.Duration  `json:"total_time"`
	AverageTime     time.Duration  `json:"average_time"`
	RetryStats      RetryStats     `json:"retry_stats"`
	FailuresByKind  map[string]int `json:"failures_by_kind"`
}

func aggregate(results []PeerOutcome, total time.Duration) *BatchReport {
	if results == nil {
		results = []PeerOutcome{}
	}
	r := &BatchReport{
		Results:        results,
		TotalTime:      total,
		FailuresByKind: make(map[string]int),
	}
	var sum time.Duration
	for _, o := range results {
		sum += o.EstablishmentTime
		r.RetryStats.TotalRetries += o.RetryAttempts
		if o.Success {
			r.SuccessfulCount++
			if o.RetryAttempts > 0 {
				r.RetryStats.RetrySuccesses++
			}
			continue
		}
		r.FailedCount++
		r.FailuresByKind[o.ErrorKind.String()]++
	}
	if len(results) > 0 {
		r.AverageTime = sum / time.Duration(len(results))
	}
	return r
}

// FailedPeers lists failed peers in input order, ready for a follow-up run.
func (r *BatchReport) FailedPeers() []string {
	out := make([]string, 0, r.FailedCount)
	for _, o := range r.Results {
		if !o.Success {
			out = append(out, o.PeerID)
		}
	}
	return out
}

// SuccessRate is SuccessfulCount over the number of peers, or 0 for an empty batch.
func (r *BatchReport) SuccessRate() float64 {
	if len(r.Results) == 0 {
		return 0
	}
	return float64(r.SuccessfulCount) / float64(len(r.Results))
}
