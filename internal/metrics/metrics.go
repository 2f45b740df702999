package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "qmesh"

// BatchSummary is the compact record kept for the most recent EstablishMany calls.
type BatchSummary struct {
	FinishedAt   time.Time     `json:"finished_at"`
	Peers        int           `json:"peers"`
	Successful   int           `json:"successful"`
	Failed       int           `json:"failed"`
	TotalRetries int           `json:"total_retries"`
	TotalTime    time.Duration `json:"total_time_ns"`
}

type Snapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Attempts    AttemptMetrics `json:"attempts"`
	Peers       PeerMetrics    `json:"peers"`
	Batches     uint64         `json:"batches"`
	Waves       uint64         `json:"waves"`
	InFlight    int64          `json:"in_flight"`
	Recent      []BatchSummary `json:"recent"`
}

type AttemptMetrics struct {
	Started     uint64 `json:"started"`
	Succeeded   uint64 `json:"succeeded"`
	FailTimeout uint64 `json:"fail_timeout"`
	FailNetwork uint64 `json:"fail_network"`
	FailCrypto  uint64 `json:"fail_crypto"`
	FailOther   uint64 `json:"fail_other"`
	Retries     uint64 `json:"retries"`
}

type PeerMetrics struct {
	Established uint64 `json:"established"`
	Failed      uint64 `json:"failed"`
}

type Metrics struct {
	attemptsStarted   atomic.Uint64
	attemptsSucceeded atomic.Uint64
	failTimeout       atomic.Uint64
	failNetwork       atomic.Uint64
	failCrypto        atomic.Uint64
	failOther         atomic.Uint64
	retries           atomic.Uint64
	peersEstablished  atomic.Uint64
	peersFailed       atomic.Uint64
	batches           atomic.Uint64
	waves             atomic.Uint64
	inFlight          atomic.Int64
	establishSeconds  prometheus.Histogram
	recent            *RecentBatches
}

func New() *Metrics {
	return &Metrics{
		establishSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "attempt_duration_seconds",
			Help:      "duration of single channel establishment attempts",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		recent: NewRecentBatches(32),
	}
}

func (m *Metrics) Recent() *RecentBatches {
	return m.recent
}

func (m *Metrics) IncAttemptStarted() {
	m.attemptsStarted.Add(1)
	m.inFlight.Add(1)
}

// ObserveAttempt closes an attempt opened by IncAttemptStarted. kind is empty on success.
func (m *Metrics) ObserveAttempt(kind string, elapsed time.Duration) {
	m.inFlight.Add(-1)
	m.establishSeconds.Observe(elapsed.Seconds())
	switch kind {
	case "":
		m.attemptsSucceeded.Add(1)
	case "timeout":
		m.failTimeout.Add(1)
	case "network":
		m.failNetwork.Add(1)
	case "crypto":
		m.failCrypto.Add(1)
	default:
		m.failOther.Add(1)
	}
}

func (m *Metrics) IncRetry() {
	m.retries.Add(1)
}

func (m *Metrics) IncPeerEstablished() {
	m.peersEstablished.Add(1)
}

func (m *Metrics) IncPeerFailed() {
	m.peersFailed.Add(1)
}

func (m *Metrics) IncWave() {
	m.waves.Add(1)
}

func (m *Metrics) AddBatch(s BatchSummary) {
	m.batches.Add(1)
	m.recent.Add(s)
}

func (m *Metrics) Snapshot() Snapshot {
	recent := []BatchSummary{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Attempts: AttemptMetrics{
			Started:     m.attemptsStarted.Load(),
			Succeeded:   m.attemptsSucceeded.Load(),
			FailTimeout: m.failTimeout.Load(),
			FailNetwork: m.failNetwork.Load(),
			FailCrypto:  m.failCrypto.Load(),
			FailOther:   m.failOther.Load(),
			Retries:     m.retries.Load(),
		},
		Peers: PeerMetrics{
			Established: m.peersEstablished.Load(),
			Failed:      m.peersFailed.Load(),
		},
		Batches:  m.batches.Load(),
		Waves:    m.waves.Load(),
		InFlight: m.inFlight.Load(),
		Recent:   recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Register exports the counters to reg. The atomics stay the source of truth.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	counter := func(sub, name, help string, v *atomic.Uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: sub,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}
	failures := func(kind string, v *atomic.Uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "engine",
			Name:        "attempt_failures_total",
			Help:        "failed establishment attempts by error kind",
			ConstLabels: prometheus.Labels{"kind": kind},
		}, func() float64 { return float64(v.Load()) })
	}
	collectors := []prometheus.Collector{
		counter("engine", "attempts_total", "establishment attempts started", &m.attemptsStarted),
		counter("engine", "attempt_successes_total", "establishment attempts that produced a channel", &m.attemptsSucceeded),
		failures("timeout", &m.failTimeout),
		failures("network", &m.failNetwork),
		failures("crypto", &m.failCrypto),
		failures("other", &m.failOther),
		counter("engine", "retries_total", "retries consumed across all peers", &m.retries),
		counter("engine", "peers_established_total", "peers that ended with a channel", &m.peersEstablished),
		counter("engine", "peers_failed_total", "peers that exhausted their retries", &m.peersFailed),
		counter("engine", "batches_total", "EstablishMany calls completed", &m.batches),
		counter("engine", "waves_total", "scheduler waves completed", &m.waves),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "attempts_in_flight",
			Help:      "establishment attempts currently running",
		}, func() float64 { return float64(m.inFlight.Load()) }),
		m.establishSeconds,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

type RecentBatches struct {
	mu   sync.Mutex
	cap  int
	list []BatchSummary
}

func NewRecentBatches(capacity int) *RecentBatches {
	if capacity <= 0 {
		capacity = 32
	}
	return &RecentBatches{cap: capacity}
}

func (r *RecentBatches) Add(s BatchSummary) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = s
		return
	}
	r.list = append(r.list, s)
}

func (r *RecentBatches) List() []BatchSummary {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]BatchSummary, len(r.list))
	copy(out, r.list)
	return out
}
