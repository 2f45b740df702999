package channel

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

const (
	defaultLoopbackMinLatency = 26 * time.Millisecond
	defaultLoopbackMaxLatency = 42 * time.Millisecond
)

var errInjected = errors.New("connection reset by peer (injected)")

type LoopbackOptions struct {
	MinLatency time.Duration
	MaxLatency time.Duration
	// FailFirst makes the first n exchanges with a peer fail with a network error.
	FailFirst map[string]int
	// FailRate is the probability of a transient network failure on any exchange.
	FailRate float64
	Seed     int64
}

// LoopbackTransport delivers handshakes to in-process responders with simulated latency.
type LoopbackTransport struct {
	mu    sync.Mutex
	opts  LoopbackOptions
	peers map[string]*Responder
	calls map[string]int
	rng   *rand.Rand
}

func NewLoopbackTransport(opts LoopbackOptions) *LoopbackTransport {
	if opts.MinLatency < 0 {
		opts.MinLatency = 0
	}
	if opts.MinLatency == 0 && opts.MaxLatency == 0 {
		opts.MinLatency = defaultLoopbackMinLatency
		opts.MaxLatency = defaultLoopbackMaxLatency
	}
	if opts.MaxLatency < opts.MinLatency {
		opts.MaxLatency = opts.MinLatency
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	failFirst := make(map[string]int, len(opts.FailFirst))
	for k, v := range opts.FailFirst {
		failFirst[k] = v
	}
	opts.FailFirst = failFirst
	return &LoopbackTransport{
		opts:  opts,
		peers: make(map[string]*Responder),
		calls: make(map[string]int),
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// NewLoopbackMesh builds a transport with one fresh responder per peer id.
func NewLoopbackMesh(peerIDs []string, opts LoopbackOptions) (*LoopbackTransport, error) {
	lt := NewLoopbackTransport(opts)
	for _, id := range peerIDs {
		r, err := NewResponder(id, nil, ResponderOptions{})
		if err != nil {
			return nil, err
		}
		lt.AddPeer(r)
	}
	return lt, nil
}

func (l *LoopbackTransport) AddPeer(r *Responder) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peers[r.PeerID()] = r
}

func (l *LoopbackTransport) Peer(peerID string) (*Responder, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.peers[peerID]
	return r, ok
}

// Calls reports how many exchanges were attempted with peerID.
func (l *LoopbackTransport) Calls(peerID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[peerID]
}

func (l *LoopbackTransport) Exchange(ctx context.Context, peerID string, data []byte) ([]byte, error) {
	l.mu.Lock()
	r, ok := l.peers[peerID]
	n := l.calls[peerID]
	l.calls[peerID] = n + 1
	fail := n < l.opts.FailFirst[peerID]
	if !fail && l.opts.FailRate > 0 && l.rng.Float64() < l.opts.FailRate {
		fail = true
	}
	delay := l.opts.MinLatency
	if span := l.opts.MaxLatency - l.opts.MinLatency; span > 0 {
		delay += time.Duration(l.rng.Int63n(int64(span) + 1))
	}
	l.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no route to peer %s", peerID)
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if fail {
		return nil, errInjected
	}
	return r.Handle(data), nil
}
