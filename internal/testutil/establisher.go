package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"qmesh/internal/channel"
)

var ErrScripted = errors.New("scripted failure")

// ScriptedEstablisher fakes channel establishment for scheduler tests. It fails
// the first FailFirst[peer] calls for a peer and always fails peers listed in
// FailAlways. It records call counts and the peak number of concurrent calls.
type ScriptedEstablisher struct {
	FailFirst  map[string]int
	FailAlways map[string]bool
	// Err is returned by scripted failures. Nil means channel.ErrNetwork wrapping ErrScripted.
	Err error
	// Latency is how long each call takes. Calls honor ctx while waiting.
	Latency time.Duration
	// LatencyFor overrides Latency per peer.
	LatencyFor map[string]time.Duration
	// OnStart runs at the start of every call, outside the lock.
	OnStart func(peerID string)

	mu          sync.Mutex
	calls       map[string]int
	inFlight    int
	maxInFlight int
	total       int
}

func (s *ScriptedEstablisher) EstablishOne(ctx context.Context, peerID string) (*channel.Channel, error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[peerID]++
	n := s.calls[peerID]
	s.total++
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if s.OnStart != nil {
		s.OnStart(peerID)
	}
	latency := s.Latency
	if d, ok := s.LatencyFor[peerID]; ok {
		latency = d
	}
	if latency > 0 {
		t := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if s.FailAlways[peerID] || n <= s.FailFirst[peerID] {
		if s.Err != nil {
			return nil, s.Err
		}
		return nil, errors.Join(channel.ErrNetwork, ErrScripted)
	}
	return &channel.Channel{
		ID:            uuid.NewString(),
		LocalID:       "scripted",
		PeerID:        peerID,
		SecurityLevel: 256,
		Fidelity:      0.97,
		EstablishedAt: time.Now().UTC(),
	}, nil
}

func (s *ScriptedEstablisher) Calls(peerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[peerID]
}

func (s *ScriptedEstablisher) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *ScriptedEstablisher) MaxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}
