package channel

import (
	"sort"
	"sync"
)

// Registry is the channel table shared by concurrent establishment attempts.
// Attempts do their network and crypto work unlocked and only take the lock to record.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Channel
	byPeer map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*Channel),
		byPeer: make(map[string]string),
	}
}

// Add records ch and makes it the current channel for its peer.
func (r *Registry) Add(ch *Channel) {
	if ch == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[ch.ID] = ch
	r.byPeer[ch.PeerID] = ch.ID
}

func (r *Registry) Get(id string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.byID[id]
	return ch, ok
}

func (r *Registry) ByPeer(peerID string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPeer[peerID]
	if !ok {
		return nil, false
	}
	ch, ok := r.byID[id]
	return ch, ok
}

func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	if r.byPeer[ch.PeerID] == id {
		delete(r.byPeer, ch.PeerID)
	}
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// List returns channels ordered by establishment time.
func (r *Registry) List() []*Channel {
	r.mu.RLock()
	out := make([]*Channel, 0, len(r.byID))
	for _, ch := range r.byID {
		out = append(out, ch)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].EstablishedAt.Equal(out[j].EstablishedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].EstablishedAt.Before(out[j].EstablishedAt)
	})
	return out
}
