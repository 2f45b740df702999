package channel

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestRegistryConcurrentAdd(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Add(&Channel{ID: fmt.Sprintf("ch-%d", i), PeerID: fmt.Sprintf("peer-%d", i%8), EstablishedAt: time.Unix(int64(i), 0)})
		}(i)
	}
	wg.Wait()
	if r.Len() != 64 {
		t.Fatalf("expected 64 channels, got %d", r.Len())
	}
	list := r.List()
	for i := 1; i < len(list); i++ {
		if list[i].EstablishedAt.Before(list[i-1].EstablishedAt) {
			t.Fatalf("list not ordered by establishment time")
		}
	}
	for p := 0; p < 8; p++ {
		if _, ok := r.ByPeer(fmt.Sprintf("peer-%d", p)); !ok {
			t.Fatalf("missing current channel for peer-%d", p)
		}
	}
}

func TestRegistryRemoveKeepsNewerPeerMapping(t *testing.T) {
	r := NewRegistry()
	r.Add(&Channel{ID: "old", PeerID: "p"})
	r.Add(&Channel{ID: "new", PeerID: "p"})
	if !r.Remove("old") {
		t.Fatalf("expected remove")
	}
	ch, ok := r.ByPeer("p")
	if !ok || ch.ID != "new" {
		t.Fatalf("expected newer channel to stay current")
	}
	if r.Remove("old") {
		t.Fatalf("expected second remove to fail")
	}
}
