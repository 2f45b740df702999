package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncAttemptStarted()
	m.IncAttemptStarted()
	m.IncAttemptStarted()
	m.ObserveAttempt("", 30*time.Millisecond)
	m.ObserveAttempt("timeout", time.Second)
	m.IncRetry()
	m.IncPeerEstablished()
	m.IncWave()
	m.AddBatch(BatchSummary{Peers: 1, Successful: 1})
	snap := m.Snapshot()
	if snap.Attempts.Started != 3 || snap.Attempts.Succeeded != 1 || snap.Attempts.FailTimeout != 1 {
		t.Fatalf("unexpected attempt counts: %+v", snap.Attempts)
	}
	if snap.InFlight != 1 {
		t.Fatalf("expected in_flight=1, got %d", snap.InFlight)
	}
	if snap.Attempts.Retries != 1 || snap.Peers.Established != 1 || snap.Waves != 1 || snap.Batches != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if len(snap.Recent) != 1 {
		t.Fatalf("expected one recent batch, got %d", len(snap.Recent))
	}
}

func TestRecentBatchesBounded(t *testing.T) {
	r := NewRecentBatches(2)
	r.Add(BatchSummary{Peers: 1})
	r.Add(BatchSummary{Peers: 2})
	r.Add(BatchSummary{Peers: 3})
	list := r.List()
	if len(list) != 2 || list[0].Peers != 2 || list[1].Peers != 3 {
		t.Fatalf("unexpected recent list: %+v", list)
	}
}

func TestWriteSnapshot(t *testing.T) {
	m := New()
	m.IncPeerFailed()
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Peers.Failed != 1 {
		t.Fatalf("expected failed=1, got %d", snap.Peers.Failed)
	}
}

func TestRegisterExportsCounters(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	m.IncRetry()
	m.IncRetry()
	n, err := testutil.GatherAndCount(reg, "qmesh_engine_retries_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one retries series, got %d", n)
	}
	if err := m.Register(reg); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}
