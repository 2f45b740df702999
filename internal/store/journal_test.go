package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestJournalAppendAndLast(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "nested", "batches.jsonl"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok, err := j.Last(); err != nil || ok {
		t.Fatalf("expected empty journal, got ok=%v err=%v", ok, err)
	}
	for i := 1; i <= 3; i++ {
		r := Record{At: time.Unix(int64(i), 0).UTC(), Peers: i, Failed: i - 1}
		if i == 3 {
			r.FailedPeers = []string{"b", "a"}
		}
		if err := j.Append(r); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	recs, err := j.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 3 || recs[0].Peers != 1 || recs[2].Peers != 3 {
		t.Fatalf("unexpected records %+v", recs)
	}
	last, ok, err := j.Last()
	if err != nil || !ok {
		t.Fatalf("last: ok=%v err=%v", ok, err)
	}
	if len(last.FailedPeers) != 2 || last.FailedPeers[0] != "b" {
		t.Fatalf("expected failed peers in order, got %v", last.FailedPeers)
	}
}

func TestJournalRotationKeepsHistory(t *testing.T) {
	savedLines, savedRot := MaxLinesPerFile, MaxRotations
	MaxLinesPerFile, MaxRotations = 2, 2
	t.Cleanup(func() {
		MaxLinesPerFile, MaxRotations = savedLines, savedRot
	})
	path := filepath.Join(t.TempDir(), "batches.jsonl")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 1; i <= 5; i++ {
		if err := j.Append(Record{Peers: i}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected rotation file, got %v", err)
	}
	recs, err := j.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 5 {
		t.Fatalf("expected 5 retained records, got %d", len(recs))
	}
	for i, r := range recs {
		if r.Peers != i+1 {
			t.Fatalf("expected oldest first, got %+v", recs)
		}
	}
	for i := 6; i <= 9; i++ {
		if err := j.Append(Record{Peers: i}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	recs, err = j.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if recs[0].Peers == 1 {
		t.Fatalf("expected oldest records to be dropped, got %+v", recs)
	}
	last, _, _ := j.Last()
	if last.Peers != 9 {
		t.Fatalf("expected last record 9, got %d", last.Peers)
	}
}

func TestJournalSkipsGarbageLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batches.jsonl")
	if err := os.WriteFile(path, []byte("not json\n"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	j, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := j.Append(Record{Peers: 4}); err != nil {
		t.Fatalf("append: %v", err)
	}
	recs, err := j.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 || recs[0].Peers != 4 {
		t.Fatalf("unexpected records %+v", recs)
	}
}
