// Package store keeps an append-only JSONL journal of finished establishment batches.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	// MaxLinesPerFile triggers rotation of the live journal file.
	MaxLinesPerFile = 1000
	// MaxRotations is how many rotated files are kept (path.1 is the newest).
	MaxRotations = 3
)

const maxScanSize = 1 << 20

// Record summarizes one batch. FailedPeers keeps input order so a follow-up
// run can target exactly the peers that did not get a channel.
type Record struct {
	At             time.Time      `json:"at"`
	Peers          int            `json:"peers"`
	Successful     int            `json:"successful"`
	Failed         int            `json:"failed"`
	TotalRetries   int            `json:"total_retries"`
	TotalTime      time.Duration  `json:"total_time_ns"`
	FailuresByKind map[string]int `json:"failures_by_kind,omitempty"`
	FailedPeers    []string       `json:"failed_peers,omitempty"`
}

type Journal struct {
	mu   sync.Mutex
	path string
}

func Open(path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("missing journal path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	return &Journal{path: path}, nil
}

func (j *Journal) Path() string {
	return j.path
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	return sc
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

func rotatedPath(path string, n int) string {
	if n == 0 {
		return path
	}
	return fmt.Sprintf("%s.%d", path, n)
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := newScanner(f)
	for sc.Scan() {
		n++
	}
	return n, sc.Err()
}

// rotate shifts path.k to path.k+1, dropping the oldest, and moves the live file to path.1.
func (j *Journal) rotate() error {
	if MaxRotations <= 0 {
		return os.Remove(j.path)
	}
	_ = os.Remove(rotatedPath(j.path, MaxRotations))
	for n := MaxRotations - 1; n >= 0; n-- {
		from := rotatedPath(j.path, n)
		if _, err := os.Stat(from); err != nil {
			continue
		}
		if err := os.Rename(from, rotatedPath(j.path, n+1)); err != nil {
			return err
		}
	}
	syncDir(j.path)
	return nil
}

func (j *Journal) Append(r Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if MaxLinesPerFile > 0 {
		n, err := countLines(j.path)
		if err != nil {
			return err
		}
		if n >= MaxLinesPerFile {
			if err := j.rotate(); err != nil {
				return fmt.Errorf("rotate journal: %w", err)
			}
		}
	}
	_, statErr := os.Stat(j.path)
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(r); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if os.IsNotExist(statErr) {
		syncDir(j.path)
	}
	return nil
}

func readRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []Record
	sc := newScanner(f)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err == nil {
			out = append(out, r)
		}
	}
	return out, sc.Err()
}

// List returns every retained record, oldest first. Undecodable lines are skipped.
func (j *Journal) List() ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []Record
	for n := MaxRotations; n >= 0; n-- {
		recs, err := readRecords(rotatedPath(j.path, n))
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// Last returns the most recent record.
func (j *Journal) Last() (Record, bool, error) {
	recs, err := j.List()
	if err != nil || len(recs) == 0 {
		return Record{}, false, err
	}
	return recs[len(recs)-1], true, nil
}
