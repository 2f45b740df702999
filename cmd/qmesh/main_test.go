package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"qmesh/internal/crypto"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func runCapture(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunHelp(t *testing.T) {
	code, out, _ := runCapture(t, "--help")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	for _, sub := range []string{"establish", "serve", "bench"} {
		if !strings.Contains(out, sub) {
			t.Fatalf("expected help to list %s", sub)
		}
	}
}

func TestRunUnknownCommand(t *testing.T) {
	code, _, errOut := runCapture(t, "teleport")
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(errOut, "unknown command") {
		t.Fatalf("expected unknown command error, got %q", errOut)
	}
}

func TestEstablishLoopback(t *testing.T) {
	code, out, errOut := runCapture(t, "establish", "--loopback", "--retry-delay", "1ms", "a", "b", "c")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d: %s", code, errOut)
	}
	if !strings.Contains(out, "peers: 3  ok: 3  failed: 0") {
		t.Fatalf("unexpected summary:\n%s", out)
	}
	if strings.Contains(out, "retry with") {
		t.Fatalf("expected no follow-up line:\n%s", out)
	}
}

func TestEstablishLoopbackFailuresExitTwo(t *testing.T) {
	code, out, _ := runCapture(t, "establish", "--loopback", "--fail-first", "1", "--retries", "0", "a", "b")
	if code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(out, "failed: 2") || !strings.Contains(out, "failures: network=2") {
		t.Fatalf("unexpected summary:\n%s", out)
	}
	if !strings.Contains(out, "retry with: qmesh establish a b") {
		t.Fatalf("expected follow-up line:\n%s", out)
	}
}

func TestEstablishLoopbackRecoversWithRetries(t *testing.T) {
	code, out, errOut := runCapture(t, "establish", "--loopback", "--fail-first", "1", "--retries", "2",
		"--retry-delay", "1ms", "--json", "a", "b")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d: %s", code, errOut)
	}
	var report struct {
		SuccessfulCount int `json:"successful_count"`
		RetryStats      struct {
			TotalRetries   int `json:"total_retries"`
			RetrySuccesses int `json:"retry_successes"`
		} `json:"retry_stats"`
		Results []struct {
			PeerID string `json:"peer_id"`
		} `json:"results"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out)
	}
	if report.SuccessfulCount != 2 || report.RetryStats.TotalRetries != 2 || report.RetryStats.RetrySuccesses != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Results[0].PeerID != "a" || report.Results[1].PeerID != "b" {
		t.Fatalf("expected input order, got %+v", report.Results)
	}
}

func TestEstablishNoPeers(t *testing.T) {
	code, _, errOut := runCapture(t, "establish", "--loopback")
	if code != 1 || !strings.Contains(errOut, "no peers") {
		t.Fatalf("expected no peers error, got %d %q", code, errOut)
	}
}

func TestEstablishInvalidPolicy(t *testing.T) {
	code, _, errOut := runCapture(t, "establish", "--loopback", "--max-concurrent", "0", "a")
	if code != 1 || !strings.Contains(errOut, "max_concurrent") {
		t.Fatalf("expected policy error, got %d %q", code, errOut)
	}
}

func TestEstablishWritesMetricsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")
	code, _, errOut := runCapture(t, "establish", "--loopback", "--metrics-snapshot", path, "a", "b")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d: %s", code, errOut)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap struct {
		Peers struct {
			Established int `json:"established"`
		} `json:"peers"`
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Peers.Established != 2 {
		t.Fatalf("expected 2 established peers, got %d", snap.Peers.Established)
	}
}

func TestBench(t *testing.T) {
	code, out, errOut := runCapture(t, "bench", "--peers", "12", "--max-concurrent", "4", "--batch-size", "6",
		"--latency-min", "1ms", "--latency-max", "2ms")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d: %s", code, errOut)
	}
	if !strings.Contains(out, "bench: 12 peers, max_concurrent=4 batch_size=6") {
		t.Fatalf("unexpected header:\n%s", out)
	}
	if !strings.Contains(out, "ok: 12") || !strings.Contains(out, "throughput:") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestBenchReadsPolicyFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qmesh.yaml")
	if err := os.WriteFile(path, []byte("policy:\n  max_concurrent: 3\n  batch_size: 9\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	code, out, errOut := runCapture(t, "--config", path, "bench", "--peers", "3", "--latency-min", "1ms", "--latency-max", "1ms")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d: %s", code, errOut)
	}
	if !strings.Contains(out, "max_concurrent=3 batch_size=9") {
		t.Fatalf("expected config policy in header:\n%s", out)
	}
}

func TestServeRequiresDevTLS(t *testing.T) {
	code, _, errOut := runCapture(t, "serve", "--addr", "127.0.0.1:0")
	if code != 1 || !strings.Contains(errOut, "--devtls") {
		t.Fatalf("expected devtls refusal, got %d %q", code, errOut)
	}
}

func freeUDPAddr(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := pc.LocalAddr().String()
	_ = pc.Close()
	return addr
}

func TestServeAndEstablishOverQUIC(t *testing.T) {
	seedHex := strings.Repeat("07", 32)
	seed, _ := hex.DecodeString(seedHex)
	id, err := crypto.IdentityFromSeed(seed)
	if err != nil {
		t.Fatalf("IdentityFromSeed: %v", err)
	}
	addr := freeUDPAddr(t)

	ctx, cancel := context.WithCancel(context.Background())
	serveOut := &syncBuffer{}
	done := make(chan int, 1)
	go func() {
		done <- runContext(ctx, []string{"serve", "--devtls", "--addr", addr, "--peer-id", "node-1", "--identity-seed", seedHex},
			serveOut, &syncBuffer{})
	}()
	defer func() {
		cancel()
		select {
		case code := <-done:
			if code != 0 {
				t.Errorf("serve exited %d", code)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("serve did not stop")
		}
	}()
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(serveOut.String(), "serving peer node-1") {
		if time.Now().After(deadline) {
			t.Fatalf("server not ready: %q", serveOut.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	cfgPath := filepath.Join(t.TempDir(), "client.yaml")
	cfg := fmt.Sprintf("client:\n  peers:\n    - id: node-1\n      addr: %s\n      pubkey: %s\n", addr, hex.EncodeToString(id.Pub))
	if err := os.WriteFile(cfgPath, []byte(cfg), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	code, out, errOut := runCapture(t, "--config", cfgPath, "establish", "--timeout", "3s")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d: %s\n%s", code, errOut, out)
	}
	if !strings.Contains(out, "node-1") || !strings.Contains(out, "ok: 1") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestEstablishRetryFailedFromJournal(t *testing.T) {
	journal := filepath.Join(t.TempDir(), "batches.jsonl")
	code, _, _ := runCapture(t, "establish", "--loopback", "--fail-first", "1", "--retries", "0",
		"--journal", journal, "a", "b", "c")
	if code != 2 {
		t.Fatalf("expected exit 2 on first run, got %d", code)
	}
	code, out, errOut := runCapture(t, "establish", "--loopback", "--journal", journal, "--retry-failed")
	if code != 0 {
		t.Fatalf("expected exit 0 on retry, got %d: %s", code, errOut)
	}
	if !strings.Contains(out, "peers: 3  ok: 3") {
		t.Fatalf("expected all failed peers to be retried:\n%s", out)
	}
	code, out, _ = runCapture(t, "establish", "--loopback", "--journal", journal, "--retry-failed")
	if code != 0 || !strings.Contains(out, "nothing to retry") {
		t.Fatalf("expected nothing to retry, got %d:\n%s", code, out)
	}
}

func TestEstablishRetryFailedNeedsJournal(t *testing.T) {
	code, _, errOut := runCapture(t, "establish", "--loopback", "--retry-failed")
	if code != 1 || !strings.Contains(errOut, "journal") {
		t.Fatalf("expected journal error, got %d %q", code, errOut)
	}
}
