package network

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"qmesh/internal/channel"
)

func startServer(t *testing.T, h Handler) string {
	t.Helper()
	srv, err := NewServer(h, ServerOptions{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	addr, err := srv.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("server did not stop")
		}
	})
	return addr.String()
}

func TestExchangeEcho(t *testing.T) {
	addr := startServer(t, HandlerFunc(func(req []byte) []byte {
		return append([]byte("echo:"), req...)
	}))
	tr, err := NewTransport(TransportOptions{Peers: map[string]string{"echo": addr}})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		resp, err := tr.Exchange(ctx, "echo", []byte("hello"))
		if err != nil {
			t.Fatalf("Exchange %d: %v", i, err)
		}
		if !bytes.Equal(resp, []byte("echo:hello")) {
			t.Fatalf("unexpected response %q", resp)
		}
	}
	if n := tr.pool.len(); n != 1 {
		t.Fatalf("expected one pooled connection, got %d", n)
	}
	if n := tr.Failures("echo"); n != 0 {
		t.Fatalf("expected no failures, got %d", n)
	}
}

func TestExchangeUnknownPeer(t *testing.T) {
	tr, err := NewTransport(TransportOptions{})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	_, err = tr.Exchange(context.Background(), "ghost", []byte("x"))
	if !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
}

func TestExchangeNoListenerFails(t *testing.T) {
	tr, err := NewTransport(TransportOptions{Peers: map[string]string{"down": "127.0.0.1:1"}})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if _, err := tr.Exchange(ctx, "down", []byte("x")); err == nil {
		t.Fatalf("expected exchange to fail")
	}
	if n := tr.Failures("down"); n != 1 {
		t.Fatalf("expected one recorded failure, got %d", n)
	}
}

func TestPeerIDsSorted(t *testing.T) {
	tr, err := NewTransport(TransportOptions{Peers: map[string]string{"b": "x:1", "a": "x:2"}})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	tr.SetPeer("c", "x:3")
	got := tr.PeerIDs()
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("unexpected peers %v", got)
	}
}

func TestChannelHandshakeOverQUIC(t *testing.T) {
	resp, err := channel.NewResponder("peer-a", nil, channel.ResponderOptions{})
	if err != nil {
		t.Fatalf("NewResponder: %v", err)
	}
	addr := startServer(t, resp)
	tr, err := NewTransport(TransportOptions{Peers: map[string]string{"peer-a": addr}})
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	defer tr.Close()
	client, err := channel.NewClient(tr, channel.ClientOptions{
		PeerKeys: map[string][]byte{"peer-a": resp.PublicKey()},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := client.EstablishOne(ctx, "peer-a")
	if err != nil {
		t.Fatalf("EstablishOne: %v", err)
	}
	remote, ok := resp.Registry().Get(ch.ID)
	if !ok {
		t.Fatalf("expected responder to register channel %s", ch.ID)
	}
	env, err := ch.Seal("data", []byte("over quic"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	plain, err := remote.Open(env)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(plain) != "over quic" {
		t.Fatalf("unexpected plaintext %q", plain)
	}
}
