package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"qmesh/internal/debuglog"
	"qmesh/internal/proto"
)

const (
	maxIdleTimeout       = 30 * time.Second
	keepAlivePeriod      = 10 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	streamRWTimeout      = 10 * time.Second
)

var ErrUnknownPeer = errors.New("no address for peer")

type TransportOptions struct {
	// Peers maps peer ids to host:port.
	Peers              map[string]string
	InsecureSkipVerify bool
	// DevTLSCAPath names a PEM file of trusted roots. Empty trusts the built-in dev certificate.
	DevTLSCAPath string
	IdleAfter    time.Duration
	Logger       *zerolog.Logger
}

// Transport carries one handshake exchange per QUIC stream. It does not retry
// beyond replacing a stale pooled connection; retry policy belongs to the caller.
type Transport struct {
	mu       sync.RWMutex
	peers    map[string]string
	tlsConf  *tls.Config
	quicConf *quic.Config
	pool     *clientPool
	log      zerolog.Logger
}

func NewTransport(opts TransportOptions) (*Transport, error) {
	tlsConf, err := clientTLSConfig(opts.InsecureSkipVerify, opts.DevTLSCAPath)
	if err != nil {
		return nil, err
	}
	log := debuglog.Logger("network")
	if opts.Logger != nil {
		log = *opts.Logger
	}
	peers := make(map[string]string, len(opts.Peers))
	for id, addr := range opts.Peers {
		peers[id] = addr
	}
	return &Transport{
		peers:   peers,
		tlsConf: tlsConf,
		quicConf: &quic.Config{
			MaxIdleTimeout:       maxIdleTimeout,
			KeepAlivePeriod:      keepAlivePeriod,
			HandshakeIdleTimeout: handshakeIdleTimeout,
		},
		pool: newClientPool(opts.IdleAfter),
		log:  log,
	}, nil
}

func (t *Transport) SetPeer(peerID, addr string) {
	t.mu.Lock()
	t.peers[peerID] = addr
	t.mu.Unlock()
}

func (t *Transport) Resolve(peerID string) (string, error) {
	t.mu.RLock()
	addr, ok := t.peers[peerID]
	t.mu.RUnlock()
	if !ok || addr == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	return addr, nil
}

// PeerIDs lists the configured peers in sorted order.
func (t *Transport) PeerIDs() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.peers))
	for id := range t.peers {
		out = append(out, id)
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Failures is the number of consecutive failed exchanges with peerID.
func (t *Transport) Failures(peerID string) int {
	addr, err := t.Resolve(peerID)
	if err != nil {
		return 0
	}
	return t.pool.failureCount(addr)
}

func (t *Transport) Close() error {
	t.pool.closeAll()
	return nil
}

// Exchange sends data to peerID as one frame and returns the single response frame.
func (t *Transport) Exchange(ctx context.Context, peerID string, data []byte) ([]byte, error) {
	addr, err := t.Resolve(peerID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	resp, reused, err := t.exchangeOnce(ctx, addr, data)
	if err != nil && reused && ctx.Err() == nil {
		debuglog.Debugf("retrying %s on fresh connection after %v", addr, err)
		resp, _, err = t.exchangeOnce(ctx, addr, data)
	}
	if err != nil {
		n := t.pool.recordFailure(addr)
		t.log.Debug().Str("peer", peerID).Str("addr", addr).Int("failures", n).Err(err).Msg("exchange failed")
		return nil, err
	}
	t.pool.resetFailures(addr)
	return resp, nil
}

func (t *Transport) exchangeOnce(ctx context.Context, addr string, data []byte) ([]byte, bool, error) {
	conn, reused, err := t.pool.get(ctx, addr, t.tlsConf, t.quicConf)
	if err != nil {
		return nil, false, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.pool.drop(addr, conn, "open stream failed")
		return nil, reused, err
	}
	deadline := time.Now().Add(streamRWTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = stream.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		stream.CancelRead(0)
		stream.CancelWrite(0)
	})
	defer stop()

	if err := proto.WriteFrame(stream, data); err != nil {
		stream.CancelRead(0)
		t.pool.drop(addr, conn, "write failed")
		return nil, reused, err
	}
	// Close only ends our send side; the response is still readable.
	if err := stream.Close(); err != nil {
		debuglog.Debugf("quic stream close addr=%s err=%v", addr, err)
	}
	resp, err := proto.ReadFrame(stream)
	if err != nil {
		t.pool.drop(addr, conn, "read failed")
		return nil, reused, err
	}
	t.pool.touch(addr, conn)
	return resp, reused, nil
}
