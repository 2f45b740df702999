package channel

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"qmesh/internal/crypto"
	"qmesh/internal/debuglog"
	"qmesh/internal/fidelity"
	"qmesh/internal/proto"
)

// Transport carries one handshake round trip to a peer.
type Transport interface {
	Exchange(ctx context.Context, peerID string, data []byte) ([]byte, error)
}

type ClientOptions struct {
	Identity *crypto.Identity
	Registry *Registry
	Fidelity fidelity.Options
	// MinFidelity rejects channels scoring below it. Zero accepts every channel.
	MinFidelity float64
	// PeerKeys pins identity keys for known peers.
	PeerKeys map[string][]byte
	Logger   *zerolog.Logger
}

// Client is the shared secure-communications client. It is safe for concurrent use.
type Client struct {
	id          string
	identity    *crypto.Identity
	transport   Transport
	registry    *Registry
	scorer      *fidelity.Scorer
	minFidelity float64
	peerKeys    map[string][]byte
	log         zerolog.Logger
}

func NewClient(transport Transport, opts ClientOptions) (*Client, error) {
	if transport == nil {
		return nil, errors.New("missing transport")
	}
	identity := opts.Identity
	if identity == nil {
		var err error
		identity, err = crypto.GenerateIdentity()
		if err != nil {
			return nil, err
		}
	}
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	log := debuglog.Logger("channel")
	if opts.Logger != nil {
		log = *opts.Logger
	}
	pinned := make(map[string][]byte, len(opts.PeerKeys))
	for k, v := range opts.PeerKeys {
		pinned[k] = append([]byte(nil), v...)
	}
	return &Client{
		id:          DeriveID(identity.Pub),
		identity:    identity,
		transport:   transport,
		registry:    registry,
		scorer:      fidelity.NewScorer(opts.Fidelity),
		minFidelity: opts.MinFidelity,
		peerKeys:    pinned,
		log:         log,
	}, nil
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) Registry() *Registry {
	return c.registry
}

// Close forgets an established channel.
func (c *Client) Close(channelID string) error {
	if !c.registry.Remove(channelID) {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channelID)
	}
	return nil
}

// EstablishOne runs one handshake with peerID and registers the resulting channel.
func (c *Client) EstablishOne(ctx context.Context, peerID string) (*Channel, error) {
	if peerID == "" {
		return nil, ErrEmptyPeer
	}
	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeral: %w", ErrCrypto, err)
	}
	defer eph.Destroy()
	ea, err := eph.Public()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCrypto, err)
	}
	na := make([]byte, proto.NonceSize)
	if _, err := rand.Read(na); err != nil {
		return nil, fmt.Errorf("%w: nonce: %w", ErrCrypto, err)
	}
	openBytes := proto.OpenBytes(c.id, peerID, ea, na)
	sig, err := c.identity.SignDigest(crypto.SHA3_256(openBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: sign open: %w", ErrCrypto, err)
	}
	data, err := proto.EncodeOpenMsg(proto.OpenMsg{
		FromID:  c.id,
		FromPub: hex.EncodeToString(c.identity.Pub),
		ToPeer:  peerID,
		EA:      hex.EncodeToString(ea),
		Na:      hex.EncodeToString(na),
		Sig:     hex.EncodeToString(sig),
	})
	if err != nil {
		return nil, err
	}

	respData, err := c.transport.Exchange(ctx, peerID, data)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	resp, err := proto.DecodeAcceptMsg(respData)
	if err != nil {
		return nil, fmt.Errorf("%w: accept: %w", ErrCrypto, err)
	}
	f, err := proto.DecodeAcceptFields(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: accept: %w", ErrCrypto, err)
	}
	if f.FromPeer != peerID || f.ToID != c.id {
		return nil, fmt.Errorf("%w: accept endpoints mismatch", ErrCrypto)
	}
	if pinned, ok := c.peerKeys[peerID]; ok && !bytes.Equal(pinned, f.FromPub) {
		return nil, fmt.Errorf("%w: peer key mismatch for %s", ErrCrypto, peerID)
	}
	acceptBytes := proto.AcceptBytes(f.FromPeer, f.ToID, f.EB, f.Nb)
	transcript := crypto.SHA3_256(append(append([]byte(nil), openBytes...), acceptBytes...))
	if !crypto.VerifyDigest(f.FromPub, transcript, f.Sig) {
		return nil, fmt.Errorf("%w: bad accept signature", ErrCrypto)
	}
	ss, err := eph.Shared(f.EB)
	if err != nil {
		return nil, fmt.Errorf("%w: key agreement: %w", ErrCrypto, err)
	}
	keys, err := crypto.DeriveSessionKeys(ss, transcript)
	crypto.Zero(ss)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCrypto, err)
	}
	crypto.Zero(keys.Master)

	fid := c.scorer.Score(transcript)
	if fid < c.minFidelity {
		return nil, fmt.Errorf("%w: fidelity %.3f below %.3f", ErrCrypto, fid, c.minFidelity)
	}
	ch := newChannel(channelID(transcript), c.id, peerID, keys, fid, fidelity.SecurityLevel(fid), time.Now())
	c.registry.Add(ch)
	c.log.Debug().Str("peer", peerID).Str("channel", ch.ID).Float64("fidelity", fid).Msg("channel established")
	return ch, nil
}

func transportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrNetwork), errors.Is(err, ErrCrypto), errors.Is(err, ErrTimeout):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
}
