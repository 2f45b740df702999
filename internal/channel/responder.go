package channel

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"qmesh/internal/crypto"
	"qmesh/internal/debuglog"
	"qmesh/internal/fidelity"
	"qmesh/internal/proto"
)

const (
	replayWindow  = 5 * time.Minute
	replayMaxSeen = 4096
)

type ResponderOptions struct {
	Registry *Registry
	Fidelity fidelity.Options
	Logger   *zerolog.Logger
}

// Responder answers channel opens addressed to one peer id.
type Responder struct {
	peerID   string
	identity *crypto.Identity
	registry *Registry
	scorer   *fidelity.Scorer
	log      zerolog.Logger

	// seen remembers recent open digests; an identical open inside replayWindow is refused.
	mu   sync.Mutex
	seen *lru.Cache[[32]byte, time.Time]
}

func NewResponder(peerID string, identity *crypto.Identity, opts ResponderOptions) (*Responder, error) {
	if peerID == "" {
		return nil, ErrEmptyPeer
	}
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
	log := debuglog.Logger("responder")
	if opts.Logger != nil {
		log = *opts.Logger
	}
	seen, err := lru.New[[32]byte, time.Time](replayMaxSeen)
	if err != nil {
		return nil, err
	}
	return &Responder{
		peerID:   peerID,
		identity: identity,
		registry: registry,
		scorer:   fidelity.NewScorer(opts.Fidelity),
		log:      log.With().Str("peer", peerID).Logger(),
		seen:     seen,
	}, nil
}

func (r *Responder) PeerID() string {
	return r.peerID
}

func (r *Responder) PublicKey() []byte {
	return append([]byte(nil), r.identity.Pub...)
}

func (r *Responder) Registry() *Registry {
	return r.registry
}

// Handle answers data with an accept, or a reject carrying the failure reason.
func (r *Responder) Handle(data []byte) []byte {
	resp, err := r.Accept(data)
	if err == nil {
		return resp
	}
	r.log.Debug().Err(err).Msg("open rejected")
	out, encErr := proto.EncodeRejectMsg(err.Error())
	if encErr != nil {
		return nil
	}
	return out
}

// Accept validates an open, registers the responder side of the channel and returns the accept.
func (r *Responder) Accept(data []byte) ([]byte, error) {
	m, err := proto.DecodeOpenMsg(data)
	if err != nil {
		return nil, err
	}
	f, err := proto.DecodeOpenFields(m)
	if err != nil {
		return nil, err
	}
	if f.ToPeer != r.peerID {
		return nil, fmt.Errorf("open addressed to %s", f.ToPeer)
	}
	if DeriveID(f.FromPub) != f.FromID {
		return nil, errors.New("open from_id mismatch")
	}
	openBytes := proto.OpenBytes(f.FromID, f.ToPeer, f.EA, f.Na)
	if !crypto.VerifyDigest(f.FromPub, crypto.SHA3_256(openBytes), f.Sig) {
		return nil, errors.New("bad open signature")
	}
	var h [32]byte
	copy(h[:], crypto.SHA3_256(openBytes))
	if !r.recordOpen(h, time.Now()) {
		return nil, errors.New("open replay")
	}

	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return nil, err
	}
	defer eph.Destroy()
	eb, err := eph.Public()
	if err != nil {
		return nil, err
	}
	nb := make([]byte, proto.NonceSize)
	if _, err := rand.Read(nb); err != nil {
		return nil, err
	}
	acceptBytes := proto.AcceptBytes(r.peerID, f.FromID, eb, nb)
	transcript := crypto.SHA3_256(append(append([]byte(nil), openBytes...), acceptBytes...))
	sig, err := r.identity.SignDigest(transcript)
	if err != nil {
		return nil, err
	}
	ss, err := eph.Shared(f.EA)
	if err != nil {
		return nil, err
	}
	keys, err := crypto.DeriveSessionKeys(ss, transcript)
	crypto.Zero(ss)
	if err != nil {
		return nil, err
	}
	crypto.Zero(keys.Master)
	fid := r.scorer.Score(transcript)
	ch := newChannel(channelID(transcript), r.peerID, f.FromID, keys.Reverse(), fid, fidelity.SecurityLevel(fid), time.Now())
	r.registry.Add(ch)
	return proto.EncodeAcceptMsg(proto.AcceptMsg{
		FromPeer: r.peerID,
		FromPub:  hex.EncodeToString(r.identity.Pub),
		ToID:     f.FromID,
		EB:       hex.EncodeToString(eb),
		Nb:       hex.EncodeToString(nb),
		Sig:      hex.EncodeToString(sig),
	})
}

func (r *Responder) recordOpen(h [32]byte, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ts, ok := r.seen.Get(h); ok && now.Sub(ts) <= replayWindow {
		return false
	}
	r.seen.Add(h, now)
	return true
}
