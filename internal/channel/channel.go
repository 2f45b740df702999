package channel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"qmesh/internal/crypto"
	"qmesh/internal/proto"
)

// Channel is an established secure channel to one peer.
type Channel struct {
	ID            string    `json:"id"`
	LocalID       string    `json:"local_id"`
	PeerID        string    `json:"peer_id"`
	SecurityLevel int       `json:"security_level"`
	Fidelity      float64   `json:"fidelity"`
	EstablishedAt time.Time `json:"established_at"`

	mu          sync.Mutex
	keys        crypto.SessionKeys
	sendCounter uint64
	recvCounter uint64
	haveRecv    bool
}

func newChannel(id, localID, peerID string, keys crypto.SessionKeys, fid float64, level int, at time.Time) *Channel {
	return &Channel{
		ID:            id,
		LocalID:       localID,
		PeerID:        peerID,
		SecurityLevel: level,
		Fidelity:      fid,
		EstablishedAt: at,
		keys: crypto.SessionKeys{
			SendKey:       keys.SendKey,
			RecvKey:       keys.RecvKey,
			NonceBaseSend: keys.NonceBaseSend,
			NonceBaseRecv: keys.NonceBaseRecv,
		},
	}
}

func (c *Channel) String() string {
	return fmt.Sprintf("Channel{%s peer=%s bits=%d fidelity=%.3f}", c.ID, c.PeerID, c.SecurityLevel, c.Fidelity)
}

func (c *Channel) nextSendSeq() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendCounter == ^uint64(0) {
		return 0, errors.New("send counter exhausted")
	}
	seq := c.sendCounter
	c.sendCounter++
	return seq, nil
}

func (c *Channel) acceptRecvSeq(seq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.haveRecv && seq <= c.recvCounter {
		return errors.New("replayed or out-of-order seq")
	}
	c.recvCounter = seq
	c.haveRecv = true
	return nil
}

// Seal encrypts payload for the peer.
func (c *Channel) Seal(msgType string, payload []byte) (proto.SecureEnvelope, error) {
	seq, err := c.nextSendSeq()
	if err != nil {
		return proto.SecureEnvelope{}, err
	}
	nonce, err := crypto.NonceFromBase(c.keys.NonceBaseSend, seq)
	if err != nil {
		return proto.SecureEnvelope{}, err
	}
	aad := crypto.BuildAAD(msgType, seq, c.LocalID, c.PeerID, c.ID)
	sealed, err := crypto.XSealWithNonce(c.keys.SendKey, nonce, payload, aad)
	if err != nil {
		return proto.SecureEnvelope{}, err
	}
	return proto.SecureEnvelope{
		Type:      proto.MsgTypeSecureEnvelope,
		MsgType:   msgType,
		From:      c.LocalID,
		To:        c.PeerID,
		ChannelID: c.ID,
		Seq:       seq,
		Sealed:    sealed,
	}, nil
}

// Open authenticates and decrypts an envelope sealed by the peer.
func (c *Channel) Open(env proto.SecureEnvelope) ([]byte, error) {
	if env.ChannelID != c.ID {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, env.ChannelID)
	}
	if env.From != c.PeerID || env.To != c.LocalID {
		return nil, errors.New("envelope endpoints mismatch")
	}
	nonce, err := crypto.NonceFromBase(c.keys.NonceBaseRecv, env.Seq)
	if err != nil {
		return nil, err
	}
	aad := crypto.BuildAAD(env.MsgType, env.Seq, env.From, env.To, c.ID)
	plain, err := crypto.XOpen(c.keys.RecvKey, nonce, env.Sealed, aad)
	if err != nil {
		return nil, err
	}
	if err := c.acceptRecvSeq(env.Seq); err != nil {
		return nil, err
	}
	return plain, nil
}
