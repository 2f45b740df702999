package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	MsgTypeSecureEnvelope = "secure"
	MaxSecureEnvelopeSize = 64 << 10
)

var ErrMalformedEnvelope = errors.New("malformed secure envelope")

// SecureEnvelope carries one message sealed under a channel's session keys.
// Sealed is ciphertext plus tag; JSON carries it as base64.
type SecureEnvelope struct {
	Type      string `json:"type"`
	MsgType   string `json:"msg_type"`
	From      string `json:"from"`
	To        string `json:"to"`
	ChannelID string `json:"channel_id"`
	Seq       uint64 `json:"seq"`
	Sealed    []byte `json:"sealed"`
}

// check rejects envelopes a channel could never have produced. Sequence
// numbers start at 1.
func (m SecureEnvelope) check() error {
	switch {
	case m.Type != MsgTypeSecureEnvelope:
		return fmt.Errorf("%w: type %q", ErrMalformedEnvelope, m.Type)
	case m.ChannelID == "":
		return fmt.Errorf("%w: no channel id", ErrMalformedEnvelope)
	case m.MsgType == "":
		return fmt.Errorf("%w: no msg type", ErrMalformedEnvelope)
	case m.Seq == 0:
		return fmt.Errorf("%w: zero seq", ErrMalformedEnvelope)
	case len(m.Sealed) == 0:
		return fmt.Errorf("%w: empty payload", ErrMalformedEnvelope)
	}
	return nil
}

func EncodeSecureEnvelope(m SecureEnvelope) ([]byte, error) {
	m.Type = MsgTypeSecureEnvelope
	if err := m.check(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func DecodeSecureEnvelope(data []byte) (SecureEnvelope, error) {
	if len(data) > MaxSecureEnvelopeSize {
		return SecureEnvelope{}, fmt.Errorf("%w: %d bytes", ErrMalformedEnvelope, len(data))
	}
	var m SecureEnvelope
	if err := json.Unmarshal(data, &m); err != nil {
		return SecureEnvelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := m.check(); err != nil {
		return SecureEnvelope{}, err
	}
	return m, nil
}
