package proto

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	MsgTypeOpen   = "open"
	MsgTypeAccept = "accept"
	MsgTypeReject = "reject"

	MaxOpenSize   = 4 << 10
	MaxAcceptSize = 4 << 10

	KeyShareSize = 32
	NonceSize    = 32
)

var ErrRejected = errors.New("channel rejected by peer")

// OpenMsg is the initiator's half of the channel handshake.
type OpenMsg struct {
	Type    string `json:"type"`
	FromID  string `json:"from_id"`
	FromPub string `json:"from_pub"`
	ToPeer  string `json:"to_peer"`
	EA      string `json:"ea"`
	Na      string `json:"na"`
	Sig     string `json:"sig"`
}

// AcceptMsg answers an OpenMsg. Sig covers OpenBytes||AcceptBytes.
type AcceptMsg struct {
	Type     string `json:"type"`
	FromPeer string `json:"from_peer"`
	FromPub  string `json:"from_pub"`
	ToID     string `json:"to_id"`
	EB       string `json:"eb"`
	Nb       string `json:"nb"`
	Sig      string `json:"sig"`
}

type RejectMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type OpenFields struct {
	FromID  string
	ToPeer  string
	FromPub []byte
	EA      []byte
	Na      []byte
	Sig     []byte
}

type AcceptFields struct {
	FromPeer string
	ToID     string
	FromPub  []byte
	EB       []byte
	Nb       []byte
	Sig      []byte
}

func EncodeOpenMsg(m OpenMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeOpen
	}
	return json.Marshal(m)
}

func DecodeOpenMsg(data []byte) (OpenMsg, error) {
	if len(data) > MaxOpenSize {
		return OpenMsg{}, fmt.Errorf("open too large: %d", len(data))
	}
	var m OpenMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return OpenMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeOpen {
		return OpenMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

func EncodeAcceptMsg(m AcceptMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeAccept
	}
	return json.Marshal(m)
}

func EncodeRejectMsg(reason string) ([]byte, error) {
	return json.Marshal(RejectMsg{Type: MsgTypeReject, Reason: reason})
}

// DecodeAcceptMsg also recognizes a RejectMsg and returns it as ErrRejected.
func DecodeAcceptMsg(data []byte) (AcceptMsg, error) {
	if len(data) > MaxAcceptSize {
		return AcceptMsg{}, fmt.Errorf("accept too large: %d", len(data))
	}
	var hdr struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(data, &hdr); err != nil {
		return AcceptMsg{}, err
	}
	switch hdr.Type {
	case MsgTypeReject:
		return AcceptMsg{}, fmt.Errorf("%w: %s", ErrRejected, hdr.Reason)
	case "", MsgTypeAccept:
	default:
		return AcceptMsg{}, fmt.Errorf("unexpected msg type: %s", hdr.Type)
	}
	var m AcceptMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return AcceptMsg{}, err
	}
	return m, nil
}

func DecodeOpenFields(m OpenMsg) (OpenFields, error) {
	if m.FromID == "" {
		return OpenFields{}, fmt.Errorf("bad from_id")
	}
	if m.ToPeer == "" {
		return OpenFields{}, fmt.Errorf("bad to_peer")
	}
	fromPub, err := hex.DecodeString(m.FromPub)
	if err != nil || len(fromPub) == 0 {
		return OpenFields{}, fmt.Errorf("bad from_pub")
	}
	ea, err := hex.DecodeString(m.EA)
	if err != nil || len(ea) != KeyShareSize {
		return OpenFields{}, fmt.Errorf("bad ea")
	}
	na, err := hex.DecodeString(m.Na)
	if err != nil || len(na) != NonceSize {
		return OpenFields{}, fmt.Errorf("bad na")
	}
	sig, err := hex.DecodeString(m.Sig)
	if err != nil || len(sig) == 0 {
		return OpenFields{}, fmt.Errorf("bad sig")
	}
	return OpenFields{FromID: m.FromID, ToPeer: m.ToPeer, FromPub: fromPub, EA: ea, Na: na, Sig: sig}, nil
}

func DecodeAcceptFields(m AcceptMsg) (AcceptFields, error) {
	if m.FromPeer == "" {
		return AcceptFields{}, fmt.Errorf("bad from_peer")
	}
	if m.ToID == "" {
		return AcceptFields{}, fmt.Errorf("bad to_id")
	}
	fromPub, err := hex.DecodeString(m.FromPub)
	if err != nil || len(fromPub) == 0 {
		return AcceptFields{}, fmt.Errorf("bad from_pub")
	}
	eb, err := hex.DecodeString(m.EB)
	if err != nil || len(eb) != KeyShareSize {
		return AcceptFields{}, fmt.Errorf("bad eb")
	}
	nb, err := hex.DecodeString(m.Nb)
	if err != nil || len(nb) != NonceSize {
		return AcceptFields{}, fmt.Errorf("bad nb")
	}
	sig, err := hex.DecodeString(m.Sig)
	if err != nil || len(sig) == 0 {
		return AcceptFields{}, fmt.Errorf("bad sig")
	}
	return AcceptFields{FromPeer: m.FromPeer, ToID: m.ToID, FromPub: fromPub, EB: eb, Nb: nb, Sig: sig}, nil
}

// OpenBytes is the canonical transcript encoding of an open.
func OpenBytes(fromID, toPeer string, ea, na []byte) []byte {
	return appendPrefixed(nil, []byte("qmesh:open:v1"), []byte(fromID), []byte(toPeer), ea, na)
}

func AcceptBytes(fromPeer, toID string, eb, nb []byte) []byte {
	return appendPrefixed(nil, []byte("qmesh:accept:v1"), []byte(fromPeer), []byte(toID), eb, nb)
}

func appendPrefixed(buf []byte, parts ...[]byte) []byte {
	var tmp [2]byte
	for _, p := range parts {
		binary.BigEndian.PutUint16(tmp[:], uint16(len(p)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, p...)
	}
	return buf
}
