package engine

import (
	"context"
	"errors"
	"fmt"
	"net"

	"qmesh/internal/channel"
)

// ErrInvalidPolicy is the only error EstablishMany returns itself.
var ErrInvalidPolicy = errors.New("invalid establishment policy")

// ErrorKind classifies a failed attempt. The zero value marks success.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindTimeout
	KindNetwork
	KindCrypto
	KindOther
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return ""
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindCrypto:
		return "crypto"
	default:
		return "other"
	}
}

func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ErrorKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "":
		*k = KindNone
	case "timeout":
		*k = KindTimeout
	case "network":
		*k = KindNetwork
	case "crypto":
		*k = KindCrypto
	case "other":
		*k = KindOther
	default:
		return fmt.Errorf("unknown error kind %q", b)
	}
	return nil
}

// Classify maps an attempt error onto its kind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var ae *AttemptError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, channel.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, channel.ErrCrypto) {
		return KindCrypto
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, channel.ErrNetwork) || ne != nil {
		return KindNetwork
	}
	return KindOther
}

// AttemptError is the failure of one attempt against one peer.
type AttemptError struct {
	Peer    string
	Attempt int
	Kind    ErrorKind
	Err     error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("peer %s attempt %d: %s: %v", e.Peer, e.Attempt, e.Kind, e.Err)
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}
