package channel

import "errors"

// Failure classes of a single establishment attempt. Errors returned by
// EstablishOne wrap exactly one of them.
var (
	ErrNetwork = errors.New("network failure")
	ErrCrypto  = errors.New("cryptographic failure")
	ErrTimeout = errors.New("establishment timed out")
)

var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrEmptyPeer      = errors.New("empty peer id")
)
