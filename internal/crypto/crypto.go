package crypto

import (
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// qmesh channel crypto
//
// Fixed suite: Ed25519 identity + X25519 ephemeral + XChaCha20-Poly1305 + SHA3-256.
// Ed25519 signs handshake transcripts only, X25519 keys never outlive a handshake.
// -----------------------------------------------------------------------------

const (
	XKeySize   = chacha20poly1305.KeySize    // 32
	XNonceSize = chacha20poly1305.NonceSizeX // 24
)

var ErrKeyDestroyed = errors.New("ephemeral key destroyed")

// -----------------------------------------------------------------------------
// SHA-3
// -----------------------------------------------------------------------------

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

// KDF hashes label||parts. Labels provide domain separation between derived keys.
func KDF(label string, parts ...[]byte) []byte {
	n := len(label)
	for _, p := range parts {
		n += len(p)
	}
	buf := make([]byte, 0, n)
	buf = append(buf, label...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

// -----------------------------------------------------------------------------
// XChaCha20-Poly1305 AEAD
//
// Channel nonces come from NonceFromBase, never from the RNG, so both sides can
// reconstruct them from the envelope sequence number.
// -----------------------------------------------------------------------------

func xaead(key32, nonce24 []byte) (cipher.AEAD, error) {
	if len(key32) != XKeySize {
		return nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	if len(nonce24) != XNonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", XNonceSize)
	}
	return chacha20poly1305.NewX(key32)
}

func XSealWithNonce(key32, nonce24, plaintext, aad []byte) ([]byte, error) {
	aead, err := xaead(key32, nonce24)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce24, plaintext, aad), nil
}

func XOpen(key32, nonce24, ciphertext, aad []byte) ([]byte, error) {
	aead, err := xaead(key32, nonce24)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce24, ciphertext, aad)
}

// -----------------------------------------------------------------------------
// X25519 ephemeral keys
// -----------------------------------------------------------------------------

type Ephemeral struct {
	priv      *ecdh.PrivateKey
	privBytes []byte
	pub       []byte
	destroyed bool
}

func (e *Ephemeral) String() string {
	return "Ephemeral{REDACTED}"
}

func (e *Ephemeral) Public() ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, ErrKeyDestroyed
	}
	out := make([]byte, len(e.pub))
	copy(out, e.pub)
	return out, nil
}

func (e *Ephemeral) Shared(peerPub []byte) ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, ErrKeyDestroyed
	}
	if len(peerPub) == 0 {
		return nil, errors.New("empty key material")
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return e.priv.ECDH(pub)
}

func (e *Ephemeral) Destroy() {
	if e == nil || e.destroyed {
		return
	}
	Zero(e.privBytes)
	Zero(e.pub)
	e.priv = nil
	e.destroyed = true
}

func GenerateEphemeral() (*Ephemeral, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	privCopy := append([]byte(nil), priv.Bytes()...)
	pubCopy := append([]byte(nil), priv.PublicKey().Bytes()...)
	return &Ephemeral{priv: priv, privBytes: privCopy, pub: pubCopy}, nil
}

// -----------------------------------------------------------------------------
// Ed25519 identity
// -----------------------------------------------------------------------------

type Identity struct {
	Pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func (id *Identity) String() string {
	return "Identity{REDACTED}"
}

func GenerateIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{Pub: pub, priv: priv}, nil
}

// IdentityFromSeed is deterministic; intended for tests and fixtures.
func IdentityFromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("bad seed size: need %d", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Identity{Pub: priv.Public().(ed25519.PublicKey), priv: priv}, nil
}

func (id *Identity) SignDigest(digest []byte) ([]byte, error) {
	if id == nil || len(id.priv) == 0 {
		return nil, errors.New("identity unavailable")
	}
	if len(digest) != 32 {
		return nil, errors.New("bad digest size")
	}
	return ed25519.Sign(id.priv, digest), nil
}

func VerifyDigest(pub, digest, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(digest) != 32 {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), digest, sig)
}

func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
