package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
)

// ErrInvalidPrivateKey is returned when a signer is built from a malformed key.
var ErrInvalidPrivateKey = errors.New("invalid ed25519 private key")

// Verifier checks a base64 signature over a hex digest with a base64 public key.
type Verifier interface {
	Verify(publicKey, signature, digest string) bool
}

// Signer produces base64 signatures over hex digests.
type Signer interface {
	Sign(digest string) string
	PublicKey() string
}

// Ed25519Verifier verifies Ed25519 signatures. Malformed keys or signatures
// verify as false.
type Ed25519Verifier struct{}

// Verify implements Verifier.
func (Ed25519Verifier) Verify(publicKey, signature, digest string) bool {
	pub, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), []byte(digest), sig)
}

// Ed25519Signer signs with a single private key.
type Ed25519Signer struct {
	key ed25519.PrivateKey
}

// NewEd25519Signer wraps a private key.
func NewEd25519Signer(key ed25519.PrivateKey) (*Ed25519Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, ErrInvalidPrivateKey
	}
	return &Ed25519Signer{key: key}, nil
}

// Sign implements Signer.
func (s *Ed25519Signer) Sign(digest string) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.key, []byte(digest)))
}

// PublicKey returns the base64 public half, the form registered with the server.
func (s *Ed25519Signer) PublicKey() string {
	return EncodePublicKey(s.key.Public().(ed25519.PublicKey))
}

// EncodePublicKey renders a public key the way devices register it.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}
