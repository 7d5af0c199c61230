package handshake

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/hkdf"

	"github.com/congo-pay/offlinepay/internal/signing"
)

// MinSeedSize is the shortest device seed accepted by the key store.
const MinSeedSize = 32

const keySalt = "offlinepay/device-key"

// ErrSeedTooShort is returned for seeds under MinSeedSize bytes.
var ErrSeedTooShort = errors.New("device seed too short")

// KeyStore derives one Ed25519 key per (device, key version) from a single
// device seed. Rotating the key version yields an unrelated key.
type KeyStore struct {
	seed []byte
}

// NewKeyStore copies seed.
func NewKeyStore(seed []byte) (*KeyStore, error) {
	if len(seed) < MinSeedSize {
		return nil, ErrSeedTooShort
	}
	return &KeyStore{seed: append([]byte(nil), seed...)}, nil
}

// NewKeyStoreFromHex decodes a hex seed.
func NewKeyStoreFromHex(seedHex string) (*KeyStore, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decode device seed: %w", err)
	}
	return NewKeyStore(seed)
}

// Signer returns the signer for deviceID at keyVersion.
func (k *KeyStore) Signer(deviceID string, keyVersion int) (*signing.Ed25519Signer, error) {
	info := deviceID + "|v" + strconv.Itoa(keyVersion)
	r := hkdf.New(sha256.New, k.seed, []byte(keySalt), []byte(info))
	keySeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, keySeed); err != nil {
		return nil, fmt.Errorf("derive device key: %w", err)
	}
	return signing.NewEd25519Signer(ed25519.NewKeyFromSeed(keySeed))
}

// PublicKey returns the base64 key registered with the server out of band.
func (k *KeyStore) PublicKey(deviceID string, keyVersion int) (string, error) {
	s, err := k.Signer(deviceID, keyVersion)
	if err != nil {
		return "", err
	}
	return s.PublicKey(), nil
}
