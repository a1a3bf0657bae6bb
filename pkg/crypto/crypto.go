// Package crypto implements the Crypto capability: BLAKE3 hashing and key
// derivation, Ed25519 single-key signatures, and a k-of-n threshold Schnorr
// scheme over the Ed25519 group. Session framing lives in pkg/threshold; this
// package owns only the primitives.
package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"lukechampine.com/blake3"

	"github.com/aura-dev/aura/pkg/effects"
	"github.com/aura-dev/aura/pkg/types"
)

// ErrBadKeySize is returned for keys of the wrong length.
var ErrBadKeySize = errors.New("bad key size")

// Suite implements effects.Crypto. Entropy comes from the injected Random
// capability, so a seeded RNG makes the whole suite deterministic.
type Suite struct {
	rand effects.Random
}

// NewSuite binds the suite to an entropy source.
func NewSuite(rand effects.Random) *Suite {
	return &Suite{rand: rand}
}

// Hash is BLAKE3-256 over data.
func (s *Suite) Hash(data []byte) types.Hash32 {
	return types.Hash32(blake3.Sum256(data))
}

// DeriveKey derives a 32-byte application key. BLAKE3's derive-key mode binds
// the output to the context string, so distinct applications can never
// collide even from identical material.
func (s *Suite) DeriveKey(context string, material []byte) [32]byte {
	var out [32]byte
	blake3.DeriveKey(out[:], context, material)
	return out
}

// Sign produces an Ed25519 signature with a 64-byte private key.
func (s *Suite) Sign(priv []byte, msg []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key is %d bytes", ErrBadKeySize, len(priv))
	}
	return ed25519.Sign(ed25519.PrivateKey(priv), msg), nil
}

// Verify checks an Ed25519 signature.
func (s *Suite) Verify(pub []byte, msg []byte, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// ExpandSeed turns a 32-byte Ed25519 seed into the full private key and its
// public key.
func ExpandSeed(seed []byte) (priv, pub []byte, err error) {
	if len(seed) != ed25519.SeedSize {
		return nil, nil, fmt.Errorf("%w: seed is %d bytes", ErrBadKeySize, len(seed))
	}
	sk := ed25519.NewKeyFromSeed(seed)
	return sk, sk.Public().(ed25519.PublicKey), nil
}

// GenerateKeypair draws a fresh Ed25519 keypair from the suite's RNG.
func (s *Suite) GenerateKeypair() (pub, priv []byte, err error) {
	seed := make([]byte, ed25519.SeedSize)
	if err := s.rand.Fill(seed); err != nil {
		return nil, nil, fmt.Errorf("drawing key seed: %w", err)
	}
	sk := ed25519.NewKeyFromSeed(seed)
	return sk.Public().(ed25519.PublicKey), sk, nil
}
