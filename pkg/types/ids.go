// Package types defines the identifier namespaces shared by every Aura
// subsystem. Identifiers are 32-byte unforgeable values; equality is by
// bytes and the total order is lexicographic.
package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// IDSize is the byte length of every Aura identifier.
const IDSize = 32

// Hash32 is a 32-byte BLAKE3 digest of canonical bytes.
type Hash32 [IDSize]byte

// AuthorityID identifies a principal (device or guardian) that can sign events.
type AuthorityID [IDSize]byte

// AccountID identifies an account owned jointly by a set of authorities.
type AccountID [IDSize]byte

// ContextID groups authorities that may communicate with each other.
type ContextID [IDSize]byte

// SessionID identifies a runtime session on a single device.
type SessionID [IDSize]byte

// CeremonyID identifies a multi-party ceremony.
type CeremonyID [IDSize]byte

// ProposalID identifies a deferred-approval proposal.
type ProposalID [IDSize]byte

// Epoch is a monotonic account-scoped counter advanced by every committed
// blocking ceremony.
type Epoch uint64

func (h Hash32) String() string      { return hex.EncodeToString(h[:]) }
func (h Hash32) Bytes() []byte       { return h[:] }
func (h Hash32) IsZero() bool        { return h == Hash32{} }
func (a AuthorityID) String() string { return hex.EncodeToString(a[:]) }
func (a AuthorityID) Bytes() []byte  { return a[:] }
func (a AccountID) String() string   { return hex.EncodeToString(a[:]) }
func (a AccountID) Bytes() []byte    { return a[:] }
func (c ContextID) String() string   { return hex.EncodeToString(c[:]) }
func (c ContextID) Bytes() []byte    { return c[:] }
func (s SessionID) String() string   { return hex.EncodeToString(s[:]) }
func (s SessionID) Bytes() []byte    { return s[:] }
func (c CeremonyID) String() string  { return hex.EncodeToString(c[:]) }
func (c CeremonyID) Bytes() []byte   { return c[:] }
func (p ProposalID) String() string  { return hex.EncodeToString(p[:]) }
func (p ProposalID) Bytes() []byte   { return p[:] }

// Compare orders two authority ids lexicographically. Used for deterministic
// tie-breaking in the lock lottery and clock comparison.
func (a AuthorityID) Compare(other AuthorityID) int {
	return bytes.Compare(a[:], other[:])
}

// Less reports whether a orders strictly before other.
func (a AuthorityID) Less(other AuthorityID) bool { return a.Compare(other) < 0 }

// Compare orders two hashes lexicographically.
func (h Hash32) Compare(other Hash32) int { return bytes.Compare(h[:], other[:]) }

// AuthorityIDFromBytes copies b into an AuthorityID, rejecting wrong lengths.
func AuthorityIDFromBytes(b []byte) (AuthorityID, error) {
	var id AuthorityID
	if len(b) != IDSize {
		return id, fmt.Errorf("authority id must be %d bytes, got %d", IDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Hash32FromBytes copies b into a Hash32, rejecting wrong lengths.
func Hash32FromBytes(b []byte) (Hash32, error) {
	var h Hash32
	if len(b) != IDSize {
		return h, fmt.Errorf("hash must be %d bytes, got %d", IDSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// ParseAuthorityID decodes a 64-character hex string into an AuthorityID.
func ParseAuthorityID(s string) (AuthorityID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return AuthorityID{}, fmt.Errorf("invalid authority id hex: %w", err)
	}
	return AuthorityIDFromBytes(b)
}

// ParseHash32 decodes a 64-character hex string into a Hash32.
func ParseHash32(s string) (Hash32, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash32{}, fmt.Errorf("invalid hash hex: %w", err)
	}
	return Hash32FromBytes(b)
}
