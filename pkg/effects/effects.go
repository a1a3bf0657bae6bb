// Package effects defines the capability surface the Aura core consumes. The
// host supplies real implementations; tests construct a deterministic record
// with a seeded RNG, a manual clock, and in-memory storage and network.
//
// No global mutable state: the record is passed by reference through the call
// graph, following the kernel rule that the core never reads the ambient
// environment directly.
package effects

import (
	"context"
	"time"

	"github.com/aura-dev/aura/pkg/types"
)

// Time provides authority time. The core never calls time.Now directly.
type Time interface {
	NowMs() uint64
	Sleep(ctx context.Context, d time.Duration) error
}

// Random provides entropy.
type Random interface {
	Fill(b []byte) error
	GenUUID() ([16]byte, error)
}

// Crypto provides hashing, single-key signatures, and the threshold signing
// primitives. The core owns session framing, not field arithmetic.
type Crypto interface {
	// Hash is BLAKE3 over canonical bytes.
	Hash(data []byte) types.Hash32
	// DeriveKey derives a 32-byte application key from a context string and
	// keying material. Deterministic: same inputs, same output.
	DeriveKey(context string, material []byte) [32]byte

	// Sign produces an Ed25519 signature.
	Sign(priv []byte, msg []byte) ([]byte, error)
	// Verify checks an Ed25519 signature.
	Verify(pub []byte, msg []byte, sig []byte) bool

	// ThresholdKeygen deals k-of-n shares and returns the group public key
	// with one share per signer index (1-based).
	ThresholdKeygen(k, n int) (groupPub []byte, shares map[uint8][]byte, err error)
	// NonceCommit draws a fresh one-shot signing nonce and its commitment.
	// Nonces never cross the trust boundary; only commitments do.
	NonceCommit() (nonce, commitment []byte, err error)
	// SignShare produces a partial signature bound to the exact commitment
	// map. The participant set is the key set of commitments.
	SignShare(share []byte, index uint8, nonce, groupPub, msg []byte, commitments map[uint8][]byte) ([]byte, error)
	// Aggregate combines partials into a single signature and verifies it
	// against the group key before returning.
	Aggregate(groupPub, msg []byte, commitments, partials map[uint8][]byte) ([]byte, error)
	// VerifyAggregate checks a threshold signature under the group key.
	VerifyAggregate(groupPub, msg, sig []byte) bool
}

// Storage is the durable key-value capability backing journal persistence.
type Storage interface {
	Persist(ctx context.Context, key string, value []byte) error
	Load(ctx context.Context, key string) ([]byte, bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// Envelope is one cross-device message together with its declared leakage
// budget. The privacy collaborator enforces the budget; the core refuses to
// emit envelopes exceeding its configured ceiling.
type Envelope struct {
	From    types.AuthorityID
	Payload []byte
	Leakage LeakageBudget
}

// LeakageBudget declares how many bits of information a message may reveal to
// each observer class.
type LeakageBudget struct {
	ExternalBits uint32
	NeighborBits uint32
	IngroupBits  uint32
}

// Network moves opaque envelopes between authorities.
type Network interface {
	SendTo(ctx context.Context, to types.AuthorityID, env Envelope) error
	Broadcast(ctx context.Context, group types.ContextID, env Envelope) error
	// Recv blocks until an envelope arrives or ctx is done.
	Recv(ctx context.Context) (Envelope, error)
}

// Rendezvous is the peer-discovery collaborator contract.
type Rendezvous interface {
	DiscoverPeers(ctx context.Context, group types.ContextID) ([]types.AuthorityID, error)
}

// Effects is the capability record threaded through every subsystem.
type Effects struct {
	Time       Time
	Random     Random
	Crypto     Crypto
	Storage    Storage
	Network    Network
	Rendezvous Rendezvous
}
