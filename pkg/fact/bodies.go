package fact

import (
	"github.com/aura-dev/aura/pkg/capability"
)

// Fact type ids and their current schema versions.
const (
	TypeAuthority  TypeID = "authority"
	TypeEpoch      TypeID = "epoch"
	TypeMessage    TypeID = "message"
	TypeReaction   TypeID = "reaction"
	TypeCapability TypeID = "capability"
	TypeCeremony   TypeID = "ceremony"
	TypeLock       TypeID = "lock"
	TypeCheckpoint TypeID = "checkpoint"
	TypeDKDRoot    TypeID = "dkd-root"
	TypeProfile    TypeID = "profile"
)

// AuthorityBody records one authority's registration state. Scope is the
// authority id hex.
type AuthorityBody struct {
	PublicKey string `json:"public_key"` // hex
	Caps      uint64 `json:"caps"`
	Status    string `json:"status"`
	Role      string `json:"role"`
	AtEpoch   uint64 `json:"at_epoch"`
}

func (AuthorityBody) FactType() TypeID { return TypeAuthority }

// statusRank orders authority statuses so that merges converge on the most
// restrictive state observed for the same epoch.
func statusRank(status string) int {
	switch status {
	case "revoked":
		return 3
	case "suspended":
		return 2
	case "active":
		return 1
	default:
		return 0
	}
}

// EpochBody records the account epoch and the ceremony that advanced it.
// Scope is the account id hex.
type EpochBody struct {
	Epoch      uint64 `json:"epoch"`
	CeremonyID string `json:"ceremony_id"` // hex
}

func (EpochBody) FactType() TypeID { return TypeEpoch }

// MessageEntry is one Category A message. The op id makes application
// idempotent.
type MessageEntry struct {
	OpID    string `json:"op_id"`
	Author  string `json:"author"` // hex authority id
	Content string `json:"content"`
	TsMs    uint64 `json:"ts_ms"`
}

// MessageSetBody is a two-phase set of messages keyed by op id. Scope is the
// channel name.
type MessageSetBody struct {
	Messages   map[string]MessageEntry `json:"messages"`
	Tombstones map[string]bool         `json:"tombstones,omitempty"`
}

func (MessageSetBody) FactType() TypeID { return TypeMessage }

// Visible returns the live (non-tombstoned) messages.
func (b MessageSetBody) Visible() map[string]MessageEntry {
	out := make(map[string]MessageEntry, len(b.Messages))
	for op, m := range b.Messages {
		if !b.Tombstones[op] {
			out[op] = m
		}
	}
	return out
}

// ReactionCountBody is a grow-only counter per origin device. Scope is the
// reacted-to message op id.
type ReactionCountBody struct {
	Counts map[string]uint64 `json:"counts"` // hex authority id -> count
}

func (ReactionCountBody) FactType() TypeID { return TypeReaction }

// Total sums every origin's contribution.
func (b ReactionCountBody) Total() uint64 {
	var total uint64
	for _, c := range b.Counts {
		total += c
	}
	return total
}

// CapConstraintBody narrows an authority's effective capability. Scope is the
// authority id hex.
type CapConstraintBody struct {
	Caps uint64 `json:"caps"`
}

func (CapConstraintBody) FactType() TypeID { return TypeCapability }

// Effective returns the constraint as a capability value.
func (b CapConstraintBody) Effective() capability.Cap { return capability.Cap(b.Caps) }

// CeremonyStateBody tracks a ceremony's lifecycle. Scope is the ceremony id
// hex. Transitions are append-only: merges can only move forward in rank.
type CeremonyStateBody struct {
	Kind         string `json:"kind"`
	State        string `json:"state"`
	PendingEpoch uint64 `json:"pending_epoch,omitempty"`
	By           string `json:"by,omitempty"`     // superseding ceremony id hex
	Reason       string `json:"reason,omitempty"` // abort/supersession reason
	ConsensusID  string `json:"consensus_id,omitempty"`
	TsMs         uint64 `json:"ts_ms"`
}

func (CeremonyStateBody) FactType() TypeID { return TypeCeremony }

// ceremonyRank orders lifecycle states; terminal states outrank live ones.
func ceremonyRank(state string) int {
	switch state {
	case "preparing":
		return 1
	case "pending-epoch":
		return 2
	case "committing":
		return 3
	case "committed", "aborted", "superseded":
		return 4
	default:
		return 0
	}
}

// LockBody tracks the account operation lock. Scope is the account id hex.
type LockBody struct {
	Holder        string `json:"holder"` // hex authority id
	SessionID     string `json:"session_id"`
	OperationType string `json:"operation_type"`
	GrantedEpoch  uint64 `json:"granted_epoch"`
	Released      bool   `json:"released"`
}

func (LockBody) FactType() TypeID { return TypeLock }

// CheckpointBody records a compaction checkpoint. Scope is the account id hex.
type CheckpointBody struct {
	CheckpointHash string `json:"checkpoint_hash"` // hex
	PrunedEpoch    uint64 `json:"pruned_epoch"`    // events at or before are pruned
}

func (CheckpointBody) FactType() TypeID { return TypeCheckpoint }

// DKDRootBody pins the commitment root that keeps derived keys reproducible
// across compaction and recovery. Scope is the account id hex.
type DKDRootBody struct {
	Root    string `json:"root"` // hex
	AtEpoch uint64 `json:"at_epoch"`
}

func (DKDRootBody) FactType() TypeID { return TypeDKDRoot }

// ProfileBody is a last-writer-wins profile field. Scope is
// "<authority hex>/<field>".
type ProfileBody struct {
	Value  string `json:"value"`
	TsMs   uint64 `json:"ts_ms"`
	Origin string `json:"origin"` // hex authority id, tie-break
}

func (ProfileBody) FactType() TypeID { return TypeProfile }
