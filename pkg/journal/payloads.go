package journal

import (
	"github.com/aura-dev/aura/pkg/fact"
	"github.com/aura-dev/aura/pkg/types"
	"github.com/aura-dev/aura/pkg/wire"
)

// MessagePosted appends a chat message to a channel. Optimistic: the local
// effect applies the moment it is authored.
type MessagePosted struct {
	Channel string
	OpID    string
	Content string
	TsMs    uint64
}

func (MessagePosted) Tag() uint16 { return TagMessagePosted }

func (p *MessagePosted) encode(w *wire.Writer) {
	w.String(p.Channel)
	w.String(p.OpID)
	w.String(p.Content)
	w.U64(p.TsMs)
}

func (p *MessagePosted) Emit(e *Event) []Emission {
	return []Emission{{
		Type: fact.TypeMessage,
		Input: fact.Input{
			Scope:  p.Channel,
			Origin: e.Authority,
			TsMs:   p.TsMs,
			Epoch:  e.Epoch,
			Ref:    e.Hash(),
			Body: &fact.MessageSetBody{Messages: map[string]fact.MessageEntry{
				p.OpID: {OpID: p.OpID, Author: e.Authority.String(), Content: p.Content, TsMs: p.TsMs},
			}},
		},
	}}
}

// ReactionAdded raises the origin authority's running reaction count for a
// message. Count is the origin's new total, not an increment, so redelivery
// merges to the same value.
type ReactionAdded struct {
	TargetOpID string
	Count      uint64
}

func (ReactionAdded) Tag() uint16 { return TagReactionAdded }

func (p *ReactionAdded) encode(w *wire.Writer) {
	w.String(p.TargetOpID)
	w.U64(p.Count)
}

func (p *ReactionAdded) Emit(e *Event) []Emission {
	return []Emission{{
		Type: fact.TypeReaction,
		Input: fact.Input{
			Scope:  p.TargetOpID,
			Origin: e.Authority,
			Epoch:  e.Epoch,
			Ref:    e.Hash(),
			Body:   &fact.ReactionCountBody{Counts: map[string]uint64{e.Authority.String(): p.Count}},
		},
	}}
}

// ProfileUpdated sets one profile field, last writer wins.
type ProfileUpdated struct {
	Field string
	Value string
	TsMs  uint64
}

func (ProfileUpdated) Tag() uint16 { return TagProfileUpdated }

func (p *ProfileUpdated) encode(w *wire.Writer) {
	w.String(p.Field)
	w.String(p.Value)
	w.U64(p.TsMs)
}

func (p *ProfileUpdated) Emit(e *Event) []Emission {
	return []Emission{{
		Type: fact.TypeProfile,
		Input: fact.Input{
			Scope:  e.Authority.String() + "/" + p.Field,
			Origin: e.Authority,
			TsMs:   p.TsMs,
			Epoch:  e.Epoch,
			Ref:    e.Hash(),
			Body:   &fact.ProfileBody{Value: p.Value, TsMs: p.TsMs, Origin: e.Authority.String()},
		},
	}}
}

// AuthorityRegistered introduces a new authority into the account.
type AuthorityRegistered struct {
	Authority types.AuthorityID
	PublicKey []byte
	Caps      uint64
	Role      string
}

func (AuthorityRegistered) Tag() uint16 { return TagAuthorityRegistered }

func (p *AuthorityRegistered) encode(w *wire.Writer) {
	w.Raw(p.Authority[:])
	w.Bytes(p.PublicKey)
	w.U64(p.Caps)
	w.String(p.Role)
}

func (p *AuthorityRegistered) Emit(e *Event) []Emission {
	return []Emission{{
		Type: fact.TypeAuthority,
		Input: fact.Input{
			Scope:  p.Authority.String(),
			Origin: e.Authority,
			Epoch:  e.Epoch,
			Ref:    e.Hash(),
			Body: &fact.AuthorityBody{
				PublicKey: hexBytes(p.PublicKey),
				Caps:      p.Caps,
				Status:    "active",
				Role:      p.Role,
				AtEpoch:   uint64(e.Epoch),
			},
		},
	}}
}

// AuthorityStatusChanged suspends, reactivates, or revokes an authority.
// Revocation is terminal.
type AuthorityStatusChanged struct {
	Authority types.AuthorityID
	Status    string
}

func (AuthorityStatusChanged) Tag() uint16 { return TagAuthorityStatusChanged }

func (p *AuthorityStatusChanged) encode(w *wire.Writer) {
	w.Raw(p.Authority[:])
	w.String(p.Status)
}

func (p *AuthorityStatusChanged) Emit(e *Event) []Emission {
	return []Emission{{
		Type: fact.TypeAuthority,
		Input: fact.Input{
			Scope:  p.Authority.String(),
			Origin: e.Authority,
			Epoch:  e.Epoch,
			Ref:    e.Hash(),
			Body:   &fact.AuthorityBody{Status: p.Status, AtEpoch: uint64(e.Epoch)},
		},
	}}
}

// CapabilityNarrowed intersects an authority's capability set with a new
// constraint. Delegation never widens.
type CapabilityNarrowed struct {
	Authority types.AuthorityID
	Caps      uint64
}

func (CapabilityNarrowed) Tag() uint16 { return TagCapabilityNarrowed }

func (p *CapabilityNarrowed) encode(w *wire.Writer) {
	w.Raw(p.Authority[:])
	w.U64(p.Caps)
}

func (p *CapabilityNarrowed) Emit(e *Event) []Emission {
	return []Emission{{
		Type: fact.TypeCapability,
		Input: fact.Input{
			Scope:  p.Authority.String(),
			Origin: e.Authority,
			Epoch:  e.Epoch,
			Ref:    e.Hash(),
			Body:   &fact.CapConstraintBody{Caps: p.Caps},
		},
	}}
}

// EpochAdvanced moves the account epoch forward. Written at the old epoch;
// takes effect once applied.
type EpochAdvanced struct {
	NewEpoch   types.Epoch
	CeremonyID types.CeremonyID
}

func (EpochAdvanced) Tag() uint16 { return TagEpochAdvanced }

func (p *EpochAdvanced) encode(w *wire.Writer) {
	w.U64(uint64(p.NewEpoch))
	w.Raw(p.CeremonyID[:])
}

func (p *EpochAdvanced) Emit(e *Event) []Emission {
	return []Emission{{
		Type: fact.TypeEpoch,
		Input: fact.Input{
			Scope:  e.Account.String(),
			Origin: e.Authority,
			Epoch:  p.NewEpoch,
			Ref:    e.Hash(),
			Body:   &fact.EpochBody{Epoch: uint64(p.NewEpoch), CeremonyID: p.CeremonyID.String()},
		},
	}}
}

// CeremonyTransition records one ceremony lifecycle step.
type CeremonyTransition struct {
	CeremonyID   types.CeremonyID
	Kind         string
	State        string
	PendingEpoch uint64
	By           string
	Reason       string
	ConsensusID  string
	TsMs         uint64
}

func (CeremonyTransition) Tag() uint16 { return TagCeremonyTransition }

func (p *CeremonyTransition) encode(w *wire.Writer) {
	w.Raw(p.CeremonyID[:])
	w.String(p.Kind)
	w.String(p.State)
	w.U64(p.PendingEpoch)
	w.String(p.By)
	w.String(p.Reason)
	w.String(p.ConsensusID)
	w.U64(p.TsMs)
}

func (p *CeremonyTransition) Emit(e *Event) []Emission {
	return []Emission{{
		Type: fact.TypeCeremony,
		Input: fact.Input{
			Scope:  p.CeremonyID.String(),
			Origin: e.Authority,
			TsMs:   p.TsMs,
			Epoch:  e.Epoch,
			Ref:    e.Hash(),
			Body: &fact.CeremonyStateBody{
				Kind:         p.Kind,
				State:        p.State,
				PendingEpoch: p.PendingEpoch,
				By:           p.By,
				Reason:       p.Reason,
				ConsensusID:  p.ConsensusID,
				TsMs:         p.TsMs,
			},
		},
	}}
}

// LockTransition claims or releases the account operation lock.
type LockTransition struct {
	Holder        types.AuthorityID
	SessionID     string
	OperationType string
	GrantedEpoch  uint64
	Released      bool
}

func (LockTransition) Tag() uint16 { return TagLockTransition }

func (p *LockTransition) encode(w *wire.Writer) {
	w.Raw(p.Holder[:])
	w.String(p.SessionID)
	w.String(p.OperationType)
	w.U64(p.GrantedEpoch)
	w.Bool(p.Released)
}

func (p *LockTransition) Emit(e *Event) []Emission {
	return []Emission{{
		Type: fact.TypeLock,
		Input: fact.Input{
			Scope:  e.Account.String(),
			Origin: e.Authority,
			Epoch:  e.Epoch,
			Ref:    e.Hash(),
			Body: &fact.LockBody{
				Holder:        p.Holder.String(),
				SessionID:     p.SessionID,
				OperationType: p.OperationType,
				GrantedEpoch:  p.GrantedEpoch,
				Released:      p.Released,
			},
		},
	}}
}

// CompactionCheckpoint marks a pruned history range. Events at or before
// PrunedEpoch may be dropped once this event is applied.
type CompactionCheckpoint struct {
	CheckpointHash types.Hash32
	PrunedEpoch    types.Epoch
}

func (CompactionCheckpoint) Tag() uint16 { return TagCompactionCheckpoint }

func (p *CompactionCheckpoint) encode(w *wire.Writer) {
	w.Raw(p.CheckpointHash[:])
	w.U64(uint64(p.PrunedEpoch))
}

func (p *CompactionCheckpoint) Emit(e *Event) []Emission {
	return []Emission{{
		Type: fact.TypeCheckpoint,
		Input: fact.Input{
			Scope:  e.Account.String(),
			Origin: e.Authority,
			Epoch:  e.Epoch,
			Ref:    e.Hash(),
			Body: &fact.CheckpointBody{
				CheckpointHash: p.CheckpointHash.String(),
				PrunedEpoch:    uint64(p.PrunedEpoch),
			},
		},
	}}
}

// DKDRootPinned records the commitment root that keeps derived keys
// reproducible across compaction and recovery.
type DKDRootPinned struct {
	Root    types.Hash32
	AtEpoch types.Epoch
}

func (DKDRootPinned) Tag() uint16 { return TagDKDRootPinned }

func (p *DKDRootPinned) encode(w *wire.Writer) {
	w.Raw(p.Root[:])
	w.U64(uint64(p.AtEpoch))
}

func (p *DKDRootPinned) Emit(e *Event) []Emission {
	return []Emission{{
		Type: fact.TypeDKDRoot,
		Input: fact.Input{
			Scope:  e.Account.String(),
			Origin: e.Authority,
			Epoch:  e.Epoch,
			Ref:    e.Hash(),
			Body:   &fact.DKDRootBody{Root: p.Root.String(), AtEpoch: uint64(p.AtEpoch)},
		},
	}}
}
