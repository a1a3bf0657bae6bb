package fact

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/aura-dev/aura/pkg/capability"
	"github.com/aura-dev/aura/pkg/clock"
)

// DefaultRegistry assembles the reducers the core registers at startup.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(AuthorityReducer{})
	r.Register(EpochReducer{})
	r.Register(MessageReducer{})
	r.Register(ReactionReducer{})
	r.Register(CapabilityReducer{})
	r.Register(CeremonyReducer{})
	r.Register(LockReducer{})
	r.Register(CheckpointReducer{})
	r.Register(DKDRootReducer{})
	r.Register(ProfileReducer{})
	return r
}

// canonicalBody renders a body through JCS so every replica serializes the
// same value to the same bytes, map iteration order notwithstanding.
func canonicalBody(b Body) ([]byte, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshaling fact body: %w", err)
	}
	return jcs.Transform(raw)
}

// pickWinner implements Cv merges as a max over a total order: rank first,
// then canonical body bytes, so the merge is commutative, associative, and
// idempotent by construction.
func pickWinner(a, b *Fact, rank func(Body) int) (*Fact, error) {
	winner := a
	ra, rb := rank(a.Body), rank(b.Body)
	switch {
	case ra > rb:
	case rb > ra:
		winner = b
	default:
		ca, err := canonicalBody(a.Body)
		if err != nil {
			return nil, err
		}
		cb, err := canonicalBody(b.Body)
		if err != nil {
			return nil, err
		}
		if bytes.Compare(cb, ca) > 0 {
			winner = b
		}
	}
	out := &Fact{Body: winner.Body}
	unionMeta(out, a, b)
	return out, nil
}

// unionMeta folds the bookkeeping fields of two facts being combined into a
// freshly built one. The ref tie-breaks lexicographically so both replicas
// pick the same value.
func unionMeta(out, a, b *Fact) {
	out.Key = a.Key
	out.Version = a.Version
	out.Physical = a.Physical
	if b.Physical.TsMs > out.Physical.TsMs ||
		(b.Physical.TsMs == out.Physical.TsMs && b.Physical.UncertaintyMs > out.Physical.UncertaintyMs) {
		out.Physical = b.Physical
	}
	out.Epoch = a.Epoch
	if b.Epoch > out.Epoch {
		out.Epoch = b.Epoch
	}
	out.Ref = a.Ref
	if b.Ref.Compare(out.Ref) > 0 {
		out.Ref = b.Ref
	}
}

func freshFact(t TypeID, version uint16, in Input) *Fact {
	return &Fact{
		Key:      Key{Type: t, Scope: in.Scope},
		Version:  version,
		Body:     in.Body,
		Physical: clockPhysical(in.TsMs),
		Epoch:    in.Epoch,
		Ref:      in.Ref,
	}
}

// AuthorityReducer (Cv): the record from the highest epoch wins; within an
// epoch the most restrictive status wins. Status transitions carry no
// identity fields, so the winner backfills public key, caps, and role from
// the other side rather than erasing the registration.
type AuthorityReducer struct{}

func (AuthorityReducer) Type() TypeID    { return TypeAuthority }
func (AuthorityReducer) Version() uint16 { return 1 }
func (AuthorityReducer) Flavor() Flavor  { return FlavorCv }
func (AuthorityReducer) NewBody() Body   { return &AuthorityBody{} }

func (r AuthorityReducer) Reduce(current *Fact, in Input) (*Fact, error) {
	next := freshFact(TypeAuthority, 1, in)
	if current == nil {
		return next, nil
	}
	return r.Merge(current, next)
}

func (AuthorityReducer) Merge(a, b *Fact) (*Fact, error) {
	av, ok := a.Body.(*AuthorityBody)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrTypeMismatch, a.Body)
	}
	bv, ok := b.Body.(*AuthorityBody)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrTypeMismatch, b.Body)
	}
	rank := func(v *AuthorityBody) int { return int(v.AtEpoch)*8 + statusRank(v.Status) }
	winner, loser := av, bv
	switch ra, rb := rank(av), rank(bv); {
	case rb > ra:
		winner, loser = bv, av
	case ra == rb:
		ca, err := canonicalBody(av)
		if err != nil {
			return nil, err
		}
		cb, err := canonicalBody(bv)
		if err != nil {
			return nil, err
		}
		if bytes.Compare(cb, ca) > 0 {
			winner, loser = bv, av
		}
	}
	merged := *winner
	if merged.PublicKey == "" {
		merged.PublicKey = loser.PublicKey
		merged.Caps = loser.Caps
		merged.Role = loser.Role
	}
	out := &Fact{Body: &merged}
	unionMeta(out, a, b)
	return out, nil
}

// EpochReducer (Cv): the epoch counter only moves forward.
type EpochReducer struct{}

func (EpochReducer) Type() TypeID    { return TypeEpoch }
func (EpochReducer) Version() uint16 { return 1 }
func (EpochReducer) Flavor() Flavor  { return FlavorCv }
func (EpochReducer) NewBody() Body   { return &EpochBody{} }

func (r EpochReducer) Reduce(current *Fact, in Input) (*Fact, error) {
	next := freshFact(TypeEpoch, 1, in)
	if current == nil {
		return next, nil
	}
	return r.Merge(current, next)
}

func (EpochReducer) Merge(a, b *Fact) (*Fact, error) {
	return pickWinner(a, b, func(body Body) int {
		eb, ok := body.(*EpochBody)
		if !ok {
			return -1
		}
		return int(eb.Epoch)
	})
}

// MessageReducer (Cm): a two-phase set, deduplicated by op id. Applying the
// same op twice is a no-op; a tombstone always wins over its message.
type MessageReducer struct{}

func (MessageReducer) Type() TypeID    { return TypeMessage }
func (MessageReducer) Version() uint16 { return 1 }
func (MessageReducer) Flavor() Flavor  { return FlavorCm }
func (MessageReducer) NewBody() Body   { return &MessageSetBody{} }

func (r MessageReducer) Reduce(current *Fact, in Input) (*Fact, error) {
	next := freshFact(TypeMessage, 1, in)
	if current == nil {
		return next, nil
	}
	return r.Merge(current, next)
}

func (MessageReducer) Merge(a, b *Fact) (*Fact, error) {
	av, ok := a.Body.(*MessageSetBody)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrTypeMismatch, a.Body)
	}
	bv, ok := b.Body.(*MessageSetBody)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrTypeMismatch, b.Body)
	}

	merged := &MessageSetBody{
		Messages:   make(map[string]MessageEntry, len(av.Messages)+len(bv.Messages)),
		Tombstones: make(map[string]bool),
	}
	for op, m := range av.Messages {
		merged.Messages[op] = m
	}
	for op, m := range bv.Messages {
		merged.Messages[op] = m
	}
	for op := range av.Tombstones {
		if av.Tombstones[op] {
			merged.Tombstones[op] = true
		}
	}
	for op := range bv.Tombstones {
		if bv.Tombstones[op] {
			merged.Tombstones[op] = true
		}
	}
	if len(merged.Tombstones) == 0 {
		merged.Tombstones = nil
	}

	out := &Fact{Body: merged}
	unionMeta(out, a, b)
	return out, nil
}

// ReactionReducer (Delta): a grow-only counter merged by pointwise max per
// origin, so re-delivered deltas cannot double count.
type ReactionReducer struct{}

func (ReactionReducer) Type() TypeID    { return TypeReaction }
func (ReactionReducer) Version() uint16 { return 1 }
func (ReactionReducer) Flavor() Flavor  { return FlavorDelta }
func (ReactionReducer) NewBody() Body   { return &ReactionCountBody{} }

func (r ReactionReducer) Reduce(current *Fact, in Input) (*Fact, error) {
	next := freshFact(TypeReaction, 1, in)
	if current == nil {
		return next, nil
	}
	return r.Merge(current, next)
}

func (ReactionReducer) Merge(a, b *Fact) (*Fact, error) {
	av, ok := a.Body.(*ReactionCountBody)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrTypeMismatch, a.Body)
	}
	bv, ok := b.Body.(*ReactionCountBody)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrTypeMismatch, b.Body)
	}

	merged := &ReactionCountBody{Counts: make(map[string]uint64, len(av.Counts)+len(bv.Counts))}
	for origin, c := range av.Counts {
		merged.Counts[origin] = c
	}
	for origin, c := range bv.Counts {
		if c > merged.Counts[origin] {
			merged.Counts[origin] = c
		}
	}

	out := &Fact{Body: merged}
	unionMeta(out, a, b)
	return out, nil
}

// CapabilityReducer (Mv): constraints only ever narrow; merge is the
// capability meet.
type CapabilityReducer struct{}

func (CapabilityReducer) Type() TypeID    { return TypeCapability }
func (CapabilityReducer) Version() uint16 { return 1 }
func (CapabilityReducer) Flavor() Flavor  { return FlavorMv }
func (CapabilityReducer) NewBody() Body   { return &CapConstraintBody{} }

func (r CapabilityReducer) Reduce(current *Fact, in Input) (*Fact, error) {
	next := freshFact(TypeCapability, 1, in)
	if current == nil {
		return next, nil
	}
	return r.Merge(current, next)
}

func (CapabilityReducer) Merge(a, b *Fact) (*Fact, error) {
	av, ok := a.Body.(*CapConstraintBody)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrTypeMismatch, a.Body)
	}
	bv, ok := b.Body.(*CapConstraintBody)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrTypeMismatch, b.Body)
	}

	meet := capability.Cap(av.Caps).Meet(capability.Cap(bv.Caps))
	out := &Fact{Body: &CapConstraintBody{Caps: uint64(meet)}}
	unionMeta(out, a, b)
	return out, nil
}

// CeremonyReducer (Cv): lifecycle states only move forward in rank; ties are
// broken by canonical bytes so conflicting terminal claims resolve the same
// way everywhere.
type CeremonyReducer struct{}

func (CeremonyReducer) Type() TypeID    { return TypeCeremony }
func (CeremonyReducer) Version() uint16 { return 1 }
func (CeremonyReducer) Flavor() Flavor  { return FlavorCv }
func (CeremonyReducer) NewBody() Body   { return &CeremonyStateBody{} }

func (r CeremonyReducer) Reduce(current *Fact, in Input) (*Fact, error) {
	next := freshFact(TypeCeremony, 1, in)
	if current == nil {
		return next, nil
	}
	return r.Merge(current, next)
}

func (CeremonyReducer) Merge(a, b *Fact) (*Fact, error) {
	return pickWinner(a, b, func(body Body) int {
		cb, ok := body.(*CeremonyStateBody)
		if !ok {
			return -1
		}
		return ceremonyRank(cb.State)
	})
}

// LockReducer (Cv): a release at an epoch beats the grant at that epoch; a
// newer grant beats older state.
type LockReducer struct{}

func (LockReducer) Type() TypeID    { return TypeLock }
func (LockReducer) Version() uint16 { return 1 }
func (LockReducer) Flavor() Flavor  { return FlavorCv }
func (LockReducer) NewBody() Body   { return &LockBody{} }

func (r LockReducer) Reduce(current *Fact, in Input) (*Fact, error) {
	next := freshFact(TypeLock, 1, in)
	if current == nil {
		return next, nil
	}
	return r.Merge(current, next)
}

func (LockReducer) Merge(a, b *Fact) (*Fact, error) {
	return pickWinner(a, b, func(body Body) int {
		lb, ok := body.(*LockBody)
		if !ok {
			return -1
		}
		rank := int(lb.GrantedEpoch) * 2
		if lb.Released {
			rank++
		}
		return rank
	})
}

// CheckpointReducer (Cv): the newest checkpoint wins.
type CheckpointReducer struct{}

func (CheckpointReducer) Type() TypeID    { return TypeCheckpoint }
func (CheckpointReducer) Version() uint16 { return 1 }
func (CheckpointReducer) Flavor() Flavor  { return FlavorCv }
func (CheckpointReducer) NewBody() Body   { return &CheckpointBody{} }

func (r CheckpointReducer) Reduce(current *Fact, in Input) (*Fact, error) {
	next := freshFact(TypeCheckpoint, 1, in)
	if current == nil {
		return next, nil
	}
	return r.Merge(current, next)
}

func (CheckpointReducer) Merge(a, b *Fact) (*Fact, error) {
	return pickWinner(a, b, func(body Body) int {
		cb, ok := body.(*CheckpointBody)
		if !ok {
			return -1
		}
		return int(cb.PrunedEpoch)
	})
}

// DKDRootReducer (Cv): the commitment root from the highest epoch wins.
type DKDRootReducer struct{}

func (DKDRootReducer) Type() TypeID    { return TypeDKDRoot }
func (DKDRootReducer) Version() uint16 { return 1 }
func (DKDRootReducer) Flavor() Flavor  { return FlavorCv }
func (DKDRootReducer) NewBody() Body   { return &DKDRootBody{} }

func (r DKDRootReducer) Reduce(current *Fact, in Input) (*Fact, error) {
	next := freshFact(TypeDKDRoot, 1, in)
	if current == nil {
		return next, nil
	}
	return r.Merge(current, next)
}

func (DKDRootReducer) Merge(a, b *Fact) (*Fact, error) {
	return pickWinner(a, b, func(body Body) int {
		db, ok := body.(*DKDRootBody)
		if !ok {
			return -1
		}
		return int(db.AtEpoch)
	})
}

// ProfileReducer (Cv): last writer wins by timestamp, origin id breaking ties
// through the canonical-bytes comparison.
type ProfileReducer struct{}

func (ProfileReducer) Type() TypeID    { return TypeProfile }
func (ProfileReducer) Version() uint16 { return 1 }
func (ProfileReducer) Flavor() Flavor  { return FlavorCv }
func (ProfileReducer) NewBody() Body   { return &ProfileBody{} }

func (r ProfileReducer) Reduce(current *Fact, in Input) (*Fact, error) {
	next := freshFact(TypeProfile, 1, in)
	if current == nil {
		return next, nil
	}
	return r.Merge(current, next)
}

func (ProfileReducer) Merge(a, b *Fact) (*Fact, error) {
	return pickWinner(a, b, func(body Body) int {
		pb, ok := body.(*ProfileBody)
		if !ok {
			return -1
		}
		return int(pb.TsMs)
	})
}

func clockPhysical(tsMs uint64) clock.PhysicalTime {
	return clock.PhysicalTime{TsMs: tsMs}
}
