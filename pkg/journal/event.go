// Package journal is the append-only, authority-partitioned event ledger.
// Every device replicates it; it is the single source of truth. Events are
// hash-chained per authority and folded into the fact store on append.
package journal

import (
	"encoding/hex"
	"errors"
	"fmt"

	"lukechampine.com/blake3"

	"github.com/aura-dev/aura/pkg/fact"
	"github.com/aura-dev/aura/pkg/types"
	"github.com/aura-dev/aura/pkg/wire"
)

// Payload tags. The canonical form carries these on the wire; decoding
// rejects anything it does not know.
const (
	TagMessagePosted          uint16 = 1
	TagReactionAdded          uint16 = 2
	TagProfileUpdated         uint16 = 3
	TagAuthorityRegistered    uint16 = 4
	TagAuthorityStatusChanged uint16 = 5
	TagCapabilityNarrowed     uint16 = 6
	TagEpochAdvanced          uint16 = 7
	TagCeremonyTransition     uint16 = 8
	TagLockTransition         uint16 = 9
	TagCompactionCheckpoint   uint16 = 10
	TagDKDRootPinned          uint16 = 11
)

// Authorization tags.
const (
	AuthTagLifecycle uint8 = 0
	AuthTagSignature uint8 = 1
	AuthTagThreshold uint8 = 2
)

var (
	ErrUnknownPayloadTag = errors.New("journal: unknown payload tag")
	ErrUnknownAuthTag    = errors.New("journal: unknown authorization tag")
)

// Payload is one typed event body. Implementations encode themselves
// canonically and name the facts they emit.
type Payload interface {
	Tag() uint16
	encode(w *wire.Writer)
	// Emit lists the fact inputs this payload produces when its event is
	// applied. The event supplies origin, epoch and hash context.
	Emit(e *Event) []Emission
}

// Emission is one fact write produced by applying an event.
type Emission struct {
	Type  fact.TypeID
	Input fact.Input
}

// Authorization is the proof attached to an event.
type Authorization struct {
	Tag uint8
	// Signature authorizations carry an Ed25519 signature by the origin
	// authority over the event's signing bytes. Threshold authorizations
	// carry the aggregate group signature instead.
	Signature []byte
	// Signers is the participant set behind a threshold signature.
	Signers []types.AuthorityID
}

// Event is the unit of replicated truth.
type Event struct {
	Account   types.AccountID
	Authority types.AuthorityID
	Epoch     types.Epoch // account epoch at write time
	Nonce     uint64
	Parent    *types.Hash32 // previous event by this authority
	Payload   Payload
	Auth      Authorization
}

// SigningBytes is the canonical prefix covered by the authorization: every
// field except the authorization itself.
func (e *Event) SigningBytes() []byte {
	w := wire.NewWriter()
	w.Raw(e.Account[:])
	w.Raw(e.Authority[:])
	w.U64(uint64(e.Epoch))
	w.U64(e.Nonce)
	if e.Parent != nil {
		w.U8(1)
		w.Raw(e.Parent[:])
	} else {
		w.U8(0)
	}
	w.U16(e.Payload.Tag())
	e.Payload.encode(w)
	return w.Finish()
}

// PayloadBytes is the canonical tagged encoding of one payload on its own.
func PayloadBytes(p Payload) []byte {
	w := wire.NewWriter()
	w.U16(p.Tag())
	p.encode(w)
	return w.Finish()
}

// CanonicalBytes is the full deterministic serialization. BLAKE3 of this
// sequence is the event hash.
func (e *Event) CanonicalBytes() []byte {
	w := wire.NewWriter()
	w.Raw(e.SigningBytes())
	w.U8(e.Auth.Tag)
	switch e.Auth.Tag {
	case AuthTagLifecycle:
	case AuthTagSignature:
		w.Bytes(e.Auth.Signature)
	case AuthTagThreshold:
		w.Bytes(e.Auth.Signature)
		w.U16(uint16(len(e.Auth.Signers)))
		for _, s := range e.Auth.Signers {
			w.Raw(s[:])
		}
	}
	return w.Finish()
}

// Hash is the BLAKE3 digest of the canonical bytes. It identifies the event
// across replicas.
func (e *Event) Hash() types.Hash32 {
	return types.Hash32(blake3.Sum256(e.CanonicalBytes()))
}

func hexBytes(b []byte) string { return hex.EncodeToString(b) }

// DecodeEvent parses a canonical event. Unknown payload or authorization
// tags and trailing bytes are rejected.
func DecodeEvent(data []byte) (*Event, error) {
	r := wire.NewReader(data)
	e := &Event{}
	e.Account = types.AccountID(readID(r))
	e.Authority = types.AuthorityID(readID(r))
	e.Epoch = types.Epoch(r.U64())
	e.Nonce = r.U64()
	if r.U8() == 1 {
		p := types.Hash32(readID(r))
		e.Parent = &p
	}
	tag := r.U16()
	payload, err := decodePayload(tag, r)
	if err != nil {
		return nil, err
	}
	e.Payload = payload

	e.Auth.Tag = r.U8()
	switch e.Auth.Tag {
	case AuthTagLifecycle:
	case AuthTagSignature:
		e.Auth.Signature = r.Bytes()
	case AuthTagThreshold:
		e.Auth.Signature = r.Bytes()
		n := int(r.U16())
		for i := 0; i < n; i++ {
			e.Auth.Signers = append(e.Auth.Signers, types.AuthorityID(readID(r)))
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownAuthTag, e.Auth.Tag)
	}
	if err := r.Close(); err != nil {
		return nil, err
	}
	return e, nil
}

func readID(r *wire.Reader) [types.IDSize]byte {
	var out [types.IDSize]byte
	copy(out[:], r.Raw(types.IDSize))
	return out
}

func decodePayload(tag uint16, r *wire.Reader) (Payload, error) {
	switch tag {
	case TagMessagePosted:
		return &MessagePosted{Channel: r.String(), OpID: r.String(), Content: r.String(), TsMs: r.U64()}, nil
	case TagReactionAdded:
		return &ReactionAdded{TargetOpID: r.String(), Count: r.U64()}, nil
	case TagProfileUpdated:
		return &ProfileUpdated{Field: r.String(), Value: r.String(), TsMs: r.U64()}, nil
	case TagAuthorityRegistered:
		p := &AuthorityRegistered{}
		p.Authority = types.AuthorityID(readID(r))
		p.PublicKey = r.Bytes()
		p.Caps = r.U64()
		p.Role = r.String()
		return p, nil
	case TagAuthorityStatusChanged:
		p := &AuthorityStatusChanged{}
		p.Authority = types.AuthorityID(readID(r))
		p.Status = r.String()
		return p, nil
	case TagCapabilityNarrowed:
		p := &CapabilityNarrowed{}
		p.Authority = types.AuthorityID(readID(r))
		p.Caps = r.U64()
		return p, nil
	case TagEpochAdvanced:
		p := &EpochAdvanced{}
		p.NewEpoch = types.Epoch(r.U64())
		p.CeremonyID = types.CeremonyID(readID(r))
		return p, nil
	case TagCeremonyTransition:
		p := &CeremonyTransition{}
		p.CeremonyID = types.CeremonyID(readID(r))
		p.Kind = r.String()
		p.State = r.String()
		p.PendingEpoch = r.U64()
		p.By = r.String()
		p.Reason = r.String()
		p.ConsensusID = r.String()
		p.TsMs = r.U64()
		return p, nil
	case TagLockTransition:
		p := &LockTransition{}
		p.Holder = types.AuthorityID(readID(r))
		p.SessionID = r.String()
		p.OperationType = r.String()
		p.GrantedEpoch = r.U64()
		p.Released = r.Bool()
		return p, nil
	case TagCompactionCheckpoint:
		p := &CompactionCheckpoint{}
		p.CheckpointHash = types.Hash32(readID(r))
		p.PrunedEpoch = types.Epoch(r.U64())
		return p, nil
	case TagDKDRootPinned:
		p := &DKDRootPinned{}
		p.Root = types.Hash32(readID(r))
		p.AtEpoch = types.Epoch(r.U64())
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownPayloadTag, tag)
	}
}
