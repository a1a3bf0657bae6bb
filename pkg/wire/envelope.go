package wire

import (
	"errors"
	"fmt"

	"github.com/aura-dev/aura/pkg/types"
)

// EnvelopeVersion is the current ceremony protocol version.
const EnvelopeVersion uint16 = 1

// Phase identifies the ceremony protocol step an envelope carries.
type Phase uint8

const (
	PhaseProposal  Phase = 0
	PhaseResponse  Phase = 1
	PhaseCommit    Phase = 2
	PhaseAbort     Phase = 3
	PhaseSupersede Phase = 4
)

var (
	// ErrUnknownVersion is returned for envelope versions this node cannot
	// decode.
	ErrUnknownVersion = errors.New("unknown envelope version")
	// ErrUnknownPhase is returned for phases outside the protocol.
	ErrUnknownPhase = errors.New("unknown envelope phase")
)

// Envelope is the ceremony protocol frame exchanged between authorities.
// The payload is phase-specific and canonical-serialized by the ceremony
// engine.
type Envelope struct {
	Version    uint16
	CeremonyID types.CeremonyID
	From       types.AuthorityID
	Phase      Phase
	Payload    []byte
}

// Encode renders the canonical frame.
func (e Envelope) Encode() []byte {
	w := NewWriter()
	w.U16(e.Version)
	w.Raw(e.CeremonyID[:])
	w.Raw(e.From[:])
	w.U8(uint8(e.Phase))
	w.Bytes(e.Payload)
	return w.Finish()
}

// DecodeEnvelope parses and validates a ceremony frame.
func DecodeEnvelope(b []byte) (Envelope, error) {
	r := NewReader(b)
	var e Envelope
	e.Version = r.U16()
	copy(e.CeremonyID[:], r.Raw(types.IDSize))
	copy(e.From[:], r.Raw(types.IDSize))
	e.Phase = Phase(r.U8())
	e.Payload = r.Bytes()
	if err := r.Close(); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if e.Version != EnvelopeVersion {
		return Envelope{}, fmt.Errorf("%w: %d", ErrUnknownVersion, e.Version)
	}
	if e.Phase > PhaseSupersede {
		return Envelope{}, fmt.Errorf("%w: %d", ErrUnknownPhase, e.Phase)
	}
	return e, nil
}
