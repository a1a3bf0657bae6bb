package transport

import (
	"github.com/aura-dev/aura/pkg/effects"
	"github.com/aura-dev/aura/pkg/types"
	"github.com/aura-dev/aura/pkg/wire"
)

// encodeFrame serializes an envelope for the wire. The leakage budget rides
// alongside the payload so the receiving side can account for it without
// decoding the payload itself.
func encodeFrame(env effects.Envelope) []byte {
	w := wire.NewWriter()
	w.Raw(env.From[:])
	w.U32(env.Leakage.ExternalBits)
	w.U32(env.Leakage.NeighborBits)
	w.U32(env.Leakage.IngroupBits)
	w.Bytes(env.Payload)
	return w.Finish()
}

func decodeFrame(data []byte) (effects.Envelope, error) {
	r := wire.NewReader(data)
	from, err := types.AuthorityIDFromBytes(r.Raw(types.IDSize))
	env := effects.Envelope{
		From: from,
		Leakage: effects.LeakageBudget{
			ExternalBits: r.U32(),
			NeighborBits: r.U32(),
			IngroupBits:  r.U32(),
		},
		Payload: r.Bytes(),
	}
	if cerr := r.Close(); cerr != nil {
		return effects.Envelope{}, cerr
	}
	if err != nil {
		return effects.Envelope{}, err
	}
	return env, nil
}
