package clock

import (
	"encoding/json"

	"github.com/aura-dev/aura/pkg/types"
)

// MarshalJSON encodes the clock as a hex-device → counter object. The single
// optimization is an in-memory representation only; on the wire both shapes
// serialize identically.
func (vc VectorClock) MarshalJSON() ([]byte, error) {
	out := make(map[string]uint64, len(vc.entries()))
	for dev, c := range vc.entries() {
		out[dev.String()] = c
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the map form, collapsing back to the single
// representation when only one device has contributed.
func (vc *VectorClock) UnmarshalJSON(data []byte) error {
	var raw map[string]uint64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) == 1 {
		for devHex, c := range raw {
			dev, err := types.ParseAuthorityID(devHex)
			if err != nil {
				return err
			}
			*vc = NewSingle(dev, c)
		}
		return nil
	}
	clocks := make(map[types.AuthorityID]uint64, len(raw))
	for devHex, c := range raw {
		dev, err := types.ParseAuthorityID(devHex)
		if err != nil {
			return err
		}
		clocks[dev] = c
	}
	*vc = VectorClock{clocks: clocks}
	return nil
}
