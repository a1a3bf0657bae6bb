package journal

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/aura-dev/aura/pkg/types"
	"github.com/aura-dev/aura/pkg/wire"
)

// digestDepthMax caps how many recent event hashes feed the digest bloom.
const digestDepthMax = 4096

// bloomBits is the filter width in bits. At 4096 entries and 4 probes the
// false positive rate stays under 3%.
const bloomBits = 1 << 16

const bloomProbes = 4

// Bloom is a fixed-width bloom filter over event hashes. Event hashes are
// already uniform BLAKE3 output, so probe positions are read straight from
// the hash bytes instead of rehashing.
type Bloom struct {
	bits [bloomBits / 64]uint64
}

func (b *Bloom) Add(h types.Hash32) {
	for _, idx := range bloomIndexes(h) {
		b.bits[idx/64] |= 1 << (idx % 64)
	}
}

// Contains reports whether h may be in the set. False positives are
// possible, false negatives are not.
func (b *Bloom) Contains(h types.Hash32) bool {
	for _, idx := range bloomIndexes(h) {
		if b.bits[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}

func bloomIndexes(h types.Hash32) [bloomProbes]uint32 {
	var out [bloomProbes]uint32
	for i := 0; i < bloomProbes; i++ {
		out[i] = binary.LittleEndian.Uint32(h[i*4:]) % bloomBits
	}
	return out
}

// StateDigest is the compact summary exchanged during anti-entropy: a bloom
// over recent event hashes plus per-authority high-water nonces.
type StateDigest struct {
	HighWater map[types.AuthorityID]uint64
	Recent    Bloom
}

// Digest summarizes up to depth recent events. Zero or oversized depth means
// everything retained.
func (j *Journal) Digest(depth int) *StateDigest {
	j.mu.RLock()
	defer j.mu.RUnlock()

	d := &StateDigest{HighWater: make(map[types.AuthorityID]uint64, len(j.chains))}
	for a, c := range j.chains {
		d.HighWater[a] = c.next()
	}
	recent := j.recent
	if depth > 0 && depth < len(recent) {
		recent = recent[len(recent)-depth:]
	}
	for _, h := range recent {
		d.Recent.Add(h)
	}
	return d
}

// Encode renders the digest canonically: authority entries in id order, then
// the raw bloom words little-endian.
func (d *StateDigest) Encode() []byte {
	ids := make([]types.AuthorityID, 0, len(d.HighWater))
	for a := range d.HighWater {
		ids = append(ids, a)
	}
	sort.Slice(ids, func(i, k int) bool { return ids[i].Less(ids[k]) })

	w := wire.NewWriter()
	w.U32(uint32(len(ids)))
	for _, a := range ids {
		w.Raw(a[:])
		w.U64(d.HighWater[a])
	}
	for _, word := range d.Recent.bits {
		w.U64(word)
	}
	return w.Finish()
}

// DecodeDigest parses a canonical digest.
func DecodeDigest(data []byte) (*StateDigest, error) {
	r := wire.NewReader(data)
	n := int(r.U32())
	d := &StateDigest{HighWater: make(map[types.AuthorityID]uint64, n)}
	for i := 0; i < n; i++ {
		a := types.AuthorityID(readID(r))
		d.HighWater[a] = r.U64()
	}
	for i := range d.Recent.bits {
		d.Recent.bits[i] = r.U64()
	}
	if err := r.Close(); err != nil {
		return nil, fmt.Errorf("decoding digest: %w", err)
	}
	return d, nil
}
