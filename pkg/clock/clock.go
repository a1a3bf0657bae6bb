// Package clock implements the timestamp algebra used by facts and events:
// physical wall time, logical (vector + Lamport) time, opaque total orders,
// and validity ranges, with a single comparison surface over all of them.
package clock

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/aura-dev/aura/pkg/types"
)

// Ordering is the result of comparing two timestamps.
type Ordering string

const (
	Before       Ordering = "before"
	After        Ordering = "after"
	Concurrent   Ordering = "concurrent"
	Overlapping  Ordering = "overlapping"
	Incomparable Ordering = "incomparable"
)

// Policy selects how ties and incomparable pairs are resolved.
type Policy int

const (
	// Native preserves concurrency: causally unordered timestamps compare
	// Concurrent, mixed kinds compare Incomparable.
	Native Policy = iota
	// DeterministicTieBreak forces a total order: unordered pairs are broken
	// by canonical bytes, so every two distinct timestamps order consistently.
	DeterministicTieBreak
)

// PhysicalTime is wall time in milliseconds with an optional uncertainty
// window. Uncertainty is ignored for ordering and retained for display.
type PhysicalTime struct {
	TsMs          uint64 `json:"ts_ms"`
	UncertaintyMs uint64 `json:"uncertainty_ms,omitempty"`
}

// LogicalTime pairs a vector clock with a Lamport counter.
type LogicalTime struct {
	Vector  VectorClock `json:"vector"`
	Lamport uint64      `json:"lamport"`
}

// OrderTime is an opaque 32-byte total order, typically a content hash.
type OrderTime struct {
	Order types.Hash32 `json:"order"`
}

// RangeTime is a validity window with a confidence in [0,100].
type RangeTime struct {
	StartMs    uint64 `json:"start_ms"`
	EndMs      uint64 `json:"end_ms"`
	Confidence uint8  `json:"confidence"`
}

// Kind tags the active variant of a TimeStamp.
type Kind uint8

const (
	KindPhysical Kind = 1
	KindLogical  Kind = 2
	KindOrder    Kind = 3
	KindRange    Kind = 4
)

// TimeStamp is the sum of the four clock flavors. Exactly one variant is set,
// indicated by Kind.
type TimeStamp struct {
	Kind     Kind         `json:"kind"`
	Physical PhysicalTime `json:"physical,omitempty"`
	Logical  LogicalTime  `json:"logical,omitempty"`
	Order    OrderTime    `json:"order,omitempty"`
	Range    RangeTime    `json:"range,omitempty"`
}

// NewPhysical wraps a wall-clock reading.
func NewPhysical(tsMs uint64) TimeStamp {
	return TimeStamp{Kind: KindPhysical, Physical: PhysicalTime{TsMs: tsMs}}
}

// NewLogical wraps a logical time.
func NewLogical(lt LogicalTime) TimeStamp {
	return TimeStamp{Kind: KindLogical, Logical: lt}
}

// NewOrder wraps an opaque total order value.
func NewOrder(h types.Hash32) TimeStamp {
	return TimeStamp{Kind: KindOrder, Order: OrderTime{Order: h}}
}

// NewRange wraps a validity window.
func NewRange(startMs, endMs uint64, confidence uint8) TimeStamp {
	return TimeStamp{Kind: KindRange, Range: RangeTime{StartMs: startMs, EndMs: endMs, Confidence: confidence}}
}

// Compare orders ts against other under the given policy.
func (ts TimeStamp) Compare(other TimeStamp, policy Policy) Ordering {
	if ts.Kind != other.Kind {
		if policy == DeterministicTieBreak {
			return tieBreakBytes(ts.canonicalBytes(), other.canonicalBytes())
		}
		return Incomparable
	}

	var ord Ordering
	switch ts.Kind {
	case KindPhysical:
		ord = compareScalar(ts.Physical.TsMs, other.Physical.TsMs)
	case KindLogical:
		ord = ts.Logical.compare(other.Logical)
	case KindOrder:
		ord = tieBreakBytes(ts.Order.Order[:], other.Order.Order[:])
	case KindRange:
		ord = ts.Range.compare(other.Range)
	default:
		return Incomparable
	}

	if policy == DeterministicTieBreak && (ord == Concurrent || ord == Overlapping) {
		return tieBreakBytes(ts.canonicalBytes(), other.canonicalBytes())
	}
	return ord
}

func compareScalar(a, b uint64) Ordering {
	switch {
	case a < b:
		return Before
	case a > b:
		return After
	default:
		return Concurrent
	}
}

func (lt LogicalTime) compare(other LogicalTime) Ordering {
	switch lt.Vector.Compare(other.Vector) {
	case -1:
		return Before
	case 1:
		return After
	}
	// Vector clocks tied or concurrent; the Lamport counter can still
	// witness a causal order.
	if lt.Lamport < other.Lamport {
		return Before
	}
	if lt.Lamport > other.Lamport {
		return After
	}
	return Concurrent
}

func (rt RangeTime) compare(other RangeTime) Ordering {
	if rt.EndMs < other.StartMs {
		return Before
	}
	if other.EndMs < rt.StartMs {
		return After
	}
	return Overlapping
}

// tieBreakBytes orders by lexicographic bytes; equal bytes stay Concurrent
// since there is genuinely nothing to break.
func tieBreakBytes(a, b []byte) Ordering {
	switch bytes.Compare(a, b) {
	case -1:
		return Before
	case 1:
		return After
	default:
		return Concurrent
	}
}

// canonicalBytes is the deterministic encoding used for tie-breaking. Kind
// tag first so mixed kinds order consistently.
func (ts TimeStamp) canonicalBytes() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(ts.Kind))
	switch ts.Kind {
	case KindPhysical:
		writeUint64(&buf, ts.Physical.TsMs)
	case KindLogical:
		writeUint64(&buf, ts.Logical.Lamport)
		ts.Logical.Vector.writeCanonical(&buf)
	case KindOrder:
		buf.Write(ts.Order.Order[:])
	case KindRange:
		writeUint64(&buf, ts.Range.StartMs)
		writeUint64(&buf, ts.Range.EndMs)
		buf.WriteByte(ts.Range.Confidence)
	}
	return buf.Bytes()
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

// VectorClock maps contributing devices to counters. While only one device
// has contributed it is stored inline without allocating the map.
type VectorClock struct {
	single  bool
	device  types.AuthorityID
	counter uint64
	clocks  map[types.AuthorityID]uint64
}

// NewVectorClock returns an empty clock.
func NewVectorClock() VectorClock { return VectorClock{} }

// NewSingle returns a clock with one contribution from device.
func NewSingle(device types.AuthorityID, counter uint64) VectorClock {
	return VectorClock{single: true, device: device, counter: counter}
}

// Get returns the counter recorded for device.
func (vc VectorClock) Get(device types.AuthorityID) uint64 {
	if vc.single {
		if vc.device == device {
			return vc.counter
		}
		return 0
	}
	return vc.clocks[device]
}

// Increment returns a copy of vc with device's counter advanced by one.
func (vc VectorClock) Increment(device types.AuthorityID) VectorClock {
	if vc.isEmpty() {
		return NewSingle(device, 1)
	}
	if vc.single && vc.device == device {
		return NewSingle(device, vc.counter+1)
	}
	out := vc.toMap()
	out.clocks[device]++
	return out
}

// Merge returns the componentwise maximum of vc and other.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	if vc.isEmpty() {
		return other.clone()
	}
	if other.isEmpty() {
		return vc.clone()
	}
	if vc.single && other.single && vc.device == other.device {
		c := vc.counter
		if other.counter > c {
			c = other.counter
		}
		return NewSingle(vc.device, c)
	}
	out := vc.toMap()
	for dev, c := range other.entries() {
		if out.clocks[dev] < c {
			out.clocks[dev] = c
		}
	}
	return out
}

// Compare returns -1 if vc happens-before other, 1 if after, 0 if equal or
// concurrent.
func (vc VectorClock) Compare(other VectorClock) int {
	hasLess, hasGreater := false, false
	seen := map[types.AuthorityID]struct{}{}
	for dev := range vc.entries() {
		seen[dev] = struct{}{}
	}
	for dev := range other.entries() {
		seen[dev] = struct{}{}
	}
	for dev := range seen {
		a, b := vc.Get(dev), other.Get(dev)
		if a < b {
			hasLess = true
		}
		if a > b {
			hasGreater = true
		}
	}
	switch {
	case hasLess && !hasGreater:
		return -1
	case hasGreater && !hasLess:
		return 1
	default:
		return 0
	}
}

// Devices returns contributing devices in lexicographic order.
func (vc VectorClock) Devices() []types.AuthorityID {
	entries := vc.entries()
	out := make([]types.AuthorityID, 0, len(entries))
	for dev := range entries {
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (vc VectorClock) isEmpty() bool {
	return !vc.single && len(vc.clocks) == 0
}

func (vc VectorClock) entries() map[types.AuthorityID]uint64 {
	if vc.single {
		return map[types.AuthorityID]uint64{vc.device: vc.counter}
	}
	return vc.clocks
}

func (vc VectorClock) toMap() VectorClock {
	out := VectorClock{clocks: make(map[types.AuthorityID]uint64, len(vc.entries())+1)}
	for dev, c := range vc.entries() {
		out.clocks[dev] = c
	}
	return out
}

func (vc VectorClock) clone() VectorClock {
	if vc.single || vc.isEmpty() {
		return vc
	}
	return vc.toMap()
}

// writeCanonical appends the deterministic encoding: entry count then
// (device, counter) pairs in lexicographic device order.
func (vc VectorClock) writeCanonical(buf *bytes.Buffer) {
	devices := vc.Devices()
	writeUint64(buf, uint64(len(devices)))
	for _, dev := range devices {
		buf.Write(dev[:])
		writeUint64(buf, vc.Get(dev))
	}
}
