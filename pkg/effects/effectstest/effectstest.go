// Package effectstest provides deterministic capability implementations for
// tests: a manually advanced clock, a seeded RNG, in-memory storage, and an
// in-memory partitionable network. With these a whole multi-device scenario
// runs without real time, real entropy, or sockets.
package effectstest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aura-dev/aura/pkg/effects"
	"github.com/aura-dev/aura/pkg/types"
)

// ManualClock is a Time whose now only moves when Advance is called.
type ManualClock struct {
	mu      sync.Mutex
	now     uint64
	waiters []clockWaiter
}

type clockWaiter struct {
	deadline uint64
	wake     chan struct{}
}

// NewManualClock starts at startMs.
func NewManualClock(startMs uint64) *ManualClock {
	return &ManualClock{now: startMs}
}

func (c *ManualClock) NowMs() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward and wakes sleepers whose deadline passed.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += uint64(d.Milliseconds())
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if w.deadline <= c.now {
			close(w.wake)
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
}

// Sleep blocks until the clock has advanced past the deadline or ctx is done.
func (c *ManualClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	if d <= 0 {
		c.mu.Unlock()
		return nil
	}
	w := clockWaiter{deadline: c.now + uint64(d.Milliseconds()), wake: make(chan struct{})}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	select {
	case <-w.wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SeededRandom is a Random driven by a splitmix64 generator, so runs with the
// same seed draw the same bytes.
type SeededRandom struct {
	mu    sync.Mutex
	state uint64
}

// NewSeededRandom seeds the generator.
func NewSeededRandom(seed uint64) *SeededRandom {
	return &SeededRandom{state: seed}
}

func (r *SeededRandom) next() uint64 {
	r.state += 0x9e3779b97f4a7c15
	z := r.state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func (r *SeededRandom) Fill(b []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range b {
		if i%8 == 0 {
			v := r.next()
			for j := 0; j < 8 && i+j < len(b); j++ {
				b[i+j] = byte(v >> (8 * j))
			}
		}
	}
	return nil
}

func (r *SeededRandom) GenUUID() ([16]byte, error) {
	var u [16]byte
	if err := r.Fill(u[:]); err != nil {
		return u, err
	}
	// RFC 4122 version and variant bits, same as a random UUID.
	u[6] = (u[6] & 0x0f) | 0x40
	u[8] = (u[8] & 0x3f) | 0x80
	return u, nil
}

// MemoryStorage is a Storage over a plain map.
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStorage returns an empty store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string][]byte)}
}

func (s *MemoryStorage) Persist(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[key] = cp
	return nil
}

func (s *MemoryStorage) Load(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (s *MemoryStorage) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Len reports the number of stored keys.
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// NetworkHub is the shared fabric behind per-authority MemoryNetwork handles.
// Partitions are directional pairs, cut both ways by Partition.
type NetworkHub struct {
	mu         sync.RWMutex
	inboxes    map[types.AuthorityID]chan effects.Envelope
	groups     map[types.ContextID]map[types.AuthorityID]struct{}
	partitions map[[2]types.AuthorityID]struct{}
}

// NewNetworkHub returns an empty fabric.
func NewNetworkHub() *NetworkHub {
	return &NetworkHub{
		inboxes:    make(map[types.AuthorityID]chan effects.Envelope),
		groups:     make(map[types.ContextID]map[types.AuthorityID]struct{}),
		partitions: make(map[[2]types.AuthorityID]struct{}),
	}
}

// Join registers an authority in a context group and returns its network
// handle.
func (h *NetworkHub) Join(id types.AuthorityID, group types.ContextID) *MemoryNetwork {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.inboxes[id]; !ok {
		h.inboxes[id] = make(chan effects.Envelope, 256)
	}
	if _, ok := h.groups[group]; !ok {
		h.groups[group] = make(map[types.AuthorityID]struct{})
	}
	h.groups[group][id] = struct{}{}
	return &MemoryNetwork{hub: h, self: id}
}

// Partition cuts connectivity between a and b in both directions.
func (h *NetworkHub) Partition(a, b types.AuthorityID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.partitions[[2]types.AuthorityID{a, b}] = struct{}{}
	h.partitions[[2]types.AuthorityID{b, a}] = struct{}{}
}

// Heal restores connectivity between a and b.
func (h *NetworkHub) Heal(a, b types.AuthorityID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.partitions, [2]types.AuthorityID{a, b})
	delete(h.partitions, [2]types.AuthorityID{b, a})
}

func (h *NetworkHub) reachable(from, to types.AuthorityID) bool {
	_, cut := h.partitions[[2]types.AuthorityID{from, to}]
	return !cut
}

func (h *NetworkHub) deliver(from, to types.AuthorityID, env effects.Envelope) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.reachable(from, to) {
		return fmt.Errorf("unreachable: %s -> %s", from, to)
	}
	inbox, ok := h.inboxes[to]
	if !ok {
		return fmt.Errorf("unknown authority %s", to)
	}
	env.From = from
	select {
	case inbox <- env:
		return nil
	default:
		return fmt.Errorf("inbox full for %s", to)
	}
}

// MemoryNetwork is one authority's view of the hub.
type MemoryNetwork struct {
	hub  *NetworkHub
	self types.AuthorityID
}

func (n *MemoryNetwork) SendTo(_ context.Context, to types.AuthorityID, env effects.Envelope) error {
	return n.hub.deliver(n.self, to, env)
}

func (n *MemoryNetwork) Broadcast(_ context.Context, group types.ContextID, env effects.Envelope) error {
	n.hub.mu.RLock()
	members := make([]types.AuthorityID, 0, len(n.hub.groups[group]))
	for id := range n.hub.groups[group] {
		members = append(members, id)
	}
	n.hub.mu.RUnlock()

	sort.Slice(members, func(i, j int) bool { return members[i].Less(members[j]) })
	for _, id := range members {
		if id == n.self {
			continue
		}
		// Best effort: partitioned peers are skipped, matching a lossy
		// broadcast medium.
		_ = n.hub.deliver(n.self, id, env)
	}
	return nil
}

func (n *MemoryNetwork) Recv(ctx context.Context) (effects.Envelope, error) {
	n.hub.mu.RLock()
	inbox := n.hub.inboxes[n.self]
	n.hub.mu.RUnlock()

	select {
	case env := <-inbox:
		return env, nil
	case <-ctx.Done():
		return effects.Envelope{}, ctx.Err()
	}
}

// StaticRendezvous answers discovery with a fixed peer list per context.
type StaticRendezvous struct {
	mu    sync.RWMutex
	peers map[types.ContextID][]types.AuthorityID
}

// NewStaticRendezvous returns an empty directory.
func NewStaticRendezvous() *StaticRendezvous {
	return &StaticRendezvous{peers: make(map[types.ContextID][]types.AuthorityID)}
}

// SetPeers fixes the reachable set for a context.
func (r *StaticRendezvous) SetPeers(group types.ContextID, peers []types.AuthorityID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[group] = append([]types.AuthorityID(nil), peers...)
}

func (r *StaticRendezvous) DiscoverPeers(_ context.Context, group types.ContextID) ([]types.AuthorityID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]types.AuthorityID(nil), r.peers[group]...), nil
}
