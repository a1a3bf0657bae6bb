// Package fact implements the eventually-consistent typed state derived from
// journal events. Every fact type is owned by a reducer whose merge forms a
// semilattice, so replicas converge regardless of delivery order.
package fact

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aura-dev/aura/pkg/clock"
	"github.com/aura-dev/aura/pkg/types"
)

// TypeID names a fact family, e.g. "authority". The on-wire schema id is
// "<TypeID>/v<version>".
type TypeID string

// Key addresses one fact instance.
type Key struct {
	Type  TypeID
	Scope string
}

// Flavor is the semilattice discipline a reducer follows.
type Flavor string

const (
	// FlavorCv merges whole states; merge is the join.
	FlavorCv Flavor = "cv"
	// FlavorCm applies operations idempotently by op id.
	FlavorCm Flavor = "cm"
	// FlavorDelta merges compact deltas; full state is derivable from them.
	FlavorDelta Flavor = "delta"
	// FlavorMv narrows constraints; merge is the meet.
	FlavorMv Flavor = "mv"
)

var (
	// ErrUnknownFactType is returned for type ids with no registered reducer.
	ErrUnknownFactType = errors.New("unknown fact type")
	// ErrTypeMismatch is returned when a write carries a body the reducer
	// does not own.
	ErrTypeMismatch = errors.New("fact body type mismatch")
)

// Fact is one canonicalized piece of derived state. Facts are append-only;
// deletion is a tombstone inside the body, never removal of the fact.
type Fact struct {
	Key      Key                `json:"key"`
	Version  uint16             `json:"version"`
	Body     Body               `json:"body"`
	Physical clock.PhysicalTime `json:"physical"`
	Epoch    types.Epoch        `json:"epoch"`
	// Ref is the hash of the journal event this fact was last folded from.
	Ref types.Hash32 `json:"ref"`
}

// Body is a reducer-owned fact value. Implementations must be deeply
// comparable through their canonical JSON form.
type Body interface {
	FactType() TypeID
}

// Input is the reducer-visible slice of a journal event.
type Input struct {
	Scope  string
	Origin types.AuthorityID
	TsMs   uint64
	Epoch  types.Epoch
	Ref    types.Hash32
	Body   Body
}

// Reducer folds events into facts and merges replica states.
type Reducer interface {
	Type() TypeID
	Version() uint16
	Flavor() Flavor
	// NewBody returns a zero body for decoding.
	NewBody() Body
	// Reduce folds one input into the current fact (nil when absent).
	// Reducers are pure: same inputs, same output.
	Reduce(current *Fact, in Input) (*Fact, error)
	// Merge joins two replica states of the same key. Must be commutative,
	// associative, and idempotent.
	Merge(a, b *Fact) (*Fact, error)
}

// Registry maps fact types to reducers. Built at startup and passed into the
// journal; registration after that is a programming error surfaced loudly.
type Registry struct {
	reducers map[TypeID]Reducer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{reducers: make(map[TypeID]Reducer)}
}

// Register adds a reducer. Duplicate type ids panic: the registry is
// assembled once at startup and a collision is a wiring bug.
func (r *Registry) Register(red Reducer) {
	if _, ok := r.reducers[red.Type()]; ok {
		panic(fmt.Sprintf("fact: duplicate reducer for type %q", red.Type()))
	}
	r.reducers[red.Type()] = red
}

// Lookup resolves a type id.
func (r *Registry) Lookup(t TypeID) (Reducer, error) {
	red, ok := r.reducers[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFactType, t)
	}
	return red, nil
}

// Types lists registered type ids in sorted order.
func (r *Registry) Types() []TypeID {
	out := make([]TypeID, 0, len(r.reducers))
	for t := range r.reducers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Store holds the fact view. Writes are serialized; reads are concurrent.
type Store struct {
	mu       sync.RWMutex
	registry *Registry
	facts    map[Key]*Fact
}

// NewStore binds a store to its reducer registry.
func NewStore(registry *Registry) *Store {
	return &Store{registry: registry, facts: make(map[Key]*Fact)}
}

// Query returns the fact for (type, scope), or false when absent.
func (s *Store) Query(t TypeID, scope string) (*Fact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.facts[Key{Type: t, Scope: scope}]
	if !ok {
		return nil, false
	}
	return f, true
}

// Registry exposes the reducer registry the store was built with.
func (s *Store) Registry() *Registry { return s.registry }

// Reducer resolves the reducer registered for t.
func (s *Store) Reducer(t TypeID) (Reducer, error) {
	return s.registry.Lookup(t)
}

// Apply folds an input through the registered reducer for t.
func (s *Store) Apply(t TypeID, in Input) (*Fact, error) {
	red, err := s.registry.Lookup(t)
	if err != nil {
		return nil, err
	}
	if in.Body != nil && in.Body.FactType() != t {
		return nil, fmt.Errorf("%w: input body is %q, reducer owns %q", ErrTypeMismatch, in.Body.FactType(), t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := Key{Type: t, Scope: in.Scope}
	next, err := red.Reduce(s.facts[key], in)
	if err != nil {
		return nil, err
	}
	s.facts[key] = next
	return next, nil
}

// InsertWithContext merges an externally produced fact (e.g. from
// anti-entropy) into the store. Idempotent: merging the same fact twice is a
// no-op by the semilattice laws.
func (s *Store) InsertWithContext(f *Fact) (*Fact, error) {
	red, err := s.registry.Lookup(f.Key.Type)
	if err != nil {
		return nil, err
	}
	if f.Body != nil && f.Body.FactType() != f.Key.Type {
		return nil, fmt.Errorf("%w: body is %q, key is %q", ErrTypeMismatch, f.Body.FactType(), f.Key.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.facts[f.Key]
	if !ok {
		s.facts[f.Key] = f
		return f, nil
	}
	merged, err := red.Merge(current, f)
	if err != nil {
		return nil, err
	}
	s.facts[f.Key] = merged
	return merged, nil
}

// Keys lists present fact keys in deterministic order.
func (s *Store) Keys() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Key, 0, len(s.facts))
	for k := range s.facts {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Scope < out[j].Scope
	})
	return out
}

// Snapshot returns a copy of every fact, for anti-entropy exchange.
func (s *Store) Snapshot() []*Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Fact, 0, len(s.facts))
	for _, f := range s.facts {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Type != out[j].Key.Type {
			return out[i].Key.Type < out[j].Key.Type
		}
		return out[i].Key.Scope < out[j].Key.Scope
	})
	return out
}
