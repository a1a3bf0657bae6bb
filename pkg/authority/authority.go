// Package authority models the principals that can sign events: devices and
// guardians. State only changes through signed facts; a revoked authority is
// terminal.
package authority

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aura-dev/aura/pkg/capability"
	"github.com/aura-dev/aura/pkg/types"
	"github.com/aura-dev/aura/pkg/wire"
)

// Status is the lifecycle state of an authority.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
)

var (
	// ErrUnknownAuthority is returned for lookups of unregistered ids.
	ErrUnknownAuthority = errors.New("unknown authority")
	// ErrRevoked is returned for transitions out of the terminal state.
	ErrRevoked = errors.New("authority is revoked")
	// ErrAlreadyRegistered is returned when registering a live id twice.
	ErrAlreadyRegistered = errors.New("authority already registered")
)

// Role distinguishes always-online devices from offline guardians.
type Role string

const (
	RoleDevice   Role = "device"
	RoleGuardian Role = "guardian"
)

// Authority is one principal's signing identity.
type Authority struct {
	ID           types.AuthorityID `json:"id"`
	PublicKey    []byte            `json:"public_key"`
	Capabilities capability.Cap    `json:"capabilities"`
	Status       Status            `json:"status"`
	Role         Role              `json:"role"`
}

// Set is the account's authority table. Writes are serialized; reads may be
// concurrent.
type Set struct {
	mu      sync.RWMutex
	members map[types.AuthorityID]Authority
}

// NewSet returns an empty authority set.
func NewSet() *Set {
	return &Set{members: make(map[types.AuthorityID]Authority)}
}

// Register adds a new authority in Active status.
func (s *Set) Register(a Authority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.members[a.ID]; ok && existing.Status != StatusRevoked {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, a.ID)
	}
	a.Status = StatusActive
	s.members[a.ID] = a
	return nil
}

// Get looks up an authority by id.
func (s *Set) Get(id types.AuthorityID) (Authority, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.members[id]
	if !ok {
		return Authority{}, fmt.Errorf("%w: %s", ErrUnknownAuthority, id)
	}
	return a, nil
}

// Transition moves an authority to a new status. Revoked is terminal.
func (s *Set) Transition(id types.AuthorityID, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.members[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAuthority, id)
	}
	if a.Status == StatusRevoked {
		return fmt.Errorf("%w: %s", ErrRevoked, id)
	}
	a.Status = to
	s.members[id] = a
	return nil
}

// Narrow replaces an authority's capabilities with the meet of the current
// set and caps. Capabilities only ever narrow outside ceremony commits.
func (s *Set) Narrow(id types.AuthorityID, caps capability.Cap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.members[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAuthority, id)
	}
	a.Capabilities = a.Capabilities.Meet(caps)
	s.members[id] = a
	return nil
}

// Grant sets an authority's capabilities outright. Only ceremony commit
// application may call this.
func (s *Set) Grant(id types.AuthorityID, caps capability.Cap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.members[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAuthority, id)
	}
	a.Capabilities = caps
	s.members[id] = a
	return nil
}

// Active returns the active authorities ordered by id.
func (s *Set) Active() []Authority {
	return s.filter(func(a Authority) bool { return a.Status == StatusActive })
}

// All returns every authority ordered by id, revoked included.
func (s *Set) All() []Authority {
	return s.filter(func(Authority) bool { return true })
}

// ActiveWithRole returns active authorities of one role, ordered by id.
func (s *Set) ActiveWithRole(role Role) []Authority {
	return s.filter(func(a Authority) bool {
		return a.Status == StatusActive && a.Role == role
	})
}

func (s *Set) filter(keep func(Authority) bool) []Authority {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Authority, 0, len(s.members))
	for _, a := range s.members {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// Clone returns an independent copy of the set, used for prestate capture.
func (s *Set) Clone() *Set {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := NewSet()
	for id, a := range s.members {
		out.members[id] = a
	}
	return out
}

// Hasher is the part of the Crypto capability prestate hashing needs.
type Hasher interface {
	Hash(data []byte) types.Hash32
}

// PrestateHash binds a ceremony to the authority set, capabilities, and epoch
// it was proposed against. Members are encoded in id order so every replica
// computes the same hash for the same worldview.
func PrestateHash(h Hasher, s *Set, epoch types.Epoch) types.Hash32 {
	w := wire.NewWriter()
	members := s.All()
	w.U64(uint64(epoch))
	w.U64(uint64(len(members)))
	for _, a := range members {
		w.Raw(a.ID[:])
		w.Bytes(a.PublicKey)
		w.U64(uint64(a.Capabilities))
		w.String(string(a.Status))
		w.String(string(a.Role))
	}
	return h.Hash(w.Finish())
}
