package ceremony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aura-dev/aura/pkg/authority"
	"github.com/aura-dev/aura/pkg/effects"
	"github.com/aura-dev/aura/pkg/journal"
	"github.com/aura-dev/aura/pkg/types"
)

var (
	ErrCeremonyExists  = errors.New("ceremony: id already active")
	ErrUnknownCeremony = errors.New("ceremony: no such ceremony")
	ErrOutranked       = errors.New("ceremony: an active ceremony outranks this kind")
)

// Recorder appends signed lifecycle events to the account journal on the
// engine's behalf. The agent runtime implements it with the local
// authority's key; commits that advance the epoch carry the ceremony's
// aggregate signature instead.
type Recorder interface {
	Record(ctx context.Context, p journal.Payload) error
	RecordThreshold(ctx context.Context, p journal.Payload, sig []byte, signers []types.AuthorityID) error
}

// EpochSource reports the account's applied epoch, normally the journal.
type EpochSource interface {
	Epoch() types.Epoch
}

// Engine drives Category C ceremonies for one account: it binds each
// proposal to a prestate, arbitrates the operation lock, settles
// supersession between competing ceremonies, and writes every lifecycle
// step through the journal so replicas converge on the same history.
type Engine struct {
	mu sync.Mutex

	epochs EpochSource
	set    *authority.Set
	hasher  authority.Hasher
	time    effects.Time
	rec     Recorder
	lock    *OperationLock
	active  map[types.CeremonyID]*Ceremony
	log     *slog.Logger
}

// EngineOption mutates construction defaults.
type EngineOption func(*Engine)

// WithEngineLogger replaces the default logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithLockTTL bounds how many epochs a lock grant survives without a
// release.
func WithLockTTL(epochs uint64) EngineOption {
	return func(e *Engine) { e.lock = NewOperationLock(epochs) }
}

// NewEngine builds an engine over the account journal and its live
// authority set.
func NewEngine(epochs EpochSource, set *authority.Set, hasher authority.Hasher, t effects.Time, rec Recorder, opts ...EngineOption) *Engine {
	e := &Engine{
		epochs:  epochs,
		set:     set,
		hasher:  hasher,
		time:    t,
		rec:     rec,
		lock:    NewOperationLock(2),
		active:  make(map[types.CeremonyID]*Ceremony),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Prestate hashes the worldview a new proposal would bind to.
func (e *Engine) Prestate() types.Hash32 {
	return authority.PrestateHash(e.hasher, e.set, e.epochs.Epoch())
}

// Get returns a tracked ceremony.
func (e *Engine) Get(id types.CeremonyID) (*Ceremony, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.active[id]
	return c, ok
}

// Active lists ceremonies that have not reached a terminal phase.
func (e *Engine) Active() []*Ceremony {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Ceremony, 0, len(e.active))
	for _, c := range e.active {
		if !c.Terminal() {
			out = append(out, c)
		}
	}
	return out
}

// Propose starts a ceremony bound to the current prestate. Precedence
// settles competition up front: an active higher-precedence ceremony
// rejects the proposal, active lower-precedence ceremonies are superseded,
// and an active ceremony of the same kind yields to the newer request.
func (e *Engine) Propose(ctx context.Context, id types.CeremonyID, kind Kind, scope string, k int, participants []types.AuthorityID) (*Ceremony, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.active[id]; dup {
		return nil, fmt.Errorf("%w: %s", ErrCeremonyExists, id)
	}
	for cid, c := range e.active {
		if c.Terminal() {
			continue
		}
		switch {
		case precedence(c.Kind()) > precedence(kind):
			return nil, fmt.Errorf("%w: %s blocks %s", ErrOutranked, c.Kind(), kind)
		case precedence(c.Kind()) < precedence(kind):
			e.supersedeLocked(ctx, cid, c, id, ReasonPrecedence)
		default:
			e.supersedeLocked(ctx, cid, c, id, ReasonNewerRequest)
		}
	}
	prestate := authority.PrestateHash(e.hasher, e.set, e.epochs.Epoch())
	c, err := NewCeremony(id, kind, scope, k, participants, prestate)
	if err != nil {
		return nil, err
	}
	if err := e.record(ctx, c, "", ""); err != nil {
		return nil, err
	}
	e.active[id] = c
	e.log.Info("ceremony proposed", "id", id, "kind", kind, "k", k, "participants", len(participants))
	return c, nil
}

// AcquireLock runs the lock lottery for an authority-set-modifying
// ceremony. All concurrent claims must be passed together so every replica
// resolves the same winner; the grant is journaled before it takes effect.
func (e *Engine) AcquireLock(ctx context.Context, claims []Claim) (Grant, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.epochs.Epoch()
	grant, err := e.lock.Resolve(now, claims)
	if err != nil {
		return grant, err
	}
	p := &journal.LockTransition{
		Holder:        grant.Winner.By,
		SessionID:     grant.Winner.SessionID,
		OperationType: string(grant.Winner.Kind),
		GrantedEpoch:  uint64(now),
	}
	if err := e.rec.Record(ctx, p); err != nil {
		e.lock.Release(grant.Winner.By)
		return Grant{}, err
	}
	e.log.Info("operation lock granted", "holder", grant.Winner.By, "kind", grant.Winner.Kind, "losers", len(grant.Losers))
	return grant, nil
}

// Announce fixes the pending epoch and opens the response window.
func (e *Engine) Announce(ctx context.Context, id types.CeremonyID, pendingEpoch types.Epoch) error {
	c, err := e.get(id)
	if err != nil {
		return err
	}
	if err := c.Announce(pendingEpoch); err != nil {
		return err
	}
	return e.record(ctx, c, "", "")
}

// Respond records one participant's answer. A tally that can no longer
// reach quorum aborts the ceremony immediately.
func (e *Engine) Respond(ctx context.Context, id types.CeremonyID, from types.AuthorityID, r Response, reason string) error {
	c, err := e.get(id)
	if err != nil {
		return err
	}
	if err := c.Respond(from, r, reason); err != nil {
		return err
	}
	if c.Quorum() == QuorumLost {
		return e.Abort(ctx, id, "quorum lost")
	}
	return nil
}

// BeginCommit re-checks the prestate and moves to Committing. A worldview
// that moved since the proposal supersedes the ceremony instead.
func (e *Engine) BeginCommit(ctx context.Context, id types.CeremonyID) error {
	c, err := e.get(id)
	if err != nil {
		return err
	}
	if err := e.checkPrestate(ctx, c); err != nil {
		return err
	}
	if err := c.BeginCommit(); err != nil {
		return err
	}
	return e.record(ctx, c, "", "")
}

// Commit finalizes a ceremony under its aggregate signature: the committed
// transition and the epoch advance are journaled, and the operation lock
// is released if this ceremony held it. The prestate is re-checked one
// last time; the signature binds the old worldview, not the new one.
func (e *Engine) Commit(ctx context.Context, id types.CeremonyID, signers []types.AuthorityID, sig []byte, consensusID string) error {
	c, err := e.get(id)
	if err != nil {
		return err
	}
	if err := e.checkPrestate(ctx, c); err != nil {
		return err
	}
	if err := c.Commit(signers, consensusID, e.time.NowMs()); err != nil {
		return err
	}
	if err := e.record(ctx, c, "", consensusID); err != nil {
		return err
	}
	adv := &journal.EpochAdvanced{NewEpoch: c.PendingEpoch(), CeremonyID: id}
	if err := e.rec.RecordThreshold(ctx, adv, sig, signers); err != nil {
		return err
	}
	e.releaseLock(ctx, id)
	e.log.Info("ceremony committed", "id", id, "kind", c.Kind(), "epoch", c.PendingEpoch())
	return nil
}

// Abort terminates a live ceremony and frees the lock it held.
func (e *Engine) Abort(ctx context.Context, id types.CeremonyID, reason string) error {
	c, err := e.get(id)
	if err != nil {
		return err
	}
	if err := c.Abort(reason); err != nil {
		return err
	}
	e.releaseLock(ctx, id)
	return e.record(ctx, c, reason, "")
}

// Supersede terminates a live ceremony in favor of another, freeing its
// lock. Timeout and explicit cancel arrive through here as well.
func (e *Engine) Supersede(ctx context.Context, id, by types.CeremonyID, reason SupersessionReason) error {
	c, err := e.get(id)
	if err != nil {
		return err
	}
	if err := c.Supersede(by, reason); err != nil {
		return err
	}
	e.releaseLock(ctx, id)
	return e.record(ctx, c, string(reason), "")
}

// Sweep drops terminal ceremonies from the active table and returns how
// many were dropped.
func (e *Engine) Sweep() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, c := range e.active {
		if c.Terminal() {
			delete(e.active, id)
			n++
		}
	}
	return n
}

func (e *Engine) get(id types.CeremonyID) (*Ceremony, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCeremony, id)
	}
	return c, nil
}

// checkPrestate supersedes the ceremony when the authority set or epoch
// moved underneath it.
func (e *Engine) checkPrestate(ctx context.Context, c *Ceremony) error {
	current := authority.PrestateHash(e.hasher, e.set, e.epochs.Epoch())
	if current == c.Prestate() {
		return nil
	}
	if err := c.Supersede(types.CeremonyID{}, ReasonPrestateStale); err != nil {
		return err
	}
	e.releaseLock(ctx, c.ID())
	if err := e.record(ctx, c, string(ReasonPrestateStale), ""); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrPrestateStale, c.ID())
}

// supersedeLocked settles one losing ceremony while the engine lock is
// held. Journal failures are logged, not propagated; the in-memory state
// is already terminal and the next transition will carry the record.
func (e *Engine) supersedeLocked(ctx context.Context, id types.CeremonyID, c *Ceremony, by types.CeremonyID, reason SupersessionReason) {
	if err := c.Supersede(by, reason); err != nil {
		return
	}
	e.releaseLockHeld(ctx, id)
	if err := e.record(ctx, c, string(reason), ""); err != nil {
		e.log.Warn("supersession record failed", "id", id, "err", err)
	}
}

func (e *Engine) releaseLock(ctx context.Context, id types.CeremonyID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.releaseLockHeld(ctx, id)
}

// releaseLockHeld frees the lock when the named ceremony's session holds
// it. Caller holds e.mu.
func (e *Engine) releaseLockHeld(ctx context.Context, id types.CeremonyID) {
	now := e.epochs.Epoch()
	h, ok := e.lock.Holder(now)
	if !ok || h.SessionID != id.String() {
		return
	}
	granted := e.lock.GrantedEpoch()
	if err := e.lock.Release(h.By); err != nil {
		return
	}
	p := &journal.LockTransition{
		Holder:        h.By,
		SessionID:     h.SessionID,
		OperationType: string(h.Kind),
		GrantedEpoch:  uint64(granted),
		Released:      true,
	}
	if err := e.rec.Record(ctx, p); err != nil {
		e.log.Warn("lock release record failed", "session", h.SessionID, "err", err)
	}
}

// record journals the ceremony's current phase as a transition fact. A
// superseded ceremony names its winner; a prestate-stale supersession has no
// winner and leaves By empty.
func (e *Engine) record(ctx context.Context, c *Ceremony, reason, consensusID string) error {
	p := &journal.CeremonyTransition{
		CeremonyID:   c.ID(),
		Kind:         string(c.Kind()),
		State:        string(c.Phase()),
		PendingEpoch: uint64(c.PendingEpoch()),
		Reason:       reason,
		ConsensusID:  consensusID,
		TsMs:         e.time.NowMs(),
	}
	if by := c.Outcome().SupersededBy; by != (types.CeremonyID{}) {
		p.By = by.String()
	}
	return e.rec.Record(ctx, p)
}
