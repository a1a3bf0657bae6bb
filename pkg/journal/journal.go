package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aura-dev/aura/pkg/fact"
	"github.com/aura-dev/aura/pkg/types"
)

var (
	ErrInvalidNonce     = errors.New("journal: invalid nonce")
	ErrParentMismatch   = errors.New("journal: parent hash mismatch")
	ErrAuthInvalid      = errors.New("journal: authorization invalid")
	ErrEpochStale       = errors.New("journal: epoch stale")
	ErrPruned           = errors.New("journal: range pruned by compaction")
	ErrNoCommitmentRoot = errors.New("journal: compaction requires a pinned commitment root")
	ErrGapBufferFull    = errors.New("journal: gap buffer full")
)

// CompactedError reports a query against a pruned range. The caller can
// install the checkpoint and move forward.
type CompactedError struct {
	Checkpoint types.Hash32
}

func (e *CompactedError) Error() string {
	return fmt.Sprintf("journal: range pruned, checkpoint %s", e.Checkpoint)
}

func (e *CompactedError) Unwrap() error { return ErrPruned }

// Authorizer validates an event's authorization against current authority
// state. The journal calls it before any mutation.
type Authorizer interface {
	Authorize(e *Event) error
}

// maxPendingPerAuthority bounds the gap buffer so a misbehaving peer cannot
// grow memory without bound.
const maxPendingPerAuthority = 1024

// chain is the per-authority linked list of applied events, ordered by
// nonce. base is the first retained nonce after compaction.
type chain struct {
	base   uint64
	events []*Event
	head   *types.Hash32
}

func (c *chain) next() uint64 { return c.base + uint64(len(c.events)) }

// Journal is the authority-partitioned append-only ledger for one account.
// Single writer per authority; readers may be concurrent.
type Journal struct {
	mu      sync.RWMutex
	account types.AccountID
	storage Storage
	authz   Authorizer
	log     *slog.Logger

	epoch   types.Epoch
	chains  map[types.AuthorityID]*chain
	byHash  map[types.Hash32]*Event
	recent  []types.Hash32 // ring of recent event hashes for digests
	facts     *fact.Store
	pending   map[types.AuthorityID]map[uint64]*Event
	observers []Observer

	prunedEpoch types.Epoch
	checkpoint  *types.Hash32
}

// Storage is the minimal persistence surface the journal needs. The effects
// Storage capability satisfies it.
type Storage interface {
	Persist(ctx context.Context, key string, value []byte) error
	Load(ctx context.Context, key string) ([]byte, bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// Option configures a Journal.
type Option func(*Journal)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(j *Journal) { j.log = log }
}

// Observer is called after every committed event, local or replicated.
// Callers use it to keep derived state (the authority table, epoch views)
// aligned with the ledger, including during Restore.
type Observer func(e *Event)

// WithObserver registers a post-commit hook.
func WithObserver(fn Observer) Option {
	return func(j *Journal) { j.observers = append(j.observers, fn) }
}

// AddObserver registers a post-commit hook after construction, for hooks
// that need the journal itself in scope.
func (j *Journal) AddObserver(fn Observer) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.observers = append(j.observers, fn)
}

// New builds an empty journal for account. Facts fold through registry;
// every append is checked by authz and persisted through storage before any
// in-memory state changes.
func New(account types.AccountID, storage Storage, registry *fact.Registry, authz Authorizer, opts ...Option) *Journal {
	j := &Journal{
		account: account,
		storage: storage,
		authz:   authz,
		log:     slog.Default(),
		chains:  make(map[types.AuthorityID]*chain),
		byHash:  make(map[types.Hash32]*Event),
		facts:   fact.NewStore(registry),
		pending: make(map[types.AuthorityID]map[uint64]*Event),
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Facts exposes the fold cache.
func (j *Journal) Facts() *fact.Store { return j.facts }

// Account returns the account this journal belongs to.
func (j *Journal) Account() types.AccountID { return j.account }

// Epoch returns the current account epoch.
func (j *Journal) Epoch() types.Epoch {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.epoch
}

// Head returns the hash of the last event by authority, if any.
func (j *Journal) Head(a types.AuthorityID) (types.Hash32, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	c := j.chains[a]
	if c == nil || c.head == nil {
		return types.Hash32{}, false
	}
	return *c.head, true
}

// NextNonce returns the nonce the next event by authority must carry.
func (j *Journal) NextNonce(a types.AuthorityID) uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if c := j.chains[a]; c != nil {
		return c.next()
	}
	return 0
}

// Append validates and commits a locally authored event. All-or-nothing: a
// failed append leaves the journal bit-identical to before. Local appends
// must be written at the current epoch.
func (j *Journal) Append(ctx context.Context, e *Event) (types.Hash32, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if e.Epoch != j.epoch {
		return types.Hash32{}, fmt.Errorf("%w: event at %d, account at %d", ErrEpochStale, e.Epoch, j.epoch)
	}
	return j.commitLocked(ctx, e, true)
}

// ApplyRemote commits a replicated event from another authority. Events
// arriving ahead of their predecessor are buffered until the gap closes;
// the returned count is how many events were applied (0 when buffered).
// Re-delivery of an already applied event is a no-op.
func (j *Journal) ApplyRemote(ctx context.Context, e *Event) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	applied, err := j.applyRemoteLocked(ctx, e)
	if err != nil || !applied {
		if err != nil {
			return 0, err
		}
		return 0, nil
	}
	// The gap may have closed: flush buffered successors.
	n := 1
	for {
		buf := j.pending[e.Authority]
		next, ok := buf[j.chains[e.Authority].next()]
		if !ok {
			break
		}
		delete(buf, next.Nonce)
		ok2, err := j.applyRemoteLocked(ctx, next)
		if err != nil {
			return n, err
		}
		if !ok2 {
			break
		}
		n++
	}
	return n, nil
}

func (j *Journal) applyRemoteLocked(ctx context.Context, e *Event) (bool, error) {
	c := j.chains[e.Authority]
	next := uint64(0)
	if c != nil {
		next = c.next()
	}
	switch {
	case e.Nonce < next:
		// Already applied. A different event at an applied nonce is a fork.
		have, ok := j.eventAtLocked(e.Authority, e.Nonce)
		if !ok {
			return false, &CompactedError{Checkpoint: j.checkpointOrZero()}
		}
		if have.Hash() != e.Hash() {
			return false, fmt.Errorf("%w: conflicting event at nonce %d from %s", ErrParentMismatch, e.Nonce, e.Authority)
		}
		return false, nil
	case e.Nonce > next:
		buf := j.pending[e.Authority]
		if buf == nil {
			buf = make(map[uint64]*Event)
			j.pending[e.Authority] = buf
		}
		if len(buf) >= maxPendingPerAuthority {
			return false, ErrGapBufferFull
		}
		buf[e.Nonce] = e
		j.log.Debug("buffered out-of-order event",
			"authority", e.Authority, "nonce", e.Nonce, "expected", next)
		return false, nil
	}
	if _, err := j.commitLocked(ctx, e, false); err != nil {
		return false, err
	}
	return true, nil
}

// commitLocked runs the shared validation and commit path. Local appends
// have already passed the epoch freshness check; replicated events carry the
// epoch their origin wrote them at.
func (j *Journal) commitLocked(ctx context.Context, e *Event, local bool) (types.Hash32, error) {
	if e.Payload == nil {
		return types.Hash32{}, fmt.Errorf("%w: nil payload", ErrUnknownPayloadTag)
	}
	if e.Account != j.account {
		return types.Hash32{}, fmt.Errorf("journal: event for foreign account %s", e.Account)
	}

	c := j.chains[e.Authority]
	next := uint64(0)
	var head *types.Hash32
	if c != nil {
		next = c.next()
		head = c.head
	}
	if e.Nonce != next {
		return types.Hash32{}, fmt.Errorf("%w: got %d, want %d", ErrInvalidNonce, e.Nonce, next)
	}
	if (e.Parent == nil) != (head == nil) || (e.Parent != nil && *e.Parent != *head) {
		return types.Hash32{}, fmt.Errorf("%w: authority %s", ErrParentMismatch, e.Authority)
	}
	if err := j.authz.Authorize(e); err != nil {
		return types.Hash32{}, fmt.Errorf("%w: %v", ErrAuthInvalid, err)
	}

	// Resolve every emission against the registry before touching storage,
	// so a commit can no longer fail after the persist.
	emissions := e.Payload.Emit(e)
	for _, em := range emissions {
		if em.Input.Body != nil && em.Input.Body.FactType() != em.Type {
			return types.Hash32{}, fmt.Errorf("%w: payload emits %q under %q",
				fact.ErrTypeMismatch, em.Input.Body.FactType(), em.Type)
		}
		if _, err := j.facts.Reducer(em.Type); err != nil {
			return types.Hash32{}, err
		}
	}
	if cp, ok := e.Payload.(*CompactionCheckpoint); ok {
		if _, pinned := j.facts.Query(fact.TypeDKDRoot, j.account.String()); !pinned {
			return types.Hash32{}, ErrNoCommitmentRoot
		}
		if cp.PrunedEpoch >= j.epoch {
			return types.Hash32{}, fmt.Errorf("%w: cannot prune current epoch %d", ErrEpochStale, j.epoch)
		}
	}

	hash := e.Hash()
	if err := j.storage.Persist(ctx, j.eventKey(e.Authority, e.Nonce), e.CanonicalBytes()); err != nil {
		return types.Hash32{}, fmt.Errorf("journal: persisting event: %w", err)
	}

	// Point of no return: mutate in-memory state.
	if c == nil {
		c = &chain{}
		j.chains[e.Authority] = c
	}
	c.events = append(c.events, e)
	c.head = &hash
	j.byHash[hash] = e
	j.recent = append(j.recent, hash)
	if len(j.recent) > digestDepthMax {
		j.recent = j.recent[len(j.recent)-digestDepthMax:]
	}
	for _, em := range emissions {
		if _, err := j.facts.Apply(em.Type, em.Input); err != nil {
			// Unreachable after the pre-checks above; reducers are total.
			j.log.Error("fact fold failed after commit", "type", em.Type, "err", err)
		}
	}
	switch p := e.Payload.(type) {
	case *EpochAdvanced:
		if p.NewEpoch > j.epoch {
			j.epoch = p.NewEpoch
		}
	case *CompactionCheckpoint:
		j.pruneLocked(ctx, p)
	}
	for _, fn := range j.observers {
		fn(e)
	}
	j.log.Debug("event committed",
		"authority", e.Authority, "nonce", e.Nonce, "tag", e.Payload.Tag(), "local", local)
	return hash, nil
}

func (j *Journal) eventKey(a types.AuthorityID, nonce uint64) string {
	return fmt.Sprintf("journal/%s/%s/%016x", j.account, a, nonce)
}

func (j *Journal) eventAtLocked(a types.AuthorityID, nonce uint64) (*Event, bool) {
	c := j.chains[a]
	if c == nil || nonce < c.base || nonce >= c.next() {
		return nil, false
	}
	return c.events[nonce-c.base], true
}

// EventsByAuthority returns the applied events from one authority with
// nonce >= fromNonce, in nonce order. Queries that reach into a pruned
// range fail with a CompactedError.
func (j *Journal) EventsByAuthority(a types.AuthorityID, fromNonce uint64) ([]*Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	c := j.chains[a]
	if c == nil {
		return nil, nil
	}
	if fromNonce < c.base {
		return nil, &CompactedError{Checkpoint: j.checkpointOrZero()}
	}
	if fromNonce >= c.next() {
		return nil, nil
	}
	out := make([]*Event, c.next()-fromNonce)
	copy(out, c.events[fromNonce-c.base:])
	return out, nil
}

// EventByHash looks up an applied event.
func (j *Journal) EventByHash(h types.Hash32) (*Event, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	e, ok := j.byHash[h]
	return e, ok
}

// HighWater reports, per authority, the next nonce expected. Used by
// anti-entropy digests.
func (j *Journal) HighWater() map[types.AuthorityID]uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make(map[types.AuthorityID]uint64, len(j.chains))
	for a, c := range j.chains {
		out[a] = c.next()
	}
	return out
}

// PendingGaps reports how many events are buffered waiting for their
// predecessors, per authority. Non-empty buffers mean anti-entropy is due.
func (j *Journal) PendingGaps() map[types.AuthorityID]int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make(map[types.AuthorityID]int)
	for a, buf := range j.pending {
		if len(buf) > 0 {
			out[a] = len(buf)
		}
	}
	return out
}

// pruneLocked drops events at or before the checkpointed epoch, in memory
// and in storage. Chain bookkeeping (base nonce, head hash) survives so
// appends keep linking.
func (j *Journal) pruneLocked(ctx context.Context, cp *CompactionCheckpoint) {
	j.prunedEpoch = cp.PrunedEpoch
	h := cp.CheckpointHash
	j.checkpoint = &h
	dropped := 0
	for a, c := range j.chains {
		keep := c.events[:0]
		for _, e := range c.events {
			if e.Epoch <= cp.PrunedEpoch {
				delete(j.byHash, e.Hash())
				if err := j.storage.Delete(ctx, j.eventKey(a, e.Nonce)); err != nil {
					j.log.Warn("pruned event not deleted from storage",
						"authority", a, "nonce", e.Nonce, "err", err)
				}
				c.base++
				dropped++
				continue
			}
			keep = append(keep, e)
		}
		// Epochs are non-decreasing along a chain, so the dropped set is
		// always a prefix and base stays aligned with events[0].
		c.events = append([]*Event(nil), keep...)
	}
	j.log.Info("journal compacted",
		"pruned_epoch", cp.PrunedEpoch, "dropped", dropped, "checkpoint", cp.CheckpointHash)
}

// Checkpoint returns the active compaction checkpoint hash, if any.
func (j *Journal) Checkpoint() (types.Hash32, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.checkpoint == nil {
		return types.Hash32{}, false
	}
	return *j.checkpoint, true
}

func (j *Journal) checkpointOrZero() types.Hash32 {
	if j.checkpoint == nil {
		return types.Hash32{}
	}
	return *j.checkpoint
}
