package agent

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aura-dev/aura/pkg/aerr"
	"github.com/aura-dev/aura/pkg/authority"
	"github.com/aura-dev/aura/pkg/ceremony"
	"github.com/aura-dev/aura/pkg/config"
	"github.com/aura-dev/aura/pkg/effects"
	"github.com/aura-dev/aura/pkg/fact"
	"github.com/aura-dev/aura/pkg/journal"
	"github.com/aura-dev/aura/pkg/observability"
	"github.com/aura-dev/aura/pkg/threshold"
	"github.com/aura-dev/aura/pkg/types"
)

// Runtime is one device's orchestrator. It signs the device's journal
// events, drives the ceremony engine, enforces session admission, and runs
// the cleanup sweeper. All retries in the system happen here.
type Runtime struct {
	account types.AccountID
	device  types.AuthorityID
	priv    []byte

	fx      *effects.Effects
	journal *journal.Journal
	set     *authority.Set
	engine  *ceremony.Engine
	cfg     config.KeyFabricAgentConfig
	log     *slog.Logger
	obs     *observability.Provider

	transport CeremonyTransport
	tracker   *ceremony.OptimisticTracker

	mu       sync.Mutex
	sessions map[types.SessionID]*Session

	// Threshold key material, installed once the dealing ceremony settles.
	groupPub []byte
	indices  map[types.AuthorityID]uint8
	signer   *threshold.Signer

	// rounds is the coordinator side of live signing rounds; accepted is the
	// participant side, keyed the same way.
	rounds   map[types.CeremonyID]*signingRound
	accepted map[types.CeremonyID]ceremonyOffer

	// proposals holds Category B deferred approvals; optimistic maps Category
	// A op ids to the device nonce their event carries.
	proposals  map[types.ProposalID]*ceremony.Proposal
	optimistic map[string]uint64
}

// Option mutates construction defaults.
type Option func(*Runtime)

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.log = l }
}

// WithObservability records spans and session gauges on p.
func WithObservability(p *observability.Provider) Option {
	return func(r *Runtime) { r.obs = p }
}

// New builds a runtime for one device. The runtime constructs its own
// ceremony engine and acts as the engine's journal recorder.
func New(device types.AuthorityID, priv []byte, fx *effects.Effects, j *journal.Journal, set *authority.Set, cfg config.KeyFabricAgentConfig, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	hasher, ok := fx.Crypto.(authority.Hasher)
	if !ok {
		return nil, errors.New("agent: crypto effect does not hash")
	}
	r := &Runtime{
		account:  j.Account(),
		device:   device,
		priv:     priv,
		fx:       fx,
		journal:  j,
		set:      set,
		cfg:        cfg,
		log:        slog.Default().With("component", "agent"),
		obs:        observability.Noop(),
		tracker:    ceremony.NewOptimisticTracker(),
		sessions:   make(map[types.SessionID]*Session),
		rounds:     make(map[types.CeremonyID]*signingRound),
		accepted:   make(map[types.CeremonyID]ceremonyOffer),
		proposals:  make(map[types.ProposalID]*ceremony.Proposal),
		optimistic: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.engine = ceremony.NewEngine(j, set, hasher, fx.Time, r,
		ceremony.WithLockTTL(cfg.SessionTimeoutEpochs),
		ceremony.WithEngineLogger(r.log.With("component", "ceremony")))
	return r, nil
}

// Engine exposes the ceremony engine for response and commit traffic.
func (r *Runtime) Engine() *ceremony.Engine { return r.engine }

// Device returns the local authority id.
func (r *Runtime) Device() types.AuthorityID { return r.device }

// Record signs and appends one journal event as the local device.
func (r *Runtime) Record(ctx context.Context, p journal.Payload) error {
	return r.append(ctx, p, journal.Authorization{Tag: journal.AuthTagSignature})
}

// RecordThreshold appends one journal event under an aggregate signature.
func (r *Runtime) RecordThreshold(ctx context.Context, p journal.Payload, sig []byte, signers []types.AuthorityID) error {
	return r.append(ctx, p, journal.Authorization{
		Tag:       journal.AuthTagThreshold,
		Signature: sig,
		Signers:   signers,
	})
}

func (r *Runtime) append(ctx context.Context, p journal.Payload, auth journal.Authorization) error {
	e := &journal.Event{
		Account:   r.account,
		Authority: r.device,
		Epoch:     r.journal.Epoch(),
		Nonce:     r.journal.NextNonce(r.device),
		Payload:   p,
	}
	if head, ok := r.journal.Head(r.device); ok {
		e.Parent = &head
	}
	if auth.Tag == journal.AuthTagSignature {
		sig, err := r.fx.Crypto.Sign(r.priv, e.SigningBytes())
		if err != nil {
			return aerr.New(aerr.CategoryCrypto, aerr.CodeAuthFailed, "agent.record", err).WithAuthority(r.device)
		}
		auth.Signature = sig
	}
	e.Auth = auth
	if _, err := r.journal.Append(ctx, e); err != nil {
		return err
	}
	return nil
}

// StartSession admits a new multi-party operation. Admission enforces the
// participant cap, duplicate and membership checks, and the rendezvous
// bound: a ceremony cannot start unless at least k participants are
// reachable.
func (r *Runtime) StartSession(ctx context.Context, kind ceremony.Kind, scope string, k int, participants []types.AuthorityID) (*Session, error) {
	if len(participants) > r.cfg.MaxParticipants {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyParticipants, len(participants), r.cfg.MaxParticipants)
	}
	seen := make(map[types.AuthorityID]bool, len(participants))
	local := false
	for _, p := range participants {
		if seen[p] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateParticipant, p)
		}
		seen[p] = true
		if p == r.device {
			local = true
		}
	}
	if !local {
		return nil, fmt.Errorf("%w: %s", ErrNotParticipant, r.device)
	}
	if r.cfg.ValidateParticipants {
		for _, p := range participants {
			a, err := r.set.Get(p)
			if err != nil {
				return nil, fmt.Errorf("%w: %s", ErrInactiveParticipant, p)
			}
			if a.Status != authority.StatusActive {
				return nil, fmt.Errorf("%w: %s is %s", ErrInactiveParticipant, p, a.Status)
			}
		}
	}
	if err := r.checkReachable(ctx, k, seen); err != nil {
		return nil, err
	}

	var sid types.SessionID
	if err := r.fx.Random.Fill(sid[:]); err != nil {
		return nil, aerr.New(aerr.CategoryInternal, aerr.CodeInvalidState, "agent.start_session", err)
	}
	var cid types.CeremonyID
	if err := r.fx.Random.Fill(cid[:]); err != nil {
		return nil, aerr.New(aerr.CategoryInternal, aerr.CodeInvalidState, "agent.start_session", err)
	}

	if _, err := r.engine.Propose(ctx, cid, kind, scope, k, participants); err != nil {
		return nil, err
	}
	now := r.fx.Time.NowMs()
	epoch := r.journal.Epoch()
	s := &Session{
		ID:           sid,
		Ceremony:     cid,
		Kind:         kind,
		Account:      r.account,
		Device:       r.device,
		Epoch:        epoch,
		StartedAtMs:  now,
		Participants: append([]types.AuthorityID(nil), participants...),
		Threshold:    k,
		Role:         RoleCoordinator,
		Deadline: Deadline{
			WallMs: now + uint64(r.cfg.DefaultTimeoutSeconds)*1000,
			Epoch:  epoch + types.Epoch(r.cfg.SessionTimeoutEpochs),
		},
	}
	r.mu.Lock()
	r.sessions[sid] = s
	r.mu.Unlock()
	r.obs.SessionOpened(ctx, observability.SessionOperation(sid, r.device, len(participants))...)
	r.log.Info("session started", "session", sid, "ceremony", cid, "kind", kind, "k", k)
	return s, nil
}

// checkReachable fails NoReachablePeers when fewer than k participants are
// discoverable for the account's context.
func (r *Runtime) checkReachable(ctx context.Context, k int, participants map[types.AuthorityID]bool) error {
	peers, err := r.fx.Rendezvous.DiscoverPeers(ctx, types.ContextID(r.account))
	if err != nil {
		return aerr.New(aerr.CategoryNetwork, aerr.CodeTimeout, "agent.rendezvous", err)
	}
	reachable := 0
	for _, p := range peers {
		if participants[p] {
			reachable++
		}
	}
	// The local device is always reachable to itself.
	if participants[r.device] {
		reachable++
	}
	if reachable < k {
		return fmt.Errorf("%w: %d of %d", ErrNoReachablePeers, reachable, k)
	}
	return nil
}

// Session looks up a live session.
func (r *Runtime) Session(id types.SessionID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// EndSession drops a session whose ceremony settled.
func (r *Runtime) EndSession(id types.SessionID) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(r.sessions, id)
	r.mu.Unlock()
	r.obs.SessionClosed(context.Background(),
		observability.SessionOperation(id, r.device, len(s.Participants))...)
	return nil
}

// Retry runs op with exponential backoff. precheck re-validates the
// operation's preconditions before every attempt; a precheck failure stops
// retrying immediately since the world moved. Only errors the taxonomy
// marks retryable are retried, and only when auto-retry is enabled.
func (r *Runtime) Retry(ctx context.Context, op string, precheck func(context.Context) error, fn func(context.Context) error) error {
	attempts := 1
	if r.cfg.EnableAutoRetry {
		attempts += r.cfg.MaxRetryAttempts
	}
	var last error
	for i := 1; i <= attempts; i++ {
		if i > 1 {
			delay := time.Duration(r.cfg.RetryBaseMs<<(i-2)) * time.Millisecond
			if err := r.fx.Time.Sleep(ctx, delay); err != nil {
				return err
			}
		}
		if precheck != nil {
			if err := precheck(ctx); err != nil {
				return err
			}
		}
		last = fn(ctx)
		if last == nil {
			return nil
		}
		if !retryable(last) {
			return last
		}
		r.log.Warn("operation failed, will retry", "op", op, "attempt", i, "err", last)
	}
	return fmt.Errorf("%w: %s: %w", ErrRetriesExhausted, op, last)
}

func retryable(err error) bool {
	var ae *aerr.Error
	if errors.As(err, &ae) {
		return ae.Retryable()
	}
	return false
}

// Sweep expires sessions past either deadline: the session's ceremony is
// superseded with a timeout reason, which journals the transition and frees
// any lock it held. Returns how many sessions were reaped.
func (r *Runtime) Sweep(ctx context.Context) int {
	now := r.fx.Time.NowMs()
	epoch := r.journal.Epoch()

	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		if s.Deadline.Expired(now, epoch) {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		r.closeRound(s.Ceremony)
		err := r.engine.Supersede(ctx, s.Ceremony, types.CeremonyID{}, ceremony.ReasonTimeout)
		if err != nil && !errors.Is(err, ceremony.ErrPhaseViolation) && !errors.Is(err, ceremony.ErrUnknownCeremony) {
			r.log.Warn("timeout supersession failed", "session", s.ID, "err", err)
		}
		r.obs.SessionClosed(ctx, observability.SessionOperation(s.ID, r.device, len(s.Participants))...)
		r.log.Info("session timed out", "session", s.ID, "ceremony", s.Ceremony, "kind", s.Kind)
	}
	r.sweepProposals(now)
	r.engine.Sweep()
	return len(expired)
}

// RunSweeper loops Sweep until ctx is done.
func (r *Runtime) RunSweeper(ctx context.Context) error {
	interval := time.Duration(r.cfg.SweepIntervalMs) * time.Millisecond
	for {
		if err := r.fx.Time.Sleep(ctx, interval); err != nil {
			return err
		}
		r.Sweep(ctx)
	}
}

// Derive produces a deterministic 32-byte application key from the pinned
// derivation root. Any device that has applied the same journal derives the
// same key for the same context and id.
func (r *Runtime) Derive(context, id string) ([32]byte, error) {
	var zero [32]byte
	f, ok := r.journal.Facts().Query(fact.TypeDKDRoot, r.account.String())
	if !ok {
		return zero, ErrNoDKDRoot
	}
	body, ok := f.Body.(*fact.DKDRootBody)
	if !ok {
		return zero, ErrNoDKDRoot
	}
	root, err := hex.DecodeString(body.Root)
	if err != nil {
		return zero, fmt.Errorf("agent: bad derivation root: %w", err)
	}
	return r.fx.Crypto.DeriveKey("aura/dkd/"+context+"/"+id, root), nil
}
