package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-dev/aura/pkg/aerr"
	"github.com/aura-dev/aura/pkg/authority"
	"github.com/aura-dev/aura/pkg/capability"
	"github.com/aura-dev/aura/pkg/ceremony"
	"github.com/aura-dev/aura/pkg/config"
	"github.com/aura-dev/aura/pkg/crypto"
	"github.com/aura-dev/aura/pkg/effects"
	"github.com/aura-dev/aura/pkg/effects/effectstest"
	"github.com/aura-dev/aura/pkg/fact"
	"github.com/aura-dev/aura/pkg/journal"
	"github.com/aura-dev/aura/pkg/types"
)

type device struct {
	id   types.AuthorityID
	pub  []byte
	priv []byte
}

type fixture struct {
	t          *testing.T
	ctx        context.Context
	account    types.AccountID
	suite      *crypto.Suite
	clock      *effectstest.ManualClock
	rendezvous *effectstest.StaticRendezvous
	set        *authority.Set
	journal    *journal.Journal
	devices    map[string]device
	runtime    *Runtime
}

func newFixture(t *testing.T, cfg config.KeyFabricAgentConfig) *fixture {
	t.Helper()
	f := &fixture{
		t:          t,
		ctx:        context.Background(),
		suite:      crypto.NewSuite(effectstest.NewSeededRandom(0xA6E7)),
		clock:      effectstest.NewManualClock(1_000_000),
		rendezvous: effectstest.NewStaticRendezvous(),
		set:        authority.NewSet(),
		devices:    make(map[string]device),
	}
	f.account = types.AccountID(f.suite.Hash([]byte("account-agent")))
	authz := &journal.SetAuthorizer{Set: f.set, Crypto: f.suite}
	f.journal = journal.New(f.account, effectstest.NewMemoryStorage(), fact.DefaultRegistry(), authz,
		journal.WithObserver(journal.TrackSet(f.set)))

	a := f.newDevice("device-a")
	_, err := f.journal.Append(f.ctx, &journal.Event{
		Account:   f.account,
		Authority: a.id,
		Payload: &journal.AuthorityRegistered{
			Authority: a.id,
			PublicKey: a.pub,
			Caps:      uint64(capability.Top),
			Role:      "device",
		},
		Auth: journal.Authorization{Tag: journal.AuthTagLifecycle},
	})
	require.NoError(t, err)
	for _, name := range []string{"device-b", "device-c"} {
		d := f.newDevice(name)
		f.append(a, &journal.AuthorityRegistered{
			Authority: d.id,
			PublicKey: d.pub,
			Caps:      uint64(capability.Top),
			Role:      "device",
		})
	}

	fx := &effects.Effects{
		Time:       f.clock,
		Random:     effectstest.NewSeededRandom(0xF1E1),
		Crypto:     f.suite,
		Storage:    effectstest.NewMemoryStorage(),
		Rendezvous: f.rendezvous,
	}
	rt, err := New(a.id, a.priv, fx, f.journal, f.set, cfg)
	require.NoError(t, err)
	f.runtime = rt
	return f
}

func (f *fixture) newDevice(name string) device {
	f.t.Helper()
	pub, priv, err := f.suite.GenerateKeypair()
	require.NoError(f.t, err)
	d := device{id: types.AuthorityID(f.suite.Hash([]byte(name))), pub: pub, priv: priv}
	f.devices[name] = d
	return d
}

func (f *fixture) append(d device, payload journal.Payload) {
	f.t.Helper()
	e := &journal.Event{
		Account:   f.account,
		Authority: d.id,
		Epoch:     f.journal.Epoch(),
		Nonce:     f.journal.NextNonce(d.id),
		Payload:   payload,
	}
	if head, ok := f.journal.Head(d.id); ok {
		e.Parent = &head
	}
	sig, err := f.suite.Sign(d.priv, e.SigningBytes())
	require.NoError(f.t, err)
	e.Auth = journal.Authorization{Tag: journal.AuthTagSignature, Signature: sig}
	_, err = f.journal.Append(f.ctx, e)
	require.NoError(f.t, err)
}

func (f *fixture) participants() []types.AuthorityID {
	return []types.AuthorityID{
		f.devices["device-a"].id,
		f.devices["device-b"].id,
		f.devices["device-c"].id,
	}
}

func (f *fixture) allReachable() {
	f.rendezvous.SetPeers(types.ContextID(f.account), []types.AuthorityID{
		f.devices["device-b"].id,
		f.devices["device-c"].id,
	})
}

func TestStartSessionProposesCeremony(t *testing.T) {
	f := newFixture(t, config.DefaultKeyFabricAgentConfig())
	f.allReachable()

	s, err := f.runtime.StartSession(f.ctx, ceremony.KindDKD, "acct", 2, f.participants())
	require.NoError(t, err)
	assert.Equal(t, RoleCoordinator, s.Role)
	assert.Equal(t, 2, s.Threshold)
	assert.Equal(t, uint64(1_000_000+30_000), s.Deadline.WallMs)
	assert.Equal(t, types.Epoch(2), s.Deadline.Epoch)

	c, ok := f.runtime.Engine().Get(s.Ceremony)
	require.True(t, ok)
	assert.Equal(t, ceremony.PhasePreparing, c.Phase())

	got, ok := f.runtime.Session(s.ID)
	require.True(t, ok)
	assert.Equal(t, s.Ceremony, got.Ceremony)

	require.NoError(t, f.runtime.EndSession(s.ID))
	assert.ErrorIs(t, f.runtime.EndSession(s.ID), ErrSessionNotFound)
}

func TestStartSessionAdmission(t *testing.T) {
	cfg := config.DefaultKeyFabricAgentConfig()
	cfg.MaxParticipants = 2
	f := newFixture(t, cfg)
	f.allReachable()
	a := f.devices["device-a"].id
	b := f.devices["device-b"].id
	c := f.devices["device-c"].id

	_, err := f.runtime.StartSession(f.ctx, ceremony.KindDKD, "acct", 2, []types.AuthorityID{a, b, c})
	assert.ErrorIs(t, err, ErrTooManyParticipants)

	_, err = f.runtime.StartSession(f.ctx, ceremony.KindDKD, "acct", 2, []types.AuthorityID{a, a})
	assert.ErrorIs(t, err, ErrDuplicateParticipant)

	_, err = f.runtime.StartSession(f.ctx, ceremony.KindDKD, "acct", 2, []types.AuthorityID{b, c})
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestStartSessionRejectsInactiveParticipants(t *testing.T) {
	f := newFixture(t, config.DefaultKeyFabricAgentConfig())
	f.allReachable()
	a := f.devices["device-a"]
	b := f.devices["device-b"].id

	f.append(a, &journal.AuthorityStatusChanged{Authority: b, Status: "suspended"})

	_, err := f.runtime.StartSession(f.ctx, ceremony.KindDKD, "acct", 2, f.participants())
	assert.ErrorIs(t, err, ErrInactiveParticipant)
}

func TestStartSessionRequiresReachablePeers(t *testing.T) {
	f := newFixture(t, config.DefaultKeyFabricAgentConfig())
	// Nobody else is discoverable; only the local device counts.
	_, err := f.runtime.StartSession(f.ctx, ceremony.KindDKD, "acct", 2, f.participants())
	assert.ErrorIs(t, err, ErrNoReachablePeers)

	// One reachable peer satisfies a 2-of-3 session.
	f.rendezvous.SetPeers(types.ContextID(f.account), []types.AuthorityID{f.devices["device-b"].id})
	_, err = f.runtime.StartSession(f.ctx, ceremony.KindDKD, "acct", 2, f.participants())
	require.NoError(t, err)
}

func TestSweepTimesOutSessions(t *testing.T) {
	f := newFixture(t, config.DefaultKeyFabricAgentConfig())
	f.allReachable()

	s, err := f.runtime.StartSession(f.ctx, ceremony.KindRotation, "acct", 2, f.participants())
	require.NoError(t, err)

	assert.Equal(t, 0, f.runtime.Sweep(f.ctx))

	f.clock.Advance(31 * time.Second)
	assert.Equal(t, 1, f.runtime.Sweep(f.ctx))

	_, ok := f.runtime.Session(s.ID)
	assert.False(t, ok)
	// The ceremony was superseded with a timeout reason and then swept.
	_, ok = f.runtime.Engine().Get(s.Ceremony)
	assert.False(t, ok)
	fct, ok := f.journal.Facts().Query(fact.TypeCeremony, s.Ceremony.String())
	require.True(t, ok)
	body := fct.Body.(*fact.CeremonyStateBody)
	assert.Equal(t, string(ceremony.PhaseSuperseded), body.State)
	assert.Equal(t, string(ceremony.ReasonTimeout), body.Reason)
}

func TestDeadlineFiresOnEitherBound(t *testing.T) {
	d := Deadline{WallMs: 1000, Epoch: 5}
	assert.False(t, d.Expired(999, 4))
	assert.True(t, d.Expired(1000, 4))
	assert.True(t, d.Expired(999, 5))

	// Zero bounds never fire.
	assert.False(t, Deadline{}.Expired(1<<60, 1<<40))
}

func TestRetryBacksOffAndRechecks(t *testing.T) {
	cfg := config.DefaultKeyFabricAgentConfig()
	cfg.RetryBaseMs = 0
	f := newFixture(t, cfg)

	calls := 0
	transient := aerr.New(aerr.CategoryNetwork, aerr.CodeTimeout, "test.op", assert.AnError)
	err := f.runtime.Retry(f.ctx, "test.op", nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return transient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	// Non-retryable errors surface immediately.
	calls = 0
	fatal := aerr.New(aerr.CategoryCrypto, aerr.CodeAuthFailed, "test.op", assert.AnError)
	err = f.runtime.Retry(f.ctx, "test.op", nil, func(context.Context) error {
		calls++
		return fatal
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)

	// Exhausted retries wrap the last error.
	calls = 0
	err = f.runtime.Retry(f.ctx, "test.op", nil, func(context.Context) error {
		calls++
		return transient
	})
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 1+cfg.MaxRetryAttempts, calls)

	// A failed precondition stops the retry loop outright.
	calls = 0
	err = f.runtime.Retry(f.ctx, "test.op",
		func(context.Context) error { return ceremony.ErrPrestateStale },
		func(context.Context) error { calls++; return transient })
	assert.ErrorIs(t, err, ceremony.ErrPrestateStale)
	assert.Equal(t, 0, calls)
}

func TestRetryDisabledRunsOnce(t *testing.T) {
	cfg := config.DefaultKeyFabricAgentConfig()
	cfg.EnableAutoRetry = false
	f := newFixture(t, cfg)

	calls := 0
	transient := aerr.New(aerr.CategoryCoordination, aerr.CodeCoordinationFailed, "test.op", assert.AnError)
	err := f.runtime.Retry(f.ctx, "test.op", nil, func(context.Context) error {
		calls++
		return transient
	})
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 1, calls)
}

func TestDeriveIsReproducibleAcrossDevices(t *testing.T) {
	f := newFixture(t, config.DefaultKeyFabricAgentConfig())
	a := f.devices["device-a"]

	_, err := f.runtime.Derive("mail", "inbox-v1")
	assert.ErrorIs(t, err, ErrNoDKDRoot)

	root := types.Hash32(f.suite.Hash([]byte("dkd-commitment-root")))
	f.append(a, &journal.DKDRootPinned{Root: root, AtEpoch: 0})

	k1, err := f.runtime.Derive("mail", "inbox-v1")
	require.NoError(t, err)

	// A second device that replays the same journal derives the same key.
	other := newFixture(t, config.DefaultKeyFabricAgentConfig())
	events, err := f.journal.EventsByAuthority(a.id, 0)
	require.NoError(t, err)
	for _, e := range events[3:] { // the three registrations already exist there
		_, err := other.journal.ApplyRemote(other.ctx, e)
		require.NoError(t, err)
	}
	k2, err := other.runtime.Derive("mail", "inbox-v1")
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	// Different context or id, different key.
	k3, err := f.runtime.Derive("mail", "archive-v1")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}
