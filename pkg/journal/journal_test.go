package journal

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-dev/aura/pkg/authority"
	"github.com/aura-dev/aura/pkg/capability"
	"github.com/aura-dev/aura/pkg/crypto"
	"github.com/aura-dev/aura/pkg/effects/effectstest"
	"github.com/aura-dev/aura/pkg/fact"
	"github.com/aura-dev/aura/pkg/types"
)

// device is a test authority with its long-term key.
type device struct {
	id   types.AuthorityID
	pub  []byte
	priv []byte
}

// fixture wires a journal with a tracked authority set and seeded crypto.
type fixture struct {
	t       *testing.T
	ctx     context.Context
	account types.AccountID
	suite   *crypto.Suite
	set     *authority.Set
	storage *effectstest.MemoryStorage
	authz   *SetAuthorizer
	journal *Journal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:       t,
		ctx:     context.Background(),
		suite:   crypto.NewSuite(effectstest.NewSeededRandom(0xA17A)),
		set:     authority.NewSet(),
		storage: effectstest.NewMemoryStorage(),
	}
	f.account = types.AccountID(f.suite.Hash([]byte("account-1")))
	f.authz = &SetAuthorizer{Set: f.set, Crypto: f.suite}
	f.journal = New(f.account, f.storage, fact.DefaultRegistry(), f.authz,
		WithObserver(TrackSet(f.set)))
	return f
}

func (f *fixture) newDevice(name string) device {
	f.t.Helper()
	pub, priv, err := f.suite.GenerateKeypair()
	require.NoError(f.t, err)
	return device{id: types.AuthorityID(f.suite.Hash([]byte(name))), pub: pub, priv: priv}
}

// bootstrap registers the first device via the lifecycle path.
func (f *fixture) bootstrap(d device) types.Hash32 {
	f.t.Helper()
	h, err := f.journal.Append(f.ctx, &Event{
		Account:   f.account,
		Authority: d.id,
		Nonce:     0,
		Payload: &AuthorityRegistered{
			Authority: d.id,
			PublicKey: d.pub,
			Caps:      uint64(capability.Top),
			Role:      "device",
		},
		Auth: Authorization{Tag: AuthTagLifecycle},
	})
	require.NoError(f.t, err)
	return h
}

// signedEvent fills chain position and signature for d's next event.
func (f *fixture) signedEvent(d device, payload Payload) *Event {
	f.t.Helper()
	e := &Event{
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
	e.Auth = Authorization{Tag: AuthTagSignature, Signature: sig}
	return e
}

func (f *fixture) append(d device, payload Payload) types.Hash32 {
	f.t.Helper()
	h, err := f.journal.Append(f.ctx, f.signedEvent(d, payload))
	require.NoError(f.t, err)
	return h
}

func TestAppendChainsEvents(t *testing.T) {
	f := newFixture(t)
	a := f.newDevice("device-a")
	first := f.bootstrap(a)

	second := f.append(a, &MessagePosted{Channel: "general", OpID: "op-1", Content: "hello", TsMs: 10})

	events, err := f.journal.EventsByAuthority(a.id, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Nil(t, events[0].Parent)
	require.NotNil(t, events[1].Parent)
	assert.Equal(t, first, *events[1].Parent)

	head, ok := f.journal.Head(a.id)
	require.True(t, ok)
	assert.Equal(t, second, head)
	assert.Equal(t, uint64(2), f.journal.NextNonce(a.id))
}

func TestAppendFoldsFacts(t *testing.T) {
	f := newFixture(t)
	a := f.newDevice("device-a")
	f.bootstrap(a)
	f.append(a, &MessagePosted{Channel: "general", OpID: "op-1", Content: "hello", TsMs: 10})

	msgFact, ok := f.journal.Facts().Query(fact.TypeMessage, "general")
	require.True(t, ok)
	assert.Len(t, msgFact.Body.(*fact.MessageSetBody).Visible(), 1)

	authFact, ok := f.journal.Facts().Query(fact.TypeAuthority, a.id.String())
	require.True(t, ok)
	assert.Equal(t, "active", authFact.Body.(*fact.AuthorityBody).Status)
}

func TestAppendRejectsBadNonce(t *testing.T) {
	f := newFixture(t)
	a := f.newDevice("device-a")
	f.bootstrap(a)

	e := f.signedEvent(a, &MessagePosted{Channel: "general", OpID: "op-1", Content: "x", TsMs: 1})
	e.Nonce = 5
	sig, _ := f.suite.Sign(a.priv, e.SigningBytes())
	e.Auth.Signature = sig
	_, err := f.journal.Append(f.ctx, e)
	assert.ErrorIs(t, err, ErrInvalidNonce)
}

func TestAppendRejectsParentMismatch(t *testing.T) {
	f := newFixture(t)
	a := f.newDevice("device-a")
	f.bootstrap(a)

	e := f.signedEvent(a, &MessagePosted{Channel: "general", OpID: "op-1", Content: "x", TsMs: 1})
	wrong := types.Hash32(f.suite.Hash([]byte("not-the-head")))
	e.Parent = &wrong
	sig, _ := f.suite.Sign(a.priv, e.SigningBytes())
	e.Auth.Signature = sig
	_, err := f.journal.Append(f.ctx, e)
	assert.ErrorIs(t, err, ErrParentMismatch)
}

func TestAppendRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	a := f.newDevice("device-a")
	b := f.newDevice("device-b")
	f.bootstrap(a)

	e := f.signedEvent(a, &MessagePosted{Channel: "general", OpID: "op-1", Content: "x", TsMs: 1})
	// Signed with the wrong key.
	sig, _ := f.suite.Sign(b.priv, e.SigningBytes())
	e.Auth.Signature = sig
	_, err := f.journal.Append(f.ctx, e)
	assert.ErrorIs(t, err, ErrAuthInvalid)
}

func TestAppendRejectsStaleEpoch(t *testing.T) {
	f := newFixture(t)
	a := f.newDevice("device-a")
	f.bootstrap(a)

	e := f.signedEvent(a, &MessagePosted{Channel: "general", OpID: "op-1", Content: "x", TsMs: 1})
	e.Epoch = 9
	sig, _ := f.suite.Sign(a.priv, e.SigningBytes())
	e.Auth.Signature = sig
	_, err := f.journal.Append(f.ctx, e)
	assert.ErrorIs(t, err, ErrEpochStale)
}

func TestFailedAppendLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	a := f.newDevice("device-a")
	f.bootstrap(a)
	f.append(a, &MessagePosted{Channel: "general", OpID: "op-1", Content: "x", TsMs: 1})

	before := f.journal.Digest(0).Encode()
	storedBefore := f.storage.Len()

	e := f.signedEvent(a, &MessagePosted{Channel: "general", OpID: "op-2", Content: "y", TsMs: 2})
	e.Nonce = 99
	_, err := f.journal.Append(f.ctx, e)
	require.Error(t, err)

	assert.Equal(t, before, f.journal.Digest(0).Encode())
	assert.Equal(t, storedBefore, f.storage.Len())
	assert.Equal(t, uint64(2), f.journal.NextNonce(a.id))
}

func TestLifecycleOnlyBootstraps(t *testing.T) {
	f := newFixture(t)
	a := f.newDevice("device-a")
	b := f.newDevice("device-b")
	f.bootstrap(a)

	_, err := f.journal.Append(f.ctx, &Event{
		Account:   f.account,
		Authority: b.id,
		Nonce:     0,
		Payload:   &AuthorityRegistered{Authority: b.id, PublicKey: b.pub, Caps: uint64(capability.Top), Role: "device"},
		Auth:      Authorization{Tag: AuthTagLifecycle},
	})
	assert.ErrorIs(t, err, ErrAuthInvalid)
}

func TestCapabilityGatesPayloads(t *testing.T) {
	f := newFixture(t)
	a := f.newDevice("device-a")
	b := f.newDevice("device-b")
	f.bootstrap(a)

	// Register b with message-only capability.
	f.append(a, &AuthorityRegistered{
		Authority: b.id,
		PublicKey: b.pub,
		Caps:      uint64(capability.CapMessage),
		Role:      "device",
	})

	// b can post.
	f.append(b, &MessagePosted{Channel: "general", OpID: "op-b", Content: "hi", TsMs: 3})

	// b cannot register members.
	e := f.signedEvent(b, &AuthorityRegistered{Authority: f.newDevice("c").id, Role: "device"})
	_, err := f.journal.Append(f.ctx, e)
	assert.ErrorIs(t, err, ErrAuthInvalid)
}

func TestApplyRemoteBuffersGaps(t *testing.T) {
	f := newFixture(t)
	g := newFixture(t) // replica sharing the same account seed
	a := f.newDevice("device-a")
	f.bootstrap(a)
	g.bootstrap(a)

	e1 := f.signedEvent(a, &MessagePosted{Channel: "general", OpID: "op-1", Content: "one", TsMs: 1})
	_, err := f.journal.Append(f.ctx, e1)
	require.NoError(t, err)
	e2 := f.signedEvent(a, &MessagePosted{Channel: "general", OpID: "op-2", Content: "two", TsMs: 2})
	_, err = f.journal.Append(f.ctx, e2)
	require.NoError(t, err)

	// Deliver out of order: nonce 2 first.
	n, err := g.journal.ApplyRemote(g.ctx, e2)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, map[types.AuthorityID]int{a.id: 1}, g.journal.PendingGaps())

	// The predecessor closes the gap and flushes the buffer.
	n, err = g.journal.ApplyRemote(g.ctx, e1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, g.journal.PendingGaps())
	assert.Equal(t, uint64(3), g.journal.NextNonce(a.id))

	msgFact, ok := g.journal.Facts().Query(fact.TypeMessage, "general")
	require.True(t, ok)
	assert.Len(t, msgFact.Body.(*fact.MessageSetBody).Visible(), 2)
}

func TestApplyRemoteIdempotent(t *testing.T) {
	f := newFixture(t)
	g := newFixture(t)
	a := f.newDevice("device-a")
	f.bootstrap(a)
	g.bootstrap(a)

	e := f.signedEvent(a, &MessagePosted{Channel: "general", OpID: "op-1", Content: "x", TsMs: 1})
	_, err := f.journal.Append(f.ctx, e)
	require.NoError(t, err)

	n, err := g.journal.ApplyRemote(g.ctx, e)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = g.journal.ApplyRemote(g.ctx, e)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, uint64(2), g.journal.NextNonce(a.id))
}

func TestApplyRemoteDetectsFork(t *testing.T) {
	f := newFixture(t)
	g := newFixture(t)
	a := f.newDevice("device-a")
	f.bootstrap(a)
	g.bootstrap(a)

	e := f.signedEvent(a, &MessagePosted{Channel: "general", OpID: "op-1", Content: "x", TsMs: 1})
	_, err := f.journal.Append(f.ctx, e)
	require.NoError(t, err)
	n, err := g.journal.ApplyRemote(g.ctx, e)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// A different event at the same nonce is a fork.
	fork := f.signedEvent(a, &MessagePosted{Channel: "general", OpID: "op-x", Content: "evil", TsMs: 1})
	fork.Nonce = e.Nonce
	fork.Parent = e.Parent
	sig, _ := f.suite.Sign(a.priv, fork.SigningBytes())
	fork.Auth.Signature = sig
	_, err = g.journal.ApplyRemote(g.ctx, fork)
	assert.ErrorIs(t, err, ErrParentMismatch)
}

func TestEpochAdvancesThroughEvent(t *testing.T) {
	f := newFixture(t)
	a := f.newDevice("device-a")
	f.bootstrap(a)
	require.Equal(t, types.Epoch(0), f.journal.Epoch())

	cid := types.CeremonyID(f.suite.Hash([]byte("ceremony-1")))
	f.append(a, &EpochAdvanced{NewEpoch: 1, CeremonyID: cid})
	assert.Equal(t, types.Epoch(1), f.journal.Epoch())

	epochFact, ok := f.journal.Facts().Query(fact.TypeEpoch, f.account.String())
	require.True(t, ok)
	assert.Equal(t, uint64(1), epochFact.Body.(*fact.EpochBody).Epoch)
}

func TestCompactionPrunesAndRefuses(t *testing.T) {
	f := newFixture(t)
	a := f.newDevice("device-a")
	f.bootstrap(a)

	root := types.Hash32(f.suite.Hash([]byte("dkd-root")))
	f.append(a, &DKDRootPinned{Root: root, AtEpoch: 0})
	f.append(a, &MessagePosted{Channel: "general", OpID: "op-1", Content: "old", TsMs: 1})
	cid := types.CeremonyID(f.suite.Hash([]byte("ceremony-1")))
	f.append(a, &EpochAdvanced{NewEpoch: 1, CeremonyID: cid})
	f.append(a, &MessagePosted{Channel: "general", OpID: "op-2", Content: "new", TsMs: 2})

	checkpoint := types.Hash32(f.suite.Hash([]byte("checkpoint-1")))
	f.append(a, &CompactionCheckpoint{CheckpointHash: checkpoint, PrunedEpoch: 0})

	// Epoch 0 history is gone; queries from nonce 0 surface the checkpoint.
	_, err := f.journal.EventsByAuthority(a.id, 0)
	var ce *CompactedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, checkpoint, ce.Checkpoint)
	assert.ErrorIs(t, err, ErrPruned)

	// Post-checkpoint history still serves, and appends keep chaining.
	events, err := f.journal.EventsByAuthority(a.id, 4)
	require.NoError(t, err)
	require.Len(t, events, 2)
	f.append(a, &MessagePosted{Channel: "general", OpID: "op-3", Content: "after", TsMs: 3})

	// Facts survive pruning.
	msgFact, ok := f.journal.Facts().Query(fact.TypeMessage, "general")
	require.True(t, ok)
	assert.Len(t, msgFact.Body.(*fact.MessageSetBody).Visible(), 3)
}

func TestCompactionRequiresCommitmentRoot(t *testing.T) {
	f := newFixture(t)
	a := f.newDevice("device-a")
	f.bootstrap(a)
	cid := types.CeremonyID(f.suite.Hash([]byte("ceremony-1")))
	f.append(a, &EpochAdvanced{NewEpoch: 1, CeremonyID: cid})

	e := f.signedEvent(a, &CompactionCheckpoint{CheckpointHash: types.Hash32{1}, PrunedEpoch: 0})
	_, err := f.journal.Append(f.ctx, e)
	assert.ErrorIs(t, err, ErrNoCommitmentRoot)
}

func TestRestoreReplaysPersistedEvents(t *testing.T) {
	f := newFixture(t)
	a := f.newDevice("device-a")
	f.bootstrap(a)
	f.append(a, &MessagePosted{Channel: "general", OpID: "op-1", Content: "one", TsMs: 1})
	cid := types.CeremonyID(f.suite.Hash([]byte("ceremony-1")))
	f.append(a, &EpochAdvanced{NewEpoch: 1, CeremonyID: cid})
	f.append(a, &MessagePosted{Channel: "general", OpID: "op-2", Content: "two", TsMs: 2})

	// Fresh journal over the same storage.
	set := authority.NewSet()
	restored := New(f.account, f.storage, fact.DefaultRegistry(),
		&SetAuthorizer{Set: set, Crypto: f.suite}, WithObserver(TrackSet(set)))
	n, err := restored.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, types.Epoch(1), restored.Epoch())
	assert.Equal(t, uint64(4), restored.NextNonce(a.id))

	msgFact, ok := restored.Facts().Query(fact.TypeMessage, "general")
	require.True(t, ok)
	assert.Len(t, msgFact.Body.(*fact.MessageSetBody).Visible(), 2)
}

func TestEventCodecRoundTrip(t *testing.T) {
	f := newFixture(t)
	a := f.newDevice("device-a")
	f.bootstrap(a)
	parent, _ := f.journal.Head(a.id)

	payloads := []Payload{
		&MessagePosted{Channel: "general", OpID: "op-1", Content: "hello", TsMs: 10},
		&ReactionAdded{TargetOpID: "op-1", Count: 2},
		&ProfileUpdated{Field: "name", Value: "Ada", TsMs: 11},
		&AuthorityRegistered{Authority: a.id, PublicKey: a.pub, Caps: 7, Role: "guardian"},
		&AuthorityStatusChanged{Authority: a.id, Status: "suspended"},
		&CapabilityNarrowed{Authority: a.id, Caps: 3},
		&EpochAdvanced{NewEpoch: 4, CeremonyID: types.CeremonyID{9}},
		&CeremonyTransition{CeremonyID: types.CeremonyID{9}, Kind: "recovery", State: "committing", PendingEpoch: 4, TsMs: 12},
		&LockTransition{Holder: a.id, SessionID: "s-1", OperationType: "recovery", GrantedEpoch: 3},
		&CompactionCheckpoint{CheckpointHash: types.Hash32{5}, PrunedEpoch: 2},
		&DKDRootPinned{Root: types.Hash32{6}, AtEpoch: 3},
	}
	for _, p := range payloads {
		e := &Event{
			Account:   f.account,
			Authority: a.id,
			Epoch:     3,
			Nonce:     7,
			Parent:    &parent,
			Payload:   p,
			Auth:      Authorization{Tag: AuthTagSignature, Signature: make([]byte, 64)},
		}
		raw := e.CanonicalBytes()
		got, err := DecodeEvent(raw)
		require.NoError(t, err, "tag %d", p.Tag())
		assert.Equal(t, raw, got.CanonicalBytes(), "tag %d", p.Tag())
		assert.Equal(t, e.Hash(), got.Hash(), "tag %d", p.Tag())
	}
}

func TestDecodeRejectsUnknownTags(t *testing.T) {
	f := newFixture(t)
	a := f.newDevice("device-a")
	e := &Event{
		Account:   f.account,
		Authority: a.id,
		Payload:   &MessagePosted{Channel: "c", OpID: "o", Content: "x", TsMs: 1},
		Auth:      Authorization{Tag: AuthTagLifecycle},
	}
	raw := e.CanonicalBytes()

	// Payload tag lives right after account, authority, epoch, nonce and the
	// parent tag byte.
	off := types.IDSize*2 + 8 + 8 + 1
	raw[off] = 0xFF
	raw[off+1] = 0xFF
	_, err := DecodeEvent(raw)
	assert.True(t, errors.Is(err, ErrUnknownPayloadTag))
}

func TestDigestTracksHighWaterAndRecent(t *testing.T) {
	f := newFixture(t)
	a := f.newDevice("device-a")
	f.bootstrap(a)
	h := f.append(a, &MessagePosted{Channel: "general", OpID: "op-1", Content: "x", TsMs: 1})

	d := f.journal.Digest(16)
	assert.Equal(t, uint64(2), d.HighWater[a.id])
	assert.True(t, d.Recent.Contains(h))
	assert.False(t, d.Recent.Contains(types.Hash32(f.suite.Hash([]byte("absent")))))

	raw := d.Encode()
	got, err := DecodeDigest(raw)
	require.NoError(t, err)
	assert.Equal(t, d.HighWater, got.HighWater)
	assert.Equal(t, raw, got.Encode())
}

func TestThresholdAuthorizationBindsPayloadAndEpoch(t *testing.T) {
	f := newFixture(t)
	a := f.newDevice("device-a")
	f.bootstrap(a)
	b := f.newDevice("device-b")
	c := f.newDevice("device-c")
	f.append(a, &AuthorityRegistered{Authority: b.id, PublicKey: b.pub, Caps: uint64(capability.Top), Role: "device"})
	f.append(a, &AuthorityRegistered{Authority: c.id, PublicKey: c.pub, Caps: uint64(capability.Top), Role: "device"})

	groupPub, shares, err := f.suite.ThresholdKeygen(2, 3)
	require.NoError(t, err)
	f.authz.GroupPub = groupPub
	f.authz.Threshold = 2

	payload := &EpochAdvanced{NewEpoch: 1, CeremonyID: types.CeremonyID(f.suite.Hash([]byte("cer-1")))}
	msg := ThresholdMessage(f.account, f.journal.Epoch(), f.suite.Hash(groupPub), payload)

	// A 2-of-3 signing round over the bound message.
	nonces := make(map[uint8][]byte)
	commitments := make(map[uint8][]byte)
	for _, idx := range []uint8{1, 2} {
		nonce, com, err := f.suite.NonceCommit()
		require.NoError(t, err)
		nonces[idx], commitments[idx] = nonce, com
	}
	partials := make(map[uint8][]byte)
	for _, idx := range []uint8{1, 2} {
		p, err := f.suite.SignShare(shares[idx], idx, nonces[idx], groupPub, msg, commitments)
		require.NoError(t, err)
		partials[idx] = p
	}
	sig, err := f.suite.Aggregate(groupPub, msg, commitments, partials)
	require.NoError(t, err)

	event := func(p Payload, signers []types.AuthorityID) *Event {
		e := &Event{
			Account:   f.account,
			Authority: a.id,
			Epoch:     f.journal.Epoch(),
			Nonce:     f.journal.NextNonce(a.id),
			Payload:   p,
			Auth:      Authorization{Tag: AuthTagThreshold, Signature: sig, Signers: signers},
		}
		if head, ok := f.journal.Head(a.id); ok {
			e.Parent = &head
		}
		return e
	}

	// The signature binds the payload: a different epoch advance is rejected.
	other := &EpochAdvanced{NewEpoch: 2, CeremonyID: payload.CeremonyID}
	_, err = f.journal.Append(f.ctx, event(other, []types.AuthorityID{a.id, b.id}))
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	// Fewer signers than the policy threshold are rejected outright.
	_, err = f.journal.Append(f.ctx, event(payload, []types.AuthorityID{a.id}))
	assert.ErrorIs(t, err, ErrThresholdTooSmall)

	_, err = f.journal.Append(f.ctx, event(payload, []types.AuthorityID{a.id, b.id}))
	require.NoError(t, err)
	assert.Equal(t, types.Epoch(1), f.journal.Epoch())

	// The committed advance moved the epoch; replaying the same signature
	// under the new epoch no longer verifies.
	replay := &EpochAdvanced{NewEpoch: 2, CeremonyID: types.CeremonyID(f.suite.Hash([]byte("cer-2")))}
	_, err = f.journal.Append(f.ctx, event(replay, []types.AuthorityID{a.id, b.id}))
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}
