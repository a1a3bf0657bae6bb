package antientropy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-dev/aura/pkg/authority"
	"github.com/aura-dev/aura/pkg/capability"
	"github.com/aura-dev/aura/pkg/crypto"
	"github.com/aura-dev/aura/pkg/effects"
	"github.com/aura-dev/aura/pkg/effects/effectstest"
	"github.com/aura-dev/aura/pkg/fact"
	"github.com/aura-dev/aura/pkg/journal"
	"github.com/aura-dev/aura/pkg/types"
	"github.com/aura-dev/aura/pkg/wire"
)

type device struct {
	id   types.AuthorityID
	pub  []byte
	priv []byte
}

// replica is one device's journal plus its syncer over a shared hub.
type replica struct {
	t       *testing.T
	dev     device
	suite   *crypto.Suite
	journal *journal.Journal
	syncer  *Syncer
}

type cluster struct {
	t       *testing.T
	suite   *crypto.Suite
	account types.AccountID
	group   types.ContextID
	hub     *effectstest.NetworkHub
	devices map[string]device
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	suite := crypto.NewSuite(effectstest.NewSeededRandom(0x5EED))
	return &cluster{
		t:       t,
		suite:   suite,
		account: types.AccountID(suite.Hash([]byte("account"))),
		group:   types.ContextID(suite.Hash([]byte("context"))),
		hub:     effectstest.NewNetworkHub(),
		devices: make(map[string]device),
	}
}

func (c *cluster) device(name string) device {
	c.t.Helper()
	if d, ok := c.devices[name]; ok {
		return d
	}
	pub, priv, err := c.suite.GenerateKeypair()
	require.NoError(c.t, err)
	d := device{id: types.AuthorityID(c.suite.Hash([]byte(name))), pub: pub, priv: priv}
	c.devices[name] = d
	return d
}

func (c *cluster) replica(name string, opts ...Option) *replica {
	c.t.Helper()
	d := c.device(name)
	set := authority.NewSet()
	j := journal.New(c.account, effectstest.NewMemoryStorage(), fact.DefaultRegistry(),
		&journal.SetAuthorizer{Set: set, Crypto: c.suite},
		journal.WithObserver(journal.TrackSet(set)))
	net := c.hub.Join(d.id, c.group)
	return &replica{
		t:       c.t,
		dev:     d,
		suite:   c.suite,
		journal: j,
		syncer:  New(d.id, j, net, opts...),
	}
}

// bootstrap writes the genesis membership events on r: r's device
// self-registers, then registers the other devices.
func (r *replica) bootstrap(others ...device) {
	r.t.Helper()
	ctx := context.Background()
	_, err := r.journal.Append(ctx, &journal.Event{
		Account:   r.journal.Account(),
		Authority: r.dev.id,
		Nonce:     0,
		Payload: &journal.AuthorityRegistered{
			Authority: r.dev.id, PublicKey: r.dev.pub, Caps: uint64(capability.Top), Role: "device",
		},
		Auth: journal.Authorization{Tag: journal.AuthTagLifecycle},
	})
	require.NoError(r.t, err)
	for _, o := range others {
		r.append(&journal.AuthorityRegistered{
			Authority: o.id, PublicKey: o.pub, Caps: uint64(capability.Top), Role: "device",
		})
	}
}

func (r *replica) append(payload journal.Payload) {
	r.t.Helper()
	e := &journal.Event{
		Account:   r.journal.Account(),
		Authority: r.dev.id,
		Epoch:     r.journal.Epoch(),
		Nonce:     r.journal.NextNonce(r.dev.id),
		Payload:   payload,
	}
	if head, ok := r.journal.Head(r.dev.id); ok {
		e.Parent = &head
	}
	sig, err := r.suite.Sign(r.dev.priv, e.SigningBytes())
	require.NoError(r.t, err)
	e.Auth = journal.Authorization{Tag: journal.AuthTagSignature, Signature: sig}
	_, err = r.journal.Append(context.Background(), e)
	require.NoError(r.t, err)
}

// serve runs the responder loop until the returned stop func is called.
func (r *replica) serve() (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.syncer.Serve(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func factFingerprint(t *testing.T, s *fact.Store) map[string]string {
	t.Helper()
	out := make(map[string]string)
	for _, f := range s.Snapshot() {
		raw, err := fact.EncodeFact(f)
		require.NoError(t, err)
		out[string(f.Key.Type)+"|"+f.Key.Scope] = string(raw)
	}
	return out
}

func TestSyncPullsMissingEvents(t *testing.T) {
	c := newCluster(t)
	a := c.replica("device-a")
	b := c.replica("device-b")
	a.bootstrap(b.dev)
	for i := 0; i < 5; i++ {
		a.append(&journal.MessagePosted{
			Channel: "general",
			OpID:    fmt.Sprintf("op-a-%d", i),
			Content: "from a",
			TsMs:    uint64(i),
		})
	}

	stop := a.serve()
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stats, err := b.syncer.SyncWith(ctx, a.dev.id)
	require.NoError(t, err)
	assert.Equal(t, 7, stats.EventsApplied) // genesis, registration, 5 messages
	assert.Equal(t, uint64(7), b.journal.NextNonce(a.dev.id))

	msgFact, ok := b.journal.Facts().Query(fact.TypeMessage, "general")
	require.True(t, ok)
	assert.Len(t, msgFact.Body.(*fact.MessageSetBody).Visible(), 5)
}

func TestSyncIsIdempotent(t *testing.T) {
	c := newCluster(t)
	a := c.replica("device-a")
	b := c.replica("device-b")
	a.bootstrap(b.dev)
	a.append(&journal.MessagePosted{Channel: "general", OpID: "op-1", Content: "x", TsMs: 1})

	stop := a.serve()
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := b.syncer.SyncWith(ctx, a.dev.id)
	require.NoError(t, err)
	stats, err := b.syncer.SyncWith(ctx, a.dev.id)
	require.NoError(t, err)
	assert.Zero(t, stats.EventsApplied)
	assert.Equal(t, factFingerprint(t, a.journal.Facts()), factFingerprint(t, b.journal.Facts()))
}

func TestPartitionedReplicasConverge(t *testing.T) {
	c := newCluster(t)
	a := c.replica("device-a")
	b := c.replica("device-b")
	a.bootstrap(b.dev)

	// Replicate genesis so b can author its own events.
	stopA := a.serve()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := b.syncer.SyncWith(ctx, a.dev.id)
	require.NoError(t, err)
	stopA()

	// Partition: both sides author independently.
	c.hub.Partition(a.dev.id, b.dev.id)
	for i := 0; i < 20; i++ {
		a.append(&journal.MessagePosted{Channel: "general", OpID: fmt.Sprintf("op-a-%d", i), Content: "a", TsMs: uint64(i)})
		b.append(&journal.MessagePosted{Channel: "general", OpID: fmt.Sprintf("op-b-%d", i), Content: "b", TsMs: uint64(i)})
	}
	b.append(&journal.ReactionAdded{TargetOpID: "op-a-0", Count: 1})
	a.append(&journal.ProfileUpdated{Field: "name", Value: "Replica A", TsMs: 99})

	// Heal and reconcile both ways.
	c.hub.Heal(a.dev.id, b.dev.id)
	stopA = a.serve()
	_, err = b.syncer.SyncWith(ctx, a.dev.id)
	require.NoError(t, err)
	stopA()
	stopB := b.serve()
	_, err = a.syncer.SyncWith(ctx, b.dev.id)
	require.NoError(t, err)
	stopB()

	assert.Equal(t, factFingerprint(t, a.journal.Facts()), factFingerprint(t, b.journal.Facts()))

	msgFact, ok := a.journal.Facts().Query(fact.TypeMessage, "general")
	require.True(t, ok)
	assert.Len(t, msgFact.Body.(*fact.MessageSetBody).Visible(), 40)
}

func TestSyncAgainstCompactedPeer(t *testing.T) {
	c := newCluster(t)
	a := c.replica("device-a")
	b := c.replica("device-b")
	a.bootstrap(b.dev)

	root := types.Hash32(c.suite.Hash([]byte("dkd-root")))
	a.append(&journal.DKDRootPinned{Root: root, AtEpoch: 0})
	a.append(&journal.MessagePosted{Channel: "general", OpID: "op-old", Content: "old", TsMs: 1})
	cid := types.CeremonyID(c.suite.Hash([]byte("ceremony-1")))
	a.append(&journal.EpochAdvanced{NewEpoch: 1, CeremonyID: cid})
	a.append(&journal.MessagePosted{Channel: "general", OpID: "op-new", Content: "new", TsMs: 2})
	checkpoint := types.Hash32(c.suite.Hash([]byte("checkpoint-1")))
	a.append(&journal.CompactionCheckpoint{CheckpointHash: checkpoint, PrunedEpoch: 0})

	stop := a.serve()
	defer stop()

	// b never saw epoch 0, so its request reaches into pruned history. The
	// round completes with a compacted notice instead of events.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stats, err := b.syncer.SyncWith(ctx, a.dev.id)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RangesPruned)
	assert.Equal(t, checkpoint, stats.PeerCheckpoint)
	assert.Zero(t, stats.EventsApplied)
}

func TestBloomSurfacesForkAtEqualHighWater(t *testing.T) {
	c := newCluster(t)
	a := c.replica("device-a")
	b := c.replica("device-b")
	a.bootstrap(b.dev)

	stopA := a.serve()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := b.syncer.SyncWith(ctx, a.dev.id)
	require.NoError(t, err)
	stopA()

	// a writes one event; b receives a conflicting event at the same nonce,
	// signed with a's key. High-water tables now agree while content does not.
	a.append(&journal.MessagePosted{Channel: "general", OpID: "op-real", Content: "real", TsMs: 1})

	fork := &journal.Event{
		Account:   b.journal.Account(),
		Authority: a.dev.id,
		Epoch:     b.journal.Epoch(),
		Nonce:     b.journal.NextNonce(a.dev.id),
		Payload:   &journal.MessagePosted{Channel: "general", OpID: "op-fork", Content: "fork", TsMs: 1},
	}
	if head, ok := b.journal.Head(a.dev.id); ok {
		fork.Parent = &head
	}
	sig, err := c.suite.Sign(a.dev.priv, fork.SigningBytes())
	require.NoError(t, err)
	fork.Auth = journal.Authorization{Tag: journal.AuthTagSignature, Signature: sig}
	_, err = b.journal.ApplyRemote(ctx, fork)
	require.NoError(t, err)
	require.Equal(t, b.journal.NextNonce(a.dev.id), a.journal.NextNonce(a.dev.id))

	// b's head for a's chain is absent from a's recent bloom, so the round
	// re-requests the head and the chain check reports the conflict.
	stopA = a.serve()
	defer stopA()
	_, err = b.syncer.SyncWith(ctx, a.dev.id)
	assert.ErrorIs(t, err, journal.ErrParentMismatch)
}

func TestSyncRespectsLeakageBudget(t *testing.T) {
	c := newCluster(t)
	a := c.replica("device-a")
	b := c.replica("device-b")
	a.bootstrap(b.dev)

	b.syncer = New(b.dev.id, b.journal, c.hub.Join(b.dev.id, c.group),
		WithLeakageBudget(effects.LeakageBudget{}))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := b.syncer.SyncWith(ctx, a.dev.id)
	assert.ErrorIs(t, err, ErrLeakageBudget)
}

func TestCeremonyFramesReachHandler(t *testing.T) {
	c := newCluster(t)
	got := make(chan wire.Envelope, 2)
	a := c.replica("device-a", WithEnvelopeHandler(
		func(_ context.Context, from types.AuthorityID, env wire.Envelope) error {
			if from != env.From {
				return fmt.Errorf("transport from %s, frame from %s", from, env.From)
			}
			got <- env
			return nil
		}))
	b := c.replica("device-b")
	a.bootstrap(b.dev)

	stop := a.serve()
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env := wire.Envelope{
		Version:    wire.EnvelopeVersion,
		CeremonyID: types.CeremonyID(c.suite.Hash([]byte("round-1"))),
		From:       b.dev.id,
		Phase:      wire.PhaseProposal,
		Payload:    []byte("offer"),
	}
	require.NoError(t, b.syncer.SendEnvelope(ctx, a.dev.id, env))
	select {
	case rcvd := <-got:
		assert.Equal(t, env, rcvd)
	case <-ctx.Done():
		t.Fatal("ceremony frame never reached the handler")
	}

	env.Phase = wire.PhaseAbort
	require.NoError(t, b.syncer.BroadcastEnvelope(ctx, c.group, env))
	select {
	case rcvd := <-got:
		assert.Equal(t, wire.PhaseAbort, rcvd.Phase)
	case <-ctx.Done():
		t.Fatal("broadcast frame never reached the handler")
	}
}

func TestCeremonyFrameWithoutHandlerFails(t *testing.T) {
	c := newCluster(t)
	a := c.replica("device-a")
	b := c.device("device-b")

	env := wire.Envelope{
		Version:    wire.EnvelopeVersion,
		CeremonyID: types.CeremonyID(c.suite.Hash([]byte("round-1"))),
		From:       b.id,
		Phase:      wire.PhaseProposal,
	}
	err := a.syncer.handle(context.Background(), b.id, KindCeremony, env.Encode())
	assert.ErrorIs(t, err, ErrNoCeremonyHandler)
}

func TestSyncReportsPeerDigests(t *testing.T) {
	c := newCluster(t)
	seenByB := make(chan types.AuthorityID, 1)
	seenByA := make(chan types.AuthorityID, 1)
	a := c.replica("device-a", WithDigestObserver(
		func(peer types.AuthorityID, remote *journal.StateDigest) {
			select {
			case seenByA <- peer:
			default:
			}
		}))
	b := c.replica("device-b", WithDigestObserver(
		func(peer types.AuthorityID, remote *journal.StateDigest) {
			select {
			case seenByB <- peer:
			default:
			}
		}))
	a.bootstrap(b.dev)

	stop := a.serve()
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := b.syncer.SyncWith(ctx, a.dev.id)
	require.NoError(t, err)

	// The requester saw the responder's digest and the responder saw the
	// requester's.
	assert.Equal(t, a.dev.id, <-seenByB)
	select {
	case peer := <-seenByA:
		assert.Equal(t, b.dev.id, peer)
	case <-ctx.Done():
		t.Fatal("responder never observed the requester digest")
	}
}
