package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-dev/aura/pkg/config"
	"github.com/aura-dev/aura/pkg/effects"
	"github.com/aura-dev/aura/pkg/effects/effectstest"
	"github.com/aura-dev/aura/pkg/types"
)

func aid(b byte) types.AuthorityID {
	var id types.AuthorityID
	id[0] = b
	return id
}

func gid(b byte) types.ContextID {
	var id types.ContextID
	id[0] = b
	return id
}

func TestFrameRoundTrip(t *testing.T) {
	env := effects.Envelope{
		From:    aid(7),
		Payload: []byte("ceremony proposal bytes"),
		Leakage: effects.LeakageBudget{ExternalBits: 0, NeighborBits: 32, IngroupBits: 256},
	}

	got, err := decodeFrame(encodeFrame(env))
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestFrameRoundTripEmptyPayload(t *testing.T) {
	env := effects.Envelope{From: aid(1)}

	got, err := decodeFrame(encodeFrame(env))
	require.NoError(t, err)
	assert.Equal(t, env.From, got.From)
	assert.Empty(t, got.Payload)
}

func TestFrameRejectsTruncated(t *testing.T) {
	data := encodeFrame(effects.Envelope{From: aid(7), Payload: []byte("payload")})

	for _, n := range []int{0, 5, types.IDSize, len(data) - 1} {
		_, err := decodeFrame(data[:n])
		assert.Error(t, err, "prefix of %d bytes", n)
	}
}

func TestFrameRejectsTrailingBytes(t *testing.T) {
	data := encodeFrame(effects.Envelope{From: aid(7)})
	_, err := decodeFrame(append(data, 0xFF))
	assert.Error(t, err)
}

func TestHeartbeatRoundTrip(t *testing.T) {
	data := encodeHeartbeat(aid(9), 123456)
	from, ts, err := decodeHeartbeat(data)
	require.NoError(t, err)
	assert.Equal(t, aid(9), from)
	assert.Equal(t, uint64(123456), ts)

	_, _, err = decodeHeartbeat(data[:10])
	assert.Error(t, err)
}

func TestSubjectsAreScopedByAccount(t *testing.T) {
	var acctA, acctB types.AccountID
	acctA[0] = 1
	acctB[0] = 2

	assert.NotEqual(t, authoritySubject(acctA, aid(1)), authoritySubject(acctB, aid(1)))
	assert.NotEqual(t, groupSubject(acctA, gid(1)), groupSubject(acctA, gid(2)))
	assert.NotEqual(t, authoritySubject(acctA, aid(1)), groupSubject(acctA, gid(1)))
	assert.NotEqual(t, groupSubject(acctA, gid(1)), presenceSubject(acctA, gid(1)))
}

func newTestPresence(clock *effectstest.ManualClock) *Presence {
	var acct types.AccountID
	acct[0] = 0xAC
	cfg := config.DefaultNodeConfig().Rendezvous
	return NewPresence(nil, acct, aid(1), clock, cfg)
}

func TestPresenceDiscoverySortsAndScopes(t *testing.T) {
	clock := effectstest.NewManualClock(1_000_000)
	p := newTestPresence(clock)
	group := gid(1)

	p.observe(group, aid(3))
	p.observe(group, aid(2))
	p.observe(gid(2), aid(9))

	peers, err := p.DiscoverPeers(context.Background(), group)
	require.NoError(t, err)
	assert.Equal(t, []types.AuthorityID{aid(2), aid(3)}, peers)

	peers, err = p.DiscoverPeers(context.Background(), gid(3))
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestPresenceExpiresStalePeers(t *testing.T) {
	clock := effectstest.NewManualClock(1_000_000)
	p := newTestPresence(clock)
	group := gid(1)

	p.observe(group, aid(2))
	clock.Advance(30_000)
	p.observe(group, aid(3))

	// aid(2) is now 61s stale against the 60s TTL; aid(3) is 31s fresh.
	clock.Advance(31_000)
	peers, err := p.DiscoverPeers(context.Background(), group)
	require.NoError(t, err)
	assert.Equal(t, []types.AuthorityID{aid(3)}, peers)

	// A fresh heartbeat resurrects an expired peer.
	p.observe(group, aid(2))
	peers, err = p.DiscoverPeers(context.Background(), group)
	require.NoError(t, err)
	assert.Equal(t, []types.AuthorityID{aid(2), aid(3)}, peers)
}

func TestPresenceCapsPeerCount(t *testing.T) {
	clock := effectstest.NewManualClock(1_000_000)
	p := newTestPresence(clock)
	p.cfg.MaxPeers = 2
	group := gid(1)

	for b := byte(2); b <= 6; b++ {
		p.observe(group, aid(b))
	}

	peers, err := p.DiscoverPeers(context.Background(), group)
	require.NoError(t, err)
	assert.Equal(t, []types.AuthorityID{aid(2), aid(3)}, peers)
}

func TestPresenceHonorsContext(t *testing.T) {
	p := newTestPresence(effectstest.NewManualClock(0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.DiscoverPeers(ctx, gid(1))
	assert.ErrorIs(t, err, context.Canceled)
}
