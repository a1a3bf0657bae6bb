package threshold

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-dev/aura/pkg/crypto"
	"github.com/aura-dev/aura/pkg/effects/effectstest"
	"github.com/aura-dev/aura/pkg/types"
)

type fixture struct {
	t        *testing.T
	suite    *crypto.Suite
	groupPub []byte
	signers  []*Signer
	byID     map[types.AuthorityID]*Signer
}

func newFixture(t *testing.T, k, n int) *fixture {
	t.Helper()
	suite := crypto.NewSuite(effectstest.NewSeededRandom(0xF057))
	groupPub, shares, err := suite.ThresholdKeygen(k, n)
	require.NoError(t, err)

	f := &fixture{t: t, suite: suite, groupPub: groupPub, byID: make(map[types.AuthorityID]*Signer)}
	for idx, share := range shares {
		id := types.AuthorityID(suite.Hash([]byte{byte(idx)}))
		s := NewSigner(id, idx, share, suite)
		f.signers = append(f.signers, s)
		f.byID[id] = s
	}
	return f
}

func (f *fixture) participants() map[types.AuthorityID]uint8 {
	out := make(map[types.AuthorityID]uint8, len(f.signers))
	for _, s := range f.signers {
		out[s.Authority()] = s.Index()
	}
	return out
}

func (f *fixture) session(k int, ctx Context, op []byte) *Session {
	f.t.Helper()
	s, err := NewSession(Config{
		ID:           types.SessionID(f.suite.Hash([]byte("session"))),
		Context:      ctx,
		OpBytes:      op,
		K:            k,
		GroupPub:     f.groupPub,
		Participants: f.participants(),
		Crypto:       f.suite,
	})
	require.NoError(f.t, err)
	return s
}

func testContext(epoch types.Epoch) Context {
	return Context{
		NodeID:     types.Hash32{1, 2, 3},
		Epoch:      epoch,
		PolicyHash: types.Hash32{9},
	}
}

// run drives signers[0:k] through a full session.
func (f *fixture) run(sess *Session, k int) ([]byte, error) {
	f.t.Helper()
	for _, s := range f.signers[:k] {
		c, err := s.Commit()
		require.NoError(f.t, err)
		require.NoError(f.t, sess.AddCommitment(s.Authority(), c))
	}
	pkg, err := sess.FreezePackage()
	if err != nil {
		return nil, err
	}
	for _, s := range f.signers[:k] {
		p, err := s.Sign(f.groupPub, pkg)
		require.NoError(f.t, err)
		require.NoError(f.t, sess.AddPartial(s.Authority(), p))
	}
	return sess.Aggregate()
}

func TestFullSigningRound(t *testing.T) {
	f := newFixture(t, 2, 3)
	sess := f.session(2, testContext(5), []byte("add-device-d"))

	sig, err := f.run(sess, 2)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, sess.State())
	assert.True(t, f.suite.VerifyAggregate(f.groupPub, sess.Msg(), sig))

	got, ok := sess.Signature()
	assert.True(t, ok)
	assert.Equal(t, sig, got)
	assert.Len(t, sess.Signers(), 2)
}

func TestAggregateWithMoreCommittersThanThreshold(t *testing.T) {
	f := newFixture(t, 2, 3)
	sess := f.session(2, testContext(4), []byte("rotate-key"))

	for _, s := range f.signers {
		c, err := s.Commit()
		require.NoError(t, err)
		require.NoError(t, sess.AddCommitment(s.Authority(), c))
	}
	require.Equal(t, 3, sess.CommitCount())

	// The package carries exactly k commitments, lowest share index first.
	pkg, err := sess.FreezePackage()
	require.NoError(t, err)
	require.Len(t, pkg.Commitments, 2)

	var selected, left []*Signer
	for _, s := range f.signers {
		if _, ok := pkg.Commitments[s.Index()]; ok {
			selected = append(selected, s)
		} else {
			left = append(left, s)
		}
	}
	require.Len(t, left, 1)
	for idx := range pkg.Commitments {
		assert.Less(t, idx, left[0].Index())
	}

	for _, s := range selected {
		p, err := s.Sign(f.groupPub, pkg)
		require.NoError(t, err)
		require.NoError(t, sess.AddPartial(s.Authority(), p))
	}
	sig, err := sess.Aggregate()
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, sess.State())
	assert.True(t, f.suite.VerifyAggregate(f.groupPub, sess.Msg(), sig))
	assert.Len(t, sess.Signers(), 2)
}

func TestUnselectedCommitterCannotContribute(t *testing.T) {
	f := newFixture(t, 2, 3)
	sess := f.session(2, testContext(4), []byte("op"))

	for _, s := range f.signers {
		c, err := s.Commit()
		require.NoError(t, err)
		require.NoError(t, sess.AddCommitment(s.Authority(), c))
	}
	pkg, err := sess.FreezePackage()
	require.NoError(t, err)

	var left *Signer
	for _, s := range f.signers {
		if _, ok := pkg.Commitments[s.Index()]; !ok {
			left = s
		}
	}
	require.NotNil(t, left)

	// Its own index is absent from the published map, so the share math
	// refuses, and a fabricated partial is refused by the session.
	_, err = left.Sign(f.groupPub, pkg)
	assert.Error(t, err)
	err = sess.AddPartial(left.Authority(), make([]byte, partialSize))
	assert.ErrorIs(t, err, ErrUncommittedSigner)
}

func TestBindingSeparatesContexts(t *testing.T) {
	op := []byte("op-bytes-x")
	base := testContext(5)

	epoch6 := base
	epoch6.Epoch = 6
	otherNode := base
	otherNode.NodeID = types.Hash32{0xFF}
	otherPolicy := base
	otherPolicy.PolicyHash = types.Hash32{0xAA}

	msg := BindingMessage(base, op)
	assert.NotEqual(t, msg, BindingMessage(epoch6, op))
	assert.NotEqual(t, msg, BindingMessage(otherNode, op))
	assert.NotEqual(t, msg, BindingMessage(otherPolicy, op))
	assert.NotEqual(t, msg, BindingMessage(base, []byte("op-bytes-y")))
	assert.Equal(t, msg, BindingMessage(base, op))
}

func TestReplayAcrossEpochsFails(t *testing.T) {
	f := newFixture(t, 2, 3)
	sess := f.session(2, testContext(5), []byte("op-x"))
	sig, err := f.run(sess, 2)
	require.NoError(t, err)

	// The captured signature does not verify under the next epoch's message.
	replayMsg := BindingMessage(testContext(6), []byte("op-x"))
	assert.False(t, f.suite.VerifyAggregate(f.groupPub, replayMsg, sig))
}

func TestPartialRequiresCommitment(t *testing.T) {
	f := newFixture(t, 2, 3)
	sess := f.session(2, testContext(1), []byte("op"))

	for _, s := range f.signers[:2] {
		c, err := s.Commit()
		require.NoError(t, err)
		require.NoError(t, sess.AddCommitment(s.Authority(), c))
	}
	pkg, err := sess.FreezePackage()
	require.NoError(t, err)

	// The third signer never committed: signing against the package fails at
	// the crypto layer, and a fabricated partial is refused by the session.
	outsider := f.signers[2]
	_, err = outsider.Commit()
	require.NoError(t, err)
	_, err = outsider.Sign(f.groupPub, pkg)
	assert.Error(t, err)

	forged := make([]byte, partialSize)
	err = sess.AddPartial(outsider.Authority(), forged)
	assert.ErrorIs(t, err, ErrUncommittedSigner)
}

func TestInsufficientCommits(t *testing.T) {
	f := newFixture(t, 3, 5)
	sess := f.session(3, testContext(1), []byte("op"))

	c, err := f.signers[0].Commit()
	require.NoError(t, err)
	require.NoError(t, sess.AddCommitment(f.signers[0].Authority(), c))

	_, err = sess.FreezePackage()
	var ic *InsufficientCommitsError
	require.ErrorAs(t, err, &ic)
	assert.Equal(t, 1, ic.Got)
	assert.Equal(t, 3, ic.Need)
	assert.Equal(t, StateCollectingCommits, sess.State())
}

func TestNonceIsOneShot(t *testing.T) {
	f := newFixture(t, 2, 3)
	sess := f.session(2, testContext(1), []byte("op"))

	for _, s := range f.signers[:2] {
		c, err := s.Commit()
		require.NoError(t, err)
		require.NoError(t, sess.AddCommitment(s.Authority(), c))
	}
	pkg, err := sess.FreezePackage()
	require.NoError(t, err)

	s0 := f.signers[0]
	_, err = s0.Sign(f.groupPub, pkg)
	require.NoError(t, err)
	_, err = s0.Sign(f.groupPub, pkg)
	assert.ErrorIs(t, err, ErrNonceConsumed)
}

func TestSignBeforeCommit(t *testing.T) {
	f := newFixture(t, 2, 3)
	pkg := &SigningPackage{Msg: []byte("msg"), Commitments: map[uint8][]byte{}}
	_, err := f.signers[0].Sign(f.groupPub, pkg)
	assert.ErrorIs(t, err, ErrNoCommitment)
}

func TestMalformedPartialNamesSigner(t *testing.T) {
	f := newFixture(t, 2, 3)
	sess := f.session(2, testContext(1), []byte("op"))

	for _, s := range f.signers[:2] {
		c, err := s.Commit()
		require.NoError(t, err)
		require.NoError(t, sess.AddCommitment(s.Authority(), c))
	}
	_, err := sess.FreezePackage()
	require.NoError(t, err)

	bad := f.signers[0]
	err = sess.AddPartial(bad.Authority(), []byte("short"))
	var ms *MalformedShareError
	require.ErrorAs(t, err, &ms)
	assert.Equal(t, bad.Authority(), ms.Signer)
}

func TestTerminalStatesStayTerminal(t *testing.T) {
	f := newFixture(t, 2, 3)
	sess := f.session(2, testContext(1), []byte("op"))
	_, err := f.run(sess, 2)
	require.NoError(t, err)

	c, err := f.signers[2].Commit()
	require.NoError(t, err)
	assert.ErrorIs(t, sess.AddCommitment(f.signers[2].Authority(), c), ErrSessionTerminal)
	_, err = sess.Aggregate()
	assert.ErrorIs(t, err, ErrSessionTerminal)
	assert.ErrorIs(t, sess.Fail(ErrSessionTimeout), ErrSessionTerminal)
}

func TestDualTimeouts(t *testing.T) {
	f := newFixture(t, 2, 3)

	wall, err := NewSession(Config{
		ID: types.SessionID{1}, Context: testContext(1), OpBytes: []byte("op"),
		K: 2, GroupPub: f.groupPub, Participants: f.participants(),
		ExpiresAtMs: 1000, Crypto: f.suite,
	})
	require.NoError(t, err)
	assert.False(t, wall.CheckTimeout(999, 1))
	assert.True(t, wall.CheckTimeout(1000, 1))
	assert.Equal(t, StateFailed, wall.State())
	assert.ErrorIs(t, wall.Failure(), ErrSessionTimeout)

	epochBased, err := NewSession(Config{
		ID: types.SessionID{2}, Context: testContext(1), OpBytes: []byte("op"),
		K: 2, GroupPub: f.groupPub, Participants: f.participants(),
		ExpiresAtEpoch: 3, Crypto: f.suite,
	})
	require.NoError(t, err)
	assert.False(t, epochBased.CheckTimeout(0, 2))
	assert.True(t, epochBased.CheckTimeout(0, 3))
	assert.ErrorIs(t, epochBased.Failure(), ErrSessionTimeout)
}

func TestSessionRequiresEnoughParticipants(t *testing.T) {
	f := newFixture(t, 2, 3)
	_, err := NewSession(Config{
		ID: types.SessionID{3}, Context: testContext(1), OpBytes: []byte("op"),
		K: 5, GroupPub: f.groupPub, Participants: f.participants(), Crypto: f.suite,
	})
	var ic *InsufficientCommitsError
	assert.ErrorAs(t, err, &ic)
}
