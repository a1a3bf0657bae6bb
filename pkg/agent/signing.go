package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aura-dev/aura/pkg/ceremony"
	"github.com/aura-dev/aura/pkg/journal"
	"github.com/aura-dev/aura/pkg/observability"
	"github.com/aura-dev/aura/pkg/threshold"
	"github.com/aura-dev/aura/pkg/types"
	"github.com/aura-dev/aura/pkg/wire"
)

// CeremonyTransport moves ceremony frames between participants. The
// anti-entropy syncer implements it over the stream it already maintains.
type CeremonyTransport interface {
	SendEnvelope(ctx context.Context, to types.AuthorityID, env wire.Envelope) error
	BroadcastEnvelope(ctx context.Context, group types.ContextID, env wire.Envelope) error
}

// UseTransport installs the ceremony transport. The transport is usually
// built after the runtime, so it arrives through a setter rather than an
// option.
func (r *Runtime) UseTransport(t CeremonyTransport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transport = t
}

// InstallThresholdKey loads the dealer-issued group key material: the group
// public key, every participant's share index, and the local share. The
// local device must hold a share.
func (r *Runtime) InstallThresholdKey(groupPub []byte, indices map[types.AuthorityID]uint8, share []byte) error {
	idx, ok := indices[r.device]
	if !ok {
		return fmt.Errorf("%w: %s holds no share", ErrNoThresholdKey, r.device)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groupPub = append([]byte(nil), groupPub...)
	r.indices = make(map[types.AuthorityID]uint8, len(indices))
	for a, i := range indices {
		r.indices[a] = i
	}
	r.signer = threshold.NewSigner(r.device, idx, share, r.fx.Crypto)
	return nil
}

// signingRound is the coordinator's state for one live round: the session it
// belongs to and the threshold session collecting commitments and partials.
// pkg is set once the commitment map freezes.
type signingRound struct {
	session *Session
	sess    *threshold.Session
	pkg     *threshold.SigningPackage
}

// ceremonyOffer is the proposal frame a coordinator broadcasts: everything a
// participant needs to mirror the ceremony and derive the message to sign.
type ceremonyOffer struct {
	Kind         ceremony.Kind
	Scope        string
	K            int
	Epoch        types.Epoch
	PendingEpoch types.Epoch
	Participants []types.AuthorityID
}

// Commit frame subkinds: the coordinator publishes the signing package, the
// participants answer with partials.
const (
	commitPackage uint8 = 0
	commitPartial uint8 = 1
)

// Coordinate drives the signing side of a started session: it takes the
// operation lock when the kind needs it, announces the pending epoch,
// opens the threshold session, and broadcasts the offer. Progress from
// there is message-driven through HandleEnvelope; with an in-process
// transport the whole round can settle before Coordinate returns.
func (r *Runtime) Coordinate(ctx context.Context, s *Session) error {
	ctx, finish := r.obs.TrackOperation(ctx, "ceremony.coordinate",
		observability.CeremonyOperation(s.Ceremony, s.Kind, ceremony.PhasePreparing)...)
	err := r.coordinate(ctx, s)
	finish(err)
	return err
}

func (r *Runtime) coordinate(ctx context.Context, s *Session) error {
	r.mu.Lock()
	transport, signer, groupPub := r.transport, r.signer, r.groupPub
	r.mu.Unlock()
	if transport == nil {
		return ErrNoTransport
	}
	if signer == nil {
		return ErrNoThresholdKey
	}
	parts := make(map[types.AuthorityID]uint8, len(s.Participants))
	for _, p := range s.Participants {
		idx, ok := r.indices[p]
		if !ok {
			return fmt.Errorf("%w: %s holds no share", ErrNoThresholdKey, p)
		}
		parts[p] = idx
	}
	c, ok := r.engine.Get(s.Ceremony)
	if !ok {
		return fmt.Errorf("%w: %s", ceremony.ErrUnknownCeremony, s.Ceremony)
	}

	if s.Kind.ModifiesAuthoritySet() {
		claim := ceremony.Claim{
			By:            r.device,
			SessionID:     s.Ceremony.String(),
			Kind:          s.Kind,
			EpochObserved: s.Epoch,
		}
		if _, err := r.engine.AcquireLock(ctx, []ceremony.Claim{claim}); err != nil {
			return err
		}
	}

	pending := s.Epoch + 1
	if err := r.engine.Announce(ctx, s.Ceremony, pending); err != nil {
		return err
	}
	adv := &journal.EpochAdvanced{NewEpoch: pending, CeremonyID: s.Ceremony}
	sess, err := threshold.NewSession(threshold.Config{
		ID: s.ID,
		Context: threshold.Context{
			NodeID:     types.Hash32(r.account),
			Epoch:      s.Epoch,
			PolicyHash: r.fx.Crypto.Hash(groupPub),
		},
		OpBytes:        journal.PayloadBytes(adv),
		K:              s.Threshold,
		GroupPub:       groupPub,
		Participants:   parts,
		ExpiresAtMs:    s.Deadline.WallMs,
		ExpiresAtEpoch: s.Deadline.Epoch,
		Crypto:         r.fx.Crypto,
	})
	if err != nil {
		return err
	}
	round := &signingRound{session: s, sess: sess}
	r.mu.Lock()
	r.rounds[s.Ceremony] = round
	r.mu.Unlock()

	// The coordinator is its own first responder and committer.
	if err := r.engine.Respond(ctx, s.Ceremony, r.device, ceremony.ResponseAccept, ""); err != nil {
		r.closeRound(s.Ceremony)
		return err
	}
	commitment, err := signer.Commit()
	if err != nil {
		r.failRound(ctx, round, err.Error())
		return err
	}
	if err := sess.AddCommitment(r.device, commitment); err != nil {
		r.failRound(ctx, round, err.Error())
		return err
	}

	offer := ceremonyOffer{
		Kind:         s.Kind,
		Scope:        c.Scope(),
		K:            s.Threshold,
		Epoch:        s.Epoch,
		PendingEpoch: pending,
		Participants: s.Participants,
	}
	env := r.envelope(s.Ceremony, wire.PhaseProposal, encodeOffer(offer))
	if err := transport.BroadcastEnvelope(ctx, types.ContextID(r.account), env); err != nil {
		r.failRound(ctx, round, err.Error())
		return err
	}
	return nil
}

// HandleEnvelope dispatches one ceremony frame. Frames for a round this
// device coordinates feed response and partial collection; everything else
// is handled as a participant.
func (r *Runtime) HandleEnvelope(ctx context.Context, from types.AuthorityID, env wire.Envelope) error {
	if env.Version != wire.EnvelopeVersion {
		return fmt.Errorf("%w: %d", wire.ErrUnknownVersion, env.Version)
	}
	r.mu.Lock()
	round, live := r.rounds[env.CeremonyID]
	r.mu.Unlock()
	if live {
		switch env.Phase {
		case wire.PhaseResponse:
			return r.handleResponse(ctx, round, from, env)
		case wire.PhaseCommit:
			return r.handlePartial(ctx, round, from, env)
		case wire.PhaseAbort, wire.PhaseSupersede:
			r.closeRound(env.CeremonyID)
			return r.handleRemoteAbort(ctx, env)
		default:
			return nil
		}
	}
	switch env.Phase {
	case wire.PhaseProposal:
		return r.handleOffer(ctx, from, env)
	case wire.PhaseCommit:
		return r.handlePackage(ctx, from, env)
	case wire.PhaseAbort, wire.PhaseSupersede:
		return r.handleRemoteAbort(ctx, env)
	default:
		// Reply for a round that already settled.
		return nil
	}
}

// handleOffer is the participant's side of the proposal phase: mirror the
// ceremony, accept, and return a fresh nonce commitment. Anything that
// disqualifies the offer becomes an explicit rejection so the coordinator's
// tally moves.
func (r *Runtime) handleOffer(ctx context.Context, from types.AuthorityID, env wire.Envelope) error {
	offer, err := decodeOffer(env.Payload)
	if err != nil {
		return err
	}
	reject := func(reason string) error {
		resp := r.envelope(env.CeremonyID, wire.PhaseResponse, encodeResponse(false, reason, nil))
		return r.transport.SendEnvelope(ctx, from, resp)
	}
	r.mu.Lock()
	signer := r.signer
	r.mu.Unlock()
	if signer == nil {
		return reject("no threshold key")
	}
	local := false
	for _, p := range offer.Participants {
		if p == r.device {
			local = true
		}
	}
	if !local {
		return reject("not a participant")
	}
	if offer.Epoch != r.journal.Epoch() {
		return reject(fmt.Sprintf("epoch mismatch: offer %d, local %d", offer.Epoch, r.journal.Epoch()))
	}
	if _, err := r.engine.Propose(ctx, env.CeremonyID, offer.Kind, offer.Scope, offer.K, offer.Participants); err != nil {
		return reject(err.Error())
	}
	if err := r.engine.Announce(ctx, env.CeremonyID, offer.PendingEpoch); err != nil {
		return reject(err.Error())
	}
	if err := r.engine.Respond(ctx, env.CeremonyID, r.device, ceremony.ResponseAccept, ""); err != nil {
		return reject(err.Error())
	}
	commitment, err := signer.Commit()
	if err != nil {
		return reject(err.Error())
	}
	r.mu.Lock()
	r.accepted[env.CeremonyID] = offer
	r.mu.Unlock()
	resp := r.envelope(env.CeremonyID, wire.PhaseResponse, encodeResponse(true, "", commitment))
	return r.transport.SendEnvelope(ctx, from, resp)
}

// handleResponse collects one participant's answer on the coordinator. A
// tally the engine aborts on is broadcast to the others.
func (r *Runtime) handleResponse(ctx context.Context, round *signingRound, from types.AuthorityID, env wire.Envelope) error {
	accept, reason, commitment, err := decodeResponse(env.Payload)
	if err != nil {
		return err
	}
	id := round.session.Ceremony
	if accept {
		if err := r.engine.Respond(ctx, id, from, ceremony.ResponseAccept, ""); err != nil {
			return err
		}
		err := round.sess.AddCommitment(from, commitment)
		if err != nil && !errors.Is(err, threshold.ErrWrongState) {
			return err
		}
	} else {
		err := r.engine.Respond(ctx, id, from, ceremony.ResponseReject, reason)
		if err != nil && !errors.Is(err, ceremony.ErrUnknownCeremony) && !errors.Is(err, ceremony.ErrPhaseViolation) {
			return err
		}
	}
	if c, ok := r.engine.Get(id); !ok || c.Terminal() {
		r.failRound(ctx, round, "quorum lost")
		return nil
	}
	return r.maybeFreeze(ctx, round)
}

// maybeFreeze closes the commitment phase once quorum is reached and enough
// commitments arrived: the package is published and, when this device is
// among the selected committers, its own partial joins immediately.
func (r *Runtime) maybeFreeze(ctx context.Context, round *signingRound) error {
	id := round.session.Ceremony
	c, ok := r.engine.Get(id)
	if !ok || c.Quorum() != ceremony.QuorumReached {
		return nil
	}
	if round.sess.State() != threshold.StateCollectingCommits {
		return nil
	}
	if round.sess.CommitCount() < round.session.Threshold {
		return nil
	}
	pkg, err := round.sess.FreezePackage()
	if err != nil {
		return err
	}
	r.mu.Lock()
	round.pkg = pkg
	idx, selected := uint8(0), false
	if i, ok := r.indices[r.device]; ok {
		idx = i
		_, selected = pkg.Commitments[idx]
	}
	signer, groupPub := r.signer, r.groupPub
	r.mu.Unlock()

	if err := r.engine.BeginCommit(ctx, id); err != nil {
		r.failRound(ctx, round, err.Error())
		return err
	}
	env := r.envelope(id, wire.PhaseCommit, encodePackage(pkg))
	if err := r.transport.BroadcastEnvelope(ctx, types.ContextID(r.account), env); err != nil {
		r.failRound(ctx, round, err.Error())
		return err
	}
	if selected {
		partial, err := signer.Sign(groupPub, pkg)
		if err != nil {
			r.failRound(ctx, round, err.Error())
			return err
		}
		if err := round.sess.AddPartial(r.device, partial); err != nil {
			r.failRound(ctx, round, err.Error())
			return err
		}
	}
	return r.maybeAggregate(ctx, round)
}

// handlePackage is the participant's side of the commit phase: reconstruct
// the bound message from the accepted offer, sign over the published
// commitment map, and return the partial.
func (r *Runtime) handlePackage(ctx context.Context, from types.AuthorityID, env wire.Envelope) error {
	sub, commitments, _, err := decodeCommit(env.Payload)
	if err != nil {
		return err
	}
	if sub != commitPackage {
		// A partial addressed to a coordinator round already closed.
		return nil
	}
	r.mu.Lock()
	offer, ok := r.accepted[env.CeremonyID]
	signer, groupPub := r.signer, r.groupPub
	idx, holds := r.indices[r.device]
	r.mu.Unlock()
	if !ok || signer == nil || !holds {
		return nil
	}
	if _, selected := commitments[idx]; !selected {
		// Committed but not picked for this package; nothing to sign.
		return nil
	}
	adv := &journal.EpochAdvanced{NewEpoch: offer.PendingEpoch, CeremonyID: env.CeremonyID}
	pkg := &threshold.SigningPackage{
		Msg:         journal.ThresholdMessage(r.account, offer.Epoch, r.fx.Crypto.Hash(groupPub), adv),
		Commitments: commitments,
	}
	partial, err := signer.Sign(groupPub, pkg)
	if err != nil {
		return err
	}
	reply := r.envelope(env.CeremonyID, wire.PhaseCommit, encodePartial(partial))
	return r.transport.SendEnvelope(ctx, from, reply)
}

// handlePartial collects one partial on the coordinator and aggregates once
// the frozen map is fully signed.
func (r *Runtime) handlePartial(ctx context.Context, round *signingRound, from types.AuthorityID, env wire.Envelope) error {
	sub, _, partial, err := decodeCommit(env.Payload)
	if err != nil {
		return err
	}
	if sub != commitPartial {
		return nil
	}
	if err := round.sess.AddPartial(from, partial); err != nil {
		if errors.Is(err, threshold.ErrDuplicatePartial) ||
			errors.Is(err, threshold.ErrUncommittedSigner) ||
			errors.Is(err, threshold.ErrSessionTerminal) {
			return nil
		}
		return err
	}
	return r.maybeAggregate(ctx, round)
}

// maybeAggregate finishes the round once every frozen committer signed:
// aggregate, verify, journal the epoch advance under the group signature,
// and release the session.
func (r *Runtime) maybeAggregate(ctx context.Context, round *signingRound) error {
	r.mu.Lock()
	pkg := round.pkg
	r.mu.Unlock()
	if pkg == nil || round.sess.State() != threshold.StateCollectingSigs {
		return nil
	}
	if round.sess.PartialCount() < len(pkg.Commitments) {
		return nil
	}
	sig, err := round.sess.Aggregate()
	if err != nil {
		r.failRound(ctx, round, err.Error())
		return err
	}
	id := round.session.Ceremony
	consensusID := r.fx.Crypto.Hash(sig).String()
	if err := r.engine.Commit(ctx, id, round.sess.Signers(), sig, consensusID); err != nil {
		r.failRound(ctx, round, err.Error())
		return err
	}
	r.closeRound(id)
	_ = r.EndSession(round.session.ID)
	r.log.Info("ceremony signed", "ceremony", id, "kind", round.session.Kind,
		"signers", len(round.sess.Signers()), "consensus", consensusID)
	return nil
}

// handleRemoteAbort mirrors a coordinator's abort or supersession locally.
func (r *Runtime) handleRemoteAbort(ctx context.Context, env wire.Envelope) error {
	r.mu.Lock()
	delete(r.accepted, env.CeremonyID)
	r.mu.Unlock()
	reason := decodeAbort(env.Payload)
	err := r.engine.Abort(ctx, env.CeremonyID, reason)
	if err != nil && !errors.Is(err, ceremony.ErrUnknownCeremony) && !errors.Is(err, ceremony.ErrPhaseViolation) {
		return err
	}
	return nil
}

// failRound terminates a coordinated round: the threshold session fails, the
// ceremony's peers hear an abort, and the session is dropped. The engine side
// was already settled by whoever detected the failure.
func (r *Runtime) failRound(ctx context.Context, round *signingRound, reason string) {
	_ = round.sess.Fail(errors.New(reason))
	id := round.session.Ceremony
	r.closeRound(id)
	_ = r.EndSession(round.session.ID)
	if r.transport != nil {
		env := r.envelope(id, wire.PhaseAbort, encodeAbort(reason))
		if err := r.transport.BroadcastEnvelope(ctx, types.ContextID(r.account), env); err != nil {
			r.log.Warn("abort broadcast failed", "ceremony", id, "err", err)
		}
	}
	r.log.Warn("signing round failed", "ceremony", id, "reason", reason)
}

// closeRound drops both sides' state for a ceremony.
func (r *Runtime) closeRound(id types.CeremonyID) {
	r.mu.Lock()
	delete(r.rounds, id)
	delete(r.accepted, id)
	r.mu.Unlock()
}

func (r *Runtime) envelope(id types.CeremonyID, phase wire.Phase, payload []byte) wire.Envelope {
	return wire.Envelope{
		Version:    wire.EnvelopeVersion,
		CeremonyID: id,
		From:       r.device,
		Phase:      phase,
		Payload:    payload,
	}
}

func encodeOffer(o ceremonyOffer) []byte {
	w := wire.NewWriter()
	w.String(string(o.Kind))
	w.String(o.Scope)
	w.U16(uint16(o.K))
	w.U64(uint64(o.Epoch))
	w.U64(uint64(o.PendingEpoch))
	w.U16(uint16(len(o.Participants)))
	for _, p := range o.Participants {
		w.Raw(p[:])
	}
	return w.Finish()
}

func decodeOffer(data []byte) (ceremonyOffer, error) {
	r := wire.NewReader(data)
	o := ceremonyOffer{
		Kind:  ceremony.Kind(r.String()),
		Scope: r.String(),
		K:     int(r.U16()),
	}
	o.Epoch = types.Epoch(r.U64())
	o.PendingEpoch = types.Epoch(r.U64())
	count := int(r.U16())
	for i := 0; i < count; i++ {
		var a types.AuthorityID
		copy(a[:], r.Raw(types.IDSize))
		o.Participants = append(o.Participants, a)
	}
	if err := r.Close(); err != nil {
		return ceremonyOffer{}, err
	}
	return o, nil
}

func encodeResponse(accept bool, reason string, commitment []byte) []byte {
	w := wire.NewWriter()
	w.Bool(accept)
	w.String(reason)
	w.Bytes(commitment)
	return w.Finish()
}

func decodeResponse(data []byte) (accept bool, reason string, commitment []byte, err error) {
	r := wire.NewReader(data)
	accept = r.Bool()
	reason = r.String()
	commitment = r.Bytes()
	return accept, reason, commitment, r.Close()
}

func encodePackage(pkg *threshold.SigningPackage) []byte {
	w := wire.NewWriter()
	w.U8(commitPackage)
	indices := make([]int, 0, len(pkg.Commitments))
	for idx := range pkg.Commitments {
		indices = append(indices, int(idx))
	}
	sort.Ints(indices)
	w.U16(uint16(len(indices)))
	for _, idx := range indices {
		w.U8(uint8(idx))
		w.Bytes(pkg.Commitments[uint8(idx)])
	}
	return w.Finish()
}

func encodePartial(partial []byte) []byte {
	w := wire.NewWriter()
	w.U8(commitPartial)
	w.Bytes(partial)
	return w.Finish()
}

func decodeCommit(data []byte) (sub uint8, commitments map[uint8][]byte, partial []byte, err error) {
	r := wire.NewReader(data)
	sub = r.U8()
	switch sub {
	case commitPackage:
		count := int(r.U16())
		commitments = make(map[uint8][]byte, count)
		for i := 0; i < count; i++ {
			idx := r.U8()
			commitments[idx] = r.Bytes()
		}
	case commitPartial:
		partial = r.Bytes()
	}
	return sub, commitments, partial, r.Close()
}

func encodeAbort(reason string) []byte {
	w := wire.NewWriter()
	w.String(reason)
	return w.Finish()
}

func decodeAbort(data []byte) string {
	r := wire.NewReader(data)
	reason := r.String()
	if r.Close() != nil {
		return ""
	}
	return reason
}
