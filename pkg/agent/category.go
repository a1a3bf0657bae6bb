package agent

import (
	"context"
	"fmt"

	"github.com/aura-dev/aura/pkg/ceremony"
	"github.com/aura-dev/aura/pkg/journal"
	"github.com/aura-dev/aura/pkg/types"
)

// RecordOptimistic appends a Category A payload and tracks its propagation
// across the active set. The effect applies locally at once; agreement
// upgrades as peer digests observed during sync cover the event's nonce.
// The returned op id is the appended event's hash.
func (r *Runtime) RecordOptimistic(ctx context.Context, p journal.Payload) (string, error) {
	nonce := r.journal.NextNonce(r.device)
	if err := r.Record(ctx, p); err != nil {
		return "", err
	}
	head, ok := r.journal.Head(r.device)
	if !ok {
		return "", fmt.Errorf("agent: no head after append")
	}
	opID := head.String()
	peers := make([]types.AuthorityID, 0)
	for _, a := range r.set.Active() {
		if a.ID != r.device {
			peers = append(peers, a.ID)
		}
	}
	r.tracker.Track(opID, r.device, peers)
	r.mu.Lock()
	r.optimistic[opID] = nonce
	r.mu.Unlock()
	return opID, nil
}

// OptimisticStatus reports how far a Category A operation has spread.
func (r *Runtime) OptimisticStatus(opID string) (ceremony.OptimisticStatus, bool) {
	return r.tracker.Status(opID)
}

// DigestObserved feeds one peer digest into optimistic tracking: every
// tracked op whose nonce the peer's high-water covers counts as acknowledged
// by that peer. The syncer calls this on both sides of a round.
func (r *Runtime) DigestObserved(peer types.AuthorityID, remote *journal.StateDigest) {
	covered := remote.HighWater[r.device]
	r.mu.Lock()
	pending := make([]string, 0, len(r.optimistic))
	for opID, nonce := range r.optimistic {
		if covered > nonce {
			pending = append(pending, opID)
		}
	}
	r.mu.Unlock()

	for _, opID := range pending {
		r.tracker.Ack(opID, peer)
		if st, ok := r.tracker.Status(opID); ok && st.Propagation == ceremony.PropagationComplete {
			r.mu.Lock()
			delete(r.optimistic, opID)
			r.mu.Unlock()
		}
	}
}

// ProposeApproval opens a Category B deferred-approval proposal over the
// active authority set. It expires after the session timeout like any other
// multi-party operation; Sweep reaps it.
func (r *Runtime) ProposeApproval(operation string, t ceremony.ApprovalThreshold) (*ceremony.Proposal, error) {
	var pid types.ProposalID
	if err := r.fx.Random.Fill(pid[:]); err != nil {
		return nil, err
	}
	eligible := make([]types.AuthorityID, 0)
	for _, a := range r.set.Active() {
		eligible = append(eligible, a.ID)
	}
	expires := r.fx.Time.NowMs() + uint64(r.cfg.DefaultTimeoutSeconds)*1000
	p, err := ceremony.NewProposal(pid, operation, t, eligible, expires)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.proposals[pid] = p
	r.mu.Unlock()
	r.log.Info("proposal opened", "proposal", pid, "operation", operation, "threshold", t.String())
	return p, nil
}

// Proposal looks up a tracked proposal.
func (r *Runtime) Proposal(id types.ProposalID) (*ceremony.Proposal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proposals[id]
	return p, ok
}

// Approve records one authority's approval and returns the resulting state.
func (r *Runtime) Approve(id types.ProposalID, by types.AuthorityID) (ceremony.ProposalState, error) {
	p, ok := r.Proposal(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProposal, id)
	}
	return p.Approve(by)
}

// RejectApproval records one authority's rejection.
func (r *Runtime) RejectApproval(id types.ProposalID, by types.AuthorityID, reason string) (ceremony.ProposalState, error) {
	p, ok := r.Proposal(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProposal, id)
	}
	return p.Reject(by, reason)
}

// sweepProposals expires pending proposals past their deadline and drops the
// settled ones from tracking.
func (r *Runtime) sweepProposals(nowMs uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.proposals {
		if p.CheckExpiry(nowMs) {
			r.log.Info("proposal expired", "proposal", id, "operation", p.Operation())
		}
		switch p.State() {
		case ceremony.ProposalPending:
		default:
			delete(r.proposals, id)
		}
	}
}
