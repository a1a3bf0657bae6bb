package ceremony

import (
	"errors"
	"fmt"
	"sync"

	"github.com/aura-dev/aura/pkg/types"
)

// ProposalState is the Category B lifecycle.
type ProposalState string

const (
	ProposalPending    ProposalState = "pending"
	ProposalApproved   ProposalState = "approved"
	ProposalRejected   ProposalState = "rejected"
	ProposalExpired    ProposalState = "expired"
	ProposalSuperseded ProposalState = "superseded"
)

var (
	ErrProposalSettled = errors.New("ceremony: proposal already settled")
	ErrNotApprover     = errors.New("ceremony: not an eligible approver")
	ErrDuplicateVote   = errors.New("ceremony: approver already voted")
)

// ApprovalThreshold decides when a proposal's approvals suffice.
type ApprovalThreshold interface {
	// Met reports whether approvals out of eligible voters satisfy the rule.
	Met(approvals, eligible int) bool
	// Lost reports whether the rule can no longer be satisfied given the
	// votes already cast.
	Lost(approvals, rejections, eligible int) bool
	String() string
}

// AnyApproval passes on the first approval.
type AnyApproval struct{}

func (AnyApproval) Met(approvals, _ int) bool { return approvals >= 1 }
func (AnyApproval) Lost(_, rejections, eligible int) bool {
	return rejections >= eligible
}
func (AnyApproval) String() string { return "any" }

// UnanimousApproval requires every eligible voter.
type UnanimousApproval struct{}

func (UnanimousApproval) Met(approvals, eligible int) bool { return approvals >= eligible }
func (UnanimousApproval) Lost(_, rejections, _ int) bool   { return rejections > 0 }
func (UnanimousApproval) String() string                   { return "unanimous" }

// KOfN requires k approvals out of n eligible voters.
type KOfN struct {
	K int
	N int
}

func (t KOfN) Met(approvals, _ int) bool { return approvals >= t.K }
func (t KOfN) Lost(approvals, rejections, eligible int) bool {
	pending := eligible - approvals - rejections
	return approvals+pending < t.K
}
func (t KOfN) String() string { return fmt.Sprintf("%d-of-%d", t.K, t.N) }

// Percentage requires at least P percent of eligible voters.
type Percentage struct {
	P int // 0..100
}

func (t Percentage) need(eligible int) int {
	// Round up so 50% of 3 needs 2.
	return (eligible*t.P + 99) / 100
}

func (t Percentage) Met(approvals, eligible int) bool { return approvals >= t.need(eligible) }
func (t Percentage) Lost(approvals, rejections, eligible int) bool {
	pending := eligible - approvals - rejections
	return approvals+pending < t.need(eligible)
}
func (t Percentage) String() string { return fmt.Sprintf("%d%%", t.P) }

// Rejection records who rejected a proposal and why.
type Rejection struct {
	By     types.AuthorityID
	Reason string
}

// Proposal is one Category B operation: the effect applies only once the
// approval threshold is met before the deadline.
type Proposal struct {
	mu sync.Mutex

	id        types.ProposalID
	operation string
	threshold ApprovalThreshold
	eligible  map[types.AuthorityID]bool
	expiresAt uint64 // wall-clock ms

	state        ProposalState
	approvals    map[types.AuthorityID]bool
	rejections   map[types.AuthorityID]string
	rejection    *Rejection // first rejection, surfaced in Rejected state
	supersededBy types.ProposalID
}

// NewProposal opens a pending proposal.
func NewProposal(id types.ProposalID, operation string, threshold ApprovalThreshold, eligible []types.AuthorityID, expiresAt uint64) (*Proposal, error) {
	if len(eligible) == 0 {
		return nil, fmt.Errorf("%w: no eligible approvers", ErrNotApprover)
	}
	set := make(map[types.AuthorityID]bool, len(eligible))
	for _, a := range eligible {
		set[a] = true
	}
	return &Proposal{
		id:        id,
		operation: operation,
		threshold: threshold,
		eligible:  set,
		expiresAt: expiresAt,
		state:      ProposalPending,
		approvals:  make(map[types.AuthorityID]bool),
		rejections: make(map[types.AuthorityID]string),
	}, nil
}

func (p *Proposal) ID() types.ProposalID { return p.id }
func (p *Proposal) Operation() string    { return p.operation }

func (p *Proposal) State() ProposalState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Rejection returns the recorded rejection, if the proposal was rejected.
func (p *Proposal) Rejection() (Rejection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rejection == nil {
		return Rejection{}, false
	}
	return *p.rejection, true
}

// Approvals reports votes cast in favor.
func (p *Proposal) Approvals() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.approvals)
}

// Approve casts one approval; settles the proposal when the threshold is
// met.
func (p *Proposal) Approve(by types.AuthorityID) (ProposalState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != ProposalPending {
		return p.state, fmt.Errorf("%w: %s", ErrProposalSettled, p.state)
	}
	if !p.eligible[by] {
		return p.state, fmt.Errorf("%w: %s", ErrNotApprover, by)
	}
	if _, voted := p.rejections[by]; voted || p.approvals[by] {
		return p.state, fmt.Errorf("%w: %s", ErrDuplicateVote, by)
	}
	p.approvals[by] = true
	if p.threshold.Met(len(p.approvals), len(p.eligible)) {
		p.state = ProposalApproved
	}
	return p.state, nil
}

// Reject records one vote against. The proposal settles as Rejected only
// once the threshold can no longer be met; until then the vote is just
// recorded.
func (p *Proposal) Reject(by types.AuthorityID, reason string) (ProposalState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != ProposalPending {
		return p.state, fmt.Errorf("%w: %s", ErrProposalSettled, p.state)
	}
	if !p.eligible[by] {
		return p.state, fmt.Errorf("%w: %s", ErrNotApprover, by)
	}
	if _, voted := p.rejections[by]; voted || p.approvals[by] {
		return p.state, fmt.Errorf("%w: %s", ErrDuplicateVote, by)
	}
	p.rejections[by] = reason
	if p.rejection == nil {
		p.rejection = &Rejection{By: by, Reason: reason}
	}
	if p.threshold.Lost(len(p.approvals), len(p.rejections), len(p.eligible)) {
		p.state = ProposalRejected
	}
	return p.state, nil
}

// CheckExpiry settles a pending proposal as expired once nowMs passes the
// deadline. Returns true if the proposal is (now) expired.
func (p *Proposal) CheckExpiry(nowMs uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == ProposalExpired {
		return true
	}
	if p.state != ProposalPending || p.expiresAt == 0 || nowMs < p.expiresAt {
		return false
	}
	p.state = ProposalExpired
	return true
}

// Supersede settles a pending proposal in favor of a newer one.
func (p *Proposal) Supersede(by types.ProposalID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != ProposalPending {
		return fmt.Errorf("%w: %s", ErrProposalSettled, p.state)
	}
	p.state = ProposalSuperseded
	p.supersededBy = by
	return nil
}

// SupersededBy returns the replacing proposal id, if superseded.
func (p *Proposal) SupersededBy() (types.ProposalID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != ProposalSuperseded {
		return types.ProposalID{}, false
	}
	return p.supersededBy, true
}
