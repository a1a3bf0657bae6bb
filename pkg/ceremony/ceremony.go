package ceremony

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aura-dev/aura/pkg/types"
)

// Phase is the lifecycle of a Category C ceremony. Transitions are total
// functions that accept only the phases they are legal from.
type Phase string

const (
	PhasePreparing    Phase = "preparing"
	PhasePendingEpoch Phase = "pending-epoch"
	PhaseCommitting   Phase = "committing"
	PhaseCommitted    Phase = "committed"
	PhaseAborted      Phase = "aborted"
	PhaseSuperseded   Phase = "superseded"
)

// Response is one participant's answer. Timeout is implicit after the
// per-response deadline.
type Response string

const (
	ResponseAccept  Response = "accept"
	ResponseReject  Response = "reject"
	ResponseTimeout Response = "timeout"
)

var (
	ErrPhaseViolation   = errors.New("ceremony: transition illegal from this phase")
	ErrNotParticipant   = errors.New("ceremony: responder is not a participant")
	ErrAlreadyResponded = errors.New("ceremony: participant already responded")
	ErrQuorumImpossible = errors.New("ceremony: quorum can no longer be reached")
	ErrQuorumNotReached = errors.New("ceremony: quorum not reached")
	ErrBadSignerSet     = errors.New("ceremony: signer set not a valid participant subset")
	ErrPrestateStale    = errors.New("ceremony: prestate hash no longer matches")
)

// Outcome captures the terminal details of a ceremony.
type Outcome struct {
	ConsensusID string
	CommittedTs uint64
	AbortReason string
	SupersededBy types.CeremonyID
	SupersededReason SupersessionReason
}

// Ceremony is one Category C operation's live state. All mutation goes
// through phase transition methods; illegal transitions return
// ErrPhaseViolation rather than corrupting state.
type Ceremony struct {
	mu sync.Mutex

	id           types.CeremonyID
	kind         Kind
	scope        string
	k            int
	participants map[types.AuthorityID]bool
	prestate     types.Hash32

	phase        Phase
	pendingEpoch types.Epoch
	responses    map[types.AuthorityID]Response
	rejections   map[types.AuthorityID]string
	outcome      Outcome
}

// NewCeremony starts a ceremony in Preparing.
func NewCeremony(id types.CeremonyID, kind Kind, scope string, k int, participants []types.AuthorityID, prestate types.Hash32) (*Ceremony, error) {
	if k < 1 || len(participants) < k {
		return nil, fmt.Errorf("%w: k=%d over %d participants", ErrQuorumImpossible, k, len(participants))
	}
	set := make(map[types.AuthorityID]bool, len(participants))
	for _, p := range participants {
		if set[p] {
			return nil, fmt.Errorf("ceremony: duplicate participant %s", p)
		}
		set[p] = true
	}
	return &Ceremony{
		id:           id,
		kind:         kind,
		scope:        scope,
		k:            k,
		participants: set,
		prestate:     prestate,
		phase:        PhasePreparing,
		responses:    make(map[types.AuthorityID]Response),
		rejections:   make(map[types.AuthorityID]string),
	}, nil
}

func (c *Ceremony) ID() types.CeremonyID   { return c.id }
func (c *Ceremony) Kind() Kind             { return c.kind }
func (c *Ceremony) Scope() string          { return c.scope }
func (c *Ceremony) Threshold() int         { return c.k }
func (c *Ceremony) Prestate() types.Hash32 { return c.prestate }

func (c *Ceremony) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Terminal reports whether the ceremony reached a final phase.
func (c *Ceremony) Terminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminalLocked()
}

func (c *Ceremony) terminalLocked() bool {
	switch c.phase {
	case PhaseCommitted, PhaseAborted, PhaseSuperseded:
		return true
	}
	return false
}

// Outcome returns terminal details; meaningful only once Terminal.
func (c *Ceremony) Outcome() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome
}

// Participants lists the expected responders in id order.
func (c *Ceremony) Participants() []types.AuthorityID {
	out := make([]types.AuthorityID, 0, len(c.participants))
	for p := range c.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// PendingEpoch returns the epoch the ceremony will advance the account to.
func (c *Ceremony) PendingEpoch() types.Epoch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingEpoch
}

// Announce moves Preparing -> PendingEpoch, fixing the epoch the commit
// will advance to.
func (c *Ceremony) Announce(pendingEpoch types.Epoch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhasePreparing {
		return fmt.Errorf("%w: announce from %s", ErrPhaseViolation, c.phase)
	}
	c.phase = PhasePendingEpoch
	c.pendingEpoch = pendingEpoch
	return nil
}

// Respond records one participant's answer during PendingEpoch. The first
// answer wins; only a Timeout may overwrite a missing answer.
func (c *Ceremony) Respond(from types.AuthorityID, r Response, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminalLocked() {
		return fmt.Errorf("%w: respond in %s", ErrPhaseViolation, c.phase)
	}
	if c.phase != PhasePendingEpoch {
		return fmt.Errorf("%w: respond from %s", ErrPhaseViolation, c.phase)
	}
	if !c.participants[from] {
		return fmt.Errorf("%w: %s", ErrNotParticipant, from)
	}
	if _, dup := c.responses[from]; dup {
		return fmt.Errorf("%w: %s", ErrAlreadyResponded, from)
	}
	c.responses[from] = r
	if r == ResponseReject {
		c.rejections[from] = reason
	}
	return nil
}

// Accepts counts accepting participants.
func (c *Ceremony) Accepts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.countLocked(ResponseAccept)
}

func (c *Ceremony) countLocked(r Response) int {
	n := 0
	for _, got := range c.responses {
		if got == r {
			n++
		}
	}
	return n
}

// QuorumState reports whether the ceremony can commit, must abort, or is
// still waiting.
type QuorumState int

const (
	QuorumPending QuorumState = iota
	QuorumReached
	QuorumLost
)

// Quorum evaluates the response tally: commit when accepts >= k, abort when
// accepts plus unanswered can no longer reach k.
func (c *Ceremony) Quorum() QuorumState {
	c.mu.Lock()
	defer c.mu.Unlock()
	accepts := c.countLocked(ResponseAccept)
	if accepts >= c.k {
		return QuorumReached
	}
	pending := len(c.participants) - len(c.responses)
	if accepts+pending < c.k {
		return QuorumLost
	}
	return QuorumPending
}

// BeginCommit moves PendingEpoch -> Committing once quorum is reached. The
// threshold signature is collected while Committing.
func (c *Ceremony) BeginCommit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhasePendingEpoch {
		return fmt.Errorf("%w: commit from %s", ErrPhaseViolation, c.phase)
	}
	if c.countLocked(ResponseAccept) < c.k {
		return fmt.Errorf("%w: %d of %d", ErrQuorumNotReached, c.countLocked(ResponseAccept), c.k)
	}
	c.phase = PhaseCommitting
	return nil
}

// Commit finalizes the ceremony. The signer set behind the authorizing
// threshold signature must be a participant subset of size >= k.
func (c *Ceremony) Commit(signers []types.AuthorityID, consensusID string, ts uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseCommitting {
		return fmt.Errorf("%w: finalize from %s", ErrPhaseViolation, c.phase)
	}
	seen := make(map[types.AuthorityID]bool, len(signers))
	for _, s := range signers {
		if !c.participants[s] || seen[s] {
			return fmt.Errorf("%w: %s", ErrBadSignerSet, s)
		}
		seen[s] = true
	}
	if len(seen) < c.k {
		return fmt.Errorf("%w: %d of %d", ErrBadSignerSet, len(seen), c.k)
	}
	c.phase = PhaseCommitted
	c.outcome = Outcome{ConsensusID: consensusID, CommittedTs: ts}
	return nil
}

// Abort terminates a live ceremony with a reason.
func (c *Ceremony) Abort(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminalLocked() {
		return fmt.Errorf("%w: abort from %s", ErrPhaseViolation, c.phase)
	}
	c.phase = PhaseAborted
	c.outcome = Outcome{AbortReason: reason}
	return nil
}

// Supersede terminates a live ceremony in favor of another.
func (c *Ceremony) Supersede(by types.CeremonyID, reason SupersessionReason) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminalLocked() {
		return fmt.Errorf("%w: supersede from %s", ErrPhaseViolation, c.phase)
	}
	c.phase = PhaseSuperseded
	c.outcome = Outcome{SupersededBy: by, SupersededReason: reason}
	return nil
}
