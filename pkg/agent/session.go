// Package agent is the per-device orchestrator: it owns sessions, retry
// policy, dual wall-clock and epoch timeouts, rendezvous binding, and the
// cleanup sweeper. Retries happen here and nowhere below.
package agent

import (
	"errors"

	"github.com/aura-dev/aura/pkg/ceremony"
	"github.com/aura-dev/aura/pkg/types"
)

var (
	ErrTooManyParticipants  = errors.New("agent: participant count exceeds cap")
	ErrDuplicateParticipant = errors.New("agent: duplicate participant")
	ErrNotParticipant       = errors.New("agent: local device is not a participant")
	ErrInactiveParticipant  = errors.New("agent: participant not active")
	ErrNoReachablePeers     = errors.New("agent: reachable participants below threshold")
	ErrSessionNotFound      = errors.New("agent: no such session")
	ErrRetriesExhausted     = errors.New("agent: retries exhausted")
	ErrNoDKDRoot            = errors.New("agent: no derivation root pinned")
	ErrNoThresholdKey       = errors.New("agent: no threshold key installed")
	ErrNoTransport          = errors.New("agent: no ceremony transport configured")
	ErrUnknownProposal      = errors.New("agent: no such proposal")
)

// Role is the local device's part in a session.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleParticipant Role = "participant"
)

// Deadline bounds an operation in both wall-clock time and epochs;
// whichever fires first wins. Epoch deadlines let tests run without real
// time.
type Deadline struct {
	WallMs uint64
	Epoch  types.Epoch
}

// Expired reports whether either bound has passed.
func (d Deadline) Expired(nowMs uint64, epoch types.Epoch) bool {
	if d.WallMs != 0 && nowMs >= d.WallMs {
		return true
	}
	if d.Epoch != 0 && epoch >= d.Epoch {
		return true
	}
	return false
}

// Session is the light per-operation wrapper the runtime tracks. The heavy
// state lives in the ceremony engine and the journal; the session only
// carries identity, membership, and its deadline.
type Session struct {
	ID           types.SessionID
	Ceremony     types.CeremonyID
	Kind         ceremony.Kind
	Account      types.AccountID
	Device       types.AuthorityID
	Epoch        types.Epoch
	StartedAtMs  uint64
	Participants []types.AuthorityID
	Threshold    int
	Role         Role
	Deadline     Deadline
}
