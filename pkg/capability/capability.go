// Package capability implements the permission lattice carried by every
// authority. Delegation only ever narrows permission: the lattice meet is
// set intersection, so a delegate can never hold a bit its delegator lacks.
package capability

import (
	"sort"
	"strings"
)

// Cap is a set of permission bits. The zero value is the bottom of the
// lattice (no permission).
type Cap uint64

const (
	// CapMessage allows authoring Category A events (posts, reactions, profile).
	CapMessage Cap = 1 << iota
	// CapDerive allows participating in deterministic key derivation.
	CapDerive
	// CapSign allows contributing partial signatures to threshold sessions.
	CapSign
	// CapProposeMembership allows proposing authority-set changes.
	CapProposeMembership
	// CapApproveMembership allows approving authority-set changes.
	CapApproveMembership
	// CapRecover allows participating in recovery ceremonies.
	CapRecover
	// CapRotate allows participating in guardian rotation.
	CapRotate
	// CapCompact allows signing compaction checkpoints.
	CapCompact

	capSentinel
)

// Top is the top of the lattice: every defined permission bit set.
const Top = Cap(capSentinel - 1)

// Bottom is the empty capability.
const Bottom = Cap(0)

var capNames = map[Cap]string{
	CapMessage:           "message",
	CapDerive:            "derive",
	CapSign:              "sign",
	CapProposeMembership: "propose-membership",
	CapApproveMembership: "approve-membership",
	CapRecover:           "recover",
	CapRotate:            "rotate",
	CapCompact:           "compact",
}

// Meet returns the greatest lower bound of a and b: the permissions both
// hold. Meet is commutative, associative, and idempotent.
func (c Cap) Meet(other Cap) Cap { return c & other }

// Join returns the least upper bound. Only ceremony commits may widen a
// capability; ordinary delegation uses Meet.
func (c Cap) Join(other Cap) Cap { return c | other }

// Implies reports whether c grants at least everything other grants.
func (c Cap) Implies(other Cap) bool { return c&other == other }

// Allows reports whether c covers the permissions a scope requires.
func (c Cap) Allows(scope Scope) bool { return c.Implies(scope.required) }

// Has reports whether a single bit is present.
func (c Cap) Has(bit Cap) bool { return c&bit == bit }

func (c Cap) String() string {
	if c == Bottom {
		return "none"
	}
	if c == Top {
		return "all"
	}
	var names []string
	for bit, name := range capNames {
		if c.Has(bit) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, "+")
}

// Scope names an operation class together with the capability it requires.
type Scope struct {
	Name     string
	required Cap
}

// Operation scopes checked by the ceremony engine.
var (
	ScopeMessage          = Scope{Name: "message", required: CapMessage}
	ScopeDerivation       = Scope{Name: "derivation", required: CapDerive | CapSign}
	ScopeMembershipChange = Scope{Name: "membership-change", required: CapProposeMembership | CapSign}
	ScopeApproval         = Scope{Name: "approval", required: CapApproveMembership}
	ScopeRecovery         = Scope{Name: "recovery", required: CapRecover}
	ScopeRotation         = Scope{Name: "rotation", required: CapRotate | CapSign}
	ScopeCompaction       = Scope{Name: "compaction", required: CapCompact | CapSign}
	ScopeCeremony         = Scope{Name: "ceremony", required: CapSign}
)

// Required exposes the capability a scope demands.
func (s Scope) Required() Cap { return s.required }
