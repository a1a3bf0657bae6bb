// Package ceremony classifies every multi-party operation and enforces its
// lifecycle: Category A applies optimistically, Category B waits for
// approvals, Category C blocks on a multi-party commit bound to a prestate.
package ceremony

// Kind names a Category C operation.
type Kind string

const (
	KindDKD                Kind = "dkd"
	KindResharing          Kind = "resharing"
	KindRecovery           Kind = "recovery"
	KindMembershipChange   Kind = "membership-change"
	KindGuardianMembership Kind = "guardian-membership"
	KindRotation           Kind = "rotation"
)

// precedence orders kinds for supersession: a higher-precedence ceremony
// aborts a lower one competing for the same account.
func precedence(k Kind) int {
	switch k {
	case KindRecovery:
		return 6
	case KindRotation:
		return 5
	case KindResharing:
		return 4
	case KindMembershipChange:
		return 3
	case KindGuardianMembership:
		return 2
	case KindDKD:
		return 1
	default:
		return 0
	}
}

// ModifiesAuthoritySet reports whether a kind must hold the operation lock.
func (k Kind) ModifiesAuthoritySet() bool {
	switch k {
	case KindRecovery, KindRotation, KindMembershipChange, KindGuardianMembership, KindResharing:
		return true
	default:
		return false
	}
}

// SupersessionReason is the closed set of reasons a ceremony can be
// superseded.
type SupersessionReason string

const (
	ReasonPrestateStale  SupersessionReason = "prestate-stale"
	ReasonNewerRequest   SupersessionReason = "newer-request"
	ReasonExplicitCancel SupersessionReason = "explicit-cancel"
	ReasonTimeout        SupersessionReason = "timeout"
	ReasonPrecedence     SupersessionReason = "precedence"
)
