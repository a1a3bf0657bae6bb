package ceremony

import (
	"errors"
	"fmt"
	"sync"

	"github.com/aura-dev/aura/pkg/types"
)

var (
	ErrLockHeld    = errors.New("ceremony: operation lock already held")
	ErrNotHolder   = errors.New("ceremony: caller does not hold the operation lock")
	ErrNoClaims    = errors.New("ceremony: no claims to resolve")
	ErrStaleClaim  = errors.New("ceremony: claim observed an older epoch than the lock")
)

// Claim is one contender's signed bid for the account's operation lock.
// Claims are exchanged before the lock is granted, so every replica sees
// the same contender set and picks the same winner.
type Claim struct {
	By            types.AuthorityID
	SessionID     string
	Kind          Kind
	EpochObserved types.Epoch
}

// outranks orders claims: the contender with the freshest view of the
// account wins; identical views break on authority id. Total over any
// well-formed claim set, so every replica resolves the same winner.
func (c Claim) outranks(o Claim) bool {
	if c.EpochObserved != o.EpochObserved {
		return c.EpochObserved > o.EpochObserved
	}
	return o.By.Less(c.By)
}

// Grant is the lottery result: one winner, everyone else rejected with a
// pointer at who beat them.
type Grant struct {
	Winner Claim
	Losers []Claim
}

// OperationLock serializes authority-set-modifying ceremonies for one
// account. The lock is epoch-scoped: a holder that fails to finish within
// ttlEpochs epochs of its grant is force-released, so a crashed device
// cannot wedge the account forever.
type OperationLock struct {
	mu sync.Mutex

	ttlEpochs    uint64
	holder       *Claim
	grantedEpoch types.Epoch
}

// NewOperationLock builds a free lock that force-releases a holder
// ttlEpochs epochs after its grant. ttlEpochs of zero never expires.
func NewOperationLock(ttlEpochs uint64) *OperationLock {
	return &OperationLock{ttlEpochs: ttlEpochs}
}

// Holder reports the current holder, if any, after expiring stale grants.
func (l *OperationLock) Holder(now types.Epoch) (Claim, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expireLocked(now)
	if l.holder == nil {
		return Claim{}, false
	}
	return *l.holder, true
}

// GrantedEpoch returns the epoch the current grant was issued at.
func (l *OperationLock) GrantedEpoch() types.Epoch {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.grantedEpoch
}

func (l *OperationLock) expireLocked(now types.Epoch) {
	if l.holder == nil || l.ttlEpochs == 0 {
		return
	}
	if uint64(now) >= uint64(l.grantedEpoch)+l.ttlEpochs {
		l.holder = nil
		l.grantedEpoch = 0
	}
}

// Resolve runs the lock lottery over a batch of concurrent claims. Claims
// that observed an epoch older than now lose outright. If the lock is free
// the best-ranked claim wins and the rest are returned as losers; if it is
// held every claim loses to the holder.
func (l *OperationLock) Resolve(now types.Epoch, claims []Claim) (Grant, error) {
	if len(claims) == 0 {
		return Grant{}, ErrNoClaims
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expireLocked(now)
	if l.holder != nil {
		return Grant{Winner: *l.holder, Losers: append([]Claim(nil), claims...)}, fmt.Errorf("%w: by %s", ErrLockHeld, l.holder.By)
	}
	best := claims[0]
	for _, c := range claims[1:] {
		if c.outranks(best) {
			best = c
		}
	}
	if best.EpochObserved < now {
		return Grant{}, fmt.Errorf("%w: observed %d, lock at %d", ErrStaleClaim, best.EpochObserved, now)
	}
	losers := make([]Claim, 0, len(claims)-1)
	for _, c := range claims {
		if c.By == best.By && c.SessionID == best.SessionID {
			continue
		}
		losers = append(losers, c)
	}
	l.holder = &best
	l.grantedEpoch = now
	return Grant{Winner: best, Losers: losers}, nil
}

// Release frees the lock. Only the holder may release; a release from
// anyone else reports ErrNotHolder so a loser retrying cannot steal it.
func (l *OperationLock) Release(by types.AuthorityID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == nil {
		return nil
	}
	if l.holder.By != by {
		return fmt.Errorf("%w: held by %s", ErrNotHolder, l.holder.By)
	}
	l.holder = nil
	l.grantedEpoch = 0
	return nil
}
