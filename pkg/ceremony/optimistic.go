package ceremony

import (
	"sync"

	"github.com/aura-dev/aura/pkg/types"
)

// Agreement is how settled a Category A operation is.
type Agreement string

const (
	AgreementProvisional Agreement = "provisional"
	AgreementSafe        Agreement = "safe"
	AgreementFinalized   Agreement = "finalized"
)

// Propagation is how far a Category A operation has spread.
type Propagation string

const (
	PropagationLocal    Propagation = "local"
	PropagationPartial  Propagation = "partial"
	PropagationComplete Propagation = "complete"
)

// OptimisticStatus is the tracked status of one Category A operation. The
// effect already applied locally; this only reports how far it traveled.
type OptimisticStatus struct {
	Agreement    Agreement
	Propagation  Propagation
	Acknowledged []types.AuthorityID
}

// OptimisticTracker follows Category A operations across the peer set.
// Failures never block anything; status just stops improving.
type OptimisticTracker struct {
	mu  sync.Mutex
	ops map[string]*optimisticEntry
}

type optimisticEntry struct {
	origin types.AuthorityID
	peers  map[types.AuthorityID]bool
	acked  map[types.AuthorityID]bool
}

func NewOptimisticTracker() *OptimisticTracker {
	return &OptimisticTracker{ops: make(map[string]*optimisticEntry)}
}

// Track registers a locally applied operation and the peers expected to
// acknowledge it.
func (t *OptimisticTracker) Track(opID string, origin types.AuthorityID, peers []types.AuthorityID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := &optimisticEntry{
		origin: origin,
		peers:  make(map[types.AuthorityID]bool, len(peers)),
		acked:  make(map[types.AuthorityID]bool),
	}
	for _, p := range peers {
		if p != origin {
			entry.peers[p] = true
		}
	}
	t.ops[opID] = entry
}

// Ack records one peer's acknowledgment. Unknown ops and outsiders are
// ignored; acknowledgment tracking is best-effort.
func (t *OptimisticTracker) Ack(opID string, from types.AuthorityID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.ops[opID]
	if !ok || !entry.peers[from] {
		return
	}
	entry.acked[from] = true
}

// Status reports the current agreement and propagation for an operation.
func (t *OptimisticTracker) Status(opID string) (OptimisticStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.ops[opID]
	if !ok {
		return OptimisticStatus{}, false
	}

	st := OptimisticStatus{}
	for p := range entry.acked {
		st.Acknowledged = append(st.Acknowledged, p)
	}
	total, acked := len(entry.peers), len(entry.acked)
	switch {
	case acked == 0:
		st.Propagation = PropagationLocal
		st.Agreement = AgreementProvisional
	case acked < total:
		st.Propagation = PropagationPartial
		if acked*2 > total {
			st.Agreement = AgreementSafe
		} else {
			st.Agreement = AgreementProvisional
		}
	default:
		st.Propagation = PropagationComplete
		st.Agreement = AgreementFinalized
	}
	return st, true
}

// Forget drops a settled operation from tracking.
func (t *OptimisticTracker) Forget(opID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.ops, opID)
}
