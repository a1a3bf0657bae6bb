// Package threshold owns the session framing of k-of-n group signing:
// collecting nonce commitments, distributing the signing package, gathering
// partial signatures, and aggregating. Field arithmetic lives in the crypto
// capability; this layer enforces binding, one-shot nonces, and the session
// state machine.
package threshold

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"lukechampine.com/blake3"

	"github.com/aura-dev/aura/pkg/effects"
	"github.com/aura-dev/aura/pkg/types"
)

// State is the session lifecycle. Terminal states stay terminal; re-running
// requires a new session id and fresh nonces.
type State string

const (
	StateCollectingCommits State = "collecting-commits"
	StateCollectingSigs    State = "collecting-sigs"
	StateAggregating       State = "aggregating"
	StateCompleted         State = "completed"
	StateFailed            State = "failed"
)

var (
	ErrSessionTerminal    = errors.New("threshold: session is terminal")
	ErrWrongState         = errors.New("threshold: operation invalid in this state")
	ErrUnknownSigner      = errors.New("threshold: signer not a participant")
	ErrDuplicateCommit    = errors.New("threshold: signer already committed")
	ErrDuplicatePartial   = errors.New("threshold: signer already signed")
	ErrUncommittedSigner  = errors.New("threshold: partial from signer outside the frozen commitment map")
	ErrAggregationFailed  = errors.New("threshold: aggregation failed")
	ErrVerificationFailed = errors.New("threshold: aggregate signature does not verify")
	ErrSessionTimeout     = errors.New("threshold: session timed out")
	ErrNonceConsumed      = errors.New("threshold: nonce already consumed")
	ErrNoCommitment       = errors.New("threshold: sign before commit")
)

// InsufficientCommitsError reports an aggregation attempt below threshold.
type InsufficientCommitsError struct {
	Got, Need int
}

func (e *InsufficientCommitsError) Error() string {
	return fmt.Sprintf("threshold: insufficient commitments: %d of %d", e.Got, e.Need)
}

// MalformedShareError names the signer that produced an unusable share so
// higher layers can assign blame.
type MalformedShareError struct {
	Signer types.AuthorityID
}

func (e *MalformedShareError) Error() string {
	return fmt.Sprintf("threshold: malformed share from %s", e.Signer)
}

// partialSize is the canonical scalar width of one partial signature.
const partialSize = 32

// Context binds a signature to where it may be used. Identical operation
// bytes under different contexts produce different messages, so signatures
// cannot be replayed across nodes, epochs, or policies.
type Context struct {
	NodeID     types.Hash32
	Epoch      types.Epoch
	PolicyHash types.Hash32
}

const bindingDomain = "TREE_OP_SIG"

// BindingMessage derives the message actually signed:
//
//	BLAKE3("TREE_OP_SIG" || node_id || epoch_le64 || policy_hash || op_bytes)
func BindingMessage(ctx Context, opBytes []byte) []byte {
	h := blake3.New(32, nil)
	h.Write([]byte(bindingDomain))
	h.Write(ctx.NodeID[:])
	var epoch [8]byte
	binary.LittleEndian.PutUint64(epoch[:], uint64(ctx.Epoch))
	h.Write(epoch[:])
	h.Write(ctx.PolicyHash[:])
	h.Write(opBytes)
	return h.Sum(nil)
}

// SigningPackage is what the coordinator publishes once enough commitments
// arrived: the bound message and the exact commitment map partials must tie
// to.
type SigningPackage struct {
	Msg         []byte
	Commitments map[uint8][]byte
}

// Session is the coordinator's view of one signing round.
type Session struct {
	mu sync.Mutex

	id           types.SessionID
	context      Context
	msg          []byte
	threshold    int
	groupPub     []byte
	participants map[types.AuthorityID]uint8
	indexOwner   map[uint8]types.AuthorityID

	commitments map[uint8][]byte
	frozen      map[uint8][]byte
	partials    map[uint8][]byte
	state       State
	signature   []byte
	failure     error

	expiresAtMs    uint64
	expiresAtEpoch types.Epoch

	crypto effects.Crypto
}

// Config carries everything a session needs at construction.
type Config struct {
	ID       types.SessionID
	Context  Context
	OpBytes  []byte
	K        int
	GroupPub []byte
	// Participants maps each authority to its dealer-assigned share index.
	Participants map[types.AuthorityID]uint8
	// ExpiresAtMs and ExpiresAtEpoch are dual timeouts; whichever fires
	// first wins. Zero disables the respective check.
	ExpiresAtMs    uint64
	ExpiresAtEpoch types.Epoch
	Crypto         effects.Crypto
}

// NewSession starts a session in CollectingCommits.
func NewSession(cfg Config) (*Session, error) {
	if cfg.K < 1 || len(cfg.Participants) < cfg.K {
		return nil, &InsufficientCommitsError{Got: len(cfg.Participants), Need: cfg.K}
	}
	s := &Session{
		id:             cfg.ID,
		context:        cfg.Context,
		msg:            BindingMessage(cfg.Context, cfg.OpBytes),
		threshold:      cfg.K,
		groupPub:       cfg.GroupPub,
		participants:   make(map[types.AuthorityID]uint8, len(cfg.Participants)),
		indexOwner:     make(map[uint8]types.AuthorityID, len(cfg.Participants)),
		commitments:    make(map[uint8][]byte),
		partials:       make(map[uint8][]byte),
		state:          StateCollectingCommits,
		expiresAtMs:    cfg.ExpiresAtMs,
		expiresAtEpoch: cfg.ExpiresAtEpoch,
		crypto:         cfg.Crypto,
	}
	for a, idx := range cfg.Participants {
		s.participants[a] = idx
		s.indexOwner[idx] = a
	}
	return s, nil
}

func (s *Session) ID() types.SessionID { return s.id }

// Msg returns the bound message for this session.
func (s *Session) Msg() []byte { return s.msg }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Signature returns the aggregate once the session completed.
func (s *Session) Signature() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCompleted {
		return nil, false
	}
	return s.signature, true
}

// Failure returns the terminal failure reason, if any.
func (s *Session) Failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Signers lists the authorities whose partials fed the aggregate.
func (s *Session) Signers() []types.AuthorityID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.AuthorityID, 0, len(s.partials))
	for idx := range s.partials {
		out = append(out, s.indexOwner[idx])
	}
	return out
}

func (s *Session) terminal() bool {
	return s.state == StateCompleted || s.state == StateFailed
}

// AddCommitment records one signer's nonce commitment.
func (s *Session) AddCommitment(signer types.AuthorityID, commitment []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal() {
		return ErrSessionTerminal
	}
	if s.state != StateCollectingCommits {
		return fmt.Errorf("%w: %s", ErrWrongState, s.state)
	}
	idx, ok := s.participants[signer]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSigner, signer)
	}
	if _, dup := s.commitments[idx]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateCommit, signer)
	}
	if len(commitment) != 32 {
		return &MalformedShareError{Signer: signer}
	}
	s.commitments[idx] = commitment
	return nil
}

// CommitCount reports collected commitments.
func (s *Session) CommitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commitments)
}

// FreezePackage closes the commitment phase once at least k commitments are
// in, and publishes the signing package. Exactly k committers are selected,
// lowest share index first, so every replica freezes the same map. Partials
// are accepted from the selected signers only, and aggregation runs over
// this map and no other: partial shares derive their challenge and Lagrange
// coefficients from the published map, so the aggregation map must be
// byte-identical to it.
func (s *Session) FreezePackage() (*SigningPackage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal() {
		return nil, ErrSessionTerminal
	}
	if s.state != StateCollectingCommits {
		return nil, fmt.Errorf("%w: %s", ErrWrongState, s.state)
	}
	if len(s.commitments) < s.threshold {
		return nil, &InsufficientCommitsError{Got: len(s.commitments), Need: s.threshold}
	}
	indices := make([]int, 0, len(s.commitments))
	for idx := range s.commitments {
		indices = append(indices, int(idx))
	}
	sort.Ints(indices)
	s.frozen = make(map[uint8][]byte, s.threshold)
	for _, idx := range indices[:s.threshold] {
		s.frozen[uint8(idx)] = s.commitments[uint8(idx)]
	}
	s.state = StateCollectingSigs
	pkg := &SigningPackage{Msg: s.msg, Commitments: make(map[uint8][]byte, len(s.frozen))}
	for idx, c := range s.frozen {
		pkg.Commitments[idx] = c
	}
	return pkg, nil
}

// AddPartial records one signer's partial signature. Only signers inside the
// frozen commitment map may contribute.
func (s *Session) AddPartial(signer types.AuthorityID, partial []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal() {
		return ErrSessionTerminal
	}
	if s.state != StateCollectingSigs {
		return fmt.Errorf("%w: %s", ErrWrongState, s.state)
	}
	idx, ok := s.participants[signer]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSigner, signer)
	}
	if _, selected := s.frozen[idx]; !selected {
		return fmt.Errorf("%w: %s", ErrUncommittedSigner, signer)
	}
	if _, dup := s.partials[idx]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicatePartial, signer)
	}
	if len(partial) != partialSize {
		return &MalformedShareError{Signer: signer}
	}
	s.partials[idx] = partial
	return nil
}

// PartialCount reports collected partials.
func (s *Session) PartialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.partials)
}

// Aggregate combines the collected partials into the group signature.
// Verification against the group key happens before the signature is
// accepted; failure is terminal.
func (s *Session) Aggregate() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal() {
		return nil, ErrSessionTerminal
	}
	if s.state != StateCollectingSigs {
		return nil, fmt.Errorf("%w: %s", ErrWrongState, s.state)
	}
	if len(s.partials) < len(s.frozen) {
		return nil, &InsufficientCommitsError{Got: len(s.partials), Need: len(s.frozen)}
	}
	s.state = StateAggregating

	// Every partial was checked against the frozen map on arrival, so the
	// maps line up index for index.
	sig, err := s.crypto.Aggregate(s.groupPub, s.msg, s.frozen, s.partials)
	if err != nil {
		s.state = StateFailed
		s.failure = fmt.Errorf("%w: %v", ErrAggregationFailed, err)
		return nil, s.failure
	}
	if !s.crypto.VerifyAggregate(s.groupPub, s.msg, sig) {
		s.state = StateFailed
		s.failure = ErrVerificationFailed
		return nil, s.failure
	}
	s.state = StateCompleted
	s.signature = sig
	return sig, nil
}

// Fail force-terminates a live session with a reason.
func (s *Session) Fail(reason error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal() {
		return ErrSessionTerminal
	}
	s.state = StateFailed
	s.failure = reason
	return nil
}

// CheckTimeout fails the session if either the wall-clock or the epoch
// deadline has passed. Returns true when the session timed out.
func (s *Session) CheckTimeout(nowMs uint64, epoch types.Epoch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal() {
		return s.failure != nil && errors.Is(s.failure, ErrSessionTimeout)
	}
	expired := (s.expiresAtMs > 0 && nowMs >= s.expiresAtMs) ||
		(s.expiresAtEpoch > 0 && epoch >= s.expiresAtEpoch)
	if expired {
		s.state = StateFailed
		s.failure = ErrSessionTimeout
	}
	return expired
}

// Signer is one participant's signing state. The nonce is one-shot: the
// first signing attempt consumes it, whatever the outcome.
type Signer struct {
	mu sync.Mutex

	authority types.AuthorityID
	index     uint8
	share     []byte
	crypto    effects.Crypto

	nonce      []byte
	commitment []byte
	consumed   bool
}

// NewSigner wraps one dealer-issued share.
func NewSigner(authority types.AuthorityID, index uint8, share []byte, c effects.Crypto) *Signer {
	return &Signer{authority: authority, index: index, share: share, crypto: c}
}

func (s *Signer) Authority() types.AuthorityID { return s.authority }
func (s *Signer) Index() uint8                 { return s.index }

// Commit draws a fresh nonce pair and returns the commitment. The nonce
// never leaves the signer. A fresh commit invalidates any previous one.
func (s *Signer) Commit() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nonce, commitment, err := s.crypto.NonceCommit()
	if err != nil {
		return nil, err
	}
	s.nonce = nonce
	s.commitment = commitment
	s.consumed = false
	return commitment, nil
}

// Sign produces this signer's partial over the published package. The nonce
// is consumed even if signing fails; reuse is catastrophic, so a second call
// requires a fresh Commit.
func (s *Signer) Sign(groupPub []byte, pkg *SigningPackage) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nonce == nil {
		return nil, ErrNoCommitment
	}
	if s.consumed {
		return nil, ErrNonceConsumed
	}
	s.consumed = true
	nonce := s.nonce
	s.nonce = nil
	return s.crypto.SignShare(s.share, s.index, nonce, groupPub, pkg.Msg, pkg.Commitments)
}
