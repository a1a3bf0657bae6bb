// Package antientropy reconciles two replicas' journals and fact stores.
// Four phases: digest request, digest response, needs, events; then one
// round of fact-state exchange. Repeated rounds converge monotonically
// because fact merges are semilattice joins.
package antientropy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/aura-dev/aura/pkg/effects"
	"github.com/aura-dev/aura/pkg/fact"
	"github.com/aura-dev/aura/pkg/journal"
	"github.com/aura-dev/aura/pkg/observability"
	"github.com/aura-dev/aura/pkg/types"
	"github.com/aura-dev/aura/pkg/wire"
)

// Message kinds inside a sync envelope.
const (
	kindDigestRequest  uint8 = 1
	kindDigestResponse uint8 = 2
	kindNeeds          uint8 = 3
	kindEvents         uint8 = 4
	kindFactState      uint8 = 5
	kindCompacted      uint8 = 6

	// KindCeremony frames a ceremony protocol envelope multiplexed over the
	// same stream as sync traffic, so signing rounds ride the connections the
	// syncer already maintains.
	KindCeremony uint8 = 7
)

var (
	ErrUnexpectedMessage = errors.New("antientropy: unexpected message")
	ErrLeakageBudget     = errors.New("antientropy: message exceeds leakage budget")
	ErrNoCeremonyHandler = errors.New("antientropy: no ceremony handler installed")
)

// EnvelopeHandler consumes one ceremony frame demultiplexed off the sync
// stream. The agent runtime installs its dispatch here.
type EnvelopeHandler func(ctx context.Context, from types.AuthorityID, env wire.Envelope) error

// DigestObserver sees every peer digest the syncer learns, on both the
// requester and responder sides of a round.
type DigestObserver func(peer types.AuthorityID, remote *journal.StateDigest)

// maxEventsPerBatch bounds a single events reply.
const maxEventsPerBatch = 512

// syncLeakage declares what one sync message reveals: nothing to outsiders,
// participation to neighbors, full state to the in-group peer.
var syncLeakage = effects.LeakageBudget{NeighborBits: 1, IngroupBits: 1 << 16}

// Stats summarizes one reconciliation round.
type Stats struct {
	EventsApplied int
	FactsMerged   int
	// RangesPruned counts requested ranges the peer compacted away.
	// PeerCheckpoint carries the peer's checkpoint hash when nonzero; the
	// caller resumes from an archived snapshot instead of event replay.
	RangesPruned   int
	PeerCheckpoint types.Hash32
}

// Syncer drives anti-entropy for one device. It is cooperative: either side
// may stop after any phase without leaving locks behind.
type Syncer struct {
	self      types.AuthorityID
	journal   *journal.Journal
	network   effects.Network
	limiter   *rate.Limiter
	budget    effects.LeakageBudget
	log       *slog.Logger
	obs       *observability.Provider
	envelopes EnvelopeHandler
	onDigest  DigestObserver
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Syncer) { s.log = log }
}

// WithRate bounds outgoing rounds per second.
func WithRate(r rate.Limit, burst int) Option {
	return func(s *Syncer) { s.limiter = rate.NewLimiter(r, burst) }
}

// WithLeakageBudget caps what a single emitted message may reveal.
func WithLeakageBudget(b effects.LeakageBudget) Option {
	return func(s *Syncer) { s.budget = b }
}

// WithEnvelopeHandler routes ceremony frames to fn.
func WithEnvelopeHandler(fn EnvelopeHandler) Option {
	return func(s *Syncer) { s.envelopes = fn }
}

// WithDigestObserver reports peer digests to fn as rounds progress.
func WithDigestObserver(fn DigestObserver) Option {
	return func(s *Syncer) { s.onDigest = fn }
}

// WithObservability records spans and RED metrics for sync rounds.
func WithObservability(p *observability.Provider) Option {
	return func(s *Syncer) { s.obs = p }
}

// New builds a Syncer around a journal and a network.
func New(self types.AuthorityID, j *journal.Journal, n effects.Network, opts ...Option) *Syncer {
	s := &Syncer{
		self:    self,
		journal: j,
		network: n,
		limiter: rate.NewLimiter(rate.Inf, 1),
		budget:  syncLeakage,
		log:     slog.Default(),
		obs:     observability.Noop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Syncer) send(ctx context.Context, to types.AuthorityID, kind uint8, body []byte) error {
	if syncLeakage.ExternalBits > s.budget.ExternalBits ||
		syncLeakage.NeighborBits > s.budget.NeighborBits ||
		syncLeakage.IngroupBits > s.budget.IngroupBits {
		return ErrLeakageBudget
	}
	w := wire.NewWriter()
	w.U8(kind)
	w.Raw(body)
	return s.network.SendTo(ctx, to, effects.Envelope{
		From:    s.self,
		Payload: w.Finish(),
		Leakage: syncLeakage,
	})
}

// SendEnvelope ships one ceremony frame to a peer over the sync stream.
func (s *Syncer) SendEnvelope(ctx context.Context, to types.AuthorityID, env wire.Envelope) error {
	return s.send(ctx, to, KindCeremony, env.Encode())
}

// BroadcastEnvelope ships one ceremony frame to every member of the group.
func (s *Syncer) BroadcastEnvelope(ctx context.Context, group types.ContextID, env wire.Envelope) error {
	if syncLeakage.ExternalBits > s.budget.ExternalBits ||
		syncLeakage.NeighborBits > s.budget.NeighborBits ||
		syncLeakage.IngroupBits > s.budget.IngroupBits {
		return ErrLeakageBudget
	}
	w := wire.NewWriter()
	w.U8(KindCeremony)
	w.Raw(env.Encode())
	return s.network.Broadcast(ctx, group, effects.Envelope{
		From:    s.self,
		Payload: w.Finish(),
		Leakage: syncLeakage,
	})
}

// recvFrom waits for the next sync message of one of the wanted kinds from
// peer. Messages from other peers or of other kinds are handled as server
// traffic so two devices can sync each other concurrently.
func (s *Syncer) recvFrom(ctx context.Context, peer types.AuthorityID, wants ...uint8) (uint8, []byte, error) {
	for {
		env, err := s.network.Recv(ctx)
		if err != nil {
			return 0, nil, err
		}
		kind, body, err := splitMessage(env.Payload)
		if err != nil {
			return 0, nil, err
		}
		if env.From == peer {
			for _, want := range wants {
				if kind == want {
					return kind, body, nil
				}
			}
		}
		if err := s.handle(ctx, env.From, kind, body); err != nil {
			s.log.Warn("sync message dropped", "from", env.From, "kind", kind, "err", err)
		}
	}
}

func splitMessage(payload []byte) (uint8, []byte, error) {
	if len(payload) < 1 {
		return 0, nil, fmt.Errorf("%w: empty payload", ErrUnexpectedMessage)
	}
	return payload[0], payload[1:], nil
}

// SyncWith runs one full reconciliation round against peer as requester.
func (s *Syncer) SyncWith(ctx context.Context, peer types.AuthorityID) (Stats, error) {
	ctx, finish := s.obs.TrackOperation(ctx, "sync.round", observability.SyncPeer(peer))
	stats, err := s.syncWith(ctx, peer)
	finish(err)
	return stats, err
}

func (s *Syncer) syncWith(ctx context.Context, peer types.AuthorityID) (Stats, error) {
	var stats Stats
	if err := s.limiter.Wait(ctx); err != nil {
		return stats, err
	}

	// Phase 1: send our digest.
	local := s.journal.Digest(0)
	if err := s.send(ctx, peer, kindDigestRequest, local.Encode()); err != nil {
		return stats, err
	}

	// Phase 2: the peer's digest tells us where it is ahead.
	_, body, err := s.recvFrom(ctx, peer, kindDigestResponse)
	if err != nil {
		return stats, err
	}
	remote, err := journal.DecodeDigest(body)
	if err != nil {
		return stats, err
	}
	if s.onDigest != nil {
		s.onDigest(peer, remote)
	}

	// Phase 3: ask for the ranges we lack.
	needs := s.computeNeeds(local, remote)
	if err := s.send(ctx, peer, kindNeeds, encodeNeeds(needs)); err != nil {
		return stats, err
	}

	// Phase 4: apply the events, in per-authority nonce order. A compacted
	// notice may precede the batch when the peer pruned requested history.
	kind, body, err := s.recvFrom(ctx, peer, kindEvents, kindCompacted)
	if err != nil {
		return stats, err
	}
	if kind == kindCompacted {
		checkpoint, refused, err := decodeCompacted(body)
		if err != nil {
			return stats, err
		}
		stats.RangesPruned = len(refused)
		stats.PeerCheckpoint = checkpoint
		s.log.Warn("peer compacted requested ranges",
			"peer", peer, "ranges", len(refused), "checkpoint", checkpoint)
		if _, body, err = s.recvFrom(ctx, peer, kindEvents); err != nil {
			return stats, err
		}
	}
	s.obs.SyncTransferred(ctx, int64(len(body)))
	rawEvents, err := decodeBatch(body)
	if err != nil {
		return stats, err
	}
	for _, raw := range rawEvents {
		e, err := journal.DecodeEvent(raw)
		if err != nil {
			return stats, err
		}
		n, err := s.journal.ApplyRemote(ctx, e)
		if err != nil {
			return stats, err
		}
		stats.EventsApplied += n
	}

	// Fact reconciliation: push our state, merge theirs.
	facts, err := encodeFactState(s.journal.Facts())
	if err != nil {
		return stats, err
	}
	if err := s.send(ctx, peer, kindFactState, facts); err != nil {
		return stats, err
	}
	if _, body, err = s.recvFrom(ctx, peer, kindFactState); err != nil {
		return stats, err
	}
	s.obs.SyncTransferred(ctx, int64(len(body)))
	merged, err := s.mergeFactState(body)
	if err != nil {
		return stats, err
	}
	stats.FactsMerged = merged

	s.log.Debug("sync round complete",
		"peer", peer, "events", stats.EventsApplied, "facts", stats.FactsMerged)
	return stats, nil
}

// Serve answers sync traffic until the context ends.
func (s *Syncer) Serve(ctx context.Context) error {
	for {
		env, err := s.network.Recv(ctx)
		if err != nil {
			return err
		}
		kind, body, err := splitMessage(env.Payload)
		if err != nil {
			s.log.Warn("malformed sync message", "from", env.From, "err", err)
			continue
		}
		if err := s.handle(ctx, env.From, kind, body); err != nil {
			s.log.Warn("sync request failed", "from", env.From, "kind", kind, "err", err)
		}
	}
}

// handle answers one responder-side message.
func (s *Syncer) handle(ctx context.Context, from types.AuthorityID, kind uint8, body []byte) error {
	switch kind {
	case kindDigestRequest:
		if s.onDigest != nil {
			if remote, err := journal.DecodeDigest(body); err == nil {
				s.onDigest(from, remote)
			}
		}
		return s.send(ctx, from, kindDigestResponse, s.journal.Digest(0).Encode())

	case kindNeeds:
		needs, err := decodeNeeds(body)
		if err != nil {
			return err
		}
		batch := make([][]byte, 0, 64)
		var pruned []need
		var checkpoint types.Hash32
		for _, n := range needs {
			events, err := s.journal.EventsByAuthority(n.Authority, n.From)
			if err != nil {
				var ce *journal.CompactedError
				if errors.As(err, &ce) {
					// Refused; the compacted notice carries the checkpoint
					// so the peer can resume from an archived snapshot.
					pruned = append(pruned, n)
					checkpoint = ce.Checkpoint
					continue
				}
				return err
			}
			for _, e := range events {
				if len(batch) >= maxEventsPerBatch {
					break
				}
				batch = append(batch, e.CanonicalBytes())
			}
		}
		if len(pruned) > 0 {
			if err := s.send(ctx, from, kindCompacted, encodeCompacted(checkpoint, pruned)); err != nil {
				return err
			}
		}
		return s.send(ctx, from, kindEvents, encodeBatch(batch))

	case kindFactState:
		if _, err := s.mergeFactState(body); err != nil {
			return err
		}
		facts, err := encodeFactState(s.journal.Facts())
		if err != nil {
			return err
		}
		return s.send(ctx, from, kindFactState, facts)

	case KindCeremony:
		if s.envelopes == nil {
			return ErrNoCeremonyHandler
		}
		env, err := wire.DecodeEnvelope(body)
		if err != nil {
			return err
		}
		return s.envelopes(ctx, from, env)

	case kindDigestResponse, kindEvents, kindCompacted:
		// Replies without a matching request; stale round, ignore.
		return nil

	default:
		return fmt.Errorf("%w: kind %d", ErrUnexpectedMessage, kind)
	}
}

func (s *Syncer) mergeFactState(body []byte) (int, error) {
	rawFacts, err := decodeBatch(body)
	if err != nil {
		return 0, err
	}
	merged := 0
	store := s.journal.Facts()
	for _, raw := range rawFacts {
		f, err := fact.DecodeFact(store.Registry(), raw)
		if err != nil {
			return merged, err
		}
		if _, err := store.InsertWithContext(f); err != nil {
			return merged, err
		}
		merged++
	}
	return merged, nil
}

// need identifies a missing per-authority range.
type need struct {
	Authority types.AuthorityID
	From      uint64
}

// computeNeeds derives the ranges to request from the two digests. Gaps in
// the high-water tables are requested from our applied frontier. Equal
// high-water proves nothing about content: the peer's recent-event bloom is
// consulted for our head hash, and a definite miss re-requests the head
// event so the chain check can surface a conflicting write at the same
// nonce. Bloom misses are never false, so the extra fetch happens only when
// the head is genuinely absent from the peer's recent window.
func (s *Syncer) computeNeeds(local, remote *journal.StateDigest) []need {
	out := make([]need, 0)
	for a, theirs := range remote.HighWater {
		ours := local.HighWater[a]
		switch {
		case theirs > ours:
			out = append(out, need{Authority: a, From: ours})
		case theirs == ours && ours > 0:
			if head, ok := s.journal.Head(a); ok && !remote.Recent.Contains(head) {
				out = append(out, need{Authority: a, From: ours - 1})
			}
		}
	}
	return out
}

func encodeNeeds(needs []need) []byte {
	w := wire.NewWriter()
	w.U16(uint16(len(needs)))
	for _, n := range needs {
		w.Raw(n.Authority[:])
		w.U64(n.From)
	}
	return w.Finish()
}

func decodeNeeds(data []byte) ([]need, error) {
	r := wire.NewReader(data)
	count := int(r.U16())
	out := make([]need, 0, count)
	for i := 0; i < count; i++ {
		var a types.AuthorityID
		copy(a[:], r.Raw(types.IDSize))
		out = append(out, need{Authority: a, From: r.U64()})
	}
	if err := r.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeCompacted(checkpoint types.Hash32, refused []need) []byte {
	w := wire.NewWriter()
	w.Raw(checkpoint[:])
	w.U16(uint16(len(refused)))
	for _, n := range refused {
		w.Raw(n.Authority[:])
		w.U64(n.From)
	}
	return w.Finish()
}

func decodeCompacted(data []byte) (types.Hash32, []need, error) {
	r := wire.NewReader(data)
	var checkpoint types.Hash32
	copy(checkpoint[:], r.Raw(types.IDSize))
	count := int(r.U16())
	out := make([]need, 0, count)
	for i := 0; i < count; i++ {
		var a types.AuthorityID
		copy(a[:], r.Raw(types.IDSize))
		out = append(out, need{Authority: a, From: r.U64()})
	}
	if err := r.Close(); err != nil {
		return types.Hash32{}, nil, err
	}
	return checkpoint, out, nil
}

func encodeBatch(items [][]byte) []byte {
	w := wire.NewWriter()
	w.U32(uint32(len(items)))
	for _, it := range items {
		w.Bytes(it)
	}
	return w.Finish()
}

func decodeBatch(data []byte) ([][]byte, error) {
	r := wire.NewReader(data)
	count := int(r.U32())
	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, r.Bytes())
	}
	if err := r.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeFactState(store *fact.Store) ([]byte, error) {
	snapshot := store.Snapshot()
	items := make([][]byte, 0, len(snapshot))
	for _, f := range snapshot {
		raw, err := fact.EncodeFact(f)
		if err != nil {
			return nil, err
		}
		items = append(items, raw)
	}
	return encodeBatch(items), nil
}
