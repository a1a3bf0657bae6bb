package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aura-dev/aura/pkg/config"
	"github.com/aura-dev/aura/pkg/effects"
	"github.com/aura-dev/aura/pkg/types"
	"github.com/aura-dev/aura/pkg/wire"
)

func presenceSubject(account types.AccountID, g types.ContextID) string {
	return fmt.Sprintf("aura.%s.presence.%s", account, g)
}

// Presence implements effects.Rendezvous over NATS heartbeats. Each joined
// group gets a heartbeat publisher and a subscription that records peer
// sightings; DiscoverPeers answers from the recently-seen set.
type Presence struct {
	conn    *nats.Conn
	account types.AccountID
	self    types.AuthorityID
	time    effects.Time
	cfg     config.RendezvousManagerConfig
	log     *slog.Logger

	mu     sync.Mutex
	seen   map[types.ContextID]map[types.AuthorityID]uint64
	stops  map[types.ContextID]func()
	closed bool
}

// NewPresence builds a presence tracker over an existing connection. The
// clock is injected so tests can drive TTL expiry deterministically.
func NewPresence(nc *nats.Conn, account types.AccountID, self types.AuthorityID, t effects.Time, cfg config.RendezvousManagerConfig) *Presence {
	return &Presence{
		conn:    nc,
		account: account,
		self:    self,
		time:    t,
		cfg:     cfg,
		log:     slog.Default().With("component", "presence"),
		seen:    make(map[types.ContextID]map[types.AuthorityID]uint64),
		stops:   make(map[types.ContextID]func()),
	}
}

func encodeHeartbeat(from types.AuthorityID, tsMs uint64) []byte {
	w := wire.NewWriter()
	w.Raw(from[:])
	w.U64(tsMs)
	return w.Finish()
}

func decodeHeartbeat(data []byte) (types.AuthorityID, uint64, error) {
	r := wire.NewReader(data)
	from, err := types.AuthorityIDFromBytes(r.Raw(types.IDSize))
	ts := r.U64()
	if cerr := r.Close(); cerr != nil {
		return types.AuthorityID{}, 0, cerr
	}
	if err != nil {
		return types.AuthorityID{}, 0, err
	}
	return from, ts, nil
}

// Join starts heartbeating into a group and tracking its members. Idempotent.
func (p *Presence) Join(group types.ContextID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if _, ok := p.stops[group]; ok {
		return nil
	}

	subject := presenceSubject(p.account, group)
	sub, err := p.conn.Subscribe(subject, func(msg *nats.Msg) {
		from, _, derr := decodeHeartbeat(msg.Data)
		if derr != nil {
			p.log.Warn("dropping malformed heartbeat", "subject", msg.Subject, "err", derr)
			return
		}
		if from == p.self {
			return
		}
		p.observe(group, from)
	})
	if err != nil {
		return fmt.Errorf("subscribing to presence for group %s: %w", group, err)
	}
	if err := p.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flushing presence subscription: %w", err)
	}

	stop := make(chan struct{})
	p.stops[group] = func() {
		close(stop)
		_ = sub.Unsubscribe()
	}
	go p.heartbeatLoop(subject, stop)
	return nil
}

// Leave stops heartbeating into a group and forgets its members.
func (p *Presence) Leave(group types.ContextID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if stop, ok := p.stops[group]; ok {
		stop()
		delete(p.stops, group)
	}
	delete(p.seen, group)
}

func (p *Presence) heartbeatLoop(subject string, stop <-chan struct{}) {
	interval := time.Duration(p.cfg.RefreshIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishHeartbeat(subject)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.publishHeartbeat(subject)
		}
	}
}

func (p *Presence) publishHeartbeat(subject string) {
	data := encodeHeartbeat(p.self, p.time.NowMs())
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn("publishing heartbeat failed", "subject", subject, "err", err)
	}
}

// observe records a peer sighting at the local arrival time. The sender's
// timestamp is not trusted for liveness.
func (p *Presence) observe(group types.ContextID, peer types.AuthorityID) {
	now := p.time.NowMs()
	p.mu.Lock()
	defer p.mu.Unlock()
	members, ok := p.seen[group]
	if !ok {
		members = make(map[types.AuthorityID]uint64)
		p.seen[group] = members
	}
	members[peer] = now
}

// DiscoverPeers returns the group members seen within the presence TTL,
// sorted by authority id for deterministic iteration, capped at MaxPeers.
// The local authority is never included.
func (p *Presence) DiscoverPeers(ctx context.Context, group types.ContextID) ([]types.AuthorityID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := p.time.NowMs()
	ttlMs := uint64(p.cfg.PresenceTTLSeconds) * 1000

	p.mu.Lock()
	defer p.mu.Unlock()
	members := p.seen[group]
	peers := make([]types.AuthorityID, 0, len(members))
	for peer, last := range members {
		if now-last > ttlMs {
			delete(members, peer)
			continue
		}
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Less(peers[j]) })
	if p.cfg.MaxPeers > 0 && len(peers) > p.cfg.MaxPeers {
		peers = peers[:p.cfg.MaxPeers]
	}
	return peers, nil
}

// Close stops every heartbeat loop. The connection is left open; it belongs
// to the caller.
func (p *Presence) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, stop := range p.stops {
		stop()
	}
	p.stops = nil
	p.seen = nil
}
