// Package transport carries ceremony and anti-entropy traffic between
// authorities over NATS. Every authority owns an inbox subject under its
// account; context broadcasts fan out over a shared group subject. Peer
// discovery rides the same connection as presence heartbeats.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aura-dev/aura/pkg/effects"
	"github.com/aura-dev/aura/pkg/types"
)

// ErrClosed is returned once the network has been shut down.
var ErrClosed = errors.New("transport: connection closed")

const inboxBuffer = 256

func authoritySubject(account types.AccountID, a types.AuthorityID) string {
	return fmt.Sprintf("aura.%s.auth.%s", account, a)
}

func groupSubject(account types.AccountID, g types.ContextID) string {
	return fmt.Sprintf("aura.%s.group.%s", account, g)
}

// NATSNetwork implements effects.Network over a NATS connection. Envelopes
// addressed to this authority and broadcasts on joined groups land in a
// single inbox channel drained by Recv.
type NATSNetwork struct {
	conn    *nats.Conn
	account types.AccountID
	self    types.AuthorityID
	log     *slog.Logger

	inbox chan effects.Envelope

	mu     sync.Mutex
	groups map[types.ContextID]*nats.Subscription
	sub    *nats.Subscription
	closed bool
}

// NetworkOption customizes a NATSNetwork.
type NetworkOption func(*NATSNetwork)

// WithNetworkLogger replaces the default logger.
func WithNetworkLogger(l *slog.Logger) NetworkOption {
	return func(n *NATSNetwork) { n.log = l }
}

// Dial connects to NATS and subscribes to this authority's inbox subject.
// The connection retries forever; a partition shows up as delayed delivery,
// not an error.
func Dial(url string, account types.AccountID, self types.AuthorityID, opts ...NetworkOption) (*NATSNetwork, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	n, err := wrap(nc, account, self, opts...)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return n, nil
}

// wrap builds a NATSNetwork over an existing connection. Split out so tests
// and the presence tracker can share one connection.
func wrap(nc *nats.Conn, account types.AccountID, self types.AuthorityID, opts ...NetworkOption) (*NATSNetwork, error) {
	n := &NATSNetwork{
		conn:    nc,
		account: account,
		self:    self,
		log:     slog.Default().With("component", "transport"),
		inbox:   make(chan effects.Envelope, inboxBuffer),
		groups:  make(map[types.ContextID]*nats.Subscription),
	}
	sub, err := nc.Subscribe(authoritySubject(account, self), n.deliver)
	if err != nil {
		return nil, fmt.Errorf("subscribing to inbox: %w", err)
	}
	// Flush ensures the subscription is registered on the server before
	// returning, so messages published on other connections are routed.
	if err := nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flushing inbox subscription: %w", err)
	}
	n.sub = sub
	return n, nil
}

func (n *NATSNetwork) deliver(msg *nats.Msg) {
	env, err := decodeFrame(msg.Data)
	if err != nil {
		n.log.Warn("dropping malformed envelope", "subject", msg.Subject, "err", err)
		return
	}
	if env.From == n.self {
		return
	}
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return
	}
	select {
	case n.inbox <- env:
	default:
		// Drop rather than block the NATS client; anti-entropy repairs the
		// gap on the next sync round.
		n.log.Warn("inbox full, dropping envelope", "from", env.From)
	}
}

// SendTo publishes an envelope to one authority's inbox.
func (n *NATSNetwork) SendTo(ctx context.Context, to types.AuthorityID, env effects.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env.From = n.self
	if err := n.conn.Publish(authoritySubject(n.account, to), encodeFrame(env)); err != nil {
		return fmt.Errorf("publishing to %s: %w", to, err)
	}
	return nil
}

// Broadcast publishes an envelope to every member of a group subject. The
// sender's own copy is filtered on receipt.
func (n *NATSNetwork) Broadcast(ctx context.Context, group types.ContextID, env effects.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env.From = n.self
	if err := n.conn.Publish(groupSubject(n.account, group), encodeFrame(env)); err != nil {
		return fmt.Errorf("broadcasting to group %s: %w", group, err)
	}
	return nil
}

// Join subscribes this authority to a group's broadcast subject. Idempotent.
func (n *NATSNetwork) Join(group types.ContextID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if _, ok := n.groups[group]; ok {
		return nil
	}
	sub, err := n.conn.Subscribe(groupSubject(n.account, group), n.deliver)
	if err != nil {
		return fmt.Errorf("joining group %s: %w", group, err)
	}
	if err := n.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flushing group subscription: %w", err)
	}
	n.groups[group] = sub
	return nil
}

// Leave unsubscribes from a group's broadcast subject.
func (n *NATSNetwork) Leave(group types.ContextID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	sub, ok := n.groups[group]
	if !ok {
		return nil
	}
	delete(n.groups, group)
	return sub.Unsubscribe()
}

// Conn exposes the underlying connection so presence tracking can share it.
func (n *NATSNetwork) Conn() *nats.Conn { return n.conn }

// Recv blocks until an envelope arrives or ctx is done.
func (n *NATSNetwork) Recv(ctx context.Context) (effects.Envelope, error) {
	select {
	case env, ok := <-n.inbox:
		if !ok {
			return effects.Envelope{}, ErrClosed
		}
		return env, nil
	case <-ctx.Done():
		return effects.Envelope{}, ctx.Err()
	}
}

// Close unsubscribes everything and closes the connection.
func (n *NATSNetwork) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	subs := make([]*nats.Subscription, 0, len(n.groups)+1)
	if n.sub != nil {
		subs = append(subs, n.sub)
	}
	for _, s := range n.groups {
		subs = append(subs, s)
	}
	n.groups = nil
	n.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	n.conn.Close()
	return nil
}
