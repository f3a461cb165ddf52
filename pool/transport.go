package pool

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// Conn is a live transport-level connection to a single relay.
type Conn interface {
	// IsConnected reports whether the underlying socket is still usable.
	IsConnected() bool

	// Publish sends a signed event and waits for the relay's OK response.
	Publish(ctx context.Context, event nostr.Event) error

	// Subscribe opens a streaming read for the given filters.
	Subscribe(ctx context.Context, filters nostr.Filters) (Subscription, error)

	Close() error
}

// Subscription is a streaming read on one relay connection.
type Subscription interface {
	Events() <-chan *nostr.Event
	EndOfStoredEvents() <-chan struct{}
	Unsub()
}

// Dialer opens transport connections. The tracker owns exactly one; tests
// swap in stubs that count or fail dials.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// NewNostrDialer returns the production dialer backed by go-nostr websockets.
func NewNostrDialer() Dialer {
	return nostrDialer{}
}

type nostrDialer struct{}

func (nostrDialer) Dial(ctx context.Context, url string) (Conn, error) {
	relay, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}
	return &relayConn{relay: relay}, nil
}

type relayConn struct {
	relay *nostr.Relay
}

func (c *relayConn) IsConnected() bool {
	return c.relay.IsConnected()
}

func (c *relayConn) Publish(ctx context.Context, event nostr.Event) error {
	return c.relay.Publish(ctx, event)
}

func (c *relayConn) Subscribe(ctx context.Context, filters nostr.Filters) (Subscription, error) {
	sub, err := c.relay.Subscribe(ctx, filters)
	if err != nil {
		return nil, err
	}
	return &relaySubscription{sub: sub}, nil
}

func (c *relayConn) Close() error {
	return c.relay.Close()
}

type relaySubscription struct {
	sub *nostr.Subscription
}

func (s *relaySubscription) Events() <-chan *nostr.Event {
	return s.sub.Events
}

func (s *relaySubscription) EndOfStoredEvents() <-chan struct{} {
	return s.sub.EndOfStoredEvents
}

func (s *relaySubscription) Unsub() {
	s.sub.Unsub()
}
