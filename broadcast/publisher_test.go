package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/relay-pool/pool"
)

// fakeSub is a scriptable subscription: tests push events and signal end of
// stored events.
type fakeSub struct {
	events chan *nostr.Event
	eose   chan struct{}
	unsubs int
	mu     sync.Mutex
}

func newFakeSub() *fakeSub {
	return &fakeSub{
		// Unbuffered: a send completes only once the consumer received the
		// event, so tests can order events against end-of-stored-events.
		events: make(chan *nostr.Event),
		eose:   make(chan struct{}),
	}
}

func (s *fakeSub) Events() <-chan *nostr.Event          { return s.events }
func (s *fakeSub) EndOfStoredEvents() <-chan struct{}   { return s.eose }
func (s *fakeSub) Unsub() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubs++
}

// fakeConn is always connected; publishes succeed unless publishErr is set,
// subscriptions hand out pre-registered fakeSubs.
type fakeConn struct {
	mu         sync.Mutex
	publishErr error
	published  []nostr.Event
	subs       []*fakeSub
}

func (c *fakeConn) IsConnected() bool { return true }

func (c *fakeConn) Publish(ctx context.Context, event nostr.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, event)
	return nil
}

func (c *fakeConn) Subscribe(ctx context.Context, filters nostr.Filters) (pool.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := newFakeSub()
	c.subs = append(c.subs, sub)
	return sub, nil
}

func (c *fakeConn) Close() error { return nil }

// fakeDialer hands out one fakeConn per URL.
type fakeDialer struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(map[string]*fakeConn)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (pool.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := &fakeConn{}
	d.conns[url] = conn
	return conn, nil
}

func (d *fakeDialer) conn(url string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[url]
}

func newTestPool(d pool.Dialer) *pool.Pool {
	return pool.New(pool.Config{Dialer: d, Clock: clock.NewMock()})
}

// stubBroadcaster returns a scripted outcome and records the urls it saw.
type stubBroadcaster struct {
	outcome Outcome
	mu      sync.Mutex
	calls   [][]string
}

func (b *stubBroadcaster) Broadcast(ctx context.Context, event *nostr.Event, urls []string) Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, append([]string(nil), urls...))
	return b.outcome
}

func signedEvent(id string) *nostr.Event {
	return &nostr.Event{ID: id, Kind: 1, Sig: "304502..."}
}

func prepareSet(t *testing.T, p *pool.Pool, urls []string) *pool.RelaySet {
	t.Helper()
	res := p.Prepare(context.Background(), urls, pool.PrepareOptions{Wait: true})
	if res.Set == nil {
		t.Fatal("prepare returned nil set")
	}
	return res.Set
}

func TestPublishSubsetAcknowledged(t *testing.T) {
	p := newTestPool(newFakeDialer())
	bc := &stubBroadcaster{outcome: Outcome{Acknowledged: []string{"wss://a.example.com"}}}
	pub := NewPublisher(p, bc)

	set := prepareSet(t, p, []string{"wss://a.example.com", "wss://b.example.com", "wss://c.example.com"})
	summary := pub.Publish(context.Background(), signedEvent("ev1"), set)

	if summary.GlobalError != "" {
		t.Fatalf("unexpected global error %q", summary.GlobalError)
	}
	if summary.Total != 3 || summary.Succeeded != 1 {
		t.Fatalf("expected 1/3 acknowledged, got %d/%d", summary.Succeeded, summary.Total)
	}
	if len(summary.Failed) != 2 {
		t.Fatalf("expected 2 failures, got %+v", summary.Failed)
	}
	for _, f := range summary.Failed {
		if f.Message != "no acknowledgement" {
			t.Fatalf("expected fallback message for %s, got %q", f.URL, f.Message)
		}
	}
	if summary.Succeeded+len(summary.Failed) != summary.Total {
		t.Fatal("summary does not account for every member")
	}
}

func TestPublishMixedOutcome(t *testing.T) {
	p := newTestPool(newFakeDialer())
	bc := &stubBroadcaster{outcome: Outcome{
		Acknowledged:   []string{"wss://a.example.com"},
		EndpointErrors: map[string]string{"wss://b.example.com": "timeout"},
		Err:            errors.New("partial batch failure"),
	}}
	pub := NewPublisher(p, bc)

	set := prepareSet(t, p, []string{"wss://a.example.com", "wss://b.example.com", "wss://c.example.com"})
	summary := pub.Publish(context.Background(), signedEvent("ev2"), set)

	if summary.Succeeded != 1 {
		t.Fatalf("expected 1 success, got %d", summary.Succeeded)
	}
	got := map[string]string{}
	for _, f := range summary.Failed {
		got[f.URL] = f.Message
	}
	if got["wss://b.example.com"] != "timeout" {
		t.Fatalf("expected per-relay message for b, got %q", got["wss://b.example.com"])
	}
	if got["wss://c.example.com"] != "partial batch failure" {
		t.Fatalf("expected top-level message for c, got %q", got["wss://c.example.com"])
	}
}

func TestPublishAckWinsOverError(t *testing.T) {
	p := newTestPool(newFakeDialer())
	bc := &stubBroadcaster{outcome: Outcome{
		Acknowledged:   []string{"wss://a.example.com"},
		EndpointErrors: map[string]string{"wss://a.example.com": "late error"},
	}}
	pub := NewPublisher(p, bc)

	set := prepareSet(t, p, []string{"wss://a.example.com"})
	summary := pub.Publish(context.Background(), signedEvent("ev3"), set)

	if summary.Succeeded != 1 || len(summary.Failed) != 0 {
		t.Fatalf("acknowledgement should win over a late error: %+v", summary)
	}
}

func TestPublishRejectsUnsignedEvent(t *testing.T) {
	p := newTestPool(newFakeDialer())
	bc := &stubBroadcaster{}
	pub := NewPublisher(p, bc)

	set := prepareSet(t, p, []string{"wss://a.example.com"})

	summary := pub.Publish(context.Background(), &nostr.Event{ID: "ev4"}, set)
	if summary.GlobalError != "unsigned event" {
		t.Fatalf("expected unsigned event error, got %q", summary.GlobalError)
	}
	summary = pub.Publish(context.Background(), nil, set)
	if summary.GlobalError != "unsigned event" {
		t.Fatalf("expected unsigned event error for nil event, got %q", summary.GlobalError)
	}
	if len(bc.calls) != 0 {
		t.Fatal("broadcaster was invoked for a rejected event")
	}
}

func TestPublishRejectsEmptySet(t *testing.T) {
	p := newTestPool(newFakeDialer())
	bc := &stubBroadcaster{}
	pub := NewPublisher(p, bc)

	summary := pub.Publish(context.Background(), signedEvent("ev5"), nil)
	if summary.GlobalError != "no relays configured" {
		t.Fatalf("expected no relays error, got %q", summary.GlobalError)
	}
}

func TestPublishToURLsNormalizes(t *testing.T) {
	p := newTestPool(newFakeDialer())
	bc := &stubBroadcaster{outcome: Outcome{Acknowledged: []string{"wss://a.example.com"}}}
	pub := NewPublisher(p, bc)

	summary := pub.PublishToURLs(context.Background(), signedEvent("ev6"),
		[]string{"wss://a.example.com", "wss://a.example.com/"})

	if summary.Total != 1 {
		t.Fatalf("expected 1 member after dedup, got %d", summary.Total)
	}
	if summary.Succeeded != 1 {
		t.Fatalf("expected success, got %+v", summary)
	}
}

func TestPoolBroadcasterRecordsResults(t *testing.T) {
	dialer := newFakeDialer()
	p := newTestPool(dialer)
	pub := NewPublisher(p, nil)

	set := prepareSet(t, p, []string{"wss://a.example.com", "wss://b.example.com"})
	dialer.conn("wss://b.example.com").publishErr = errors.New("blocked: rate limited")

	summary := pub.Publish(context.Background(), signedEvent("ev7"), set)

	if summary.Succeeded != 1 {
		t.Fatalf("expected 1 success, got %+v", summary)
	}
	if len(summary.Failed) != 1 || summary.Failed[0].URL != "wss://b.example.com" {
		t.Fatalf("expected failure attributed to b, got %+v", summary.Failed)
	}
	if summary.Failed[0].Message != "blocked: rate limited" {
		t.Fatalf("expected relay error message, got %q", summary.Failed[0].Message)
	}

	good, _ := p.Tracker().Snapshot("wss://a.example.com")
	if good.SuccessfulAttempts == 0 {
		t.Fatal("publish success was not recorded in the tracker")
	}
}

func TestMergeFailures(t *testing.T) {
	old := []Failure{
		{URL: "wss://a.example.com", Message: "timeout"},
		{URL: "wss://b.example.com", Message: "refused"},
	}
	update := []Failure{
		{URL: "wss://b.example.com", Message: "rate limited"},
		{URL: "wss://c.example.com", Message: "no acknowledgement"},
	}

	merged := MergeFailures(old, update)
	if len(merged) != 3 {
		t.Fatalf("expected 3 entries, got %+v", merged)
	}
	if merged[0].URL != "wss://a.example.com" || merged[1].URL != "wss://b.example.com" || merged[2].URL != "wss://c.example.com" {
		t.Fatalf("first-appearance order not preserved: %+v", merged)
	}
	if merged[1].Message != "rate limited" {
		t.Fatalf("newest message should win, got %q", merged[1].Message)
	}

	again := MergeFailures(merged, update)
	if len(again) != 3 {
		t.Fatalf("merge is not idempotent: %+v", again)
	}
}
