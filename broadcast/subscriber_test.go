package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

func TestSubscribeDeliversEvents(t *testing.T) {
	dialer := newFakeDialer()
	p := newTestPool(dialer)
	sub := NewSubscriber(p)

	set := prepareSet(t, p, []string{"wss://a.example.com"})

	received := make(chan *nostr.Event, 4)
	cancel, err := sub.Subscribe(context.Background(), set, nostr.Filters{{Kinds: []int{1}}}, func(ev *nostr.Event) {
		received <- ev
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer cancel()

	conn := dialer.conn("wss://a.example.com")
	conn.mu.Lock()
	fs := conn.subs[0]
	conn.mu.Unlock()

	fs.events <- &nostr.Event{ID: "ev1", Kind: 1}
	fs.events <- &nostr.Event{ID: "ev2", Kind: 1}

	for _, want := range []string{"ev1", "ev2"} {
		select {
		case ev := <-received:
			if ev.ID != want {
				t.Fatalf("expected %s, got %s", want, ev.ID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("handler never received %s", want)
		}
	}
}

func TestSubscribeCancelIsIdempotent(t *testing.T) {
	dialer := newFakeDialer()
	p := newTestPool(dialer)
	sub := NewSubscriber(p)

	set := prepareSet(t, p, []string{"wss://a.example.com"})
	cancel, err := sub.Subscribe(context.Background(), set, nostr.Filters{{}}, func(*nostr.Event) {})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	cancel()
	cancel()

	conn := dialer.conn("wss://a.example.com")
	conn.mu.Lock()
	fs := conn.subs[0]
	conn.mu.Unlock()
	fs.mu.Lock()
	unsubs := fs.unsubs
	fs.mu.Unlock()
	if unsubs != 1 {
		t.Fatalf("expected exactly 1 unsub, got %d", unsubs)
	}
}

func TestSubscribeRejectsNilHandler(t *testing.T) {
	p := newTestPool(newFakeDialer())
	sub := NewSubscriber(p)

	set := prepareSet(t, p, []string{"wss://a.example.com"})
	if _, err := sub.Subscribe(context.Background(), set, nostr.Filters{{}}, nil); err == nil {
		t.Fatal("expected error for nil handler")
	}
	if _, err := sub.Subscribe(context.Background(), nil, nostr.Filters{{}}, func(*nostr.Event) {}); err == nil {
		t.Fatal("expected error for nil set")
	}
}

func TestFetchStopsAtEndOfStoredEvents(t *testing.T) {
	dialer := newFakeDialer()
	p := newTestPool(dialer)
	sub := NewSubscriber(p)

	set := prepareSet(t, p, []string{"wss://a.example.com"})

	go func() {
		// Feed stored events, then signal end of stored events once the
		// subscription exists.
		for {
			conn := dialer.conn("wss://a.example.com")
			conn.mu.Lock()
			n := len(conn.subs)
			var fs *fakeSub
			if n > 0 {
				fs = conn.subs[0]
			}
			conn.mu.Unlock()
			if fs != nil {
				fs.events <- &nostr.Event{ID: "stored1"}
				fs.events <- &nostr.Event{ID: "stored2"}
				close(fs.eose)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events := sub.Fetch(ctx, set, nostr.Filter{Kinds: []int{1}}, 0)

	if len(events) != 2 {
		t.Fatalf("expected 2 stored events, got %d", len(events))
	}
}

func TestFetchHonorsLimit(t *testing.T) {
	dialer := newFakeDialer()
	p := newTestPool(dialer)
	sub := NewSubscriber(p)

	set := prepareSet(t, p, []string{"wss://a.example.com"})

	go func() {
		for {
			conn := dialer.conn("wss://a.example.com")
			conn.mu.Lock()
			var fs *fakeSub
			if len(conn.subs) > 0 {
				fs = conn.subs[0]
			}
			conn.mu.Unlock()
			if fs != nil {
				for i := 0; i < 10; i++ {
					select {
					case fs.events <- &nostr.Event{ID: "ev"}:
					case <-time.After(2 * time.Second):
						return
					}
				}
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events := sub.Fetch(ctx, set, nostr.Filter{}, 3)

	if len(events) != 3 {
		t.Fatalf("expected limit of 3, got %d", len(events))
	}
}

func TestFetchEmptySet(t *testing.T) {
	p := newTestPool(newFakeDialer())
	sub := NewSubscriber(p)

	if events := sub.Fetch(context.Background(), nil, nostr.Filter{}, 10); events != nil {
		t.Fatalf("expected nil for nil set, got %v", events)
	}
}
