package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/relay-pool/logging"
	"github.com/girino/relay-pool/pool"
)

// Subscriber opens streaming reads across the members of a relay set.
type Subscriber struct {
	pool *pool.Pool
}

// NewSubscriber creates a subscriber on top of a pool.
func NewSubscriber(pl *pool.Pool) *Subscriber {
	return &Subscriber{pool: pl}
}

// Subscribe opens a non-closing streaming read on every connected member of
// set and invokes handler once per received event in arrival order. No
// deduplication: the same event arriving from two relays reaches the handler
// twice. The returned cancel function detaches everything; calling it twice
// is a no-op.
func (s *Subscriber) Subscribe(ctx context.Context, set *pool.RelaySet, filters nostr.Filters, handler func(*nostr.Event)) (func(), error) {
	if handler == nil {
		return nil, errors.New("nil handler")
	}
	if set == nil || set.Size() == 0 {
		return nil, errors.New(errMsgNoRelays)
	}

	subCtx, cancelCtx := context.WithCancel(ctx)

	subs := make([]pool.Subscription, 0, set.Size())
	for _, url := range set.Members() {
		conn, ok := s.pool.Tracker().Conn(url)
		if !ok {
			logging.DebugMethod("broadcast", "Subscribe", "skipping %s: not connected", url)
			continue
		}
		sub, err := conn.Subscribe(subCtx, filters)
		if err != nil {
			logging.DebugMethod("broadcast", "Subscribe", "failed to subscribe to %s: %v", url, err)
			continue
		}
		subs = append(subs, sub)
	}

	if len(subs) == 0 {
		cancelCtx()
		return nil, errors.New("no connected relays in set")
	}

	// Handler calls are serialized so consumers never need their own locking.
	var handlerMu sync.Mutex

	for _, sub := range subs {
		go func(sub pool.Subscription) {
			for {
				select {
				case <-subCtx.Done():
					return
				case event, ok := <-sub.Events():
					if !ok {
						return
					}
					if event == nil {
						continue
					}
					handlerMu.Lock()
					handler(event)
					handlerMu.Unlock()
				}
			}
		}(sub)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelCtx()
			for _, sub := range subs {
				sub.Unsub()
			}
		})
	}
	return cancel, nil
}

// Fetch collects stored events matching filter from every connected member
// of set, returning once every relay reported end-of-stored-events, limit is
// reached, or ctx is done. Results are in arrival order, not deduplicated.
func (s *Subscriber) Fetch(ctx context.Context, set *pool.RelaySet, filter nostr.Filter, limit int) []*nostr.Event {
	if set == nil || set.Size() == 0 {
		return nil
	}
	if limit <= 0 {
		limit = 100
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	events := make([]*nostr.Event, 0, limit)
	var wg sync.WaitGroup

	for _, url := range set.Members() {
		conn, ok := s.pool.Tracker().Conn(url)
		if !ok {
			continue
		}
		sub, err := conn.Subscribe(fetchCtx, nostr.Filters{filter})
		if err != nil {
			logging.DebugMethod("broadcast", "Fetch", "failed to subscribe to %s: %v", url, err)
			continue
		}

		wg.Add(1)
		go func(u string, sub pool.Subscription) {
			defer wg.Done()
			defer sub.Unsub()
			for {
				select {
				case <-fetchCtx.Done():
					return
				case <-sub.EndOfStoredEvents():
					return
				case event, ok := <-sub.Events():
					if !ok {
						return
					}
					if event == nil {
						continue
					}
					mu.Lock()
					events = append(events, event)
					full := len(events) >= limit
					mu.Unlock()
					if full {
						cancel()
						return
					}
				}
			}
		}(url, sub)
	}

	wg.Wait()
	return events
}
