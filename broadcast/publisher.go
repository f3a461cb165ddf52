// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Package broadcast publishes signed events to relay sets and reduces the
// per-relay outcomes into a single summary, and streams events back from
// relay sets on the read path.
package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/relay-pool/logging"
	"github.com/girino/relay-pool/pool"
)

// DefaultPublishTimeout bounds one publish to one relay.
const DefaultPublishTimeout = 10 * time.Second

const (
	msgNoAck         = "no acknowledgement"
	msgNotConnected  = "relay not connected"
	msgPublishFailed = "publish failed"

	errMsgUnsignedEvent = "unsigned event"
	errMsgNoRelays      = "no relays configured"
)

// Failure attributes a publish failure to one relay.
type Failure struct {
	URL     string `json:"url"`
	Message string `json:"message"`
}

// Summary is the result of one broadcast attempt. When GlobalError is empty,
// Succeeded + len(Failed) == Total and no URL appears twice.
type Summary struct {
	Total       int       `json:"total"`
	Succeeded   int       `json:"succeeded"`
	Failed      []Failure `json:"failed"`
	GlobalError string    `json:"global_error,omitempty"`
}

// Outcome is what one batched broadcast reports: the relays that
// acknowledged, per-relay error messages, and an optional operation-level
// error. Partial success is data, not an exception.
type Outcome struct {
	Acknowledged   []string
	EndpointErrors map[string]string
	Err            error
}

// Broadcaster performs one batched broadcast across a list of relays.
type Broadcaster interface {
	Broadcast(ctx context.Context, event *nostr.Event, urls []string) Outcome
}

// Publisher broadcasts signed events to every member of a relay set and
// reduces the individual outcomes into one Summary.
type Publisher struct {
	pool        *pool.Pool
	broadcaster Broadcaster
	timeout     time.Duration

	publishes int64
	rejected  int64
	acked     int64
	failed    int64
}

// NewPublisher creates a publisher on top of a pool. A nil broadcaster
// selects the pool-backed fan-out.
func NewPublisher(pl *pool.Pool, b Broadcaster) *Publisher {
	p := &Publisher{
		pool:        pl,
		broadcaster: b,
		timeout:     DefaultPublishTimeout,
	}
	if p.broadcaster == nil {
		p.broadcaster = &poolBroadcaster{pool: pl, timeout: p.timeout}
	}
	return p
}

// Publish broadcasts a signed event to every member of set. Unsigned events
// and empty sets are rejected up front via GlobalError; everything else is
// reduced into per-relay attribution, never an error.
func (p *Publisher) Publish(ctx context.Context, event *nostr.Event, set *pool.RelaySet) Summary {
	if event == nil || event.Sig == "" {
		atomic.AddInt64(&p.rejected, 1)
		return Summary{GlobalError: errMsgUnsignedEvent}
	}
	if set == nil || set.Size() == 0 {
		atomic.AddInt64(&p.rejected, 1)
		return Summary{GlobalError: errMsgNoRelays}
	}
	return p.publish(ctx, event, set.Members())
}

// PublishToURLs resolves urls through the pool (waiting for connections) and
// broadcasts to the resulting set.
func (p *Publisher) PublishToURLs(ctx context.Context, event *nostr.Event, urls []string) Summary {
	if event == nil || event.Sig == "" {
		atomic.AddInt64(&p.rejected, 1)
		return Summary{GlobalError: errMsgUnsignedEvent}
	}
	res := p.pool.Prepare(ctx, urls, pool.PrepareOptions{Wait: true})
	if res.Set == nil {
		atomic.AddInt64(&p.rejected, 1)
		return Summary{GlobalError: errMsgNoRelays}
	}
	return p.publish(ctx, event, res.Set.Members())
}

func (p *Publisher) publish(ctx context.Context, event *nostr.Event, members []string) Summary {
	outcome := p.broadcaster.Broadcast(ctx, event, members)
	summary := reduceOutcome(members, outcome)

	atomic.AddInt64(&p.publishes, 1)
	atomic.AddInt64(&p.acked, int64(summary.Succeeded))
	atomic.AddInt64(&p.failed, int64(len(summary.Failed)))

	logging.DebugMethod("broadcast", "publish", "event %s: %d/%d acknowledged, %d failed",
		event.ID, summary.Succeeded, summary.Total, len(summary.Failed))
	return summary
}

// PublisherStats counts publish operations and their per-relay outcomes.
type PublisherStats struct {
	Publishes     int64 `json:"publishes"`
	Rejected      int64 `json:"rejected"`
	RelayAcks     int64 `json:"relay_acks"`
	RelayFailures int64 `json:"relay_failures"`
}

// GetStatsName returns the name for this stats provider.
func (p *Publisher) GetStatsName() string {
	return "publisher"
}

// GetStats returns publish statistics.
func (p *Publisher) GetStats() interface{} {
	return PublisherStats{
		Publishes:     atomic.LoadInt64(&p.publishes),
		Rejected:      atomic.LoadInt64(&p.rejected),
		RelayAcks:     atomic.LoadInt64(&p.acked),
		RelayFailures: atomic.LoadInt64(&p.failed),
	}
}

// reduceOutcome folds a broadcast outcome into a summary. An acknowledgement
// wins over an entry in the error map (a transient error after acceptance is
// ignorable); members accounted for by neither get the outcome's top-level
// message, or "no acknowledgement" when the broadcast itself succeeded.
func reduceOutcome(members []string, outcome Outcome) Summary {
	acked := make(map[string]bool, len(outcome.Acknowledged))
	for _, u := range outcome.Acknowledged {
		acked[u] = true
	}

	fallback := msgNoAck
	if outcome.Err != nil {
		fallback = outcome.Err.Error()
		if fallback == "" {
			fallback = msgPublishFailed
		}
	}

	summary := Summary{Total: len(members)}
	for _, u := range members {
		if acked[u] {
			summary.Succeeded++
			continue
		}
		if msg, ok := outcome.EndpointErrors[u]; ok {
			summary.Failed = append(summary.Failed, Failure{URL: u, Message: msg})
			continue
		}
		summary.Failed = append(summary.Failed, Failure{URL: u, Message: fallback})
	}
	return summary
}

// poolBroadcaster fans one event out over the pool's live connections. One
// batched operation: every relay is attempted concurrently, each bounded by
// the publish timeout. Results feed the tracker's health bookkeeping.
type poolBroadcaster struct {
	pool    *pool.Pool
	timeout time.Duration
}

func (b *poolBroadcaster) Broadcast(ctx context.Context, event *nostr.Event, urls []string) Outcome {
	outcome := Outcome{EndpointErrors: make(map[string]string)}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, url := range urls {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()

			tracker := b.pool.Tracker()
			conn, ok := tracker.Conn(u)
			if !ok {
				tracker.RecordPublishResult(u, false, 0)
				mu.Lock()
				outcome.EndpointErrors[u] = msgNotConnected
				mu.Unlock()
				return
			}

			cctx, cancel := context.WithTimeout(ctx, b.timeout)
			defer cancel()

			start := time.Now()
			err := conn.Publish(cctx, *event)
			elapsed := time.Since(start)

			tracker.RecordPublishResult(u, err == nil, elapsed)

			mu.Lock()
			if err != nil {
				outcome.EndpointErrors[u] = err.Error()
			} else {
				outcome.Acknowledged = append(outcome.Acknowledged, u)
			}
			mu.Unlock()

			if err != nil {
				logging.DebugMethod("broadcast", "Broadcast", "failed to publish %s to %s: %v (%.2fms)",
					event.ID, u, err, elapsed.Seconds()*1000)
			} else {
				logging.DebugMethod("broadcast", "Broadcast", "published %s to %s (%.2fms)",
					event.ID, u, elapsed.Seconds()*1000)
			}
		}(url)
	}

	wg.Wait()
	return outcome
}
