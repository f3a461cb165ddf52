// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// PoolStore - eventstore.Store backed by the relay connection pool.
package poolstore

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/fiatjaf/eventstore"
	"github.com/fiatjaf/khatru"
	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/relay-pool/broadcast"
	jsonlib "github.com/girino/relay-pool/json"
	"github.com/girino/relay-pool/logging"
	"github.com/girino/relay-pool/pool"
)

// Health state constants
const (
	HealthGreen  = "GREEN"
	HealthYellow = "YELLOW"
	HealthRed    = "RED"
)

// QueryTimeoutDuration bounds both QueryEvents and CountEvents.
const QueryTimeoutDuration = 5 * time.Second

// defaultQueryLimit caps queries that carry no limit of their own.
const defaultQueryLimit = 100

// PoolStore is a non-persisting eventstore.Store: queries are forwarded to
// the query relays through the connection pool, and saves are broadcast
// through the publisher. Nothing is stored locally.
type PoolStore struct {
	queryUrls []string

	pool      *pool.Pool
	publisher *broadcast.Publisher
	sub       *broadcast.Subscriber
	querySet  *pool.RelaySet

	// stats
	queryRequests       int64
	queryInternal       int64
	queryExternal       int64
	queryEventsReturned int64
	queryFailures       int64
	saveRequests        int64
	saveFailures        int64
	countRequests       int64
	countInternal       int64
	countExternal       int64
	countEventsReturned int64
	// health check tracking
	consecutiveQueryFailures int64
	maxConsecutiveFailures   int64
	// timing statistics
	totalQueryDurationNs int64
	totalSaveDurationNs  int64
	queryCount           int64
	saveCount            int64
}

// getHealthState determines the health state based on consecutive failures
func getHealthState(consecutiveFailures int64) string {
	if consecutiveFailures <= 2 {
		return HealthGreen
	} else if consecutiveFailures < 10 {
		return HealthYellow
	}
	return HealthRed
}

// New creates a PoolStore with mandatory query relays.
func New(pl *pool.Pool, publisher *broadcast.Publisher, queryUrls []string) *PoolStore {
	if len(queryUrls) == 0 {
		panic("query relays are mandatory - at least one query relay must be provided")
	}

	return &PoolStore{
		queryUrls:              queryUrls,
		pool:                   pl,
		publisher:              publisher,
		sub:                    broadcast.NewSubscriber(pl),
		maxConsecutiveFailures: 10,
	}
}

func (r *PoolStore) Init() error {
	result := r.pool.Prepare(context.Background(), r.queryUrls, pool.PrepareOptions{Wait: true})
	r.querySet = result.Set

	logging.DebugMethod("poolstore", "Init", "query remotes: %v (connected=%d pending=%d)",
		r.queryUrls, len(result.Connected), len(result.Pending))
	return nil
}

func (r *PoolStore) Close() {
	// Connections belong to the pool.
}

// QueryEvents forwards the filter to the query relays and streams results
// until every relay reports end of stored events, the limit is reached, or
// the query times out.
func (r *PoolStore) QueryEvents(ctx context.Context, filter nostr.Filter) (chan *nostr.Event, error) {
	atomic.AddInt64(&r.queryRequests, 1)

	// khatru runs internal queries (dedup, replacement checks) through the
	// store; those must not fan out to remote relays.
	if khatru.IsInternalCall(ctx) {
		atomic.AddInt64(&r.queryInternal, 1)
		logging.DebugMethod("poolstore", "QueryEvents", "internal query short-circuited filter=%+v", filter)
		ch := make(chan *nostr.Event)
		close(ch)
		return ch, nil
	}

	atomic.AddInt64(&r.queryExternal, 1)
	logging.DebugMethod("poolstore", "QueryEvents", "QueryEvents called filter=%+v", filter)

	r.trackQueryHealth(ctx)

	maxEvents := defaultQueryLimit
	if filter.Limit > 0 {
		maxEvents = filter.Limit
	}

	startTime := time.Now()
	timeoutCtx, timeoutCancel := context.WithTimeout(ctx, QueryTimeoutDuration)
	out := make(chan *nostr.Event)

	go func() {
		defer timeoutCancel()
		defer func() {
			duration := time.Since(startTime)
			atomic.AddInt64(&r.totalQueryDurationNs, duration.Nanoseconds())
			atomic.AddInt64(&r.queryCount, 1)
		}()
		defer close(out)

		events := r.sub.Fetch(timeoutCtx, r.querySet, filter, maxEvents)
		atomic.AddInt64(&r.queryEventsReturned, int64(len(events)))

		for _, event := range events {
			select {
			case out <- event:
			case <-timeoutCtx.Done():
				logging.Warn("query timed out after %v", QueryTimeoutDuration)
				return
			}
		}
	}()

	return out, nil
}

// trackQueryHealth refreshes query relay connections and updates the
// consecutive-failure counter. At least 1/4 of the query relays (rounded up)
// must be reachable for the query path to count as healthy.
func (r *PoolStore) trackQueryHealth(ctx context.Context) {
	result := r.pool.Prepare(ctx, r.queryUrls, pool.PrepareOptions{Wait: true})
	successes := len(result.Connected)
	failures := len(result.Pending)
	if failures > 0 {
		atomic.AddInt64(&r.queryFailures, int64(failures))
	}

	threshold := (len(r.queryUrls) + 3) / 4
	if successes >= threshold {
		atomic.StoreInt64(&r.consecutiveQueryFailures, 0)
	} else {
		atomic.AddInt64(&r.consecutiveQueryFailures, 1)
	}
}

// SaveEvent broadcasts the event to the query relays. It fails only when the
// broadcast could not start or no relay acknowledged the event.
func (r *PoolStore) SaveEvent(ctx context.Context, evt *nostr.Event) error {
	atomic.AddInt64(&r.saveRequests, 1)

	startTime := time.Now()
	defer func() {
		duration := time.Since(startTime)
		atomic.AddInt64(&r.totalSaveDurationNs, duration.Nanoseconds())
		atomic.AddInt64(&r.saveCount, 1)
	}()

	summary := r.publisher.Publish(ctx, evt, r.querySet)
	if summary.GlobalError != "" {
		atomic.AddInt64(&r.saveFailures, 1)
		return errors.New(summary.GlobalError)
	}
	if summary.Succeeded == 0 {
		atomic.AddInt64(&r.saveFailures, 1)
		return errors.New("no relay accepted the event")
	}

	logging.DebugMethod("poolstore", "SaveEvent", "event %s accepted by %d/%d relays",
		evt.ID, summary.Succeeded, summary.Total)
	return nil
}

// ReplaceEvent broadcasts the replacement; remote relays apply their own
// replaceable-event rules.
func (r *PoolStore) ReplaceEvent(ctx context.Context, evt *nostr.Event) error {
	return r.SaveEvent(ctx, evt)
}

// DeleteEvent is a no-op: deletion requests (kind 5) reach the remotes as
// regular events via SaveEvent.
func (r *PoolStore) DeleteEvent(ctx context.Context, evt *nostr.Event) error {
	return nil
}

// CountEvents fetches matching events from the query relays and returns how
// many were observed. Internal khatru calls are not forwarded.
func (r *PoolStore) CountEvents(ctx context.Context, filter nostr.Filter) (int64, error) {
	atomic.AddInt64(&r.countRequests, 1)

	if khatru.IsInternalCall(ctx) {
		atomic.AddInt64(&r.countInternal, 1)
		logging.DebugMethod("poolstore", "CountEvents", "internal count short-circuited filter=%+v", filter)
		return 0, nil
	}

	atomic.AddInt64(&r.countExternal, 1)
	logging.DebugMethod("poolstore", "CountEvents", "CountEvents called filter=%+v", filter)

	r.trackQueryHealth(ctx)

	maxEvents := defaultQueryLimit
	if filter.Limit > 0 {
		maxEvents = filter.Limit
	}

	timeoutCtx, timeoutCancel := context.WithTimeout(ctx, QueryTimeoutDuration)
	defer timeoutCancel()

	events := r.sub.Fetch(timeoutCtx, r.querySet, filter, maxEvents)
	cnt := int64(len(events))
	if cnt > 0 {
		atomic.AddInt64(&r.countEventsReturned, cnt)
	}
	return cnt, nil
}

// GetStatsName returns the name of this stats provider
func (r *PoolStore) GetStatsName() string {
	return "relay"
}

// GetStats returns query, save and health statistics.
func (r *PoolStore) GetStats() interface{} {
	consecutiveQueryFailures := atomic.LoadInt64(&r.consecutiveQueryFailures)
	maxFailures := atomic.LoadInt64(&r.maxConsecutiveFailures)
	totalQueryDurationNs := atomic.LoadInt64(&r.totalQueryDurationNs)
	totalSaveDurationNs := atomic.LoadInt64(&r.totalSaveDurationNs)
	queryCount := atomic.LoadInt64(&r.queryCount)
	saveCount := atomic.LoadInt64(&r.saveCount)

	isHealthy := consecutiveQueryFailures < maxFailures
	healthStatus := "healthy"
	if !isHealthy {
		healthStatus = "unhealthy"
	}
	queryHealthState := getHealthState(consecutiveQueryFailures)

	var averageQueryDurationMs float64
	var averageSaveDurationMs float64
	if queryCount > 0 {
		averageQueryDurationMs = float64(totalQueryDurationNs) / float64(queryCount) / 1e6
	}
	if saveCount > 0 {
		averageSaveDurationMs = float64(totalSaveDurationNs) / float64(saveCount) / 1e6
	}

	obj := jsonlib.NewJsonObject()
	obj.Set("query_requests", jsonlib.NewJsonValue(atomic.LoadInt64(&r.queryRequests)))
	obj.Set("query_internal_requests", jsonlib.NewJsonValue(atomic.LoadInt64(&r.queryInternal)))
	obj.Set("query_external_requests", jsonlib.NewJsonValue(atomic.LoadInt64(&r.queryExternal)))
	obj.Set("query_events_returned", jsonlib.NewJsonValue(atomic.LoadInt64(&r.queryEventsReturned)))
	obj.Set("query_failures", jsonlib.NewJsonValue(atomic.LoadInt64(&r.queryFailures)))
	obj.Set("consecutive_query_failures", jsonlib.NewJsonValue(consecutiveQueryFailures))
	obj.Set("query_health_state", jsonlib.NewJsonValue(queryHealthState))
	obj.Set("save_requests", jsonlib.NewJsonValue(atomic.LoadInt64(&r.saveRequests)))
	obj.Set("save_failures", jsonlib.NewJsonValue(atomic.LoadInt64(&r.saveFailures)))
	obj.Set("count_requests", jsonlib.NewJsonValue(atomic.LoadInt64(&r.countRequests)))
	obj.Set("count_internal_requests", jsonlib.NewJsonValue(atomic.LoadInt64(&r.countInternal)))
	obj.Set("count_external_requests", jsonlib.NewJsonValue(atomic.LoadInt64(&r.countExternal)))
	obj.Set("count_events_returned", jsonlib.NewJsonValue(atomic.LoadInt64(&r.countEventsReturned)))
	obj.Set("health_status", jsonlib.NewJsonValue(healthStatus))
	obj.Set("is_healthy", jsonlib.NewJsonValue(isHealthy))
	obj.Set("average_query_duration_ms", jsonlib.NewJsonValue(averageQueryDurationMs))
	obj.Set("average_save_duration_ms", jsonlib.NewJsonValue(averageSaveDurationMs))
	obj.Set("total_query_duration_ms", jsonlib.NewJsonValue(totalQueryDurationNs/1e6))
	obj.Set("total_save_duration_ms", jsonlib.NewJsonValue(totalSaveDurationNs/1e6))
	return obj
}

// Ensure PoolStore implements eventstore.Store and eventstore.Counter
var _ eventstore.Store = (*PoolStore)(nil)
var _ eventstore.Counter = (*PoolStore)(nil)
