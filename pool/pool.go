// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Package pool maintains a set of relay connections: a per-URL state tracker
// that deduplicates in-flight connection attempts, and a prepare operation
// that turns a caller-supplied URL list into a reusable relay-set handle.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	jsonlib "github.com/girino/relay-pool/json"
	"github.com/girino/relay-pool/logging"
)

// checkBatchConcurrency bounds concurrent warm-up checks.
const checkBatchConcurrency = 20

// Config configures a Pool. Zero values select defaults.
type Config struct {
	Dialer           Dialer
	Clock            clock.Clock
	RetryInterval    time.Duration
	ConnectTimeout   time.Duration
	SuccessRateDecay float64
	TopN             int
	SetCacheSize     int
}

// PrepareOptions controls one Prepare call.
type PrepareOptions struct {
	// Wait blocks each endpoint check until its connection attempt settles
	// (bounded by Timeout). When false, endpoints still connecting are
	// reported as pending immediately.
	Wait bool

	// Timeout bounds each connection attempt; zero means the pool default.
	Timeout time.Duration
}

// PrepareResult is the outcome of one Prepare call. Connected and Pending
// partition the normalized input in caller order; Set is nil when no URL
// survived normalization.
type PrepareResult struct {
	Set       *RelaySet
	Connected []string
	Pending   []string
}

// Pool owns a tracker and a relay-set cache. All state is instance state.
type Pool struct {
	tracker *Tracker
	sets    *setCache
}

// New creates a pool with an isolated tracker and set cache.
func New(cfg Config) *Pool {
	return &Pool{
		tracker: NewTracker(TrackerConfig{
			Dialer:           cfg.Dialer,
			Clock:            cfg.Clock,
			RetryInterval:    cfg.RetryInterval,
			ConnectTimeout:   cfg.ConnectTimeout,
			SuccessRateDecay: cfg.SuccessRateDecay,
			TopN:             cfg.TopN,
		}),
		sets: newSetCache(cfg.SetCacheSize),
	}
}

// Tracker exposes the endpoint state tracker.
func (p *Pool) Tracker() *Tracker {
	return p.tracker
}

// Prepare normalizes and deduplicates urls, concurrently ensures a connection
// to each, and returns the cached relay-set handle for the full member set
// along with the connected/pending partition. Invalid URLs are dropped
// silently; an empty result set is not an error.
func (p *Pool) Prepare(ctx context.Context, urls []string, opts PrepareOptions) PrepareResult {
	members := normalizeDedup(urls)
	if len(members) == 0 {
		return PrepareResult{}
	}

	// Fan out: one EnsureConnected per member, all in parallel.
	results := make([]bool, len(members))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range members {
		i, u := i, u
		g.Go(func() error {
			results[i] = p.tracker.EnsureConnected(gctx, u, opts.Timeout, opts.Wait)
			return nil
		})
	}
	_ = g.Wait()

	res := PrepareResult{
		Connected: make([]string, 0, len(members)),
		Pending:   make([]string, 0),
	}
	for i, u := range members {
		if results[i] {
			res.Connected = append(res.Connected, u)
		} else {
			res.Pending = append(res.Pending, u)
		}
	}

	res.Set = p.sets.getOrCreate(members)

	logging.DebugMethod("pool", "Prepare", "%d members: %d connected, %d pending (key=%q)",
		len(members), len(res.Connected), len(res.Pending), res.Set.Key())
	return res
}

// normalizeDedup canonicalizes urls, drops invalid entries, and removes
// duplicates while preserving first-seen order.
func normalizeDedup(urls []string) []string {
	out := make([]string, 0, len(urls))
	seen := make(map[string]bool, len(urls))
	for _, raw := range urls {
		canon := NormalizeURL(raw)
		if canon == "" || seen[canon] {
			continue
		}
		seen[canon] = true
		out = append(out, canon)
	}
	return out
}

// CheckBatch warms up connections to urls with bounded concurrency, waiting
// for each attempt to settle. Returns the success/failure split.
func (p *Pool) CheckBatch(ctx context.Context, urls []string) (successes, failures int) {
	logging.DebugMethod("pool", "CheckBatch", "checking %d relays (max %d concurrent)", len(urls), checkBatchConcurrency)

	sem := make(chan struct{}, checkBatchConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	start := time.Now()

	for _, url := range urls {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			ok := p.tracker.EnsureConnected(ctx, u, 0, true)
			mu.Lock()
			if ok {
				successes++
			} else {
				failures++
			}
			mu.Unlock()
		}(url)
	}

	wg.Wait()
	elapsed := time.Since(start)

	logging.Info("Pool: batch check complete - %d success, %d failed out of %d total (%.2fs)",
		successes, failures, len(urls), elapsed.Seconds())
	return successes, failures
}

// Reset clears the tracker and the relay-set cache.
func (p *Pool) Reset() {
	p.tracker.Reset()
	p.sets.purge()
}

// Close tears down every connection. The pool is reusable afterwards but
// conventionally Close is the last call.
func (p *Pool) Close() {
	logging.Info("Pool: closing %d tracked endpoints", p.tracker.Len())
	p.Reset()
}

// GetStatsName returns the name for this stats provider.
func (p *Pool) GetStatsName() string {
	return "pool"
}

// GetStats returns pool statistics as an ordered JSON object.
func (p *Pool) GetStats() interface{} {
	p.tracker.mu.Lock()
	total := len(p.tracker.endpoints)
	byStatus := make(map[Status]int)
	for _, ep := range p.tracker.endpoints {
		byStatus[ep.status]++
	}
	initialized := p.tracker.initialized
	p.tracker.mu.Unlock()

	obj := jsonlib.NewJsonObject()
	obj.Set("total_endpoints", jsonlib.NewJsonValue(total))
	obj.Set("connected", jsonlib.NewJsonValue(byStatus[StatusConnected]))
	obj.Set("connecting", jsonlib.NewJsonValue(byStatus[StatusConnecting]))
	obj.Set("idle", jsonlib.NewJsonValue(byStatus[StatusIdle]))
	obj.Set("errored", jsonlib.NewJsonValue(byStatus[StatusError]))
	obj.Set("cached_sets", jsonlib.NewJsonValue(p.sets.len()))
	obj.Set("initialized", jsonlib.NewJsonValue(initialized))

	topList := jsonlib.NewJsonList()
	for _, info := range p.tracker.TopEndpoints(0) {
		relayObj := jsonlib.NewJsonObject()
		relayObj.Set("url", jsonlib.NewJsonValue(info.URL))
		relayObj.Set("status", jsonlib.NewJsonValue(info.Status.String()))
		relayObj.Set("score", jsonlib.NewJsonValue(info.Score))
		relayObj.Set("success_rate", jsonlib.NewJsonValue(info.SuccessRate))
		relayObj.Set("avg_response_ms", jsonlib.NewJsonValue(info.AvgResponseTime.Milliseconds()))
		relayObj.Set("total_attempts", jsonlib.NewJsonValue(info.TotalAttempts))
		relayObj.Set("is_mandatory", jsonlib.NewJsonValue(info.IsMandatory))
		topList.Append(relayObj)
	}
	obj.Set("top_relays", topList)

	return obj
}
