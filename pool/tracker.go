package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/girino/relay-pool/logging"
)

const (
	// DefaultRetryInterval is the minimum gap between connection attempts to
	// an endpoint whose last attempt failed.
	DefaultRetryInterval = 5 * time.Second

	// DefaultConnectTimeout bounds a single connection attempt.
	DefaultConnectTimeout = 5 * time.Second

	// DefaultSuccessRateDecay is the exponential decay factor applied to an
	// endpoint's success rate after initialization.
	DefaultSuccessRateDecay = 0.9

	// DefaultTopN is how many endpoints BroadcastURLs selects by score.
	DefaultTopN = 10
)

// TrackerConfig configures a Tracker. Zero values select defaults.
type TrackerConfig struct {
	Dialer           Dialer
	Clock            clock.Clock
	RetryInterval    time.Duration
	ConnectTimeout   time.Duration
	SuccessRateDecay float64
	TopN             int
}

// Tracker owns the canonical endpoint record for every relay URL the process
// has touched, and guarantees that concurrent callers asking to connect to
// the same URL share one underlying attempt.
type Tracker struct {
	mu        sync.Mutex
	endpoints map[string]*endpoint

	dialer         Dialer
	clock          clock.Clock
	retryInterval  time.Duration
	connectTimeout time.Duration
	decay          float64
	topN           int
	initialized    bool
}

// NewTracker creates a tracker with its own endpoint registry. No package
// level state: tests instantiate isolated trackers.
func NewTracker(cfg TrackerConfig) *Tracker {
	t := &Tracker{
		endpoints:      make(map[string]*endpoint),
		dialer:         cfg.Dialer,
		clock:          cfg.Clock,
		retryInterval:  cfg.RetryInterval,
		connectTimeout: cfg.ConnectTimeout,
		decay:          cfg.SuccessRateDecay,
		topN:           cfg.TopN,
	}
	if t.dialer == nil {
		t.dialer = NewNostrDialer()
	}
	if t.clock == nil {
		t.clock = clock.New()
	}
	if t.retryInterval <= 0 {
		t.retryInterval = DefaultRetryInterval
	}
	if t.connectTimeout <= 0 {
		t.connectTimeout = DefaultConnectTimeout
	}
	if t.decay <= 0 || t.decay >= 1 {
		t.decay = DefaultSuccessRateDecay
	}
	if t.topN <= 0 {
		t.topN = DefaultTopN
	}
	logging.DebugMethod("pool", "NewTracker", "retryInterval=%v connectTimeout=%v decay=%.2f topN=%d",
		t.retryInterval, t.connectTimeout, t.decay, t.topN)
	return t
}

// EnsureConnected makes a best-effort attempt to have a live connection to
// url. It returns true only when the endpoint is connected. When wait is
// false it never blocks: an endpoint that is still connecting reports false
// and the attempt continues in the background.
//
// Invalid URLs return false without creating a record. A failed attempt
// within the retry interval is not repeated, so a burst of callers cannot
// trigger a reconnect storm.
func (t *Tracker) EnsureConnected(ctx context.Context, url string, timeout time.Duration, wait bool) bool {
	canon := NormalizeURL(url)
	if canon == "" {
		logging.DebugMethod("pool", "EnsureConnected", "dropping invalid relay url %q", url)
		return false
	}
	if timeout <= 0 {
		timeout = t.connectTimeout
	}

	t.mu.Lock()
	ep, exists := t.endpoints[canon]
	if !exists {
		ep = newEndpoint(canon)
		t.endpoints[canon] = ep
	}

	// Fast path: already connected with a usable socket.
	if ep.conn != nil && ep.conn.IsConnected() {
		ep.status = StatusConnected
		ep.lastSuccessAt = t.clock.Now()
		t.mu.Unlock()
		return true
	}

	// Attach to an attempt already in flight rather than starting a second.
	if att := ep.attempt; att != nil {
		t.mu.Unlock()
		if !wait {
			return false
		}
		return t.await(ctx, att, timeout)
	}

	// Throttle: one new attempt per endpoint per retry interval after a
	// failure.
	now := t.clock.Now()
	if ep.status == StatusError && now.Sub(ep.lastFailureAt) < t.retryInterval {
		t.mu.Unlock()
		logging.DebugMethod("pool", "EnsureConnected", "%s failed %v ago, within retry interval", canon, now.Sub(ep.lastFailureAt))
		return false
	}

	// Drop a dead socket before redialing.
	var stale Conn
	if ep.conn != nil {
		stale = ep.conn
		ep.conn = nil
	}

	att := newAttempt()
	ep.attempt = att
	ep.status = StatusConnecting
	ep.lastAttemptAt = now
	t.mu.Unlock()

	if stale != nil {
		_ = stale.Close()
	}

	go t.runAttempt(canon, att, timeout)

	if !wait {
		return false
	}
	return t.await(ctx, att, timeout)
}

// await blocks until the shared attempt settles, the caller's context is
// done, or the wait times out. A timed-out wait reports the best currently
// known answer (not connected); the attempt itself keeps racing.
func (t *Tracker) await(ctx context.Context, att *attempt, timeout time.Duration) bool {
	timer := t.clock.Timer(timeout)
	defer timer.Stop()

	select {
	case <-att.done:
		return att.ok
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}

// runAttempt performs the dial for one attempt and settles it. The attempt
// pointer is cleared before the future resolves, so waiters observe the
// final status rather than a stale "connecting".
func (t *Tracker) runAttempt(url string, att *attempt, timeout time.Duration) {
	start := t.clock.Now()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, err := t.dialer.Dial(ctx, url)
	elapsed := t.clock.Now().Sub(start)
	ok := err == nil && conn != nil && conn.IsConnected()

	var discard Conn

	t.mu.Lock()
	ep := t.endpoints[url]
	switch {
	case ep == nil:
		// Tracker was reset while dialing; nothing to record.
		discard = conn
	case ep.attempt != att:
		// An external transport event already settled this attempt. Keep the
		// freshly dialed socket if no other connection landed meanwhile.
		if ok && ep.conn == nil {
			ep.conn = conn
			ep.status = StatusConnected
		} else {
			discard = conn
		}
	default:
		ep.attempt = nil
		if ok {
			ep.conn = conn
			ep.status = StatusConnected
			ep.lastSuccessAt = t.clock.Now()
		} else {
			discard = conn
			ep.status = StatusError
			ep.lastFailureAt = t.clock.Now()
		}
		ep.recordOutcome(ok, elapsed, t.decay, t.initialized)
	}
	t.mu.Unlock()

	if discard != nil {
		_ = discard.Close()
	}

	att.settle(ok)

	if ok {
		logging.DebugMethod("pool", "runAttempt", "connected to %s (%.2fms)", url, elapsed.Seconds()*1000)
	} else {
		logging.DebugMethod("pool", "runAttempt", "failed to connect to %s: %v (%.2fms)", url, err, elapsed.Seconds()*1000)
	}
}

// RecordExternalEvent applies a transport-level connect or disconnect
// notification pushed by a lower layer. A connected event settles any
// in-flight attempt as successful; anything else settles it as failed.
func (t *Tracker) RecordExternalEvent(url string, connected bool) {
	canon := NormalizeURL(url)
	if canon == "" {
		return
	}

	var att *attempt
	var dead Conn

	t.mu.Lock()
	ep, exists := t.endpoints[canon]
	if !exists {
		ep = newEndpoint(canon)
		t.endpoints[canon] = ep
	}
	att = ep.attempt
	ep.attempt = nil
	if connected {
		ep.status = StatusConnected
		ep.lastSuccessAt = t.clock.Now()
	} else {
		ep.status = StatusError
		ep.lastFailureAt = t.clock.Now()
		dead = ep.conn
		ep.conn = nil
	}
	t.mu.Unlock()

	if dead != nil {
		_ = dead.Close()
	}
	if att != nil {
		att.settle(connected)
	}
}

// RecordPublishResult feeds a publish outcome into the endpoint's health
// bookkeeping. The publisher calls this for every targeted relay.
func (t *Tracker) RecordPublishResult(url string, success bool, responseTime time.Duration) {
	canon := NormalizeURL(url)
	if canon == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ep, exists := t.endpoints[canon]
	if !exists {
		logging.DebugMethod("pool", "RecordPublishResult", "result for unknown relay %s", canon)
		return
	}
	ep.recordOutcome(success, responseTime, t.decay, t.initialized)
}

// Conn returns the live connection for url, if any.
func (t *Tracker) Conn(url string) (Conn, bool) {
	canon := NormalizeURL(url)
	if canon == "" {
		return nil, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ep, exists := t.endpoints[canon]
	if !exists || ep.conn == nil || !ep.conn.IsConnected() {
		return nil, false
	}
	return ep.conn, true
}

// AddRelay registers an endpoint record without dialing it.
func (t *Tracker) AddRelay(url string) {
	canon := NormalizeURL(url)
	if canon == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.endpoints[canon]; !exists {
		t.endpoints[canon] = newEndpoint(canon)
		logging.DebugMethod("pool", "AddRelay", "added %s (total: %d)", canon, len(t.endpoints))
	}
}

// AddMandatoryRelay registers an endpoint that BroadcastURLs always includes.
func (t *Tracker) AddMandatoryRelay(url string) {
	canon := NormalizeURL(url)
	if canon == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ep, exists := t.endpoints[canon]
	if !exists {
		ep = newEndpoint(canon)
		t.endpoints[canon] = ep
	}
	ep.mandatory = true
}

// Known reports whether the tracker has a record for url.
func (t *Tracker) Known(url string) bool {
	canon := NormalizeURL(url)
	if canon == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	_, exists := t.endpoints[canon]
	return exists
}

// URLs returns every tracked endpoint URL.
func (t *Tracker) URLs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	urls := make([]string, 0, len(t.endpoints))
	for u := range t.endpoints {
		urls = append(urls, u)
	}
	return urls
}

// Len returns the number of tracked endpoints.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.endpoints)
}

// Snapshot returns a read-only copy of one endpoint record.
func (t *Tracker) Snapshot(url string) (EndpointInfo, bool) {
	canon := NormalizeURL(url)
	if canon == "" {
		return EndpointInfo{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ep, exists := t.endpoints[canon]
	if !exists {
		return EndpointInfo{}, false
	}
	return ep.snapshot(t.initialized), true
}

// TopEndpoints returns up to n tested endpoints ranked by composite score.
func (t *Tracker) TopEndpoints(n int) []EndpointInfo {
	if n <= 0 {
		n = t.topN
	}

	t.mu.Lock()
	infos := make([]EndpointInfo, 0, len(t.endpoints))
	for _, ep := range t.endpoints {
		// Only rank endpoints that have been tried at least once.
		if ep.totalAttempts > 0 {
			infos = append(infos, ep.snapshot(t.initialized))
		}
	}
	t.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Score > infos[j].Score
	})

	if len(infos) > n {
		return infos[:n]
	}
	return infos
}

// MandatoryURLs returns every endpoint marked mandatory.
func (t *Tracker) MandatoryURLs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	urls := make([]string, 0)
	for u, ep := range t.endpoints {
		if ep.mandatory {
			urls = append(urls, u)
		}
	}
	sort.Strings(urls)
	return urls
}

// BroadcastURLs returns the mandatory endpoints plus the top-N by score,
// deduplicated.
func (t *Tracker) BroadcastURLs() []string {
	mandatory := t.MandatoryURLs()
	top := t.TopEndpoints(0)

	seen := make(map[string]bool, len(mandatory)+len(top))
	urls := make([]string, 0, len(mandatory)+len(top))
	for _, u := range mandatory {
		if !seen[u] {
			seen[u] = true
			urls = append(urls, u)
		}
	}
	for _, info := range top {
		if !seen[info.URL] {
			seen[info.URL] = true
			urls = append(urls, info.URL)
		}
	}
	return urls
}

// MarkInitialized switches success-rate accounting from simple ratios to
// exponential decay. Call it once warm-up checks are done.
func (t *Tracker) MarkInitialized() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.initialized = true
	logging.Info("Tracker: initialization complete, switching to exponential decay (decay=%.2f, relays=%d)", t.decay, len(t.endpoints))
}

// Reset closes every connection and clears the registry.
func (t *Tracker) Reset() {
	t.mu.Lock()
	conns := make([]Conn, 0, len(t.endpoints))
	for _, ep := range t.endpoints {
		if ep.conn != nil {
			conns = append(conns, ep.conn)
		}
		if ep.attempt != nil {
			ep.attempt.settle(false)
			ep.attempt = nil
		}
	}
	t.endpoints = make(map[string]*endpoint)
	t.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}
