package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/relay-pool/logging"
	"github.com/girino/relay-pool/pool"
)

const (
	// DefaultQueueWorkers is the worker pool size when unconfigured.
	DefaultQueueWorkers = 4

	// DefaultSeenCacheTTL is how long an event ID stays in the dedup cache.
	DefaultSeenCacheTTL = 30 * time.Minute

	// seenCacheMaxSize caps the dedup cache. ~10MB: 100K event IDs at ~100
	// bytes each.
	seenCacheMaxSize = 100000
)

// QueueConfig configures a Queue. Zero values select defaults.
type QueueConfig struct {
	Workers         int
	CacheTTL        time.Duration
	MandatoryRelays []string
	Clock           clock.Clock
}

// Queue broadcasts events asynchronously: callers enqueue signed events and
// a worker pool publishes each to the mandatory relays plus the tracker's
// current top-ranked endpoints. A bounded channel absorbs normal load; an
// overflow slice absorbs bursts without dropping events.
type Queue struct {
	publisher *Publisher
	pool      *pool.Pool
	mandatory []string

	events   chan *nostr.Event
	capacity int
	workers  int

	overflowMu sync.Mutex
	overflow   []*nostr.Event

	totalQueued    int64
	peakQueued     int64
	saturations    int64
	lastSaturation time.Time

	// Event-ID dedup cache.
	seenMu sync.RWMutex
	seen   map[string]time.Time
	ttl    time.Duration
	hits   int64
	misses int64

	clock  clock.Clock
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue creates a queue on top of a publisher and its pool.
func NewQueue(publisher *Publisher, pl *pool.Pool, cfg QueueConfig) *Queue {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultQueueWorkers
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultSeenCacheTTL
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	mandatory := make([]string, 0, len(cfg.MandatoryRelays))
	for _, u := range cfg.MandatoryRelays {
		canon := pool.NormalizeURL(u)
		if canon == "" {
			continue
		}
		mandatory = append(mandatory, canon)
		pl.Tracker().AddMandatoryRelay(canon)
	}

	capacity := workers * 10
	ctx, cancel := context.WithCancel(context.Background())

	logging.DebugMethod("broadcast", "NewQueue", "workers=%d capacity=%d cacheTTL=%v mandatory=%d",
		workers, capacity, ttl, len(mandatory))

	return &Queue{
		publisher: publisher,
		pool:      pl,
		mandatory: mandatory,
		events:    make(chan *nostr.Event, capacity),
		capacity:  capacity,
		workers:   workers,
		seen:      make(map[string]time.Time),
		ttl:       ttl,
		clock:     clk,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the worker pool and the cache cleanup loop.
func (q *Queue) Start() {
	logging.Info("Queue: starting %d workers", q.workers)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.wg.Add(1)
	go q.cacheCleanup()
}

// Stop drains nothing: it cancels the workers and waits for them to exit.
func (q *Queue) Stop() {
	logging.Info("Queue: stopping worker pool")
	q.cancel()
	close(q.events)
	q.wg.Wait()
	logging.Info("Queue: all workers stopped")
}

// Enqueue queues a signed event for broadcasting. Events already seen within
// the cache TTL are dropped; a full channel spills into the overflow queue
// rather than blocking the caller.
func (q *Queue) Enqueue(event *nostr.Event) {
	select {
	case <-q.ctx.Done():
		logging.Warn("Queue: cannot queue event %s, queue is shutting down", event.ID)
		return
	default:
	}

	if q.markSeen(event.ID) {
		logging.DebugMethod("broadcast", "Enqueue", "event %s already broadcast, skipping", event.ID)
		return
	}

	select {
	case q.events <- event:
		q.trackQueued()
	default:
		// Channel full: slow path through the overflow queue.
		q.overflowMu.Lock()
		q.overflow = append(q.overflow, event)
		if len(q.overflow) == 1 {
			atomic.AddInt64(&q.saturations, 1)
			q.lastSaturation = q.clock.Now()
			logging.Warn("Queue: channel saturated (%d/%d), using overflow queue", len(q.events), q.capacity)
		}
		q.overflowMu.Unlock()
		q.trackQueued()
	}
}

func (q *Queue) trackQueued() {
	newTotal := atomic.AddInt64(&q.totalQueued, 1)
	for {
		peak := atomic.LoadInt64(&q.peakQueued)
		if newTotal <= peak || atomic.CompareAndSwapInt64(&q.peakQueued, peak, newTotal) {
			return
		}
	}
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	logging.DebugMethod("broadcast", "worker", "worker %d started", id)

	for {
		select {
		case <-q.ctx.Done():
			logging.DebugMethod("broadcast", "worker", "worker %d shutting down (context cancelled)", id)
			return
		case event, ok := <-q.events:
			if !ok {
				logging.DebugMethod("broadcast", "worker", "worker %d shutting down (queue closed)", id)
				return
			}
			atomic.AddInt64(&q.totalQueued, -1)
			q.backfill()
			q.broadcast(event)
		}
	}
}

// backfill moves events from the overflow queue into the channel while there
// is room.
func (q *Queue) backfill() {
	q.overflowMu.Lock()
	defer q.overflowMu.Unlock()

	for len(q.overflow) > 0 {
		select {
		case q.events <- q.overflow[0]:
			q.overflow = q.overflow[1:]
		default:
			return
		}
	}
}

// broadcast publishes one event to the mandatory relays plus the tracker's
// current top endpoints.
func (q *Queue) broadcast(event *nostr.Event) {
	urls := q.targetURLs()
	if len(urls) == 0 {
		logging.Warn("Queue: no relays available for broadcasting event %s (kind %d)", event.ID, event.Kind)
		return
	}

	summary := q.publisher.PublishToURLs(q.ctx, event, urls)
	if summary.GlobalError != "" {
		logging.Warn("Queue: broadcast of %s could not start: %s", event.ID, summary.GlobalError)
		return
	}

	logging.DebugMethod("broadcast", "broadcast", "event %s (kind %d): success=%d failed=%d total=%d",
		event.ID, event.Kind, summary.Succeeded, len(summary.Failed), summary.Total)
}

func (q *Queue) targetURLs() []string {
	tracker := q.pool.Tracker()

	seen := make(map[string]bool)
	urls := make([]string, 0, len(q.mandatory))
	for _, u := range q.mandatory {
		if !seen[u] {
			seen[u] = true
			urls = append(urls, u)
		}
	}
	for _, u := range tracker.BroadcastURLs() {
		if !seen[u] {
			seen[u] = true
			urls = append(urls, u)
		}
	}
	return urls
}

// markSeen records an event ID in the dedup cache, reporting whether it was
// already present and unexpired.
func (q *Queue) markSeen(eventID string) bool {
	now := q.clock.Now()

	q.seenMu.Lock()
	defer q.seenMu.Unlock()

	if at, exists := q.seen[eventID]; exists && now.Sub(at) <= q.ttl {
		atomic.AddInt64(&q.hits, 1)
		return true
	}
	atomic.AddInt64(&q.misses, 1)

	if len(q.seen) >= seenCacheMaxSize {
		// Drop 20% of entries to make room; map order is as good a victim
		// selection as any at this size.
		toRemove := seenCacheMaxSize / 5
		removed := 0
		for id := range q.seen {
			delete(q.seen, id)
			removed++
			if removed >= toRemove {
				break
			}
		}
		logging.Info("Queue: dedup cache full, removed %d old entries (size: %d)", removed, len(q.seen))
	}

	q.seen[eventID] = now
	return false
}

// IsEventSeen reports whether an event ID is in the dedup cache.
func (q *Queue) IsEventSeen(eventID string) bool {
	now := q.clock.Now()

	q.seenMu.RLock()
	defer q.seenMu.RUnlock()

	at, exists := q.seen[eventID]
	return exists && now.Sub(at) <= q.ttl
}

// cacheCleanup periodically evicts expired dedup entries.
func (q *Queue) cacheCleanup() {
	defer q.wg.Done()

	// Run every 1/10th of the TTL, clamped to [30s, 5m].
	interval := q.ttl / 10
	if interval > 5*time.Minute {
		interval = 5 * time.Minute
	}
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}

	ticker := q.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			now := q.clock.Now()
			removed := 0
			q.seenMu.Lock()
			for id, at := range q.seen {
				if now.Sub(at) > q.ttl {
					delete(q.seen, id)
					removed++
				}
			}
			size := len(q.seen)
			q.seenMu.Unlock()

			if removed > 0 {
				logging.DebugMethod("broadcast", "cacheCleanup", "removed %d expired entries (cache size: %d)", removed, size)
			}
		}
	}
}

// QueueStats describes the queue's channel and overflow state.
type QueueStats struct {
	WorkerCount        int     `json:"worker_count"`
	ChannelSize        int     `json:"channel_size"`
	ChannelCapacity    int     `json:"channel_capacity"`
	ChannelUtilization float64 `json:"channel_utilization"`
	OverflowSize       int     `json:"overflow_size"`
	TotalQueued        int64   `json:"total_queued"`
	PeakSize           int64   `json:"peak_size"`
	SaturationCount    int64   `json:"saturation_count"`
	IsSaturated        bool    `json:"is_saturated"`
	LastSaturation     string  `json:"last_saturation"`
}

// CacheStats describes the dedup cache.
type CacheStats struct {
	Size           int     `json:"size"`
	MaxSize        int     `json:"max_size"`
	UtilizationPct float64 `json:"utilization_pct"`
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	HitRatePct     float64 `json:"hit_rate_pct"`
}

// BroadcastQueueStats bundles queue and cache statistics.
type BroadcastQueueStats struct {
	MandatoryRelays int        `json:"mandatory_relays"`
	Queue           QueueStats `json:"queue"`
	Cache           CacheStats `json:"cache"`
}

// GetStatsName returns the name for this stats provider.
func (q *Queue) GetStatsName() string {
	return "queue"
}

// GetStats returns queue statistics.
func (q *Queue) GetStats() interface{} {
	q.overflowMu.Lock()
	overflowSize := len(q.overflow)
	lastSaturation := q.lastSaturation
	q.overflowMu.Unlock()

	channelSize := len(q.events)
	totalQueued := atomic.LoadInt64(&q.totalQueued)
	peak := atomic.LoadInt64(&q.peakQueued)
	saturations := atomic.LoadInt64(&q.saturations)

	q.seenMu.RLock()
	cacheSize := len(q.seen)
	q.seenMu.RUnlock()
	hits := atomic.LoadInt64(&q.hits)
	misses := atomic.LoadInt64(&q.misses)

	hitRate := 0.0
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses) * 100.0
	}

	return BroadcastQueueStats{
		MandatoryRelays: len(q.mandatory),
		Queue: QueueStats{
			WorkerCount:        q.workers,
			ChannelSize:        channelSize,
			ChannelCapacity:    q.capacity,
			ChannelUtilization: float64(channelSize) / float64(q.capacity) * 100.0,
			OverflowSize:       overflowSize,
			TotalQueued:        totalQueued,
			PeakSize:           peak,
			SaturationCount:    saturations,
			IsSaturated:        overflowSize > 0,
			LastSaturation:     lastSaturation.Format(time.RFC3339),
		},
		Cache: CacheStats{
			Size:           cacheSize,
			MaxSize:        seenCacheMaxSize,
			UtilizationPct: float64(cacheSize) / float64(seenCacheMaxSize) * 100.0,
			Hits:           hits,
			Misses:         misses,
			HitRatePct:     hitRate,
		},
	}
}
