package relaypool

import (
	"context"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/relay-pool/broadcast"
	"github.com/girino/relay-pool/discovery"
	"github.com/girino/relay-pool/logging"
	"github.com/girino/relay-pool/pool"
	"github.com/girino/relay-pool/stats"
)

// Config holds configuration for the whole system.
type Config struct {
	SeedRelays       []string
	MandatoryRelays  []string
	TopNRelays       int
	SuccessRateDecay float64
	WorkerCount      int
	CacheTTL         time.Duration
	ConnectTimeout   time.Duration
	RetryInterval    time.Duration
	SetCacheSize     int

	// Dialer overrides the transport; nil selects the websocket dialer.
	Dialer pool.Dialer
}

// System wires the connection pool, publisher, broadcast queue and discovery
// into one unit.
type System struct {
	cfg            Config
	pool           *pool.Pool
	publisher      *broadcast.Publisher
	subscriber     *broadcast.Subscriber
	queue          *broadcast.Queue
	discovery      *discovery.Discovery
	statsCollector *stats.StatsCollector
}

// New creates a system with all components wired together.
func New(cfg Config) *System {
	logging.Debug("System: Initializing relay pool system")

	pl := pool.New(pool.Config{
		Dialer:           cfg.Dialer,
		RetryInterval:    cfg.RetryInterval,
		ConnectTimeout:   cfg.ConnectTimeout,
		SuccessRateDecay: cfg.SuccessRateDecay,
		TopN:             cfg.TopNRelays,
		SetCacheSize:     cfg.SetCacheSize,
	})

	publisher := broadcast.NewPublisher(pl, nil)
	subscriber := broadcast.NewSubscriber(pl)

	queue := broadcast.NewQueue(publisher, pl, broadcast.QueueConfig{
		Workers:         cfg.WorkerCount,
		CacheTTL:        cfg.CacheTTL,
		MandatoryRelays: cfg.MandatoryRelays,
	})

	disc := discovery.NewDiscovery(pl.Tracker(), pl, pl)

	statsCollector := stats.NewStatsCollector()
	statsCollector.RegisterProvider(pl)
	statsCollector.RegisterProvider(publisher)
	statsCollector.RegisterProvider(queue)

	return &System{
		cfg:            cfg,
		pool:           pl,
		publisher:      publisher,
		subscriber:     subscriber,
		queue:          queue,
		discovery:      disc,
		statsCollector: statsCollector,
	}
}

// Start launches the broadcast queue workers.
func (s *System) Start() {
	logging.Info("System: Starting relay pool system")
	s.queue.Start()
}

// Stop shuts the queue down and closes every pooled connection.
func (s *System) Stop() {
	logging.Info("System: Stopping relay pool system")
	s.queue.Stop()
	s.pool.Close()
}

// Discover performs relay discovery from the configured seed relays and then
// switches endpoint scoring to steady-state mode.
func (s *System) Discover(ctx context.Context) {
	s.discovery.DiscoverFromSeeds(ctx, s.cfg.SeedRelays)
	s.MarkInitialized()
}

// MarkInitialized switches endpoint success tracking from the startup mode to
// exponential decay.
func (s *System) MarkInitialized() {
	s.pool.Tracker().MarkInitialized()
}

// Publish sends an event to every member of a relay set and waits for the
// outcome.
func (s *System) Publish(ctx context.Context, event *nostr.Event, urls []string) broadcast.Summary {
	return s.publisher.PublishToURLs(ctx, event, urls)
}

// Broadcast queues an event for asynchronous delivery to the mandatory and
// top-ranked relays.
func (s *System) Broadcast(event *nostr.Event) {
	s.queue.Enqueue(event)
}

// IsEventBroadcast reports whether an event was recently queued.
func (s *System) IsEventBroadcast(eventID string) bool {
	return s.queue.IsEventSeen(eventID)
}

// AddRelayIfNew registers a newly heard-of relay and checks it in the
// background.
func (s *System) AddRelayIfNew(url string) {
	s.discovery.AddRelayIfNew(url)
}

// Pool exposes the connection pool.
func (s *System) Pool() *pool.Pool {
	return s.pool
}

// Publisher exposes the synchronous publisher.
func (s *System) Publisher() *broadcast.Publisher {
	return s.publisher
}

// Subscriber exposes the subscription coordinator.
func (s *System) Subscriber() *broadcast.Subscriber {
	return s.subscriber
}

// Queue exposes the asynchronous broadcast queue.
func (s *System) Queue() *broadcast.Queue {
	return s.queue
}

// StatsCollector exposes the collector so callers can register their own
// providers alongside the built-in ones.
func (s *System) StatsCollector() *stats.StatsCollector {
	return s.statsCollector
}

// GetStatsAsJSON returns all registered stats as formatted JSON.
func (s *System) GetStatsAsJSON() ([]byte, error) {
	return s.statsCollector.GetStatsAsJSON()
}
