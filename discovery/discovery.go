package discovery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/girino/relay-pool/broadcast"
	"github.com/girino/relay-pool/logging"
	"github.com/girino/relay-pool/pool"
)

const (
	// seedConnectTimeout bounds the connection setup to one seed relay.
	seedConnectTimeout = 30 * time.Second

	// seedFetchTimeout bounds the relay-list fetch from one seed relay.
	seedFetchTimeout = 10 * time.Second

	// relayListLimit is the max relay-list events requested per seed.
	relayListLimit = 100
)

// Discovery finds new relay URLs by reading contact lists (kind 3) and relay
// list metadata (kind 10002, NIP-65) from seed relays, and feeds them into
// the registry.
type Discovery struct {
	registry Registry
	checker  HealthChecker
	pool     *pool.Pool
	sub      *broadcast.Subscriber
}

func NewDiscovery(registry Registry, checker HealthChecker, pl *pool.Pool) *Discovery {
	logging.Debug("Discovery: Initializing discovery module")
	return &Discovery{
		registry: registry,
		checker:  checker,
		pool:     pl,
		sub:      broadcast.NewSubscriber(pl),
	}
}

// DiscoverFromSeeds performs initial relay discovery from seed relays: the
// seeds are registered, their stored relay lists fetched, and every relay
// (seeds plus discovered) health-checked.
func (d *Discovery) DiscoverFromSeeds(ctx context.Context, seedRelays []string) {
	logging.Debug("Discovery: Starting seed discovery")
	logging.Info("Discovery: Using %d seed relays", len(seedRelays))

	for _, seed := range seedRelays {
		logging.Debug("Discovery: Adding seed relay: %s", seed)
		d.registry.AddRelay(seed)
	}

	relayURLs := make(map[string]bool)
	for i, seedURL := range seedRelays {
		logging.Debug("Discovery: Fetching relay lists from seed %d/%d: %s", i+1, len(seedRelays), seedURL)
		for _, relay := range d.fetchRelaysFromRelay(ctx, seedURL) {
			relayURLs[relay] = true
		}
	}

	logging.Debug("Discovery: Found %d unique relay URLs from seeds", len(relayURLs))

	newRelays := 0
	for url := range relayURLs {
		if !d.registry.Known(url) {
			d.registry.AddRelay(url)
			newRelays++
		}
	}
	logging.Info("Discovery: Added %d new relays from discovery", newRelays)

	successes, failures := d.checker.CheckBatch(ctx, d.registry.URLs())
	logging.Info("Discovery: Relay check complete: %d reachable, %d unreachable", successes, failures)
}

// fetchRelaysFromRelay fetches relay lists stored on a single seed relay.
func (d *Discovery) fetchRelaysFromRelay(ctx context.Context, relayURL string) []string {
	connectCtx, cancel := context.WithTimeout(ctx, seedConnectTimeout)
	defer cancel()

	result := d.pool.Prepare(connectCtx, []string{relayURL}, pool.PrepareOptions{Wait: true})
	if len(result.Connected) == 0 {
		logging.Debug("Discovery: Failed to connect to seed relay %s", relayURL)
		return nil
	}

	fetchCtx, cancelFetch := context.WithTimeout(ctx, seedFetchTimeout)
	defer cancelFetch()

	filter := nostr.Filter{
		Kinds: []int{3, 10002},
		Limit: relayListLimit,
	}
	events := d.sub.Fetch(fetchCtx, result.Set, filter, relayListLimit)

	relaySet := make(map[string]bool)
	for _, event := range events {
		for _, r := range ExtractRelayURLs(event) {
			relaySet[r] = true
		}
	}

	urls := make([]string, 0, len(relaySet))
	for relay := range relaySet {
		urls = append(urls, relay)
	}

	logging.Debug("Discovery: Fetched %d relay URLs from %s", len(urls), relayURL)
	return urls
}

// ExtractRelayURLs extracts relay URLs from a Nostr event. Kind 3 carries
// relays as JSON keys in the content (legacy format), kind 10002 as "r" tags.
// Relay hints in "e" and "p" tags count for any kind.
func ExtractRelayURLs(event *nostr.Event) []string {
	var relays []string

	switch event.Kind {
	case 3:
		if event.Content != "" {
			relays = append(relays, parseContactListContent(event.Content)...)
		}
	case 10002:
		// Format: ["r", "<relay-url>", "<read|write>"]
		for _, tag := range event.Tags {
			if len(tag) >= 2 && tag[0] == "r" {
				if relay := pool.NormalizeURL(tag[1]); relay != "" {
					relays = append(relays, relay)
				}
			}
		}
	}

	// Format: ["e", "<event-id>", "<relay-url>"] / ["p", "<pubkey>", "<relay-url>"]
	for _, tag := range event.Tags {
		if len(tag) >= 3 && (tag[0] == "e" || tag[0] == "p") {
			if relay := pool.NormalizeURL(tag[2]); relay != "" {
				relays = append(relays, relay)
			}
		}
	}

	return relays
}

// parseContactListContent parses relay URLs from kind 3 content. The content
// is a JSON object keyed by relay URL.
func parseContactListContent(content string) []string {
	var relayMap map[string]interface{}
	if err := json.Unmarshal([]byte(content), &relayMap); err != nil {
		return nil
	}

	var relays []string
	for relayURL := range relayMap {
		if relay := pool.NormalizeURL(relayURL); relay != "" {
			relays = append(relays, relay)
		}
	}
	return relays
}

// AddRelayIfNew registers a relay if it is not already known and checks it in
// the background.
func (d *Discovery) AddRelayIfNew(url string) {
	canon := pool.NormalizeURL(url)
	if canon == "" {
		return
	}

	if !d.registry.Known(canon) {
		logging.Debug("Discovery: New relay discovered: %s (testing...)", canon)
		d.registry.AddRelay(canon)
		go d.checker.CheckBatch(context.Background(), []string{canon})
	}
}
