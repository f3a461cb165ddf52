// Package stats aggregates runtime statistics from every component that
// registers as a provider.
package stats

import (
	"encoding/json"
	"sync"

	jsonlib "github.com/girino/relay-pool/json"
)

// StatsProvider is implemented by components that expose statistics.
type StatsProvider interface {
	// GetStatsName returns a unique name for this provider.
	GetStatsName() string

	// GetStats returns the provider's statistics: either a jsonlib.JsonEntity
	// or any JSON-marshalable value.
	GetStats() interface{}
}

// StatsCollector aggregates multiple providers into one snapshot.
type StatsCollector struct {
	mu        sync.RWMutex
	providers map[string]StatsProvider
	order     []string
}

// NewStatsCollector creates an empty collector.
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{
		providers: make(map[string]StatsProvider),
	}
}

// RegisterProvider adds a provider. Re-registering a name replaces the
// provider but keeps its position.
func (sc *StatsCollector) RegisterProvider(provider StatsProvider) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	name := provider.GetStatsName()
	if _, exists := sc.providers[name]; !exists {
		sc.order = append(sc.order, name)
	}
	sc.providers[name] = provider
}

// UnregisterProvider removes a provider by name.
func (sc *StatsCollector) UnregisterProvider(name string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if _, exists := sc.providers[name]; !exists {
		return
	}
	delete(sc.providers, name)
	for i, n := range sc.order {
		if n == name {
			sc.order = append(sc.order[:i], sc.order[i+1:]...)
			break
		}
	}
}

// GetAllStats collects raw statistics from all providers.
func (sc *StatsCollector) GetAllStats() map[string]interface{} {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	allStats := make(map[string]interface{}, len(sc.providers))
	for name, provider := range sc.providers {
		allStats[name] = provider.GetStats()
	}
	return allStats
}

// GetStatsAsJSON returns all stats as indented JSON in registration order.
func (sc *StatsCollector) GetStatsAsJSON() ([]byte, error) {
	obj, err := sc.GetStatsAsOrderedJSON()
	if err != nil {
		return nil, err
	}
	return jsonlib.MarshalIndent(obj, "", "  ")
}

// GetStatsAsOrderedJSON returns all stats as an ordered JSON object, one
// entry per provider in registration order.
func (sc *StatsCollector) GetStatsAsOrderedJSON() (*jsonlib.JsonObject, error) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	obj := jsonlib.NewJsonObject()
	for _, name := range sc.order {
		entity, err := toJsonEntity(sc.providers[name].GetStats())
		if err != nil {
			return nil, err
		}
		obj.Set(name, entity)
	}
	return obj, nil
}

// toJsonEntity converts a provider result to a JsonEntity. Providers that
// already return an entity pass through; anything else takes the
// marshal-and-reparse path.
func toJsonEntity(v interface{}) (jsonlib.JsonEntity, error) {
	if entity, ok := v.(jsonlib.JsonEntity); ok {
		return entity, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonlib.Unmarshal(data)
}

// GetProviderNames returns registered provider names in registration order.
func (sc *StatsCollector) GetProviderNames() []string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	names := make([]string, len(sc.order))
	copy(names, sc.order)
	return names
}

// GetProviderCount returns the number of registered providers.
func (sc *StatsCollector) GetProviderCount() int {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return len(sc.providers)
}
