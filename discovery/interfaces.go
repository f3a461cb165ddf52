package discovery

import "context"

// Registry is the relay inventory that discovery feeds into. *pool.Tracker
// satisfies it.
type Registry interface {
	AddRelay(url string)
	Known(url string) bool
	URLs() []string
}

// HealthChecker probes candidate relays. *pool.Pool satisfies it.
type HealthChecker interface {
	CheckBatch(ctx context.Context, urls []string) (successes, failures int)
}
