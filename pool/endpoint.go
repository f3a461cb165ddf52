package pool

import (
	"net/url"
	"strings"
	"sync"
	"time"
)

// Status is the connection lifecycle state of one endpoint.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// attempt is a broadcast-once future shared by every caller waiting on the
// same connection attempt. Both the dial goroutine and external transport
// events settle through the same Once, so double resolution is impossible.
type attempt struct {
	done chan struct{}
	once sync.Once
	ok   bool
}

func newAttempt() *attempt {
	return &attempt{done: make(chan struct{})}
}

func (a *attempt) settle(ok bool) {
	a.once.Do(func() {
		a.ok = ok
		close(a.done)
	})
}

// endpoint is the canonical per-URL record. All fields are guarded by the
// tracker's mutex; at most one attempt is in flight at any time.
type endpoint struct {
	url     string
	status  Status
	attempt *attempt
	conn    Conn

	lastAttemptAt time.Time
	lastSuccessAt time.Time
	lastFailureAt time.Time

	totalAttempts      int64
	successfulAttempts int64
	avgResponseTime    time.Duration
	successRate        float64
	mandatory          bool
}

func newEndpoint(url string) *endpoint {
	return &endpoint{
		url:         url,
		status:      StatusIdle,
		successRate: 1.0, // Start optimistic
	}
}

// recordOutcome updates the endpoint's health bookkeeping after a connect or
// publish attempt. During warm-up the success rate is a simple ratio; once
// the tracker is marked initialized it switches to exponential decay.
func (e *endpoint) recordOutcome(success bool, responseTime time.Duration, decay float64, initialized bool) {
	e.totalAttempts++
	if success {
		e.successfulAttempts++
		if responseTime > 0 {
			if e.avgResponseTime == 0 {
				e.avgResponseTime = responseTime
			} else {
				e.avgResponseTime = time.Duration(
					float64(e.avgResponseTime)*0.7 + float64(responseTime)*0.3,
				)
			}
		}
	}

	if initialized {
		successValue := 0.0
		if success {
			successValue = 1.0
		}
		e.successRate = e.successRate*decay + successValue*(1-decay)
	} else if e.totalAttempts > 0 {
		e.successRate = float64(e.successfulAttempts) / float64(e.totalAttempts)
	}
}

// score ranks endpoints for broadcast selection. Higher is better.
func (e *endpoint) score(initialized bool) float64 {
	successWeight := 100.0

	responseTimePenalty := 0.0
	if e.avgResponseTime > 0 {
		responseTimePenalty = e.avgResponseTime.Seconds() * 10.0
	}

	score := e.successRate*successWeight - responseTimePenalty

	// Penalize endpoints with very few attempts during warm-up
	if !initialized && e.totalAttempts < 3 {
		score *= 0.5
	}

	return score
}

// EndpointInfo is a read-only snapshot of one endpoint record.
type EndpointInfo struct {
	URL                string
	Status             Status
	LastAttemptAt      time.Time
	LastSuccessAt      time.Time
	LastFailureAt      time.Time
	TotalAttempts      int64
	SuccessfulAttempts int64
	AvgResponseTime    time.Duration
	SuccessRate        float64
	Score              float64
	IsMandatory        bool
}

func (e *endpoint) snapshot(initialized bool) EndpointInfo {
	return EndpointInfo{
		URL:                e.url,
		Status:             e.status,
		LastAttemptAt:      e.lastAttemptAt,
		LastSuccessAt:      e.lastSuccessAt,
		LastFailureAt:      e.lastFailureAt,
		TotalAttempts:      e.totalAttempts,
		SuccessfulAttempts: e.successfulAttempts,
		AvgResponseTime:    e.avgResponseTime,
		SuccessRate:        e.successRate,
		Score:              e.score(initialized),
		IsMandatory:        e.mandatory,
	}
}

// NormalizeURL canonicalizes a relay URL: scheme + lowercased host + path,
// trailing slash stripped, query/fragment/userinfo removed. Returns "" for
// anything that does not resolve to a websocket locator.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return ""
	}

	if u.Host == "" {
		return ""
	}

	u.Host = strings.ToLower(u.Host)
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")

	return u.String()
}
