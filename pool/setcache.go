package pool

import (
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/girino/relay-pool/logging"
)

// DefaultSetCacheSize bounds the relay-set cache.
const DefaultSetCacheSize = 64

// setKeyDelimiter joins member URLs into a cache key. URLs cannot contain
// whitespace after normalization.
const setKeyDelimiter = " "

// RelaySet is an opaque, cacheable grouping of relay endpoints. Membership is
// the full requested set, independent of current connectivity, so a retried
// operation against the same handle naturally picks up newly-connected
// endpoints. Handles are read-only views; the tracker owns the records.
type RelaySet struct {
	key     string
	members []string
}

// Key returns the canonical cache key for this set.
func (s *RelaySet) Key() string {
	return s.key
}

// Members returns the member URLs in first-seen order.
func (s *RelaySet) Members() []string {
	out := make([]string, len(s.members))
	copy(out, s.members)
	return out
}

// Size returns the number of members.
func (s *RelaySet) Size() int {
	return len(s.members)
}

// SetKey computes the canonical key for a list of normalized URLs: sorted,
// deduplicated, joined. Order-independent by construction.
func SetKey(members []string) string {
	sorted := make([]string, 0, len(members))
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		if !seen[m] {
			seen[m] = true
			sorted = append(sorted, m)
		}
	}
	sort.Strings(sorted)
	return strings.Join(sorted, setKeyDelimiter)
}

// setCache memoizes relay-set handles by canonical key so repeated requests
// for the same logical group reuse one handle.
type setCache struct {
	cache *lru.Cache[string, *RelaySet]
}

func newSetCache(size int) *setCache {
	if size <= 0 {
		size = DefaultSetCacheSize
	}
	// lru.New only fails for non-positive sizes, which we just excluded.
	cache, _ := lru.New[string, *RelaySet](size)
	return &setCache{cache: cache}
}

// getOrCreate returns the cached handle for the member set, constructing and
// inserting one if absent. Concurrent insertion for the same key is
// idempotent: last writer wins, readers always see a complete handle.
func (c *setCache) getOrCreate(members []string) *RelaySet {
	key := SetKey(members)
	if set, ok := c.cache.Get(key); ok {
		return set
	}

	set := &RelaySet{
		key:     key,
		members: append([]string(nil), members...),
	}
	if evicted := c.cache.Add(key, set); evicted {
		logging.DebugMethod("pool", "setCache", "evicted oldest relay set (len=%d)", c.cache.Len())
	}
	return set
}

func (c *setCache) len() int {
	return c.cache.Len()
}

func (c *setCache) purge() {
	c.cache.Purge()
}
