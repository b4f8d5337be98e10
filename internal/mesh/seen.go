package mesh

import (
	"time"

	"github.com/skobkin/simsnode/internal/domain"
)

type seenKey struct {
	source   domain.DeviceID
	sequence uint16
}

// seenCache remembers recently handled (source, sequence) pairs. When full,
// the oldest entry is evicted first.
type seenCache struct {
	ttl     time.Duration
	entries map[seenKey]time.Time
	order   []seenKey
	limit   int
}

func newSeenCache(limit int, ttl time.Duration) *seenCache {
	return &seenCache{
		ttl:     ttl,
		limit:   limit,
		entries: make(map[seenKey]time.Time, limit),
		order:   make([]seenKey, 0, limit),
	}
}

// check reports whether key was already seen and records it otherwise.
func (c *seenCache) check(key seenKey, now time.Time) bool {
	if at, ok := c.entries[key]; ok && now.Sub(at) < c.ttl {
		return true
	}
	if _, ok := c.entries[key]; !ok && len(c.order) >= c.limit {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	if _, ok := c.entries[key]; !ok {
		c.order = append(c.order, key)
	}
	c.entries[key] = now

	return false
}

func (c *seenCache) len() int {
	return len(c.entries)
}
