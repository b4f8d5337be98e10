package mesh

import (
	"testing"
	"time"
)

func TestSeenCacheDetectsDuplicates(t *testing.T) {
	c := newSeenCache(4, time.Minute)
	now := time.Unix(100, 0)
	key := seenKey{source: 7, sequence: 1}

	if c.check(key, now) {
		t.Fatalf("first sighting must not be a duplicate")
	}
	if !c.check(key, now.Add(time.Second)) {
		t.Fatalf("second sighting must be a duplicate")
	}
	if !c.check(key, now.Add(30*time.Second)) {
		t.Fatalf("sighting inside ttl must be a duplicate")
	}
	if c.check(key, now.Add(2*time.Minute)) {
		t.Fatalf("sighting after ttl must not be a duplicate")
	}
}

func TestSeenCacheEvictsOldest(t *testing.T) {
	c := newSeenCache(3, time.Hour)
	now := time.Unix(100, 0)
	for seq := uint16(1); seq <= 4; seq++ {
		c.check(seenKey{source: 1, sequence: seq}, now)
	}
	if c.len() != 3 {
		t.Fatalf("expected bounded cache, got %d entries", c.len())
	}
	if c.check(seenKey{source: 1, sequence: 4}, now) != true {
		t.Fatalf("newest entry must be kept")
	}
	if c.check(seenKey{source: 1, sequence: 1}, now) {
		t.Fatalf("oldest entry should have been evicted")
	}
	if c.check(seenKey{source: 2, sequence: 4}, now) {
		t.Fatalf("same sequence from another source is a new message")
	}
}
