// Package dns implements a minimal recursive-stub DNS resolver (spec
// §4.10): wire encode/decode with name compression, a bounded answer
// cache, and hostname validation.
package dns

import (
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/vkernel/vkernel/internal/clock"
	"github.com/vkernel/vkernel/internal/kerr"
)

const (
	// CacheCapacity bounds the number of distinct (name, type) answers
	// retained (spec §4.10).
	CacheCapacity = 256

	MinTTL     = 60 * time.Second
	MaxTTL     = 86400 * time.Second
	DefaultTTL = 300 * time.Second

	maxLabelLen = 63
	maxNameLen  = 255

	// MaxCompressionJumps bounds pointer-chasing while decoding a
	// compressed name, guarding against a pointer loop (spec §4.10).
	MaxCompressionJumps = 16
)

var foldCase = cases.Fold()

// normalize lowercases name the Unicode-aware way the teacher's stack
// already depends on x/text/cases for.
func normalize(name string) string {
	return foldCase.String(strings.TrimSuffix(name, "."))
}

// ValidateName checks label and total-length limits (spec §4.10).
func ValidateName(name string) error {
	name = strings.TrimSuffix(name, ".")
	if len(name) == 0 || len(name) > maxNameLen {
		return kerr.New(kerr.InvalidArgument, "dns.ValidateName: length")
	}
	for _, label := range strings.Split(name, ".") {
		if len(label) == 0 || len(label) > maxLabelLen {
			return kerr.New(kerr.InvalidArgument, "dns.ValidateName: label length")
		}
		for _, r := range label {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-') {
				return kerr.New(kerr.InvalidArgument, "dns.ValidateName: character")
			}
		}
	}
	return nil
}

// clampTTL enforces spec §4.10's [60s, 86400s] TTL clamp.
func clampTTL(ttl time.Duration) time.Duration {
	if ttl < MinTTL {
		return MinTTL
	}
	if ttl > MaxTTL {
		return MaxTTL
	}
	return ttl
}

// cacheKey is the normalized query name plus record type.
type cacheKey struct {
	Name string
	Type RecordType
}

type cacheEntry struct {
	Addrs     []string
	ExpiresAt time.Time
}

// Cache is the bounded resolver answer cache (spec §4.10: "256-entry
// cache").
type Cache struct {
	clock   clock.Clock
	entries map[cacheKey]*cacheEntry
	order   []cacheKey // insertion order, for FIFO eviction once full
}

// NewCache builds an empty cache.
func NewCache(c clock.Clock) *Cache {
	return &Cache{clock: c, entries: make(map[cacheKey]*cacheEntry)}
}

// Get returns cached addresses for (name, typ) if present and unexpired.
func (c *Cache) Get(name string, typ RecordType) ([]string, bool) {
	key := cacheKey{Name: normalize(name), Type: typ}
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.clock.Now().After(e.ExpiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.Addrs, true
}

// Put inserts or replaces the cached answer for (name, typ), clamping ttl
// and evicting the oldest entry if the cache is at capacity.
func (c *Cache) Put(name string, typ RecordType, addrs []string, ttl time.Duration) {
	key := cacheKey{Name: normalize(name), Type: typ}
	if _, exists := c.entries[key]; !exists && len(c.entries) >= CacheCapacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = &cacheEntry{Addrs: addrs, ExpiresAt: c.clock.Now().Add(clampTTL(ttl))}
}

// Sweep drops expired entries (called by the timer worker).
func (c *Cache) Sweep() {
	now := c.clock.Now()
	for k, e := range c.entries {
		if now.After(e.ExpiresAt) {
			delete(c.entries, k)
		}
	}
}
