package robots

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/temoto/robotstxt"

	"github.com/JakeFAU/goharvest/internal/harvest"
)

// Record is a cached robots policy: the public entry plus the parsed rule
// group for the configured agent. A nil group allows everything.
type Record struct {
	Entry harvest.RobotsEntry
	group *robotstxt.Group
}

// Allows reports whether path may be fetched under the record.
func (r Record) Allows(path string) bool {
	if r.group == nil {
		return true
	}
	if path == "" {
		path = "/"
	}
	return r.group.Test(path)
}

// Cache stores robots records per host.
type Cache interface {
	Get(host string) (Record, bool)
	Add(host string, rec Record)
	Len() int
}

// LRUCache is a size-bounded Cache whose entries expire after a TTL.
type LRUCache struct {
	lru *expirable.LRU[string, Record]
}

// NewLRUCache returns a cache holding at most size hosts for ttl each.
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &LRUCache{lru: expirable.NewLRU[string, Record](size, nil, ttl)}
}

// Get returns the unexpired record for host.
func (c *LRUCache) Get(host string) (Record, bool) {
	return c.lru.Get(strings.ToLower(host))
}

// Add stores rec for host, evicting the least recently used host when full.
func (c *LRUCache) Add(host string, rec Record) {
	c.lru.Add(strings.ToLower(host), rec)
}

// Len returns the number of cached hosts.
func (c *LRUCache) Len() int {
	return c.lru.Len()
}
