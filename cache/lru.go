package cache

import (
	"sync"

	"github.com/facebookgo/stackerr"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/skipor/cacheproxy/internal/tag"
	"github.com/skipor/cacheproxy/log"
)

// LRU is Cache with strict least recently used eviction.
// Every operation, including recency update on Get, is done under one mutex.
type LRU struct {
	mu       sync.Mutex
	entries  *simplelru.LRU[string, []byte]
	capacity int
	log      log.Logger
}

var _ Cache = (*LRU)(nil)

func NewLRU(l log.Logger, conf Config) (*LRU, error) {
	if err := checkConfig(conf); err != nil {
		return nil, err
	}
	c := &LRU{
		capacity: conf.Capacity,
		log:      l,
	}
	var err error
	c.entries, err = simplelru.NewLRU[string, []byte](conf.Capacity, c.onEvict)
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	return c, nil
}

func (c *LRU) Get(key string) (value []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tag.Debug {
		defer c.checkInvariants()
	}
	value, ok = c.entries.Get(key)
	if ok {
		value = copyBytes(value)
	}
	return
}

func (c *LRU) Set(key string, value []byte) {
	value = copyBytes(value)
	c.mu.Lock()
	defer c.mu.Unlock()
	if tag.Debug {
		defer c.checkInvariants()
	}
	c.entries.Add(key, value)
}

// Len returns number of entries.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

func (c *LRU) Capacity() int { return c.capacity }

// Keys returns keys from least to most recently used. It does not touch entries.
func (c *LRU) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Keys()
}

// Peek returns value without recency update.
func (c *LRU) Peek(key string) (value []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok = c.entries.Peek(key)
	if ok {
		value = copyBytes(value)
	}
	return
}

// onEvict is called by simplelru with c.mu held.
func (c *LRU) onEvict(key string, _ []byte) {
	c.log.Debugf("Entry evicted: %.64q.", key)
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append(make([]byte, 0, len(b)), b...)
}
