package cache

import (
	"github.com/facebookgo/stackerr"

	"github.com/skipor/cacheproxy/log"
)

// Cache is shared between all proxy connections, so implementations must be safe for concurrent use.
// Implementations must not retain value slices passed to Set and must not expect
// that slices returned from Get are not modified by caller.
type Cache interface {
	// Get returns value and marks key as most recently used.
	Get(key string) (value []byte, ok bool)
	// Set inserts or updates value, marks key as most recently used
	// and evicts least recently used entry on overflow.
	Set(key string, value []byte)
}

type Config struct {
	// Capacity is max number of entries. Should be positive.
	Capacity int
}

const DefaultCapacity = 128

func NewCache(l log.Logger, conf Config) (Cache, error) {
	c, err := NewLRU(l, conf)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func checkConfig(conf Config) error {
	if conf.Capacity <= 0 {
		return stackerr.Newf("non positive cache capacity: %v", conf.Capacity)
	}
	return nil
}
