//go:build debug
// +build debug

package cache

import "fmt"

// checkInvariants requires c.mu be held.
func (c *LRU) checkInvariants() {
	if n := c.entries.Len(); n > c.capacity {
		panic(fmt.Sprintf("FATAL: invariants are broken: %v entries, capacity %v", n, c.capacity))
	}
	if keys := c.entries.Keys(); len(keys) != c.entries.Len() {
		panic(fmt.Sprintf("FATAL: invariants are broken: %v keys, %v entries", len(keys), c.entries.Len()))
	}
}
