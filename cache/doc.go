// Package cache provides bounded LRU cache of backend results, shared by all proxy connections.
// Entries are touched by both Get and Set. On overflow exactly one least
// recently used entry is evicted. There is no expiration and no explicit deletion:
// entries leave the cache only by eviction.
package cache
