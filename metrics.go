package cacheproxy

import (
	"github.com/rcrowley/go-metrics"
)

// Metrics is proxy statistics. All metrics are registered in Registry.
type Metrics struct {
	Registry metrics.Registry

	ConnAccepted metrics.Counter
	ConnActive   metrics.Counter

	Requests      metrics.Counter
	CacheHits     metrics.Counter
	CacheMisses   metrics.Counter
	CacheBypasses metrics.Counter
	CacheStores   metrics.Counter
	PassThrough   metrics.Counter
	CloseRequests metrics.Counter

	BackendErrors metrics.Counter
	ClientErrors  metrics.Counter

	BackendRoundTrip metrics.Timer
}

// NewMetrics registers proxy metrics in r. New registry is created if r is nil.
func NewMetrics(r metrics.Registry) *Metrics {
	if r == nil {
		r = metrics.NewRegistry()
	}
	return &Metrics{
		Registry: r,

		ConnAccepted: metrics.NewRegisteredCounter("conn.accepted", r),
		ConnActive:   metrics.NewRegisteredCounter("conn.active", r),

		Requests:      metrics.NewRegisteredCounter("request.total", r),
		CacheHits:     metrics.NewRegisteredCounter("cache.hit", r),
		CacheMisses:   metrics.NewRegisteredCounter("cache.miss", r),
		CacheBypasses: metrics.NewRegisteredCounter("cache.bypass", r),
		CacheStores:   metrics.NewRegisteredCounter("cache.store", r),
		PassThrough:   metrics.NewRegisteredCounter("request.passthrough", r),
		CloseRequests: metrics.NewRegisteredCounter("request.close", r),

		BackendErrors: metrics.NewRegisteredCounter("backend.error", r),
		ClientErrors:  metrics.NewRegisteredCounter("client.error", r),

		BackendRoundTrip: metrics.NewRegisteredTimer("backend.roundtrip", r),
	}
}
