package cacheproxy

import (
	"io"
	"time"

	"github.com/skipor/cacheproxy/cache"
	"github.com/skipor/cacheproxy/log"
)

// Config is parsed proxy configuration.
type Config struct {
	Addr           string
	BackendAddr    string
	LogDestination io.Writer
	LogLevel       log.Level
	Cache          cache.Config
	MaxMessageSize int
	DialTimeout    time.Duration
	// ReadTimeout limits wait of backend response. Zero means no limit.
	ReadTimeout time.Duration
	// StatsInterval is period of statistics logging. Zero disables it.
	StatsInterval time.Duration
}
