package config

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/facebookgo/stackerr"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/skipor/cacheproxy"
	"github.com/skipor/cacheproxy/cache"
	"github.com/skipor/cacheproxy/internal/util"
	"github.com/skipor/cacheproxy/log"
)

// Config is user input config. Zero values means not set.
type Config struct {
	ListenHost string `yaml:"listen-host,omitempty"`
	ListenPort int    `yaml:"listen-port,omitempty"`
	ServerHost string `yaml:"server-host,omitempty"`
	ServerPort int    `yaml:"server-port,omitempty"`
	// CacheSize is max number of cached results.
	CacheSize int `yaml:"cache-size,omitempty"`
	// Size values 10m, 1024k, 1000000b
	MaxMessageSize string `yaml:"max-message-size,omitempty"`
	// Duration values 5s, 100ms, 1m. 0 disables read timeout and stats.
	DialTimeout    string `yaml:"dial-timeout,omitempty"`
	ReadTimeout    string `yaml:"read-timeout,omitempty"`
	StatsInterval  string `yaml:"stats-interval,omitempty"`
	LogDestination string `yaml:"log-destination,omitempty"` // Stdout, stderr, or filepath.
	LogLevel       string `yaml:"log-level,omitempty"`
}

func Default() *Config {
	return &Config{
		ListenHost:     "127.0.0.1",
		ListenPort:     5554,
		ServerHost:     "127.0.0.1",
		ServerPort:     5555,
		CacheSize:      cache.DefaultCapacity,
		MaxMessageSize: "1m",
		DialTimeout:    cacheproxy.DefaultDialTimeout.String(),
		ReadTimeout:    cacheproxy.DefaultReadTimeout.String(),
		StatsInterval:  "0",
		LogDestination: "stderr",
		LogLevel:       "info",
	}
}

func Parse(conf Config) (pconf cacheproxy.Config, err error) {
	if conf.CacheSize <= 0 {
		err = stackerr.Newf("Cache size should be positive, but got %v.", conf.CacheSize)
		return
	}
	pconf.Cache.Capacity = conf.CacheSize
	var maxMessageSize int64
	maxMessageSize, err = parseSize(conf.MaxMessageSize)
	if err != nil {
		err = stackerr.Newf("Max message size parse error: %v", err)
		return
	}
	pconf.MaxMessageSize = int(maxMessageSize)
	pconf.DialTimeout, err = parseDuration(conf.DialTimeout)
	if err != nil {
		err = stackerr.Newf("Dial timeout parse error: %v", err)
		return
	}
	pconf.ReadTimeout, err = parseDuration(conf.ReadTimeout)
	if err != nil {
		err = stackerr.Newf("Read timeout parse error: %v", err)
		return
	}
	pconf.StatsInterval, err = parseDuration(conf.StatsInterval)
	if err != nil {
		err = stackerr.Newf("Stats interval parse error: %v", err)
		return
	}
	pconf.LogLevel, err = log.LevelFromString(conf.LogLevel)
	if err != nil {
		err = stackerr.Newf("Log level parse error: %v", err)
		return
	}
	pconf.LogDestination, err = logDestination(conf.LogDestination)
	if err != nil {
		err = stackerr.Newf("Log destination open error: %v", err)
		return
	}
	pconf.Addr = net.JoinHostPort(conf.ListenHost, strconv.Itoa(conf.ListenPort))
	pconf.BackendAddr = net.JoinHostPort(conf.ServerHost, strconv.Itoa(conf.ServerPort))
	return
}

// Merge overwrite def values with non zero override values.
func Merge(def, override *Config) {
	defVal := reflect.ValueOf(def).Elem()
	overrideVal := reflect.ValueOf(override).Elem()
	for i, end := 0, defVal.NumField(); i < end; i++ {
		overrideVal := overrideVal.Field(i)
		if !util.IsZeroVal(overrideVal) {
			defVal.Field(i).Set(overrideVal)
		}
	}
}

// Unmarshal decodes YAML config. Unknown fields are errors.
func Unmarshal(data []byte, conf *Config) error {
	d := yaml.NewDecoder(bytes.NewReader(data))
	d.KnownFields(true)
	err := d.Decode(conf)
	if err == io.EOF {
		// Empty file.
		return nil
	}
	return stackerr.Wrap(err)
}

func Marshal(conf *Config) []byte {
	data, err := yaml.Marshal(conf)
	if err != nil {
		panic(err)
	}
	return data
}

func parseSize(s string) (size int64, err error) {
	if len(s) < 2 {
		err = errors.New("Invalid size format.")
		return
	}
	sep := len(s) - 1
	sizeStr := s[:sep]
	exponentStr := s[sep:]
	var exponent uint32
	switch strings.ToLower(exponentStr) {
	case "b":
		exponent = 0
	case "k":
		exponent = 10
	case "m":
		exponent = 20
	case "g":
		exponent = 30
	default:
		err = errors.New("Invalid exponent. Only 'b', 'k', 'm', 'g' allowed.")
		return
	}
	size, err = strconv.ParseInt(sizeStr, 10, 31)
	if err != nil {
		err = fmt.Errorf("Size parse error: %s", err)
		return
	}
	size <<= exponent
	if size <= 0 || size > 1<<31-1 {
		err = errors.New("Size should be positive and less than 2g.")
	}
	return
}

// parseDuration parses time.ParseDuration format. Plain "0" is allowed too.
func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.New("Negative duration.")
	}
	return d, nil
}

func logDestination(dest string) (w io.Writer, err error) {
	switch strings.ToLower(dest) {
	case "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		w, err = os.OpenFile(dest, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0666)
	}
	return
}
