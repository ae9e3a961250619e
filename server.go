package cacheproxy

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"github.com/facebookgo/stackerr"
	"github.com/skipor/cacheproxy/cache"
	"github.com/skipor/cacheproxy/log"
)

const (
	// Listen backlog is not configurable through net package: system default (somaxconn) is used.
	DefaultAddr        = ":5554"
	DefaultBackendAddr = "localhost:5555"
	DefaultDialTimeout = 5 * time.Second
	DefaultReadTimeout = 30 * time.Second
)

type Server struct {
	Addr        string
	BackendAddr string
	DialTimeout time.Duration
	ConnMeta
	Log         log.Logger
	connCounter int64

	// ListenConfig is used by ListenAndServe. Its Control can tune listen socket before bind.
	ListenConfig net.ListenConfig

	mu       sync.Mutex
	conns    map[*conn]struct{}
	shutdown bool
	wg       sync.WaitGroup
}

// ConnMeta is data shared between connections.
type ConnMeta struct {
	Cache cache.Cache
	// Dial opens dedicated backend connection. Server dials BackendAddr, if nil.
	Dial           func(ctx context.Context) (net.Conn, error)
	MaxMessageSize int
	// ReadTimeout limits wait of backend response. Zero means no limit.
	ReadTimeout time.Duration
	Metrics     *Metrics
}

// NewServer creates server and its shared cache from config.
func NewServer(l log.Logger, conf Config) (*Server, error) {
	c, err := cache.NewCache(l, conf.Cache)
	if err != nil {
		return nil, err
	}
	return &Server{
		Addr:        conf.Addr,
		BackendAddr: conf.BackendAddr,
		DialTimeout: conf.DialTimeout,
		Log:         l,
		ConnMeta: ConnMeta{
			Cache:          c,
			MaxMessageSize: conf.MaxMessageSize,
			ReadTimeout:    conf.ReadTimeout,
		},
	}, nil
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.Addr == "" {
		s.Addr = DefaultAddr
	}
	ln, err := s.ListenConfig.Listen(ctx, "tcp", s.Addr)
	if err != nil {
		return stackerr.Wrap(err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on l until ctx is done or l fails.
// On return l and all accepted connections are closed, and their handlers are finished.
// ctx error is returned, when ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.init()
	serveCtx, cancel := context.WithCancel(ctx)
	go func() {
		<-serveCtx.Done()
		l.Close()
	}()
	defer func() {
		cancel()
		s.closeConns()
	}()
	s.Log.Infof("Serve on %s. Backend %s.", l.Addr(), s.BackendAddr)

	var tempDelay time.Duration // How long to sleep on accept failure.
	for {
		c, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if ne, ok := err.(net.Error); !(ok && ne.Temporary()) {
				return stackerr.Wrap(err)
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if max := 1 * time.Second; tempDelay > max {
				tempDelay = max
			}
			s.Log.Errorf("cacheproxy: Accept error: %v; retrying in %v", err, tempDelay)
			select {
			case <-time.After(tempDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		tempDelay = 0
		s.Metrics.ConnAccepted.Inc(1)
		conn := s.newConn(c)
		if !s.track(conn) {
			c.Close()
			return ctx.Err()
		}
		go func() {
			defer s.untrack(conn)
			conn.serve(serveCtx)
		}()
	}
}

func (s *Server) newConn(c net.Conn) *conn {
	l := s.Log.WithFields(log.Fields{
		"conn":   s.connCounter,
		"remote": c.RemoteAddr().String(),
	})
	s.connCounter++
	return newConn(l, &s.ConnMeta, c)
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

// closeConns aborts all live connections and waits for their handlers.
func (s *Server) closeConns() {
	s.mu.Lock()
	s.shutdown = true
	for c := range s.conns {
		c.abort()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.Log.Info("All connections closed.")
}

func (s *Server) init() {
	if s.Log == nil {
		s.Log = log.NewLogger(log.ErrorLevel, os.Stderr)
	}
	if s.BackendAddr == "" {
		s.BackendAddr = DefaultBackendAddr
	}
	if s.DialTimeout == 0 {
		s.DialTimeout = DefaultDialTimeout
	}
	if s.Dial == nil {
		d := &net.Dialer{Timeout: s.DialTimeout}
		addr := s.BackendAddr
		s.Dial = func(ctx context.Context) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	if s.Cache == nil {
		var err error
		s.Cache, err = cache.NewCache(s.Log, cache.Config{Capacity: cache.DefaultCapacity})
		if err != nil {
			s.Log.Panic(err)
		}
	}
	s.conns = make(map[*conn]struct{})
	s.shutdown = false
	s.ConnMeta.init()
}

func (m *ConnMeta) init() {
	if m.MaxMessageSize == 0 {
		m.MaxMessageSize = DefaultMaxMessageSize
	}
	if m.Metrics == nil {
		m.Metrics = NewMetrics(nil)
	}
}
