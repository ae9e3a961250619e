package cacheproxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"

	"github.com/facebookgo/stackerr"
	"github.com/skipor/cacheproxy/log"
)

type conn struct {
	reader
	*bufio.Writer
	closer io.Closer
	*ConnMeta
	log log.Logger

	processor processor

	mu      sync.Mutex
	aborted bool
	backend *backend
}

func newConn(l log.Logger, m *ConnMeta, rwc io.ReadWriteCloser) *conn {
	return &conn{
		reader:   newReader(rwc, m.MaxMessageSize),
		Writer:   bufio.NewWriterSize(rwc, OutBufferSize),
		closer:   rwc,
		ConnMeta: m,
		log:      l,
	}
}

func (c *conn) serve(ctx context.Context) {
	c.log.Debug("Serve connection.")
	c.Metrics.ConnActive.Inc(1)
	defer func() {
		if r := recover(); r != nil {
			c.serverError(stackerr.Newf("panic: %v", r))
		}
		c.Close()
		c.Metrics.ConnActive.Dec(1)
		c.log.Debug("Connection closed.")
	}()

	err := c.connectBackend(ctx)
	if err == nil {
		err = c.loop()
	}
	if err != nil {
		c.serverError(err)
	}
}

func (c *conn) connectBackend(ctx context.Context) error {
	bc, err := c.Dial(ctx)
	if err != nil {
		c.Metrics.BackendErrors.Inc(1)
		return stackerr.Wrap(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted {
		bc.Close()
		return stackerr.Wrap(net.ErrClosed)
	}
	c.backend = newBackend(bc, c.MaxMessageSize, c.ReadTimeout)
	c.processor = processor{
		cache:   c.Cache,
		backend: c.backend,
		log:     c.log,
		metrics: c.Metrics,
	}
	c.log.Debugf("Backend connected: %s.", bc.RemoteAddr())
	return nil
}

func (c *conn) loop() error {
	for {
		line, clientErr, err := c.readLine()
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				// Just client disconnect. Ok.
				return nil
			}
			return err
		}
		if clientErr != nil {
			c.Metrics.ClientErrors.Inc(1)
			err = c.sendClientError(clientErr)
			if err != nil {
				return err
			}
			continue
		}
		response, closeConn, err := c.processor.process(line)
		if err != nil {
			return err
		}
		if closeConn {
			return nil
		}
		err = c.sendResponse(response)
		if err != nil {
			return err
		}
	}
}

// Close flushes client output and closes client and backend connections.
func (c *conn) Close() error {
	c.Flush()
	c.abort()
	return nil
}

// abort closes client and backend connections. It unblocks serving goroutine.
func (c *conn) abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted {
		return
	}
	c.aborted = true
	c.closer.Close()
	if c.backend != nil {
		c.backend.Close()
	}
}

func (c *conn) isAborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

func (c *conn) serverError(err error) {
	if c.isAborted() {
		c.log.Debug("Connection aborted: ", err)
		return
	}
	c.log.Error("Server error: ", err)
	c.sendResponse(failureResponse(ProxyErrorPrefix + unwrap(err).Error()))
}

func (c *conn) sendClientError(err error) error {
	c.log.Warn("Client error: ", err)
	return c.sendResponse(failureResponse(unwrap(err).Error()))
}

func (c *conn) sendResponse(res []byte) error {
	return writeLine(c.Writer, res)
}

func (c *conn) Flush() error {
	return stackerr.Wrap(c.Writer.Flush())
}
