// Package client implements client of newline delimited JSON protocol served by cacheproxy and its backends.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"time"

	"github.com/facebookgo/stackerr"
	"github.com/pkg/errors"

	"github.com/skipor/cacheproxy"
)

var (
	ErrServerClosed      = errors.New("Server closed connection")
	ErrMalformedResponse = errors.New("Malformed JSON response")
)

// Client is not safe for concurrent use. Requests are sent one by one, every request waits for its response.
type Client struct {
	// Timeout limits every request round trip. Zero means no limit.
	Timeout time.Duration

	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	return New(c), nil
}

func New(c net.Conn) *Client {
	return &Client{
		conn: c,
		r:    bufio.NewReaderSize(c, cacheproxy.InBufferSize),
		w:    bufio.NewWriterSize(c, cacheproxy.OutBufferSize),
	}
}

// Do sends req encoded as JSON and decodes response.
func (c *Client) Do(req interface{}) (res cacheproxy.Response, err error) {
	line, err := json.Marshal(req)
	if err != nil {
		err = stackerr.Wrap(err)
		return
	}
	data, err := c.DoRaw(line)
	if err != nil {
		return
	}
	if json.Unmarshal(data, &res) != nil {
		err = stackerr.Wrap(ErrMalformedResponse)
	}
	return
}

// DoRaw sends line and returns response line without separator.
// Line should not contain separator.
func (c *Client) DoRaw(line []byte) ([]byte, error) {
	if bytes.IndexByte(line, '\n') != -1 {
		return nil, stackerr.Newf("request contains line separator")
	}
	if c.Timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.Timeout))
		defer c.conn.SetDeadline(time.Time{})
	}
	err := c.send(line)
	if err != nil {
		return nil, err
	}
	res, err := c.r.ReadBytes('\n')
	if err == io.EOF {
		return nil, stackerr.Wrap(ErrServerClosed)
	}
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	return res[:len(res)-1], nil
}

// Quit asks other side to end session and closes connection.
func (c *Client) Quit() error {
	err := c.send([]byte(`{"mode":"` + cacheproxy.CloseMode + `"}`))
	closeErr := c.Close()
	if err != nil {
		return err
	}
	return closeErr
}

func (c *Client) Close() error {
	return stackerr.Wrap(c.conn.Close())
}

func (c *Client) send(line []byte) error {
	c.w.Write(line)
	c.w.WriteString(cacheproxy.Separator)
	return stackerr.Wrap(c.w.Flush())
}
