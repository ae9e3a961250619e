package testutil

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
)

// Responder returns backend response for request line. Empty response means no response.
type Responder func(req string) string

// CountingResponder answers every request with success response, which result is request number.
func CountingResponder() Responder {
	var n int64
	return func(string) string {
		return fmt.Sprintf(`{"ok": true, "result": %d}`, atomic.AddInt64(&n, 1))
	}
}

// FakeBackend is newline delimited JSON backend, that records all received lines.
type FakeBackend struct {
	Received chan string
	Respond  Responder
	// Hangup makes backend close connection instead of response.
	Hangup bool

	accepted int64
	active   int64
}

func NewFakeBackend(r Responder) *FakeBackend {
	return &FakeBackend{
		Received: make(chan string, 1024),
		Respond:  r,
	}
}

func (b *FakeBackend) Accepted() int64 { return atomic.LoadInt64(&b.accepted) }
func (b *FakeBackend) Active() int64   { return atomic.LoadInt64(&b.active) }

// Serve serves c in separate goroutine until c is closed.
func (b *FakeBackend) Serve(c net.Conn) {
	atomic.AddInt64(&b.accepted, 1)
	atomic.AddInt64(&b.active, 1)
	go func() {
		defer atomic.AddInt64(&b.active, -1)
		defer c.Close()
		r := bufio.NewReader(c)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSuffix(line, "\n")
			b.Received <- line
			if b.Hangup {
				return
			}
			if b.Respond == nil {
				continue
			}
			if resp := b.Respond(line); resp != "" {
				if _, err := io.WriteString(c, resp+"\n"); err != nil {
					return
				}
			}
		}
	}()
}

// ServeListener accepts connections from l in separate goroutine until l is closed.
func (b *FakeBackend) ServeListener(l net.Listener) {
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			b.Serve(c)
		}
	}()
}
