package cacheproxy

import (
	"bufio"
	"io"
	"net"
	"time"

	"github.com/facebookgo/stackerr"
)

// backend is dedicated backend session of one client connection.
type backend struct {
	reader
	*bufio.Writer
	conn        net.Conn
	readTimeout time.Duration
}

func newBackend(c net.Conn, maxMessageSize int, readTimeout time.Duration) *backend {
	return &backend{
		reader:      newReader(c, maxMessageSize),
		Writer:      bufio.NewWriterSize(c, OutBufferSize),
		conn:        c,
		readTimeout: readTimeout,
	}
}

func (b *backend) send(line []byte) error {
	return writeLine(b.Writer, line)
}

// receive reads one backend message.
// WARN: returned slice is valid until next receive.
func (b *backend) receive() ([]byte, error) {
	if b.readTimeout > 0 {
		b.conn.SetReadDeadline(time.Now().Add(b.readTimeout))
		defer b.conn.SetReadDeadline(time.Time{})
	}
	line, tooLarge, err := b.readLine()
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil, stackerr.Wrap(ErrBackendClosed)
	}
	if err != nil {
		return nil, err
	}
	if tooLarge != nil {
		return nil, stackerr.Newf("backend response: %s", ErrTooLargeMessage)
	}
	return line, nil
}

func (b *backend) roundTrip(line []byte) ([]byte, error) {
	err := b.send(line)
	if err != nil {
		return nil, err
	}
	return b.receive()
}

func (b *backend) Close() error {
	return b.conn.Close()
}
