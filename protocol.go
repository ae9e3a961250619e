package cacheproxy

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/facebookgo/stackerr"
	"github.com/pkg/errors"
)

const (
	Separator     = "\n"
	separatorByte = '\n'

	CalcMode  = "calc"
	GPTMode   = "gpt"
	CloseMode = "close"

	DefaultMaxMessageSize = 1 << 20

	ProxyErrorPrefix = "Proxy error: "

	// Implementation specific consts.
	InBufferSize  = 16 * (1 << 10)
	OutBufferSize = 16 * (1 << 10)
)

var (
	ErrTooLargeMessage = errors.New("message is too large")
	ErrBackendClosed   = errors.New("backend closed connection")
	ErrNotObject       = errors.New("message is not a JSON object")
	ErrTrailingData    = errors.New("unexpected data after JSON value")
	ErrInvalidUTF8     = errors.New("message is not valid UTF-8")
)

// Request is message sent by client.
// Proxy never decodes messages into Request, because whole message is cache key,
// including fields unknown here.
type Request struct {
	Mode    string          `json:"mode"`
	Data    json.RawMessage `json:"data,omitempty"`
	Options *Options        `json:"options,omitempty"`
}

type Options struct {
	// Cache is true when nil.
	Cache *bool `json:"cache,omitempty"`
}

type Response struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Meta   *Meta           `json:"meta,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type Meta struct {
	FromCache bool  `json:"from_cache"`
	TookMS    int64 `json:"took_ms"`
}

func failureResponse(msg string) []byte {
	data, err := json.Marshal(Response{Error: msg})
	if err != nil {
		panic(err)
	}
	return data
}

type reader struct {
	*bufio.Reader
	maxMessageSize int
	// line accumulates messages larger than bufio buffer.
	line []byte
}

func newReader(r io.Reader, maxMessageSize int) reader {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return reader{
		Reader:         bufio.NewReaderSize(r, InBufferSize),
		maxMessageSize: maxMessageSize,
	}
}

// readLine returns next message without separator.
// Messages already buffered are returned without underlying read.
// io.EOF or io.ErrUnexpectedEOF is returned unwrapped, when stream ends before separator.
// WARN: retuned slice points into read buffer and invalidated after next read.
func (r *reader) readLine() (line []byte, clientErr, err error) {
	r.line = r.line[:0]
	for {
		var chunk []byte
		chunk, err = r.ReadSlice(separatorByte)
		switch err {
		case nil:
			chunk = chunk[:len(chunk)-1]
			if len(r.line)+len(chunk) > r.maxMessageSize {
				clientErr = stackerr.Wrap(ErrTooLargeMessage)
				return
			}
			if len(r.line) == 0 {
				// No copy.
				line = chunk
				return
			}
			line = append(r.line, chunk...)
			r.line = line
			return
		case bufio.ErrBufferFull:
			err = nil
			if len(r.line)+len(chunk) > r.maxMessageSize {
				clientErr = stackerr.Wrap(ErrTooLargeMessage)
				err = r.discardLine()
				return
			}
			r.line = append(r.line, chunk...)
		case io.EOF:
			if len(r.line) != 0 || len(chunk) != 0 {
				err = io.ErrUnexpectedEOF
			}
			return
		default:
			err = stackerr.Wrap(err)
			return
		}
	}
}

// discardLine discard all input until next separator.
func (r *reader) discardLine() error {
	for {
		_, err := r.ReadSlice(separatorByte)
		switch err {
		case nil:
			return nil
		case bufio.ErrBufferFull:
			continue
		case io.EOF:
			return io.ErrUnexpectedEOF
		default:
			return stackerr.Wrap(err)
		}
	}
}

func writeLine(w *bufio.Writer, line []byte) error {
	w.Write(line)
	w.WriteByte(separatorByte)
	return stackerr.Wrap(w.Flush())
}
