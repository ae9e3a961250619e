package cacheproxy

import (
	"bytes"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/facebookgo/stackerr"
	"github.com/skipor/cacheproxy/cache"
	"github.com/skipor/cacheproxy/log"
)

// processor handles client messages of one connection.
type processor struct {
	cache   cache.Cache
	backend *backend
	log     log.Logger
	metrics *Metrics
}

// process handles one client message.
// Response is message for client. closeConn is true when session should be terminated without response.
// Not nil err means backend failure and session termination.
// WARN: response is valid until next process call.
func (p *processor) process(raw []byte) (response []byte, closeConn bool, err error) {
	started := time.Now()
	p.metrics.Requests.Inc(1)
	msg, parseErr := parseMessage(raw)
	if parseErr != nil {
		p.log.Debugf("Passing through message: %s.", parseErr)
		p.metrics.PassThrough.Inc(1)
		response, err = p.roundTrip(raw)
		return
	}

	if msg.mode() == CloseMode {
		p.log.Debug("Close requested.")
		p.metrics.CloseRequests.Inc(1)
		err = p.backend.send(raw)
		if err != nil {
			p.metrics.BackendErrors.Inc(1)
		}
		closeConn = true
		return
	}

	var key string
	useCache := msg.cacheEnabled()
	if useCache && hasLoneSurrogate(raw) {
		p.log.Debug("Message has unpaired surrogate escape. Cache is not used.")
		useCache = false
	}
	if useCache {
		key, err = msg.cacheKey()
		if err != nil {
			return
		}
		if result, ok := p.cache.Get(key); ok {
			p.log.Debugf("Cache hit: %.64q.", key)
			p.metrics.CacheHits.Inc(1)
			response, err = hitResponse(result, time.Since(started))
			return
		}
		p.metrics.CacheMisses.Inc(1)
	} else {
		p.metrics.CacheBypasses.Inc(1)
	}

	response, err = p.roundTrip(raw)
	if err != nil || !useCache {
		return
	}
	if result, ok := successResult(response); ok {
		p.log.Debugf("Caching result: %.64q.", key)
		p.metrics.CacheStores.Inc(1)
		p.cache.Set(key, result)
	}
	return
}

func (p *processor) roundTrip(raw []byte) ([]byte, error) {
	defer p.metrics.BackendRoundTrip.UpdateSince(time.Now())
	response, err := p.backend.roundTrip(raw)
	if err != nil {
		p.metrics.BackendErrors.Inc(1)
	}
	return response, err
}

// message is decoded client request. Numbers are kept as json.Number for exact re-encoding.
type message map[string]interface{}

func parseMessage(raw []byte) (message, error) {
	if !utf8.Valid(raw) {
		return nil, ErrInvalidUTF8
	}
	d := json.NewDecoder(bytes.NewReader(raw))
	d.UseNumber()
	var v interface{}
	if err := d.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := d.Token(); err != io.EOF {
		return nil, ErrTrailingData
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, ErrNotObject
	}
	return message(m), nil
}

// mode returns empty string, if mode is absent or not a string.
func (m message) mode() string {
	mode, _ := m["mode"].(string)
	return mode
}

func (m message) cacheEnabled() bool {
	options, ok := m["options"].(map[string]interface{})
	if !ok {
		return true
	}
	v, ok := options["cache"]
	if !ok {
		return true
	}
	return truthy(v)
}

// cacheKey returns canonical message encoding: object keys sorted at every depth, no whitespace,
// non integer numbers in shortest form.
func (m message) cacheKey() (string, error) {
	data, err := json.Marshal(normalize(map[string]interface{}(m)))
	if err != nil {
		return "", stackerr.Wrap(err)
	}
	return string(data), nil
}

func normalize(v interface{}) interface{} {
	switch v := v.(type) {
	case json.Number:
		return normalizeNumber(v)
	case []interface{}:
		res := make([]interface{}, len(v))
		for i, elem := range v {
			res[i] = normalize(elem)
		}
		return res
	case map[string]interface{}:
		res := make(map[string]interface{}, len(v))
		for k, elem := range v {
			res[k] = normalize(elem)
		}
		return res
	}
	return v
}

// normalizeNumber makes 1.5, 1.50 and 15e-1 equal. Integer literals are kept as is,
// so 1 and 1.0 differ, and large integers are exact.
func normalizeNumber(n json.Number) json.Number {
	if !strings.ContainsAny(n.String(), ".eE") {
		return n
	}
	f, err := n.Float64()
	if err != nil {
		// Out of float64 range.
		return n
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return json.Number(s)
}

// hasLoneSurrogate reports whether raw JSON has \u escape of unpaired UTF-16 surrogate.
// Decoder replaces such escapes with U+FFFD, so distinct messages are equal after decode.
func hasLoneSurrogate(raw []byte) bool {
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' {
			continue
		}
		i++
		if i >= len(raw) || raw[i] != 'u' {
			continue
		}
		r, ok := escapedRune(raw[i+1:])
		if !ok {
			continue
		}
		i += 4
		if !utf16.IsSurrogate(r) {
			continue
		}
		if i+2 < len(raw) && raw[i+1] == '\\' && raw[i+2] == 'u' {
			if r2, ok := escapedRune(raw[i+3:]); ok && utf16.DecodeRune(r, r2) != utf8.RuneError {
				i += 6
				continue
			}
		}
		return true
	}
	return false
}

// escapedRune decodes four hex digits of \u escape.
func escapedRune(hex []byte) (rune, bool) {
	if len(hex) < 4 {
		return 0, false
	}
	r, err := strconv.ParseUint(string(hex[:4]), 16, 32)
	if err != nil {
		return 0, false
	}
	return rune(r), true
}

// truthy follows common dynamic language rules: null, false, zero, empty string and empty containers are false.
func truthy(v interface{}) bool {
	switch v := v.(type) {
	case nil:
		return false
	case bool:
		return v
	case json.Number:
		f, err := v.Float64()
		return err != nil || f != 0
	case string:
		return v != ""
	case []interface{}:
		return len(v) != 0
	case map[string]interface{}:
		return len(v) != 0
	}
	return true
}

// successResult returns result of backend response, if it is cacheable.
// Response is cacheable when it is object with ok equal to true and result field present.
func successResult(response []byte) ([]byte, bool) {
	var r struct {
		OK     bool            `json:"ok"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(response, &r); err != nil {
		return nil, false
	}
	if !r.OK || r.Result == nil {
		return nil, false
	}
	return r.Result, true
}

func hitResponse(result []byte, took time.Duration) ([]byte, error) {
	data, err := json.Marshal(Response{
		OK:     true,
		Result: json.RawMessage(result),
		Meta: &Meta{
			FromCache: true,
			TookMS:    took.Milliseconds(),
		},
	})
	return data, stackerr.Wrap(err)
}
