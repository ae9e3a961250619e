package cacheproxy

import (
	"context"
	"errors"
	"io"
	"net"
	"regexp"
	"strings"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	. "github.com/onsi/gomega/gbytes"

	"github.com/skipor/cacheproxy/cache/cachemocks"
	"github.com/skipor/cacheproxy/log"
	. "github.com/skipor/cacheproxy/testutil"
)

const ReadTimeout = 0.2

func Line(s string) string {
	return regexp.QuoteMeta(s) + SeparatorPattern
}

var _ = Describe("Conn", func() {
	var (
		connMeta      *ConnMeta
		mcache        *cachemocks.Cache
		fake          *FakeBackend
		dialErr       error
		c             *conn
		out           *Buffer
		in            *io.PipeWriter
		serveFinished chan struct{}
	)
	BeforeEach(func() {
		dialErr = nil
		serveFinished = make(chan struct{})
		out = NewBuffer()
		mcache = &cachemocks.Cache{}
		fake = NewFakeBackend(CountingResponder())
		connMeta = &ConnMeta{
			Cache:          mcache,
			MaxMessageSize: 64,
			Dial: func(context.Context) (net.Conn, error) {
				if dialErr != nil {
					return nil, dialErr
				}
				proxySide, backendSide := net.Pipe()
				fake.Serve(backendSide)
				return proxySide, nil
			},
		}
		connMeta.init()
	})
	JustBeforeEach(func() {
		var connReader *io.PipeReader
		connReader, in = io.Pipe()
		rwc := struct {
			io.ReadCloser
			io.Writer
		}{connReader, out}
		l := log.NewLogger(log.DebugLevel, GinkgoWriter)
		c = newConn(l, connMeta, rwc)
		go func() {
			defer GinkgoRecover()
			c.serve(context.Background())
			close(serveFinished)
		}()
	})

	AfterEach(func() {
		in.Close()
		Eventually(serveFinished).Should(BeClosed())
		Eventually(fake.Active).Should(BeZero())
		Expect(out).NotTo(Say(Anything))
		mcache.AssertExpectations(GinkgoT())
	})

	AssertSay := func(pattern string) {
		It("expected response", func() {
			Eventually(out, ReadTimeout).Should(Say(pattern))
		})
	}

	// Test can use input string, or write to in directly.
	var input string
	JustBeforeEach(func() {
		if input != "" {
			go io.WriteString(in, input)
		}
	})
	AfterEach(func() { input = "" })
	Input := func(s string) {
		BeforeEach(func() { input = s })
	}

	const msg = `{"mode": "calc", "data": "1 + 2"}`
	const key = `{"data":"1 + 2","mode":"calc"}`

	Context("server error", func() {
		JustBeforeEach(func() {
			in.CloseWithError(errors.New("test err"))
		})
		AssertSay(ProxyErrorPattern("test err"))
	})

	Context("backend dial error", func() {
		BeforeEach(func() {
			dialErr = errors.New("connection refused")
		})
		It("proxy error sent and connection closed", func() {
			Eventually(out, ReadTimeout).Should(Say(ProxyErrorPattern("connection refused")))
			Eventually(serveFinished).Should(BeClosed())
			Expect(fake.Accepted()).To(BeZero())
			Expect(connMeta.Metrics.BackendErrors.Count()).To(BeEquivalentTo(1))
		})
	})

	Context("client error", func() {
		Input(`{"data": "` + strings.Repeat("x", 64) + `"}` + Separator + `"next"` + Separator)
		It("error sent and next message served", func() {
			Eventually(out, ReadTimeout).Should(Say(Line(`{"ok":false,"error":"message is too large"}`)))
			Eventually(out, ReadTimeout).Should(Say(Line(`{"ok": true, "result": 1}`)))
			Expect(fake.Received).To(Receive(Equal(`"next"`)))
			Expect(connMeta.Metrics.ClientErrors.Count()).To(BeEquivalentTo(1))
		})
	})

	Context("miss", func() {
		BeforeEach(func() {
			mcache.On("Get", key).Return(nil, false)
			mcache.On("Set", key, []byte(`1`))
		})
		Input(msg + Separator)
		It("backend response relayed", func() {
			Eventually(out, ReadTimeout).Should(Say(Line(`{"ok": true, "result": 1}`)))
			Expect(fake.Received).To(Receive(Equal(msg)))
		})
	})

	Context("hit", func() {
		BeforeEach(func() {
			mcache.On("Get", key).Return([]byte(`3`), true)
		})
		Input(msg + Separator)
		It("cached result sent", func() {
			Eventually(out, ReadTimeout).Should(Say(`\{"ok":true,"result":3,"meta":\{"from_cache":true,"took_ms":\d+\}\}` + SeparatorPattern))
			Expect(fake.Received).NotTo(Receive())
		})
	})

	Context("pipelined messages", func() {
		Input(`"a"` + Separator + `"b"` + Separator + `"c"` + Separator)
		It("responses in order", func() {
			for _, result := range []string{"1", "2", "3"} {
				Eventually(out, ReadTimeout).Should(Say(Line(`{"ok": true, "result": ` + result + `}`)))
			}
			Expect(fake.Received).To(Receive(Equal(`"a"`)))
			Expect(fake.Received).To(Receive(Equal(`"b"`)))
			Expect(fake.Received).To(Receive(Equal(`"c"`)))
		})
	})

	Context("close", func() {
		Input(`{"mode": "close"}` + Separator + `"never"` + Separator)
		It("forwarded and connection closed", func() {
			Eventually(serveFinished).Should(BeClosed())
			Expect(fake.Received).To(Receive(Equal(`{"mode": "close"}`)))
			Eventually(fake.Active).Should(BeZero())
			Expect(fake.Received).NotTo(Receive())
		})
	})

	Context("client disconnect", func() {
		It("backend connection closed", func() {
			Eventually(fake.Accepted).Should(BeEquivalentTo(1))
			in.Close()
			Eventually(serveFinished).Should(BeClosed())
			Eventually(fake.Active).Should(BeZero())
		})
	})

	Context("backend closed", func() {
		BeforeEach(func() {
			fake.Hangup = true
			mcache.On("Get", key).Return(nil, false)
		})
		Input(msg + Separator)
		It("proxy error sent and connection closed", func() {
			Eventually(out, ReadTimeout).Should(Say(ProxyErrorPattern(ErrBackendClosed.Error())))
			Eventually(serveFinished).Should(BeClosed())
		})
	})

	Context("abort", func() {
		It("serve finished", func() {
			Eventually(fake.Accepted).Should(BeEquivalentTo(1))
			c.abort()
			Eventually(serveFinished).Should(BeClosed())
		})
	})
})
