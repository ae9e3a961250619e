package integration

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/rcrowley/go-metrics"

	"github.com/skipor/cacheproxy"
	"github.com/skipor/cacheproxy/client"
	"github.com/skipor/cacheproxy/internal/util"
	"github.com/skipor/cacheproxy/testutil"
)

func IsTimeout(err error) bool {
	if ne, ok := util.Unwrap(err).(net.Error); ok {
		return ne.Timeout()
	}
	return false
}

func LoadTest(addr string) {
	prevMaxProcs := runtime.GOMAXPROCS(runtime.NumCPU())
	defer runtime.GOMAXPROCS(prevMaxProcs)

	const (
		requestsKinds = 1 << 10
		indexStddev   = requestsKinds / 4 // Index normal distribution parameter.
		noCacheP      = 0.1

		clientsNum    = 10
		totalRequests = 16 * requestsKinds
	)

	start := &sync.WaitGroup{}
	start.Add(clientsNum)
	finish := &sync.WaitGroup{}
	finish.Add(clientsNum)

	requests := make([]cacheproxy.Request, requestsKinds)
	for i := range requests {
		requests[i] = cacheproxy.Request{
			Mode: cacheproxy.CalcMode,
			Data: []byte(fmt.Sprintf(`{"expr": "%v + %s"}`, i, testutil.RandString(16))),
		}
	}

	var requested int32
	Next := func() bool { return atomic.AddInt32(&requested, 1) < totalRequests }
	// RequestIndex returns random normally distributed index.
	RequestIndex := func(r *rand.Rand) (index int) {
		index = requestsKinds
		var try int
		const maxTry = 5

		for index >= requestsKinds {
			index = int(math.Abs(r.NormFloat64() * indexStddev))
			try++
			if try > maxTry {
				Fail("Request index too many tries. Make stddev smaller, it should help.")
			}
		}
		return
	}

	registry := metrics.NewRegistry()
	cachedTimer := metrics.NewRegisteredTimer("request.cached", registry)
	noCacheTimer := metrics.NewRegisteredTimer("request.nocache", registry)
	hitCounter := metrics.NewRegisteredCounter("cache.hit", registry)
	failCounter := metrics.NewRegisteredCounter("response.failed", registry)
	timeoutCounter := metrics.NewRegisteredCounter("err.timeout", registry)

	disabled := false
	noCache := &cacheproxy.Options{Cache: &disabled}

	for i := 0; i < clientsNum; i++ {
		clientNum := i
		source := rand.NewSource(testutil.Rand.Int63())
		Rand := rand.New(source)
		c, err := client.Dial(context.Background(), addr)
		Expect(err).NotTo(HaveOccurred())
		c.Timeout = 5 * time.Second
		go func() {
			defer GinkgoRecover()
			start.Done()
			start.Wait()
			defer func() {
				testutil.Byf("Client %v done.", clientNum)
				c.Quit()
				finish.Done()
			}()
			var err error
			var res cacheproxy.Response
			for Next() {
				req := requests[RequestIndex(Rand)]
				if Rand.Float64() <= noCacheP {
					req.Options = noCache
					noCacheTimer.Time(func() { res, err = c.Do(req) })
				} else {
					cachedTimer.Time(func() { res, err = c.Do(req) })
				}
				if err != nil {
					if IsTimeout(err) {
						testutil.Byf("Client %v timeout error: %v", clientNum, err)
						timeoutCounter.Inc(1)
						return
					}
					testutil.Byf("Client %v error: %v", clientNum, err)
					Expect(err).To(BeNil())
				}
				if !res.OK {
					failCounter.Inc(1)
					continue
				}
				if res.Meta != nil && res.Meta.FromCache {
					Expect(req.Options).To(BeNil(), "Cache disabled request served from cache.")
					hitCounter.Inc(1)
				}
			}
		}()
	}

	logging := &sync.WaitGroup{}
	logging.Add(1)
	go func() {
		By("logging start")
		defer GinkgoRecover()
		tick := time.NewTicker(time.Second / 2)
		defer func() {
			tick.Stop()
			logging.Done()
		}()
		for ; ; _ = <-tick.C {
			req := atomic.LoadInt32(&requested)
			if req < totalRequests {
				fmt.Fprintf(GinkgoWriter, "%v%% requests done.\n", req*100/totalRequests)
				continue
			}
			break
		}
		By("Test stats. Time units is nanos.")
		metrics.WriteOnce(registry, GinkgoWriter)
		fmt.Fprintf(GinkgoWriter, "%.2f%% cache hit.\n",
			float64(hitCounter.Count()*100)/float64(cachedTimer.Count()))
		fmt.Fprintf(GinkgoWriter, "%.2f%% cache disabled.\n",
			float64(noCacheTimer.Count()*100)/totalRequests)
	}()
	finish.Wait()
	By("finish done")
	logging.Wait()
	By("logging done")
	Expect(failCounter.Count()).To(BeZero())
	Expect(timeoutCounter.Count()).To(BeZero())
	Expect(hitCounter.Count()).To(BeNumerically(">", 0))
}
