package validator

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"liuproxy_egress/proxypool/model"
)

type mockReporter struct {
	mu        sync.Mutex
	successes map[string]time.Duration
	failures  map[string]int
	checked   map[string]bool
}

func newMockReporter() *mockReporter {
	return &mockReporter{
		successes: make(map[string]time.Duration),
		failures:  make(map[string]int),
		checked:   make(map[string]bool),
	}
}

func (m *mockReporter) ReportSuccess(id string, latency time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successes[id] = latency
	return nil
}

func (m *mockReporter) ReportFailure(id string, forceBan bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[id]++
	return nil
}

func (m *mockReporter) MarkChecked(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checked[id] = true
	return nil
}

func (m *mockReporter) Annotate(id, country string) error { return nil }

func identityFor(t *testing.T, addr string) model.Identity {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	return *model.New(model.ProtocolHTTP, host, port)
}

// closedAddr 返回一个当前无人监听的本地地址。
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestVerifyAll_ReportsSuccessAndFailure(t *testing.T) {
	// 假代理：对任何转发来的请求返回 200
	fakeProxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"origin": "203.0.113.7"}`))
	}))
	defer fakeProxy.Close()

	good := identityFor(t, fakeProxy.Listener.Addr().String())
	bad := identityFor(t, closedAddr(t))

	reporter := newMockReporter()
	v := NewVerifier(reporter, Options{
		Endpoints:   []string{"http://echo.invalid/ip"},
		Timeout:     2 * time.Second,
		Concurrency: 2,
	})

	summary := v.VerifyAll(context.Background(), []model.Identity{good, bad})

	if summary.Checked != 2 || summary.Working != 1 || summary.Failed != 1 {
		t.Errorf("Unexpected summary: %+v", summary)
	}
	if _, ok := reporter.successes[good.ID]; !ok {
		t.Errorf("Expected success reported for %s", good.ID)
	}
	if reporter.failures[bad.ID] != 1 {
		t.Errorf("Expected one failure reported for %s, got %d", bad.ID, reporter.failures[bad.ID])
	}
	if !reporter.checked[good.ID] || !reporter.checked[bad.ID] {
		t.Error("Expected both identities to be marked checked")
	}
}

func TestVerifyAll_FallsThroughEndpoints(t *testing.T) {
	fakeProxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Host == "first.invalid" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("198.51.100.1"))
	}))
	defer fakeProxy.Close()

	identity := identityFor(t, fakeProxy.Listener.Addr().String())
	reporter := newMockReporter()
	v := NewVerifier(reporter, Options{
		Endpoints: []string{"http://first.invalid/ip", "http://second.invalid/"},
		Timeout:   2 * time.Second,
	})

	if s := v.VerifyAll(context.Background(), []model.Identity{identity}); s.Working != 1 {
		t.Errorf("Expected second endpoint to succeed, got %+v", s)
	}
}

func TestVerifyAll_RespectsConcurrencyLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	fakeProxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
	}))
	defer fakeProxy.Close()

	base := identityFor(t, fakeProxy.Listener.Addr().String())
	records := make([]model.Identity, 0, 12)
	for i := 0; i < 12; i++ {
		rec := base
		rec.ID = base.ID + "-" + strconv.Itoa(i)
		records = append(records, rec)
	}

	v := NewVerifier(newMockReporter(), Options{
		Endpoints:   []string{"http://echo.invalid/"},
		Timeout:     2 * time.Second,
		Concurrency: 3,
	})
	v.VerifyAll(context.Background(), records)

	if peak.Load() > 3 {
		t.Errorf("Expected at most 3 concurrent probes, saw %d", peak.Load())
	}
}

func TestGeoDB_NilIsSafe(t *testing.T) {
	var g *GeoDB
	if g.Country("8.8.8.8") != "" {
		t.Error("Expected empty country from nil GeoDB")
	}
	if OpenGeoDB("") != nil {
		t.Error("Expected nil GeoDB for empty path")
	}
}
