package shipper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/breaker"
	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/envelope"
	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/ratelimit"
	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/retry"
	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/sink"
	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/spool"
)

type recordingMetrics struct {
	eventsSent  int
	batchesSent int
	failed      map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{failed: make(map[string]int)}
}

func (m *recordingMetrics) EventsSent(_ string, n int)  { m.eventsSent += n }
func (m *recordingMetrics) BytesSent(string, int64)     {}
func (m *recordingMetrics) BatchSent(string)            { m.batchesSent++ }
func (m *recordingMetrics) BatchFailed(_, kind string)  { m.failed[kind]++ }
func (m *recordingMetrics) Retries(string, int)         {}
func (m *recordingMetrics) BreakerState(string, breaker.State) {}

func enqueueN(t *testing.T, s spool.Spool, n int, source string) {
	t.Helper()
	for i := 0; i < n; i++ {
		now := time.Now()
		_, err := s.Enqueue(envelope.Envelope{
			ReceivedAt: now,
			EventTS:    now,
			Type:       envelope.TypeSyslog,
			Source:     source,
			Payload:    map[string]any{"n": i},
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
}

func defaultRoute(t *testing.T, s sink.Sink) *SinkRoute {
	t.Helper()
	route := NewSinkRoute(100)
	route.Sink = s
	route.Breaker = breaker.New(breaker.Config{FailureThreshold: 3, OpenDuration: time.Second, HalfOpenMaxInflight: 1})
	route.Limiter = ratelimit.New(ratelimit.Config{EventsPerSecond: 10000, EventsBurst: 10000})
	route.Retry = retry.Policy{BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2, JitterFrac: 0, MaxAttempts: 5}
	route.LeaseDuration = time.Minute
	route.MaxAttempts = 5
	return route
}

func TestShipper_HappyPath(t *testing.T) {
	var receivedBatchSize string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedBatchSize = r.Header.Get("X-Edgebot-Batch-Size")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	httpSink, err := sink.NewHTTPSink(sink.HTTPConfig{URL: srv.URL})
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}

	sp := spool.NewMemorySpool(0, 0)
	enqueueN(t, sp, 3, "syslog")

	metrics := newRecordingMetrics()
	s := New(Config{Spool: sp, Sinks: []*SinkRoute{defaultRoute(t, httpSink)}, Metrics: metrics})

	s.cycleAll(context.Background())

	if receivedBatchSize != "3" {
		t.Fatalf("expected batch_size 3, got %s", receivedBatchSize)
	}
	stats, _ := sp.Stats()
	if stats.Pending != 0 || stats.InFlight != 0 {
		t.Fatalf("expected empty spool after successful ship, got %+v", stats)
	}
	if metrics.eventsSent != 3 {
		t.Fatalf("expected 3 events sent, got %d", metrics.eventsSent)
	}
}

func TestShipper_RetriesThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	httpSink, err := sink.NewHTTPSink(sink.HTTPConfig{URL: srv.URL})
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}

	sp := spool.NewMemorySpool(0, 0)
	enqueueN(t, sp, 1, "syslog")

	route := defaultRoute(t, httpSink)
	route.Retry.MaxAttempts = 5

	s := New(Config{Spool: sp, Sinks: []*SinkRoute{route}})
	s.cycleAll(context.Background())

	if atomic.LoadInt32(&attempts) != 4 {
		t.Fatalf("expected 4 total attempts (3 failures + 1 success), got %d", attempts)
	}
	stats, _ := sp.Stats()
	if stats.Pending != 0 {
		t.Fatalf("expected event committed after eventual success, got %+v", stats)
	}
}

func TestShipper_PermanentFailureGoesDead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	httpSink, err := sink.NewHTTPSink(sink.HTTPConfig{URL: srv.URL})
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}

	sp := spool.NewMemorySpool(0, 0)
	enqueueN(t, sp, 1, "syslog")

	metrics := newRecordingMetrics()
	s := New(Config{Spool: sp, Sinks: []*SinkRoute{defaultRoute(t, httpSink)}, Metrics: metrics})
	s.cycleAll(context.Background())

	stats, _ := sp.Stats()
	if stats.Dead != 1 {
		t.Fatalf("expected event dead after permanent failure, got %+v", stats)
	}
	if metrics.failed["permanent"] != 1 {
		t.Fatalf("expected 1 permanent failure recorded, got %v", metrics.failed)
	}
}

func TestShipper_BreakerTripsAndRecovers(t *testing.T) {
	fail := int32(1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&fail) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	httpSink, err := sink.NewHTTPSink(sink.HTTPConfig{URL: srv.URL})
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}

	route := defaultRoute(t, httpSink)
	route.Breaker = breaker.New(breaker.Config{FailureThreshold: 1, OpenDuration: 200 * time.Millisecond, HalfOpenMaxInflight: 1})
	route.Retry.MaxAttempts = 1

	sp := spool.NewMemorySpool(0, 0)
	s := New(Config{Spool: sp, Sinks: []*SinkRoute{route}})

	enqueueN(t, sp, 1, "syslog")
	s.cycleAll(context.Background())
	if route.Breaker.State() != breaker.StateOpen {
		t.Fatalf("expected breaker open after exhausted failure, got %s", route.Breaker.State())
	}

	enqueueN(t, sp, 1, "syslog")
	s.cycleAll(context.Background())
	stats, _ := sp.Stats()
	if stats.Pending+stats.Dead == 0 {
		t.Fatal("expected second batch to be skipped while breaker is open")
	}

	time.Sleep(250 * time.Millisecond)
	atomic.StoreInt32(&fail, 0)

	s.cycleAll(context.Background())
	if route.Breaker.State() != breaker.StateClosed {
		t.Fatalf("expected breaker closed after successful half_open probe, got %s", route.Breaker.State())
	}
}

func TestShipper_CrashMidFlightRecoversViaLease(t *testing.T) {
	sp := spool.NewMemorySpool(0, 0)
	enqueueN(t, sp, 10, "syslog")

	claimed, err := sp.ClaimBatch(5, 0, time.Millisecond)
	if err != nil || len(claimed) != 5 {
		t.Fatalf("claim: %v, %d records", err, len(claimed))
	}

	time.Sleep(5 * time.Millisecond)
	n, err := sp.ReapStale()
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 reaped records simulating restart, got %d", n)
	}

	reclaimed, err := sp.ClaimBatch(5, 0, time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 5 {
		t.Fatalf("expected 5 records reclaimable after reap, got %d", len(reclaimed))
	}
	for i, r := range reclaimed {
		if r.SpoolID != claimed[i].SpoolID {
			t.Fatalf("expected same spool_id order after crash recovery, got %d want %d", r.SpoolID, claimed[i].SpoolID)
		}
		if r.Envelope.Attempts != 0 {
			t.Fatalf("expected attempts unchanged after lease expiry, got %d", r.Envelope.Attempts)
		}
	}
}
