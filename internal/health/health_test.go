package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/breaker"
	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/supervisor"
)

func TestRegistry_ShipperMetricsRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.EventsSent("http_primary", 5)
	r.BatchSent("http_primary")
	r.BatchFailed("http_primary", "transient")
	r.BreakerState("http_primary", breaker.StateOpen)

	if got := testutil.ToFloat64(r.eventsSent.WithLabelValues("http_primary")); got != 5 {
		t.Fatalf("expected 5 events sent, got %v", got)
	}
	if got := testutil.ToFloat64(r.batchesSent.WithLabelValues("http_primary")); got != 1 {
		t.Fatalf("expected 1 batch sent, got %v", got)
	}
	if got := testutil.ToFloat64(r.batchesFailed.WithLabelValues("http_primary", "transient")); got != 1 {
		t.Fatalf("expected 1 failed batch, got %v", got)
	}
	if got := testutil.ToFloat64(r.breakerState.WithLabelValues("http_primary")); got != 2 {
		t.Fatalf("expected breaker state gauge 2 (open), got %v", got)
	}
}

func TestRegistry_ListenerMetricsRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.EventIngested("syslog_udp")
	r.EventDropped("syslog_udp", "spool_full")

	if got := testutil.ToFloat64(r.eventsIngested.WithLabelValues("syslog_udp")); got != 1 {
		t.Fatalf("expected 1 ingested, got %v", got)
	}
	if got := testutil.ToFloat64(r.eventsDropped.WithLabelValues("syslog_udp", "spool_full")); got != 1 {
		t.Fatalf("expected 1 dropped, got %v", got)
	}
}

func TestServer_HealthzReportsStatuses(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	sup := supervisor.New(supervisor.Config{ShutdownGrace: time.Millisecond})
	sup.AddTask(supervisor.Task{
		Name:     "shipper",
		Critical: true,
		Start: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	srv := NewServer(r, sup, nil)
	srv.SetMode(StatusHealthy)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var doc healthDoc
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.Status != StatusHealthy {
		t.Fatalf("expected status healthy, got %s", doc.Status)
	}
	svc, ok := doc.Services["shipper"]
	if !ok || !svc.Healthy {
		t.Fatalf("expected shipper reported healthy, got %+v", doc.Services)
	}
}

func TestServer_HealthzStartingBeforeModeSet(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)
	srv := NewServer(r, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	var doc healthDoc
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.Status != StatusStarting {
		t.Fatalf("expected default status starting, got %s", doc.Status)
	}
}
