package listener

import (
	"context"
	"testing"
	"time"

	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/envelope"
	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/spool"
)

// fakeListener is a minimal Listener for registry tests.
type fakeListener struct {
	name string
}

func (f *fakeListener) Name() string                                      { return f.name }
func (f *fakeListener) Start(context.Context, EnqueueFunc) error          { return nil }
func (f *fakeListener) Stop() error                                       { return nil }
func (f *fakeListener) Healthy() bool                                     { return true }

type recordingMetrics struct {
	ingested map[string]int
	dropped  map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{ingested: make(map[string]int), dropped: make(map[string]int)}
}

func (m *recordingMetrics) EventIngested(source string) { m.ingested[source]++ }
func (m *recordingMetrics) EventDropped(source, reason string) {
	m.dropped[source+"/"+reason]++
}

func TestRegistry_RegisterGetList(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeListener{name: "a"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(&fakeListener{name: "a"}); err == nil {
		t.Fatal("expected error registering duplicate name")
	}
	if _, ok := r.Get("a"); !ok {
		t.Fatal("expected to find registered listener")
	}
	if len(r.List()) != 1 {
		t.Fatalf("expected 1 listener, got %d", len(r.List()))
	}
	if len(r.All()) != 1 {
		t.Fatalf("expected 1 listener from All, got %d", len(r.All()))
	}
}

// TestEnqueueLossy_BackpressureDrop covers spec.md §8 scenario 6: with a
// spool capped at 100 events, enqueueing 200 from one source accepts
// the first 100 and drops+counts the remaining 100 under reason
// spool_full.
func TestEnqueueLossy_BackpressureDrop(t *testing.T) {
	sp := spool.NewMemorySpool(0, 100)
	metrics := newRecordingMetrics()

	enqueue := func(env envelope.Envelope) (uint64, error) { return sp.Enqueue(env) }

	for i := 0; i < 200; i++ {
		now := time.Now()
		env := envelope.Envelope{
			ReceivedAt: now,
			EventTS:    now,
			Type:       envelope.TypeSyslog,
			Source:     "syslog_udp",
			Payload:    map[string]any{"n": i},
		}
		EnqueueLossy(enqueue, env, metrics)
	}

	if metrics.ingested["syslog_udp"] != 100 {
		t.Fatalf("expected 100 ingested, got %d", metrics.ingested["syslog_udp"])
	}
	if metrics.dropped["syslog_udp/spool_full"] != 100 {
		t.Fatalf("expected 100 dropped as spool_full, got %d", metrics.dropped["syslog_udp/spool_full"])
	}
}

func TestNormalize_ClockSkewRecordsDropCounter(t *testing.T) {
	metrics := newRecordingMetrics()
	now := time.Now()
	env := envelope.Envelope{
		ReceivedAt: now,
		EventTS:    now.Add(48 * time.Hour),
		Type:       envelope.TypeSyslog,
		Source:     "syslog_udp",
		Payload:    map[string]any{},
	}

	Normalize(&env, now, 24*time.Hour, metrics)

	if !env.EventTS.Equal(now) {
		t.Fatalf("expected clamped event_ts, got %v", env.EventTS)
	}
	if metrics.dropped["syslog_udp/clock_skew"] != 1 {
		t.Fatalf("expected 1 clock_skew drop recorded, got %d", metrics.dropped["syslog_udp/clock_skew"])
	}
}

func TestPollBackoff_DoublesAndCaps(t *testing.T) {
	b := NewPollBackoff(time.Second, 10*time.Second)

	if d := b.Next(); d != time.Second {
		t.Fatalf("expected first delay 1s, got %v", d)
	}
	if d := b.Next(); d != 2*time.Second {
		t.Fatalf("expected second delay 2s, got %v", d)
	}
	if d := b.Next(); d != 4*time.Second {
		t.Fatalf("expected third delay 4s, got %v", d)
	}
	if d := b.Next(); d != 8*time.Second {
		t.Fatalf("expected fourth delay 8s, got %v", d)
	}
	if d := b.Next(); d != 10*time.Second {
		t.Fatalf("expected delay capped at 10s, got %v", d)
	}

	b.Reset()
	if d := b.Next(); d != time.Second {
		t.Fatalf("expected reset delay back to 1s, got %v", d)
	}
}
