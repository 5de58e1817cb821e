// Package shipper implements the single long-running task of spec.md
// §4.7: it pulls batches from the spool and fans them out to each
// enabled sink, each sink independently gated by its own circuit
// breaker, rate limiter, and retry policy.
//
// The Run/select loop (ticker + wake signal + ctx.Done) is grounded on
// agent/internal/shipper/shipper.go's Run/flush, generalized from a
// single fixed endpoint to N independently-claiming sinks.
package shipper

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/breaker"
	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/ratelimit"
	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/retry"
	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/sink"
	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/spool"
)

// Metrics receives the counters/gauges of spec.md §6.6. Implemented by
// internal/health so the shipper never imports the metrics registry
// directly.
type Metrics interface {
	EventsSent(sinkName string, n int)
	BytesSent(sinkName string, n int64)
	BatchSent(sinkName string)
	BatchFailed(sinkName, kind string)
	Retries(sinkName string, n int)
	BreakerState(sinkName string, state breaker.State)
}

type noopMetrics struct{}

func (noopMetrics) EventsSent(string, int)             {}
func (noopMetrics) BytesSent(string, int64)            {}
func (noopMetrics) BatchSent(string)                   {}
func (noopMetrics) BatchFailed(string, string)         {}
func (noopMetrics) Retries(string, int)                {}
func (noopMetrics) BreakerState(string, breaker.State) {}

// SinkRoute bundles a sink with its independent breaker/limiter/retry
// policy and claim parameters, per spec.md §4.7's "each has its own
// breaker, retry policy, and claim cycle".
type SinkRoute struct {
	Sink          sink.Sink
	Breaker       *breaker.Breaker
	Limiter       *ratelimit.Limiter
	Retry         retry.Policy
	MaxBatchBytes int64
	LeaseDuration time.Duration
	MaxAttempts   int

	// maxBatchSize is accessed concurrently by cycleSink and a SIGHUP
	// reload path (spec.md §4.8), so it lives behind atomic.Int32
	// rather than a plain int field.
	maxBatchSize atomic.Int32
}

// NewSinkRoute returns a SinkRoute with maxBatchSize set, since
// atomic.Int32 can't be set via a struct literal field.
func NewSinkRoute(maxBatchSize int) *SinkRoute {
	r := &SinkRoute{}
	r.SetMaxBatchSize(maxBatchSize)
	return r
}

// SetMaxBatchSize hot-applies a new batching.max_size value.
func (r *SinkRoute) SetMaxBatchSize(n int) { r.maxBatchSize.Store(int32(n)) }

// MaxBatchSize returns the current batching.max_size value.
func (r *SinkRoute) MaxBatchSize() int { return int(r.maxBatchSize.Load()) }

// Config configures a Shipper.
type Config struct {
	Spool           spool.Spool
	Sinks           []*SinkRoute
	MinBatchTimeout time.Duration
	NodeSource      string
	Metrics         Metrics
	Logger          *slog.Logger
}

// Shipper is safe to Run once; it is not restartable after Run returns.
type Shipper struct {
	spool           spool.Spool
	sinks           []*SinkRoute
	minBatchTimeout time.Duration
	nodeSource      string
	metrics         Metrics
	logger          *slog.Logger

	wake chan struct{}
}

// New constructs a Shipper from cfg, applying spec.md defaults where
// cfg leaves a value unset.
func New(cfg Config) *Shipper {
	if cfg.MinBatchTimeout <= 0 {
		cfg.MinBatchTimeout = 5 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	for _, r := range cfg.Sinks {
		if r.MaxBatchSize() <= 0 {
			r.SetMaxBatchSize(1000)
		}
		if r.LeaseDuration <= 0 {
			r.LeaseDuration = 5 * 30 * time.Second
		}
		if r.MaxAttempts <= 0 {
			r.MaxAttempts = 8
		}
	}
	return &Shipper{
		spool:           cfg.Spool,
		sinks:           cfg.Sinks,
		minBatchTimeout: cfg.MinBatchTimeout,
		nodeSource:      cfg.NodeSource,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
		wake:            make(chan struct{}, 1),
	}
}

// Notify wakes the shipper loop early, used by listeners/enqueue paths
// when the spool crosses max_batch_size so the shipper doesn't wait out
// the rest of min_batch_timeout.
func (s *Shipper) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled, at which point it performs one
// final drain cycle per sink before returning ctx.Err().
func (s *Shipper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.minBatchTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.cycleAll(context.Background())
			return ctx.Err()
		case <-ticker.C:
			s.cycleAll(ctx)
		case <-s.wake:
			s.cycleAll(ctx)
		}
	}
}

func (s *Shipper) cycleAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, route := range s.sinks {
		route := route
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.cycleSink(ctx, route)
		}()
	}
	wg.Wait()
}

func (s *Shipper) cycleSink(ctx context.Context, route *SinkRoute) {
	now := time.Now()
	name := route.Sink.Name()

	if !route.Breaker.Allow(now) {
		s.metrics.BreakerState(name, route.Breaker.State())
		return
	}

	records, err := s.spool.ClaimBatch(route.MaxBatchSize(), route.MaxBatchBytes, route.LeaseDuration)
	if err != nil {
		s.logger.Warn("claim_batch failed", "sink", name, "error", err)
		return
	}
	if len(records) == 0 {
		return
	}

	ids := make([]uint64, len(records))
	for i, r := range records {
		ids[i] = r.SpoolID
	}

	batch := sink.BuildBatch(records, now, s.nodeSource)
	batchData, _ := json.Marshal(batch)
	totalBytes := len(batchData)

	if err := route.Limiter.Wait(ctx, len(records), totalBytes); err != nil {
		if reqErr := s.spool.Requeue(ids); reqErr != nil {
			s.logger.Warn("requeue after rate-limit wait failure failed", "sink", name, "error", reqErr)
		}
		return
	}

	result := s.attemptWithRetry(ctx, route, batch)

	switch result.Outcome {
	case sink.OutcomeSuccess:
		n, commitErr := s.spool.Commit(ids)
		if commitErr != nil {
			s.logger.Warn("commit failed after successful send", "sink", name, "error", commitErr)
		}
		route.Breaker.RecordSuccess()
		s.metrics.BatchSent(name)
		s.metrics.EventsSent(name, n)
		s.metrics.BytesSent(name, int64(totalBytes))

	case sink.OutcomePermanent:
		if failErr := s.spool.Fail(ids, errMessage(result.Err), true, route.MaxAttempts); failErr != nil {
			s.logger.Warn("fail(permanent) bookkeeping failed", "sink", name, "error", failErr)
		}
		route.Breaker.RecordFailure(now)
		s.metrics.BatchFailed(name, "permanent")
		s.logger.Error("batch permanently failed", "sink", name, "count", len(ids), "error", result.Err)

	case sink.OutcomeCircuitOpen:
		if reqErr := s.spool.Requeue(ids); reqErr != nil {
			s.logger.Warn("requeue after circuit-open failed", "sink", name, "error", reqErr)
		}

	default: // OutcomeTransient
		if failErr := s.spool.Fail(ids, errMessage(result.Err), false, route.MaxAttempts); failErr != nil {
			s.logger.Warn("fail(transient) bookkeeping failed", "sink", name, "error", failErr)
		}
		route.Breaker.RecordFailure(now)
		s.metrics.BatchFailed(name, "transient")
		s.logger.Warn("batch send failed, will retry", "sink", name, "count", len(ids), "error", result.Err)
	}

	s.metrics.BreakerState(name, route.Breaker.State())
}

// attemptWithRetry drives route.Retry around route.Sink.Write until a
// terminal outcome is reached: success, permanent failure, or
// exhaustion of max_attempts (which becomes a permanent failure per
// spec.md §4.4).
func (s *Shipper) attemptWithRetry(ctx context.Context, route *SinkRoute, batch sink.OutboundBatch) sink.WriteResult {
	var last sink.WriteResult
	attempts := 0

	for {
		last = route.Sink.Write(ctx, batch)
		attempts++

		if last.Outcome == sink.OutcomeSuccess || last.Outcome == sink.OutcomePermanent {
			return last
		}
		if ctx.Err() != nil {
			return last
		}
		if attempts >= route.Retry.MaxAttempts {
			last.Outcome = sink.OutcomePermanent
			return last
		}

		delay := route.Retry.Delay(attempts)
		if last.RetryAfter > 0 {
			delay = last.RetryAfter
			if route.Retry.MaxDelay > 0 && delay > route.Retry.MaxDelay {
				delay = route.Retry.MaxDelay
			}
		}
		s.metrics.Retries(route.Sink.Name(), 1)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			last.Outcome = sink.OutcomeTransient
			return last
		case <-t.C:
		}
	}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
