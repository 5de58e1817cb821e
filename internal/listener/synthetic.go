package listener

import (
	"context"
	"fmt"
	"time"

	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/envelope"
)

// SyntheticConfig configures a Synthetic listener.
type SyntheticConfig struct {
	SourceName string
	Rate       time.Duration
	SkewBound  time.Duration
	Metrics    Metrics
}

// Synthetic emits one fixed-shape event per tick. It exists for
// --dry-run and integration tests that need a deterministic producer
// without standing up a real syslog/SNMP/file source.
type Synthetic struct {
	cfg     SyntheticConfig
	healthy bool
	seq     int
}

// NewSynthetic returns a Synthetic listener.
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	if cfg.Rate <= 0 {
		cfg.Rate = time.Second
	}
	if cfg.SourceName == "" {
		cfg.SourceName = "synthetic"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NoopMetrics
	}
	return &Synthetic{cfg: cfg}
}

func (s *Synthetic) Name() string { return s.cfg.SourceName }

func (s *Synthetic) Healthy() bool { return s.healthy }

func (s *Synthetic) Stop() error { return nil }

func (s *Synthetic) Start(ctx context.Context, enqueue EnqueueFunc) error {
	ticker := time.NewTicker(s.cfg.Rate)
	defer ticker.Stop()
	s.healthy = true

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.emit(enqueue)
		}
	}
}

func (s *Synthetic) emit(enqueue EnqueueFunc) {
	now := time.Now()
	s.seq++
	env := envelope.Envelope{
		ReceivedAt: now,
		EventTS:    now,
		Type:       envelope.TypeOther,
		Source:     s.cfg.SourceName,
		Payload: map[string]any{
			"seq": s.seq,
			"msg": fmt.Sprintf("synthetic event %d", s.seq),
		},
	}
	Normalize(&env, now, s.cfg.SkewBound, s.cfg.Metrics)
	EnqueueLossy(enqueue, env, s.cfg.Metrics)
}
