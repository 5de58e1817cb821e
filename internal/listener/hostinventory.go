package listener

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/envelope"
)

// HostInventoryConfig configures a HostInventory listener.
type HostInventoryConfig struct {
	// SourceName tags produced envelopes (spec.md §3.1's "source").
	SourceName string

	// Interval between inventory snapshots.
	Interval time.Duration

	// SkewBound is the maximum allowed event_ts/received_at drift; <=0
	// uses envelope.DefaultClockSkewBound.
	SkewBound time.Duration

	Metrics Metrics
}

// HostInventory periodically enumerates running processes via gopsutil
// and emits one envelope per process as a host_service_inventory event,
// the same gopsutil/v3/process dependency the teacher's metrics
// Collector uses for a single process's own CPU/memory, generalized
// here to a full process-table snapshot.
type HostInventory struct {
	cfg     HostInventoryConfig
	healthy bool
}

// NewHostInventory returns a HostInventory listener.
func NewHostInventory(cfg HostInventoryConfig) *HostInventory {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.SourceName == "" {
		cfg.SourceName = "host_inventory"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NoopMetrics
	}
	return &HostInventory{cfg: cfg}
}

func (h *HostInventory) Name() string { return h.cfg.SourceName }

func (h *HostInventory) Healthy() bool { return h.healthy }

func (h *HostInventory) Stop() error { return nil }

func (h *HostInventory) Start(ctx context.Context, enqueue EnqueueFunc) error {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	h.snapshot(enqueue)
	h.healthy = true

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.snapshot(enqueue)
		}
	}
}

func (h *HostInventory) snapshot(enqueue EnqueueFunc) {
	procs, err := process.Processes()
	if err != nil {
		h.healthy = false
		return
	}
	h.healthy = true

	now := time.Now()
	hostname, _ := os.Hostname()

	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue
		}
		statuses, _ := p.Status()
		status := ""
		if len(statuses) > 0 {
			status = statuses[0]
		}
		createTimeMS, _ := p.CreateTime()

		env := envelope.Envelope{
			ReceivedAt: now,
			EventTS:    now,
			Type:       envelope.TypeHostServices,
			Source:     h.cfg.SourceName,
			Labels: map[string]string{
				"hostname": hostname,
			},
			Payload: map[string]any{
				"pid":         p.Pid,
				"name":        name,
				"status":      status,
				"create_time": createTimeMS,
			},
		}
		Normalize(&env, now, h.cfg.SkewBound, h.cfg.Metrics)
		EnqueueLossy(enqueue, env, h.cfg.Metrics)
	}
}
