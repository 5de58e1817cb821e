package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func testPolicy() RestartPolicy {
	return RestartPolicy{
		BaseBackoff:    5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		StableDuration: time.Hour,
		MaxRestarts:    3,
		Window:         time.Hour,
	}
}

func TestSupervisor_RestartsCrashedTask(t *testing.T) {
	var starts int32

	s := New(Config{RestartPolicy: testPolicy(), ShutdownGrace: time.Millisecond})
	s.AddTask(Task{
		Name: "flaky",
		Start: func(ctx context.Context) error {
			n := atomic.AddInt32(&starts, 1)
			if n < 3 {
				return errCrash
			}
			<-ctx.Done()
			return ctx.Err()
		},
	}, false)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	go s.Run(ctx)

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&starts) >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if n := atomic.LoadInt32(&starts); n < 3 {
		t.Fatalf("expected at least 3 starts after 2 crashes, got %d", n)
	}
}

func TestSupervisor_DemotesAfterMaxRestarts(t *testing.T) {
	policy := testPolicy()
	policy.MaxRestarts = 2

	s := New(Config{RestartPolicy: policy, ShutdownGrace: time.Millisecond})
	s.AddTask(Task{
		Name: "always-crashes",
		Start: func(ctx context.Context) error {
			return errCrash
		},
	}, false)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go s.Run(ctx)

	deadline := time.Now().Add(250 * time.Millisecond)
	var status TaskStatus
	for time.Now().Before(deadline) {
		statuses := s.Statuses()
		if len(statuses) == 1 {
			status = statuses[0].Status
			if status == TaskDegraded {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
	}

	if status != TaskDegraded {
		t.Fatalf("expected task to be marked degraded after exceeding max restarts, got %s", status)
	}
}

func TestSupervisor_ShutdownOrdersShipperLast(t *testing.T) {
	var order []string
	s := New(Config{RestartPolicy: testPolicy(), ShutdownGrace: 10 * time.Millisecond})

	s.AddTask(Task{
		Name: "listener",
		Start: func(ctx context.Context) error {
			<-ctx.Done()
			order = append(order, "listener")
			return ctx.Err()
		},
	}, false)
	s.AddTask(Task{
		Name: "shipper",
		Start: func(ctx context.Context) error {
			<-ctx.Done()
			order = append(order, "shipper")
			return ctx.Err()
		},
	}, true)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	time.Sleep(10 * time.Millisecond)
	s.Shutdown()
	cancel()

	time.Sleep(10 * time.Millisecond)
	if len(order) != 2 || order[0] != "listener" || order[1] != "shipper" {
		t.Fatalf("expected listener to stop before shipper, got %v", order)
	}
}

var errCrash = &crashError{"task crashed"}

type crashError struct{ msg string }

func (e *crashError) Error() string { return e.msg }
