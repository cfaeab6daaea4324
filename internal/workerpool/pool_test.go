package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func shutdown(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)
}

func TestSubmitAndDrain(t *testing.T) {
	p := New(2, 10)
	var count atomic.Int32

	for i := 0; i < 5; i++ {
		if err := p.Submit(func(context.Context) { count.Add(1) }); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}

	shutdown(t, p)

	if got := count.Load(); got != 5 {
		t.Fatalf("count = %d, want 5", got)
	}
}

func TestSubmitAfterShutdownReturnsErrStopped(t *testing.T) {
	p := New(1, 1)
	shutdown(t, p)

	if err := p.Submit(func(context.Context) {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit after Shutdown = %v, want ErrStopped", err)
	}
}

func TestQueueFullReturnsErrQueueFull(t *testing.T) {
	p := New(1, 1)
	blocker := make(chan struct{})
	started := make(chan struct{})
	p.Submit(func(context.Context) {
		close(started)
		<-blocker
	})
	<-started

	if err := p.Submit(func(context.Context) {}); err != nil {
		t.Fatalf("second Submit should fill the queue, got %v", err)
	}
	if err := p.Submit(func(context.Context) {}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit on full queue = %v, want ErrQueueFull", err)
	}
	if p.Active() != 1 || p.Queued() != 1 {
		t.Fatalf("Active=%d Queued=%d, want 1/1", p.Active(), p.Queued())
	}

	close(blocker)
	shutdown(t, p)
}

func TestContextCancelledAfterDrain(t *testing.T) {
	p := New(1, 10)
	var sawLive atomic.Bool
	p.Submit(func(ctx context.Context) { sawLive.Store(ctx.Err() == nil) })

	poolCtx := p.Context()
	shutdown(t, p)

	if !sawLive.Load() {
		t.Fatal("task should run with a live pool context")
	}
	if poolCtx.Err() == nil {
		t.Fatal("pool context should be cancelled after Drain")
	}
}

func TestDrainRespectsContextDeadline(t *testing.T) {
	p := New(1, 10)
	blocker := make(chan struct{})
	defer close(blocker)
	p.Submit(func(context.Context) { <-blocker })

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	p.Shutdown(ctx)

	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Drain should have timed out in ~100ms, took %v", elapsed)
	}
}

func TestSingleWorkerDrainRunsQueuedTasks(t *testing.T) {
	p := New(1, 10)
	var count atomic.Int32
	for i := 0; i < 5; i++ {
		p.Submit(func(context.Context) {
			time.Sleep(time.Millisecond)
			count.Add(1)
		})
	}

	shutdown(t, p)

	if got := count.Load(); got != 5 {
		t.Fatalf("single-worker drain: count = %d, want 5", got)
	}
}

func TestPanicRecovery(t *testing.T) {
	p := New(1, 10)
	var count atomic.Int32

	p.Submit(func(context.Context) { panic("test panic") })
	p.Submit(func(context.Context) { count.Add(1) })

	shutdown(t, p)

	if got := count.Load(); got != 1 {
		t.Fatalf("task after panic: count = %d, want 1", got)
	}
}
