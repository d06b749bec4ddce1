package shutdown

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestCoordinator_waits_for_fast_jobs(t *testing.T) {
	c := New(testLogger(), 10*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	c.Sessions.Track("s1", cancel)

	var finished atomic.Bool
	c.Jobs.Go(func() {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
	})

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !finished.Load() {
		t.Error("Shutdown returned before the job finished")
	}
}

func TestCoordinator_abandons_slow_jobs(t *testing.T) {
	c := New(testLogger(), 10*time.Millisecond, 50*time.Millisecond)

	release := make(chan struct{})
	defer close(release)
	c.Jobs.Go(func() { <-release })

	start := time.Now()
	err := c.Shutdown(context.Background())
	if !errors.Is(err, ErrJobsAbandoned) {
		t.Fatalf("expected ErrJobsAbandoned, got %v", err)
	}
	if took := time.Since(start); took > time.Second {
		t.Errorf("Shutdown took %v, should be bounded by the timeout", took)
	}
	if c.Jobs.Len() != 1 {
		t.Errorf("abandoned job count = %d", c.Jobs.Len())
	}
}

func TestCoordinator_nothing_running(t *testing.T) {
	c := New(testLogger(), time.Millisecond, time.Millisecond)
	if err := c.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
