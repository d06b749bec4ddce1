package shutdown

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	// DefaultGrace is how long in-flight loops get to observe cancellation.
	DefaultGrace = time.Second
	// DefaultTimeout bounds the wait for outstanding finalize jobs.
	DefaultTimeout = 30 * time.Minute
)

// ErrJobsAbandoned is returned by Shutdown when finalize jobs were still
// running at the deadline. Their temporary files may remain on disk.
var ErrJobsAbandoned = errors.New("finalize jobs abandoned at shutdown deadline")

// Coordinator cancels running captures and waits, bounded, for finalize
// work when the process is asked to exit.
type Coordinator struct {
	Sessions *SessionSet
	Jobs     *JobSet

	log     *slog.Logger
	grace   time.Duration
	timeout time.Duration
}

// New returns a Coordinator. Non-positive durations fall back to the defaults.
func New(log *slog.Logger, grace, timeout time.Duration) *Coordinator {
	if grace <= 0 {
		grace = DefaultGrace
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		Sessions: NewSessionSet(),
		Jobs:     NewJobSet(),
		log:      log,
		grace:    grace,
		timeout:  timeout,
	}
}

// Shutdown cancels every session, sleeps the grace period, then waits for
// outstanding jobs until the timeout elapses or ctx is done.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	n := c.Sessions.CancelAll()
	c.log.Info("cancelling captures", slog.Int("sessions", n))

	select {
	case <-time.After(c.grace):
	case <-ctx.Done():
	}

	pending := c.Jobs.Len()
	if pending == 0 {
		c.log.Info("no finalize jobs outstanding")
		return nil
	}
	c.log.Info("waiting for finalize jobs", slog.Int("jobs", pending), slog.Duration("timeout", c.timeout))

	wctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.Jobs.Wait(wctx); err != nil {
		left := c.Jobs.Len()
		c.log.Warn("finalize jobs still running at deadline", slog.Int("jobs", left))
		return ErrJobsAbandoned
	}
	c.log.Info("all finalize jobs completed")
	return nil
}
