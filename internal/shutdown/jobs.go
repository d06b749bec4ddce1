package shutdown

import (
	"context"
	"sync"
)

// JobSet tracks outstanding finalize jobs (remux subprocesses and similar)
// so they can be awaited before the process exits.
type JobSet struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

// NewJobSet returns an empty set.
func NewJobSet() *JobSet {
	idle := make(chan struct{})
	close(idle)
	return &JobSet{idle: idle}
}

// Go runs fn in a new goroutine and tracks it until it returns.
func (j *JobSet) Go(fn func()) {
	j.add()
	go func() {
		defer j.done()
		fn()
	}()
}

// Len returns the number of jobs still running.
func (j *JobSet) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.n
}

// Wait blocks until no job is running or ctx is done, whichever comes first.
// It returns ctx.Err() when jobs were still running at the deadline.
func (j *JobSet) Wait(ctx context.Context) error {
	for {
		j.mu.Lock()
		idle := j.idle
		n := j.n
		j.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (j *JobSet) add() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.n == 0 {
		j.idle = make(chan struct{})
	}
	j.n++
}

func (j *JobSet) done() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.n--
	if j.n == 0 {
		close(j.idle)
	}
}
