package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestJobSet_Wait_returns_when_idle(t *testing.T) {
	j := NewJobSet()
	if err := j.Wait(context.Background()); err != nil {
		t.Fatalf("empty set should not block: %v", err)
	}

	release := make(chan struct{})
	j.Go(func() { <-release })
	j.Go(func() { <-release })
	if j.Len() != 2 {
		t.Errorf("Len = %d, want 2", j.Len())
	}

	waited := make(chan error, 1)
	go func() { waited <- j.Wait(context.Background()) }()

	select {
	case <-waited:
		t.Fatal("Wait returned while jobs were running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	select {
	case err := <-waited:
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after jobs finished")
	}
	if j.Len() != 0 {
		t.Errorf("Len = %d after completion", j.Len())
	}
}

func TestJobSet_Wait_deadline(t *testing.T) {
	j := NewJobSet()
	release := make(chan struct{})
	defer close(release)
	j.Go(func() { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := j.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestJobSet_reusable_after_idle(t *testing.T) {
	j := NewJobSet()
	for i := 0; i < 3; i++ {
		done := make(chan struct{})
		j.Go(func() { close(done) })
		<-done
		if err := j.Wait(context.Background()); err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
	}
}

func TestSessionSet_CancelAll(t *testing.T) {
	s := NewSessionSet()
	ctxA, cancelA := context.WithCancel(context.Background())
	ctxB, cancelB := context.WithCancel(context.Background())
	s.Track("a", cancelA)
	s.Track("b", cancelB)
	s.Untrack("missing")

	if n := s.CancelAll(); n != 2 {
		t.Errorf("CancelAll = %d, want 2", n)
	}
	if ctxA.Err() == nil || ctxB.Err() == nil {
		t.Error("every tracked session should be cancelled")
	}
	if s.Len() != 2 {
		t.Errorf("handles should stay tracked until untracked, Len = %d", s.Len())
	}
	s.Untrack("a")
	s.Untrack("b")
	if s.Len() != 0 {
		t.Errorf("Len = %d after untrack", s.Len())
	}
}
