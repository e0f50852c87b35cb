package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegisterValidation(t *testing.T) {
	s := New()
	if err := s.Register(JobSpec{}); err == nil {
		t.Fatal("expected validation error")
	}

	valid := JobSpec{
		Name:     "tick",
		Interval: 10 * time.Millisecond,
		Run:      func(context.Context) error { return nil },
	}
	if err := s.Register(valid); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := s.Register(valid); !errors.Is(err, ErrJobExists) {
		t.Fatalf("expected ErrJobExists, got: %v", err)
	}
}

func TestStartAndStop(t *testing.T) {
	s := New()
	var runs atomic.Int32

	err := s.Register(JobSpec{
		Name:       "counter",
		Interval:   10 * time.Millisecond,
		RunOnStart: true,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if runs.Load() == 0 {
		t.Fatal("expected job to run immediately when RunOnStart is true")
	}

	if err := s.Stop(200 * time.Millisecond); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
}

func TestRunOnStartDefaultFalse(t *testing.T) {
	s := New()
	fired := make(chan struct{}, 1)

	err := s.Register(JobSpec{
		Name:     "lazy-start",
		Interval: 50 * time.Millisecond,
		Run: func(context.Context) error {
			select {
			case fired <- struct{}{}:
			default:
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop(200 * time.Millisecond)

	select {
	case <-fired:
		t.Fatal("did not expect immediate run when RunOnStart is false")
	case <-time.After(15 * time.Millisecond):
	}
}

func TestJobTimeout(t *testing.T) {
	s := New()
	finished := make(chan struct{}, 1)

	err := s.Register(JobSpec{
		Name:     "timeout",
		Interval: 10 * time.Millisecond,
		Timeout:  20 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			finished <- struct{}{}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop(200 * time.Millisecond)

	select {
	case <-finished:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected job context to time out")
	}
}

func TestErrorBackoffSuppressesRuns(t *testing.T) {
	s := New()
	var runs atomic.Int32

	err := s.Register(JobSpec{
		Name:         "flaky",
		Interval:     10 * time.Millisecond,
		RunOnStart:   true,
		ErrorBackoff: time.Second,
		Run: func(context.Context) error {
			runs.Add(1)
			return errors.New("dependency down")
		},
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop(200 * time.Millisecond)

	// Several intervals pass inside the backoff window; the job must not
	// run again.
	time.Sleep(60 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Fatalf("job ran %d times inside backoff window, want 1", got)
	}

	snapshot := s.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("snapshot size = %d", len(snapshot))
	}
	if snapshot[0].ConsecutiveFailures != 1 {
		t.Fatalf("consecutive failures = %d, want 1", snapshot[0].ConsecutiveFailures)
	}
	if snapshot[0].BackoffUntil.IsZero() {
		t.Fatal("backoff deadline not recorded")
	}
}

func TestRecoveryClearsBackoffState(t *testing.T) {
	s := New()
	var calls atomic.Int32

	err := s.Register(JobSpec{
		Name:         "recovering",
		Interval:     10 * time.Millisecond,
		RunOnStart:   true,
		ErrorBackoff: 20 * time.Millisecond,
		Run: func(context.Context) error {
			if calls.Add(1) == 1 {
				return errors.New("first run fails")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop(200 * time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		snapshot := s.Snapshot()
		if len(snapshot) == 1 && snapshot[0].Runs >= 2 && snapshot[0].ConsecutiveFailures == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never recovered after backoff expired")
}
