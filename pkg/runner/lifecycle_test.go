package runner

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeDrainer struct {
	calls int
	block bool
	err   error
}

func (d *fakeDrainer) Drain(ctx context.Context) error {
	d.calls++
	if d.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return d.err
}

func TestRunDrainsOnceOnCancel(t *testing.T) {
	drainer := &fakeDrainer{}
	var out bytes.Buffer
	started, stopped := false, false
	r := NewLifecycleRunner(drainer, Hooks{
		OnStart: func(context.Context) error { started = true; return nil },
		OnStop:  func() { stopped = true },
	}, Options{Title: "TEST", BannerOut: &out})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for r.State() != StateRunning {
		if time.Now().After(deadline) {
			t.Fatalf("runner never reached running, state %s", r.State())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if !started || !stopped || drainer.calls != 1 {
		t.Fatalf("expected hooks and a single drain, got started=%v stopped=%v drains=%d", started, stopped, drainer.calls)
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
	if !strings.Contains(out.String(), "Version: "+Version) {
		t.Fatalf("expected banner with version, got %q", out.String())
	}
	if err := r.Run(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestRunStartFailure(t *testing.T) {
	boom := errors.New("listen failed")
	drainer := &fakeDrainer{}
	r := NewLifecycleRunner(drainer, Hooks{
		OnStart: func(context.Context) error { return boom },
	}, Options{})
	if err := r.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected start error, got %v", err)
	}
	if drainer.calls != 1 || r.State() != StateStopped {
		t.Fatalf("expected drain after failed start")
	}
}

func TestStopDrainTimeout(t *testing.T) {
	r := NewLifecycleRunner(&fakeDrainer{block: true}, Hooks{}, Options{DrainTimeout: 20 * time.Millisecond})
	if err := r.Stop(); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected drain timeout, got %v", err)
	}
}
