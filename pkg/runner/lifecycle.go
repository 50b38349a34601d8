package runner

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrAlreadyStarted = errors.New("runner: already started")
	ErrDrainTimeout   = errors.New("runner: drain timeout")
)

type Options struct {
	// Title is printed as the start banner. Empty disables the banner.
	Title string
	// BannerOut defaults to stdout.
	BannerOut    io.Writer
	DrainTimeout time.Duration
}

// LifecycleRunner runs a service until its context ends, then drains it once.
type LifecycleRunner struct {
	state    atomic.Int32
	mu       sync.Mutex
	cancel   context.CancelFunc
	onceStop sync.Once
	hooks    Hooks
	drainer  Drainer
	stopErr  error
	opts     Options
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, opts Options) *LifecycleRunner {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 10 * time.Second
	}
	if opts.BannerOut == nil {
		opts.BannerOut = os.Stdout
	}
	return &LifecycleRunner{hooks: hooks, drainer: drainer, opts: opts}
}

// Run blocks until ctx is done or Stop is called, then drains.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateNew), int32(StateStarting)) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	if r.opts.Title != "" {
		PrintBanner(r.opts.BannerOut, r.opts.Title)
	}
	if r.hooks.OnStart != nil {
		if err := r.hooks.OnStart(ctx); err != nil {
			r.cancelRun()
			return errors.Join(err, r.stop())
		}
	}
	r.setState(StateRunning)
	<-ctx.Done()
	return r.stop()
}

// Stop ends Run and waits for the drain. It is safe to call more than once.
func (r *LifecycleRunner) Stop() error {
	r.cancelRun()
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(r.state.Load())
}

func (r *LifecycleRunner) cancelRun() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *LifecycleRunner) stop() error {
	r.onceStop.Do(func() {
		r.setState(StateDraining)
		if r.drainer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), r.opts.DrainTimeout)
			err := r.drainer.Drain(ctx)
			if ctx.Err() != nil {
				err = errors.Join(ErrDrainTimeout, err)
			}
			cancel()
			r.stopErr = err
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.setState(StateStopped)
	})
	return r.stopErr
}

func (r *LifecycleRunner) setState(s State) {
	r.state.Store(int32(s))
}
