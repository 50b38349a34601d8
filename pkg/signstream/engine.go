// Package signstream assembles the capture, extraction, batching and submission
// pipeline from a Config and serves its control surface over HTTP.
package signstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/signstream/pkg/adapters/detect"
	"github.com/harunnryd/signstream/pkg/capture"
	"github.com/harunnryd/signstream/pkg/extractor"
	"github.com/harunnryd/signstream/pkg/logging"
	"github.com/harunnryd/signstream/pkg/metrics"
	"github.com/harunnryd/signstream/pkg/observers"
	"github.com/harunnryd/signstream/pkg/overlay"
	"github.com/harunnryd/signstream/pkg/resilience"
	"github.com/harunnryd/signstream/pkg/runner"
	"github.com/harunnryd/signstream/pkg/stream"
	"github.com/harunnryd/signstream/pkg/translate"
)

// BannerTitle is printed when the engine starts serving.
const BannerTitle = "SIGNSTREAM"

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	Logger    *slog.Logger
	// Optional overrides of what Config would build.
	Detector   detect.Detector
	Source     capture.Source
	Service    stream.Service
	NewCadence func() stream.Cadence
	// BannerOut receives the start banner; nil disables it.
	BannerOut io.Writer
}

type Engine struct {
	cfg       Config
	log       *slog.Logger
	providers *ProviderRegistry

	detector  detect.Detector
	extractor *extractor.Extractor
	source    capture.Source
	orch      *stream.Orchestrator
	hub       *overlay.Hub
	runner    *runner.LifecycleRunner

	asyncObs *metrics.AsyncObserver
	closers  []io.Closer

	mu       sync.Mutex
	server   *http.Server
	addr     string
	draining atomic.Bool
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}
	e := &Engine{cfg: cfg, log: log, providers: providers}

	e.detector = opts.Detector
	if e.detector == nil {
		d, err := providers.BuildDetector(cfg.Detector)
		if err != nil {
			return nil, err
		}
		e.detector = d
	}
	e.source = opts.Source
	if e.source == nil {
		s, err := providers.BuildSource(cfg.Capture)
		if err != nil {
			return nil, err
		}
		e.source = s
	}
	service := opts.Service
	if service == nil {
		client := translate.NewClient(cfg.Service.BaseURL, ms(cfg.Service.TimeoutMS))
		client.Breaker = resilience.NewCircuitBreaker(cfg.Service.BreakerThreshold, ms(cfg.Service.BreakerCooldownMS))
		service = client
	}
	if err := e.buildObservers(); err != nil {
		return nil, err
	}

	e.hub = overlay.NewHub(cfg.Overlay)
	e.hub.SetLogger(logging.NewComponentLogger(log, "overlay"))

	e.extractor = extractor.New(e.detector, extractor.Config{FamilyTimeout: ms(cfg.Stream.FamilyTimeoutMS)})
	e.extractor.SetLogger(logging.NewComponentLogger(log, "extractor"))
	e.extractor.SetObserver(e.asyncObs)
	e.extractor.SetRenderer(e.hub)

	e.orch = stream.New(e.source, e.extractor, service, stream.Config{
		BatchSize:     cfg.Stream.BatchSize,
		Hints:         capture.Hints{Width: cfg.Stream.Width, Height: cfg.Stream.Height},
		FPS:           cfg.Stream.FPS,
		ProbeTimeout:  ms(cfg.Service.ProbeTimeoutMS),
		SubmitTimeout: ms(cfg.Service.TimeoutMS),
		NewCadence:    opts.NewCadence,
	})
	e.orch.SetLogger(logging.NewComponentLogger(log, "stream"))
	e.orch.SetObserver(e.asyncObs)
	e.orch.AddStateListener(e.hub)
	e.orch.AddUpdateListener(e.hub)

	title := ""
	if opts.BannerOut != nil {
		title = BannerTitle
	}
	e.runner = runner.NewLifecycleRunner(e, runner.Hooks{OnStart: e.Start}, runner.Options{
		Title:        title,
		BannerOut:    opts.BannerOut,
		DrainTimeout: ms(cfg.Server.DrainTimeoutMS),
	})

	log.Info("signstream_init",
		"environment", cfg.Environment,
		"detector", e.detector.Name(),
		"capture", e.source.Name(),
		"service", cfg.Service.BaseURL,
		"batch_size", cfg.Stream.BatchSize,
		"fps", cfg.Stream.FPS,
	)
	return e, nil
}

// buildObservers wires the metrics sinks. Per-session accounting sees every event;
// logging and timelines only see the sampled share of per-frame events.
func (e *Engine) buildObservers() error {
	obs := e.cfg.Observability
	exact := []metrics.Observer{observers.NewLatencyObserver(logging.NewComponentLogger(e.log, "latency"))}
	sampled := []metrics.Observer{observers.NewLoggerObserver(e.log)}

	if dir := strings.TrimSpace(obs.ArtifactsDir); dir != "" {
		if obs.RetentionDays > 0 {
			n, err := observers.PurgeArtifacts(dir, time.Duration(obs.RetentionDays)*24*time.Hour, time.Now(), observers.TimelineFileExt, observers.SummaryFileExt)
			if err != nil {
				e.log.Warn("artifact_purge_failed", "dir", dir, "error", err)
			} else if n > 0 {
				e.log.Info("artifacts_purged", "dir", dir, "removed", n)
			}
		}
		timeline := observers.NewTimelineObserver(dir)
		summary := observers.NewSummaryObserver(dir)
		exact = append(exact, summary)
		sampled = append(sampled, timeline)
		e.closers = append(e.closers, timeline, summary)
	}
	switch path := strings.TrimSpace(obs.MetricsPath); path {
	case "":
	case "-":
		sampled = append(sampled, metrics.NewJSONLObserver(os.Stdout))
	default:
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("observability.metrics_path: %w", err)
		}
		sampled = append(sampled, metrics.NewJSONLObserver(f))
		e.closers = append(e.closers, f)
	}

	rate := obs.SampleRate
	if rate == 0 {
		rate = 1
	}
	exact = append(exact, metrics.NewSamplingObserver(observers.NewMultiObserver(sampled...), rate))
	e.asyncObs = metrics.NewAsyncObserver(observers.NewMultiObserver(exact...), obs.AsyncBuffer)
	return nil
}

// Start starts the detector and the HTTP server. It returns once the listener is bound.
func (e *Engine) Start(ctx context.Context) error {
	// The detector outlives the request that started it; Drain closes it.
	if err := e.extractor.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start extractor: %w", err)
	}
	ln, err := net.Listen("tcp", e.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", e.cfg.Server.Addr, err)
	}
	srv := &http.Server{
		Handler:           e.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	e.mu.Lock()
	e.server = srv
	e.addr = ln.Addr().String()
	e.mu.Unlock()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error("server_error", "error", err)
		}
	}()
	e.log.Info("server_listening", "addr", e.addr)

	if e.cfg.Stream.AutoStart {
		go func() {
			if err := e.orch.Start(ctx); err != nil {
				e.log.Warn("auto_start_failed", "error", err)
			}
		}()
	}
	return nil
}

// Run serves until ctx is done, then drains.
func (e *Engine) Run(ctx context.Context) error {
	return e.runner.Run(ctx)
}

// Stop ends Run and drains.
func (e *Engine) Stop() error {
	return e.runner.Stop()
}

// Drain refuses new work, stops the session, waits for submissions in flight and
// closes every resource. It implements runner.Drainer.
func (e *Engine) Drain(ctx context.Context) error {
	e.draining.Store(true)
	var errs []error
	if err := e.orch.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close orchestrator: %w", err))
	}
	_ = e.hub.Close(ctx)
	e.mu.Lock()
	srv := e.server
	e.mu.Unlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
		}
	}
	if err := e.extractor.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close extractor: %w", err))
	}
	if err := e.asyncObs.Close(); err != nil {
		errs = append(errs, err)
	}
	if n := e.asyncObs.Dropped(); n > 0 {
		e.log.Warn("metrics_events_dropped", "count", n)
	}
	for _, c := range e.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.log.Info("signstream_drained")
	return errors.Join(errs...)
}

func (e *Engine) Config() Config                     { return e.cfg }
func (e *Engine) Orchestrator() *stream.Orchestrator { return e.orch }
func (e *Engine) Hub() *overlay.Hub                  { return e.hub }

// Addr is the bound server address, empty before Start.
func (e *Engine) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addr
}
