package extractor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/signstream/pkg/adapters/detect"
	"github.com/harunnryd/signstream/pkg/capture"
	"github.com/harunnryd/signstream/pkg/landmarks"
	"github.com/harunnryd/signstream/pkg/metrics"
)

// Renderer receives the latest landmarks after every extraction.
type Renderer interface {
	Render(snap landmarks.Snapshot)
}

type Config struct {
	// FamilyTimeout bounds how long Extract waits for slow families.
	FamilyTimeout time.Duration
}

// Extractor turns frames into FrameRecords using an asynchronous detector.
type Extractor struct {
	cfg      Config
	detector detect.Detector
	holder   *LatestHolder
	renderer Renderer
	obs      metrics.Observer
	log      *slog.Logger
	nextID   atomic.Uint64
	wg       sync.WaitGroup
	mu       sync.Mutex
	started  bool
}

func New(detector detect.Detector, cfg Config) *Extractor {
	if cfg.FamilyTimeout <= 0 {
		cfg.FamilyTimeout = 50 * time.Millisecond
	}
	return &Extractor{
		cfg:      cfg,
		detector: detector,
		holder:   NewLatestHolder(),
		log:      slog.Default(),
	}
}

func (e *Extractor) SetRenderer(r Renderer)           { e.renderer = r }
func (e *Extractor) SetObserver(obs metrics.Observer) { e.obs = obs }
func (e *Extractor) SetLogger(log *slog.Logger) {
	if log != nil {
		e.log = log
	}
}

// Start starts the detector and the goroutine folding its results into the holder.
func (e *Extractor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	if err := e.detector.Start(ctx); err != nil {
		return err
	}
	e.started = true
	e.wg.Add(1)
	go e.readResults(e.detector.Results())
	e.log.Info("extractor_started", "detector", e.detector.Name(), "family_timeout_ms", e.cfg.FamilyTimeout.Milliseconds())
	return nil
}

func (e *Extractor) Close() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	e.mu.Unlock()
	err := e.detector.Close()
	e.wg.Wait()
	e.holder.Reset()
	return err
}

// Extract submits frame to the detector and composes a record from the latest result of each
// family. It waits at most FamilyTimeout for families to catch up; families that never answered
// are left absent. The frame is not retained.
func (e *Extractor) Extract(ctx context.Context, frame capture.Frame) (landmarks.FrameRecord, error) {
	id := e.nextID.Add(1)
	start := time.Now()
	if err := e.detector.Send(id, frame); err != nil {
		return landmarks.FrameRecord{}, err
	}

	timer := time.NewTimer(e.cfg.FamilyTimeout)
	defer timer.Stop()
	complete := false
wait:
	for {
		ready, changed := e.holder.Ready(id)
		if ready {
			complete = true
			break
		}
		select {
		case <-ctx.Done():
			return landmarks.FrameRecord{}, ctx.Err()
		case <-timer.C:
			break wait
		case <-changed:
		}
	}

	rec, version := e.holder.Compose(frame.Timestamp)
	e.record(frame, start, complete)
	if e.renderer != nil {
		e.renderer.Render(landmarks.SnapshotOf(version, rec))
	}
	return rec, nil
}

func (e *Extractor) readResults(ch <-chan detect.Detection) {
	defer e.wg.Done()
	for det := range ch {
		e.holder.Update(det)
	}
}

func (e *Extractor) record(frame capture.Frame, start time.Time, complete bool) {
	if e.obs == nil {
		return
	}
	e.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventExtractLatency,
		Time:  time.Now(),
		Value: float64(time.Since(start).Microseconds()),
		Tags: map[string]string{
			"component": "extractor",
			"detector":  e.detector.Name(),
			"complete":  boolTag(complete),
		},
	})
}

func boolTag(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
