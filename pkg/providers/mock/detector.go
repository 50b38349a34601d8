package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/signstream/pkg/adapters/detect"
	"github.com/harunnryd/signstream/pkg/capture"
	"github.com/harunnryd/signstream/pkg/landmarks"
)

type DetectorConfig struct {
	// Sets returns the landmarks per family. A missing or nil entry is reported as "not detected".
	Sets map[landmarks.Family]landmarks.Set
	// Delays postpones delivery of a family's result.
	Delays map[landmarks.Family]time.Duration
	// Silent families never answer (model warm-up).
	Silent map[landmarks.Family]bool
}

// Detector answers every frame with the configured sets, one goroutine per family.
type Detector struct {
	cfg     DetectorConfig
	out     chan detect.Detection
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.RWMutex
	wg      sync.WaitGroup
	started bool
	sent    int
}

func NewDetector(cfg DetectorConfig) *Detector {
	return &Detector{cfg: cfg, out: make(chan detect.Detection, 64)}
}

func (d *Detector) Name() string { return "mock_detector" }

func (d *Detector) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.started = true
	return nil
}

func (d *Detector) Close() error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()
	d.wg.Wait()
	close(d.out)
	return nil
}

// SetFamily replaces the configured set for one family.
func (d *Detector) SetFamily(f landmarks.Family, s landmarks.Set) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cfg.Sets == nil {
		d.cfg.Sets = make(map[landmarks.Family]landmarks.Set)
	}
	d.cfg.Sets[f] = s
}

// Sent returns the number of frames submitted so far.
func (d *Detector) Sent() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sent
}

func (d *Detector) Send(frameID uint64, frame capture.Frame) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return errors.New("not started")
	}
	d.sent++
	ctx := d.ctx
	jobs := make([]detect.Detection, 0, len(landmarks.Families))
	delays := make([]time.Duration, 0, len(landmarks.Families))
	for _, f := range landmarks.Families {
		if d.cfg.Silent[f] {
			continue
		}
		jobs = append(jobs, detect.Detection{
			Family:     f,
			FrameID:    frameID,
			Timestamp:  frame.Timestamp,
			Points:     d.cfg.Sets[f].Clone(),
			Confidence: 1,
		})
		delays = append(delays, d.cfg.Delays[f])
	}
	d.wg.Add(len(jobs))
	d.mu.Unlock()

	for i := range jobs {
		go d.deliver(ctx, jobs[i], delays[i])
	}
	return nil
}

func (d *Detector) Results() <-chan detect.Detection { return d.out }

func (d *Detector) deliver(ctx context.Context, det detect.Detection, delay time.Duration) {
	defer d.wg.Done()
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
	select {
	case <-ctx.Done():
	case d.out <- det:
	}
}

var _ detect.Detector = (*Detector)(nil)
