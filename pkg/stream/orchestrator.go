// Package stream drives the capture loop and the batch submission path of a
// signing session and owns the session state machine.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/signstream/pkg/batch"
	"github.com/harunnryd/signstream/pkg/capture"
	"github.com/harunnryd/signstream/pkg/errorsx"
	"github.com/harunnryd/signstream/pkg/landmarks"
	"github.com/harunnryd/signstream/pkg/metrics"
)

// NoticeSubmissionFailed is surfaced when a batch could not be translated. The
// batch is not resent; the next batch is delivered fresh.
const NoticeSubmissionFailed = "translation failed, retrying"

var (
	ErrBusy     = errorsx.Errorf(errorsx.ReasonInvalidState, "stream: session in progress")
	ErrNotReady = errorsx.Errorf(errorsx.ReasonInvalidState, "stream: service not ready, probe first")
	ErrClosed   = errorsx.Errorf(errorsx.ReasonInvalidState, "stream: orchestrator closed")
)

// Extractor turns one frame into a landmark record.
type Extractor interface {
	Extract(ctx context.Context, frame capture.Frame) (landmarks.FrameRecord, error)
}

// Service is the remote translation service.
type Service interface {
	Health(ctx context.Context) error
	Translate(ctx context.Context, b landmarks.Batch) (landmarks.TranslationResult, error)
}

type Config struct {
	BatchSize int
	Hints     capture.Hints
	FPS       int
	// ProbeTimeout bounds a health probe. Zero leaves it to the caller's context.
	ProbeTimeout time.Duration
	// SubmitTimeout bounds one submission. Zero leaves it to the service client.
	SubmitTimeout time.Duration
	// NewCadence builds the scheduler of one session. Defaults to TickerCadence(FPS).
	NewCadence func() Cadence
}

type Status struct {
	State       State                        `json:"state"`
	Message     string                       `json:"message,omitempty"`
	Session     string                       `json:"session,omitempty"`
	Generation  uint64                       `json:"generation"`
	Translation *landmarks.TranslationResult `json:"translation,omitempty"`
	Notice      string                       `json:"notice,omitempty"`
	InFlight    bool                         `json:"in_flight"`
	Pending     bool                         `json:"pending"`
}

type Stats struct {
	FramesCaptured     uint64 `json:"frames_captured"`
	FramesDropped      uint64 `json:"frames_dropped"`
	BatchesReleased    uint64 `json:"batches_released"`
	BatchesSubmitted   uint64 `json:"batches_submitted"`
	BatchesDropped     uint64 `json:"batches_dropped"`
	SubmissionFailures uint64 `json:"submission_failures"`
	ResultsDiscarded   uint64 `json:"results_discarded"`
}

type job struct {
	gen   uint64
	batch landmarks.Batch
}

// Orchestrator runs at most one capture session at a time and keeps at most one
// batch in flight, with a single pending slot that always holds the newest batch.
type Orchestrator struct {
	cfg       Config
	source    capture.Source
	extractor Extractor
	service   Service
	obs       metrics.Observer
	log       *slog.Logger
	clock     func() time.Time

	rootCtx    context.Context
	rootCancel context.CancelFunc
	subs       sync.WaitGroup

	mu              sync.Mutex
	machine         machine
	session         string
	gen             uint64
	starting        bool
	closed          bool
	sessionCancel   context.CancelFunc
	loopDone        chan struct{}
	inFlight        bool
	pending         *job
	lastResult      *landmarks.TranslationResult
	notice          string
	stats           Stats
	stateListeners  []StateListener
	updateListeners []UpdateListener
	// outbox holds StateChange and Update values in the order they happened.
	outbox   []any
	draining bool
}

func New(source capture.Source, extractor Extractor, service Service, cfg Config) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = batch.DefaultSize
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.NewCadence == nil {
		fps := cfg.FPS
		cfg.NewCadence = func() Cadence { return TickerCadence(fps) }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg,
		source:     source,
		extractor:  extractor,
		service:    service,
		obs:        metrics.NoopObserver{},
		log:        slog.Default(),
		clock:      time.Now,
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

func (o *Orchestrator) SetObserver(obs metrics.Observer) {
	if obs != nil {
		o.obs = obs
	}
}

func (o *Orchestrator) SetLogger(log *slog.Logger) {
	if log != nil {
		o.log = log
	}
}

// SetClock overrides the clock used for frame and batch timestamps.
func (o *Orchestrator) SetClock(clock func() time.Time) {
	if clock != nil {
		o.clock = clock
	}
}

func (o *Orchestrator) AddStateListener(l StateListener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stateListeners = append(o.stateListeners, l)
}

func (o *Orchestrator) AddUpdateListener(l UpdateListener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.updateListeners = append(o.updateListeners, l)
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.machine.state
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{
		State:      o.machine.state,
		Message:    o.machine.message,
		Session:    o.session,
		Generation: o.gen,
		Notice:     o.notice,
		InFlight:   o.inFlight,
		Pending:    o.pending != nil,
	}
	if o.lastResult != nil {
		r := *o.lastResult
		st.Translation = &r
	}
	return st
}

// Translation returns the result currently displayed for the session, if any.
func (o *Orchestrator) Translation() (landmarks.TranslationResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastResult == nil {
		return landmarks.TranslationResult{}, false
	}
	return *o.lastResult, true
}

func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

// Probe checks the translation service. Success moves to Ready, failure to Error
// carrying the cause. It is refused while a session is running.
func (o *Orchestrator) Probe(ctx context.Context) error {
	o.mu.Lock()
	if err := o.checkIdleLocked(); err != nil {
		o.mu.Unlock()
		return err
	}
	o.starting = true
	o.mu.Unlock()

	err := o.probe(ctx)

	o.mu.Lock()
	o.starting = false
	o.settleProbeLocked(err)
	o.mu.Unlock()
	o.flush()
	return err
}

// Start opens a capture session. From Idle or Stopped it probes the service first;
// from Error it is refused until a Probe succeeds. The session runs until Stop or
// Close; ctx only bounds the probe and opening the source.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if err := o.checkIdleLocked(); err != nil {
		o.mu.Unlock()
		return err
	}
	if o.machine.state == StateError {
		msg := o.machine.message
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotReady, msg)
	}
	needProbe := o.machine.state != StateReady
	prevLoop := o.loopDone
	o.starting = true
	o.mu.Unlock()

	defer o.flush()
	if needProbe {
		err := o.probe(ctx)
		o.mu.Lock()
		o.settleProbeLocked(err)
		if err != nil {
			o.starting = false
		}
		o.mu.Unlock()
		if err != nil {
			return err
		}
	}
	if prevLoop != nil {
		<-prevLoop
	}
	if err := o.source.Open(ctx, o.cfg.Hints); err != nil {
		if errors.Is(err, capture.ErrPermissionDenied) {
			err = errorsx.Wrap(err, errorsx.ReasonPermissionDenied)
		}
		o.mu.Lock()
		o.starting = false
		o.transitionLocked(StateError, err.Error())
		o.mu.Unlock()
		o.log.Error("capture_open_failed", "source", o.source.Name(), "error", err)
		return err
	}

	o.mu.Lock()
	o.starting = false
	o.gen++
	gen := o.gen
	o.session = uuid.NewString()
	session := o.session
	o.lastResult = nil
	o.notice = ""
	sessCtx, cancel := context.WithCancel(o.rootCtx)
	o.sessionCancel = cancel
	done := make(chan struct{})
	o.loopDone = done
	o.transitionLocked(StateActive, "")
	o.mu.Unlock()

	acc := batch.NewAccumulator(o.cfg.BatchSize)
	acc.SetClock(o.clock)
	cadence := o.cfg.NewCadence()
	o.log.Info("session_started", "session_id", session, "generation", gen, "batch_size", acc.Size())
	go o.captureLoop(sessCtx, gen, session, acc, cadence, done)
	return nil
}

// Stop halts the capture loop and releases the source. The remaining records are
// handed off as a short final batch whose result, like that of any submission
// still in flight, is discarded. Stopping a session that is not running is a no-op.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.machine.state.Live() {
		o.mu.Unlock()
		return nil
	}
	o.transitionLocked(StateStopped, "")
	cancel, done := o.sessionCancel, o.loopDone
	o.sessionCancel = nil
	o.mu.Unlock()
	o.flush()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return nil
}

// Close stops the session and waits for submissions to drain. When ctx expires
// first, outstanding submissions are cancelled.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	_ = o.Stop()
	o.mu.Lock()
	loopDone := o.loopDone
	o.mu.Unlock()
	if loopDone != nil {
		<-loopDone
	}
	drained := make(chan struct{})
	go func() {
		o.subs.Wait()
		close(drained)
	}()
	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
	}
	o.rootCancel()
	<-drained
	return err
}

func (o *Orchestrator) checkIdleLocked() error {
	switch {
	case o.closed:
		return ErrClosed
	case o.starting, o.machine.state.Live():
		return ErrBusy
	}
	return nil
}

func (o *Orchestrator) probe(ctx context.Context) error {
	if o.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.ProbeTimeout)
		defer cancel()
	}
	start := time.Now()
	err := o.service.Health(ctx)
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonProbeFailure)
	}
	metrics.Emit(o.obs, metrics.MetricsEvent{
		Name:  metrics.EventProbe,
		Value: float64(time.Since(start).Milliseconds()),
		Tags:  map[string]string{"component": "stream", "ok": strconv.FormatBool(err == nil)},
	})
	return err
}

func (o *Orchestrator) settleProbeLocked(err error) {
	if err != nil {
		o.log.Warn("service_probe_failed", "error", err)
		o.transitionLocked(StateError, err.Error())
		return
	}
	o.transitionLocked(StateReady, "")
}

func (o *Orchestrator) transitionLocked(to State, message string) {
	change, changed, err := o.machine.transition(to, message)
	if err != nil {
		o.log.Error("invalid_state_transition", "error", err)
		return
	}
	if !changed {
		return
	}
	change.Session = o.session
	o.outbox = append(o.outbox, change)
	o.log.Info("state_change", "from", change.From.String(), "to", change.To.String(), "message", message, "session_id", o.session)
	o.obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventStateChange,
		Time: change.Timestamp,
		Tags: map[string]string{"component": "stream", "session_id": o.session, "from": change.From.String(), "to": change.To.String()},
	})
}

// flush delivers queued events outside the lock. Only one goroutine drains at a
// time so listeners observe events in the order they happened; a listener that
// calls back into the orchestrator finds the drain busy and returns.
func (o *Orchestrator) flush() {
	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return
	}
	o.draining = true
	for len(o.outbox) > 0 {
		queued := o.outbox
		o.outbox = nil
		stateListeners := append([]StateListener(nil), o.stateListeners...)
		updateListeners := append([]UpdateListener(nil), o.updateListeners...)
		o.mu.Unlock()
		for _, item := range queued {
			switch ev := item.(type) {
			case StateChange:
				for _, l := range stateListeners {
					l.OnStateChange(ev)
				}
			case Update:
				for _, l := range updateListeners {
					l.OnUpdate(ev)
				}
			}
		}
		o.mu.Lock()
	}
	o.draining = false
	o.mu.Unlock()
}

func (o *Orchestrator) captureLoop(ctx context.Context, gen uint64, session string, acc *batch.Accumulator, cadence Cadence, done chan struct{}) {
	defer close(done)
	defer cadence.Stop()
	log := o.log.With("session_id", session)
	var lastTS int64
	for {
		select {
		case <-ctx.Done():
			o.finishSession(gen, session, acc, log)
			return
		case _, ok := <-cadence.Ticks():
			if !ok {
				o.endSession(gen)
				o.finishSession(gen, session, acc, log)
				return
			}
		}

		frame, err := o.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				o.finishSession(gen, session, acc, log)
				return
			}
			if errors.Is(err, capture.ErrClosed) {
				log.Info("capture_source_exhausted", "source", o.source.Name())
				o.endSession(gen)
				o.finishSession(gen, session, acc, log)
				return
			}
			o.frameDropped(session, "read", err, log)
			continue
		}
		if frame.Timestamp == 0 {
			frame.Timestamp = o.clock().UnixMilli()
		}
		rec, err := o.extractor.Extract(ctx, frame)
		if err != nil {
			if ctx.Err() != nil {
				o.finishSession(gen, session, acc, log)
				return
			}
			o.frameDropped(session, "extract", err, log)
			continue
		}
		if rec.Timestamp < lastTS {
			rec.Timestamp = lastTS
		}
		lastTS = rec.Timestamp

		o.mu.Lock()
		o.stats.FramesCaptured++
		o.mu.Unlock()
		o.obs.RecordEvent(metrics.MetricsEvent{
			Name:  metrics.EventFrameCaptured,
			Time:  time.Now(),
			Value: 1,
			Tags:  map[string]string{"component": "stream", "session_id": session},
		})
		if b, ok := acc.Push(rec); ok {
			b.Session = session
			o.handoff(gen, b)
		}
	}
}

// finishSession flushes the remainder and releases the source.
func (o *Orchestrator) finishSession(gen uint64, session string, acc *batch.Accumulator, log *slog.Logger) {
	if b, ok := acc.Flush(); ok {
		b.Session = session
		log.Info("final_batch_flushed", "frames", b.Len(), "seq", b.Seq)
		o.handoff(gen, b)
	}
	if err := o.source.Close(); err != nil {
		log.Warn("capture_close_failed", "error", err)
	}
	log.Info("session_finished", "generation", gen)
}

// endSession stops a session from inside its own loop, as when the source runs dry.
func (o *Orchestrator) endSession(gen uint64) {
	o.mu.Lock()
	if gen != o.gen || !o.machine.state.Live() {
		o.mu.Unlock()
		return
	}
	o.transitionLocked(StateStopped, "capture source exhausted")
	cancel := o.sessionCancel
	o.sessionCancel = nil
	o.mu.Unlock()
	o.flush()
	if cancel != nil {
		cancel()
	}
}

func (o *Orchestrator) frameDropped(session, stage string, err error, log *slog.Logger) {
	o.mu.Lock()
	o.stats.FramesDropped++
	o.mu.Unlock()
	log.Debug("frame_dropped", "stage", stage, "error", err)
	o.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventFrameDropped,
		Time:  time.Now(),
		Value: 1,
		Tags:  map[string]string{"component": "stream", "session_id": session, "stage": stage},
	})
}

// handoff passes a released batch to the submission path without blocking. While a
// submission is in flight the batch waits in the pending slot, replacing any older one.
func (o *Orchestrator) handoff(gen uint64, b landmarks.Batch) {
	o.mu.Lock()
	o.stats.BatchesReleased++
	o.obs.RecordEvent(batchEvent(metrics.EventBatchReleased, b))
	if o.inFlight {
		if old := o.pending; old != nil {
			o.stats.BatchesDropped++
			o.log.Warn("pending_batch_replaced", "session_id", old.batch.Session, "dropped_seq", old.batch.Seq, "seq", b.Seq)
			o.obs.RecordEvent(batchEvent(metrics.EventBatchDropped, old.batch))
		}
		o.pending = &job{gen: gen, batch: b}
		o.mu.Unlock()
		return
	}
	o.dispatchLocked(job{gen: gen, batch: b})
	o.mu.Unlock()
	o.flush()
}

func (o *Orchestrator) dispatchLocked(j job) {
	o.inFlight = true
	o.stats.BatchesSubmitted++
	if j.gen == o.gen && o.machine.state == StateActive {
		o.transitionLocked(StateSubmitting, "")
	}
	o.obs.RecordEvent(batchEvent(metrics.EventBatchSubmit, j.batch))
	o.subs.Add(1)
	go o.submit(j)
}

func (o *Orchestrator) submit(j job) {
	defer o.subs.Done()
	ctx := o.rootCtx
	if o.cfg.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.SubmitTimeout)
		defer cancel()
	}
	start := time.Now()
	res, err := o.service.Translate(ctx, j.batch)
	o.complete(j, res.Normalize(), err, time.Since(start))
}

// complete settles a finished submission. Only the current live session may change
// what is displayed; anything else is discarded. The pending batch, if any, goes next.
func (o *Orchestrator) complete(j job, res landmarks.TranslationResult, err error, took time.Duration) {
	o.mu.Lock()
	o.inFlight = false
	live := j.gen == o.gen && o.machine.state.Live()
	tags := map[string]string{"component": "stream", "session_id": j.batch.Session, "seq": strconv.FormatUint(j.batch.Seq, 10)}
	if err != nil {
		o.stats.SubmissionFailures++
		o.log.Warn("submission_failed", "session_id", j.batch.Session, "seq", j.batch.Seq, "reason", errorsx.Reason(err), "error", err)
		o.obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventSubmissionFailed, Time: time.Now(), Value: float64(took.Milliseconds()), Tags: tags})
	} else {
		o.obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventBatchResult, Time: time.Now(), Value: float64(took.Milliseconds()), Tags: tags})
	}

	switch {
	case !live:
		o.stats.ResultsDiscarded++
		o.log.Debug("stale_result_discarded", "session_id", j.batch.Session, "seq", j.batch.Seq)
	case err != nil:
		o.notice = NoticeSubmissionFailed
		o.outbox = append(o.outbox, Update{Session: j.batch.Session, Seq: j.batch.Seq, Notice: NoticeSubmissionFailed, Error: err.Error(), Timestamp: time.Now()})
	default:
		r := res
		o.lastResult = &r
		o.notice = ""
		o.outbox = append(o.outbox, Update{Session: j.batch.Session, Seq: j.batch.Seq, Translation: &res, Timestamp: time.Now()})
	}
	if live && o.machine.state == StateSubmitting {
		o.transitionLocked(StateActive, "")
	}
	if next := o.pending; next != nil {
		o.pending = nil
		o.dispatchLocked(*next)
	}
	o.mu.Unlock()
	o.flush()
}

func batchEvent(name string, b landmarks.Batch) metrics.MetricsEvent {
	return metrics.MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: float64(b.Len()),
		Tags: map[string]string{
			"component":  "stream",
			"session_id": b.Session,
			"seq":        strconv.FormatUint(b.Seq, 10),
			"short":      strconv.FormatBool(b.Short),
		},
	}
}
