package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/signstream/pkg/capture"
	"github.com/harunnryd/signstream/pkg/errorsx"
	"github.com/harunnryd/signstream/pkg/landmarks"
	"github.com/harunnryd/signstream/pkg/metrics"
	"github.com/harunnryd/signstream/pkg/translate"
)

const waitTimeout = 2 * time.Second

type reply struct {
	res landmarks.TranslationResult
	err error
}

type call struct {
	batch landmarks.Batch
	reply chan reply
}

// fakeService answers health probes from healthErr. In auto mode Translate answers
// immediately; otherwise every call is handed to the test through calls.
type fakeService struct {
	mu          sync.Mutex
	healthErr   error
	auto        bool
	calls       chan call
	received    []landmarks.Batch
	inFlight    int
	maxInFlight int
}

func newFakeService(auto bool) *fakeService {
	return &fakeService{auto: auto, calls: make(chan call, 16)}
}

func (f *fakeService) setHealth(err error) {
	f.mu.Lock()
	f.healthErr = err
	f.mu.Unlock()
}

func (f *fakeService) Health(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthErr
}

func (f *fakeService) Translate(ctx context.Context, b landmarks.Batch) (landmarks.TranslationResult, error) {
	f.mu.Lock()
	f.received = append(f.received, b)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	auto := f.auto
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if auto {
		return landmarks.TranslationResult{Translation: fmt.Sprintf("T%d", b.Seq)}, nil
	}
	c := call{batch: b, reply: make(chan reply, 1)}
	f.calls <- c
	select {
	case r := <-c.reply:
		return r.res, r.err
	case <-ctx.Done():
		return landmarks.TranslationResult{}, ctx.Err()
	}
}

func (f *fakeService) next(t *testing.T) call {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for a submission")
		return call{}
	}
}

func (f *fakeService) Received() []landmarks.Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]landmarks.Batch(nil), f.received...)
}

func (f *fakeService) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

type poseExtractor struct{}

func (poseExtractor) Extract(ctx context.Context, frame capture.Frame) (landmarks.FrameRecord, error) {
	return landmarks.FrameRecord{Timestamp: frame.Timestamp, Pose: landmarks.Set{{0.5, 0.5, 0}}}, nil
}

// scriptedSource returns frames with the given timestamps, then ErrClosed.
type scriptedSource struct {
	mu     sync.Mutex
	stamps []int64
	next   int
	closed int
}

func (s *scriptedSource) Name() string                                    { return "scripted" }
func (s *scriptedSource) Open(ctx context.Context, h capture.Hints) error { return nil }

func (s *scriptedSource) Read(ctx context.Context) (capture.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.stamps) {
		return capture.Frame{}, capture.ErrClosed
	}
	ts := s.stamps[s.next]
	s.next++
	return capture.Frame{Timestamp: ts}, nil
}

func (s *scriptedSource) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

type recorder struct {
	mu      sync.Mutex
	states  []StateChange
	updates []Update
}

func (r *recorder) OnStateChange(ev StateChange) {
	r.mu.Lock()
	r.states = append(r.states, ev)
	r.mu.Unlock()
}

func (r *recorder) OnUpdate(u Update) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func (r *recorder) Transitions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.states))
	for _, s := range r.states {
		out = append(out, s.From.String()+">"+s.To.String())
	}
	return out
}

func (r *recorder) Updates() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Update(nil), r.updates...)
}

type cadences struct {
	ch chan *ManualCadence
}

func (c *cadences) New() Cadence {
	m := NewManualCadence()
	c.ch <- m
	return m
}

func (c *cadences) next(t *testing.T) *ManualCadence {
	t.Helper()
	select {
	case m := <-c.ch:
		return m
	case <-time.After(waitTimeout):
		t.Fatalf("no cadence created")
		return nil
	}
}

type harness struct {
	orch     *Orchestrator
	source   *capture.StaticSource
	svc      *fakeService
	cadences *cadences
	rec      *recorder
	obs      *metrics.MemoryObserver
}

func newHarness(t *testing.T, batchSize int, svc *fakeService) *harness {
	t.Helper()
	h := &harness{
		source:   capture.NewStaticSource([]byte("frame"), "image/jpeg"),
		svc:      svc,
		cadences: &cadences{ch: make(chan *ManualCadence, 4)},
		rec:      &recorder{},
		obs:      metrics.NewMemoryObserver(),
	}
	h.orch = New(h.source, poseExtractor{}, svc, Config{BatchSize: batchSize, NewCadence: h.cadences.New})
	h.orch.SetObserver(h.obs)
	h.orch.AddStateListener(h.rec)
	h.orch.AddUpdateListener(h.rec)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.orch.Close(ctx)
	})
	return h
}

func (h *harness) start(t *testing.T) *ManualCadence {
	t.Helper()
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return h.cadences.next(t)
}

func tick(t *testing.T, c *ManualCadence, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if !c.Tick(waitTimeout) {
			t.Fatalf("tick %d not taken", i)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestHealthDownMovesToErrorAndRefusesStart(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			_, _ = w.Write([]byte(`{"status":"ok"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"down"}`))
	}))
	defer srv.Close()

	source := capture.NewStaticSource(nil, "")
	cads := &cadences{ch: make(chan *ManualCadence, 4)}
	rec := &recorder{}
	orch := New(source, poseExtractor{}, translate.NewClient(srv.URL, time.Second), Config{NewCadence: cads.New})
	orch.AddStateListener(rec)
	defer orch.Close(context.Background())

	err := orch.Probe(context.Background())
	if !errorsx.HasReason(err, errorsx.ReasonProbeFailure) {
		t.Fatalf("expected probe failure, got %v", err)
	}
	st := orch.Status()
	if st.State != StateError || !strings.Contains(st.Message, "down") {
		t.Fatalf("expected error state with cause, got %+v", st)
	}
	if err := orch.Start(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected start refused, got %v", err)
	}
	healthy.Store(true)
	if err := orch.Start(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected start refused until probe, got %v", err)
	}
	if source.IsOpen() {
		t.Fatalf("source must not be opened by a refused start")
	}
	if err := orch.Probe(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("start after probe: %v", err)
	}
	if got := strings.Join(rec.Transitions(), " "); got != "IDLE>ERROR ERROR>READY READY>ACTIVE" {
		t.Fatalf("unexpected transitions %s", got)
	}
}

func TestStartFromIdleProbesFirst(t *testing.T) {
	svc := newFakeService(true)
	svc.setHealth(errors.New("connection refused"))
	h := newHarness(t, 2, svc)

	err := h.orch.Start(context.Background())
	if !errorsx.HasReason(err, errorsx.ReasonProbeFailure) {
		t.Fatalf("expected probe failure, got %v", err)
	}
	if h.orch.State() != StateError {
		t.Fatalf("expected error state, got %s", h.orch.State())
	}
	svc.setHealth(nil)
	if err := h.orch.Start(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected start refused after failed probe, got %v", err)
	}
}

func TestPermissionDeniedBlocksStart(t *testing.T) {
	h := newHarness(t, 2, newFakeService(true))
	h.source.Deny(true)

	err := h.orch.Start(context.Background())
	if !errors.Is(err, capture.ErrPermissionDenied) || !errorsx.HasReason(err, errorsx.ReasonPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	st := h.orch.Status()
	if st.State != StateError || st.Message != err.Error() {
		t.Fatalf("expected cause surfaced verbatim, got %+v", st)
	}
	h.source.Deny(false)
	if err := h.orch.Probe(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}
	h.start(t)
	if !h.source.IsOpen() {
		t.Fatalf("expected source held by the session")
	}
}

func TestPoseOnlyFramesFormOneBatch(t *testing.T) {
	svc := newFakeService(true)
	h := newHarness(t, 2, svc)
	c := h.start(t)
	tick(t, c, 2)

	waitFor(t, "first result", func() bool { _, ok := h.orch.Translation(); return ok })
	got := svc.Received()
	if len(got) != 1 || got[0].Len() != 2 {
		t.Fatalf("expected one batch of two, got %+v", got)
	}
	for i, rec := range got[0].Frames {
		if rec.SequenceIndex != i || rec.Pose == nil || rec.LeftHand != nil || rec.RightHand != nil || rec.Face != nil {
			t.Fatalf("unexpected record %d: %+v", i, rec)
		}
	}
	if got[0].Session != h.orch.Status().Session {
		t.Fatalf("expected batch tagged with the session")
	}
}

func TestSubmissionOrderMatchesReleaseOrder(t *testing.T) {
	svc := newFakeService(true)
	h := newHarness(t, 2, svc)
	c := h.start(t)

	for i := 1; i <= 3; i++ {
		tick(t, c, 2)
		want := uint64(i)
		waitFor(t, "submission settled", func() bool {
			st := h.orch.Status()
			return h.orch.Stats().BatchesSubmitted == want && !st.InFlight && st.State == StateActive
		})
	}
	got := svc.Received()
	for i, b := range got {
		if b.Seq != uint64(i+1) {
			t.Fatalf("expected release order, got seq %d at %d", b.Seq, i)
		}
	}
	if tr, _ := h.orch.Translation(); tr.Translation != "T3" {
		t.Fatalf("expected latest translation, got %q", tr.Translation)
	}
	if h.orch.Stats().BatchesDropped != 0 {
		t.Fatalf("expected no drops without backpressure")
	}
	waitFor(t, "listeners notified", func() bool { return len(h.rec.Transitions()) == 8 })
	want := "IDLE>READY READY>ACTIVE ACTIVE>SUBMITTING SUBMITTING>ACTIVE ACTIVE>SUBMITTING SUBMITTING>ACTIVE ACTIVE>SUBMITTING SUBMITTING>ACTIVE"
	if got := strings.Join(h.rec.Transitions(), " "); got != want {
		t.Fatalf("unexpected transitions\n got %s\nwant %s", got, want)
	}
}

func TestBackpressureKeepsNewestPendingBatch(t *testing.T) {
	svc := newFakeService(false)
	h := newHarness(t, 1, svc)
	c := h.start(t)

	tick(t, c, 1)
	first := svc.next(t)
	if h.orch.State() != StateSubmitting {
		t.Fatalf("expected submitting, got %s", h.orch.State())
	}

	tick(t, c, 1)
	waitFor(t, "batch 2 pending", func() bool { return h.orch.Status().Pending })
	tick(t, c, 1)
	waitFor(t, "batch 3 released", func() bool { return h.orch.Stats().BatchesReleased == 3 })
	if h.orch.Stats().BatchesDropped != 1 {
		t.Fatalf("expected batch 2 dropped, got %+v", h.orch.Stats())
	}
	if len(h.obs.Named(metrics.EventBatchDropped)) != 1 {
		t.Fatalf("expected drop event")
	}

	first.reply <- reply{err: errorsx.Wrap(translate.StatusError{Op: "translate", Code: 500}, errorsx.ReasonSubmissionFailure)}
	third := svc.next(t)
	if third.batch.Seq != 3 {
		t.Fatalf("expected batch 3 to follow batch 1, got %d", third.batch.Seq)
	}
	waitFor(t, "failure notice", func() bool { return h.orch.Status().Notice == NoticeSubmissionFailed })
	if h.orch.State() != StateSubmitting {
		t.Fatalf("expected capture to continue with batch 3 in flight, got %s", h.orch.State())
	}

	third.reply <- reply{res: landmarks.TranslationResult{Translation: "HELLO", Words: []string{"HELLO"}}}
	waitFor(t, "translation", func() bool { tr, ok := h.orch.Translation(); return ok && tr.Translation == "HELLO" })
	if svc.MaxInFlight() != 1 {
		t.Fatalf("expected at most one submission in flight, got %d", svc.MaxInFlight())
	}
	if n := len(svc.Received()); n != 2 {
		t.Fatalf("expected batches 1 and 3 only, got %d submissions", n)
	}
	waitFor(t, "updates delivered", func() bool { return len(h.rec.Updates()) == 2 })
	updates := h.rec.Updates()
	if updates[0].Notice != NoticeSubmissionFailed || updates[1].Translation == nil {
		t.Fatalf("unexpected updates %+v", updates)
	}
	if h.orch.Stats().SubmissionFailures != 1 {
		t.Fatalf("expected one submission failure")
	}
}

func TestStopDiscardsInFlightResult(t *testing.T) {
	svc := newFakeService(false)
	h := newHarness(t, 1, svc)
	c := h.start(t)

	tick(t, c, 1)
	inflight := svc.next(t)
	if err := h.orch.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if h.orch.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", h.orch.State())
	}
	if h.source.IsOpen() {
		t.Fatalf("expected source released on stop")
	}
	if c.Tick(20 * time.Millisecond) {
		t.Fatalf("capture loop must not take ticks after stop")
	}

	inflight.reply <- reply{res: landmarks.TranslationResult{Translation: "LATE"}}
	waitFor(t, "result discarded", func() bool { return h.orch.Stats().ResultsDiscarded == 1 })
	if _, ok := h.orch.Translation(); ok {
		t.Fatalf("stale result must not be displayed")
	}
	if len(h.rec.Updates()) != 0 {
		t.Fatalf("stale result must not be surfaced")
	}
	if h.orch.State() != StateStopped {
		t.Fatalf("expected state unchanged, got %s", h.orch.State())
	}
}

func TestStopFlushesShortFinalBatch(t *testing.T) {
	svc := newFakeService(true)
	h := newHarness(t, 3, svc)
	c := h.start(t)
	tick(t, c, 2)
	waitFor(t, "frames captured", func() bool { return h.orch.Stats().FramesCaptured == 2 })

	_ = h.orch.Stop()
	waitFor(t, "final batch delivered", func() bool { return len(svc.Received()) == 1 })
	final := svc.Received()[0]
	if final.Len() != 2 || !final.Short {
		t.Fatalf("expected short batch of 2, got len=%d short=%v", final.Len(), final.Short)
	}
	waitFor(t, "result discarded", func() bool { return h.orch.Stats().ResultsDiscarded == 1 })
	if _, ok := h.orch.Translation(); ok {
		t.Fatalf("final batch result must be discarded")
	}
}

func TestRestartIgnoresPreviousSessionResult(t *testing.T) {
	svc := newFakeService(false)
	h := newHarness(t, 1, svc)
	c := h.start(t)
	tick(t, c, 1)
	old := svc.next(t)
	firstSession := h.orch.Status().Session
	_ = h.orch.Stop()

	c2 := h.start(t)
	st := h.orch.Status()
	if st.Session == firstSession || st.Generation != 2 {
		t.Fatalf("expected a new session and generation, got %+v", st)
	}
	tick(t, c2, 1)
	waitFor(t, "new batch pending", func() bool { return h.orch.Status().Pending })
	if h.orch.State() != StateActive {
		t.Fatalf("old submission must not put the new session in submitting, got %s", h.orch.State())
	}

	old.reply <- reply{res: landmarks.TranslationResult{Translation: "OLD"}}
	fresh := svc.next(t)
	if fresh.batch.Session != st.Session {
		t.Fatalf("expected the new session's batch, got %s", fresh.batch.Session)
	}
	fresh.reply <- reply{res: landmarks.TranslationResult{Translation: "NEW"}}
	waitFor(t, "new translation", func() bool { tr, ok := h.orch.Translation(); return ok && tr.Translation == "NEW" })
	for _, u := range h.rec.Updates() {
		if u.Translation != nil && u.Translation.Translation == "OLD" {
			t.Fatalf("stale result surfaced: %+v", u)
		}
	}
}

func TestProbeAndStartRefusedWhileActive(t *testing.T) {
	h := newHarness(t, 2, newFakeService(true))
	h.start(t)
	if err := h.orch.Probe(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected busy, got %v", err)
	}
	if err := h.orch.Start(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected busy, got %v", err)
	}
}

func TestTimestampsClampedAndSourceExhaustion(t *testing.T) {
	svc := newFakeService(true)
	source := &scriptedSource{stamps: []int64{5, 3, 7}}
	cads := &cadences{ch: make(chan *ManualCadence, 4)}
	orch := New(source, poseExtractor{}, svc, Config{BatchSize: 3, NewCadence: cads.New})
	defer orch.Close(context.Background())
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	c := cads.next(t)
	tick(t, c, 4)

	waitFor(t, "session end", func() bool { return orch.State() == StateStopped })
	waitFor(t, "batch delivered", func() bool { return len(svc.Received()) == 1 })
	frames := svc.Received()[0].Frames
	if frames[0].Timestamp != 5 || frames[1].Timestamp != 5 || frames[2].Timestamp != 7 {
		t.Fatalf("expected non-decreasing timestamps, got %d %d %d", frames[0].Timestamp, frames[1].Timestamp, frames[2].Timestamp)
	}
	if msg := orch.Status().Message; msg != "capture source exhausted" {
		t.Fatalf("unexpected stop message %q", msg)
	}
	waitFor(t, "source closed", func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()
		return source.closed == 1
	})
}

func TestCloseDrainsInFlightSubmission(t *testing.T) {
	svc := newFakeService(false)
	h := newHarness(t, 1, svc)
	c := h.start(t)
	tick(t, c, 1)
	inflight := svc.next(t)

	closed := make(chan error, 1)
	go func() { closed <- h.orch.Close(context.Background()) }()
	select {
	case <-closed:
		t.Fatalf("close must wait for the submission")
	case <-time.After(20 * time.Millisecond):
	}
	inflight.reply <- reply{res: landmarks.TranslationResult{Translation: "DONE"}}
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("close: %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("close did not return")
	}
	if err := h.orch.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
}

func TestCloseCancelsSubmissionsOnDeadline(t *testing.T) {
	svc := newFakeService(false)
	h := newHarness(t, 1, svc)
	c := h.start(t)
	tick(t, c, 1)
	svc.next(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.orch.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if h.orch.Stats().SubmissionFailures != 1 {
		t.Fatalf("expected the cancelled submission counted as failed")
	}
}
