package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/signstream/pkg/metrics"
)

// maxSessions bounds how many sessions the per-session observers remember.
const maxSessions = 32

// LatencyObserver measures the round trip of each submission, from batch_submit to
// batch_result or submission_failed, and logs a per-session summary when the session stops.
type LatencyObserver struct {
	mu       sync.Mutex
	sessions map[string]*sessionLatency
	order    []string
	log      *slog.Logger
}

type sessionLatency struct {
	inFlight map[string]time.Time
	count    int
	failed   int
	total    time.Duration
	max      time.Duration
}

// LatencySummary is the round-trip view of one session.
type LatencySummary struct {
	Submissions int
	Failures    int
	Mean        time.Duration
	Max         time.Duration
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		sessions: make(map[string]*sessionLatency),
		log:      log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	session := ev.Tags["session_id"]
	if session == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.sessionLocked(session)
	seq := ev.Tags["seq"]
	switch ev.Name {
	case metrics.EventBatchSubmit:
		s.inFlight[seq] = ev.Time
	case metrics.EventBatchResult, metrics.EventSubmissionFailed:
		start, ok := s.inFlight[seq]
		if !ok {
			return
		}
		delete(s.inFlight, seq)
		took := ev.Time.Sub(start)
		s.count++
		s.total += took
		s.max = max(s.max, took)
		if ev.Name == metrics.EventSubmissionFailed {
			s.failed++
		}
		o.log.Debug("submission_latency", "session_id", session, "seq", seq, "ms", took.Milliseconds())
	case metrics.EventStateChange:
		if ev.Tags["to"] != "STOPPED" {
			return
		}
		sum := s.summary()
		o.log.Info("session_latency",
			"session_id", session,
			"submissions", sum.Submissions,
			"failures", sum.Failures,
			"mean_ms", sum.Mean.Milliseconds(),
			"max_ms", sum.Max.Milliseconds(),
		)
	}
}

// Summary returns the round trips recorded for a session.
func (o *LatencyObserver) Summary(session string) (LatencySummary, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[session]
	if !ok {
		return LatencySummary{}, false
	}
	return s.summary(), true
}

func (o *LatencyObserver) sessionLocked(session string) *sessionLatency {
	if s := o.sessions[session]; s != nil {
		return s
	}
	s := &sessionLatency{inFlight: make(map[string]time.Time)}
	o.sessions[session] = s
	o.order = append(o.order, session)
	if len(o.order) > maxSessions {
		delete(o.sessions, o.order[0])
		o.order = o.order[1:]
	}
	return s
}

func (s *sessionLatency) summary() LatencySummary {
	out := LatencySummary{Submissions: s.count, Failures: s.failed, Max: s.max}
	if s.count > 0 {
		out.Mean = s.total / time.Duration(s.count)
	}
	return out
}

var _ metrics.Observer = (*LatencyObserver)(nil)
