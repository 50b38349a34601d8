package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/signstream/pkg/metrics"
)

// SummaryFileExt is the suffix of per-session summary files.
const SummaryFileExt = ".summary.json"

// SessionSummary counts what happened in one streaming session.
type SessionSummary struct {
	Session            string `json:"session_id"`
	FramesCaptured     int    `json:"frames_captured"`
	FramesDropped      int    `json:"frames_dropped"`
	FramesBatched      int    `json:"frames_batched"`
	BatchesReleased    int    `json:"batches_released"`
	BatchesDropped     int    `json:"batches_dropped"`
	BatchesSubmitted   int    `json:"batches_submitted"`
	SubmissionFailures int    `json:"submission_failures"`
	RecordedAtUTC      string `json:"recorded_at_utc,omitempty"`
}

// SummaryObserver tallies session events into <session>.summary.json. The file is
// written when the session stops and rewritten on Close, so the final short batch
// released after the stop is included.
type SummaryObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*SessionSummary
	order []string
	now   func() time.Time
}

func NewSummaryObserver(dir string) *SummaryObserver {
	return &SummaryObserver{dir: dir, stats: make(map[string]*SessionSummary), now: time.Now}
}

func (o *SummaryObserver) RecordEvent(ev metrics.MetricsEvent) {
	session := ev.Tags["session_id"]
	if session == "" || strings.TrimSpace(o.dir) == "" {
		return
	}
	var snapshot []SessionSummary
	o.mu.Lock()
	stat, evicted := o.statLocked(session)
	if evicted != nil {
		snapshot = append(snapshot, *evicted)
	}
	switch ev.Name {
	case metrics.EventFrameCaptured:
		stat.FramesCaptured++
	case metrics.EventFrameDropped:
		stat.FramesDropped++
	case metrics.EventBatchReleased:
		stat.BatchesReleased++
		stat.FramesBatched += int(ev.Value)
	case metrics.EventBatchDropped:
		stat.BatchesDropped++
	case metrics.EventBatchSubmit:
		stat.BatchesSubmitted++
	case metrics.EventSubmissionFailed:
		stat.SubmissionFailures++
	case metrics.EventStateChange:
		if ev.Tags["to"] == "STOPPED" {
			snapshot = append(snapshot, *stat)
		}
	}
	o.mu.Unlock()
	for _, s := range snapshot {
		_ = o.write(s)
	}
}

// Get returns the tally of a session.
func (o *SummaryObserver) Get(session string) (SessionSummary, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	stat, ok := o.stats[session]
	if !ok {
		return SessionSummary{}, false
	}
	return *stat, true
}

// Close writes every remembered summary.
func (o *SummaryObserver) Close() error {
	o.mu.Lock()
	all := make([]SessionSummary, 0, len(o.stats))
	for _, id := range o.order {
		all = append(all, *o.stats[id])
	}
	o.stats = make(map[string]*SessionSummary)
	o.order = nil
	o.mu.Unlock()
	var errOut error
	for _, stat := range all {
		errOut = errors.Join(errOut, o.write(stat))
	}
	return errOut
}

func (o *SummaryObserver) statLocked(session string) (*SessionSummary, *SessionSummary) {
	if stat := o.stats[session]; stat != nil {
		return stat, nil
	}
	stat := &SessionSummary{Session: session}
	o.stats[session] = stat
	o.order = append(o.order, session)
	var evicted *SessionSummary
	if len(o.order) > maxSessions {
		evicted = o.stats[o.order[0]]
		delete(o.stats, o.order[0])
		o.order = o.order[1:]
	}
	return stat, evicted
}

func (o *SummaryObserver) write(stat SessionSummary) error {
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	stat.RecordedAtUTC = o.now().UTC().Format(time.RFC3339)
	b, err := json.MarshalIndent(stat, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(o.dir, sanitizeID(stat.Session)+SummaryFileExt), b, 0o644)
}

var _ metrics.Observer = (*SummaryObserver)(nil)
