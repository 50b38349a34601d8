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

// TimelineFileExt is the suffix of per-session timeline files.
const TimelineFileExt = ".jsonl"

// TimelineObserver writes one JSONL timeline per streaming session.
type TimelineObserver struct {
	dir   string
	mu    sync.Mutex
	files map[string]*os.File
}

// NewTimelineObserver creates a new timeline observer writing to dir.
func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: dir, files: make(map[string]*os.File)}
}

type timelineEvent struct {
	Time    time.Time         `json:"time"`
	Event   string            `json:"event"`
	Session string            `json:"session_id"`
	Value   float64           `json:"value,omitempty"`
	Tags    map[string]string `json:"tags,omitempty"`
	Fields  map[string]any    `json:"fields,omitempty"`
}

// RecordEvent implements metrics.Observer. Events without a session are skipped.
func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	session := ev.Tags["session_id"]
	if session == "" || strings.TrimSpace(o.dir) == "" {
		return
	}
	tags := make(map[string]string, len(ev.Tags))
	for k, v := range ev.Tags {
		if k != "session_id" && k != "component" {
			tags[k] = v
		}
	}
	line, err := json.Marshal(timelineEvent{
		Time:    ev.Time.UTC(),
		Event:   ev.Name,
		Session: session,
		Value:   ev.Value,
		Tags:    tags,
		Fields:  ev.Fields,
	})
	if err != nil {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	f := o.fileForLocked(session)
	if f == nil {
		return
	}
	_, _ = f.Write(append(line, '\n'))
	// Close the file once the session is over; a restart opens a new session id.
	if ev.Name == metrics.EventStateChange && ev.Tags["to"] == "STOPPED" {
		_ = f.Close()
		delete(o.files, sanitizeID(session))
	}
}

// Close closes any open files.
func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for _, f := range o.files {
		if cerr := f.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	o.files = make(map[string]*os.File)
	return err
}

func (o *TimelineObserver) fileForLocked(session string) *os.File {
	safe := sanitizeID(session)
	if safe == "" {
		return nil
	}
	if f := o.files[safe]; f != nil {
		return f
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(o.dir, safe+TimelineFileExt), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	o.files[safe] = f
	return f
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

var _ metrics.Observer = (*TimelineObserver)(nil)
