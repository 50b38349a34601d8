package observers

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harunnryd/signstream/pkg/metrics"
)

func sessionEvent(name, session string, tags ...string) metrics.MetricsEvent {
	ev := metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: map[string]string{"component": "stream", "session_id": session},
	}
	for i := 0; i+1 < len(tags); i += 2 {
		ev.Tags[tags[i]] = tags[i+1]
	}
	return ev
}

func TestTimelineObserverWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)

	obs.RecordEvent(sessionEvent(metrics.EventBatchReleased, "s/1", "seq", "0"))
	obs.RecordEvent(sessionEvent(metrics.EventStateChange, "s/1", "from", "ACTIVE", "to", "STOPPED"))
	obs.RecordEvent(sessionEvent(metrics.EventBatchReleased, "s/1", "seq", "1", "short", "true"))
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventProbe, Time: time.Now()})
	if err := obs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "s_1"+TimelineFileExt))
	if err != nil {
		t.Fatalf("open timeline: %v", err)
	}
	defer f.Close()
	var events []timelineEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev timelineEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		events = append(events, ev)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events including the post-stop batch, got %d", len(events))
	}
	if events[1].Event != metrics.EventStateChange || events[1].Tags["to"] != "STOPPED" {
		t.Fatalf("unexpected second event %+v", events[1])
	}
	if _, ok := events[0].Tags["component"]; ok {
		t.Fatalf("expected component tag to be folded away")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected events without a session to be skipped, got %d files", len(entries))
	}
}
