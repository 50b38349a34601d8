package extractor

import (
	"sync"

	"github.com/harunnryd/signstream/pkg/adapters/detect"
	"github.com/harunnryd/signstream/pkg/landmarks"
)

// LatestHolder keeps the most recent detection of each family.
// Results for an older frame never replace a newer one.
type LatestHolder struct {
	mu      sync.Mutex
	latest  map[landmarks.Family]detect.Detection
	version uint64
	changed chan struct{}
}

func NewLatestHolder() *LatestHolder {
	return &LatestHolder{
		latest:  make(map[landmarks.Family]detect.Detection),
		changed: make(chan struct{}),
	}
}

// Update stores det if it is not older than what is held. It reports whether the value was kept.
func (h *LatestHolder) Update(det detect.Detection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.latest[det.Family]; ok && det.FrameID < cur.FrameID {
		return false
	}
	h.latest[det.Family] = det
	h.version++
	close(h.changed)
	h.changed = make(chan struct{})
	return true
}

// Ready reports whether every family has answered frameID or a later frame.
// The returned channel is closed on the next update.
func (h *LatestHolder) Ready(frameID uint64) (bool, <-chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, f := range landmarks.Families {
		det, ok := h.latest[f]
		if !ok || det.FrameID < frameID {
			return false, h.changed
		}
	}
	return true, h.changed
}

// Compose builds a record from the latest values. Families that never answered stay nil.
func (h *LatestHolder) Compose(timestamp int64) (landmarks.FrameRecord, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec := landmarks.FrameRecord{Timestamp: timestamp}
	for _, f := range landmarks.Families {
		det, ok := h.latest[f]
		if !ok || det.Points == nil {
			continue
		}
		set := det.Points
		if f == landmarks.FamilyFace {
			set = landmarks.ReduceFace(set)
		}
		rec.SetFamily(f, landmarks.Quantize(set))
	}
	return rec, h.version
}

// Reset forgets every family, as after a detector restart.
func (h *LatestHolder) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = make(map[landmarks.Family]detect.Detection)
	h.version++
}
