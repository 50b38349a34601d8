package detect

import (
	"context"

	"github.com/harunnryd/signstream/pkg/capture"
	"github.com/harunnryd/signstream/pkg/landmarks"
)

// Detection is one family's result for one submitted frame.
// Nil Points means the family was not found in the frame.
type Detection struct {
	Family     landmarks.Family
	FrameID    uint64
	Timestamp  int64
	Points     landmarks.Set
	Confidence float64
}

// Detector defines the contract for any landmark detection backend.
// Families of the same frame may be delivered in any order.
type Detector interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start initializes the backend.
	Start(ctx context.Context) error
	// Close shuts down the backend and closes Results.
	Close() error
	// Send submits one frame for detection of every family.
	Send(frameID uint64, frame capture.Frame) error
	// Results returns per-family detections.
	Results() <-chan Detection
}

// Thresholds holds optional per-family minimum confidence values.
type Thresholds map[landmarks.Family]float64
