package mock

import (
	"context"
	"testing"
	"time"

	"github.com/harunnryd/signstream/pkg/capture"
	"github.com/harunnryd/signstream/pkg/landmarks"
)

func TestDetectorAnswersEveryFamily(t *testing.T) {
	d := NewDetector(DetectorConfig{
		Sets: map[landmarks.Family]landmarks.Set{
			landmarks.FamilyPose: Pose(),
		},
		Silent: map[landmarks.Family]bool{landmarks.FamilyFace: true},
	})
	if err := d.Send(1, capture.Frame{}); err == nil {
		t.Fatalf("expected error before start")
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := d.Send(1, capture.Frame{Timestamp: 42}); err != nil {
		t.Fatalf("send: %v", err)
	}

	seen := map[landmarks.Family]bool{}
	timeout := time.After(time.Second)
	for len(seen) < 3 {
		select {
		case det := <-d.Results():
			seen[det.Family] = true
			if det.Family == landmarks.FamilyPose && len(det.Points) != PosePoints {
				t.Fatalf("expected pose points, got %d", len(det.Points))
			}
			if det.Family == landmarks.FamilyLeftHand && det.Points != nil {
				t.Fatalf("expected unconfigured family to be absent")
			}
		case <-timeout:
			t.Fatalf("timed out, seen %v", seen)
		}
	}
	if seen[landmarks.FamilyFace] {
		t.Fatalf("silent family must not answer")
	}
	if d.Sent() != 1 {
		t.Fatalf("expected one frame sent, got %d", d.Sent())
	}
	_ = d.Close()
	if _, ok := <-d.Results(); ok {
		t.Fatalf("expected results closed")
	}
}
