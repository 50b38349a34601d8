package batch

import (
	"testing"
	"time"

	"github.com/harunnryd/signstream/pkg/landmarks"
)

func TestPushReleasesFloorNOverBBatches(t *testing.T) {
	cases := []struct {
		n, size int
	}{
		{0, 3}, {2, 3}, {3, 3}, {7, 3}, {30, 30}, {95, 30}, {5, 1},
	}
	for _, tc := range cases {
		acc := NewAccumulator(tc.size)
		full := 0
		for i := 0; i < tc.n; i++ {
			b, ok := acc.Push(landmarks.FrameRecord{Timestamp: int64(i)})
			if !ok {
				continue
			}
			full++
			if b.Len() != tc.size || b.Short {
				t.Fatalf("n=%d size=%d: unexpected batch len=%d short=%v", tc.n, tc.size, b.Len(), b.Short)
			}
		}
		if full != tc.n/tc.size {
			t.Fatalf("n=%d size=%d: expected %d batches, got %d", tc.n, tc.size, tc.n/tc.size, full)
		}
		rest := tc.n % tc.size
		b, ok := acc.Flush()
		if ok != (rest > 0) {
			t.Fatalf("n=%d size=%d: flush ok=%v, remainder %d", tc.n, tc.size, ok, rest)
		}
		if ok && (b.Len() != rest || !b.Short) {
			t.Fatalf("n=%d size=%d: expected short batch of %d, got %d", tc.n, tc.size, rest, b.Len())
		}
		if acc.Len() != 0 {
			t.Fatalf("expected empty buffer after flush")
		}
	}
}

func TestPoseOnlyBatchOfTwo(t *testing.T) {
	acc := NewAccumulator(2)
	acc.SetClock(func() time.Time { return time.UnixMilli(5000) })
	pose := landmarks.Set{{0.5, 0.5, 0}}

	if _, ok := acc.Push(landmarks.FrameRecord{Timestamp: 1, Pose: pose}); ok {
		t.Fatalf("expected no batch after one record")
	}
	b, ok := acc.Push(landmarks.FrameRecord{Timestamp: 2, Pose: pose})
	if !ok {
		t.Fatalf("expected batch after two records")
	}
	if b.Len() != 2 || b.Timestamp != 5000 {
		t.Fatalf("unexpected batch %+v", b)
	}
	for i, rec := range b.Frames {
		if rec.SequenceIndex != i {
			t.Fatalf("record %d has sequence index %d", i, rec.SequenceIndex)
		}
		if rec.LeftHand != nil || rec.RightHand != nil || rec.Face != nil {
			t.Fatalf("expected only pose on record %d", i)
		}
		if rec.Timestamp != int64(i+1) {
			t.Fatalf("expected capture order, got %d at %d", rec.Timestamp, i)
		}
	}
}

func TestReleasedBatchIsNotMutated(t *testing.T) {
	acc := NewAccumulator(2)
	acc.Push(landmarks.FrameRecord{Timestamp: 1})
	first, _ := acc.Push(landmarks.FrameRecord{Timestamp: 2})
	acc.Push(landmarks.FrameRecord{Timestamp: 3})
	acc.Push(landmarks.FrameRecord{Timestamp: 4})
	if first.Frames[0].Timestamp != 1 || first.Frames[1].Timestamp != 2 {
		t.Fatalf("released batch changed: %+v", first.Frames)
	}
}

func TestSequenceIndexResetsAndSeqIncreases(t *testing.T) {
	acc := NewAccumulator(2)
	var seqs []uint64
	for i := 0; i < 5; i++ {
		if b, ok := acc.Push(landmarks.FrameRecord{SequenceIndex: 99}); ok {
			if b.Frames[0].SequenceIndex != 0 || b.Frames[1].SequenceIndex != 1 {
				t.Fatalf("sequence index not reset: %+v", b.Frames)
			}
			seqs = append(seqs, b.Seq)
		}
	}
	if b, ok := acc.Flush(); ok {
		seqs = append(seqs, b.Seq)
	}
	if len(seqs) != 3 || seqs[0] != 1 || seqs[1] != 2 || seqs[2] != 3 {
		t.Fatalf("unexpected release sequence %v", seqs)
	}
}

func TestResetDropsBuffer(t *testing.T) {
	acc := NewAccumulator(0)
	if acc.Size() != DefaultSize {
		t.Fatalf("expected default size, got %d", acc.Size())
	}
	acc.Push(landmarks.FrameRecord{})
	acc.Reset()
	if _, ok := acc.Flush(); ok {
		t.Fatalf("expected nothing to flush after reset")
	}
}
