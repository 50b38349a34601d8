// Package batch groups per-frame landmark records into fixed-size batches.
package batch

import (
	"time"

	"github.com/harunnryd/signstream/pkg/landmarks"
)

const DefaultSize = 30

// Accumulator buffers records in arrival order and releases them once Size are held.
// It is owned by a single goroutine; released batches are never touched again.
type Accumulator struct {
	size  int
	buf   []landmarks.FrameRecord
	seq   uint64
	clock func() time.Time
}

func NewAccumulator(size int) *Accumulator {
	if size <= 0 {
		size = DefaultSize
	}
	return &Accumulator{
		size:  size,
		buf:   make([]landmarks.FrameRecord, 0, size),
		clock: time.Now,
	}
}

// SetClock overrides the clock stamping released batches.
func (a *Accumulator) SetClock(clock func() time.Time) {
	if clock != nil {
		a.clock = clock
	}
}

func (a *Accumulator) Size() int { return a.size }
func (a *Accumulator) Len() int  { return len(a.buf) }

// Push appends rec with its position in the current batch and returns the batch when it is full.
func (a *Accumulator) Push(rec landmarks.FrameRecord) (landmarks.Batch, bool) {
	rec.SequenceIndex = len(a.buf)
	a.buf = append(a.buf, rec)
	if len(a.buf) < a.size {
		return landmarks.Batch{}, false
	}
	return a.detach(false), true
}

// Flush releases whatever is buffered as a short batch. It reports false when nothing is held.
func (a *Accumulator) Flush() (landmarks.Batch, bool) {
	if len(a.buf) == 0 {
		return landmarks.Batch{}, false
	}
	return a.detach(true), true
}

// Reset drops buffered records without releasing them.
func (a *Accumulator) Reset() {
	a.buf = make([]landmarks.FrameRecord, 0, a.size)
}

func (a *Accumulator) detach(short bool) landmarks.Batch {
	a.seq++
	b := landmarks.Batch{
		Frames:    a.buf,
		Timestamp: a.clock().UnixMilli(),
		Seq:       a.seq,
		Short:     short,
	}
	a.buf = make([]landmarks.FrameRecord, 0, a.size)
	return b
}
