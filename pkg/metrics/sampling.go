package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver forwards a fraction of the high-frequency events (per-frame
// extraction latency by default) and every other event unchanged.
type SamplingObserver struct {
	inner       Observer
	sampleEvery uint64
	counter     atomic.Uint64
	sampled     map[string]bool
}

func NewSamplingObserver(inner Observer, rate float64, names ...string) *SamplingObserver {
	rate = math.Max(0, math.Min(rate, 1))
	var every uint64
	switch {
	case rate == 0:
	case rate == 1:
		every = 1
	default:
		every = max(uint64(math.Round(1.0/rate)), 1)
	}
	if len(names) == 0 {
		names = []string{EventExtractLatency, EventFrameCaptured}
	}
	sampled := make(map[string]bool, len(names))
	for _, n := range names {
		sampled[n] = true
	}
	return &SamplingObserver{inner: inner, sampleEvery: every, sampled: sampled}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if !s.sampled[ev.Name] {
		s.inner.RecordEvent(ev)
		return
	}
	if s.sampleEvery == 0 {
		return
	}
	if s.counter.Add(1)%s.sampleEvery == 0 {
		s.inner.RecordEvent(ev)
	}
}
