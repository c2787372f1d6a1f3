package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver thins per-chunk events. Call lifecycle events always pass.
type SamplingObserver struct {
	inner       Observer
	rate        float64
	sampleEvery uint64
	counter     uint64
}

// NewSamplingObserver keeps roughly rate of the per-chunk events; rate is
// clamped to [0,1].
func NewSamplingObserver(inner Observer, rate float64) *SamplingObserver {
	rate = math.Max(0, math.Min(1, rate))
	s := &SamplingObserver{inner: inner, rate: rate}
	switch {
	case rate == 0:
	case rate == 1:
		s.sampleEvery = 1
	default:
		s.sampleEvery = max(1, uint64(math.Round(1/rate)))
	}
	return s
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if !HighFrequency(ev.Name) || s.sampleEvery == 1 {
		s.inner.RecordEvent(ev)
		return
	}
	if s.rate == 0 {
		return
	}
	n := atomic.AddUint64(&s.counter, 1)
	if n%s.sampleEvery == 0 {
		s.inner.RecordEvent(ev)
	}
}
