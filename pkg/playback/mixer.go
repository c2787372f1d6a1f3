package playback

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/janvaani/pkg/audio"
)

type voice struct {
	src   *Source
	start int64
	end   int64
}

// Mixer renders scheduled sources into mono output buffers. The number of
// samples rendered so far is the playback clock.
type Mixer struct {
	rate int

	mu         sync.Mutex
	position   int64
	voices     []*voice
	onFinished func(*Source)

	level atomic.Uint64
}

func NewMixer(rate int) *Mixer {
	if rate <= 0 {
		rate = audio.OutputSampleRate
	}
	return &Mixer{rate: rate}
}

// NewEngine wires a mixer as both clock and sink of a new scheduler.
func NewEngine(rate int) (*Scheduler, *Mixer) {
	m := NewMixer(rate)
	s := NewScheduler(m, m)
	m.SetOnFinished(s.Finished)
	return s, m
}

func (m *Mixer) Rate() int { return m.rate }

// RunHeadless advances the clock in real time and discards the output. It is
// the sink used when no output device could be opened, so scheduled sources
// still complete. It returns when ctx is done.
func (m *Mixer) RunHeadless(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = 20 * time.Millisecond
	}
	frames := max(1, int(int64(m.rate)*int64(period)/int64(time.Second)))
	buf := make([]float32, frames)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Render(buf)
		}
	}
}

// SetOnFinished registers the natural-completion callback.
func (m *Mixer) SetOnFinished(fn func(*Source)) {
	m.mu.Lock()
	m.onFinished = fn
	m.mu.Unlock()
}

// Now implements Clock.
func (m *Mixer) Now() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return float64(m.position) / float64(m.rate)
}

// Play implements Sink.
func (m *Mixer) Play(src *Source) {
	if src == nil || src.Stopped() || src.buffer.Frames() == 0 {
		return
	}
	start := int64(math.Round(src.start * float64(m.rate)))
	length := int64(math.Ceil(src.Duration()*float64(m.rate) - 1e-9))
	m.mu.Lock()
	m.voices = append(m.voices, &voice{src: src, start: start, end: start + length})
	m.mu.Unlock()
}

// Stop implements Sink.
func (m *Mixer) Stop(src *Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, v := range m.voices {
		if v.src == src {
			m.voices = append(m.voices[:i], m.voices[i+1:]...)
			return
		}
	}
}

// Active returns the number of voices not yet rendered to completion.
func (m *Mixer) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.voices)
}

// Level returns the RMS level of the last rendered buffer.
func (m *Mixer) Level() float64 {
	return math.Float64frombits(m.level.Load())
}

// Render fills out with the mix for the next len(out) samples and advances
// the clock.
func (m *Mixer) Render(out []float32) {
	for i := range out {
		out[i] = 0
	}
	m.mu.Lock()
	from := m.position
	to := from + int64(len(out))
	var finished []*Source
	kept := m.voices[:0]
	for _, v := range m.voices {
		if v.end <= from {
			finished = append(finished, v.src)
			continue
		}
		m.mixVoice(v, from, to, out)
		if v.end <= to {
			finished = append(finished, v.src)
			continue
		}
		kept = append(kept, v)
	}
	for i := len(kept); i < len(m.voices); i++ {
		m.voices[i] = nil
	}
	m.voices = kept
	m.position = to
	cb := m.onFinished
	m.mu.Unlock()

	for i, s := range out {
		if s > 1 {
			out[i] = 1
		} else if s < -1 {
			out[i] = -1
		}
	}
	m.level.Store(math.Float64bits(audio.Level(out)))

	if cb != nil {
		for _, src := range finished {
			cb(src)
		}
	}
}

func (m *Mixer) mixVoice(v *voice, from, to int64, out []float32) {
	buf := v.src.buffer
	frames := int64(buf.Frames())
	lo := max(from, v.start)
	hi := min(to, v.end)
	for n := lo; n < hi; n++ {
		idx := (n - v.start) * int64(buf.SampleRate) / int64(m.rate)
		if idx >= frames {
			break
		}
		var sample float32
		for _, ch := range buf.Data {
			sample += ch[idx]
		}
		out[n-from] += sample / float32(len(buf.Data))
	}
}
