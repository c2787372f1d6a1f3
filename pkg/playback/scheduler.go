// Package playback schedules decoded speech fragments back to back on a
// playback clock and renders them to the output device.
package playback

import (
	"sync"
	"sync/atomic"

	"github.com/harunnryd/janvaani/pkg/audio"
)

// Clock reports the current playback time in seconds.
type Clock interface {
	Now() float64
}

// Sink starts and stops scheduled sources on the output.
type Sink interface {
	Play(src *Source)
	Stop(src *Source)
}

// Source is one fragment scheduled to start at a fixed playback time.
type Source struct {
	buffer  *audio.Buffer
	start   float64
	stopped atomic.Bool
}

func (s *Source) Buffer() *audio.Buffer { return s.buffer }
func (s *Source) Start() float64        { return s.start }
func (s *Source) Duration() float64     { return s.buffer.Duration() }
func (s *Source) End() float64          { return s.start + s.buffer.Duration() }
func (s *Source) Stopped() bool         { return s.stopped.Load() }

// Scheduler owns the playback watermark and the set of sources that have
// been scheduled but not yet finished.
type Scheduler struct {
	clock Clock
	sink  Sink

	mu            sync.Mutex
	nextStartTime float64
	sources       map[*Source]struct{}
}

func NewScheduler(clock Clock, sink Sink) *Scheduler {
	return &Scheduler{
		clock:   clock,
		sink:    sink,
		sources: make(map[*Source]struct{}),
	}
}

// Schedule queues buf to start at max(watermark, now) and advances the
// watermark by its duration.
func (s *Scheduler) Schedule(buf *audio.Buffer) *Source {
	s.mu.Lock()
	if now := s.clock.Now(); now > s.nextStartTime {
		s.nextStartTime = now
	}
	src := &Source{buffer: buf, start: s.nextStartTime}
	s.nextStartTime += buf.Duration()
	s.sources[src] = struct{}{}
	s.mu.Unlock()

	if s.sink != nil {
		s.sink.Play(src)
	}
	return src
}

// Finished removes a source that played to its natural end.
func (s *Scheduler) Finished(src *Source) {
	s.mu.Lock()
	delete(s.sources, src)
	s.mu.Unlock()
}

// Interrupt stops every scheduled source, clears the set and resets the
// watermark to zero. It returns the number of sources stopped.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	stopped := make([]*Source, 0, len(s.sources))
	for src := range s.sources {
		src.stopped.Store(true)
		stopped = append(stopped, src)
	}
	s.sources = make(map[*Source]struct{})
	s.nextStartTime = 0
	s.mu.Unlock()

	if s.sink != nil {
		for _, src := range stopped {
			s.sink.Stop(src)
		}
	}
	return len(stopped)
}

// NextStartTime returns the current watermark.
func (s *Scheduler) NextStartTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStartTime
}

// Pending returns the number of scheduled, unfinished sources.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sources)
}
