package metrics

import (
	"sync"
	"sync/atomic"
)

// AsyncObserver moves event recording off the audio and call loop goroutines.
// Events are dropped rather than blocking when the buffer is full.
type AsyncObserver struct {
	inner   Observer
	done    chan struct{}
	dropped atomic.Int64
	once    sync.Once

	// mu guards ch against a send racing Close.
	mu     sync.RWMutex
	ch     chan MetricsEvent
	closed bool
}

func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncObserver{
		inner: inner,
		ch:    make(chan MetricsEvent, buffer),
		done:  make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	if a == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.ch <- ev:
	default:
		a.dropped.Add(1)
	}
}

func (a *AsyncObserver) Dropped() int64 {
	return a.dropped.Load()
}

// Close drains queued events into the inner observer and flushes it.
func (a *AsyncObserver) Close() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.ch)
		a.mu.Unlock()
		<-a.done
		if f, ok := a.inner.(Flusher); ok {
			_ = f.Flush()
		}
	})
}

func (a *AsyncObserver) loop() {
	defer close(a.done)
	for ev := range a.ch {
		a.inner.RecordEvent(ev)
	}
}
