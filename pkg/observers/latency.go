package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/janvaani/pkg/metrics"
)

// LatencyObserver logs how long a call took to connect and to hear the
// assistant's first audio.
type LatencyObserver struct {
	mu    sync.Mutex
	calls map[string]*callTrace
	log   *slog.Logger
}

type callTrace struct {
	started    time.Time
	active     time.Time
	firstAudio time.Time
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		calls: make(map[string]*callTrace),
		log:   log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	id := callID(ev)
	if id == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if ev.Name == metrics.EventCallStart {
		o.calls[id] = &callTrace{started: ev.Time}
		return
	}
	// Events after call_end, or for calls seen mid-flight, are not traced.
	t := o.calls[id]
	if t == nil {
		return
	}
	switch ev.Name {
	case metrics.EventCallActive:
		if t.active.IsZero() {
			t.active = ev.Time
			o.log.Info("call_connect_latency",
				"call_id", id,
				"connect_ms", durationMs(t.started, t.active),
			)
		}
	case metrics.EventAudioScheduled:
		if t.firstAudio.IsZero() {
			t.firstAudio = ev.Time
			o.log.Info("call_first_audio_latency",
				"call_id", id,
				"first_audio_ms", durationMs(t.active, t.firstAudio),
			)
		}
	case metrics.EventCallEnd:
		delete(o.calls, id)
	}
}

// Tracked reports how many calls are still open.
func (o *LatencyObserver) Tracked() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
