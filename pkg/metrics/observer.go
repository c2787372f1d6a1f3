package metrics

import "time"

// Call lifecycle and streaming event names.
const (
	EventCallStart      = "call_start"
	EventCallActive     = "call_active"
	EventCallEnd        = "call_end"
	EventCallError      = "call_error"
	EventChunkSent      = "chunk_sent"
	EventChunkDropped   = "chunk_dropped"
	EventAudioScheduled = "audio_scheduled"
	EventAudioDropped   = "audio_dropped"
	EventInterrupted    = "playback_interrupted"
	EventTurnComplete   = "turn_complete"
	EventUsage          = "usage"
	EventConnectLatency = "connect_latency_ms"
)

// TagCallID is set on every event emitted for a call.
const TagCallID = "call_id"

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Emit records a call-scoped event on obs, tolerating a nil observer.
func Emit(obs Observer, name, callID string, value float64, fields map[string]any) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Value:  value,
		Tags:   map[string]string{TagCallID: callID},
		Fields: fields,
	})
}

// HighFrequency reports events emitted per audio chunk.
func HighFrequency(name string) bool {
	switch name {
	case EventChunkSent, EventAudioScheduled:
		return true
	default:
		return false
	}
}
