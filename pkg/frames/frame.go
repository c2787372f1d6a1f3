package frames

import (
	"sync"
	"time"
)

type Kind string

const (
	KindAudio   Kind = "audio"
	KindControl Kind = "control"
	KindSystem  Kind = "system"
)

type ControlCode string

const (
	ControlSetupComplete     ControlCode = "setup_complete"
	ControlStartInterruption ControlCode = "start_interruption"
	ControlTurnComplete      ControlCode = "turn_complete"
)

const (
	MetaCallID = "call_id"
	MetaSource = "source"
	MetaReason = "reason"

	MetaPromptTokens   = "prompt_tokens"
	MetaResponseTokens = "response_tokens"
	MetaTotalTokens    = "total_tokens"
)

// SystemUsage names the system frame carrying provider token accounting.
const SystemUsage = "usage"

type Frame interface {
	Kind() Kind
	PTS() int64
	Meta() map[string]string
}

// AudioFrame is one encoded speech fragment as it arrived from the provider.
type AudioFrame struct {
	pts     int64
	payload string
	mime    string
	meta    map[string]string
}

func NewAudioFrame(callID string, pts int64, payload, mime string, meta map[string]string) AudioFrame {
	return AudioFrame{
		pts:     pts,
		payload: payload,
		mime:    mime,
		meta:    mergeMeta(callID, meta),
	}
}

func (a AudioFrame) Kind() Kind              { return KindAudio }
func (a AudioFrame) PTS() int64              { return a.pts }
func (a AudioFrame) Meta() map[string]string { return cloneMeta(a.meta) }
func (a AudioFrame) Payload() string         { return a.payload }
func (a AudioFrame) MIME() string            { return a.mime }

type ControlFrame struct {
	pts  int64
	code ControlCode
	meta map[string]string
}

func NewControlFrame(callID string, pts int64, code ControlCode, meta map[string]string) ControlFrame {
	return ControlFrame{
		pts:  pts,
		code: code,
		meta: mergeMeta(callID, meta),
	}
}

func (c ControlFrame) Kind() Kind              { return KindControl }
func (c ControlFrame) PTS() int64              { return c.pts }
func (c ControlFrame) Meta() map[string]string { return cloneMeta(c.meta) }
func (c ControlFrame) Code() ControlCode       { return c.code }

type SystemFrame struct {
	pts  int64
	name string
	meta map[string]string
}

func NewSystemFrame(callID string, pts int64, name string, meta map[string]string) SystemFrame {
	return SystemFrame{
		pts:  pts,
		name: name,
		meta: mergeMeta(callID, meta),
	}
}

func (s SystemFrame) Kind() Kind              { return KindSystem }
func (s SystemFrame) PTS() int64              { return s.pts }
func (s SystemFrame) Meta() map[string]string { return cloneMeta(s.meta) }
func (s SystemFrame) Name() string            { return s.name }

// PTSGen hands out strictly increasing presentation timestamps per call.
type PTSGen struct {
	mu    sync.Mutex
	value map[string]int64
}

func NewPTSGen() *PTSGen {
	return &PTSGen{value: make(map[string]int64)}
}

func (g *PTSGen) Next(callID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.value[callID] + time.Millisecond.Nanoseconds()
	g.value[callID] = v
	return v
}

func mergeMeta(callID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 2+len(meta))
	if callID != "" {
		out[MetaCallID] = callID
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
