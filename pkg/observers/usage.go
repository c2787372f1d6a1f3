package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/janvaani/pkg/metrics"
)

// UsageSummary is the per-call usage record written next to the timeline.
type UsageSummary struct {
	CallID            string  `json:"call_id"`
	DurationSec       float64 `json:"duration_seconds"`
	MicAudioSec       float64 `json:"mic_audio_seconds"`
	AssistantAudioSec float64 `json:"assistant_audio_seconds"`
	ChunksSent        int     `json:"chunks_sent"`
	ChunksDropped     int     `json:"chunks_dropped"`
	Interruptions     int     `json:"interruptions"`
	PromptTokens      int     `json:"prompt_tokens"`
	ResponseTokens    int     `json:"response_tokens"`
	TotalTokens       int     `json:"total_tokens"`
	RecordedAtUTC     string  `json:"recorded_at_utc"`
}

// UsageObserver aggregates audio seconds and token counts per call and writes
// <call_id>.usage.json when the call ends.
type UsageObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*UsageSummary
	// ended holds calls whose summary was written; their late events are
	// dropped so the summary is never overwritten.
	ended map[string]struct{}
}

func NewUsageObserver(dir string) *UsageObserver {
	return &UsageObserver{
		dir:   dir,
		stats: make(map[string]*UsageSummary),
		ended: make(map[string]struct{}),
	}
}

func (o *UsageObserver) RecordEvent(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" {
		return
	}
	id := callID(ev)
	if id == "" {
		return
	}
	o.mu.Lock()
	if _, done := o.ended[id]; done {
		o.mu.Unlock()
		return
	}
	stat := o.stats[id]
	if stat == nil {
		stat = &UsageSummary{CallID: id}
		o.stats[id] = stat
	}
	switch ev.Name {
	case metrics.EventChunkSent:
		stat.ChunksSent++
		stat.MicAudioSec += ev.Value
	case metrics.EventChunkDropped:
		stat.ChunksDropped++
	case metrics.EventAudioScheduled:
		stat.AssistantAudioSec += ev.Value
	case metrics.EventInterrupted:
		stat.Interruptions++
	case metrics.EventUsage:
		// The assistant reports running totals; keep the latest.
		stat.PromptTokens = maxInt(stat.PromptTokens, intField(ev.Fields, "prompt_tokens"))
		stat.ResponseTokens = maxInt(stat.ResponseTokens, intField(ev.Fields, "response_tokens"))
		stat.TotalTokens = maxInt(stat.TotalTokens, intField(ev.Fields, "total_tokens"))
	case metrics.EventCallEnd:
		stat.DurationSec = ev.Value
		delete(o.stats, id)
		o.ended[id] = struct{}{}
		o.mu.Unlock()
		_ = o.write(stat)
		return
	}
	o.mu.Unlock()
}

// Close writes summaries for calls that never reported an end.
func (o *UsageObserver) Close() error {
	if strings.TrimSpace(o.dir) == "" {
		return nil
	}
	o.mu.Lock()
	pending := o.stats
	o.stats = make(map[string]*UsageSummary)
	o.mu.Unlock()
	var errOut error
	for _, stat := range pending {
		errOut = errors.Join(errOut, o.write(stat))
	}
	return errOut
}

func (o *UsageObserver) write(stat *UsageSummary) error {
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	stat.RecordedAtUTC = time.Now().UTC().Format(time.RFC3339)
	b, err := json.MarshalIndent(stat, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(o.dir, sanitizeID(stat.CallID)+".usage.json"), b, 0o644)
}

func intField(fields map[string]any, key string) int {
	switch v := fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

var _ metrics.Observer = (*UsageObserver)(nil)
