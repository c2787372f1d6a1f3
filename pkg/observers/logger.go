package observers

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/harunnryd/janvaani/pkg/metrics"
)

type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	attrs := []slog.Attr{
		slog.String("name", ev.Name),
		slog.Float64("value", ev.Value),
	}
	for k, v := range ev.Tags {
		attrs = append(attrs, slog.String(k, v))
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	o.log.LogAttrs(context.Background(), slog.LevelDebug, "call_metrics", attrs...)
}

// MultiObserver fans every event out to a fixed list.
type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}

// Flush closes every member that holds files open.
func (m *MultiObserver) Flush() error {
	var err error
	for _, obs := range m.list {
		if c, ok := obs.(io.Closer); ok {
			err = errors.Join(err, c.Close())
		}
	}
	return err
}

func callID(ev metrics.MetricsEvent) string {
	if ev.Tags == nil {
		return ""
	}
	return ev.Tags[metrics.TagCallID]
}

var _ metrics.Flusher = (*MultiObserver)(nil)
