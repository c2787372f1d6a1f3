package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/harunnryd/janvaani/pkg/config"
	"github.com/harunnryd/janvaani/pkg/metrics"
	"github.com/harunnryd/janvaani/pkg/observers"
)

// buildObserver fans call metrics out to the log and, when configured, to a
// JSONL metrics file and per-call timeline and usage files. The returned
// closer drains the observer and closes the metrics file.
func buildObserver(cfg config.ObservabilityConfig, log *slog.Logger) (metrics.Observer, func(), error) {
	list := []metrics.Observer{
		metrics.NewSamplingObserver(observers.NewLoggerObserver(log), cfg.MetricsSampleRate),
		observers.NewLatencyObserver(log),
	}
	var file io.Closer
	if cfg.MetricsFile != "" {
		f, err := os.OpenFile(cfg.MetricsFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open metrics file: %w", err)
		}
		file = f
		list = append(list, metrics.NewJSONLObserver(f))
	}
	if cfg.ArtifactsDir != "" {
		if cfg.RetentionDays > 0 {
			maxAge := time.Duration(cfg.RetentionDays) * 24 * time.Hour
			if n, err := observers.PurgeArtifacts(cfg.ArtifactsDir, maxAge); err != nil {
				log.Warn("artifact_purge_failed", slog.String("dir", cfg.ArtifactsDir), slog.String("error", err.Error()))
			} else if n > 0 {
				log.Info("artifacts_purged", slog.String("dir", cfg.ArtifactsDir), slog.Int("count", n))
			}
		}
		list = append(list,
			observers.NewTimelineObserver(cfg.ArtifactsDir),
			observers.NewUsageObserver(cfg.ArtifactsDir),
		)
	}
	async := metrics.NewAsyncObserver(observers.NewMultiObserver(list...), cfg.MetricsBuffer)
	closeFn := func() {
		async.Close()
		if dropped := async.Dropped(); dropped > 0 {
			log.Warn("metrics_dropped", slog.Int64("count", dropped))
		}
		if file != nil {
			_ = file.Close()
		}
	}
	return async, closeFn, nil
}
