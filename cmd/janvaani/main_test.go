package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harunnryd/janvaani/pkg/config"
	"github.com/harunnryd/janvaani/pkg/metrics"
	"github.com/harunnryd/janvaani/pkg/transports"
	"github.com/harunnryd/janvaani/pkg/transports/mock"
)

func TestRegisteredTransports(t *testing.T) {
	r := transports.NewRegistry()
	registerTransports(r)
	got := strings.Join(r.Names(), ",")
	if got != "gemini,genai,mock" {
		t.Fatalf("unexpected providers %q", got)
	}
	d, err := r.Build("mock", map[string]any{"echo": true})
	if err != nil {
		t.Fatalf("build mock: %v", err)
	}
	if md, ok := d.(*mock.Dialer); !ok || !md.Echo {
		t.Fatalf("expected echoing mock dialer, got %T", d)
	}
	if _, err := r.Build("gemini", map[string]any{}); err == nil {
		t.Fatalf("expected gemini without api key to fail")
	}
}

func TestBuildObserverWritesArtifacts(t *testing.T) {
	dir := t.TempDir()
	cfg := config.ObservabilityConfig{
		ArtifactsDir:      dir,
		MetricsSampleRate: 1,
		MetricsBuffer:     16,
		MetricsFile:       filepath.Join(dir, "metrics.jsonl"),
	}
	obs, closeFn, err := buildObserver(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("build observer: %v", err)
	}
	metrics.Emit(obs, metrics.EventCallStart, "call-1", 0, nil)
	metrics.Emit(obs, metrics.EventCallEnd, "call-1", 0, map[string]any{"reason": "user"})
	closeFn()

	raw, err := os.ReadFile(cfg.MetricsFile)
	if err != nil {
		t.Fatalf("read metrics file: %v", err)
	}
	if strings.Count(string(raw), "call_metrics") != 2 {
		t.Fatalf("expected two metric lines, got %q", raw)
	}
	if _, err := os.Stat(filepath.Join(dir, "call-1.jsonl")); err != nil {
		t.Fatalf("expected timeline artifact: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "call-1.usage.json")); err != nil {
		t.Fatalf("expected usage artifact: %v", err)
	}
}
