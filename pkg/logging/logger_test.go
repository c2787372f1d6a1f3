package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestComponentLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewComponentLogger(newLogger(&buf, slog.LevelInfo, "json"), "live_client")
	logger.Info("live_session_opened", slog.String("call_id", "c1"))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected json line: %v", err)
	}
	if rec["component"] != "live_client" || rec["call_id"] != "c1" || rec["msg"] != "live_session_opened" {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestTextFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, ParseLevel("warn"), "TEXT")
	logger.Info("hidden")
	logger.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "msg=shown") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, "WARNING": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}
