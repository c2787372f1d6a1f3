package configutil

import (
	"errors"
	"strings"
	"testing"

	"github.com/harunnryd/janvaani/pkg/errorsx"
)

type wsSettings struct {
	Endpoint   string `mapstructure:"endpoint"`
	RecvBuffer int    `mapstructure:"recv_buffer"`
}

var wsSchema = Schema{Optional: []string{"endpoint", "recv_buffer"}}

func TestDecodeValidatedNormalizesKeys(t *testing.T) {
	var out wsSettings
	in := map[string]any{"Endpoint": "wss://example", "recv-buffer": "64"}
	if err := DecodeValidated("transport.settings", in, wsSchema, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Endpoint != "wss://example" || out.RecvBuffer != 64 {
		t.Fatalf("unexpected settings %+v", out)
	}
}

func TestValidateSettingsReportsProblems(t *testing.T) {
	schema := Schema{Required: []string{"api_key"}, Optional: []string{"endpoint"}}
	err := ValidateSettings("transport.settings", map[string]any{"api_key": " ", "bogus": 1}, schema)
	if !errors.Is(err, errorsx.ErrConfigInvalid) {
		t.Fatalf("expected config_invalid, got %v", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "transport.settings") || !strings.Contains(msg, "missing: api_key") || !strings.Contains(msg, "unknown: bogus") {
		t.Fatalf("unexpected message %q", msg)
	}
	if err := ValidateSettings("x", map[string]any{"extra": 1}, Schema{AllowUnknown: true}); err != nil {
		t.Fatalf("expected unknown keys allowed, got %v", err)
	}
}

func TestRequireHelpers(t *testing.T) {
	if err := RequireString("", "session.model"); !errors.Is(err, errorsx.ErrConfigInvalid) {
		t.Fatalf("expected config_invalid, got %v", err)
	}
	if err := RequirePositive(0, "session.input_rate"); err == nil {
		t.Fatalf("expected error for zero")
	}
	if err := RequirePositive(16000, "session.input_rate"); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}
