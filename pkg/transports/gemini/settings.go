package gemini

import "github.com/harunnryd/janvaani/pkg/configutil"

// Schema lists the keys accepted under transport.settings.
var Schema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{"endpoint", "handshake_timeout_ms", "write_timeout_ms", "recv_buffer"},
}

// FromSettings validates and decodes a settings map into a dialer.
func FromSettings(settings map[string]any) (*Dialer, error) {
	var cfg Config
	if err := configutil.DecodeValidated("transport.settings", settings, Schema, &cfg); err != nil {
		return nil, err
	}
	return New(cfg), nil
}
