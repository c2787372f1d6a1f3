package genai

import "github.com/harunnryd/janvaani/pkg/configutil"

var Schema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{"recv_buffer"},
}

func FromSettings(settings map[string]any) (*Dialer, error) {
	var cfg Config
	if err := configutil.DecodeValidated("transport.settings", settings, Schema, &cfg); err != nil {
		return nil, err
	}
	return New(cfg), nil
}
