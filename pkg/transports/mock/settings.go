package mock

import "github.com/harunnryd/janvaani/pkg/configutil"

type settings struct {
	Echo bool `mapstructure:"echo"`
}

var Schema = configutil.Schema{Optional: []string{"echo"}}

// FromSettings builds an offline dialer. echo: true loops microphone audio
// back to the speaker.
func FromSettings(in map[string]any) (*Dialer, error) {
	var s settings
	if err := configutil.DecodeValidated("transport.settings", in, Schema, &s); err != nil {
		return nil, err
	}
	d := NewDialer()
	d.Echo = s.Echo
	return d, nil
}
