package configutil

import (
	"strings"

	"github.com/harunnryd/janvaani/pkg/errorsx"
	"github.com/mitchellh/mapstructure"
)

// DecodeSettings decodes a free-form settings map into a typed struct.
func DecodeSettings(input map[string]any, out any) error {
	if len(input) == 0 {
		return nil
	}
	cfg := &mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
	}
	decoder, err := mapstructure.NewDecoder(cfg)
	if err != nil {
		return err
	}
	if err := decoder.Decode(input); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonConfigInvalid)
	}
	return nil
}

// DecodeValidated checks input against schema and decodes it into out.
func DecodeValidated(path string, input map[string]any, schema Schema, out any) error {
	if err := ValidateSettings(path, input, schema); err != nil {
		return err
	}
	return DecodeSettings(input, out)
}

// RequireString ensures a value is present for a required config field.
func RequireString(value, path string) error {
	if strings.TrimSpace(value) == "" {
		return errorsx.New(errorsx.ReasonConfigInvalid, "%s is required", path)
	}
	return nil
}

// RequirePositive ensures a numeric config field is above zero.
func RequirePositive(value int, path string) error {
	if value <= 0 {
		return errorsx.New(errorsx.ReasonConfigInvalid, "%s must be positive, got %d", path, value)
	}
	return nil
}

func normalizeKey(value string) string {
	value = strings.ToLower(value)
	value = strings.ReplaceAll(value, "_", "")
	value = strings.ReplaceAll(value, "-", "")
	return value
}
