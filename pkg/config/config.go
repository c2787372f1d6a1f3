// Package config loads process configuration from defaults, an optional
// YAML file, a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/harunnryd/janvaani/pkg/configutil"
	"github.com/harunnryd/janvaani/pkg/errorsx"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "JANVAANI"

type Config struct {
	Transport     TransportConfig     `mapstructure:"transport"`
	Session       SessionConfig       `mapstructure:"session"`
	Call          CallConfig          `mapstructure:"call"`
	Resilience    ResilienceConfig    `mapstructure:"resilience"`
	Audio         AudioConfig         `mapstructure:"audio"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`

	// APIKey comes from GEMINI_API_KEY or API_KEY, never from the file.
	APIKey string `mapstructure:"-"`
}

type TransportConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

// SessionConfig is the live session template. Empty model, voice and
// prompt select the client's built-in defaults.
type SessionConfig struct {
	Model        string `mapstructure:"model"`
	Voice        string `mapstructure:"voice"`
	SystemPrompt string `mapstructure:"system_prompt"`
	InputRate    int    `mapstructure:"input_rate"`
	OutputRate   int    `mapstructure:"output_rate"`
	ChunkSize    int    `mapstructure:"chunk_size"`
	SendBuffer   int    `mapstructure:"send_buffer"`
}

type CallConfig struct {
	SettleDelayMS    int `mapstructure:"settle_delay_ms"`
	AcquireTimeoutMS int `mapstructure:"acquire_timeout_ms"`
	ConnectTimeoutMS int `mapstructure:"connect_timeout_ms"`
	CloseTimeoutMS   int `mapstructure:"close_timeout_ms"`
}

func (c CallConfig) SettleDelay() time.Duration    { return ms(c.SettleDelayMS) }
func (c CallConfig) AcquireTimeout() time.Duration { return ms(c.AcquireTimeoutMS) }
func (c CallConfig) ConnectTimeout() time.Duration { return ms(c.ConnectTimeoutMS) }
func (c CallConfig) CloseTimeout() time.Duration   { return ms(c.CloseTimeoutMS) }

type ResilienceConfig struct {
	Retries           int `mapstructure:"retries"`
	BackoffMS         int `mapstructure:"backoff_ms"`
	BreakerThreshold  int `mapstructure:"breaker_threshold"`
	BreakerCooldownMS int `mapstructure:"breaker_cooldown_ms"`
}

func (r ResilienceConfig) Backoff() time.Duration         { return ms(r.BackoffMS) }
func (r ResilienceConfig) BreakerCooldown() time.Duration { return ms(r.BreakerCooldownMS) }

// AudioConfig selects devices by name; empty means the system default.
type AudioConfig struct {
	InputDevice string `mapstructure:"input_device"`
}

type ObservabilityConfig struct {
	ArtifactsDir      string  `mapstructure:"artifacts_dir"`
	RetentionDays     int     `mapstructure:"retention_days"`
	MetricsSampleRate float64 `mapstructure:"metrics_sample_rate"`
	MetricsBuffer     int     `mapstructure:"metrics_buffer"`
	// MetricsFile receives every event as a JSON line when set.
	MetricsFile string `mapstructure:"metrics_file"`
}

type PrivacyConfig struct {
	Redact bool `mapstructure:"redact"`
}

// Load reads configuration. path may be empty, in which case ./janvaani.yaml
// is used when present. A .env file in the working directory is loaded first
// and never overrides variables that are already set.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, errorsx.Wrap(fmt.Errorf("load .env: %w", err), errorsx.ReasonConfigInvalid)
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("janvaani")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, errorsx.Wrap(fmt.Errorf("read config: %w", err), errorsx.ReasonConfigInvalid)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errorsx.Wrap(fmt.Errorf("unmarshal: %w", err), errorsx.ReasonConfigInvalid)
	}
	cfg.Transport.Provider = strings.ToLower(strings.TrimSpace(cfg.Transport.Provider))

	expandEnvStrings(&cfg)
	cfg.APIKey = apiKeyFromEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("transport.provider", "gemini")
	v.SetDefault("transport.settings", map[string]any{})
	v.SetDefault("session.model", "")
	v.SetDefault("session.voice", "")
	v.SetDefault("session.system_prompt", "")
	v.SetDefault("session.input_rate", 16000)
	v.SetDefault("session.output_rate", 24000)
	v.SetDefault("session.chunk_size", 4096)
	v.SetDefault("session.send_buffer", 64)
	v.SetDefault("call.settle_delay_ms", 1500)
	v.SetDefault("call.acquire_timeout_ms", 15000)
	v.SetDefault("call.connect_timeout_ms", 15000)
	v.SetDefault("call.close_timeout_ms", 5000)
	v.SetDefault("resilience.retries", 2)
	v.SetDefault("resilience.backoff_ms", 500)
	v.SetDefault("resilience.breaker_threshold", 3)
	v.SetDefault("resilience.breaker_cooldown_ms", 30000)
	v.SetDefault("audio.input_device", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.metrics_sample_rate", 0.05)
	v.SetDefault("observability.metrics_buffer", 1024)
	v.SetDefault("observability.metrics_file", "")
	v.SetDefault("privacy.redact", true)
}

func apiKeyFromEnv() string {
	if key := strings.TrimSpace(os.Getenv("GEMINI_API_KEY")); key != "" {
		return key
	}
	return strings.TrimSpace(os.Getenv("API_KEY"))
}

// NeedsAPIKey reports whether provider talks to the hosted service.
func NeedsAPIKey(provider string) bool {
	return provider != "mock"
}

func (c *Config) Validate() error {
	if err := configutil.RequireString(c.Transport.Provider, "transport.provider"); err != nil {
		return err
	}
	if NeedsAPIKey(c.Transport.Provider) && c.APIKey == "" {
		if _, ok := c.Transport.Settings["api_key"]; !ok {
			return errorsx.New(errorsx.ReasonConfigInvalid, "GEMINI_API_KEY or API_KEY is required for transport %q", c.Transport.Provider)
		}
	}
	checks := []struct {
		value int
		path  string
	}{
		{c.Session.InputRate, "session.input_rate"},
		{c.Session.OutputRate, "session.output_rate"},
		{c.Session.ChunkSize, "session.chunk_size"},
		{c.Session.SendBuffer, "session.send_buffer"},
		{c.Call.SettleDelayMS, "call.settle_delay_ms"},
		{c.Call.AcquireTimeoutMS, "call.acquire_timeout_ms"},
		{c.Call.ConnectTimeoutMS, "call.connect_timeout_ms"},
		{c.Call.CloseTimeoutMS, "call.close_timeout_ms"},
	}
	for _, chk := range checks {
		if err := configutil.RequirePositive(chk.value, chk.path); err != nil {
			return err
		}
	}
	if c.Resilience.Retries < 0 {
		return errorsx.New(errorsx.ReasonConfigInvalid, "resilience.retries must not be negative")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return errorsx.New(errorsx.ReasonConfigInvalid, "log_format must be json or text, got %q", c.LogFormat)
	}
	if r := c.Observability.MetricsSampleRate; r < 0 || r > 1 {
		return errorsx.New(errorsx.ReasonConfigInvalid, "observability.metrics_sample_rate must be within [0,1], got %v", r)
	}
	return nil
}

// TransportSettings returns a copy of the provider settings with the
// environment API key filled in when the file does not set one.
func (c Config) TransportSettings() map[string]any {
	out := make(map[string]any, len(c.Transport.Settings)+1)
	for k, v := range c.Transport.Settings {
		out[k] = v
	}
	if _, ok := out["api_key"]; !ok && c.APIKey != "" && NeedsAPIKey(c.Transport.Provider) {
		out["api_key"] = c.APIKey
	}
	return out
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Transport.Settings = expandSettings(cfg.Transport.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, item := range val {
			val[k] = expandAny(item)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	}
}
