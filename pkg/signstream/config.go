package signstream

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/harunnryd/signstream/pkg/configutil"
	"github.com/harunnryd/signstream/pkg/devserver"
	"github.com/harunnryd/signstream/pkg/overlay"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. SIGNSTREAM_SERVICE_BASE_URL.
const EnvPrefix = "SIGNSTREAM"

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Service       ServiceConfig       `mapstructure:"service"`
	Stream        StreamConfig        `mapstructure:"stream"`
	Detector      configutil.Provider `mapstructure:"detector"`
	Capture       configutil.Provider `mapstructure:"capture"`
	Server        ServerConfig        `mapstructure:"server"`
	Overlay       overlay.Config      `mapstructure:"overlay"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	DevServer     devserver.Config    `mapstructure:"devserver"`
}

type ServiceConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutMS      int    `mapstructure:"timeout_ms"`
	ProbeTimeoutMS int    `mapstructure:"probe_timeout_ms"`
	// BreakerThreshold consecutive failures fail submissions fast for BreakerCooldownMS.
	// Zero disables the breaker.
	BreakerThreshold  int `mapstructure:"breaker_threshold"`
	BreakerCooldownMS int `mapstructure:"breaker_cooldown_ms"`
}

type StreamConfig struct {
	BatchSize       int `mapstructure:"batch_size"`
	FPS             int `mapstructure:"fps"`
	Width           int `mapstructure:"width"`
	Height          int `mapstructure:"height"`
	FamilyTimeoutMS int `mapstructure:"family_timeout_ms"`
	// AutoStart opens a session as soon as the engine is up.
	AutoStart bool `mapstructure:"auto_start"`
}

type ServerConfig struct {
	Addr           string `mapstructure:"addr"`
	DrainTimeoutMS int    `mapstructure:"drain_timeout_ms"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
	// MetricsPath appends every metrics event as JSONL. "-" writes to stdout.
	MetricsPath string `mapstructure:"metrics_path"`
	// SampleRate keeps this fraction of per-frame events.
	SampleRate  float64 `mapstructure:"sample_rate"`
	AsyncBuffer int     `mapstructure:"async_buffer"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("service.base_url", "http://localhost:8000")
	v.SetDefault("service.timeout_ms", 10000)
	v.SetDefault("service.probe_timeout_ms", 3000)
	v.SetDefault("service.breaker_threshold", 0)
	v.SetDefault("service.breaker_cooldown_ms", 5000)
	v.SetDefault("stream.batch_size", 30)
	v.SetDefault("stream.fps", 30)
	v.SetDefault("stream.width", 640)
	v.SetDefault("stream.height", 480)
	v.SetDefault("stream.family_timeout_ms", 50)
	v.SetDefault("stream.auto_start", false)
	v.SetDefault("detector.provider", "mediapipe")
	v.SetDefault("capture.provider", "static")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.drain_timeout_ms", 10000)
	v.SetDefault("overlay.send_buffer", 32)
	v.SetDefault("overlay.write_timeout_ms", 2000)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.metrics_path", "")
	v.SetDefault("observability.sample_rate", 1.0)
	v.SetDefault("observability.async_buffer", 2048)
	v.SetDefault("devserver.addr", ":8000")
	v.SetDefault("devserver.window", devserver.DefaultWindow)
	v.SetDefault("devserver.step", devserver.DefaultStep)
}

// LoadConfig reads a YAML config file over the built-in defaults. An empty path uses the
// defaults alone. SIGNSTREAM_* environment variables override file values, and ${VAR}
// references inside string values are expanded.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := configutil.RequireString(c.Service.BaseURL, "service.base_url"); err != nil {
		return err
	}
	if !strings.HasPrefix(c.Service.BaseURL, "http://") && !strings.HasPrefix(c.Service.BaseURL, "https://") {
		return fmt.Errorf("service.base_url must be an http(s) URL, got %s", c.Service.BaseURL)
	}
	if err := configutil.RequirePositive(c.Stream.BatchSize, "stream.batch_size"); err != nil {
		return err
	}
	if err := configutil.RequirePositive(c.Stream.FPS, "stream.fps"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Detector.Provider, "detector.provider"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Capture.Provider, "capture.provider"); err != nil {
		return err
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		return fmt.Errorf("observability.sample_rate must be within [0, 1], got %v", c.Observability.SampleRate)
	}
	return nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Detector.Settings = expandSettings(cfg.Detector.Settings)
	cfg.Capture.Settings = expandSettings(cfg.Capture.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
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
		return expandSettings(val)
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			expandValue(v.Elem())
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
