// Package config loads the ward-safety configuration from a YAML file with
// WARD_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fpang/ward-safety/internal/detector"
	"github.com/fpang/ward-safety/internal/environment"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendDynamo = "dynamo"
)

// Config is the complete service configuration.
type Config struct {
	HTTP        HTTPConfig             `yaml:"http"`
	Auth        AuthConfig             `yaml:"auth"`
	Store       StoreConfig            `yaml:"store"`
	Evidence    EvidenceConfig         `yaml:"evidence"`
	Events      EventsConfig           `yaml:"events"`
	MQTT        environment.MQTTConfig `yaml:"mqtt"`
	Detection   DetectionConfig        `yaml:"detection"`
	Environment environment.Defaults   `yaml:"environment"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig configures bearer tokens and device signatures. Secrets may be
// given inline (development) or as SSM parameter names.
type AuthConfig struct {
	JWTSecret         string        `yaml:"jwt_secret"`
	JWTSecretParam    string        `yaml:"jwt_secret_param"`
	TokenTTL          time.Duration `yaml:"token_ttl"`
	DeviceSecret      string        `yaml:"device_secret"`
	DeviceSecretParam string        `yaml:"device_secret_param"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend string `yaml:"backend"` // memory, dynamo
	Table   string `yaml:"table"`
}

// EvidenceConfig names the S3 bucket for fall evidence. Empty disables it.
type EvidenceConfig struct {
	Bucket string `yaml:"bucket"`
}

// EventsConfig names the EventBridge bus. Empty disables publishing.
type EventsConfig struct {
	Bus string `yaml:"bus"`
}

// DetectionConfig tunes the local fall-detection loop.
type DetectionConfig struct {
	Cooldown               time.Duration `yaml:"cooldown"`
	Indicator              time.Duration `yaml:"indicator"`
	InitialBackoff         time.Duration `yaml:"initial_backoff"`
	MaxBackoff             time.Duration `yaml:"max_backoff"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	FrameInterval          time.Duration `yaml:"frame_interval"`
}

// Loop returns the detector configuration.
func (d DetectionConfig) Loop() detector.Config {
	return detector.Config{
		Cooldown:               d.Cooldown,
		IndicatorDuration:      d.Indicator,
		InitialBackoff:         d.InitialBackoff,
		MaxBackoff:             d.MaxBackoff,
		MaxConsecutiveFailures: d.MaxConsecutiveFailures,
		FrameInterval:          d.FrameInterval,
	}
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	def := detector.DefaultConfig()
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Auth:  AuthConfig{TokenTTL: 12 * time.Hour},
		Store: StoreConfig{Backend: BackendMemory},
		MQTT:  environment.MQTTConfig{Topic: environment.DefaultTopic, ClientID: "ward-safety", ConnectTimeout: 5 * time.Second},
		Detection: DetectionConfig{
			Cooldown:               def.Cooldown,
			Indicator:              def.IndicatorDuration,
			InitialBackoff:         def.InitialBackoff,
			MaxBackoff:             def.MaxBackoff,
			MaxConsecutiveFailures: def.MaxConsecutiveFailures,
		},
		Environment: environment.StandardDefaults,
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from WARD_* variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("WARD_HTTP_ADDR", &c.HTTP.Addr)
	str("WARD_JWT_SECRET", &c.Auth.JWTSecret)
	str("WARD_JWT_SECRET_PARAM", &c.Auth.JWTSecretParam)
	str("WARD_DEVICE_SECRET", &c.Auth.DeviceSecret)
	str("WARD_DEVICE_SECRET_PARAM", &c.Auth.DeviceSecretParam)
	str("WARD_STORE_BACKEND", &c.Store.Backend)
	str("WARD_DYNAMO_TABLE", &c.Store.Table)
	str("WARD_EVIDENCE_BUCKET", &c.Evidence.Bucket)
	str("WARD_EVENT_BUS", &c.Events.Bus)
	str("WARD_MQTT_BROKER", &c.MQTT.Broker)
	str("WARD_MQTT_TOPIC", &c.MQTT.Topic)

	if v := getenv("WARD_ALLOWED_ORIGINS"); v != "" {
		c.HTTP.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.HTTP.AllowedOrigins = append(c.HTTP.AllowedOrigins, o)
			}
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"WARD_TOKEN_TTL", &c.Auth.TokenTTL},
		{"WARD_FALL_COOLDOWN", &c.Detection.Cooldown},
		{"WARD_FALL_INDICATOR", &c.Detection.Indicator},
	}
	for _, d := range durations {
		v := getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if v := getenv("WARD_MQTT_QOS"); v != "" {
		q, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return fmt.Errorf("WARD_MQTT_QOS: %w", err)
		}
		c.MQTT.QoS = byte(q)
	}
	return nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error

	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendDynamo:
		if c.Store.Table == "" {
			errs = append(errs, errors.New("store.table is required for the dynamo backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend must be %q or %q, got %q", BackendMemory, BackendDynamo, c.Store.Backend))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if c.Detection.Cooldown < 0 || c.Detection.Indicator < 0 {
		errs = append(errs, errors.New("detection durations must not be negative"))
	}
	if c.Detection.MaxBackoff > 0 && c.Detection.MaxBackoff < c.Detection.InitialBackoff {
		errs = append(errs, errors.New("detection.max_backoff must be at least detection.initial_backoff"))
	}
	env := c.Environment
	if env.TemperatureMax != 0 && env.TemperatureMin >= env.TemperatureMax {
		errs = append(errs, errors.New("environment.temperature_min must be below temperature_max"))
	}
	if env.HumidityMax != 0 && env.HumidityMin >= env.HumidityMax {
		errs = append(errs, errors.New("environment.humidity_min must be below humidity_max"))
	}

	return errors.Join(errs...)
}
