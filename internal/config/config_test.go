package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ward.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Store.Backend != BackendMemory || cfg.HTTP.Addr != ":8080" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	loop := cfg.Detection.Loop()
	if loop.Cooldown != 10*time.Second || loop.IndicatorDuration != 3*time.Second {
		t.Errorf("unexpected detection defaults: %+v", loop)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
http:
  addr: ":9090"
  allowed_origins: ["https://ward.example.org"]
store:
  backend: dynamo
  table: ward-safety
detection:
  cooldown: 30s
mqtt:
  broker: localhost:1883
environment:
  temperature_min: 19
  temperature_max: 24
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" || len(cfg.HTTP.AllowedOrigins) != 1 {
		t.Errorf("unexpected http config: %+v", cfg.HTTP)
	}
	if cfg.Detection.Cooldown != 30*time.Second {
		t.Errorf("expected 30s cooldown, got %v", cfg.Detection.Cooldown)
	}
	// Unset fields keep their defaults.
	if cfg.Detection.Indicator != 3*time.Second || cfg.MQTT.Topic != "ward/+/environment" {
		t.Errorf("expected defaults to survive, got %+v / %+v", cfg.Detection, cfg.MQTT)
	}
	if cfg.Environment.TemperatureMax != 24 || cfg.Environment.CO2Max != 1000 {
		t.Errorf("unexpected environment defaults: %+v", cfg.Environment)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"WARD_HTTP_ADDR":       ":7000",
		"WARD_ALLOWED_ORIGINS": "https://a.example, https://b.example,",
		"WARD_FALL_COOLDOWN":   "5s",
		"WARD_MQTT_QOS":        "1",
		"WARD_DYNAMO_TABLE":    "t1",
	}
	cfg := Default()
	if err := cfg.ApplyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Addr != ":7000" || cfg.Detection.Cooldown != 5*time.Second || cfg.MQTT.QoS != 1 || cfg.Store.Table != "t1" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if len(cfg.HTTP.AllowedOrigins) != 2 || cfg.HTTP.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("unexpected origins: %v", cfg.HTTP.AllowedOrigins)
	}

	bad := Default()
	if err := bad.ApplyEnv(func(k string) string {
		if k == "WARD_FALL_INDICATOR" {
			return "soon"
		}
		return ""
	}); err == nil || !strings.Contains(err.Error(), "WARD_FALL_INDICATOR") {
		t.Errorf("expected duration parse error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"dynamo without table", func(c *Config) { c.Store.Backend = BackendDynamo }, "store.table"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "postgres" }, "store.backend"},
		{"bad qos", func(c *Config) { c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"inverted temperature", func(c *Config) { c.Environment.TemperatureMin = 30 }, "temperature_min"},
		{"zero ttl", func(c *Config) { c.Auth.TokenTTL = 0 }, "token_ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}
