package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
module:
  id: "fp-test"
backend:
  mode: "mockup"
  mockup:
    lighting_time: 300ms
    durations:
      add_part: 40ms
capabilities:
  MaxLightingTime: "900"
session:
  publish_cycle: 50ms
database:
  path: "/tmp/test.db"
mqtt:
  broker:
    host: "localhost"
    port: 1883
  qos: 1
api:
  port: 8081
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Module.ID != "fp-test" {
		t.Errorf("Module.ID = %q, want %q", cfg.Module.ID, "fp-test")
	}
	if cfg.Backend.Mode != ModeMockup {
		t.Errorf("Backend.Mode = %q, want %q", cfg.Backend.Mode, ModeMockup)
	}
	if cfg.Backend.Mockup.LightingTime != 300*time.Millisecond {
		t.Errorf("Mockup.LightingTime = %v, want 300ms", cfg.Backend.Mockup.LightingTime)
	}
	if got := cfg.Backend.Mockup.Durations["add_part"]; got != 40*time.Millisecond {
		t.Errorf("Mockup.Durations[add_part] = %v, want 40ms", got)
	}
	if cfg.Session.PublishCycle != 50*time.Millisecond {
		t.Errorf("Session.PublishCycle = %v, want 50ms", cfg.Session.PublishCycle)
	}
	if cfg.Capabilities["MaxLightingTime"] != "900" {
		t.Errorf("Capabilities[MaxLightingTime] = %q, want 900", cfg.Capabilities["MaxLightingTime"])
	}
	// Defaults not mentioned in the file are kept.
	if cfg.Capabilities["MinRecoverTime"] != "250" {
		t.Errorf("Capabilities[MinRecoverTime] = %q, want default 250", cfg.Capabilities["MinRecoverTime"])
	}
}

func TestLoad_ModeAsIntegrationLevel(t *testing.T) {
	configPath := writeConfig(t, `
backend:
  mode: "2"
  linked:
    host: "10.0.0.5"
    port: 50002
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backend.Mode != ModeTCPIP {
		t.Errorf("Backend.Mode = %q, want %q", cfg.Backend.Mode, ModeTCPIP)
	}
	if got := cfg.LinkAddress(); got != "10.0.0.5:50002" {
		t.Errorf("LinkAddress() = %q, want 10.0.0.5:50002", got)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "invalid: [yaml: content")

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_NonDefaultState(t *testing.T) {
	configPath := writeConfig(t, `
state:
  run_state: 1
  current_command: "flash"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected validation error for non-default state, got nil")
	}
	if !strings.Contains(err.Error(), "state values") {
		t.Errorf("error = %v, want mention of state values", err)
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"echo", ModeEcho, false},
		{"ECHO", ModeEcho, false},
		{"0", ModeEcho, false},
		{"mockup", ModeMockup, false},
		{"1", ModeMockup, false},
		{"tcpip", ModeTCPIP, false},
		{" 2 ", ModeTCPIP, false},
		{"3", "", true},
		{"serial", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseMode(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "missing module ID",
			mutate:  func(c *Config) { c.Module.ID = "" },
			wantErr: true,
		},
		{
			name:    "unknown mode",
			mutate:  func(c *Config) { c.Backend.Mode = "serial" },
			wantErr: true,
		},
		{
			name: "tcpip without host",
			mutate: func(c *Config) {
				c.Backend.Mode = ModeTCPIP
				c.Backend.Linked.Host = ""
			},
			wantErr: true,
		},
		{
			name: "tcpip invalid port",
			mutate: func(c *Config) {
				c.Backend.Mode = ModeTCPIP
				c.Backend.Linked.Port = 70000
			},
			wantErr: true,
		},
		{
			name: "managed daemon without binary",
			mutate: func(c *Config) {
				c.Backend.Mode = ModeTCPIP
				c.Backend.Linked.Daemon.Managed = true
			},
			wantErr: true,
		},
		{
			name:    "invalid partner type",
			mutate:  func(c *Config) { c.Backend.Linked.PartnerType = "plc" },
			wantErr: true,
		},
		{
			name:    "negative publish cycle",
			mutate:  func(c *Config) { c.Session.PublishCycle = -time.Second },
			wantErr: true,
		},
		{
			name:    "invalid QoS",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: true,
		},
		{
			name:    "invalid API port",
			mutate:  func(c *Config) { c.API.Port = 0 },
			wantErr: true,
		},
		{
			name: "API disabled ignores port",
			mutate: func(c *Config) {
				c.API.Enabled = false
				c.API.Port = 0
			},
			wantErr: false,
		},
		{
			name: "journal without database path",
			mutate: func(c *Config) {
				c.Database.Path = ""
			},
			wantErr: true,
		},
		{
			name:    "influxdb without URL",
			mutate:  func(c *Config) { c.InfluxDB.Enabled = true },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Module.ID = ""
	cfg.MQTT.QoS = 5

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "module.id") || !strings.Contains(msg, "mqtt.qos") {
		t.Errorf("Validate() = %q, want both module.id and mqtt.qos reported", msg)
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}
	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}
	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := Default()

	t.Setenv("FINGERPRINT_MODE", "tcpip")
	t.Setenv("FINGERPRINT_LINK_HOST", "fp-device.local")
	t.Setenv("FINGERPRINT_LINK_PORT", "50010")
	t.Setenv("FINGERPRINT_DATABASE_PATH", "/custom/path.db")
	t.Setenv("FINGERPRINT_MQTT_HOST", "mqtt.example.com")
	t.Setenv("FINGERPRINT_MQTT_USERNAME", "testuser")
	t.Setenv("FINGERPRINT_MQTT_PASSWORD", "testpass")
	t.Setenv("FINGERPRINT_API_HOST", "192.168.1.1")
	t.Setenv("FINGERPRINT_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("FINGERPRINT_LOG_LEVEL", "debug")

	applyEnvOverrides(cfg)

	checks := []struct {
		field string
		got   string
		want  string
	}{
		{"Backend.Mode", cfg.Backend.Mode, "tcpip"},
		{"Backend.Linked.Host", cfg.Backend.Linked.Host, "fp-device.local"},
		{"Database.Path", cfg.Database.Path, "/custom/path.db"},
		{"MQTT.Broker.Host", cfg.MQTT.Broker.Host, "mqtt.example.com"},
		{"MQTT.Auth.Username", cfg.MQTT.Auth.Username, "testuser"},
		{"MQTT.Auth.Password", cfg.MQTT.Auth.Password, "testpass"},
		{"API.Host", cfg.API.Host, "192.168.1.1"},
		{"InfluxDB.Token", cfg.InfluxDB.Token, "secret-token"},
		{"Logging.Level", cfg.Logging.Level, "debug"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.field, c.got, c.want)
		}
	}
	if cfg.Backend.Linked.Port != 50010 {
		t.Errorf("Backend.Linked.Port = %d, want 50010", cfg.Backend.Linked.Port)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Backend.Mode != ModeEcho {
		t.Errorf("Default Backend.Mode = %q, want echo", cfg.Backend.Mode)
	}
	if cfg.Backend.Linked.Port != 50001 {
		t.Errorf("Default Linked.Port = %d, want 50001", cfg.Backend.Linked.Port)
	}
	if cfg.Session.PublishCycle != 250*time.Millisecond {
		t.Errorf("Default PublishCycle = %v, want 250ms", cfg.Session.PublishCycle)
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("Default MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() = %v, want nil", err)
	}
}
