package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Run modes selecting the active backend strategy.
const (
	ModeEcho   = "echo"
	ModeMockup = "mockup"
	ModeTCPIP  = "tcpip"
)

// Partner types announced to a linked device during the handshake.
const (
	PartnerReader     = "reader"
	PartnerManagement = "management"
)

// Config is the root configuration structure for the Fingerprint server.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Module       ModuleConfig      `yaml:"module"`
	Backend      BackendConfig     `yaml:"backend"`
	Session      SessionConfig     `yaml:"session"`
	Capabilities map[string]string `yaml:"capabilities"`
	Properties   map[string]string `yaml:"properties"`
	State        StateConfig       `yaml:"state"`
	Database     DatabaseConfig    `yaml:"database"`
	Journal      JournalConfig     `yaml:"journal"`
	MQTT         MQTTConfig        `yaml:"mqtt"`
	API          APIConfig         `yaml:"api"`
	WebSocket    WebSocketConfig   `yaml:"websocket"`
	InfluxDB     InfluxDBConfig    `yaml:"influxdb"`
	Logging      LoggingConfig     `yaml:"logging"`
	Discovery    DiscoveryConfig   `yaml:"discovery"`
	Health       HealthConfig      `yaml:"health"`
}

// ModuleConfig describes the device instance exposed by this server.
type ModuleConfig struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// BackendConfig selects and configures the backend strategy.
type BackendConfig struct {
	// Mode is one of echo, mockup or tcpip.
	Mode   string       `yaml:"mode"`
	Mockup MockupConfig `yaml:"mockup"`
	Linked LinkedConfig `yaml:"linked"`
}

// MockupConfig contains the timing model of the simulated sensor.
type MockupConfig struct {
	// LightingTime is the requested illumination time of a flash.
	// It is clamped to [MinLightingTime, MaxLightingTime capability].
	LightingTime    time.Duration `yaml:"lighting_time"`
	MinLightingTime time.Duration `yaml:"min_lighting_time"`

	// Durations overrides the simulated execution time per command.
	Durations map[string]time.Duration `yaml:"durations"`

	// Seed makes trace candidate selection reproducible. 0 means random.
	Seed uint64 `yaml:"seed"`
}

// LinkedConfig contains the socket connection settings for a real device.
type LinkedConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	PartnerType       string        `yaml:"partner_type"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	Daemon            DaemonConfig  `yaml:"daemon"`
}

// DaemonConfig contains settings for supervising a local device process.
type DaemonConfig struct {
	// Managed indicates the server should start the device process itself.
	// If false, the device is expected to be running already.
	Managed             bool          `yaml:"managed"`
	Binary              string        `yaml:"binary"`
	Args                []string      `yaml:"args"`
	RestartOnFailure    bool          `yaml:"restart_on_failure"`
	RestartDelay        time.Duration `yaml:"restart_delay"`
	MaxRestartAttempts  int           `yaml:"max_restart_attempts"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// SessionConfig contains settings of the device session state machine.
type SessionConfig struct {
	// PublishCycle is how long Completed/Aborted stay visible before RunState returns to Idle.
	PublishCycle time.Duration `yaml:"publish_cycle"`
}

// StateConfig documents the initial DeviceState values.
// Every field must hold its default; DeviceState is never restored.
type StateConfig struct {
	CurrentCommand string `yaml:"current_command"`
	RunState       int    `yaml:"run_state"`
	ResultState    int    `yaml:"result_state"`
	ErrorType      int    `yaml:"error_type"`
	AssetState     int    `yaml:"asset_state"`
	Location       string `yaml:"location"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// JournalConfig controls the command journal and state history.
type JournalConfig struct {
	Enabled bool `yaml:"enabled"`
	// RetentionDays removes journal rows older than this. 0 keeps everything.
	RetentionDays int           `yaml:"retention_days"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                 `yaml:"enabled"`
	Broker    MQTTBrokerConfig     `yaml:"broker"`
	Auth      MQTTAuthConfig       `yaml:"auth"`
	QoS       int                  `yaml:"qos"`
	Reconnect MQTTReconnectConfig  `yaml:"reconnect"`
	Embedded  EmbeddedBrokerConfig `yaml:"embedded"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// EmbeddedBrokerConfig runs an in-process broker so no external broker is needed.
type EmbeddedBrokerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DiscoveryConfig controls mDNS advertisement of the API endpoint.
type DiscoveryConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Instance string        `yaml:"instance"`
	Service  string        `yaml:"service"`
	Domain   string        `yaml:"domain"`
	TTL      time.Duration `yaml:"ttl"`
}

// HealthConfig controls the periodic health report.
type HealthConfig struct {
	Interval int `yaml:"interval"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern FINGERPRINT_SECTION_KEY,
// for example FINGERPRINT_MODE or FINGERPRINT_LINK_HOST.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with sensible defaults.
// It is also used when the server starts without a configuration file.
func Default() *Config {
	return &Config{
		Module: ModuleConfig{
			ID:          "fp-001",
			Name:        "Fingerprint Module",
			TopicPrefix: "fingerprint",
		},
		Backend: BackendConfig{
			Mode: ModeEcho,
			Mockup: MockupConfig{
				LightingTime:    500 * time.Millisecond,
				MinLightingTime: 100 * time.Millisecond,
			},
			Linked: LinkedConfig{
				Host:              "localhost",
				Port:              50001,
				PartnerType:       PartnerReader,
				ConnectTimeout:    10 * time.Second,
				ReadTimeout:       30 * time.Second,
				CommandTimeout:    30 * time.Second,
				ReconnectInterval: 5 * time.Second,
				Daemon: DaemonConfig{
					RestartOnFailure:    true,
					RestartDelay:        5 * time.Second,
					MaxRestartAttempts:  10,
					HealthCheckInterval: 30 * time.Second,
				},
			},
		},
		Session: SessionConfig{
			PublishCycle: 250 * time.Millisecond,
		},
		Capabilities: map[string]string{
			"Manufacturer":    "unknown",
			"LightingType":    "LED",
			"Resolution":      "1280,1024",
			"MaxLightingTime": "750",
			"MinRecoverTime":  "250",
		},
		Properties: map[string]string{
			"SoftwareVersion": "1.0",
			"Databases":       "default",
		},
		Database: DatabaseConfig{
			Path:        "./data/fingerprint.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Journal: JournalConfig{
			Enabled:       true,
			RetentionDays: 30,
			PruneInterval: time.Hour,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "fingerprint-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			Embedded: EmbeddedBrokerConfig{
				Host: "0.0.0.0",
				Port: 1883,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Discovery: DiscoveryConfig{
			Service: "_fingerprint._tcp",
			Domain:  "local.",
			TTL:     2 * time.Minute,
		},
		Health: HealthConfig{
			Interval: 30,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FINGERPRINT_MODE"); v != "" {
		cfg.Backend.Mode = v
	}
	if v := os.Getenv("FINGERPRINT_LINK_HOST"); v != "" {
		cfg.Backend.Linked.Host = v
	}
	if v := os.Getenv("FINGERPRINT_LINK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Backend.Linked.Port = port
		}
	}

	if v := os.Getenv("FINGERPRINT_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("FINGERPRINT_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("FINGERPRINT_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("FINGERPRINT_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("FINGERPRINT_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	if v := os.Getenv("FINGERPRINT_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("FINGERPRINT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// ParseMode converts a run-mode selector to its canonical name.
// It accepts the names echo, mockup and tcpip or the integration levels 0, 1 and 2.
func ParseMode(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case ModeEcho, "0":
		return ModeEcho, nil
	case ModeMockup, "1":
		return ModeMockup, nil
	case ModeTCPIP, "2":
		return ModeTCPIP, nil
	default:
		return "", fmt.Errorf("%q is not a run mode (use echo, mockup or tcpip)", s)
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Module.ID == "" {
		errs = append(errs, "module.id is required")
	}
	if c.Module.TopicPrefix == "" {
		errs = append(errs, "module.topic_prefix is required")
	}

	mode, err := ParseMode(c.Backend.Mode)
	if err != nil {
		errs = append(errs, "backend.mode: "+err.Error())
	} else {
		c.Backend.Mode = mode
	}

	if mode == ModeTCPIP {
		link := c.Backend.Linked
		if link.Host == "" {
			errs = append(errs, "backend.linked.host is required in tcpip mode")
		}
		if link.Port < 1 || link.Port > 65535 {
			errs = append(errs, "backend.linked.port must be between 1 and 65535")
		}
		if link.Daemon.Managed && link.Daemon.Binary == "" {
			errs = append(errs, "backend.linked.daemon.binary is required when the daemon is managed")
		}
	}
	switch c.Backend.Linked.PartnerType {
	case PartnerReader, PartnerManagement:
	default:
		errs = append(errs, "backend.linked.partner_type must be reader or management")
	}

	if c.Backend.Mockup.LightingTime < 0 || c.Backend.Mockup.MinLightingTime < 0 {
		errs = append(errs, "backend.mockup lighting times must not be negative")
	}

	if c.Session.PublishCycle < 0 {
		errs = append(errs, "session.publish_cycle must not be negative")
	}

	if c.State != (StateConfig{}) {
		errs = append(errs, "state values must be the defaults (empty command, all states 0, empty location)")
	}

	if c.Journal.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the journal is enabled")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Embedded.Enabled && (c.MQTT.Embedded.Port < 1 || c.MQTT.Embedded.Port > 65535) {
		errs = append(errs, "mqtt.embedded.port must be between 1 and 65535")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// LinkAddress returns host:port of the linked device.
func (c *Config) LinkAddress() string {
	return fmt.Sprintf("%s:%d", c.Backend.Linked.Host, c.Backend.Linked.Port)
}
