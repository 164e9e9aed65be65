package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the eBUS bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge   BridgeConfig   `yaml:"bridge"`
	Link     LinkConfig     `yaml:"link"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// BridgeConfig contains service-level bridge settings.
type BridgeConfig struct {
	// ID identifies the bridge in health messages. Default: "ebus".
	ID string `yaml:"id"`

	// HealthInterval is the health publish interval in seconds. Default: 30.
	HealthInterval int `yaml:"health_interval"`

	// ReconnectInterval is the first delay in seconds before reopening a
	// lost serial link. Default: 5.
	ReconnectInterval int `yaml:"reconnect_interval"`

	// PublishUnchanged publishes every decoded state, not only changes.
	PublishUnchanged bool `yaml:"publish_unchanged"`
}

// LinkConfig contains eBUS serial link settings.
type LinkConfig struct {
	// SerialPort is the serial device path, e.g. "/dev/ttyUSB0". Required.
	SerialPort string `yaml:"serial_port"`

	// GrammarLocation overrides the bundled decoding grammar. It may be a
	// file path or a file://, http:// or https:// URL.
	GrammarLocation string `yaml:"grammar_location"`

	// QueueCapacity bounds outbound telegrams waiting for the bus. Default: 20.
	QueueCapacity int `yaml:"queue_capacity"`

	// Transmit tunes listen-before-send. Zero values select the connector defaults.
	Transmit TransmitConfig `yaml:"transmit"`
}

// TransmitConfig contains listen-before-send timing in milliseconds.
type TransmitConfig struct {
	InitialBackoff int `yaml:"initial_backoff_ms"`
	MaxBackoff     int `yaml:"max_backoff_ms"`
	MaxAttempts    int `yaml:"max_attempts"`
	IdleWindow     int `yaml:"idle_window_ms"`
}

// DatabaseConfig contains SQLite database settings for the bus recorder.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
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
	MaxAttempts  int `yaml:"max_attempts"`
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

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: EBUS_SECTION_KEY
// For example: EBUS_LINK_SERIAL_PORT, EBUS_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:                "ebus",
			HealthInterval:    30,
			ReconnectInterval: 5,
		},
		Link: LinkConfig{
			SerialPort:    "/dev/ttyUSB0",
			QueueCapacity: 20,
		},
		Database: DatabaseConfig{
			Enabled:     true,
			Path:        "./data/ebus.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "ebus-bridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: EBUS_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Bridge
	if v := os.Getenv("EBUS_BRIDGE_ID"); v != "" {
		cfg.Bridge.ID = v
	}

	// Link
	if v := os.Getenv("EBUS_LINK_SERIAL_PORT"); v != "" {
		cfg.Link.SerialPort = v
	}
	if v := os.Getenv("EBUS_LINK_GRAMMAR_LOCATION"); v != "" {
		cfg.Link.GrammarLocation = v
	}

	// Database
	if v := os.Getenv("EBUS_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("EBUS_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("EBUS_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("EBUS_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("EBUS_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("EBUS_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("EBUS_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Bridge validation
	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.HealthInterval < 0 {
		errs = append(errs, "bridge.health_interval must not be negative")
	}
	if c.Bridge.ReconnectInterval < 0 {
		errs = append(errs, "bridge.reconnect_interval must not be negative")
	}

	// Link validation
	if strings.TrimSpace(c.Link.SerialPort) == "" {
		errs = append(errs, "link.serial_port is required (set EBUS_LINK_SERIAL_PORT environment variable)")
	}
	if c.Link.QueueCapacity < 0 {
		errs = append(errs, "link.queue_capacity must not be negative")
	}
	if t := c.Link.Transmit; t.InitialBackoff < 0 || t.MaxBackoff < 0 || t.MaxAttempts < 0 || t.IdleWindow < 0 {
		errs = append(errs, "link.transmit values must not be negative")
	}

	// Database validation
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the database is enabled")
	}

	// MQTT validation
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.org and influxdb.bucket are required when influxdb is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetHealthInterval returns the health publish interval as a Duration.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Bridge.HealthInterval) * time.Second
}

// GetReconnectInterval returns the link reopen delay as a Duration.
func (c *Config) GetReconnectInterval() time.Duration {
	return time.Duration(c.Bridge.ReconnectInterval) * time.Second
}

// Durations returns the transmit timings as Durations.
func (t TransmitConfig) Durations() (initialBackoff, maxBackoff, idleWindow time.Duration) {
	return time.Duration(t.InitialBackoff) * time.Millisecond,
		time.Duration(t.MaxBackoff) * time.Millisecond,
		time.Duration(t.IdleWindow) * time.Millisecond
}
