// Package config provides configuration management for rdf302d. Service
// settings come from a YAML file plus environment variables; the thermostat
// inventory lives in its own file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service.
type Config struct {
	// Environment is the deployment environment (development, production)
	Environment string `mapstructure:"environment"`

	// ThermostatsPath is the path to the thermostat inventory file
	ThermostatsPath string `mapstructure:"thermostats_path"`

	HTTP    HTTPConfig    `mapstructure:"http"`
	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	Modbus  ModbusConfig  `mapstructure:"modbus"`
	Polling PollingConfig `mapstructure:"polling"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// HTTPConfig holds the health/metrics HTTP server configuration.
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// MQTTConfig holds MQTT client configuration.
type MQTTConfig struct {
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

// ModbusConfig holds the shared-host connection and retry parameters.
type ModbusConfig struct {
	// Timeout bounds each transport round trip. The underlying library has
	// its own default; pinning it here keeps worst-case operation time
	// predictable (MaxRetries x (Timeout + RetryDelay)).
	Timeout time.Duration `mapstructure:"timeout"`

	// MaxRetries is the read attempt budget per operation.
	MaxRetries int `mapstructure:"max_retries"`

	// RetryDelay is the fixed interval between read attempts.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// PollingConfig holds climate polling configuration.
type PollingConfig struct {
	DefaultInterval time.Duration `mapstructure:"default_interval"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
	Output string `mapstructure:"output"` // stdout, stderr, or file path
}

// Load loads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/rdf302d")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file: defaults and env vars apply.
	}

	v.SetEnvPrefix("RDF302")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("thermostats_path", "./config/thermostats.yaml")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "rdf302d")
	v.SetDefault("mqtt.topic_prefix", "rdf302")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.publish_timeout", 5*time.Second)
	v.SetDefault("mqtt.reconnect_delay", 5*time.Second)

	v.SetDefault("modbus.timeout", 5*time.Second)
	v.SetDefault("modbus.max_retries", 3)
	v.SetDefault("modbus.retry_delay", 500*time.Millisecond)

	v.SetDefault("polling.default_interval", 30*time.Second)
	v.SetDefault("polling.shutdown_timeout", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// bindEnvVars binds environment variables to config keys.
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("environment", "ENVIRONMENT")
	_ = v.BindEnv("thermostats_path", "THERMOSTATS_PATH")

	_ = v.BindEnv("http.port", "HTTP_PORT")

	_ = v.BindEnv("mqtt.broker_url", "MQTT_BROKER_URL")
	_ = v.BindEnv("mqtt.username", "MQTT_USERNAME")
	_ = v.BindEnv("mqtt.password", "MQTT_PASSWORD")
	_ = v.BindEnv("mqtt.client_id", "MQTT_CLIENT_ID")

	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.MQTT.BrokerURL == "" {
		return fmt.Errorf("MQTT broker URL is required")
	}
	if c.Modbus.MaxRetries < 1 {
		return fmt.Errorf("modbus max_retries must be at least 1")
	}
	if c.Modbus.RetryDelay < 0 {
		return fmt.Errorf("modbus retry_delay must not be negative")
	}
	if c.Polling.DefaultInterval <= 0 {
		return fmt.Errorf("polling default_interval must be positive")
	}
	return nil
}
