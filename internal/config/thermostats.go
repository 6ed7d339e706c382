package config

import (
	"fmt"
	"os"
	"time"

	"github.com/bakadave/ha-siemens-rdf302/internal/domain"
	"gopkg.in/yaml.v3"
)

// ThermostatConfig represents one thermostat entry in the inventory file.
type ThermostatConfig struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name,omitempty"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port,omitempty"`
	UnitID       int    `yaml:"unit_id"`
	PollInterval string `yaml:"poll_interval,omitempty"`
	Enabled      *bool  `yaml:"enabled,omitempty"`
}

// Thermostat is a validated, normalized inventory entry. Thermostats sharing
// the same host and port end up on the same shared connection.
type Thermostat struct {
	ID           string
	Name         string
	Host         string
	Port         int
	UnitID       byte
	PollInterval time.Duration
	Enabled      bool
}

// ThermostatsFile represents the top-level inventory file.
type ThermostatsFile struct {
	Version     string             `yaml:"version"`
	Thermostats []ThermostatConfig `yaml:"thermostats"`
}

// LoadThermostats loads the thermostat inventory from a YAML file.
func LoadThermostats(path string) ([]Thermostat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read thermostats file: %w", err)
	}
	return ParseThermostats(data)
}

// ParseThermostats parses and validates inventory YAML.
func ParseThermostats(data []byte) ([]Thermostat, error) {
	var file ThermostatsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse thermostats file: %w", err)
	}

	seenIDs := make(map[string]int)
	out := make([]Thermostat, 0, len(file.Thermostats))

	for idx, tc := range file.Thermostats {
		if prevIdx, exists := seenIDs[tc.ID]; exists {
			return nil, fmt.Errorf("duplicate thermostat ID '%s' at index %d (first seen at index %d)", tc.ID, idx, prevIdx)
		}
		seenIDs[tc.ID] = idx

		t, err := convertThermostatConfig(tc)
		if err != nil {
			return nil, fmt.Errorf("error in thermostat %s: %w", tc.ID, err)
		}
		out = append(out, t)
	}

	return out, nil
}

// convertThermostatConfig validates one entry and applies defaults.
func convertThermostatConfig(tc ThermostatConfig) (Thermostat, error) {
	if tc.ID == "" {
		return Thermostat{}, fmt.Errorf("%w: thermostat requires an id", domain.ErrInvalidConfig)
	}
	if tc.Host == "" {
		return Thermostat{}, fmt.Errorf("%w: thermostat requires a host", domain.ErrInvalidConfig)
	}
	if tc.UnitID < 1 || tc.UnitID > 247 {
		return Thermostat{}, fmt.Errorf("%w: unit_id must be between 1 and 247, got %d", domain.ErrInvalidUnitID, tc.UnitID)
	}

	port := tc.Port
	if port == 0 {
		port = domain.DefaultPort
	}
	if port < 0 || port > 65535 {
		return Thermostat{}, fmt.Errorf("%w: invalid port %d", domain.ErrInvalidConfig, tc.Port)
	}

	name := tc.Name
	if name == "" {
		name = tc.ID
	}

	var pollInterval time.Duration
	if tc.PollInterval != "" {
		var err error
		pollInterval, err = time.ParseDuration(tc.PollInterval)
		if err != nil {
			return Thermostat{}, fmt.Errorf("invalid poll interval: %w", err)
		}
		if pollInterval <= 0 {
			return Thermostat{}, fmt.Errorf("%w: poll_interval must be positive", domain.ErrInvalidConfig)
		}
	}

	enabled := true
	if tc.Enabled != nil {
		enabled = *tc.Enabled
	}

	return Thermostat{
		ID:           tc.ID,
		Name:         name,
		Host:         tc.Host,
		Port:         port,
		UnitID:       byte(tc.UnitID),
		PollInterval: pollInterval,
		Enabled:      enabled,
	}, nil
}
