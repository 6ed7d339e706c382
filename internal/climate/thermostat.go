// Package climate implements the RDF302 thermostat entities and the polling
// service that keeps their state fresh and published.
package climate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bakadave/ha-siemens-rdf302/internal/domain"
	"github.com/rs/zerolog"
)

// RegisterClient is the typed operation surface a thermostat consumes from
// its shared host. *modbus.Host satisfies it; tests use a scripted fake.
type RegisterClient interface {
	ReadHoldingRegisters(ctx context.Context, unitID byte, address, count uint16) ([]uint16, error)
	ReadInputRegisters(ctx context.Context, unitID byte, address, count uint16) ([]uint16, error)
	ReadCoils(ctx context.Context, unitID byte, address, count uint16) ([]bool, error)
	ReadCoil(ctx context.Context, unitID byte, address uint16) (bool, error)
	WriteRegister(ctx context.Context, unitID byte, address, value uint16) error
	WriteCoil(ctx context.Context, unitID byte, address uint16, value bool) error
}

// Thermostat is one logical RDF302 unit behind a shared host. All reads go
// through the host's retry machinery; a failed read keeps the last known
// value for that field. Writes update the cached state only on success.
type Thermostat struct {
	id     string
	name   string
	unitID byte
	client RegisterClient
	logger zerolog.Logger

	mu    sync.RWMutex
	state domain.ClimateState
}

// NewThermostat creates a thermostat entity bound to a unit on a shared host.
func NewThermostat(id, name string, unitID byte, client RegisterClient, logger zerolog.Logger) (*Thermostat, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: thermostat ID is required", domain.ErrInvalidConfig)
	}
	if unitID == 0 {
		return nil, domain.ErrInvalidUnitID
	}
	if name == "" {
		name = id
	}

	return &Thermostat{
		id:     id,
		name:   name,
		unitID: unitID,
		client: client,
		logger: logger.With().Str("component", "thermostat").Str("thermostat", id).Logger(),
		state: domain.ClimateState{
			ID:     id,
			Name:   name,
			Mode:   domain.HVACHeat,
			Preset: domain.PresetAway,
			Fan:    domain.FanOff,
		},
	}, nil
}

// ID returns the thermostat identifier.
func (t *Thermostat) ID() string { return t.id }

// UnitID returns the Modbus unit identifier.
func (t *Thermostat) UnitID() byte { return t.unitID }

// State returns a snapshot of the current climate state.
func (t *Thermostat) State() domain.ClimateState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.Clone()
}

// Refresh polls the device and folds successful reads into the cached state.
// Fields whose read failed keep their last known value; the entity only
// becomes unavailable when every read of the cycle failed.
func (t *Thermostat) Refresh(ctx context.Context) error {
	succeeded := 0

	if vals, err := t.client.ReadInputRegisters(ctx, t.unitID, domain.RegRoomTemp, 1); err == nil {
		temp := domain.RawToTemp(vals[0])
		t.mu.Lock()
		t.state.CurrentTemp = &temp
		t.mu.Unlock()
		succeeded++
	} else {
		t.logger.Warn().Err(err).Msg("No data for current temperature")
	}

	if vals, err := t.client.ReadInputRegisters(ctx, t.unitID, domain.RegSetpointRO, 1); err == nil {
		temp := domain.RawToTemp(vals[0])
		t.mu.Lock()
		t.state.TargetTemp = &temp
		t.mu.Unlock()
		succeeded++
	} else {
		t.logger.Warn().Err(err).Msg("No data for target temperature")
	}

	if vals, err := t.client.ReadHoldingRegisters(ctx, t.unitID, domain.RegHeatCoolRW, 1); err == nil {
		t.mu.Lock()
		t.state.Mode = domain.HVACModeFromRaw(vals[0])
		t.mu.Unlock()
		succeeded++
	} else {
		t.logger.Warn().Err(err).Msg("No data for HVAC mode")
	}

	if vals, err := t.client.ReadInputRegisters(ctx, t.unitID, domain.RegFanSpeedRO, 1); err == nil {
		t.mu.Lock()
		t.state.Fan = domain.FanModeFromRaw(vals[0])
		t.mu.Unlock()
		succeeded++
	} else {
		t.logger.Warn().Err(err).Msg("No data for fan mode")
	}

	if vals, err := t.client.ReadInputRegisters(ctx, t.unitID, domain.RegPresetRO, 1); err == nil {
		t.mu.Lock()
		t.state.Preset = domain.PresetFromRaw(vals[0])
		t.mu.Unlock()
		succeeded++
	} else {
		t.logger.Warn().Err(err).Msg("No data for preset mode")
	}

	t.mu.Lock()
	t.state.Available = succeeded > 0
	t.state.UpdatedAt = time.Now()
	state := t.state.Clone()
	t.mu.Unlock()

	t.logger.Debug().
		Interface("state", state).
		Int("reads_ok", succeeded).
		Msg("Thermostat state refreshed")

	if succeeded == 0 {
		return fmt.Errorf("%w: all reads failed for %s", domain.ErrReadExhausted, t.id)
	}
	return nil
}

// SetTargetTemperature writes the setpoint. The device accepts tenth-degree
// steps between 5 and 40 degrees C.
func (t *Thermostat) SetTargetTemperature(ctx context.Context, tempC float64) error {
	raw, ok := domain.TempToRaw(tempC)
	if !ok {
		return fmt.Errorf("%w: %.1f", domain.ErrSetpointOutOfRange, tempC)
	}

	t.logger.Debug().Float64("temperature", tempC).Msg("Setting target temperature")
	if err := t.client.WriteRegister(ctx, t.unitID, domain.RegSetpointRW, raw); err != nil {
		t.logger.Error().Err(err).Float64("temperature", tempC).Msg("Error setting target temperature")
		return err
	}

	t.mu.Lock()
	t.state.TargetTemp = &tempC
	t.mu.Unlock()
	return nil
}

// SetMode switches between heating and cooling. A write is only issued when
// the mode actually changes.
func (t *Thermostat) SetMode(ctx context.Context, mode domain.HVACMode) error {
	t.mu.RLock()
	current := t.state.Mode
	t.mu.RUnlock()

	if current == mode {
		return nil
	}

	t.logger.Debug().Str("mode", string(mode)).Msg("Setting HVAC mode")
	if err := t.client.WriteRegister(ctx, t.unitID, domain.RegHeatCoolRW, mode.RawValue()); err != nil {
		t.logger.Error().Err(err).Str("mode", string(mode)).Msg("Error setting HVAC mode")
		return err
	}

	t.mu.Lock()
	t.state.Mode = mode
	t.mu.Unlock()
	return nil
}

// SetPreset selects the energy profile.
func (t *Thermostat) SetPreset(ctx context.Context, preset domain.PresetMode) error {
	t.logger.Debug().Str("preset", string(preset)).Msg("Setting preset mode")
	if err := t.client.WriteRegister(ctx, t.unitID, domain.RegPresetRW, preset.RawValue()); err != nil {
		t.logger.Error().Err(err).Str("preset", string(preset)).Msg("Error setting preset mode")
		return err
	}

	t.mu.Lock()
	t.state.Preset = preset
	t.mu.Unlock()
	return nil
}

// SetFanMode selects the fan speed.
func (t *Thermostat) SetFanMode(ctx context.Context, fan domain.FanMode) error {
	t.logger.Debug().Str("fan_mode", string(fan)).Msg("Setting fan mode")
	if err := t.client.WriteRegister(ctx, t.unitID, domain.RegFanSpeedRW, fan.RawValue()); err != nil {
		t.logger.Error().Err(err).Str("fan_mode", string(fan)).Msg("Error setting fan mode")
		return err
	}

	t.mu.Lock()
	t.state.Fan = fan
	t.mu.Unlock()
	return nil
}
