package mqtt_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/bakadave/ha-siemens-rdf302/internal/climate"
	"github.com/bakadave/ha-siemens-rdf302/internal/domain"
	"github.com/bakadave/ha-siemens-rdf302/internal/mqtt"
	"github.com/rs/zerolog"
)

// recordingClient satisfies climate.RegisterClient and records writes.
type recordingClient struct {
	mu     sync.Mutex
	writes []struct {
		address uint16
		value   uint16
	}
	writeErr error
}

func (r *recordingClient) ReadHoldingRegisters(_ context.Context, _ byte, _, count uint16) ([]uint16, error) {
	return make([]uint16, count), nil
}

func (r *recordingClient) ReadInputRegisters(_ context.Context, _ byte, _, count uint16) ([]uint16, error) {
	return make([]uint16, count), nil
}

func (r *recordingClient) ReadCoils(_ context.Context, _ byte, _, count uint16) ([]bool, error) {
	return make([]bool, count), nil
}

func (r *recordingClient) ReadCoil(_ context.Context, _ byte, _ uint16) (bool, error) {
	return false, nil
}

func (r *recordingClient) WriteRegister(_ context.Context, _ byte, address, value uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeErr != nil {
		return r.writeErr
	}
	r.writes = append(r.writes, struct {
		address uint16
		value   uint16
	}{address, value})
	return nil
}

func (r *recordingClient) WriteCoil(_ context.Context, _ byte, _ uint16, _ bool) error {
	return nil
}

func (r *recordingClient) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.writes)
}

func newCommandThermostat(t *testing.T) (*climate.Thermostat, *recordingClient) {
	t.Helper()
	client := &recordingClient{}
	thermostat, err := climate.NewThermostat("bedroom", "Bedroom", 2, client, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewThermostat: %v", err)
	}
	return thermostat, client
}

func TestParseCommandTopic(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		id      string
		command string
		ok      bool
	}{
		{"mode command", "rdf302/bedroom/set/mode", "bedroom", "mode", true},
		{"temperature command", "rdf302/living_room/set/target_temperature", "living_room", "target_temperature", true},
		{"wrong prefix", "other/bedroom/set/mode", "", "", false},
		{"missing set segment", "rdf302/bedroom/get/mode", "", "", false},
		{"too few segments", "rdf302/bedroom/set", "", "", false},
		{"too many segments", "rdf302/bedroom/set/mode/extra", "", "", false},
		{"empty id", "rdf302//set/mode", "", "", false},
		{"empty command", "rdf302/bedroom/set/", "", "", false},
		{"state topic", "rdf302/bedroom/state", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, command, ok := mqtt.ParseCommandTopic("rdf302", tt.topic)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if id != tt.id || command != tt.command {
				t.Errorf("got (%q, %q), want (%q, %q)", id, command, tt.id, tt.command)
			}
		})
	}
}

func TestApplyCommandMode(t *testing.T) {
	thermostat, client := newCommandThermostat(t)

	if err := mqtt.ApplyCommand(context.Background(), thermostat, mqtt.CommandMode, "cool"); err != nil {
		t.Fatalf("apply mode: %v", err)
	}
	if got := client.writeCount(); got != 1 {
		t.Fatalf("expected 1 write, got %d", got)
	}

	client.mu.Lock()
	w := client.writes[0]
	client.mu.Unlock()
	if w.address != domain.RegHeatCoolRW || w.value != 0 {
		t.Errorf("wrote %d=%d, want %d=0", w.address, w.value, domain.RegHeatCoolRW)
	}
}

func TestApplyCommandTargetTemperature(t *testing.T) {
	thermostat, client := newCommandThermostat(t)

	if err := mqtt.ApplyCommand(context.Background(), thermostat, mqtt.CommandTargetTemp, "22.5"); err != nil {
		t.Fatalf("apply temperature: %v", err)
	}

	client.mu.Lock()
	w := client.writes[0]
	client.mu.Unlock()
	if w.address != domain.RegSetpointRW || w.value != 1125 {
		t.Errorf("wrote %d=%d, want %d=1125", w.address, w.value, domain.RegSetpointRW)
	}
}

func TestApplyCommandPresetAndFan(t *testing.T) {
	thermostat, client := newCommandThermostat(t)
	ctx := context.Background()

	if err := mqtt.ApplyCommand(ctx, thermostat, mqtt.CommandPreset, "comfort"); err != nil {
		t.Fatalf("apply preset: %v", err)
	}
	if err := mqtt.ApplyCommand(ctx, thermostat, mqtt.CommandFanMode, "low"); err != nil {
		t.Fatalf("apply fan: %v", err)
	}
	if got := client.writeCount(); got != 2 {
		t.Errorf("expected 2 writes, got %d", got)
	}
}

func TestApplyCommandRejectsBadPayloads(t *testing.T) {
	thermostat, client := newCommandThermostat(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		command string
		payload string
		want    error
	}{
		{"unknown mode", mqtt.CommandMode, "dry", domain.ErrUnknownClimateValue},
		{"unknown preset", mqtt.CommandPreset, "party", domain.ErrUnknownClimateValue},
		{"unknown fan", mqtt.CommandFanMode, "turbo", domain.ErrUnknownClimateValue},
		{"non-numeric temperature", mqtt.CommandTargetTemp, "warm", domain.ErrInvalidWriteValue},
		{"out-of-range temperature", mqtt.CommandTargetTemp, "99", domain.ErrSetpointOutOfRange},
		{"unknown command", "power", "on", domain.ErrUnknownClimateValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := mqtt.ApplyCommand(ctx, thermostat, tt.command, tt.payload); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if got := client.writeCount(); got != 0 {
		t.Errorf("rejected commands must not reach the wire, got %d writes", got)
	}
}

func TestApplyCommandWriteFailurePropagates(t *testing.T) {
	thermostat, client := newCommandThermostat(t)
	client.mu.Lock()
	client.writeErr = domain.ErrWriteFailed
	client.mu.Unlock()

	err := mqtt.ApplyCommand(context.Background(), thermostat, mqtt.CommandTargetTemp, "21.0")
	if !errors.Is(err, domain.ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}

	// Cached state is untouched after the failed write.
	if state := thermostat.State(); state.TargetTemp != nil {
		t.Errorf("failed command must not update cached target, got %v", *state.TargetTemp)
	}
}
