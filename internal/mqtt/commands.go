package mqtt

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bakadave/ha-siemens-rdf302/internal/climate"
	"github.com/bakadave/ha-siemens-rdf302/internal/domain"
	"github.com/bakadave/ha-siemens-rdf302/internal/metrics"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Command topic layout: <prefix>/<thermostat>/set/<command> with a plain-text
// payload. Commands map one-to-one onto the entity setters.
const (
	CommandMode       = "mode"
	CommandPreset     = "preset"
	CommandFanMode    = "fan_mode"
	CommandTargetTemp = "target_temperature"
)

// EntityResolver looks up a thermostat by ID. *climate.Service satisfies it.
type EntityResolver interface {
	Get(id string) (*climate.Thermostat, bool)
}

// CommandHandler subscribes to the command topics and applies incoming
// commands to the entities. A failed write leaves device state unchanged and
// is logged; the next state publish shows the consumer nothing changed.
type CommandHandler struct {
	client         pahomqtt.Client
	resolver       EntityResolver
	prefix         string
	qos            byte
	commandTimeout time.Duration
	logger         zerolog.Logger
	metrics        *metrics.Registry
}

// NewCommandHandler creates a command handler using the publisher's client.
func NewCommandHandler(client pahomqtt.Client, resolver EntityResolver, prefix string, qos byte, logger zerolog.Logger, metricsReg *metrics.Registry) *CommandHandler {
	if prefix == "" {
		prefix = "rdf302"
	}
	return &CommandHandler{
		client:         client,
		resolver:       resolver,
		prefix:         prefix,
		qos:            qos,
		commandTimeout: 10 * time.Second,
		logger:         logger.With().Str("component", "command-handler").Logger(),
		metrics:        metricsReg,
	}
}

// Start subscribes to the command topic tree.
func (h *CommandHandler) Start() error {
	if h.client == nil || !h.client.IsConnected() {
		return domain.ErrMQTTNotConnected
	}

	topic := h.prefix + "/+/set/+"
	token := h.client.Subscribe(topic, h.qos, h.onMessage)
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		return fmt.Errorf("%w: %s", domain.ErrMQTTSubscribeFailed, topic)
	}

	h.logger.Info().Str("topic", topic).Msg("Subscribed to climate commands")
	return nil
}

// Stop unsubscribes from the command topic tree.
func (h *CommandHandler) Stop() {
	if h.client == nil || !h.client.IsConnected() {
		return
	}
	topic := h.prefix + "/+/set/+"
	h.client.Unsubscribe(topic).WaitTimeout(5 * time.Second)
	h.logger.Info().Msg("Command handler stopped")
}

// onMessage dispatches one inbound command.
func (h *CommandHandler) onMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	id, command, ok := ParseCommandTopic(h.prefix, msg.Topic())
	if !ok {
		h.logger.Warn().Str("topic", msg.Topic()).Msg("Ignoring malformed command topic")
		return
	}

	thermostat, found := h.resolver.Get(id)
	if !found {
		h.logger.Warn().Str("thermostat", id).Msg("Command for unknown thermostat")
		if h.metrics != nil {
			h.metrics.RecordCommand(command, false)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.commandTimeout)
	defer cancel()

	payload := strings.TrimSpace(string(msg.Payload()))
	err := ApplyCommand(ctx, thermostat, command, payload)

	if h.metrics != nil {
		h.metrics.RecordCommand(command, err == nil)
	}
	if err != nil {
		h.logger.Error().
			Err(err).
			Str("thermostat", id).
			Str("command", command).
			Str("payload", payload).
			Msg("Command failed, device state unchanged")
		return
	}

	h.logger.Debug().
		Str("thermostat", id).
		Str("command", command).
		Str("payload", payload).
		Msg("Command applied")
}

// ParseCommandTopic extracts the thermostat ID and command name from a
// command topic. Returns false for anything outside the expected layout.
func ParseCommandTopic(prefix, topic string) (id, command string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != prefix || parts[2] != "set" {
		return "", "", false
	}
	if parts[1] == "" || parts[3] == "" {
		return "", "", false
	}
	return parts[1], parts[3], true
}

// ApplyCommand parses the payload for one command and invokes the matching
// entity setter.
func ApplyCommand(ctx context.Context, t *climate.Thermostat, command, payload string) error {
	switch command {
	case CommandMode:
		mode, ok := domain.ParseHVACMode(payload)
		if !ok {
			return fmt.Errorf("%w: mode %q", domain.ErrUnknownClimateValue, payload)
		}
		return t.SetMode(ctx, mode)

	case CommandPreset:
		preset, ok := domain.ParsePresetMode(payload)
		if !ok {
			return fmt.Errorf("%w: preset %q", domain.ErrUnknownClimateValue, payload)
		}
		return t.SetPreset(ctx, preset)

	case CommandFanMode:
		fan, ok := domain.ParseFanMode(payload)
		if !ok {
			return fmt.Errorf("%w: fan mode %q", domain.ErrUnknownClimateValue, payload)
		}
		return t.SetFanMode(ctx, fan)

	case CommandTargetTemp:
		temp, err := strconv.ParseFloat(payload, 64)
		if err != nil {
			return fmt.Errorf("%w: temperature %q", domain.ErrInvalidWriteValue, payload)
		}
		return t.SetTargetTemperature(ctx, temp)

	default:
		return fmt.Errorf("%w: command %q", domain.ErrUnknownClimateValue, command)
	}
}
