// Package mqtt publishes thermostat state to an MQTT broker and routes
// inbound climate commands back to the entities.
package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bakadave/ha-siemens-rdf302/internal/domain"
	"github.com/bakadave/ha-siemens-rdf302/internal/metrics"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Config holds MQTT client configuration.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	ReconnectDelay time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "rdf302d",
		TopicPrefix:    "rdf302",
		QoS:            1,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		PublishTimeout: 5 * time.Second,
		ReconnectDelay: 5 * time.Second,
	}
}

// Publisher maintains the broker connection and publishes retained state
// snapshots, one topic per thermostat.
type Publisher struct {
	config    Config
	logger    zerolog.Logger
	metrics   *metrics.Registry
	mu        sync.RWMutex
	client    pahomqtt.Client
	connected atomic.Bool
}

// NewPublisher creates an unconnected publisher.
func NewPublisher(config Config, logger zerolog.Logger, metricsReg *metrics.Registry) *Publisher {
	if config.TopicPrefix == "" {
		config.TopicPrefix = "rdf302"
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.PublishTimeout == 0 {
		config.PublishTimeout = 5 * time.Second
	}
	if config.KeepAlive == 0 {
		config.KeepAlive = 30 * time.Second
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = 5 * time.Second
	}

	return &Publisher{
		config:  config,
		logger:  logger.With().Str("component", "mqtt").Logger(),
		metrics: metricsReg,
	}
}

// Connect establishes the broker connection with automatic reconnection.
func (p *Publisher) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.config.BrokerURL)
	opts.SetClientID(p.config.ClientID)
	opts.SetKeepAlive(p.config.KeepAlive)
	opts.SetConnectTimeout(p.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(p.config.ReconnectDelay)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		p.connected.Store(true)
		p.logger.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		p.connected.Store(false)
		p.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	client := pahomqtt.NewClient(opts)
	p.logger.Info().Str("broker", p.config.BrokerURL).Msg("Connecting to MQTT broker")

	token := client.Connect()
	connectDone := make(chan bool, 1)
	go func() {
		connectDone <- token.WaitTimeout(p.config.ConnectTimeout)
	}()

	select {
	case ok := <-connectDone:
		if !ok {
			return fmt.Errorf("%w: connection timeout", domain.ErrMQTTConnectionFailed)
		}
		if token.Error() != nil {
			return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, token.Error())
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, ctx.Err())
	}

	p.mu.Lock()
	p.client = client
	p.mu.Unlock()
	p.connected.Store(true)
	return nil
}

// Disconnect closes the broker connection.
func (p *Publisher) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(1000)
	}
	p.connected.Store(false)
	p.logger.Info().Msg("MQTT disconnected")
}

// Connected reports whether the broker session is up.
func (p *Publisher) Connected() bool {
	return p.connected.Load()
}

// Client exposes the underlying client for the command handler.
func (p *Publisher) Client() pahomqtt.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client
}

// StateTopic returns the retained state topic for a thermostat.
func (p *Publisher) StateTopic(id string) string {
	return fmt.Sprintf("%s/%s/state", p.config.TopicPrefix, id)
}

// PublishState publishes one retained state snapshot. Implements
// climate.Publisher.
func (p *Publisher) PublishState(ctx context.Context, state *domain.ClimateState) error {
	if !p.connected.Load() {
		return domain.ErrMQTTNotConnected
	}

	payload, err := state.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize climate state: %w", err)
	}

	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return domain.ErrMQTTNotConnected
	}

	token := client.Publish(p.StateTopic(state.ID), p.config.QoS, true, payload)

	publishDone := make(chan bool, 1)
	go func() {
		publishDone <- token.WaitTimeout(p.config.PublishTimeout)
	}()

	var perr error
	select {
	case ok := <-publishDone:
		if !ok {
			perr = fmt.Errorf("%w: publish timeout", domain.ErrMQTTPublishFailed)
		} else if token.Error() != nil {
			perr = fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, token.Error())
		}
	case <-ctx.Done():
		perr = fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, ctx.Err())
	}

	if p.metrics != nil {
		p.metrics.RecordMQTTPublish(perr == nil)
	}
	return perr
}

// HealthCheck implements health.Checker.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	if !p.connected.Load() {
		return domain.ErrMQTTNotConnected
	}
	return nil
}
