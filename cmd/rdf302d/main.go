// Package main is the entry point for the RDF302 bridge daemon. It loads the
// thermostat inventory, wires each unit onto a shared Modbus host, and bridges
// state and commands over MQTT.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bakadave/ha-siemens-rdf302/internal/climate"
	"github.com/bakadave/ha-siemens-rdf302/internal/config"
	"github.com/bakadave/ha-siemens-rdf302/internal/health"
	"github.com/bakadave/ha-siemens-rdf302/internal/metrics"
	"github.com/bakadave/ha-siemens-rdf302/internal/modbus"
	"github.com/bakadave/ha-siemens-rdf302/internal/mqtt"
	"github.com/bakadave/ha-siemens-rdf302/pkg/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	serviceName    = "rdf302d"
	serviceVersion = "1.0.0"
)

func main() {
	// Load configuration first so logging honors it
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New(serviceName, serviceVersion)
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := logging.NewWithConfig(serviceName, serviceVersion, logging.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	logger.Info().Str("env", cfg.Environment).Msg("Starting RDF302 bridge")

	metricsRegistry := metrics.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shared Modbus host registry. Thermostats on the same endpoint share one
	// serialized connection.
	hostRegistry := modbus.NewRegistry(modbus.HostConfig{
		Timeout:    cfg.Modbus.Timeout,
		MaxRetries: cfg.Modbus.MaxRetries,
		RetryDelay: cfg.Modbus.RetryDelay,
	}, logger, metricsRegistry)
	defer hostRegistry.Close()

	// MQTT publisher
	mqttPublisher := mqtt.NewPublisher(mqtt.Config{
		BrokerURL:      cfg.MQTT.BrokerURL,
		ClientID:       cfg.MQTT.ClientID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		TopicPrefix:    cfg.MQTT.TopicPrefix,
		QoS:            cfg.MQTT.QoS,
		KeepAlive:      cfg.MQTT.KeepAlive,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		PublishTimeout: cfg.MQTT.PublishTimeout,
		ReconnectDelay: cfg.MQTT.ReconnectDelay,
	}, logger, metricsRegistry)

	if err := mqttPublisher.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to MQTT broker")
	}
	defer mqttPublisher.Disconnect()

	// Climate polling service
	climateSvc := climate.NewService(climate.ServiceConfig{
		DefaultInterval: cfg.Polling.DefaultInterval,
		ShutdownTimeout: cfg.Polling.ShutdownTimeout,
	}, mqttPublisher, logger, metricsRegistry)

	// Load and register the thermostat inventory
	inventory, err := config.LoadThermostats(cfg.ThermostatsPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.ThermostatsPath).Msg("Failed to load thermostat inventory")
	}

	registered := 0
	acquired := make([]*modbus.Host, 0, len(inventory))
	for _, entry := range inventory {
		if !entry.Enabled {
			logger.Info().Str("thermostat", entry.ID).Msg("Thermostat disabled, skipping")
			continue
		}

		host, err := hostRegistry.Acquire(entry.Host, entry.Port)
		if err != nil {
			logger.Error().Err(err).Str("thermostat", entry.ID).Msg("Failed to acquire shared host")
			continue
		}
		acquired = append(acquired, host)

		thermostat, err := climate.NewThermostat(entry.ID, entry.Name, entry.UnitID, host, logger)
		if err != nil {
			hostRegistry.Release(host)
			acquired = acquired[:len(acquired)-1]
			logger.Error().Err(err).Str("thermostat", entry.ID).Msg("Invalid thermostat entry")
			continue
		}

		if err := climateSvc.Register(thermostat, entry.PollInterval); err != nil {
			hostRegistry.Release(host)
			acquired = acquired[:len(acquired)-1]
			logger.Error().Err(err).Str("thermostat", entry.ID).Msg("Failed to register thermostat")
			continue
		}
		registered++
	}
	defer func() {
		for _, h := range acquired {
			hostRegistry.Release(h)
		}
	}()

	if registered == 0 {
		logger.Fatal().Msg("No thermostats registered, nothing to do")
	}
	logger.Info().
		Int("thermostats", registered).
		Int("shared_hosts", hostRegistry.Len()).
		Msg("Thermostat inventory loaded")

	if err := climateSvc.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start climate polling")
	}

	// Command handler for inbound setpoint/mode changes
	cmdHandler := mqtt.NewCommandHandler(
		mqttPublisher.Client(),
		climateSvc,
		cfg.MQTT.TopicPrefix,
		cfg.MQTT.QoS,
		logger,
		metricsRegistry,
	)
	if err := cmdHandler.Start(); err != nil {
		logger.Warn().Err(err).Msg("Failed to start command handler (write operations disabled)")
	}
	defer cmdHandler.Stop()

	// Health checks and HTTP server
	healthChecker := health.NewChecker(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	})
	healthChecker.AddCheck("mqtt", mqttPublisher)
	healthChecker.AddCheck("modbus_registry", hostRegistry)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthChecker.HealthHandler)
	mux.HandleFunc("/health/live", healthChecker.LivenessHandler)
	mux.HandleFunc("/health/ready", healthChecker.ReadinessHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		stats := climateSvc.Stats()
		fmt.Fprintf(w, `{"service":"%s","version":"%s","polling":{"total_polls":%d,"success_polls":%d,"failed_polls":%d}}`,
			serviceName, serviceVersion,
			stats.TotalPolls.Load(), stats.SuccessPolls.Load(), stats.FailedPolls.Load())
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	logger.Info().
		Int("thermostats", registered).
		Int("http_port", cfg.HTTP.Port).
		Str("mqtt_broker", cfg.MQTT.BrokerURL).
		Msg("RDF302 bridge started successfully")

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cmdHandler.Stop()

	if err := climateSvc.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping climate polling")
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	logger.Info().Msg("RDF302 bridge shutdown complete")
}
