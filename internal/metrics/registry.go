// Package metrics provides Prometheus metrics for the rdf302d service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics for the service. A nil *Registry is
// accepted everywhere so tests can run without touching the default
// Prometheus registry.
type Registry struct {
	// Modbus connection metrics
	ConnectionsTotal  prometheus.Counter
	ConnectionErrors  prometheus.Counter
	ConnectionLatency prometheus.Histogram
	HostsTotal        prometheus.Gauge
	HostsConnected    prometheus.Gauge
	Subscribers       prometheus.Gauge

	// Register operation metrics
	ReadsTotal    *prometheus.CounterVec
	ReadRetries   prometheus.Counter
	ReadDuration  *prometheus.HistogramVec
	WritesTotal   *prometheus.CounterVec
	WriteDuration prometheus.Histogram

	// Climate polling metrics
	PollsTotal   *prometheus.CounterVec
	PollDuration *prometheus.HistogramVec

	// MQTT metrics
	MQTTPublished prometheus.Counter
	MQTTFailed    prometheus.Counter
	CommandsTotal *prometheus.CounterVec
}

// NewRegistry creates a registry with all metrics registered on the default
// Prometheus registerer.
func NewRegistry() *Registry {
	return &Registry{
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "rdf302", Subsystem: "modbus",
			Name: "connections_total",
			Help: "Total number of Modbus connection attempts",
		}),
		ConnectionErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "rdf302", Subsystem: "modbus",
			Name: "connection_errors_total",
			Help: "Total number of failed Modbus connection attempts",
		}),
		ConnectionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rdf302", Subsystem: "modbus",
			Name:    "connection_latency_seconds",
			Help:    "Modbus connection establishment latency",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		HostsTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "rdf302", Subsystem: "modbus",
			Name: "hosts",
			Help: "Number of shared host instances in the registry",
		}),
		HostsConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "rdf302", Subsystem: "modbus",
			Name: "hosts_connected",
			Help: "Number of host instances with an established transport",
		}),
		Subscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "rdf302", Subsystem: "modbus",
			Name: "subscribers",
			Help: "Total subscriber count across all hosts",
		}),

		ReadsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rdf302", Subsystem: "modbus",
			Name: "reads_total",
			Help: "Total read operations by outcome",
		}, []string{"status"}),
		ReadRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "rdf302", Subsystem: "modbus",
			Name: "read_retries_total",
			Help: "Total rejected read attempts that were retried",
		}),
		ReadDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rdf302", Subsystem: "modbus",
			Name:    "read_duration_seconds",
			Help:    "Read operation duration including retries",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"kind"}),
		WritesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rdf302", Subsystem: "modbus",
			Name: "writes_total",
			Help: "Total write operations by outcome",
		}, []string{"status"}),
		WriteDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rdf302", Subsystem: "modbus",
			Name:    "write_duration_seconds",
			Help:    "Write operation duration",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),

		PollsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rdf302", Subsystem: "climate",
			Name: "polls_total",
			Help: "Total thermostat poll cycles by outcome",
		}, []string{"thermostat", "status"}),
		PollDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rdf302", Subsystem: "climate",
			Name:    "poll_duration_seconds",
			Help:    "Thermostat poll cycle duration",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"thermostat"}),

		MQTTPublished: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "rdf302", Subsystem: "mqtt",
			Name: "messages_published_total",
			Help: "Total MQTT messages published",
		}),
		MQTTFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "rdf302", Subsystem: "mqtt",
			Name: "messages_failed_total",
			Help: "Total MQTT publish failures",
		}),
		CommandsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rdf302", Subsystem: "mqtt",
			Name: "commands_total",
			Help: "Total climate commands received by outcome",
		}, []string{"command", "status"}),
	}
}

// RecordConnection records one connection attempt.
func (r *Registry) RecordConnection(success bool, seconds float64) {
	r.ConnectionsTotal.Inc()
	if !success {
		r.ConnectionErrors.Inc()
	}
	r.ConnectionLatency.Observe(seconds)
}

// SetActiveHosts updates the host gauges.
func (r *Registry) SetActiveHosts(total, connected int) {
	r.HostsTotal.Set(float64(total))
	r.HostsConnected.Set(float64(connected))
}

// SetSubscribers updates the subscriber gauge.
func (r *Registry) SetSubscribers(n int) {
	r.Subscribers.Set(float64(n))
}

// RecordRead records a completed read operation.
func (r *Registry) RecordRead(success bool) {
	if success {
		r.ReadsTotal.WithLabelValues("success").Inc()
	} else {
		r.ReadsTotal.WithLabelValues("failure").Inc()
	}
}

// RecordRetry records one rejected read attempt that will be retried.
func (r *Registry) RecordRetry() {
	r.ReadRetries.Inc()
}

// ObserveReadDuration records total read latency for one register kind.
func (r *Registry) ObserveReadDuration(kind string, seconds float64) {
	r.ReadDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordWrite records a completed write operation.
func (r *Registry) RecordWrite(success bool) {
	if success {
		r.WritesTotal.WithLabelValues("success").Inc()
	} else {
		r.WritesTotal.WithLabelValues("failure").Inc()
	}
}

// ObserveWriteDuration records write latency.
func (r *Registry) ObserveWriteDuration(seconds float64) {
	r.WriteDuration.Observe(seconds)
}

// RecordPoll records one thermostat poll cycle.
func (r *Registry) RecordPoll(thermostat string, success bool, seconds float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	r.PollsTotal.WithLabelValues(thermostat, status).Inc()
	r.PollDuration.WithLabelValues(thermostat).Observe(seconds)
}

// RecordMQTTPublish records one publish attempt.
func (r *Registry) RecordMQTTPublish(success bool) {
	if success {
		r.MQTTPublished.Inc()
	} else {
		r.MQTTFailed.Inc()
	}
}

// RecordCommand records one received climate command.
func (r *Registry) RecordCommand(command string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	r.CommandsTotal.WithLabelValues(command, status).Inc()
}
