package modbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/bakadave/ha-siemens-rdf302/internal/domain"
	"github.com/bakadave/ha-siemens-rdf302/internal/metrics"
	"github.com/rs/zerolog"
)

// Registry is the process-wide table of shared hosts, keyed by endpoint
// identity ("host:port"). Multiple thermostats on the same endpoint share one
// Host; the Registry reference-counts subscribers and tears the connection
// down when the last one releases.
type Registry struct {
	defaults HostConfig
	logger   zerolog.Logger
	metrics  *metrics.Registry

	// mu guards hosts and every subscriber-count transition. Holding it
	// across the check-and-remove in Release makes the zero-count transition
	// and the entry removal one atomic step relative to Acquire.
	mu     sync.Mutex
	hosts  map[string]*hostEntry
	closed bool
}

type hostEntry struct {
	host        *Host
	subscribers int
}

// NewRegistry creates an empty registry. The defaults apply to every host it
// creates; per-endpoint overrides are not needed for a single device family.
func NewRegistry(defaults HostConfig, logger zerolog.Logger, metricsReg *metrics.Registry) *Registry {
	return &Registry{
		defaults: defaults,
		logger:   logger.With().Str("component", "modbus-registry").Logger(),
		metrics:  metricsReg,
		hosts:    make(map[string]*hostEntry),
	}
}

// Acquire returns the shared Host for the endpoint, creating it (transport
// not yet connected) on first use, and registers the caller as a subscriber.
// Creation and count increment are atomic with respect to concurrent Acquire
// and Release calls for the same endpoint.
func (r *Registry) Acquire(host string, port int) (*Host, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: host is required", domain.ErrInvalidConfig)
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w: invalid port %d", domain.ErrInvalidConfig, port)
	}

	key := fmt.Sprintf("%s:%d", host, port)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, domain.ErrServiceStopped
	}

	entry, exists := r.hosts[key]
	if !exists {
		cfg := r.defaults
		cfg.Host = host
		cfg.Port = port
		entry = &hostEntry{host: newHost(cfg, r.logger, r.metrics)}
		r.hosts[key] = entry
		r.logger.Debug().Str("endpoint", key).Msg("Created shared Modbus host")
	}

	entry.subscribers++
	r.publishGaugesLocked()
	r.logger.Debug().
		Str("endpoint", key).
		Int("subscribers", entry.subscribers).
		Msg("Subscriber added to Modbus host")

	return entry.host, nil
}

// Release unregisters one subscriber. When the count reaches zero the entry
// is removed under the registry lock and the transport is closed
// asynchronously; a concurrent Acquire for the same endpoint then creates a
// fresh host instead of resurrecting the dying one. Releasing a host that is
// no longer registered is a no-op, so repeated teardown is safe.
func (r *Registry) Release(h *Host) {
	if h == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.hosts[h.Key()]
	if !exists || entry.host != h {
		return
	}

	entry.subscribers--
	r.logger.Debug().
		Str("endpoint", h.Key()).
		Int("subscribers", entry.subscribers).
		Msg("Subscriber removed from Modbus host")

	if entry.subscribers <= 0 {
		delete(r.hosts, h.Key())
		r.logger.Info().Str("endpoint", h.Key()).Msg("Last subscriber gone, closing Modbus host")
		go func() {
			if err := h.Disconnect(); err != nil {
				r.logger.Warn().Err(err).Str("endpoint", h.Key()).Msg("Error closing Modbus host")
			}
		}()
	}

	r.publishGaugesLocked()
}

// SubscriberCount returns the current count for an endpoint, zero when no
// host exists.
func (r *Registry) SubscriberCount(host string, port int) int {
	key := fmt.Sprintf("%s:%d", host, port)

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.hosts[key]; exists {
		return entry.subscribers
	}
	return 0
}

// Len returns the number of live host entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hosts)
}

// Close disconnects every host and refuses further Acquire calls. Used on
// service shutdown, where entries may still hold subscribers.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var lastErr error
	for key, entry := range r.hosts {
		if err := entry.host.Disconnect(); err != nil {
			lastErr = err
			r.logger.Warn().Err(err).Str("endpoint", key).Msg("Error closing Modbus host")
		}
		delete(r.hosts, key)
	}
	r.publishGaugesLocked()

	r.logger.Info().Msg("Modbus registry closed")
	return lastErr
}

// HealthCheck implements health.Checker. The registry is healthy while it is
// operational; individual endpoints being offline is a per-host condition the
// entities already tolerate cycle by cycle.
func (r *Registry) HealthCheck(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return domain.ErrServiceStopped
	}
	return nil
}

// publishGaugesLocked updates host/subscriber gauges. Callers hold r.mu.
func (r *Registry) publishGaugesLocked() {
	if r.metrics == nil {
		return
	}

	subscribers := 0
	connected := 0
	for _, entry := range r.hosts {
		subscribers += entry.subscribers
		if entry.host.Connected() {
			connected++
		}
	}
	r.metrics.SetActiveHosts(len(r.hosts), connected)
	r.metrics.SetSubscribers(subscribers)
}
