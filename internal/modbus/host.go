package modbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bakadave/ha-siemens-rdf302/internal/domain"
	"github.com/bakadave/ha-siemens-rdf302/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Host owns the single shared connection to one endpoint. All register
// operations on a Host run under its mutex, so at most one wire exchange is in
// flight per endpoint at any time; operations on different Hosts are fully
// independent. A Host is obtained from a Registry and must be returned with
// Registry.Release.
type Host struct {
	cfg     HostConfig
	key     string
	logger  zerolog.Logger
	metrics *metrics.Registry
	breaker *gobreaker.CircuitBreaker

	// mu serializes connect, disconnect and every wire call. The TCP session
	// has no way to correlate interleaved request/response pairs.
	mu        sync.Mutex
	conn      Conn
	connected atomic.Bool
	stats     HostStats
}

// HostConfig holds per-endpoint connection and retry parameters.
type HostConfig struct {
	// Host is the device hostname or IP address.
	Host string

	// Port is the Modbus TCP port.
	Port int

	// MaxRetries is the attempt budget for read operations (minimum 1).
	// Writes always get exactly one attempt.
	MaxRetries int

	// RetryDelay is the fixed interval between read attempts. No backoff:
	// the device either answers within its cycle time or not at all.
	RetryDelay time.Duration

	// Timeout bounds each transport round trip.
	Timeout time.Duration

	// Dialer creates the transport. Defaults to DialTCP.
	Dialer Dialer
}

// HostStats tracks per-host operation counters.
type HostStats struct {
	Reads         atomic.Uint64
	Writes        atomic.Uint64
	Retries       atomic.Uint64
	ReadFailures  atomic.Uint64
	WriteFailures atomic.Uint64
}

// applyDefaults fills zero values. Retry defaults follow the RDF302's
// observed response behavior: three attempts half a second apart.
func (c *HostConfig) applyDefaults() {
	if c.Port == 0 {
		c.Port = domain.DefaultPort
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = 3
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.RetryDelay == 0 && c.MaxRetries > 1 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = DialTCP
	}
}

// newHost creates an unconnected Host. The first operation dials the device.
func newHost(cfg HostConfig, logger zerolog.Logger, metricsReg *metrics.Registry) *Host {
	cfg.applyDefaults()

	h := &Host{
		cfg:     cfg,
		key:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		metrics: metricsReg,
	}
	h.logger = logger.With().Str("component", "modbus-host").Str("endpoint", h.key).Logger()
	h.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "modbus-" + h.key,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// A rejected read already burned its whole retry budget, so the
			// threshold stays well above anything a flaky poll cycle produces.
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 20 && failureRatio >= 0.8
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			h.logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Modbus circuit breaker state changed")
		},
	})
	return h
}

// Key returns the endpoint identity ("host:port") used as the registry key.
func (h *Host) Key() string {
	return h.key
}

// Connected reports whether the transport is currently established.
func (h *Host) Connected() bool {
	return h.connected.Load()
}

// Stats returns the host's operation counters.
func (h *Host) Stats() *HostStats {
	return &h.stats
}

// Connect establishes the transport if it is not already up. Safe to call
// before every operation; the internal paths do exactly that.
func (h *Host) Connect(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connectLocked(ctx)
}

// connectLocked dials the endpoint. Callers hold h.mu.
func (h *Host) connectLocked(ctx context.Context) error {
	if h.connected.Load() {
		return nil
	}

	h.logger.Debug().Msg("Connecting to Modbus endpoint")
	conn := h.cfg.Dialer(h.key, h.cfg.Timeout)

	start := time.Now()
	connectDone := make(chan error, 1)
	go func() {
		connectDone <- conn.Connect()
	}()

	var err error
	select {
	case err = <-connectDone:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if h.metrics != nil {
		h.metrics.RecordConnection(err == nil, time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}

	h.conn = conn
	h.connected.Store(true)
	h.logger.Info().Msg("Connected to Modbus endpoint")
	return nil
}

// Disconnect closes the transport. No-op when already disconnected.
func (h *Host) Disconnect() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeLocked()
}

// closeLocked tears down the transport. Callers hold h.mu.
func (h *Host) closeLocked() error {
	if !h.connected.Load() {
		return nil
	}

	if h.conn != nil {
		if err := h.conn.Close(); err != nil {
			h.logger.Warn().Err(err).Msg("Error closing Modbus connection")
		}
	}
	h.conn = nil
	h.connected.Store(false)
	h.logger.Debug().Msg("Disconnected from Modbus endpoint")
	return nil
}

// ReadHoldingRegisters reads count holding registers, retrying rejected
// attempts up to the configured budget. On exhaustion the caller receives
// domain.ErrReadExhausted and should treat the data as unavailable this cycle.
func (h *Host) ReadHoldingRegisters(ctx context.Context, unitID byte, address, count uint16) ([]uint16, error) {
	data, err := h.retriedRead(ctx, unitID, address, count, "holding", func(c Conn) ([]byte, error) {
		return c.ReadHoldingRegisters(address, count)
	})
	if err != nil {
		return nil, err
	}
	return decodeRegisters(data, count)
}

// ReadInputRegisters reads count input registers with the same retry policy
// as ReadHoldingRegisters.
func (h *Host) ReadInputRegisters(ctx context.Context, unitID byte, address, count uint16) ([]uint16, error) {
	data, err := h.retriedRead(ctx, unitID, address, count, "input", func(c Conn) ([]byte, error) {
		return c.ReadInputRegisters(address, count)
	})
	if err != nil {
		return nil, err
	}
	return decodeRegisters(data, count)
}

// ReadCoils reads count coils with the standard retry policy.
func (h *Host) ReadCoils(ctx context.Context, unitID byte, address, count uint16) ([]bool, error) {
	data, err := h.retriedRead(ctx, unitID, address, count, "coil", func(c Conn) ([]byte, error) {
		return c.ReadCoils(address, count)
	})
	if err != nil {
		return nil, err
	}
	return decodeCoils(data, count)
}

// ReadCoil reads a single coil with exactly one attempt. Unlike the other
// reads it has no retry loop; single-coil reads are status flags of low
// importance and the next poll cycle picks them up anyway. Kept deliberately
// distinct from ReadCoils.
func (h *Host) ReadCoil(ctx context.Context, unitID byte, address uint16) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	result, err := h.breaker.Execute(func() (interface{}, error) {
		if err := h.connectLocked(ctx); err != nil {
			return nil, err
		}
		h.conn.SetUnitID(unitID)
		data, err := h.conn.ReadCoils(address, 1)
		if err != nil {
			return nil, translateError(err)
		}
		return decodeCoils(data, 1)
	})
	if err != nil {
		h.stats.ReadFailures.Add(1)
		if h.metrics != nil {
			h.metrics.RecordRead(false)
		}
		h.logger.Error().Err(err).Uint16("address", address).Msg("Modbus error reading coil")
		if err == gobreaker.ErrOpenState {
			return false, domain.ErrCircuitOpen
		}
		return false, fmt.Errorf("%w: %v", domain.ErrReadFailed, err)
	}

	h.stats.Reads.Add(1)
	if h.metrics != nil {
		h.metrics.RecordRead(true)
	}
	return result.([]bool)[0], nil
}

// retriedRead runs the bounded-attempt read loop inside the host's critical
// section. An attempt is accepted only when the wire call reports no protocol
// error and the response carries the full requested quantity; anything else
// is rejected and, while the budget lasts, re-attempted after a fixed delay.
func (h *Host) retriedRead(ctx context.Context, unitID byte, address, count uint16, kind string, read func(Conn) ([]byte, error)) ([]byte, error) {
	if count == 0 {
		return nil, domain.ErrInvalidCount
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	start := time.Now()
	result, err := h.breaker.Execute(func() (interface{}, error) {
		return h.readLoopLocked(ctx, unitID, address, count, kind, read)
	})

	if h.metrics != nil {
		h.metrics.RecordRead(err == nil)
		h.metrics.ObserveReadDuration(kind, time.Since(start).Seconds())
	}

	if err != nil {
		h.stats.ReadFailures.Add(1)
		if err == gobreaker.ErrOpenState {
			return nil, domain.ErrCircuitOpen
		}
		return nil, err
	}

	h.stats.Reads.Add(1)
	return result.([]byte), nil
}

// readLoopLocked is the retry loop proper. Callers hold h.mu.
func (h *Host) readLoopLocked(ctx context.Context, unitID byte, address, count uint16, kind string, read func(Conn) ([]byte, error)) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= h.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			h.stats.Retries.Add(1)
			if h.metrics != nil {
				h.metrics.RecordRetry()
			}
			h.logger.Warn().
				Str("kind", kind).
				Uint16("address", address).
				Int("attempt", attempt).
				Err(lastErr).
				Msg("Modbus read rejected, retrying")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(h.cfg.RetryDelay):
			}
		}

		if err := h.connectLocked(ctx); err != nil {
			lastErr = err
			continue
		}

		h.conn.SetUnitID(unitID)
		data, err := read(h.conn)
		if err != nil {
			lastErr = translateError(err)
			// A transport fault invalidates the session; reconnect on the
			// next attempt. Protocol exceptions keep the session.
			if isConnError(err) {
				h.closeLocked()
			}
			continue
		}

		short := false
		switch kind {
		case "coil":
			short = len(data) < (int(count)+7)/8
		default:
			short = len(data) < int(count)*2
		}
		if short {
			lastErr = domain.ErrShortResponse
			continue
		}

		return data, nil
	}

	h.logger.Error().
		Str("kind", kind).
		Uint16("address", address).
		Int("attempts", h.cfg.MaxRetries).
		Err(lastErr).
		Msg("Modbus read retries exhausted")

	return nil, fmt.Errorf("%w: %v", domain.ErrReadExhausted, lastErr)
}

// WriteRegister writes a single holding register. Exactly one attempt: a
// failed write may or may not have reached the device, and re-applying it
// against unknown state is worse than reporting the failure.
func (h *Host) WriteRegister(ctx context.Context, unitID byte, address, value uint16) error {
	return h.singleWrite(ctx, unitID, address, func(c Conn) ([]byte, error) {
		return c.WriteSingleRegister(address, value)
	})
}

// WriteCoil writes a single coil. Same single-attempt policy as WriteRegister.
func (h *Host) WriteCoil(ctx context.Context, unitID byte, address uint16, value bool) error {
	var coilValue uint16
	if value {
		coilValue = 0xFF00
	}
	return h.singleWrite(ctx, unitID, address, func(c Conn) ([]byte, error) {
		return c.WriteSingleCoil(address, coilValue)
	})
}

// singleWrite performs one write attempt inside the critical section. Every
// fault, transport or protocol, converts to domain.ErrWriteFailed; nothing
// from the wire layer escapes to the consumer.
func (h *Host) singleWrite(ctx context.Context, unitID byte, address uint16, write func(Conn) ([]byte, error)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	start := time.Now()
	_, err := h.breaker.Execute(func() (interface{}, error) {
		if err := h.connectLocked(ctx); err != nil {
			return nil, err
		}
		h.conn.SetUnitID(unitID)
		_, err := write(h.conn)
		if err != nil {
			werr := translateError(err)
			if isConnError(err) {
				h.closeLocked()
			}
			return nil, werr
		}
		return nil, nil
	})

	if h.metrics != nil {
		h.metrics.RecordWrite(err == nil)
		h.metrics.ObserveWriteDuration(time.Since(start).Seconds())
	}

	if err != nil {
		h.stats.WriteFailures.Add(1)
		h.logger.Error().Err(err).Uint16("address", address).Msg("Modbus write failed")
		if err == gobreaker.ErrOpenState {
			return domain.ErrCircuitOpen
		}
		return fmt.Errorf("%w: %v", domain.ErrWriteFailed, err)
	}

	h.stats.Writes.Add(1)
	return nil
}
