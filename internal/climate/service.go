package climate

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bakadave/ha-siemens-rdf302/internal/domain"
	"github.com/bakadave/ha-siemens-rdf302/internal/metrics"
	"github.com/rs/zerolog"
)

// Publisher receives climate state snapshots after each poll cycle.
type Publisher interface {
	PublishState(ctx context.Context, state *domain.ClimateState) error
}

// Service polls every registered thermostat on its own ticker and publishes
// the refreshed state. Each thermostat polls independently; serialization
// against siblings sharing a host happens inside the host itself.
type Service struct {
	config  ServiceConfig
	pub     Publisher
	logger  zerolog.Logger
	metrics *metrics.Registry

	mu      sync.RWMutex
	pollers map[string]*poller

	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stats   ServiceStats
}

// ServiceConfig holds polling service configuration.
type ServiceConfig struct {
	// DefaultInterval applies to thermostats registered without their own.
	DefaultInterval time.Duration

	// ShutdownTimeout bounds how long Stop waits for in-flight polls.
	ShutdownTimeout time.Duration
}

// ServiceStats tracks aggregate polling counters.
type ServiceStats struct {
	TotalPolls   atomic.Uint64
	SuccessPolls atomic.Uint64
	FailedPolls  atomic.Uint64
}

type poller struct {
	thermostat *Thermostat
	interval   time.Duration
}

// NewService creates a polling service.
func NewService(config ServiceConfig, pub Publisher, logger zerolog.Logger, metricsReg *metrics.Registry) *Service {
	if config.DefaultInterval <= 0 {
		config.DefaultInterval = 30 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}

	return &Service{
		config:  config,
		pub:     pub,
		logger:  logger.With().Str("component", "climate-service").Logger(),
		metrics: metricsReg,
		pollers: make(map[string]*poller),
	}
}

// Register adds a thermostat to the polling set. Must be called before Start.
func (s *Service) Register(t *Thermostat, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pollers[t.ID()]; exists {
		return domain.ErrThermostatExists
	}
	if interval <= 0 {
		interval = s.config.DefaultInterval
	}
	s.pollers[t.ID()] = &poller{thermostat: t, interval: interval}
	return nil
}

// Get returns a registered thermostat by ID.
func (s *Service) Get(id string) (*Thermostat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pollers[id]
	if !ok {
		return nil, false
	}
	return p.thermostat, true
}

// States returns snapshots of all registered thermostats.
func (s *Service) States() []domain.ClimateState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ClimateState, 0, len(s.pollers))
	for _, p := range s.pollers {
		out = append(out, p.thermostat.State())
	}
	return out
}

// Stats returns the aggregate polling counters.
func (s *Service) Stats() *ServiceStats {
	return &s.stats
}

// Start launches one polling goroutine per registered thermostat.
func (s *Service) Start(ctx context.Context) error {
	if s.started.Load() {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started.Store(true)

	s.mu.RLock()
	defer s.mu.RUnlock()

	s.logger.Info().Int("thermostats", len(s.pollers)).Msg("Starting climate polling")
	for _, p := range s.pollers {
		s.wg.Add(1)
		go s.pollLoop(p)
	}
	return nil
}

// Stop cancels all pollers and waits for them, bounded by ShutdownTimeout.
func (s *Service) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}
	s.logger.Info().Msg("Stopping climate polling")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All pollers stopped")
	case <-time.After(s.config.ShutdownTimeout):
		s.logger.Warn().Msg("Timeout waiting for pollers to stop")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown context canceled while waiting for pollers")
	}

	s.started.Store(false)
	return nil
}

// pollLoop runs one thermostat's ticker. A random initial jitter spreads
// thermostats sharing a host across the interval instead of stacking them on
// the same tick.
func (s *Service) pollLoop(p *poller) {
	defer s.wg.Done()

	t := p.thermostat
	logger := s.logger.With().Str("thermostat", t.ID()).Logger()
	logger.Debug().Dur("interval", p.interval).Msg("Poller started")

	jitter := time.Duration(rand.Int63n(int64(p.interval)))
	select {
	case <-s.ctx.Done():
		return
	case <-time.After(jitter):
	}

	s.pollOnce(t, logger)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			logger.Debug().Msg("Poller stopped")
			return
		case <-ticker.C:
			s.pollOnce(t, logger)
		}
	}
}

// pollOnce refreshes one thermostat and publishes the result. Publish
// failures are logged, not propagated; the next cycle re-publishes anyway.
func (s *Service) pollOnce(t *Thermostat, logger zerolog.Logger) {
	start := time.Now()
	err := t.Refresh(s.ctx)

	s.stats.TotalPolls.Add(1)
	if err != nil {
		s.stats.FailedPolls.Add(1)
		logger.Warn().Err(err).Msg("Poll cycle failed, keeping last known state")
	} else {
		s.stats.SuccessPolls.Add(1)
	}
	if s.metrics != nil {
		s.metrics.RecordPoll(t.ID(), err == nil, time.Since(start).Seconds())
	}

	if s.pub == nil {
		return
	}
	state := t.State()
	if perr := s.pub.PublishState(s.ctx, &state); perr != nil {
		logger.Warn().Err(perr).Msg("Failed to publish thermostat state")
	}
}
