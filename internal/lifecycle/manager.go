package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"atelier/internal/domain"
)

// StopReasonIdle marks an automatic shutdown triggered by the idle check.
const StopReasonIdle = "idle_timeout"

// HealthChecker is the slice of the generation client the manager uses to
// retarget and probe backends.
type HealthChecker interface {
	SetEndpoint(endpoint string)
	Health(ctx context.Context) error
}

// Config bounds remote resource lifetime and cost accounting.
type Config struct {
	LocalEndpoint string
	IdleThreshold time.Duration
	HourlyRate    float64
	// StartupDeadline bounds how long a freshly provisioned resource may take
	// to pass its first health check.
	StartupDeadline time.Duration
}

func (c Config) withDefaults() Config {
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = 30 * time.Minute
	}
	if c.StartupDeadline <= 0 {
		c.StartupDeadline = 5 * time.Minute
	}
	return c
}

// Manager exclusively owns the backend session: which backend receives work,
// the remote resource behind it, and the cost it accrues. Every transition is
// logged with a timestamp for cost auditing.
type Manager struct {
	provisioner Provisioner
	health      HealthChecker
	cfg         Config
	logger      zerolog.Logger
	now         func() time.Time

	mu           sync.Mutex
	state        domain.LifecycleState
	session      domain.BackendSession
	lifetimeCost float64
}

func NewManager(provisioner Provisioner, health HealthChecker, cfg Config, logger zerolog.Logger) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		provisioner: provisioner,
		health:      health,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
		state:       domain.LifecycleStopped,
		session: domain.BackendSession{
			Mode:     domain.BackendModeLocal,
			Endpoint: cfg.LocalEndpoint,
		},
	}
	return m
}

// Status is the externally visible backend state.
type Status struct {
	Mode        domain.BackendMode
	State       domain.LifecycleState
	Endpoint    string
	Connected   bool
	IdleMinutes float64
	CurrentCost float64
	TotalCost   float64
}

// Session returns a copy of the current backend session.
func (m *Manager) Session() domain.BackendSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Status snapshots mode, idle time and cost. CurrentCost includes the
// still-running session valued at the hourly rate.
func (m *Manager) Status(ctx context.Context) Status {
	connected := m.health.Health(ctx) == nil

	m.mu.Lock()
	defer m.mu.Unlock()
	m.session.Connected = connected

	now := m.now()
	st := Status{
		Mode:      m.session.Mode,
		State:     m.state,
		Endpoint:  m.session.Endpoint,
		Connected: connected,
		TotalCost: m.lifetimeCost,
	}
	if !m.session.LastActivity.IsZero() {
		st.IdleMinutes = now.Sub(m.session.LastActivity).Minutes()
	}
	if m.state == domain.LifecycleRunning && m.session.Mode == domain.BackendModeRemote {
		st.CurrentCost = m.lifetimeCost + now.Sub(m.session.StartedAt).Hours()*m.cfg.HourlyRate
	} else {
		st.CurrentCost = m.lifetimeCost
	}
	return st
}

// Touch refreshes the last-activity timestamp. Called on every observed use
// of the backend; this is the running→running self-transition.
func (m *Manager) Touch() {
	m.mu.Lock()
	m.session.LastActivity = m.now()
	m.mu.Unlock()
}

// StartRemote provisions the remote resource and transitions to running once
// the backend behind it passes a health check.
func (m *Manager) StartRemote(ctx context.Context) error {
	m.mu.Lock()
	if m.state == domain.LifecycleRunning && m.session.Mode == domain.BackendModeRemote {
		m.mu.Unlock()
		return nil
	}
	if m.state == domain.LifecycleStarting || m.state == domain.LifecycleStopping {
		m.mu.Unlock()
		return domain.NewLifecycleError("transition already in progress", nil)
	}
	m.state = domain.LifecycleStarting
	m.mu.Unlock()
	m.logger.Info().Time("at", m.now()).Str("state", "starting").Msg("lifecycle: provisioning remote resource")

	resourceID, endpoint, err := m.provisioner.Start(ctx)
	if err != nil {
		m.setStopped()
		return err
	}

	m.health.SetEndpoint(endpoint)
	if err := m.awaitHealthy(ctx); err != nil {
		// The resource exists but never became reachable; release it rather
		// than bill for a dead session.
		if stopErr := m.provisioner.Stop(ctx, resourceID); stopErr != nil {
			m.logger.Error().Err(stopErr).Str("resource_id", resourceID).Msg("lifecycle: cleanup of unhealthy resource failed")
		}
		m.health.SetEndpoint(m.cfg.LocalEndpoint)
		m.setStopped()
		return domain.NewLifecycleError("remote backend never became healthy", err)
	}

	now := m.now()
	m.mu.Lock()
	m.state = domain.LifecycleRunning
	m.session = domain.BackendSession{
		Mode:         domain.BackendModeRemote,
		Endpoint:     endpoint,
		Connected:    true,
		LastActivity: now,
		ResourceID:   resourceID,
		StartedAt:    now,
	}
	m.mu.Unlock()
	m.logger.Info().
		Time("at", now).
		Str("state", "running").
		Str("resource_id", resourceID).
		Str("endpoint", endpoint).
		Msg("lifecycle: remote resource running")
	return nil
}

// StopRemote releases the remote resource, accrues its cost, and falls back
// to the local backend.
func (m *Manager) StopRemote(ctx context.Context, reason string) error {
	m.mu.Lock()
	if m.session.Mode != domain.BackendModeRemote || m.session.ResourceID == "" {
		m.mu.Unlock()
		return nil
	}
	if m.state == domain.LifecycleStopping {
		m.mu.Unlock()
		return nil
	}
	m.state = domain.LifecycleStopping
	resourceID := m.session.ResourceID
	startedAt := m.session.StartedAt
	m.mu.Unlock()
	m.logger.Info().Time("at", m.now()).Str("state", "stopping").Str("reason", reason).Msg("lifecycle: stopping remote resource")

	if err := m.provisioner.Stop(ctx, resourceID); err != nil {
		m.logger.Error().Err(err).Str("resource_id", resourceID).Msg("lifecycle: deprovision failed")
		// Fall through: the session is finalized regardless so cost stops
		// accruing locally even if the provider call must be repeated.
	}

	now := m.now()
	elapsed := now.Sub(startedAt)
	cost := elapsed.Hours() * m.cfg.HourlyRate

	m.mu.Lock()
	m.lifetimeCost += cost
	lifetime := m.lifetimeCost
	m.session = domain.BackendSession{
		Mode:        domain.BackendModeLocal,
		Endpoint:    m.cfg.LocalEndpoint,
		AccruedCost: lifetime,
	}
	m.state = domain.LifecycleStopped
	m.mu.Unlock()

	m.health.SetEndpoint(m.cfg.LocalEndpoint)
	m.logger.Info().
		Time("at", now).
		Str("state", "stopped").
		Str("reason", reason).
		Str("resource_id", resourceID).
		Dur("session_duration", elapsed).
		Float64("session_cost", cost).
		Float64("lifetime_cost", lifetime).
		Msg("lifecycle: remote resource stopped")
	return nil
}

// CheckIdle stops the remote resource iff the backend has been inactive for
// at least the configured threshold. Returns true when a shutdown was
// triggered.
func (m *Manager) CheckIdle(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if m.state != domain.LifecycleRunning || m.session.Mode != domain.BackendModeRemote {
		m.mu.Unlock()
		return false, nil
	}
	idle := m.now().Sub(m.session.LastActivity)
	m.mu.Unlock()

	if idle < m.cfg.IdleThreshold {
		return false, nil
	}
	m.logger.Warn().
		Float64("idle_duration_minutes", idle.Minutes()).
		Float64("threshold_minutes", m.cfg.IdleThreshold.Minutes()).
		Msg("lifecycle: idle threshold exceeded")
	if err := m.StopRemote(ctx, StopReasonIdle); err != nil {
		return false, err
	}
	return true, nil
}

// SwitchMode moves between local and remote backends. Idempotent when the
// requested mode is already active.
func (m *Manager) SwitchMode(ctx context.Context, remote bool) (domain.BackendSession, error) {
	m.mu.Lock()
	current := m.session.Mode
	m.mu.Unlock()

	if remote {
		if current == domain.BackendModeRemote {
			return m.Session(), nil
		}
		if err := m.StartRemote(ctx); err != nil {
			return m.Session(), err
		}
		return m.Session(), nil
	}

	if current == domain.BackendModeLocal {
		return m.Session(), nil
	}
	if err := m.StopRemote(ctx, "mode_switch"); err != nil {
		return m.Session(), err
	}
	return m.Session(), nil
}

// RunIdleLoop periodically invokes CheckIdle until ctx is cancelled.
func (m *Manager) RunIdleLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.CheckIdle(ctx); err != nil {
				m.logger.Error().Err(err).Msg("lifecycle: idle check failed")
			}
		}
	}
}

func (m *Manager) awaitHealthy(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 15 * time.Second
	bo.MaxElapsedTime = m.cfg.StartupDeadline
	return backoff.Retry(func() error {
		return m.health.Health(ctx)
	}, backoff.WithContext(bo, ctx))
}

func (m *Manager) setStopped() {
	m.mu.Lock()
	m.state = domain.LifecycleStopped
	m.mu.Unlock()
}
