package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/silkroad/internal/app/storage"
	"github.com/R3E-Network/silkroad/internal/economy"
)

// ManagerConfig configures controller lifetime.
type ManagerConfig struct {
	// IdleTTL is how long an unused controller is kept in memory.
	IdleTTL time.Duration
	// EvictSchedule is a cron schedule, e.g. "@every 1m".
	EvictSchedule string
}

// Manager maps accounts to their controllers.
type Manager struct {
	engine *economy.Engine
	repo   storage.SessionRepository
	opts   Options
	cfg    ManagerConfig

	mu          sync.Mutex
	controllers map[string]*Controller

	cron *cron.Cron
}

// NewManager creates a manager. Controllers share engine, repository and
// options.
func NewManager(engine *economy.Engine, repo storage.SessionRepository, opts Options, cfg ManagerConfig) *Manager {
	opts = opts.withDefaults()
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	if cfg.EvictSchedule == "" {
		cfg.EvictSchedule = "@every 1m"
	}
	return &Manager{
		engine:      engine,
		repo:        repo,
		opts:        opts,
		cfg:         cfg,
		controllers: make(map[string]*Controller),
	}
}

// Engine returns the shared economy engine.
func (m *Manager) Engine() *economy.Engine { return m.engine }

// Controller returns the account's controller, creating and loading it on
// first use.
func (m *Manager) Controller(ctx context.Context, accountID string) (*Controller, error) {
	if accountID == "" {
		return nil, fmt.Errorf("account id is required")
	}
	m.mu.Lock()
	c, ok := m.controllers[accountID]
	if !ok {
		c = NewController(accountID, m.engine, m.repo, m.opts)
		c.reinstate = m.reinstate
		m.controllers[accountID] = c
	}
	// Evict holds m.mu as well, so a controller handed out here is not
	// idle by the time the caller uses it.
	c.touch()
	m.mu.Unlock()

	if err := c.EnsureLoaded(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Len returns the number of live controllers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.controllers)
}

// Evict drops controllers idle since before now-IdleTTL and returns how many
// were removed. Their sessions are already persisted. A caller still
// holding a dropped controller gets it reinstated on its next action, or
// ErrOperationInProgress once a replacement serves the account.
func (m *Manager) Evict(now time.Time) int {
	cutoff := now.Add(-m.cfg.IdleTTL)

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, c := range m.controllers {
		if c.retireIfIdle(cutoff) {
			delete(m.controllers, id)
			n++
		}
	}
	return n
}

func (m *Manager) reinstate(c *Controller) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.controllers[c.accountID]; ok && current != c {
		return false
	}
	m.controllers[c.accountID] = c
	c.mu.Lock()
	c.retired = false
	c.lastActive = c.opts.Now()
	c.mu.Unlock()
	return true
}

// Start schedules periodic eviction.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(m.cfg.EvictSchedule, func() {
		if n := m.Evict(m.opts.Now()); n > 0 {
			m.opts.Logger.WithContext(ctx).WithField("evicted", n).Debug("Evicted idle session controllers")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule eviction %q: %w", m.cfg.EvictSchedule, err)
	}
	c.Start()
	m.cron = c
	return nil
}

// Stop halts eviction and waits for a running job to finish.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
