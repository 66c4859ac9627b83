// Package session owns the live player sessions. A Controller runs economy
// operations against its in-memory session, persists the result, and only
// then makes it visible.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/silkroad/internal/app/storage"
	"github.com/R3E-Network/silkroad/internal/domain/trade"
	"github.com/R3E-Network/silkroad/internal/economy"
	"github.com/R3E-Network/silkroad/internal/logging"
	"github.com/R3E-Network/silkroad/internal/world"
)

// WelcomeMessage is the first entry of every event log.
const WelcomeMessage = "System initialized. Welcome to Silkroad."

// DefaultSaveTimeout bounds a single repository write.
const DefaultSaveTimeout = 5 * time.Second

const failedMessage = "Transaction error: the action did not take effect."

// Guard extends the in-flight flag across service instances.
type Guard interface {
	Acquire(ctx context.Context, accountID string) (release func(), err error)
}

// Recorder receives operation measurements.
type Recorder interface {
	RecordOperation(op, result string, d time.Duration)
	RecordPersistFailure(op string)
}

type noopRecorder struct{}

func (noopRecorder) RecordOperation(string, string, time.Duration) {}
func (noopRecorder) RecordPersistFailure(string)                  {}

// Options configures controllers.
type Options struct {
	EventLogSize int
	SaveTimeout  time.Duration
	Guard        Guard
	Recorder     Recorder
	Logger       *logging.Logger
	Now          func() time.Time
}

func (o Options) withDefaults() Options {
	if o.EventLogSize <= 0 {
		o.EventLogSize = DefaultEventLogSize
	}
	if o.SaveTimeout <= 0 {
		o.SaveTimeout = DefaultSaveTimeout
	}
	if o.Recorder == nil {
		o.Recorder = noopRecorder{}
	}
	if o.Logger == nil {
		o.Logger = logging.NewDefault("session")
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Controller owns one account's session.
type Controller struct {
	accountID string
	engine    *economy.Engine
	repo      storage.SessionRepository
	opts      Options
	events    *EventLog

	loadMu sync.Mutex
	loaded bool

	mu         sync.Mutex
	session    *trade.Session
	inFlight   bool
	retired    bool
	dialogue   map[string]int
	lastActive time.Time

	// reinstate puts a retired controller back into its manager. It
	// reports false when another controller already serves the account.
	reinstate func(*Controller) bool
}

// NewController creates an unloaded controller.
func NewController(accountID string, engine *economy.Engine, repo storage.SessionRepository, opts Options) *Controller {
	opts = opts.withDefaults()
	c := &Controller{
		accountID:  accountID,
		engine:     engine,
		repo:       repo,
		opts:       opts,
		events:     NewEventLog(opts.EventLogSize),
		dialogue:   map[string]int{},
		lastActive: opts.Now(),
	}
	c.events.now = opts.Now
	c.events.Append(economy.LevelInfo, WelcomeMessage)
	return c
}

// AccountID returns the owning account.
func (c *Controller) AccountID() string { return c.accountID }

// Events returns the controller's event log.
func (c *Controller) Events() *EventLog { return c.events }

// HasSession reports whether a session is loaded or created.
func (c *Controller) HasSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// Session returns a copy of the current session.
func (c *Controller) Session() (trade.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActive = c.opts.Now()
	if c.session == nil {
		return trade.Session{}, trade.ErrSessionNotFound
	}
	return c.session.Clone(), nil
}

// Load reads the persisted session. An absent record is not an error: the
// session stays unset so the player can be offered a new game. Load counts
// as an action and fails with ErrOperationInProgress while one is running.
func (c *Controller) Load(ctx context.Context) error {
	done, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	return c.loadLocked(ctx)
}

// EnsureLoaded loads the session once.
func (c *Controller) EnsureLoaded(ctx context.Context) error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	if c.loaded {
		return nil
	}
	return c.loadLocked(ctx)
}

func (c *Controller) loadLocked(ctx context.Context) error {
	s, err := c.repo.Load(ctx, c.accountID)
	if errors.Is(err, storage.ErrNotFound) {
		c.loaded = true
		return nil
	}
	if err != nil {
		c.logger(ctx).WithError(err).Error("Failed to load session")
		return fmt.Errorf("%w: load: %v", trade.ErrPersistenceFailure, err)
	}
	if err := s.Validate(c.engine.World().Graph); err != nil {
		c.logger(ctx).WithError(err).Error("Persisted session is invalid")
		return fmt.Errorf("%w: %v", trade.ErrPersistenceFailure, err)
	}

	c.mu.Lock()
	c.session = &s
	c.mu.Unlock()
	c.loaded = true
	c.events.Append(economy.LevelInfo, fmt.Sprintf("Session loaded. Day %d in %s.", s.Day, c.regionName(s.Region)))
	return nil
}

// NewGame creates a session from the difficulty table unless one already
// exists, in which case the existing one is loaded and created is false.
func (c *Controller) NewGame(ctx context.Context, d trade.Difficulty) (s trade.Session, created bool, err error) {
	start := c.opts.Now()
	defer func() { c.record(ctx, "new_game", start, err) }()

	fresh, err := c.freshSession(d)
	if err != nil {
		return trade.Session{}, false, err
	}

	done, err := c.begin(ctx)
	if err != nil {
		return trade.Session{}, false, err
	}
	defer done()

	if err := c.createWithRetry(ctx, fresh); err != nil {
		if !errors.Is(err, storage.ErrAlreadyExists) {
			c.opts.Recorder.RecordPersistFailure("new_game")
			c.logger(ctx).WithError(err).Error("Failed to create session")
			c.events.Append(economy.LevelError, "Could not start a new session. Please retry.")
			return trade.Session{}, false, fmt.Errorf("%w: %v", trade.ErrPersistenceFailure, err)
		}
		existing, lerr := c.repo.Load(ctx, c.accountID)
		if lerr != nil {
			return trade.Session{}, false, fmt.Errorf("%w: %v", trade.ErrPersistenceFailure, lerr)
		}
		c.reflect(existing)
		c.events.Append(economy.LevelInfo, fmt.Sprintf("Session loaded. Day %d in %s.", existing.Day, c.regionName(existing.Region)))
		return existing.Clone(), false, nil
	}

	c.reflect(fresh)
	c.events.Append(economy.LevelInfo, "New session initialized.")
	c.logger(ctx).WithField("difficulty", d).Info("New session created")
	return fresh.Clone(), true, nil
}

// Reset overwrites any existing session with a fresh one.
func (c *Controller) Reset(ctx context.Context, d trade.Difficulty) (s trade.Session, err error) {
	start := c.opts.Now()
	defer func() { c.record(ctx, "reset", start, err) }()

	fresh, err := c.freshSession(d)
	if err != nil {
		return trade.Session{}, err
	}

	done, err := c.begin(ctx)
	if err != nil {
		return trade.Session{}, err
	}
	defer done()

	if err := c.persist(ctx, "reset", fresh); err != nil {
		c.events.Append(economy.LevelError, failedMessage)
		return c.current(), err
	}
	c.reflect(fresh)
	c.events.Append(economy.LevelInfo, "New session initialized.")
	return fresh.Clone(), nil
}

// Purchase buys one unit of itemID at the quoted unitPrice.
func (c *Controller) Purchase(ctx context.Context, itemID string, unitPrice int64) (trade.Session, economy.Outcome, error) {
	return c.mutate(ctx, "purchase", func(s trade.Session) (trade.Session, economy.Outcome, error) {
		return c.engine.Purchase(s, itemID, unitPrice)
	})
}

// Travel moves the player to destination and advances the day.
func (c *Controller) Travel(ctx context.Context, destination string) (trade.Session, economy.Outcome, error) {
	return c.mutate(ctx, "travel", func(s trade.Session) (trade.Session, economy.Outcome, error) {
		return c.engine.Travel(s, destination)
	})
}

// Pay pays down debt or transfers credits away.
func (c *Controller) Pay(ctx context.Context, amount int64, kind economy.TransferKind, recipient string) (trade.Session, economy.Outcome, error) {
	return c.mutate(ctx, "transfer", func(s trade.Session) (trade.Session, economy.Outcome, error) {
		return c.engine.Transfer(s, amount, kind, recipient)
	})
}

// Talk returns the next dialogue line of a merchant in the current region.
func (c *Controller) Talk(ctx context.Context, merchantName string) (string, error) {
	m, err := c.merchant(merchantName)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	idx := c.dialogue[m.Name] % len(m.Dialogue)
	c.dialogue[m.Name]++
	c.mu.Unlock()

	line := m.Dialogue[idx]
	c.events.Append(economy.LevelInfo, fmt.Sprintf("%s: %q", m.Name, line))
	return line, nil
}

// RequestMission records a mission request to a merchant. Missions have no
// mechanics yet.
func (c *Controller) RequestMission(ctx context.Context, merchantName string) error {
	m, err := c.merchant(merchantName)
	if err != nil {
		return err
	}
	c.events.Append(economy.LevelInfo, fmt.Sprintf("Requested mission from %s.", m.Name))
	return nil
}

// touch marks the controller as used now.
func (c *Controller) touch() {
	c.mu.Lock()
	c.lastActive = c.opts.Now()
	c.mu.Unlock()
}

// retireIfIdle retires the controller when it has been unused since cutoff
// and can be dropped without losing anything. A retired controller runs no
// further actions unless its manager takes it back.
func (c *Controller) retireIfIdle(cutoff time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight || !c.lastActive.Before(cutoff) || c.events.Subscribers() > 0 {
		return false
	}
	c.retired = true
	return true
}

func (c *Controller) mutate(ctx context.Context, op string, apply func(trade.Session) (trade.Session, economy.Outcome, error)) (next trade.Session, outcome economy.Outcome, err error) {
	start := c.opts.Now()
	defer func() { c.record(ctx, op, start, err) }()

	done, err := c.begin(ctx)
	if err != nil {
		if errors.Is(err, trade.ErrOperationInProgress) {
			c.events.Append(economy.LevelWarning, "Another action is still in progress.")
		} else {
			c.events.Append(economy.LevelError, failedMessage)
		}
		return c.current(), economy.Outcome{}, err
	}
	defer done()

	prior, err := c.priorSession(ctx)
	if err != nil {
		if !errors.Is(err, trade.ErrSessionNotFound) {
			c.events.Append(economy.LevelError, failedMessage)
		}
		return c.current(), economy.Outcome{}, err
	}

	next, outcome, err = apply(prior.Clone())
	if err != nil {
		c.events.Append(economy.LevelError, rejectionMessage(op, err))
		return prior, economy.Outcome{}, err
	}
	// Postgres keeps microseconds; truncating keeps reloads byte-identical.
	next.UpdatedAt = c.opts.Now().UTC().Truncate(time.Microsecond)

	if err := c.persist(ctx, op, next); err != nil {
		restored, landed := c.rollback(ctx, prior, next)
		if !landed {
			c.events.Append(economy.LevelError, failedMessage)
			return c.current(), economy.Outcome{}, err
		}
		c.logger(ctx).WithError(err).WithField("operation", op).Warn("Save reported failure but the session was written")
		next = restored
	}

	c.reflect(next)
	for _, n := range outcome.Notes {
		c.events.Append(n.Level, n.Message)
	}
	return next.Clone(), outcome, nil
}

// priorSession returns the session an action starts from. With a
// distributed guard another instance may have written since this one
// loaded, so the stored record is read again once the guard is held.
func (c *Controller) priorSession(ctx context.Context) (trade.Session, error) {
	if c.opts.Guard == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.session == nil {
			return trade.Session{}, trade.ErrSessionNotFound
		}
		return c.session.Clone(), nil
	}

	s, err := c.readStored(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		c.mu.Lock()
		c.session = nil
		c.mu.Unlock()
		return trade.Session{}, trade.ErrSessionNotFound
	}
	if err != nil {
		c.logger(ctx).WithError(err).Error("Failed to refresh session")
		return trade.Session{}, fmt.Errorf("%w: refresh: %v", trade.ErrPersistenceFailure, err)
	}
	c.reflect(s)
	return s, nil
}

// begin sets the in-flight flag and takes the distributed guard. The
// returned function clears both and must be called on every path.
func (c *Controller) begin(ctx context.Context) (func(), error) {
	for {
		c.mu.Lock()
		if c.inFlight {
			c.mu.Unlock()
			return nil, trade.ErrOperationInProgress
		}
		if !c.retired {
			c.inFlight = true
			c.lastActive = c.opts.Now()
			c.mu.Unlock()
			break
		}
		c.mu.Unlock()
		if c.reinstate == nil || !c.reinstate(c) {
			return nil, fmt.Errorf("%w: controller was evicted", trade.ErrOperationInProgress)
		}
	}

	finish := func() {
		c.mu.Lock()
		c.inFlight = false
		c.lastActive = c.opts.Now()
		c.mu.Unlock()
	}

	if c.opts.Guard == nil {
		return finish, nil
	}
	release, err := c.opts.Guard.Acquire(ctx, c.accountID)
	if err != nil {
		finish()
		if errors.Is(err, trade.ErrOperationInProgress) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: guard: %v", trade.ErrPersistenceFailure, err)
	}
	return func() {
		release()
		finish()
	}, nil
}

// persist writes s, retrying once. Writes are detached from the caller's
// cancellation; only the save timeout bounds them.
func (c *Controller) persist(ctx context.Context, op string, s trade.Session) error {
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		if err = c.save(ctx, s); err == nil {
			return nil
		}
		c.logger(ctx).WithError(err).WithFields(logrus.Fields{
			"operation": op,
			"attempt":   attempt,
		}).Warn("Session save failed")
	}
	c.opts.Recorder.RecordPersistFailure(op)
	return fmt.Errorf("%w: %v", trade.ErrPersistenceFailure, err)
}

func (c *Controller) save(ctx context.Context, s trade.Session) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.SaveTimeout)
	defer cancel()
	return c.repo.Save(sctx, s)
}

func (c *Controller) createWithRetry(ctx context.Context, s trade.Session) error {
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.SaveTimeout)
		err = c.repo.Create(sctx, s)
		cancel()
		if err == nil || errors.Is(err, storage.ErrAlreadyExists) {
			return err
		}
	}
	return err
}

// rollback restores the in-memory session to the last persisted record,
// or to prior when the repository cannot be read or holds an invalid
// record. landed reports that the stored record already equals next, as
// when a save timed out after the write went through.
func (c *Controller) rollback(ctx context.Context, prior, next trade.Session) (restored trade.Session, landed bool) {
	restored = prior
	s, err := c.readStored(ctx)
	switch {
	case err == nil:
		restored = s
		landed = sameState(s, next)
	case errors.Is(err, storage.ErrNotFound):
	default:
		c.logger(ctx).WithError(err).Warn("Rollback reload failed; keeping pre-operation session")
	}
	c.reflect(restored)
	return restored, landed
}

// readStored loads and validates the persisted record.
func (c *Controller) readStored(ctx context.Context) (trade.Session, error) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.SaveTimeout)
	defer cancel()

	s, err := c.repo.Load(sctx, c.accountID)
	if err != nil {
		return trade.Session{}, err
	}
	if err := s.Validate(c.engine.World().Graph); err != nil {
		return trade.Session{}, fmt.Errorf("invalid stored session: %w", err)
	}
	return s, nil
}

func sameState(a, b trade.Session) bool {
	if a.AccountID != b.AccountID || a.Credits != b.Credits || a.Debt != b.Debt ||
		a.Region != b.Region || a.Day != b.Day || a.Difficulty != b.Difficulty ||
		!a.UpdatedAt.Equal(b.UpdatedAt) {
		return false
	}
	for id, n := range a.Inventory {
		if b.Quantity(id) != n {
			return false
		}
	}
	for id, n := range b.Inventory {
		if a.Quantity(id) != n {
			return false
		}
	}
	return true
}

func (c *Controller) reflect(s trade.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := s.Clone()
	c.session = &cp
}

func (c *Controller) current() trade.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return trade.Session{}
	}
	return c.session.Clone()
}

func (c *Controller) freshSession(d trade.Difficulty) (trade.Session, error) {
	w := c.engine.World()
	now := c.opts.Now().UTC().Truncate(time.Microsecond)
	return trade.NewSession(c.accountID, d, w.StartingRegion(d), now)
}

func (c *Controller) merchant(name string) (trade.Merchant, error) {
	s, err := c.Session()
	if err != nil {
		return trade.Merchant{}, err
	}
	region, ok := c.engine.World().Graph.Region(s.Region)
	if !ok {
		return trade.Merchant{}, trade.ErrUnknownRegion
	}
	m, ok := world.FindMerchant(region, name)
	if !ok || len(m.Dialogue) == 0 {
		return trade.Merchant{}, fmt.Errorf("%w: %q", trade.ErrUnknownMerchant, name)
	}
	return m, nil
}

func (c *Controller) regionName(slug string) string {
	if r, ok := c.engine.World().Graph.Region(slug); ok {
		return r.Name
	}
	return slug
}

func (c *Controller) record(ctx context.Context, op string, start time.Time, err error) {
	result := "success"
	switch {
	case err == nil:
	case trade.IsRejection(err):
		result = "rejected"
	default:
		result = "failed"
	}
	c.opts.Recorder.RecordOperation(op, result, c.opts.Now().Sub(start))

	entry := c.logger(ctx).WithFields(logrus.Fields{"operation": op, "result": result})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Debug("Session operation finished")
}

func (c *Controller) logger(ctx context.Context) *logrus.Entry {
	return c.opts.Logger.WithContext(ctx).WithField("account_id", c.accountID)
}

func rejectionMessage(op string, err error) string {
	switch {
	case errors.Is(err, trade.ErrInsufficientFunds):
		if op == "purchase" {
			return "Insufficient funds to complete purchase."
		}
		return "Insufficient funds to complete transfer."
	case errors.Is(err, trade.ErrUnknownItem):
		return "Item not found in catalog."
	case errors.Is(err, trade.ErrUnknownRegion):
		return "Travel error: Unable to reach destination."
	case errors.Is(err, trade.ErrAlreadyThere):
		return "You are already in this region."
	case errors.Is(err, trade.ErrInvalidAmount):
		if op == "purchase" {
			return "Price has changed. Check the market and try again."
		}
		return "Invalid amount."
	default:
		return failedMessage
	}
}
