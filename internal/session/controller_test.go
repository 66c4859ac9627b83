package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/silkroad/internal/app/storage"
	"github.com/R3E-Network/silkroad/internal/app/storage/memory"
	"github.com/R3E-Network/silkroad/internal/domain/trade"
	"github.com/R3E-Network/silkroad/internal/economy"
	"github.com/R3E-Network/silkroad/internal/logging"
	"github.com/R3E-Network/silkroad/internal/world"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testOptions() Options {
	return Options{
		Logger: logging.New("session-test", "error", "text"),
		Now:    func() time.Time { return testNow },
	}
}

func newTestController(t *testing.T, repo storage.SessionRepository) *Controller {
	t.Helper()
	c := NewController("p1", economy.New(world.Default()), repo, testOptions())
	require.NoError(t, c.Load(context.Background()))
	return c
}

func newGame(t *testing.T, c *Controller, d trade.Difficulty) trade.Session {
	t.Helper()
	s, created, err := c.NewGame(context.Background(), d)
	require.NoError(t, err)
	require.True(t, created)
	return s
}

func TestLoadAbsentLeavesSessionUnset(t *testing.T) {
	c := newTestController(t, memory.New())

	assert.False(t, c.HasSession())
	_, err := c.Session()
	assert.ErrorIs(t, err, trade.ErrSessionNotFound)

	events := c.Events().Recent(0)
	require.Len(t, events, 1)
	assert.Equal(t, WelcomeMessage, events[0].Message)
	assert.Equal(t, economy.LevelInfo, events[0].Type)

	_, _, err = c.Purchase(context.Background(), "pureTabs", 50)
	assert.ErrorIs(t, err, trade.ErrSessionNotFound)
}

func TestNewGameIsCreateIfAbsent(t *testing.T) {
	repo := memory.New()
	c := newTestController(t, repo)
	s := newGame(t, c, trade.DifficultyNormal)

	assert.Equal(t, int64(1000), s.Credits)
	assert.Equal(t, int64(5000), s.Debt)
	assert.Equal(t, 1, s.Day)
	assert.Equal(t, "neon-bazaar", s.Region)
	assert.Equal(t, "New session initialized.", c.Events().Recent(1)[0].Message)

	// A second instance for the same account continues instead of creating.
	other := NewController("p1", economy.New(world.Default()), repo, testOptions())
	got, created, err := other.NewGame(context.Background(), trade.DifficultyHard)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(1000), got.Credits)
	assert.Equal(t, trade.DifficultyNormal, got.Difficulty)
	assert.Equal(t, 1, repo.Count())
}

func TestNewGameUnknownDifficulty(t *testing.T) {
	c := newTestController(t, memory.New())
	_, _, err := c.NewGame(context.Background(), trade.Difficulty("nightmare"))
	assert.ErrorIs(t, err, trade.ErrUnknownDifficulty)
	assert.False(t, c.HasSession())
}

func TestLoadExistingSession(t *testing.T) {
	repo := memory.New()
	newGame(t, newTestController(t, repo), trade.DifficultyEasy)

	c := newTestController(t, repo)
	require.True(t, c.HasSession())
	s, err := c.Session()
	require.NoError(t, err)
	assert.Equal(t, "alpine-exchange", s.Region)
	assert.Equal(t, "Session loaded. Day 1 in Alpine Exchange.", c.Events().Recent(1)[0].Message)
}

func TestLoadRejectsInvalidRecord(t *testing.T) {
	repo := memory.New()
	bad := trade.Session{
		AccountID:  "p1",
		Credits:    10,
		Region:     "atlantis",
		Day:        1,
		Difficulty: trade.DifficultyNormal,
		UpdatedAt:  testNow,
	}
	require.NoError(t, repo.Create(context.Background(), bad))

	c := NewController("p1", economy.New(world.Default()), repo, testOptions())
	err := c.Load(context.Background())
	assert.ErrorIs(t, err, trade.ErrPersistenceFailure)
	assert.False(t, c.HasSession())
}

func TestResetOverwrites(t *testing.T) {
	repo := memory.New()
	c := newTestController(t, repo)
	newGame(t, c, trade.DifficultyNormal)
	_, _, err := c.Travel(context.Background(), "rust-belt-depot")
	require.NoError(t, err)

	s, err := c.Reset(context.Background(), trade.DifficultyEndless)
	require.NoError(t, err)
	assert.Equal(t, int64(0), s.Debt)
	assert.Equal(t, 1, s.Day)
	assert.Equal(t, "orbital-freeport", s.Region)

	stored, err := repo.Load(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, trade.DifficultyEndless, stored.Difficulty)
}

func TestNormalDifficultyScenario(t *testing.T) {
	repo := memory.New()
	c := newTestController(t, repo)
	ctx := context.Background()
	newGame(t, c, trade.DifficultyNormal)

	s, out, err := c.Purchase(ctx, "somaStitch", 300)
	require.NoError(t, err)
	assert.Equal(t, int64(700), s.Credits)
	assert.Equal(t, int64(5000), s.Debt)
	assert.Equal(t, 1, s.Day)
	assert.Equal(t, map[string]int{"somaStitch": 1}, s.Inventory)
	assert.Equal(t, "Vex", out.Merchant)

	s, _, err = c.Travel(ctx, "rust-belt-depot")
	require.NoError(t, err)
	assert.Equal(t, 2, s.Day)
	assert.Equal(t, "rust-belt-depot", s.Region)

	s, _, err = c.Pay(ctx, 700, economy.DebtPayment, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), s.Credits)
	assert.Equal(t, int64(4300), s.Debt)

	before, _ := repo.Raw("p1")
	s, _, err = c.Purchase(ctx, "pureTabs", 1)
	assert.ErrorIs(t, err, trade.ErrInsufficientFunds)
	assert.Equal(t, int64(0), s.Credits)
	after, _ := repo.Raw("p1")
	assert.Equal(t, string(before), string(after))

	current, err := c.Session()
	require.NoError(t, err)
	assert.Equal(t, int64(4300), current.Debt)
	assert.Equal(t, "Insufficient funds to complete purchase.", c.Events().Recent(1)[0].Message)

	stored, err := repo.Load(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, current, stored)
}

func TestTravelSameRegionRejected(t *testing.T) {
	c := newTestController(t, memory.New())
	newGame(t, c, trade.DifficultyNormal)

	s, _, err := c.Travel(context.Background(), "neon-bazaar")
	assert.ErrorIs(t, err, trade.ErrAlreadyThere)
	assert.Equal(t, 1, s.Day)
	assert.Equal(t, "neon-bazaar", s.Region)
}

func TestHighRiskTravelLogsWarning(t *testing.T) {
	c := newTestController(t, memory.New())
	newGame(t, c, trade.DifficultyNormal)

	_, _, err := c.Travel(context.Background(), "rust-belt-depot")
	require.NoError(t, err)

	recent := c.Events().Recent(2)
	assert.Equal(t, economy.LevelWarning, recent[0].Type)
	assert.Equal(t, economy.LevelSuccess, recent[1].Type)
	assert.Equal(t, "Traveled to Rust Belt Depot. Regional conditions updated.", recent[1].Message)
}

func TestSaveRetriedOnce(t *testing.T) {
	repo := memory.New()
	c := newTestController(t, repo)
	newGame(t, c, trade.DifficultyNormal)
	repo.FailNextSaves(1, errors.New("timeout"))

	s, _, err := c.Purchase(context.Background(), "pureTabs", 50)
	require.NoError(t, err)
	assert.Equal(t, int64(950), s.Credits)

	stored, err := repo.Load(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(950), stored.Credits)
}

func TestPersistenceFailureRollsBack(t *testing.T) {
	repo := memory.New()
	rec := &countingRecorder{}
	opts := testOptions()
	opts.Recorder = rec
	c := NewController("p1", economy.New(world.Default()), repo, opts)
	require.NoError(t, c.Load(context.Background()))
	newGame(t, c, trade.DifficultyNormal)
	before, _ := repo.Raw("p1")

	repo.FailNextSaves(2, errors.New("timeout"))
	s, _, err := c.Purchase(context.Background(), "pureTabs", 50)
	assert.ErrorIs(t, err, trade.ErrPersistenceFailure)
	assert.Equal(t, int64(1000), s.Credits)

	current, err := c.Session()
	require.NoError(t, err)
	assert.Equal(t, int64(1000), current.Credits)
	assert.Equal(t, 0, current.Quantity("pureTabs"))

	after, _ := repo.Raw("p1")
	assert.Equal(t, string(before), string(after))
	assert.Equal(t, economy.LevelError, c.Events().Recent(1)[0].Type)
	assert.Equal(t, int32(1), atomic.LoadInt32(&rec.persistFailures))

	// The flag was cleared, so the next intent goes through.
	_, _, err = c.Purchase(context.Background(), "pureTabs", 50)
	assert.NoError(t, err)
}

func TestRollbackFallsBackToPriorSession(t *testing.T) {
	inner := memory.New()
	repo := &flakyRepo{Store: inner}
	c := newTestController(t, repo)
	newGame(t, c, trade.DifficultyNormal)

	repo.failAll.Store(true)
	_, _, err := c.Travel(context.Background(), "alpine-exchange")
	assert.ErrorIs(t, err, trade.ErrPersistenceFailure)

	s, err := c.Session()
	require.NoError(t, err)
	assert.Equal(t, "neon-bazaar", s.Region)
	assert.Equal(t, 1, s.Day)
}

func TestSaveThatLandedDespiteErrorSucceeds(t *testing.T) {
	repo := &lateAckRepo{Store: memory.New()}
	c := newTestController(t, repo)
	newGame(t, c, trade.DifficultyNormal)

	repo.lateAck.Store(true)
	s, out, err := c.Purchase(context.Background(), "somaStitch", 300)
	require.NoError(t, err)
	assert.Equal(t, int64(700), s.Credits)
	assert.Equal(t, "Vex", out.Merchant)

	current, err := c.Session()
	require.NoError(t, err)
	assert.Equal(t, 1, current.Quantity("somaStitch"))
	for _, e := range c.Events().Recent(3) {
		assert.NotEqual(t, "Transaction error: the action did not take effect.", e.Message)
	}
}

func TestRollbackIgnoresInvalidStoredRecord(t *testing.T) {
	repo := &flakyRepo{Store: memory.New()}
	c := newTestController(t, repo)
	newGame(t, c, trade.DifficultyNormal)

	repo.corruptLoads.Store(true)
	repo.failSaves.Store(true)
	_, _, err := c.Travel(context.Background(), "alpine-exchange")
	assert.ErrorIs(t, err, trade.ErrPersistenceFailure)

	s, err := c.Session()
	require.NoError(t, err)
	assert.Equal(t, "neon-bazaar", s.Region)
	assert.Equal(t, "Transaction error: the action did not take effect.", c.Events().Recent(1)[0].Message)
}

func TestGuardFailureIsNotReportedAsBusy(t *testing.T) {
	opts := testOptions()
	guard := &fakeGuard{}
	opts.Guard = guard
	c := NewController("p1", economy.New(world.Default()), memory.New(), opts)
	require.NoError(t, c.EnsureLoaded(context.Background()))
	newGame(t, c, trade.DifficultyNormal)

	guard.err = errors.New("dial tcp: connection refused")
	_, _, err := c.Purchase(context.Background(), "pureTabs", 50)
	assert.ErrorIs(t, err, trade.ErrPersistenceFailure)
	assert.NotErrorIs(t, err, trade.ErrOperationInProgress)

	last := c.Events().Recent(1)[0]
	assert.Equal(t, economy.LevelError, last.Type)
	assert.Equal(t, "Transaction error: the action did not take effect.", last.Message)
}

func TestGuardedActionStartsFromStoredRecord(t *testing.T) {
	repo := memory.New()
	opts := testOptions()
	opts.Guard = &fakeGuard{}
	c := NewController("p1", economy.New(world.Default()), repo, opts)
	require.NoError(t, c.EnsureLoaded(context.Background()))
	newGame(t, c, trade.DifficultyNormal)

	// Another instance spends credits behind this controller's back.
	stored, err := repo.Load(context.Background(), "p1")
	require.NoError(t, err)
	stored.Credits = 100
	require.NoError(t, repo.Save(context.Background(), stored))

	s, _, err := c.Purchase(context.Background(), "chromeDust", 550)
	assert.ErrorIs(t, err, trade.ErrInsufficientFunds)
	assert.Equal(t, int64(100), s.Credits)

	current, err := c.Session()
	require.NoError(t, err)
	assert.Equal(t, int64(100), current.Credits)
}

func TestSaveIgnoresCallerCancellation(t *testing.T) {
	c := newTestController(t, memory.New())
	newGame(t, c, trade.DifficultyNormal)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, _, err := c.Purchase(ctx, "pureTabs", 50)
	require.NoError(t, err)
	assert.Equal(t, int64(950), s.Credits)
}

func TestSecondIntentWhileInFlightRejected(t *testing.T) {
	repo := &blockingRepo{Store: memory.New(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	c := newTestController(t, repo)
	newGame(t, c, trade.DifficultyNormal)
	repo.block.Store(true)

	var wg sync.WaitGroup
	var first error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, first = c.Purchase(context.Background(), "chromeDust", 550)
	}()

	<-repo.entered
	s, _, err := c.Purchase(context.Background(), "chromeDust", 550)
	assert.ErrorIs(t, err, trade.ErrOperationInProgress)
	assert.Equal(t, int64(1000), s.Credits, "in-flight result must not be visible before it persists")
	assert.Equal(t, "Another action is still in progress.", c.Events().Recent(1)[0].Message)
	assert.ErrorIs(t, c.Load(context.Background()), trade.ErrOperationInProgress)

	close(repo.release)
	wg.Wait()
	require.NoError(t, first)

	current, err := c.Session()
	require.NoError(t, err)
	assert.Equal(t, int64(450), current.Credits)
	assert.Equal(t, 1, current.Quantity("chromeDust"))
}

func TestRacingPurchasesExactlyOneSucceeds(t *testing.T) {
	repo := memory.New()
	c := newTestController(t, repo)
	newGame(t, c, trade.DifficultyNormal)

	const workers = 8
	var wg sync.WaitGroup
	var ok int32
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, _, err := c.Purchase(context.Background(), "chromeDust", 550); err == nil {
				atomic.AddInt32(&ok, 1)
			} else if !errors.Is(err, trade.ErrOperationInProgress) && !errors.Is(err, trade.ErrInsufficientFunds) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), ok)
	s, err := c.Session()
	require.NoError(t, err)
	assert.Equal(t, int64(450), s.Credits)
	assert.Equal(t, 1, s.Quantity("chromeDust"))
}

func TestGuardHeldElsewhere(t *testing.T) {
	opts := testOptions()
	guard := &fakeGuard{err: trade.ErrOperationInProgress}
	opts.Guard = guard
	c := NewController("p1", economy.New(world.Default()), memory.New(), opts)
	require.NoError(t, c.EnsureLoaded(context.Background()))

	_, _, err := c.NewGame(context.Background(), trade.DifficultyNormal)
	assert.ErrorIs(t, err, trade.ErrOperationInProgress)

	guard.err = nil
	newGame(t, c, trade.DifficultyNormal)
	_, _, err = c.Purchase(context.Background(), "pureTabs", 50)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&guard.released))
}

func TestStaleQuoteRejected(t *testing.T) {
	c := newTestController(t, memory.New())
	newGame(t, c, trade.DifficultyNormal)

	_, _, err := c.Purchase(context.Background(), "chromeDust", 500)
	assert.ErrorIs(t, err, trade.ErrInvalidAmount)
	assert.Equal(t, "Price has changed. Check the market and try again.", c.Events().Recent(1)[0].Message)
}

func TestTalkRotatesDialogue(t *testing.T) {
	c := newTestController(t, memory.New())
	newGame(t, c, trade.DifficultyNormal)
	ctx := context.Background()

	first, err := c.Talk(ctx, "vex")
	require.NoError(t, err)
	second, err := c.Talk(ctx, "Vex")
	require.NoError(t, err)
	third, err := c.Talk(ctx, "Vex")
	require.NoError(t, err)

	assert.Equal(t, "Hold still. This only hurts for a week.", first)
	assert.Equal(t, "I stitch first and ask questions never.", second)
	assert.Equal(t, first, third)
	assert.Equal(t, `Vex: "Hold still. This only hurts for a week."`, c.Events().Recent(1)[0].Message)

	_, err = c.Talk(ctx, "Scrap Mother")
	assert.ErrorIs(t, err, trade.ErrUnknownMerchant)
}

func TestRequestMission(t *testing.T) {
	c := newTestController(t, memory.New())
	newGame(t, c, trade.DifficultyNormal)

	require.NoError(t, c.RequestMission(context.Background(), "Juno Kade"))
	assert.Equal(t, "Requested mission from Juno Kade.", c.Events().Recent(1)[0].Message)
}

type countingRecorder struct {
	ops             int32
	persistFailures int32
}

func (r *countingRecorder) RecordOperation(string, string, time.Duration) {
	atomic.AddInt32(&r.ops, 1)
}

func (r *countingRecorder) RecordPersistFailure(string) {
	atomic.AddInt32(&r.persistFailures, 1)
}

// flakyRepo fails every call once failAll is set. failSaves fails only
// writes, and corruptLoads returns a record pointing at an unknown region.
type flakyRepo struct {
	*memory.Store
	failAll      atomic.Bool
	failSaves    atomic.Bool
	corruptLoads atomic.Bool
}

func (r *flakyRepo) Load(ctx context.Context, id string) (trade.Session, error) {
	if r.failAll.Load() {
		return trade.Session{}, errors.New("connection refused")
	}
	s, err := r.Store.Load(ctx, id)
	if err == nil && r.corruptLoads.Load() {
		s.Region = "atlantis"
	}
	return s, err
}

func (r *flakyRepo) Save(ctx context.Context, s trade.Session) error {
	if r.failAll.Load() || r.failSaves.Load() {
		return errors.New("connection refused")
	}
	return r.Store.Save(ctx, s)
}

// lateAckRepo writes the record and then reports a timeout.
type lateAckRepo struct {
	*memory.Store
	lateAck atomic.Bool
}

func (r *lateAckRepo) Save(ctx context.Context, s trade.Session) error {
	if err := r.Store.Save(ctx, s); err != nil {
		return err
	}
	if r.lateAck.Load() {
		return context.DeadlineExceeded
	}
	return nil
}

// blockingRepo parks Save until release is closed.
type blockingRepo struct {
	*memory.Store
	block   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (r *blockingRepo) Save(ctx context.Context, s trade.Session) error {
	if r.block.Load() {
		select {
		case r.entered <- struct{}{}:
		default:
		}
		<-r.release
	}
	return r.Store.Save(ctx, s)
}

// mutexGuard serialises actions the way a shared lock service does.
type mutexGuard struct {
	mu sync.Mutex
}

func (g *mutexGuard) Acquire(context.Context, string) (func(), error) {
	g.mu.Lock()
	return g.mu.Unlock, nil
}

type fakeGuard struct {
	err      error
	released int32
}

func (g *fakeGuard) Acquire(context.Context, string) (func(), error) {
	if g.err != nil {
		return nil, g.err
	}
	return func() { atomic.AddInt32(&g.released, 1) }, nil
}
