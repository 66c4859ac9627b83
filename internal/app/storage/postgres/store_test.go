package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/R3E-Network/silkroad/internal/app/storage"
	"github.com/R3E-Network/silkroad/internal/domain/trade"
)

var sessionColumns = []string{"account_id", "credits", "debt", "region", "day", "inventory", "difficulty", "updated_at"}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func testSession() trade.Session {
	return trade.Session{
		AccountID:  "p1",
		Credits:    700,
		Debt:       5000,
		Region:     "neon-bazaar",
		Day:        2,
		Inventory:  map[string]int{"somaStitch": 1},
		Difficulty: trade.DifficultyNormal,
		UpdatedAt:  time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
	}
}

func TestLoad(t *testing.T) {
	store, mock := newMockStore(t)
	s := testSession()

	mock.ExpectQuery("SELECT account_id, credits, debt, region, day, inventory, difficulty, updated_at FROM player_sessions").
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows(sessionColumns).
			AddRow(s.AccountID, s.Credits, s.Debt, s.Region, s.Day, []byte(`{"somaStitch":1}`), "normal", s.UpdatedAt))

	got, err := store.Load(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Load() err = %v", err)
	}
	if got.Credits != 700 || got.Quantity("somaStitch") != 1 || got.Difficulty != trade.DifficultyNormal {
		t.Fatalf("Load() = %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLoadNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM player_sessions").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(sessionColumns))

	if _, err := store.Load(context.Background(), "ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Load() err = %v, want ErrNotFound", err)
	}
}

func TestLoadQueryError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM player_sessions").WillReturnError(sql.ErrConnDone)

	_, err := store.Load(context.Background(), "p1")
	if !errors.Is(err, sql.ErrConnDone) {
		t.Fatalf("Load() err = %v, want ErrConnDone", err)
	}
}

func TestCreate(t *testing.T) {
	store, mock := newMockStore(t)
	s := testSession()

	mock.ExpectExec("INSERT INTO player_sessions .* ON CONFLICT \\(account_id\\) DO NOTHING").
		WithArgs("p1", int64(700), int64(5000), "neon-bazaar", 2, `{"somaStitch":1}`, "normal", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Create(context.Background(), s); err != nil {
		t.Fatalf("Create() err = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateConflict(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("DO NOTHING").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Create(context.Background(), testSession()); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("Create() err = %v, want ErrAlreadyExists", err)
	}
}

func TestSaveOverwrites(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("ON CONFLICT \\(account_id\\) DO UPDATE SET").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Save(context.Background(), testSession()); err != nil {
		t.Fatalf("Save() err = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveError(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("connection reset")
	mock.ExpectExec("DO UPDATE SET").WillReturnError(boom)

	if err := store.Save(context.Background(), testSession()); !errors.Is(err, boom) {
		t.Fatalf("Save() err = %v, want boom", err)
	}
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	store := New(db)
	ctx := context.Background()
	s := testSession()
	s.AccountID = "integration-" + time.Now().Format("150405.000000")

	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, s); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("second create err = %v, want ErrAlreadyExists", err)
	}
	loaded, err := store.Load(ctx, s.AccountID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := store.Save(ctx, loaded); err != nil {
		t.Fatalf("save: %v", err)
	}
	again, err := store.Load(ctx, s.AccountID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	a, _ := storage.EncodeSession(loaded)
	b, _ := storage.EncodeSession(again)
	if string(a) != string(b) {
		t.Fatalf("round trip changed record:\n%s\n%s", a, b)
	}
}
