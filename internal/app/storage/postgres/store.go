// Package postgres stores sessions in a PostgreSQL table.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/silkroad/internal/app/storage"
	"github.com/R3E-Network/silkroad/internal/domain/trade"
)

// Store implements storage.SessionRepository backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.SessionRepository = (*Store)(nil)
var _ storage.HealthChecker = (*Store)(nil)

// New wraps an existing database handle.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

type sessionRow struct {
	AccountID  string    `db:"account_id"`
	Credits    int64     `db:"credits"`
	Debt       int64     `db:"debt"`
	Region     string    `db:"region"`
	Day        int       `db:"day"`
	Inventory  []byte    `db:"inventory"`
	Difficulty string    `db:"difficulty"`
	UpdatedAt  time.Time `db:"updated_at"`
}

const selectSession = `
	SELECT account_id, credits, debt, region, day, inventory, difficulty, updated_at
	FROM player_sessions
	WHERE account_id = $1`

const insertSession = `
	INSERT INTO player_sessions (account_id, credits, debt, region, day, inventory, difficulty, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (account_id) DO NOTHING`

const upsertSession = `
	INSERT INTO player_sessions (account_id, credits, debt, region, day, inventory, difficulty, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (account_id) DO UPDATE SET
		credits = EXCLUDED.credits,
		debt = EXCLUDED.debt,
		region = EXCLUDED.region,
		day = EXCLUDED.day,
		inventory = EXCLUDED.inventory,
		difficulty = EXCLUDED.difficulty,
		updated_at = EXCLUDED.updated_at`

// Load implements storage.SessionRepository.
func (s *Store) Load(ctx context.Context, accountID string) (trade.Session, error) {
	var row sessionRow
	if err := s.db.GetContext(ctx, &row, selectSession, accountID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return trade.Session{}, storage.ErrNotFound
		}
		return trade.Session{}, fmt.Errorf("load session %s: %w", accountID, err)
	}

	inventory := map[string]int{}
	if len(row.Inventory) > 0 {
		if err := json.Unmarshal(row.Inventory, &inventory); err != nil {
			return trade.Session{}, fmt.Errorf("decode inventory for %s: %w", accountID, err)
		}
	}
	return trade.Session{
		AccountID:  row.AccountID,
		Credits:    row.Credits,
		Debt:       row.Debt,
		Region:     row.Region,
		Day:        row.Day,
		Inventory:  inventory,
		Difficulty: trade.Difficulty(row.Difficulty),
		UpdatedAt:  row.UpdatedAt.UTC(),
	}, nil
}

// Create implements storage.SessionRepository. The insert is a single
// statement so two concurrent first starts cannot both create a record.
func (s *Store) Create(ctx context.Context, session trade.Session) error {
	args, err := sessionArgs(session)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, insertSession, args...)
	if err != nil {
		return fmt.Errorf("create session %s: %w", session.AccountID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create session %s: %w", session.AccountID, err)
	}
	if n == 0 {
		return fmt.Errorf("account %s: %w", session.AccountID, storage.ErrAlreadyExists)
	}
	return nil
}

// Save implements storage.SessionRepository.
func (s *Store) Save(ctx context.Context, session trade.Session) error {
	args, err := sessionArgs(session)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, upsertSession, args...); err != nil {
		return fmt.Errorf("save session %s: %w", session.AccountID, err)
	}
	return nil
}

// Health pings the database.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func sessionArgs(session trade.Session) ([]interface{}, error) {
	rec := storage.ToRecord(session)
	inventory, err := json.Marshal(rec.Inventory)
	if err != nil {
		return nil, fmt.Errorf("encode inventory: %w", err)
	}
	return []interface{}{
		rec.AccountID,
		rec.Credits,
		rec.Debt,
		rec.Region,
		rec.Day,
		string(inventory),
		rec.Difficulty,
		session.UpdatedAt.UTC(),
	}, nil
}
