// Package memory provides an in-process session repository. Records are
// kept in their canonical encoded form so behaviour matches the remote
// backends byte for byte.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/R3E-Network/silkroad/internal/app/storage"
	"github.com/R3E-Network/silkroad/internal/domain/trade"
)

// Store is a thread-safe map of account ID to encoded session.
type Store struct {
	mu      sync.RWMutex
	records map[string][]byte

	// Error injection for exercising persistence failure paths.
	failSaves int
	failErr   error
}

var _ storage.SessionRepository = (*Store)(nil)
var _ storage.HealthChecker = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{records: make(map[string][]byte)}
}

// Load implements storage.SessionRepository.
func (s *Store) Load(ctx context.Context, accountID string) (trade.Session, error) {
	if err := ctx.Err(); err != nil {
		return trade.Session{}, err
	}
	s.mu.RLock()
	data, ok := s.records[accountID]
	s.mu.RUnlock()
	if !ok {
		return trade.Session{}, storage.ErrNotFound
	}
	return storage.DecodeSession(data)
}

// Create implements storage.SessionRepository.
func (s *Store) Create(ctx context.Context, session trade.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := storage.EncodeSession(session)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[session.AccountID]; exists {
		return fmt.Errorf("account %s: %w", session.AccountID, storage.ErrAlreadyExists)
	}
	s.records[session.AccountID] = data
	return nil
}

// Save implements storage.SessionRepository.
func (s *Store) Save(ctx context.Context, session trade.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := storage.EncodeSession(session)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves > 0 {
		s.failSaves--
		return s.failErr
	}
	s.records[session.AccountID] = data
	return nil
}

// Health always succeeds.
func (s *Store) Health(context.Context) error {
	return nil
}

// Raw returns a copy of the stored bytes for an account.
func (s *Store) Raw(accountID string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.records[accountID]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true
}

// FailNextSaves makes the next n Save calls return err.
func (s *Store) FailNextSaves(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		err = fmt.Errorf("injected save failure")
	}
	s.failSaves = n
	s.failErr = err
}

// Count returns the number of stored sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
