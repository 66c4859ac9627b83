// Package supabase stores sessions through the Supabase PostgREST API.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/silkroad/internal/app/storage"
	"github.com/R3E-Network/silkroad/internal/domain/trade"
)

// uniqueViolation is the Postgres SQLSTATE PostgREST reports for a
// duplicate primary key.
const uniqueViolation = "23505"

// Config holds Supabase connection settings.
type Config struct {
	URL        string
	ServiceKey string
	Table      string
}

// APIError is a non-success PostgREST response.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("supabase error: status %d", e.Status)
	}
	return fmt.Sprintf("supabase error: status %d: %s", e.Status, e.Message)
}

func parseAPIError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode}
	if gjson.ValidBytes(body) {
		res := gjson.GetManyBytes(body, "code", "message", "details")
		apiErr.Code = res[0].String()
		apiErr.Message = res[1].String()
		apiErr.Details = res[2].String()
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

// Store implements storage.SessionRepository on a PostgREST table.
type Store struct {
	config Config
	client *ResilientClient
}

var _ storage.SessionRepository = (*Store)(nil)
var _ storage.HealthChecker = (*Store)(nil)

// New creates a store. A nil client uses the default retry and breaker
// settings.
func New(config Config, client *ResilientClient) (*Store, error) {
	if config.URL == "" || config.ServiceKey == "" {
		return nil, fmt.Errorf("supabase URL and service key are required")
	}
	if config.Table == "" {
		config.Table = "player_sessions"
	}
	config.URL = strings.TrimRight(config.URL, "/")
	if client == nil {
		client = NewResilientClient(nil, DefaultRetryConfig(), DefaultCircuitBreakerConfig())
	}
	return &Store{config: config, client: client}, nil
}

// Load implements storage.SessionRepository.
func (s *Store) Load(ctx context.Context, accountID string) (trade.Session, error) {
	reqURL := fmt.Sprintf("%s?account_id=eq.%s&select=*", s.restURL(), url.QueryEscape(accountID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return trade.Session{}, err
	}
	s.setHeaders(req)
	req.Header.Set("Accept", "application/vnd.pgrst.object+json")

	resp, err := s.client.Do(req)
	if err != nil {
		return trade.Session{}, fmt.Errorf("load session %s: %w", accountID, err)
	}
	defer resp.Body.Close()

	// PostgREST answers 406 when a singular object request matches no row.
	if resp.StatusCode == http.StatusNotAcceptable {
		return trade.Session{}, storage.ErrNotFound
	}
	if resp.StatusCode >= 400 {
		return trade.Session{}, fmt.Errorf("load session %s: %w", accountID, parseAPIError(resp))
	}

	var rec storage.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return trade.Session{}, fmt.Errorf("decode session %s: %w", accountID, err)
	}
	return rec.Session()
}

// Create implements storage.SessionRepository.
func (s *Store) Create(ctx context.Context, session trade.Session) error {
	err := s.post(ctx, s.restURL(), session, "return=minimal")
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status == http.StatusConflict || apiErr.Code == uniqueViolation {
			return fmt.Errorf("account %s: %w", session.AccountID, storage.ErrAlreadyExists)
		}
	}
	if err != nil {
		return fmt.Errorf("create session %s: %w", session.AccountID, err)
	}
	return nil
}

// Save implements storage.SessionRepository as a PostgREST upsert.
func (s *Store) Save(ctx context.Context, session trade.Session) error {
	reqURL := s.restURL() + "?on_conflict=account_id"
	if err := s.post(ctx, reqURL, session, "resolution=merge-duplicates,return=minimal"); err != nil {
		return fmt.Errorf("save session %s: %w", session.AccountID, err)
	}
	return nil
}

// Health performs a minimal read against the table.
func (s *Store) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.restURL()+"?select=account_id&limit=1", nil)
	if err != nil {
		return err
	}
	s.setHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return parseAPIError(resp)
	}
	return nil
}

// ClientMetrics exposes the HTTP client's request counters.
func (s *Store) ClientMetrics() map[string]int64 {
	return s.client.Metrics()
}

func (s *Store) post(ctx context.Context, reqURL string, session trade.Session, prefer string) error {
	data, err := storage.EncodeSession(session)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	s.setHeaders(req)
	req.Header.Set("Prefer", prefer)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return parseAPIError(resp)
	}
	return nil
}

func (s *Store) restURL() string {
	return fmt.Sprintf("%s/rest/v1/%s", s.config.URL, s.config.Table)
}

func (s *Store) setHeaders(req *http.Request) {
	req.Header.Set("apikey", s.config.ServiceKey)
	req.Header.Set("Authorization", "Bearer "+s.config.ServiceKey)
	req.Header.Set("Content-Type", "application/json")
}
