package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/R3E-Network/silkroad/internal/domain/trade"
)

// Record is the persisted shape of a session. Field order is fixed and
// encoding/json sorts inventory keys, so equal sessions encode to equal
// bytes.
type Record struct {
	AccountID  string         `json:"account_id"`
	Credits    int64          `json:"credits"`
	Debt       int64          `json:"debt"`
	Region     string         `json:"region"`
	Day        int            `json:"day"`
	Inventory  map[string]int `json:"inventory"`
	Difficulty string         `json:"difficulty"`
	UpdatedAt  string         `json:"updated_at"`
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ToRecord normalises a session into its persisted form.
func ToRecord(s trade.Session) Record {
	inv := make(map[string]int, len(s.Inventory))
	for k, v := range s.Inventory {
		if v > 0 {
			inv[k] = v
		}
	}
	return Record{
		AccountID:  s.AccountID,
		Credits:    s.Credits,
		Debt:       s.Debt,
		Region:     s.Region,
		Day:        s.Day,
		Inventory:  inv,
		Difficulty: string(s.Difficulty),
		UpdatedAt:  s.UpdatedAt.UTC().Format(timeLayout),
	}
}

// Session converts the record back into a domain session.
func (r Record) Session() (trade.Session, error) {
	ts, err := parseTime(r.UpdatedAt)
	if err != nil {
		return trade.Session{}, err
	}
	inv := r.Inventory
	if inv == nil {
		inv = map[string]int{}
	}
	return trade.Session{
		AccountID:  r.AccountID,
		Credits:    r.Credits,
		Debt:       r.Debt,
		Region:     r.Region,
		Day:        r.Day,
		Inventory:  inv,
		Difficulty: trade.Difficulty(r.Difficulty),
		UpdatedAt:  ts,
	}, nil
}

// EncodeSession returns the canonical JSON bytes of a session.
func EncodeSession(s trade.Session) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(ToRecord(s)); err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// DecodeSession parses canonical JSON bytes.
func DecodeSession(data []byte) (trade.Session, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return trade.Session{}, fmt.Errorf("decode session: %w", err)
	}
	return r.Session()
}

func parseTime(raw string) (ts time.Time, err error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("decode session: missing updated_at")
	}
	if ts, err = time.Parse(timeLayout, raw); err == nil {
		return ts.UTC(), nil
	}
	if ts, err = time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("decode session: bad updated_at %q: %w", raw, err)
}
