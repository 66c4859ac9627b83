package trade

import (
	"fmt"
	"strings"
	"time"
)

// Difficulty is fixed at session creation.
type Difficulty string

const (
	DifficultyEasy    Difficulty = "easy"
	DifficultyNormal  Difficulty = "normal"
	DifficultyHard    Difficulty = "hard"
	DifficultyEndless Difficulty = "endless"
)

// DifficultySettings are the starting values of a new game.
type DifficultySettings struct {
	Difficulty  Difficulty `json:"difficulty"`
	Credits     int64      `json:"credits"`
	Debt        int64      `json:"debt"`
	Region      string     `json:"region"`
	Description string     `json:"description"`
}

var difficulties = []DifficultySettings{
	{
		Difficulty:  DifficultyEasy,
		Credits:     1500,
		Debt:        3000,
		Region:      "alpine-exchange",
		Description: "Lower debt, more item availability, slower market volatility.",
	},
	{
		Difficulty:  DifficultyNormal,
		Credits:     1000,
		Debt:        5000,
		Region:      "neon-bazaar",
		Description: "Standard debt, balanced supply/demand, regular challenge.",
	},
	{
		Difficulty:  DifficultyHard,
		Credits:     750,
		Debt:        8000,
		Region:      "rust-belt-depot",
		Description: "High debt, scarce inventory, frequent risk events.",
	},
	{
		Difficulty:  DifficultyEndless,
		Credits:     1000,
		Debt:        0,
		Region:      "orbital-freeport",
		Description: "No debt. Pure survival. Trade forever, no win condition.",
	},
}

// Difficulties returns the starting-value table in display order.
func Difficulties() []DifficultySettings {
	out := make([]DifficultySettings, len(difficulties))
	copy(out, difficulties)
	return out
}

// ParseDifficulty resolves a case-insensitive difficulty name.
func ParseDifficulty(raw string) (Difficulty, error) {
	d := Difficulty(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := SettingsFor(d); !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownDifficulty, raw)
	}
	return d, nil
}

// SettingsFor returns the starting values for d.
func SettingsFor(d Difficulty) (DifficultySettings, bool) {
	for _, s := range difficulties {
		if s.Difficulty == d {
			return s, true
		}
	}
	return DifficultySettings{}, false
}

// Session is the persisted progress of one player. It is the only mutable
// entity in the game.
type Session struct {
	AccountID  string         `json:"account_id"`
	Credits    int64          `json:"credits"`
	Debt       int64          `json:"debt"`
	Region     string         `json:"region"`
	Day        int            `json:"day"`
	Inventory  map[string]int `json:"inventory"`
	Difficulty Difficulty     `json:"difficulty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// NewSession builds a day-one session from the difficulty table. region
// overrides the table's starting region when non-empty.
func NewSession(accountID string, d Difficulty, region string, now time.Time) (Session, error) {
	settings, ok := SettingsFor(d)
	if !ok {
		return Session{}, fmt.Errorf("%w: %q", ErrUnknownDifficulty, d)
	}
	if region == "" {
		region = settings.Region
	}
	return Session{
		AccountID:  accountID,
		Credits:    settings.Credits,
		Debt:       settings.Debt,
		Region:     region,
		Day:        1,
		Inventory:  map[string]int{},
		Difficulty: d,
		UpdatedAt:  now.UTC(),
	}, nil
}

// Clone returns a deep copy so callers can mutate without aliasing the
// inventory map.
func (s Session) Clone() Session {
	out := s
	out.Inventory = make(map[string]int, len(s.Inventory))
	for k, v := range s.Inventory {
		out.Inventory[k] = v
	}
	return out
}

// Quantity returns the owned quantity of an item.
func (s Session) Quantity(itemID string) int {
	return s.Inventory[itemID]
}

// RegionResolver answers whether a region slug exists.
type RegionResolver interface {
	HasRegion(slug string) bool
}

// Validate checks the session invariants against a region graph.
func (s Session) Validate(regions RegionResolver) error {
	if s.AccountID == "" {
		return fmt.Errorf("session: account id is required")
	}
	if s.Credits < 0 {
		return fmt.Errorf("session %s: negative credits %d", s.AccountID, s.Credits)
	}
	if s.Debt < 0 {
		return fmt.Errorf("session %s: negative debt %d", s.AccountID, s.Debt)
	}
	if s.Day < 1 {
		return fmt.Errorf("session %s: day %d below 1", s.AccountID, s.Day)
	}
	if _, ok := SettingsFor(s.Difficulty); !ok {
		return fmt.Errorf("session %s: %w %q", s.AccountID, ErrUnknownDifficulty, s.Difficulty)
	}
	for id, qty := range s.Inventory {
		if qty <= 0 {
			return fmt.Errorf("session %s: non-positive quantity %d for %s", s.AccountID, qty, id)
		}
	}
	if regions != nil && !regions.HasRegion(s.Region) {
		return fmt.Errorf("session %s: %w %q", s.AccountID, ErrUnknownRegion, s.Region)
	}
	return nil
}
