// Package trade defines the data model shared by the catalog, the economy
// engine and the session controller.
package trade

import "strings"

// Rarity classifies catalog items.
type Rarity string

const (
	RarityCommon   Rarity = "common"
	RarityUncommon Rarity = "uncommon"
	RarityRare     Rarity = "rare"
	RarityIllegal  Rarity = "illegal"
)

// Valid reports whether r is a known rarity.
func (r Rarity) Valid() bool {
	switch r {
	case RarityCommon, RarityUncommon, RarityRare, RarityIllegal:
		return true
	}
	return false
}

// RiskLevel is the danger rating of a region. It only drives UI warnings.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskHigh     RiskLevel = "high"
)

// Valid reports whether l is a known risk level.
func (l RiskLevel) Valid() bool {
	switch l {
	case RiskLow, RiskModerate, RiskHigh:
		return true
	}
	return false
}

// Item is an immutable catalog entry.
type Item struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Category    string         `json:"category" yaml:"category"`
	BasePrice   int64          `json:"base_price" yaml:"base_price"`
	Rarity      Rarity         `json:"rarity" yaml:"rarity"`
	StatEffects map[string]int `json:"stat_effects,omitempty" yaml:"stat_effects"`
	Description string         `json:"description" yaml:"description"`
}

// Coordinates place a region on the 1000x500 virtual map canvas.
type Coordinates struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

// Merchant is an NPC trader bound to a region.
type Merchant struct {
	Name      string   `json:"name" yaml:"name"`
	Title     string   `json:"title" yaml:"title"`
	Specialty string   `json:"specialty" yaml:"specialty"`
	Dialogue  []string `json:"dialogue" yaml:"dialogue"`
}

// SpecialtyTerms splits the specialty on commas into trimmed, lower-cased terms.
func (m Merchant) SpecialtyTerms() []string {
	parts := strings.Split(m.Specialty, ",")
	terms := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			terms = append(terms, p)
		}
	}
	return terms
}

// Region is an immutable travel destination.
type Region struct {
	Slug           string             `json:"slug" yaml:"slug"`
	Name           string             `json:"name" yaml:"name"`
	RiskLevel      RiskLevel          `json:"risk_level" yaml:"risk_level"`
	Theme          string             `json:"theme" yaml:"theme"`
	Coordinates    Coordinates        `json:"coordinates" yaml:"coordinates"`
	PriceModifiers map[string]float64 `json:"price_modifiers,omitempty" yaml:"price_modifiers"`
	Merchants      []Merchant         `json:"merchants" yaml:"merchants"`
}

// Modifier returns the price multiplier for a category, 1.0 when unset.
func (r Region) Modifier(category string) float64 {
	if m, ok := r.PriceModifiers[category]; ok {
		return m
	}
	return 1.0
}
