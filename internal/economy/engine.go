// Package economy validates and applies the three sanctioned session
// mutations: purchase, travel and transfer. Every function is pure; nothing
// here touches storage, clocks or the network.
package economy

import (
	"fmt"

	"github.com/R3E-Network/silkroad/internal/domain/trade"
	"github.com/R3E-Network/silkroad/internal/world"
)

// Level mirrors the event log severities of the presentation layer.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
)

// Note is one human-readable line produced by an operation.
type Note struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

// Outcome describes what a successful operation did.
type Outcome struct {
	Notes []Note `json:"notes"`
	// Merchant is the attributed seller of a purchase.
	Merchant string `json:"merchant,omitempty"`
	// Price is the amount charged or paid.
	Price int64 `json:"price,omitempty"`
	// ActiveMerchants is the roster the client should surface after travel.
	ActiveMerchants []trade.Merchant `json:"active_merchants,omitempty"`
}

// Message returns the first note, which is always the primary description.
func (o Outcome) Message() string {
	if len(o.Notes) == 0 {
		return ""
	}
	return o.Notes[0].Message
}

// TransferKind selects between paying down debt and sending credits away.
type TransferKind string

const (
	DebtPayment  TransferKind = "debt_payment"
	FundTransfer TransferKind = "fund_transfer"
)

// Engine applies operations against an immutable world snapshot.
type Engine struct {
	world *world.World
}

// New returns an engine bound to w.
func New(w *world.World) *Engine {
	return &Engine{world: w}
}

// World exposes the snapshot the engine validates against.
func (e *Engine) World() *world.World {
	return e.world
}

// Quote returns the effective price of an item in a region.
func (e *Engine) Quote(itemID, regionSlug string) (int64, error) {
	item, ok := e.world.Catalog.Item(itemID)
	if !ok {
		return 0, fmt.Errorf("%w: %q", trade.ErrUnknownItem, itemID)
	}
	region, ok := e.world.Graph.Region(regionSlug)
	if !ok {
		return 0, fmt.Errorf("%w: %q", trade.ErrUnknownRegion, regionSlug)
	}
	return world.EffectivePrice(item, region), nil
}

// Purchase buys one unit of itemID at unitPrice. unitPrice must match the
// current effective price in the session's region.
func (e *Engine) Purchase(s trade.Session, itemID string, unitPrice int64) (trade.Session, Outcome, error) {
	item, ok := e.world.Catalog.Item(itemID)
	if !ok {
		return s, Outcome{}, fmt.Errorf("%w: %q", trade.ErrUnknownItem, itemID)
	}
	region, ok := e.world.Graph.Region(s.Region)
	if !ok {
		return s, Outcome{}, fmt.Errorf("%w: %q", trade.ErrUnknownRegion, s.Region)
	}
	if unitPrice < 0 {
		return s, Outcome{}, fmt.Errorf("%w: negative price %d", trade.ErrInvalidAmount, unitPrice)
	}
	if s.Credits < unitPrice {
		return s, Outcome{}, fmt.Errorf("%w: %s costs %d, have %d", trade.ErrInsufficientFunds, item.Name, unitPrice, s.Credits)
	}
	price := world.EffectivePrice(item, region)
	if unitPrice != price {
		return s, Outcome{}, fmt.Errorf("%w: quoted %d for %s, current price is %d", trade.ErrInvalidAmount, unitPrice, item.Name, price)
	}

	next := s.Clone()
	next.Credits -= price
	next.Inventory[item.ID]++

	merchant := world.MerchantName(item, region)
	return next, Outcome{
		Notes: []Note{{
			Level:   LevelSuccess,
			Message: fmt.Sprintf("Acquired %s for %d credits from %s.", item.Name, price, merchant),
		}},
		Merchant: merchant,
		Price:    price,
	}, nil
}

// Travel moves the session to destination and advances the day by one.
func (e *Engine) Travel(s trade.Session, destination string) (trade.Session, Outcome, error) {
	if destination == s.Region {
		return s, Outcome{}, fmt.Errorf("%w: %q", trade.ErrAlreadyThere, destination)
	}
	region, ok := e.world.Graph.Region(destination)
	if !ok {
		return s, Outcome{}, fmt.Errorf("%w: %q", trade.ErrUnknownRegion, destination)
	}

	next := s.Clone()
	next.Region = region.Slug
	next.Day++

	out := Outcome{
		Notes: []Note{{
			Level:   LevelSuccess,
			Message: fmt.Sprintf("Traveled to %s. Regional conditions updated.", region.Name),
		}},
		ActiveMerchants: region.Merchants,
	}
	if region.RiskLevel == trade.RiskHigh {
		out.Notes = append(out.Notes, Note{
			Level:   LevelWarning,
			Message: fmt.Sprintf("%s is a high-risk zone. Watch your cargo.", region.Name),
		})
	}
	return next, out, nil
}

// Transfer pays debt or sends credits. Only the sender is debited.
func (e *Engine) Transfer(s trade.Session, amount int64, kind TransferKind, recipient string) (trade.Session, Outcome, error) {
	if amount <= 0 {
		return s, Outcome{}, fmt.Errorf("%w: %d", trade.ErrInvalidAmount, amount)
	}

	switch kind {
	case DebtPayment:
		if s.Debt == 0 {
			return s, Outcome{}, fmt.Errorf("%w: no outstanding debt", trade.ErrInvalidAmount)
		}
		if s.Credits == 0 {
			return s, Outcome{}, fmt.Errorf("%w: no credits to pay with", trade.ErrInsufficientFunds)
		}
		paid := min(amount, s.Credits, s.Debt)
		next := s.Clone()
		next.Credits -= paid
		next.Debt -= paid
		msg := fmt.Sprintf("Paid %d credits toward debt. Remaining debt: %d.", paid, next.Debt)
		if next.Debt == 0 {
			msg = fmt.Sprintf("Paid %d credits. Debt cleared.", paid)
		}
		return next, Outcome{Notes: []Note{{Level: LevelSuccess, Message: msg}}, Price: paid}, nil

	case FundTransfer:
		if s.Credits < amount {
			return s, Outcome{}, fmt.Errorf("%w: transfer of %d, have %d", trade.ErrInsufficientFunds, amount, s.Credits)
		}
		next := s.Clone()
		next.Credits -= amount
		to := recipient
		if to == "" {
			to = "unnamed recipient"
		}
		return next, Outcome{
			Notes: []Note{{Level: LevelSuccess, Message: fmt.Sprintf("Transferred %d credits to %s.", amount, to)}},
			Price: amount,
		}, nil
	}

	return s, Outcome{}, fmt.Errorf("%w: unknown transfer kind %q", trade.ErrInvalidAmount, kind)
}
