// Package models provides the ledger records and per-tick reconciliation values.
package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/ledgerkeeper/internal/occ"
)

// Direction is the side of a position.
type Direction string

const (
	// Long is a bought position (positive broker quantity).
	Long Direction = "long"
	// Short is a sold position (negative broker quantity).
	Short Direction = "short"
)

// DirectionOf returns the direction implied by a signed broker quantity.
func DirectionOf(qty float64) Direction {
	if qty < 0 {
		return Short
	}
	return Long
}

// Sign returns +1 for long and -1 for short.
func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// TradeStatus is the lifecycle status of a ledger trade.
type TradeStatus string

const (
	// TradeOpen is a live trade.
	TradeOpen TradeStatus = "open"
	// TradeClosed is a trade with a recorded exit.
	TradeClosed TradeStatus = "closed"
)

// SourceType records who created a trade.
type SourceType string

const (
	// SourceAnalysis marks trades created by the analysis pipeline.
	SourceAnalysis SourceType = "analysis"
	// SourceDetected marks trades created by the reconciler from broker state.
	SourceDetected SourceType = "detected"
)

// Expiration actions recorded when an option closes at expiration.
const (
	ExpirationActionWorthless = "expired_worthless"
	ExpirationActionAssigned  = "assigned"
)

// Trade is a persisted ledger trade. CurrentSize is always non-negative;
// the side lives in Direction.
type Trade struct {
	ID          uint        `gorm:"primaryKey" json:"id"`
	Ticker      string      `gorm:"size:16;index;not null" json:"ticker"`
	FullSymbol  string      `gorm:"size:32;index" json:"full_symbol"`
	Direction   Direction   `gorm:"size:8;not null" json:"direction"`
	Status      TradeStatus `gorm:"size:8;index;not null" json:"status"`
	SourceType  SourceType  `gorm:"size:16" json:"source_type"`
	EntrySize   float64     `json:"entry_size"`
	CurrentSize float64     `json:"current_size"`
	EntryPrice  float64     `json:"entry_price"`
	EntryDate   time.Time   `gorm:"index" json:"entry_date"`

	// Option fields; OptionType is empty for stock trades.
	OptionType occ.OptionType `gorm:"size:4" json:"option_type,omitempty"`
	Strike     float64        `json:"strike,omitempty"`
	Expiration *time.Time     `json:"expiration,omitempty"`
	Multiplier int            `json:"multiplier,omitempty"`

	// PendingOrder is set by the execution pipeline while an order is in flight.
	PendingOrder bool `json:"pending_order"`

	ExitPrice        *float64   `json:"exit_price,omitempty"`
	ExitDate         *time.Time `json:"exit_date,omitempty"`
	ExitSource       string     `gorm:"size:32" json:"exit_source,omitempty"`
	ExpirationAction string     `gorm:"size:32" json:"expiration_action,omitempty"`
	RealizedPnL      float64    `gorm:"column:realized_pnl" json:"realized_pnl"`
	RealizedPnLPct   float64    `gorm:"column:realized_pnl_pct" json:"realized_pnl_pct"`

	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsOption reports whether the trade is an option contract.
func (t *Trade) IsOption() bool {
	return t.OptionType != ""
}

// ContractMultiplier returns shares per unit: 1 for stock, otherwise the
// trade's multiplier, falling back to the symbol's (10 for minis, else 100).
func (t *Trade) ContractMultiplier() int {
	if !t.IsOption() {
		return 1
	}
	if t.Multiplier > 0 {
		return t.Multiplier
	}
	if sym := t.OptionSymbol(); sym != nil {
		return sym.Multiplier
	}
	return occ.StandardMultiplier
}

// PositionKey is the key broker positions are matched on: the compact OCC
// symbol for options, the ticker for stocks. Padded OSI symbols are
// re-encoded so they match the broker side.
func (t *Trade) PositionKey() string {
	if t.FullSymbol != "" {
		if sym, err := occ.Parse(t.FullSymbol); err == nil {
			return sym.String()
		}
		return strings.ToUpper(strings.TrimSpace(t.FullSymbol))
	}
	if t.IsOption() && t.Expiration != nil {
		if sym, err := occ.Format(t.Ticker, *t.Expiration, t.OptionType, decimalStrike(t.Strike)); err == nil {
			return sym
		}
	}
	return strings.ToUpper(t.Ticker)
}

// OptionSymbol parses the trade's option symbol. It returns nil for stock
// trades or unparseable symbols.
func (t *Trade) OptionSymbol() *occ.Symbol {
	if !t.IsOption() {
		return nil
	}
	sym, err := occ.Parse(t.PositionKey())
	if err != nil {
		return nil
	}
	return sym
}

func decimalStrike(strike float64) decimal.Decimal {
	return decimal.NewFromFloat(strike).Round(3)
}

// TradeExit carries the fields persisted when a trade closes.
type TradeExit struct {
	Price            float64
	Source           string
	Direction        Direction
	ExpirationAction string
	RealizedPnL      float64
	RealizedPnLPct   float64
	At               time.Time
}
