package models

import (
	"math"

	"github.com/eddiefleurent/ledgerkeeper/internal/occ"
)

// BrokerPosition is one normalized, aggregated broker position for a tick.
type BrokerPosition struct {
	// Key is the OCC symbol for options and the ticker for stocks.
	Key        string
	Underlying string
	RawSymbol  string
	// Quantity is signed: positive long, negative short.
	Quantity float64
	// AvgCost is per share for stock and per-share premium for options.
	AvgCost       float64
	MarketValue   float64
	UnrealizedPnL float64
	Option        *occ.Symbol
}

// IsOption reports whether the position is an option contract.
func (p *BrokerPosition) IsOption() bool {
	return p.Option != nil
}

// Multiplier returns the contract multiplier, 1 for stock.
func (p *BrokerPosition) Multiplier() int {
	if p.Option != nil {
		return p.Option.Multiplier
	}
	return 1
}

// Direction returns the side of the position.
func (p *BrokerPosition) Direction() Direction {
	return DirectionOf(p.Quantity)
}

// DeltaAction is the mutation a delta asks for.
type DeltaAction string

const (
	ActionClosed   DeltaAction = "closed"
	ActionPartial  DeltaAction = "partial"
	ActionIncrease DeltaAction = "increase"
)

// PositionDelta is one difference between broker and ledger found in a tick.
type PositionDelta struct {
	Ticker        string      `json:"ticker"`
	FullSymbol    string      `json:"full_symbol"`
	TradeID       uint        `json:"trade_id"`
	Action        DeltaAction `json:"action"`
	DBSize        float64     `json:"db_size"`
	IBSize        float64     `json:"ib_size"`
	Direction     Direction   `json:"direction"`
	BrokerAvgCost float64     `json:"broker_avg_cost"`
	LastPrice     float64     `json:"last_price,omitempty"`
	// IsNew is set when the broker position has no ledger trade at all.
	IsNew bool `json:"is_new"`

	// Broker references the position that produced this delta. It is only
	// valid for the tick that built it and is never persisted.
	Broker *BrokerPosition `json:"-"`
}

// SizeDifference is |IBSize - DBSize| rounded to 4 places.
func (d PositionDelta) SizeDifference() float64 {
	return math.Round(math.Abs(d.IBSize-d.DBSize)*1e4) / 1e4
}

// Multiplier returns the contract multiplier of the delta's position.
func (d PositionDelta) Multiplier() int {
	if d.Broker != nil {
		return d.Broker.Multiplier()
	}
	if sym, err := occ.Parse(d.FullSymbol); err == nil {
		return sym.Multiplier
	}
	return 1
}
