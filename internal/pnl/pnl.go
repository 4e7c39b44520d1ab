// Package pnl implements signed option and stock P&L, max-loss and moneyness math.
package pnl

import (
	"math"

	"github.com/eddiefleurent/ledgerkeeper/internal/occ"
)

// Result is a realized or unrealized P&L figure.
type Result struct {
	Dollars float64 `json:"dollars"`
	Pct     float64 `json:"pct"`
}

// Loss is a worst-case loss. Unlimited is set for short calls, where
// Amount carries no meaning.
type Loss struct {
	Amount    float64 `json:"amount"`
	Unlimited bool    `json:"unlimited"`
}

// Calculate returns the P&L of closing a position opened at entry and closed at
// exit. Short positions profit when exit < entry. Pct is 0 when entry is 0.
func Calculate(entry, exit, contracts float64, multiplier int, isShort bool) Result {
	diff := exit - entry
	if isShort {
		diff = entry - exit
	}

	res := Result{Dollars: diff * contracts * float64(multiplier)}
	if entry != 0 {
		res.Pct = diff / entry * 100
	}
	return res
}

// MaxLoss returns the worst-case loss of an option position.
// Long options lose at most the premium paid. Short puts lose strike minus
// premium if the underlying goes to zero. Short calls are unbounded.
func MaxLoss(premium, contracts float64, multiplier int, optType occ.OptionType, strike float64, isShort bool) Loss {
	mult := float64(multiplier)
	premiumTotal := premium * contracts * mult

	if !isShort {
		return Loss{Amount: premiumTotal}
	}
	if optType == occ.Call {
		return Loss{Unlimited: true}
	}
	return Loss{Amount: strike*mult*contracts - premiumTotal}
}

// IsITM reports whether the option is in the money. At the money is not.
func IsITM(optType occ.OptionType, strike, spot float64) bool {
	switch optType {
	case occ.Call:
		return spot > strike
	case occ.Put:
		return spot < strike
	default:
		return false
	}
}

// IsOTM reports whether the option is out of the money, at the money included.
func IsOTM(optType occ.OptionType, strike, spot float64) bool {
	return !IsITM(optType, strike, spot)
}

// IntrinsicValue returns the exercise value of one contract.
func IntrinsicValue(optType occ.OptionType, strike, spot float64, multiplier int) float64 {
	var v float64
	switch optType {
	case occ.Call:
		v = math.Max(0, spot-strike)
	case occ.Put:
		v = math.Max(0, strike-spot)
	}
	return v * float64(multiplier)
}
