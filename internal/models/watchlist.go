package models

import (
	"fmt"
	"time"
)

// WatchlistStatus is the lifecycle status of a watchlist entry.
type WatchlistStatus string

const (
	WatchlistActive      WatchlistStatus = "active"      // Being monitored
	WatchlistTriggered   WatchlistStatus = "triggered"   // Entry condition met
	WatchlistInvalidated WatchlistStatus = "invalidated" // Thesis invalidated
	WatchlistExpired     WatchlistStatus = "expired"     // Past expires_at
)

// IsTerminal reports whether no further transitions are allowed.
func (s WatchlistStatus) IsTerminal() bool {
	return s != WatchlistActive
}

// StatusTransition defines a valid watchlist status transition
type StatusTransition struct {
	From        WatchlistStatus
	To          WatchlistStatus
	Description string
}

// ValidTransitions lists every allowed transition. Non-active statuses are terminal.
var ValidTransitions = []StatusTransition{
	{WatchlistActive, WatchlistTriggered, "Entry trigger condition met"},
	{WatchlistActive, WatchlistInvalidated, "Invalidation condition met"},
	{WatchlistActive, WatchlistExpired, "Entry passed its expiry"},
}

// ValidateTransition returns an error if from -> to is not in ValidTransitions.
func ValidateTransition(from, to WatchlistStatus) error {
	for _, tr := range ValidTransitions {
		if tr.From == from && tr.To == to {
			return nil
		}
	}
	return fmt.Errorf("invalid watchlist transition from %s to %s", from, to)
}

// WatchlistEntry is a persisted watchlist item. The numeric prices are
// shortcuts used when the matching text condition is empty.
type WatchlistEntry struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	Ticker            string          `gorm:"size:16;index;not null" json:"ticker"`
	EntryTrigger      string          `json:"entry_trigger,omitempty"`
	Invalidation      string          `json:"invalidation,omitempty"`
	EntryPrice        *float64        `json:"entry_price,omitempty"`
	InvalidationPrice *float64        `json:"invalidation_price,omitempty"`
	Status            WatchlistStatus `gorm:"size:16;index;not null" json:"status"`
	Notes             string          `json:"notes,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// IsExpired reports whether the entry's expiry is at or before now.
func (e *WatchlistEntry) IsExpired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}
