package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrTradeClosed is returned when closing or resizing a trade that is not open.
	ErrTradeClosed = errors.New("trade is not open")
	// ErrInvalidTransition is returned for a watchlist status change out of a terminal status.
	ErrInvalidTransition = errors.New("invalid watchlist status transition")
	// ErrDuplicateDetection is returned by RecordDetectedTrade when a same-day
	// detection with a similar size already exists for the symbol.
	ErrDuplicateDetection = errors.New("position already detected today")
)
