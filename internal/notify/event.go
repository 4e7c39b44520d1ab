// Package notify delivers reconciler events to humans. Producers call
// Notify and move on; delivery happens on the Dispatcher's worker.
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority orders notifications by urgency.
type Priority int

// Priorities used by the reconcilers.
const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Event kinds.
const (
	KindPositionClosed     = "position_closed"
	KindPositionDetected   = "position_detected"
	KindWatchlistTriggered = "watchlist_triggered"
	KindWatchlistInvalid   = "watchlist_invalidated"
	KindOptionExpired      = "option_expired"
	KindOptionExpiring     = "option_expiring"
	KindAssignment         = "possible_assignment"
)

// Event is one notification.
type Event struct {
	ID        uuid.UUID         `json:"id"`
	Kind      string            `json:"kind"`
	Priority  Priority          `json:"priority"`
	Ticker    string            `json:"ticker,omitempty"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// NewEvent builds an Event with a fresh ID.
func NewEvent(kind string, priority Priority, ticker, title, message string) Event {
	return Event{
		ID:        uuid.New(),
		Kind:      kind,
		Priority:  priority,
		Ticker:    strings.ToUpper(ticker),
		Title:     title,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
}

// With returns a copy of e with an extra field.
func (e Event) With(key, value string) Event {
	fields := make(map[string]string, len(e.Fields)+1)
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields[key] = value
	e.Fields = fields
	return e
}

// Text renders the event as a plain message.
func (e Event) Text() string {
	var b strings.Builder
	if e.Priority >= PriorityHigh {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(e.Priority.String()))
		b.WriteString("] ")
	}
	b.WriteString(e.Title)
	if e.Message != "" {
		b.WriteString("\n")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Notifier accepts events without blocking.
type Notifier interface {
	Notify(e Event)
}

// Nop discards every event.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(Event) {}
