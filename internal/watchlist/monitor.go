// Package watchlist moves active watchlist entries to a terminal status when
// they expire, are invalidated, or trigger.
package watchlist

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/ledgerkeeper/internal/broker"
	"github.com/eddiefleurent/ledgerkeeper/internal/metrics"
	"github.com/eddiefleurent/ledgerkeeper/internal/models"
	"github.com/eddiefleurent/ledgerkeeper/internal/notify"
	"github.com/eddiefleurent/ledgerkeeper/internal/settings"
	"github.com/eddiefleurent/ledgerkeeper/internal/storage"
	"github.com/eddiefleurent/ledgerkeeper/internal/trigger"
)

// EventType is what happened to an entry during a check.
type EventType string

const (
	EventExpired     EventType = "expired"
	EventInvalidated EventType = "invalidated"
	EventTriggered   EventType = "triggered"
	EventError       EventType = "error"
)

// Event records one entry outcome.
type Event struct {
	EntryID uint      `json:"entry_id"`
	Ticker  string    `json:"ticker"`
	Type    EventType `json:"type"`
	Reason  string    `json:"reason"`
	Price   float64   `json:"price,omitempty"`
}

// Results summarizes one CheckEntries call.
type Results struct {
	Checked     int     `json:"checked"`
	Triggered   int     `json:"triggered"`
	Invalidated int     `json:"invalidated"`
	Expired     int     `json:"expired"`
	Errors      int     `json:"errors"`
	Events      []Event `json:"events"`
}

func (r *Results) add(e Event) {
	switch e.Type {
	case EventTriggered:
		r.Triggered++
	case EventInvalidated:
		r.Invalidated++
	case EventExpired:
		r.Expired++
	case EventError:
		r.Errors++
	}
	r.Events = append(r.Events, e)
}

// Monitor checks the active watchlist once per tick.
type Monitor struct {
	store    storage.Interface
	quotes   broker.QuoteSource
	engine   *trigger.Engine
	notifier notify.Notifier
	settings settings.Provider
	logger   logrus.FieldLogger
	now      func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Monitor) { m.logger = l }
}

// NewMonitor creates a Monitor. The engine is owned by the caller so its
// hysteresis counters outlive individual ticks.
func NewMonitor(
	store storage.Interface,
	quotes broker.QuoteSource,
	engine *trigger.Engine,
	notifier notify.Notifier,
	provider settings.Provider,
	opts ...Option,
) *Monitor {
	m := &Monitor{
		store:    store,
		quotes:   quotes,
		engine:   engine,
		notifier: notifier,
		settings: provider,
		logger:   logrus.StandardLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.notifier == nil {
		m.notifier = notify.Nop{}
	}
	if m.settings == nil {
		m.settings = settings.Static(settings.Defaults())
	}
	m.logger = m.logger.WithField("component", "watchlist")
	return m
}

// CheckEntries evaluates every active entry. Only a failure to load the
// watchlist is returned as an error; per-entry failures become error events.
func (m *Monitor) CheckEntries(ctx context.Context) (*Results, error) {
	start := time.Now()
	defer metrics.ObserveTick("watchlist", start)

	s := m.settings.Current()
	m.engine.Configure(s.TriggerTolerancePct, s.SupportHoldPeriods)

	entries, err := m.store.GetActiveWatchlist(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading active watchlist: %w", err)
	}
	res := &Results{}
	if len(entries) == 0 {
		return res, nil
	}

	now := m.now()
	quotes := m.fetchQuotes(ctx, entries, now)

	stillActive := make(map[string]bool)
	finished := make(map[string]bool)
	for i := range entries {
		e := &entries[i]
		res.Checked++
		ev, moved := m.checkEntry(ctx, e, quotes[strings.ToUpper(e.Ticker)], now)
		if ev != nil {
			res.add(*ev)
		}
		if moved {
			finished[strings.ToUpper(e.Ticker)] = true
		} else {
			stillActive[strings.ToUpper(e.Ticker)] = true
		}
	}

	for ticker := range finished {
		if !stillActive[ticker] {
			m.engine.Forget(ticker)
		}
	}

	m.logger.WithFields(logrus.Fields{
		"checked":     res.Checked,
		"triggered":   res.Triggered,
		"invalidated": res.Invalidated,
		"expired":     res.Expired,
		"errors":      res.Errors,
	}).Info("watchlist check complete")
	return res, nil
}

// fetchQuotes gets quotes for the tickers of every unexpired entry in one call.
func (m *Monitor) fetchQuotes(ctx context.Context, entries []models.WatchlistEntry, now time.Time) map[string]*broker.Quote {
	seen := make(map[string]bool)
	var tickers []string
	for i := range entries {
		if entries[i].IsExpired(now) {
			continue
		}
		t := strings.ToUpper(entries[i].Ticker)
		if !seen[t] {
			seen[t] = true
			tickers = append(tickers, t)
		}
	}
	if len(tickers) == 0 {
		return nil
	}
	quotes, err := m.quotes.GetQuotesBatchCtx(ctx, tickers)
	if err != nil {
		metrics.ReconcileErrorsTotal.WithLabelValues("watchlist").Inc()
		m.logger.WithError(err).WithField("tickers", len(tickers)).Warn("batch quote fetch failed, price checks will not fire this tick")
		return nil
	}
	return quotes
}

// checkEntry runs the ordered checks for one entry. It reports whether the
// entry left the active status.
func (m *Monitor) checkEntry(ctx context.Context, e *models.WatchlistEntry, quote *broker.Quote, now time.Time) (ev *Event, moved bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ReconcileErrorsTotal.WithLabelValues("watchlist").Inc()
			m.logger.WithFields(logrus.Fields{"entry_id": e.ID, "ticker": e.Ticker, "panic": r}).Error("watchlist entry check panicked")
			ev = &Event{EntryID: e.ID, Ticker: e.Ticker, Type: EventError, Reason: fmt.Sprintf("panic: %v", r)}
			moved = false
		}
	}()

	status, reason := m.classify(e, quote, now)
	if status == models.WatchlistActive {
		return nil, false
	}

	if err := m.store.UpdateWatchlistStatus(ctx, e.ID, status, reason); err != nil {
		metrics.ReconcileErrorsTotal.WithLabelValues("watchlist").Inc()
		m.logger.WithError(err).WithFields(logrus.Fields{"entry_id": e.ID, "ticker": e.Ticker, "status": status}).Error("failed to persist watchlist transition")
		return &Event{EntryID: e.ID, Ticker: e.Ticker, Type: EventError, Reason: err.Error()}, false
	}
	metrics.WatchlistTransitionsTotal.WithLabelValues(string(status)).Inc()

	price, _ := quote.LastPrice()
	out := &Event{EntryID: e.ID, Ticker: e.Ticker, Reason: reason, Price: price}
	log := m.logger.WithFields(logrus.Fields{"entry_id": e.ID, "ticker": e.Ticker, "reason": reason})

	switch status {
	case models.WatchlistExpired:
		out.Type = EventExpired
		log.Info("watchlist entry expired")

	case models.WatchlistInvalidated:
		out.Type = EventInvalidated
		log.Info("watchlist entry invalidated")
		m.notifier.Notify(notify.NewEvent(notify.KindWatchlistInvalid, notify.PriorityMedium, e.Ticker,
			fmt.Sprintf("%s watchlist idea invalidated", strings.ToUpper(e.Ticker)), reason))

	case models.WatchlistTriggered:
		out.Type = EventTriggered
		log.Info("watchlist entry triggered")
		m.notifier.Notify(notify.NewEvent(notify.KindWatchlistTriggered, notify.PriorityHigh, e.Ticker,
			fmt.Sprintf("%s watchlist trigger hit", strings.ToUpper(e.Ticker)), reason).
			With("entry_id", fmt.Sprint(e.ID)))
		m.queueTriggeredTask(ctx, e, reason)
	}
	return out, true
}

// classify applies expiration, then invalidation, then trigger. The first
// check that fires decides the status.
func (m *Monitor) classify(e *models.WatchlistEntry, quote *broker.Quote, now time.Time) (models.WatchlistStatus, string) {
	if e.IsExpired(now) {
		return models.WatchlistExpired, fmt.Sprintf("expired at %s", e.ExpiresAt.UTC().Format(time.RFC3339))
	}

	if met, reason := m.evaluate(e.Ticker, e.Invalidation, e.InvalidationPrice, trigger.Floor, quote); met {
		return models.WatchlistInvalidated, reason
	}
	if met, reason := m.evaluate(e.Ticker, e.EntryTrigger, e.EntryPrice, trigger.Ceiling, quote); met {
		return models.WatchlistTriggered, reason
	}
	return models.WatchlistActive, ""
}

// evaluate checks the text condition when it parses, otherwise the raw price.
func (m *Monitor) evaluate(
	ticker, text string,
	price *float64,
	raw func(float64, *broker.Quote) (bool, string),
	quote *broker.Quote,
) (bool, string) {
	if strings.TrimSpace(text) != "" {
		cond := trigger.Parse(text)
		if !cond.IsCustom() {
			return m.engine.Evaluate(ticker, cond, quote)
		}
	}
	if price != nil && *price > 0 {
		return raw(*price, quote)
	}
	return false, ""
}

func (m *Monitor) queueTriggeredTask(ctx context.Context, e *models.WatchlistEntry, reason string) {
	ticker := strings.ToUpper(e.Ticker)
	prompt := fmt.Sprintf(
		"Watchlist entry #%d for %s triggered (%s). Entry trigger: %q. Invalidation: %q. Notes: %s. Review whether to open a position.",
		e.ID, ticker, reason, e.EntryTrigger, e.Invalidation, e.Notes)
	_, err := m.store.QueueTask(ctx, models.TaskRequest{
		Type:     models.TaskWatchlistTriggered,
		Ticker:   ticker,
		Prompt:   prompt,
		Priority: models.PriorityWatchlistTriggered,
	})
	if err != nil {
		metrics.ReconcileErrorsTotal.WithLabelValues("watchlist").Inc()
		m.logger.WithError(err).WithField("ticker", ticker).Error("failed to queue watchlist task")
	}
}
