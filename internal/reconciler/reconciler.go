// Package reconciler converges the ledger's open trades with the broker's
// positions. Each Run is one tick: detect deltas, then apply them.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/ledgerkeeper/internal/broker"
	"github.com/eddiefleurent/ledgerkeeper/internal/metrics"
	"github.com/eddiefleurent/ledgerkeeper/internal/models"
	"github.com/eddiefleurent/ledgerkeeper/internal/notify"
	"github.com/eddiefleurent/ledgerkeeper/internal/settings"
	"github.com/eddiefleurent/ledgerkeeper/internal/storage"
)

const (
	positionsFetchTimeout = 8 * time.Second
	quoteFetchTimeout     = 5 * time.Second

	// ExitSourceBroker marks trades closed because the broker no longer holds them.
	ExitSourceBroker = "broker_reconcile"
	closeCooldownKey = "position_close_review:"
)

// splitRatios are broker/ledger quantity ratios treated as corporate actions.
var splitRatios = []float64{2, 3, 4, 5, 10, 20, 0.5, 0.25, 0.1, 0.05}

const splitTolerancePct = 1.0

// Reconciler detects and applies position deltas.
type Reconciler struct {
	store    storage.Interface
	feed     broker.PositionFeed
	quotes   broker.QuoteSource
	notifier notify.Notifier
	settings settings.Provider
	logger   logrus.FieldLogger
	now      func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// New creates a Reconciler.
func New(
	store storage.Interface,
	feed broker.PositionFeed,
	quotes broker.QuoteSource,
	notifier notify.Notifier,
	provider settings.Provider,
	opts ...Option,
) *Reconciler {
	r := &Reconciler{
		store:    store,
		feed:     feed,
		quotes:   quotes,
		notifier: notifier,
		settings: provider,
		logger:   logrus.StandardLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.notifier == nil {
		r.notifier = notify.Nop{}
	}
	if r.settings == nil {
		r.settings = settings.Static(settings.Defaults())
	}
	r.logger = r.logger.WithField("component", "position_reconciler")
	return r
}

// Outcome is what Apply did with one delta.
type Outcome struct {
	Delta   models.PositionDelta `json:"delta"`
	Result  string               `json:"result"` // applied | skipped | failed
	Reason  string               `json:"reason,omitempty"`
	TradeID uint                 `json:"trade_id,omitempty"`
}

// Outcome results.
const (
	ResultApplied = "applied"
	ResultSkipped = "skipped"
	ResultFailed  = "failed"
)

// Summary reports one tick.
type Summary struct {
	StartedAt           time.Time `json:"started_at"`
	Deltas              int       `json:"deltas"`
	Applied             int       `json:"applied"`
	Skipped             int       `json:"skipped"`
	Errors              int       `json:"errors"`
	Assignments         int       `json:"assignments"`
	IncreasesSuppressed bool      `json:"increases_suppressed"`
	Outcomes            []Outcome `json:"outcomes"`
}

func (s *Summary) record(o Outcome) {
	switch o.Result {
	case ResultApplied:
		s.Applied++
	case ResultSkipped:
		s.Skipped++
	case ResultFailed:
		s.Errors++
	}
	metrics.DeltasTotal.WithLabelValues(string(o.Delta.Action), o.Result).Inc()
	s.Outcomes = append(s.Outcomes, o)
}

// Run performs one full tick. It returns an error only when the ledger or
// the broker feed cannot be read, in which case nothing was changed.
func (r *Reconciler) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	defer metrics.ObserveTick("position", start)

	det, err := r.Detect(ctx)
	if err != nil {
		return nil, err
	}
	sum := r.Apply(ctx, det)
	r.logger.WithFields(logrus.Fields{
		"deltas":  sum.Deltas,
		"applied": sum.Applied,
		"skipped": sum.Skipped,
		"errors":  sum.Errors,
	}).Info("position reconciliation complete")
	return sum, nil
}

// tradeSize returns f formatted for prompts and notifications.
func tradeSize(f float64) string {
	return fmt.Sprintf("%g", f)
}
