// Package expiration settles option trades whose contracts have reached
// expiration and warns about contracts that are about to.
package expiration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/ledgerkeeper/internal/broker"
	"github.com/eddiefleurent/ledgerkeeper/internal/metrics"
	"github.com/eddiefleurent/ledgerkeeper/internal/models"
	"github.com/eddiefleurent/ledgerkeeper/internal/notify"
	"github.com/eddiefleurent/ledgerkeeper/internal/occ"
	"github.com/eddiefleurent/ledgerkeeper/internal/pnl"
	"github.com/eddiefleurent/ledgerkeeper/internal/settings"
	"github.com/eddiefleurent/ledgerkeeper/internal/storage"
	"github.com/eddiefleurent/ledgerkeeper/internal/util"
)

const (
	positionsFetchTimeout = 8 * time.Second
	quoteFetchTimeout     = 5 * time.Second

	// ExitSourceExpiration marks trades closed by expiration.
	ExitSourceExpiration = "expiration"

	reviewCooldownKey   = "expiration_review:"
	reviewCooldownHours = 24
)

// Outcome of one expired contract.
type Outcome string

const (
	OutcomeClosedWorthless Outcome = "closed_worthless"
	OutcomeWorthlessManual Outcome = "worthless_manual"
	OutcomeReview          Outcome = "review"
	OutcomeError           Outcome = "error"
)

// MoneynessSource says how moneyness was decided.
type MoneynessSource string

const (
	FromSpot    MoneynessSource = "spot"
	FromPremium MoneynessSource = "premium_heuristic"
)

// Result is what happened to one expired trade.
type Result struct {
	TradeID uint            `json:"trade_id"`
	Symbol  string          `json:"symbol"`
	Outcome Outcome         `json:"outcome"`
	ITM     bool            `json:"itm"`
	Source  MoneynessSource `json:"source"`
	Spot    float64         `json:"spot,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Report summarizes one Run.
type Report struct {
	Expired int      `json:"expired"`
	Closed  int      `json:"closed"`
	Review  int      `json:"review"`
	Errors  int      `json:"errors"`
	Results []Result `json:"results"`
}

func (rep *Report) add(res Result) {
	rep.Expired++
	switch res.Outcome {
	case OutcomeClosedWorthless:
		rep.Closed++
	case OutcomeReview:
		rep.Review++
	case OutcomeError:
		rep.Errors++
	}
	metrics.ExpirationsTotal.WithLabelValues(string(res.Outcome)).Inc()
	rep.Results = append(rep.Results, res)
}

// Reconciler handles expired and expiring option trades.
type Reconciler struct {
	store    storage.Interface
	feed     broker.PositionFeed
	quotes   broker.QuoteSource
	notifier notify.Notifier
	settings settings.Provider
	logger   logrus.FieldLogger
	now      func() time.Time

	mu     sync.Mutex
	warned map[uint]string // trade ID -> day of last advance warning
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

// New creates a Reconciler. quotes may be nil, in which case moneyness
// always falls back to the premium heuristic.
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
		warned:   make(map[uint]string),
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
	r.logger = r.logger.WithField("component", "expiration_reconciler")
	return r
}

// expiredTrade pairs a ledger trade with the broker contract it matched.
type expiredTrade struct {
	trade models.Trade
	sym   *occ.Symbol
}

// Run settles every broker-held option that expires today or earlier and is
// still open in the ledger.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer metrics.ObserveTick("expiration", start)

	cfg := r.settings.Current()
	now := r.now()

	trades, err := r.store.GetAllOpenTrades(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading open trades: %w", err)
	}
	byKey := make(map[string][]models.Trade)
	for _, t := range trades {
		if t.IsOption() {
			byKey[t.PositionKey()] = append(byKey[t.PositionKey()], t)
		}
	}
	rep := &Report{}
	if len(byKey) == 0 {
		return rep, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, positionsFetchTimeout)
	items, err := r.feed.GetPositionsCtx(fetchCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("fetching broker positions: %w", err)
	}

	var expired []expiredTrade
	underlyings := make(map[string]struct{})
	positions := broker.Aggregate(items)
	for _, key := range broker.SortedKeys(positions) {
		pos := positions[key]
		if !pos.IsOption() || util.IsZeroQty(pos.Quantity) || !pos.Option.ExpiresOnOrBefore(now) {
			continue
		}
		for _, t := range byKey[key] {
			expired = append(expired, expiredTrade{trade: t, sym: pos.Option})
			underlyings[pos.Option.Underlying] = struct{}{}
		}
	}
	if len(expired) == 0 {
		return rep, nil
	}

	spots := r.spotPrices(ctx, underlyings)
	for _, et := range expired {
		rep.add(r.safeSettle(ctx, cfg, now, et, spots))
	}

	r.logger.WithFields(logrus.Fields{
		"expired": rep.Expired,
		"closed":  rep.Closed,
		"review":  rep.Review,
		"errors":  rep.Errors,
	}).Info("expiration reconciliation complete")
	return rep, nil
}

func (r *Reconciler) spotPrices(ctx context.Context, underlyings map[string]struct{}) map[string]float64 {
	out := make(map[string]float64, len(underlyings))
	if r.quotes == nil {
		return out
	}
	symbols := make([]string, 0, len(underlyings))
	for u := range underlyings {
		symbols = append(symbols, u)
	}
	qctx, cancel := context.WithTimeout(ctx, quoteFetchTimeout)
	defer cancel()
	quotes, err := r.quotes.GetQuotesBatchCtx(qctx, symbols)
	if err != nil {
		r.logger.WithError(err).Warn("spot quotes unavailable, using premium heuristic")
		return out
	}
	for sym, q := range quotes {
		if last, ok := q.LastPrice(); ok {
			out[strings.ToUpper(sym)] = last
		}
	}
	return out
}

func (r *Reconciler) safeSettle(ctx context.Context, cfg settings.Settings, now time.Time, et expiredTrade, spots map[string]float64) (res Result) {
	res = Result{TradeID: et.trade.ID, Symbol: et.sym.String()}
	defer func() {
		if rec := recover(); rec != nil {
			metrics.ReconcileErrorsTotal.WithLabelValues("expiration").Inc()
			r.logger.WithFields(logrus.Fields{"trade_id": et.trade.ID, "panic": rec}).Error("settling expired option panicked")
			res.Outcome = OutcomeError
			res.Error = fmt.Sprintf("panic: %v", rec)
		}
	}()

	strike := et.sym.StrikeFloat()
	if spot, ok := spots[et.sym.Underlying]; ok {
		res.Source = FromSpot
		res.Spot = spot
		res.ITM = pnl.IsITM(et.sym.Type, strike, spot)
	} else {
		res.Source = FromPremium
		res.ITM = et.trade.EntryPrice > cfg.ITMPremiumThreshold
	}

	log := r.logger.WithFields(logrus.Fields{
		"trade_id":  et.trade.ID,
		"symbol":    res.Symbol,
		"itm":       res.ITM,
		"moneyness": res.Source,
	})

	if res.ITM {
		return r.review(ctx, log, et, res)
	}
	if !cfg.AutoCloseExpiredOptions {
		log.Info("expired out of the money, auto-close disabled")
		res.Outcome = OutcomeWorthlessManual
		r.notifier.Notify(notify.NewEvent(notify.KindOptionExpired, notify.PriorityMedium, et.trade.Ticker,
			"Option expired worthless",
			fmt.Sprintf("%s expired out of the money. Auto-close is off; close trade %d manually.", et.sym.DisplayName(), et.trade.ID)))
		return res
	}

	mult := et.sym.Multiplier
	if et.trade.Multiplier > 0 {
		mult = et.trade.Multiplier
	}
	result := pnl.Calculate(et.trade.EntryPrice, 0, et.trade.CurrentSize, mult, et.trade.Direction == models.Short)
	err := r.store.CloseOptionTrade(ctx, et.trade.ID, models.TradeExit{
		Price:            0,
		Source:           ExitSourceExpiration,
		Direction:        et.trade.Direction,
		ExpirationAction: models.ExpirationActionWorthless,
		RealizedPnL:      util.RoundTo(result.Dollars, 2),
		RealizedPnLPct:   util.RoundTo(result.Pct, 2),
		At:               now,
	})
	if err != nil {
		metrics.ReconcileErrorsTotal.WithLabelValues("expiration").Inc()
		log.WithError(err).Error("failed to close expired option")
		res.Outcome = OutcomeError
		res.Error = err.Error()
		return res
	}

	log.WithField("realized_pnl", result.Dollars).Info("closed option expired worthless")
	res.Outcome = OutcomeClosedWorthless
	r.notifier.Notify(notify.NewEvent(notify.KindOptionExpired, notify.PriorityMedium, et.trade.Ticker,
		"Option expired worthless",
		fmt.Sprintf("%s expired worthless, P&L %.2f", et.sym.DisplayName(), result.Dollars)).
		With("trade_id", fmt.Sprint(et.trade.ID)))
	return res
}

// review queues a manual check for a contract that may have been exercised.
func (r *Reconciler) review(ctx context.Context, log logrus.FieldLogger, et expiredTrade, res Result) Result {
	basis := "entry premium above threshold"
	if res.Source == FromSpot {
		basis = fmt.Sprintf("spot %.2f vs strike %.2f", res.Spot, et.sym.StrikeFloat())
	}
	_, err := r.store.QueueTask(ctx, models.TaskRequest{
		Type:   models.TaskExpirationReview,
		Ticker: et.trade.Ticker,
		Prompt: fmt.Sprintf("%s %s expired possibly in the money (%s). Check for assignment or exercise and settle trade %d.",
			et.trade.Direction, et.sym.DisplayName(), basis, et.trade.ID),
		Priority:      models.PriorityExpirationReview,
		CooldownKey:   reviewCooldownKey + res.Symbol,
		CooldownHours: reviewCooldownHours,
	})
	if err != nil {
		metrics.ReconcileErrorsTotal.WithLabelValues("expiration").Inc()
		log.WithError(err).Error("failed to queue expiration review")
		res.Outcome = OutcomeError
		res.Error = err.Error()
		return res
	}
	log.Warn("expired possibly in the money, queued for review")
	res.Outcome = OutcomeReview
	return res
}
