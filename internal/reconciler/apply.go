package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

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
	// custodialAvgCost is the average cost below which an increase is
	// treated as a transfer in with no usable basis.
	custodialAvgCost = 0.01
	// assignmentCoverage is the share of contracts*multiplier that unexplained
	// long shares must reach to look like a put assignment.
	assignmentCoverage        = 0.9
	assignmentCooldownKey     = "review_assignment:"
	assignmentCooldownHours   = 24
	increaseReviewCooldownKey = "position_increase_review:"
)

// Exit price sources, recorded on close notifications.
const (
	exitFromQuote   = "quote"
	exitFromAvgCost = "broker_avg_cost"
	exitFromEntry   = "entry_price"
)

// applyState is the per-tick scratch space shared by delta handlers.
type applyState struct {
	det    *Detection
	cfg    settings.Settings
	now    time.Time
	quotes map[string]float64
}

// Apply performs the mutations each delta asks for. Failures are per delta;
// one bad delta never stops the rest.
func (r *Reconciler) Apply(ctx context.Context, det *Detection) *Summary {
	st := &applyState{
		det:    det,
		cfg:    r.settings.Current(),
		now:    r.now(),
		quotes: make(map[string]float64),
	}
	sum := &Summary{
		StartedAt:           st.now,
		Deltas:              len(det.Deltas),
		Errors:              det.Errors,
		IncreasesSuppressed: det.IncreasesSuppressed,
	}

	for _, d := range det.Deltas {
		sum.record(r.safeApply(ctx, st, d))
	}

	for _, d := range det.Deltas {
		if d.Action != models.ActionIncrease {
			continue
		}
		if r.checkAssignment(ctx, st, d) {
			sum.Assignments++
		}
	}

	if trades, err := r.store.GetAllOpenTrades(ctx); err == nil {
		metrics.OpenTrades.Set(float64(len(trades)))
	}
	return sum
}

func (r *Reconciler) safeApply(ctx context.Context, st *applyState, d models.PositionDelta) (out Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.ReconcileErrorsTotal.WithLabelValues("position").Inc()
			r.logger.WithFields(logrus.Fields{
				"key": d.FullSymbol, "action": d.Action, "trade_id": d.TradeID, "panic": rec,
			}).Error("applying delta panicked")
			out = Outcome{Delta: d, Result: ResultFailed, Reason: fmt.Sprintf("panic: %v", rec), TradeID: d.TradeID}
		}
	}()

	var err error
	switch d.Action {
	case models.ActionClosed:
		out, err = r.applyClosed(ctx, st, d)
	case models.ActionPartial:
		out, err = r.applyPartial(ctx, d)
	case models.ActionIncrease:
		out, err = r.applyIncrease(ctx, st, d)
	default:
		err = fmt.Errorf("unknown delta action %q", d.Action)
	}
	if err != nil {
		metrics.ReconcileErrorsTotal.WithLabelValues("position").Inc()
		r.logger.WithError(err).WithFields(logrus.Fields{
			"key": d.FullSymbol, "action": d.Action, "trade_id": d.TradeID,
		}).Error("failed to apply delta")
		return Outcome{Delta: d, Result: ResultFailed, Reason: err.Error(), TradeID: d.TradeID}
	}
	return out
}

func (r *Reconciler) applyClosed(ctx context.Context, st *applyState, d models.PositionDelta) (Outcome, error) {
	trade, err := r.store.GetTrade(ctx, d.TradeID)
	if err != nil {
		return Outcome{}, fmt.Errorf("loading trade %d: %w", d.TradeID, err)
	}

	exitPrice, source := r.exitPrice(ctx, st, d, trade)
	if source == exitFromEntry {
		r.logger.WithFields(logrus.Fields{
			"ticker": trade.Ticker, "trade_id": trade.ID,
		}).Warn("no quote or broker cost for closed position, using entry price")
	}

	mult := trade.ContractMultiplier()
	result := pnl.Calculate(trade.EntryPrice, exitPrice, trade.CurrentSize, mult, trade.Direction == models.Short)
	exit := models.TradeExit{
		Price:          exitPrice,
		Source:         ExitSourceBroker,
		Direction:      trade.Direction,
		RealizedPnL:    util.RoundTo(result.Dollars, 2),
		RealizedPnLPct: util.RoundTo(result.Pct, 2),
		At:             st.now,
	}
	if trade.IsOption() {
		err = r.store.CloseOptionTrade(ctx, trade.ID, exit)
	} else {
		err = r.store.CloseTradeWithDirection(ctx, trade.ID, exit)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("closing trade %d: %w", trade.ID, err)
	}

	remaining, err := r.store.GetOpenTradesByTicker(ctx, trade.Ticker)
	if err != nil {
		r.logger.WithError(err).WithField("ticker", trade.Ticker).Warn("could not check remaining trades")
	} else if len(remaining) == 0 {
		if err := r.store.UpdateStockPosition(ctx, trade.Ticker, false, models.PositionStateClosed); err != nil {
			r.logger.WithError(err).WithField("ticker", trade.Ticker).Warn("failed to clear open position flag")
		}
	}

	r.logger.WithFields(logrus.Fields{
		"ticker":       trade.Ticker,
		"trade_id":     trade.ID,
		"exit_price":   exitPrice,
		"exit_source":  source,
		"realized_pnl": exit.RealizedPnL,
	}).Info("closed trade no longer held at broker")

	r.notifier.Notify(notify.NewEvent(notify.KindPositionClosed, notify.PriorityHigh, trade.Ticker,
		"Position closed",
		fmt.Sprintf("%s %s %s closed at %.2f, P&L %.2f (%.1f%%)",
			trade.Direction, tradeSize(trade.CurrentSize), d.FullSymbol, exitPrice, exit.RealizedPnL, exit.RealizedPnLPct)).
		With("trade_id", fmt.Sprint(trade.ID)).
		With("exit_source", source))

	r.queueTask(ctx, models.TaskRequest{
		Type:   models.TaskPositionCloseReview,
		Ticker: trade.Ticker,
		Prompt: fmt.Sprintf("Review closed %s position in %s (trade %d): exit %.2f, realized P&L %.2f.",
			trade.Direction, d.FullSymbol, trade.ID, exitPrice, exit.RealizedPnL),
		Priority:      models.PriorityCloseReview,
		CooldownKey:   closeCooldownKey + strings.ToUpper(trade.Ticker),
		CooldownHours: st.cfg.CloseReviewCooldownHours,
	})

	return Outcome{Delta: d, Result: ResultApplied, TradeID: trade.ID}, nil
}

// exitPrice picks the quote last, then the broker's average cost, then the
// trade's own entry price.
func (r *Reconciler) exitPrice(ctx context.Context, st *applyState, d models.PositionDelta, trade *models.Trade) (float64, string) {
	if last, ok := r.lastPrice(ctx, st, d.FullSymbol); ok {
		return last, exitFromQuote
	}
	if d.BrokerAvgCost > 0 {
		return d.BrokerAvgCost, exitFromAvgCost
	}
	return trade.EntryPrice, exitFromEntry
}

// entryTick rounds an estimated entry to a quotable price: cents, or
// hundredths of a cent below $1.
func entryTick(price float64) float64 {
	tick := 0.01
	if price < 1 {
		tick = 0.0001
	}
	return util.RoundTo(util.RoundToTick(price, tick), 4)
}

// lastPrice fetches and memoizes one quote per symbol for the tick.
func (r *Reconciler) lastPrice(ctx context.Context, st *applyState, symbol string) (float64, bool) {
	symbol = strings.ToUpper(symbol)
	if p, ok := st.quotes[symbol]; ok {
		return p, p > 0
	}
	if r.quotes == nil {
		return 0, false
	}
	qctx, cancel := context.WithTimeout(ctx, quoteFetchTimeout)
	defer cancel()
	q, err := r.quotes.GetQuoteCtx(qctx, symbol)
	if err != nil {
		r.logger.WithError(err).WithField("symbol", symbol).Debug("quote unavailable")
		st.quotes[symbol] = 0
		return 0, false
	}
	last, ok := q.LastPrice()
	st.quotes[symbol] = last
	return last, ok
}

func (r *Reconciler) applyPartial(ctx context.Context, d models.PositionDelta) (Outcome, error) {
	if err := r.store.UpdateTradeSize(ctx, d.TradeID, d.IBSize); err != nil {
		return Outcome{}, fmt.Errorf("resizing trade %d: %w", d.TradeID, err)
	}
	r.logger.WithFields(logrus.Fields{
		"ticker": d.Ticker, "trade_id": d.TradeID, "from": d.DBSize, "to": d.IBSize,
	}).Info("reduced trade size to match broker")
	return Outcome{Delta: d, Result: ResultApplied, TradeID: d.TradeID}, nil
}

func (r *Reconciler) applyIncrease(ctx context.Context, st *applyState, d models.PositionDelta) (Outcome, error) {
	skip := func(reason string) (Outcome, error) {
		r.logger.WithFields(logrus.Fields{"key": d.FullSymbol, "reason": reason}).Info("increase skipped")
		return Outcome{Delta: d, Result: ResultSkipped, Reason: reason}, nil
	}

	if !st.cfg.AutoTrackPositionIncreases {
		return skip("auto tracking disabled")
	}

	size := d.SizeDifference()
	if size <= 0 {
		return skip("no size difference")
	}

	dets, err := r.store.GetPositionDetectionsToday(ctx, d.FullSymbol, st.now)
	if err != nil {
		return Outcome{}, fmt.Errorf("loading detections for %s: %w", d.FullSymbol, err)
	}
	if storage.HasSimilarDetection(dets, size) {
		return skip("already detected today")
	}

	price, custodial, ok := r.entryEstimate(ctx, st, d)
	if !ok {
		return skip("no price for entry estimate")
	}

	mult := d.Multiplier()
	notional := size * price * float64(mult)
	if notional < st.cfg.PositionDetectMinValue {
		return skip(fmt.Sprintf("notional %.2f below minimum %.2f", notional, st.cfg.PositionDetectMinValue))
	}

	trade := &models.Trade{
		Ticker:      d.Ticker,
		FullSymbol:  d.FullSymbol,
		Direction:   d.Direction,
		Status:      models.TradeOpen,
		SourceType:  models.SourceDetected,
		EntrySize:   size,
		CurrentSize: size,
		EntryPrice:  entryTick(price),
		EntryDate:   st.now,
	}
	if d.Broker != nil && d.Broker.Option != nil {
		sym := d.Broker.Option
		exp := sym.Expiration
		trade.OptionType = sym.Type
		trade.Strike = sym.StrikeFloat()
		trade.Expiration = &exp
		trade.Multiplier = sym.Multiplier
	}
	if custodial {
		trade.Notes = "custodial transfer: broker reported no cost basis"
	}

	id, err := r.store.RecordDetectedTrade(ctx, trade, models.PositionDetection{
		Ticker:     d.Ticker,
		FullSymbol: d.FullSymbol,
		Day:        models.DetectionDay(st.now),
		Size:       size,
		DetectedAt: st.now,
	})
	if errors.Is(err, storage.ErrDuplicateDetection) {
		return skip("already detected today")
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("recording detected trade for %s: %w", d.FullSymbol, err)
	}

	if err := r.store.UpdateStockPosition(ctx, d.Ticker, true, models.PositionStateOpen); err != nil {
		r.logger.WithError(err).WithField("ticker", d.Ticker).Warn("failed to set open position flag")
	}

	kind := "increase"
	if d.IsNew {
		kind = "new position"
	}
	r.logger.WithFields(logrus.Fields{
		"ticker":    d.Ticker,
		"key":       d.FullSymbol,
		"trade_id":  id,
		"size":      size,
		"price":     price,
		"custodial": custodial,
	}).Info("recorded detected trade")

	r.queueTask(ctx, models.TaskRequest{
		Type:   models.TaskPositionIncreaseReview,
		Ticker: d.Ticker,
		Prompt: fmt.Sprintf("Review detected %s in %s: %s %s at ~%.2f (trade %d).",
			kind, d.FullSymbol, d.Direction, tradeSize(size), price, id),
		Priority:    models.PriorityIncreaseReview,
		CooldownKey: increaseReviewCooldownKey + strings.ToUpper(d.FullSymbol),
	})

	ev := notify.NewEvent(notify.KindPositionDetected, notify.PriorityMedium, d.Ticker,
		"Position detected",
		fmt.Sprintf("Detected %s: %s %s %s at ~%.2f", kind, d.Direction, tradeSize(size), d.FullSymbol, price)).
		With("trade_id", fmt.Sprint(id))
	if custodial {
		ev = ev.With("custodial", "true")
	}
	r.notifier.Notify(ev)

	return Outcome{Delta: d, Result: ResultApplied, TradeID: id}, nil
}

// entryEstimate returns the per-unit entry price for a detected increase.
// New positions use the broker's average cost; additions to an existing
// position use the last price, since the average blends old and new lots.
func (r *Reconciler) entryEstimate(ctx context.Context, st *applyState, d models.PositionDelta) (price float64, custodial, ok bool) {
	if d.IsNew && d.BrokerAvgCost >= custodialAvgCost {
		return d.BrokerAvgCost, false, true
	}
	custodial = d.BrokerAvgCost < custodialAvgCost
	if last, found := r.lastPrice(ctx, st, d.FullSymbol); found {
		return last, custodial, true
	}
	if !custodial {
		return d.BrokerAvgCost, false, true
	}
	return 0, true, false
}

// checkAssignment flags long share increases that line up with ledger short
// puts on the same underlying. It only ever queues a review.
func (r *Reconciler) checkAssignment(ctx context.Context, st *applyState, d models.PositionDelta) bool {
	if d.Direction != models.Long || (d.Broker != nil && d.Broker.IsOption()) || occ.IsOptionSymbol(d.FullSymbol) {
		return false
	}
	ticker := strings.ToUpper(d.Ticker)

	var putContracts, putShares float64
	var shortCalls int
	for _, trades := range st.det.OpenTrades {
		for _, t := range trades {
			if strings.ToUpper(t.Ticker) != ticker || !t.IsOption() || t.Direction != models.Short {
				continue
			}
			switch t.OptionType {
			case occ.Put:
				putContracts += t.CurrentSize
				putShares += t.CurrentSize * float64(t.ContractMultiplier())
			case occ.Call:
				shortCalls++
			}
		}
	}
	if shortCalls > 0 {
		r.logger.WithField("ticker", ticker).Debug("short call assignment is not evaluated")
	}
	if putShares == 0 {
		return false
	}

	shares := d.SizeDifference()
	if shares < assignmentCoverage*putShares {
		return false
	}

	r.logger.WithFields(logrus.Fields{
		"ticker": ticker, "shares": shares, "put_contracts": putContracts,
	}).Warn("long shares appeared alongside short puts, possible assignment")

	queued := r.queueTask(ctx, models.TaskRequest{
		Type:   models.TaskReviewAssignment,
		Ticker: ticker,
		Prompt: fmt.Sprintf("Possible put assignment on %s: %s new shares vs %s short put contracts. Verify and close the puts if assigned.",
			ticker, tradeSize(shares), tradeSize(putContracts)),
		Priority:      models.PriorityAssignmentReview,
		CooldownKey:   assignmentCooldownKey + ticker,
		CooldownHours: assignmentCooldownHours,
	})
	if queued {
		r.notifier.Notify(notify.NewEvent(notify.KindAssignment, notify.PriorityHigh, ticker,
			"Possible assignment",
			fmt.Sprintf("%s shares of %s appeared with %s short puts open", tradeSize(shares), ticker, tradeSize(putContracts))))
	}
	return true
}

// queueTask enqueues req and reports whether a task was created. Errors are
// logged; a lost review task never fails the delta.
func (r *Reconciler) queueTask(ctx context.Context, req models.TaskRequest) bool {
	ok, err := r.store.QueueTask(ctx, req)
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{"type": req.Type, "ticker": req.Ticker}).Warn("failed to queue task")
		return false
	}
	if !ok {
		r.logger.WithFields(logrus.Fields{"type": req.Type, "cooldown_key": req.CooldownKey}).Debug("task suppressed by cooldown")
	}
	return ok
}
