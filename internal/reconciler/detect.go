package reconciler

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/ledgerkeeper/internal/broker"
	"github.com/eddiefleurent/ledgerkeeper/internal/metrics"
	"github.com/eddiefleurent/ledgerkeeper/internal/models"
	"github.com/eddiefleurent/ledgerkeeper/internal/util"
)

// sizeEpsilon absorbs float noise when comparing share or contract counts.
const sizeEpsilon = 1e-6

// Detection is the read-only result of comparing ledger and broker. The
// broker positions it references are only valid for the current tick.
type Detection struct {
	Deltas []models.PositionDelta
	// Positions is the aggregated broker state keyed by position key.
	Positions map[string]*models.BrokerPosition
	// OpenTrades is the ledger snapshot keyed by position key, FIFO ordered.
	OpenTrades map[string][]models.Trade
	// PendingTickers holds tickers with an order in flight.
	PendingTickers map[string]bool
	// IncreasesSuppressed is set when pending orders could not be loaded.
	IncreasesSuppressed bool
	// Errors counts keys that failed during detection.
	Errors int
}

// Detect loads both sides and computes deltas without mutating anything.
func (r *Reconciler) Detect(ctx context.Context) (*Detection, error) {
	trades, err := r.store.GetAllOpenTrades(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading open trades: %w", err)
	}
	metrics.OpenTrades.Set(float64(len(trades)))

	det := &Detection{
		OpenTrades:     groupByKey(trades),
		PendingTickers: make(map[string]bool),
	}

	pending, err := r.store.GetTradesWithPendingOrders(ctx)
	if err != nil {
		det.IncreasesSuppressed = true
		r.logger.WithError(err).Warn("could not load pending orders, suppressing position increases this tick")
	} else {
		for _, t := range pending {
			det.PendingTickers[strings.ToUpper(t.Ticker)] = true
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, positionsFetchTimeout)
	defer cancel()
	items, err := r.feed.GetPositionsCtx(fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("fetching broker positions: %w", err)
	}
	det.Positions = broker.Aggregate(items)

	r.logger.WithFields(logrus.Fields{
		"ledger_keys": len(det.OpenTrades),
		"broker_keys": len(det.Positions),
	}).Debug("reconciling positions")

	for _, key := range sortedTradeKeys(det.OpenTrades) {
		deltas, ok := r.safeDiff(key, func() []models.PositionDelta {
			return r.diffKey(key, det.OpenTrades[key], det.Positions[key], det)
		})
		if !ok {
			det.Errors++
			continue
		}
		det.Deltas = append(det.Deltas, deltas...)
	}

	for _, key := range broker.SortedKeys(det.Positions) {
		if _, tracked := det.OpenTrades[key]; tracked {
			continue
		}
		deltas, ok := r.safeDiff(key, func() []models.PositionDelta {
			pos := det.Positions[key]
			if util.IsZeroQty(pos.Quantity) {
				return nil
			}
			if d, ok := r.newPositionDelta(pos, det); ok {
				return []models.PositionDelta{d}
			}
			return nil
		})
		if !ok {
			det.Errors++
			continue
		}
		det.Deltas = append(det.Deltas, deltas...)
	}

	return det, nil
}

// safeDiff runs fn and converts a panic into a logged, counted failure.
func (r *Reconciler) safeDiff(key string, fn func() []models.PositionDelta) (out []models.PositionDelta, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.ReconcileErrorsTotal.WithLabelValues("position").Inc()
			r.logger.WithFields(logrus.Fields{"key": key, "panic": rec}).Error("position diff panicked")
			out, ok = nil, false
		}
	}()
	return fn(), true
}

// diffKey compares the FIFO-ordered trades for one key with the broker position.
func (r *Reconciler) diffKey(key string, trades []models.Trade, pos *models.BrokerPosition, det *Detection) []models.PositionDelta {
	if len(trades) == 0 {
		return nil
	}
	ticker := trades[0].Ticker
	ledgerDir := trades[0].Direction

	if pos == nil || util.IsZeroQty(pos.Quantity) {
		return closeAll(key, trades, pos, 0)
	}

	if pos.Direction() != ledgerDir {
		r.logger.WithFields(logrus.Fields{
			"key":              key,
			"ledger_direction": ledgerDir,
			"broker_direction": pos.Direction(),
		}).Warn("broker position flipped side, closing ledger trades and re-detecting")
		deltas := closeAll(key, trades, nil, 0)
		if d, ok := r.newPositionDelta(pos, det); ok {
			deltas = append(deltas, d)
		}
		return deltas
	}

	brokerSize := math.Abs(pos.Quantity)
	var dbSize float64
	for _, t := range trades {
		dbSize += t.CurrentSize
	}

	switch {
	case brokerSize < dbSize-sizeEpsilon:
		return fifoReduce(key, trades, pos, dbSize-brokerSize)

	case brokerSize > dbSize+sizeEpsilon:
		if ratio, isSplit := splitRatio(brokerSize, dbSize); isSplit {
			r.logger.WithFields(logrus.Fields{
				"key": key, "db_size": dbSize, "ib_size": brokerSize, "ratio": ratio,
			}).Warn("quantity change matches a split ratio, not treating as increase")
			return nil
		}
		if r.increaseBlocked(ticker, key, det) {
			return nil
		}
		return []models.PositionDelta{{
			Ticker:        ticker,
			FullSymbol:    key,
			Action:        models.ActionIncrease,
			DBSize:        dbSize,
			IBSize:        brokerSize,
			Direction:     ledgerDir,
			BrokerAvgCost: pos.AvgCost,
			Broker:        pos,
		}}
	}
	return nil
}

// newPositionDelta builds the increase for a broker position with no ledger trades.
func (r *Reconciler) newPositionDelta(pos *models.BrokerPosition, det *Detection) (models.PositionDelta, bool) {
	if r.increaseBlocked(pos.Underlying, pos.Key, det) {
		return models.PositionDelta{}, false
	}
	return models.PositionDelta{
		Ticker:        pos.Underlying,
		FullSymbol:    pos.Key,
		Action:        models.ActionIncrease,
		DBSize:        0,
		IBSize:        math.Abs(pos.Quantity),
		Direction:     pos.Direction(),
		BrokerAvgCost: pos.AvgCost,
		IsNew:         true,
		Broker:        pos,
	}, true
}

func (r *Reconciler) increaseBlocked(ticker, key string, det *Detection) bool {
	if det.IncreasesSuppressed {
		r.logger.WithField("key", key).Debug("increase suppressed: pending orders unavailable")
		return true
	}
	if det.PendingTickers[strings.ToUpper(ticker)] {
		r.logger.WithField("key", key).Info("increase skipped: order pending for ticker")
		return true
	}
	return false
}

// closeAll emits a closed delta for every trade.
func closeAll(key string, trades []models.Trade, pos *models.BrokerPosition, brokerSize float64) []models.PositionDelta {
	out := make([]models.PositionDelta, 0, len(trades))
	for _, t := range trades {
		d := models.PositionDelta{
			Ticker:     t.Ticker,
			FullSymbol: key,
			TradeID:    t.ID,
			Action:     models.ActionClosed,
			DBSize:     t.CurrentSize,
			IBSize:     brokerSize,
			Direction:  t.Direction,
			Broker:     pos,
		}
		if pos != nil {
			d.BrokerAvgCost = pos.AvgCost
		}
		out = append(out, d)
	}
	return out
}

// fifoReduce consumes reduction from the oldest trades first.
func fifoReduce(key string, trades []models.Trade, pos *models.BrokerPosition, reduction float64) []models.PositionDelta {
	var out []models.PositionDelta
	for _, t := range trades {
		if reduction <= sizeEpsilon {
			break
		}
		d := models.PositionDelta{
			Ticker:        t.Ticker,
			FullSymbol:    key,
			TradeID:       t.ID,
			DBSize:        t.CurrentSize,
			Direction:     t.Direction,
			BrokerAvgCost: pos.AvgCost,
			Broker:        pos,
		}
		if reduction >= t.CurrentSize-sizeEpsilon {
			d.Action = models.ActionClosed
			d.IBSize = 0
			reduction -= t.CurrentSize
		} else {
			d.Action = models.ActionPartial
			d.IBSize = util.RoundTo(t.CurrentSize-reduction, 4)
			reduction = 0
		}
		out = append(out, d)
	}
	return out
}

// splitRatio reports whether brokerSize/dbSize is within 1% of a known split ratio.
func splitRatio(brokerSize, dbSize float64) (float64, bool) {
	if dbSize <= 0 {
		return 0, false
	}
	ratio := brokerSize / dbSize
	for _, s := range splitRatios {
		if util.WithinPct(ratio, s, splitTolerancePct) {
			return s, true
		}
	}
	return ratio, false
}

func groupByKey(trades []models.Trade) map[string][]models.Trade {
	out := make(map[string][]models.Trade)
	for _, t := range trades {
		key := t.PositionKey()
		out[key] = append(out[key], t)
	}
	for key := range out {
		ts := out[key]
		sort.SliceStable(ts, func(i, j int) bool {
			if !ts[i].EntryDate.Equal(ts[j].EntryDate) {
				return ts[i].EntryDate.Before(ts[j].EntryDate)
			}
			return ts[i].ID < ts[j].ID
		})
	}
	return out
}

func sortedTradeKeys(m map[string][]models.Trade) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
