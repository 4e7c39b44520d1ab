package expiration

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/ledgerkeeper/internal/models"
	"github.com/eddiefleurent/ledgerkeeper/internal/notify"
)

// Expiring is an open option trade inside an expiry window.
type Expiring struct {
	Trade    models.Trade `json:"trade"`
	Symbol   string       `json:"symbol"`
	Display  string       `json:"display"`
	DaysLeft int          `json:"days_left"`
}

// ExpiringWithin lists open option trades expiring in the next days calendar
// days, today included, soonest first. It never mutates anything.
func (r *Reconciler) ExpiringWithin(ctx context.Context, days int) ([]Expiring, error) {
	trades, err := r.store.GetAllOpenTrades(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading open trades: %w", err)
	}
	now := r.now()

	var out []Expiring
	for _, t := range trades {
		sym := t.OptionSymbol()
		if sym == nil {
			continue
		}
		left := sym.DaysToExpiration(now)
		if left < 0 || left > days {
			continue
		}
		out = append(out, Expiring{
			Trade:    t,
			Symbol:   sym.String(),
			Display:  sym.DisplayName(),
			DaysLeft: left,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DaysLeft != out[j].DaysLeft {
			return out[i].DaysLeft < out[j].DaysLeft
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out, nil
}

// CheckUpcoming sends an advance warning for every trade inside the critical
// window, at most once per trade per day. Trades in the wider warning window
// are only logged. It returns the number of warnings sent.
func (r *Reconciler) CheckUpcoming(ctx context.Context) (int, error) {
	cfg := r.settings.Current()

	warning, err := r.ExpiringWithin(ctx, cfg.OptionsExpiryWarningDays)
	if err != nil {
		return 0, err
	}

	day := models.DetectionDay(r.now())
	sent := 0

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range warning {
		if e.DaysLeft > cfg.OptionsExpiryCriticalDays {
			r.logger.WithFields(logrus.Fields{
				"symbol": e.Symbol, "days_left": e.DaysLeft,
			}).Debug("option inside expiry warning window")
			continue
		}
		if r.warned[e.Trade.ID] == day {
			continue
		}
		r.warned[e.Trade.ID] = day
		sent++

		r.notifier.Notify(notify.NewEvent(notify.KindOptionExpiring, notify.PriorityHigh, e.Trade.Ticker,
			"Option expiring",
			fmt.Sprintf("%s %s expires in %d day(s)", e.Trade.Direction, e.Display, e.DaysLeft)).
			With("trade_id", fmt.Sprint(e.Trade.ID)).
			With("days_left", fmt.Sprint(e.DaysLeft)))
	}

	// forget trades that left the window so the map stays bounded
	live := make(map[uint]bool, len(warning))
	for _, e := range warning {
		live[e.Trade.ID] = true
	}
	for id := range r.warned {
		if !live[id] {
			delete(r.warned, id)
		}
	}

	if sent > 0 {
		r.logger.WithField("warnings", sent).Info("sent expiry warnings")
	}
	return sent, nil
}
