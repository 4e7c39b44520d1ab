package expiration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/ledgerkeeper/internal/broker"
	"github.com/eddiefleurent/ledgerkeeper/internal/mock"
	"github.com/eddiefleurent/ledgerkeeper/internal/models"
	"github.com/eddiefleurent/ledgerkeeper/internal/notify"
	"github.com/eddiefleurent/ledgerkeeper/internal/occ"
	"github.com/eddiefleurent/ledgerkeeper/internal/settings"
	"github.com/eddiefleurent/ledgerkeeper/internal/storage"
)

// Friday afternoon of a monthly expiration.
var expiry = mock.Date(2026, 10, 16)

type harness struct {
	now       time.Time
	store     *storage.MockStorage
	broker    *mock.Broker
	positions []broker.PositionItem
	notifier  *notify.Recorder
	rec       *Reconciler
}

func newHarness(t *testing.T, autoClose bool) *harness {
	t.Helper()
	logger, _ := test.NewNullLogger()
	h := &harness{
		now:      expiry.Add(17 * time.Hour),
		broker:   mock.NewBroker(),
		notifier: &notify.Recorder{},
	}
	clock := func() time.Time { return h.now }
	h.store = storage.NewMockStorage(storage.WithClock(clock))
	cfg := settings.Defaults()
	cfg.AutoCloseExpiredOptions = autoClose
	h.rec = New(h.store, h.broker, h.broker, h.notifier, settings.Static(cfg),
		WithClock(clock), WithLogger(logger))
	return h
}

// option adds a ledger trade and, when held, the matching broker position.
func (h *harness) option(t *testing.T, und string, exp time.Time, typ occ.OptionType, strike float64,
	dir models.Direction, premium float64, held bool) uint {
	t.Helper()
	e := exp
	id, err := h.store.AddTrade(context.Background(), &models.Trade{
		Ticker:      und,
		FullSymbol:  mock.OptionSymbol(und, exp, typ, strike),
		Direction:   dir,
		OptionType:  typ,
		Strike:      strike,
		Expiration:  &e,
		EntrySize:   1,
		CurrentSize: 1,
		EntryPrice:  premium,
		EntryDate:   exp.Add(-30 * 24 * time.Hour),
	})
	require.NoError(t, err)
	if held {
		qty := 1.0
		if dir == models.Short {
			qty = -1
		}
		h.positions = append(h.positions, mock.Option(und, exp, typ, strike, qty, premium))
		h.broker.SetPositions(h.positions...)
	}
	return id
}

func TestRun_OTMClosedWorthless(t *testing.T) {
	h := newHarness(t, true)
	id := h.option(t, "SPY", expiry, occ.Put, 500, models.Short, 1.2, true)
	h.broker.SetLast("SPY", 600)

	rep, err := h.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Expired)
	assert.Equal(t, 1, rep.Closed)
	require.Len(t, rep.Results, 1)
	assert.Equal(t, FromSpot, rep.Results[0].Source)
	assert.False(t, rep.Results[0].ITM)

	tr, err := h.store.GetTrade(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.TradeClosed, tr.Status)
	require.NotNil(t, tr.ExitPrice)
	assert.Zero(t, *tr.ExitPrice)
	assert.Equal(t, models.ExpirationActionWorthless, tr.ExpirationAction)
	assert.InDelta(t, 120.0, tr.RealizedPnL, 1e-9)

	events := h.notifier.ByKind(notify.KindOptionExpired)
	require.Len(t, events, 1)
	assert.Equal(t, notify.PriorityMedium, events[0].Priority)
}

func TestRun_AtTheMoneyIsOTM(t *testing.T) {
	h := newHarness(t, true)
	h.option(t, "SPY", expiry, occ.Call, 600, models.Long, 2, true)
	h.broker.SetLast("SPY", 600)

	rep, err := h.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Closed)
}

func TestRun_ITMIsNeverAutoClosed(t *testing.T) {
	h := newHarness(t, true)
	id := h.option(t, "AAPL", expiry, occ.Call, 200, models.Short, 1.5, true)
	h.broker.SetLast("AAPL", 210)

	rep, err := h.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Review)
	assert.Zero(t, rep.Closed)
	assert.Zero(t, h.store.Calls("CloseOptionTrade"))

	tr, err := h.store.GetTrade(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.TradeOpen, tr.Status)

	tasks, err := h.store.ListTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskExpirationReview, tasks[0].Type)
	assert.Equal(t, models.PriorityExpirationReview, tasks[0].Priority)

	// the review is not re-queued every tick
	_, err = h.rec.Run(context.Background())
	require.NoError(t, err)
	tasks, _ = h.store.ListTasks(context.Background())
	assert.Len(t, tasks, 1)
}

func TestRun_PremiumHeuristicWithoutSpot(t *testing.T) {
	tests := []struct {
		name    string
		premium float64
		itm     bool
	}{
		{"rich premium is possibly ITM", 0.80, true},
		{"cheap premium is OTM", 0.30, false},
		{"threshold itself is OTM", 0.50, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, true)
			h.option(t, "TSLA", expiry, occ.Put, 180, models.Long, tt.premium, true)

			rep, err := h.rec.Run(context.Background())
			require.NoError(t, err)
			require.Len(t, rep.Results, 1)
			assert.Equal(t, FromPremium, rep.Results[0].Source)
			assert.Equal(t, tt.itm, rep.Results[0].ITM)
		})
	}
}

func TestRun_AutoCloseDisabled(t *testing.T) {
	h := newHarness(t, false)
	id := h.option(t, "SPY", expiry, occ.Put, 500, models.Short, 1.2, true)
	h.broker.SetLast("SPY", 600)

	rep, err := h.rec.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Results, 1)
	assert.Equal(t, OutcomeWorthlessManual, rep.Results[0].Outcome)

	tr, err := h.store.GetTrade(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.TradeOpen, tr.Status)
	assert.Len(t, h.notifier.ByKind(notify.KindOptionExpired), 1)
}

func TestRun_IgnoresUnexpiredAndUnheld(t *testing.T) {
	h := newHarness(t, true)
	h.option(t, "SPY", expiry.AddDate(0, 0, 7), occ.Put, 500, models.Short, 1.2, true)
	h.option(t, "QQQ", expiry, occ.Put, 400, models.Short, 0.2, false)

	rep, err := h.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Expired)
	assert.Zero(t, h.store.Calls("CloseOptionTrade"))
}

func TestRun_CloseFailureIsIsolated(t *testing.T) {
	h := newHarness(t, true)
	bad := h.option(t, "SPY", expiry, occ.Put, 500, models.Short, 0.2, true)
	good := h.option(t, "SPY", expiry, occ.Put, 490, models.Short, 0.2, true)
	h.store.CloseErrs[bad] = errors.New("locked")

	rep, err := h.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Errors)
	assert.Equal(t, 1, rep.Closed)

	tr, err := h.store.GetTrade(context.Background(), good)
	require.NoError(t, err)
	assert.Equal(t, models.TradeClosed, tr.Status)
}

func TestRun_FeedFailure(t *testing.T) {
	h := newHarness(t, true)
	h.option(t, "SPY", expiry, occ.Put, 500, models.Short, 1.2, true)
	h.broker.FailPositions(errors.New("down"))

	_, err := h.rec.Run(context.Background())
	assert.Error(t, err)
}

func TestRun_NoOptionTradesSkipsBroker(t *testing.T) {
	h := newHarness(t, true)
	rep, err := h.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Expired)
	assert.Zero(t, h.broker.Calls("GetPositionsCtx"))
}

func TestExpiringWithin(t *testing.T) {
	h := newHarness(t, true)
	h.option(t, "SPY", expiry.AddDate(0, 0, 5), occ.Call, 600, models.Long, 1, false)
	h.option(t, "SPY", expiry, occ.Call, 610, models.Long, 1, false)
	h.option(t, "SPY", expiry.AddDate(0, 0, 2), occ.Call, 620, models.Long, 1, false)
	h.option(t, "SPY", expiry.AddDate(0, 0, 10), occ.Call, 630, models.Long, 1, false)
	h.option(t, "SPY", expiry.AddDate(0, 0, -3), occ.Call, 640, models.Long, 1, false)

	got, err := h.rec.ExpiringWithin(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int{0, 2, 5}, []int{got[0].DaysLeft, got[1].DaysLeft, got[2].DaysLeft})
	assert.Zero(t, h.store.Calls("CloseOptionTrade"))
}

func TestCheckUpcoming_CriticalWindowOncePerDay(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.option(t, "SPY", expiry.AddDate(0, 0, 1), occ.Call, 600, models.Long, 1, false)
	h.option(t, "SPY", expiry.AddDate(0, 0, 2), occ.Call, 610, models.Long, 1, false)
	h.option(t, "SPY", expiry.AddDate(0, 0, 5), occ.Call, 620, models.Long, 1, false) // warning window only

	sent, err := h.rec.CheckUpcoming(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	for _, e := range h.notifier.ByKind(notify.KindOptionExpiring) {
		assert.Equal(t, notify.PriorityHigh, e.Priority)
	}

	sent, err = h.rec.CheckUpcoming(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent, "same day is deduplicated")

	h.now = h.now.Add(24 * time.Hour)
	sent, err = h.rec.CheckUpcoming(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sent, "1 and 2 day contracts are now 0 and 1 days out")
	assert.Len(t, h.notifier.ByKind(notify.KindOptionExpiring), 4)
}

func TestRun_LedgerSymbolForms(t *testing.T) {
	tests := []struct {
		name   string
		ledger string
		broker string
		pnl    float64
	}{
		{"padded OSI ledger symbol", "SPY   261016P00500000", "SPY261016P00500000", 120},
		{"mini contract", "SPY7261016P00500000", "SPY7261016P00500000", 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, true)
			ctx := context.Background()
			e := expiry
			id, err := h.store.AddTrade(ctx, &models.Trade{
				Ticker: "SPY", FullSymbol: tt.ledger, Direction: models.Short, OptionType: occ.Put,
				Strike: 500, Expiration: &e, EntrySize: 1, CurrentSize: 1, EntryPrice: 1.2,
				EntryDate: expiry.Add(-30 * 24 * time.Hour),
			})
			require.NoError(t, err)
			h.broker.SetPositions(broker.PositionItem{Symbol: tt.broker, Quantity: -1, AvgCost: 1.2})
			h.broker.SetLast("SPY", 600)

			rep, err := h.rec.Run(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, rep.Closed)

			tr, err := h.store.GetTrade(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, models.TradeClosed, tr.Status)
			assert.InDelta(t, tt.pnl, tr.RealizedPnL, 1e-9)
		})
	}
}
