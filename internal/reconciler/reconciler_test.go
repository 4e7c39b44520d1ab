package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/ledgerkeeper/internal/mock"
	"github.com/eddiefleurent/ledgerkeeper/internal/models"
	"github.com/eddiefleurent/ledgerkeeper/internal/notify"
	"github.com/eddiefleurent/ledgerkeeper/internal/occ"
	"github.com/eddiefleurent/ledgerkeeper/internal/settings"
	"github.com/eddiefleurent/ledgerkeeper/internal/storage"
)

var testNow = time.Date(2026, 10, 14, 15, 0, 0, 0, time.UTC)

type harness struct {
	store    *storage.MockStorage
	broker   *mock.Broker
	notifier *notify.Recorder
	rec      *Reconciler
}

func newHarness(t *testing.T, tweak ...func(*settings.Settings)) *harness {
	t.Helper()
	clock := func() time.Time { return testNow }
	logger, _ := test.NewNullLogger()
	cfg := settings.Defaults()
	for _, fn := range tweak {
		fn(&cfg)
	}
	h := &harness{
		store:    storage.NewMockStorage(storage.WithClock(clock)),
		broker:   mock.NewBroker(),
		notifier: &notify.Recorder{},
	}
	h.rec = New(h.store, h.broker, h.broker, h.notifier, settings.Static(cfg),
		WithClock(clock), WithLogger(logger))
	return h
}

func (h *harness) stock(t *testing.T, ticker string, dir models.Direction, size, entry float64, age time.Duration) uint {
	t.Helper()
	id, err := h.store.AddTrade(context.Background(), &models.Trade{
		Ticker:      ticker,
		Direction:   dir,
		EntrySize:   size,
		CurrentSize: size,
		EntryPrice:  entry,
		EntryDate:   testNow.Add(-age),
	})
	require.NoError(t, err)
	return id
}

func (h *harness) trade(t *testing.T, id uint) *models.Trade {
	t.Helper()
	tr, err := h.store.GetTrade(context.Background(), id)
	require.NoError(t, err)
	return tr
}

func (h *harness) tasks(t *testing.T) []models.Task {
	t.Helper()
	tasks, err := h.store.ListTasks(context.Background())
	require.NoError(t, err)
	return tasks
}

func (h *harness) openTrades(t *testing.T, ticker string) []models.Trade {
	t.Helper()
	trades, err := h.store.GetOpenTradesByTicker(context.Background(), ticker)
	require.NoError(t, err)
	return trades
}

func TestRun_ClosedPosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.stock(t, "NVDA", models.Long, 100, 100, time.Hour)
	require.NoError(t, h.store.UpdateStockPosition(ctx, "NVDA", true, models.PositionStateOpen))
	h.broker.SetLast("NVDA", 110)

	sum, err := h.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Deltas)
	assert.Equal(t, 1, sum.Applied)

	tr := h.trade(t, id)
	assert.Equal(t, models.TradeClosed, tr.Status)
	require.NotNil(t, tr.ExitPrice)
	assert.Equal(t, 110.0, *tr.ExitPrice)
	assert.Equal(t, ExitSourceBroker, tr.ExitSource)
	assert.InDelta(t, 1000.0, tr.RealizedPnL, 1e-9)
	assert.InDelta(t, 10.0, tr.RealizedPnLPct, 1e-9)
	assert.Equal(t, 1, h.store.Calls("CloseTradeWithDirection"))

	sp, err := h.store.GetStockPosition(ctx, "NVDA")
	require.NoError(t, err)
	assert.False(t, sp.HasOpenPosition)

	events := h.notifier.ByKind(notify.KindPositionClosed)
	require.Len(t, events, 1)
	assert.Equal(t, notify.PriorityHigh, events[0].Priority)

	tasks := h.tasks(t)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskPositionCloseReview, tasks[0].Type)
	assert.Equal(t, models.PriorityCloseReview, tasks[0].Priority)
	assert.Equal(t, "position_close_review:NVDA", tasks[0].CooldownKey)
}

func TestRun_CloseReviewCooldown(t *testing.T) {
	h := newHarness(t)
	h.stock(t, "NVDA", models.Long, 10, 100, 2*time.Hour)
	h.stock(t, "NVDA", models.Long, 10, 100, time.Hour)
	h.broker.SetLast("NVDA", 90)

	sum, err := h.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Applied)
	assert.Len(t, h.notifier.ByKind(notify.KindPositionClosed), 2)
	assert.Len(t, h.tasks(t), 1, "second close review is inside the cooldown window")
}

func TestRun_ExitPriceFallbacks(t *testing.T) {
	t.Run("entry price when nothing else is known", func(t *testing.T) {
		h := newHarness(t)
		id := h.stock(t, "XYZ", models.Long, 10, 42, time.Hour)

		_, err := h.rec.Run(context.Background())
		require.NoError(t, err)
		tr := h.trade(t, id)
		require.NotNil(t, tr.ExitPrice)
		assert.Equal(t, 42.0, *tr.ExitPrice)
		assert.Zero(t, tr.RealizedPnL)

		events := h.notifier.ByKind(notify.KindPositionClosed)
		require.Len(t, events, 1)
		assert.Equal(t, exitFromEntry, events[0].Fields["exit_source"])
	})

	t.Run("broker average cost on partial FIFO close", func(t *testing.T) {
		h := newHarness(t)
		old := h.stock(t, "XYZ", models.Long, 10, 40, 2*time.Hour)
		h.stock(t, "XYZ", models.Long, 10, 40, time.Hour)
		h.broker.SetPositions(mock.Stock("XYZ", 10, 45))

		_, err := h.rec.Run(context.Background())
		require.NoError(t, err)
		tr := h.trade(t, old)
		assert.Equal(t, models.TradeClosed, tr.Status)
		assert.Equal(t, 45.0, *tr.ExitPrice)
		assert.InDelta(t, 50.0, tr.RealizedPnL, 1e-9)
	})
}

func TestDetect_FIFOReduction(t *testing.T) {
	h := newHarness(t)
	oldest := h.stock(t, "AAPL", models.Long, 50, 150, 3*time.Hour)
	mid := h.stock(t, "AAPL", models.Long, 50, 155, 2*time.Hour)
	newest := h.stock(t, "AAPL", models.Long, 50, 160, time.Hour)
	h.broker.SetPositions(mock.Stock("AAPL", 90, 155))

	det, err := h.rec.Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, det.Deltas, 2)

	assert.Equal(t, models.ActionClosed, det.Deltas[0].Action)
	assert.Equal(t, oldest, det.Deltas[0].TradeID)
	assert.Equal(t, models.ActionPartial, det.Deltas[1].Action)
	assert.Equal(t, mid, det.Deltas[1].TradeID)
	assert.Equal(t, 50.0, det.Deltas[1].DBSize)
	assert.Equal(t, 40.0, det.Deltas[1].IBSize)

	sum := h.rec.Apply(context.Background(), det)
	assert.Equal(t, 2, sum.Applied)
	assert.Equal(t, models.TradeClosed, h.trade(t, oldest).Status)
	assert.Equal(t, 40.0, h.trade(t, mid).CurrentSize)
	assert.Equal(t, 50.0, h.trade(t, newest).CurrentSize)
	assert.Equal(t, 1, h.store.Calls("UpdateTradeSize"))
}

func TestDetect_SplitRatiosAreNotIncreases(t *testing.T) {
	tests := []struct {
		name   string
		broker float64
		want   int
	}{
		{"4 for 1 split", 400, 0},
		{"2 for 1 split within tolerance", 201, 0},
		{"plain increase", 175, 1},
		{"between ratios", 350, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.stock(t, "TSLA", models.Long, 100, 200, time.Hour)
			h.broker.SetPositions(mock.Stock("TSLA", tt.broker, 200))

			det, err := h.rec.Detect(context.Background())
			require.NoError(t, err)
			assert.Len(t, det.Deltas, tt.want)
		})
	}
}

func TestRun_IncreaseRecordsDetectedTrade(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.stock(t, "AMD", models.Long, 100, 100, time.Hour)
	h.broker.SetPositions(mock.Stock("AMD", 175, 110)).SetLast("AMD", 120)

	sum, err := h.rec.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Applied)

	trades := h.openTrades(t, "AMD")
	require.Len(t, trades, 2)
	detected := trades[1]
	assert.Equal(t, models.SourceDetected, detected.SourceType)
	assert.Equal(t, 75.0, detected.CurrentSize)
	assert.Equal(t, 120.0, detected.EntryPrice, "additions use the last price")

	dets, err := h.store.GetPositionDetectionsToday(ctx, "AMD", testNow)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, 75.0, dets[0].Size)

	tasks := h.tasks(t)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskPositionIncreaseReview, tasks[0].Type)
	assert.Equal(t, models.PriorityIncreaseReview, tasks[0].Priority)

	events := h.notifier.ByKind(notify.KindPositionDetected)
	require.Len(t, events, 1)
	assert.Equal(t, notify.PriorityMedium, events[0].Priority)

	// ledger and broker now agree
	sum, err = h.rec.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Deltas)
}

func TestRun_IncreaseIsIdempotentWithinDay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.RecordPositionDetection(ctx, &models.PositionDetection{
		Ticker: "META", FullSymbol: "META", Day: models.DetectionDay(testNow), Size: 51,
	}))
	h.broker.SetPositions(mock.Stock("META", 50, 500))

	sum, err := h.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)
	assert.Zero(t, h.store.Calls("RecordDetectedTrade"))
	assert.Empty(t, h.openTrades(t, "META"))
	assert.Empty(t, h.notifier.Events())
}

func TestRun_DuplicateDetectionFromStoreIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.store.DetectErr = storage.ErrDuplicateDetection
	h.broker.SetPositions(mock.Stock("META", 50, 500))

	sum, err := h.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)
	assert.Zero(t, sum.Errors)
}

func TestRun_NewPositionUsesAverageCost(t *testing.T) {
	h := newHarness(t)
	exp := mock.Date(2026, 11, 20)
	h.broker.SetPositions(mock.Option("SPY", exp, occ.Call, 600, 2, 3.5))

	sum, err := h.rec.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sum.Applied)

	trades := h.openTrades(t, "SPY")
	require.Len(t, trades, 1)
	tr := trades[0]
	assert.Equal(t, mock.OptionSymbol("SPY", exp, occ.Call, 600), tr.FullSymbol)
	assert.Equal(t, occ.Call, tr.OptionType)
	assert.Equal(t, 600.0, tr.Strike)
	assert.Equal(t, 100, tr.Multiplier)
	assert.Equal(t, 3.5, tr.EntryPrice)
	assert.Equal(t, models.Long, tr.Direction)
}

func TestRun_CustodialTransferUsesLastPrice(t *testing.T) {
	h := newHarness(t)
	h.broker.SetPositions(mock.Stock("IBM", 10, 0)).SetLast("IBM", 250)

	_, err := h.rec.Run(context.Background())
	require.NoError(t, err)
	trades := h.openTrades(t, "IBM")
	require.Len(t, trades, 1)
	assert.Equal(t, 250.0, trades[0].EntryPrice)
	assert.Contains(t, trades[0].Notes, "custodial")

	events := h.notifier.ByKind(notify.KindPositionDetected)
	require.Len(t, events, 1)
	assert.Equal(t, "true", events[0].Fields["custodial"])
}

func TestRun_IncreaseGating(t *testing.T) {
	t.Run("auto tracking disabled", func(t *testing.T) {
		h := newHarness(t, func(s *settings.Settings) { s.AutoTrackPositionIncreases = false })
		h.broker.SetPositions(mock.Stock("NFLX", 10, 700))

		sum, err := h.rec.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Skipped)
		assert.Empty(t, h.openTrades(t, "NFLX"))
	})

	t.Run("below notional floor", func(t *testing.T) {
		h := newHarness(t)
		h.broker.SetPositions(mock.Stock("F", 5, 12))

		sum, err := h.rec.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Skipped)
		assert.Contains(t, sum.Outcomes[0].Reason, "below minimum")
		assert.Empty(t, h.openTrades(t, "F"))
	})

	t.Run("option notional includes multiplier", func(t *testing.T) {
		h := newHarness(t)
		h.broker.SetPositions(mock.Option("F", mock.Date(2026, 11, 20), occ.Put, 10, 1, 1.5))

		sum, err := h.rec.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Applied, "1 contract at 1.50 clears the floor once the multiplier applies")
	})
}

func TestDetect_OppositeSideClosesAndRedetects(t *testing.T) {
	h := newHarness(t)
	id := h.stock(t, "TSLA", models.Long, 100, 200, time.Hour)
	h.broker.SetPositions(mock.Stock("TSLA", -50, 210)).SetLast("TSLA", 205)

	det, err := h.rec.Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, det.Deltas, 2)
	assert.Equal(t, models.ActionClosed, det.Deltas[0].Action)
	assert.Equal(t, id, det.Deltas[0].TradeID)
	assert.Zero(t, det.Deltas[0].BrokerAvgCost)
	assert.Equal(t, models.ActionIncrease, det.Deltas[1].Action)
	assert.True(t, det.Deltas[1].IsNew)
	assert.Equal(t, models.Short, det.Deltas[1].Direction)

	sum := h.rec.Apply(context.Background(), det)
	assert.Equal(t, 2, sum.Applied)
	assert.Equal(t, 205.0, *h.trade(t, id).ExitPrice)

	open := h.openTrades(t, "TSLA")
	require.Len(t, open, 1)
	assert.Equal(t, models.Short, open[0].Direction)
	assert.Equal(t, 50.0, open[0].CurrentSize)
	assert.Equal(t, 210.0, open[0].EntryPrice)
}

func TestDetect_PendingOrdersSuppressIncreases(t *testing.T) {
	t.Run("ticker with pending order", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.store.AddTrade(context.Background(), &models.Trade{
			Ticker: "AMD", Direction: models.Long, EntrySize: 10, CurrentSize: 10, EntryPrice: 100,
			EntryDate: testNow.Add(-time.Hour), PendingOrder: true,
		})
		require.NoError(t, err)
		h.broker.SetPositions(mock.Stock("AMD", 35, 100), mock.Stock("NVDA", 10, 150))

		det, err := h.rec.Detect(context.Background())
		require.NoError(t, err)
		require.Len(t, det.Deltas, 1)
		assert.Equal(t, "NVDA", det.Deltas[0].FullSymbol)
	})

	t.Run("pending orders unavailable", func(t *testing.T) {
		h := newHarness(t)
		h.store.PendingOrdersErr = errors.New("db timeout")
		id := h.stock(t, "AMD", models.Long, 10, 100, time.Hour)
		h.broker.SetPositions(mock.Stock("NVDA", 10, 150))

		det, err := h.rec.Detect(context.Background())
		require.NoError(t, err)
		assert.True(t, det.IncreasesSuppressed)
		require.Len(t, det.Deltas, 1, "closes still flow")
		assert.Equal(t, id, det.Deltas[0].TradeID)
	})
}

func TestRun_FeedFailureAbortsTick(t *testing.T) {
	h := newHarness(t)
	id := h.stock(t, "NVDA", models.Long, 100, 100, time.Hour)
	h.broker.FailPositions(errors.New("gateway timeout"))

	sum, err := h.rec.Run(context.Background())
	assert.Error(t, err)
	assert.Nil(t, sum)
	assert.Equal(t, models.TradeOpen, h.trade(t, id).Status)
	assert.Zero(t, h.store.Calls("CloseTradeWithDirection"))
	assert.Empty(t, h.notifier.Events())
}

func TestRun_LedgerFailureAbortsTick(t *testing.T) {
	h := newHarness(t)
	h.store.OpenTradesErr = errors.New("db down")

	_, err := h.rec.Run(context.Background())
	assert.Error(t, err)
	assert.Zero(t, h.broker.Calls("GetPositionsCtx"))
}

func TestRun_PerDeltaFailuresAreIsolated(t *testing.T) {
	h := newHarness(t)
	panicky := h.stock(t, "AAA", models.Long, 10, 10, time.Hour)
	failing := h.stock(t, "BBB", models.Long, 10, 10, time.Hour)
	fine := h.stock(t, "CCC", models.Long, 10, 10, time.Hour)
	h.store.ClosePanics[panicky] = true
	h.store.CloseErrs[failing] = errors.New("constraint violation")

	sum, err := h.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Deltas)
	assert.Equal(t, 2, sum.Errors)
	assert.Equal(t, 1, sum.Applied)
	assert.Equal(t, models.TradeClosed, h.trade(t, fine).Status)
	assert.Equal(t, models.TradeOpen, h.trade(t, panicky).Status)
}

func TestRun_PutAssignment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	exp := mock.Date(2026, 10, 9)
	put, err := h.store.AddTrade(ctx, &models.Trade{
		Ticker:      "AMD",
		FullSymbol:  mock.OptionSymbol("AMD", exp, occ.Put, 100),
		Direction:   models.Short,
		OptionType:  occ.Put,
		Strike:      100,
		Expiration:  &exp,
		Multiplier:  100,
		EntrySize:   1,
		CurrentSize: 1,
		EntryPrice:  2.5,
		EntryDate:   testNow.Add(-72 * time.Hour),
	})
	require.NoError(t, err)
	h.broker.SetPositions(mock.Stock("AMD", 100, 100))

	sum, err := h.rec.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Assignments)
	assert.Equal(t, 1, h.store.Calls("CloseOptionTrade"))
	assert.Equal(t, models.TradeClosed, h.trade(t, put).Status)

	var found bool
	for _, task := range h.tasks(t) {
		if task.Type == models.TaskReviewAssignment {
			found = true
			assert.Equal(t, models.PriorityAssignmentReview, task.Priority)
			assert.Equal(t, "review_assignment:AMD", task.CooldownKey)
		}
	}
	assert.True(t, found, "assignment review queued")
	assert.Len(t, h.notifier.ByKind(notify.KindAssignment), 1)
}

func TestRun_SmallShareIncreaseIsNotAssignment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	exp := mock.Date(2026, 11, 20)
	_, err := h.store.AddTrade(ctx, &models.Trade{
		Ticker:      "AMD",
		FullSymbol:  mock.OptionSymbol("AMD", exp, occ.Put, 100),
		Direction:   models.Short,
		OptionType:  occ.Put,
		Strike:      100,
		Expiration:  &exp,
		EntrySize:   2,
		CurrentSize: 2,
		EntryPrice:  2.5,
		EntryDate:   testNow.Add(-time.Hour),
	})
	require.NoError(t, err)
	h.broker.SetPositions(
		mock.Option("AMD", exp, occ.Put, 100, -2, 2.5),
		mock.Stock("AMD", 100, 100),
	)

	sum, err := h.rec.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Assignments, "100 shares against 2 contracts is below 90%")
	assert.Empty(t, h.notifier.ByKind(notify.KindAssignment))
}

func TestDetect_KeysOptionsByContract(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	exp := mock.Date(2026, 11, 20)
	sym := mock.OptionSymbol("QQQ", exp, occ.Call, 500)
	_, err := h.store.AddTrade(ctx, &models.Trade{
		Ticker: "QQQ", FullSymbol: sym, Direction: models.Long, OptionType: occ.Call,
		Strike: 500, Expiration: &exp, EntrySize: 1, CurrentSize: 1, EntryPrice: 4,
		EntryDate: testNow.Add(-time.Hour),
	})
	require.NoError(t, err)
	// same underlying, different strike: one close, one new contract
	h.broker.SetPositions(mock.Option("QQQ", exp, occ.Call, 510, 1, 3))

	det, err := h.rec.Detect(ctx)
	require.NoError(t, err)
	require.Len(t, det.Deltas, 2)
	assert.Equal(t, models.ActionClosed, det.Deltas[0].Action)
	assert.Equal(t, sym, det.Deltas[0].FullSymbol)
	assert.True(t, det.Deltas[1].IsNew)
	assert.Equal(t, mock.OptionSymbol("QQQ", exp, occ.Call, 510), det.Deltas[1].FullSymbol)
}

func TestRun_PaddedSymbolMatchesBroker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	exp := mock.Date(2026, 11, 20)
	_, err := h.store.AddTrade(ctx, &models.Trade{
		Ticker: "QQQ", FullSymbol: "QQQ   261120C00500000", Direction: models.Long, OptionType: occ.Call,
		Strike: 500, Expiration: &exp, EntrySize: 1, CurrentSize: 1, EntryPrice: 4,
		EntryDate: testNow.Add(-time.Hour),
	})
	require.NoError(t, err)
	h.broker.SetPositions(mock.Option("QQQ", exp, occ.Call, 500, 1, 4))

	sum, err := h.rec.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Deltas)
	assert.Zero(t, h.store.Calls("CloseOptionTrade"))
	assert.Len(t, h.openTrades(t, "QQQ"), 1)
}

func TestRun_MiniContractClosePnL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	exp := mock.Date(2026, 11, 20)
	id, err := h.store.AddTrade(ctx, &models.Trade{
		Ticker: "SPY", FullSymbol: "SPY7261120C00500000", Direction: models.Long, OptionType: occ.Call,
		Strike: 500, Expiration: &exp, EntrySize: 1, CurrentSize: 1, EntryPrice: 4,
		EntryDate: testNow.Add(-time.Hour),
	})
	require.NoError(t, err)
	h.broker.SetLast("SPY7261120C00500000", 6)

	_, err = h.rec.Run(ctx)
	require.NoError(t, err)

	tr := h.trade(t, id)
	assert.Equal(t, models.TradeClosed, tr.Status)
	assert.InDelta(t, 20.0, tr.RealizedPnL, 1e-9, "mini contracts carry 10 shares")
}

func TestRun_DetectedEntryRoundsToTick(t *testing.T) {
	tests := []struct {
		name string
		last float64
		want float64
	}{
		{"cents", 120.456, 120.46},
		{"sub-dollar keeps four places", 0.56789, 0.5679},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(s *settings.Settings) { s.PositionDetectMinValue = 0 })
			h.stock(t, "AMD", models.Long, 100, 100, time.Hour)
			h.broker.SetPositions(mock.Stock("AMD", 175, 110)).SetLast("AMD", tt.last)

			_, err := h.rec.Run(context.Background())
			require.NoError(t, err)

			trades := h.openTrades(t, "AMD")
			require.Len(t, trades, 2)
			assert.InDelta(t, tt.want, trades[1].EntryPrice, 1e-9)
		})
	}
}
