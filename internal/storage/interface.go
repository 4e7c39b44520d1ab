// Package storage persists the ledger: trades, detection markers, stock
// position flags, review tasks and watchlist entries.
package storage

import (
	"context"
	"strings"
	"time"

	"github.com/eddiefleurent/ledgerkeeper/internal/models"
	"github.com/eddiefleurent/ledgerkeeper/internal/util"
)

// DetectionSizeTolerancePct is how close a same-day detection's size must be
// to count as the same observation.
const DetectionSizeTolerancePct = 5.0

// Interface defines the contract for ledger persistence.
//
// Implementations must be safe for concurrent use - callers can assume all methods
// are goroutine-safe and can safely call these methods from multiple goroutines.
type Interface interface {
	// Trades
	GetAllOpenTrades(ctx context.Context) ([]models.Trade, error)
	GetOpenTradesByTicker(ctx context.Context, ticker string) ([]models.Trade, error)
	GetTradesWithPendingOrders(ctx context.Context) ([]models.Trade, error)
	GetTrade(ctx context.Context, id uint) (*models.Trade, error)
	AddTrade(ctx context.Context, trade *models.Trade) (uint, error)
	AddTradeDetected(ctx context.Context, trade *models.Trade) (uint, error)
	CloseTradeWithDirection(ctx context.Context, id uint, exit models.TradeExit) error
	CloseOptionTrade(ctx context.Context, id uint, exit models.TradeExit) error
	UpdateTradeSize(ctx context.Context, id uint, newSize float64) error

	// Detection markers
	RecordPositionDetection(ctx context.Context, det *models.PositionDetection) error
	GetPositionDetectionsToday(ctx context.Context, fullSymbol string, now time.Time) ([]models.PositionDetection, error)
	// RecordDetectedTrade inserts a detected trade and its marker atomically.
	// It returns ErrDuplicateDetection, writing nothing, when a similar
	// marker already exists for det.FullSymbol on det.Day.
	RecordDetectedTrade(ctx context.Context, trade *models.Trade, det models.PositionDetection) (uint, error)

	// Stock position flags
	UpdateStockPosition(ctx context.Context, ticker string, hasOpenPosition bool, positionState string) error
	GetStockPosition(ctx context.Context, ticker string) (*models.StockPosition, error)

	// Tasks. QueueTask reports false when the cooldown key suppressed the task.
	QueueTask(ctx context.Context, req models.TaskRequest) (bool, error)
	ListTasks(ctx context.Context) ([]models.Task, error)

	// Watchlist
	GetActiveWatchlist(ctx context.Context) ([]models.WatchlistEntry, error)
	ListWatchlist(ctx context.Context) ([]models.WatchlistEntry, error)
	AddWatchlistEntry(ctx context.Context, entry *models.WatchlistEntry) (uint, error)
	UpdateWatchlistStatus(ctx context.Context, id uint, status models.WatchlistStatus, notes string) error

	Close() error
}

// Option configures a storage implementation.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides time.Now for marker days and task cooldowns.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewStorage opens the ledger named by dsn. An empty dsn or a path ending in
// .json selects MemoryStorage; anything else is handed to GORM.
func NewStorage(dsn string, opts ...Option) (Interface, error) {
	if dsn == "" || strings.HasSuffix(strings.ToLower(dsn), ".json") {
		return NewMemoryStorage(dsn, opts...)
	}
	return NewGormStorage(dsn, nil, opts...)
}

// HasSimilarDetection reports whether any marker's size is within
// DetectionSizeTolerancePct of size.
func HasSimilarDetection(dets []models.PositionDetection, size float64) bool {
	for _, d := range dets {
		if util.WithinPct(size, d.Size, DetectionSizeTolerancePct) {
			return true
		}
	}
	return false
}

func normalizeTicker(t string) string {
	return strings.ToUpper(strings.TrimSpace(t))
}

// Ensure implementations satisfy Interface
var (
	_ Interface = (*MemoryStorage)(nil)
	_ Interface = (*GormStorage)(nil)
	_ Interface = (*MockStorage)(nil)
)
