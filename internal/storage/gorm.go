package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/eddiefleurent/ledgerkeeper/internal/models"
)

// GormStorage is the SQL ledger. Postgres DSNs (postgres:// or
// postgresql://) use the pgx-backed driver; anything else opens SQLite.
type GormStorage struct {
	db       *gorm.DB
	log      logrus.FieldLogger
	now      func() time.Time
	postgres bool
}

// NewGormStorage opens the database and migrates the ledger tables.
func NewGormStorage(dsn string, log logrus.FieldLogger, opts ...Option) (*GormStorage, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	o := buildOptions(opts)

	isPostgres := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
	var dialector gorm.Dialector
	if isPostgres {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return o.now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}

	if !isPostgres {
		// SQLite allows one writer; a single connection also keeps
		// :memory: databases from splitting across connections.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("ledger sql handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(
		&models.Trade{},
		&models.PositionDetection{},
		&models.StockPosition{},
		&models.Task{},
		&models.WatchlistEntry{},
	); err != nil {
		return nil, fmt.Errorf("migrating ledger tables: %w", err)
	}

	log.WithField("postgres", isPostgres).Info("ledger database ready")
	return &GormStorage{db: db, log: log, now: o.now, postgres: isPostgres}, nil
}

// Close closes the underlying connection pool.
func (s *GormStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database connection.
func (s *GormStorage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStorage) openTrades(ctx context.Context, where string, args ...interface{}) ([]models.Trade, error) {
	var trades []models.Trade
	q := s.db.WithContext(ctx).Where("status = ?", models.TradeOpen)
	if where != "" {
		q = q.Where(where, args...)
	}
	if err := q.Order("entry_date asc, id asc").Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("loading open trades: %w", err)
	}
	return trades, nil
}

// GetAllOpenTrades returns open trades oldest first.
func (s *GormStorage) GetAllOpenTrades(ctx context.Context) ([]models.Trade, error) {
	return s.openTrades(ctx, "")
}

// GetOpenTradesByTicker returns open trades for ticker oldest first.
func (s *GormStorage) GetOpenTradesByTicker(ctx context.Context, ticker string) ([]models.Trade, error) {
	return s.openTrades(ctx, "ticker = ?", normalizeTicker(ticker))
}

// GetTradesWithPendingOrders returns open trades with an order in flight.
func (s *GormStorage) GetTradesWithPendingOrders(ctx context.Context) ([]models.Trade, error) {
	return s.openTrades(ctx, "pending_order = ?", true)
}

// GetTrade returns one trade by ID.
func (s *GormStorage) GetTrade(ctx context.Context, id uint) (*models.Trade, error) {
	var t models.Trade
	if err := s.db.WithContext(ctx).First(&t, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("trade %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("loading trade %d: %w", id, err)
	}
	return &t, nil
}

func prepareTrade(trade *models.Trade, now time.Time) {
	trade.Ticker = normalizeTicker(trade.Ticker)
	if trade.Status == "" {
		trade.Status = models.TradeOpen
	}
	if trade.EntryDate.IsZero() {
		trade.EntryDate = now
	}
	// Stored times compare as text in SQLite; keep them in one zone.
	trade.EntryDate = trade.EntryDate.UTC()
}

// AddTrade inserts a trade and sets trade.ID.
func (s *GormStorage) AddTrade(ctx context.Context, trade *models.Trade) (uint, error) {
	prepareTrade(trade, s.now())
	if err := s.db.WithContext(ctx).Create(trade).Error; err != nil {
		return 0, fmt.Errorf("inserting trade %s: %w", trade.Ticker, err)
	}
	return trade.ID, nil
}

// AddTradeDetected inserts a trade created from broker state.
func (s *GormStorage) AddTradeDetected(ctx context.Context, trade *models.Trade) (uint, error) {
	trade.SourceType = models.SourceDetected
	return s.AddTrade(ctx, trade)
}

// CloseTradeWithDirection closes a stock trade.
func (s *GormStorage) CloseTradeWithDirection(ctx context.Context, id uint, exit models.TradeExit) error {
	return s.closeTrade(ctx, id, exit, "")
}

// CloseOptionTrade closes an option trade and records the expiration action.
func (s *GormStorage) CloseOptionTrade(ctx context.Context, id uint, exit models.TradeExit) error {
	return s.closeTrade(ctx, id, exit, exit.ExpirationAction)
}

func (s *GormStorage) closeTrade(ctx context.Context, id uint, exit models.TradeExit, expirationAction string) error {
	at := exit.At
	if at.IsZero() {
		at = s.now()
	}
	updates := map[string]interface{}{
		"status":            models.TradeClosed,
		"exit_price":        exit.Price,
		"exit_date":         at.UTC(),
		"exit_source":       exit.Source,
		"expiration_action": expirationAction,
		"realized_pnl":      exit.RealizedPnL,
		"realized_pnl_pct":  exit.RealizedPnLPct,
	}
	if exit.Direction != "" {
		updates["direction"] = exit.Direction
	}
	return s.updateOpenTrade(ctx, id, updates)
}

// updateOpenTrade applies updates only while the trade is open, so a
// concurrent close cannot be overwritten.
func (s *GormStorage) updateOpenTrade(ctx context.Context, id uint, updates map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&models.Trade{}).
		Where("id = ? AND status = ?", id, models.TradeOpen).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("updating trade %d: %w", id, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if _, err := s.GetTrade(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("trade %d: %w", id, ErrTradeClosed)
}

// UpdateTradeSize sets the current size of an open trade.
func (s *GormStorage) UpdateTradeSize(ctx context.Context, id uint, newSize float64) error {
	return s.updateOpenTrade(ctx, id, map[string]interface{}{"current_size": newSize})
}

func (s *GormStorage) prepareDetection(det *models.PositionDetection) {
	det.Ticker = normalizeTicker(det.Ticker)
	if det.DetectedAt.IsZero() {
		det.DetectedAt = s.now()
	}
	if det.Day == "" {
		det.Day = models.DetectionDay(det.DetectedAt)
	}
	det.DetectedAt = det.DetectedAt.UTC()
}

// RecordPositionDetection stores a detection marker.
func (s *GormStorage) RecordPositionDetection(ctx context.Context, det *models.PositionDetection) error {
	s.prepareDetection(det)
	if err := s.db.WithContext(ctx).Create(det).Error; err != nil {
		return fmt.Errorf("recording detection %s: %w", det.FullSymbol, err)
	}
	return nil
}

// GetPositionDetectionsToday returns markers for fullSymbol on now's day.
func (s *GormStorage) GetPositionDetectionsToday(ctx context.Context, fullSymbol string, now time.Time) ([]models.PositionDetection, error) {
	return detectionsOn(s.db.WithContext(ctx), fullSymbol, models.DetectionDay(now))
}

func detectionsOn(db *gorm.DB, fullSymbol, day string) ([]models.PositionDetection, error) {
	var dets []models.PositionDetection
	if err := db.Where("full_symbol = ? AND day = ?", fullSymbol, day).Order("id asc").Find(&dets).Error; err != nil {
		return nil, fmt.Errorf("loading detections for %s: %w", fullSymbol, err)
	}
	return dets, nil
}

// RecordDetectedTrade re-checks the same-day marker and inserts the trade
// and marker in one transaction. On Postgres a transaction-scoped advisory
// lock keyed by the symbol serializes racing writers.
func (s *GormStorage) RecordDetectedTrade(ctx context.Context, trade *models.Trade, det models.PositionDetection) (uint, error) {
	s.prepareDetection(&det)
	prepareTrade(trade, s.now())
	trade.SourceType = models.SourceDetected

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.postgres {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", det.FullSymbol).Error; err != nil {
				return fmt.Errorf("advisory lock %s: %w", det.FullSymbol, err)
			}
		}

		existing, err := detectionsOn(tx, det.FullSymbol, det.Day)
		if err != nil {
			return err
		}
		if HasSimilarDetection(existing, det.Size) {
			return fmt.Errorf("%s on %s: %w", det.FullSymbol, det.Day, ErrDuplicateDetection)
		}

		if err := tx.Create(trade).Error; err != nil {
			return fmt.Errorf("inserting detected trade %s: %w", trade.Ticker, err)
		}
		det.TradeID = trade.ID
		if err := tx.Create(&det).Error; err != nil {
			return fmt.Errorf("recording detection %s: %w", det.FullSymbol, err)
		}
		return nil
	})
	if err != nil {
		trade.ID = 0
		return 0, err
	}
	return trade.ID, nil
}

// UpdateStockPosition upserts the open-position flag for ticker.
func (s *GormStorage) UpdateStockPosition(ctx context.Context, ticker string, hasOpenPosition bool, positionState string) error {
	sp := models.StockPosition{
		Ticker:          normalizeTicker(ticker),
		HasOpenPosition: hasOpenPosition,
		PositionState:   positionState,
		UpdatedAt:       s.now(),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&sp).Error; err != nil {
		return fmt.Errorf("updating stock position %s: %w", sp.Ticker, err)
	}
	return nil
}

// GetStockPosition returns the flag row for ticker.
func (s *GormStorage) GetStockPosition(ctx context.Context, ticker string) (*models.StockPosition, error) {
	var sp models.StockPosition
	err := s.db.WithContext(ctx).Where("ticker = ?", normalizeTicker(ticker)).First(&sp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("stock position %s: %w", ticker, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading stock position %s: %w", ticker, err)
	}
	return &sp, nil
}

// QueueTask enqueues a task unless its cooldown key fired recently.
func (s *GormStorage) QueueTask(ctx context.Context, req models.TaskRequest) (bool, error) {
	now := s.now().UTC()
	queued := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if req.CooldownKey != "" && req.CooldownHours > 0 {
			since := now.Add(-time.Duration(req.CooldownHours * float64(time.Hour)))
			var n int64
			if err := tx.Model(&models.Task{}).
				Where("cooldown_key = ? AND created_at > ?", req.CooldownKey, since).
				Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return nil
			}
		}

		task := models.NewTask(req, now)
		task.Ticker = normalizeTicker(task.Ticker)
		if err := tx.Create(&task).Error; err != nil {
			return err
		}
		queued = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("queueing %s task for %s: %w", req.Type, req.Ticker, err)
	}
	return queued, nil
}

// ListTasks returns all tasks in insertion order.
func (s *GormStorage) ListTasks(ctx context.Context) ([]models.Task, error) {
	var tasks []models.Task
	if err := s.db.WithContext(ctx).Order("id asc").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return tasks, nil
}

// GetActiveWatchlist returns active entries in ID order.
func (s *GormStorage) GetActiveWatchlist(ctx context.Context) ([]models.WatchlistEntry, error) {
	var entries []models.WatchlistEntry
	if err := s.db.WithContext(ctx).Where("status = ?", models.WatchlistActive).Order("id asc").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("loading active watchlist: %w", err)
	}
	return entries, nil
}

// ListWatchlist returns every entry in ID order.
func (s *GormStorage) ListWatchlist(ctx context.Context) ([]models.WatchlistEntry, error) {
	var entries []models.WatchlistEntry
	if err := s.db.WithContext(ctx).Order("id asc").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("listing watchlist: %w", err)
	}
	return entries, nil
}

// AddWatchlistEntry inserts an entry; an empty status becomes active.
func (s *GormStorage) AddWatchlistEntry(ctx context.Context, entry *models.WatchlistEntry) (uint, error) {
	entry.Ticker = normalizeTicker(entry.Ticker)
	if entry.Status == "" {
		entry.Status = models.WatchlistActive
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return 0, fmt.Errorf("inserting watchlist entry %s: %w", entry.Ticker, err)
	}
	return entry.ID, nil
}

// UpdateWatchlistStatus moves an active entry to status. The update is
// conditional on the row still being active.
func (s *GormStorage) UpdateWatchlistStatus(ctx context.Context, id uint, status models.WatchlistStatus, notes string) error {
	if err := models.ValidateTransition(models.WatchlistActive, status); err != nil {
		return fmt.Errorf("watchlist %d: %w: %v", id, ErrInvalidTransition, err)
	}

	updates := map[string]interface{}{"status": status}
	if notes != "" {
		updates["notes"] = notes
	}
	res := s.db.WithContext(ctx).Model(&models.WatchlistEntry{}).
		Where("id = ? AND status = ?", id, models.WatchlistActive).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("updating watchlist %d: %w", id, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var e models.WatchlistEntry
	if err := s.db.WithContext(ctx).First(&e, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("watchlist %d: %w", id, ErrNotFound)
		}
		return fmt.Errorf("loading watchlist %d: %w", id, err)
	}
	return fmt.Errorf("watchlist %d is %s: %w", id, e.Status, ErrInvalidTransition)
}
