package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/eddiefleurent/ledgerkeeper/internal/models"
)

// MemoryStorage keeps the ledger in memory and, when given a path, mirrors
// it to a JSON file after every mutation.
type MemoryStorage struct {
	mu       sync.RWMutex
	data     *memoryData
	now      func() time.Time
	filepath string
}

type memoryData struct {
	Trades          []models.Trade                  `json:"trades"`
	Detections      []models.PositionDetection      `json:"detections"`
	StockPositions  map[string]models.StockPosition `json:"stock_positions"`
	Tasks           []models.Task                   `json:"tasks"`
	Watchlist       []models.WatchlistEntry         `json:"watchlist"`
	NextTradeID     uint                            `json:"next_trade_id"`
	NextDetectionID uint                            `json:"next_detection_id"`
	NextTaskID      uint                            `json:"next_task_id"`
	NextWatchlistID uint                            `json:"next_watchlist_id"`
	LastUpdated     time.Time                       `json:"last_updated"`
}

// NewMemoryStorage creates a memory store. An existing file at filepath is loaded.
func NewMemoryStorage(filepath string, opts ...Option) (*MemoryStorage, error) {
	o := buildOptions(opts)
	s := &MemoryStorage{
		filepath: filepath,
		now:      o.now,
		data:     newMemoryData(),
	}

	if filepath != "" {
		if _, err := os.Stat(filepath); err == nil {
			if err := s.Load(); err != nil {
				return nil, fmt.Errorf("loading storage: %w", err)
			}
		}
	}
	return s, nil
}

func newMemoryData() *memoryData {
	return &memoryData{StockPositions: make(map[string]models.StockPosition)}
}

// Load replaces the in-memory ledger with the file contents.
func (s *MemoryStorage) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}
	data := newMemoryData()
	if err := json.Unmarshal(raw, data); err != nil {
		return err
	}
	if data.StockPositions == nil {
		data.StockPositions = make(map[string]models.StockPosition)
	}
	s.data = data
	return nil
}

// saveLocked writes the ledger to a temp file and renames it over the
// target. Caller holds s.mu.
func (s *MemoryStorage) saveLocked() error {
	if s.filepath == "" {
		return nil
	}
	s.data.LastUpdated = s.now()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpFile, s.filepath)
}

// Close flushes the ledger to disk.
func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func cloneTrade(t models.Trade) models.Trade {
	if t.Expiration != nil {
		exp := *t.Expiration
		t.Expiration = &exp
	}
	if t.ExitPrice != nil {
		p := *t.ExitPrice
		t.ExitPrice = &p
	}
	if t.ExitDate != nil {
		d := *t.ExitDate
		t.ExitDate = &d
	}
	return t
}

func cloneEntry(e models.WatchlistEntry) models.WatchlistEntry {
	if e.EntryPrice != nil {
		p := *e.EntryPrice
		e.EntryPrice = &p
	}
	if e.InvalidationPrice != nil {
		p := *e.InvalidationPrice
		e.InvalidationPrice = &p
	}
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		e.ExpiresAt = &t
	}
	return e
}

// sortFIFO orders trades oldest first, ties broken by ID.
func sortFIFO(trades []models.Trade) {
	sort.SliceStable(trades, func(i, j int) bool {
		if !trades[i].EntryDate.Equal(trades[j].EntryDate) {
			return trades[i].EntryDate.Before(trades[j].EntryDate)
		}
		return trades[i].ID < trades[j].ID
	})
}

func (s *MemoryStorage) filterTrades(keep func(*models.Trade) bool) []models.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Trade
	for i := range s.data.Trades {
		if keep(&s.data.Trades[i]) {
			out = append(out, cloneTrade(s.data.Trades[i]))
		}
	}
	sortFIFO(out)
	return out
}

// GetAllOpenTrades returns open trades oldest first.
func (s *MemoryStorage) GetAllOpenTrades(_ context.Context) ([]models.Trade, error) {
	return s.filterTrades(func(t *models.Trade) bool { return t.Status == models.TradeOpen }), nil
}

// GetOpenTradesByTicker returns open trades for ticker oldest first.
func (s *MemoryStorage) GetOpenTradesByTicker(_ context.Context, ticker string) ([]models.Trade, error) {
	ticker = normalizeTicker(ticker)
	return s.filterTrades(func(t *models.Trade) bool {
		return t.Status == models.TradeOpen && t.Ticker == ticker
	}), nil
}

// GetTradesWithPendingOrders returns open trades with an order in flight.
func (s *MemoryStorage) GetTradesWithPendingOrders(_ context.Context) ([]models.Trade, error) {
	return s.filterTrades(func(t *models.Trade) bool {
		return t.Status == models.TradeOpen && t.PendingOrder
	}), nil
}

// GetTrade returns one trade by ID.
func (s *MemoryStorage) GetTrade(_ context.Context, id uint) (*models.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.tradeIndexLocked(id)
	if idx < 0 {
		return nil, fmt.Errorf("trade %d: %w", id, ErrNotFound)
	}
	t := cloneTrade(s.data.Trades[idx])
	return &t, nil
}

func (s *MemoryStorage) tradeIndexLocked(id uint) int {
	for i := range s.data.Trades {
		if s.data.Trades[i].ID == id {
			return i
		}
	}
	return -1
}

// AddTrade inserts a trade and sets trade.ID.
func (s *MemoryStorage) AddTrade(_ context.Context, trade *models.Trade) (uint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.insertTradeLocked(trade)
	return trade.ID, s.saveLocked()
}

// AddTradeDetected inserts a trade created from broker state.
func (s *MemoryStorage) AddTradeDetected(ctx context.Context, trade *models.Trade) (uint, error) {
	trade.SourceType = models.SourceDetected
	return s.AddTrade(ctx, trade)
}

func (s *MemoryStorage) insertTradeLocked(trade *models.Trade) {
	s.data.NextTradeID++
	now := s.now()
	trade.ID = s.data.NextTradeID
	trade.Ticker = normalizeTicker(trade.Ticker)
	if trade.Status == "" {
		trade.Status = models.TradeOpen
	}
	if trade.EntryDate.IsZero() {
		trade.EntryDate = now
	}
	trade.CreatedAt = now
	trade.UpdatedAt = now
	s.data.Trades = append(s.data.Trades, cloneTrade(*trade))
}

// CloseTradeWithDirection closes a stock trade.
func (s *MemoryStorage) CloseTradeWithDirection(_ context.Context, id uint, exit models.TradeExit) error {
	return s.closeTrade(id, exit, "")
}

// CloseOptionTrade closes an option trade and records the expiration action.
func (s *MemoryStorage) CloseOptionTrade(_ context.Context, id uint, exit models.TradeExit) error {
	return s.closeTrade(id, exit, exit.ExpirationAction)
}

func (s *MemoryStorage) closeTrade(id uint, exit models.TradeExit, expirationAction string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.tradeIndexLocked(id)
	if idx < 0 {
		return fmt.Errorf("trade %d: %w", id, ErrNotFound)
	}
	t := &s.data.Trades[idx]
	if t.Status != models.TradeOpen {
		return fmt.Errorf("trade %d: %w", id, ErrTradeClosed)
	}
	applyExit(t, exit, expirationAction, s.now())
	return s.saveLocked()
}

func applyExit(t *models.Trade, exit models.TradeExit, expirationAction string, now time.Time) {
	at := exit.At
	if at.IsZero() {
		at = now
	}
	price := exit.Price
	t.Status = models.TradeClosed
	t.ExitPrice = &price
	t.ExitDate = &at
	t.ExitSource = exit.Source
	t.ExpirationAction = expirationAction
	t.RealizedPnL = exit.RealizedPnL
	t.RealizedPnLPct = exit.RealizedPnLPct
	if exit.Direction != "" {
		t.Direction = exit.Direction
	}
	t.UpdatedAt = now
}

// UpdateTradeSize sets the current size of an open trade.
func (s *MemoryStorage) UpdateTradeSize(_ context.Context, id uint, newSize float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.tradeIndexLocked(id)
	if idx < 0 {
		return fmt.Errorf("trade %d: %w", id, ErrNotFound)
	}
	t := &s.data.Trades[idx]
	if t.Status != models.TradeOpen {
		return fmt.Errorf("trade %d: %w", id, ErrTradeClosed)
	}
	t.CurrentSize = newSize
	t.UpdatedAt = s.now()
	return s.saveLocked()
}

// RecordPositionDetection stores a detection marker.
func (s *MemoryStorage) RecordPositionDetection(_ context.Context, det *models.PositionDetection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.insertDetectionLocked(det)
	return s.saveLocked()
}

func (s *MemoryStorage) insertDetectionLocked(det *models.PositionDetection) {
	s.data.NextDetectionID++
	det.ID = s.data.NextDetectionID
	det.Ticker = normalizeTicker(det.Ticker)
	if det.DetectedAt.IsZero() {
		det.DetectedAt = s.now()
	}
	if det.Day == "" {
		det.Day = models.DetectionDay(det.DetectedAt)
	}
	s.data.Detections = append(s.data.Detections, *det)
}

// GetPositionDetectionsToday returns markers for fullSymbol on now's day.
func (s *MemoryStorage) GetPositionDetectionsToday(_ context.Context, fullSymbol string, now time.Time) ([]models.PositionDetection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.detectionsLocked(fullSymbol, models.DetectionDay(now)), nil
}

func (s *MemoryStorage) detectionsLocked(fullSymbol, day string) []models.PositionDetection {
	var out []models.PositionDetection
	for _, d := range s.data.Detections {
		if d.FullSymbol == fullSymbol && d.Day == day {
			out = append(out, d)
		}
	}
	return out
}

// RecordDetectedTrade inserts a detected trade and its marker under one lock.
func (s *MemoryStorage) RecordDetectedTrade(_ context.Context, trade *models.Trade, det models.PositionDetection) (uint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if det.Day == "" {
		det.Day = models.DetectionDay(s.now())
	}
	if HasSimilarDetection(s.detectionsLocked(det.FullSymbol, det.Day), det.Size) {
		return 0, fmt.Errorf("%s on %s: %w", det.FullSymbol, det.Day, ErrDuplicateDetection)
	}

	trade.SourceType = models.SourceDetected
	s.insertTradeLocked(trade)
	det.TradeID = trade.ID
	s.insertDetectionLocked(&det)
	return trade.ID, s.saveLocked()
}

// UpdateStockPosition upserts the open-position flag for ticker.
func (s *MemoryStorage) UpdateStockPosition(_ context.Context, ticker string, hasOpenPosition bool, positionState string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticker = normalizeTicker(ticker)
	s.data.StockPositions[ticker] = models.StockPosition{
		Ticker:          ticker,
		HasOpenPosition: hasOpenPosition,
		PositionState:   positionState,
		UpdatedAt:       s.now(),
	}
	return s.saveLocked()
}

// GetStockPosition returns the flag row for ticker.
func (s *MemoryStorage) GetStockPosition(_ context.Context, ticker string) (*models.StockPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sp, ok := s.data.StockPositions[normalizeTicker(ticker)]
	if !ok {
		return nil, fmt.Errorf("stock position %s: %w", ticker, ErrNotFound)
	}
	return &sp, nil
}

// QueueTask enqueues a task unless its cooldown key fired recently.
func (s *MemoryStorage) QueueTask(_ context.Context, req models.TaskRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if req.CooldownKey != "" && req.CooldownHours > 0 {
		since := now.Add(-time.Duration(req.CooldownHours * float64(time.Hour)))
		for _, t := range s.data.Tasks {
			if t.CooldownKey == req.CooldownKey && t.CreatedAt.After(since) {
				return false, nil
			}
		}
	}

	task := models.NewTask(req, now)
	s.data.NextTaskID++
	task.ID = s.data.NextTaskID
	task.Ticker = normalizeTicker(task.Ticker)
	s.data.Tasks = append(s.data.Tasks, task)
	return true, s.saveLocked()
}

// ListTasks returns all tasks in insertion order.
func (s *MemoryStorage) ListTasks(_ context.Context) ([]models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Task, len(s.data.Tasks))
	copy(out, s.data.Tasks)
	return out, nil
}

// GetActiveWatchlist returns active entries in ID order.
func (s *MemoryStorage) GetActiveWatchlist(_ context.Context) ([]models.WatchlistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.WatchlistEntry
	for _, e := range s.data.Watchlist {
		if e.Status == models.WatchlistActive {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

// ListWatchlist returns every entry in ID order.
func (s *MemoryStorage) ListWatchlist(_ context.Context) ([]models.WatchlistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.WatchlistEntry, 0, len(s.data.Watchlist))
	for _, e := range s.data.Watchlist {
		out = append(out, cloneEntry(e))
	}
	return out, nil
}

// AddWatchlistEntry inserts an entry; an empty status becomes active.
func (s *MemoryStorage) AddWatchlistEntry(_ context.Context, entry *models.WatchlistEntry) (uint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.data.NextWatchlistID++
	entry.ID = s.data.NextWatchlistID
	entry.Ticker = normalizeTicker(entry.Ticker)
	if entry.Status == "" {
		entry.Status = models.WatchlistActive
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	s.data.Watchlist = append(s.data.Watchlist, cloneEntry(*entry))
	return entry.ID, s.saveLocked()
}

// UpdateWatchlistStatus moves an entry out of active. Terminal entries
// return ErrInvalidTransition.
func (s *MemoryStorage) UpdateWatchlistStatus(_ context.Context, id uint, status models.WatchlistStatus, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.data.Watchlist {
		e := &s.data.Watchlist[i]
		if e.ID != id {
			continue
		}
		if err := models.ValidateTransition(e.Status, status); err != nil {
			return fmt.Errorf("watchlist %d: %w: %v", id, ErrInvalidTransition, err)
		}
		e.Status = status
		if notes != "" {
			e.Notes = notes
		}
		e.UpdatedAt = s.now()
		return s.saveLocked()
	}
	return fmt.Errorf("watchlist %d: %w", id, ErrNotFound)
}
