package storage

import (
	"context"
	"sync"
	"time"

	"github.com/eddiefleurent/ledgerkeeper/internal/models"
)

// MockStorage is a MemoryStorage with injectable failures and call counters
// for reconciler tests.
type MockStorage struct {
	*MemoryStorage

	mu sync.Mutex
	// OpenTradesErr fails GetAllOpenTrades.
	OpenTradesErr error
	// PendingOrdersErr fails GetTradesWithPendingOrders.
	PendingOrdersErr error
	// WatchlistErr fails GetActiveWatchlist.
	WatchlistErr error
	// CloseErrs fails closes for specific trade IDs.
	CloseErrs map[uint]error
	// StatusErrs fails UpdateWatchlistStatus for specific entry IDs.
	StatusErrs map[uint]error
	// DetectErr fails RecordDetectedTrade.
	DetectErr error
	// ClosePanics makes closing the given trade ID panic.
	ClosePanics map[uint]bool

	calls map[string]int
}

// NewMockStorage creates an in-memory mock without file persistence.
func NewMockStorage(opts ...Option) *MockStorage {
	mem, _ := NewMemoryStorage("", opts...)
	return &MockStorage{
		MemoryStorage: mem,
		CloseErrs:     make(map[uint]error),
		StatusErrs:    make(map[uint]error),
		ClosePanics:   make(map[uint]bool),
		calls:         make(map[string]int),
	}
}

func (m *MockStorage) record(name string) {
	m.mu.Lock()
	m.calls[name]++
	m.mu.Unlock()
}

// Calls returns how many times the named method was invoked.
func (m *MockStorage) Calls(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

func (m *MockStorage) GetAllOpenTrades(ctx context.Context) ([]models.Trade, error) {
	m.record("GetAllOpenTrades")
	if m.OpenTradesErr != nil {
		return nil, m.OpenTradesErr
	}
	return m.MemoryStorage.GetAllOpenTrades(ctx)
}

func (m *MockStorage) GetTradesWithPendingOrders(ctx context.Context) ([]models.Trade, error) {
	m.record("GetTradesWithPendingOrders")
	if m.PendingOrdersErr != nil {
		return nil, m.PendingOrdersErr
	}
	return m.MemoryStorage.GetTradesWithPendingOrders(ctx)
}

func (m *MockStorage) closeHook(id uint) error {
	if m.ClosePanics[id] {
		panic("mock storage: close panic")
	}
	return m.CloseErrs[id]
}

func (m *MockStorage) CloseTradeWithDirection(ctx context.Context, id uint, exit models.TradeExit) error {
	m.record("CloseTradeWithDirection")
	if err := m.closeHook(id); err != nil {
		return err
	}
	return m.MemoryStorage.CloseTradeWithDirection(ctx, id, exit)
}

func (m *MockStorage) CloseOptionTrade(ctx context.Context, id uint, exit models.TradeExit) error {
	m.record("CloseOptionTrade")
	if err := m.closeHook(id); err != nil {
		return err
	}
	return m.MemoryStorage.CloseOptionTrade(ctx, id, exit)
}

func (m *MockStorage) UpdateTradeSize(ctx context.Context, id uint, newSize float64) error {
	m.record("UpdateTradeSize")
	return m.MemoryStorage.UpdateTradeSize(ctx, id, newSize)
}

func (m *MockStorage) RecordDetectedTrade(ctx context.Context, trade *models.Trade, det models.PositionDetection) (uint, error) {
	m.record("RecordDetectedTrade")
	if m.DetectErr != nil {
		return 0, m.DetectErr
	}
	return m.MemoryStorage.RecordDetectedTrade(ctx, trade, det)
}

func (m *MockStorage) GetPositionDetectionsToday(ctx context.Context, fullSymbol string, now time.Time) ([]models.PositionDetection, error) {
	m.record("GetPositionDetectionsToday")
	return m.MemoryStorage.GetPositionDetectionsToday(ctx, fullSymbol, now)
}

func (m *MockStorage) QueueTask(ctx context.Context, req models.TaskRequest) (bool, error) {
	m.record("QueueTask")
	return m.MemoryStorage.QueueTask(ctx, req)
}

func (m *MockStorage) GetActiveWatchlist(ctx context.Context) ([]models.WatchlistEntry, error) {
	m.record("GetActiveWatchlist")
	if m.WatchlistErr != nil {
		return nil, m.WatchlistErr
	}
	return m.MemoryStorage.GetActiveWatchlist(ctx)
}

func (m *MockStorage) UpdateWatchlistStatus(ctx context.Context, id uint, status models.WatchlistStatus, notes string) error {
	m.record("UpdateWatchlistStatus")
	if err := m.StatusErrs[id]; err != nil {
		return err
	}
	return m.MemoryStorage.UpdateWatchlistStatus(ctx, id, status, notes)
}
