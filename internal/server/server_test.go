package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/ledgerkeeper/internal/expiration"
	"github.com/eddiefleurent/ledgerkeeper/internal/models"
	"github.com/eddiefleurent/ledgerkeeper/internal/storage"
)

type fakeCycle struct {
	mu       sync.Mutex
	status   CycleStatus
	busy     bool
	triggers int
}

func (f *fakeCycle) Status() CycleStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeCycle) Trigger() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return false
	}
	f.triggers++
	return true
}

type fakeExpiry struct {
	days int
	list []expiration.Expiring
	err  error
}

func (f *fakeExpiry) ExpiringWithin(_ context.Context, days int) ([]expiration.Expiring, error) {
	f.days = days
	return f.list, f.err
}

func newTestServer(t *testing.T, token string) (*Server, *storage.MockStorage, *fakeCycle, *fakeExpiry) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	store := storage.NewMockStorage()
	cycle := &fakeCycle{status: CycleStatus{Runs: 3, FinishedAt: time.Date(2026, 10, 14, 15, 0, 0, 0, time.UTC)}}
	expiry := &fakeExpiry{}
	return NewServer(Config{Addr: ":0", AuthToken: token}, store, cycle, expiry, logger), store, cycle, expiry
}

func do(t *testing.T, s *Server, method, target string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _, _, _ := newTestServer(t, "secret")
	rec := do(t, s, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code, "health bypasses auth")

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(3), body["cycles"])
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _, _ := newTestServer(t, "")
	do(t, s, http.MethodGet, "/health")
	rec := do(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ledgerkeeper_http_requests_total")
}

func TestAuth(t *testing.T) {
	s, _, _, _ := newTestServer(t, "secret")

	tests := []struct {
		name   string
		target string
		hdr    []string
		want   int
	}{
		{"missing token", "/api/trades", nil, http.StatusUnauthorized},
		{"wrong token", "/api/trades", []string{"X-Auth-Token", "nope"}, http.StatusUnauthorized},
		{"header token", "/api/trades", []string{"X-Auth-Token", "secret"}, http.StatusOK},
		{"query token", "/api/trades?token=secret", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodGet, tt.target, tt.hdr...)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestTrades(t *testing.T) {
	s, store, _, _ := newTestServer(t, "")
	ctx := context.Background()
	rec := do(t, s, http.MethodGet, "/api/trades")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))

	nvda, err := store.AddTrade(ctx, &models.Trade{Ticker: "NVDA", Direction: models.Long, CurrentSize: 10, EntryPrice: 100})
	require.NoError(t, err)
	_, err = store.AddTrade(ctx, &models.Trade{Ticker: "AMD", Direction: models.Long, CurrentSize: 5, EntryPrice: 90})
	require.NoError(t, err)

	rec = do(t, s, http.MethodGet, "/api/trades?ticker=nvda")
	require.Equal(t, http.StatusOK, rec.Code)
	var trades []models.Trade
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&trades))
	require.Len(t, trades, 1)
	assert.Equal(t, nvda, trades[0].ID)

	t.Run("by id", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/api/trades/1")
		require.Equal(t, http.StatusOK, rec.Code)
		var tr models.Trade
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&tr))
		assert.Equal(t, "NVDA", tr.Ticker)
	})
	t.Run("unknown id", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/trades/99").Code)
	})
	t.Run("bad id", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/trades/abc").Code)
	})
	t.Run("store failure", func(t *testing.T) {
		store.OpenTradesErr = errors.New("db down")
		defer func() { store.OpenTradesErr = nil }()
		assert.Equal(t, http.StatusInternalServerError, do(t, s, http.MethodGet, "/api/trades").Code)
	})
}

func TestWatchlistFilter(t *testing.T) {
	s, store, _, _ := newTestServer(t, "")
	ctx := context.Background()
	_, err := store.AddWatchlistEntry(ctx, &models.WatchlistEntry{Ticker: "NVDA", Status: models.WatchlistActive})
	require.NoError(t, err)
	id, err := store.AddWatchlistEntry(ctx, &models.WatchlistEntry{Ticker: "AMD", Status: models.WatchlistActive})
	require.NoError(t, err)
	require.NoError(t, store.UpdateWatchlistStatus(ctx, id, models.WatchlistTriggered, "above 100"))

	var all, active []models.WatchlistEntry
	rec := do(t, s, http.MethodGet, "/api/watchlist")
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&all))
	rec = do(t, s, http.MethodGet, "/api/watchlist?status=active")
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&active))
	assert.Len(t, all, 2)
	require.Len(t, active, 1)
	assert.Equal(t, "NVDA", active[0].Ticker)
}

func TestTasks(t *testing.T) {
	s, store, _, _ := newTestServer(t, "")
	_, err := store.QueueTask(context.Background(), models.TaskRequest{Type: models.TaskExpirationReview, Ticker: "SPY", Priority: 9})
	require.NoError(t, err)

	rec := do(t, s, http.MethodGet, "/api/tasks")
	require.Equal(t, http.StatusOK, rec.Code)
	var tasks []models.Task
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskExpirationReview, tasks[0].Type)
}

func TestExpiring(t *testing.T) {
	s, _, _, expiry := newTestServer(t, "")
	expiry.list = []expiration.Expiring{{Symbol: "SPY261016P00500000", DaysLeft: 2}}

	rec := do(t, s, http.MethodGet, "/api/expiring")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultDays, expiry.days)

	rec = do(t, s, http.MethodGet, "/api/expiring?days=2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, expiry.days)
	var list []expiration.Expiring
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list, 1)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/expiring?days=-1").Code)
}

func TestCycle(t *testing.T) {
	s, _, cycle, _ := newTestServer(t, "")

	rec := do(t, s, http.MethodGet, "/api/cycle")
	require.Equal(t, http.StatusOK, rec.Code)
	var st CycleStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, 3, st.Runs)

	assert.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/api/cycle").Code)
	assert.Equal(t, 1, cycle.triggers)

	cycle.busy = true
	assert.Equal(t, http.StatusConflict, do(t, s, http.MethodPost, "/api/cycle").Code)
}

func TestNilDependencies(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := NewServer(Config{}, storage.NewMockStorage(), nil, nil, logger)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/api/cycle").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/api/expiring").Code)
}

func TestRunShutsDownOnCancel(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := NewServer(Config{Addr: "127.0.0.1:0"}, storage.NewMockStorage(), nil, nil, logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
