// Package mock provides broker doubles and fixtures for reconciler tests
// and the audit CLI's offline mode.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	testifymock "github.com/stretchr/testify/mock"

	"github.com/eddiefleurent/ledgerkeeper/internal/broker"
	"github.com/eddiefleurent/ledgerkeeper/internal/occ"
)

// Broker is a scripted broker.Broker. The zero value is not usable; call NewBroker.
type Broker struct {
	mu           sync.Mutex
	positions    []broker.PositionItem
	quotes       map[string]*broker.Quote
	positionsErr error
	quotesErr    error
	calls        map[string]int
}

var _ broker.Broker = (*Broker)(nil)

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{
		quotes: make(map[string]*broker.Quote),
		calls:  make(map[string]int),
	}
}

// SetPositions replaces the positions returned by GetPositionsCtx.
func (b *Broker) SetPositions(items ...broker.PositionItem) *Broker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions = append([]broker.PositionItem(nil), items...)
	return b
}

// SetLast sets a quote with only a last price.
func (b *Broker) SetLast(symbol string, last float64) *Broker {
	return b.SetQuote(&broker.Quote{Symbol: symbol, Last: Float(last)})
}

// SetQuote stores q under its upper-case symbol.
func (b *Broker) SetQuote(q *broker.Quote) *Broker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes[strings.ToUpper(q.Symbol)] = q
	return b
}

// FailPositions makes GetPositionsCtx return err.
func (b *Broker) FailPositions(err error) *Broker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positionsErr = err
	return b
}

// FailQuotes makes the quote methods return err.
func (b *Broker) FailQuotes(err error) *Broker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotesErr = err
	return b
}

// Calls returns how many times the named method was invoked.
func (b *Broker) Calls(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[name]
}

// GetPositionsCtx implements broker.PositionFeed.
func (b *Broker) GetPositionsCtx(ctx context.Context) ([]broker.PositionItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["GetPositionsCtx"]++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.positionsErr != nil {
		return nil, b.positionsErr
	}
	return append([]broker.PositionItem(nil), b.positions...), nil
}

// GetQuoteCtx implements broker.QuoteSource.
func (b *Broker) GetQuoteCtx(ctx context.Context, symbol string) (*broker.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["GetQuoteCtx"]++
	if b.quotesErr != nil {
		return nil, b.quotesErr
	}
	q, ok := b.quotes[strings.ToUpper(symbol)]
	if !ok {
		return nil, fmt.Errorf("no quote for %s", symbol)
	}
	return q, nil
}

// GetQuotesBatchCtx implements broker.QuoteSource.
func (b *Broker) GetQuotesBatchCtx(ctx context.Context, symbols []string) (map[string]*broker.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["GetQuotesBatchCtx"]++
	if b.quotesErr != nil {
		return nil, b.quotesErr
	}
	out := make(map[string]*broker.Quote)
	for _, s := range symbols {
		s = strings.ToUpper(s)
		if q, ok := b.quotes[s]; ok {
			out[s] = q
		}
	}
	return out, nil
}

// MockBroker is a testify mock of broker.Broker for expectation-style tests.
type MockBroker struct {
	testifymock.Mock
}

var _ broker.Broker = (*MockBroker)(nil)

// GetPositionsCtx implements broker.PositionFeed.
func (m *MockBroker) GetPositionsCtx(ctx context.Context) ([]broker.PositionItem, error) {
	args := m.Called(ctx)
	items, _ := args.Get(0).([]broker.PositionItem)
	return items, args.Error(1)
}

// GetQuoteCtx implements broker.QuoteSource.
func (m *MockBroker) GetQuoteCtx(ctx context.Context, symbol string) (*broker.Quote, error) {
	args := m.Called(ctx, symbol)
	q, _ := args.Get(0).(*broker.Quote)
	return q, args.Error(1)
}

// GetQuotesBatchCtx implements broker.QuoteSource.
func (m *MockBroker) GetQuotesBatchCtx(ctx context.Context, symbols []string) (map[string]*broker.Quote, error) {
	args := m.Called(ctx, symbols)
	q, _ := args.Get(0).(map[string]*broker.Quote)
	return q, args.Error(1)
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}

// Stock builds a stock position item.
func Stock(ticker string, qty, avgCost float64) broker.PositionItem {
	return broker.PositionItem{
		Symbol:      strings.ToUpper(ticker),
		Quantity:    qty,
		AvgCost:     avgCost,
		MarketValue: qty * avgCost,
	}
}

// Option builds an option position item with a standard OCC symbol. It
// panics on invalid input, which only fixtures should pass.
func Option(underlying string, exp time.Time, typ occ.OptionType, strike, qty, avgCost float64) broker.PositionItem {
	return broker.PositionItem{
		Symbol:      OptionSymbol(underlying, exp, typ, strike),
		Quantity:    qty,
		AvgCost:     avgCost,
		MarketValue: qty * avgCost * occ.StandardMultiplier,
	}
}

// OptionSymbol formats an OCC symbol, panicking on invalid input.
func OptionSymbol(underlying string, exp time.Time, typ occ.OptionType, strike float64) string {
	sym, err := occ.Format(underlying, exp, typ, decimal.NewFromFloat(strike))
	if err != nil {
		panic(fmt.Sprintf("mock: bad option fixture: %v", err))
	}
	return sym
}

// Date returns UTC midnight of the given day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
