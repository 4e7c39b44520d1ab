// Package broker provides read-only broker clients: position feeds and quotes.
// Nothing in this package places orders.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// PositionItem is one raw broker lot after field aliasing has been resolved.
// Quantity is signed; AvgCost is per unit (per share, or per-share premium
// for options).
type PositionItem struct {
	Symbol        string  `json:"symbol"`
	Quantity      float64 `json:"quantity"`
	AvgCost       float64 `json:"avg_cost"`
	MarketValue   float64 `json:"market_value"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// Quote is a market quote. Any field may be missing.
type Quote struct {
	Symbol string   `json:"symbol"`
	Last   *float64 `json:"last,omitempty"`
	Bid    *float64 `json:"bid,omitempty"`
	Ask    *float64 `json:"ask,omitempty"`
	Close  *float64 `json:"close,omitempty"`
	Volume *int64   `json:"volume,omitempty"`
}

// LastPrice returns the last trade price if the quote carries a positive one.
func (q *Quote) LastPrice() (float64, bool) {
	if q == nil || q.Last == nil || *q.Last <= 0 {
		return 0, false
	}
	return *q.Last, true
}

// PositionFeed returns the account's current positions.
type PositionFeed interface {
	GetPositionsCtx(ctx context.Context) ([]PositionItem, error)
}

// QuoteSource returns market quotes.
type QuoteSource interface {
	GetQuoteCtx(ctx context.Context, symbol string) (*Quote, error)
	// GetQuotesBatchCtx returns quotes keyed by upper-case symbol. Symbols
	// the source has no quote for are absent from the map.
	GetQuotesBatchCtx(ctx context.Context, symbols []string) (map[string]*Quote, error)
}

// Broker is a position feed that also serves quotes.
type Broker interface {
	PositionFeed
	QuoteSource
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

var _ Broker = (*CircuitBreakerBroker)(nil)

// exec is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings trips after 60% failures over at least 5 calls.
func DefaultCircuitBreakerSettings() CircuitBreakerSettings {
	return CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with default settings.
func NewCircuitBreakerBroker(broker Broker, logger logrus.FieldLogger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, DefaultCircuitBreakerSettings(), logger)
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings, logger logrus.FieldLogger) *CircuitBreakerBroker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State returns the current breaker state.
func (c *CircuitBreakerBroker) State() gobreaker.State {
	return c.breaker.State()
}

// GetPositionsCtx wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetPositionsCtx(ctx context.Context) ([]PositionItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]PositionItem, error) {
		return b.GetPositionsCtx(ctx)
	})
}

// GetQuoteCtx wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetQuoteCtx(ctx context.Context, symbol string) (*Quote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Quote, error) {
		return b.GetQuoteCtx(ctx, symbol)
	})
}

// GetQuotesBatchCtx wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetQuotesBatchCtx(ctx context.Context, symbols []string) (map[string]*Quote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (map[string]*Quote, error) {
		return b.GetQuotesBatchCtx(ctx, symbols)
	})
}
