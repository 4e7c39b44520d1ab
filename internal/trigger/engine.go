package trigger

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/ledgerkeeper/internal/broker"
)

// Engine defaults.
const (
	DefaultTolerancePct = 0.5
	DefaultHoldPeriods  = 3
)

// Engine evaluates conditions. It holds the SUPPORT_HOLD pass counters,
// which live only as long as the Engine does; a restart starts every
// support level from zero.
type Engine struct {
	mu           sync.Mutex
	tolerancePct float64
	holdPeriods  int
	holds        map[string]int
	now          func() time.Time
	logger       logrus.FieldLogger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the date source for date conditions.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an Engine. Non-positive arguments fall back to the defaults.
func NewEngine(tolerancePct float64, holdPeriods int, opts ...Option) *Engine {
	e := &Engine{
		holds:  make(map[string]int),
		now:    time.Now,
		logger: logrus.StandardLogger(),
	}
	e.Configure(tolerancePct, holdPeriods)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Configure updates the tolerance and hold length. Existing counters are kept.
func (e *Engine) Configure(tolerancePct float64, holdPeriods int) {
	if tolerancePct < 0 {
		tolerancePct = DefaultTolerancePct
	}
	if holdPeriods <= 0 {
		holdPeriods = DefaultHoldPeriods
	}
	e.mu.Lock()
	e.tolerancePct = tolerancePct
	e.holdPeriods = holdPeriods
	e.mu.Unlock()
}

// HoldCount returns the consecutive-pass counter for ticker at level.
func (e *Engine) HoldCount(ticker string, level float64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.holds[holdKey(ticker, level)]
}

// Forget drops every counter for ticker.
func (e *Engine) Forget(ticker string) {
	prefix := strings.ToUpper(ticker) + "|"
	e.mu.Lock()
	defer e.mu.Unlock()
	for k := range e.holds {
		if strings.HasPrefix(k, prefix) {
			delete(e.holds, k)
		}
	}
}

func holdKey(ticker string, level float64) string {
	return fmt.Sprintf("%s|%.4f", strings.ToUpper(ticker), level)
}

// Evaluate reports whether cond is met for ticker given quote, with a
// human-readable reason. It never panics on missing data.
func (e *Engine) Evaluate(ticker string, cond Condition, quote *broker.Quote) (bool, string) {
	switch cond.Type {
	case Custom:
		return false, "custom condition requires manual evaluation"
	case VolumeAbove:
		return false, "volume conditions are not evaluated: no average daily volume source"
	case DateBefore, DateAfter:
		return e.evaluateDate(cond)
	}

	if quote == nil {
		return false, fmt.Sprintf("no quote available for %s", ticker)
	}
	last, ok := quote.LastPrice()
	if !ok {
		return false, fmt.Sprintf("quote for %s has no last price", ticker)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	band := last * e.tolerancePct / 100

	switch cond.Type {
	case PriceAbove:
		if last >= cond.Price-band {
			return true, fmt.Sprintf("price %.2f is above %.2f", last, cond.Price)
		}
		return false, fmt.Sprintf("price %.2f is below %.2f", last, cond.Price)

	case PriceBelow:
		if last <= cond.Price+band {
			return true, fmt.Sprintf("price %.2f is below %.2f", last, cond.Price)
		}
		return false, fmt.Sprintf("price %.2f is above %.2f", last, cond.Price)

	case SupportHold:
		key := holdKey(ticker, cond.Price)
		if last < cond.Price-band {
			if e.holds[key] > 0 {
				e.logger.WithFields(logrus.Fields{
					"ticker": ticker, "level": cond.Price, "count": e.holds[key],
				}).Debug("support hold counter reset")
			}
			e.holds[key] = 0
			return false, fmt.Sprintf("price %.2f broke support %.2f", last, cond.Price)
		}
		e.holds[key]++
		n := e.holds[key]
		if n >= e.holdPeriods {
			return true, fmt.Sprintf("support %.2f held for %d checks (price %.2f)", cond.Price, n, last)
		}
		return false, fmt.Sprintf("support %.2f holding %d/%d (price %.2f)", cond.Price, n, e.holdPeriods, last)

	case ResistanceBreak:
		if last > cond.Price {
			return true, fmt.Sprintf("price %.2f broke resistance %.2f", last, cond.Price)
		}
		return false, fmt.Sprintf("price %.2f is under resistance %.2f", last, cond.Price)
	}

	return false, fmt.Sprintf("unsupported condition type %q", cond.Type)
}

func (e *Engine) evaluateDate(cond Condition) (bool, string) {
	if cond.Date.IsZero() {
		return false, "date condition has no date"
	}
	now := e.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	target := cond.Date.Format("2006-01-02")

	if cond.Type == DateBefore {
		if today.Before(cond.Date) {
			return true, fmt.Sprintf("today is before %s", target)
		}
		return false, fmt.Sprintf("today is not before %s", target)
	}
	if today.After(cond.Date) {
		return true, fmt.Sprintf("today is after %s", target)
	}
	return false, fmt.Sprintf("today is not after %s", target)
}

// Ceiling evaluates a raw entry price as a trigger: met when last >= price.
func Ceiling(price float64, quote *broker.Quote) (bool, string) {
	last, ok := quote.LastPrice()
	if !ok {
		return false, "no last price for entry price check"
	}
	if last >= price {
		return true, fmt.Sprintf("price %.2f reached entry price %.2f", last, price)
	}
	return false, fmt.Sprintf("price %.2f below entry price %.2f", last, price)
}

// Floor evaluates a raw invalidation price: met when last <= price.
func Floor(price float64, quote *broker.Quote) (bool, string) {
	last, ok := quote.LastPrice()
	if !ok {
		return false, "no last price for invalidation price check"
	}
	if last <= price {
		return true, fmt.Sprintf("price %.2f fell to invalidation price %.2f", last, price)
	}
	return false, fmt.Sprintf("price %.2f above invalidation price %.2f", last, price)
}
