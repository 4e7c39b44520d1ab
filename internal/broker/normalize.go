package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/eddiefleurent/ledgerkeeper/internal/models"
	"github.com/eddiefleurent/ledgerkeeper/internal/occ"
)

// Field aliases accepted from raw position payloads, in precedence order.
var (
	symbolKeys     = []string{"symbol", "ticker", "contract"}
	quantityKeys   = []string{"position", "quantity", "qty", "pos"}
	avgCostKeys    = []string{"avgCost", "avg_cost", "average_cost", "averageCost", "cost_basis_per_share"}
	marketValKeys  = []string{"marketValue", "market_value", "mkt_value"}
	unrealizedKeys = []string{"unrealizedPnl", "unrealized_pnl", "unrealizedPNL"}
)

// ErrMissingField is returned when a raw position lacks a required field.
var ErrMissingField = errors.New("raw position missing field")

// NormalizeRaw resolves field aliases in one raw position object. The first
// key present in each alias list wins. Symbol and quantity are required.
func NormalizeRaw(raw map[string]any) (PositionItem, error) {
	var item PositionItem

	sym, ok := firstString(raw, symbolKeys)
	if !ok {
		return item, fmt.Errorf("%w: symbol", ErrMissingField)
	}
	item.Symbol = strings.ToUpper(strings.TrimSpace(sym))

	qty, ok, err := firstNumber(raw, quantityKeys)
	if err != nil {
		return item, fmt.Errorf("%s quantity: %w", item.Symbol, err)
	}
	if !ok {
		return item, fmt.Errorf("%w: quantity for %s", ErrMissingField, item.Symbol)
	}
	item.Quantity = qty

	if item.AvgCost, _, err = firstNumber(raw, avgCostKeys); err != nil {
		return item, fmt.Errorf("%s avg cost: %w", item.Symbol, err)
	}
	if item.MarketValue, _, err = firstNumber(raw, marketValKeys); err != nil {
		return item, fmt.Errorf("%s market value: %w", item.Symbol, err)
	}
	if item.UnrealizedPnL, _, err = firstNumber(raw, unrealizedKeys); err != nil {
		return item, fmt.Errorf("%s unrealized pnl: %w", item.Symbol, err)
	}
	return item, nil
}

func firstString(raw map[string]any, keys []string) (string, bool) {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return s, true
		}
	}
	return "", false
}

// firstNumber accepts JSON numbers and numeric strings.
func firstNumber(raw map[string]any, keys []string) (float64, bool, error) {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n, true, nil
		case int:
			return float64(n), true, nil
		case int64:
			return float64(n), true, nil
		case json.Number:
			f, err := n.Float64()
			return f, err == nil, err
		case string:
			if strings.TrimSpace(n) == "" {
				continue
			}
			f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			return f, err == nil, err
		default:
			return 0, false, fmt.Errorf("key %q has type %T", k, v)
		}
	}
	return 0, false, nil
}

// Aggregate merges lots sharing a position key into one BrokerPosition per
// key. Option lots are keyed by their compact OCC symbol, stock lots by
// ticker. Quantity, market value and unrealized P&L are summed; average
// cost is weighted by absolute quantity.
func Aggregate(items []PositionItem) map[string]*models.BrokerPosition {
	out := make(map[string]*models.BrokerPosition, len(items))
	weights := make(map[string]float64, len(items))

	for _, it := range items {
		raw := strings.ToUpper(strings.TrimSpace(it.Symbol))
		if raw == "" {
			continue
		}

		key, underlying := raw, raw
		var sym *occ.Symbol
		if parsed, err := occ.Parse(raw); err == nil {
			sym = parsed
			key = parsed.String()
			underlying = parsed.Underlying
		}

		pos, ok := out[key]
		if !ok {
			pos = &models.BrokerPosition{Key: key, Underlying: underlying, RawSymbol: raw, Option: sym}
			out[key] = pos
		}

		w := math.Abs(it.Quantity)
		total := weights[key] + w
		if total > 0 {
			pos.AvgCost = (pos.AvgCost*weights[key] + it.AvgCost*w) / total
		}
		weights[key] = total
		pos.Quantity += it.Quantity
		pos.MarketValue += it.MarketValue
		pos.UnrealizedPnL += it.UnrealizedPnL
	}
	return out
}

// SortedKeys returns the keys of an aggregated position map in order.
func SortedKeys(m map[string]*models.BrokerPosition) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
