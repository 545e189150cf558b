// Package aggregation buckets one side of an order book into fixed-width price levels.
package aggregation

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	marketdata "depthview/internal/domain/entity/marketdata"

	"github.com/shopspring/decimal"
)

// ErrInvalidArgument wraps every rejected side, step or level.
var ErrInvalidArgument = errors.New("invalid argument")

type bucket struct {
	price    decimal.Decimal
	quantity decimal.Decimal
}

// Aggregate sums level quantities into buckets of width step.
//
// Bucket edges are lo, lo+step, ..., hi where lo is one step below the
// floor of the lowest price and hi is one step above the ceiling of the
// highest price. Bids fall into [e_i, e_i+1) and report the lower edge,
// asks fall into (e_i, e_i+1] and report the upper edge. Buckets summing
// to zero are dropped. Asks come back ascending, bids descending.
func Aggregate(levels []marketdata.Level, side marketdata.Side, step decimal.Decimal) ([]marketdata.AggregatedLevel, error) {
	if !side.IsValid() {
		return nil, fmt.Errorf("%w: unknown side %q", ErrInvalidArgument, side)
	}
	if !step.IsPositive() {
		return nil, fmt.Errorf("%w: step must be positive, got %s", ErrInvalidArgument, step)
	}
	if err := validate(levels); err != nil {
		return nil, err
	}
	if len(levels) == 0 {
		return []marketdata.AggregatedLevel{}, nil
	}

	buckets := make(map[string]*bucket, len(levels))
	for _, level := range levels {
		idx := bucketIndex(level.Price, side, step)
		key := idx.String()
		b, ok := buckets[key]
		if !ok {
			b = &bucket{price: idx.Mul(step), quantity: decimal.Zero}
			buckets[key] = b
		}
		b.quantity = b.quantity.Add(level.Quantity)
	}

	out := make([]marketdata.AggregatedLevel, 0, len(buckets))
	for _, b := range buckets {
		if b.quantity.IsZero() {
			continue
		}
		out = append(out, marketdata.AggregatedLevel{Price: b.price, Quantity: b.quantity})
	}

	slices.SortFunc(out, func(a, b marketdata.AggregatedLevel) int {
		if side == marketdata.SideBid {
			return b.Price.Cmp(a.Price)
		}
		return a.Price.Cmp(b.Price)
	})
	return out, nil
}

// Bounds returns the outermost bucket edges for levels at the given step.
func Bounds(levels []marketdata.Level, step decimal.Decimal) (lo, hi decimal.Decimal, err error) {
	if !step.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: step must be positive, got %s", ErrInvalidArgument, step)
	}
	if len(levels) == 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: no levels", ErrInvalidArgument)
	}
	if err := validate(levels); err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	minPrice, maxPrice := levels[0].Price, levels[0].Price
	for _, level := range levels[1:] {
		minPrice = decimal.Min(minPrice, level.Price)
		maxPrice = decimal.Max(maxPrice, level.Price)
	}

	one := decimal.NewFromInt(1)
	lo = floorDiv(minPrice, step).Sub(one).Mul(step)
	hi = ceilDiv(maxPrice, step).Add(one).Mul(step)
	return lo, hi, nil
}

// Top keeps the first n levels, which after Aggregate are the n closest to the spread.
func Top(levels []marketdata.AggregatedLevel, n int) []marketdata.AggregatedLevel {
	if n <= 0 {
		return []marketdata.AggregatedLevel{}
	}
	if n >= len(levels) {
		return levels
	}
	return levels[:n]
}

// SumQuantity totals the quantity of raw levels.
func SumQuantity(levels []marketdata.Level) decimal.Decimal {
	total := decimal.Zero
	for _, level := range levels {
		total = total.Add(level.Quantity)
	}
	return total
}

// SumAggregated totals the quantity of aggregated buckets.
func SumAggregated(levels []marketdata.AggregatedLevel) decimal.Decimal {
	total := decimal.Zero
	for _, level := range levels {
		total = total.Add(level.Quantity)
	}
	return total
}

// ParseSide accepts bid/bids/buy and ask/asks/sell in any case.
func ParseSide(raw string) (marketdata.Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "bid", "bids", "buy":
		return marketdata.SideBid, nil
	case "ask", "asks", "sell":
		return marketdata.SideAsk, nil
	default:
		return "", fmt.Errorf("%w: unknown side %q", ErrInvalidArgument, raw)
	}
}

// ParseStep parses a positive decimal aggregation step such as "0.1".
func ParseStep(raw string) (decimal.Decimal, error) {
	step, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: step %q: %v", ErrInvalidArgument, raw, err)
	}
	if !step.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: step must be positive, got %s", ErrInvalidArgument, raw)
	}
	return step, nil
}

func validate(levels []marketdata.Level) error {
	for i, level := range levels {
		if !level.Price.IsPositive() {
			return fmt.Errorf("%w: level %d: price must be positive, got %s", ErrInvalidArgument, i, level.Price)
		}
		if level.Quantity.IsNegative() {
			return fmt.Errorf("%w: level %d: quantity must not be negative, got %s", ErrInvalidArgument, i, level.Quantity)
		}
	}
	return nil
}

func bucketIndex(price decimal.Decimal, side marketdata.Side, step decimal.Decimal) decimal.Decimal {
	if side == marketdata.SideBid {
		return floorDiv(price, step)
	}
	return ceilDiv(price, step)
}

func floorDiv(value, step decimal.Decimal) decimal.Decimal {
	q, r := value.QuoRem(step, 0)
	if r.IsNegative() {
		q = q.Sub(decimal.NewFromInt(1))
	}
	return q
}

func ceilDiv(value, step decimal.Decimal) decimal.Decimal {
	q, r := value.QuoRem(step, 0)
	if r.IsPositive() {
		q = q.Add(decimal.NewFromInt(1))
	}
	return q
}
