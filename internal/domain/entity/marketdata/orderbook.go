package marketdata

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side tags one half of an order book.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

func (s Side) String() string {
	return string(s)
}

func (s Side) IsValid() bool {
	switch s {
	case SideBid, SideAsk:
		return true
	default:
		return false
	}
}

// Level is one resting order-book entry at a distinct price.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// AggregatedLevel is a price bucket: the bucket's representative edge and the summed quantity.
type AggregatedLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBookSnapshot is a raw depth capture as returned by the exchange.
type OrderBookSnapshot struct {
	ID           uuid.UUID      `json:"id"`
	Symbol       string         `json:"symbol"`
	Source       string         `json:"source"`
	LastUpdateID int64          `json:"last_update_id"`
	FetchedAt    time.Time      `json:"fetched_at"`
	Bids         []Level        `json:"bids"`
	Asks         []Level        `json:"asks"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// BestBid returns the highest bid price. Bids are not assumed to be sorted.
func (s *OrderBookSnapshot) BestBid() (decimal.Decimal, bool) {
	return bestPrice(s.Bids, func(candidate, best decimal.Decimal) bool {
		return candidate.GreaterThan(best)
	})
}

// BestAsk returns the lowest ask price.
func (s *OrderBookSnapshot) BestAsk() (decimal.Decimal, bool) {
	return bestPrice(s.Asks, func(candidate, best decimal.Decimal) bool {
		return candidate.LessThan(best)
	})
}

// MidPrice is the midpoint between best bid and best ask.
func (s *OrderBookSnapshot) MidPrice() (decimal.Decimal, bool) {
	bid, okBid := s.BestBid()
	ask, okAsk := s.BestAsk()
	if !okBid || !okAsk {
		return decimal.Zero, false
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), true
}

// Spread is best ask minus best bid.
func (s *OrderBookSnapshot) Spread() (decimal.Decimal, bool) {
	bid, okBid := s.BestBid()
	ask, okAsk := s.BestAsk()
	if !okBid || !okAsk {
		return decimal.Zero, false
	}
	return ask.Sub(bid), true
}

func bestPrice(levels []Level, better func(candidate, best decimal.Decimal) bool) (decimal.Decimal, bool) {
	if len(levels) == 0 {
		return decimal.Zero, false
	}
	best := levels[0].Price
	for _, level := range levels[1:] {
		if better(level.Price, best) {
			best = level.Price
		}
	}
	return best, true
}

// ViewLevel is a display row: an aggregated bucket with its running depth.
type ViewLevel struct {
	Price              decimal.Decimal `json:"price"`
	Quantity           decimal.Decimal `json:"quantity"`
	CumulativeQuantity decimal.Decimal `json:"cumulative_quantity"`
	DepthRatio         float64         `json:"depth_ratio"`
}

// BookView is the aggregated, truncated order book rendered by the dashboard.
// MidPrice and Spread are null when either side of the book is empty.
type BookView struct {
	Symbol    string              `json:"symbol"`
	Title     string              `json:"title"`
	Step      decimal.Decimal     `json:"step"`
	MidPrice  decimal.NullDecimal `json:"mid_price"`
	Spread    decimal.NullDecimal `json:"spread"`
	Asks      []ViewLevel         `json:"asks"`
	Bids      []ViewLevel         `json:"bids"`
	FetchedAt time.Time           `json:"fetched_at"`
}
