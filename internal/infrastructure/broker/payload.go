package broker

import domain "depthview/internal/domain/entity/marketdata"

// Message is the envelope published on every exchange. Exactly one field is set.
type Message struct {
	Candles           []domain.Candle           `json:"candles,omitempty"`
	OrderBookSnapshot *domain.OrderBookSnapshot `json:"order_book_snapshot,omitempty"`
}
