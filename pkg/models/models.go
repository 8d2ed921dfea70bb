package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Constants for order sides, types and time in force options
const (
	// Order sides
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"

	// Order types
	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
	OrderTypeStop   = "STOP"

	// Time in force
	TimeInForceDay = "DAY"
	TimeInForceGTC = "GTC" // Good Till Cancelled
	TimeInForceIOC = "IOC" // Immediate Or Cancel
	TimeInForceFOK = "FOK" // Fill Or Kill
)

// Order represents an admitted trading order. Quantity and Price are never
// mutated after creation; downstream components treat the value as immutable.
type Order struct {
	ID             uuid.UUID       `json:"id"`
	ClientOrderID  string          `json:"client_order_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Type           string          `json:"type"`
	Quantity       decimal.Decimal `json:"quantity"`
	Price          decimal.Decimal `json:"price"` // zero for market orders
	TimeInForce    string          `json:"time_in_force"`
	CreatedAt      time.Time       `json:"created_at"`
}

// HasPrice reports whether the order carries an explicit limit/stop price.
func (o *Order) HasPrice() bool {
	return o.Price.IsPositive()
}

// Fill represents a single execution against an order. Immutable once recorded.
type Fill struct {
	OrderID      string          `json:"order_id"`
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Timestamp    time.Time       `json:"timestamp"`
	VenueOrderID string          `json:"venue_order_id,omitempty"`
	ExecutionID  string          `json:"execution_id,omitempty"`
}

// ExecutionKey returns the deduplication key for the fill: the venue execution
// ID when present, otherwise a composite of order, timestamp, quantity and price.
func (f *Fill) ExecutionKey() string {
	if f.ExecutionID != "" {
		return f.ExecutionID
	}
	return f.OrderID + "_" + f.Timestamp.UTC().Format(time.RFC3339Nano) +
		"_" + f.Quantity.String() + "_" + f.Price.String()
}

// MarketSnapshot carries the top-of-book view used by pre-trade checks.
type MarketSnapshot struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Mid       decimal.Decimal `json:"mid"`
	Spread    decimal.Decimal `json:"spread"`
	Timestamp time.Time       `json:"timestamp"`
}
