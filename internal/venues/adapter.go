// Package venues defines the capability contract every execution venue
// adapter must satisfy. The router and pipeline hold adapters as opaque
// handles and never inspect venue-specific internals.
package venues

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exodusarc/exodus-core/pkg/models"
)

// Execution report statuses
const (
	StatusPending     = "pending"
	StatusAccepted    = "accepted"
	StatusPartialFill = "partial_fill"
	StatusFilled      = "filled"
	StatusCancelled   = "cancelled"
	StatusRejected    = "rejected"
	StatusExpired     = "expired"
)

// ExecutionReport is the normalized result of a venue order operation.
type ExecutionReport struct {
	VenueOrderID  string          `json:"venue_order_id"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Status        string          `json:"status"`
	Timestamp     time.Time       `json:"timestamp"`
	Fills         []models.Fill   `json:"fills,omitempty"`
}

// AccountBalance describes account funds and margin on a venue.
type AccountBalance struct {
	Currency   string          `json:"currency"`
	Balance    decimal.Decimal `json:"balance"`
	Equity     decimal.Decimal `json:"equity"`
	MarginUsed decimal.Decimal `json:"margin_used"`
	FreeMargin decimal.Decimal `json:"free_margin"`
}

// Position describes an open position reported by a venue.
type Position struct {
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

// Adapter is the capability interface implemented by every venue connection.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	SubmitOrder(ctx context.Context, order *models.Order) (*ExecutionReport, error)
	CancelOrder(ctx context.Context, venueOrderID string) (bool, error)
	GetOrderStatus(ctx context.Context, venueOrderID string) (*ExecutionReport, error)
	GetAccountBalance(ctx context.Context) (*AccountBalance, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetMarketData(ctx context.Context, symbol string) (*models.MarketSnapshot, error)
	HealthCheck(ctx context.Context) error
}
