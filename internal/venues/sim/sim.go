// Package sim provides an in-memory venue adapter used for paper trading
// and tests. Fills are generated synchronously at the quoted mid price.
package sim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/exodusarc/exodus-core/internal/venues"
	"github.com/exodusarc/exodus-core/pkg/models"
)

var errNotConnected = fmt.Errorf("sim venue: not connected")

// Quote is a static top-of-book entry served by the simulator.
type Quote struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

// Adapter simulates a venue connection. It fills every order in full at the
// order price (or the quoted mid for market orders) unless failure injection
// is armed.
type Adapter struct {
	logger *zap.Logger

	mu        sync.Mutex
	connected bool
	quotes    map[string]Quote
	orders    map[string]*venues.ExecutionReport
	seq       atomic.Int64

	failSubmit atomic.Bool
	failHealth atomic.Bool
}

// NewAdapter creates a simulator with the given static quotes.
func NewAdapter(logger *zap.Logger, quotes map[string]Quote) *Adapter {
	if quotes == nil {
		quotes = make(map[string]Quote)
	}
	return &Adapter{
		logger: logger,
		quotes: quotes,
		orders: make(map[string]*venues.ExecutionReport),
	}
}

// SetQuote installs or replaces the quote for a symbol.
func (a *Adapter) SetQuote(symbol string, bid, ask decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.quotes[symbol] = Quote{Bid: bid, Ask: ask}
}

// FailSubmissions toggles submission failure injection.
func (a *Adapter) FailSubmissions(fail bool) { a.failSubmit.Store(fail) }

// FailHealthChecks toggles health probe failure injection.
func (a *Adapter) FailHealthChecks(fail bool) { a.failHealth.Store(fail) }

func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = true
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	return nil
}

func (a *Adapter) SubmitOrder(ctx context.Context, order *models.Order) (*venues.ExecutionReport, error) {
	if a.failSubmit.Load() {
		return nil, fmt.Errorf("sim venue: injected submission failure")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, errNotConnected
	}

	price := order.Price
	if !order.HasPrice() {
		quote, ok := a.quotes[order.Symbol]
		if !ok {
			return nil, fmt.Errorf("sim venue: no quote for %s", order.Symbol)
		}
		price = quote.Bid.Add(quote.Ask).Div(decimal.NewFromInt(2))
	}

	venueOrderID := fmt.Sprintf("sim-%d", a.seq.Add(1))
	now := time.Now().UTC()
	report := &venues.ExecutionReport{
		VenueOrderID:  venueOrderID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Quantity:      order.Quantity,
		Price:         price,
		Status:        venues.StatusFilled,
		Timestamp:     now,
		Fills: []models.Fill{{
			OrderID:      order.ID.String(),
			Symbol:       order.Symbol,
			Side:         order.Side,
			Quantity:     order.Quantity,
			Price:        price,
			Timestamp:    now,
			VenueOrderID: venueOrderID,
			ExecutionID:  venueOrderID + "-1",
		}},
	}
	a.orders[venueOrderID] = report

	a.logger.Debug("sim order filled",
		zap.String("venue_order_id", venueOrderID),
		zap.String("symbol", order.Symbol),
		zap.String("side", order.Side))
	return report, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, venueOrderID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	report, ok := a.orders[venueOrderID]
	if !ok || report.Status == venues.StatusFilled {
		return false, nil
	}
	report.Status = venues.StatusCancelled
	return true, nil
}

func (a *Adapter) GetOrderStatus(ctx context.Context, venueOrderID string) (*venues.ExecutionReport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	report, ok := a.orders[venueOrderID]
	if !ok {
		return nil, nil
	}
	copied := *report
	return &copied, nil
}

func (a *Adapter) GetAccountBalance(ctx context.Context) (*venues.AccountBalance, error) {
	return &venues.AccountBalance{
		Currency:   "USD",
		Balance:    decimal.NewFromInt(10000),
		Equity:     decimal.NewFromInt(10000),
		MarginUsed: decimal.Zero,
		FreeMargin: decimal.NewFromInt(10000),
	}, nil
}

func (a *Adapter) GetPositions(ctx context.Context) ([]venues.Position, error) {
	return nil, nil
}

func (a *Adapter) GetMarketData(ctx context.Context, symbol string) (*models.MarketSnapshot, error) {
	a.mu.Lock()
	quote, ok := a.quotes[symbol]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("sim venue: no quote for %s", symbol)
	}
	two := decimal.NewFromInt(2)
	return &models.MarketSnapshot{
		Symbol:    symbol,
		Bid:       quote.Bid,
		Ask:       quote.Ask,
		Mid:       quote.Bid.Add(quote.Ask).Div(two),
		Spread:    quote.Ask.Sub(quote.Bid),
		Timestamp: time.Now().UTC(),
	}, nil
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	if a.failHealth.Load() {
		return fmt.Errorf("sim venue: injected health failure")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return errNotConnected
	}
	return nil
}
