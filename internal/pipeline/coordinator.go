// Package pipeline coordinates the order flow: idempotency, risk
// admission, routing, venue submission with failover, journaling and
// reconciliation hand-off.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/exodusarc/exodus-core/internal/alerting"
	"github.com/exodusarc/exodus-core/internal/journal"
	"github.com/exodusarc/exodus-core/internal/reconciliation"
	"github.com/exodusarc/exodus-core/internal/risk"
	"github.com/exodusarc/exodus-core/internal/routing"
	"github.com/exodusarc/exodus-core/internal/venues"
	"github.com/exodusarc/exodus-core/pkg/metrics"
	"github.com/exodusarc/exodus-core/pkg/models"
)

// Terminal order statuses
const (
	StatusAccepted  = "accepted"
	StatusRejected  = "rejected"
	StatusDuplicate = "duplicate"
	StatusFailed    = "failed"
	StatusError     = "error"
)

// Request is an incoming order submission.
type Request struct {
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Type           string          `json:"type"`
	Quantity       decimal.Decimal `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	TimeInForce    string          `json:"time_in_force"`
	ClientOrderID  string          `json:"client_order_id"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// Result is the terminal outcome of one order submission.
type Result struct {
	Status          string           `json:"status"`
	Reason          string           `json:"reason,omitempty"`
	InternalOrderID string           `json:"internal_order_id,omitempty"`
	Venue           string           `json:"venue,omitempty"`
	VenueOrderID    string           `json:"venue_order_id,omitempty"`
	Violations      []risk.Violation `json:"violations,omitempty"`
}

// MarketDataSource supplies the top-of-book snapshot for pre-trade checks.
type MarketDataSource interface {
	GetMarketData(ctx context.Context, symbol string) (*models.MarketSnapshot, error)
}

// Coordinator drives a single order through the full pipeline. It owns no
// risk, routing or reconciliation state of its own.
type Coordinator struct {
	risk       *risk.Engine
	router     *routing.Router
	recon      *reconciliation.Service
	journal    *journal.Journal
	alerts     *alerting.Manager
	marketData MarketDataSource
	logger     *zap.Logger
}

// NewCoordinator assembles the pipeline. marketData may be nil; checks that
// need a snapshot then degrade the way an empty snapshot dictates.
func NewCoordinator(
	riskEngine *risk.Engine,
	router *routing.Router,
	recon *reconciliation.Service,
	jnl *journal.Journal,
	alerts *alerting.Manager,
	marketData MarketDataSource,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		risk:       riskEngine,
		router:     router,
		recon:      recon,
		journal:    jnl,
		alerts:     alerts,
		marketData: marketData,
		logger:     logger,
	}
}

// ProcessOrder runs one order end to end and always returns a terminal
// result. Panics anywhere in the pipeline surface as a status of "error",
// never as a crash of the caller.
func (c *Coordinator) ProcessOrder(ctx context.Context, req Request) (result *Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("order pipeline panicked", zap.Any("panic", r))
			result = &Result{Status: StatusError, Reason: fmt.Sprintf("internal error: %v", r)}
			c.fireAlert(alerting.TypePipelineError, "", result.Status, result.Reason)
		}
		metrics.OrdersProcessed.WithLabelValues(result.Status).Inc()
		metrics.OrderLatency.Observe(time.Since(start).Seconds())
	}()

	if reason := validate(req); reason != "" {
		return &Result{Status: StatusRejected, Reason: reason}
	}

	if prior := c.findDuplicate(req.IdempotencyKey); prior != nil {
		c.logger.Info("duplicate order suppressed",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("prior_order_id", prior.InternalOrderID))
		return &Result{
			Status:          StatusDuplicate,
			Reason:          "order already submitted",
			InternalOrderID: prior.InternalOrderID,
			Venue:           prior.Venue,
			VenueOrderID:    prior.VenueOrderID,
		}
	}

	order := buildOrder(req)
	orderID := order.ID.String()
	snapshot := c.snapshot(ctx, order.Symbol)

	violations := c.risk.Evaluate(order, snapshot)
	for i := range violations {
		if violations[i].IsReject() {
			metrics.RiskRejections.WithLabelValues(violations[i].Check).Inc()
			c.fireAlert(alerting.TypeRiskRejection, orderID, StatusRejected, violations[i].Message)
			return &Result{
				Status:          StatusRejected,
				Reason:          violations[i].Message,
				InternalOrderID: orderID,
				Violations:      violations,
			}
		}
	}
	c.risk.RecordOrder(order, snapshot)

	venueName, err := c.router.RouteOrder(order)
	if err != nil {
		c.fireAlert(alerting.TypeRoutingRejection, orderID, StatusRejected, "no venue available")
		return &Result{
			Status:          StatusRejected,
			Reason:          "no venue available",
			InternalOrderID: orderID,
			Violations:      violations,
		}
	}

	report, venueName, failErr := c.submitWithFailover(ctx, order, venueName)
	if failErr != nil {
		c.fireAlert(alerting.TypePipelineError, orderID, StatusFailed, failErr.Error())
		return &Result{
			Status:          StatusFailed,
			Reason:          failErr.Error(),
			InternalOrderID: orderID,
			Venue:           venueName,
			Violations:      violations,
		}
	}

	if report.Status == venues.StatusRejected {
		c.router.CompleteOrder(orderID, venueName)
		return &Result{
			Status:          StatusFailed,
			Reason:          "order rejected by venue",
			InternalOrderID: orderID,
			Venue:           venueName,
			VenueOrderID:    report.VenueOrderID,
			Violations:      violations,
		}
	}

	if err := c.journal.Append(journal.OrderSubmittedEvent{
		Type:            journal.EventTypeOrderSubmitted,
		InternalOrderID: orderID,
		Venue:           venueName,
		VenueOrderID:    report.VenueOrderID,
		IdempotencyKey:  order.IdempotencyKey,
		ClientOrderID:   order.ClientOrderID,
		Symbol:          order.Symbol,
		Quantity:        order.Quantity,
		Price:           order.Price,
		Side:            order.Side,
		OrderType:       order.Type,
		Timestamp:       time.Now().UTC(),
	}); err != nil {
		// The order is already live on the venue; losing the journal line
		// costs duplicate protection for this key, not the order itself.
		c.logger.Error("journal append failed",
			zap.String("order_id", orderID), zap.Error(err))
	}

	c.recon.SubmitOrder(order)
	for _, fill := range report.Fills {
		c.recon.RecordFill(fill)
		c.risk.UpdatePosition(fill.Symbol, fill.Quantity, fill.Side)
	}
	if terminalReport(report.Status) {
		c.router.CompleteOrder(orderID, venueName)
	}

	c.logger.Info("order accepted",
		zap.String("order_id", orderID),
		zap.String("venue", venueName),
		zap.String("venue_order_id", report.VenueOrderID),
		zap.String("symbol", order.Symbol))
	return &Result{
		Status:          StatusAccepted,
		InternalOrderID: orderID,
		Venue:           venueName,
		VenueOrderID:    report.VenueOrderID,
		Violations:      violations,
	}
}

// submitWithFailover submits to the routed venue and retries exactly once
// on a replacement venue when submission fails.
func (c *Coordinator) submitWithFailover(ctx context.Context, order *models.Order, venueName string) (*venues.ExecutionReport, string, error) {
	orderID := order.ID.String()

	report, err := c.submit(ctx, order, venueName)
	if err == nil {
		return report, venueName, nil
	}
	c.logger.Warn("venue submission failed",
		zap.String("order_id", orderID),
		zap.String("venue", venueName),
		zap.Error(err))

	replacement, ferr := c.router.HandleRoutingFailure(orderID, venueName)
	if ferr != nil {
		// No reassignment happened, so the original venue still carries
		// this order's load contribution.
		c.router.CompleteOrder(orderID, venueName)
		return nil, venueName, fmt.Errorf("submission failed on %s and no failover venue available", venueName)
	}
	metrics.RoutingFailovers.Inc()

	report, err = c.submit(ctx, order, replacement)
	if err != nil {
		c.router.CompleteOrder(orderID, replacement)
		return nil, replacement, fmt.Errorf("submission failed on %s after failover from %s: %w", replacement, venueName, err)
	}
	return report, replacement, nil
}

func (c *Coordinator) submit(ctx context.Context, order *models.Order, venueName string) (*venues.ExecutionReport, error) {
	adapter, err := c.router.Adapter(venueName)
	if err != nil {
		return nil, err
	}
	return adapter.SubmitOrder(ctx, order)
}

// findDuplicate returns the prior submission for the idempotency key, if any.
func (c *Coordinator) findDuplicate(key string) *journal.OrderSubmittedEvent {
	prior, err := c.journal.FindByIdempotencyKey(key)
	if err != nil {
		c.logger.Error("idempotency lookup failed", zap.Error(err))
		return nil
	}
	return prior
}

// snapshot fetches market data, tolerating source errors. Checks that need
// a snapshot treat the zero value as "no market data".
func (c *Coordinator) snapshot(ctx context.Context, symbol string) models.MarketSnapshot {
	if c.marketData == nil {
		return models.MarketSnapshot{Symbol: symbol}
	}
	snapshot, err := c.marketData.GetMarketData(ctx, symbol)
	if err != nil || snapshot == nil {
		c.logger.Warn("market data unavailable", zap.String("symbol", symbol), zap.Error(err))
		return models.MarketSnapshot{Symbol: symbol}
	}
	return *snapshot
}

func (c *Coordinator) fireAlert(alertType, orderID, status, reason string) {
	if c.alerts == nil {
		return
	}
	c.alerts.Fire(alerting.Alert{
		Type:    alertType,
		OrderID: orderID,
		Status:  status,
		Details: map[string]any{"reason": reason},
	})
}

func validate(req Request) string {
	if req.Symbol == "" {
		return "symbol is required"
	}
	if req.Side != models.OrderSideBuy && req.Side != models.OrderSideSell {
		return fmt.Sprintf("invalid side: %q", req.Side)
	}
	switch req.Type {
	case models.OrderTypeMarket, models.OrderTypeLimit, models.OrderTypeStop:
	default:
		return fmt.Sprintf("invalid order type: %q", req.Type)
	}
	if !req.Quantity.IsPositive() {
		return "quantity must be positive"
	}
	if req.Type != models.OrderTypeMarket && !req.Price.IsPositive() {
		return "price is required for limit and stop orders"
	}
	if req.IdempotencyKey == "" {
		return "idempotency key is required"
	}
	return ""
}

func buildOrder(req Request) *models.Order {
	tif := req.TimeInForce
	if tif == "" {
		tif = models.TimeInForceDay
	}
	return &models.Order{
		ID:             uuid.New(),
		ClientOrderID:  req.ClientOrderID,
		IdempotencyKey: req.IdempotencyKey,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Type:           req.Type,
		Quantity:       req.Quantity,
		Price:          req.Price,
		TimeInForce:    tif,
		CreatedAt:      time.Now().UTC(),
	}
}

func terminalReport(status string) bool {
	switch status {
	case venues.StatusFilled, venues.StatusCancelled, venues.StatusRejected, venues.StatusExpired:
		return true
	}
	return false
}
