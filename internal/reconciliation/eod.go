package reconciliation

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/exodusarc/exodus-core/internal/alerting"
	"github.com/exodusarc/exodus-core/pkg/models"
)

// StatementEntry is one trade from a venue's end-of-day statement.
type StatementEntry struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Timestamp     time.Time       `json:"timestamp"`
	VenueOrderID  string          `json:"venue_order_id,omitempty"`
	ExecutionID   string          `json:"execution_id,omitempty"`
}

func (e *StatementEntry) orderKey() string {
	if e.ClientOrderID != "" {
		return e.ClientOrderID
	}
	return e.OrderID
}

func (e *StatementEntry) toFill(orderID string) models.Fill {
	return models.Fill{
		OrderID:      orderID,
		Symbol:       e.Symbol,
		Side:         e.Side,
		Quantity:     e.Quantity,
		Price:        e.Price,
		Timestamp:    e.Timestamp,
		VenueOrderID: e.VenueOrderID,
		ExecutionID:  e.ExecutionID,
	}
}

// ReconcileEndOfDay merges the venue statement with locally recorded fills.
// Every not-yet-matched local order gets a fresh end-of-day record; venue
// trades with no local counterpart become unmatched-broker-trade records
// and are alerted immediately.
func (s *Service) ReconcileEndOfDay(statement []StatementEntry) {
	byOrder := make(map[string][]StatementEntry)
	for _, entry := range statement {
		key := entry.orderKey()
		if key == "" {
			continue
		}
		byOrder[key] = append(byOrder[key], entry)
	}

	s.ordersMu.RLock()
	localIDs := make([]string, 0, len(s.orders))
	for orderID := range s.orders {
		localIDs = append(localIDs, orderID)
	}
	s.ordersMu.RUnlock()

	local := make(map[string]struct{}, len(localIDs))
	for _, orderID := range localIDs {
		local[orderID] = struct{}{}
		s.reconcileWithStatement(orderID, byOrder[orderID])
	}

	for orderID, trades := range byOrder {
		if _, known := local[orderID]; !known {
			s.handleUnmatchedBrokerTrades(orderID, trades)
		}
	}
}

// reconcileWithStatement merges broker trades into an order's fill set,
// deduplicates by execution key and produces an end-of-day record.
func (s *Service) reconcileWithStatement(orderID string, trades []StatementEntry) {
	s.ordersMu.RLock()
	entry, ok := s.orders[orderID]
	s.ordersMu.RUnlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.order == nil || entry.status == StatusMatched {
		return
	}

	for _, trade := range trades {
		fill := trade.toFill(orderID)
		key := fill.ExecutionKey()
		if _, dup := entry.seen[key]; dup {
			continue
		}
		entry.seen[key] = struct{}{}
		entry.fills = append(entry.fills, fill)
	}

	s.createRecord(orderID, entry.order, entry.fills, KindEndOfDay)

	filled := decimal.Zero
	for _, fill := range entry.fills {
		filled = filled.Add(fill.Quantity)
	}
	if s.withinQuantityTolerance(filled, entry.order.Quantity) {
		entry.status = StatusMatched
	} else if filled.IsPositive() {
		entry.status = StatusPartial
	} else {
		entry.status = StatusUnmatched
	}
}

// handleUnmatchedBrokerTrades records venue trades for which no local
// order exists: expected quantity zero, full discrepancy, immediate alert.
func (s *Service) handleUnmatchedBrokerTrades(orderID string, trades []StatementEntry) {
	total := decimal.Zero
	venueOrderID := ""
	for _, trade := range trades {
		total = total.Add(trade.Quantity)
		if venueOrderID == "" {
			venueOrderID = trade.VenueOrderID
		}
	}

	record := Record{
		OrderID:          orderID,
		VenueOrderID:     venueOrderID,
		ExpectedQuantity: decimal.Zero,
		FilledQuantity:   total,
		Status:           StatusUnmatched,
		Kind:             KindEndOfDay,
		Timestamp:        time.Now().UTC(),
		Discrepancies:    []string{"no matching order found"},
	}
	s.appendRecord(record)

	s.logger.Warn("unmatched broker trade",
		zap.String("order_id", orderID),
		zap.String("filled_quantity", total.String()))
	if s.onDiscrepancy != nil {
		s.onDiscrepancy()
	}
	if s.alerts != nil {
		s.alerts.Fire(alerting.Alert{
			Type:             alerting.TypeUnmatchedBrokerTrade,
			OrderID:          record.OrderID,
			Status:           record.Status,
			Discrepancies:    record.Discrepancies,
			ExpectedQuantity: record.ExpectedQuantity,
			FilledQuantity:   record.FilledQuantity,
			Timestamp:        record.Timestamp,
		})
	}
}
