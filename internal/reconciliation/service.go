// Package reconciliation matches expected order terms against reported
// fills and venue statements, in real time and at end of day.
package reconciliation

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/exodusarc/exodus-core/internal/alerting"
	"github.com/exodusarc/exodus-core/pkg/models"
)

// Reconciliation statuses
const (
	StatusMatched   = "matched"
	StatusUnmatched = "unmatched"
	StatusPartial   = "partial"
	StatusPending   = "pending"
	StatusFailed    = "failed"
)

// Reconciliation kinds
const (
	KindRealTime = "real_time"
	KindIntraDay = "intra_day"
	KindEndOfDay = "end_of_day"
)

// Record is an append-only reconciliation result for one pass over an order.
type Record struct {
	OrderID          string          `json:"order_id"`
	VenueOrderID     string          `json:"venue_order_id,omitempty"`
	ExpectedQuantity decimal.Decimal `json:"expected_quantity"`
	FilledQuantity   decimal.Decimal `json:"filled_quantity"`
	ExpectedPrice    decimal.Decimal `json:"expected_price"`
	AverageFillPrice decimal.Decimal `json:"average_fill_price"`
	Status           string          `json:"status"`
	Kind             string          `json:"reconciliation_kind"`
	Timestamp        time.Time       `json:"timestamp"`
	Discrepancies    []string        `json:"discrepancies"`
	Fills            []models.Fill   `json:"fills"`
}

// Config holds reconciliation tolerances and retention.
type Config struct {
	TolerancePrice    decimal.Decimal // relative price tolerance
	ToleranceQuantity decimal.Decimal // relative quantity tolerance
	MaxRecordAge      time.Duration
}

// DefaultConfig returns the stock tolerances: 0.1% price, 1% quantity, 24h retention.
func DefaultConfig() Config {
	return Config{
		TolerancePrice:    decimal.NewFromFloat(0.001),
		ToleranceQuantity: decimal.NewFromFloat(0.01),
		MaxRecordAge:      24 * time.Hour,
	}
}

// pendingOrder tracks one order's expectations and fills. Each entry has its
// own lock so fills for distinct orders never block each other.
type pendingOrder struct {
	mu          sync.Mutex
	order       *models.Order // nil until the order itself arrives
	submittedAt time.Time
	fills       []models.Fill
	seen        map[string]struct{} // execution keys already recorded
	status      string
}

// Service owns fill sets and reconciliation records per order.
type Service struct {
	cfg    Config
	logger *zap.Logger
	alerts *alerting.Manager

	ordersMu sync.RWMutex
	orders   map[string]*pendingOrder

	recordsMu sync.Mutex
	records   []Record

	onDiscrepancy func() // optional metrics hook
}

// NewService creates a reconciliation service.
func NewService(cfg Config, alerts *alerting.Manager, logger *zap.Logger) *Service {
	def := DefaultConfig()
	if cfg.TolerancePrice.IsZero() {
		cfg.TolerancePrice = def.TolerancePrice
	}
	if cfg.ToleranceQuantity.IsZero() {
		cfg.ToleranceQuantity = def.ToleranceQuantity
	}
	if cfg.MaxRecordAge == 0 {
		cfg.MaxRecordAge = def.MaxRecordAge
	}
	return &Service{
		cfg:    cfg,
		logger: logger,
		alerts: alerts,
		orders: make(map[string]*pendingOrder),
	}
}

// SetDiscrepancyHook installs a callback fired once per discrepant record.
func (s *Service) SetDiscrepancyHook(hook func()) { s.onDiscrepancy = hook }

// getOrCreate returns the tracking entry for an order ID.
func (s *Service) getOrCreate(orderID string) *pendingOrder {
	s.ordersMu.RLock()
	entry, ok := s.orders[orderID]
	s.ordersMu.RUnlock()
	if ok {
		return entry
	}

	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()
	if entry, ok = s.orders[orderID]; ok {
		return entry
	}
	entry = &pendingOrder{
		submittedAt: time.Now().UTC(),
		seen:        make(map[string]struct{}),
		status:      StatusPending,
	}
	s.orders[orderID] = entry
	return entry
}

// SubmitOrder registers an order for reconciliation tracking. Fills that
// arrived before the order are reconciled immediately.
func (s *Service) SubmitOrder(order *models.Order) {
	entry := s.getOrCreate(order.ID.String())
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.order = order
	s.reconcileRealTimeLocked(order.ID.String(), entry)
}

// RecordFill appends a fill to the order's set (deduplicated by execution
// key) and attempts real-time reconciliation.
func (s *Service) RecordFill(fill models.Fill) {
	entry := s.getOrCreate(fill.OrderID)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	key := fill.ExecutionKey()
	if _, dup := entry.seen[key]; dup {
		s.logger.Debug("duplicate fill ignored",
			zap.String("order_id", fill.OrderID),
			zap.String("execution_key", key))
		return
	}
	entry.seen[key] = struct{}{}
	entry.fills = append(entry.fills, fill)

	s.reconcileRealTimeLocked(fill.OrderID, entry)
}

// reconcileRealTimeLocked matches fills against expectations. Caller holds
// the entry lock.
func (s *Service) reconcileRealTimeLocked(orderID string, entry *pendingOrder) {
	if entry.order == nil {
		return // wait for the order to arrive
	}
	if entry.status == StatusMatched {
		return
	}

	expected := entry.order.Quantity
	filled := decimal.Zero
	for _, fill := range entry.fills {
		filled = filled.Add(fill.Quantity)
	}

	if s.withinQuantityTolerance(filled, expected) {
		entry.status = StatusMatched
		s.createRecord(orderID, entry.order, entry.fills, KindRealTime)
	} else if filled.IsPositive() {
		entry.status = StatusPartial
	}
}

func (s *Service) withinQuantityTolerance(filled, expected decimal.Decimal) bool {
	tolerance := expected.Mul(s.cfg.ToleranceQuantity)
	return filled.Sub(expected).Abs().LessThanOrEqual(tolerance)
}

// createRecord computes filled quantity, average price and discrepancies,
// appends the record and alerts on any discrepancy.
func (s *Service) createRecord(orderID string, order *models.Order, fills []models.Fill, kind string) {
	expected := order.Quantity
	filled := decimal.Zero
	totalValue := decimal.Zero
	venueOrderID := ""
	for _, fill := range fills {
		filled = filled.Add(fill.Quantity)
		totalValue = totalValue.Add(fill.Quantity.Mul(fill.Price))
		if venueOrderID == "" {
			venueOrderID = fill.VenueOrderID
		}
	}
	avgPrice := decimal.Zero
	if filled.IsPositive() {
		avgPrice = totalValue.Div(filled)
	}

	var discrepancies []string
	if !s.withinQuantityTolerance(filled, expected) {
		discrepancies = append(discrepancies, fmt.Sprintf(
			"quantity mismatch: expected %s, filled %s", expected.String(), filled.String()))
	}
	if order.HasPrice() && avgPrice.IsPositive() {
		priceDiff := avgPrice.Sub(order.Price).Abs().Div(order.Price)
		if priceDiff.GreaterThan(s.cfg.TolerancePrice) {
			discrepancies = append(discrepancies, fmt.Sprintf(
				"price mismatch: expected %s, average fill %s", order.Price.String(), avgPrice.StringFixed(4)))
		}
	}

	status := StatusMatched
	if len(discrepancies) > 0 {
		if filled.IsZero() {
			status = StatusUnmatched
		} else {
			status = StatusPartial
		}
	}

	record := Record{
		OrderID:          orderID,
		VenueOrderID:     venueOrderID,
		ExpectedQuantity: expected,
		FilledQuantity:   filled,
		ExpectedPrice:    order.Price,
		AverageFillPrice: avgPrice,
		Status:           status,
		Kind:             kind,
		Timestamp:        time.Now().UTC(),
		Discrepancies:    discrepancies,
		Fills:            fills,
	}
	s.appendRecord(record)

	if len(discrepancies) > 0 {
		s.alertDiscrepancy(record)
	}
}

func (s *Service) appendRecord(record Record) {
	s.recordsMu.Lock()
	s.records = append(s.records, record)
	s.recordsMu.Unlock()
}

// alertDiscrepancy fans the record out to the alert manager. Sink failures
// are isolated there and never abort reconciliation.
func (s *Service) alertDiscrepancy(record Record) {
	if s.onDiscrepancy != nil {
		s.onDiscrepancy()
	}
	s.logger.Warn("reconciliation discrepancy",
		zap.String("order_id", record.OrderID),
		zap.String("status", record.Status),
		zap.Strings("discrepancies", record.Discrepancies))
	if s.alerts == nil {
		return
	}
	s.alerts.Fire(alerting.Alert{
		Type:             alerting.TypeReconciliationDiscrepancy,
		OrderID:          record.OrderID,
		Status:           record.Status,
		Discrepancies:    record.Discrepancies,
		ExpectedQuantity: record.ExpectedQuantity,
		FilledQuantity:   record.FilledQuantity,
		Timestamp:        record.Timestamp,
	})
}

// Status returns the current reconciliation status for an order.
func (s *Service) Status(orderID string) (string, bool) {
	s.ordersMu.RLock()
	entry, ok := s.orders[orderID]
	s.ordersMu.RUnlock()
	if !ok {
		return "", false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.status, true
}

// UnmatchedOrders lists order IDs currently unmatched or failed.
func (s *Service) UnmatchedOrders() []string {
	s.ordersMu.RLock()
	defer s.ordersMu.RUnlock()
	var out []string
	for orderID, entry := range s.orders {
		entry.mu.Lock()
		status := entry.status
		entry.mu.Unlock()
		if status == StatusUnmatched || status == StatusFailed {
			out = append(out, orderID)
		}
	}
	return out
}

// Report returns record copies whose timestamp falls in [start, end].
func (s *Service) Report(start, end time.Time) []Record {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()
	var out []Record
	for _, record := range s.records {
		if !record.Timestamp.Before(start) && !record.Timestamp.After(end) {
			out = append(out, record)
		}
	}
	return out
}

// CleanupOldRecords purges records and fully matched orders older than
// maxAge (the configured retention when zero). Invoked externally on a
// schedule; never automatic.
func (s *Service) CleanupOldRecords(maxAge time.Duration) {
	if maxAge <= 0 {
		maxAge = s.cfg.MaxRecordAge
	}
	cutoff := time.Now().UTC().Add(-maxAge)

	s.recordsMu.Lock()
	kept := s.records[:0]
	for _, record := range s.records {
		if record.Timestamp.After(cutoff) {
			kept = append(kept, record)
		}
	}
	s.records = kept
	s.recordsMu.Unlock()

	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()
	for orderID, entry := range s.orders {
		entry.mu.Lock()
		stale := entry.status == StatusMatched && entry.submittedAt.Before(cutoff)
		entry.mu.Unlock()
		if stale {
			delete(s.orders, orderID)
		}
	}
}

// Metrics summarizes reconciliation outcomes.
type Metrics struct {
	TotalRecords      int `json:"total_records"`
	Matched           int `json:"matched"`
	Unmatched         int `json:"unmatched"`
	Partial           int `json:"partial"`
	WithDiscrepancies int `json:"with_discrepancies"`
}

// Metrics returns counters over the recorded reconciliation passes.
func (s *Service) Metrics() Metrics {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()
	var m Metrics
	m.TotalRecords = len(s.records)
	for _, record := range s.records {
		switch record.Status {
		case StatusMatched:
			m.Matched++
		case StatusUnmatched:
			m.Unmatched++
		case StatusPartial:
			m.Partial++
		}
		if len(record.Discrepancies) > 0 {
			m.WithDiscrepancies++
		}
	}
	return m
}
