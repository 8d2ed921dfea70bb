// Package alerting fans structured alerts out to registered sinks.
// Sink failures are logged and swallowed; firing an alert never fails.
package alerting

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Alert types
const (
	TypeReconciliationDiscrepancy = "reconciliation_discrepancy"
	TypeUnmatchedBrokerTrade      = "unmatched_broker_trade"
	TypeRiskRejection             = "risk_rejection"
	TypeRoutingRejection          = "routing_rejection"
	TypePipelineError             = "pipeline_error"
)

// Alert is the structured payload delivered to every sink.
type Alert struct {
	Type             string          `json:"type"`
	OrderID          string          `json:"order_id"`
	Status           string          `json:"status"`
	Discrepancies    []string        `json:"discrepancies,omitempty"`
	ExpectedQuantity decimal.Decimal `json:"expected_quantity"`
	FilledQuantity   decimal.Decimal `json:"filled_quantity"`
	Timestamp        time.Time       `json:"timestamp"`
	Details          map[string]any  `json:"details,omitempty"`
}

// Sink receives alerts. Implementations must not assume they are the only
// registered sink.
type Sink func(Alert)

// Manager delivers alerts to sinks and keeps a bounded recent history.
type Manager struct {
	mu     sync.Mutex
	logger *zap.Logger
	sinks  []Sink
	recent []Alert
	limit  int
}

// NewManager creates an alert manager keeping the last 100 alerts.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger, limit: 100}
}

// Register adds a sink.
func (m *Manager) Register(sink Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, sink)
}

// Fire delivers the alert to every sink. A panicking sink is logged and
// skipped; delivery to the remaining sinks continues.
func (m *Manager) Fire(alert Alert) {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	m.recent = append(m.recent, alert)
	if len(m.recent) > m.limit {
		m.recent = m.recent[len(m.recent)-m.limit:]
	}
	sinks := make([]Sink, len(m.sinks))
	copy(sinks, m.sinks)
	m.mu.Unlock()

	for _, sink := range sinks {
		m.deliver(sink, alert)
	}
}

func (m *Manager) deliver(sink Sink, alert Alert) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("alert sink panicked",
				zap.String("type", alert.Type),
				zap.Any("panic", r))
		}
	}()
	sink(alert)
}

// Recent returns up to n most recent alerts, newest last.
func (m *Manager) Recent(n int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.recent) {
		n = len(m.recent)
	}
	out := make([]Alert, n)
	copy(out, m.recent[len(m.recent)-n:])
	return out
}
