package pipeline_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/exodusarc/exodus-core/internal/alerting"
	"github.com/exodusarc/exodus-core/internal/journal"
	"github.com/exodusarc/exodus-core/internal/pipeline"
	"github.com/exodusarc/exodus-core/internal/reconciliation"
	"github.com/exodusarc/exodus-core/internal/risk"
	"github.com/exodusarc/exodus-core/internal/routing"
	"github.com/exodusarc/exodus-core/internal/venues/sim"
	"github.com/exodusarc/exodus-core/pkg/models"
)

var fxCaps = []string{"forex", "limit_orders", "stop_orders"}

type fixture struct {
	coordinator *pipeline.Coordinator
	router      *routing.Router
	recon       *reconciliation.Service
	risk        *risk.Engine
	alerts      *alerting.Manager
	sims        map[string]*sim.Adapter
}

type panickySource struct{}

func (panickySource) GetMarketData(ctx context.Context, symbol string) (*models.MarketSnapshot, error) {
	panic("market data source exploded")
}

func newFixture(t *testing.T, venueNames ...string) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	jnl, err := journal.Open(filepath.Join(t.TempDir(), "events.jsonl"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { jnl.Close() })

	alerts := alerting.NewManager(logger)
	riskEngine := risk.NewEngine(risk.Config{}, logger)
	riskEngine.UpdateBalance(decimal.NewFromInt(1000000), decimal.Zero)
	router := routing.NewRouter(logger)
	recon := reconciliation.NewService(reconciliation.Config{}, alerts, logger)

	sims := make(map[string]*sim.Adapter)
	var marketData pipeline.MarketDataSource
	for _, name := range venueNames {
		adapter := sim.NewAdapter(logger.Named(name), map[string]sim.Quote{
			"EURUSD": {Bid: decimal.NewFromFloat(1.0849), Ask: decimal.NewFromFloat(1.0851)},
		})
		require.NoError(t, adapter.Connect(context.Background()))
		router.RegisterVenue(name, adapter, 1, 100, fxCaps)
		sims[name] = adapter
		if marketData == nil {
			marketData = adapter
		}
	}

	return &fixture{
		coordinator: pipeline.NewCoordinator(riskEngine, router, recon, jnl, alerts, marketData, logger),
		router:      router,
		recon:       recon,
		risk:        riskEngine,
		alerts:      alerts,
		sims:        sims,
	}
}

func limitRequest(key string) pipeline.Request {
	return pipeline.Request{
		Symbol:         "EURUSD",
		Side:           models.OrderSideBuy,
		Type:           models.OrderTypeLimit,
		Quantity:       decimal.NewFromInt(100),
		Price:          decimal.NewFromFloat(1.0850),
		IdempotencyKey: key,
	}
}

func TestProcessOrderAccepted(t *testing.T) {
	f := newFixture(t, "primary")

	result := f.coordinator.ProcessOrder(context.Background(), limitRequest("key-1"))
	require.Equal(t, pipeline.StatusAccepted, result.Status)
	assert.Equal(t, "primary", result.Venue)
	assert.NotEmpty(t, result.VenueOrderID)
	assert.NotEmpty(t, result.InternalOrderID)

	// The sim fills in full, so reconciliation matches immediately.
	status, ok := f.recon.Status(result.InternalOrderID)
	require.True(t, ok)
	assert.Equal(t, reconciliation.StatusMatched, status)

	// Fill flowed back into the risk engine's position state.
	assert.Equal(t, 1, f.risk.Metrics().PositionCount)
}

func TestProcessOrderDuplicateSuppressed(t *testing.T) {
	f := newFixture(t, "primary")

	first := f.coordinator.ProcessOrder(context.Background(), limitRequest("key-1"))
	require.Equal(t, pipeline.StatusAccepted, first.Status)

	second := f.coordinator.ProcessOrder(context.Background(), limitRequest("key-1"))
	require.Equal(t, pipeline.StatusDuplicate, second.Status)
	assert.Equal(t, first.InternalOrderID, second.InternalOrderID)
	assert.Equal(t, first.VenueOrderID, second.VenueOrderID)
}

func TestProcessOrderRiskRejected(t *testing.T) {
	f := newFixture(t, "primary")

	req := limitRequest("key-1")
	req.Price = decimal.NewFromFloat(1.50) // far outside the deviation limit
	result := f.coordinator.ProcessOrder(context.Background(), req)

	require.Equal(t, pipeline.StatusRejected, result.Status)
	assert.NotEmpty(t, result.Violations)
	assert.Empty(t, result.Venue)

	// Rejected orders never reach a venue or the journal.
	retry := f.coordinator.ProcessOrder(context.Background(), limitRequest("key-1"))
	assert.Equal(t, pipeline.StatusAccepted, retry.Status)
}

func TestProcessOrderNoVenueAvailable(t *testing.T) {
	f := newFixture(t, "primary")
	f.router.UnregisterVenue("primary")

	result := f.coordinator.ProcessOrder(context.Background(), limitRequest("key-1"))
	require.Equal(t, pipeline.StatusRejected, result.Status)
	assert.Equal(t, "no venue available", result.Reason)
}

func TestProcessOrderFailsOverOnce(t *testing.T) {
	f := newFixture(t, "alpha", "bravo")
	f.sims["alpha"].FailSubmissions(true)
	f.sims["bravo"].FailSubmissions(false)

	result := f.coordinator.ProcessOrder(context.Background(), limitRequest("key-1"))
	require.Equal(t, pipeline.StatusAccepted, result.Status)

	if result.Venue == "alpha" {
		t.Fatalf("order landed on the failing venue")
	}
	decision, ok := f.router.Decision(result.InternalOrderID)
	if ok && decision.FailoverAttempts > 0 {
		assert.Equal(t, result.Venue, decision.SelectedVenue)
	}
}

func TestFailedOrderReleasesVenueLoad(t *testing.T) {
	f := newFixture(t, "only")
	f.sims["only"].FailSubmissions(true)

	result := f.coordinator.ProcessOrder(context.Background(), limitRequest("key-1"))
	require.Equal(t, pipeline.StatusFailed, result.Status)

	// The venue is degraded until a health probe recovers it, but the
	// order's load slot must already be free.
	status := f.router.VenueStatuses()["only"]
	assert.Equal(t, routing.StatusDegraded, status.Status)
	assert.Equal(t, 0, status.CurrentLoad,
		"terminal order must not keep a load slot on the failed venue")
}

func TestProcessOrderFailsWhenAllVenuesFail(t *testing.T) {
	f := newFixture(t, "alpha", "bravo")
	f.sims["alpha"].FailSubmissions(true)
	f.sims["bravo"].FailSubmissions(true)

	result := f.coordinator.ProcessOrder(context.Background(), limitRequest("key-1"))
	require.Equal(t, pipeline.StatusFailed, result.Status)
	assert.NotEmpty(t, result.Reason)
	for name, status := range f.router.VenueStatuses() {
		assert.Equal(t, 0, status.CurrentLoad, "venue %s leaked load", name)
	}

	// Failed orders never reach the journal, so a retry is not a duplicate.
	f.sims["alpha"].FailSubmissions(false)
	f.sims["bravo"].FailSubmissions(false)
	retry := f.coordinator.ProcessOrder(context.Background(), limitRequest("key-1"))
	assert.Equal(t, pipeline.StatusAccepted, retry.Status)
}

func TestProcessOrderPanicSurfacesAsError(t *testing.T) {
	logger := zaptest.NewLogger(t)
	jnl, err := journal.Open(filepath.Join(t.TempDir(), "events.jsonl"), logger)
	require.NoError(t, err)
	defer jnl.Close()

	coordinator := pipeline.NewCoordinator(
		risk.NewEngine(risk.Config{}, logger),
		routing.NewRouter(logger),
		reconciliation.NewService(reconciliation.Config{}, nil, logger),
		jnl,
		alerting.NewManager(logger),
		panickySource{},
		logger,
	)

	result := coordinator.ProcessOrder(context.Background(), limitRequest("key-1"))
	require.Equal(t, pipeline.StatusError, result.Status)
	assert.Contains(t, result.Reason, "internal error")
}

func TestProcessOrderValidation(t *testing.T) {
	f := newFixture(t, "primary")

	cases := []struct {
		name   string
		mutate func(*pipeline.Request)
	}{
		{"missing symbol", func(r *pipeline.Request) { r.Symbol = "" }},
		{"bad side", func(r *pipeline.Request) { r.Side = "LONG" }},
		{"bad type", func(r *pipeline.Request) { r.Type = "ICEBERG" }},
		{"zero quantity", func(r *pipeline.Request) { r.Quantity = decimal.Zero }},
		{"limit without price", func(r *pipeline.Request) { r.Price = decimal.Zero }},
		{"missing idempotency key", func(r *pipeline.Request) { r.IdempotencyKey = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := limitRequest("key-1")
			tc.mutate(&req)
			result := f.coordinator.ProcessOrder(context.Background(), req)
			assert.Equal(t, pipeline.StatusRejected, result.Status)
			assert.NotEmpty(t, result.Reason)
		})
	}
}

func TestMarketOrderUsesQuotedMid(t *testing.T) {
	f := newFixture(t, "primary")

	req := pipeline.Request{
		Symbol:         "EURUSD",
		Side:           models.OrderSideBuy,
		Type:           models.OrderTypeMarket,
		Quantity:       decimal.NewFromInt(100),
		IdempotencyKey: "key-mkt",
	}
	result := f.coordinator.ProcessOrder(context.Background(), req)
	require.Equal(t, pipeline.StatusAccepted, result.Status)

	status, ok := f.recon.Status(result.InternalOrderID)
	require.True(t, ok)
	assert.Equal(t, reconciliation.StatusMatched, status)
}
