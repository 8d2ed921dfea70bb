package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/exodusarc/exodus-core/pkg/models"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	return NewEngine(cfg, zaptest.NewLogger(t))
}

func testOrder(side, orderType string, qty, price float64) *models.Order {
	return &models.Order{
		ID:        uuid.New(),
		Symbol:    "EURUSD",
		Side:      side,
		Type:      orderType,
		Quantity:  decimal.NewFromFloat(qty),
		Price:     decimal.NewFromFloat(price),
		CreatedAt: time.Now().UTC(),
	}
}

func testSnapshot(mid, spread float64) models.MarketSnapshot {
	m := decimal.NewFromFloat(mid)
	s := decimal.NewFromFloat(spread)
	half := s.Div(decimal.NewFromInt(2))
	return models.MarketSnapshot{
		Symbol:    "EURUSD",
		Bid:       m.Sub(half),
		Ask:       m.Add(half),
		Mid:       m,
		Spread:    s,
		Timestamp: time.Now().UTC(),
	}
}

func rejects(violations []Violation) []Violation {
	var out []Violation
	for _, v := range violations {
		if v.IsReject() {
			out = append(out, v)
		}
	}
	return out
}

func TestEvaluateCleanOrderPasses(t *testing.T) {
	e := newTestEngine(t, Config{})
	e.UpdateBalance(decimal.NewFromInt(100000), decimal.Zero)

	violations := e.Evaluate(testOrder(models.OrderSideBuy, models.OrderTypeLimit, 100, 1.0850), testSnapshot(1.0850, 0.0002))
	assert.Empty(t, rejects(violations))
}

func TestBuyingPowerRejectStopsEvaluation(t *testing.T) {
	e := newTestEngine(t, Config{})
	e.UpdateBalance(decimal.NewFromInt(100), decimal.Zero)

	// Margin for 100000 @ 1.0850 at 2% is 2170, far above the 80 ceiling.
	// The order would also breach the per-symbol position limit, but
	// evaluation must stop at the buying power reject.
	order := testOrder(models.OrderSideBuy, models.OrderTypeLimit, 100000, 1.0850)
	violations := e.Evaluate(order, testSnapshot(1.0850, 0.0002))

	rej := rejects(violations)
	require.Len(t, rej, 1)
	assert.Equal(t, CheckBuyingPower, rej[0].Check)
	assert.Equal(t, rej[0], violations[len(violations)-1])
}

func TestBuyingPowerMarginWarning(t *testing.T) {
	e := newTestEngine(t, Config{})
	// Utilization after the order lands between the 0.7 warning threshold
	// and the 0.8 reject ceiling.
	e.UpdateBalance(decimal.NewFromInt(1000), decimal.NewFromInt(730))

	order := testOrder(models.OrderSideBuy, models.OrderTypeLimit, 1000, 1.0)
	violations := e.Evaluate(order, testSnapshot(1.0, 0.0002))

	require.Len(t, violations, 1)
	assert.Equal(t, CheckBuyingPower, violations[0].Check)
	assert.Equal(t, SeverityWarning, violations[0].Severity)
}

func TestPositionLimitReject(t *testing.T) {
	e := newTestEngine(t, Config{MaxPositionSize: decimal.NewFromInt(500)})
	e.UpdateBalance(decimal.NewFromInt(1000000), decimal.Zero)
	e.UpdatePosition("EURUSD", decimal.NewFromInt(450), models.OrderSideBuy)

	violations := e.Evaluate(testOrder(models.OrderSideBuy, models.OrderTypeLimit, 100, 1.0850), testSnapshot(1.0850, 0.0002))
	rej := rejects(violations)
	require.Len(t, rej, 1)
	assert.Equal(t, CheckPositionLimit, rej[0].Check)
}

func TestSellReducesPositionWithinLimit(t *testing.T) {
	e := newTestEngine(t, Config{MaxPositionSize: decimal.NewFromInt(500)})
	e.UpdateBalance(decimal.NewFromInt(1000000), decimal.Zero)
	e.UpdatePosition("EURUSD", decimal.NewFromInt(450), models.OrderSideBuy)

	violations := e.Evaluate(testOrder(models.OrderSideSell, models.OrderTypeLimit, 400, 1.0850), testSnapshot(1.0850, 0.0002))
	assert.Empty(t, rejects(violations))
}

func TestVelocityLimitReject(t *testing.T) {
	e := newTestEngine(t, Config{OrdersPerMinute: 3})
	e.UpdateBalance(decimal.NewFromInt(1000000), decimal.Zero)

	snapshot := testSnapshot(1.0850, 0.0002)
	for i := 0; i < 3; i++ {
		e.RecordOrder(testOrder(models.OrderSideBuy, models.OrderTypeLimit, 10, 1.0850), snapshot)
	}

	violations := e.Evaluate(testOrder(models.OrderSideBuy, models.OrderTypeLimit, 10, 1.0850), snapshot)
	rej := rejects(violations)
	require.Len(t, rej, 1)
	assert.Equal(t, CheckVelocityLimit, rej[0].Check)
}

func TestPriceSanityDeviationReject(t *testing.T) {
	e := newTestEngine(t, Config{})
	e.UpdateBalance(decimal.NewFromInt(1000000), decimal.Zero)

	// 10% away from mid against a 5% ceiling.
	violations := e.Evaluate(testOrder(models.OrderSideBuy, models.OrderTypeLimit, 100, 1.20), testSnapshot(1.0850, 0.0002))
	rej := rejects(violations)
	require.Len(t, rej, 1)
	assert.Equal(t, CheckPriceSanity, rej[0].Check)
}

func TestPriceSanityNoMarketDataWarns(t *testing.T) {
	e := newTestEngine(t, Config{})
	e.UpdateBalance(decimal.NewFromInt(1000000), decimal.Zero)

	order := testOrder(models.OrderSideBuy, models.OrderTypeLimit, 100, 1.0850)
	violations := e.Evaluate(order, models.MarketSnapshot{Symbol: "EURUSD"})

	assert.Empty(t, rejects(violations))
	found := false
	for _, v := range violations {
		if v.Check == CheckPriceSanity && v.Severity == SeverityWarning {
			found = true
		}
	}
	assert.True(t, found, "expected a price sanity warning without market data")
}

func TestMarketOrderSkipsPriceSanity(t *testing.T) {
	e := newTestEngine(t, Config{})
	e.UpdateBalance(decimal.NewFromInt(1000000), decimal.Zero)

	order := testOrder(models.OrderSideBuy, models.OrderTypeMarket, 100, 0)
	violations := e.Evaluate(order, testSnapshot(1.0850, 0.0002))
	for _, v := range violations {
		assert.NotEqual(t, CheckPriceSanity, v.Check)
	}
}

func TestNotionalWarning(t *testing.T) {
	e := newTestEngine(t, Config{})
	e.UpdateBalance(decimal.NewFromInt(100000000), decimal.Zero)

	// Notional 108500 exceeds 10% of the 1M exposure cap.
	violations := e.Evaluate(testOrder(models.OrderSideBuy, models.OrderTypeLimit, 100000, 1.0850), testSnapshot(1.0850, 0.0002))
	found := false
	for _, v := range violations {
		if v.Check == CheckNotionalLimit {
			found = true
			assert.Equal(t, SeverityWarning, v.Severity)
		}
	}
	assert.True(t, found, "expected a notional warning")
}

func TestCircuitBreakerOpensAfterRepeatedRejections(t *testing.T) {
	e := newTestEngine(t, Config{MaxRejectionsPerMinute: 5, CircuitOpenDuration: 50 * time.Millisecond})
	e.UpdateBalance(decimal.NewFromInt(1000000), decimal.Zero)

	bad := testOrder(models.OrderSideBuy, models.OrderTypeLimit, 100, 1.50) // 38% off mid
	snapshot := testSnapshot(1.0850, 0.0002)
	for i := 0; i < 5; i++ {
		violations := e.Evaluate(bad, snapshot)
		require.NotEmpty(t, rejects(violations))
	}

	// Breaker is now open: even a clean order is rejected.
	good := testOrder(models.OrderSideBuy, models.OrderTypeLimit, 100, 1.0850)
	violations := e.Evaluate(good, snapshot)
	rej := rejects(violations)
	require.Len(t, rej, 1)
	assert.Equal(t, CheckCircuitBreaker, rej[0].Check)
	assert.True(t, e.Metrics().CircuitBreakerOn)

	// After the open duration it resets and the clean order passes.
	time.Sleep(60 * time.Millisecond)
	violations = e.Evaluate(good, snapshot)
	assert.Empty(t, rejects(violations))
}

func TestCircuitBreakerIgnoresStaleRejections(t *testing.T) {
	e := newTestEngine(t, Config{MaxRejectionsPerMinute: 5})
	e.UpdateBalance(decimal.NewFromInt(1000000), decimal.Zero)

	clock := time.Now().UTC()
	e.now = func() time.Time { return clock }

	bad := testOrder(models.OrderSideBuy, models.OrderTypeLimit, 100, 1.50)
	snapshot := testSnapshot(1.0850, 0.0002)

	// Four rejections, then the window slides past them.
	for i := 0; i < 4; i++ {
		e.Evaluate(bad, snapshot)
	}
	clock = clock.Add(2 * time.Minute)
	e.Evaluate(bad, snapshot)

	assert.False(t, e.Metrics().CircuitBreakerOn)
}

func TestCustomCheckNeverBlocks(t *testing.T) {
	e := newTestEngine(t, Config{})
	e.UpdateBalance(decimal.NewFromInt(1000000), decimal.Zero)

	e.AddCustomCheck(func(order *models.Order, snapshot models.MarketSnapshot) (*Violation, error) {
		return &Violation{Check: CheckCustom, Severity: SeverityReject, Message: "blocked"}, nil
	})

	violations := e.Evaluate(testOrder(models.OrderSideBuy, models.OrderTypeLimit, 100, 1.0850), testSnapshot(1.0850, 0.0002))
	require.Len(t, violations, 1)
	assert.Equal(t, CheckCustom, violations[0].Check)
	assert.Equal(t, SeverityWarning, violations[0].Severity)
}

func TestCustomCheckPanicIsolated(t *testing.T) {
	e := newTestEngine(t, Config{})
	e.UpdateBalance(decimal.NewFromInt(1000000), decimal.Zero)

	e.AddCustomCheck(func(order *models.Order, snapshot models.MarketSnapshot) (*Violation, error) {
		panic("boom")
	})
	e.AddCustomCheck(func(order *models.Order, snapshot models.MarketSnapshot) (*Violation, error) {
		return nil, errors.New("flaky data source")
	})

	violations := e.Evaluate(testOrder(models.OrderSideBuy, models.OrderTypeLimit, 100, 1.0850), testSnapshot(1.0850, 0.0002))
	assert.Empty(t, violations)
}

func TestUpdatePositionTracksBothSides(t *testing.T) {
	e := newTestEngine(t, Config{})
	e.UpdatePosition("EURUSD", decimal.NewFromInt(100), models.OrderSideBuy)
	e.UpdatePosition("EURUSD", decimal.NewFromInt(40), models.OrderSideSell)

	m := e.Metrics()
	assert.Equal(t, 1, m.PositionCount)
	assert.True(t, m.TotalExposure.Equal(decimal.NewFromInt(60)))
}
