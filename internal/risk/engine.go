// Package risk implements the pre-trade admission engine: layered risk
// checks, velocity tracking and the rejection circuit breaker.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/exodusarc/exodus-core/pkg/models"
)

// Check kinds
const (
	CheckCircuitBreaker = "circuit_breaker"
	CheckBuyingPower    = "buying_power"
	CheckPositionLimit  = "position_limit"
	CheckVelocityLimit  = "velocity_limit"
	CheckPriceSanity    = "price_sanity"
	CheckNotionalLimit  = "notional_limit"
	CheckCustom         = "custom"
)

// Check severities
const (
	SeverityPass    = "pass"
	SeverityWarning = "warning"
	SeverityReject  = "reject"
)

// Violation is produced by a failed or warning check and consumed
// immediately by the caller; it is never persisted as mutable state.
type Violation struct {
	Check     string         `json:"check"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// IsReject reports whether the violation blocks the order.
func (v *Violation) IsReject() bool { return v.Severity == SeverityReject }

// CustomCheck is a pluggable check run after the built-in sequence. Its
// result never blocks an order; errors and panics are logged and dropped.
type CustomCheck func(order *models.Order, snapshot models.MarketSnapshot) (*Violation, error)

// Config holds the engine limits. Zero values are replaced by defaults.
type Config struct {
	MarginRate          decimal.Decimal // margin fraction of notional
	MaxUtilization      decimal.Decimal // reject ceiling on post-trade margin utilization
	MarginCallThreshold decimal.Decimal // warning threshold, must sit below the ceiling

	MaxPositionSize  decimal.Decimal // per-symbol post-trade magnitude cap
	MaxTotalExposure decimal.Decimal // aggregate exposure cap

	OrdersPerMinute int
	OrdersPerHour   int
	NotionalPerHour decimal.Decimal

	MaxPriceDeviation decimal.Decimal // fraction of mid
	MaxSpreadMultiple decimal.Decimal

	NotionalWarningFraction decimal.Decimal // fraction of MaxTotalExposure

	MaxRejectionsPerMinute int
	CircuitOpenDuration    time.Duration

	HistoryLimit int
}

// DefaultConfig returns the stock limits. The margin-call warning threshold
// deliberately sits below the utilization ceiling so the warning can fire
// before orders start getting rejected.
func DefaultConfig() Config {
	return Config{
		MarginRate:              decimal.NewFromFloat(0.02),
		MaxUtilization:          decimal.NewFromFloat(0.8),
		MarginCallThreshold:     decimal.NewFromFloat(0.7),
		MaxPositionSize:         decimal.NewFromInt(100000),
		MaxTotalExposure:        decimal.NewFromInt(1000000),
		OrdersPerMinute:         10,
		OrdersPerHour:           100,
		NotionalPerHour:         decimal.NewFromInt(500000),
		MaxPriceDeviation:       decimal.NewFromFloat(0.05),
		MaxSpreadMultiple:       decimal.NewFromFloat(5.0),
		NotionalWarningFraction: decimal.NewFromFloat(0.1),
		MaxRejectionsPerMinute:  5,
		CircuitOpenDuration:     5 * time.Minute,
		HistoryLimit:            1000,
	}
}

type orderRecord struct {
	timestamp time.Time
	symbol    string
	quantity  decimal.Decimal
	price     decimal.Decimal
	side      string
}

// Engine evaluates orders against account and position state it owns.
// Callers inform it of fills and balance changes; it never queries
// external state itself.
type Engine struct {
	mu sync.Mutex

	cfg    Config
	logger *zap.Logger

	orderHistory   []orderRecord
	positionSizes  map[string]decimal.Decimal
	accountBalance decimal.Decimal
	marginUsed     decimal.Decimal

	breakerOpen  bool
	breakerUntil time.Time
	rejections   []time.Time

	customChecks []CustomCheck

	now func() time.Time
}

// NewEngine creates a risk engine with the given limits.
func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	def := DefaultConfig()
	if cfg.MarginRate.IsZero() {
		cfg.MarginRate = def.MarginRate
	}
	if cfg.MaxUtilization.IsZero() {
		cfg.MaxUtilization = def.MaxUtilization
	}
	if cfg.MarginCallThreshold.IsZero() {
		cfg.MarginCallThreshold = def.MarginCallThreshold
	}
	if cfg.MaxPositionSize.IsZero() {
		cfg.MaxPositionSize = def.MaxPositionSize
	}
	if cfg.MaxTotalExposure.IsZero() {
		cfg.MaxTotalExposure = def.MaxTotalExposure
	}
	if cfg.OrdersPerMinute == 0 {
		cfg.OrdersPerMinute = def.OrdersPerMinute
	}
	if cfg.OrdersPerHour == 0 {
		cfg.OrdersPerHour = def.OrdersPerHour
	}
	if cfg.NotionalPerHour.IsZero() {
		cfg.NotionalPerHour = def.NotionalPerHour
	}
	if cfg.MaxPriceDeviation.IsZero() {
		cfg.MaxPriceDeviation = def.MaxPriceDeviation
	}
	if cfg.MaxSpreadMultiple.IsZero() {
		cfg.MaxSpreadMultiple = def.MaxSpreadMultiple
	}
	if cfg.NotionalWarningFraction.IsZero() {
		cfg.NotionalWarningFraction = def.NotionalWarningFraction
	}
	if cfg.MaxRejectionsPerMinute == 0 {
		cfg.MaxRejectionsPerMinute = def.MaxRejectionsPerMinute
	}
	if cfg.CircuitOpenDuration == 0 {
		cfg.CircuitOpenDuration = def.CircuitOpenDuration
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	return &Engine{
		cfg:            cfg,
		logger:         logger,
		positionSizes:  make(map[string]decimal.Decimal),
		accountBalance: decimal.NewFromInt(10000),
		now:            time.Now,
	}
}

// Evaluate runs the ordered check sequence against the order. Evaluation
// stops at the first reject-severity violation; checks before it are still
// reported. Custom checks run afterwards regardless and never block.
func (e *Engine) Evaluate(order *models.Order, snapshot models.MarketSnapshot) []Violation {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now().UTC()
	var violations []Violation

	// Circuit breaker gates everything else.
	if e.breakerOpen {
		if now.Before(e.breakerUntil) {
			violations = append(violations, Violation{
				Check:     CheckCircuitBreaker,
				Severity:  SeverityReject,
				Message:   "circuit breaker active - trading suspended",
				Details:   map[string]any{"until": e.breakerUntil.Format(time.RFC3339)},
				Timestamp: now,
			})
			return violations
		}
		e.breakerOpen = false
		e.breakerUntil = time.Time{}
		e.logger.Info("circuit breaker reset")
	}

	checks := []func(*models.Order, models.MarketSnapshot, time.Time) *Violation{
		e.checkBuyingPower,
		e.checkPositionLimits,
		e.checkVelocityLimits,
		e.checkPriceSanity,
		e.checkNotionalLimits,
	}
	for _, check := range checks {
		if v := check(order, snapshot, now); v != nil {
			violations = append(violations, *v)
			if v.IsReject() {
				break
			}
		}
	}

	for _, custom := range e.customChecks {
		if v := e.runCustomCheck(custom, order, snapshot); v != nil {
			violations = append(violations, *v)
		}
	}

	e.updateCircuitBreaker(violations, now)
	return violations
}

func (e *Engine) runCustomCheck(check CustomCheck, order *models.Order, snapshot models.MarketSnapshot) (violation *Violation) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("custom risk check panicked", zap.Any("panic", r))
			violation = nil
		}
	}()
	v, err := check(order, snapshot)
	if err != nil {
		e.logger.Error("custom risk check failed", zap.Error(err))
		return nil
	}
	if v != nil && v.IsReject() {
		// Custom checks never block; downgrade to a warning.
		v.Severity = SeverityWarning
	}
	return v
}

func (e *Engine) checkBuyingPower(order *models.Order, snapshot models.MarketSnapshot, now time.Time) *Violation {
	price := order.Price
	if !order.HasPrice() {
		price = snapshot.Mid
	}
	if !price.IsPositive() {
		return &Violation{
			Check:     CheckBuyingPower,
			Severity:  SeverityReject,
			Message:   "invalid price for margin calculation",
			Details:   map[string]any{"price": price.String()},
			Timestamp: now,
		}
	}

	notional := order.Quantity.Mul(price)
	requiredMargin := notional.Mul(e.cfg.MarginRate)
	available := e.accountBalance.Sub(e.marginUsed)

	if !e.accountBalance.IsPositive() {
		return &Violation{
			Check:     CheckBuyingPower,
			Severity:  SeverityReject,
			Message:   "no account balance available",
			Details:   map[string]any{"balance": e.accountBalance.String()},
			Timestamp: now,
		}
	}
	utilizationAfter := e.marginUsed.Add(requiredMargin).Div(e.accountBalance)

	if utilizationAfter.GreaterThan(e.cfg.MaxUtilization) {
		return &Violation{
			Check:    CheckBuyingPower,
			Severity: SeverityReject,
			Message: fmt.Sprintf("insufficient buying power: required %s, available %s",
				requiredMargin.StringFixed(2), available.StringFixed(2)),
			Details: map[string]any{
				"required_margin":       requiredMargin.String(),
				"available_buying_power": available.String(),
				"utilization_after":     utilizationAfter.String(),
			},
			Timestamp: now,
		}
	}

	if utilizationAfter.GreaterThan(e.cfg.MarginCallThreshold) {
		return &Violation{
			Check:     CheckBuyingPower,
			Severity:  SeverityWarning,
			Message:   fmt.Sprintf("high margin utilization: %s", utilizationAfter.StringFixed(4)),
			Details:   map[string]any{"utilization": utilizationAfter.String()},
			Timestamp: now,
		}
	}
	return nil
}

func (e *Engine) checkPositionLimits(order *models.Order, snapshot models.MarketSnapshot, now time.Time) *Violation {
	current := e.positionSizes[order.Symbol]
	var next decimal.Decimal
	if order.Side == models.OrderSideBuy {
		next = current.Add(order.Quantity)
	} else {
		next = current.Sub(order.Quantity)
	}

	if next.Abs().GreaterThan(e.cfg.MaxPositionSize) {
		return &Violation{
			Check:    CheckPositionLimit,
			Severity: SeverityReject,
			Message: fmt.Sprintf("position limit exceeded for %s: max %s, new %s",
				order.Symbol, e.cfg.MaxPositionSize.String(), next.String()),
			Details: map[string]any{
				"symbol":           order.Symbol,
				"current_position": current.String(),
				"new_position":     next.String(),
				"limit":            e.cfg.MaxPositionSize.String(),
			},
			Timestamp: now,
		}
	}

	price := order.Price
	if !order.HasPrice() {
		price = snapshot.Mid
	}

	total := decimal.Zero
	for _, pos := range e.positionSizes {
		total = total.Add(pos.Abs())
	}
	newTotal := total.Sub(current.Abs().Mul(price)).Add(next.Abs().Mul(price))

	if newTotal.GreaterThan(e.cfg.MaxTotalExposure) {
		return &Violation{
			Check:    CheckPositionLimit,
			Severity: SeverityReject,
			Message: fmt.Sprintf("total exposure limit exceeded: max %s, new %s",
				e.cfg.MaxTotalExposure.String(), newTotal.StringFixed(2)),
			Details: map[string]any{
				"current_exposure": total.String(),
				"new_exposure":     newTotal.String(),
				"limit":            e.cfg.MaxTotalExposure.String(),
			},
			Timestamp: now,
		}
	}
	return nil
}

func (e *Engine) checkVelocityLimits(order *models.Order, snapshot models.MarketSnapshot, now time.Time) *Violation {
	minuteAgo := now.Add(-time.Minute)
	hourAgo := now.Add(-time.Hour)

	var lastMinute, lastHour int
	notionalLastHour := decimal.Zero
	for _, rec := range e.orderHistory {
		if rec.timestamp.After(hourAgo) {
			lastHour++
			notionalLastHour = notionalLastHour.Add(rec.quantity.Mul(rec.price))
			if rec.timestamp.After(minuteAgo) {
				lastMinute++
			}
		}
	}

	if lastMinute >= e.cfg.OrdersPerMinute {
		return &Violation{
			Check:    CheckVelocityLimit,
			Severity: SeverityReject,
			Message:  fmt.Sprintf("order velocity limit exceeded: %d orders in last minute", lastMinute),
			Details: map[string]any{
				"orders_last_minute": lastMinute,
				"limit":              e.cfg.OrdersPerMinute,
			},
			Timestamp: now,
		}
	}

	if lastHour >= e.cfg.OrdersPerHour {
		return &Violation{
			Check:    CheckVelocityLimit,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("high order frequency: %d orders in last hour", lastHour),
			Details: map[string]any{
				"orders_last_hour": lastHour,
				"limit":            e.cfg.OrdersPerHour,
			},
			Timestamp: now,
		}
	}

	if notionalLastHour.GreaterThanOrEqual(e.cfg.NotionalPerHour) {
		return &Violation{
			Check:    CheckVelocityLimit,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("notional limit approached: %s in last hour", notionalLastHour.StringFixed(2)),
			Details: map[string]any{
				"notional_last_hour": notionalLastHour.String(),
				"limit":              e.cfg.NotionalPerHour.String(),
			},
			Timestamp: now,
		}
	}
	return nil
}

func (e *Engine) checkPriceSanity(order *models.Order, snapshot models.MarketSnapshot, now time.Time) *Violation {
	if !order.HasPrice() {
		return nil // market orders skip price sanity
	}

	if !snapshot.Mid.IsPositive() {
		return &Violation{
			Check:     CheckPriceSanity,
			Severity:  SeverityWarning,
			Message:   "unable to verify price sanity - no market data available",
			Details:   map[string]any{"order_price": order.Price.String()},
			Timestamp: now,
		}
	}

	deviation := order.Price.Sub(snapshot.Mid).Abs().Div(snapshot.Mid)
	if deviation.GreaterThan(e.cfg.MaxPriceDeviation) {
		return &Violation{
			Check:    CheckPriceSanity,
			Severity: SeverityReject,
			Message: fmt.Sprintf("price deviates too far from market: %s > %s",
				deviation.StringFixed(4), e.cfg.MaxPriceDeviation.String()),
			Details: map[string]any{
				"order_price":   order.Price.String(),
				"mid_price":     snapshot.Mid.String(),
				"deviation":     deviation.String(),
				"max_deviation": e.cfg.MaxPriceDeviation.String(),
			},
			Timestamp: now,
		}
	}

	if snapshot.Spread.IsPositive() {
		spreadMultiple := order.Price.Sub(snapshot.Mid).Abs().Div(snapshot.Spread)
		if spreadMultiple.GreaterThan(e.cfg.MaxSpreadMultiple) {
			return &Violation{
				Check:    CheckPriceSanity,
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("price far from mid relative to spread: %sx spread", spreadMultiple.StringFixed(1)),
				Details: map[string]any{
					"spread_multiple": spreadMultiple.String(),
					"max_multiple":    e.cfg.MaxSpreadMultiple.String(),
				},
				Timestamp: now,
			}
		}
	}
	return nil
}

func (e *Engine) checkNotionalLimits(order *models.Order, snapshot models.MarketSnapshot, now time.Time) *Violation {
	price := order.Price
	if !order.HasPrice() {
		price = snapshot.Mid
	}
	notional := order.Quantity.Mul(price)
	threshold := e.cfg.MaxTotalExposure.Mul(e.cfg.NotionalWarningFraction)

	if notional.GreaterThan(threshold) {
		return &Violation{
			Check:     CheckNotionalLimit,
			Severity:  SeverityWarning,
			Message:   fmt.Sprintf("large order notional: %s", notional.StringFixed(2)),
			Details:   map[string]any{"notional_value": notional.String()},
			Timestamp: now,
		}
	}
	return nil
}

// updateCircuitBreaker tracks reject-severity violations over the trailing
// minute and opens the breaker when the threshold is reached. Called with
// the engine lock held.
func (e *Engine) updateCircuitBreaker(violations []Violation, now time.Time) {
	rejected := false
	for i := range violations {
		if violations[i].IsReject() && violations[i].Check != CheckCircuitBreaker {
			rejected = true
			break
		}
	}
	if !rejected {
		return
	}

	minuteAgo := now.Add(-time.Minute)
	kept := e.rejections[:0]
	for _, ts := range e.rejections {
		if ts.After(minuteAgo) {
			kept = append(kept, ts)
		}
	}
	e.rejections = append(kept, now)

	if len(e.rejections) >= e.cfg.MaxRejectionsPerMinute && !e.breakerOpen {
		e.breakerOpen = true
		e.breakerUntil = now.Add(e.cfg.CircuitOpenDuration)
		e.rejections = e.rejections[:0]
		e.logger.Warn("circuit breaker activated",
			zap.Time("until", e.breakerUntil),
			zap.Int("rejections", e.cfg.MaxRejectionsPerMinute))
	}
}

// RecordOrder appends an admitted order to the velocity history.
func (e *Engine) RecordOrder(order *models.Order, snapshot models.MarketSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	price := order.Price
	if !order.HasPrice() {
		price = snapshot.Mid
	}
	e.orderHistory = append(e.orderHistory, orderRecord{
		timestamp: e.now().UTC(),
		symbol:    order.Symbol,
		quantity:  order.Quantity,
		price:     price,
		side:      order.Side,
	})
	if len(e.orderHistory) > e.cfg.HistoryLimit {
		e.orderHistory = e.orderHistory[len(e.orderHistory)-e.cfg.HistoryLimit:]
	}
}

// UpdatePosition applies a filled quantity to the running position for a symbol.
func (e *Engine) UpdatePosition(symbol string, quantity decimal.Decimal, side string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if side == models.OrderSideBuy {
		e.positionSizes[symbol] = e.positionSizes[symbol].Add(quantity)
	} else {
		e.positionSizes[symbol] = e.positionSizes[symbol].Sub(quantity)
	}
}

// UpdateBalance replaces the account balance and margin used.
func (e *Engine) UpdateBalance(balance, marginUsed decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accountBalance = balance
	e.marginUsed = marginUsed
}

// AddCustomCheck registers a pluggable non-blocking check.
func (e *Engine) AddCustomCheck(check CustomCheck) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.customChecks = append(e.customChecks, check)
}

// Metrics summarizes the engine's current state.
type Metrics struct {
	AccountBalance    decimal.Decimal `json:"account_balance"`
	MarginUsed        decimal.Decimal `json:"margin_used"`
	MarginUtilization decimal.Decimal `json:"margin_utilization"`
	TotalExposure     decimal.Decimal `json:"total_exposure"`
	PositionCount     int             `json:"position_count"`
	CircuitBreakerOn  bool            `json:"circuit_breaker_active"`
	OrdersLastHour    int             `json:"orders_last_hour"`
}

// Metrics returns a snapshot of the engine state.
func (e *Engine) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	total := decimal.Zero
	for _, pos := range e.positionSizes {
		total = total.Add(pos.Abs())
	}
	utilization := decimal.Zero
	if e.accountBalance.IsPositive() {
		utilization = e.marginUsed.Div(e.accountBalance)
	}
	hourAgo := e.now().UTC().Add(-time.Hour)
	ordersLastHour := 0
	for _, rec := range e.orderHistory {
		if rec.timestamp.After(hourAgo) {
			ordersLastHour++
		}
	}
	return Metrics{
		AccountBalance:    e.accountBalance,
		MarginUsed:        e.marginUsed,
		MarginUtilization: utilization,
		TotalExposure:     total,
		PositionCount:     len(e.positionSizes),
		CircuitBreakerOn:  e.breakerOpen,
		OrdersLastHour:    ordersLastHour,
	}
}
