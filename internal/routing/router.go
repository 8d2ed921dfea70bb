// Package routing implements venue selection with load balancing,
// priority routing, per-order failover and background health monitoring.
package routing

import (
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/exodusarc/exodus-core/internal/venues"
	"github.com/exodusarc/exodus-core/pkg/models"
)

// Routing strategies
const (
	StrategyRoundRobin    = "round_robin"
	StrategyLeastLoaded   = "least_loaded"
	StrategyPriorityBased = "priority_based"
	StrategyFailover      = "failover"
)

// Venue statuses
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusDegraded     = "degraded"
	StatusMaintenance  = "maintenance"
)

// ErrNoVenueAvailable is returned when no registered venue can take the order.
var ErrNoVenueAvailable = errors.New("no venue available for order")

// ErrUnknownVenue is returned for operations referencing an unregistered venue.
var ErrUnknownVenue = errors.New("unknown venue")

// Venue is a registered execution endpoint. The router exclusively owns
// CurrentLoad and Status; no other component mutates them.
type Venue struct {
	Name                string
	Adapter             venues.Adapter
	Status              string
	Priority            int
	MaxConcurrentOrders int
	CurrentLoad         int
	LastHeartbeat       time.Time
	Capabilities        []string
}

func (v *Venue) hasCapabilities(required []string) bool {
	for _, cap := range required {
		found := false
		for _, have := range v.Capabilities {
			if have == cap {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Decision is the current routing outcome for one order. It is the single
// mutable audit entry per order; the append-only history keeps snapshots.
type Decision struct {
	OrderID          string    `json:"order_id"`
	SelectedVenue    string    `json:"selected_venue"`
	StrategyUsed     string    `json:"strategy_used"`
	FailoverAttempts int       `json:"failover_attempts"`
	Timestamp        time.Time `json:"timestamp"`
	Reason           string    `json:"reason"`
}

// Router selects a venue per order and tracks venue load and health.
type Router struct {
	mu sync.Mutex

	logger   *zap.Logger
	venues   map[string]*Venue
	strategy string

	roundRobinIndex int
	failoverCache   map[string][]string

	decisions map[string]*Decision
	history   []Decision

	healthCheckInterval time.Duration
}

// NewRouter creates a router with the least-loaded strategy active.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		logger:              logger,
		venues:              make(map[string]*Venue),
		strategy:            StrategyLeastLoaded,
		failoverCache:       make(map[string][]string),
		decisions:           make(map[string]*Decision),
		healthCheckInterval: 30 * time.Second,
	}
}

// RegisterVenue adds an execution venue in connected state.
func (r *Router) RegisterVenue(name string, adapter venues.Adapter, priority, maxConcurrent int, capabilities []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.venues[name] = &Venue{
		Name:                name,
		Adapter:             adapter,
		Status:              StatusConnected,
		Priority:            priority,
		MaxConcurrentOrders: maxConcurrent,
		LastHeartbeat:       time.Now().UTC(),
		Capabilities:        capabilities,
	}
	r.logger.Info("venue registered",
		zap.String("venue", name),
		zap.Int("priority", priority),
		zap.Int("max_concurrent", maxConcurrent))
}

// UnregisterVenue removes a venue from the routing table.
func (r *Router) UnregisterVenue(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.venues, name)
}

// SetStrategy switches the active selection strategy.
func (r *Router) SetStrategy(strategy string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategy = strategy
}

// Adapter returns the adapter handle for a registered venue.
func (r *Router) Adapter(name string) (venues.Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	venue, ok := r.venues[name]
	if !ok {
		return nil, ErrUnknownVenue
	}
	return venue.Adapter, nil
}

// requiredCapabilities derives the capability set the order demands from its
// type and symbol. Forex pairs are recognized by their currency prefixes.
func requiredCapabilities(order *models.Order) []string {
	var required []string
	switch order.Type {
	case models.OrderTypeLimit:
		required = append(required, "limit_orders")
	case models.OrderTypeStop:
		required = append(required, "stop_orders")
	}
	symbol := order.Symbol
	if strings.HasPrefix(symbol, "EUR") || strings.HasPrefix(symbol, "GBP") || strings.Contains(symbol, "USD") {
		required = append(required, "forex")
	} else {
		required = append(required, "equities")
	}
	return required
}

// eligible returns venues able to take the order, in stable name order.
// Caller holds the lock.
func (r *Router) eligible(order *models.Order, exclude string) []*Venue {
	required := requiredCapabilities(order)
	var out []*Venue
	for _, venue := range r.sortedVenues() {
		if venue.Name == exclude {
			continue
		}
		if venue.Status != StatusConnected {
			continue
		}
		if venue.CurrentLoad >= venue.MaxConcurrentOrders {
			continue
		}
		if !venue.hasCapabilities(required) {
			continue
		}
		out = append(out, venue)
	}
	return out
}

// sortedVenues returns registered venues ordered by name so the filtered
// set has a deterministic order for tie-breaks and round robin.
func (r *Router) sortedVenues() []*Venue {
	names := make([]string, 0, len(r.venues))
	for name := range r.venues {
		names = append(names, name)
	}
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j] < names[j-1]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	out := make([]*Venue, len(names))
	for i, name := range names {
		out[i] = r.venues[name]
	}
	return out
}

// RouteOrder picks a venue for the order, increments its load and records
// the routing decision. Returns ErrNoVenueAvailable when nothing qualifies.
func (r *Router) RouteOrder(order *models.Order) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := r.eligible(order, "")
	if len(candidates) == 0 {
		return "", ErrNoVenueAvailable
	}

	selected := r.selectVenue(candidates, order.ID.String())
	if selected == nil {
		return "", ErrNoVenueAvailable
	}

	orderID := order.ID.String()
	decision := &Decision{
		OrderID:       orderID,
		SelectedVenue: selected.Name,
		StrategyUsed:  r.strategy,
		Timestamp:     time.Now().UTC(),
		Reason:        "selected via " + r.strategy + " strategy",
	}
	r.decisions[orderID] = decision
	r.history = append(r.history, *decision)
	selected.CurrentLoad++

	r.logger.Debug("order routed",
		zap.String("order_id", orderID),
		zap.String("venue", selected.Name),
		zap.String("strategy", r.strategy))
	return selected.Name, nil
}

// selectVenue applies the active strategy. Caller holds the lock.
func (r *Router) selectVenue(candidates []*Venue, orderID string) *Venue {
	switch r.strategy {
	case StrategyRoundRobin:
		return r.roundRobinSelect(candidates)
	case StrategyLeastLoaded:
		return leastLoadedSelect(candidates)
	case StrategyPriorityBased:
		return priorityBasedSelect(candidates)
	case StrategyFailover:
		return r.failoverSelect(candidates, orderID)
	default:
		return leastLoadedSelect(candidates)
	}
}

func (r *Router) roundRobinSelect(candidates []*Venue) *Venue {
	if r.roundRobinIndex >= len(candidates) {
		r.roundRobinIndex = 0
	}
	selected := candidates[r.roundRobinIndex]
	r.roundRobinIndex++
	return selected
}

func leastLoadedSelect(candidates []*Venue) *Venue {
	selected := candidates[0]
	for _, venue := range candidates[1:] {
		if venue.CurrentLoad < selected.CurrentLoad {
			selected = venue
		}
	}
	return selected
}

func priorityBasedSelect(candidates []*Venue) *Venue {
	selected := candidates[0]
	for _, venue := range candidates[1:] {
		if venue.Priority > selected.Priority {
			selected = venue
		}
	}
	return selected
}

func (r *Router) failoverSelect(candidates []*Venue, orderID string) *Venue {
	if cached := r.failoverCache[orderID]; len(cached) > 0 {
		preferred := cached[0]
		for _, venue := range candidates {
			if venue.Name == preferred {
				return venue
			}
		}
	}
	return leastLoadedSelect(candidates)
}

// HandleRoutingFailure marks the failed venue degraded, reselects among the
// remaining venues, updates the order's decision in place and rebalances
// load counters. Returns the replacement venue name.
func (r *Router) HandleRoutingFailure(orderID, failedVenue string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	decision, ok := r.decisions[orderID]
	if !ok {
		return "", ErrUnknownVenue
	}

	if failed, ok := r.venues[failedVenue]; ok {
		failed.Status = StatusDegraded
	}

	var candidates []*Venue
	for _, venue := range r.sortedVenues() {
		if venue.Name == failedVenue || venue.Status != StatusConnected {
			continue
		}
		if venue.CurrentLoad >= venue.MaxConcurrentOrders {
			continue
		}
		candidates = append(candidates, venue)
	}
	if len(candidates) == 0 {
		return "", ErrNoVenueAvailable
	}

	selected := r.selectVenue(candidates, orderID)
	if selected == nil {
		return "", ErrNoVenueAvailable
	}

	decision.SelectedVenue = selected.Name
	decision.FailoverAttempts++
	decision.Reason = "failover from " + failedVenue + " to " + selected.Name
	r.failoverCache[orderID] = append(r.failoverCache[orderID], selected.Name)

	if failed, ok := r.venues[failedVenue]; ok && failed.CurrentLoad > 0 {
		failed.CurrentLoad--
	}
	selected.CurrentLoad++

	r.logger.Warn("order failed over",
		zap.String("order_id", orderID),
		zap.String("failed_venue", failedVenue),
		zap.String("new_venue", selected.Name))
	return selected.Name, nil
}

// CompleteOrder releases the order's load contribution on its venue and
// drops the failover cache entry. Load never drops below zero.
func (r *Router) CompleteOrder(orderID, venueName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if venue, ok := r.venues[venueName]; ok && venue.CurrentLoad > 0 {
		venue.CurrentLoad--
	}
	delete(r.failoverCache, orderID)
}

// History returns a copy of the append-only decision log. Entries are
// snapshots taken at selection time; failovers update the live decision
// but never rewrite history.
func (r *Router) History() []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Decision, len(r.history))
	copy(out, r.history)
	return out
}

// Decision returns a copy of the current routing decision for an order.
func (r *Router) Decision(orderID string) (Decision, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	decision, ok := r.decisions[orderID]
	if !ok {
		return Decision{}, false
	}
	return *decision, true
}

// Stats summarizes routing activity.
type Stats struct {
	TotalRoutes   int            `json:"total_routes"`
	VenueUsage    map[string]int `json:"venue_usage"`
	StrategyUsage map[string]int `json:"strategy_usage"`
	FailoverCount int            `json:"failover_count"`
}

// Stats returns counters over the current decision index.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{
		VenueUsage:    make(map[string]int),
		StrategyUsage: make(map[string]int),
	}
	for _, decision := range r.decisions {
		stats.TotalRoutes++
		stats.VenueUsage[decision.SelectedVenue]++
		stats.StrategyUsage[decision.StrategyUsed]++
		if decision.FailoverAttempts > 0 {
			stats.FailoverCount++
		}
	}
	return stats
}

// VenueStatus describes one venue for introspection endpoints.
type VenueStatus struct {
	Status        string    `json:"status"`
	CurrentLoad   int       `json:"current_load"`
	MaxConcurrent int       `json:"max_concurrent"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Capabilities  []string  `json:"capabilities"`
}

// VenueStatuses reports the status of every registered venue.
func (r *Router) VenueStatuses() map[string]VenueStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]VenueStatus, len(r.venues))
	for name, venue := range r.venues {
		out[name] = VenueStatus{
			Status:        venue.Status,
			CurrentLoad:   venue.CurrentLoad,
			MaxConcurrent: venue.MaxConcurrentOrders,
			LastHeartbeat: venue.LastHeartbeat,
			Capabilities:  venue.Capabilities,
		}
	}
	return out
}
