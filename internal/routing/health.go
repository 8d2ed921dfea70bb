package routing

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SetHealthCheckInterval overrides the probe interval. Must be called
// before StartHealthMonitor.
func (r *Router) SetHealthCheckInterval(interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if interval > 0 {
		r.healthCheckInterval = interval
	}
}

// StartHealthMonitor launches the background probe loop. The loop runs
// until the context is cancelled; a failing venue never blocks the others
// and a failing iteration never terminates the loop.
func (r *Router) StartHealthMonitor(ctx context.Context) {
	r.mu.Lock()
	interval := r.healthCheckInterval
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				r.logger.Info("health monitor stopped")
				return
			case <-ticker.C:
				r.performHealthChecks(ctx)
			}
		}
	}()
}

func (r *Router) performHealthChecks(ctx context.Context) {
	r.mu.Lock()
	snapshot := make([]*Venue, 0, len(r.venues))
	for _, venue := range r.venues {
		snapshot = append(snapshot, venue)
	}
	r.mu.Unlock()

	for _, venue := range snapshot {
		r.probeVenue(ctx, venue)
	}
}

// probeVenue checks one venue, isolating panics so a broken adapter
// cannot take down the monitoring loop.
func (r *Router) probeVenue(ctx context.Context, venue *Venue) {
	var err error
	panicked := false
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("health probe panicked",
					zap.String("venue", venue.Name), zap.Any("panic", rec))
				panicked = true
			}
		}()
		err = venue.Adapter.HealthCheck(ctx)
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	// The venue may have been unregistered while probing.
	current, ok := r.venues[venue.Name]
	if !ok {
		return
	}

	if panicked {
		current.Status = StatusDisconnected
		current.LastHeartbeat = time.Now().UTC()
		return
	}

	if err == nil {
		if current.Status != StatusConnected {
			r.logger.Info("venue recovered", zap.String("venue", venue.Name))
			current.Status = StatusConnected
		}
	} else {
		if current.Status == StatusConnected {
			r.logger.Warn("venue health check failed",
				zap.String("venue", venue.Name), zap.Error(err))
			current.Status = StatusDegraded
		}
	}
	current.LastHeartbeat = time.Now().UTC()
}
