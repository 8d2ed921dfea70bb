package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/exodusarc/exodus-core/api"
	"github.com/exodusarc/exodus-core/internal/alerting"
	"github.com/exodusarc/exodus-core/internal/config"
	"github.com/exodusarc/exodus-core/internal/journal"
	"github.com/exodusarc/exodus-core/internal/pipeline"
	"github.com/exodusarc/exodus-core/internal/reconciliation"
	"github.com/exodusarc/exodus-core/internal/risk"
	"github.com/exodusarc/exodus-core/internal/routing"
	"github.com/exodusarc/exodus-core/internal/venues"
	"github.com/exodusarc/exodus-core/internal/venues/sim"
	"github.com/exodusarc/exodus-core/internal/venues/xm"
	"github.com/exodusarc/exodus-core/pkg/logger"
	"github.com/exodusarc/exodus-core/pkg/metrics"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("EXODUS_CONFIG"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("exodus-core terminated", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jnl, err := journal.Open(cfg.Journal.Path, log)
	if err != nil {
		return err
	}
	defer jnl.Close()

	alerts := alerting.NewManager(log)
	alerts.Register(func(alert alerting.Alert) {
		log.Warn("alert",
			zap.String("type", alert.Type),
			zap.String("order_id", alert.OrderID),
			zap.String("status", alert.Status),
			zap.Strings("discrepancies", alert.Discrepancies))
	})

	riskEngine := risk.NewEngine(riskConfig(cfg.Risk), log)

	router := routing.NewRouter(log)
	router.SetStrategy(cfg.Routing.Strategy)
	router.SetHealthCheckInterval(cfg.Routing.HealthCheckInterval)

	recon := reconciliation.NewService(reconConfig(cfg.Reconciliation), alerts, log)
	recon.SetDiscrepancyHook(metrics.ReconciliationDiscrepancies.Inc)

	marketData, err := registerVenues(ctx, cfg.Venues, router, log)
	if err != nil {
		return err
	}

	coordinator := pipeline.NewCoordinator(riskEngine, router, recon, jnl, alerts, marketData, log)
	server := api.NewServer(coordinator, router, recon, riskEngine, alerts, log)

	router.StartHealthMonitor(ctx)
	go cleanupLoop(ctx, recon, cfg.Reconciliation.CleanupInterval)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{Addr: addr, Handler: server.Handler()}

	errCh := make(chan error, 1)
	go func() {
		log.Info("exodus-core listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

// registerVenues builds and connects the configured venue adapters. The
// first venue doubles as the market data source for pre-trade checks.
func registerVenues(ctx context.Context, venueCfgs []config.VenueConfig, router *routing.Router, log *zap.Logger) (pipeline.MarketDataSource, error) {
	var marketData pipeline.MarketDataSource
	for _, vc := range venueCfgs {
		var adapter venues.Adapter
		switch vc.Kind {
		case "sim":
			adapter = sim.NewAdapter(log.Named("sim"), defaultQuotes())
		case "xm":
			adapter = xm.NewAdapter(xm.Config{
				BaseURL:   vc.BaseURL,
				APIKey:    vc.APIKey,
				APISecret: vc.APISecret,
				AccountID: vc.AccountID,
			}, log.Named("xm"))
		default:
			return nil, fmt.Errorf("venue %s: unknown kind %q", vc.Name, vc.Kind)
		}
		if err := adapter.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect venue %s: %w", vc.Name, err)
		}
		maxConcurrent := vc.MaxConcurrent
		if maxConcurrent <= 0 {
			maxConcurrent = 100
		}
		router.RegisterVenue(vc.Name, adapter, vc.Priority, maxConcurrent, vc.Capabilities)
		if marketData == nil {
			marketData = adapter
		}
	}
	if len(venueCfgs) == 0 {
		return nil, fmt.Errorf("at least one venue must be configured")
	}
	return marketData, nil
}

func defaultQuotes() map[string]sim.Quote {
	return map[string]sim.Quote{
		"EURUSD": {Bid: decimal.NewFromFloat(1.0850), Ask: decimal.NewFromFloat(1.0852)},
		"GBPUSD": {Bid: decimal.NewFromFloat(1.2650), Ask: decimal.NewFromFloat(1.2653)},
		"USDJPY": {Bid: decimal.NewFromFloat(149.50), Ask: decimal.NewFromFloat(149.53)},
	}
}

func cleanupLoop(ctx context.Context, recon *reconciliation.Service, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recon.CleanupOldRecords(0)
		}
	}
}

func riskConfig(rc config.RiskConfig) risk.Config {
	cfg := risk.Config{
		MarginRate:             decimal.NewFromFloat(rc.MarginRate),
		MaxUtilization:         decimal.NewFromFloat(rc.MaxUtilization),
		MarginCallThreshold:    decimal.NewFromFloat(rc.MarginCallThreshold),
		MaxPositionSize:        decimal.NewFromFloat(rc.MaxPositionSize),
		MaxTotalExposure:       decimal.NewFromFloat(rc.MaxTotalExposure),
		OrdersPerMinute:        rc.OrdersPerMinute,
		OrdersPerHour:          rc.OrdersPerHour,
		NotionalPerHour:        decimal.NewFromFloat(rc.NotionalPerHour),
		MaxPriceDeviation:      decimal.NewFromFloat(rc.MaxPriceDeviation),
		MaxSpreadMultiple:      decimal.NewFromFloat(rc.MaxSpreadMultiple),
		MaxRejectionsPerMinute: rc.MaxRejectionsPerMinute,
		CircuitOpenDuration:    rc.CircuitOpenDuration,
	}
	return cfg
}

func reconConfig(rc config.ReconciliationConfig) reconciliation.Config {
	return reconciliation.Config{
		TolerancePrice:    decimal.NewFromFloat(rc.TolerancePrice),
		ToleranceQuantity: decimal.NewFromFloat(rc.ToleranceQuantity),
		MaxRecordAge:      rc.MaxRecordAge,
	}
}
