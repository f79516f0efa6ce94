// Command subscription-refresher periodically recomputes the
// per-tenant quota/subscription-status cache consumed by the
// activation gate's SubscriptionCheck phase and the mTLS gateway's
// quota middleware. It can run once (for a scheduled job runner) or
// loop on an interval.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/crabpos/crab/internal/cloud/tenant"
	"github.com/crabpos/crab/internal/config"
	"github.com/crabpos/crab/internal/logger"
)

const usageText = `subscription-refresher

Usage:
  subscription-refresher [options]

Options:
  --interval=DURATION   Time between refresh passes (default: 5m)
  --once                Run once and exit
  --help                Show this help message
`

func main() {
	config.LoadDotenv()

	flag.Usage = func() { fmt.Fprint(os.Stderr, usageText) }
	interval := flag.String("interval", "5m", "refresh interval")
	once := flag.Bool("once", false, "run once and exit")
	flag.Parse()

	logger.Init(os.Getenv("ENVIRONMENT"))
	defer logger.Sync()

	checkInterval, err := time.ParseDuration(*interval)
	if err != nil {
		logger.Fatal("subscription-refresher: invalid --interval", zap.Error(err))
	}

	cfg, err := config.LoadCloud()
	if err != nil {
		logger.Fatal("subscription-refresher: config", zap.Error(err))
	}

	store, err := tenant.Open(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("subscription-refresher: open tenant store", zap.Error(err))
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("subscription-refresher: starting refresh pass")
	refreshAll(ctx, store)

	if *once {
		logger.Info("subscription-refresher: one-time run complete")
		return
	}

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	logger.Info("subscription-refresher: looping", zap.Duration("interval", checkInterval))
	for {
		select {
		case <-ticker.C:
			refreshAll(ctx, store)
		case sig := <-signalChan:
			logger.Info("subscription-refresher: received signal, shutting down", zap.String("signal", sig.String()))
			return
		}
	}
}

// refreshAll re-derives every tenant's active-edge/client counts so
// the quota cache the gateway and activation gate read stays within
// its 5-minute TTL of the database.
func refreshAll(ctx context.Context, store *tenant.Store) {
	tenantIDs, err := store.ListTenantIDs(ctx)
	if err != nil {
		logger.Error("subscription-refresher: list tenants failed", zap.Error(err))
		return
	}

	refreshed, failed := 0, 0
	for _, tenantID := range tenantIDs {
		if err := store.RefreshQuotaCache(ctx, tenantID); err != nil {
			failed++
			logger.Warn("subscription-refresher: refresh failed", zap.String("tenant_id", tenantID), zap.Error(err))
			continue
		}
		refreshed++
	}

	logger.Info("subscription-refresher: refresh pass complete", zap.Int("refreshed", refreshed), zap.Int("failed", failed))
}
