// cmd/syncd/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"marketsync/internal/platform/di"
)

func main() {
	// ─────────────────────────────────────────────────────────────
	// Logger: production config, stdout
	// ─────────────────────────────────────────────────────────────
	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ─────────────────────────────────────────────────────────────
	// DI container & heavy deps
	// ─────────────────────────────────────────────────────────────
	cont, err := di.NewContainer(ctx)
	if err != nil {
		zap.S().Errorf("di init failed: %v", err)
		os.Exit(1)
	}
	defer cont.Close()

	// ─────────────────────────────────────────────────────────────
	// Initial grant load + selection restore, then live listens
	// ─────────────────────────────────────────────────────────────
	if err := cont.Coupons.Refresh(ctx); err != nil {
		zap.S().Warnf("initial grant load failed: %v (retrying via live updates)", err)
	}
	if err := cont.Discount.Init(ctx); err != nil {
		zap.S().Warnf("discount selection restore failed: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cont.Cart.EnableLiveUpdates(gctx) })
	g.Go(func() error { return cont.Favorites.EnableLiveUpdates(gctx) })
	g.Go(func() error { return cont.FoodCart.EnableLiveUpdates(gctx) })
	g.Go(func() error { return cont.Coupons.EnableLiveUpdates(gctx) })
	if err := g.Wait(); err != nil {
		zap.S().Errorf("live update attach failed: %v", err)
		os.Exit(1)
	}

	zap.S().Infof("syncd running owner=%s project=%s", cont.Config.OwnerID, cont.ProjectID)

	// ─────────────────────────────────────────────────────────────
	// Graceful shutdown
	// ─────────────────────────────────────────────────────────────
	<-ctx.Done()
	zap.S().Infof("shutdown signal received; detaching listeners")

	cont.Cart.DisableLiveUpdates()
	cont.Favorites.DisableLiveUpdates()
	cont.FoodCart.DisableLiveUpdates()
	cont.Coupons.DisableLiveUpdates()
}
