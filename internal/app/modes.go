package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// reconcileEvery is the cadence of the periodic drift check after the
// startup pass.
const reconcileEvery = 10 * time.Minute

// gcEvery is the cadence of soft-closed record garbage collection.
const gcEvery = 5 * time.Minute

// TradeMode is the normal long-running mode: full reconciliation on startup,
// then every loop until the context ends.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	return a.runLoops(ctx, deps)
}

// ReconcileMode runs a single reconciliation pass against the exchange and
// exits. Useful after manual intervention or before a config change.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	return a.runOnce(ctx, deps, func(ctx context.Context) error {
		if err := deps.Engine.Reconcile(ctx); err != nil {
			return fmt.Errorf("app: reconcile: %w", err)
		}
		a.logger.Info("reconciliation pass complete")
		return nil
	})
}

// CloseAllMode reconciles, then flattens every tracked position and exits.
func (a *App) CloseAllMode(ctx context.Context, deps *Dependencies) error {
	return a.runOnce(ctx, deps, func(ctx context.Context) error {
		if err := deps.Engine.Reconcile(ctx); err != nil {
			return fmt.Errorf("app: reconcile before close-all: %w", err)
		}
		if err := deps.Engine.CloseAll(ctx, "operator close-all"); err != nil {
			return err
		}
		a.logger.Info("close-all complete")
		return nil
	})
}

// runOnce runs fn with a live dispatcher and fresh symbol filters, then shuts
// the dispatcher down.
func (a *App) runOnce(ctx context.Context, deps *Dependencies, fn func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return deps.Dispatcher.Run(ctx)
	})

	if err := deps.Exchange.RefreshFilters(ctx); err != nil {
		cancel()
		_ = g.Wait()
		return fmt.Errorf("app: exchange filters: %w", err)
	}

	runErr := fn(ctx)
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && runErr == nil {
		runErr = err
	}
	return runErr
}

// runLoops starts every long-running goroutine and blocks until the first
// fatal error or context cancellation.
func (a *App) runLoops(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	// The dispatcher must be draining before any signed call is made.
	g.Go(func() error {
		return deps.Dispatcher.Run(ctx)
	})

	// Symbol filters feed quantity and price rounding everywhere.
	if err := deps.Exchange.RefreshFilters(ctx); err != nil {
		return fmt.Errorf("app: exchange filters: %w", err)
	}

	// Recover state from a previous run before the loops start acting.
	if err := deps.Engine.Reconcile(ctx); err != nil {
		return fmt.Errorf("app: startup reconcile: %w", err)
	}
	a.logger.Info("startup reconciliation complete")

	g.Go(func() error {
		return deps.Engine.RunRiskLoop(ctx)
	})
	g.Go(func() error {
		return deps.Engine.RunReconcileLoop(ctx, reconcileEvery)
	})
	g.Go(func() error {
		return deps.Engine.RunGCLoop(ctx, gcEvery)
	})
	g.Go(func() error {
		return deps.UserStream.Run(ctx)
	})
	g.Go(func() error {
		return deps.MarketStream.Run(ctx)
	})
	if len(a.cfg.Signals.URLs) > 0 {
		g.Go(func() error {
			return deps.SignalPoller.Run(ctx)
		})
	} else {
		a.logger.Warn("no signal sources configured, entries only via recovery")
	}
	if deps.Archiver != nil {
		every := time.Duration(a.cfg.Archive.IntervalMinutes) * time.Minute
		g.Go(func() error {
			return deps.Archiver.RunLoop(ctx, every)
		})
	}

	a.logger.Info("all loops started",
		slog.Int("signal_sources", len(a.cfg.Signals.URLs)),
		slog.Bool("archiver", deps.Archiver != nil))
	return g.Wait()
}
