package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nathanyu/margin-trading/internal/config"
	"github.com/nathanyu/margin-trading/internal/trading"
)

type backgroundLoops struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// startBackgroundLoops runs the pending order expiry sweep and the swap charge.
func startBackgroundLoops(engine *trading.Engine, cfg *config.Config, logger *slog.Logger) *backgroundLoops {
	ctx, cancel := context.WithCancel(context.Background())
	l := &backgroundLoops{cancel: cancel}

	l.every(ctx, cfg.ExpiryInterval, func(now time.Time) {
		n, err := engine.ExpirePendingOrders(ctx, now)
		if err != nil {
			logger.Error("expiry sweep failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("pending orders expired", "count", n)
		}
	})

	l.every(ctx, cfg.SwapInterval, func(now time.Time) {
		// One operation id per interval slot. The swap ledger lives in memory, so a
		// repeated tick inside the slot is a no-op only within this process.
		at := now.UTC().Truncate(cfg.SwapInterval)
		if _, err := engine.ChargeOvernightSwaps(ctx, swapOperationID(at), at); err != nil {
			logger.Error("swap charge failed", "error", err)
		}
	})

	return l
}

func swapOperationID(at time.Time) string {
	return "swap-" + at.UTC().Format(time.RFC3339)
}

func (l *backgroundLoops) every(ctx context.Context, interval time.Duration, fn func(now time.Time)) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				fn(now)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (l *backgroundLoops) stop() {
	l.cancel()
	l.wg.Wait()
}
