// Package relay drains the registry's event outbox on a fixed interval.
package relay

import (
	"context"
	"log"
	"time"
)

// Source publishes up to limit pending events and reports how many went out.
type Source interface {
	PublishPendingEvents(ctx context.Context, limit int) (int, error)
}

type Config struct {
	Interval  time.Duration
	BatchSize int
	// RunTimeout bounds a single pass; defaults to 20s.
	RunTimeout time.Duration
}

// Run publishes once immediately and then on every tick until ctx is done.
// A pass that fills its batch is followed straight away by another one.
func Run(ctx context.Context, src Source, cfg Config) {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 20 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	drain(ctx, src, cfg)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("shutdown signal received, stopping event relay")
			return
		case <-ticker.C:
			drain(ctx, src, cfg)
		}
	}
}

func drain(ctx context.Context, src Source, cfg Config) {
	for ctx.Err() == nil {
		n := RunOnce(ctx, src, cfg)
		if n < cfg.BatchSize {
			return
		}
	}
}

// RunOnce performs a single bounded pass and logs its outcome.
func RunOnce(ctx context.Context, src Source, cfg Config) int {
	timeout := cfg.RunTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	n, err := src.PublishPendingEvents(runCtx, cfg.BatchSize)
	if err != nil {
		log.Printf("relay run error published=%d: %v", n, err)
		return 0
	}
	if n > 0 {
		log.Printf("relay run complete published=%d duration=%s", n, time.Since(start))
	}
	return n
}
