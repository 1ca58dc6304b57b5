package engine

import (
	"context"
	"log"
	"time"
)

// Sweeper periodically retires listings whose TTL has elapsed. It is the
// system's only source of implicit state change; everything else is
// caller-triggered. The interval must stay well under the minimum listing
// TTL so no listing outlives its deadline by more than one sweep.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
}

// NewSweeper creates a sweeper over the engine.
func NewSweeper(engine *Engine, interval time.Duration) *Sweeper {
	return &Sweeper{engine: engine, interval: interval}
}

// Run sweeps on a ticker until the context is canceled. Call it from its
// own goroutine; sweep failures are logged and the loop keeps going.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Printf("expiry sweeper running every %s", s.interval)
	for {
		select {
		case <-ctx.Done():
			log.Println("expiry sweeper stopped")
			return
		case <-ticker.C:
			n, err := s.engine.ExpireDue(ctx)
			if err != nil {
				log.Printf("expiry sweep: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("expiry sweep retired %d listing(s)", n)
			}
		}
	}
}
