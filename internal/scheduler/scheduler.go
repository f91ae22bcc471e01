// Package scheduler drives the time-based transitions of the marketplace:
// auction closes, offer expiries and delivered-transaction auto-completion.
// It is the only caller of those sweeps, on a single ticker, so a given
// deployment runs each sweep at most once per interval.
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/botbid/botbid/internal/auction"
	"github.com/botbid/botbid/internal/negotiation"
	"github.com/botbid/botbid/internal/transactions"
)

type Scheduler struct {
	auctions     *auction.Manager
	negotiations *negotiation.Manager
	processor    *transactions.Processor

	interval          time.Duration
	autoCompleteAfter time.Duration
}

func New(a *auction.Manager, n *negotiation.Manager, p *transactions.Processor, interval, autoCompleteAfter time.Duration) *Scheduler {
	return &Scheduler{
		auctions:          a,
		negotiations:      n,
		processor:         p,
		interval:          interval,
		autoCompleteAfter: autoCompleteAfter,
	}
}

// Run ticks until ctx is cancelled. One sweep failure never stops the loop.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("[scheduler] started, interval=%s", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[scheduler] stopped")
			return
		case now := <-ticker.C:
			s.Sweep(ctx, now)
		}
	}
}

// Sweep runs all due transitions once. Exposed for tests and for the
// seeder to force deterministic state.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) {
	if n := s.auctions.CloseDue(ctx, now); n > 0 {
		log.Printf("[scheduler] closed %d auctions", n)
	}
	s.negotiations.ExpireDue(ctx, now)
	if s.autoCompleteAfter > 0 {
		s.processor.AutoCompleteDue(ctx, now.Add(-s.autoCompleteAfter))
	}
}
