// Reconciliation poller: heals webhooks the provider failed to deliver by
// re-checking stale CREATED orders against the provider API and feeding paid
// ones through the same ApplyPaidEvent path as the webhook ingestor.

package order

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"flowpay/payment/db"
)

// Notifier enqueues a bridge delivery for a paid order.
type Notifier interface {
	Enqueue(chargeID, customerRef string)
}

// Assigner registers a paid order with the batch accumulator.
type Assigner interface {
	AssignToOpenBatch(ctx context.Context, chargeID string) (uint, error)
}

type Stats struct {
	Checked int `json:"checked"`
	Synced  int `json:"synced"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

type Poller struct {
	Service  *Service
	Provider Provider
	Bridge   Notifier
	Batches  Assigner

	Interval time.Duration // base tick interval, jittered per tick
	MinAge   time.Duration // skip orders younger than this
	MaxAge   time.Duration // abandon orders older than this
	Limit    int           // candidates per tick
	Timeout  time.Duration // per provider call

	mu  sync.Mutex // one run at a time; a slow tick is skipped, not doubled
	now func() time.Time
}

func NewPoller(svc *Service, provider Provider, bridge Notifier, batches Assigner) *Poller {
	return &Poller{
		Service:  svc,
		Provider: provider,
		Bridge:   bridge,
		Batches:  batches,
		Interval: 20 * time.Second,
		MinAge:   15 * time.Second,
		MaxAge:   180 * time.Minute,
		Limit:    25,
		Timeout:  8 * time.Second,
		now:      time.Now,
	}
}

// Start runs the poller loop until ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	for {
		// jitter so multiple replicas do not tick in lockstep
		wait := p.Interval + time.Duration(rand.Int63n(int64(p.Interval)/4+1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		stats := p.RunOnce(ctx)
		if stats.Synced > 0 || stats.Errors > 0 {
			log.Printf("reconciliation: checked=%d synced=%d skipped=%d errors=%d",
				stats.Checked, stats.Synced, stats.Skipped, stats.Errors)
		}
	}
}

// RunOnce executes a single reconciliation pass. Safe to call concurrently;
// overlapping calls return immediately with empty stats.
func (p *Poller) RunOnce(ctx context.Context) Stats {
	if !p.mu.TryLock() {
		return Stats{}
	}
	defer p.mu.Unlock()

	var stats Stats

	now := p.now()
	candidates, err := p.Service.store.ListCreatedBetween(ctx, now.Add(-p.MaxAge), now.Add(-p.MinAge), p.Limit)
	if err != nil {
		log.Println("reconciliation: candidate query failed:", err)
		stats.Errors++
		return stats
	}
	stats.Checked = len(candidates)

	for _, candidate := range candidates {
		// fresh read: a webhook may have landed since the candidate query
		current, err := p.Service.store.GetOrder(ctx, candidate.ChargeID)
		if err != nil {
			stats.Errors++
			continue
		}
		if current == nil || current.Status != db.StatusCreated {
			stats.Skipped++
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		charge, err := p.Provider.GetCharge(callCtx, candidate.ChargeID)
		cancel()
		if err != nil {
			stats.Errors++
			continue
		}
		if !charge.Paid() {
			stats.Skipped++
			continue
		}

		applied, err := p.Service.ApplyPaidEvent(ctx, candidate.ChargeID, charge.PaidAt)
		if err != nil {
			log.Println("reconciliation: paid transition failed:", candidate.ChargeID, err)
			stats.Errors++
			continue
		}
		if !applied {
			stats.Skipped++
			continue
		}
		stats.Synced++

		p.Bridge.Enqueue(candidate.ChargeID, candidate.CustomerRef)
		if _, err := p.Batches.AssignToOpenBatch(ctx, candidate.ChargeID); err != nil {
			log.Println("reconciliation: batch assignment failed:", candidate.ChargeID, err)
		}
	}

	return stats
}
