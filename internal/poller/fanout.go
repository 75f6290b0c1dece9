package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"olx_bot/internal/filter"
	"olx_bot/internal/model"
)

// fanout delivers the listings to every active subscriber. Subscribers are served
// in parallel; one subscriber's listings go out sequentially, oldest first.
func (p *Poller) fanout(ctx context.Context, log *slog.Logger, listings []model.Listing) int {
	ids, err := p.registry.ListActiveSubscribers(ctx)
	if err != nil {
		log.Error("list active subscribers", "error", err)
		return 0
	}

	var delivered atomic.Int64
	var g errgroup.Group
	g.SetLimit(p.opts.Workers)
	for _, id := range ids {
		g.Go(func() error {
			delivered.Add(int64(p.deliverTo(ctx, log, id, listings)))
			return nil
		})
	}
	_ = g.Wait()
	return int(delivered.Load())
}

// deliverTo runs admit, dedup check, send and record for one subscriber.
// Failures are logged and skip only the affected listing; nothing is recorded
// for it, so it stays eligible for the next cycle.
func (p *Poller) deliverTo(ctx context.Context, log *slog.Logger, subscriberID int64, listings []model.Listing) int {
	unlock := p.locks.lock(subscriberID)
	defer unlock()

	log = log.With("subscriber_id", subscriberID)

	f, err := p.registry.GetSubscriber(ctx, subscriberID)
	if err != nil {
		log.Error("load subscriber", "error", err)
		return 0
	}
	if !f.IsActive {
		return 0
	}

	sent := 0
	for _, l := range filter.Select(listings, *f) {
		if ctx.Err() != nil {
			return sent
		}

		done, err := p.ledger.HasBeenSent(ctx, subscriberID, l.ID)
		if err != nil {
			log.Error("check delivery", "listing_id", l.ID, "error", err)
			continue
		}
		if done {
			continue
		}

		if err := p.deliverer.Deliver(ctx, subscriberID, l); err != nil {
			log.Warn("deliver listing", "listing_id", l.ID, "error", err)
			continue
		}
		sent++

		// The send already happened; a cancelled cycle must still record it.
		if err := p.ledger.RecordSent(context.WithoutCancel(ctx), subscriberID, l.ID); err != nil {
			log.Error("record delivery", "listing_id", l.ID, "error", err)
		}
	}
	return sent
}

// subscriberLocks hands out one mutex per subscriber so a backfill and a
// cycle never check-then-send the same pair concurrently.
type subscriberLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func (s *subscriberLocks) lock(id int64) func() {
	s.mu.Lock()
	if s.locks == nil {
		s.locks = make(map[int64]*sync.Mutex)
	}
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	s.mu.Unlock()

	m.Lock()
	return m.Unlock
}
