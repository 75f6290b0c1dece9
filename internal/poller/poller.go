// Package poller runs the periodic fetch, cache and fanout cycle that turns
// marketplace listings into per-subscriber notifications.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"olx_bot/internal/model"
	"olx_bot/internal/storage"
)

// ErrCycleInProgress is returned when a cycle is requested while another one runs.
var ErrCycleInProgress = errors.New("poll cycle already in progress")

// Source produces listings newer than since and the latest listing time it saw.
type Source interface {
	Fetch(ctx context.Context, since *time.Time) ([]model.Listing, *time.Time, error)
}

// Deliverer sends a single listing to a subscriber.
type Deliverer interface {
	Deliver(ctx context.Context, subscriberID int64, l model.Listing) error
}

// Options tunes the poller schedule and fanout.
type Options struct {
	PollInterval    time.Duration
	CleanupInterval time.Duration
	// Workers bounds how many subscribers are served in parallel.
	Workers int
}

// Status is a snapshot of the poller's progress.
type Status struct {
	LastCycleAt     time.Time  `json:"last_cycle_at"`
	LastSuccessAt   time.Time  `json:"last_success_at"`
	LastError       string     `json:"last_error,omitempty"`
	LowWaterMark    *time.Time `json:"low_water_mark,omitempty"`
	LastBatchSize   int        `json:"last_batch_size"`
	LastNewListings int        `json:"last_new_listings"`
	LastDelivered   int        `json:"last_delivered"`
	CyclesRun       int64      `json:"cycles_run"`
	CyclesSkipped   int64      `json:"cycles_skipped"`
}

// Poller fetches listings on a schedule and fans them out to active subscribers.
type Poller struct {
	source    Source
	registry  storage.Registry
	ledger    storage.Ledger
	cache     storage.Cache
	deliverer Deliverer
	log       *slog.Logger
	opts      Options

	now     func() time.Time
	cycleID func() string

	running atomic.Bool
	locks   subscriberLocks

	mu       sync.Mutex
	lowWater *time.Time
	status   Status
}

// New creates a Poller.
func New(source Source, registry storage.Registry, ledger storage.Ledger, cache storage.Cache,
	deliverer Deliverer, opts Options, log *slog.Logger) *Poller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 24 * time.Hour
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Poller{
		source:    source,
		registry:  registry,
		ledger:    ledger,
		cache:     cache,
		deliverer: deliverer,
		log:       log,
		opts:      opts,
		now:       time.Now,
		cycleID:   uuid.NewString,
	}
}

// Run performs expiry and a first cycle immediately, then repeats both on
// their intervals until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.expire(ctx)
	_ = p.RunCycle(ctx)

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	cleanup := time.NewTicker(p.opts.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.RunCycle(ctx)
		case <-cleanup.C:
			p.expire(ctx)
		}
	}
}

// RunCycle fetches new listings, caches them and delivers matches to active
// subscribers. Only one cycle runs at a time; a concurrent call returns
// ErrCycleInProgress without doing anything.
func (p *Poller) RunCycle(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		p.mu.Lock()
		p.status.CyclesSkipped++
		p.mu.Unlock()
		p.log.Warn("skip poll cycle, previous still running")
		return ErrCycleInProgress
	}
	defer p.running.Store(false)

	id := p.cycleID()
	log := p.log.With("cycle_id", id)
	started := p.now()

	since := p.LowWaterMark()
	batch, next, err := p.fetch(ctx, since)
	if err != nil {
		log.Error("fetch listings", "error", err)
		p.failCycle(started, err)
		return err
	}
	p.advance(next)

	inserted, cacheErr := p.cache.UpsertListings(ctx, id, batch)
	if cacheErr != nil {
		cacheErr = fmt.Errorf("cache listings: %w", cacheErr)
		log.Error("cache listings", "count", len(batch), "error", cacheErr)
	}

	delivered := 0
	if candidates := p.candidates(ctx, log, batch); len(candidates) > 0 {
		delivered = p.fanout(ctx, log, candidates)
	}

	if inserted > 0 || delivered > 0 {
		log.Info("poll cycle done", "fetched", len(batch), "new", inserted, "delivered", delivered)
	} else {
		log.Debug("poll cycle done", "fetched", len(batch))
	}
	p.finishCycle(started, cacheErr, len(batch), inserted, delivered)
	return nil
}

// candidates returns the fresh batch together with every cached listing.
// Cached listings below the low-water mark are never fetched again, so a pair
// whose delivery failed is retried from the cache until it is recorded or the
// listing expires. The ledger keeps the rest from being sent twice.
func (p *Poller) candidates(ctx context.Context, log *slog.Logger, batch []model.Listing) []model.Listing {
	cached, err := p.cache.ActiveListings(ctx)
	if err != nil {
		log.Error("load cached listings", "error", err)
		return batch
	}

	seen := make(map[string]struct{}, len(cached))
	out := make([]model.Listing, 0, len(cached)+len(batch))
	for _, l := range cached {
		seen[l.ID] = struct{}{}
		out = append(out, l)
	}
	for _, l := range batch {
		if _, ok := seen[l.ID]; ok {
			continue
		}
		seen[l.ID] = struct{}{}
		out = append(out, l)
	}
	return out
}

// fetch asks the source for listings newer than since and returns the batch
// together with the mark the next cycle should use.
func (p *Poller) fetch(ctx context.Context, since *time.Time) ([]model.Listing, *time.Time, error) {
	batch, latest, err := p.source.Fetch(ctx, since)
	if err != nil {
		return nil, since, fmt.Errorf("fetch listings: %w", err)
	}
	if latest == nil || (since != nil && !latest.After(*since)) {
		return batch, since, nil
	}
	return batch, latest, nil
}

// Backfill delivers every cached listing matching the subscriber's filter that
// was not delivered yet. It is used when a subscriber switches notifications on.
func (p *Poller) Backfill(ctx context.Context, subscriberID int64) (int, error) {
	listings, err := p.cache.ActiveListings(ctx)
	if err != nil {
		return 0, fmt.Errorf("load cached listings: %w", err)
	}
	log := p.log.With("backfill", true)
	n := p.deliverTo(ctx, log, subscriberID, listings)
	if n > 0 {
		log.Info("backfill delivered", "subscriber_id", subscriberID, "count", n)
	}
	return n, nil
}

// Expire drops expired delivery records and cached listings.
func (p *Poller) Expire(ctx context.Context) error {
	now := p.now()
	var errs []error

	deliveries, err := p.ledger.ExpireDeliveries(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("expire deliveries: %w", err))
	}
	listings, err := p.cache.ExpireListings(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("expire listings: %w", err))
	}

	p.log.Info("expired old records", "deliveries", deliveries, "listings", listings)
	return errors.Join(errs...)
}

func (p *Poller) expire(ctx context.Context) {
	if err := p.Expire(ctx); err != nil {
		p.log.Error("expire", "error", err)
	}
}

// LowWaterMark returns the latest listing time processed so far, or nil before the first successful fetch.
func (p *Poller) LowWaterMark() *time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lowWater == nil {
		return nil
	}
	t := *p.lowWater
	return &t
}

func (p *Poller) advance(next *time.Time) {
	if next == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lowWater == nil || next.After(*p.lowWater) {
		t := *next
		p.lowWater = &t
	}
}

// Status returns a snapshot of the poller's progress.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.status
	if p.lowWater != nil {
		t := *p.lowWater
		st.LowWaterMark = &t
	}
	return st
}

func (p *Poller) failCycle(started time.Time, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.CyclesRun++
	p.status.LastCycleAt = started
	p.status.LastError = err.Error()
}

// finishCycle records a cycle whose fetch succeeded. A cache error still
// counts as a run but is reported and does not move LastSuccessAt.
func (p *Poller) finishCycle(started time.Time, cacheErr error, fetched, inserted, delivered int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.CyclesRun++
	p.status.LastCycleAt = started
	p.status.LastBatchSize = fetched
	p.status.LastNewListings = inserted
	p.status.LastDelivered = delivered
	if cacheErr != nil {
		p.status.LastError = cacheErr.Error()
		return
	}
	p.status.LastError = ""
	p.status.LastSuccessAt = started
}
