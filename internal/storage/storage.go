// Package storage defines the persistence interfaces and their implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"olx_bot/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Default retention windows.
const (
	DefaultListingRetention  = 24 * time.Hour
	DefaultDeliveryRetention = 48 * time.Hour
)

// Registry persists per-subscriber filter criteria and activity status.
type Registry interface {
	EnsureSubscriber(ctx context.Context, subscriberID int64) (*model.SubscriberFilter, error)
	GetSubscriber(ctx context.Context, subscriberID int64) (*model.SubscriberFilter, error)
	UpdateSubscriber(ctx context.Context, subscriberID int64, upd model.FilterUpdate) error
	ResetSubscriber(ctx context.Context, subscriberID int64) error
	// SetActive reports whether the stored status actually changed.
	SetActive(ctx context.Context, subscriberID int64, active bool) (bool, error)
	ListActiveSubscribers(ctx context.Context) ([]int64, error)
}

// Ledger records which listings were delivered to which subscribers.
// Records older than the delivery retention window are ignored.
type Ledger interface {
	HasBeenSent(ctx context.Context, subscriberID int64, listingID string) (bool, error)
	RecordSent(ctx context.Context, subscriberID int64, listingID string) error
	Deliveries(ctx context.Context, subscriberID int64) ([]model.DeliveryRecord, error)
	ExpireDeliveries(ctx context.Context, now time.Time) (int64, error)
}

// Cache keeps recently fetched listings so late subscribers can still receive them.
type Cache interface {
	UpsertListings(ctx context.Context, cycleID string, listings []model.Listing) (int, error)
	ActiveListings(ctx context.Context) ([]model.Listing, error)
	ExpireListings(ctx context.Context, now time.Time) (int64, error)
	CountListings(ctx context.Context) (int, error)
	RecentDiscoveries(ctx context.Context, since time.Time) ([]model.DiscoveryEntry, error)
}

// Storage is the interface for all persistence operations.
type Storage interface {
	Registry
	Ledger
	Cache

	Close() error
}
