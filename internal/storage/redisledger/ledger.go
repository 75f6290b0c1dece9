// Package redisledger implements the delivery ledger on Redis. Every delivery
// is a key with a TTL equal to the retention window, so expiry is left to Redis.
package redisledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"olx_bot/internal/model"
	"olx_bot/internal/storage"
)

const keyPrefix = "olx:sent"

// Ledger records deliveries in Redis.
type Ledger struct {
	client    redis.UniversalClient
	retention time.Duration
	now       func() time.Time
}

// New wraps an existing client. A zero retention falls back to the default delivery window.
func New(client redis.UniversalClient, retention time.Duration) *Ledger {
	if retention <= 0 {
		retention = storage.DefaultDeliveryRetention
	}
	return &Ledger{client: client, retention: retention, now: time.Now}
}

// Open connects to the Redis server at rawURL and checks it is reachable.
func Open(ctx context.Context, rawURL string, retention time.Duration) (*Ledger, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, retention), nil
}

// Close closes the underlying client.
func (l *Ledger) Close() error {
	return l.client.Close()
}

func deliveryKey(subscriberID int64, listingID string) string {
	return keyPrefix + ":" + strconv.FormatInt(subscriberID, 10) + ":" + listingID
}

// HasBeenSent reports whether the listing was delivered to the subscriber within the retention window.
func (l *Ledger) HasBeenSent(ctx context.Context, subscriberID int64, listingID string) (bool, error) {
	n, err := l.client.Exists(ctx, deliveryKey(subscriberID, listingID)).Result()
	if err != nil {
		return false, fmt.Errorf("check delivery: %w", err)
	}
	return n > 0, nil
}

// RecordSent stores a delivery. Recording the same pair again restarts its window.
func (l *Ledger) RecordSent(ctx context.Context, subscriberID int64, listingID string) error {
	sentAt := l.now().UTC().Format(time.RFC3339)
	if err := l.client.Set(ctx, deliveryKey(subscriberID, listingID), sentAt, l.retention).Err(); err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// Deliveries returns the subscriber's unexpired deliveries, newest first.
func (l *Ledger) Deliveries(ctx context.Context, subscriberID int64) ([]model.DeliveryRecord, error) {
	prefix := keyPrefix + ":" + strconv.FormatInt(subscriberID, 10) + ":"

	var out []model.DeliveryRecord
	iter := l.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := l.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get delivery %s: %w", key, err)
		}
		sentAt, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("parse sent_at of %s: %w", key, err)
		}
		out = append(out, model.DeliveryRecord{
			SubscriberID: subscriberID,
			ListingID:    key[len(prefix):],
			SentAt:       sentAt,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan deliveries: %w", err)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].ListingID > out[j].ListingID
		}
		return out[i].SentAt.After(out[j].SentAt)
	})
	return out, nil
}

// ExpireDeliveries is a no-op; keys expire through their TTL.
func (l *Ledger) ExpireDeliveries(context.Context, time.Time) (int64, error) {
	return 0, nil
}

var _ storage.Ledger = (*Ledger)(nil)
