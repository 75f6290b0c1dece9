package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"olx_bot/internal/model"
	"olx_bot/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
	// mu serializes writes; reads go straight to the pool.
	mu sync.Mutex

	now               func() time.Time
	listingRetention  time.Duration
	deliveryRetention time.Duration
}

// Option configures a SQLite store.
type Option func(*SQLite)

// WithClock overrides the time source used for retention checks.
func WithClock(now func() time.Time) Option {
	return func(s *SQLite) { s.now = now }
}

// WithRetention overrides the listing and delivery retention windows.
func WithRetention(listings, deliveries time.Duration) Option {
	return func(s *SQLite) {
		if listings > 0 {
			s.listingRetention = listings
		}
		if deliveries > 0 {
			s.deliveryRetention = deliveries
		}
	}
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string, opts ...Option) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and orders writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &SQLite{
		db:                db,
		now:               time.Now,
		listingRetention:  DefaultListingRetention,
		deliveryRetention: DefaultDeliveryRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) nowUTC() time.Time {
	return s.now().UTC()
}

// EnsureSubscriber returns the subscriber's filter, creating a default one on first contact.
func (s *SQLite) EnsureSubscriber(ctx context.Context, subscriberID int64) (*model.SubscriberFilter, error) {
	s.mu.Lock()
	err := s.ensureSubscriberLocked(ctx, subscriberID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.GetSubscriber(ctx, subscriberID)
}

func (s *SQLite) ensureSubscriberLocked(ctx context.Context, subscriberID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO subscribers (subscriber_id, created_at) VALUES (?, ?)`,
		subscriberID, s.nowUTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert subscriber: %w", err)
	}
	return nil
}

// GetSubscriber returns the filter of a subscriber, or ErrNotFound.
func (s *SQLite) GetSubscriber(ctx context.Context, subscriberID int64) (*model.SubscriberFilter, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT subscriber_id, min_price, max_price, districts, from_owner_only, use_total_price, is_active, created_at
		 FROM subscribers WHERE subscriber_id = ?`, subscriberID,
	)
	f, err := scanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return f, err
}

// UpdateSubscriber applies a partial update, creating the subscriber if needed.
func (s *SQLite) UpdateSubscriber(ctx context.Context, subscriberID int64, upd model.FilterUpdate) error {
	var sets []string
	var args []any
	if upd.MinPrice != nil {
		sets = append(sets, "min_price = ?")
		args = append(args, *upd.MinPrice)
	}
	if upd.MaxPrice != nil {
		sets = append(sets, "max_price = ?")
		args = append(args, *upd.MaxPrice)
	}
	if upd.Districts != nil {
		sets = append(sets, "districts = ?")
		args = append(args, joinDistricts(*upd.Districts))
	}
	if upd.FromOwnerOnly != nil {
		sets = append(sets, "from_owner_only = ?")
		args = append(args, boolToInt(*upd.FromOwnerOnly))
	}
	if upd.UseTotalPrice != nil {
		sets = append(sets, "use_total_price = ?")
		args = append(args, boolToInt(*upd.UseTotalPrice))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureSubscriberLocked(ctx, subscriberID); err != nil {
		return err
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, subscriberID)
	query := `UPDATE subscribers SET ` + strings.Join(sets, ", ") + ` WHERE subscriber_id = ?`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update subscriber: %w", err)
	}
	return nil
}

// ResetSubscriber clears all filter criteria. The activity status is kept.
func (s *SQLite) ResetSubscriber(ctx context.Context, subscriberID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureSubscriberLocked(ctx, subscriberID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscribers
		 SET min_price = NULL, max_price = NULL, districts = '', from_owner_only = 0, use_total_price = 0
		 WHERE subscriber_id = ?`, subscriberID,
	)
	if err != nil {
		return fmt.Errorf("reset subscriber: %w", err)
	}
	return nil
}

// SetActive switches notifications on or off and reports whether the status changed.
func (s *SQLite) SetActive(ctx context.Context, subscriberID int64, active bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureSubscriberLocked(ctx, subscriberID); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET is_active = ? WHERE subscriber_id = ? AND is_active <> ?`,
		boolToInt(active), subscriberID, boolToInt(active),
	)
	if err != nil {
		return false, fmt.Errorf("set active: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ListActiveSubscribers returns the ids of subscribers with notifications on.
func (s *SQLite) ListActiveSubscribers(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subscriber_id FROM subscribers WHERE is_active = 1 ORDER BY subscriber_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query active subscribers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subscriber id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// HasBeenSent checks whether a listing was delivered to the subscriber within the retention window.
func (s *SQLite) HasBeenSent(ctx context.Context, subscriberID int64, listingID string) (bool, error) {
	cutoff := s.nowUTC().Add(-s.deliveryRetention).Format(timeLayout)
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM delivery_records WHERE subscriber_id = ? AND listing_id = ? AND sent_at > ?`,
		subscriberID, listingID, cutoff,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check sent: %w", err)
	}
	return count > 0, nil
}

// RecordSent appends a delivery record. Duplicate records are harmless.
func (s *SQLite) RecordSent(ctx context.Context, subscriberID int64, listingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_records (subscriber_id, listing_id, sent_at) VALUES (?, ?, ?)`,
		subscriberID, listingID, s.nowUTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record sent: %w", err)
	}
	return nil
}

// Deliveries returns the unexpired delivery records of a subscriber, newest first.
func (s *SQLite) Deliveries(ctx context.Context, subscriberID int64) ([]model.DeliveryRecord, error) {
	cutoff := s.nowUTC().Add(-s.deliveryRetention).Format(timeLayout)
	rows, err := s.db.QueryContext(ctx,
		`SELECT subscriber_id, listing_id, sent_at FROM delivery_records
		 WHERE subscriber_id = ? AND sent_at > ? ORDER BY sent_at DESC, id DESC`,
		subscriberID, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.DeliveryRecord
	for rows.Next() {
		var r model.DeliveryRecord
		var sentAt string
		if err := rows.Scan(&r.SubscriberID, &r.ListingID, &sentAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		r.SentAt, _ = time.Parse(timeLayout, sentAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ExpireDeliveries deletes delivery records older than the retention window.
func (s *SQLite) ExpireDeliveries(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.UTC().Add(-s.deliveryRetention).Format(timeLayout)

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM delivery_records WHERE sent_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire deliveries: %w", err)
	}
	return res.RowsAffected()
}

// UpsertListings stores listings not seen before and logs their discovery under cycleID.
// Already cached ids keep their first payload. It returns the number of new listings.
func (s *SQLite) UpsertListings(ctx context.Context, cycleID string, listings []model.Listing) (int, error) {
	if len(listings) == 0 {
		return 0, nil
	}
	now := s.nowUTC().Format(timeLayout)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	for _, l := range listings {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO listings
			 (id, title, url, price, rent_additional, district_id, district_name, region_id, region_name,
			  area, rooms, is_business, description, listing_time, fetched_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.ID, l.Title, l.URL, l.Price, l.RentAdditional, l.DistrictID, l.DistrictName, l.RegionID, l.RegionName,
			l.Area, l.Rooms, boolToInt(l.IsBusiness), l.Description, l.ListingTime.UTC().Format(timeLayout), now,
		)
		if err != nil {
			return 0, fmt.Errorf("insert listing %s: %w", l.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			continue
		}
		inserted++
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO listing_discovery_log (listing_id, cycle_id, discovered_at) VALUES (?, ?, ?)`,
			l.ID, cycleID, now,
		); err != nil {
			return 0, fmt.Errorf("log discovery %s: %w", l.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit listings: %w", err)
	}
	return inserted, nil
}

// ActiveListings returns cached listings newer than the listing retention window.
func (s *SQLite) ActiveListings(ctx context.Context) ([]model.Listing, error) {
	cutoff := s.nowUTC().Add(-s.listingRetention).Format(timeLayout)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, url, price, rent_additional, district_id, district_name, region_id, region_name,
		        area, rooms, is_business, description, listing_time
		 FROM listings WHERE listing_time > ? ORDER BY listing_time`, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query listings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ExpireListings deletes listings older than the retention window together with their discovery entries.
func (s *SQLite) ExpireListings(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.UTC().Add(-s.listingRetention).Format(timeLayout)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM listing_discovery_log
		 WHERE listing_id IN (SELECT id FROM listings WHERE listing_time <= ?)`, cutoff,
	); err != nil {
		return 0, fmt.Errorf("expire discovery log: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM listings WHERE listing_time <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire listings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit expiry: %w", err)
	}
	return n, nil
}

// CountListings returns the number of cached listings still inside the retention window.
func (s *SQLite) CountListings(ctx context.Context) (int, error) {
	cutoff := s.nowUTC().Add(-s.listingRetention).Format(timeLayout)
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM listings WHERE listing_time > ?`, cutoff,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count listings: %w", err)
	}
	return n, nil
}

// RecentDiscoveries returns discovery log entries recorded after since, oldest first.
func (s *SQLite) RecentDiscoveries(ctx context.Context, since time.Time) ([]model.DiscoveryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT listing_id, cycle_id, discovered_at FROM listing_discovery_log
		 WHERE discovered_at > ? ORDER BY discovered_at, id`, since.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query discoveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.DiscoveryEntry
	for rows.Next() {
		var e model.DiscoveryEntry
		var at string
		if err := rows.Scan(&e.ListingID, &e.CycleID, &at); err != nil {
			return nil, fmt.Errorf("scan discovery: %w", err)
		}
		e.DiscoveredAt, _ = time.Parse(timeLayout, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func joinDistricts(ids []string) string {
	clean := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			clean = append(clean, id)
		}
	}
	return strings.Join(clean, ",")
}

func splitDistricts(raw string) []string {
	var out []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSubscriber(row scannable) (*model.SubscriberFilter, error) {
	var f model.SubscriberFilter
	var minPrice, maxPrice sql.NullInt64
	var districts, created string
	var fromOwner, useTotal, isActive int
	err := row.Scan(&f.SubscriberID, &minPrice, &maxPrice, &districts, &fromOwner, &useTotal, &isActive, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan subscriber: %w", err)
	}
	if minPrice.Valid {
		v := int(minPrice.Int64)
		f.MinPrice = &v
	}
	if maxPrice.Valid {
		v := int(maxPrice.Int64)
		f.MaxPrice = &v
	}
	f.Districts = splitDistricts(districts)
	f.FromOwnerOnly = fromOwner == 1
	f.UseTotalPrice = useTotal == 1
	f.IsActive = isActive == 1
	f.CreatedAt, _ = time.Parse(timeLayout, created)
	return &f, nil
}

func scanListing(row scannable) (model.Listing, error) {
	var l model.Listing
	var isBusiness int
	var listingTime string
	err := row.Scan(&l.ID, &l.Title, &l.URL, &l.Price, &l.RentAdditional, &l.DistrictID, &l.DistrictName,
		&l.RegionID, &l.RegionName, &l.Area, &l.Rooms, &isBusiness, &l.Description, &listingTime)
	if err != nil {
		return l, fmt.Errorf("scan listing: %w", err)
	}
	l.IsBusiness = isBusiness == 1
	l.ListingTime, _ = time.Parse(timeLayout, listingTime)
	return l, nil
}
