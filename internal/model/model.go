// Package model defines the domain types used across the application.
package model

import "time"

// Listing is a single marketplace rental offer normalized from the upstream API.
// A listing is never modified after it is first stored.
type Listing struct {
	ID             string
	Title          string
	URL            string
	Price          string
	RentAdditional string
	DistrictID     string
	DistrictName   string
	RegionID       string
	RegionName     string
	Area           string
	Rooms          string
	IsBusiness     bool
	Description    string
	ListingTime    time.Time
}

// SubscriberFilter holds the notification preferences of a single chat.
// Nil price bounds mean the bound is not set.
type SubscriberFilter struct {
	SubscriberID  int64
	MinPrice      *int
	MaxPrice      *int
	Districts     []string
	FromOwnerOnly bool
	UseTotalPrice bool
	IsActive      bool
	CreatedAt     time.Time
}

// HasDistrict reports whether id is one of the selected districts.
func (f *SubscriberFilter) HasDistrict(id string) bool {
	for _, d := range f.Districts {
		if d == id {
			return true
		}
	}
	return false
}

// FilterUpdate is a partial update of a SubscriberFilter. Nil fields are left unchanged.
type FilterUpdate struct {
	MinPrice      *int
	MaxPrice      *int
	Districts     *[]string
	FromOwnerOnly *bool
	UseTotalPrice *bool
}

// DeliveryRecord marks that a listing was sent to a subscriber.
type DeliveryRecord struct {
	SubscriberID int64
	ListingID    string
	SentAt       time.Time
}

// DiscoveryEntry records the poll cycle in which a listing first entered the cache.
type DiscoveryEntry struct {
	ListingID    string
	CycleID      string
	DiscoveredAt time.Time
}
