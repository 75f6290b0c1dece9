// Package filter implements the listing matching engine.
package filter

import (
	"sort"
	"strconv"
	"strings"
	"unicode"

	"olx_bot/internal/model"
)

const currencySuffix = "zł"

// ParsePrice extracts an integer amount from a display price such as "2 500 zł".
// It returns false when no digits are present, which is distinct from a zero price.
func ParsePrice(raw string) (int, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, currencySuffix)

	var digits strings.Builder
	for _, r := range s {
		if r < unicode.MaxASCII && unicode.IsDigit(r) {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return 0, false
	}
	v, err := strconv.Atoi(digits.String())
	if err != nil {
		return 0, false
	}
	return v, true
}

// PriceValue returns the price a filter compares against. With useTotal the
// additional rent is added; an absent or unparseable rent counts as zero.
func PriceValue(l model.Listing, useTotal bool) (int, bool) {
	price, ok := ParsePrice(l.Price)
	if !ok {
		return 0, false
	}
	if !useTotal {
		return price, true
	}
	rent, ok := ParsePrice(l.RentAdditional)
	if !ok {
		rent = 0
	}
	return price + rent, true
}

// Admits reports whether a listing satisfies a subscriber's filter.
// Price bounds are inclusive. A listing without a parseable price is never admitted.
func Admits(l model.Listing, f model.SubscriberFilter) bool {
	price, ok := PriceValue(l, f.UseTotalPrice)
	if !ok {
		return false
	}
	if f.MinPrice != nil && price < *f.MinPrice {
		return false
	}
	if f.MaxPrice != nil && price > *f.MaxPrice {
		return false
	}
	if len(f.Districts) > 0 && !f.HasDistrict(l.DistrictID) {
		return false
	}
	if f.FromOwnerOnly && l.IsBusiness {
		return false
	}
	return true
}

// Select returns the admitted listings ordered oldest first.
func Select(listings []model.Listing, f model.SubscriberFilter) []model.Listing {
	var out []model.Listing
	for _, l := range listings {
		if Admits(l, f) {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ListingTime.Before(out[j].ListingTime)
	})
	return out
}
