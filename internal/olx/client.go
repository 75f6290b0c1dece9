// Package olx fetches rental listings from the OLX offers API and normalizes them.
package olx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/carlmjohnson/requests"

	"olx_bot/internal/model"
)

const (
	offersPath = "/api/v1/offers/"
	userAgent  = "Mozilla/5.0 (compatible; OLXNotifyBot/1.0)"
)

// Query is the coarse marketplace query sent with every request.
type Query struct {
	CategoryID  int
	RegionID    int
	CityID      int
	DistrictIDs []string
	MinPrice    *int
	MaxPrice    *int
}

// Options configures a Client.
type Options struct {
	BaseURL     string
	Query       Query
	PageSize    int
	MaxPages    int
	PageTimeout time.Duration
	// MaxAge drops listings older than this regardless of the since mark.
	MaxAge time.Duration
}

// Client is the listing source backed by the OLX offers API.
type Client struct {
	http     *http.Client
	endpoint string
	opts     Options
	now      func() time.Time
	log      *slog.Logger
}

// New creates a Client. A nil httpClient means http.DefaultClient.
func New(httpClient *http.Client, opts Options, log *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 1
	}
	if opts.PageTimeout <= 0 {
		opts.PageTimeout = 10 * time.Second
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 48 * time.Hour
	}
	return &Client{
		http:     httpClient,
		endpoint: opts.BaseURL + offersPath,
		opts:     opts,
		now:      time.Now,
		log:      log,
	}
}

type offersResponse struct {
	Data []offer `json:"data"`
}

type offer struct {
	ID          json.Number `json:"id"`
	URL         string      `json:"url"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Business    bool        `json:"business"`
	PushupTime  string      `json:"pushup_time"`
	Params      []param     `json:"params"`
	Location    struct {
		Region   *place `json:"region"`
		District *place `json:"district"`
	} `json:"location"`
}

type param struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type place struct {
	ID   json.Number `json:"id"`
	Name string      `json:"name"`
}

func (p param) label() string {
	var v struct {
		Label string `json:"label"`
	}
	if err := json.Unmarshal(p.Value, &v); err != nil {
		return ""
	}
	return v.Label
}

// Fetch returns listings newer than since (all recent listings when since is nil)
// together with the latest listing time in the batch. Any page failure fails the
// whole fetch so callers never advance past data they did not receive.
func (c *Client) Fetch(ctx context.Context, since *time.Time) ([]model.Listing, *time.Time, error) {
	var (
		out    []model.Listing
		latest *time.Time
		seen   = make(map[string]struct{})
	)

	for page := 0; page < c.opts.MaxPages; page++ {
		offers, err := c.fetchPage(ctx, page*c.opts.PageSize)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch page %d: %w", page, err)
		}

		accepted := 0
		for _, o := range offers {
			l, ok := c.normalize(o, since)
			if !ok {
				continue
			}
			if _, dup := seen[l.ID]; dup {
				continue
			}
			seen[l.ID] = struct{}{}
			out = append(out, l)
			accepted++
			if latest == nil || l.ListingTime.After(*latest) {
				t := l.ListingTime
				latest = &t
			}
		}

		if len(offers) < c.opts.PageSize {
			break
		}
		if since != nil && accepted == 0 {
			break
		}
	}

	c.log.Debug("fetched listings", "count", len(out))
	return out, latest, nil
}

func (c *Client) fetchPage(ctx context.Context, offset int) ([]offer, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.PageTimeout)
	defer cancel()

	q := c.opts.Query
	rb := requests.URL(c.endpoint).
		Client(c.http).
		UserAgent(userAgent).
		Param("offset", strconv.Itoa(offset)).
		Param("limit", strconv.Itoa(c.opts.PageSize)).
		Param("category_id", strconv.Itoa(q.CategoryID)).
		Param("region_id", strconv.Itoa(q.RegionID)).
		Param("city_id", strconv.Itoa(q.CityID)).
		Param("sort_by", "created_at:desc").
		Param("filter_refiners", "spell_checker")
	if q.MinPrice != nil {
		rb = rb.Param("filter_float_price:from", strconv.Itoa(*q.MinPrice))
	}
	if q.MaxPrice != nil {
		rb = rb.Param("filter_float_price:to", strconv.Itoa(*q.MaxPrice))
	}
	if len(q.DistrictIDs) > 0 {
		rb = rb.Param("district_id", q.DistrictIDs...)
	}

	var resp offersResponse
	if err := rb.ToJSON(&resp).Fetch(ctx); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) normalize(o offer, since *time.Time) (model.Listing, bool) {
	id := o.ID.String()
	if id == "" {
		return model.Listing{}, false
	}
	if o.PushupTime == "" {
		c.log.Debug("skip listing without time", "listing_id", id)
		return model.Listing{}, false
	}
	t, err := time.Parse(time.RFC3339, o.PushupTime)
	if err != nil {
		c.log.Debug("skip listing with bad time", "listing_id", id, "value", o.PushupTime, "error", err)
		return model.Listing{}, false
	}
	if c.now().Sub(t) > c.opts.MaxAge {
		return model.Listing{}, false
	}
	if since != nil && t.Before(*since) {
		return model.Listing{}, false
	}

	l := model.Listing{
		ID:          id,
		Title:       o.Title,
		URL:         o.URL,
		IsBusiness:  o.Business,
		Description: o.Description,
		ListingTime: t,
	}
	for _, p := range o.Params {
		switch p.Key {
		case "price":
			l.Price = p.label()
		case "rent":
			l.RentAdditional = p.label()
		case "m":
			l.Area = p.label()
		case "rooms":
			l.Rooms = p.label()
		}
	}
	if r := o.Location.Region; r != nil {
		l.RegionID = r.ID.String()
		l.RegionName = r.Name
	}
	if d := o.Location.District; d != nil {
		l.DistrictID = d.ID.String()
		l.DistrictName = d.Name
	}
	return l, true
}
