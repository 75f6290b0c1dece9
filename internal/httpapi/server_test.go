package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"olx_bot/internal/model"
	"olx_bot/internal/poller"
	"olx_bot/internal/storage"
)

type mockPoller struct {
	status poller.Status
	err    error
	calls  int
}

func (m *mockPoller) Status() poller.Status { return m.status }

func (m *mockPoller) RunCycle(context.Context) error {
	m.calls++
	return m.err
}

func newTestServer(t *testing.T, p Poller) (*httptest.Server, *storage.SQLite) {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	s := New(p, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t, &mockPoller{})

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)

	if diff := cmp.Diff(http.StatusOK, resp.StatusCode); diff != "" {
		t.Errorf("status code (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("ok", string(body)); diff != "" {
		t.Errorf("body (-want +got):\n%s", diff)
	}
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	last := time.Date(2024, 10, 5, 12, 0, 0, 0, time.UTC)
	p := &mockPoller{status: poller.Status{LastCycleAt: last, LastBatchSize: 2, CyclesRun: 5}}
	ts, store := newTestServer(t, p)

	for _, id := range []int64{1, 2, 3} {
		if _, err := store.EnsureSubscriber(ctx, id); err != nil {
			t.Fatalf("ensure: %v", err)
		}
	}
	for _, id := range []int64{1, 3} {
		if _, err := store.SetActive(ctx, id, true); err != nil {
			t.Fatalf("set active: %v", err)
		}
	}
	now := time.Now().UTC().Truncate(time.Second)
	if _, err := store.UpsertListings(ctx, "cycle-1", []model.Listing{
		{ID: "a", ListingTime: now.Add(-time.Hour)},
		{ID: "b", ListingTime: now.Add(-2 * time.Hour)},
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if diff := cmp.Diff("application/json", resp.Header.Get("Content-Type")); diff != "" {
		t.Errorf("content type (-want +got):\n%s", diff)
	}
	var got StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}

	want := StatusResponse{
		Poller:            p.status,
		ActiveSubscribers: 2,
		CachedListings:    2,
		Discovered24h:     2,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
}

func TestPoll(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "success", wantStatus: http.StatusOK},
		{name: "already running", err: poller.ErrCycleInProgress, wantStatus: http.StatusConflict},
		{name: "fetch failed", err: errors.New("fetch listings: 503"), wantStatus: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &mockPoller{err: tt.err}
			ts, _ := newTestServer(t, p)

			resp, err := http.Post(ts.URL+"/poll", "", nil)
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			_ = resp.Body.Close()

			if diff := cmp.Diff(tt.wantStatus, resp.StatusCode); diff != "" {
				t.Errorf("status code (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(1, p.calls); diff != "" {
				t.Errorf("cycle runs (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPollRejectsGet(t *testing.T) {
	p := &mockPoller{}
	ts, _ := newTestServer(t, p)

	resp, err := http.Get(ts.URL + "/poll")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()

	if diff := cmp.Diff(http.StatusMethodNotAllowed, resp.StatusCode); diff != "" {
		t.Errorf("status code (-want +got):\n%s", diff)
	}
	if p.calls != 0 {
		t.Errorf("GET must not run a cycle, ran %d", p.calls)
	}
}
