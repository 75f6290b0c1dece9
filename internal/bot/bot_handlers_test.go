package bot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"golang.org/x/time/rate"

	"olx_bot/internal/config"
	"olx_bot/internal/model"
	"olx_bot/internal/storage"
)

// --- mocks ---

type sentMsg struct {
	ChatID    int64
	Text      string
	ParseMode string
	Markup    *tgbotapi.InlineKeyboardMarkup
}

type editedMsg struct {
	ChatID    int64
	MessageID int
	Text      string
	Markup    *tgbotapi.InlineKeyboardMarkup
}

type mockAPI struct {
	mu      sync.Mutex
	sent    []sentMsg
	edits   []editedMsg
	acks    []string
	sendErr error
}

func (m *mockAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return tgbotapi.Message{}, m.sendErr
	}
	switch msg := c.(type) {
	case tgbotapi.MessageConfig:
		s := sentMsg{ChatID: msg.ChatID, Text: msg.Text, ParseMode: msg.ParseMode}
		if kb, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup); ok {
			s.Markup = &kb
		}
		m.sent = append(m.sent, s)
	case tgbotapi.EditMessageTextConfig:
		m.edits = append(m.edits, editedMsg{ChatID: msg.ChatID, MessageID: msg.MessageID, Text: msg.Text, Markup: msg.ReplyMarkup})
	}
	return tgbotapi.Message{}, nil
}

func (m *mockAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	if cb, ok := c.(tgbotapi.CallbackConfig); ok {
		m.mu.Lock()
		m.acks = append(m.acks, cb.CallbackQueryID)
		m.mu.Unlock()
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (m *mockAPI) GetUpdatesChan(_ tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(tgbotapi.UpdatesChannel)
}

func (m *mockAPI) StopReceivingUpdates() {}

func (m *mockAPI) lastText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return ""
	}
	return m.sent[len(m.sent)-1].Text
}

func (m *mockAPI) lastSent() sentMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return sentMsg{}
	}
	return m.sent[len(m.sent)-1]
}

func (m *mockAPI) lastEdit() editedMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.edits) == 0 {
		return editedMsg{}
	}
	return m.edits[len(m.edits)-1]
}

func (m *mockAPI) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type mockBackfiller struct {
	mu    sync.Mutex
	calls []int64
	err   error
	block chan struct{}
}

func (m *mockBackfiller) Backfill(ctx context.Context, subscriberID int64) (int, error) {
	m.mu.Lock()
	m.calls = append(m.calls, subscriberID)
	err, block := m.err, m.block
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return 0, err
}

func (m *mockBackfiller) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// --- helpers ---

func newTestBot(t *testing.T) (*Bot, *mockAPI, *storage.SQLite, *mockBackfiller) {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	api := &mockAPI{}
	bf := &mockBackfiller{}
	b := &Bot{
		api:      api,
		store:    store,
		ledger:   store,
		cfg:      &config.Config{},
		limiter:  rate.NewLimiter(rate.Inf, 1),
		backfill: bf,
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return b, api, store, bf
}

func getFilter(t *testing.T, store *storage.SQLite, id int64) *model.SubscriberFilter {
	t.Helper()
	f, err := store.GetSubscriber(context.Background(), id)
	if err != nil {
		t.Fatalf("get subscriber: %v", err)
	}
	return f
}

func requireContains(t *testing.T, got, want string) {
	t.Helper()
	if !strings.Contains(got, want) {
		t.Errorf("reply missing %q, got:\n%s", want, got)
	}
}

var ignoreCreated = cmpopts.IgnoreFields(model.SubscriberFilter{}, "CreatedAt")

// --- handler tests ---

func TestHandleStart(t *testing.T) {
	ctx := context.Background()
	b, api, store, _ := newTestBot(t)

	b.handleStart(ctx, 100)
	requireContains(t, api.lastText(), "Welcome to the OLX Apartment Bot")

	want := &model.SubscriberFilter{SubscriberID: 100}
	if diff := cmp.Diff(want, getFilter(t, store, 100), ignoreCreated, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("subscriber after /start (-want +got):\n%s", diff)
	}
}

func TestHandleHelp(t *testing.T) {
	b, api, _, _ := newTestBot(t)
	b.handleHelp(100)
	for _, cmd := range []string{"/search", "/stop", "/setprice", "/listdistricts", "/getfilters", "/resetfilters"} {
		requireContains(t, api.lastText(), cmd)
	}
}

func TestHandleSearch(t *testing.T) {
	ctx := context.Background()
	b, api, store, bf := newTestBot(t)

	b.handleSearch(ctx, 100)
	b.bg.Wait()
	requireContains(t, api.lastText(), "Started searching")
	if !getFilter(t, store, 100).IsActive {
		t.Error("expected subscriber to be active")
	}
	if diff := cmp.Diff(1, bf.callCount()); diff != "" {
		t.Errorf("backfill calls after activation (-want +got):\n%s", diff)
	}

	// Already active: no second backfill.
	b.handleSearch(ctx, 100)
	b.bg.Wait()
	requireContains(t, api.lastText(), "already receiving")
	if diff := cmp.Diff(1, bf.callCount()); diff != "" {
		t.Errorf("backfill calls after repeated /search (-want +got):\n%s", diff)
	}

	// Stop then search again is a new transition.
	b.handleStop(ctx, 100)
	requireContains(t, api.lastText(), "Stopped searching")
	if getFilter(t, store, 100).IsActive {
		t.Error("expected subscriber to be inactive after /stop")
	}
	b.handleSearch(ctx, 100)
	b.bg.Wait()
	if diff := cmp.Diff(2, bf.callCount()); diff != "" {
		t.Errorf("backfill calls after reactivation (-want +got):\n%s", diff)
	}
}

func TestHandleSearchBackfillError(t *testing.T) {
	ctx := context.Background()
	b, api, store, bf := newTestBot(t)
	bf.err = errors.New("cache unavailable")

	b.handleSearch(ctx, 100)
	requireContains(t, api.lastText(), "Started searching")
	if !getFilter(t, store, 100).IsActive {
		t.Error("activation must persist when backfill fails")
	}
	b.bg.Wait()
}

func TestHandleSearchDoesNotWaitForBackfill(t *testing.T) {
	ctx := context.Background()
	b, api, _, bf := newTestBot(t)
	bf.block = make(chan struct{})

	done := make(chan struct{})
	go func() {
		b.handleSearch(ctx, 100)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("/search blocked on backfill")
	}

	// Other users are served while the backfill is still running.
	b.handleHelp(200)
	if diff := cmp.Diff(int64(200), api.lastSent().ChatID); diff != "" {
		t.Errorf("reply chat (-want +got):\n%s", diff)
	}

	close(bf.block)
	b.bg.Wait()
	if diff := cmp.Diff(1, bf.callCount()); diff != "" {
		t.Errorf("backfill calls (-want +got):\n%s", diff)
	}
}


func TestHandleSetPrice(t *testing.T) {
	ctx := context.Background()

	t.Run("valid", func(t *testing.T) {
		b, api, store, _ := newTestBot(t)
		b.handleSetPrice(ctx, 100, "2000 3000")
		requireContains(t, api.lastText(), "Price range set to 2000 - 3000 zł")

		f := getFilter(t, store, 100)
		if f.MinPrice == nil || *f.MinPrice != 2000 || f.MaxPrice == nil || *f.MaxPrice != 3000 {
			t.Errorf("unexpected bounds %v - %v", f.MinPrice, f.MaxPrice)
		}
	})

	t.Run("min above max", func(t *testing.T) {
		b, api, store, _ := newTestBot(t)
		b.handleSetPrice(ctx, 100, "3000 2000")
		requireContains(t, api.lastText(), "greater than minimum")
		if _, err := store.GetSubscriber(ctx, 100); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("rejected command must not touch the registry, err = %v", err)
		}
	})

	t.Run("missing args", func(t *testing.T) {
		b, api, _, _ := newTestBot(t)
		b.handleSetPrice(ctx, 100, "")
		requireContains(t, api.lastText(), "Usage: /setprice")
	})
}

func TestHandleGetFilters(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown subscriber", func(t *testing.T) {
		b, api, _, _ := newTestBot(t)
		b.handleGetFilters(ctx, 100)
		requireContains(t, api.lastText(), "haven't set any filters")
	})

	t.Run("with deliveries", func(t *testing.T) {
		b, api, store, _ := newTestBot(t)
		b.handleSetPrice(ctx, 100, "1000 2500")
		for _, id := range []string{"a", "b"} {
			if err := store.RecordSent(ctx, 100, id); err != nil {
				t.Fatalf("record sent: %v", err)
			}
		}

		b.handleGetFilters(ctx, 100)
		requireContains(t, api.lastText(), "Price range: 1000 - 2500 zł")
		requireContains(t, api.lastText(), "Listings sent in the last 48h: 2")
	})
}

func TestHandleResetFilters(t *testing.T) {
	ctx := context.Background()
	b, api, store, _ := newTestBot(t)

	b.handleSetPrice(ctx, 100, "1000 2000")
	b.handleAddDistrict(ctx, 100, "Krowodrza")
	b.handleSetFromOwner(ctx, 100)
	b.handleSearch(ctx, 100)
	b.bg.Wait()

	b.handleResetFilters(ctx, 100)
	requireContains(t, api.lastText(), "All filters have been reset")

	want := &model.SubscriberFilter{SubscriberID: 100, IsActive: true}
	if diff := cmp.Diff(want, getFilter(t, store, 100), ignoreCreated, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("after reset (-want +got):\n%s", diff)
	}
}

func TestHandleToggles(t *testing.T) {
	ctx := context.Background()
	b, api, store, _ := newTestBot(t)

	b.handleSetFromOwner(ctx, 100)
	requireContains(t, api.lastText(), "now only receive listings from owners")
	if !getFilter(t, store, 100).FromOwnerOnly {
		t.Error("expected FromOwnerOnly after first toggle")
	}
	b.handleSetFromOwner(ctx, 100)
	requireContains(t, api.lastText(), "no longer")
	if getFilter(t, store, 100).FromOwnerOnly {
		t.Error("expected FromOwnerOnly cleared after second toggle")
	}

	b.handleUseTotalPrice(ctx, 100)
	requireContains(t, api.lastText(), "now use the total price")
	if !getFilter(t, store, 100).UseTotalPrice {
		t.Error("expected UseTotalPrice after toggle")
	}
}

func TestHandleDistrictCommands(t *testing.T) {
	ctx := context.Background()
	b, api, store, _ := newTestBot(t)

	b.handleAddDistrict(ctx, 100, "podgorze")
	requireContains(t, api.lastText(), "Added Podgórze")
	b.handleAddDistrict(ctx, 100, "Nowa Huta")
	b.handleAddDistrict(ctx, 100, "PODGÓRZE")
	requireContains(t, api.lastText(), "already in your filters")

	if diff := cmp.Diff([]string{"263", "287"}, getFilter(t, store, 100).Districts); diff != "" {
		t.Errorf("districts after add (-want +got):\n%s", diff)
	}

	b.handleRmDistrict(ctx, 100, "podgórze")
	requireContains(t, api.lastText(), "Removed Podgórze")
	b.handleRmDistrict(ctx, 100, "Krowodrza")
	requireContains(t, api.lastText(), "not in your filters")
	b.handleAddDistrict(ctx, 100, "Atlantis")
	requireContains(t, api.lastText(), "Unknown district")
	b.handleAddDistrict(ctx, 100, "")
	requireContains(t, api.lastText(), "Usage: /adddistrict")

	if diff := cmp.Diff([]string{"287"}, getFilter(t, store, 100).Districts); diff != "" {
		t.Errorf("districts after remove (-want +got):\n%s", diff)
	}
}

func TestHandleListDistricts(t *testing.T) {
	ctx := context.Background()
	b, api, _, _ := newTestBot(t)

	b.handleAddDistrict(ctx, 100, "Dębniki")
	b.handleListDistricts(ctx, 100, "")

	msg := api.lastSent()
	requireContains(t, msg.Text, "Choose districts")
	if msg.Markup == nil {
		t.Fatal("expected inline keyboard")
	}
	first := msg.Markup.InlineKeyboard[0][0]
	if diff := cmp.Diff("✅ Dębniki", first.Text); diff != "" {
		t.Errorf("first button (-want +got):\n%s", diff)
	}

	b.handleListDistricts(ctx, 100, "5")
	requireContains(t, api.lastText(), "invalid page number")
}

func callback(chatID int64, messageID int, data string) *tgbotapi.CallbackQuery {
	return &tgbotapi.CallbackQuery{
		ID:      "cb-" + data,
		From:    &tgbotapi.User{ID: chatID, UserName: "tester"},
		Message: &tgbotapi.Message{MessageID: messageID, Chat: &tgbotapi.Chat{ID: chatID}},
		Data:    data,
	}
}

func TestHandleCallback(t *testing.T) {
	ctx := context.Background()
	b, api, store, _ := newTestBot(t)

	b.handleCallback(ctx, callback(100, 7, "district:255:0"))
	if diff := cmp.Diff([]string{"255"}, getFilter(t, store, 100).Districts); diff != "" {
		t.Errorf("districts after toggle on (-want +got):\n%s", diff)
	}
	edit := api.lastEdit()
	if diff := cmp.Diff(7, edit.MessageID); diff != "" {
		t.Errorf("edited message id (-want +got):\n%s", diff)
	}
	if edit.Markup == nil {
		t.Fatal("expected refreshed keyboard")
	}
	var marked []string
	for _, row := range edit.Markup.InlineKeyboard {
		for _, btn := range row {
			if strings.HasPrefix(btn.Text, "✅") {
				marked = append(marked, btn.Text)
			}
		}
	}
	if diff := cmp.Diff([]string{"✅ Krowodrza"}, marked); diff != "" {
		t.Errorf("marked buttons (-want +got):\n%s", diff)
	}

	b.handleCallback(ctx, callback(100, 7, "district:255:0"))
	if got := getFilter(t, store, 100).Districts; len(got) != 0 {
		t.Errorf("districts after toggle off = %v, want none", got)
	}

	// Unknown district ids are ignored.
	b.handleCallback(ctx, callback(100, 7, "district:1:0"))
	if got := getFilter(t, store, 100).Districts; len(got) != 0 {
		t.Errorf("unknown district stored: %v", got)
	}

	b.handleCallback(ctx, callback(100, 7, "close:0"))
	if diff := cmp.Diff("Menu closed.", api.lastEdit().Text); diff != "" {
		t.Errorf("close text (-want +got):\n%s", diff)
	}

	api.mu.Lock()
	acks := len(api.acks)
	api.mu.Unlock()
	if diff := cmp.Diff(4, acks); diff != "" {
		t.Errorf("callback acks (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(0, api.sentCount()); diff != "" {
		t.Errorf("callbacks must edit, not send (-want +got):\n%s", diff)
	}
}

func TestDeliver(t *testing.T) {
	ctx := context.Background()
	b, api, _, _ := newTestBot(t)

	l := model.Listing{
		ID:          "42",
		Title:       "Flat",
		URL:         "https://www.olx.pl/d/oferta/flat-42.html",
		Price:       "2 500 zł",
		ListingTime: time.Date(2024, 10, 5, 11, 30, 0, 0, time.UTC),
	}
	if err := b.Deliver(ctx, 100, l); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	msg := api.lastSent()
	if diff := cmp.Diff(int64(100), msg.ChatID); diff != "" {
		t.Errorf("chat id (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(tgbotapi.ModeMarkdown, msg.ParseMode); diff != "" {
		t.Errorf("parse mode (-want +got):\n%s", diff)
	}
	requireContains(t, msg.Text, "*Title:* Flat")

	api.sendErr = errors.New("bot was blocked by the user")
	if err := b.Deliver(ctx, 100, l); err == nil {
		t.Error("expected send error to be returned")
	}
}

func TestDeliverCancelled(t *testing.T) {
	b, api, _, _ := newTestBot(t)
	b.limiter = rate.NewLimiter(rate.Every(time.Hour), 1)
	b.limiter.Allow()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Deliver(ctx, 100, model.Listing{ID: "1"}); err == nil {
		t.Fatal("expected error when context is cancelled while waiting to send")
	}
	if diff := cmp.Diff(0, api.sentCount()); diff != "" {
		t.Errorf("nothing should be sent (-want +got):\n%s", diff)
	}
}

func TestRunDeniesUnknownUser(t *testing.T) {
	b, api, _, _ := newTestBot(t)
	b.cfg = &config.Config{AllowedUsers: config.UserIDs{1}}

	updates := make(chan tgbotapi.Update, 1)
	b.api = &chanAPI{mockAPI: api, updates: updates}

	updates <- tgbotapi.Update{Message: &tgbotapi.Message{
		Text:     "/start",
		From:     &tgbotapi.User{ID: 2},
		Chat:     &tgbotapi.Chat{ID: 2},
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 6}},
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	b.Run(ctx)

	requireContains(t, api.lastText(), "Access denied")
}

type chanAPI struct {
	*mockAPI
	updates chan tgbotapi.Update
}

func (c *chanAPI) GetUpdatesChan(_ tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return c.updates
}
