package bot

import (
	"context"
	"errors"
	"fmt"

	"olx_bot/internal/model"
	"olx_bot/internal/olx"
	"olx_bot/internal/storage"
)

func (b *Bot) handleStart(ctx context.Context, chatID int64) {
	if _, err := b.store.EnsureSubscriber(ctx, chatID); err != nil {
		b.log.Error("ensure subscriber", "chat_id", chatID, "error", err)
		b.reply(chatID, "Something went wrong. Please try again later.")
		return
	}
	b.reply(chatID, `Welcome to the OLX Apartment Bot!

Get notified about new rental listings that match your filters.

Quick start:
1. /setprice <min> <max> - set the price range
2. /listdistricts - pick districts
3. /search - start receiving listings

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Notifications:
/search - start receiving new listings
/stop - stop receiving new listings

Filters:
/setprice <min> <max> - set the price range in zł
/listdistricts [page] - choose districts from a menu
/adddistrict <name> - add a district
/rmdistrict <name> - remove a district
/setfromowner - toggle listings from owners only
/usetotalprice - toggle comparing price + czynsz
/getfilters - show current filters
/resetfilters - reset all filters to default`)
}

func (b *Bot) handleSearch(ctx context.Context, chatID int64) {
	if _, err := b.store.EnsureSubscriber(ctx, chatID); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	changed, err := b.store.SetActive(ctx, chatID, true)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if !changed {
		b.reply(chatID, "You are already receiving new listings.")
		return
	}

	b.log.Info("subscriber activated", "subscriber_id", chatID)
	b.reply(chatID, "Started searching for new listings.")

	if b.backfill == nil {
		return
	}
	b.bg.Add(1)
	go func() {
		defer b.bg.Done()
		n, err := b.backfill.Backfill(ctx, chatID)
		if err != nil {
			b.log.Error("backfill", "subscriber_id", chatID, "error", err)
			return
		}
		b.log.Debug("backfill done", "subscriber_id", chatID, "count", n)
	}()
}

func (b *Bot) handleStop(ctx context.Context, chatID int64) {
	if _, err := b.store.EnsureSubscriber(ctx, chatID); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	changed, err := b.store.SetActive(ctx, chatID, false)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if changed {
		b.log.Info("subscriber deactivated", "subscriber_id", chatID)
	}
	b.reply(chatID, "Stopped searching for new listings.")
}

func (b *Bot) handleSetPrice(ctx context.Context, chatID int64, args string) {
	minPrice, maxPrice, err := ParsePriceArgs(args)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("%v\nUsage: /setprice <min> <max>", err))
		return
	}

	if err := b.update(ctx, chatID, model.FilterUpdate{MinPrice: &minPrice, MaxPrice: &maxPrice}); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Price range set to %d - %d zł.", minPrice, maxPrice))
}

func (b *Bot) handleGetFilters(ctx context.Context, chatID int64) {
	f, err := b.store.GetSubscriber(ctx, chatID)
	if errors.Is(err, storage.ErrNotFound) {
		b.reply(chatID, "You haven't set any filters yet. Use /start to begin.")
		return
	}
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	delivered := 0
	if records, err := b.ledger.Deliveries(ctx, chatID); err != nil {
		b.log.Warn("load deliveries", "subscriber_id", chatID, "error", err)
	} else {
		delivered = len(records)
	}
	b.reply(chatID, FormatFilters(f, delivered))
}

func (b *Bot) handleResetFilters(ctx context.Context, chatID int64) {
	if _, err := b.store.EnsureSubscriber(ctx, chatID); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if err := b.store.ResetSubscriber(ctx, chatID); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, "All filters have been reset.")
}

func (b *Bot) handleSetFromOwner(ctx context.Context, chatID int64) {
	f, err := b.store.EnsureSubscriber(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	next := !f.FromOwnerOnly
	if err := b.store.UpdateSubscriber(ctx, chatID, model.FilterUpdate{FromOwnerOnly: &next}); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if next {
		b.reply(chatID, "You will now only receive listings from owners.")
		return
	}
	b.reply(chatID, "You will no longer receive only listings from owners.")
}

func (b *Bot) handleUseTotalPrice(ctx context.Context, chatID int64) {
	f, err := b.store.EnsureSubscriber(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	next := !f.UseTotalPrice
	if err := b.store.UpdateSubscriber(ctx, chatID, model.FilterUpdate{UseTotalPrice: &next}); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if next {
		b.reply(chatID, "You will now use the total price (price + czynsz) for filtering.")
		return
	}
	b.reply(chatID, "You will no longer use the total price (price + czynsz) for filtering.")
}

func (b *Bot) handleAddDistrict(ctx context.Context, chatID int64, args string) {
	if args == "" {
		b.reply(chatID, "Usage: /adddistrict <name>")
		return
	}
	d, ok := olx.LookupDistrict(args)
	if !ok {
		b.reply(chatID, fmt.Sprintf("Unknown district %q. Use /listdistricts to see available districts.", args))
		return
	}

	f, err := b.store.EnsureSubscriber(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if f.HasDistrict(d.ID) {
		b.reply(chatID, fmt.Sprintf("%s is already in your filters.", d.Name))
		return
	}

	districts := append(append([]string(nil), f.Districts...), d.ID)
	if err := b.store.UpdateSubscriber(ctx, chatID, model.FilterUpdate{Districts: &districts}); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Added %s to your filters.", d.Name))
}

func (b *Bot) handleRmDistrict(ctx context.Context, chatID int64, args string) {
	if args == "" {
		b.reply(chatID, "Usage: /rmdistrict <name>")
		return
	}
	d, ok := olx.LookupDistrict(args)
	if !ok {
		b.reply(chatID, fmt.Sprintf("Unknown district %q. Use /listdistricts to see available districts.", args))
		return
	}

	f, err := b.store.EnsureSubscriber(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if !f.HasDistrict(d.ID) {
		b.reply(chatID, fmt.Sprintf("%s is not in your filters.", d.Name))
		return
	}

	districts := toggleDistrict(f.Districts, d.ID)
	if err := b.store.UpdateSubscriber(ctx, chatID, model.FilterUpdate{Districts: &districts}); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Removed %s from your filters.", d.Name))
}

// update applies a partial filter update, creating the subscriber first if needed.
func (b *Bot) update(ctx context.Context, chatID int64, upd model.FilterUpdate) error {
	if _, err := b.store.EnsureSubscriber(ctx, chatID); err != nil {
		return err
	}
	return b.store.UpdateSubscriber(ctx, chatID, upd)
}

// toggleDistrict returns a copy of ids with id removed if present, or appended otherwise.
func toggleDistrict(ids []string, id string) []string {
	out := make([]string, 0, len(ids)+1)
	found := false
	for _, d := range ids {
		if d == id {
			found = true
			continue
		}
		out = append(out, d)
	}
	if !found {
		out = append(out, id)
	}
	return out
}
