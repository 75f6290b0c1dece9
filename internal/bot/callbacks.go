package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"olx_bot/internal/model"
	"olx_bot/internal/olx"
)

const (
	cmdListDistricts = "listdistricts"

	cbDistrict = "district"
	cbPage     = "page"
	cbClose    = "close"

	districtsPerPage = 10
)

// districtMenu renders one page of the district picker. Selected districts are
// marked with a check.
func districtMenu(all []olx.District, selected []string, page int) (string, tgbotapi.InlineKeyboardMarkup, error) {
	totalPages := (len(all) + districtsPerPage - 1) / districtsPerPage
	if totalPages == 0 {
		return "", tgbotapi.InlineKeyboardMarkup{}, fmt.Errorf("no districts available")
	}
	if page < 0 || page >= totalPages {
		return "", tgbotapi.InlineKeyboardMarkup{}, fmt.Errorf("invalid page number, total pages available: %d", totalPages)
	}

	f := model.SubscriberFilter{Districts: selected}
	start := page * districtsPerPage
	end := min(start+districtsPerPage, len(all))

	var rows [][]tgbotapi.InlineKeyboardButton
	for i := start; i < end; i += 2 {
		var row []tgbotapi.InlineKeyboardButton
		for _, d := range all[i:min(i+2, end)] {
			label := d.Name
			if f.HasDistrict(d.ID) {
				label = "✅ " + d.Name
			}
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(label, fmt.Sprintf("%s:%s:%d", cbDistrict, d.ID, page)))
		}
		rows = append(rows, row)
	}

	var nav []tgbotapi.InlineKeyboardButton
	if page > 0 {
		nav = append(nav, tgbotapi.NewInlineKeyboardButtonData("⬅️ Previous", fmt.Sprintf("%s:%d", cbPage, page-1)))
	}
	if end < len(all) {
		nav = append(nav, tgbotapi.NewInlineKeyboardButtonData("Next ➡️", fmt.Sprintf("%s:%d", cbPage, page+1)))
	}
	if len(nav) > 0 {
		rows = append(rows, nav)
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("Close", cbClose+":0")))

	text := fmt.Sprintf("Choose districts to add/remove (Page %d/%d):", page+1, totalPages)
	return text, tgbotapi.NewInlineKeyboardMarkup(rows...), nil
}

func (b *Bot) handleListDistricts(ctx context.Context, chatID int64, args string) {
	page, err := ParsePageArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /listdistricts [page]")
		return
	}

	f, err := b.store.EnsureSubscriber(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	text, markup, err := districtMenu(olx.Districts(), f.Districts, page)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = markup
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send district menu", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil {
		return
	}
	chatID := cb.Message.Chat.ID
	messageID := cb.Message.MessageID

	if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		b.log.Error("send callback ack", "error", err)
	}

	parts := strings.Split(cb.Data, ":")
	if len(parts) < 2 {
		return
	}

	b.log.Info("callback",
		"action", parts[0],
		"data", cb.Data,
		"chat_id", chatID,
		"user_id", cb.From.ID,
		"username", cb.From.UserName,
	)

	switch parts[0] {
	case cbClose:
		b.edit(chatID, messageID, "Menu closed.", nil)
	case cbPage:
		page, err := strconv.Atoi(parts[1])
		if err != nil {
			return
		}
		b.refreshMenu(ctx, chatID, messageID, page)
	case cbDistrict:
		if len(parts) != 3 {
			return
		}
		page, err := strconv.Atoi(parts[2])
		if err != nil {
			return
		}
		if _, ok := olx.DistrictName(parts[1]); !ok {
			return
		}
		f, err := b.store.EnsureSubscriber(ctx, chatID)
		if err != nil {
			b.log.Error("load subscriber", "chat_id", chatID, "error", err)
			return
		}
		districts := toggleDistrict(f.Districts, parts[1])
		if err := b.store.UpdateSubscriber(ctx, chatID, model.FilterUpdate{Districts: &districts}); err != nil {
			b.log.Error("update districts", "chat_id", chatID, "error", err)
			return
		}
		b.refreshMenu(ctx, chatID, messageID, page)
	}
}

func (b *Bot) refreshMenu(ctx context.Context, chatID int64, messageID, page int) {
	f, err := b.store.EnsureSubscriber(ctx, chatID)
	if err != nil {
		b.log.Error("load subscriber", "chat_id", chatID, "error", err)
		return
	}
	text, markup, err := districtMenu(olx.Districts(), f.Districts, page)
	if err != nil {
		b.edit(chatID, messageID, err.Error(), nil)
		return
	}
	b.edit(chatID, messageID, text, &markup)
}

func (b *Bot) edit(chatID int64, messageID int, text string, markup *tgbotapi.InlineKeyboardMarkup) {
	var cfg tgbotapi.EditMessageTextConfig
	if markup != nil {
		cfg = tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, text, *markup)
	} else {
		cfg = tgbotapi.NewEditMessageText(chatID, messageID, text)
	}
	if _, err := b.api.Send(cfg); err != nil {
		b.log.Error("edit message", "chat_id", chatID, "error", err)
	}
}
