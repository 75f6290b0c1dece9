package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"olx_bot/internal/config"
	"olx_bot/internal/model"
	"olx_bot/internal/storage"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Backfiller delivers already cached listings to a subscriber that just switched notifications on.
type Backfiller interface {
	Backfill(ctx context.Context, subscriberID int64) (int, error)
}

// Bot is the Telegram bot that handles user commands and sends notifications.
type Bot struct {
	api      telegramAPI
	store    storage.Registry
	ledger   storage.Ledger
	cfg      *config.Config
	limiter  *rate.Limiter
	backfill Backfiller
	log      *slog.Logger

	// bg tracks backfills running outside the update loop.
	bg sync.WaitGroup
}

// New creates a Bot with the given Telegram token, storage, and config.
func New(token string, store storage.Registry, ledger storage.Ledger, cfg *config.Config, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	return &Bot{
		api:     api,
		store:   store,
		ledger:  ledger,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.SendRate), 1),
		log:     log,
	}, nil
}

// SetBackfiller sets the component that serves the backlog on /search.
func (b *Bot) SetBackfiller(bf Backfiller) {
	b.backfill = bf
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled and
// running backfills have returned.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.bg.Wait()
			return
		case update := <-updates:
			if update.CallbackQuery != nil {
				if !b.cfg.IsUserAllowed(update.CallbackQuery.From.ID) {
					continue
				}
				b.handleCallback(ctx, update.CallbackQuery)
				continue
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if !b.cfg.IsUserAllowed(update.Message.From.ID) {
				b.reply(update.Message.Chat.ID, "Access denied.")
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

// Deliver sends a listing notification to a subscriber. Sends are paced by the bot's rate limit.
func (b *Bot) Deliver(ctx context.Context, subscriberID int64, l model.Listing) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for send slot: %w", err)
	}

	msg := tgbotapi.NewMessage(subscriberID, FormatListing(l))
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("send listing %s: %w", l.ID, err)
	}
	return nil
}

// SendMessage sends a text message to the given chat.
func (b *Bot) SendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) reply(chatID int64, text string) {
	b.SendMessage(chatID, text)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(ctx, chatID)
	case "help":
		b.handleHelp(chatID)
	case "search":
		b.handleSearch(ctx, chatID)
	case "stop":
		b.handleStop(ctx, chatID)
	case "setprice":
		b.handleSetPrice(ctx, chatID, args)
	case "getfilters":
		b.handleGetFilters(ctx, chatID)
	case "resetfilters":
		b.handleResetFilters(ctx, chatID)
	case "setfromowner":
		b.handleSetFromOwner(ctx, chatID)
	case "usetotalprice":
		b.handleUseTotalPrice(ctx, chatID)
	case cmdListDistricts:
		b.handleListDistricts(ctx, chatID, args)
	case "adddistrict":
		b.handleAddDistrict(ctx, chatID, args)
	case "rmdistrict":
		b.handleRmDistrict(ctx, chatID, args)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}
