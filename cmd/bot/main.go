package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"olx_bot/internal/bot"
	"olx_bot/internal/config"
	"olx_bot/internal/httpapi"
	"olx_bot/internal/olx"
	"olx_bot/internal/poller"
	"olx_bot/internal/storage"
	"olx_bot/internal/storage/redisledger"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("load .env", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath, storage.WithRetention(cfg.ListingRetention, cfg.DeliveryRetention))
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var ledger storage.Ledger = store
	if cfg.LedgerBackend == config.LedgerRedis {
		rl, err := redisledger.Open(ctx, cfg.RedisURL, cfg.DeliveryRetention)
		if err != nil {
			log.Error("open redis ledger", "error", err)
			os.Exit(1)
		}
		defer func() { _ = rl.Close() }()
		ledger = rl
	}

	b, err := bot.New(cfg.TelegramBotToken, store, ledger, cfg, log)
	if err != nil {
		log.Error("create bot", "error", err)
		os.Exit(1)
	}

	source := olx.New(&http.Client{}, olx.Options{
		BaseURL: cfg.OLX.BaseURL,
		Query: olx.Query{
			CategoryID:  cfg.OLX.CategoryID,
			RegionID:    cfg.OLX.RegionID,
			CityID:      cfg.OLX.CityID,
			DistrictIDs: cfg.OLX.DistrictIDs,
			MinPrice:    cfg.OLX.MinPrice,
			MaxPrice:    cfg.OLX.MaxPrice,
		},
		PageSize:    cfg.OLX.PageSize,
		MaxPages:    cfg.OLX.MaxPages,
		PageTimeout: cfg.OLX.PageTimeout,
		MaxAge:      cfg.OLX.MaxAge,
	}, log.With("component", "olx"))

	p := poller.New(source, store, ledger, store, b, poller.Options{
		PollInterval:    cfg.PollInterval,
		CleanupInterval: cfg.CleanupInterval,
		Workers:         cfg.FanoutWorkers,
	}, log.With("component", "poller"))
	b.SetBackfiller(p)

	log.Info("starting bot", "ledger", cfg.LedgerBackend, "poll_interval", cfg.PollInterval)

	go p.Run(ctx)

	if cfg.HTTPAddr != "" {
		ops := httpapi.New(p, store, log.With("component", "httpapi"))
		go func() {
			if err := ops.ListenAndServe(ctx, cfg.HTTPAddr); err != nil {
				log.Error("ops http server", "error", err)
			}
		}()
	}

	b.Run(ctx)

	log.Info("bot stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
