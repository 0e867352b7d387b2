package main

import (
	"log/slog"
	"os"

	"kirobridge/internal/account"
	"kirobridge/internal/config"
	"kirobridge/internal/dispatch"
	"kirobridge/internal/events"
	"kirobridge/internal/pool"
	"kirobridge/internal/server"
	"kirobridge/internal/store"
	"kirobridge/internal/transport"
	"kirobridge/internal/translate"
	"kirobridge/internal/upstream"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(level, cfg.LogRingSize)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("kirobridge starting", "version", version)

	s, err := store.New(cfg.DBPath)
	if err != nil {
		slog.Error("database init failed", "error", err)
		os.Exit(1)
	}
	defer s.Close()
	slog.Info("database ready", "path", cfg.DBPath)

	crypto := account.NewCrypto(cfg.EncryptionKey)

	tm := transport.NewManager(cfg)
	defer tm.Close()

	bus := events.NewBus(200)

	refresher := account.NewTokenRefresher(account.RefreshEndpoints{
		SocialTokenURL: cfg.SocialTokenURL,
		IdCTokenURL:    cfg.IdCTokenURL,
	}, tm)

	accountPool := pool.New(cfg, crypto, refresher, bus)

	upstreamClient := upstream.NewClient(cfg, tm)
	accountPool.SetQuotaFetcher(upstreamClient)

	switch cfg.PoolMode {
	case config.PoolModeSingle:
		if err := accountPool.Bootstrap(account.Data{
			ID:           "default",
			AuthMethod:   account.AuthMethod(cfg.AuthMethod),
			RefreshToken: cfg.RefreshToken,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Region:       cfg.KiroRegion,
			State:        account.StateActive,
		}); err != nil {
			slog.Error("single-account bootstrap failed", "error", err)
			os.Exit(1)
		}
		slog.Info("pool running in single-account mode")
	default:
		if err := accountPool.Load(); err != nil {
			slog.Error("account pool load failed", "error", err)
			os.Exit(1)
		}
		slog.Info("account pool loaded", "accounts", len(accountPool.List()), "strategy", accountPool.Strategy())
	}

	tokenizer := translate.NewTokenizer(cfg.TokenizerCharsPerToken)
	dispatcher := dispatch.New(cfg, accountPool, upstreamClient, tokenizer, s)

	srv := server.New(cfg, accountPool, dispatcher, s, bus, logHandler, tm)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
