package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callbridge/internal/callmgr"
	"callbridge/internal/callstore"
	"callbridge/internal/config"
	"callbridge/internal/httpapi"
	"callbridge/internal/telephony"
	"callbridge/pkg/logger"
	"callbridge/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown.
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	store, err := buildStore(rootCtx, cfg)
	if err != nil {
		log.Error("store init failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	opts := callmgr.Options{
		Enabled:               cfg.Calls.Enabled,
		FromNumber:            cfg.Calls.FromNumber,
		MaxCallDuration:       cfg.Calls.MaxDuration,
		TranscriptWaitTimeout: cfg.Calls.TranscriptTimeout,
		RingTimeout:           cfg.Calls.RingTimeout,
	}

	if cfg.Redis.Addr != "" {
		rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.Redis.Addr})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		opts.SharedDedup = callstore.NewRedisDedup(rdb, "", 0)
	}

	hub := httpapi.NewStreamHub()
	opts.Notifier = hub

	var provider telephony.Provider
	if cfg.Calls.Enabled {
		provider, err = buildProvider(cfg)
		if err != nil {
			log.Error("provider init failed", "err", err)
			os.Exit(1)
		}
	}

	mgr := callmgr.NewManager(provider, store, opts)
	if err := mgr.Initialize(logger.With(rootCtx, log)); err != nil {
		log.Error("call manager init failed", "err", err)
		os.Exit(1)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		Manager:      mgr,
		Provider:     provider,
		Hub:          hub,
		CallsEnabled: cfg.Calls.Enabled,
		ProviderName: cfg.Calls.Provider,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "provider", cfg.Calls.Provider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}

func buildStore(ctx context.Context, cfg config.Config) (callstore.Store, error) {
	switch cfg.Calls.StoreBackend {
	case "postgres":
		db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			return nil, err
		}
		return callstore.NewPostgresStore(db), nil
	default:
		return callstore.NewFileStore(cfg.Calls.StoreDir), nil
	}
}

func buildProvider(cfg config.Config) (telephony.Provider, error) {
	key, err := os.ReadFile(cfg.Vonage.PrivateKeyPath)
	if err != nil {
		return nil, err
	}
	return telephony.NewVonageProvider(telephony.VonageConfig{
		ApplicationID:   cfg.Vonage.ApplicationID,
		PrivateKey:      key,
		SignatureSecret: cfg.Vonage.SignatureSecret,
		APIBaseURL:      cfg.Vonage.APIBaseURL,
		AnswerURL:       cfg.AnswerWebhookURL(),
		EventURL:        cfg.EventWebhookURL(),
	})
}
