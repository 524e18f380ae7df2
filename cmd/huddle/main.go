package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avdeyev/huddle/internal/adapters/gateway"
	"github.com/avdeyev/huddle/internal/adapters/rtc"
	"github.com/avdeyev/huddle/internal/app"
	"github.com/avdeyev/huddle/internal/config"
	"github.com/avdeyev/huddle/internal/core"
	"github.com/avdeyev/huddle/internal/domain"
	"github.com/avdeyev/huddle/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	st, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect store")
	}
	defer closeStore()

	userID := domain.UserID(cfg.UserID)
	if userID == "" {
		userID = domain.UserID(fmt.Sprintf("anon-%d", os.Getpid()))
	}

	hub := gateway.NewEventsHub()
	opts := app.Options{
		MaxMembers:        cfg.MaxMembers,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectBackoff:  cfg.ReconnectBackoff,
		Debounce:          cfg.MemberDebounce,
		DirectoryTTL:      cfg.DirectoryTTL,
		LeaveCooldown:     cfg.LeaveCooldown,
	}

	// The peer manager and the client reference each other: peers send
	// envelopes through the client, the client's dispatcher feeds envelopes
	// back. Wire in dependency order, then close the loop.
	var client *app.Client
	peers := rtc.NewManager(rtc.DefaultWebRTCConfig(), func(ctx context.Context, to domain.MemberID, payload json.RawMessage) error {
		return client.SendSignal(ctx, to, payload)
	})
	client = app.NewClient(st, userID, hub, peers, hub, hub, opts)
	if err := client.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start room client")
	}
	defer client.Close(context.Background())

	ctl := gateway.NewController(client, hub)
	r := gateway.SetupRouter(cfg, ctl)
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("huddle gateway started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Exited gracefully")
}

func buildStore(ctx context.Context, cfg *config.Config) (core.Store, func(), error) {
	switch cfg.StoreBackend {
	case "redis":
		r, err := store.NewRedis(ctx, cfg.RedisAddr, cfg.HeartbeatTTL)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	default:
		return store.NewMemory(), func() {}, nil
	}
}
