package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trailtalk/internal/config"
	"trailtalk/internal/identity"
	"trailtalk/internal/relay"
	"trailtalk/internal/storage"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context) error {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var store storage.Store
	if cfg.PostgresDSN != "" {
		store, err = storage.NewPostgresStore(cfg.PostgresDSN)
	} else {
		store, err = storage.NewBoltStore(cfg.DBFile)
	}
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	verifier := identity.NewCachedVerifier(ctx,
		identity.NewJWTVerifier([]byte(cfg.AuthSecret)), cfg.TokenCacheTTL)

	registry := relay.NewRegistry(relay.RegistryConfig{
		SweepInterval:   cfg.SweepInterval,
		LivenessTimeout: cfg.LivenessTimeout,
	}, logger)

	server := relay.NewServer(verifier, store, store, store, registry, logger)

	r := mux.NewRouter()
	r.HandleFunc("/ws", server.HandleConnections)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := registry.Run(gCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("relay listening")
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown error")
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger := zerolog.New(os.Stderr)
		logger.Fatal().Err(err).Msg("application error")
	}
}
