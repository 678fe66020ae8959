package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/z-chat/backend/internal/app"
	"github.com/zhouzirui/z-chat/backend/internal/config"
	"github.com/zhouzirui/z-chat/backend/internal/handler"
	"github.com/zhouzirui/z-chat/backend/internal/handler/stream"
	"github.com/zhouzirui/z-chat/backend/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Init(cfg.Log.Level, cfg.Log.Format)
	if envErr != nil {
		log.Warn().Err(envErr).Msg("failed to load .env file, continuing with system environment variables only")
	}

	services, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize services")
	}
	defer func() {
		if err := services.Close(); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
	}()

	var counter stream.Counter
	if services.Knowledge != nil {
		counter = services.Knowledge
	} else {
		log.Info().Msg("knowledge embedder not configured, retrieval disabled")
	}

	router := handler.NewRouter(services.Modes, services.Orchestrator, counter)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runServer(gctx, cfg.Server, router)
	})
	if cfg.Inference.Model != "" {
		g.Go(func() error {
			log.Info().Str("backend", cfg.Inference.Backend).Str("model", cfg.Inference.Model).Msg("preparing model")
			if err := services.Orchestrator.Prepare(gctx, cfg.Inference.Model); err != nil {
				// the server stays up; clients can retry through /api/model
				log.Warn().Err(err).Str("model", cfg.Inference.Model).Msg("initial model preparation failed")
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
	}
}

func runServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) error {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info().Str("addr", serverCfg.Addr).Msg("Z Chat backend listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
