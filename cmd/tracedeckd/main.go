package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"tracedeck/config"
	"tracedeck/core/appbootstrap"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (env-only when omitted)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := appbootstrap.Compose(ctx, cfg)
	if err != nil {
		os.Stderr.WriteString("bootstrap: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer app.Close()
	logger := app.Logger

	scheduler := cron.New()
	if cfg.Scheduler.Enabled {
		if _, err := scheduler.AddFunc(cfg.Scheduler.EvaluateSpec, func() {
			app.Evaluator.RunOnce(ctx, time.Now().UTC())
		}); err != nil {
			logger.Fatal().Err(err).Str("spec", cfg.Scheduler.EvaluateSpec).Msg("invalid evaluate schedule")
		}
		if _, err := scheduler.AddFunc(cfg.Scheduler.PruneSpec, func() {
			if err := app.Sweeper.RunOnce(ctx, time.Now().UTC()); err != nil {
				logger.Error().Err(err).Msg("retention sweep failed")
			}
		}); err != nil {
			logger.Fatal().Err(err).Str("spec", cfg.Scheduler.PruneSpec).Msg("invalid prune schedule")
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           app.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown incomplete")
	}
}
