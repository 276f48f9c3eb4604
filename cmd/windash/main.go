package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"windash/internal/adapters/gorm"
	natspub "windash/internal/adapters/nats"
	"windash/internal/config"
	"windash/internal/core/device"
	"windash/internal/core/hub"
	"windash/internal/core/metrics"
	"windash/internal/core/pairing"
	api "windash/internal/delivery/http"
	"windash/internal/delivery/ws"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().
		Str("svc", "windash").Logger()

	cfg := config.MustLoad()
	log.Info().Str("listen", cfg.ListenAddr).Int("retention_days", cfg.RetentionDays).Msg("boot")

	// Store unreachable at startup is fatal; running without it would be
	// a silent degraded mode.
	db, err := gorm.New(cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("database connect")
	}

	reg := device.NewRegistry(db, log)
	ps := pairing.NewService(db, log)
	pipe := metrics.NewPipeline(db, log)
	connections := hub.New(log)

	// A restart lost every live socket; durable online flags are stale.
	if n, err := reg.MarkAllOffline(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("reconcile online status")
	} else if n > 0 {
		log.Info().Int64("devices", n).Msg("reset stale online status")
	}

	var pub ws.Publisher
	if cfg.NATSURL != "" {
		p, err := natspub.New(cfg.NATSURL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("nats connect")
		}
		defer p.Close()
		pub = p
	}

	agent := ws.NewHandler(connections, reg, pipe, pub, cfg.RequestTimeout, log)
	handler := api.New(ps, reg, pipe, agent, cfg.RequestTimeout, log)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler}

	// Daily retention sweep.
	sweeper := cron.New()
	_, err = sweeper.AddFunc("@midnight", func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
		defer cancel()
		if _, err := pipe.PruneOlderThan(ctx, cfg.RetentionDays); err != nil {
			log.Error().Err(err).Msg("retention sweep")
		}
	})
	if err != nil {
		log.Fatal().Err(err).Msg("schedule retention sweep")
	}
	sweeper.Start()
	defer sweeper.Stop()

	// graceful-shutdown
	ctx, stop := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("listen", cfg.ListenAddr).Msg("HTTP up")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http")
		}
	}()

	<-ctx.Done()
	_ = srv.Shutdown(context.Background())
	log.Info().Msg("bye")
}
