package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"geotrack/internal/auth"
	"geotrack/internal/config"
	"geotrack/internal/events"
	"geotrack/internal/pipeline"
	"geotrack/internal/protocol"
	"geotrack/internal/server"
	"geotrack/internal/store"
	transporthttp "geotrack/internal/transport/http"
)

func main() {
	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().
		Timestamp().Str("service", "geotrackd").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := store.NewPostgresStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connect failed")
	}
	defer pg.Close()

	rdb, err := store.NewRedisStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connect failed")
	}
	defer rdb.Close()

	// Live consumers get positions and alerts over Redis pub/sub; NATS is an
	// optional second bus for cross-service integrations.
	var bus events.Publisher = events.Multi{rdb}
	if cfg.NATSURL != "" {
		np, err := events.NewNATSPublisher(cfg.NATSURL)
		if err != nil {
			log.Fatal().Err(err).Msg("nats connect failed")
		}
		defer np.Close()
		bus = events.Multi{rdb, np}
		log.Info().Str("url", cfg.NATSURL).Msg("nats publishing enabled")
	}

	geofences := pipeline.NewCachedGeofences(log, pg, 30*time.Second)
	evaluator := pipeline.NewEvaluator(log, geofences, rdb, pg, bus)
	fanout := pipeline.NewFanout(log, bus, evaluator, cfg.FanoutChannelSize, cfg.FanoutWorkers)
	ingestor := pipeline.NewIngestor(log, pg, rdb, bus, evaluator, fanout, cfg.AutoRegisterDevices)

	tcpSrv := server.New(log, ":"+cfg.TCPPort, cfg.IdleTimeout, protocol.NewRegistry(), ingestor)

	authn := auth.NewAuthenticator(cfg.ValidAPIKeys, rdb,
		time.Duration(cfg.AuthCacheTTLSeconds)*time.Second)
	api := transporthttp.NewAPI(log, ingestor, pg, pg, rdb)
	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.Router(transporthttp.RequireAPIKey(authn)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return fanout.Run(ctx)
	})

	g.Go(func() error {
		return tcpSrv.Run(ctx)
	})

	g.Go(func() error {
		log.Info().Str("addr", httpSrv.Addr).Msg("http api listening")
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("service terminated")
	}
	log.Info().Msg("shutdown complete")
}
