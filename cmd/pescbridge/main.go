package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"github.com/pescbridge/pescbridge/pkg/coordinator"
	"github.com/pescbridge/pescbridge/pkg/hass"
	"github.com/pescbridge/pescbridge/pkg/log"
	"github.com/pescbridge/pescbridge/pkg/meters"
	"github.com/pescbridge/pescbridge/pkg/metrics"
	"github.com/pescbridge/pescbridge/pkg/sensor"
	"github.com/pescbridge/pescbridge/pkg/server"
	"github.com/pescbridge/pescbridge/pkg/session"
	"github.com/pescbridge/pescbridge/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"tailscale.com/util/eventbus"
)

func main() {
	bus := eventbus.New()
	defer bus.Close()

	// init packages
	db := storage.Configured()
	sess := session.Configured(db)
	api := meters.New(nil)
	sess.OnClientChange(api.SetClient)

	coord := coordinator.Configured(api, sess, bus)
	readings := sensor.NewService(api, sess, db, coord.Refresh)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	publisher := hass.Configured(readings, bus)
	srv := server.Configured(coord, readings, db, sess, bus, reg)

	// parse flags
	lflag.Configure()

	// lflag automatically sets llog's level, but we need to set the slog level
	level, err := log.LevelFromLLog(llog.GetLevel())
	if err != nil {
		panic(err)
	}
	log.SetDefaultLogLevel(level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()

	collector, err := metrics.NewCollector(ctx, bus, reg)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to start metrics", slog.Any("error", err))
		os.Exit(1)
	}
	defer collector.Close()

	log.Ctx(ctx).InfoContext(ctx, "starting", slog.String("entryID", sess.EntryID()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(gctx)
	})
	g.Go(func() error {
		return publisher.Run(gctx)
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if err := g.Wait(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "bridge failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "bridge exited cleanly")
}
