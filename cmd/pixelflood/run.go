package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/pixelflood/internal/config"
	"github.com/danmuck/pixelflood/internal/fb"
	"github.com/danmuck/pixelflood/internal/logging"
	"github.com/danmuck/pixelflood/internal/server"
	"github.com/danmuck/pixelflood/internal/sinks"
	"github.com/danmuck/pixelflood/internal/stats"
	"github.com/danmuck/pixelflood/internal/text"
)

func run(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}
	logging.ConfigureRuntime()

	frame, err := newFramebuffer(cfg)
	if err != nil {
		return err
	}
	defer frame.Close()

	if err := text.Stamp(frame, cfg.Text, cfg.Font); err != nil {
		return err
	}

	save := stats.SaveConfig{}
	if !cfg.DisableStatisticsSaveFile {
		save = stats.SaveConfig{
			File:     cfg.StatisticsSaveFile,
			Interval: time.Duration(cfg.StatisticsSaveIntervalS) * time.Second,
		}
	}
	aggregator := stats.NewAggregator(save)
	exporter := stats.NewExporter(aggregator)

	srv, err := server.New(server.Config{
		ListenAddress:     cfg.ListenAddress,
		NetworkBufferSize: cfg.NetworkBufferSize,
		ConnectionsPerIP:  cfg.ConnectionsPerIP,
		Parser:            cfg.ParserOptions(),
	}, frame, aggregator)
	if err != nil {
		return err
	}

	sinkList := []sinks.Sink{sinks.NewWeb(cfg.PrometheusListenAddress, frame, aggregator)}
	if cfg.RTMPAddress != "" || cfg.VideoSaveFolder != "" {
		ffmpeg, err := sinks.NewFfmpeg(frame, aggregator, cfg.RTMPAddress, cfg.VideoSaveFolder, cfg.FPS)
		if err != nil {
			return err
		}
		sinkList = append(sinkList, ffmpeg)
	}

	var native sinks.Sink
	if cfg.NativeDisplay {
		native, err = sinks.NewNativeDisplay(frame, aggregator, cfg.FPS)
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 4+len(sinkList))
	spawn := func(name string, f func(context.Context) error) {
		go func() {
			if err := f(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errs <- fmt.Errorf("%s: %w", name, err)
				return
			}
			errs <- nil
		}()
	}

	spawn("statistics", aggregator.Run)
	spawn("exporter", exporter.Run)
	spawn("server", srv.ListenAndServe)
	for _, sink := range sinkList {
		spawn(sink.Name(), sink.Run)
	}

	log.Info().Int("width", cfg.Width).Int("height", cfg.Height).
		Str("listen", cfg.ListenAddress).Msg("pixelflood up")

	// Windowing systems want the main goroutine, so the native sink runs
	// here while everything else is already spawned.
	if native != nil {
		if err := native.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		stop()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		return nil
	case err := <-errs:
		if err != nil {
			return err
		}
		// A component exiting cleanly before shutdown still means the
		// process is done serving.
		return nil
	}
}

func newFramebuffer(cfg config.Config) (*fb.FrameBuffer, error) {
	if cfg.SharedMemoryName != "" {
		return fb.NewShared(cfg.Width, cfg.Height, cfg.SharedMemoryName)
	}
	return fb.New(cfg.Width, cfg.Height)
}
