// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/camtuner/camtuner/internal/api"
	"github.com/camtuner/camtuner/internal/config"
	"github.com/camtuner/camtuner/internal/ffmpeg"
	"github.com/camtuner/camtuner/internal/log"
	"github.com/camtuner/camtuner/internal/mosaic"
	"github.com/camtuner/camtuner/internal/orchestrator"
	"github.com/camtuner/camtuner/internal/recorder"
	"github.com/camtuner/camtuner/internal/registry"
	"github.com/camtuner/camtuner/internal/resolver"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	recordDir := flag.String("recordings", "", "directory for recordings (default <config dir or cwd>/recordings)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	path := *configPath
	if path == "" {
		path = config.ParseString("CAMTUNER_CONFIG", "camtuner.yaml")
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Configure(log.Config{Level: "info", Service: "camtuner", Version: version})
		logger := log.WithComponent("daemon")
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", path).
			Msg("failed to load configuration")
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "camtuner", Version: version})
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := registry.New()
	for _, cc := range cfg.Channels {
		if _, err := reg.Add(cc.ToChannel()); err != nil {
			logger.Fatal().
				Err(err).
				Str("event", "config.channel_invalid").
				Str("channel", cc.Name).
				Msg("rejecting configured channel")
		}
	}

	loopback := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	comp := mosaic.New(reg, cfg.Server.Name, cfg.Stream.FFmpeg, loopback, 10*time.Second)
	specFn := func(ctx context.Context, ch registry.Channel) (orchestrator.ProcessSpec, func(), error) {
		if ch.IsMosaic() {
			return comp.BuildSpec(ctx, ch)
		}
		return orchestrator.ProcessSpec{
			Binary: cfg.Stream.FFmpeg,
			Args:   ffmpeg.StreamArgs(cfg.Server.Name, ch),
		}, nil, nil
	}

	runner := orchestrator.NewExecRunner(log.WithComponent("runner"))
	prober := orchestrator.NewFFprobeProber(cfg.Stream.FFprobe, cfg.Stream.ProbeTimeout.Std(), log.WithComponent("prober"))
	orch := orchestrator.New(orchestrator.Config{
		BackoffBase:   cfg.Stream.Backoff.Std(),
		BackoffMax:    cfg.Stream.MaxBackoff.Std(),
		MaxRestarts:   cfg.Stream.MaxRestarts,
		HealthyReset:  cfg.Stream.HealthyReset.Std(),
		WarmupTimeout: cfg.Stream.WarmupTimeout.Std(),
		IdleGrace:     cfg.Stream.IdleGrace.Std(),
		StopGrace:     cfg.Stream.StopGrace.Std(),
		ProbeRate:     rate.Every(2 * time.Second),
	}, runner, prober, specFn)
	comp.Bind(orch)

	recDir := *recordDir
	if recDir == "" {
		recDir = config.ParseString("CAMTUNER_RECORDINGS", "recordings")
	}
	rec, err := recorder.New(orch, recDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("cannot initialise recorder")
	}

	persist := func() error {
		out := cfg
		channels := reg.Snapshot()
		out.Channels = make([]config.ChannelConfig, 0, len(channels))
		for _, ch := range channels {
			out.Channels = append(out.Channels, config.FromChannel(ch))
		}
		return config.Save(path, out)
	}

	server := api.New(reg, orch, comp, resolver.New(nil), rec,
		api.Identity{
			FriendlyName: cfg.Server.Name,
			DeviceID:     cfg.Server.DeviceID,
			TunerCount:   cfg.Server.Tuners,
			BaseURL:      baseURL(cfg.Server),
		},
		api.EPGDefaults{Hours: cfg.EPG.Hours, SlotMinutes: cfg.EPG.SlotMinutes},
		persist)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().
		Str("event", "daemon.start").
		Str("addr", addr).
		Int("channels", reg.Len()).
		Str("version", version).
		Msg("tuner gateway listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown")
		}
		if err := rec.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("recorder shutdown")
		}
		if err := orch.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("orchestrator shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Str("event", "daemon.failed").Msg("fatal error")
	}
	logger.Info().Str("event", "daemon.stopped").Msg("shutdown complete")
}

// baseURL builds the advertised address when an explicit host is
// configured; otherwise handlers derive it from each request.
func baseURL(sc config.ServerConfig) string {
	if sc.Host == "" {
		return ""
	}
	return fmt.Sprintf("http://%s:%d", sc.Host, sc.Port)
}
