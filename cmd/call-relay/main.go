package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/carenet/call-relay/internal/config"
	"github.com/carenet/call-relay/internal/httpserver"
	"github.com/carenet/call-relay/internal/metrics"
	"github.com/carenet/call-relay/internal/presence"
	"github.com/carenet/call-relay/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("call-relay exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting call-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"store_driver", cfg.StoreDriver,
		"redis_enabled", cfg.RedisEnabled(),
		"ice_servers", len(cfg.ICEServers),
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
	)
	logStartupWarnings(logger, cfg)

	m := metrics.New()

	be, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.Close()

	registry := presence.NewRegistry(presence.Config{
		Directory:    be.Store,
		Mirror:       be.Mirror,
		StoreTimeout: cfg.StoreTimeout,
		Logger:       logger,
		Metrics:      m,
	})

	sig := signaling.NewServer(signaling.Config{
		Presence:             registry,
		Directory:            be.Store,
		CallStore:            be.Store,
		ICEServers:           cfg.ICEServers,
		AllowedOrigins:       cfg.AllowedOrigins,
		StoreTimeout:         cfg.StoreTimeout,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		Logger:               logger,
		Metrics:              m,
	})

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.Options{
		Build:   httpserver.BuildInfo{Commit: commit, BuildTime: built},
		Metrics: m,
		Checks:  be.Checks(),
		Routes:  []httpserver.Routes{sig},
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// Stop accepting first, then close the upgraded connections that
		// http.Server.Shutdown does not track.
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server shutdown failed", "err", err)
		}
		if err := sig.Shutdown(shutdownCtx); err != nil {
			logger.Error("signaling shutdown failed", "err", err)
		}
		return nil
	})

	return g.Wait()
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
