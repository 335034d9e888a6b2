// Command voxswitch runs the realtime voice-AI switching gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxswitch/voxswitch/internal/account"
	"github.com/voxswitch/voxswitch/internal/config"
	"github.com/voxswitch/voxswitch/internal/gateway"
	"github.com/voxswitch/voxswitch/internal/observe"
	"github.com/voxswitch/voxswitch/internal/persist"
)

// shutdownTimeout bounds graceful teardown after the stop signal.
const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxswitch: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxswitch: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)
	slog.Info("voxswitch starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"persistence", cfg.Persistence.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry providers: Prometheus-backed metrics plus tracing.
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voxswitch",
	})
	if err != nil {
		slog.Error("initialising telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// Shared persistence: only the postgres backend is a process-wide
	// singleton. The file backend opens one store per session instead.
	var shared persist.Store
	if cfg.Persistence.Backend == config.BackendPostgres {
		pg, err := persist.NewPGStore(ctx, cfg.Persistence.PostgresDSN)
		if err != nil {
			slog.Error("connecting to postgres", "err", err)
			return 1
		}
		defer pg.Cleanup()
		shared = pg
	}

	accounts := account.New(cfg.Accounts.Keys, shared, logger)

	gw := gateway.New(gateway.Deps{
		Config:   cfg,
		Accounts: accounts,
		Shared:   shared,
		Metrics:  observe.DefaultMetrics(),
		Log:      logger,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			slog.Info("listening with TLS", "addr", cfg.Server.ListenAddr)
			err = httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			slog.Info("listening", "addr", cfg.Server.ListenAddr)
			err = httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Sessions first, so their final transcript flushes land before the
		// shared store goes away.
		if err := gw.Shutdown(sctx); err != nil {
			slog.Warn("session shutdown error", "err", err)
		}
		return httpSrv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
