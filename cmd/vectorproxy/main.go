// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flyingrobots/vectorproxy/internal/backend"
	"github.com/flyingrobots/vectorproxy/internal/config"
	"github.com/flyingrobots/vectorproxy/internal/health"
	"github.com/flyingrobots/vectorproxy/internal/ledger"
	"github.com/flyingrobots/vectorproxy/internal/mapper"
	"github.com/flyingrobots/vectorproxy/internal/obs"
	"github.com/flyingrobots/vectorproxy/internal/proxyhttp"
	"github.com/flyingrobots/vectorproxy/internal/router"
	"github.com/flyingrobots/vectorproxy/internal/store"
	"github.com/flyingrobots/vectorproxy/internal/wal"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("fatal error", obs.Err(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	st, err := store.Open(cfg.Store.DatabaseURL, cfg.Store.MaxConns, cfg.Store.Timeout)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	backends := map[backend.Name]*backend.Backend{
		backend.Primary: backend.New(backend.Primary, cfg.Backends.PrimaryURL, cfg.Routing.RequestTimeout),
		backend.Replica: backend.New(backend.Replica, cfg.Backends.ReplicaURL, cfg.Routing.RequestTimeout),
	}

	prober := health.New(backends, logger, cfg.Health.CheckInterval, cfg.Health.FailureThreshold, cfg.Health.ProbeTimeout, cfg.Backends.LivenessPath)
	rt := router.New(prober, cfg.Routing.ReadReplicaRatio, cfg.Routing.ConsistencyWindow)
	mp := mapper.New(st, logger)
	lg := ledger.New(st, prober, logger, cfg.Ledger.MaxRetries, cfg.Ledger.RecoveryBatch, cfg.Ledger.RecoveryInterval)
	we := wal.New(st, backends, prober, logger, cfg.WAL.SyncInterval, cfg.WAL.RetryAttempts, cfg.WAL.DeletionConversion, cfg.WAL.BatchSize, cfg.WAL.HighVolumeBatchSize, cfg.WAL.MemoryThresholdPct, cfg.WAL.CPUThresholdPct, cfg.WAL.MaxConcurrentSync)

	srv := proxyhttp.New(rt, mp, lg, we, backends, prober, st, logger, cfg.Routing.RequestTimeout, version)
	srv.SetRecoveryTrigger(func(ctx context.Context) {
		lg.RunRecoveryOnce(ctx, srv.Replay)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	prober.ProbeOnce(ctx)

	sched := cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	mustAddEvery(sched, cfg.Health.CheckInterval, func() { prober.ProbeOnce(ctx) })
	mustAddEvery(sched, cfg.WAL.SyncInterval, func() { we.RunPassOnce(ctx) })
	mustAddEvery(sched, cfg.Ledger.RecoveryInterval, func() { lg.RunRecoveryOnce(ctx, srv.Replay) })
	sched.Start()
	defer sched.Stop()

	metricsSrv := obs.StartMetricsServer(cfg)
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

	httpSrv := &http.Server{Addr: cfg.Observability.ListenAddr, Handler: srv.Handler()}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("proxy listening", obs.String("addr", cfg.Observability.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		cancel()
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// mustAddEvery schedules fn on an "@every" cron spec derived from d. The
// three background workers (prober, WAL sync, ledger recovery) all run on
// fixed intervals read from config, so a cron-spec scheduler replaces each
// worker's own time.Ticker with one shared scheduler operators can
// introspect and, eventually, reconfigure with standard cron syntax.
func mustAddEvery(c *cron.Cron, d time.Duration, fn func()) {
	if d <= 0 {
		d = time.Second
	}
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", d), fn); err != nil {
		panic(fmt.Sprintf("invalid cron interval %s: %v", d, err))
	}
}
