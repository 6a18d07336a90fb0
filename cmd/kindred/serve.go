package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/kindredhq/kindred/internal/heartbeat"
	"github.com/kindredhq/kindred/internal/observability"
	"github.com/kindredhq/kindred/internal/realtime"
	"github.com/kindredhq/kindred/internal/server"
	"github.com/kindredhq/kindred/internal/sessions"
	"github.com/kindredhq/kindred/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the connectivity daemon",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := openStores()
	if err != nil {
		return err
	}
	defer stores.Close()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	hb := heartbeat.NewSupervisor(
		storeProber{sessions: stores.Sessions},
		heartbeat.Config{
			Interval:             cfg.Heartbeat.Interval(),
			MaxReconnectAttempts: cfg.Heartbeat.MaxReconnectAttempts,
		},
		heartbeat.WithLogger(logger),
	)
	hb.Start(ctx)
	defer hb.Stop()
	go mirrorBackendGauge(ctx, hb, metrics)

	monitor := sessions.NewMonitor(stores.Sessions,
		sessions.MonitorConfig{
			StaleAfter:    cfg.Session.StaleAfter(),
			InactiveAfter: cfg.Session.InactiveAfter(),
		},
		sessions.WithMonitorLogger(logger),
		sessions.WithMonitorMetrics(metrics),
	)
	if err := monitor.SchedulePeriodicSweep(cfg.Session.SweepSchedule); err != nil {
		return err
	}
	defer monitor.StopScheduler()

	var registry *realtime.Registry
	if cfg.Realtime.GatewayURL != "" {
		client, err := realtime.DialWS(ctx, cfg.Realtime.GatewayURL,
			realtime.WithWSLogger(logger))
		if err != nil {
			return fmt.Errorf("connect realtime gateway: %w", err)
		}
		registry = realtime.NewRegistry(client,
			realtime.WithRegistryLogger(logger),
			realtime.WithRegistryMetrics(metrics),
		)
		defer func() {
			_ = registry.Close()
			_ = client.Close()
		}()
	} else {
		logger.Warn("no realtime gateway configured, push channels disabled")
	}

	srv := server.New(cfg.Server.Addr, server.StatusSources{
		Heartbeat: hb,
		Registry:  registry,
	}, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info("kindred started", "version", version, "storage", cfg.Storage.Driver)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// storeProber treats any answer from the session store as liveness, including
// a clean not-found.
type storeProber struct {
	sessions storage.SessionStore
}

func (p storeProber) Probe(ctx context.Context) error {
	_, err := p.sessions.Get(ctx, "heartbeat-probe")
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// mirrorBackendGauge reflects the heartbeat view of backend liveness into the
// kindred_backend_connected gauge.
func mirrorBackendGauge(ctx context.Context, hb *heartbeat.Supervisor, metrics *observability.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if hb.Snapshot().IsBackendConnected {
				metrics.BackendConnected.Set(1)
			} else {
				metrics.BackendConnected.Set(0)
			}
		}
	}
}
