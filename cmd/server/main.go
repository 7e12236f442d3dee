// Command server runs the campus IoT control plane: broker ingestion, the
// command pipeline, the energy ledger, aggregation, reconciliation, the
// scheduler and the REST/WebSocket surface, in one process.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/campusiot/backend/internal/api"
	"github.com/campusiot/backend/internal/config"
	"github.com/campusiot/backend/internal/core"
	"github.com/campusiot/backend/internal/devsession"
	"github.com/campusiot/backend/internal/energy"
	"github.com/campusiot/backend/internal/events"
	"github.com/campusiot/backend/internal/identity"
	"github.com/campusiot/backend/internal/monitoring"
	"github.com/campusiot/backend/internal/pipeline"
	"github.com/campusiot/backend/internal/realtime"
	"github.com/campusiot/backend/internal/reconcile"
	"github.com/campusiot/backend/internal/registry"
	"github.com/campusiot/backend/internal/scheduler"
	"github.com/campusiot/backend/internal/store"
	"github.com/campusiot/backend/internal/telemetry"
	"github.com/campusiot/backend/internal/transport"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	mgr, err := config.NewManager(*configPath)
	if err != nil {
		slog.Error("config load failed", "path", *configPath, "error", err)
		os.Exit(1)
	}
	cfg := mgr.Current()
	loc := cfg.Location()

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Storage.
	var st store.Store
	if cfg.Database.DSN != "" {
		pg, err := store.OpenPostgres(rootCtx, cfg.Database.DSN)
		if err != nil {
			slog.Error("postgres open failed", "error", err)
			os.Exit(1)
		}
		st = pg
	} else {
		slog.Warn("no database DSN configured, using in-memory store")
		st = store.NewMemory()
	}
	defer st.Close()

	// Event bus, optionally bridged across instances over Redis.
	bus := events.NewBus()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		hostname, _ := os.Hostname()
		bridge := events.NewRedisBridge(bus, client, "", hostname)
		defer bridge.Close()
	}

	metrics := monitoring.NewMetrics()

	// Identity and registry.
	ident := identity.New(st, bus,
		cfg.CapabilityCacheTTL(),
		time.Duration(cfg.Auth.SessionTTLMinutes)*time.Minute,
		cfg.Auth.LoginPerMinute,
	)
	reg := registry.New(st)

	// Broker. Without a URL the in-process fake keeps development working.
	var broker transport.Broker
	if cfg.Broker.URL != "" {
		mq, err := transport.NewMQTT(transport.MQTTOptions{
			URL:           cfg.Broker.URL,
			ClientID:      cfg.Broker.ClientID,
			Username:      cfg.Broker.Username,
			Password:      cfg.Broker.Password,
			RetryBase:     time.Duration(cfg.Broker.RetryBaseMs) * time.Millisecond,
			RetryAttempts: cfg.Broker.RetryAttempts,
		})
		if err != nil {
			slog.Error("broker connect failed", "url", cfg.Broker.URL, "error", err)
			os.Exit(1)
		}
		broker = mq
	} else {
		slog.Warn("no broker URL configured, using in-process fake broker")
		broker = transport.NewFake()
	}
	defer broker.Close()

	// Device sessions.
	resolve := func(ctx context.Context, hwid string) (string, error) {
		d, err := reg.GetByHardwareID(ctx, hwid)
		if err != nil {
			return "", err
		}
		return d.ID, nil
	}
	sessions := devsession.NewManager(resolve, bus, st, devsession.Options{
		HeartbeatOffline: cfg.HeartbeatOffline(),
		Debounce:         cfg.Debounce(),
		GoodEventsToWell: cfg.Telemetry.GoodEventsToClear,
	})

	// Command pipeline. Hooks into the session manager's raw state stream,
	// so it is built before the manager binds to the broker.
	pipe := pipeline.New(reg, ident, broker, sessions, bus, st, pipeline.Options{
		AckTimeout:      cfg.AckTimeout(),
		Debounce:        cfg.Debounce(),
		BulkThreshold:   cfg.Pipeline.BulkThreshold,
		ConfirmationTTL: cfg.ConfirmationTTL(),
	})
	pipe.SetMetrics(metrics)

	// Energy: aggregation first, tariffs on top, then the ingestor feeding
	// both the ledger and the aggregator's continuous trigger.
	agg := energy.NewAggregator(st, reg, loc, cfg.FlushInterval())
	tariffs := energy.NewTariffService(st, agg)
	agg.SetTariffs(tariffs)
	if err := tariffs.EnsureDefault(rootCtx, cfg.Energy.DefaultCostPerKwhMinor); err != nil {
		slog.Error("default tariff seed failed", "error", err)
		os.Exit(1)
	}

	ingest := telemetry.NewIngestor(st, reg, tariffs, telemetry.Options{Gap: cfg.TelemetryGap()})
	ingest.OnLedger(agg.OnLedger)
	ingest.SetMetrics(metrics)
	defer ingest.Close()

	// Broker bindings after all listeners are registered.
	if err := sessions.Bind(broker); err != nil {
		slog.Error("session manager bind failed", "error", err)
		os.Exit(1)
	}
	if err := ingest.Bind(broker); err != nil {
		slog.Error("telemetry bind failed", "error", err)
		os.Exit(1)
	}

	// Background engines.
	go sessions.Run(rootCtx)
	go agg.Run(rootCtx)

	recon := reconcile.New(st, loc, reconcile.Options{
		CronSpec: cfg.Jobs.ReconciliationCron,
		Gap:      cfg.TelemetryGap(),
	})
	recon.SetMetrics(metrics)
	if err := recon.Start(); err != nil {
		slog.Error("reconciliation start failed", "error", err)
		os.Exit(1)
	}
	defer recon.Stop()

	sched := scheduler.New(st, pipe, ident, loc)
	if err := sched.Start(rootCtx); err != nil {
		slog.Error("scheduler start failed", "error", err)
		os.Exit(1)
	}
	defer sched.Stop()

	// Online-device gauge sampler.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				online := 0
				for _, s := range sessions.Snapshot() {
					if s.Status == core.SessionOnline || s.Status == core.SessionDegraded {
						online++
					}
				}
				metrics.DevicesOnline.Set(float64(online))
			}
		}
	}()

	// HTTP surface.
	hub := realtime.NewHub(ident, reg, bus)
	hub.SetMetrics(metrics)
	server := api.NewServer(api.Deps{
		Identity:   ident,
		Registry:   reg,
		Pipeline:   pipe,
		Sessions:   sessions,
		Aggregator: agg,
		Tariffs:    tariffs,
		Scheduler:  sched,
		Hub:        hub,
		Store:      st,
		Metrics:    metrics,
	})
	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// SIGHUP reloads config for components that re-read it; SIGINT/SIGTERM
	// drain and stop.
	stopWatch := make(chan struct{})
	go mgr.WatchSignals(stopWatch)
	defer close(stopWatch)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("control plane listening", "port", cfg.Server.Port, "timezone", cfg.Energy.Timezone)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	rootCancel()
}
