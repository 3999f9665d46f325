package main

import (
	"context"
	"encoding/json"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/mvera/fedgate/internal/accounting"
	"github.com/mvera/fedgate/internal/agent"
	"github.com/mvera/fedgate/internal/cache"
	"github.com/mvera/fedgate/internal/channels"
	"github.com/mvera/fedgate/internal/config"
	"github.com/mvera/fedgate/internal/directory"
	"github.com/mvera/fedgate/internal/metrics"
	"github.com/mvera/fedgate/internal/overlay"
	"github.com/mvera/fedgate/internal/registration"
	"github.com/mvera/fedgate/internal/resolution"
	"github.com/mvera/fedgate/internal/security"
	"github.com/mvera/fedgate/internal/transport"
	"github.com/mvera/fedgate/internal/transport/kafka"
	"github.com/mvera/fedgate/internal/transport/memory"
	"github.com/mvera/fedgate/pkg/common/logger"
	"github.com/mvera/fedgate/pkg/common/otel"
	"github.com/mvera/fedgate/pkg/common/timeutil"
)

const serviceType = "gateway"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string { return otel.GetTraceID(ctx) }

	svcName := fmt.Sprintf("GATEWAY-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"app":      serviceType,
	}
	log := logger.NewWithMetadata(os.Stdout, logger.LevelInfo, svcName, traceIDFn, logEvents, metadata)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, log, hostname); err != nil {
		log.Error(ctx, "Gateway terminated", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, hostname string) error {
	cfg, err := config.Load(os.Getenv("FEDGATE_CONFIG"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      serviceType,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		Probability:      cfg.Telemetry.Probability,
		InsecureExporter: cfg.Telemetry.Insecure,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"gateway.agid":     cfg.Gateway.ID,
		},
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer telemetryTeardown(context.Background())
	tracer := tp.Tracer(serviceType)

	mtr, err := metrics.New(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	clock := timeutil.Default()
	store := cache.NewMemory(cfg.Cache.Size, cfg.Cache.TTL)

	// Directory client and signer feed off each other: the client needs
	// the private key to mint tokens, the signer needs the client to
	// fetch public keys. The key is loaded first.
	signer, err := security.NewSigner(cfg.Gateway.KeystorePath, cfg.Gateway.ID, cfg.Gateway.Environment, nil, store, log)
	if err != nil {
		return fmt.Errorf("loading keystore: %w", err)
	}
	dir := directory.NewClient(directory.Config{
		Host:              cfg.Directory.Host,
		Timeout:           cfg.Directory.Timeout,
		TokenTTL:          cfg.Directory.TokenTTL,
		TokenRefresh:      cfg.Directory.TokenRefresh,
		RequestsPerSecond: cfg.Directory.RequestsPerSecond,
		Burst:             cfg.Directory.Burst,
	}, cfg.Gateway.ID, signer.PrivateKey(), clock, log)
	signer.SetKeySource(dir)

	if err := dir.Handshake(ctx); err != nil {
		return err
	}

	var tr transport.Transport
	var kafkaTransport *kafka.Transport
	switch cfg.Transport.Mode {
	case "memory":
		tr = memory.NewHub()
		log.Warn(ctx, "Using in-memory transport, overlay is single-process")
	default:
		kt, err := kafka.ConnectWithRetry(&kafka.Config{
			Brokers:     cfg.Transport.Brokers,
			TopicPrefix: cfg.Transport.TopicPrefix,
			ClientID:    fmt.Sprintf("fedgate-%s", hostname),
		}, log, mtr, tracer)
		if err != nil {
			return fmt.Errorf("connecting transport: %w", err)
		}
		tr, kafkaTransport = kt, kt
	}

	agentClient := agent.NewClient(agent.Config{
		Host:    cfg.Agent.Host,
		Timeout: cfg.Agent.Timeout,
	}, log)

	batcher := accounting.NewBatcher(accounting.Config{
		FlushInterval:  cfg.Records.FlushInterval,
		FlushThreshold: cfg.Records.FlushThreshold,
		BatchLimit:     cfg.Records.BatchLimit,
	}, dir, mtr, clock, log)
	batcher.Start(ctx)

	pool := overlay.NewPool(cfg.Gateway.ID, overlay.Config{
		RequestTimeout: cfg.Overlay.RequestTimeout,
		RosterRefresh:  cfg.Overlay.RosterRefresh,
	}, overlay.Deps{
		Transport: tr,
		Signer:    signer,
		Rosters:   dir,
		Recorder:  batcher,
		Metrics:   mtr,
		Tracer:    tracer,
	}, log)

	registry := channels.NewRegistry(pool, log)
	registry.LoadFromFile(ctx, cfg.Events.File)

	dispatcher := resolution.NewDispatcher(agentClient, registry, log)
	dispatcher.OnNotification = func(ctx context.Context) { pool.ReloadAllRosters(ctx) }
	pool.SetRouter(dispatcher)

	regCache := registration.NewCache(cfg.Gateway.ID, dir, cfg.Overlay.RosterRefresh, log)
	if err := regCache.Start(ctx); err != nil {
		return err
	}

	started := 0
	for _, oid := range regCache.Oids() {
		if err := pool.Start(ctx, oid); err != nil {
			log.Error(ctx, "Starting overlay client failed", "oid", oid, "error", err)
			continue
		}
		started++
	}
	log.Info(ctx, "Gateway up", "agid", cfg.Gateway.ID, "clients", started)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info(ctx, "Shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
	}

	// Shutdown order matters: persist channel state while clients are
	// still registered, then take clients down, then flush what the
	// teardown produced.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := registry.StoreToFile(shutdownCtx, cfg.Events.File); err != nil {
		log.Error(shutdownCtx, "Storing channel state failed", "error", err)
	}
	regCache.Stop()
	pool.StopAll(shutdownCtx)
	batcher.Stop(shutdownCtx)
	if kafkaTransport != nil {
		if err := kafkaTransport.Close(); err != nil {
			log.Error(shutdownCtx, "Closing transport failed", "error", err)
		}
	}

	log.Info(shutdownCtx, "Gateway stopped")
	return nil
}
