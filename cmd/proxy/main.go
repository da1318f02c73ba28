// Command proxy is the A2A transport proxy's process entrypoint: load
// config, build the selected bus backend, bootstrap the Routing Engine's
// background receivers, and serve ingress HTTP until signalled to stop.
//
// Grounded on the teacher's cmd-package convention across asya-operator and
// asya-sidecar: flag parsing up front, a run(ctx, cfg) error split out of
// main so main itself is just flag+exit plumbing, and an explicit os.Exit
// code mapping onto spec.md §6's three-way exit contract.
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

	"github.com/asya/a2a-proxy/internal/bus"
	"github.com/asya/a2a-proxy/internal/bus/rabbitadapter"
	"github.com/asya/a2a-proxy/internal/bus/servicebusadapter"
	"github.com/asya/a2a-proxy/internal/bus/sqsadapter"
	"github.com/asya/a2a-proxy/internal/config"
	"github.com/asya/a2a-proxy/internal/directory"
	"github.com/asya/a2a-proxy/internal/metrics"
	"github.com/asya/a2a-proxy/internal/registry"
	"github.com/asya/a2a-proxy/internal/routing"
)

// Exit codes (spec.md §6): 0 normal shutdown, 1 fatal start-up (invalid
// config, bus unreachable, directory invalid, or any topology failure that
// isn't a bare permission refusal), 2 topology creation refused for lack of
// permission, coordinator role only.
const (
	exitOK       = 0
	exitBoot     = 1
	exitTopology = 2
)

// shutdownGrace bounds how long in-flight ingress requests get to finish
// after SIGTERM/SIGINT before the process exits anyway.
const shutdownGrace = 20 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the proxy's YAML configuration file")
	flag.Parse()

	log := slog.Default()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(exitBoot)
	}
	log = log.With("proxy_id", cfg.ProxyID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapter, err := newAdapter(ctx, cfg)
	if err != nil {
		log.Error("failed to build bus adapter", "driver", cfg.BusDriver, "error", err)
		os.Exit(exitBoot)
	}
	defer func() { _ = adapter.Close() }()

	dir, err := directory.New(cfg.ProxyID, cfg.Directory)
	if err != nil {
		log.Error("failed to build agent directory", "error", err)
		os.Exit(exitBoot)
	}

	reports, err := adapter.EnsureTopology(ctx, dir.Groups())
	if err != nil {
		log.Error("failed to ensure bus topology", "error", err)
		os.Exit(exitBoot)
	}
	logTopologyReport(log, reports)
	if code, fatal := topologyExitCode(reports, cfg.Coordinator); fatal {
		os.Exit(code)
	}

	if err := run(ctx, log, cfg, adapter, dir); err != nil {
		log.Error("proxy exited with error", "error", err)
		os.Exit(exitBoot)
	}
	os.Exit(exitOK)
}

// topologyExitCode maps EnsureTopology's per-group reports onto spec.md
// §6's exit-code contract: a permission refusal while acting as coordinator
// is exit 2, reported explicitly as "topology creation refused"; any other
// topology failure (bad connection, malformed property, unreachable
// broker) is a generic fatal start-up error, exit 1, the same as every
// other bootstrap failure above. A follower role never creates topology,
// so any of its topology failures are always generic, never a "refusal".
func topologyExitCode(reports []bus.Topology, coordinator bool) (code int, fatal bool) {
	sawFailure := false
	for _, r := range reports {
		if r.Status != bus.Failed {
			continue
		}
		sawFailure = true
		if coordinator && errors.Is(r.Err, bus.ErrPermissionDenied) {
			return exitTopology, true
		}
	}
	if sawFailure {
		return exitBoot, true
	}
	return exitOK, false
}

// run owns the serving lifecycle only; every step that can fail before a
// listener opens (config, bus adapter, directory, topology) already ran in
// main. main ends every path with os.Exit, which skips its deferred
// adapter.Close and stop calls.
func run(ctx context.Context, log *slog.Logger, cfg *config.Config, adapter bus.Adapter, dir *directory.Directory) error {
	reg := registry.New()
	m := metrics.NewMetrics(cfg.ProxyID, reg.Len)
	engine := routing.NewEngine(cfg.ProxyID, baseURL(cfg), dir, reg, adapter, cfg.Timeouts,
		routing.WithLogger(log),
		routing.WithRecorder(m),
	)
	engine.StartReceivers(ctx)

	ingressMux := http.NewServeMux()
	ingressMux.Handle("/", engine.Mux())
	ingressMux.HandleFunc("/healthz", healthzHandler)

	ingressServer := &http.Server{Addr: cfg.ListenAddr, Handler: ingressMux}
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: m.Handler()}

	errCh := make(chan error, 2)
	go func() {
		log.Info("ingress listening", "addr", cfg.ListenAddr)
		if err := ingressServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("ingress server: %w", err)
		}
	}()
	go func() {
		log.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, draining in-flight requests", "grace", shutdownGrace)
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = ingressServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	log.Info("shutdown complete")
	return nil
}

func newAdapter(ctx context.Context, cfg *config.Config) (bus.Adapter, error) {
	switch cfg.BusDriver {
	case config.DriverServiceBus:
		dupWindow, err := config.ParseDuration(cfg.ServiceBus.DuplicateDetectionWindow, 0)
		if err != nil {
			return nil, err
		}
		ttl, err := config.ParseDuration(cfg.ServiceBus.MessageTTL, 0)
		if err != nil {
			return nil, err
		}
		return servicebusadapter.New(servicebusadapter.Config{
			ConnectionString:         cfg.ServiceBus.ConnectionString,
			DuplicateDetectionWindow: dupWindow,
			MessageTTL:               ttl,
			MaxDeliveryCount:         cfg.ServiceBus.MaxDeliveryCount,
		})
	case config.DriverSQS:
		return sqsadapter.New(ctx, sqsadapter.Config{
			Region:            cfg.SQS.Region,
			Endpoint:          cfg.SQS.Endpoint,
			Namespace:         cfg.SQS.Namespace,
			VisibilityTimeout: cfg.SQS.VisibilityTimeout,
			WaitTimeSeconds:   cfg.SQS.WaitTimeSeconds,
		})
	case config.DriverRabbitMQ:
		return rabbitadapter.New(rabbitadapter.Config{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
		})
	default:
		return nil, fmt.Errorf("unsupported bus_driver %q", cfg.BusDriver)
	}
}

func baseURL(cfg *config.Config) string {
	if cfg.Coordinator {
		return fmt.Sprintf("https://%s", cfg.ProxyID)
	}
	return fmt.Sprintf("http://%s", cfg.ListenAddr)
}

// logTopologyReport prints the startup summary spec.md's ensure_topology
// implies but a bare pass/fail return value can't convey on its own.
func logTopologyReport(log *slog.Logger, reports []bus.Topology) {
	for _, r := range reports {
		if r.Err != nil {
			log.Warn("topology check failed", "group", r.Group, "status", r.Status.String(), "error", r.Err)
			continue
		}
		log.Info("topology verified", "group", r.Group, "status", r.Status.String())
	}
}

// healthzHandler always reports ready: by the time the ingress mux is
// registered, EnsureTopology and directory load (main's bootstrap steps)
// have already either succeeded or exited the process with exitBoot.
func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
