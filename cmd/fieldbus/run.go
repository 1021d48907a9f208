package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/fieldbus/pkg/apps/mqtt"
	"github.com/cuemby/fieldbus/pkg/bus"
	"github.com/cuemby/fieldbus/pkg/drivers/modbus"
	"github.com/cuemby/fieldbus/pkg/log"
	"github.com/cuemby/fieldbus/pkg/manager"
	"github.com/cuemby/fieldbus/pkg/metrics"
	"github.com/cuemby/fieldbus/pkg/plugin"
	"github.com/cuemby/fieldbus/pkg/storage"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the gateway daemon",
	Long: `Start the gateway daemon: load persisted nodes, groups, and
subscriptions from --data-dir, bring every driver and app online, and
serve Prometheus metrics and health endpoints until interrupted.`,
	RunE: runGateway,
}

func init() {
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the metrics/health HTTP server")
	runCmd.Flags().Duration("metrics-interval", 10*time.Second, "Interval for the node-count metrics collector")
}

// newRegistry builds the static plugin catalogue every gateway process
// starts with: the bundled Modbus driver and MQTT app. A deployment
// needing more plugins registers them here too, matching the
// original's compiled-in module table now that the dynamic .so loader
// is gone.
func newRegistry() (*plugin.Registry, error) {
	r := plugin.NewRegistry()
	if err := modbus.Register(r); err != nil {
		return nil, fmt.Errorf("register modbus: %w", err)
	}
	if err := mqtt.Register(r); err != nil {
		return nil, fmt.Errorf("register mqtt: %w", err)
	}
	return r, nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	metricsInterval, _ := cmd.Flags().GetDuration("metrics-interval")

	logger := log.WithComponent("main")

	registry, err := newRegistry()
	if err != nil {
		return err
	}

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	b := bus.New()
	metricsReg := metrics.NewRegistry()
	mgr := manager.New(registry, b, metricsReg)
	defer mgr.Close()

	if err := storage.Replay(store, mgr); err != nil {
		return fmt.Errorf("replay persisted state: %w", err)
	}
	logger.Info().Msg("replayed persisted nodes, groups, and subscriptions")

	if err := mgr.StartAll(); err != nil {
		return fmt.Errorf("start replayed nodes: %w", err)
	}
	logger.Info().Msg("started replayed drivers and apps")

	collector := manager.NewMetricsCollector(mgr, metricsInterval)
	collector.Start()
	defer collector.Stop()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("bus", true, "running")
	metrics.RegisterComponent("manager", true, "running")

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	server := &http.Server{Addr: metricsAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server error: %w", err)
		}
	}()
	logger.Info().Str("addr", metricsAddr).Msg("metrics and health endpoints listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("metrics server failed")
	}

	_ = server.Close()
	logger.Info().Msg("shutdown complete")
	return nil
}
