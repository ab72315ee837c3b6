// Command agentd is the backup daemon's entrypoint: it loads
// configuration, wires the device registry, tracer, ledger, and API
// layer, serves the admin/metrics HTTP surfaces, and shuts down
// gracefully on SIGINT/SIGTERM, following the shape of the indexer's
// cmd/indexer/main.go.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/anash28/linux-agent/internal/adminhttp"
	"github.com/anash28/linux-agent/internal/api"
	"github.com/anash28/linux-agent/internal/blockdev"
	"github.com/anash28/linux-agent/internal/bootstrap"
	"github.com/anash28/linux-agent/internal/devreg"
	"github.com/anash28/linux-agent/internal/fsinfo"
	"github.com/anash28/linux-agent/internal/ledger"
	"github.com/anash28/linux-agent/internal/tracebus"
	"github.com/anash28/linux-agent/pkg/config"
)

const serviceName = "linux-agentd"

func main() {
	configPath := flag.String("config", "agentd.toml", "path to the daemon's TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err) // logger does not exist yet; nowhere sensible to report this
	}

	logger := bootstrap.NewLogger(cfg.Logging)
	logger.Info().Str("service", serviceName).Msg("starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracer, err := tracebus.Dial(ctx, cfg.Tracebus.NATSURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to tracebus")
	}
	defer tracer.Close()

	led, err := ledger.Open(cfg.Ledger.BoltPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open local ledger")
	}
	defer led.Close()

	registry := devreg.New(tracer, led)

	fsRegistry := fsinfo.NewRegistry()
	factory := newDeviceFactory(fsRegistry, cfg.Devices.Mountpoints)

	reporter := ledger.Reporter(led)
	if cfg.Ledger.ReportToFleet {
		pgPool, err := pgxpool.New(ctx, cfg.Ledger.PostgresDSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to fleet postgres")
		}
		defer pgPool.Close()
		reporter = ledger.Fanout(led, ledger.NewPostgresReporter(pgPool))
	}

	a := api.New(registry, factory, reporter, logger)

	adminServer := adminhttp.New(a, logger)
	adminHTTP := &http.Server{
		Addr:              cfg.AdminHTTP.Address,
		Handler:           adminServer,
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsHTTP := &http.Server{
		Addr:              cfg.Metrics.Address,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var bg errgroup.Group
	bg.Go(func() error {
		logger.Info().Str("address", cfg.AdminHTTP.Address).Msg("starting admin http server")
		if err := adminHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	bg.Go(func() error {
		logger.Info().Str("address", cfg.Metrics.Address).Msg("starting metrics server")
		if err := metricsHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := adminHTTP.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("admin http shutdown error")
	}
	if err := metricsHTTP.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}

	if err := bg.Wait(); err != nil {
		logger.Error().Err(err).Msg("background server exited with error")
	}

	logger.Info().Msg("shutdown complete")
}

// deviceFactory resolves submit_backup's Vector tuples into concrete
// blockdev.Device handles: a physical local device for the source,
// wrapped for in-use-sector awareness, and a RemoteDevice for the
// destination. A source device with a configured mountpoint is opened as
// a FreezablePhysicalDevice, so the synchronizer's final phase can
// actually quiesce the filesystem around its last read; one with none
// configured falls back to a plain PhysicalDevice with no freeze support.
type deviceFactory struct {
	fsRegistry  *fsinfo.Registry
	mountpoints map[string]string
}

func newDeviceFactory(fsRegistry *fsinfo.Registry, mountpoints map[string]string) *deviceFactory {
	return &deviceFactory{fsRegistry: fsRegistry, mountpoints: mountpoints}
}

func (f *deviceFactory) OpenSource(id blockdev.DeviceID) (blockdev.Device, error) {
	path := "/dev/block/" + id.String()

	var dev blockdev.Device
	if mountpoint, ok := f.mountpoints[id.String()]; ok {
		dev = blockdev.NewFreezablePhysicalDevice(id, path, mountpoint)
	} else {
		dev = blockdev.NewPhysicalDevice(id, path)
	}

	return fsinfo.NewAwareDevice(dev, f.fsRegistry, detectFSType(id)), nil
}

func (f *deviceFactory) OpenDestination(id blockdev.DeviceID, host string, port uint16) (blockdev.Device, error) {
	addr := host + ":" + strconv.Itoa(int(port))
	return blockdev.NewRemoteDevice(id, addr), nil
}

// detectFSType is a placeholder for a /proc/mounts lookup keyed by major:
// minor; no filesystem type detection ships today (see internal/fsinfo),
// so every source falls back to fsinfo.WholeDeviceProvider until a
// specific provider is registered and this is wired to the real lookup.
func detectFSType(blockdev.DeviceID) string {
	return ""
}
