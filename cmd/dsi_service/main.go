// Command dsi_service is the privileged daemon: it owns the backing-image
// catalog, the install-session state machine, and the boot-status files,
// and serves the RPC surface over a Unix domain socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dsiproject/dsi/auditlog"
	"github.com/dsiproject/dsi/bootstatus"
	"github.com/dsiproject/dsi/config"
	"github.com/dsiproject/dsi/devicemapper"
	"github.com/dsiproject/dsi/guard"
	"github.com/dsiproject/dsi/healthcheck"
	"github.com/dsiproject/dsi/imagestore"
	"github.com/dsiproject/dsi/metrics"
	"github.com/dsiproject/dsi/rpc"
	"github.com/dsiproject/dsi/service"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

var log = logrus.New()

func main() {
	cfg := config.Default()

	fs := flag.NewFlagSet("dsi_service", flag.ExitOnError)
	fs.StringVar(&cfg.MetadataDir, "metadata-dir", cfg.MetadataDir, "directory holding boot-status marker files")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory holding backing image files")
	fs.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "RPC Unix domain socket path")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	metricsAddr := fs.String("metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	systemUID := fs.Uint("system-uid", 0, "uid treated as the system caller tier")
	fs.Parse(os.Args[1:])

	if err := setupLogger(*logLevel); err != nil {
		log.WithError(err).Fatal("invalid log level")
	}

	if err := run(cfg, *metricsAddr, uint32(*systemUID)); err != nil {
		log.WithError(err).Fatal("dsi_service exited with an error")
	}
}

func setupLogger(level string) error {
	log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(lvl)
	return nil
}

func run(cfg config.Config, metricsAddr string, systemUID uint32) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.MetadataDir, 0700); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	dm := devicemapper.NewDMClient()
	dm.SetLogger(log)
	loop := devicemapper.NewLoopMapper()
	loop.SetLogger(log)

	store, err := imagestore.Open(imagestore.Config{
		MetadataDir: cfg.MetadataDir,
		DataDir:     cfg.DataDir,
		Mapper:      dm,
		Loop:        loop,
		Logger:      log,
	})
	if err != nil {
		return fmt.Errorf("open image store: %w", err)
	}
	defer store.Close()

	boot := bootstatus.New(cfg.MetadataDir, log)

	auditCfg := auditlog.DefaultConfig()
	auditCfg.Path = fmt.Sprintf("%s/auditlog.db", cfg.MetadataDir)
	audit, err := auditlog.Open(auditCfg)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer audit.Close()

	checker := healthcheck.New(log)
	svcGuard := guard.New(guard.Config{Logger: log})

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	svc := service.New(service.Config{
		Config:          cfg,
		Store:           store,
		Boot:            boot,
		Guard:           svcGuard,
		Metrics:         m,
		Dumper:          dm,
		Audit:           audit,
		Logger:          log,
		Booted:          func() bool { return false },
		HealthCheckFunc: checker.CheckAll,
	})

	if err := svc.RunStartupTasks(ctx); err != nil {
		log.WithError(err).Warn("startup recovery tasks reported an error")
	}

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Warn("metrics server exited")
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsServer.Shutdown(shutdownCtx)
		}()
	}

	server := rpc.NewServer(svc, rpc.TierResolver{SystemUID: systemUID}, log)
	log.WithField("socket", cfg.SocketPath).Info("dsi_service listening")
	return server.Listen(ctx, cfg.SocketPath)
}
