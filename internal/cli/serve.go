package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfab/printfleet/internal/adapter/bambu"
	"github.com/openfab/printfleet/internal/adapter/octoprint"
	"github.com/openfab/printfleet/internal/adapter/sdcp"
	"github.com/openfab/printfleet/internal/config"
	"github.com/openfab/printfleet/internal/events"
	"github.com/openfab/printfleet/internal/metrics"
	"github.com/openfab/printfleet/internal/printer"
	"github.com/openfab/printfleet/internal/queue"
	"github.com/openfab/printfleet/internal/registry"
	"github.com/openfab/printfleet/internal/safety"
	"github.com/openfab/printfleet/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fleet daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer cleanup()
	slog.SetDefault(logger)

	logger.Info("printfleetd starting", "version", Version, "printers", len(cfg.Printers))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	collector := metrics.New()
	bus := events.NewBus(logger)
	reg := registry.New(logger)
	jobs := queue.New()

	for _, pc := range cfg.Printers {
		ctrl, err := buildAdapter(pc, cfg.ConnectTimeout, logger)
		if err != nil {
			return err
		}
		reg.Register(pc.Name, ctrl)
	}
	defer func() {
		for _, name := range reg.Names() {
			if ctrl, err := reg.Get(name); err == nil {
				if err := ctrl.Disconnect(); err != nil {
					logger.Warn("disconnect failed", "printer", name, "error", err)
				}
			}
		}
	}()

	coordinator := safety.New(reg, bus, safety.Options{
		Metrics: collector,
		Logger:  logger,
	})
	for _, pc := range cfg.Printers {
		for _, il := range pc.Interlocks {
			coordinator.RegisterInterlock(pc.Name, il.Name, il.Critical, true)
		}
	}

	sched := scheduler.New(reg, jobs, bus, scheduler.Options{
		PollInterval: cfg.PollInterval,
		Metrics:      collector,
		Logger:       logger,
	})
	sched.Start(ctx)
	defer sched.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown failed", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// buildAdapter constructs the protocol engine for one inventory entry.
func buildAdapter(pc config.Printer, timeout time.Duration, logger *slog.Logger) (printer.Controller, error) {
	switch pc.Protocol {
	case "octoprint":
		return octoprint.New(octoprint.Options{
			Name:        pc.Name,
			BaseURL:     pc.URL,
			APIKey:      pc.APIKey,
			Timeout:     timeout,
			SnapshotURL: pc.SnapshotURL,
			StreamURL:   pc.StreamURL,
		}, logger), nil
	case "bambu":
		return bambu.New(bambu.Options{
			Name:       pc.Name,
			Host:       pc.Host,
			Serial:     pc.Serial,
			AccessCode: pc.AccessCode,
			Timeout:    timeout,
		}, logger), nil
	case "sdcp":
		return sdcp.New(sdcp.Options{
			Name:    pc.Name,
			Host:    pc.Host,
			Port:    pc.Port,
			Timeout: timeout,
		}, logger), nil
	default:
		return nil, fmt.Errorf("printer %q: unknown protocol %q", pc.Name, pc.Protocol)
	}
}
