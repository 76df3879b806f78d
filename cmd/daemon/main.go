package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/genricoloni/matrixd/internal/bluez"
	"github.com/genricoloni/matrixd/internal/config"
	"github.com/genricoloni/matrixd/internal/domain"
	"github.com/genricoloni/matrixd/internal/engine"
	"github.com/genricoloni/matrixd/internal/fetcher"
	"github.com/genricoloni/matrixd/internal/grid"
	"github.com/genricoloni/matrixd/internal/link"
	"github.com/genricoloni/matrixd/internal/metrics"
	"github.com/genricoloni/matrixd/internal/processor"
	"github.com/genricoloni/matrixd/internal/registry"
	"github.com/genricoloni/matrixd/internal/server"
	"github.com/genricoloni/matrixd/internal/sim"
	"github.com/genricoloni/matrixd/internal/store"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// AppOptions is the complete application graph
var AppOptions = fx.Options(
	fx.Provide(
		newLogger,
		newConfig,
		metrics.NewCollector,
		newRegistry,
		newTransport,
		newLinkFactory,
		newCoordinator,
		newStore,
		fx.Annotate(fetcher.NewHTTPFetcher, fx.As(new(domain.Fetcher))),
		fx.Annotate(processor.NewFrameProcessor, fx.As(new(domain.ImageProcessor))),
		engine.NewEngine,
		newServer,
	),
	fx.Invoke(registerHooks),
)

func main() {
	app := fx.New(
		AppOptions,
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Handle graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "matrixd: %v\n", err)
		os.Exit(1)
	}

	<-ctx.Done()

	if err := app.Stop(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "matrixd: %v\n", err)
		os.Exit(1)
	}
}

// newLogger creates the process logger; MATRIXD_DEBUG selects the development config
func newLogger() (*zap.Logger, error) {
	if config.DebugEnabled() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newConfig(logger *zap.Logger) (domain.Config, error) {
	cfg, err := config.NewAppConfig(logger)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func newRegistry(logger *zap.Logger, cfg domain.Config) *registry.Registry {
	return registry.New(logger, cfg.GetPositionPolicy())
}

type transportResult struct {
	fx.Out

	Transport domain.Transport
	Scanner   domain.Scanner
}

// newTransport selects BlueZ or the simulator. The D-Bus connection is
// closed when the application stops.
func newTransport(lc fx.Lifecycle, logger *zap.Logger, cfg domain.Config) (transportResult, error) {
	if cfg.GetTransport() == config.TransportSim {
		t := sim.NewTransport(logger.Named("sim"), cfg.GetSimPanels(), cfg.GetSimLatency())
		return transportResult{Transport: t, Scanner: t}, nil
	}

	bus, err := bluez.NewStdBusClient()
	if err != nil {
		return transportResult{}, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return bus.Close()
		},
	})

	logger = logger.Named("bluez")
	return transportResult{
		Transport: bluez.NewTransport(logger, bus, cfg.GetAdapter()),
		Scanner:   bluez.NewScanner(logger, bus, cfg.GetAdapter(), cfg.GetDeviceName()),
	}, nil
}

func newLinkFactory(logger *zap.Logger, cfg domain.Config, transport domain.Transport, collector *metrics.Collector) domain.LinkFactory {
	opts := link.Options{
		WriteTimeout:    cfg.GetWriteTimeout(),
		ConnectTimeout:  cfg.GetConnectTimeout(),
		ConnectAttempts: cfg.GetConnectAttempts(),
		RetryDelay:      cfg.GetRetryDelay(),
		CommandGap:      cfg.GetBlockGap(),
	}
	return func(address string) domain.Link {
		return link.New(address, transport, logger, opts, collector)
	}
}

func newCoordinator(reg *registry.Registry, logger *zap.Logger, cfg domain.Config, collector *metrics.Collector) *grid.Coordinator {
	return grid.NewCoordinator(reg, logger, grid.Options{PanelTimeout: cfg.GetPanelTimeout()}, collector)
}

func newStore(logger *zap.Logger, cfg domain.Config) domain.AssignmentStore {
	return store.NewYAMLStore(logger, cfg.GetStateFile())
}

func newServer(logger *zap.Logger, cfg domain.Config, eng *engine.Engine, collector *metrics.Collector) *server.Server {
	return server.NewServer(logger, cfg, eng, collector.Handler())
}

// registerHooks sets up application lifecycle hooks
func registerHooks(lc fx.Lifecycle, logger *zap.Logger, eng *engine.Engine, srv *server.Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := eng.Start(ctx); err != nil {
				return err
			}
			if err := srv.Start(ctx); err != nil {
				return err
			}
			logger.Info("matrixd started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Shutting down")
			if err := srv.Stop(ctx); err != nil {
				logger.Warn("HTTP server did not stop cleanly", zap.Error(err))
			}
			return eng.Stop(ctx)
		},
	})
}
