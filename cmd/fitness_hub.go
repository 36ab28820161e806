package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"gopkg.in/natefinch/lumberjack.v2"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/fitness-hub/internal/bt"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/config"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/manager"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/metrics"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/server"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	fx.New(
		fx.Supply(cfg),
		fx.Provide(
			newLogger,
			newRegistry,
			metrics.New,
			newRadio,
			newRoleStore,
			newManager,
			newDeviceFactory,
			newAutoConnector,
			newStatusServer,
		),
		fx.Invoke(runSimulation, startHub),
		fx.WithLogger(func(logger *log.Logger) fxevent.Logger {
			return &fxevent.ConsoleLogger{W: logger.Writer()}
		}),
	).Run()
}

func newLogger(cfg config.Config, lc fx.Lifecycle) *log.Logger {
	file := &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
	}
	var out io.Writer = file
	if cfg.Log.Verbose {
		out = io.MultiWriter(file, os.Stderr)
	}
	logger := log.New(out, "", log.LstdFlags|log.Lmicroseconds)
	lc.Append(fx.StopHook(func() error {
		logger.Println("FitnessHub: Stopped")
		return file.Close()
	}))
	return logger
}

func newRegistry() (*prometheus.Registry, prometheus.Registerer) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg, reg
}

// radio is the BLE stack in use; sim is only set with --simulate.
type radio struct {
	bt  bt.BTManagerInterface
	sim *bt.MockBTManager
}

func newRadio(cfg config.Config, logger *log.Logger, lc fx.Lifecycle) radio {
	var r radio
	if cfg.BT.Simulate {
		r.sim = bt.NewMockBTManager(logger)
		r.bt = r.sim
	} else {
		r.bt = bt.NewBTManager(bluetooth.DefaultAdapter, logger, cfg.BT.ScanTimeout)
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := r.bt.Enable(); err != nil {
				return fmt.Errorf("enable BLE stack: %w", err)
			}
			return nil
		},
		OnStop: func(context.Context) error {
			r.bt.Shutdown()
			return nil
		},
	})
	return r
}

func newRoleStore(cfg config.Config, logger *log.Logger) *manager.RoleStore {
	return manager.NewRoleStore(logger, cfg.State.Path)
}

func newManager(cfg config.Config, logger *log.Logger, met *metrics.Metrics, store *manager.RoleStore, lc fx.Lifecycle) *manager.Manager {
	m := manager.New(logger, manager.Options{
		Metrics:            met,
		Store:              store,
		StalenessThreshold: cfg.Manager.StalenessThreshold,
	})
	lc.Append(fx.StopHook(m.Close))
	return m
}

func newDeviceFactory(cfg config.Config, logger *log.Logger, r radio, met *metrics.Metrics) manager.DeviceFactory {
	return manager.NewBLEDeviceFactory(logger, r.bt, manager.FactoryOptions{
		Metrics:                  met,
		WheelCircumferenceMeters: cfg.Manager.WheelCircumferenceMeters,
		TrainerHeartRate:         cfg.Manager.TrainerHeartRate,
	})
}

func newAutoConnector(cfg config.Config, logger *log.Logger, m *manager.Manager, r radio, factory manager.DeviceFactory) *manager.AutoConnector {
	return manager.NewAutoConnector(logger, m, r.bt, factory, cfg.BT.ScanTimeout)
}

func newStatusServer(logger *log.Logger, m *manager.Manager, reg *prometheus.Registry, met *metrics.Metrics) *server.Server {
	return server.New(logger, m, reg, met)
}

func startHub(cfg config.Config, logger *log.Logger, auto *manager.AutoConnector, srv *server.Server, lc fx.Lifecycle) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Println("FitnessHub: Starting")
			// the start context ends with OnStart; reconnects outlive it
			auto.Start(context.Background())
			if cfg.HTTP.Listen == "" {
				return nil
			}
			return srv.Start(cfg.HTTP.Listen)
		},
		OnStop: func(ctx context.Context) error {
			auto.Stop()
			return srv.Shutdown(ctx)
		},
	})
}
