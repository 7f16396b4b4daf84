package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zachfi/pulsecast/modules/relay"
)

const metricsNamespace = "pulsecast"

// App runs the relay and renderer modules behind one dskit server. Target
// selects which of them this process runs.
type App struct {
	cfg        Config
	logger     slog.Logger
	registerer prometheus.Registerer

	Server *server.Server
	Relay  *relay.Relay

	ModuleManager *modules.Manager
	serviceMap    map[string]services.Service
}

// New wires the modules for cfg.Target. Module metrics are registered with
// reg. Nothing is started until Run.
func New(cfg Config, logger slog.Logger, reg prometheus.Registerer) (*App, error) {
	a := &App{
		cfg:        cfg,
		logger:     logger,
		registerer: reg,
	}

	if a.cfg.Target == "" {
		a.cfg.Target = All
	}

	if err := a.setupModuleManager(); err != nil {
		return nil, errors.Wrap(err, "failed to setup module manager")
	}

	return a, nil
}

// Run serves streams until SIGINT or SIGTERM, or until a module fails. The
// relay drains its sessions before the server closes its listeners.
func (a *App) Run() error {
	serviceMap, err := a.ModuleManager.InitModuleServices(a.cfg.Target)
	if err != nil {
		return fmt.Errorf("failed to init module services %w", err)
	}
	a.serviceMap = serviceMap

	servs := make([]services.Service, 0, len(serviceMap))
	for _, s := range serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return fmt.Errorf("failed to create service manager %w", err)
	}

	sm.AddListener(services.NewManagerListener(
		func() { a.logger.Info("pulsecast running", "target", a.cfg.Target) },
		func() { a.logger.Info("pulsecast stopped") },
		func(failed services.Service) {
			// One failed module takes the whole process down.
			sm.StopAsync()
			a.logModuleFailure(a.moduleName(failed), failed.FailureCase())
		},
	))

	handler := signals.NewHandler(a.Server.Log)
	go func() {
		handler.Loop()
		a.logger.Info("shutting down, closing stream sessions")
		sm.StopAsync()
	}()

	if err := sm.StartAsync(context.Background()); err != nil {
		return fmt.Errorf("failed to start service manager %w", err)
	}

	return sm.AwaitStopped(context.Background())
}

func (a *App) moduleName(svc services.Service) string {
	for name, s := range a.serviceMap {
		if s == svc {
			return name
		}
	}
	return "unknown"
}

func (a *App) logModuleFailure(name string, err error) {
	if errors.Is(err, modules.ErrStopProcess) {
		a.logger.Info("module requested stop", "module", name)
		return
	}
	a.logger.Error("module failed", "module", name, "err", err)
}
