package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/loykin/streamvisor/internal/config"
	"github.com/loykin/streamvisor/internal/container"
	"github.com/loykin/streamvisor/internal/eventbus"
	"github.com/loykin/streamvisor/internal/history"
	"github.com/loykin/streamvisor/internal/history/factory"
	"github.com/loykin/streamvisor/internal/logger"
	"github.com/loykin/streamvisor/internal/ports"
	"github.com/loykin/streamvisor/internal/relay"
	"github.com/loykin/streamvisor/internal/store"
	"github.com/loykin/streamvisor/internal/task"
)

// app holds what every subcommand needs: config, logger, store and bus.
type app struct {
	cfg        *config.Config
	configPath string
	log        *slog.Logger
	st         *store.Store
	bus        *eventbus.Bus
}

func openApp(ctx context.Context, flags *GlobalFlags, component string) (*app, error) {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return nil, err
	}
	log := logger.WithComponent(logger.Setup(cfg.Log), component)
	st, err := store.Open(ctx, cfg.Redis, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &app{
		cfg:        cfg,
		configPath: flags.ConfigPath,
		log:        log,
		st:         st,
		bus:        eventbus.New(st.Client(), log),
	}, nil
}

func (a *app) Close() error { return a.st.Close() }

// exec re-executes this binary with the same config file.
func (a *app) exec() task.Exec {
	var args []string
	if a.configPath != "" {
		path, err := filepath.Abs(a.configPath)
		if err != nil {
			path = a.configPath
		}
		args = []string{"--config", path}
	}
	return task.Exec{
		Executable: a.cfg.Task.Executable,
		Args:       args,
		Log:        logger.Config{File: a.cfg.ProcessLog},
		Logger:     a.log,
	}
}

func (a *app) containers() (*container.Manager, func(), error) {
	rt, err := container.NewDockerRuntime(a.cfg.Docker.Host)
	if err != nil {
		return nil, nil, fmt.Errorf("docker: %w", err)
	}
	return container.NewManager(rt, a.log), func() { _ = rt.Close() }, nil
}

func (a *app) relays() *relay.Registry {
	return relay.DefaultRegistry(relay.OptionsFromConfig(a.cfg.FFmpeg, a.log))
}

func (a *app) ports() *ports.Allocator {
	return ports.NewFromStore(a.cfg.FFmpeg, a.st, a.log)
}

// history returns nil when no history sink is configured.
func (a *app) history() (*history.Recorder, error) {
	if !a.cfg.History.Enabled {
		return nil, nil
	}
	sink, err := factory.NewSinkFromDSN(a.cfg.History.DSN)
	if err != nil {
		return nil, fmt.Errorf("history sink: %w", err)
	}
	return history.NewRecorder(a.log, sink), nil
}
