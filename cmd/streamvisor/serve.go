package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/streamvisor/internal/metrics"
	"github.com/loykin/streamvisor/internal/orchestrator"
	"github.com/loykin/streamvisor/internal/server"
	"github.com/loykin/streamvisor/internal/task"
	"github.com/loykin/streamvisor/internal/tls"
)

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor",
		Long: `Recover from the previous run, launch one worker per catalogued job and
serve the HTTP API until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), globalFlags)
		},
	}
}

func runServe(ctx context.Context, globalFlags *GlobalFlags) error {
	a, err := openApp(ctx, globalFlags, "serve")
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	tlsCfg, err := tls.Setup(a.cfg.Server.TLS)
	if err != nil {
		return fmt.Errorf("api tls: %w", err)
	}

	containers, closeRuntime, err := a.containers()
	if err != nil {
		return err
	}
	defer closeRuntime()

	exec := a.exec()
	sup := task.NewSupervisor(task.SupervisorDeps{
		Store:      a.st,
		Queue:      task.NewQueue(a.st.Client()),
		Bus:        a.bus,
		Containers: containers,
		Relays:     a.relays(),
		Ports:      a.ports(),
		Spawner:    exec,
		Log:        a.log,
	}, a.cfg.Task.StartWaitInterval)
	gen, err := sup.Init(ctx)
	if err != nil {
		return fmt.Errorf("supervisor init: %w", err)
	}
	jobs, err := sup.Launch(ctx, gen)
	if err != nil {
		return fmt.Errorf("supervisor launch: %w", err)
	}
	a.log.Info("supervisor started", "generation", gen, "jobs", len(jobs))

	var resources *metrics.ResourceCollector
	var servers []*http.Server
	if a.cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			a.log.Warn("register metrics failed", "error", err)
		}
		if a.cfg.Metrics.Resources.Enabled {
			resources = metrics.NewResourceCollector(a.cfg.Metrics.Resources)
			if err := resources.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
				a.log.Warn("register resource metrics failed", "error", err)
			}
			resources.Start(ctx, orchestrator.ResourceTargets(a.st))
			defer resources.Stop()
		}
		if a.cfg.Metrics.Listen != "" {
			servers = append(servers, serveMetrics(a.cfg.Metrics.Listen, a))
		}
	}
	if a.cfg.Server.Enabled {
		router := server.NewRouter(a.st, a.bus, resources, a.cfg.Server.BasePath)
		servers = append(servers, server.NewServer(a.cfg.Server.Listen, router, tlsCfg))
		a.log.Info("api listening", "addr", a.cfg.Server.Listen, "base", a.cfg.Server.BasePath, "tls", tlsCfg != nil)
	}

	<-ctx.Done()
	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	for _, s := range servers {
		_ = s.Shutdown(shutdownCtx)
	}
	return nil
}

func serveMetrics(addr string, a *app) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	s := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	a.log.Info("metrics listening", "addr", addr)
	return s
}
