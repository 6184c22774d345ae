package main

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/streamvisor/internal/env"
	"github.com/loykin/streamvisor/internal/ffmpeg"
	"github.com/loykin/streamvisor/internal/layout"
	"github.com/loykin/streamvisor/internal/metrics"
	"github.com/loykin/streamvisor/internal/orchestrator"
	"github.com/loykin/streamvisor/internal/task"
	"github.com/loykin/streamvisor/internal/watchdog"
)

// WorkerFlags holds flags for the worker command.
type WorkerFlags struct {
	Name string
}

// RunJobFlags holds flags for the run-job command.
type RunJobFlags struct {
	JobID  string
	Worker string
}

func createWorkerCommand(globalFlags *GlobalFlags) *cobra.Command {
	workerFlags := &WorkerFlags{}
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Take one job off the queue and keep relaunching it",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), globalFlags, *workerFlags)
		},
	}
	cmd.Flags().StringVar(&workerFlags.Name, "name", "", "worker name (required)")
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	return cmd
}

func runWorker(ctx context.Context, globalFlags *GlobalFlags, f WorkerFlags) error {
	a, err := openApp(ctx, globalFlags, "worker")
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	w := task.NewWorker(f.Name, task.WorkerDeps{
		Queue:    task.NewQueue(a.st.Client()),
		Bus:      a.bus,
		Launcher: a.exec(),
		Log:      a.log,
	}, a.cfg.Task.RetryDelay)
	err = w.Run(ctx)
	switch {
	case errors.Is(err, task.ErrStopped), errors.Is(err, task.ErrStaleGeneration):
		a.log.Info("worker finished", "worker", f.Name, "reason", err)
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	}
	return err
}

func createRunJobCommand(globalFlags *GlobalFlags) *cobra.Command {
	runJobFlags := &RunJobFlags{}
	cmd := &cobra.Command{
		Use:    "run-job",
		Short:  "Run one queued job in the foreground",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd.Context(), globalFlags, *runJobFlags)
		},
	}
	cmd.Flags().StringVar(&runJobFlags.JobID, "job", "", "job id (required)")
	cmd.Flags().StringVar(&runJobFlags.Worker, "worker", "", "name of the owning worker")
	if err := cmd.MarkFlagRequired("job"); err != nil {
		panic(err)
	}
	return cmd
}

func runJob(ctx context.Context, globalFlags *GlobalFlags, f RunJobFlags) error {
	a, err := openApp(ctx, globalFlags, "job")
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	containers, closeRuntime, err := a.containers()
	if err != nil {
		return err
	}
	defer closeRuntime()
	rec, err := a.history()
	if err != nil {
		return err
	}
	defer func() { _ = rec.Close() }()

	queue := task.NewQueue(a.st.Client())
	job, err := queue.Get(ctx, f.JobID)
	if err != nil {
		return err
	}
	if a.cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			a.log.Warn("register metrics failed", "error", err)
		}
		if base := a.cfg.Metrics.JobPortBase; base > 0 {
			if i := slices.Index(task.Catalogue(), task.Op(job.Op)); i >= 0 {
				s := serveMetrics(fmt.Sprintf(":%d", base+i), a)
				defer func() { _ = s.Close() }()
			}
		}
	}

	relays := a.relays()
	orch := orchestrator.New(orchestrator.Deps{
		Store:      a.st,
		Bus:        a.bus,
		Containers: containers,
		Relays:     relays,
		Ports:      a.ports(),
		Layout:     layout.New(a.cfg.General.RootDir),
		Builder:    ffmpeg.NewBuilder(a.cfg.FFmpeg.Binary),
		ProcessLog: a.cfg.ProcessLog,
		Environ:    env.New(a.cfg.FFmpeg.Env).Environ(),
		History:    rec,
		Log:        a.log,
		Background: ctx,
	}, orchestrator.Options{
		MaxRetries:    a.cfg.FFmpeg.MaxOperationRetryCount,
		RestartSettle: a.cfg.FFmpeg.RestartSettle,
		InitInterval:  a.cfg.FFmpeg.MSInitInterval,
	})
	wd := watchdog.New(watchdog.Deps{
		Store:      a.st,
		Bus:        a.bus,
		Containers: containers,
		Relays:     relays,
		History:    rec,
		Log:        a.log,
	}, watchdog.OptionsFromConfig(a.cfg.Watchdog))

	ops := task.Registry{
		task.OpListenStart:   orch.ListenStart,
		task.OpListenStop:    orch.ListenStop,
		task.OpListenRestart: orch.ListenRestart,
		task.OpWatchdog:      wd.Run,
	}
	err = task.NewRunner(a.st, queue, ops, a.log).Run(ctx, f.JobID, f.Worker)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
