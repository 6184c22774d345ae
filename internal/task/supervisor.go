package task

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/loykin/streamvisor/internal/container"
	"github.com/loykin/streamvisor/internal/eventbus"
	"github.com/loykin/streamvisor/internal/logger"
	"github.com/loykin/streamvisor/internal/ports"
	"github.com/loykin/streamvisor/internal/process"
	"github.com/loykin/streamvisor/internal/relay"
	"github.com/loykin/streamvisor/internal/store"
)

// Worker control commands published on queue:commands.
const (
	CmdStopJob  = "stop-job"
	CmdShutdown = "shutdown"
)

// Spawner starts one detached worker process and returns its pid.
type Spawner interface {
	Spawn(ctx context.Context, name string) (int, error)
}

// SupervisorDeps are the collaborators of a Supervisor.
type SupervisorDeps struct {
	Store      *store.Store
	Queue      *Queue
	Bus        eventbus.Publisher
	Containers *container.Manager
	Relays     *relay.Registry
	Ports      *ports.Allocator
	Spawner    Spawner
	Log        *slog.Logger
	// Kill terminates a stale pid. Defaults to process.KillPID.
	Kill func(pid int) error
}

type Supervisor struct {
	d         SupervisorDeps
	log       *slog.Logger
	startWait time.Duration
	self      int
}

func NewSupervisor(d SupervisorDeps, startWait time.Duration) *Supervisor {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	if d.Kill == nil {
		d.Kill = process.KillPID
	}
	return &Supervisor{d: d, log: logger.WithComponent(log, "supervisor"), startWait: startWait, self: os.Getpid()}
}

// Init stops everything recorded by a previous run and resets the per-run
// records. Only a failure to read the previous task records is returned;
// every other step is logged and skipped.
func (s *Supervisor) Init(ctx context.Context) (int64, error) {
	tasks, err := s.d.Store.Tasks.GetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("read task records: %w", err)
	}
	for _, t := range tasks {
		s.stopPrevious(ctx, t)
	}

	gen, err := s.d.Queue.BumpGeneration(ctx)
	if err != nil {
		return 0, fmt.Errorf("bump queue generation: %w", err)
	}
	if n, err := s.d.Queue.Clear(ctx); err != nil {
		s.log.Warn("clear job queue failed", "error", err)
	} else {
		s.log.Info("job queue cleared", "keys", n, "generation", gen)
	}

	for name, removeAll := range map[string]func(context.Context) (int, error){
		"tasks":     s.d.Store.Tasks.RemoveAll,
		"recstucks": s.d.Store.RecStuck.RemoveAll,
		"failed":    s.d.Store.Failed.RemoveAll,
		"zombies":   s.d.Store.Zombies.RemoveAll,
	} {
		if n, err := removeAll(ctx); err != nil {
			s.log.Warn("clear records failed", "records", name, "error", err)
		} else if n > 0 {
			s.log.Info("records cleared", "records", name, "count", n)
		}
	}

	if s.d.Ports != nil {
		if err := s.d.Ports.Reset(ctx); err != nil {
			s.log.Warn("reset port counter failed", "error", err)
		}
	}
	s.stopRelays(ctx)
	return gen, nil
}

// stopPrevious asks the old job and worker to exit, then kills their pids.
func (s *Supervisor) stopPrevious(ctx context.Context, t *store.Task) {
	if t.JobID != "" {
		if err := s.d.Bus.Publish(ctx, eventbus.QueueCommands, CmdStopJob+" "+t.JobID); err != nil {
			s.log.Warn("stop previous job failed", "op", t.Op, "job", t.JobID, "error", err)
		}
	}
	if t.WorkerName != "" {
		if err := s.d.Bus.Publish(ctx, eventbus.QueueCommands, CmdShutdown+" "+t.WorkerName); err != nil {
			s.log.Warn("shutdown previous worker failed", "op", t.Op, "worker", t.WorkerName, "error", err)
		}
	}
	for _, pid := range []int{t.PID, t.WorkerPID} {
		if pid <= 0 || pid == s.self {
			continue
		}
		if err := s.d.Kill(pid); err != nil {
			s.log.Warn("kill previous task process failed", "op", t.Op, "pid", pid, "error", err)
			continue
		}
		s.log.Info("killed previous task process", "op", t.Op, "pid", pid)
	}
}

func (s *Supervisor) stopRelays(ctx context.Context) {
	if s.d.Containers == nil || s.d.Relays == nil {
		return
	}
	hs, err := s.d.Containers.ListWithPrefix(ctx, s.d.Relays.Prefixes())
	if err != nil {
		s.log.Warn("list relay containers failed", "error", err)
		return
	}
	for _, h := range hs {
		if err := s.d.Containers.Stop(ctx, h.Name); err != nil {
			s.log.Warn("stop relay container failed", "container", h.Name, "error", err)
			continue
		}
		s.log.Info("stopped relay container from previous run", "container", h.Name)
	}
}

// Launch writes one task record per catalogued op, enqueues its job and
// spawns one worker for it. Spawns are spaced by the start wait.
func (s *Supervisor) Launch(ctx context.Context, generation int64) ([]*Job, error) {
	var jobs []*Job
	for i, op := range Catalogue() {
		if i > 0 && s.startWait > 0 {
			t := time.NewTimer(s.startWait)
			select {
			case <-ctx.Done():
				t.Stop()
				return jobs, ctx.Err()
			case <-t.C:
			}
		}
		now := time.Now().Unix()
		if err := s.d.Store.Tasks.Add(ctx, &store.Task{Op: string(op), CreatedAt: now, UpdatedAt: now}); err != nil {
			return jobs, err
		}
		job, err := s.d.Queue.Enqueue(ctx, op, generation)
		if err != nil {
			return jobs, err
		}
		if err := s.d.Store.Tasks.Update(ctx, string(op), map[string]any{"job_id": job.ID}); err != nil {
			s.log.Warn("record job id failed", "op", op, "error", err)
		}
		jobs = append(jobs, job)

		name := fmt.Sprintf("worker-%d-%d", generation, i+1)
		pid, err := s.d.Spawner.Spawn(ctx, name)
		if err != nil {
			s.log.Error("spawn worker failed", "op", op, "worker", name, "error", err)
			continue
		}
		s.log.Info("worker spawned", "op", op, "job", job.ID, "worker", name, "pid", pid)
	}
	return jobs, nil
}
