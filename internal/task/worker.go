package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/streamvisor/internal/eventbus"
	"github.com/loykin/streamvisor/internal/logger"
)

var (
	// ErrStaleGeneration ends a worker whose job belongs to a previous
	// supervisor run.
	ErrStaleGeneration = errors.New("task: job generation is stale")
	// ErrStopped ends a worker that received a shutdown or stop-job command.
	ErrStopped = errors.New("task: worker stopped by command")

	errJobExited = errors.New("job process exited")
)

// Launcher runs one attempt of job and blocks until it ends.
type Launcher interface {
	Run(ctx context.Context, job *Job, worker string) error
}

type WorkerDeps struct {
	Queue    *Queue
	Bus      *eventbus.Bus
	Launcher Launcher
	Log      *slog.Logger
}

// Worker takes one job off the queue and relaunches it forever.
type Worker struct {
	name       string
	d          WorkerDeps
	log        *slog.Logger
	retryDelay time.Duration
	popTimeout time.Duration
}

func NewWorker(name string, d WorkerDeps, retryDelay time.Duration) *Worker {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &Worker{
		name:       name,
		d:          d,
		log:        logger.WithComponent(log, "worker").With("worker", name),
		retryDelay: retryDelay,
		popTimeout: 5 * time.Second,
	}
}

func (w *Worker) Name() string { return w.name }

// Run blocks until the worker owns a job, then relaunches it after every
// exit until its generation goes stale, a command stops it, or ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	job, err := w.take(ctx)
	if err != nil {
		return err
	}
	log := w.log.With("job", job.ID, "op", job.Op)
	log.Info("worker owns job", "generation", job.Generation)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	sub, err := w.d.Bus.Subscribe(ctx, eventbus.QueueCommands)
	if err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	defer func() { _ = sub.Close() }()
	go func() {
		_ = sub.Serve(ctx, func(_ context.Context, _ string, payload []byte) error {
			switch string(payload) {
			case CmdShutdown + " " + w.name, CmdStopJob + " " + job.ID:
				log.Info("worker received stop command", "command", string(payload))
				cancel(ErrStopped)
			}
			return nil
		})
	}()

	attempt := func() error {
		cur, err := w.d.Queue.Generation(ctx)
		if err != nil {
			return err
		}
		if cur != job.Generation {
			return backoff.Permanent(ErrStaleGeneration)
		}
		n, err := w.d.Queue.Attempt(ctx, job.ID)
		if err != nil {
			log.Warn("record job attempt failed", "error", err)
		}
		err = w.d.Launcher.Run(ctx, job, w.name)
		if ctx.Err() != nil {
			return backoff.Permanent(context.Cause(ctx))
		}
		if err == nil {
			err = errJobExited
		}
		log.Warn("job attempt ended", "attempt", n, "error", err)
		return err
	}
	err = backoff.Retry(attempt, backoff.WithContext(backoff.NewConstantBackOff(w.retryDelay), ctx))
	if ctx.Err() != nil {
		err = context.Cause(ctx)
	}
	if serr := w.d.Queue.SetStatus(context.WithoutCancel(ctx), job.ID, PhaseFailed); serr != nil {
		log.Debug("record job status failed", "error", serr)
	}
	log.Info("worker exiting", "reason", err)
	return err
}

// take waits for a pending job.
func (w *Worker) take(ctx context.Context) (*Job, error) {
	for {
		job, err := w.d.Queue.Pop(ctx, w.popTimeout)
		if err == nil {
			return job, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, ErrEmpty) {
			return nil, err
		}
	}
}
