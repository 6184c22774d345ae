package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/loykin/streamvisor/internal/logger"
	"github.com/loykin/streamvisor/internal/metrics"
	"github.com/loykin/streamvisor/internal/store"
)

var errReturned = errors.New("op returned")

// Runner is the job wrapper executed inside a job process.
type Runner struct {
	st    *store.Store
	queue *Queue
	ops   Registry
	log   *slog.Logger
}

func NewRunner(st *store.Store, q *Queue, ops Registry, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{st: st, queue: q, ops: ops, log: logger.WithComponent(log, "job")}
}

// Run records the identity of this process in the task record of the job's
// op, then runs the op. Any exit other than cancellation is recorded as a
// failure.
func (r *Runner) Run(ctx context.Context, jobID, worker string) error {
	job, err := r.queue.Get(ctx, jobID)
	if err != nil {
		return err
	}
	op, err := ParseOp(job.Op)
	if err != nil {
		return err
	}
	f, err := r.ops.Lookup(op)
	if err != nil {
		return err
	}

	if err := r.st.Tasks.Update(ctx, string(op), map[string]any{
		"job_id":      job.ID,
		"worker_name": worker,
		"pid":         os.Getpid(),
		"worker_pid":  os.Getppid(),
		"updated_at":  time.Now().Unix(),
	}); err != nil {
		r.log.Warn("record task identity failed", "op", op, "error", err)
	}
	r.log.Info("job running", "op", op, "job", job.ID, "worker", worker)
	metrics.IncJobRun(string(op))

	err = invoke(ctx, f)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		err = errReturned
	}
	r.log.Error("job exited", "op", op, "job", job.ID, "error", err)
	metrics.IncJobFailure(string(op))
	bg := context.WithoutCancel(ctx)
	if uerr := r.st.Tasks.Update(bg, string(op), map[string]any{
		"exception_msg": err.Error(),
		"updated_at":    time.Now().Unix(),
	}); uerr != nil {
		r.log.Warn("record task failure failed", "op", op, "error", uerr)
	}
	if _, ierr := r.st.Tasks.IncrFailed(bg, string(op)); ierr != nil {
		r.log.Warn("increment task failures failed", "op", op, "error", ierr)
	}
	return err
}

func invoke(ctx context.Context, f Func) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return f(ctx)
}
