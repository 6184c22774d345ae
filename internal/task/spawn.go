package task

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/loykin/streamvisor/internal/logger"
	"github.com/loykin/streamvisor/internal/process"
)

// Exec re-executes the supervisor binary as worker and job processes.
type Exec struct {
	// Executable defaults to the running binary.
	Executable string
	// Args are passed before the subcommand, e.g. --config.
	Args []string
	Log  logger.Config
	// Logger reports the exit of spawned workers.
	Logger *slog.Logger
}

func (e Exec) path() (string, error) {
	if e.Executable != "" {
		return e.Executable, nil
	}
	return os.Executable()
}

func (e Exec) launch(name string, args ...string) (*process.Process, error) {
	path, err := e.path()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	spec := process.Spec{
		Name: name,
		Path: path,
		Args: append(append([]string{}, e.Args...), args...),
		Log:  e.Log,
	}
	return process.Launch(spec)
}

// Spawn starts `worker --name name` and reaps it in the background.
func (e Exec) Spawn(_ context.Context, name string) (int, error) {
	p, err := e.launch(name, "worker", "--name", name)
	if err != nil {
		return 0, err
	}
	go func() {
		err := p.Wait()
		if e.Logger != nil {
			e.Logger.Warn("worker exited", "worker", name, "pid", p.PID(), "error", err)
		}
	}()
	return p.PID(), nil
}

// Run starts `run-job --job id --worker worker` and waits for it. The job
// process is killed when ctx is done.
func (e Exec) Run(ctx context.Context, job *Job, worker string) error {
	p, err := e.launch("job_"+job.Op, "run-job", "--job", job.ID, "--worker", worker)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- p.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = p.Kill()
		<-done
		return ctx.Err()
	}
}
