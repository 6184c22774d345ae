// Package starter launches the ffmpeg subprocesses of a stream. Each kind
// records its pid on the stream state before Create returns, then runs until
// the subprocess exits.
package starter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/loykin/streamvisor/internal/ffmpeg"
	"github.com/loykin/streamvisor/internal/logger"
	"github.com/loykin/streamvisor/internal/process"
	"github.com/loykin/streamvisor/internal/store"
)

// ErrStateGone is returned by Create when the stream state was removed while
// the subprocess was starting. The subprocess is killed before returning.
var ErrStateGone = errors.New("starter: stream state removed")

// Resource kinds.
const (
	KindFeeder        = "feeder"
	KindSegmentWriter = "segment_writer"
	KindReader        = "reader"
	KindRecorder      = "recorder"
	KindSnapshotter   = "snapshotter"
)

// StateWriter updates fields of an existing stream state. It reports false
// when the state no longer exists.
type StateWriter interface {
	Update(ctx context.Context, id string, fields map[string]any) (bool, error)
}

// Starter creates, runs and disposes one kind of subprocess.
type Starter interface {
	Kind() string
	// Create launches the subprocess and persists its pid.
	Create(ctx context.Context, src *store.Source, st *store.StreamState) (*Handle, error)
	// Execute blocks until the subprocess exits.
	Execute(ctx context.Context, h *Handle) error
	// Dispose force terminates the subprocess. It is safe to call twice.
	Dispose(h *Handle)
}

// Handle is a running subprocess of one stream.
type Handle struct {
	Kind     string
	SourceID string
	Name     string
	Proc     *process.Process
	Args     []string

	// set by kinds that need extra teardown
	cleanup func()
	stdout  *io.PipeReader
}

func (h *Handle) PID() int {
	if h == nil || h.Proc == nil {
		return 0
	}
	return h.Proc.PID()
}

// Env is shared by every starter kind.
type Env struct {
	Builder    ffmpeg.Builder
	States     StateWriter
	ProcessLog logger.FileConfig
	// Environ is appended to the inherited environment of every subprocess.
	Environ []string
	// MaxRetries bounds polling loops such as waiting for the HLS index.
	MaxRetries   int
	PollInterval time.Duration
	Log          *slog.Logger
}

func (e Env) logger() *slog.Logger {
	if e.Log == nil {
		return slog.Default()
	}
	return e.Log
}

func (e Env) pollInterval() time.Duration {
	if e.PollInterval <= 0 {
		return time.Second
	}
	return e.PollInterval
}

// launch starts args for src and records the pid and command line under the
// given fields.
func (e Env) launch(ctx context.Context, kind string, src *store.Source, args []string, pidField, argsField string, spec process.Spec) (*Handle, error) {
	spec.Name = kind + "_" + src.ID
	spec.Path = e.Builder.Binary
	spec.Args = args
	spec.Log = logger.Config{File: e.ProcessLog}
	spec.Env = append(spec.Env, e.Environ...)
	proc, err := process.Launch(spec)
	if err != nil {
		return nil, fmt.Errorf("start %s of %s: %w", kind, src.ID, err)
	}
	h := &Handle{Kind: kind, SourceID: src.ID, Name: src.Name, Proc: proc, Args: args}
	cmdline := proc.Spec()
	ok, err := e.States.Update(ctx, src.ID, map[string]any{
		pidField:  proc.PID(),
		argsField: cmdline.CommandLine(),
	})
	if err != nil || !ok {
		_ = proc.Kill()
		go func() { _ = proc.Wait() }()
		if err != nil {
			return nil, fmt.Errorf("record %s pid of %s: %w", kind, src.ID, err)
		}
		return nil, ErrStateGone
	}
	e.logger().Info("subprocess started", "kind", kind, "id", src.ID, "pid", proc.PID())
	return h, nil
}

// wait is the default Execute body.
func wait(h *Handle) error {
	if h == nil || h.Proc == nil {
		return process.ErrNotStarted
	}
	return h.Proc.Wait()
}

// dispose is the default Dispose body.
func dispose(h *Handle) {
	if h == nil || h.Proc == nil {
		return
	}
	select {
	case <-h.Proc.Done():
	default:
		_ = h.Proc.Kill()
	}
	if h.cleanup != nil {
		h.cleanup()
	}
}

func ensureDir(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

// RunBackground runs Execute then Dispose on its own goroutine. Panics and
// errors are logged and never escape. The returned channel is closed when
// both have returned.
func RunBackground(ctx context.Context, log *slog.Logger, s Starter, h *Handle) <-chan struct{} {
	if log == nil {
		log = slog.Default()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				log.Error("starter panicked", "kind", s.Kind(), "id", h.SourceID, "panic", r)
			}
		}()
		defer s.Dispose(h)
		err := s.Execute(ctx, h)
		if err != nil && ctx.Err() == nil {
			log.Warn("subprocess exited", "kind", s.Kind(), "id", h.SourceID, "pid", h.PID(), "error", err)
			return
		}
		log.Info("subprocess exited", "kind", s.Kind(), "id", h.SourceID, "pid", h.PID())
	}()
	return done
}
