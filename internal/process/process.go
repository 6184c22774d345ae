package process

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

var (
	// ErrNotStarted is returned by Wait and Kill before Start succeeded.
	ErrNotStarted = errors.New("process not started")
	// ErrAlreadyWaited is returned when a second goroutine calls Wait.
	ErrAlreadyWaited = errors.New("process already waited")
)

// Process is one launched external program. Start, Wait and Kill may be
// called from different goroutines; exactly one goroutine should Wait.
type Process struct {
	spec      Spec
	cmd       *exec.Cmd
	status    Status
	mu        sync.Mutex
	outCloser io.WriteCloser
	errCloser io.WriteCloser
	waitDone  chan struct{} // closed when cmd.Wait returns
	waited    bool
}

func New(spec Spec) *Process { return &Process{spec: spec} }

// Launch starts spec and returns the running process.
func Launch(spec Spec) (*Process, error) {
	p := New(spec)
	if err := p.Start(); err != nil {
		return nil, err
	}
	return p, nil
}

// ConfigureCmd builds the command with process group, stdio and log writers.
func (p *Process) ConfigureCmd() *exec.Cmd {
	p.mu.Lock()
	spec := p.spec
	p.mu.Unlock()

	cmd := spec.BuildCommand()
	configureSysProcAttr(cmd)

	var outW, errW io.WriteCloser
	if spec.Log.File.Dir != "" || spec.Log.File.StdoutPath != "" || spec.Log.File.StderrPath != "" {
		if spec.Log.File.Dir != "" {
			_ = os.MkdirAll(spec.Log.File.Dir, 0o750)
		}
		outW, errW, _ = spec.Log.ProcessWriters(spec.Name)
	}
	p.mu.Lock()
	p.outCloser, p.errCloser = outW, errW
	p.mu.Unlock()

	switch {
	case spec.Stdout != nil:
		cmd.Stdout = spec.Stdout
	case outW != nil:
		cmd.Stdout = outW
	default:
		cmd.Stdout = devNull()
	}
	if errW != nil {
		cmd.Stderr = errW
	} else {
		cmd.Stderr = devNull()
	}
	return cmd
}

func devNull() *os.File {
	f, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	return f
}

// Start launches the program. The pid is available as soon as Start returns.
func (p *Process) Start() error {
	cmd := p.ConfigureCmd()
	return p.TryStart(cmd)
}

// TryStart starts cmd and records it as the running command.
func (p *Process) TryStart(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		p.CloseWriters()
		return err
	}
	p.mu.Lock()
	p.cmd = cmd
	p.waitDone = make(chan struct{})
	p.waited = false
	p.status = Status{
		Name:      p.spec.Name,
		Running:   true,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
	}
	p.mu.Unlock()
	return nil
}

// PID returns the process id, or 0 before Start.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status.PID
}

func (p *Process) Spec() Spec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spec
}

// Wait blocks until the program exits, then releases its log writers.
func (p *Process) Wait() error {
	p.mu.Lock()
	cmd := p.cmd
	done := p.waitDone
	if cmd == nil {
		p.mu.Unlock()
		return ErrNotStarted
	}
	if p.waited {
		p.mu.Unlock()
		return ErrAlreadyWaited
	}
	p.waited = true
	p.mu.Unlock()
	err := cmd.Wait()
	p.mu.Lock()
	p.status.Running = false
	p.status.StoppedAt = time.Now()
	p.status.ExitErr = err
	p.mu.Unlock()
	close(done)
	p.CloseWriters()
	return err
}

// Done is closed once Wait has returned.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitDone
}

// Kill sends SIGKILL to the process group. It does not wait; the goroutine
// in Wait reaps the child.
func (p *Process) Kill() error {
	pid := p.PID()
	if pid == 0 {
		return ErrNotStarted
	}
	if err := killGroup(pid, syscall.SIGKILL); err != nil {
		return KillPID(pid)
	}
	return nil
}

// Stop sends SIGTERM to the group and escalates to SIGKILL after wait.
func (p *Process) Stop(wait time.Duration) {
	pid := p.PID()
	done := p.Done()
	if pid == 0 || done == nil {
		return
	}
	_ = killGroup(pid, syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(wait):
		_ = killGroup(pid, syscall.SIGKILL)
	}
}

func (p *Process) CloseWriters() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outCloser != nil {
		_ = p.outCloser.Close()
		p.outCloser = nil
	}
	if p.errCloser != nil {
		_ = p.errCloser.Close()
		p.errCloser = nil
	}
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}
