package process

import (
	"io"
	"os/exec"
	"strings"

	"github.com/loykin/streamvisor/internal/logger"
)

// Spec describes one external program invocation. Args are passed verbatim,
// no shell is involved.
type Spec struct {
	Name    string        // label used for log file names
	Path    string        // executable
	Args    []string      // arguments without the executable
	Env     []string      // optional extra environment
	WorkDir string        // optional working dir
	Log     logger.Config // stdout/stderr rotation; empty means /dev/null
	// Stdout, when set, receives the program output instead of the log file.
	Stdout io.Writer
}

// BuildCommand constructs the *exec.Cmd for the spec.
func (s *Spec) BuildCommand() *exec.Cmd {
	// #nosec G204 -- argv comes from the command builder, not a shell string
	cmd := exec.Command(s.Path, s.Args...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if len(s.Env) > 0 {
		cmd.Env = append(cmd.Environ(), s.Env...)
	}
	return cmd
}

// CommandLine renders the invocation for diagnostics.
func (s *Spec) CommandLine() string {
	return strings.Join(append([]string{s.Path}, s.Args...), " ")
}
