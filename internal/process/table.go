package process

import (
	"context"
	"fmt"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Info describes one running process found in the system process table.
type Info struct {
	PID     int
	Name    string
	Cmdline []string
}

// Table lists and kills processes outside of the ones this program launched.
type Table interface {
	List(ctx context.Context, name string) ([]Info, error)
	Kill(pid int) error
}

// SystemTable reads the host process table through gopsutil.
type SystemTable struct{}

// List returns every process whose executable name equals name. Processes
// that exit while being inspected are skipped.
func (SystemTable) List(ctx context.Context, name string) ([]Info, error) {
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	var out []Info
	for _, p := range procs {
		n, err := p.NameWithContext(ctx)
		if err != nil || n != name {
			continue
		}
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil {
			continue
		}
		out = append(out, Info{PID: int(p.Pid), Name: n, Cmdline: args})
	}
	return out, nil
}

func (SystemTable) Kill(pid int) error { return KillPID(pid) }
