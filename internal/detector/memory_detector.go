package detector

import (
	"errors"
	"strconv"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// MemoryDetector requires the pid to exist and to hold resident memory. A
// snapshotter that hung in an uninterruptible state is reported dead.
type MemoryDetector struct{ PID int }

func (d MemoryDetector) Alive() (bool, error) {
	if d.PID <= 0 {
		return false, nil
	}
	ok, err := PIDDetector(d).Alive()
	if err != nil || !ok {
		return false, err
	}
	p, err := gopsproc.NewProcess(int32(d.PID))
	if err != nil {
		if errors.Is(err, gopsproc.ErrorProcessNotRunning) {
			return false, nil
		}
		return false, err
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return false, err
	}
	return mem != nil && mem.RSS > 0, nil
}

func (d MemoryDetector) Describe() string { return "memory:" + strconv.Itoa(d.PID) }
