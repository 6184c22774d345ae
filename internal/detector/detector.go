// Package detector decides whether a recorded process id still refers to a
// live process.
package detector

// Detector is a strategy that determines if a process is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// Kind names a liveness strategy.
type Kind string

const (
	KindPID    Kind = "pid"
	KindMemory Kind = "memory"
)

// For returns the detector of kind k for pid.
func For(k Kind, pid int) Detector {
	if k == KindMemory {
		return MemoryDetector{PID: pid}
	}
	return PIDDetector{PID: pid}
}

// Alive is a convenience wrapper that treats detector errors as "not alive".
func Alive(k Kind, pid int) bool {
	ok, err := For(k, pid).Alive()
	return err == nil && ok
}
