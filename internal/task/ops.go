// Package task keeps the catalogue of long-running operations alive: the
// supervisor enqueues one job per operation, a worker process per job keeps
// relaunching it, and the job process records its identity while it runs.
package task

import (
	"context"
	"errors"
	"fmt"
)

// Op names a catalogued long-running operation.
type Op string

const (
	OpListenStart   Op = "listen_start_stream_event"
	OpListenStop    Op = "listen_stop_stream_event"
	OpListenRestart Op = "listen_restart_stream_event"
	OpWatchdog      Op = "watchdog"
)

var ErrUnknownOp = errors.New("task: unknown op")

// Catalogue returns every op the supervisor keeps running, in start order.
func Catalogue() []Op {
	return []Op{OpListenStart, OpListenStop, OpListenRestart, OpWatchdog}
}

func ParseOp(s string) (Op, error) {
	for _, op := range Catalogue() {
		if string(op) == s {
			return op, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownOp, s)
}

// Func runs one op. Ops are loops that return only on failure or when ctx
// is done.
type Func func(ctx context.Context) error

// Registry binds ops to their implementation.
type Registry map[Op]Func

func (r Registry) Lookup(op Op) (Func, error) {
	f, ok := r[op]
	if !ok || f == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOp, op)
	}
	return f, nil
}
