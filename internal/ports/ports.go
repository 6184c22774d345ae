// Package ports hands out host ports for relay containers from a configured
// range using a shared Redis counter.
package ports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/loykin/streamvisor/internal/config"
	"github.com/loykin/streamvisor/internal/store"
)

// Range floors.
const (
	MinRangeSize   = 16
	PortsPerSource = 5
	maxPort        = config.MaxPort
)

// ErrExhausted is returned when every port of the range is taken.
var ErrExhausted = errors.New("ports: range exhausted")

type Counter interface {
	IncrPortCounter(ctx context.Context) (int64, error)
}

type StateLister interface {
	GetAll(ctx context.Context) ([]*store.StreamState, error)
}

type SourceCounter interface {
	Count(ctx context.Context) (int, error)
}

type Allocator struct {
	counter Counter
	states  StateLister
	sources SourceCounter
	start   int
	end     int
	log     *slog.Logger

	lastWidened atomic.Int64
}

func New(cfg config.FFmpegConfig, counter Counter, states StateLister, sources SourceCounter, log *slog.Logger) *Allocator {
	if log == nil {
		log = slog.Default()
	}
	return &Allocator{
		counter: counter,
		states:  states,
		sources: sources,
		start:   cfg.MSPortStart,
		end:     cfg.MSPortEnd,
		log:     log.With("component", "ports"),
	}
}

// NewFromStore wires the allocator to the shared store.
func NewFromStore(cfg config.FFmpegConfig, st *store.Store, log *slog.Logger) *Allocator {
	return New(cfg, st, st.Streams, st.Sources, log)
}

// RangeSize returns the effective range size for the current fleet.
func (a *Allocator) RangeSize(ctx context.Context) int {
	size := a.end - a.start
	floor := MinRangeSize
	if a.sources != nil {
		if n, err := a.sources.Count(ctx); err == nil && n*PortsPerSource > floor {
			floor = n * PortsPerSource
		}
	}
	if size < floor {
		if a.lastWidened.Swap(int64(floor)) != int64(floor) {
			a.log.Warn("configured port range is too small, widening it",
				"start", a.start, "end", a.end, "configured", size, "effective", floor)
		}
		size = floor
	}
	if a.start+size-1 > maxPort {
		size = maxPort - a.start + 1
	}
	return size
}

// Allocate returns one free host port.
func (a *Allocator) Allocate(ctx context.Context) (int, error) {
	ps, err := a.AllocateN(ctx, 1)
	if err != nil {
		return 0, err
	}
	return ps[0], nil
}

// AllocateN returns n distinct free host ports. A candidate that collides with
// a port recorded in any live stream state is skipped and a new one drawn.
func (a *Allocator) AllocateN(ctx context.Context, n int) ([]int, error) {
	used, err := a.usedPorts(ctx)
	if err != nil {
		return nil, err
	}
	size := a.RangeSize(ctx)
	if size <= 0 {
		return nil, ErrExhausted
	}
	out := make([]int, 0, n)
	for len(out) < n {
		port, err := a.next(ctx, size, used)
		if err != nil {
			return nil, err
		}
		used[port] = struct{}{}
		out = append(out, port)
	}
	return out, nil
}

func (a *Allocator) next(ctx context.Context, size int, used map[int]struct{}) (int, error) {
	for attempt := 0; attempt < size; attempt++ {
		c, err := a.counter.IncrPortCounter(ctx)
		if err != nil {
			return 0, fmt.Errorf("advance port counter: %w", err)
		}
		port := a.start + int(c%int64(size))
		if _, taken := used[port]; taken {
			a.log.Debug("port collision, drawing another", "port", port)
			continue
		}
		return port, nil
	}
	return 0, ErrExhausted
}

func (a *Allocator) usedPorts(ctx context.Context) (map[int]struct{}, error) {
	used := map[int]struct{}{}
	states, err := a.states.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("read allocated ports: %w", err)
	}
	for _, s := range states {
		for _, p := range s.HostPorts() {
			used[p] = struct{}{}
		}
	}
	return used, nil
}

type resetter interface {
	ResetPortCounter(ctx context.Context) error
}

// Reset rewinds the shared counter when the counter supports it.
func (a *Allocator) Reset(ctx context.Context) error {
	r, ok := a.counter.(resetter)
	if !ok {
		return nil
	}
	return r.ResetPortCounter(ctx)
}
