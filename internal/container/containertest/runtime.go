// Package containertest provides an in-memory container runtime for tests.
package containertest

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"

	"github.com/loykin/streamvisor/internal/container"
)

// Runtime is an in-memory container.Runtime. It records every Run and Stop.
type Runtime struct {
	mu         sync.Mutex
	containers map[string]container.Handle
	specs      map[string]container.RunSpec
	nextID     int

	Runs    []container.RunSpec
	Stopped []string
	// RunErr, when set, is returned by Run.
	RunErr error
}

func New() *Runtime {
	return &Runtime{containers: map[string]container.Handle{}, specs: map[string]container.RunSpec{}}
}

func (r *Runtime) Run(_ context.Context, spec container.RunSpec) (container.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.RunErr != nil {
		return container.Handle{}, r.RunErr
	}
	if _, ok := r.containers[spec.Name]; ok {
		return container.Handle{}, errors.New("conflict: container name in use: " + spec.Name)
	}
	r.nextID++
	h := container.Handle{ID: spec.Name + "-" + strconv.Itoa(r.nextID), Name: spec.Name, Image: spec.Image, State: container.StateRunning}
	r.containers[spec.Name] = h
	r.specs[spec.Name] = spec
	r.Runs = append(r.Runs, spec)
	return h, nil
}

func (r *Runtime) Get(_ context.Context, name string) (container.Handle, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.containers[name]
	return h, ok, nil
}

func (r *Runtime) Stop(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.containers[name]; ok {
		delete(r.containers, name)
		delete(r.specs, name)
		r.Stopped = append(r.Stopped, name)
	}
	return nil
}

func (r *Runtime) List(_ context.Context) ([]container.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]container.Handle, 0, len(r.containers))
	for _, h := range r.containers {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Add registers a container as if it had been started outside the runtime.
func (r *Runtime) Add(name, image, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers[name] = container.Handle{ID: name + "-id", Name: name, Image: image, State: state}
}

// SetState changes the state of a known container, e.g. to simulate a crash.
func (r *Runtime) SetState(name, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.containers[name]; ok {
		h.State = state
		r.containers[name] = h
	}
}

// Spec returns the spec the named container was started with.
func (r *Runtime) Spec(name string) (container.RunSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.specs[name]
	return s, ok
}

// Names returns the names of the current containers, sorted.
func (r *Runtime) Names() []string {
	hs, _ := r.List(context.Background())
	out := make([]string, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.Name)
	}
	return out
}
