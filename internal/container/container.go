// Package container runs and reaps the relay containers through a container
// runtime. The Docker engine is the production runtime.
package container

import (
	"context"
	"log/slog"
	"strings"
)

// State values reported by the runtime.
const (
	StateRunning = "running"
	StateExited  = "exited"
	StateCreated = "created"
)

// RunSpec describes a container to run. Ports maps internal container ports
// ("1935") to host ports ("7001").
type RunSpec struct {
	Name     string
	Image    string
	Ports    map[string]string
	Commands []string
}

// Handle identifies a container known to the runtime.
type Handle struct {
	ID    string
	Name  string
	Image string
	State string
}

func (h Handle) Running() bool { return h.State == StateRunning }

// Runtime is the subset of a container engine the supervisor needs.
type Runtime interface {
	// Run creates and starts a container with restart policy unless-stopped.
	Run(ctx context.Context, spec RunSpec) (Handle, error)
	// Get returns the container named name, if any.
	Get(ctx context.Context, name string) (Handle, bool, error)
	// Stop stops and removes the container. A missing container is not an error.
	Stop(ctx context.Context, name string) error
	// List returns every container, running or not.
	List(ctx context.Context) ([]Handle, error)
}

// Manager adds the idempotent start semantics on top of a Runtime.
type Manager struct {
	rt  Runtime
	log *slog.Logger
}

func NewManager(rt Runtime, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{rt: rt, log: log.With("component", "container")}
}

func (m *Manager) Runtime() Runtime { return m.rt }

// Start runs spec. A container with the same name is stopped and removed
// first so a fresh relay never inherits a stale channel key.
func (m *Manager) Start(ctx context.Context, spec RunSpec) (Handle, error) {
	if _, ok, err := m.rt.Get(ctx, spec.Name); err != nil {
		m.log.Warn("lookup of existing container failed", "name", spec.Name, "error", err)
	} else if ok {
		m.log.Info("removing existing container before start", "name", spec.Name)
		if err := m.rt.Stop(ctx, spec.Name); err != nil {
			m.log.Warn("could not remove existing container", "name", spec.Name, "error", err)
		}
	}
	h, err := m.rt.Run(ctx, spec)
	if err != nil {
		return Handle{}, err
	}
	m.log.Info("container started", "name", h.Name, "image", h.Image, "ports", spec.Ports)
	return h, nil
}

func (m *Manager) Get(ctx context.Context, name string) (Handle, bool, error) {
	return m.rt.Get(ctx, name)
}

func (m *Manager) Stop(ctx context.Context, name string) error {
	return m.rt.Stop(ctx, name)
}

func (m *Manager) ListAll(ctx context.Context) ([]Handle, error) {
	return m.rt.List(ctx)
}

// ListWithPrefix returns the containers whose name starts with any prefix.
func (m *Manager) ListWithPrefix(ctx context.Context, prefixes []string) ([]Handle, error) {
	all, err := m.rt.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Handle
	for _, h := range all {
		for _, p := range prefixes {
			if strings.HasPrefix(h.Name, p) {
				out = append(out, h)
				break
			}
		}
	}
	return out, nil
}
