// Package relay describes the media relay containers a stream pushes into.
// Each relay kind is a Kind registered in a Registry keyed by ms_type.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/streamvisor/internal/config"
	"github.com/loykin/streamvisor/internal/container"
)

// ErrUnknownKind is returned when no kind is registered for an ms_type.
var ErrUnknownKind = errors.New("relay: unknown kind")

const Host = "127.0.0.1"

// Options carry the settings every kind shares.
type Options struct {
	InitInterval time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
	HTTP         *http.Client
	Log          *slog.Logger
}

func OptionsFromConfig(cfg config.FFmpegConfig, log *slog.Logger) Options {
	return Options{
		InitInterval: cfg.MSInitInterval,
		MaxRetries:   cfg.MaxOperationRetryCount,
		RetryDelay:   time.Second,
		HTTP:         &http.Client{Timeout: 5 * time.Second},
		Log:          log,
	}
}

func (o Options) withDefaults() Options {
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 1
	}
	if o.HTTP == nil {
		o.HTTP = &http.Client{Timeout: 5 * time.Second}
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	return o
}

// Instance is one relay container bound to host ports. Ports maps internal
// container ports to host ports.
type Instance struct {
	SourceID      string
	ContainerName string
	Ports         map[string]string
}

// HostPort returns the host port bound to an internal port, or 0.
func (i Instance) HostPort(internal int) int {
	p, _ := strconv.Atoi(i.Ports[strconv.Itoa(internal)])
	return p
}

// Kind is the capability set of a relay implementation.
type Kind interface {
	// Type is the ms_type value stored on sources.
	Type() int
	Name() string
	// Prefix is prepended to the source id to form the container name.
	Prefix() string
	Image() string
	InternalPorts() []int
	Commands() []string
	// PushAddress is where the feeder publishes.
	PushAddress(inst Instance) string
	// PullAddress is where downstream processes read from.
	PullAddress(inst Instance) string
	// AwaitReady blocks until the relay accepts publishers.
	AwaitReady(ctx context.Context, inst Instance) error
	// WarmUp reports whether readers need to wait for a channel key to
	// settle before connecting.
	WarmUp() bool
}

// ContainerName is the canonical container name of id under k.
func ContainerName(k Kind, id string) string { return k.Prefix() + id }

// RunSpec builds the container spec of an instance.
func RunSpec(k Kind, inst Instance) container.RunSpec {
	return container.RunSpec{
		Name:     inst.ContainerName,
		Image:    k.Image(),
		Ports:    inst.Ports,
		Commands: k.Commands(),
	}
}

// Bind pairs the kind's internal ports with the given host ports, in order.
func Bind(k Kind, id string, hostPorts []int) (Instance, error) {
	internal := k.InternalPorts()
	if len(hostPorts) != len(internal) {
		return Instance{}, fmt.Errorf("%s needs %d ports, got %d", k.Name(), len(internal), len(hostPorts))
	}
	m := make(map[string]string, len(internal))
	for i, p := range internal {
		m[strconv.Itoa(p)] = strconv.Itoa(hostPorts[i])
	}
	return Instance{SourceID: id, ContainerName: ContainerName(k, id), Ports: m}, nil
}

type Registry struct {
	mu    sync.RWMutex
	kinds map[int]Kind
}

func NewRegistry() *Registry {
	return &Registry{kinds: map[int]Kind{}}
}

// DefaultRegistry registers every built-in kind.
func DefaultRegistry(opts Options) *Registry {
	opts = opts.withDefaults()
	r := NewRegistry()
	r.Register(NewGo2RTC(opts))
	r.Register(NewSRS(opts))
	r.Register(NewLiveGo(opts))
	r.Register(NewNMS(opts))
	r.Register(NewSRSRealtime(opts))
	return r
}

// Register adds k, replacing any kind with the same type.
func (r *Registry) Register(k Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[k.Type()] = k
}

func (r *Registry) Lookup(msType int) (Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[msType]
	if !ok {
		return nil, fmt.Errorf("%w: ms_type %d", ErrUnknownKind, msType)
	}
	return k, nil
}

// Prefixes returns the container name prefixes of every registered kind,
// sorted.
func (r *Registry) Prefixes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for _, k := range r.kinds {
		out = append(out, k.Prefix())
	}
	sort.Strings(out)
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
