// Package orchestrator starts, stops and restarts the pipeline of one source:
// its relay container, its feeder and the optional downstream subprocesses.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/streamvisor/internal/container"
	"github.com/loykin/streamvisor/internal/detector"
	"github.com/loykin/streamvisor/internal/eventbus"
	"github.com/loykin/streamvisor/internal/ffmpeg"
	"github.com/loykin/streamvisor/internal/history"
	"github.com/loykin/streamvisor/internal/layout"
	"github.com/loykin/streamvisor/internal/logger"
	"github.com/loykin/streamvisor/internal/metrics"
	"github.com/loykin/streamvisor/internal/ports"
	"github.com/loykin/streamvisor/internal/process"
	"github.com/loykin/streamvisor/internal/relay"
	"github.com/loykin/streamvisor/internal/result"
	"github.com/loykin/streamvisor/internal/starter"
	"github.com/loykin/streamvisor/internal/store"
)

// Pipeline phases.
const (
	PhaseIdle     = "idle"
	PhaseStarting = "starting"
	PhaseRunning  = "running"
	PhaseStopping = "stopping"
)

// Bus publishes responses and serves request channels.
type Bus interface {
	eventbus.Publisher
	Listen(ctx context.Context, channel string, h eventbus.Handler) error
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store      *store.Store
	Bus        Bus
	Containers *container.Manager
	Relays     *relay.Registry
	Ports      *ports.Allocator
	Layout     layout.Layout
	Builder    ffmpeg.Builder
	ProcessLog logger.FileConfig
	Environ    []string
	History    *history.Recorder
	Log        *slog.Logger
	// Background is the parent context of subprocess goroutines. They
	// outlive the request that started them.
	Background context.Context
}

type Options struct {
	MaxRetries    int
	RestartSettle time.Duration
	InitInterval  time.Duration
	PollInterval  time.Duration
}

type Orchestrator struct {
	st         *store.Store
	bus        Bus
	containers *container.Manager
	relays     *relay.Registry
	ports      *ports.Allocator
	layout     layout.Layout
	history    *history.Recorder
	log        *slog.Logger
	bg         context.Context
	opts       Options

	feeder   starter.Starter
	segment  starter.Starter
	reader   starter.Starter
	recorder starter.Starter
	snapshot starter.Starter

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
	running sync.WaitGroup
}

func New(d Deps, opts Options) *Orchestrator {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	log = logger.WithComponent(log, "orchestrator")
	bg := d.Background
	if bg == nil {
		bg = context.Background()
	}
	env := starter.Env{
		Builder:      d.Builder,
		States:       d.Store.Streams,
		ProcessLog:   d.ProcessLog,
		Environ:      d.Environ,
		MaxRetries:   opts.MaxRetries,
		PollInterval: opts.PollInterval,
		Log:          logger.WithComponent(log, "starter"),
	}
	relays := d.Relays
	o := &Orchestrator{
		st:         d.Store,
		bus:        d.Bus,
		containers: d.Containers,
		relays:     relays,
		ports:      d.Ports,
		layout:     d.Layout,
		history:    d.History,
		log:        log,
		bg:         bg,
		opts:       opts,
		feeder:     &starter.Feeder{Env: env},
		segment:    &starter.SegmentWriter{Env: env},
		reader:     &starter.PipeReader{Env: env, Bus: d.Bus},
		recorder: &starter.Recorder{Env: env, Settle: opts.InitInterval, WarmUp: func(msType int) bool {
			k, err := relays.Lookup(msType)
			return err == nil && k.WarmUp()
		}},
		snapshot: &starter.Snapshotter{Env: env},
		locks:    map[string]*sync.Mutex{},
	}
	return o
}

// lock serialises operations on one stream id within this process.
func (o *Orchestrator) lock(id string) func() {
	o.locksMu.Lock()
	m, ok := o.locks[id]
	if !ok {
		m = &sync.Mutex{}
		o.locks[id] = m
	}
	o.locksMu.Unlock()
	m.Lock()
	return m.Unlock
}

// Wait blocks until every subprocess goroutine started by this orchestrator
// has returned.
func (o *Orchestrator) Wait() { o.running.Wait() }

func (o *Orchestrator) phase(id, from, to string) {
	metrics.RecordStateTransition(from, to)
	o.log.Debug("pipeline phase", "id", id, "from", from, "to", to)
}

func (o *Orchestrator) runBackground(s starter.Starter, h *starter.Handle) {
	o.running.Add(1)
	done := starter.RunBackground(o.bg, o.log, s, h)
	go func() {
		<-done
		o.running.Done()
	}()
}

// Start brings up the pipeline of src unless its feeder is already alive.
// The resulting state is published on start_stream_response; a start that
// finds a live feeder is a no-op and publishes nothing.
func (o *Orchestrator) Start(ctx context.Context, src *store.Source) result.Result {
	unlock := o.lock(src.ID)
	defer unlock()
	return o.start(ctx, src)
}

func (o *Orchestrator) start(ctx context.Context, src *store.Source) result.Result {
	const op = "start"
	began := time.Now()

	prev, err := o.st.Streams.Get(ctx, src.ID)
	switch {
	case err == nil && prev.PID > 0 && detector.Alive(detector.KindPID, prev.PID):
		// a live feeder means a previous start already answered
		o.log.Info("stream already running", "id", src.ID, "pid", prev.PID)
		metrics.IncStart("noop")
		return result.Ok(op)
	case err == nil:
		o.log.Info("replacing stale stream state", "id", src.ID, "pid", prev.PID)
		o.killAll(prev)
	case !errors.Is(err, store.ErrNotFound):
		o.log.Warn("read stream state failed", "id", src.ID, "error", err)
	}

	o.phase(src.ID, PhaseIdle, PhaseStarting)
	res := o.bringUp(ctx, src)
	if res.IsOK() {
		o.phase(src.ID, PhaseStarting, PhaseRunning)
		metrics.ObserveStartDuration(time.Since(began).Seconds())
	} else {
		o.log.Warn("stream start incomplete", "id", src.ID, "error", res.Err)
	}
	metrics.IncStart(res.Kind.String())

	cur, err := o.st.Streams.Get(ctx, src.ID)
	if err != nil {
		o.publish(ctx, eventbus.StartStreamResponse, src)
	} else {
		o.publish(ctx, eventbus.StartStreamResponse, cur)
		o.history.Record(history.Event{
			Type: history.EventStart, StreamID: src.ID, Name: src.Name, Address: src.Address,
			Resource: starter.KindFeeder, PID: cur.PID, Detail: res.Kind.String(),
		})
	}
	return res
}

func (o *Orchestrator) bringUp(ctx context.Context, src *store.Source) result.Result {
	const op = "start"
	kind, err := o.relays.Lookup(src.MSType)
	if err != nil {
		return result.Retry(op, err)
	}

	st := store.NewStreamState(src, time.Now().Unix())
	paths := o.layout.Resolve(src)
	if st.HLSEnabled {
		st.HLSOutputPath = paths.HLSIndex
	}
	st.RecordOutputFolderPath = paths.RecordDir
	st.AIClipFolderPath = paths.AIClipDir
	st.SnapshotOutputPath = paths.SnapshotFile
	if err := paths.Ensure(); err != nil {
		o.log.Warn("could not create stream directories", "id", src.ID, "error", err)
	}

	hostPorts, err := o.ports.AllocateN(ctx, len(kind.InternalPorts()))
	if err != nil {
		return result.Retry(op, fmt.Errorf("allocate ports: %w", err))
	}
	inst, err := relay.Bind(kind, src.ID, hostPorts)
	if err != nil {
		return result.Retry(op, err)
	}
	if err := st.SetPorts(inst.Ports); err != nil {
		return result.Retry(op, err)
	}
	st.MSImageName = kind.Image()
	st.MSContainerName = inst.ContainerName
	st.MSAddress = kind.PushAddress(inst)
	st.MSStreamAddress = kind.PullAddress(inst)
	st.MSContainerCommands = strings.Join(kind.Commands(), ",")

	// the state is written before anything is launched so stop can always
	// find what start created
	if err := o.st.Streams.Add(ctx, st); err != nil {
		return result.Retry(op, fmt.Errorf("write stream state: %w", err))
	}

	if _, err := o.containers.Start(ctx, relay.RunSpec(kind, inst)); err != nil {
		return result.Retry(op, fmt.Errorf("start relay %s: %w", inst.ContainerName, err))
	}
	if err := kind.AwaitReady(ctx, inst); err != nil {
		o.log.Warn("relay readiness check failed", "id", src.ID, "container", inst.ContainerName, "error", err)
	}
	if _, err := o.st.Streams.Update(ctx, src.ID, map[string]any{store.FieldMSInitialized: true}); err != nil {
		o.log.Warn("mark relay initialized failed", "id", src.ID, "error", err)
	}
	st.MSInitialized = true

	h, err := o.feeder.Create(ctx, src, st)
	if err != nil {
		return result.Retry(op, err)
	}
	metrics.IncSubprocessStart(starter.KindFeeder)
	o.runBackground(o.feeder, h)

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, s := range o.downstream(st) {
		g.Go(func() error {
			h, err := s.Create(ctx, src, st)
			if err != nil {
				o.log.Warn("subprocess not started", "id", src.ID, "kind", s.Kind(), "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", s.Kind(), err))
				mu.Unlock()
				return nil
			}
			metrics.IncSubprocessStart(s.Kind())
			o.runBackground(s, h)
			return nil
		})
	}
	_ = g.Wait()
	if len(errs) > 0 {
		return result.Retry(op, errors.Join(errs...))
	}
	return result.Ok(op)
}

// downstream returns the enabled starters that read from the relay.
func (o *Orchestrator) downstream(st *store.StreamState) []starter.Starter {
	var out []starter.Starter
	if st.HLSEnabled {
		out = append(out, o.segment)
	}
	if st.ReaderEnabled {
		out = append(out, o.reader)
	}
	if st.RecordEnabled {
		out = append(out, o.recorder)
	}
	if st.SnapshotEnabled {
		out = append(out, o.snapshot)
	}
	return out
}

// Stop tears down the pipeline of id. The state is removed first so late
// pid writes are dropped, then every recorded subprocess and the relay are
// killed. The removed state is published on stop_stream_response.
func (o *Orchestrator) Stop(ctx context.Context, id string) result.Result {
	unlock := o.lock(id)
	defer unlock()
	return o.stop(ctx, id)
}

func (o *Orchestrator) stop(ctx context.Context, id string) result.Result {
	const op = "stop"
	prev, err := o.st.Streams.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		o.log.Info("no stream state to stop", "id", id)
		o.stopOrphanRelay(ctx, id)
		metrics.IncStop("noop")
		o.publish(ctx, eventbus.StopStreamResponse, map[string]string{"id": id})
		return result.Ok(op)
	}
	if err != nil {
		metrics.IncStop(result.Retryable.String())
		return result.Retry(op, err)
	}

	o.phase(id, PhaseRunning, PhaseStopping)
	var errs []error
	if _, err := o.st.Streams.Remove(ctx, id); err != nil {
		errs = append(errs, fmt.Errorf("remove state: %w", err))
	}
	errs = append(errs, o.killAll(prev)...)
	if prev.HLSEnabled && prev.HLSOutputPath != "" {
		paths := layout.Paths{StreamDir: filepath.Dir(prev.HLSOutputPath)}
		if err := paths.RemoveHLS(); err != nil {
			errs = append(errs, fmt.Errorf("remove hls output: %w", err))
		}
	}
	if prev.MSContainerName != "" {
		if err := o.containers.Stop(ctx, prev.MSContainerName); err != nil {
			errs = append(errs, fmt.Errorf("stop relay: %w", err))
		}
	}
	o.phase(id, PhaseStopping, PhaseIdle)

	o.publish(ctx, eventbus.StopStreamResponse, prev)
	o.history.Record(history.Event{
		Type: history.EventStop, StreamID: id, Name: prev.Name, Address: prev.Address,
		Resource: starter.KindFeeder, PID: prev.PID,
	})
	res := result.From(op, errors.Join(errs...))
	if !res.IsOK() {
		o.log.Warn("stream stop incomplete", "id", id, "error", res.Err)
	}
	metrics.IncStop(res.Kind.String())
	return res
}

// stopOrphanRelay removes a relay container that outlived its state.
func (o *Orchestrator) stopOrphanRelay(ctx context.Context, id string) {
	src, err := o.st.Sources.Get(ctx, id)
	if err != nil {
		return
	}
	kind, err := o.relays.Lookup(src.MSType)
	if err != nil {
		return
	}
	if err := o.containers.Stop(ctx, relay.ContainerName(kind, id)); err != nil {
		o.log.Warn("stop orphan relay failed", "id", id, "error", err)
	}
}

// killAll SIGKILLs every pid recorded on st. Missing processes are ignored.
func (o *Orchestrator) killAll(st *store.StreamState) []error {
	var errs []error
	for _, pid := range st.PIDs() {
		if err := process.KillPID(pid); err != nil {
			o.log.Warn("kill subprocess failed", "id", st.ID, "pid", pid, "error", err)
			errs = append(errs, err)
		}
	}
	return errs
}

// Restart stops then starts src. A failed stop does not prevent the start.
func (o *Orchestrator) Restart(ctx context.Context, src *store.Source) result.Result {
	unlock := o.lock(src.ID)
	defer unlock()

	if r := o.stop(ctx, src.ID); !r.IsOK() {
		o.log.Warn("stop before restart failed", "id", src.ID, "error", r.Err)
	}
	if o.opts.RestartSettle > 0 {
		t := time.NewTimer(o.opts.RestartSettle)
		select {
		case <-ctx.Done():
			t.Stop()
			return result.Retry("restart", ctx.Err())
		case <-t.C:
		}
	}
	metrics.IncRestart("request")
	o.history.Record(history.Event{Type: history.EventRestart, StreamID: src.ID, Name: src.Name, Address: src.Address})
	return o.start(ctx, src)
}

func (o *Orchestrator) publish(ctx context.Context, channel string, v any) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, channel, v); err != nil {
		o.log.Warn("publish failed", "channel", channel, "error", err)
	}
}
