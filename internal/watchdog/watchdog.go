// Package watchdog periodically compares the recorded runtime state of every
// stream against reality and republishes restarts for the ones that drifted.
package watchdog

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loykin/streamvisor/internal/config"
	"github.com/loykin/streamvisor/internal/container"
	"github.com/loykin/streamvisor/internal/eventbus"
	"github.com/loykin/streamvisor/internal/history"
	"github.com/loykin/streamvisor/internal/logger"
	"github.com/loykin/streamvisor/internal/metrics"
	"github.com/loykin/streamvisor/internal/process"
	"github.com/loykin/streamvisor/internal/relay"
	"github.com/loykin/streamvisor/internal/store"
)

// rateSlack absorbs ticker jitter so a tick that fires on schedule is never
// mistaken for an early one.
const rateSlack = time.Second

// Options are the tunables of a Watchdog.
type Options struct {
	Interval         time.Duration
	FailedWait       time.Duration
	ZombieMultiplier int
	NotifyFailed     bool
	CheckConflicts   bool
	// ProcessName is the executable name reaped when unreferenced.
	ProcessName string
}

func OptionsFromConfig(cfg config.WatchdogConfig) Options {
	return Options{
		Interval:         cfg.Interval,
		FailedWait:       cfg.FailedWaitInterval,
		ZombieMultiplier: cfg.ZombieMultiplier,
		NotifyFailed:     cfg.NotifyFailed,
		CheckConflicts:   cfg.CheckConflicts,
		ProcessName:      cfg.ProcessName,
	}
}

func (o Options) withDefaults() Options {
	if o.Interval < config.MinWatchdogInterval {
		o.Interval = config.MinWatchdogInterval
	}
	if o.FailedWait < config.MinWatchdogFailedInterval {
		o.FailedWait = config.MinWatchdogFailedInterval
	}
	if o.ZombieMultiplier <= 0 {
		o.ZombieMultiplier = 6
	}
	if o.ProcessName == "" {
		o.ProcessName = "ffmpeg"
	}
	return o
}

// Deps are the collaborators of a Watchdog. Now and Sleep default to the
// wall clock.
type Deps struct {
	Store      *store.Store
	Bus        eventbus.Publisher
	Containers *container.Manager
	Relays     *relay.Registry
	Procs      process.Table
	History    *history.Recorder
	Log        *slog.Logger
	Now        func() time.Time
	Sleep      func(ctx context.Context, d time.Duration)
}

// Skip reasons reported by Tick.
const (
	SkipBusy        = "busy"
	SkipRateLimited = "rate_limited"
)

// Report summarises one tick.
type Report struct {
	Skipped string
	Checked int
	// Failed maps a stream id to the check it failed.
	Failed            map[string]Check
	Reaped            bool
	KilledPIDs        []int
	StoppedContainers []string
	Conflicts         []string
}

type Watchdog struct {
	st         *store.Store
	bus        eventbus.Publisher
	containers *container.Manager
	relays     *relay.Registry
	procs      process.Table
	history    *history.Recorder
	log        *slog.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration)
	opts       Options

	busy atomic.Bool
	// the fields below are only touched while busy is held
	lastPass      time.Time
	zombieCounter int
}

func New(d Deps, opts Options) *Watchdog {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	w := &Watchdog{
		st:            d.Store,
		bus:           d.Bus,
		containers:    d.Containers,
		relays:        d.Relays,
		procs:         d.Procs,
		history:       d.History,
		log:           logger.WithComponent(log, "watchdog"),
		now:           d.Now,
		sleep:         d.Sleep,
		opts:          opts.withDefaults(),
		zombieCounter: 1,
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.sleep == nil {
		w.sleep = sleepCtx
	}
	if w.procs == nil {
		w.procs = process.SystemTable{}
	}
	return w
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *Watchdog) Interval() time.Duration { return w.opts.Interval }

// Run republishes a restart for every stream found at boot, then ticks
// every interval until ctx is done.
func (w *Watchdog) Run(ctx context.Context) error {
	w.log.Info("watchdog starting", "interval", w.opts.Interval, "failed_wait", w.opts.FailedWait,
		"zombie_multiplier", w.opts.ZombieMultiplier)
	if err := w.Boot(ctx); err != nil {
		w.log.Warn("boot recovery failed", "error", err)
	}
	t := time.NewTicker(w.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			go w.Tick(ctx)
		}
	}
}

// Boot republishes a restart request for every StreamState in the store.
func (w *Watchdog) Boot(ctx context.Context) error {
	states, err := w.st.Streams.GetAll(ctx)
	if err != nil {
		return err
	}
	for _, s := range states {
		w.log.Info("recovering stream from previous run", "id", s.ID)
		w.publishRestart(ctx, s)
	}
	return nil
}

// Tick runs one health pass. A tick that overlaps a running one, or comes
// before the interval has elapsed since the last pass, returns early.
func (w *Watchdog) Tick(ctx context.Context) Report {
	if !w.busy.CompareAndSwap(false, true) {
		w.log.Warn("watchdog tick skipped, previous tick still running")
		metrics.IncWatchdogTick(SkipBusy)
		return Report{Skipped: SkipBusy}
	}
	defer w.busy.Store(false)

	began := w.now()
	if !w.lastPass.IsZero() && began.Sub(w.lastPass) < w.opts.Interval-rateSlack {
		w.log.Debug("watchdog tick rate limited", "since_last", began.Sub(w.lastPass))
		metrics.IncWatchdogTick(SkipRateLimited)
		return Report{Skipped: SkipRateLimited}
	}
	w.log.Info("watchdog tick starting")

	rep := Report{Failed: map[string]Check{}}
	states, err := w.st.Streams.GetAll(ctx)
	if err != nil {
		w.log.Error("read stream states failed", "error", err)
		metrics.IncWatchdogTick("error")
		return rep
	}
	metrics.SetActiveStreams(len(states))
	w.collectRecStucks(ctx, states)

	for _, s := range states {
		rep.Checked++
		if c, failed := w.checkStream(ctx, s); failed {
			rep.Failed[s.ID] = c
		}
	}

	if w.zombieCounter%w.opts.ZombieMultiplier == 0 {
		rep.Reaped = true
		rep.KilledPIDs, rep.StoppedContainers = w.reapZombies(ctx, states)
	}
	w.zombieCounter++
	if w.zombieCounter > w.opts.ZombieMultiplier*1000 {
		w.zombieCounter = 1
	}

	if len(rep.Failed) == 0 && w.opts.CheckConflicts {
		rep.Conflicts = w.checkConflicts(ctx)
	}

	w.lastPass = began
	metrics.IncWatchdogTick("completed")
	metrics.ObserveWatchdogTick(w.now().Sub(began).Seconds())
	w.log.Info("watchdog tick finished", "streams", rep.Checked, "failed", len(rep.Failed))
	return rep
}

// collectRecStucks removes stuck-recording records of streams that are gone.
func (w *Watchdog) collectRecStucks(ctx context.Context, states []*store.StreamState) {
	live := make(map[string]struct{}, len(states))
	for _, s := range states {
		live[s.ID] = struct{}{}
	}
	recs, err := w.st.RecStuck.GetAll(ctx)
	if err != nil {
		w.log.Warn("read recstuck records failed", "error", err)
		return
	}
	for _, r := range recs {
		if _, ok := live[r.ID]; ok {
			continue
		}
		if err := w.st.RecStuck.Remove(ctx, r.ID); err != nil {
			w.log.Warn("remove recstuck record failed", "id", r.ID, "error", err)
			continue
		}
		w.log.Info("removed recstuck record of a deleted stream", "id", r.ID)
	}
}
