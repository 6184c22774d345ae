package watchdog

import (
	"context"
	"os"
	"strconv"

	"github.com/loykin/streamvisor/internal/ffmpeg"
	"github.com/loykin/streamvisor/internal/history"
	"github.com/loykin/streamvisor/internal/metrics"
	"github.com/loykin/streamvisor/internal/store"
)

// reapZombies kills managed processes and stops relay containers that no
// StreamState references. States read at the start of the tick are kept in
// the reference set so a stream that is being restarted is not reaped.
func (w *Watchdog) reapZombies(ctx context.Context, seen []*store.StreamState) ([]int, []string) {
	states, err := w.st.Streams.GetAll(ctx)
	if err != nil {
		w.log.Warn("read stream states for zombie check failed", "error", err)
		return nil, nil
	}
	states = append(states, seen...)
	return w.reapProcesses(ctx, states), w.reapContainers(ctx, states)
}

func (w *Watchdog) reapProcesses(ctx context.Context, states []*store.StreamState) []int {
	referenced := map[int]struct{}{os.Getpid(): {}}
	for _, s := range states {
		for _, pid := range s.PIDs() {
			referenced[pid] = struct{}{}
		}
	}
	procs, err := w.procs.List(ctx, w.opts.ProcessName)
	if err != nil {
		w.log.Warn("list processes failed", "name", w.opts.ProcessName, "error", err)
		return nil
	}
	var killed []int
	for _, p := range procs {
		if _, ok := referenced[p.PID]; ok {
			continue
		}
		if ffmpeg.IsProbe(p.Cmdline) {
			continue
		}
		if err := w.st.Zombies.Add(ctx, store.ZombieProcess, strconv.Itoa(p.PID)); err != nil {
			w.log.Warn("record zombie process failed", "pid", p.PID, "error", err)
		}
		if err := w.procs.Kill(p.PID); err != nil {
			w.log.Error("kill zombie process failed", "pid", p.PID, "error", err)
			continue
		}
		w.log.Warn("killed zombie process", "pid", p.PID, "name", p.Name)
		metrics.IncZombie(store.ZombieProcess)
		w.history.Record(history.Event{Type: history.EventZombie, Resource: store.ZombieProcess, PID: p.PID})
		killed = append(killed, p.PID)
	}
	return killed
}

func (w *Watchdog) reapContainers(ctx context.Context, states []*store.StreamState) []string {
	if w.containers == nil || w.relays == nil {
		return nil
	}
	referenced := map[string]struct{}{}
	for _, s := range states {
		if s.MSContainerName != "" {
			referenced[s.MSContainerName] = struct{}{}
		}
	}
	hs, err := w.containers.ListWithPrefix(ctx, w.relays.Prefixes())
	if err != nil {
		w.log.Warn("list relay containers failed", "error", err)
		return nil
	}
	var stopped []string
	for _, h := range hs {
		if _, ok := referenced[h.Name]; ok {
			continue
		}
		if err := w.st.Zombies.Add(ctx, store.ZombieContainer, h.Name); err != nil {
			w.log.Warn("record zombie container failed", "container", h.Name, "error", err)
		}
		if err := w.containers.Stop(ctx, h.Name); err != nil {
			w.log.Error("stop zombie container failed", "container", h.Name, "error", err)
			continue
		}
		w.log.Warn("stopped unreferenced relay container", "container", h.Name)
		metrics.IncZombie(store.ZombieContainer)
		w.history.Record(history.Event{Type: history.EventZombie, Resource: store.ZombieContainer, Detail: h.Name})
		stopped = append(stopped, h.Name)
	}
	return stopped
}

// checkConflicts restarts sources that should be running but have no
// StreamState.
func (w *Watchdog) checkConflicts(ctx context.Context) []string {
	sources, err := w.st.Sources.GetAll(ctx)
	if err != nil {
		w.log.Warn("read sources for conflict check failed", "error", err)
		return nil
	}
	var conflicts []string
	for _, src := range sources {
		if !src.ShouldRun() {
			continue
		}
		ok, err := w.st.Streams.Exists(ctx, src.ID)
		if err != nil || ok {
			continue
		}
		w.log.Warn("source should be running but has no stream state", "id", src.ID, "name", src.Name)
		w.fail(ctx, &store.StreamState{ID: src.ID, Brand: src.Brand, Name: src.Name, Address: src.Address}, CheckConflict)
		conflicts = append(conflicts, src.ID)
	}
	return conflicts
}
