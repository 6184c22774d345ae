package watchdog

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/loykin/streamvisor/internal/container"
	"github.com/loykin/streamvisor/internal/container/containertest"
	"github.com/loykin/streamvisor/internal/process"
	"github.com/loykin/streamvisor/internal/relay"
	"github.com/loykin/streamvisor/internal/store"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sleep on Unix-like systems")
	}
}

// recordingBus keeps every published payload in memory.
type recordingBus struct {
	mu   sync.Mutex
	msgs map[string][][]byte
}

func (b *recordingBus) Publish(_ context.Context, channel string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.msgs == nil {
		b.msgs = map[string][][]byte{}
	}
	b.msgs[channel] = append(b.msgs[channel], raw)
	return nil
}

func (b *recordingBus) ids(channel string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, raw := range b.msgs[channel] {
		var v struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(raw, &v)
		out = append(out, v.ID)
	}
	return out
}

type fakeTable struct {
	mu     sync.Mutex
	procs  []process.Info
	killed []int
}

func (f *fakeTable) List(_ context.Context, name string) ([]process.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []process.Info
	for _, p := range f.procs {
		if p.Name == name {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeTable) Kill(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, pid)
	return nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time           { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	st     *store.Store
	bus    *recordingBus
	rt     *containertest.Runtime
	table  *fakeTable
	clock  *clock
	sleeps []time.Duration
	w      *Watchdog
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	f := &fixture{
		st:    store.New(rdb, nil),
		bus:   &recordingBus{},
		rt:    containertest.New(),
		table: &fakeTable{},
		clock: &clock{t: time.Unix(1_700_000_000, 0)},
	}
	f.w = New(Deps{
		Store:      f.st,
		Bus:        f.bus,
		Containers: container.NewManager(f.rt, nil),
		Relays:     relay.DefaultRegistry(relay.Options{}),
		Procs:      f.table,
		Now:        f.clock.now,
		Sleep:      func(_ context.Context, d time.Duration) { f.sleeps = append(f.sleeps, d) },
	}, opts)
	return f
}

// tick advances the clock by one interval and runs a tick.
func (f *fixture) tick(t *testing.T) Report {
	t.Helper()
	f.clock.advance(f.w.Interval())
	rep := f.w.Tick(context.Background())
	require.Empty(t, rep.Skipped)
	return rep
}

// sleeper starts a process that lives until the test ends.
func sleeper(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("sleep", "60")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd.Process.Pid
}

// deadPID returns the pid of a process that has exited and been reaped.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("sleep", "60")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	_ = cmd.Process.Kill()
	_ = cmd.Wait()
	return pid
}

func addState(t *testing.T, st *store.Store, s *store.StreamState) {
	t.Helper()
	require.NoError(t, st.Streams.Add(context.Background(), s))
}

func TestTickRestartsStreamWithDeadFeeder(t *testing.T) {
	requireUnix(t)
	f := newFixture(t, Options{FailedWait: 3 * time.Second})
	ctx := context.Background()
	addState(t, f.st, &store.StreamState{ID: "dead", Name: "dead cam", PID: deadPID(t)})
	addState(t, f.st, &store.StreamState{ID: "ok", PID: sleeper(t)})

	rep := f.tick(t)
	require.Equal(t, 2, rep.Checked)
	require.Equal(t, map[string]Check{"dead": CheckFeeder}, rep.Failed)
	require.Equal(t, []string{"dead"}, f.bus.ids("restart_stream_request"))
	require.Equal(t, []time.Duration{3 * time.Second}, f.sleeps)

	failed, err := f.st.Failed.Get(ctx, "dead")
	require.NoError(t, err)
	require.Equal(t, 1, failed.StreamFailedCount)
	require.Equal(t, "dead cam", failed.Name)
	require.Equal(t, 10, failed.WatchdogInterval)

	st, err := f.st.Streams.Get(ctx, "dead")
	require.NoError(t, err)
	require.Equal(t, 1, st.FeederFailedCount)

	_, err = f.st.Failed.Get(ctx, "ok")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestTickStopsAtFirstFailedCheck(t *testing.T) {
	requireUnix(t)
	f := newFixture(t, Options{})
	addState(t, f.st, &store.StreamState{ID: "cam", PID: deadPID(t), RecordEnabled: true, RecordPID: deadPID(t)})

	rep := f.tick(t)
	require.Equal(t, CheckFeeder, rep.Failed["cam"])

	failed, err := f.st.Failed.Get(context.Background(), "cam")
	require.NoError(t, err)
	require.Equal(t, 1, failed.StreamFailedCount)
	require.Zero(t, failed.RecordFailedCount)
	require.Len(t, f.bus.ids("restart_stream_request"), 1)
}

func TestTickChecksEnabledResourcesOnly(t *testing.T) {
	requireUnix(t)
	f := newFixture(t, Options{})
	// the reader pid is dead but the reader is disabled
	addState(t, f.st, &store.StreamState{ID: "cam", PID: sleeper(t), ReaderPID: deadPID(t)})
	rep := f.tick(t)
	require.Empty(t, rep.Failed)

	addState(t, f.st, &store.StreamState{ID: "snap", PID: sleeper(t), SnapshotEnabled: true, SnapshotPID: deadPID(t)})
	rep = f.tick(t)
	require.Equal(t, map[string]Check{"snap": CheckSnapshotter}, rep.Failed)
	st, err := f.st.Streams.Get(context.Background(), "snap")
	require.NoError(t, err)
	require.Equal(t, 1, st.SnapshotFailedCount)
}

func TestTickDetectsStoppedContainer(t *testing.T) {
	requireUnix(t)
	f := newFixture(t, Options{})
	f.rt.Add("srs_cam", "ossrs/srs:5", container.StateExited)
	addState(t, f.st, &store.StreamState{ID: "cam", PID: sleeper(t), MSContainerName: "srs_cam"})

	rep := f.tick(t)
	require.Equal(t, CheckContainer, rep.Failed["cam"])
	failed, err := f.st.Failed.Get(context.Background(), "cam")
	require.NoError(t, err)
	require.Equal(t, 1, failed.ContainerFailedCount)
}

func TestTickGuards(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	f.w.busy.Store(true)
	require.Equal(t, SkipBusy, f.w.Tick(ctx).Skipped)
	f.w.busy.Store(false)

	require.Empty(t, f.w.Tick(ctx).Skipped)
	f.clock.advance(time.Second)
	require.Equal(t, SkipRateLimited, f.w.Tick(ctx).Skipped)
	f.clock.advance(f.w.Interval())
	require.Empty(t, f.w.Tick(ctx).Skipped)
}

func TestRecordStuckDetection(t *testing.T) {
	requireUnix(t)
	f := newFixture(t, Options{Interval: 31 * time.Second})
	ctx := context.Background()
	dir := t.TempDir()
	seg := filepath.Join(dir, "2024-01-01-00-00-00.mp4")
	require.NoError(t, os.WriteFile(seg, []byte("abc"), 0o644))
	pid := sleeper(t)
	addState(t, f.st, &store.StreamState{
		ID: "cam", PID: pid, RecordEnabled: true, RecordPID: pid,
		RecordSegmentInterval: 15, RecordOutputFolderPath: dir,
	})

	// first sighting only records the file
	require.Empty(t, f.tick(t).Failed)
	rec, err := f.st.RecStuck.Get(ctx, "cam")
	require.NoError(t, err)
	require.Equal(t, seg, rec.LastModifiedFile)
	require.EqualValues(t, 3, rec.LastModifiedSize)

	// the file grew
	require.NoError(t, os.WriteFile(seg, []byte("abcdef"), 0o644))
	require.Empty(t, f.tick(t).Failed)

	// a new file appeared
	next := filepath.Join(dir, "2024-01-01-00-00-15.mp4")
	require.NoError(t, os.WriteFile(next, []byte("x"), 0o644))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(next, later, later))
	require.Empty(t, f.tick(t).Failed)

	failed, err := f.st.Failed.Get(ctx, "cam")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Nil(t, failed)

	// nothing changed for more than two segment intervals
	rep := f.tick(t)
	require.Equal(t, CheckRecordStuck, rep.Failed["cam"])
	failed, err = f.st.Failed.Get(ctx, "cam")
	require.NoError(t, err)
	require.Equal(t, 1, failed.RecordStuckFailedCount)
	rec, err = f.st.RecStuck.Get(ctx, "cam")
	require.NoError(t, err)
	require.Equal(t, 1, rec.FailedCount)
	require.Equal(t, next, rec.FailedModifiedFile)
	require.Equal(t, []string{"cam"}, f.bus.ids("restart_stream_request"))
}

func TestRecordStuckCheckIsGatedBySegmentInterval(t *testing.T) {
	requireUnix(t)
	f := newFixture(t, Options{Interval: 10 * time.Second})
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.mp4"), []byte("abc"), 0o644))
	pid := sleeper(t)
	addState(t, f.st, &store.StreamState{
		ID: "cam", PID: pid, RecordEnabled: true, RecordPID: pid,
		RecordSegmentInterval: 15, RecordOutputFolderPath: dir,
	})

	// 10s, 20s and 30s after the first sighting are within 2 × 15s
	for i := 0; i < 4; i++ {
		require.Empty(t, f.tick(t).Failed, "tick %d", i)
	}
	require.Equal(t, CheckRecordStuck, f.tick(t).Failed["cam"])
}

func TestTickRemovesRecStuckOfDeletedStreams(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	require.NoError(t, f.st.RecStuck.Add(ctx, &store.RecStuck{ID: "gone"}))
	f.tick(t)
	_, err := f.st.RecStuck.Get(ctx, "gone")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestZombieReapCadence(t *testing.T) {
	requireUnix(t)
	f := newFixture(t, Options{ZombieMultiplier: 3})
	ctx := context.Background()
	pid := sleeper(t)
	addState(t, f.st, &store.StreamState{ID: "cam", PID: pid, MSContainerName: "srs_cam"})
	f.rt.Add("srs_cam", "ossrs/srs:5", container.StateRunning)
	f.rt.Add("srs_gone", "ossrs/srs:5", container.StateRunning)
	f.rt.Add("postgres", "postgres:16", container.StateRunning)
	f.table.procs = []process.Info{
		{PID: pid, Name: "ffmpeg"},
		{PID: 900001, Name: "ffmpeg", Cmdline: []string{"ffmpeg", "-i", "x"}},
		{PID: 900002, Name: "ffmpeg", Cmdline: []string{"ffmpeg", "-i", "rtsp://cam", "-f", "image2", "-vframes", "1", "out.jpeg"}},
		{PID: 900003, Name: "sleep"},
	}

	for i := 1; i <= 2; i++ {
		rep := f.tick(t)
		require.False(t, rep.Reaped, "tick %d", i)
	}
	require.Empty(t, f.table.killed)

	rep := f.tick(t)
	require.True(t, rep.Reaped)
	require.Equal(t, []int{900001}, rep.KilledPIDs)
	require.Equal(t, []int{900001}, f.table.killed)
	require.Equal(t, []string{"srs_gone"}, rep.StoppedContainers)
	require.Equal(t, []string{"postgres", "srs_cam"}, f.rt.Names())

	procs, err := f.st.Zombies.Members(ctx, store.ZombieProcess)
	require.NoError(t, err)
	require.Equal(t, []string{"900001"}, procs)
	docker, err := f.st.Zombies.Members(ctx, store.ZombieContainer)
	require.NoError(t, err)
	require.Equal(t, []string{"srs_gone"}, docker)

	for i := 4; i <= 5; i++ {
		require.False(t, f.tick(t).Reaped, "tick %d", i)
	}
	require.True(t, f.tick(t).Reaped)
}

func TestZombieCounterWraps(t *testing.T) {
	f := newFixture(t, Options{ZombieMultiplier: 2})
	f.w.zombieCounter = 2000
	require.True(t, f.tick(t).Reaped)
	require.Equal(t, 1, f.w.zombieCounter)
	require.False(t, f.tick(t).Reaped)
	require.True(t, f.tick(t).Reaped)
}

func TestConflictRestartsSourceWithoutState(t *testing.T) {
	f := newFixture(t, Options{CheckConflicts: true})
	ctx := context.Background()
	running := store.NewSource("cam-1", "lobby", "rtsp://10.0.0.1/1")
	running.State = store.SourceStarted
	stopped := store.NewSource("cam-2", "dock", "rtsp://10.0.0.1/2")
	stopped.State = store.SourceStopped
	require.NoError(t, f.st.Sources.Add(ctx, running))
	require.NoError(t, f.st.Sources.Add(ctx, stopped))

	rep := f.tick(t)
	require.Equal(t, []string{"cam-1"}, rep.Conflicts)
	require.Equal(t, []string{"cam-1"}, f.bus.ids("restart_stream_request"))
	failed, err := f.st.Failed.Get(ctx, "cam-1")
	require.NoError(t, err)
	require.Equal(t, 1, failed.ConflictFailedCount)
}

func TestConflictsSkippedWhenAStreamFailed(t *testing.T) {
	requireUnix(t)
	f := newFixture(t, Options{CheckConflicts: true})
	ctx := context.Background()
	src := store.NewSource("cam-1", "lobby", "rtsp://10.0.0.1/1")
	src.State = store.SourceStarted
	require.NoError(t, f.st.Sources.Add(ctx, src))
	addState(t, f.st, &store.StreamState{ID: "cam-9", PID: deadPID(t)})

	rep := f.tick(t)
	require.Len(t, rep.Failed, 1)
	require.Empty(t, rep.Conflicts)
	require.Equal(t, []string{"cam-9"}, f.bus.ids("restart_stream_request"))
}

func TestNotifyFailedPayload(t *testing.T) {
	requireUnix(t)
	f := newFixture(t, Options{NotifyFailed: true})
	addState(t, f.st, &store.StreamState{ID: "cam", Brand: "acme", Name: "gate", Address: "rtsp://gate", PID: deadPID(t)})
	f.tick(t)

	f.bus.mu.Lock()
	raw := f.bus.msgs["notify_failed"]
	f.bus.mu.Unlock()
	require.Len(t, raw, 1)
	var n FailureNotice
	require.NoError(t, json.Unmarshal(raw[0], &n))
	require.Equal(t, FailureNotice{
		FailureReason: "feeder", ID: "cam", Brand: "acme", Name: "gate", Address: "rtsp://gate",
		CreatedAt: f.clock.now().Unix(),
	}, n)
}

func TestBootRepublishesEveryState(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	src := store.NewSource("a", "a", "rtsp://a")
	require.NoError(t, f.st.Sources.Add(ctx, src))
	addState(t, f.st, &store.StreamState{ID: "a", Address: "rtsp://a"})
	addState(t, f.st, &store.StreamState{ID: "b", Address: "rtsp://b"})

	require.NoError(t, f.w.Boot(ctx))
	require.ElementsMatch(t, []string{"a", "b"}, f.bus.ids("restart_stream_request"))
}
