package task

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/loykin/streamvisor/internal/config"
	"github.com/loykin/streamvisor/internal/container"
	"github.com/loykin/streamvisor/internal/container/containertest"
	"github.com/loykin/streamvisor/internal/eventbus"
	"github.com/loykin/streamvisor/internal/ports"
	"github.com/loykin/streamvisor/internal/process"
	"github.com/loykin/streamvisor/internal/relay"
	"github.com/loykin/streamvisor/internal/store"
	"github.com/loykin/streamvisor/internal/watchdog"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

type recordingBus struct {
	mu   sync.Mutex
	msgs map[string][]string
}

func (b *recordingBus) Publish(_ context.Context, channel string, v any) error {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		s = string(raw)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.msgs == nil {
		b.msgs = map[string][]string{}
	}
	b.msgs[channel] = append(b.msgs[channel], s)
	return nil
}

func (b *recordingBus) get(channel string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.msgs[channel]...)
}

type emptyTable struct{}

func (emptyTable) List(context.Context, string) ([]process.Info, error) { return nil, nil }
func (emptyTable) Kill(int) error                                       { return nil }

type fakeSpawner struct{ names []string }

func (f *fakeSpawner) Spawn(_ context.Context, name string) (int, error) {
	f.names = append(f.names, name)
	return 40000 + len(f.names), nil
}

func TestParseOp(t *testing.T) {
	for _, op := range Catalogue() {
		got, err := ParseOp(string(op))
		require.NoError(t, err)
		require.Equal(t, op, got)
	}
	_, err := ParseOp("concat")
	require.ErrorIs(t, err, ErrUnknownOp)
	_, err = Registry{}.Lookup(OpWatchdog)
	require.ErrorIs(t, err, ErrUnknownOp)
}

func TestQueueOrderAndClear(t *testing.T) {
	_, rdb := newRedis(t)
	q := NewQueue(rdb)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, OpListenStart, 1)
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, OpWatchdog, 1)
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)

	ids, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{a.ID, b.ID}, ids)

	got, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, a.ID, got.ID)
	require.Equal(t, string(OpListenStart), got.Op)
	require.Equal(t, PhasePending, got.Status)

	n, err := q.Attempt(ctx, got.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = q.Clear(ctx)
	require.NoError(t, err)
	ids, err = q.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
	_, err = q.Get(ctx, a.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestQueuePopTimesOut(t *testing.T) {
	_, rdb := newRedis(t)
	_, err := NewQueue(rdb).Pop(context.Background(), time.Second)
	require.ErrorIs(t, err, ErrEmpty)
}

// A supervisor started after a crash clears what the previous run left
// behind and re-enqueues every op exactly once.
func TestSupervisorRecoversFromCrash(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()
	st := store.New(rdb, nil)
	q := NewQueue(rdb)
	bus := &recordingBus{}
	rt := containertest.New()
	rt.Add("srs_cam-1", "ossrs/srs:5", container.StateRunning)
	rt.Add("redis", "redis:7", container.StateRunning)

	for _, op := range Catalogue() {
		require.NoError(t, st.Tasks.Add(ctx, &store.Task{
			Op: string(op), JobID: "old-" + string(op), WorkerName: "worker-0-" + string(op),
			PID: 123456, WorkerPID: os.Getpid(),
		}))
	}
	_, err := q.Enqueue(ctx, OpWatchdog, 0)
	require.NoError(t, err)
	require.NoError(t, st.RecStuck.Add(ctx, &store.RecStuck{ID: "cam-1"}))
	_, err = st.Failed.Increment(ctx, &store.Source{ID: "cam-1"}, store.FailedStreamCount, 23, 1)
	require.NoError(t, err)
	require.NoError(t, st.Zombies.Add(ctx, store.ZombieProcess, "99"))
	_, err = st.IncrPortCounter(ctx)
	require.NoError(t, err)
	require.NoError(t, st.Streams.Add(ctx, &store.StreamState{ID: "cam-1", Address: "rtsp://cam-1"}))

	var killed []int
	spawner := &fakeSpawner{}
	sup := NewSupervisor(SupervisorDeps{
		Store:      st,
		Queue:      q,
		Bus:        bus,
		Containers: container.NewManager(rt, nil),
		Relays:     relay.DefaultRegistry(relay.Options{}),
		Ports:      ports.NewFromStore(config.FFmpegConfig{MSPortStart: 7000, MSPortEnd: 8000}, st, nil),
		Spawner:    spawner,
		Kill:       func(pid int) error { killed = append(killed, pid); return nil },
	}, 0)

	gen, err := sup.Init(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, gen)

	cmds := bus.get(eventbus.QueueCommands)
	require.Len(t, cmds, 8)
	require.Contains(t, cmds, "stop-job old-watchdog")
	require.Contains(t, cmds, "shutdown worker-0-watchdog")
	require.Equal(t, []int{123456, 123456, 123456, 123456}, killed)

	tasks, err := st.Tasks.GetAll(ctx)
	require.NoError(t, err)
	require.Empty(t, tasks)
	recs, err := st.RecStuck.GetAll(ctx)
	require.NoError(t, err)
	require.Empty(t, recs)
	failed, err := st.Failed.GetAll(ctx)
	require.NoError(t, err)
	require.Empty(t, failed)
	zombies, err := st.Zombies.Members(ctx, store.ZombieProcess)
	require.NoError(t, err)
	require.Empty(t, zombies)
	next, err := st.IncrPortCounter(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, next)
	require.Equal(t, []string{"redis"}, rt.Names())
	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	jobs, err := sup.Launch(ctx, gen)
	require.NoError(t, err)
	require.Len(t, jobs, len(Catalogue()))
	require.Len(t, spawner.names, len(Catalogue()))

	pending, err = q.Pending(ctx)
	require.NoError(t, err)
	seen := map[string]int{}
	for _, id := range pending {
		j, err := q.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, gen, j.Generation)
		seen[j.Op]++
	}
	for _, op := range Catalogue() {
		require.Equal(t, 1, seen[string(op)], "op %s", op)
		rec, err := st.Tasks.Get(ctx, string(op))
		require.NoError(t, err)
		require.NotEmpty(t, rec.JobID)
		require.Zero(t, rec.PID)
	}

	// the watchdog job republishes a restart for the stream left at boot
	wd := watchdog.New(watchdog.Deps{Store: st, Bus: bus, Procs: emptyTable{}}, watchdog.Options{})
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runner := NewRunner(st, q, Registry{OpWatchdog: wd.Run}, nil)
	done := make(chan error, 1)
	go func() { done <- runner.Run(runCtx, jobByOp(t, q, jobs, OpWatchdog), "worker-1-4") }()
	require.Eventually(t, func() bool { return len(bus.get(eventbus.RestartStreamRequest)) == 1 },
		2*time.Second, 10*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Contains(t, bus.get(eventbus.RestartStreamRequest)[0], `"id":"cam-1"`)

	rec, err := st.Tasks.Get(ctx, string(OpWatchdog))
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), rec.PID)
	require.Equal(t, "worker-1-4", rec.WorkerName)
	require.Zero(t, rec.FailedCount)
}

func jobByOp(t *testing.T, q *Queue, jobs []*Job, op Op) string {
	t.Helper()
	for _, j := range jobs {
		if j.Op == string(op) {
			return j.ID
		}
	}
	t.Fatalf("no job for %s", op)
	return ""
}

func TestSupervisorInitFailsWithoutRedis(t *testing.T) {
	mr, rdb := newRedis(t)
	mr.Close()
	sup := NewSupervisor(SupervisorDeps{Store: store.New(rdb, nil), Queue: NewQueue(rdb), Bus: &recordingBus{}}, 0)
	_, err := sup.Init(context.Background())
	require.Error(t, err)
}

func TestRunnerRecordsFailures(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()
	st := store.New(rdb, nil)
	q := NewQueue(rdb)
	require.NoError(t, st.Tasks.Add(ctx, &store.Task{Op: string(OpListenStart)}))
	job, err := q.Enqueue(ctx, OpListenStart, 1)
	require.NoError(t, err)

	calls := 0
	r := NewRunner(st, q, Registry{OpListenStart: func(context.Context) error {
		calls++
		if calls == 1 {
			panic("listener blew up")
		}
		return errors.New("bus closed")
	}}, nil)

	err = r.Run(ctx, job.ID, "worker-1-1")
	require.ErrorContains(t, err, "panic: listener blew up")
	rec, err := st.Tasks.Get(ctx, string(OpListenStart))
	require.NoError(t, err)
	require.Equal(t, 1, rec.FailedCount)
	require.Equal(t, "panic: listener blew up", rec.ExceptionMsg)
	require.Equal(t, job.ID, rec.JobID)
	require.Equal(t, os.Getppid(), rec.WorkerPID)

	require.ErrorContains(t, r.Run(ctx, job.ID, "worker-1-1"), "bus closed")
	rec, err = st.Tasks.Get(ctx, string(OpListenStart))
	require.NoError(t, err)
	require.Equal(t, 2, rec.FailedCount)
	require.Equal(t, "bus closed", rec.ExceptionMsg)
}

func TestRunnerRejectsUnknownOp(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()
	q := NewQueue(rdb)
	job, err := q.Enqueue(ctx, Op("transcode"), 1)
	require.NoError(t, err)
	err = NewRunner(store.New(rdb, nil), q, Registry{}, nil).Run(ctx, job.ID, "w")
	require.ErrorIs(t, err, ErrUnknownOp)
}

type launcherFunc func(ctx context.Context, job *Job, worker string) error

func (f launcherFunc) Run(ctx context.Context, job *Job, worker string) error { return f(ctx, job, worker) }

func TestWorkerRelaunchesUntilShutdown(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()
	q := NewQueue(rdb)
	bus := eventbus.New(rdb, nil)
	gen, err := q.BumpGeneration(ctx)
	require.NoError(t, err)
	job, err := q.Enqueue(ctx, OpListenStop, gen)
	require.NoError(t, err)

	var runs atomic.Int32
	w := NewWorker("worker-1-2", WorkerDeps{Queue: q, Bus: bus, Launcher: launcherFunc(func(ctx context.Context, j *Job, worker string) error {
		require.Equal(t, job.ID, j.ID)
		require.Equal(t, "worker-1-2", worker)
		if runs.Add(1) < 3 {
			return errors.New("exit status 1")
		}
		// the third attempt stays up until the worker is told to stop
		require.NoError(t, bus.Publish(context.Background(), eventbus.QueueCommands, "shutdown worker-1-2"))
		<-ctx.Done()
		return ctx.Err()
	})}, time.Millisecond)

	err = w.Run(ctx)
	require.ErrorIs(t, err, ErrStopped)
	require.EqualValues(t, 3, runs.Load())
	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 3, got.Attempts)
	require.Equal(t, PhaseFailed, got.Status)
}

func TestWorkerExitsOnStaleGeneration(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()
	q := NewQueue(rdb)
	gen, err := q.BumpGeneration(ctx)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, OpWatchdog, gen)
	require.NoError(t, err)

	var runs atomic.Int32
	w := NewWorker("worker-1-4", WorkerDeps{Queue: q, Bus: eventbus.New(rdb, nil), Launcher: launcherFunc(func(context.Context, *Job, string) error {
		runs.Add(1)
		// a new supervisor run started meanwhile
		_, err := q.BumpGeneration(context.Background())
		return err
	})}, time.Millisecond)

	require.ErrorIs(t, w.Run(ctx), ErrStaleGeneration)
	require.EqualValues(t, 1, runs.Load())
}
