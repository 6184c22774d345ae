package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/loykin/streamvisor/internal/eventbus"
	"github.com/loykin/streamvisor/internal/server"
	"github.com/loykin/streamvisor/internal/store"
)

type apiFixture struct {
	mr  *miniredis.Miniredis
	rdb *redis.Client
	st  *store.Store
	c   *Client
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := store.New(rdb, nil)
	bus := eventbus.New(rdb, nil)
	srv := httptest.NewServer(server.NewRouter(st, bus, nil, "/api").Handler())
	t.Cleanup(srv.Close)
	return &apiFixture{mr: mr, rdb: rdb, st: st, c: New(Config{BaseURL: srv.URL + "/api/", Timeout: 2 * time.Second})}
}

func TestSourceLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	require.True(t, f.c.IsReachable(ctx))

	src := NewSource("cam-1", "rtsp://10.0.0.5/live")
	src.MSType = RelaySRS
	src.RecordEnabled = true
	added, err := f.c.AddSource(ctx, src)
	require.NoError(t, err)
	require.Equal(t, 15, added.RecordSegmentInterval)
	require.Equal(t, "mp4", added.RecordFileType)
	require.True(t, added.Enabled)

	got, err := f.c.GetSource(ctx, "cam-1")
	require.NoError(t, err)
	require.Equal(t, RelaySRS, got.MSType)
	require.True(t, got.RecordEnabled)

	all, err := f.c.ListSources(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, f.c.RemoveSource(ctx, "cam-1"))
	_, err = f.c.GetSource(ctx, "cam-1")
	require.True(t, IsNotFound(err), "got %v", err)
	require.True(t, IsNotFound(f.c.RemoveSource(ctx, "cam-1")))
}

func TestAddSourceValidation(t *testing.T) {
	f := newAPIFixture(t)
	_, err := f.c.AddSource(context.Background(), NewSource("../etc", "rtsp://x"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.Status)
	require.Contains(t, apiErr.Message, "invalid id")
}

func TestStopPublishesRequest(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	_, err := f.c.AddSource(ctx, NewSource("cam-1", "rtsp://10.0.0.5/live"))
	require.NoError(t, err)

	sub := f.rdb.Subscribe(ctx, eventbus.StopStreamRequest)
	defer func() { _ = sub.Close() }()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, f.c.Stop(ctx, "cam-1"))
	select {
	case msg := <-sub.Channel():
		var req map[string]string
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &req))
		require.Equal(t, "cam-1", req["id"])
	case <-time.After(2 * time.Second):
		t.Fatal("stop request not published")
	}
	require.Equal(t, "2", f.mr.HGet(store.SourcesPrefix+"cam-1", "state"))
	require.True(t, IsNotFound(f.c.Start(ctx, "missing")))
}

func TestStreamsAndTasks(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.Streams.Add(ctx, &store.StreamState{ID: "cam-1", Name: "gate", PID: 4242, MSType: store.RelaySRS, MSContainerName: "srs_cam-1"}))
	require.NoError(t, f.st.Tasks.Add(ctx, &store.Task{Op: "watchdog", WorkerName: "worker-1-3", FailedCount: 2}))

	streams, err := f.c.ListStreams(ctx)
	require.NoError(t, err)
	require.Len(t, streams, 1)
	require.Equal(t, 4242, streams[0].PID)
	require.Equal(t, "srs_cam-1", streams[0].MSContainerName)

	st, err := f.c.GetStream(ctx, "cam-1")
	require.NoError(t, err)
	require.Equal(t, "gate", st.Name)
	_, err = f.c.GetStream(ctx, "cam-9")
	require.True(t, IsNotFound(err))

	tasks, err := f.c.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "worker-1-3", tasks[0].WorkerName)
	require.Equal(t, 2, tasks[0].FailedCount)

	failed, err := f.c.ListFailed(ctx)
	require.NoError(t, err)
	require.Empty(t, failed)
}

func TestUnreachable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1/api", Timeout: 200 * time.Millisecond})
	require.False(t, c.IsReachable(context.Background()))
}
