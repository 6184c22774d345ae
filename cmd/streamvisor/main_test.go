package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/loykin/streamvisor/internal/eventbus"
	"github.com/loykin/streamvisor/internal/server"
	"github.com/loykin/streamvisor/internal/store"
)

func writeConfig(t *testing.T, mr *miniredis.Miniredis) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "streamvisor.toml")
	content := fmt.Sprintf(`[general]
root_dir = %q

[redis]
addrs = [%q]

[log]
level = "error"
`, dir, mr.Addr())
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHelpListsCommands(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	for _, name := range []string{"serve", "sources", "streams", "start", "stop", "restart"} {
		require.Contains(t, out, name)
	}
}

func TestSourcesAddAndList(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := writeConfig(t, mr)

	out, err := execute(t, "--config", cfg, "sources", "add", "--id", "cam-1", "--address", "rtsp://10.0.0.5/live", "--relay-type", "1", "--record")
	require.NoError(t, err, out)

	out, err = execute(t, "--config", cfg, "sources", "list")
	require.NoError(t, err, out)
	var srcs []store.Source
	require.NoError(t, json.Unmarshal([]byte(out), &srcs))
	require.Len(t, srcs, 1)
	require.Equal(t, "cam-1", srcs[0].ID)
	require.Equal(t, store.RelaySRS, srcs[0].MSType)
	require.True(t, srcs[0].RecordEnabled)
	require.Equal(t, 15, srcs[0].RecordSegmentInterval)
	require.Equal(t, store.SourceNotStartedYet, srcs[0].State)
}

func TestSourcesAddWithPreset(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := writeConfig(t, mr)

	out, err := execute(t, "--config", cfg, "sources", "add", "--id", "cam-3", "--address", "rtsp://10.0.0.7/live", "--preset", "nvr", "--relay-type", "2")
	require.NoError(t, err, out)
	var src store.Source
	require.NoError(t, json.Unmarshal([]byte(out), &src))
	require.True(t, src.RecordEnabled)
	require.Equal(t, 60, src.RecordSegmentInterval)
	require.Equal(t, store.RelayLiveGo, src.MSType)
	require.Equal(t, "mp4", src.RecordFileType)
	require.True(t, src.Enabled)

	_, err = execute(t, "--config", cfg, "sources", "add", "--id", "cam-4", "--address", "rtsp://x", "--preset", "ptz")
	require.ErrorContains(t, err, "unknown template type")
}

func TestSourcesTemplate(t *testing.T) {
	out, err := execute(t, "sources", "template", "--type", "hls", "--id", "cam-9")
	require.NoError(t, err)
	require.Contains(t, out, `"id": "cam-9"`)
	require.Contains(t, out, `"stream_type": 1`)
}

func TestSourcesAddRequiresAddress(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := writeConfig(t, mr)
	_, err := execute(t, "--config", cfg, "sources", "add", "--id", "cam-1")
	require.Error(t, err)
}

func subscribe(t *testing.T, mr *miniredis.Miniredis, channel string) <-chan *redis.Message {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sub := rdb.Subscribe(ctx, channel)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	return sub.Channel()
}

func receive(t *testing.T, ch <-chan *redis.Message) string {
	t.Helper()
	select {
	case msg := <-ch:
		return msg.Payload
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
		return ""
	}
}

func TestStartPublishesSource(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := writeConfig(t, mr)
	_, err := execute(t, "--config", cfg, "sources", "add", "--id", "cam-1", "--address", "rtsp://10.0.0.5/live")
	require.NoError(t, err)
	ch := subscribe(t, mr, eventbus.StartStreamRequest)

	out, err := execute(t, "--config", cfg, "start", "cam-1")
	require.NoError(t, err)
	require.Contains(t, out, "start requested for cam-1")

	var src store.Source
	require.NoError(t, json.Unmarshal([]byte(receive(t, ch)), &src))
	require.Equal(t, "cam-1", src.ID)
	require.Equal(t, "rtsp://10.0.0.5/live", src.Address)
	require.Equal(t, store.SourceStarted, src.State)
	require.Equal(t, "1", mr.HGet(store.SourcesPrefix+"cam-1", "state"))
}

func TestStopPublishesID(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := writeConfig(t, mr)
	_, err := execute(t, "--config", cfg, "sources", "add", "--id", "cam-1", "--address", "rtsp://10.0.0.5/live")
	require.NoError(t, err)
	ch := subscribe(t, mr, eventbus.StopStreamRequest)

	_, err = execute(t, "--config", cfg, "stop", "cam-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"cam-1"}`, receive(t, ch))
	require.Equal(t, "2", mr.HGet(store.SourcesPrefix+"cam-1", "state"))
}

func TestControlUnknownSource(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := writeConfig(t, mr)
	_, err := execute(t, "--config", cfg, "restart", "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestControlViaAPI(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := store.New(rdb, nil)
	require.NoError(t, st.Sources.Add(context.Background(), store.NewSource("cam-1", "gate", "rtsp://10.0.0.5/live")))
	srv := httptest.NewServer(server.NewRouter(st, eventbus.New(rdb, nil), nil, "/api").Handler())
	t.Cleanup(srv.Close)
	ch := subscribe(t, mr, eventbus.RestartStreamRequest)

	out, err := execute(t, "restart", "cam-1", "--api-url", srv.URL+"/api")
	require.NoError(t, err)
	require.Contains(t, out, "restart requested for cam-1")
	require.Contains(t, receive(t, ch), `"address":"rtsp://10.0.0.5/live"`)

	_, err = execute(t, "start", "cam-9", "--api-url", srv.URL+"/api")
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")
}

func TestControlRequiresID(t *testing.T) {
	_, err := execute(t, "start")
	require.Error(t, err)
}
