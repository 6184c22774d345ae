package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/streamvisor/internal/store"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return Options{MaxRetries: 5, RetryDelay: 10 * time.Millisecond}
}

func serverPort(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Port()
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry(testOptions())
	k, err := r.Lookup(store.RelaySRS)
	require.NoError(t, err)
	require.Equal(t, ImageSRS, k.Image())

	_, err = r.Lookup(42)
	require.True(t, errors.Is(err, ErrUnknownKind))

	require.Equal(t, []string{"go2rtc_", "livego_", "nms_", "srs_", "srsrt_"}, r.Prefixes())
}

func TestBindAndAddresses(t *testing.T) {
	r := DefaultRegistry(testOptions())
	srs, _ := r.Lookup(store.RelaySRS)
	_, err := Bind(srs, "cam-1", []int{7001})
	require.Error(t, err)

	inst, err := Bind(srs, "cam-1", []int{7001, 7002, 7003})
	require.NoError(t, err)
	require.Equal(t, "srs_cam-1", inst.ContainerName)
	require.Equal(t, map[string]string{"1935": "7001", "1985": "7002", "8080": "7003"}, inst.Ports)
	require.Equal(t, "rtmp://127.0.0.1:7001/live/livestream", srs.PushAddress(inst))
	require.Equal(t, "http://127.0.0.1:7003/live/livestream.flv", srs.PullAddress(inst))

	spec := RunSpec(srs, inst)
	require.Equal(t, []string{"./objs/srs", "-c", "conf/http.flv.live.conf"}, spec.Commands)

	lg, _ := r.Lookup(store.RelayLiveGo)
	inst, err = Bind(lg, "cam-2", []int{1, 2, 3, 4})
	require.NoError(t, err)
	require.Equal(t, "rtmp://127.0.0.1:1/live/"+LiveGoChannelKey, lg.PushAddress(inst))
	require.True(t, lg.WarmUp())

	g, _ := r.Lookup(store.RelayGo2RTC)
	inst, err = Bind(g, "cam-3", []int{10, 11, 12})
	require.NoError(t, err)
	require.Equal(t, "rtsp://127.0.0.1:11/camera1", g.PushAddress(inst))
}

func TestLiveGoAwaitReadyRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/control/get", r.URL.Path)
		require.Equal(t, LiveGoChannelKey, r.URL.Query().Get("room"))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":200,"data":"key"}`))
	}))
	defer srv.Close()

	lg := NewLiveGo(testOptions())
	inst := Instance{ContainerName: "livego_cam", Ports: map[string]string{"8090": serverPort(t, srv)}}
	require.NoError(t, lg.AwaitReady(context.Background(), inst))
	require.Equal(t, int32(3), calls.Load())
}

func TestLiveGoAwaitReadyGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	opts := testOptions()
	opts.MaxRetries = 2
	lg := NewLiveGo(opts)
	inst := Instance{ContainerName: "livego_cam", Ports: map[string]string{"8090": serverPort(t, srv)}}
	require.Error(t, lg.AwaitReady(context.Background(), inst))
}

func TestGo2RTCAwaitReadyPostsConfig(t *testing.T) {
	var body atomic.Value
	var restarted atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		switch r.URL.Path {
		case "/api/config":
			b := make([]byte, 256)
			n, _ := r.Body.Read(b)
			body.Store(string(b[:n]))
		case "/api/restart":
			restarted.Store(true)
		}
	}))
	defer srv.Close()

	g := NewGo2RTC(testOptions())
	port := serverPort(t, srv)
	inst := Instance{ContainerName: "go2rtc_cam", Ports: map[string]string{"1984": port}}
	require.NoError(t, g.AwaitReady(context.Background(), inst))
	require.Contains(t, body.Load(), "camera1")
	require.True(t, restarted.Load())
	p, _ := strconv.Atoi(port)
	require.Equal(t, p, inst.HostPort(1984))
}

func TestSleepReadyHonoursContext(t *testing.T) {
	opts := testOptions()
	opts.InitInterval = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewSRS(opts).AwaitReady(ctx, Instance{})
	require.ErrorIs(t, err, context.Canceled)
}
