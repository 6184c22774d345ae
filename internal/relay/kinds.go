package relay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/loykin/streamvisor/internal/store"
)

// LiveGoChannelKey is baked into the relay image as the room key.
const LiveGoChannelKey = "rfBd56ti2SMtYvSgD5xAV0YU99zampta7Z7S575KLkIZ9PYk"

const (
	ImageGo2RTC = "alexxit/go2rtc:1.8.5"
	ImageSRS    = "ossrs/srs:5"
	ImageLiveGo = "gokalpgoren/livego_local"
	ImageNMS    = "illuspas/node-media-server"

	// RelaySRSRealtime selects SRS with its low latency configuration.
	RelaySRSRealtime = 4
)

// sleeper is embedded by kinds that are ready after a fixed warm-up.
type sleeper struct{ opts Options }

func (s sleeper) AwaitReady(ctx context.Context, _ Instance) error {
	return sleepCtx(ctx, s.opts.InitInterval)
}

func (sleeper) WarmUp() bool { return false }

type SRS struct {
	sleeper
	conf   string
	prefix string
	typ    int
}

func NewSRS(opts Options) *SRS {
	return &SRS{sleeper: sleeper{opts.withDefaults()}, conf: "conf/http.flv.live.conf", prefix: "srs_", typ: store.RelaySRS}
}

// NewSRSRealtime runs SRS with the realtime flv configuration.
func NewSRSRealtime(opts Options) *SRS {
	return &SRS{sleeper: sleeper{opts.withDefaults()}, conf: "conf/realtime.flv.conf", prefix: "srsrt_", typ: RelaySRSRealtime}
}

func (s *SRS) Type() int            { return s.typ }
func (s *SRS) Name() string         { return strings.TrimSuffix(s.prefix, "_") }
func (s *SRS) Prefix() string       { return s.prefix }
func (s *SRS) Image() string        { return ImageSRS }
func (s *SRS) InternalPorts() []int { return []int{1935, 1985, 8080} }
func (s *SRS) Commands() []string   { return []string{"./objs/srs", "-c", s.conf} }

func (s *SRS) PushAddress(inst Instance) string {
	return fmt.Sprintf("rtmp://%s:%d/live/livestream", Host, inst.HostPort(1935))
}

func (s *SRS) PullAddress(inst Instance) string {
	return fmt.Sprintf("http://%s:%d/live/livestream.flv", Host, inst.HostPort(8080))
}

type NMS struct{ sleeper }

func NewNMS(opts Options) *NMS { return &NMS{sleeper{opts.withDefaults()}} }

func (*NMS) Type() int            { return store.RelayNMS }
func (*NMS) Name() string         { return "nms" }
func (*NMS) Prefix() string       { return "nms_" }
func (*NMS) Image() string        { return ImageNMS }
func (*NMS) InternalPorts() []int { return []int{1935, 8000, 8443} }
func (*NMS) Commands() []string   { return nil }

func (*NMS) PushAddress(inst Instance) string {
	return fmt.Sprintf("rtmp://%s:%d/live/livestream", Host, inst.HostPort(1935))
}

func (*NMS) PullAddress(inst Instance) string {
	return fmt.Sprintf("http://%s:%d/live/livestream.flv", Host, inst.HostPort(8000))
}

// LiveGo only accepts publishers once the room's channel key exists, so
// readiness polls the control API.
type LiveGo struct{ opts Options }

func NewLiveGo(opts Options) *LiveGo { return &LiveGo{opts: opts.withDefaults()} }

func (*LiveGo) Type() int            { return store.RelayLiveGo }
func (*LiveGo) Name() string         { return "livego" }
func (*LiveGo) Prefix() string       { return "livego_" }
func (*LiveGo) Image() string        { return ImageLiveGo }
func (*LiveGo) InternalPorts() []int { return []int{1935, 7001, 7002, 8090} }
func (*LiveGo) Commands() []string   { return nil }
func (*LiveGo) WarmUp() bool         { return true }

func (*LiveGo) PushAddress(inst Instance) string {
	return fmt.Sprintf("rtmp://%s:%d/live/%s", Host, inst.HostPort(1935), LiveGoChannelKey)
}

func (*LiveGo) PullAddress(inst Instance) string {
	return fmt.Sprintf("http://%s:%d/live/%s.flv", Host, inst.HostPort(7001), LiveGoChannelKey)
}

func (l *LiveGo) AwaitReady(ctx context.Context, inst Instance) error {
	url := fmt.Sprintf("http://%s:%d/control/get?room=%s", Host, inst.HostPort(8090), LiveGoChannelKey)
	attempt := 0
	op := func() error {
		attempt++
		err := httpDo(ctx, l.opts.HTTP, http.MethodGet, url, "")
		if err != nil {
			l.opts.Log.Debug("livego control api not ready", "container", inst.ContainerName, "attempt", attempt, "error", err)
		}
		return err
	}
	err := backoff.Retry(op, retryPolicy(ctx, l.opts))
	if err != nil {
		return fmt.Errorf("livego %s not ready after %d attempts: %w", inst.ContainerName, attempt, err)
	}
	return sleepCtx(ctx, l.opts.InitInterval)
}

// Go2RTC needs its stream table written before the feeder can publish.
type Go2RTC struct{ opts Options }

func NewGo2RTC(opts Options) *Go2RTC { return &Go2RTC{opts: opts.withDefaults()} }

func (*Go2RTC) Type() int            { return store.RelayGo2RTC }
func (*Go2RTC) Name() string         { return "go2rtc" }
func (*Go2RTC) Prefix() string       { return "go2rtc_" }
func (*Go2RTC) Image() string        { return ImageGo2RTC }
func (*Go2RTC) InternalPorts() []int { return []int{1984, 8554, 8555} }
func (*Go2RTC) Commands() []string   { return nil }
func (*Go2RTC) WarmUp() bool         { return false }

func (*Go2RTC) PushAddress(inst Instance) string {
	return fmt.Sprintf("rtsp://%s:%d/camera1", Host, inst.HostPort(8554))
}

func (*Go2RTC) PullAddress(inst Instance) string {
	return fmt.Sprintf("rtsp://%s:%d/camera1", Host, inst.HostPort(8554))
}

const go2rtcConfig = "streams:\n    camera1:\napi:\n    origin: \"*\"\n"

func (g *Go2RTC) AwaitReady(ctx context.Context, inst Instance) error {
	base := fmt.Sprintf("http://%s:%d/api", Host, inst.HostPort(1984))
	op := func() error {
		return httpDo(ctx, g.opts.HTTP, http.MethodPost, base+"/config", go2rtcConfig)
	}
	if err := backoff.Retry(op, retryPolicy(ctx, g.opts)); err != nil {
		return fmt.Errorf("go2rtc %s config: %w", inst.ContainerName, err)
	}
	if err := sleepCtx(ctx, g.opts.InitInterval); err != nil {
		return err
	}
	// the new stream table is only read on restart
	if err := httpDo(ctx, g.opts.HTTP, http.MethodPost, base+"/restart", ""); err != nil {
		g.opts.Log.Warn("go2rtc restart request failed", "container", inst.ContainerName, "error", err)
	}
	return sleepCtx(ctx, g.opts.InitInterval)
}

func retryPolicy(ctx context.Context, opts Options) backoff.BackOffContext {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.RetryDelay), uint64(opts.MaxRetries))
	return backoff.WithContext(b, ctx)
}

func httpDo(ctx context.Context, c *http.Client, method, url, body string) error {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: status %d", method, url, resp.StatusCode)
	}
	return nil
}

var (
	_ Kind = (*SRS)(nil)
	_ Kind = (*NMS)(nil)
	_ Kind = (*LiveGo)(nil)
	_ Kind = (*Go2RTC)(nil)
)
