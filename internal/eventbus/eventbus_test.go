package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

type ping struct {
	ID string `json:"id"`
}

func newBus(t *testing.T) *Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, nil)
}

func TestPublishSubscribe_JSON(t *testing.T) {
	bus := newBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := bus.Subscribe(ctx, StartStreamRequest)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = sub.Close() }()

	got := make(chan *ping, 1)
	go func() {
		_ = sub.Serve(ctx, func(_ context.Context, channel string, payload []byte) error {
			if channel != StartStreamRequest {
				t.Errorf("unexpected channel %s", channel)
			}
			p, err := Decode[ping](payload)
			if err != nil {
				return err
			}
			got <- p
			return nil
		})
	}()

	if err := bus.Publish(ctx, StartStreamRequest, ping{ID: "cam-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case p := <-got:
		if p.ID != "cam-1" {
			t.Fatalf("unexpected payload %+v", p)
		}
	case <-ctx.Done():
		t.Fatalf("message not delivered")
	}
}

func TestServe_SurvivesHandlerFailures(t *testing.T) {
	bus := newBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := bus.Subscribe(ctx, NotifyFailed)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = sub.Close() }()

	calls := make(chan string, 3)
	go func() {
		_ = sub.Serve(ctx, func(_ context.Context, _ string, payload []byte) error {
			calls <- string(payload)
			switch string(payload) {
			case "boom":
				panic("handler exploded")
			case "err":
				return errors.New("bad message")
			}
			return nil
		})
	}()

	for _, m := range []string{"boom", "err", "ok"} {
		if err := bus.Publish(ctx, NotifyFailed, m); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	for _, want := range []string{"boom", "err", "ok"} {
		select {
		case got := <-calls:
			if got != want {
				t.Fatalf("got %q want %q", got, want)
			}
		case <-ctx.Done():
			t.Fatalf("handler stopped after failure, missing %q", want)
		}
	}
}

func TestListen_ReturnsOnCancel(t *testing.T) {
	bus := newBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- bus.Listen(ctx, StopStreamRequest, func(context.Context, string, []byte) error { return nil })
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Listen did not return after cancel")
	}
}
