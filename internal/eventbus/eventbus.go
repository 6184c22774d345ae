// Package eventbus carries the request/response protocol between workers over
// Redis pub/sub. Payloads are JSON.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

// Channels.
const (
	StartStreamRequest   = "start_stream_request"
	StartStreamResponse  = "start_stream_response"
	StopStreamRequest    = "stop_stream_request"
	StopStreamResponse   = "stop_stream_response"
	RestartStreamRequest = "restart_stream_request"
	NotifyFailed         = "notify_failed"
	ReadService          = "read_service"
	QueueCommands        = "queue:commands"
)

// Handler processes one message. Returned errors are logged by Serve.
type Handler func(ctx context.Context, channel string, payload []byte) error

// Publisher is the narrow interface components use to emit events.
type Publisher interface {
	Publish(ctx context.Context, channel string, v any) error
}

type Bus struct {
	rdb redis.UniversalClient
	log *slog.Logger
}

func New(rdb redis.UniversalClient, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{rdb: rdb, log: log.With("component", "eventbus")}
}

// Publish encodes v as JSON unless it is already []byte or string.
func (b *Bus) Publish(ctx context.Context, channel string, v any) error {
	var payload any
	switch t := v.(type) {
	case []byte, string:
		payload = t
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", channel, err)
		}
		payload = data
	}
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscription is a confirmed subscription to one or more channels.
type Subscription struct {
	ps  *redis.PubSub
	log *slog.Logger
}

// Subscribe returns once the server has confirmed the subscription, so
// messages published afterwards are guaranteed to be delivered.
func (b *Bus) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	ps := b.rdb.Subscribe(ctx, channels...)
	for range channels {
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("subscribe %v: %w", channels, err)
		}
	}
	return &Subscription{ps: ps, log: b.log}, nil
}

func (s *Subscription) Close() error { return s.ps.Close() }

// Serve dispatches messages to h until ctx is done. Handler errors and
// panics are logged and never stop the loop.
func (s *Subscription) Serve(ctx context.Context, h Handler) error {
	ch := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription closed")
			}
			s.dispatch(ctx, h, msg)
		}
	}
}

func (s *Subscription) dispatch(ctx context.Context, h Handler, msg *redis.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("event handler panicked", "channel", msg.Channel, "panic", r)
		}
	}()
	if err := h(ctx, msg.Channel, []byte(msg.Payload)); err != nil {
		s.log.Warn("event handler failed", "channel", msg.Channel, "error", err)
	}
}

// Listen subscribes to channel and serves h until ctx is done.
func (b *Bus) Listen(ctx context.Context, channel string, h Handler) error {
	sub, err := b.Subscribe(ctx, channel)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()
	return sub.Serve(ctx, h)
}

// Decode is a helper for handlers that expect a JSON payload.
func Decode[T any](payload []byte) (*T, error) {
	v := new(T)
	if err := json.Unmarshal(payload, v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}
