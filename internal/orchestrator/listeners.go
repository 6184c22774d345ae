package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/loykin/streamvisor/internal/eventbus"
	"github.com/loykin/streamvisor/internal/history"
	"github.com/loykin/streamvisor/internal/metrics"
	"github.com/loykin/streamvisor/internal/result"
	"github.com/loykin/streamvisor/internal/store"
)

// StopRequest is the payload of stop_stream_request.
type StopRequest struct {
	ID string `json:"id"`
}

// Request names used in logs, metrics and history.
const (
	OpStart   = "start_request"
	OpStop    = "stop_request"
	OpRestart = "restart_request"
)

// dispatch runs one bus request. An incomplete outcome is logged, counted
// and recorded as a failure event; the watchdog converges the stream later.
func (o *Orchestrator) dispatch(op, id string, run func() result.Result) {
	res := run()
	if res.IsOK() {
		return
	}
	o.log.Error("request did not complete", "op", op, "id", id, "kind", res.Kind.String(), "error", res.Err)
	metrics.IncRequestFailure(op, res.Kind.String())
	o.history.Record(history.Event{Type: history.EventFailure, StreamID: id, Resource: op, Detail: res.Error()})
}

// resolveSource decodes a source payload. A payload carrying only an id is
// completed from the source repository.
func (o *Orchestrator) resolveSource(ctx context.Context, payload []byte) (*store.Source, error) {
	src, err := eventbus.Decode[store.Source](payload)
	if err != nil {
		return nil, err
	}
	if src.ID == "" {
		return nil, errors.New("request without source id")
	}
	if src.Address != "" {
		return src, nil
	}
	stored, err := o.st.Sources.Get(ctx, src.ID)
	if err != nil {
		return nil, fmt.Errorf("load source %s: %w", src.ID, err)
	}
	return stored, nil
}

// ListenStart serves start_stream_request until ctx is cancelled or the bus
// fails.
func (o *Orchestrator) ListenStart(ctx context.Context) error {
	return o.bus.Listen(ctx, eventbus.StartStreamRequest, func(ctx context.Context, _ string, payload []byte) error {
		src, err := o.resolveSource(ctx, payload)
		if err != nil {
			return err
		}
		go o.dispatch(OpStart, src.ID, func() result.Result { return o.Start(ctx, src) })
		return nil
	})
}

// ListenStop serves stop_stream_request.
func (o *Orchestrator) ListenStop(ctx context.Context) error {
	return o.bus.Listen(ctx, eventbus.StopStreamRequest, func(ctx context.Context, _ string, payload []byte) error {
		req, err := eventbus.Decode[StopRequest](payload)
		if err != nil {
			return err
		}
		if req.ID == "" {
			return errors.New("stop request without id")
		}
		go o.dispatch(OpStop, req.ID, func() result.Result { return o.Stop(ctx, req.ID) })
		return nil
	})
}

// ListenRestart serves restart_stream_request.
func (o *Orchestrator) ListenRestart(ctx context.Context) error {
	return o.bus.Listen(ctx, eventbus.RestartStreamRequest, func(ctx context.Context, _ string, payload []byte) error {
		src, err := o.resolveSource(ctx, payload)
		if err != nil {
			return err
		}
		go o.dispatch(OpRestart, src.ID, func() result.Result { return o.Restart(ctx, src) })
		return nil
	})
}
