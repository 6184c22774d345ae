package watchdog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/streamvisor/internal/detector"
	"github.com/loykin/streamvisor/internal/eventbus"
	"github.com/loykin/streamvisor/internal/history"
	"github.com/loykin/streamvisor/internal/metrics"
	"github.com/loykin/streamvisor/internal/store"
)

// Check names one liveness test of a stream.
type Check string

const (
	CheckContainer     Check = "container"
	CheckFeeder        Check = "feeder"
	CheckSegmentWriter Check = "segment_writer"
	CheckReader        Check = "reader"
	CheckRecorder      Check = "recorder"
	CheckSnapshotter   Check = "snapshotter"
	CheckRecordStuck   Check = "record_stuck"
	CheckConflict      Check = "conflict"
)

// FailedCounter is the FailedStream counter bumped when c fails.
func (c Check) FailedCounter() string {
	switch c {
	case CheckContainer:
		return store.FailedContainer
	case CheckFeeder:
		return store.FailedStreamCount
	case CheckSegmentWriter:
		return store.FailedSegmentWriter
	case CheckReader:
		return store.FailedReader
	case CheckRecorder:
		return store.FailedRecord
	case CheckSnapshotter:
		return store.FailedSnapshot
	case CheckRecordStuck:
		return store.FailedRecordStuck
	default:
		return store.FailedConflict
	}
}

// stateCounter is the StreamState counter bumped when c fails, if any.
func (c Check) stateCounter() string {
	switch c {
	case CheckFeeder:
		return store.FieldFeederFailedCount
	case CheckSegmentWriter:
		return store.FieldSegmentWriterFailedCount
	case CheckReader:
		return store.FieldReaderFailedCount
	case CheckRecorder:
		return store.FieldRecordFailedCount
	case CheckSnapshotter:
		return store.FieldSnapshotFailedCount
	}
	return ""
}

// FailureNotice is the payload published on notify_failed.
type FailureNotice struct {
	FailureReason string `json:"failure_reason"`
	ID            string `json:"id"`
	Brand         string `json:"brand"`
	Name          string `json:"name"`
	Address       string `json:"address"`
	CreatedAt     int64  `json:"created_at"`
}

type probe struct {
	check Check
	run   func(ctx context.Context, s *store.StreamState) (bool, error)
}

func (w *Watchdog) probes() []probe {
	return []probe{
		{CheckContainer, w.containerRunning},
		{CheckFeeder, pidProbe(detector.KindPID, func(s *store.StreamState) (bool, int) { return true, s.PID })},
		{CheckSegmentWriter, pidProbe(detector.KindPID, func(s *store.StreamState) (bool, int) { return s.HLSEnabled, s.SegmentWriterPID })},
		{CheckReader, pidProbe(detector.KindPID, func(s *store.StreamState) (bool, int) { return s.ReaderEnabled, s.ReaderPID })},
		{CheckRecorder, pidProbe(detector.KindPID, func(s *store.StreamState) (bool, int) { return s.RecordEnabled, s.RecordPID })},
		{CheckSnapshotter, pidProbe(detector.KindMemory, func(s *store.StreamState) (bool, int) { return s.SnapshotEnabled, s.SnapshotPID })},
		{CheckRecordStuck, w.recordProgressing},
	}
}

func pidProbe(k detector.Kind, field func(*store.StreamState) (bool, int)) func(context.Context, *store.StreamState) (bool, error) {
	return func(_ context.Context, s *store.StreamState) (bool, error) {
		enabled, pid := field(s)
		if !enabled {
			return true, nil
		}
		return detector.Alive(k, pid), nil
	}
}

// checkStream runs the probes of s in order and stops at the first failure.
// Probe errors are logged and count as healthy.
func (w *Watchdog) checkStream(ctx context.Context, s *store.StreamState) (failed Check, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("stream check panicked", "id", s.ID, "panic", r)
			failed, ok = "", false
		}
	}()
	for _, p := range w.probes() {
		healthy, err := p.run(ctx, s)
		if err != nil {
			w.log.Warn("stream check errored", "id", s.ID, "check", p.check, "error", err)
			continue
		}
		if healthy {
			continue
		}
		w.log.Warn("stream check failed, restarting", "id", s.ID, "name", s.Name, "check", p.check, "pid", s.PID)
		w.fail(ctx, s, p.check)
		return p.check, true
	}
	return "", false
}

func (w *Watchdog) containerRunning(ctx context.Context, s *store.StreamState) (bool, error) {
	if s.MSContainerName == "" || w.containers == nil {
		return true, nil
	}
	h, ok, err := w.containers.Get(ctx, s.MSContainerName)
	if err != nil {
		return true, fmt.Errorf("inspect %s: %w", s.MSContainerName, err)
	}
	return ok && h.Running(), nil
}

// recordProgressing reports whether the newest recording file grew, or a
// newer file appeared, since the previous check. Checks closer together
// than two segment intervals are skipped.
func (w *Watchdog) recordProgressing(ctx context.Context, s *store.StreamState) (bool, error) {
	if !s.RecordEnabled || s.RecordOutputFolderPath == "" {
		return true, nil
	}
	now := w.now().Unix()
	file, size, err := newestFile(s.RecordOutputFolderPath)
	if err != nil {
		return true, err
	}
	prev, err := w.st.RecStuck.Get(ctx, s.ID)
	if errors.Is(err, store.ErrNotFound) {
		return true, w.st.RecStuck.Add(ctx, &store.RecStuck{
			ID: s.ID, Brand: s.Brand, Name: s.Name, Address: s.Address,
			RecordOutputFolderPath: s.RecordOutputFolderPath,
			LastModifiedFile:       file,
			LastModifiedSize:       size,
			LastCheckAt:            now,
		})
	}
	if err != nil {
		return true, err
	}

	interval := s.RecordSegmentInterval
	if interval <= 0 {
		interval = 15
	}
	if now-prev.LastCheckAt <= int64(2*interval) {
		return true, nil
	}

	progressing := file != prev.LastModifiedFile || size > prev.LastModifiedSize
	if !progressing {
		prev.FailedCount++
		prev.FailedModifiedFile = prev.LastModifiedFile
	}
	prev.LastModifiedFile = file
	prev.LastModifiedSize = size
	prev.LastCheckAt = now
	if err := w.st.RecStuck.Add(ctx, prev); err != nil {
		w.log.Warn("update recstuck record failed", "id", s.ID, "error", err)
	}
	return progressing, nil
}

// newestFile returns the most recently modified regular file in dir. An
// empty or missing directory yields an empty name.
func newestFile(dir string) (string, int64, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	var (
		name   string
		size   int64
		latest time.Time
	)
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if name == "" || info.ModTime().After(latest) {
			name, size, latest = filepath.Join(dir, e.Name()), info.Size(), info.ModTime()
		}
	}
	return name, size, nil
}

// fail records a failed check and asks for a restart of the stream.
func (w *Watchdog) fail(ctx context.Context, s *store.StreamState, c Check) {
	counter := c.FailedCounter()
	src := &store.Source{ID: s.ID, Brand: s.Brand, Name: s.Name, Address: s.Address}
	if _, err := w.st.Failed.Increment(ctx, src, counter, int(w.opts.Interval/time.Second), w.now().Unix()); err != nil {
		w.log.Warn("increment failed counter", "id", s.ID, "counter", counter, "error", err)
	}
	if field := c.stateCounter(); field != "" {
		if _, err := w.st.Streams.IncrCounter(ctx, s.ID, field); err != nil {
			w.log.Warn("increment stream counter", "id", s.ID, "field", field, "error", err)
		}
	}
	metrics.IncWatchdogFailure(counter)
	metrics.IncRestart(string(c))
	w.history.Record(history.Event{
		Type: history.EventFailure, StreamID: s.ID, Name: s.Name, Address: s.Address,
		Resource: string(c), PID: s.PID, Detail: counter,
	})

	w.publishRestart(ctx, s)
	w.sleep(ctx, w.opts.FailedWait)

	if w.opts.NotifyFailed {
		notice := FailureNotice{
			FailureReason: string(c),
			ID:            s.ID,
			Brand:         s.Brand,
			Name:          s.Name,
			Address:       s.Address,
			CreatedAt:     w.now().Unix(),
		}
		if err := w.bus.Publish(ctx, eventbus.NotifyFailed, notice); err != nil {
			w.log.Warn("publish failure notice", "id", s.ID, "error", err)
		}
	}
}

// publishRestart sends the stored source of s on restart_stream_request.
// When the source record is gone the identity kept on the state is sent.
func (w *Watchdog) publishRestart(ctx context.Context, s *store.StreamState) {
	var payload any = s
	if src, err := w.st.Sources.Get(ctx, s.ID); err == nil {
		payload = src
	} else if !errors.Is(err, store.ErrNotFound) {
		w.log.Warn("read source for restart", "id", s.ID, "error", err)
	}
	if err := w.bus.Publish(ctx, eventbus.RestartStreamRequest, payload); err != nil {
		w.log.Warn("publish restart failed", "id", s.ID, "error", err)
	}
}
