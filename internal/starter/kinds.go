package starter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/streamvisor/internal/detector"
	"github.com/loykin/streamvisor/internal/layout"
	"github.com/loykin/streamvisor/internal/process"
	"github.com/loykin/streamvisor/internal/store"
)

// Feeder reads the camera and publishes into the relay.
type Feeder struct{ Env Env }

func (*Feeder) Kind() string { return KindFeeder }

func (f *Feeder) Create(ctx context.Context, src *store.Source, st *store.StreamState) (*Handle, error) {
	if st.MSAddress == "" {
		return nil, errors.New("feeder: relay push address is empty")
	}
	args := f.Env.Builder.BuildFeeder(src, st.MSAddress)
	return f.Env.launch(ctx, KindFeeder, src, args, store.FieldPID, store.FieldArgs, process.Spec{})
}

func (*Feeder) Execute(_ context.Context, h *Handle) error { return wait(h) }
func (*Feeder) Dispose(h *Handle)                          { dispose(h) }

// SegmentWriter turns the relay output into an HLS playlist.
type SegmentWriter struct{ Env Env }

func (*SegmentWriter) Kind() string { return KindSegmentWriter }

func (s *SegmentWriter) Create(ctx context.Context, src *store.Source, st *store.StreamState) (*Handle, error) {
	if st.HLSOutputPath == "" {
		return nil, errors.New("segment writer: hls output path is empty")
	}
	if err := ensureDir(filepath.Dir(st.HLSOutputPath)); err != nil {
		return nil, err
	}
	args := s.Env.Builder.BuildSegmentStream(src, st.MSStreamAddress, st.HLSOutputPath)
	h, err := s.Env.launch(ctx, KindSegmentWriter, src, args, store.FieldSegmentWriterPID, store.FieldSegmentWriterArgs, process.Spec{})
	if err != nil {
		return nil, err
	}
	// players are told the stream is up only once the playlist exists
	exited := func() bool { return !detector.Alive(detector.KindPID, h.PID()) }
	if err := WaitForFile(ctx, st.HLSOutputPath, s.Env.MaxRetries, s.Env.pollInterval(), exited); err != nil {
		s.Env.logger().Warn("hls index did not appear", "id", src.ID, "path", st.HLSOutputPath, "error", err)
		return h, nil
	}
	s.Env.logger().Info("hls index ready", "id", src.ID, "path", st.HLSOutputPath)
	return h, nil
}

func (*SegmentWriter) Execute(_ context.Context, h *Handle) error { return wait(h) }
func (*SegmentWriter) Dispose(h *Handle)                          { dispose(h) }

// ErrFileTimeout is returned by WaitForFile when retries run out.
var ErrFileTimeout = errors.New("file did not appear")

// ErrExited is returned by WaitForFile when the producing process is gone.
var ErrExited = errors.New("subprocess exited")

// WaitForFile polls for path every interval, at most retries times. It
// stops early when ctx ends or exited reports true. exited may be nil.
func WaitForFile(ctx context.Context, path string, retries int, interval time.Duration, exited func() bool) error {
	if retries <= 0 {
		retries = 1
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for i := 0; i < retries; i++ {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if exited != nil && exited() {
			return ErrExited
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrFileTimeout, path)
}

// Recorder writes clock aligned segments into the record directory.
type Recorder struct {
	Env Env
	// Settle is waited before launch when WarmUp reports that the relay
	// kind needs its channel key to settle.
	Settle time.Duration
	WarmUp func(msType int) bool
}

func (*Recorder) Kind() string { return KindRecorder }

func (r *Recorder) Create(ctx context.Context, src *store.Source, st *store.StreamState) (*Handle, error) {
	if st.RecordOutputFolderPath == "" {
		return nil, errors.New("recorder: record folder is empty")
	}
	if err := ensureDir(st.RecordOutputFolderPath); err != nil {
		return nil, err
	}
	if r.WarmUp != nil && r.WarmUp(st.MSType) && r.Settle > 0 {
		t := time.NewTimer(r.Settle)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	ext := src.RecordFileType
	if ext == "" {
		ext = "mp4"
	}
	pattern := filepath.Join(st.RecordOutputFolderPath, layout.RecordTimestamp+"."+ext)
	args := r.Env.Builder.BuildRecord(src, st.MSStreamAddress, pattern)
	return r.Env.launch(ctx, KindRecorder, src, args, store.FieldRecordPID, store.FieldRecordArgs, process.Spec{})
}

func (*Recorder) Execute(_ context.Context, h *Handle) error { return wait(h) }
func (*Recorder) Dispose(h *Handle)                          { dispose(h) }

// Snapshotter keeps a low rate jpeg of the stream on disk.
type Snapshotter struct{ Env Env }

func (*Snapshotter) Kind() string { return KindSnapshotter }

func (s *Snapshotter) Create(ctx context.Context, src *store.Source, st *store.StreamState) (*Handle, error) {
	if st.SnapshotOutputPath == "" {
		return nil, errors.New("snapshotter: output path is empty")
	}
	if err := ensureDir(filepath.Dir(st.SnapshotOutputPath)); err != nil {
		return nil, err
	}
	args := s.Env.Builder.BuildSnapshot(src, st.MSStreamAddress, st.SnapshotOutputPath)
	return s.Env.launch(ctx, KindSnapshotter, src, args, store.FieldSnapshotPID, store.FieldSnapshotArgs, process.Spec{})
}

func (*Snapshotter) Execute(_ context.Context, h *Handle) error { return wait(h) }
func (*Snapshotter) Dispose(h *Handle)                          { dispose(h) }
