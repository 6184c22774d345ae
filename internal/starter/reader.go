package starter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"sync/atomic"

	"github.com/loykin/streamvisor/internal/eventbus"
	"github.com/loykin/streamvisor/internal/process"
	"github.com/loykin/streamvisor/internal/store"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

const maxFrameSize = 16 << 20

// Frame is the payload published for every decoded image.
type Frame struct {
	Name   string `json:"name"`
	Source string `json:"source"`
	Img    string `json:"img"`
}

// PipeReader reads mjpeg from ffmpeg stdout and publishes each frame.
type PipeReader struct {
	Env Env
	Bus eventbus.Publisher
	// Channel defaults to eventbus.ReadService.
	Channel string

	published atomic.Int64
}

func (*PipeReader) Kind() string { return KindReader }

// Published returns how many frames were published since creation.
func (r *PipeReader) Published() int64 { return r.published.Load() }

func (r *PipeReader) Create(ctx context.Context, src *store.Source, st *store.StreamState) (*Handle, error) {
	if st.MSStreamAddress == "" {
		return nil, errors.New("pipe reader: relay pull address is empty")
	}
	pr, pw := io.Pipe()
	args := r.Env.Builder.BuildPipeReader(src, st.MSStreamAddress)
	h, err := r.Env.launch(ctx, KindReader, src, args, store.FieldReaderPID, store.FieldReaderArgs, process.Spec{Stdout: pw})
	if err != nil {
		_ = pw.Close()
		_ = pr.Close()
		return nil, err
	}
	h.stdout = pr
	h.cleanup = func() { _ = pw.CloseWithError(io.ErrClosedPipe) }
	return h, nil
}

// Execute publishes frames until the subprocess exits.
func (r *PipeReader) Execute(ctx context.Context, h *Handle) error {
	name := h.Name
	if name == "" {
		name = h.SourceID
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.consume(ctx, h.SourceID, name, h.stdout)
	}()
	err := wait(h)
	// unblock the scanner once the process is gone
	if h.cleanup != nil {
		h.cleanup()
	}
	<-done
	return err
}

func (r *PipeReader) Dispose(h *Handle) { dispose(h) }

func (r *PipeReader) consume(ctx context.Context, id, name string, in io.Reader) {
	if in == nil {
		return
	}
	channel := r.Channel
	if channel == "" {
		channel = eventbus.ReadService
	}
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 256<<10), maxFrameSize)
	sc.Split(SplitJPEG)
	for sc.Scan() {
		frame := Frame{Name: name, Source: id, Img: base64.StdEncoding.EncodeToString(sc.Bytes())}
		if r.Bus == nil {
			continue
		}
		if err := r.Bus.Publish(ctx, channel, frame); err != nil {
			r.Env.logger().Warn("publish frame failed", "id", id, "error", err)
			continue
		}
		r.published.Add(1)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		r.Env.logger().Warn("frame reader stopped", "id", id, "error", err)
	}
	// drain so the subprocess never blocks on a full pipe
	_, _ = io.Copy(io.Discard, in)
}

// SplitJPEG is a bufio.SplitFunc yielding complete JPEG images, from the
// SOI marker through the EOI marker. Bytes outside of images are dropped.
func SplitJPEG(data []byte, atEOF bool) (int, []byte, error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		if len(data) > 1 {
			// keep a trailing 0xFF that may start the next marker
			return len(data) - 1, nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	stop := start + len(jpegSOI) + end + len(jpegEOI)
	return stop, data[start:stop], nil
}
