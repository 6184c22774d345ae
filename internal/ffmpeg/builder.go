// Package ffmpeg builds the argument vectors of every ffmpeg invocation a
// stream needs. Builders are pure: they never touch the filesystem.
package ffmpeg

import (
	"fmt"
	"strconv"

	"github.com/loykin/streamvisor/internal/store"
)

const (
	DefaultBinary        = "ffmpeg"
	DefaultAnalyzeDur    = 1000000
	DefaultProbeSize     = 1000000
	defaultSegmentSecond = 15
)

// Builder turns a source into argument vectors. The binary is not part of
// the returned slices.
type Builder struct {
	Binary          string
	AnalyzeDuration int
	ProbeSize       int
}

func NewBuilder(binary string) Builder {
	if binary == "" {
		binary = DefaultBinary
	}
	return Builder{Binary: binary, AnalyzeDuration: DefaultAnalyzeDur, ProbeSize: DefaultProbeSize}
}

// BuildInput returns the input half of the feeder command reading the camera.
func (b Builder) BuildInput(src *store.Source) []string {
	args := []string{
		"-analyzeduration", strconv.Itoa(b.AnalyzeDuration),
		"-probesize", strconv.Itoa(b.ProbeSize),
		"-fflags", "+igndts",
	}
	if src.RTSPTransport != "" && src.RTSPTransport != "auto" {
		args = append(args, "-rtsp_transport", src.RTSPTransport)
	}
	args = append(args, logLevel(src)...)
	return append(args, "-i", src.Address)
}

// BuildOutput returns the output half of the feeder command pushing into the
// relay at push.
func (b Builder) BuildOutput(src *store.Source, push string) []string {
	args := []string{"-strict", "-2", "-an"}
	args = append(args, videoCodec(src)...)
	if src.MSType == store.RelayGo2RTC {
		return append(args, "-f", "rtsp", "-rtsp_transport", "tcp", push)
	}
	return append(args, "-f", "flv", push)
}

// BuildFeeder is BuildInput followed by BuildOutput.
func (b Builder) BuildFeeder(src *store.Source, push string) []string {
	return append(b.BuildInput(src), b.BuildOutput(src, push)...)
}

// BuildSegmentStream reads the relay at pull and writes an HLS playlist to
// index.
func (b Builder) BuildSegmentStream(src *store.Source, pull, index string) []string {
	hlsTime, listSize := src.HLSTime, src.HLSListSize
	if hlsTime <= 0 {
		hlsTime = 2
	}
	if listSize <= 0 {
		listSize = 3
	}
	args := relayInput(src, pull)
	args = append(args, "-an")
	args = append(args, videoCodec(src)...)
	if src.StreamVideoCodec != "" && src.StreamVideoCodec != "copy" {
		args = append(args, "-tune", "zerolatency", "-g", "1")
	}
	return append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(hlsTime),
		"-hls_list_size", strconv.Itoa(listSize),
		"-start_number", "0",
		"-hls_allow_cache", "0",
		"-hls_flags", "+delete_segments+omit_endlist",
		index,
	)
}

// BuildRecord reads the relay at pull and writes clock aligned segments
// following the strftime pattern.
func (b Builder) BuildRecord(src *store.Source, pull, pattern string) []string {
	interval := src.RecordSegmentInterval
	if interval < 1 {
		interval = defaultSegmentSecond
	}
	args := relayInput(src, pull)
	args = append(args, "-an", "-c:v", "copy", "-strict", "-2")
	if src.RecordFileType == "" || src.RecordFileType == "mp4" {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args,
		"-f", "segment",
		"-segment_atclocktime", "1",
		"-reset_timestamps", "1",
		"-strftime", "1",
		"-segment_time", strconv.Itoa(interval),
		pattern,
	)
}

// BuildPipeReader emits mjpeg frames on stdout.
func (b Builder) BuildPipeReader(src *store.Source, pull string) []string {
	args := relayInput(src, pull)
	args = append(args, "-an")
	args = append(args, frameFilter(src.ReaderFrameRate, src.ReaderWidth, src.ReaderHeight)...)
	return append(args, "-f", "image2pipe", "-c:v", "mjpeg", "-q:v", "5", "pipe:1")
}

// BuildSnapshot keeps overwriting a single jpeg at out.
func (b Builder) BuildSnapshot(src *store.Source, pull, out string) []string {
	args := relayInput(src, pull)
	args = append(args, "-an")
	args = append(args, frameFilter(src.SnapshotFrameRate, src.SnapshotWidth, src.SnapshotHeight)...)
	return append(args, "-update", "1", out, "-y")
}

// BuildProbe grabs one frame from address. Its shape is recognised by
// IsProbe so zombie reaping leaves it alone.
func (b Builder) BuildProbe(address, out string) []string {
	return []string{"-i", address, "-f", "image2", "-vframes", "1", out}
}

// IsProbe reports whether a full command line (binary first) is a single
// frame probe.
func IsProbe(cmdline []string) bool {
	return len(cmdline) == 8 && cmdline[4] == "image2" && cmdline[5] == "-vframes"
}

func relayInput(src *store.Source, pull string) []string {
	args := logLevel(src)
	if src.MSType == store.RelayGo2RTC {
		args = append(args, "-rtsp_transport", "tcp")
	}
	return append(args, "-i", pull)
}

func logLevel(src *store.Source) []string {
	if src.LogLevel == "" {
		return nil
	}
	return []string{"-loglevel", src.LogLevel}
}

func videoCodec(src *store.Source) []string {
	if src.StreamVideoCodec == "" || src.StreamVideoCodec == "copy" {
		return []string{"-c:v", "copy"}
	}
	return []string{"-c:v", src.StreamVideoCodec}
}

func frameFilter(fps, w, h int) []string {
	if fps < 1 {
		fps = 1
	}
	args := []string{"-vf", fmt.Sprintf("fps=%d", fps)}
	if w > 0 && h > 0 {
		args = append(args, "-s", fmt.Sprintf("%dx%d", w, h))
	}
	return append(args, "-r", strconv.Itoa(fps))
}
