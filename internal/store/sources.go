package store

import (
	"context"
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"
)

// Relay kinds (ms_type).
const (
	RelayGo2RTC = 0
	RelaySRS    = 1
	RelayLiveGo = 2
	RelayNMS    = 3
)

// Stream output types.
const (
	StreamTypeFLV        = 0
	StreamTypeHLS        = 1
	StreamTypeDirectRead = 2
)

// Source states. SourceStarted means the source should be running.
const (
	SourceNotStartedYet = 0
	SourceStarted       = 1
	SourceStopped       = 2
)

// Source is the configuration record of one camera.
type Source struct {
	ID            string `redis:"id" json:"id"`
	Brand         string `redis:"brand" json:"brand"`
	Name          string `redis:"name" json:"name"`
	Address       string `redis:"address" json:"address"`
	RTSPTransport string `redis:"rtsp_transport" json:"rtsp_transport"`

	MSType           int    `redis:"ms_type" json:"ms_type"`
	StreamType       int    `redis:"stream_type" json:"stream_type"`
	HLSTime          int    `redis:"hls_time" json:"hls_time"`
	HLSListSize      int    `redis:"hls_list_size" json:"hls_list_size"`
	StreamVideoCodec string `redis:"stream_video_codec" json:"stream_video_codec"`

	ReaderEnabled   bool `redis:"reader_enabled" json:"reader_enabled"`
	ReaderFrameRate int  `redis:"reader_frame_rate" json:"reader_frame_rate"`
	ReaderWidth     int  `redis:"reader_width" json:"reader_width"`
	ReaderHeight    int  `redis:"reader_height" json:"reader_height"`

	RecordEnabled         bool   `redis:"record_enabled" json:"record_enabled"`
	RecordSegmentInterval int    `redis:"record_segment_interval" json:"record_segment_interval"`
	RecordFileType        string `redis:"record_file_type" json:"record_file_type"`

	SnapshotEnabled   bool `redis:"snapshot_enabled" json:"snapshot_enabled"`
	SnapshotFrameRate int  `redis:"snapshot_frame_rate" json:"snapshot_frame_rate"`
	SnapshotWidth     int  `redis:"snapshot_width" json:"snapshot_width"`
	SnapshotHeight    int  `redis:"snapshot_height" json:"snapshot_height"`

	State     int    `redis:"state" json:"state"`
	Enabled   bool   `redis:"enabled" json:"enabled"`
	RootDir   string `redis:"root_dir" json:"root_dir"`
	LogLevel  string `redis:"log_level" json:"log_level"`
	CreatedAt int64  `redis:"created_at" json:"created_at"`
}

// NewSource returns a source with the defaults of a freshly added camera.
func NewSource(id, name, address string) *Source {
	return &Source{
		ID:                    id,
		Name:                  name,
		Address:               address,
		MSType:                RelayGo2RTC,
		StreamType:            StreamTypeFLV,
		HLSTime:               2,
		HLSListSize:           3,
		StreamVideoCodec:      "copy",
		ReaderFrameRate:       1,
		ReaderWidth:           640,
		ReaderHeight:          360,
		RecordSegmentInterval: 15,
		RecordFileType:        "mp4",
		SnapshotFrameRate:     1,
		SnapshotWidth:         640,
		SnapshotHeight:        360,
		Enabled:               true,
		LogLevel:              "warning",
	}
}

// ShouldRun reports whether the source is configured to be streaming.
func (s *Source) ShouldRun() bool {
	return s.Enabled && s.State == SourceStarted
}

type SourceRepository struct {
	rdb redis.UniversalClient
}

func sourceKey(id string) string { return SourcesPrefix + id }

func (r *SourceRepository) Add(ctx context.Context, s *Source) error {
	if s.ID == "" {
		return errors.New("source id is required")
	}
	if err := r.rdb.HSet(ctx, sourceKey(s.ID), s).Err(); err != nil {
		return fmt.Errorf("add source %s: %w", s.ID, err)
	}
	return nil
}

func (r *SourceRepository) Get(ctx context.Context, id string) (*Source, error) {
	var s Source
	if err := getHash(ctx, r.rdb, sourceKey(id), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SourceRepository) GetAll(ctx context.Context) ([]*Source, error) {
	return getAll[Source](ctx, r.rdb, SourcesPrefix)
}

// Count returns the number of configured sources.
func (r *SourceRepository) Count(ctx context.Context) (int, error) {
	keys, err := scanKeys(ctx, r.rdb, SourcesPrefix)
	return len(keys), err
}

func (r *SourceRepository) Remove(ctx context.Context, id string) (bool, error) {
	n, err := r.rdb.Del(ctx, sourceKey(id)).Result()
	return n > 0, err
}
