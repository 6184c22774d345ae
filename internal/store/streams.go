package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	redis "github.com/redis/go-redis/v9"
)

// Field names of StreamState that starters and the watchdog update in place.
const (
	FieldPID                      = "pid"
	FieldArgs                     = "args"
	FieldSegmentWriterPID         = "segment_writer_pid"
	FieldSegmentWriterArgs        = "segment_writer_args"
	FieldReaderPID                = "reader_pid"
	FieldReaderArgs               = "reader_args"
	FieldRecordPID                = "record_pid"
	FieldRecordArgs               = "record_args"
	FieldSnapshotPID              = "snapshot_pid"
	FieldSnapshotArgs             = "snapshot_args"
	FieldConcatPID                = "concat_pid"
	FieldMSInitialized            = "ms_initialized"
	FieldFeederFailedCount        = "feeder_failed_count"
	FieldSegmentWriterFailedCount = "segment_writer_failed_count"
	FieldReaderFailedCount        = "reader_failed_count"
	FieldRecordFailedCount        = "record_failed_count"
	FieldSnapshotFailedCount      = "snapshot_failed_count"
)

// StreamState is the runtime record of one active source. A zero pid means
// the resource is not applicable or not running.
type StreamState struct {
	ID        string `redis:"id" json:"id"`
	Brand     string `redis:"brand" json:"brand"`
	Name      string `redis:"name" json:"name"`
	Address   string `redis:"address" json:"address"`
	CreatedAt int64  `redis:"created_at" json:"created_at"`

	PID  int    `redis:"pid" json:"pid"`
	Args string `redis:"args" json:"args"`

	StreamType        int    `redis:"stream_type" json:"stream_type"`
	HLSEnabled        bool   `redis:"hls_enabled" json:"hls_enabled"`
	SegmentWriterPID  int    `redis:"segment_writer_pid" json:"segment_writer_pid"`
	SegmentWriterArgs string `redis:"segment_writer_args" json:"segment_writer_args"`

	ReaderEnabled bool   `redis:"reader_enabled" json:"reader_enabled"`
	ReaderPID     int    `redis:"reader_pid" json:"reader_pid"`
	ReaderArgs    string `redis:"reader_args" json:"reader_args"`

	RecordEnabled         bool   `redis:"record_enabled" json:"record_enabled"`
	RecordSegmentInterval int    `redis:"record_segment_interval" json:"record_segment_interval"`
	RecordPID             int    `redis:"record_pid" json:"record_pid"`
	RecordArgs            string `redis:"record_args" json:"record_args"`

	SnapshotEnabled bool   `redis:"snapshot_enabled" json:"snapshot_enabled"`
	SnapshotPID     int    `redis:"snapshot_pid" json:"snapshot_pid"`
	SnapshotArgs    string `redis:"snapshot_args" json:"snapshot_args"`

	ConcatPID int `redis:"concat_pid" json:"concat_pid"`

	MSType              int    `redis:"ms_type" json:"ms_type"`
	MSInitialized       bool   `redis:"ms_initialized" json:"ms_initialized"`
	MSImageName         string `redis:"ms_image_name" json:"ms_image_name"`
	MSContainerName     string `redis:"ms_container_name" json:"ms_container_name"`
	MSAddress           string `redis:"ms_address" json:"ms_address"`
	MSStreamAddress     string `redis:"ms_stream_address" json:"ms_stream_address"`
	MSContainerPorts    string `redis:"ms_container_ports" json:"ms_container_ports"`
	MSContainerCommands string `redis:"ms_container_commands" json:"ms_container_commands"`

	FeederFailedCount        int `redis:"feeder_failed_count" json:"feeder_failed_count"`
	SegmentWriterFailedCount int `redis:"segment_writer_failed_count" json:"segment_writer_failed_count"`
	ReaderFailedCount        int `redis:"reader_failed_count" json:"reader_failed_count"`
	RecordFailedCount        int `redis:"record_failed_count" json:"record_failed_count"`
	SnapshotFailedCount      int `redis:"snapshot_failed_count" json:"snapshot_failed_count"`

	HLSOutputPath          string `redis:"hls_output_path" json:"hls_output_path"`
	RecordOutputFolderPath string `redis:"record_output_folder_path" json:"record_output_folder_path"`
	AIClipFolderPath       string `redis:"ai_clip_folder_path" json:"ai_clip_folder_path"`
	SnapshotOutputPath     string `redis:"snapshot_output_path" json:"snapshot_output_path"`
}

// NewStreamState derives a fresh runtime record from a source.
func NewStreamState(src *Source, createdAt int64) *StreamState {
	interval := src.RecordSegmentInterval
	if interval <= 0 {
		interval = 15
	}
	return &StreamState{
		ID:                    src.ID,
		Brand:                 src.Brand,
		Name:                  src.Name,
		Address:               src.Address,
		CreatedAt:             createdAt,
		StreamType:            src.StreamType,
		HLSEnabled:            src.StreamType == StreamTypeHLS,
		ReaderEnabled:         src.ReaderEnabled,
		RecordEnabled:         src.RecordEnabled,
		RecordSegmentInterval: interval,
		SnapshotEnabled:       src.SnapshotEnabled,
		MSType:                src.MSType,
	}
}

// Ports decodes the internal→host port mapping.
func (s *StreamState) Ports() (map[string]string, error) {
	m := map[string]string{}
	if s.MSContainerPorts == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s.MSContainerPorts), &m); err != nil {
		return nil, fmt.Errorf("decode ports of %s: %w", s.ID, err)
	}
	return m, nil
}

// SetPorts encodes the internal→host port mapping.
func (s *StreamState) SetPorts(m map[string]string) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	s.MSContainerPorts = string(b)
	return nil
}

// HostPorts returns the allocated host ports, sorted.
func (s *StreamState) HostPorts() []int {
	m, err := s.Ports()
	if err != nil {
		return nil
	}
	out := make([]int, 0, len(m))
	for _, v := range m {
		if p, err := strconv.Atoi(v); err == nil {
			out = append(out, p)
		}
	}
	sort.Ints(out)
	return out
}

// PIDs returns every non-zero process id recorded in the state.
func (s *StreamState) PIDs() []int {
	var out []int
	for _, pid := range []int{s.PID, s.SegmentWriterPID, s.ReaderPID, s.RecordPID, s.SnapshotPID, s.ConcatPID} {
		if pid > 0 {
			out = append(out, pid)
		}
	}
	return out
}

type StreamRepository struct {
	rdb redis.UniversalClient
}

func streamKey(id string) string { return StreamsPrefix + id }

// Add writes the whole record, overwriting any previous fields.
func (r *StreamRepository) Add(ctx context.Context, s *StreamState) error {
	key := streamKey(s.ID)
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key, s)
		return nil
	})
	if err != nil {
		return fmt.Errorf("add stream %s: %w", s.ID, err)
	}
	return nil
}

func (r *StreamRepository) Get(ctx context.Context, id string) (*StreamState, error) {
	var s StreamState
	if err := getHash(ctx, r.rdb, streamKey(id), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *StreamRepository) GetAll(ctx context.Context) ([]*StreamState, error) {
	return getAll[StreamState](ctx, r.rdb, StreamsPrefix)
}

// Update sets fields of an existing state. It reports false when the state
// no longer exists, in which case nothing is written.
func (r *StreamRepository) Update(ctx context.Context, id string, fields map[string]any) (bool, error) {
	if len(fields) == 0 {
		return true, nil
	}
	n, err := hsetIfExists.Run(ctx, r.rdb, []string{streamKey(id)}, flatten(fields)...).Int()
	if err != nil {
		return false, fmt.Errorf("update stream %s: %w", id, err)
	}
	return n == 1, nil
}

// IncrCounter increments one failure counter of an existing state.
func (r *StreamRepository) IncrCounter(ctx context.Context, id, field string) (int64, error) {
	n, err := hincrIfExists.Run(ctx, r.rdb, []string{streamKey(id)}, field, 1).Int64()
	if err != nil {
		return 0, fmt.Errorf("incr %s of stream %s: %w", field, id, err)
	}
	if n < 0 {
		return 0, ErrNotFound
	}
	return n, nil
}

// Remove deletes the state and reports whether it existed.
func (r *StreamRepository) Remove(ctx context.Context, id string) (bool, error) {
	n, err := r.rdb.Del(ctx, streamKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("remove stream %s: %w", id, err)
	}
	return n > 0, nil
}

// Exists reports whether a state is recorded for id.
func (r *StreamRepository) Exists(ctx context.Context, id string) (bool, error) {
	n, err := r.rdb.Exists(ctx, streamKey(id)).Result()
	return n > 0, err
}
