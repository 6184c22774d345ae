package client

// Relay kinds accepted in Source.MSType.
const (
	RelayGo2RTC      = 0
	RelaySRS         = 1
	RelayLiveGo      = 2
	RelayNMS         = 3
	RelaySRSRealtime = 4
)

// Source is the configuration record of one camera.
type Source struct {
	ID            string `json:"id"`
	Brand         string `json:"brand,omitempty"`
	Name          string `json:"name,omitempty"`
	Address       string `json:"address"`
	RTSPTransport string `json:"rtsp_transport,omitempty"`

	MSType           int    `json:"ms_type"`
	StreamType       int    `json:"stream_type"`
	HLSTime          int    `json:"hls_time,omitempty"`
	HLSListSize      int    `json:"hls_list_size,omitempty"`
	StreamVideoCodec string `json:"stream_video_codec,omitempty"`

	ReaderEnabled   bool `json:"reader_enabled"`
	ReaderFrameRate int  `json:"reader_frame_rate,omitempty"`
	ReaderWidth     int  `json:"reader_width,omitempty"`
	ReaderHeight    int  `json:"reader_height,omitempty"`

	RecordEnabled         bool   `json:"record_enabled"`
	RecordSegmentInterval int    `json:"record_segment_interval,omitempty"`
	RecordFileType        string `json:"record_file_type,omitempty"`

	SnapshotEnabled   bool `json:"snapshot_enabled"`
	SnapshotFrameRate int  `json:"snapshot_frame_rate,omitempty"`
	SnapshotWidth     int  `json:"snapshot_width,omitempty"`
	SnapshotHeight    int  `json:"snapshot_height,omitempty"`

	State     int    `json:"state"`
	Enabled   bool   `json:"enabled"`
	RootDir   string `json:"root_dir,omitempty"`
	LogLevel  string `json:"log_level,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`
}

// Stream is the runtime state of a started source.
type Stream struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`

	PID              int `json:"pid"`
	SegmentWriterPID int `json:"segment_writer_pid"`
	ReaderPID        int `json:"reader_pid"`
	RecordPID        int `json:"record_pid"`
	SnapshotPID      int `json:"snapshot_pid"`

	MSType          int    `json:"ms_type"`
	MSContainerName string `json:"ms_container_name"`
	MSStreamAddress string `json:"ms_stream_address"`

	FeederFailedCount        int `json:"feeder_failed_count"`
	SegmentWriterFailedCount int `json:"segment_writer_failed_count"`
	ReaderFailedCount        int `json:"reader_failed_count"`
	RecordFailedCount        int `json:"record_failed_count"`
	SnapshotFailedCount      int `json:"snapshot_failed_count"`

	HLSOutputPath          string `json:"hls_output_path"`
	RecordOutputFolderPath string `json:"record_output_folder_path"`
	SnapshotOutputPath     string `json:"snapshot_output_path"`
}

// Failure counts watchdog failures of one stream.
type Failure struct {
	ID                     string `json:"id"`
	Name                   string `json:"name"`
	WatchdogInterval       int    `json:"watchdog_interval"`
	StreamFailedCount      int    `json:"stream_failed_count"`
	RecordStuckFailedCount int    `json:"record_stuck_failed_count"`
	ContainerFailedCount   int    `json:"container_failed_count"`
	ConflictFailedCount    int    `json:"conflict_failed_count"`
}

// Task is the identity of one supervised job.
type Task struct {
	Op           string `json:"op"`
	JobID        string `json:"job_id"`
	WorkerName   string `json:"worker_name"`
	PID          int    `json:"pid"`
	WorkerPID    int    `json:"worker_pid"`
	ExceptionMsg string `json:"exception_msg"`
	FailedCount  int    `json:"failed_count"`
	UpdatedAt    int64  `json:"updated_at"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}
