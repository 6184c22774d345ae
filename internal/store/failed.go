package store

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"
)

// Failure counter fields of FailedStream.
const (
	FailedStreamCount   = "stream_failed_count"
	FailedSegmentWriter = "segment_writer_failed_count"
	FailedReader        = "reader_failed_count"
	FailedRecord        = "record_failed_count"
	FailedSnapshot      = "snapshot_failed_count"
	FailedRecordStuck   = "record_stuck_failed_count"
	FailedContainer     = "container_failed_count"
	FailedConflict      = "conflict_failed_count"
)

// FailedStream accumulates failure counters for one source. Counters only
// grow; the record is removed only by an explicit reset.
type FailedStream struct {
	ID               string `redis:"id" json:"id"`
	Brand            string `redis:"brand" json:"brand"`
	Name             string `redis:"name" json:"name"`
	Address          string `redis:"address" json:"address"`
	WatchdogInterval int    `redis:"watchdog_interval" json:"watchdog_interval"`
	LastCheckAt      int64  `redis:"last_check_at" json:"last_check_at"`

	StreamFailedCount        int `redis:"stream_failed_count" json:"stream_failed_count"`
	SegmentWriterFailedCount int `redis:"segment_writer_failed_count" json:"segment_writer_failed_count"`
	ReaderFailedCount        int `redis:"reader_failed_count" json:"reader_failed_count"`
	RecordFailedCount        int `redis:"record_failed_count" json:"record_failed_count"`
	SnapshotFailedCount      int `redis:"snapshot_failed_count" json:"snapshot_failed_count"`
	RecordStuckFailedCount   int `redis:"record_stuck_failed_count" json:"record_stuck_failed_count"`
	ContainerFailedCount     int `redis:"container_failed_count" json:"container_failed_count"`
	ConflictFailedCount      int `redis:"conflict_failed_count" json:"conflict_failed_count"`
}

type FailedRepository struct {
	rdb redis.UniversalClient
}

func failedKey(id string) string { return FailedPrefix + id }

// Increment refreshes the identity fields of the record for src and bumps
// counter by one, creating the record on first failure.
func (r *FailedRepository) Increment(ctx context.Context, src *Source, counter string, watchdogIntervalSec int, now int64) (int64, error) {
	key := failedKey(src.ID)
	var incr *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"id", src.ID,
			"brand", src.Brand,
			"name", src.Name,
			"address", src.Address,
			"watchdog_interval", watchdogIntervalSec,
			"last_check_at", now,
		)
		incr = p.HIncrBy(ctx, key, counter, 1)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("increment %s for %s: %w", counter, src.ID, err)
	}
	return incr.Val(), nil
}

func (r *FailedRepository) Get(ctx context.Context, id string) (*FailedStream, error) {
	var f FailedStream
	if err := getHash(ctx, r.rdb, failedKey(id), &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *FailedRepository) GetAll(ctx context.Context) ([]*FailedStream, error) {
	return getAll[FailedStream](ctx, r.rdb, FailedPrefix)
}

func (r *FailedRepository) RemoveAll(ctx context.Context) (int, error) {
	return removeAll(ctx, r.rdb, FailedPrefix)
}
