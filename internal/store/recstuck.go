package store

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"
)

// RecStuck tracks the newest recording file of a source so that a recorder
// that is alive but no longer writing can be detected.
type RecStuck struct {
	ID                     string `redis:"id" json:"id"`
	Brand                  string `redis:"brand" json:"brand"`
	Name                   string `redis:"name" json:"name"`
	Address                string `redis:"address" json:"address"`
	RecordOutputFolderPath string `redis:"record_output_folder_path" json:"record_output_folder_path"`
	LastModifiedFile       string `redis:"last_modified_file" json:"last_modified_file"`
	LastModifiedSize       int64  `redis:"last_modified_size" json:"last_modified_size"`
	LastCheckAt            int64  `redis:"last_check_at" json:"last_check_at"`
	FailedCount            int    `redis:"failed_count" json:"failed_count"`
	FailedModifiedFile     string `redis:"failed_modified_file" json:"failed_modified_file"`
}

type RecStuckRepository struct {
	rdb redis.UniversalClient
}

func recStuckKey(id string) string { return RecStuckPrefix + id }

func (r *RecStuckRepository) Add(ctx context.Context, rec *RecStuck) error {
	if err := r.rdb.HSet(ctx, recStuckKey(rec.ID), rec).Err(); err != nil {
		return fmt.Errorf("add recstuck %s: %w", rec.ID, err)
	}
	return nil
}

func (r *RecStuckRepository) Get(ctx context.Context, id string) (*RecStuck, error) {
	var rec RecStuck
	if err := getHash(ctx, r.rdb, recStuckKey(id), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *RecStuckRepository) GetAll(ctx context.Context) ([]*RecStuck, error) {
	return getAll[RecStuck](ctx, r.rdb, RecStuckPrefix)
}

func (r *RecStuckRepository) Remove(ctx context.Context, id string) error {
	return r.rdb.Del(ctx, recStuckKey(id)).Err()
}

func (r *RecStuckRepository) RemoveAll(ctx context.Context) (int, error) {
	return removeAll(ctx, r.rdb, RecStuckPrefix)
}
