package store

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"
)

// Task records the execution identity of one catalogued job so that it can
// be killed on the next supervisor start.
type Task struct {
	Op           string `redis:"op" json:"op"`
	JobID        string `redis:"job_id" json:"job_id"`
	WorkerName   string `redis:"worker_name" json:"worker_name"`
	PID          int    `redis:"pid" json:"pid"`
	WorkerPID    int    `redis:"worker_pid" json:"worker_pid"`
	ExceptionMsg string `redis:"exception_msg" json:"exception_msg"`
	FailedCount  int    `redis:"failed_count" json:"failed_count"`
	CreatedAt    int64  `redis:"created_at" json:"created_at"`
	UpdatedAt    int64  `redis:"updated_at" json:"updated_at"`
}

type TaskRepository struct {
	rdb redis.UniversalClient
}

func taskKey(op string) string { return TasksPrefix + op }

func (r *TaskRepository) Add(ctx context.Context, t *Task) error {
	if err := r.rdb.HSet(ctx, taskKey(t.Op), t).Err(); err != nil {
		return fmt.Errorf("add task %s: %w", t.Op, err)
	}
	return nil
}

func (r *TaskRepository) Get(ctx context.Context, op string) (*Task, error) {
	var t Task
	if err := getHash(ctx, r.rdb, taskKey(op), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TaskRepository) GetAll(ctx context.Context) ([]*Task, error) {
	return getAll[Task](ctx, r.rdb, TasksPrefix)
}

// Update sets fields of a task record.
func (r *TaskRepository) Update(ctx context.Context, op string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	return r.rdb.HSet(ctx, taskKey(op), flatten(fields)...).Err()
}

// IncrFailed bumps the failure counter of a task.
func (r *TaskRepository) IncrFailed(ctx context.Context, op string) (int64, error) {
	return r.rdb.HIncrBy(ctx, taskKey(op), "failed_count", 1).Result()
}

func (r *TaskRepository) RemoveAll(ctx context.Context) (int, error) {
	return removeAll(ctx, r.rdb, TasksPrefix)
}
