package task

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/loykin/streamvisor/internal/store"
)

// Queue keys.
const (
	PendingKey = "queue:pending"
	JobPrefix  = "queue:jobs:"
)

// Job phases.
const (
	PhasePending = "pending"
	PhaseRunning = "running"
	PhaseFailed  = "failed"
)

// ErrEmpty is returned by Pop when no job arrived before the timeout.
var ErrEmpty = errors.New("task: queue empty")

// Job is one enqueued catalogue op. It is retried forever while its
// generation is current.
type Job struct {
	ID         string `redis:"id" json:"id"`
	Op         string `redis:"op" json:"op"`
	Generation int64  `redis:"generation" json:"generation"`
	Attempts   int    `redis:"attempts" json:"attempts"`
	EnqueuedAt int64  `redis:"enqueued_at" json:"enqueued_at"`
	Status     string `redis:"status" json:"status"`
}

// Queue is a Redis list of job ids plus one hash per job.
type Queue struct {
	rdb redis.UniversalClient
}

func NewQueue(rdb redis.UniversalClient) *Queue { return &Queue{rdb: rdb} }

func jobKey(id string) string { return JobPrefix + id }

// Generation returns the current queue generation, 0 before the first bump.
func (q *Queue) Generation(ctx context.Context) (int64, error) {
	v, err := q.rdb.Get(ctx, store.QueueGeneration).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read queue generation: %w", err)
	}
	return strconv.ParseInt(v, 10, 64)
}

// BumpGeneration starts a new generation. Workers of older generations
// exit on their next attempt.
func (q *Queue) BumpGeneration(ctx context.Context) (int64, error) {
	return q.rdb.Incr(ctx, store.QueueGeneration).Result()
}

// Clear deletes the pending list and every job hash.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	keys := []string{PendingKey}
	iter := q.rdb.Scan(ctx, 0, JobPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scan jobs: %w", err)
	}
	n, err := q.rdb.Del(ctx, keys...).Result()
	return int(n), err
}

func (q *Queue) Enqueue(ctx context.Context, op Op, generation int64) (*Job, error) {
	j := &Job{
		ID:         uuid.NewString(),
		Op:         string(op),
		Generation: generation,
		EnqueuedAt: time.Now().Unix(),
		Status:     PhasePending,
	}
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, jobKey(j.ID), j)
		p.LPush(ctx, PendingKey, j.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", op, err)
	}
	return j, nil
}

// Pop blocks up to timeout for the oldest pending job.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*Job, error) {
	res, err := q.rdb.BRPop(ctx, timeout, PendingKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("pop job: %w", err)
	}
	return q.Get(ctx, res[1])
}

func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	res := q.rdb.HGetAll(ctx, jobKey(id))
	m, err := res.Result()
	if err != nil {
		return nil, fmt.Errorf("read job %s: %w", id, err)
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	var j Job
	if err := res.Scan(&j); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &j, nil
}

// Pending returns the ids waiting in the queue, oldest first.
func (q *Queue) Pending(ctx context.Context) ([]string, error) {
	ids, err := q.rdb.LRange(ctx, PendingKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, nil
}

// Attempt marks the job running and returns its attempt number.
func (q *Queue) Attempt(ctx context.Context, id string) (int64, error) {
	var n *redis.IntCmd
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		n = p.HIncrBy(ctx, jobKey(id), "attempts", 1)
		p.HSet(ctx, jobKey(id), "status", PhaseRunning)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n.Val(), nil
}

func (q *Queue) SetStatus(ctx context.Context, id, status string) error {
	return q.rdb.HSet(ctx, jobKey(id), "status", status).Err()
}
