// Package store keeps all runtime state of the supervisor in Redis. Every
// entity is a hash (or set) owned by Redis; values returned here are
// transient copies that callers must re-read instead of caching.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loykin/streamvisor/internal/config"
	redis "github.com/redis/go-redis/v9"
)

// Key namespaces.
const (
	SourcesPrefix   = "sources:"
	StreamsPrefix   = "streams:"
	FailedPrefix    = "failed_streams:"
	RecStuckPrefix  = "recstucks:"
	ZombiesPrefix   = "zombies:"
	TasksPrefix     = "tasks:"
	PortCounterKey  = "ports:counter"
	QueueGeneration = "queue:generation"
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("store: record not found")

// Both scripts apply a hash mutation only while the hash still exists so a
// late writer can never resurrect a record that was deleted by stop.
var (
	hsetIfExists = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1`)
	hincrIfExists = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
return redis.call('HINCRBY', KEYS[1], ARGV[1], ARGV[2])`)
)

// Store groups the repositories over one Redis client.
type Store struct {
	rdb redis.UniversalClient
	log *slog.Logger

	Sources  *SourceRepository
	Streams  *StreamRepository
	Failed   *FailedRepository
	RecStuck *RecStuckRepository
	Zombies  *ZombieRepository
	Tasks    *TaskRepository
}

// NewClient builds a universal client from the redis config section.
func NewClient(cfg config.RedisConfig) (redis.UniversalClient, error) {
	addrs := make([]string, 0, len(cfg.Addrs))
	for _, a := range cfg.Addrs {
		if trimmed := strings.TrimSpace(a); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	}), nil
}

// New wraps an existing client.
func New(rdb redis.UniversalClient, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{rdb: rdb, log: log}
	s.Sources = &SourceRepository{rdb: rdb}
	s.Streams = &StreamRepository{rdb: rdb}
	s.Failed = &FailedRepository{rdb: rdb}
	s.RecStuck = &RecStuckRepository{rdb: rdb}
	s.Zombies = &ZombieRepository{rdb: rdb}
	s.Tasks = &TaskRepository{rdb: rdb}
	return s
}

// Open connects using cfg and verifies the connection with PING.
func Open(ctx context.Context, cfg config.RedisConfig, log *slog.Logger) (*Store, error) {
	rdb, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	s := New(rdb, log)
	if err := s.Ping(ctx); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Client() redis.UniversalClient { return s.rdb }

func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.rdb.Close() }

// IncrPortCounter atomically advances the port allocation counter.
func (s *Store) IncrPortCounter(ctx context.Context) (int64, error) {
	return s.rdb.Incr(ctx, PortCounterKey).Result()
}

// ResetPortCounter deletes the port allocation counter.
func (s *Store) ResetPortCounter(ctx context.Context) error {
	return s.rdb.Del(ctx, PortCounterKey).Err()
}

// getHash loads key into dst. It returns ErrNotFound for a missing key.
func getHash(ctx context.Context, rdb redis.UniversalClient, key string, dst any) error {
	cmd := rdb.HGetAll(ctx, key)
	vals, err := cmd.Result()
	if err != nil {
		return fmt.Errorf("hgetall %s: %w", key, err)
	}
	if len(vals) == 0 {
		return ErrNotFound
	}
	if err := cmd.Scan(dst); err != nil {
		return fmt.Errorf("scan %s: %w", key, err)
	}
	return nil
}

// scanKeys returns every key under prefix.
func scanKeys(ctx context.Context, rdb redis.UniversalClient, prefix string) ([]string, error) {
	var keys []string
	iter := rdb.Scan(ctx, 0, prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s*: %w", prefix, err)
	}
	return keys, nil
}

// removeAll deletes every key under prefix and returns the number removed.
func removeAll(ctx context.Context, rdb redis.UniversalClient, prefix string) (int, error) {
	keys, err := scanKeys(ctx, rdb, prefix)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, k := range keys {
		n, err := rdb.Del(ctx, k).Result()
		if err != nil {
			return count, fmt.Errorf("del %s: %w", k, err)
		}
		count += int(n)
	}
	return count, nil
}

// getAll loads every hash under prefix.
// Keys that vanish between SCAN and HGETALL are skipped.
func getAll[T any](ctx context.Context, rdb redis.UniversalClient, prefix string) ([]*T, error) {
	keys, err := scanKeys(ctx, rdb, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(keys))
	for _, k := range keys {
		v := new(T)
		if err := getHash(ctx, rdb, k, v); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func flatten(fields map[string]any) []any {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}
