package store

import (
	"context"

	redis "github.com/redis/go-redis/v9"
)

// Zombie kinds.
const (
	ZombieProcess   = "ffmpeg"
	ZombieContainer = "docker"
)

// ZombieRepository is an append-only audit of reaped orphans.
type ZombieRepository struct {
	rdb redis.UniversalClient
}

func (r *ZombieRepository) Add(ctx context.Context, kind, value string) error {
	return r.rdb.SAdd(ctx, ZombiesPrefix+kind, value).Err()
}

func (r *ZombieRepository) Members(ctx context.Context, kind string) ([]string, error) {
	return r.rdb.SMembers(ctx, ZombiesPrefix+kind).Result()
}

func (r *ZombieRepository) RemoveAll(ctx context.Context) (int, error) {
	return removeAll(ctx, r.rdb, ZombiesPrefix)
}
