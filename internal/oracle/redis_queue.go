package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisQueue keeps jobs in a sorted set scored by due time in unix milliseconds,
// so several workers can share one queue.
type RedisQueue struct {
	client *redis.Client
	key    string
	logger zerolog.Logger
}

func NewRedisQueue(client *redis.Client, key string, logger zerolog.Logger) *RedisQueue {
	if key == "" {
		key = "oppforge:score_jobs"
	}
	return &RedisQueue{
		client: client,
		key:    key,
		logger: logger.With().Str("component", "score_queue").Logger(),
	}
}

func (q *RedisQueue) Push(ctx context.Context, j Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("score queue: marshal job: %w", err)
	}
	return q.client.ZAdd(ctx, q.key, redis.Z{Score: float64(j.DueAt.UnixMilli()), Member: string(data)}).Err()
}

// PopDue reads due members and claims each with ZREM; a member another worker
// removed first is skipped. If a claim fails after others succeeded, the jobs
// already claimed are returned without an error so none of them is lost.
func (q *RedisQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	opt := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	members, err := q.client.ZRangeByScore(ctx, q.key, opt).Result()
	if err != nil {
		return nil, fmt.Errorf("score queue: range due jobs: %w", err)
	}

	var out []Job
	for _, m := range members {
		removed, err := q.client.ZRem(ctx, q.key, m).Result()
		if err != nil {
			if len(out) == 0 {
				return nil, fmt.Errorf("score queue: claim job: %w", err)
			}
			q.logger.Warn().Err(err).Int("claimed", len(out)).Msg("claim interrupted, returning claimed jobs")
			break
		}
		if removed == 0 {
			continue
		}
		var j Job
		if err := json.Unmarshal([]byte(m), &j); err != nil {
			q.logger.Error().Err(err).Str("member", m).Msg("dropping undecodable score job")
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.key).Result()
	return int(n), err
}
