package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each log in a sorted set scored by unix milliseconds.
// RecordAndCount runs as one Lua script, so concurrent callers on any number
// of instances see a consistent count.
type RedisStore struct {
	redis func(ctx context.Context) redis.UniversalClient

	mu  sync.RWMutex
	sha string
}

var _ Store = (*RedisStore)(nil)

func NewRedisStoreWithDynamicCtx(ctx context.Context, redisFunc func(context.Context) redis.UniversalClient) (*RedisStore, error) {
	s := &RedisStore{redis: redisFunc}
	if _, err := s.loadScript(ctx, redisFunc(ctx)); err != nil {
		return nil, fmt.Errorf("load sliding window script: %w", err)
	}
	return s, nil
}

func NewRedisStore(ctx context.Context, r redis.UniversalClient) (*RedisStore, error) {
	return NewRedisStoreWithDynamicCtx(ctx, func(ctx context.Context) redis.UniversalClient {
		return r
	})
}

func (s *RedisStore) RecordAndCount(ctx context.Context, r Request) (Usage, error) {
	nowMs := r.Now.UnixMilli()
	args := make([]any, 0, 5+len(r.Members))
	args = append(args,
		nowMs,
		nowMs-r.Window.Milliseconds(),
		r.Limit,
		r.TTL.Milliseconds(),
		r.Cost,
	)
	for _, m := range r.Members {
		args = append(args, m)
	}

	client := s.redis(ctx)

	res, err := client.EvalSha(ctx, s.scriptSHA(), []string{r.Key}, args...).Slice()
	if isNoScript(err) {
		var sha string
		if sha, err = s.loadScript(ctx, client); err == nil {
			res, err = client.EvalSha(ctx, sha, []string{r.Key}, args...).Slice()
			if err != nil {
				return Usage{}, fmt.Errorf("failed to re-execute script after NOSCRIPT error: %w", err)
			}
		}
	}
	if err != nil {
		return Usage{}, err
	}
	if len(res) != 3 {
		return Usage{}, fmt.Errorf("unexpected script reply of length %d", len(res))
	}

	return Usage{
		Allowed: toInt64(res[0]) == 1,
		Count:   int(toInt64(res[1])),
		Oldest:  fromMillis(toInt64(res[2])),
	}, nil
}

func (s *RedisStore) Count(ctx context.Context, key string, now time.Time, window time.Duration) (Usage, error) {
	lo := strconv.FormatInt(now.UnixMilli()-window.Milliseconds(), 10)
	client := s.redis(ctx)

	var (
		count  *redis.IntCmd
		oldest *redis.ZSliceCmd
	)
	_, err := client.Pipelined(ctx, func(p redis.Pipeliner) error {
		count = p.ZCount(ctx, key, lo, "+inf")
		oldest = p.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: lo, Max: "+inf", Count: 1})
		return nil
	})
	if err != nil {
		return Usage{}, err
	}

	u := Usage{Count: int(count.Val())}
	if zs := oldest.Val(); len(zs) > 0 {
		u.Oldest = fromMillis(int64(zs[0].Score))
	}
	return u, nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.redis(ctx).Del(ctx, key).Err()
}

// Ping checks that the backing Redis answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.redis(ctx).Ping(ctx).Err()
}

func (s *RedisStore) scriptSHA() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sha
}

func (s *RedisStore) loadScript(ctx context.Context, client redis.UniversalClient) (string, error) {
	sha, err := client.ScriptLoad(ctx, luaSlidingWindowScript).Result()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.sha = sha
	s.mu.Unlock()
	return sha, nil
}

func isNoScript(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOSCRIPT")
}
