package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mediamill/faults"
)

// RedisStore persists task records in redis: one JSON value per live task, a
// hash of archived records, a sorted set indexed by endedAt for recency
// queries and per-status sets for filtering.
type RedisStore struct {
	client *redis.Client
	prefix string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "mediamill"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) liveKey(id string) string { return fmt.Sprintf("%s:task:%s", s.prefix, id) }
func (s *RedisStore) liveSetKey() string       { return s.prefix + ":tasks" }
func (s *RedisStore) historyKey() string       { return s.prefix + ":history" }
func (s *RedisStore) historyByEndKey() string  { return s.prefix + ":history:by_end" }
func (s *RedisStore) statusKey(st Status) string {
	return fmt.Sprintf("%s:history:status:%s", s.prefix, st)
}

func (s *RedisStore) Save(ctx context.Context, t *Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.liveKey(t.ID), raw, 0)
	pipe.SAdd(ctx, s.liveSetKey(), t.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Task, bool, error) {
	raw, err := s.client.Get(ctx, s.liveKey(id)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, false, err
	}
	return &t, true, nil
}

func (s *RedisStore) List(ctx context.Context, f Filter) ([]*Task, error) {
	ids, err := s.client.SMembers(ctx, s.liveSetKey()).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.liveKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}
	out := make([]*Task, 0, len(ids))
	for _, cmd := range cmds {
		raw, err := cmd.Bytes()
		if err != nil {
			// record expired or evicted between SMembers and Get
			continue
		}
		var t Task
		if err := json.Unmarshal(raw, &t); err != nil {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Kind != "" && t.Kind != f.Kind {
			continue
		}
		out = append(out, &t)
	}
	return out, nil
}

func (s *RedisStore) Archive(ctx context.Context, t *Task) error {
	if !t.Status.IsTerminal() {
		return faults.Newf(faults.CodeInvalidTransition, "cannot archive task %s in state %s", t.ID, t.Status)
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.liveKey(t.ID), raw, 0)
	pipe.HSet(ctx, s.historyKey(), t.ID, raw)
	pipe.ZAdd(ctx, s.historyByEndKey(), redis.Z{
		Score:  float64(t.EndedAt.UnixMilli()),
		Member: t.ID,
	})
	pipe.SAdd(ctx, s.statusKey(t.Status), t.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) History(ctx context.Context, status Status, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}
	// Over-fetch when filtering by status since the recency index is global.
	fetch := int64(limit)
	if status != "" {
		fetch = int64(limit) * 4
	}
	ids, err := s.client.ZRevRange(ctx, s.historyByEndKey(), 0, fetch-1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	raws, err := s.client.HMGet(ctx, s.historyKey(), ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Task, 0, limit)
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var t Task
		if err := json.Unmarshal([]byte(str), &t); err != nil {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, &t)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	t, ok, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if ok && t.Status == StatusRunning {
		return faults.Newf(faults.CodeInvalidTransition, "cannot delete running task %s", id)
	}
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.liveKey(id))
	pipe.SRem(ctx, s.liveSetKey(), id)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Close() error { return s.client.Close() }
