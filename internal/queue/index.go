package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"lattice/internal/config"
	"lattice/internal/models"
)

const (
	readyPrefix = "queue:ready:"
	tagsKey     = "queue:tags"
	inflightKey = "queue:inflight"
)

// Index is the Redis side of the task queue: one ready list per
// (tag, priority) pair, the set of live tags, and the in-flight ZSET scored
// by visibility deadline. Postgres stays the source of truth; Redis holds
// only ids eligible for claiming.
type Index struct {
	client     *redis.Client
	visibility time.Duration
}

// NewClient builds the shared Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewIndex wraps a Redis client. visibility bounds how long a claimed task
// may sit in flight before the reaper may take it back.
func NewIndex(client *redis.Client, visibility time.Duration) *Index {
	if visibility <= 0 {
		visibility = 60 * time.Second
	}
	return &Index{client: client, visibility: visibility}
}

func readyKey(tag string, p models.Priority) string {
	return readyPrefix + tag + ":" + string(p)
}

func derefTag(tag *string) string {
	if tag == nil {
		return ""
	}
	return *tag
}

// Push registers each task's tag and appends the task to its ready list.
func (x *Index) Push(ctx context.Context, tasks ...models.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	pipe := x.client.TxPipeline()
	for _, t := range tasks {
		tag := derefTag(t.Tag)
		pipe.SAdd(ctx, tagsKey, tag)
		pipe.RPush(ctx, readyKey(tag, t.Priority), t.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push ready: %w", err)
	}
	return nil
}

// claimScript walks the candidate ready lists in order, popping ids until
// the limit is reached and parking each in the in-flight set with its
// visibility deadline. Redis executes scripts serially, so two concurrent
// claimers always receive disjoint ids.
var claimScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
local deadline = ARGV[1]
local limit = tonumber(ARGV[2])
local out = {}
for i = 1, #KEYS - 1 do
  while #out < limit do
    local id = redis.call('LPOP', KEYS[i])
    if not id then break end
    redis.call('ZADD', inflight, deadline, id)
    out[#out + 1] = id
  end
  if #out >= limit then break end
end
return out
`)

// Claim atomically pops up to limit task ids. A nil tag claims across every
// live tag; lists are walked high to low priority, oldest id first.
func (x *Index) Claim(ctx context.Context, tag *string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	keys, err := x.candidateKeys(ctx, tag)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	keys = append(keys, inflightKey)

	deadline := time.Now().Add(x.visibility).UnixMilli()
	res, err := claimScript.Run(ctx, x.client, keys, deadline, limit).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim script: %w", err)
	}
	items, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected type from claim script: %T", res)
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if id, ok := item.(string); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (x *Index) candidateKeys(ctx context.Context, tag *string) ([]string, error) {
	if tag != nil {
		keys := make([]string, 0, len(models.Priorities))
		for _, p := range models.Priorities {
			keys = append(keys, readyKey(*tag, p))
		}
		return keys, nil
	}
	tags, err := x.client.SMembers(ctx, tagsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list live tags: %w", err)
	}
	sort.Strings(tags)
	keys := make([]string, 0, len(tags)*len(models.Priorities))
	for _, p := range models.Priorities {
		for _, t := range tags {
			keys = append(keys, readyKey(t, p))
		}
	}
	return keys, nil
}

// Extend pushes the visibility deadline forward for an in-flight task.
func (x *Index) Extend(ctx context.Context, id string, extension time.Duration) error {
	return x.client.ZAdd(ctx, inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Remove clears tasks from the in-flight set and their ready lists after a
// terminal transition.
func (x *Index) Remove(ctx context.Context, tasks ...models.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	pipe := x.client.TxPipeline()
	for _, t := range tasks {
		pipe.ZRem(ctx, inflightKey, t.ID)
		pipe.LRem(ctx, readyKey(derefTag(t.Tag), t.Priority), 0, t.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove from index: %w", err)
	}
	return nil
}

// Requeue puts tasks back on their ready lists exactly once, regardless of
// where they currently sit.
func (x *Index) Requeue(ctx context.Context, tasks ...models.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	pipe := x.client.TxPipeline()
	for _, t := range tasks {
		tag := derefTag(t.Tag)
		key := readyKey(tag, t.Priority)
		pipe.ZRem(ctx, inflightKey, t.ID)
		pipe.LRem(ctx, key, 0, t.ID)
		pipe.SAdd(ctx, tagsKey, tag)
		pipe.RPush(ctx, key, t.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	return nil
}

// Forget drops ids from the in-flight set without requeueing, for ids whose
// rows turned out not to be claimable.
func (x *Index) Forget(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	return x.client.ZRem(ctx, inflightKey, members...).Err()
}

// Expired returns in-flight ids whose visibility deadline passed.
func (x *Index) Expired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := x.client.ZRangeByScore(ctx, inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan expired claims: %w", err)
	}
	return ids, nil
}

// Depth returns the total ready-list length across every live tag.
func (x *Index) Depth(ctx context.Context) (int64, error) {
	tags, err := x.client.SMembers(ctx, tagsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("list live tags: %w", err)
	}
	if len(tags) == 0 {
		return 0, nil
	}
	pipe := x.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(tags)*len(models.Priorities))
	for _, t := range tags {
		for _, p := range models.Priorities {
			cmds = append(cmds, pipe.LLen(ctx, readyKey(t, p)))
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// InFlight returns how many tasks are currently claimed.
func (x *Index) InFlight(ctx context.Context) (int64, error) {
	return x.client.ZCard(ctx, inflightKey).Result()
}
