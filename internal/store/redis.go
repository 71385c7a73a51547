package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/containerd/errdefs"
	"github.com/redis/go-redis/v9"
)

var _ Store = (*Redis)(nil)

// 每个记录存成一个 hash：v = 版本号，d = 负载。
// 版本递增、负载写入和 TTL 刷新必须原子，所以所有写路径都走 Lua。
var (
	putScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'v')
local nv = 1
if v then nv = tonumber(v) + 1 end
redis.call('HSET', KEYS[1], 'v', nv, 'd', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return nv`)

	casScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'v')
if ARGV[1] == '0' then
  if v then return -1 end
elseif not v or v ~= ARGV[1] then
  return -1
end
local nv = 1
if v then nv = tonumber(v) + 1 end
redis.call('HSET', KEYS[1], 'v', nv, 'd', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return nv`)

	putIfAbsentScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'v', 1, 'd', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1`)

	deleteIfEqualScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'd') == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0`)

	expireIfEqualScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'd') == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0`)
)

type Redis struct {
	client redis.Cmdable
}

func NewRedis(client redis.Cmdable) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := putScript.Run(ctx, r.client, []string{key}, value, ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("store put %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) (Record, error) {
	vals, err := r.client.HMGet(ctx, key, "v", "d").Result()
	if err != nil {
		return Record{}, fmt.Errorf("store get %s: %w", key, err)
	}
	if vals[0] == nil {
		return Record{}, fmt.Errorf("store get %s: %w", key, errdefs.ErrNotFound)
	}

	version, err := strconv.ParseInt(vals[0].(string), 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("store get %s: bad version: %w", key, err)
	}

	var data []byte
	if vals[1] != nil {
		data = []byte(vals[1].(string))
	}
	return Record{Value: data, Version: version}, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *Redis) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte, ttl time.Duration) error {
	res, err := casScript.Run(ctx, r.client, []string{key},
		strconv.FormatInt(expectedVersion, 10), value, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("store cas %s: %w", key, err)
	}
	if res < 0 {
		return fmt.Errorf("store cas %s: %w", key, ErrVersionMismatch)
	}
	return nil
}

func (r *Redis) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	res, err := putIfAbsentScript.Run(ctx, r.client, []string{key}, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("store put-if-absent %s: %w", key, err)
	}
	return res == 1, nil
}

func (r *Redis) DeleteIfEqual(ctx context.Context, key string, value []byte) (bool, error) {
	res, err := deleteIfEqualScript.Run(ctx, r.client, []string{key}, value).Int64()
	if err != nil {
		return false, fmt.Errorf("store delete-if-equal %s: %w", key, err)
	}
	return res == 1, nil
}

func (r *Redis) ExpireIfEqual(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	res, err := expireIfEqualScript.Run(ctx, r.client, []string{key}, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("store expire-if-equal %s: %w", key, err)
	}
	return res == 1, nil
}

func (r *Redis) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("store scan %s: %w", prefix, err)
	}
	return keys, nil
}
