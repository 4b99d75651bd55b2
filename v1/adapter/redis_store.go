package adapter

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sort"
	"strconv"

	redis "github.com/redis/go-redis/v9"

	lockerrors "github.com/mirkobrombin/go-distlock/v1/errors"
)

var (
	createScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV))
return 1
`)

	updateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return false
end
local current = redis.call("HGET", KEYS[1], ARGV[1]) or ""
if current ~= ARGV[2] then
    return false
end
redis.call("HSET", KEYS[1], unpack(ARGV, 3))
return redis.call("HGETALL", KEYS[1])
`)

	deleteScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return -1
end
local current = redis.call("HGET", KEYS[1], ARGV[1]) or ""
if current ~= ARGV[2] then
    return 0
end
redis.call("DEL", KEYS[1])
return 1
`)
)

// RedisStore implements Store with one Redis hash per item. Conditional
// writes run as Lua scripts so the check and the write are atomic.
type RedisStore struct {
	client redis.UniversalClient
	o      options
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	return &RedisStore{client: client, o: buildOptions(opts)}
}

func redisKey(key Key) string {
	return key.Table + ":" + key.Value
}

// flatten turns an item into HSET arguments in a stable order.
func flatten(item Item, skip string) []any {
	names := make([]string, 0, len(item))
	for k := range item {
		if k == skip {
			continue
		}
		names = append(names, k)
	}
	sort.Strings(names)
	args := make([]any, 0, 2*len(names))
	for _, k := range names {
		args = append(args, k, formatValue(item[k]))
	}
	return args
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func (s *RedisStore) mapErr(op string, err error) error {
	if stdErrors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%s: %w", op, lockerrors.ErrConnectionClosed)
	}
	return wrap(op, err)
}

// CreateIfAbsent implements Store.CreateIfAbsent.
func (s *RedisStore) CreateIfAbsent(ctx context.Context, key Key, item Item) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.o.timeout)
	defer cancel()
	args := append([]any{key.Field, key.Value}, flatten(item, key.Field)...)
	n, err := createScript.Run(cctx, s.client, []string{redisKey(key)}, args...).Int()
	if err != nil {
		return s.mapErr("redis create", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// UpdateIfMatch implements Store.UpdateIfMatch.
func (s *RedisStore) UpdateIfMatch(ctx context.Context, key Key, cond Condition, item Item) (Item, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	fields := flatten(item, key.Field)
	if len(fields) == 0 {
		return nil, fmt.Errorf("redis update %s: no fields to set", key)
	}
	cctx, cancel := context.WithTimeout(ctx, s.o.timeout)
	defer cancel()
	args := append([]any{cond.Field, cond.Value}, fields...)
	res, err := updateScript.Run(cctx, s.client, []string{redisKey(key)}, args...).StringSlice()
	if err == redis.Nil {
		return nil, ErrConditionFailed
	}
	if err != nil {
		return nil, s.mapErr("redis update", err)
	}
	return pairsToItem(res), nil
}

// Read implements Store.Read.
func (s *RedisStore) Read(ctx context.Context, key Key) (Item, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.o.timeout)
	defer cancel()
	res, err := s.client.HGetAll(cctx, redisKey(key)).Result()
	if err != nil {
		return nil, s.mapErr("redis read", err)
	}
	if len(res) == 0 {
		return nil, ErrNotFound
	}
	item := make(Item, len(res))
	for k, v := range res {
		item[k] = v
	}
	return item, nil
}

// DeleteIfMatch implements Store.DeleteIfMatch.
func (s *RedisStore) DeleteIfMatch(ctx context.Context, key Key, cond Condition) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.o.timeout)
	defer cancel()
	n, err := deleteScript.Run(cctx, s.client, []string{redisKey(key)}, cond.Field, cond.Value).Int()
	if err != nil {
		return s.mapErr("redis delete", err)
	}
	switch n {
	case -1:
		return ErrNotFound
	case 0:
		return ErrConditionFailed
	}
	return nil
}

func pairsToItem(pairs []string) Item {
	item := make(Item, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		item[pairs[i]] = pairs[i+1]
	}
	return item
}
