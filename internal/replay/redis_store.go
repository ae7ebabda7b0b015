package replay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "IntentHub/internal/errors"
	"IntentHub/internal/intent"
)

// RedisStoreConfig 描述 Redis 存储的连接参数。
type RedisStoreConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisStore 每条记录保存为一个 hash，预留与终结通过 Lua 脚本保证原子性。
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// reserveScript 返回 "ok" 或已存在记录的状态。
var reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return redis.call('HGET', KEYS[1], 'status')
end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'action', ARGV[2], 'status', 'pending', 'summary', '', 'error_code', '', 'created_at', ARGV[3], 'updated_at', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 'ok'
`)

// finalizeScript 返回 "ok"、"missing" 或记录当前的非 pending 状态。
var finalizeScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if not current then
  return 'missing'
end
if current ~= 'pending' then
  return current
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'summary', ARGV[3], 'error_code', ARGV[4], 'updated_at', ARGV[5])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
return 'ok'
`)

// NewRedisStore 创建 Redis 存储并校验连接。
func NewRedisStore(ctx context.Context, cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return NewRedisStoreWithClient(client, cfg.Prefix), nil
}

// NewRedisStoreWithClient 复用已有客户端。
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "intenthub:replay"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) recordKey(id string) string { return s.prefix + ":record:" + id }
func (s *RedisStore) pendingKey() string         { return s.prefix + ":pending" }
func (s *RedisStore) allKey() string             { return s.prefix + ":all" }

// Reserve 实现 Store 接口。
func (s *RedisStore) Reserve(ctx context.Context, id string, action intent.Action) error {
	if err := validateReserve(id, action); err != nil {
		return err
	}
	keys := []string{s.recordKey(id), s.pendingKey(), s.allKey()}
	result, err := reserveScript.Run(ctx, s.client, keys, id, string(action), s.now().Unix()).Text()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "预留执行记录失败", xerrors.WithRetryable(true))
	}
	if result != "ok" {
		return duplicateError(id, Status(result))
	}
	return nil
}

// Finalize 实现 Store 接口。
func (s *RedisStore) Finalize(ctx context.Context, id string, completion Completion) error {
	checkCompletion(id, completion)
	result, err := s.finalize(ctx, id, completion)
	if err != nil {
		return err
	}
	switch result {
	case "ok":
		return nil
	case "missing":
		violate(id, "", completion.Status)
	default:
		violate(id, Status(result), completion.Status)
	}
	return nil
}

func (s *RedisStore) finalize(ctx context.Context, id string, completion Completion) (string, error) {
	keys := []string{s.recordKey(id), s.pendingKey(), s.allKey()}
	result, err := finalizeScript.Run(ctx, s.client, keys,
		id,
		string(completion.Status),
		completion.Summary,
		string(completion.ErrorCode),
		s.now().Unix(),
	).Text()
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "终结执行记录失败")
	}
	return result, nil
}

// Get 实现 Store 接口。
func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	values, err := s.client.HGetAll(ctx, s.recordKey(id)).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行记录失败")
	}
	if len(values) == 0 {
		return nil, ErrRecordNotFound
	}
	return parseRecordHash(values)
}

// List 读取全部索引后在进程内过滤分页，适合记录量有限的部署。
func (s *RedisStore) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	opts.applyDefaults()
	records, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	filtered := records[:0]
	for _, record := range records {
		if matchesListFilters(record, opts) {
			filtered = append(filtered, record)
		}
	}
	return sortAndPage(filtered, opts), nil
}

// Stats 实现 Store 接口。
func (s *RedisStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()
	records, err := s.loadAll(ctx)
	if err != nil {
		return Stats{}, err
	}
	var stats Stats
	for _, record := range records {
		if matchesListFilters(record, opts) {
			stats.add(record)
		}
	}
	return stats, nil
}

// ExpirePending 对 pending 索引中过期的记录复用终结脚本，与并发 Finalize 竞争时只有一方生效。
func (s *RedisStore) ExpirePending(ctx context.Context, cutoff time.Time) ([]*Record, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.pendingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询超时记录失败")
	}
	completion := timeoutCompletion()
	expired := make([]*Record, 0, len(ids))
	for _, id := range ids {
		result, err := s.finalize(ctx, id, completion)
		if err != nil {
			return expired, err
		}
		if result == "missing" {
			s.client.ZRem(ctx, s.pendingKey(), id)
			continue
		}
		if result != "ok" {
			continue
		}
		record, err := s.Get(ctx, id)
		if err != nil {
			return expired, err
		}
		expired = append(expired, record)
	}
	return expired, nil
}

// Close 关闭 Redis 客户端。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) loadAll(ctx context.Context) ([]*Record, error) {
	ids, err := s.client.ZRange(ctx, s.allKey(), 0, -1).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取记录索引失败")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.recordKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "批量读取执行记录失败")
	}
	records := make([]*Record, 0, len(ids))
	for _, cmd := range cmds {
		values := cmd.Val()
		if len(values) == 0 {
			continue
		}
		record, err := parseRecordHash(values)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func parseRecordHash(values map[string]string) (*Record, error) {
	createdAt, err := strconv.ParseInt(values["created_at"], 10, 64)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("记录 %s created_at 非法", values["id"]))
	}
	updatedAt, err := strconv.ParseInt(values["updated_at"], 10, 64)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("记录 %s updated_at 非法", values["id"]))
	}
	return &Record{
		ID:        values["id"],
		Action:    intent.Action(values["action"]),
		Status:    Status(values["status"]),
		Summary:   values["summary"],
		ErrorCode: values["error_code"],
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

var _ Store = (*RedisStore)(nil)
