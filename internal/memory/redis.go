package memory

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/pkg/logger"
)

// listClient 是 RedisStore 用到的 go-redis 命令子集。
type listClient interface {
	LPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

// RedisStore 把记录以 JSON 形式保存在 Redis 列表中，只保留最近 capacity 条。
type RedisStore struct {
	client   listClient
	key      string
	capacity int64
	owned    *redis.Client
	log      *slog.Logger
}

// RedisConfig 描述 Redis 记忆的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
	Capacity int
}

// NewRedisStore 连接 Redis 并返回 RedisStore。
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	store := NewRedisStoreWithClient(client, cfg.Key, cfg.Capacity)
	store.owned = client
	return store, nil
}

// Close 关闭由 NewRedisStore 创建的连接。
func (s *RedisStore) Close() error {
	if s.owned == nil {
		return nil
	}
	return s.owned.Close()
}

// NewRedisStoreWithClient 复用已有客户端。
func NewRedisStoreWithClient(client listClient, key string, capacity int) *RedisStore {
	if key == "" {
		key = "openmcp:memory"
	}
	if capacity <= 0 {
		capacity = 200
	}
	return &RedisStore{client: client, key: key, capacity: int64(capacity), log: logger.Named("memory.redis")}
}

// Remember 把记录推入列表头部并裁剪到容量。
func (s *RedisStore) Remember(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.Source = SourceRedis
	entry.Score = 0
	data, err := json.Marshal(entry)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化记忆失败")
	}
	if err := s.client.LPush(ctx, s.key, data).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 记忆失败")
	}
	if err := s.client.LTrim(ctx, s.key, 0, s.capacity-1).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "裁剪 Redis 记忆失败")
	}
	return nil
}

// Recall 读取全部记录后在本地打分。
func (s *RedisStore) Recall(ctx context.Context, q Query) ([]Entry, error) {
	raw, err := s.client.LRange(ctx, s.key, 0, s.capacity-1).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 记忆失败")
	}
	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			s.log.Warn("跳过无法解析的记忆", slog.Any("error", err))
			continue
		}
		entries = append(entries, e)
	}
	return rank(entries, q), nil
}

var _ Store = (*RedisStore)(nil)
