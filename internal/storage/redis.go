package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/trellis/internal/config"
	"github.com/oriys/trellis/internal/domain"
)

// Redis 键名常量
const (
	// spillLogKey 是执行日志备用队列的列表键。
	// 日志落库失败或内存队列溢出时，批次会转存到这里，由维护任务回灌。
	spillLogKey = "trellis:execlog:spill"
	// statsKeyPrefix 是扩展调用统计哈希的键前缀，后接扩展 ID
	statsKeyPrefix = "trellis:stats:ext:"
)

// RedisStore 是基于 Redis 的辅助存储。
// 承担两类职责：执行日志的备用队列（防止落库故障丢审计），
// 以及扩展调用次数和耗时的累计统计。
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore 创建并验证 Redis 连接。
// 参数:
//   - cfg: Redis 连接配置
//
// 返回:
//   - *RedisStore: 存储实例
//   - error: 连接失败时返回错误
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageConnection, err)
	}
	return &RedisStore{client: client}, nil
}

// Close 关闭 Redis 连接
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Ping 检查 Redis 连接是否可用
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// ========== 执行日志备用队列 ==========

// SpillLogEntries 把执行日志批次转存到备用队列
func (r *RedisStore) SpillLogEntries(ctx context.Context, entries []*domain.ExecutionLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	vals := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		vals = append(vals, data)
	}
	return r.client.RPush(ctx, spillLogKey, vals...).Err()
}

// DrainLogEntries 从备用队列取出至多 max 条执行日志。
// 队列为空时返回空切片；无法解析的记录直接丢弃。
func (r *RedisStore) DrainLogEntries(ctx context.Context, max int) ([]*domain.ExecutionLogEntry, error) {
	raw, err := r.client.LPopCount(ctx, spillLogKey, max).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entries := make([]*domain.ExecutionLogEntry, 0, len(raw))
	for _, item := range raw {
		var e domain.ExecutionLogEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// SpillQueueLength 返回备用队列当前长度
func (r *RedisStore) SpillQueueLength(ctx context.Context) (int64, error) {
	return r.client.LLen(ctx, spillLogKey).Result()
}

// ========== 扩展调用统计 ==========

// IncrExtensionStats 累加一次钩子调用的统计计数
func (r *RedisStore) IncrExtensionStats(ctx context.Context, extensionID string, success bool, durationMs int64) error {
	key := statsKeyPrefix + extensionID
	pipe := r.client.Pipeline()
	pipe.HIncrBy(ctx, key, "total", 1)
	if !success {
		pipe.HIncrBy(ctx, key, "failures", 1)
	}
	pipe.HIncrBy(ctx, key, "duration_ms_total", durationMs)
	_, err := pipe.Exec(ctx)
	return err
}

// ExtensionStats 读取扩展的累计调用统计。
// 从未被调用的扩展返回空 map。
func (r *RedisStore) ExtensionStats(ctx context.Context, extensionID string) (map[string]int64, error) {
	raw, err := r.client.HGetAll(ctx, statsKeyPrefix+extensionID).Result()
	if err != nil {
		return nil, err
	}
	stats := make(map[string]int64, len(raw))
	for field, val := range raw {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			continue
		}
		stats[field] = n
	}
	return stats, nil
}

// DeleteExtensionStats 删除扩展的累计统计，扩展删除时调用
func (r *RedisStore) DeleteExtensionStats(ctx context.Context, extensionID string) error {
	return r.client.Del(ctx, statsKeyPrefix+extensionID).Err()
}
