// Package maintenance 运行网关的后台维护任务。
// 所有任务都由一个 cron 调度器驱动，随进程启动、随进程优雅退出：
//   - 历史执行日志按保留期清理
//   - 沙箱编译缓存淘汰长期未使用的程序
//   - Redis 备用队列中的执行日志回灌到 PostgreSQL
//   - 快照年龄上报到 Prometheus 指标
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/oriys/trellis/internal/registry"
	"github.com/oriys/trellis/internal/sandbox"
	"github.com/oriys/trellis/internal/storage"
)

// requeueBatch 单次回灌任务最多搬运的日志条数
const requeueBatch = 500

// Runner 管理网关的周期性维护任务
type Runner struct {
	cron      *cron.Cron
	store     *storage.PostgresStore
	redis     *storage.RedisStore
	compiler  *sandbox.Compiler
	registry  *registry.Registry
	logger    *logrus.Logger
	retention time.Duration
}

// NewRunner 创建一个新的维护任务调度器。
//
// 参数:
//   - store: PostgreSQL 存储，日志清理与回灌的目标
//   - redis: Redis 存储，备用队列来源，可为 nil
//   - compiler: 沙箱编译器，缓存淘汰的目标
//   - reg: 快照注册表，年龄上报的来源
//   - retention: 执行日志保留期
//   - logger: 日志记录器
func NewRunner(store *storage.PostgresStore, redis *storage.RedisStore, compiler *sandbox.Compiler, reg *registry.Registry, retention time.Duration, logger *logrus.Logger) *Runner {
	return &Runner{
		cron:      cron.New(cron.WithSeconds()), // 支持秒级
		store:     store,
		redis:     redis,
		compiler:  compiler,
		registry:  reg,
		logger:    logger,
		retention: retention,
	}
}

// Start 注册全部维护任务并启动调度器。
func (r *Runner) Start() error {
	// 每天凌晨 3:30 清理过期执行日志
	if _, err := r.cron.AddFunc("0 30 3 * * *", r.purgeLogs); err != nil {
		return err
	}
	// 每 5 分钟淘汰一次长期未使用的编译缓存
	if _, err := r.cron.AddFunc("0 */5 * * * *", r.evictPrograms); err != nil {
		return err
	}
	// 每分钟回灌一次 Redis 备用队列中的执行日志
	if r.redis != nil {
		if _, err := r.cron.AddFunc("0 * * * * *", r.requeueSpilled); err != nil {
			return err
		}
	}
	// 每 30 秒上报一次快照年龄
	if _, err := r.cron.AddFunc("*/30 * * * * *", r.registry.ReportAges); err != nil {
		return err
	}

	r.cron.Start()
	r.logger.Info("Maintenance scheduler started")
	return nil
}

// Stop 停止调度器，已在执行中的任务跑完后返回。
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("Maintenance scheduler stopped")
}

// purgeLogs 删除超过保留期的历史执行日志。
func (r *Runner) purgeLogs() {
	before := time.Now().Add(-r.retention)
	deleted, err := r.store.PurgeExecutionLogs(before)
	if err != nil {
		r.logger.WithError(err).Error("Failed to purge old execution logs")
		return
	}
	if deleted > 0 {
		r.logger.WithFields(logrus.Fields{
			"deleted": deleted,
			"before":  before.Format(time.RFC3339),
		}).Info("Old execution logs purged")
	}
}

// evictPrograms 淘汰长期未命中的编译缓存条目。
func (r *Runner) evictPrograms() {
	if evicted := r.compiler.EvictIdle(); evicted > 0 {
		r.logger.WithField("evicted", evicted).Debug("Idle compiled units evicted")
	}
}

// requeueSpilled 把 Redis 备用队列中的执行日志搬回 PostgreSQL。
// 落库失败时把这批日志放回队列，等待下一轮重试。
func (r *Runner) requeueSpilled() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	moved := 0
	for moved < requeueBatch {
		entries, err := r.redis.DrainLogEntries(ctx, 100)
		if err != nil {
			r.logger.WithError(err).Warn("Failed to drain spill queue")
			return
		}
		if len(entries) == 0 {
			break
		}
		if err := r.store.AppendExecutionLogs(entries); err != nil {
			// 放回队列，避免日志丢失
			if spillErr := r.redis.SpillLogEntries(ctx, entries); spillErr != nil {
				r.logger.WithError(spillErr).WithField("count", len(entries)).
					Error("Failed to requeue execution logs and spill queue rejected them, entries lost")
			} else {
				r.logger.WithError(err).Warn("Failed to requeue execution logs, returned to spill queue")
			}
			return
		}
		moved += len(entries)
	}
	if moved > 0 {
		r.logger.WithField("count", moved).Info("Spilled execution logs requeued")
	}
}
