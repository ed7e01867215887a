// Package execlog 实现钩子执行日志的异步汇聚。
// 日志记录是 fire-and-forget 的：请求路径只做一次非阻塞入队，
// 批量落库由后台协程完成，队列溢出时转存 Redis 备用队列，
// 任何失败都不影响请求处理。
package execlog

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oriys/trellis/internal/domain"
	"github.com/oriys/trellis/internal/metrics"
)

// Spiller 是队列溢出时的备用存储接口，由 storage.RedisStore 实现。
type Spiller interface {
	SpillLogEntries(ctx context.Context, entries []*domain.ExecutionLogEntry) error
}

// Config 是日志汇聚的运行参数。
type Config struct {
	// QueueSize 是内存队列容量
	QueueSize int
	// BatchSize 是单次落库的最大条数
	BatchSize int
	// FlushInterval 是批量落库的最长等待时间
	FlushInterval time.Duration
	// MaxFieldBytes 是输入输出字段的截断长度
	MaxFieldBytes int
}

func (c *Config) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	if c.MaxFieldBytes <= 0 {
		c.MaxFieldBytes = 4096
	}
}

// Sink 接收执行日志并异步批量落库。
type Sink struct {
	cfg         Config
	repo        domain.ExecutionLogRepository
	spiller     Spiller
	broadcaster *Broadcaster
	logger      *logrus.Logger
	metrics     *metrics.Metrics

	queue  chan *domain.ExecutionLogEntry
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSink 创建日志汇聚器。spiller 与 metrics 均可为 nil，
// 无 spiller 时溢出日志直接丢弃。
func NewSink(cfg Config, repo domain.ExecutionLogRepository, spiller Spiller, logger *logrus.Logger, m *metrics.Metrics) *Sink {
	cfg.applyDefaults()
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sink{
		cfg:         cfg,
		repo:        repo,
		spiller:     spiller,
		broadcaster: NewBroadcaster(),
		logger:      logger,
		metrics:     m,
		queue:       make(chan *domain.ExecutionLogEntry, cfg.QueueSize),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Broadcaster 返回实时日志订阅的广播器。
func (s *Sink) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// Start 启动批量落库协程与队列指标上报协程。
func (s *Sink) Start() {
	s.wg.Add(1)
	go s.run()
	if s.metrics != nil {
		go s.metricsWorker()
	}
	s.logger.WithFields(logrus.Fields{
		"queue_size":  s.cfg.QueueSize,
		"batch_size":  s.cfg.BatchSize,
		"flush_every": s.cfg.FlushInterval.String(),
	}).Info("Execution log sink started")
}

// Record 记录一条执行日志，永不阻塞调用方。
// 队列满时整条转存备用队列，转存不可用则丢弃；
// 汇聚器关闭后的记录被安静丢弃。
func (s *Sink) Record(entry *domain.ExecutionLogEntry) {
	if s.ctx.Err() != nil {
		return
	}
	entry.Truncate(s.cfg.MaxFieldBytes)
	s.broadcaster.Publish(entry)
	select {
	case s.queue <- entry:
	default:
		s.spill([]*domain.ExecutionLogEntry{entry})
	}
}

// Close 停止汇聚器并在 ctx 允许的时间内清空剩余队列。
func (s *Sink) Close(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run 是批量落库主循环：攒够一批或到达刷新间隔即落库，
// 退出前清空队列中剩余的日志。
func (s *Sink) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*domain.ExecutionLogEntry, 0, s.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.persist(batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-s.ctx.Done():
			for {
				select {
				case entry := <-s.queue:
					batch = append(batch, entry)
					if len(batch) >= s.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case entry := <-s.queue:
			batch = append(batch, entry)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// persist 落库一批日志，失败时转存备用队列兜底。
func (s *Sink) persist(batch []*domain.ExecutionLogEntry) {
	entries := make([]*domain.ExecutionLogEntry, len(batch))
	copy(entries, batch)
	if err := s.repo.AppendExecutionLogs(entries); err != nil {
		s.logger.WithError(err).Warn("Failed to persist execution logs, spilling to backup queue")
		s.spill(entries)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordExecLogFlushed(len(entries))
	}
}

func (s *Sink) spill(entries []*domain.ExecutionLogEntry) {
	if s.metrics != nil {
		s.metrics.RecordExecLogDropped(len(entries))
	}
	if s.spiller == nil {
		return
	}
	if err := s.spiller.SpillLogEntries(context.Background(), entries); err != nil {
		s.logger.WithError(err).Warn("Failed to spill execution logs, entries dropped")
	}
}

// metricsWorker 定期上报队列积压条数。
func (s *Sink) metricsWorker() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			s.metrics.UpdateExecLogQueueSize(0)
			return
		case <-ticker.C:
			s.metrics.UpdateExecLogQueueSize(len(s.queue))
		}
	}
}
