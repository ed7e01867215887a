package execlog

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oriys/trellis/internal/domain"
)

type memRepo struct {
	mu      sync.Mutex
	entries []*domain.ExecutionLogEntry
	batches int
	fail    bool
}

func (m *memRepo) AppendExecutionLogs(entries []*domain.ExecutionLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("insert failed")
	}
	m.entries = append(m.entries, entries...)
	m.batches++
	return nil
}

func (m *memRepo) ListExecutionLogs(extensionID string, offset, limit int) ([]*domain.ExecutionLogEntry, int, error) {
	return nil, 0, nil
}

func (m *memRepo) PurgeExecutionLogs(before time.Time) (int64, error) {
	return 0, nil
}

func (m *memRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *memRepo) batchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}

type memSpiller struct {
	mu      sync.Mutex
	entries []*domain.ExecutionLogEntry
}

func (s *memSpiller) SpillLogEntries(_ context.Context, entries []*domain.ExecutionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *memSpiller) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func entry(id string) *domain.ExecutionLogEntry {
	return &domain.ExecutionLogEntry{
		AppID:       "app-1",
		ExtensionID: id,
		Phase:       domain.PhaseBefore,
		UserID:      "user-1",
		Success:     true,
		DurationMs:  3,
		CreatedAt:   time.Now(),
	}
}

func waitCount(t *testing.T, want int, count func() int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if count() >= want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	if got := count(); got < want {
		t.Fatalf("count = %d, want >= %d", got, want)
	}
}

func TestSink_RecordAndFlush(t *testing.T) {
	repo := &memRepo{}
	sink := NewSink(Config{FlushInterval: 10 * time.Millisecond}, repo, nil, quietLogger(), nil)
	sink.Start()
	defer sink.Close(context.Background())

	for i := 0; i < 5; i++ {
		sink.Record(entry("ext-a"))
	}
	waitCount(t, 5, repo.count)
}

func TestSink_BatchSize(t *testing.T) {
	repo := &memRepo{}
	sink := NewSink(Config{BatchSize: 3, FlushInterval: time.Hour}, repo, nil, quietLogger(), nil)
	sink.Start()

	for i := 0; i < 7; i++ {
		sink.Record(entry("ext-a"))
	}
	// 攒满两批各 3 条，剩余 1 条等待刷新间隔
	waitCount(t, 6, repo.count)
	if got := repo.batchCount(); got != 2 {
		t.Errorf("batches = %d, want 2", got)
	}

	// 关闭时清空剩余队列
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sink.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := repo.count(); got != 7 {
		t.Errorf("entries after Close = %d, want 7", got)
	}
}

// 消费停滞时队列溢出的日志转存备用队列，Record 始终不阻塞。
func TestSink_OverflowSpills(t *testing.T) {
	repo := &memRepo{}
	spiller := &memSpiller{}
	sink := NewSink(Config{QueueSize: 2, FlushInterval: time.Hour}, repo, spiller, quietLogger(), nil)
	// 故意不 Start，模拟消费端停滞

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			sink.Record(entry("ext-a"))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked with a full queue")
	}
	if got := spiller.count(); got != 3 {
		t.Errorf("spilled = %d, want 3", got)
	}
}

func TestSink_SpillOnRepoFailure(t *testing.T) {
	repo := &memRepo{fail: true}
	spiller := &memSpiller{}
	sink := NewSink(Config{FlushInterval: 5 * time.Millisecond}, repo, spiller, quietLogger(), nil)
	sink.Start()
	defer sink.Close(context.Background())

	for i := 0; i < 4; i++ {
		sink.Record(entry("ext-a"))
	}
	waitCount(t, 4, spiller.count)
	if repo.count() != 0 {
		t.Errorf("repo entries = %d, want 0", repo.count())
	}
}

func TestSink_TruncatesFields(t *testing.T) {
	repo := &memRepo{}
	sink := NewSink(Config{FlushInterval: 5 * time.Millisecond, MaxFieldBytes: 16}, repo, nil, quietLogger(), nil)
	sink.Start()
	defer sink.Close(context.Background())

	e := entry("ext-a")
	e.Input = strings.Repeat("x", 100)
	e.Error = strings.Repeat("e", 100)
	sink.Record(e)

	waitCount(t, 1, repo.count)
	if got := len(repo.entries[0].Input); got != 16 {
		t.Errorf("Input length = %d, want 16", got)
	}
	if got := len(repo.entries[0].Error); got != 16 {
		t.Errorf("Error length = %d, want 16", got)
	}
}

func TestSink_RecordAfterClose(t *testing.T) {
	repo := &memRepo{}
	sink := NewSink(Config{}, repo, nil, quietLogger(), nil)
	sink.Start()
	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// 关闭后的记录被安静丢弃
	sink.Record(entry("ext-a"))
	if repo.count() != 0 {
		t.Errorf("entries = %d, want 0", repo.count())
	}
}

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster()
	ch := make(chan *domain.ExecutionLogEntry, 1)
	b.Subscribe(ch)
	if b.Subscribers() != 1 {
		t.Fatalf("Subscribers() = %d, want 1", b.Subscribers())
	}

	b.Publish(entry("ext-a"))
	b.Publish(entry("ext-b")) // 通道已满，丢弃

	select {
	case e := <-ch:
		if e.ExtensionID != "ext-a" {
			t.Errorf("received %s, want ext-a", e.ExtensionID)
		}
	default:
		t.Fatal("no entry received")
	}
	select {
	case e := <-ch:
		t.Errorf("unexpected second entry %s", e.ExtensionID)
	default:
	}

	b.Unsubscribe(ch)
	b.Publish(entry("ext-c"))
	if len(ch) != 0 {
		t.Error("entry delivered after Unsubscribe")
	}
	if b.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d, want 0", b.Subscribers())
	}
}
