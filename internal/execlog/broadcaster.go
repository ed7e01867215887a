package execlog

import (
	"sync"

	"github.com/oriys/trellis/internal/domain"
)

// Broadcaster 向所有订阅者扇出执行日志，用于控制台实时追踪。
// 订阅者通道满时丢弃消息，慢消费者不会拖慢日志路径。
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan *domain.ExecutionLogEntry]struct{}
}

// NewBroadcaster 创建日志广播器。
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan *domain.ExecutionLogEntry]struct{}),
	}
}

// Subscribe 注册一个订阅通道。
func (b *Broadcaster) Subscribe(ch chan *domain.ExecutionLogEntry) {
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
}

// Unsubscribe 注销订阅通道。
func (b *Broadcaster) Unsubscribe(ch chan *domain.ExecutionLogEntry) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
}

// Publish 向所有订阅者推送一条日志。
func (b *Broadcaster) Publish(entry *domain.ExecutionLogEntry) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- entry:
		default:
			// 通道满了，丢弃这条日志
		}
	}
}

// Subscribers 返回当前订阅者数量。
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
