// Package events 提供基于 NATS JetStream 的事件总线。
// 管理接口对扩展集合的任何变更（发布、停用、归档、回滚、路由增删）
// 都会发布事件，所有网关实例订阅后对本地快照执行失效，
// 避免多实例部署下只能依赖 TTL 过期的滞后。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/oriys/trellis/internal/domain"
)

// 扩展变更事件类型常量
const (
	EventExtensionPublished   = "extension.published"
	EventExtensionDisabled    = "extension.disabled"
	EventExtensionArchived    = "extension.archived"
	EventExtensionUpdated     = "extension.updated"
	EventExtensionRolledBack  = "extension.rolled_back"
	EventExtensionDeleted     = "extension.deleted"
	EventExtensionInstalled   = "extension.installed"
	EventExtensionUninstalled = "extension.uninstalled"
	EventRouteChanged         = "route.changed"
)

// EventBus 封装 NATS/JetStream 连接与常用发布/订阅操作。
type EventBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *logrus.Logger
}

// Event 表示平台内部事件（JSON 格式）。
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	AppID     string          `json:"app_id"`
	AppSlug   string          `json:"app_slug"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventHandler 定义事件处理回调。
type EventHandler func(event *Event) error

// NewEventBus 创建 EventBus 并初始化所需的 JetStream Stream。
func NewEventBus(natsURL string, logger *logrus.Logger) (*EventBus, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	// 初始化事件 Stream（不存在则创建，存在则尝试更新配置）
	cfg := nats.StreamConfig{
		Name:     "TRELLIS_EVENTS",
		Subjects: []string{"trellis.>"},
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
	}
	if _, err := js.AddStream(&cfg); err != nil && err != nats.ErrStreamNameAlreadyInUse {
		js.UpdateStream(&cfg)
	}

	return &EventBus{
		conn:   nc,
		js:     js,
		logger: logger,
	}, nil
}

// Close 关闭底层 NATS 连接。
func (eb *EventBus) Close() error {
	eb.conn.Close()
	return nil
}

// Publish 发布事件到指定 subject。
func (eb *EventBus) Publish(ctx context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	_, err = eb.js.Publish(subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.WithFields(logrus.Fields{
		"subject":  subject,
		"event_id": event.ID,
		"type":     event.Type,
	}).Debug("Event published")

	return nil
}

// Subscribe 以持久化消费者订阅匹配 subject 的事件（支持通配符）。
// 同名持久化消费者在多实例间共享投递，适合只需处理一次的事件。
// ctx 取消时将自动取消订阅。
func (eb *EventBus) Subscribe(ctx context.Context, subject, durable string, handler EventHandler) error {
	sub, err := eb.js.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			eb.logger.WithError(err).Error("Failed to unmarshal event")
			msg.Nak()
			return
		}

		if err := handler(&event); err != nil {
			eb.logger.WithError(err).WithField("event_id", event.ID).Error("Failed to handle event")
			msg.Nak()
			return
		}

		msg.Ack()
	}, nats.Durable(durable), nats.ManualAck())

	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	return nil
}

// SubscribeBroadcast 以临时消费者订阅事件，每个实例都会收到全部事件。
// 只投递订阅之后产生的新事件，适合快照失效这类广播通知。
func (eb *EventBus) SubscribeBroadcast(ctx context.Context, subject string, handler EventHandler) error {
	sub, err := eb.js.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			eb.logger.WithError(err).Error("Failed to unmarshal event")
			return
		}
		if err := handler(&event); err != nil {
			eb.logger.WithError(err).WithField("event_id", event.ID).Error("Failed to handle event")
		}
	}, nats.DeliverNew())

	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	return nil
}

// PublishExtensionEvent 发布一条扩展变更事件。
// subject 形如 trellis.extension.<slug>.<action>，便于按应用过滤。
func (eb *EventBus) PublishExtensionEvent(ctx context.Context, eventType string, app *domain.App, extensionID string) error {
	payload, _ := json.Marshal(map[string]string{"extension_id": extensionID})
	event := &Event{
		ID:        extensionID,
		Type:      eventType,
		Source:    "admin-api",
		AppID:     app.ID,
		AppSlug:   app.Slug,
		Data:      payload,
		Timestamp: time.Now(),
	}
	subject := fmt.Sprintf("trellis.%s.%s", eventType, app.Slug)
	return eb.Publish(ctx, subject, event)
}

// SubscribeInvalidations 订阅全部变更事件并触发本实例的快照失效。
// 扩展和路由的变更都会影响快照，所以订阅整个事件空间。
// 每个网关实例都是独立的临时消费者，事件会广播到所有实例。
func (eb *EventBus) SubscribeInvalidations(ctx context.Context, invalidate func(slug string)) error {
	return eb.SubscribeBroadcast(ctx, "trellis.>", func(event *Event) error {
		if event.AppSlug == "" {
			return nil
		}
		eb.logger.WithFields(logrus.Fields{
			"app":  event.AppSlug,
			"type": event.Type,
		}).Debug("Extension change event received, invalidating snapshot")
		invalidate(event.AppSlug)
		return nil
	})
}
