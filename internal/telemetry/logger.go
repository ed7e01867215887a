package telemetry

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// LogrusHook 把追踪上下文自动注入日志条目。
// 日志条目携带有效追踪上下文时，自动补充 trace_id、span_id
// 和 trace_sampled 字段，让日志系统能反查到对应链路。
type LogrusHook struct{}

// NewLogrusHook 创建 LogrusHook，加到 Logger 上即可生效。
func NewLogrusHook() *LogrusHook {
	return &LogrusHook{}
}

// Levels 返回全部日志级别，所有日志都会关联追踪上下文。
func (h *LogrusHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire 在日志条目生成时检查其上下文中的 Span 并注入追踪字段。
func (h *LogrusHook) Fire(entry *logrus.Entry) error {
	ctx := entry.Context
	if ctx == nil {
		return nil
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return nil
	}

	spanCtx := span.SpanContext()
	entry.Data["trace_id"] = spanCtx.TraceID().String()
	entry.Data["span_id"] = spanCtx.SpanID().String()
	if spanCtx.IsSampled() {
		entry.Data["trace_sampled"] = true
	}
	return nil
}

// LoggerWithTraceContext 返回带追踪字段的日志条目。
// 上下文中没有有效 Span 时返回不带追踪字段的普通条目。
func LoggerWithTraceContext(ctx context.Context, logger *logrus.Logger) *logrus.Entry {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return logrus.NewEntry(logger)
	}

	spanCtx := span.SpanContext()
	return logger.WithFields(logrus.Fields{
		"trace_id":      spanCtx.TraceID().String(),
		"span_id":       spanCtx.SpanID().String(),
		"trace_sampled": spanCtx.IsSampled(),
	})
}
