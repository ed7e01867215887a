// Package telemetry 提供 OpenTelemetry 分布式追踪的封装。
// 追踪数据通过 OTLP gRPC 导出到兼容后端（Tempo、Jaeger 等），
// 覆盖管理接口、代理请求、钩子执行和源站转发四条链路。
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Config 定义遥测配置结构体。
type Config struct {
	// Enabled 控制是否启用遥测，关闭时所有追踪调用都是空操作
	Enabled bool `yaml:"enabled"`
	// Endpoint OTLP 接收器的 gRPC 端点地址，如 "tempo:4317"
	Endpoint string `yaml:"endpoint"`
	// ServiceName 追踪数据的服务标识
	ServiceName string `yaml:"service_name"`
	// SampleRate 采样率，0.0 到 1.0
	SampleRate float64 `yaml:"sample_rate"`
	// Environment 运行环境标识，如 production、development
	Environment string `yaml:"environment"`
}

// Telemetry 持有追踪提供者和追踪器实例，管理追踪数据的生命周期。
type Telemetry struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
}

// New 根据配置创建 Telemetry 实例。
// 未启用时返回只含空操作追踪器的实例；启用时建立到 OTLP
// 接收器的 gRPC 连接并注册全局追踪提供者与上下文传播器。
//
// 参数:
//   - ctx: 上下文，用于控制连接超时
//   - cfg: 遥测配置
//
// 返回:
//   - *Telemetry: 遥测实例
//   - error: 连接或初始化失败时返回错误
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{
			config: cfg,
			tracer: otel.Tracer(cfg.ServiceName),
		}, nil
	}

	// 配置默认值
	if cfg.ServiceName == "" {
		cfg.ServiceName = "trellis-gateway"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 0.1
	}
	if cfg.SampleRate > 1 {
		cfg.SampleRate = 1.0
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "tempo:4317"
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// 内网通信场景，使用不安全凭据；阻塞直到连接建立成功
	conn, err := grpc.DialContext(ctx, cfg.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to %s: %w", cfg.Endpoint, err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	// 资源信息会附加到所有追踪数据上，标识数据来源
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
			attribute.String("environment", cfg.Environment),
		),
		resource.WithHost(),
		resource.WithOS(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// 基于 TraceID 的比率采样，同一追踪的所有 Span 采样决策一致
	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Telemetry{
		config:         cfg,
		tracerProvider: tp,
		tracer:         tp.Tracer(cfg.ServiceName),
	}, nil
}

// Tracer 返回用于创建 Span 的追踪器实例。
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Shutdown 刷新所有待发送的追踪数据并释放资源。
// 应在进程退出前调用，避免丢失尾部数据。
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.tracerProvider == nil {
		return nil
	}
	return t.tracerProvider.Shutdown(ctx)
}

// IsEnabled 返回遥测功能是否已启用。
func (t *Telemetry) IsEnabled() bool {
	return t.config.Enabled
}

// GetTracer 从全局追踪提供者获取指定名称的追踪器。
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartSpan 创建一个新 Span，自动挂接到上下文中的父 Span。
// 使用完毕后需调用返回 Span 的 End 方法。
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer("trellis").Start(ctx, name, opts...)
}

// AddSpanAttributes 向当前 Span 添加属性。
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attrs...)
}

// RecordError 在当前 Span 上记录错误，便于在追踪系统中排查。
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
}

// TraceIDFromContext 从上下文中提取 Trace ID。
// 上下文中没有有效追踪时返回空字符串。
func TraceIDFromContext(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}
