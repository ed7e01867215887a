package telemetry

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// HTTPMiddleware 返回为传入 HTTP 请求自动创建追踪 Span 的中间件。
// 它从请求头提取上游追踪上下文，记录方法、路径、状态码，
// 并把追踪上下文传递给下游处理器。
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName,
			otelhttp.WithTracerProvider(otel.GetTracerProvider()),
			otelhttp.WithPropagators(otel.GetTextMapPropagator()),
			otelhttp.WithSpanOptions(
				trace.WithAttributes(
					attribute.String("service.name", serviceName),
				),
			),
			// Span 命名为 "方法 路径"，如 "GET /api/apps"
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	}
}

// HTTPClientTransport 返回带追踪功能的 http.RoundTripper。
// 出站请求会创建客户端 Span 并把追踪上下文注入请求头，
// 源站转发因此能和网关内部链路串联起来。
func HTTPClientTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return otelhttp.NewTransport(base,
		otelhttp.WithTracerProvider(otel.GetTracerProvider()),
		otelhttp.WithPropagators(otel.GetTextMapPropagator()),
	)
}

// InstrumentedHTTPClient 返回预配置了追踪传输层的 HTTP 客户端。
func InstrumentedHTTPClient() *http.Client {
	return &http.Client{
		Transport: HTTPClientTransport(nil),
	}
}
