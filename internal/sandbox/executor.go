// Package sandbox 实现不可信扩展代码的编译与受限执行。
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/oriys/trellis/internal/domain"
	"github.com/oriys/trellis/internal/metrics"
)

// DataGateway 是执行器看到的租户数据访问形状。
// 由租户数据网关实现；放在这里定义避免沙箱反向依赖数据层。
// 所有错误（含越权访问）都会被转成单元内可捕获的 JS 异常。
type DataGateway interface {
	// Query 执行只读查询，返回行的列名 -> 值映射
	Query(ctx context.Context, query string, params []any) ([]map[string]any, error)
	// Insert 向逻辑表插入一行，返回插入后的行
	Insert(ctx context.Context, table string, values map[string]any) (map[string]any, error)
	// Update 按等值条件更新逻辑表，返回受影响行数
	Update(ctx context.Context, table string, values, where map[string]any) (int64, error)
	// Delete 按等值条件删除逻辑表的行，返回受影响行数
	Delete(ctx context.Context, table string, where map[string]any) (int64, error)
}

// HookContext 是单次钩子执行的显式能力包。
// 除了这里列出的内容，单元在运行时拿不到任何宿主能力：
// 没有网络、没有文件系统、没有进程、没有其他租户的数据。
type HookContext struct {
	// Phase 是本次执行的钩子阶段
	Phase domain.HookPhase
	// ExtensionID 是被执行扩展的 ID
	ExtensionID string
	// UserID 是请求携带的终端用户 ID
	UserID string
	// Request 是入站请求的只读视图
	Request *domain.RequestData
	// Response 是源站响应的只读视图，仅 after/transform 阶段非空
	Response *domain.ResponseData
	// DB 是按 (用户, 扩展) 限定的租户数据网关，未授予时为 nil
	DB DataGateway
	// Logger 是以扩展 ID 为命名空间的日志入口
	Logger *logrus.Entry
}

// errTimeoutSentinel 是传给 vm.Interrupt 的中断原因值。
var errTimeoutSentinel = errors.New("hook deadline exceeded")

// Executor 执行编译单元。
// 每次调用都会创建一个全新的虚拟机，调用之间除了不可变的
// Program 不共享任何状态，因此单个实例天然支持并发执行。
type Executor struct {
	logger  *logrus.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// NewExecutor 创建沙箱执行器。
// 参数:
//   - logger: 日志器
//   - m: 指标收集器，可以为 nil
func NewExecutor(logger *logrus.Logger, m *metrics.Metrics) *Executor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Executor{
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("trellis-sandbox"),
	}
}

// Execute 在受限上下文中执行编译单元并返回结构化结果。
// 执行始终受单元超时的硬性墙钟约束：超时后虚拟机被中断、
// 调用被放弃，返回 ErrExecutionTimeout。单元内抛出的异常
// 返回 ErrExecutionRuntime。ctx 只用于数据能力调用和追踪，
// 不会提前取消执行（客户端断连不中止在途钩子）。
func (e *Executor) Execute(ctx context.Context, unit *Unit, hctx *HookContext) (*domain.HookResult, error) {
	ctx, span := e.tracer.Start(ctx, "sandbox.execute",
		trace.WithAttributes(
			attribute.String("extension.id", unit.ExtensionID),
			attribute.String("hook.phase", string(hctx.Phase)),
		))
	defer span.End()

	start := time.Now()
	result, err := e.run(ctx, unit, hctx)
	duration := time.Since(start)

	outcome := "ok"
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrExecutionTimeout):
			outcome = "timeout"
		default:
			outcome = "error"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if e.metrics != nil {
		e.metrics.RecordHookExecution(string(hctx.Phase), outcome, duration)
	}
	span.SetAttributes(attribute.Int64("hook.duration_ms", duration.Milliseconds()))
	return result, err
}

// run 完成一次执行：建虚拟机、装超时中断、求值程序取出 handler、
// 构建能力包、调用 handler、收敛返回值。
func (e *Executor) run(ctx context.Context, unit *Unit, hctx *HookContext) (*domain.HookResult, error) {
	vm := goja.New()

	// 硬性墙钟超时：到点中断虚拟机，无论单元在做什么
	timer := time.AfterFunc(unit.Timeout, func() {
		vm.Interrupt(errTimeoutSentinel)
	})
	defer timer.Stop()

	handlerVal, err := vm.RunProgram(unit.Program)
	if err != nil {
		return nil, e.mapError(err, unit)
	}
	callable, ok := goja.AssertFunction(handlerVal)
	if !ok {
		return nil, fmt.Errorf("%w: handler is not a function", domain.ErrExecutionRuntime)
	}

	ctxObj := e.buildContext(ctx, vm, unit, hctx)
	value, err := callable(goja.Undefined(), ctxObj)
	if err != nil {
		return nil, e.mapError(err, unit)
	}
	return coerceResult(value)
}

// mapError 把解释器错误映射到领域错误分类。
func (e *Executor) mapError(err error, unit *Unit) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Errorf("%w after %s", domain.ErrExecutionTimeout, unit.Timeout)
	}
	var jsErr *goja.Exception
	if errors.As(err, &jsErr) {
		return fmt.Errorf("%w: %s", domain.ErrExecutionRuntime, jsErr.Error())
	}
	return fmt.Errorf("%w: %v", domain.ErrExecutionRuntime, err)
}

// buildContext 构建传给 handler 的上下文对象。
// 只有显式放进该对象的能力在单元内可达；log 和 db 还要求
// 扩展声明了对应能力。
func (e *Executor) buildContext(ctx context.Context, vm *goja.Runtime, unit *Unit, hctx *HookContext) *goja.Object {
	obj := vm.NewObject()
	_ = obj.Set("phase", string(hctx.Phase))
	_ = obj.Set("user", map[string]any{"id": hctx.UserID})
	if hctx.Request != nil {
		_ = obj.Set("request", requestValue(hctx.Request))
	}
	if hctx.Response != nil {
		_ = obj.Set("response", responseValue(hctx.Response))
	}
	if unit.HasCapability(domain.CapabilityLog) {
		_ = obj.Set("log", e.logCapability(vm, unit, hctx))
	}
	if hctx.DB != nil && unit.HasCapability(domain.CapabilityDB) {
		_ = obj.Set("db", e.dbCapability(ctx, vm, hctx))
	}
	return obj
}

// requestValue 把请求视图展开成传给虚拟机的朴素映射。
func requestValue(r *domain.RequestData) map[string]any {
	return map[string]any{
		"method":  r.Method,
		"path":    r.Path,
		"params":  r.Params,
		"query":   r.Query,
		"headers": r.Headers,
		"body":    r.Body,
	}
}

// responseValue 把源站响应视图展开成传给虚拟机的朴素映射。
func responseValue(r *domain.ResponseData) map[string]any {
	return map[string]any{
		"status":  r.Status,
		"headers": r.Headers,
		"body":    r.Body,
		"rawBody": r.RawBody,
	}
}

// logCapability 构建 log 能力对象：info/warn/error/debug 四个级别，
// 全部写入以扩展 ID 为命名空间的日志器。
func (e *Executor) logCapability(vm *goja.Runtime, unit *Unit, hctx *HookContext) *goja.Object {
	entry := hctx.Logger
	if entry == nil {
		entry = e.logger.WithField("extension", unit.ExtensionID)
	}
	write := func(level logrus.Level) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, a := range call.Arguments {
				parts = append(parts, valueString(a))
			}
			entry.Log(level, strings.Join(parts, " "))
			return goja.Undefined()
		}
	}
	obj := vm.NewObject()
	_ = obj.Set("debug", write(logrus.DebugLevel))
	_ = obj.Set("info", write(logrus.InfoLevel))
	_ = obj.Set("warn", write(logrus.WarnLevel))
	_ = obj.Set("error", write(logrus.ErrorLevel))
	return obj
}

// dbCapability 构建 db 能力对象：query/insert/update/delete。
// 网关返回的任何错误（含越权访问）都以 JS 异常形式抛进单元，
// 单元可以捕获，管道不受影响。
func (e *Executor) dbCapability(ctx context.Context, vm *goja.Runtime, hctx *HookContext) *goja.Object {
	throw := func(err error) {
		panic(vm.NewGoError(err))
	}
	obj := vm.NewObject()
	_ = obj.Set("query", func(call goja.FunctionCall) goja.Value {
		q := call.Argument(0).String()
		var params []any
		if arr, ok := call.Argument(1).Export().([]any); ok {
			params = arr
		}
		rows, err := hctx.DB.Query(ctx, q, params)
		if err != nil {
			throw(err)
		}
		return vm.ToValue(rows)
	})
	_ = obj.Set("insert", func(call goja.FunctionCall) goja.Value {
		table := call.Argument(0).String()
		values, _ := call.Argument(1).Export().(map[string]any)
		row, err := hctx.DB.Insert(ctx, table, values)
		if err != nil {
			throw(err)
		}
		return vm.ToValue(row)
	})
	_ = obj.Set("update", func(call goja.FunctionCall) goja.Value {
		table := call.Argument(0).String()
		values, _ := call.Argument(1).Export().(map[string]any)
		where, _ := call.Argument(2).Export().(map[string]any)
		n, err := hctx.DB.Update(ctx, table, values, where)
		if err != nil {
			throw(err)
		}
		return vm.ToValue(n)
	})
	_ = obj.Set("delete", func(call goja.FunctionCall) goja.Value {
		table := call.Argument(0).String()
		where, _ := call.Argument(1).Export().(map[string]any)
		n, err := hctx.DB.Delete(ctx, table, where)
		if err != nil {
			throw(err)
		}
		return vm.ToValue(n)
	})
	return obj
}

// coerceResult 把 handler 的返回值收敛成结构化的钩子结果。
// undefined/null 表示执行成功但无贡献；对象按字段取值；
// 其它类型视为契约违反，按运行时错误处理。
func coerceResult(v goja.Value) (*domain.HookResult, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return &domain.HookResult{}, nil
	}
	exported := v.Export()
	m, ok := exported.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: handler must return an object, got %T", domain.ErrExecutionRuntime, exported)
	}
	res := &domain.HookResult{}
	if d, ok := m["data"].(map[string]any); ok {
		res.Data = d
	}
	if b, ok := m["body"].(map[string]any); ok {
		res.Body = b
	}
	res.Headers = toStringMap(m["headers"])
	res.Query = toStringMap(m["query"])
	if s, ok := toInt(m["status"]); ok {
		res.Status = s
	}
	return res, nil
}

// valueString 把虚拟机的值转成日志文本。
func valueString(v goja.Value) string {
	exported := v.Export()
	switch t := exported.(type) {
	case nil:
		return "null"
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

// toStringMap 把导出的 map[string]any 收敛成字符串映射。
func toStringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		switch t := val.(type) {
		case string:
			out[k] = t
		case int64:
			out[k] = strconv.FormatInt(t, 10)
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(t)
		default:
			out[k] = fmt.Sprintf("%v", t)
		}
	}
	return out
}

// toInt 把导出的数值收敛成 int。
func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case int:
		return t, true
	default:
		return 0, false
	}
}
