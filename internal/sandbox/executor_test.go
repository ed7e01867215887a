// Package sandbox 实现不可信扩展代码的编译与受限执行。
package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/oriys/trellis/internal/domain"
)

// fakeGateway 是记录调用的租户数据网关假实现
type fakeGateway struct {
	mu      sync.Mutex
	queries []string
	failAll bool // 为 true 时所有调用返回越权错误
}

func (g *fakeGateway) Query(ctx context.Context, query string, params []any) ([]map[string]any, error) {
	g.mu.Lock()
	g.queries = append(g.queries, query)
	g.mu.Unlock()
	if g.failAll {
		return nil, domain.ErrUnauthorizedDataAccess
	}
	return []map[string]any{{"id": "1", "title": "hello"}}, nil
}

func (g *fakeGateway) Insert(ctx context.Context, table string, values map[string]any) (map[string]any, error) {
	if g.failAll {
		return nil, domain.ErrUnauthorizedDataAccess
	}
	return values, nil
}

func (g *fakeGateway) Update(ctx context.Context, table string, values, where map[string]any) (int64, error) {
	if g.failAll {
		return 0, domain.ErrUnauthorizedDataAccess
	}
	return 1, nil
}

func (g *fakeGateway) Delete(ctx context.Context, table string, where map[string]any) (int64, error) {
	if g.failAll {
		return 0, domain.ErrUnauthorizedDataAccess
	}
	return 1, nil
}

// compileForTest 编译测试源代码，失败直接终止测试
func compileForTest(t *testing.T, id, source string) *Unit {
	t.Helper()
	c := NewCompiler(Config{}, nil, nil)
	unit, err := c.Compile(testExtension(id), source)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return unit
}

// hookCtx 构造基础的执行上下文
func hookCtx(phase domain.HookPhase) *HookContext {
	return &HookContext{
		Phase:       phase,
		ExtensionID: "ext-x",
		UserID:      "user-1",
		Request: &domain.RequestData{
			Method:  "GET",
			Path:    "/api/items",
			Query:   map[string]string{"page": "1"},
			Headers: map[string]string{"Accept": "application/json"},
		},
	}
}

// TestExecutor_Success 测试成功执行并收敛结构化结果。
func TestExecutor_Success(t *testing.T) {
	unit := compileForTest(t, "ext-ok", `
function handler(ctx) {
	return {
		data: { greeting: "hi " + ctx.user.id },
		status: 201,
		headers: { "X-Trellis": "1" }
	};
}`)
	e := NewExecutor(nil, nil)

	res, err := e.Execute(context.Background(), unit, hookCtx(domain.PhaseAfter))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Data["greeting"] != "hi user-1" {
		t.Errorf("Data[greeting] = %v, want %q", res.Data["greeting"], "hi user-1")
	}
	if res.Status != 201 {
		t.Errorf("Status = %d, want 201", res.Status)
	}
	if res.Headers["X-Trellis"] != "1" {
		t.Errorf("Headers[X-Trellis] = %q, want %q", res.Headers["X-Trellis"], "1")
	}
}

// TestExecutor_ReadsRequest 测试请求视图在单元内可读。
func TestExecutor_ReadsRequest(t *testing.T) {
	unit := compileForTest(t, "ext-req", `
function handler(ctx) {
	return { data: { m: ctx.request.method, p: ctx.request.path, page: ctx.request.query.page } };
}`)
	e := NewExecutor(nil, nil)

	res, err := e.Execute(context.Background(), unit, hookCtx(domain.PhaseBefore))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Data["m"] != "GET" || res.Data["p"] != "/api/items" || res.Data["page"] != "1" {
		t.Errorf("Data = %v, want request fields echoed", res.Data)
	}
}

// TestExecutor_Timeout 测试硬性墙钟超时：死循环被中断并返回超时错误。
func TestExecutor_Timeout(t *testing.T) {
	c := NewCompiler(Config{}, nil, nil)
	ext := testExtension("ext-spin")
	ext.TimeoutMs = 50
	unit, err := c.Compile(ext, `function handler(ctx) { while (true) {} }`)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	e := NewExecutor(nil, nil)

	_, err = e.Execute(context.Background(), unit, hookCtx(domain.PhaseBefore))
	if !errors.Is(err, domain.ErrExecutionTimeout) {
		t.Errorf("Execute() error = %v, want ErrExecutionTimeout", err)
	}
}

// TestExecutor_RuntimeError 测试单元抛出异常时的错误分类。
func TestExecutor_RuntimeError(t *testing.T) {
	unit := compileForTest(t, "ext-throw", `function handler(ctx) { throw new Error("boom"); }`)
	e := NewExecutor(nil, nil)

	_, err := e.Execute(context.Background(), unit, hookCtx(domain.PhaseBefore))
	if !errors.Is(err, domain.ErrExecutionRuntime) {
		t.Fatalf("Execute() error = %v, want ErrExecutionRuntime", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error = %q, want original message preserved", err.Error())
	}
}

// TestExecutor_NonObjectResult 测试返回非对象时按运行时错误处理。
func TestExecutor_NonObjectResult(t *testing.T) {
	unit := compileForTest(t, "ext-num", `function handler(ctx) { return 42; }`)
	e := NewExecutor(nil, nil)

	_, err := e.Execute(context.Background(), unit, hookCtx(domain.PhaseBefore))
	if !errors.Is(err, domain.ErrExecutionRuntime) {
		t.Errorf("Execute() error = %v, want ErrExecutionRuntime", err)
	}
}

// TestExecutor_EmptyResult 测试 undefined 返回值表示成功但无贡献。
func TestExecutor_EmptyResult(t *testing.T) {
	unit := compileForTest(t, "ext-void", `function handler(ctx) {}`)
	e := NewExecutor(nil, nil)

	res, err := e.Execute(context.Background(), unit, hookCtx(domain.PhaseBefore))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.Empty() {
		t.Errorf("result = %+v, want empty contribution", res)
	}
}

// TestExecutor_CapabilityRebinding 测试宿主能力名在单元作用域内被重绑定。
// 静态扫描只拦截调用形式，typeof 探测不会命中规则，据此验证
// 运行时的重绑定兜底：所有能力名都是 undefined。
func TestExecutor_CapabilityRebinding(t *testing.T) {
	unit := compileForTest(t, "ext-rebind", `
function handler(ctx) {
	return { data: {
		req: typeof require,
		proc: typeof process,
		g: typeof global,
		f: typeof fetch
	} };
}`)
	e := NewExecutor(nil, nil)

	res, err := e.Execute(context.Background(), unit, hookCtx(domain.PhaseBefore))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	for _, k := range []string{"req", "proc", "g", "f"} {
		if res.Data[k] != "undefined" {
			t.Errorf("Data[%s] = %v, want undefined (rebound)", k, res.Data[k])
		}
	}
}

// TestExecutor_FrozenPrototypes 测试共享内建原型被冻结：
// 严格模式下对冻结对象赋值抛 TypeError。
func TestExecutor_FrozenPrototypes(t *testing.T) {
	unit := compileForTest(t, "ext-freeze", `
function handler(ctx) {
	Object.prototype.polluted = 1;
	return {};
}`)
	e := NewExecutor(nil, nil)

	_, err := e.Execute(context.Background(), unit, hookCtx(domain.PhaseBefore))
	if !errors.Is(err, domain.ErrExecutionRuntime) {
		t.Errorf("Execute() error = %v, want ErrExecutionRuntime (frozen prototype)", err)
	}
}

// TestExecutor_DBCapability 测试 db 能力：授予时可用，错误在单元内可捕获。
func TestExecutor_DBCapability(t *testing.T) {
	unit := compileForTest(t, "ext-db", `
function handler(ctx) {
	var rows = ctx.db.query("select id, title from notes", []);
	return { data: { first: rows[0].title } };
}`)
	e := NewExecutor(nil, nil)
	gw := &fakeGateway{}
	hctx := hookCtx(domain.PhaseAfter)
	hctx.DB = gw

	res, err := e.Execute(context.Background(), unit, hctx)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Data["first"] != "hello" {
		t.Errorf("Data[first] = %v, want %q", res.Data["first"], "hello")
	}
	if len(gw.queries) != 1 {
		t.Errorf("gateway queries = %d, want 1", len(gw.queries))
	}
}

// TestExecutor_DBErrorCatchable 测试越权错误以 JS 异常形式进入单元，
// 单元捕获后管道不受影响。
func TestExecutor_DBErrorCatchable(t *testing.T) {
	unit := compileForTest(t, "ext-dberr", `
function handler(ctx) {
	try {
		ctx.db.query("select * from forbidden", []);
	} catch (e) {
		return { data: { caught: String(e).indexOf("unauthorized") >= 0 } };
	}
	return { data: { caught: false } };
}`)
	e := NewExecutor(nil, nil)
	hctx := hookCtx(domain.PhaseAfter)
	hctx.DB = &fakeGateway{failAll: true}

	res, err := e.Execute(context.Background(), unit, hctx)
	if err != nil {
		t.Fatalf("Execute() error = %v, want caught inside unit", err)
	}
	if res.Data["caught"] != true {
		t.Errorf("Data[caught] = %v, want true", res.Data["caught"])
	}
}

// TestExecutor_DBRequiresCapability 测试未声明 db 能力时该对象不可达。
func TestExecutor_DBRequiresCapability(t *testing.T) {
	c := NewCompiler(Config{}, nil, nil)
	ext := testExtension("ext-nodb", domain.CapabilityLog) // 只声明 log
	unit, err := c.Compile(ext, `function handler(ctx) { return { data: { db: typeof ctx.db } }; }`)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	e := NewExecutor(nil, nil)
	hctx := hookCtx(domain.PhaseAfter)
	hctx.DB = &fakeGateway{} // 即使调用方误传网关，能力未声明也不可达

	res, err := e.Execute(context.Background(), unit, hctx)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Data["db"] != "undefined" {
		t.Errorf("Data[db] = %v, want undefined", res.Data["db"])
	}
}

// TestExecutor_Concurrent 测试同一单元的并发执行互不干扰。
func TestExecutor_Concurrent(t *testing.T) {
	unit := compileForTest(t, "ext-conc", `
function handler(ctx) {
	var sum = 0;
	for (var i = 0; i < 1000; i++) { sum += i; }
	return { data: { sum: sum, user: ctx.user.id } };
}`)
	e := NewExecutor(nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.Execute(context.Background(), unit, hookCtx(domain.PhaseAfter))
			if err != nil {
				t.Errorf("Execute() error = %v", err)
				return
			}
			if res.Data["sum"] != int64(499500) {
				t.Errorf("Data[sum] = %v, want 499500", res.Data["sum"])
			}
		}()
	}
	wg.Wait()
}
