package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oriys/trellis/internal/domain"
	"github.com/oriys/trellis/internal/execlog"
	"github.com/oriys/trellis/internal/registry"
	"github.com/oriys/trellis/internal/sandbox"
)

// fakeSource 是只读内存数据源，供注册表构建快照。
type fakeSource struct {
	app      *domain.App
	enabled  []*domain.EnabledExtension
	failList bool
}

func (f *fakeSource) GetAppBySlug(slug string) (*domain.App, error) {
	if f.app == nil || f.app.Slug != slug {
		return nil, domain.ErrAppNotFound
	}
	return f.app, nil
}

func (f *fakeSource) ListEnabledWithRoutes(appID string) ([]*domain.EnabledExtension, error) {
	if f.failList {
		return nil, domain.ErrStorageQuery
	}
	return f.enabled, nil
}

// fakeLogRepo 收集落库的执行日志，供断言。
type fakeLogRepo struct {
	mu      sync.Mutex
	entries []*domain.ExecutionLogEntry
}

func (f *fakeLogRepo) AppendExecutionLogs(entries []*domain.ExecutionLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entries...)
	return nil
}

func (f *fakeLogRepo) ListExecutionLogs(extensionID string, offset, limit int) ([]*domain.ExecutionLogEntry, int, error) {
	return nil, 0, nil
}

func (f *fakeLogRepo) PurgeExecutionLogs(before time.Time) (int64, error) { return 0, nil }

func (f *fakeLogRepo) snapshot() []*domain.ExecutionLogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.ExecutionLogEntry, len(f.entries))
	copy(out, f.entries)
	return out
}

func extWithTimeout(id, source string, timeoutMs int, routes ...*domain.RouteBinding) *domain.EnabledExtension {
	return &domain.EnabledExtension{
		Extension: &domain.Extension{
			ID:           id,
			AppID:        "app-1",
			Name:         id,
			Status:       domain.ExtensionStatusPublished,
			Capabilities: []domain.Capability{domain.CapabilityLog},
			TimeoutMs:    timeoutMs,
		},
		Source: source,
		Routes: routes,
	}
}

func enabledExt(id, source string, routes ...*domain.RouteBinding) *domain.EnabledExtension {
	return extWithTimeout(id, source, 5000, routes...)
}

func route(id string, phase domain.HookPhase, priority int, position int64) *domain.RouteBinding {
	return &domain.RouteBinding{
		ID:       id,
		Method:   domain.MethodWildcard,
		Pattern:  "/api/orders",
		Kind:     domain.KindExact,
		Phase:    phase,
		Priority: priority,
		Active:   true,
		Position: position,
	}
}

func newTestProxy(t *testing.T, originURL string, enabled []*domain.EnabledExtension) (*Proxy, *fakeSource) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	src := &fakeSource{
		app:     &domain.App{ID: "app-1", Name: "Shop", Slug: "shop", OriginURL: originURL},
		enabled: enabled,
	}
	comp := sandbox.NewCompiler(sandbox.Config{}, logger, nil)
	reg := registry.NewRegistry(registry.Config{}, src, comp, logger, nil)
	exec := sandbox.NewExecutor(logger, nil)
	return NewProxy(Config{}, reg, exec, nil, nil, nil, logger, nil), src
}

func doRequest(p *Proxy, method, path string, headers map[string]string, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("body is not a JSON object: %v\n%s", err, rec.Body.String())
	}
	return m
}

func jsonOrigin(t *testing.T, hits *atomic.Int64, payload string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, payload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProxy_UnknownApp(t *testing.T) {
	p, _ := newTestProxy(t, "http://origin.invalid", nil)

	rec := doRequest(p, http.MethodGet, "/api/orders", map[string]string{"X-Trellis-App": "nope"}, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "unknown app" {
		t.Errorf("error = %v, want unknown app", body["error"])
	}

	// 没有应用头且未配置默认应用时同样拒绝
	rec = doRequest(p, http.MethodGet, "/api/orders", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status without app header = %d, want 404", rec.Code)
	}
}

func TestProxy_RegistryUnavailable(t *testing.T) {
	p, src := newTestProxy(t, "http://origin.invalid", nil)
	src.failList = true

	rec := doRequest(p, http.MethodGet, "/api/orders", map[string]string{"X-Trellis-App": "shop"}, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "extension registry unavailable" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestProxy_BypassWithoutUser(t *testing.T) {
	var hits atomic.Int64
	origin := jsonOrigin(t, &hits, `{"ok":true}`)

	replaceSrc := `function handler(ctx) { return {body: {replaced: true}}; }`
	p, _ := newTestProxy(t, origin.URL, []*domain.EnabledExtension{
		enabledExt("ext-r", replaceSrc, withInjections(route("r1", domain.PhaseReplace, 0, 1), `[{"slot":"top"}]`)),
	})

	rec := doRequest(p, http.MethodGet, "/api/orders", map[string]string{"X-Trellis-App": "shop"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["ok"] != true {
		t.Errorf("body = %v, want origin passthrough", body)
	}
	if _, present := body["replaced"]; present {
		t.Error("replace hook ran on a request without user identity")
	}
	if _, present := body["_injections"]; present {
		t.Error("injections attached on bypass")
	}
	if hits.Load() != 1 {
		t.Errorf("origin hits = %d, want 1", hits.Load())
	}
}

func TestProxy_BypassWithoutMatch(t *testing.T) {
	var hits atomic.Int64
	origin := jsonOrigin(t, &hits, `{"ok":true}`)
	p, _ := newTestProxy(t, origin.URL, []*domain.EnabledExtension{
		enabledExt("ext-r", `function handler(ctx) { return {body: {replaced: true}}; }`,
			route("r1", domain.PhaseReplace, 0, 1)),
	})

	rec := doRequest(p, http.MethodGet, "/other/path",
		map[string]string{"X-Trellis-App": "shop", "X-Trellis-User": "u-1"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := decodeBody(t, rec); body["ok"] != true {
		t.Errorf("body = %v, want origin passthrough", body)
	}
	if hits.Load() != 1 {
		t.Errorf("origin hits = %d, want 1", hits.Load())
	}
}

func TestProxy_BeforeMergesIntoOutbound(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var obj map[string]any
		_ = json.Unmarshal(raw, &obj)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tag":  r.Header.Get("X-Tag"),
			"q":    r.URL.Query().Get("q"),
			"body": obj,
		})
	}))
	defer origin.Close()

	first := `function handler(ctx) { return {headers: {"X-Tag": "a"}, query: {q: "a"}, body: {a: 1}}; }`
	second := `function handler(ctx) { return {headers: {"X-Tag": "b"}, body: {b: 2}}; }`
	p, _ := newTestProxy(t, origin.URL, []*domain.EnabledExtension{
		enabledExt("ext-a", first, route("r1", domain.PhaseBefore, 10, 1)),
		enabledExt("ext-b", second, route("r2", domain.PhaseBefore, 5, 2)),
	})

	rec := doRequest(p, http.MethodPost, "/api/orders",
		map[string]string{"X-Trellis-App": "shop", "X-Trellis-User": "u-1"},
		`{"item":"x"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	got := decodeBody(t, rec)
	if got["tag"] != "b" {
		t.Errorf("tag = %v, want later hook to win", got["tag"])
	}
	if got["q"] != "a" {
		t.Errorf("q = %v, want a", got["q"])
	}
	body, _ := got["body"].(map[string]any)
	if body == nil {
		t.Fatalf("origin did not receive a JSON body: %v", got)
	}
	for _, key := range []string{"item", "a", "b"} {
		if _, present := body[key]; !present {
			t.Errorf("outbound body missing %q: %v", key, body)
		}
	}
}

func TestProxy_BeforeExecutionOrder(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"order": r.Header.Get("X-Order")})
	}))
	defer origin.Close()

	appendSrc := func(id string) string {
		return `function handler(ctx) {
			var prev = ctx.request.headers["X-Order"] || "";
			return {headers: {"X-Order": prev + "|` + id + `"}};
		}`
	}
	// 优先级降序，同优先级按创建顺序
	p, _ := newTestProxy(t, origin.URL, []*domain.EnabledExtension{
		enabledExt("ext-c", appendSrc("c"), route("r3", domain.PhaseBefore, 5, 9)),
		enabledExt("ext-a", appendSrc("a"), route("r1", domain.PhaseBefore, 10, 7)),
		enabledExt("ext-b", appendSrc("b"), route("r2", domain.PhaseBefore, 5, 8)),
	})

	rec := doRequest(p, http.MethodGet, "/api/orders",
		map[string]string{"X-Trellis-App": "shop", "X-Trellis-User": "u-1"}, "")
	got := decodeBody(t, rec)
	if got["order"] != "|a|b|c" {
		t.Errorf("order = %v, want |a|b|c", got["order"])
	}
}

func TestProxy_ReplaceShortCircuit(t *testing.T) {
	var hits atomic.Int64
	origin := jsonOrigin(t, &hits, `{"ok":true}`)

	failing := `function handler(ctx) { throw new Error("nope"); }`
	winning := `function handler(ctx) { return {status: 201, headers: {"X-From": "hook"}, body: {source: "second"}}; }`
	after := `function handler(ctx) { return {data: {added: true}}; }`
	p, _ := newTestProxy(t, origin.URL, []*domain.EnabledExtension{
		enabledExt("ext-fail", failing, route("r1", domain.PhaseReplace, 10, 1)),
		enabledExt("ext-win", winning, route("r2", domain.PhaseReplace, 5, 2)),
		enabledExt("ext-after", after, route("r3", domain.PhaseAfter, 0, 3)),
	})

	rec := doRequest(p, http.MethodGet, "/api/orders",
		map[string]string{"X-Trellis-App": "shop", "X-Trellis-User": "u-1"}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if rec.Header().Get("X-From") != "hook" {
		t.Errorf("X-From = %q, want hook", rec.Header().Get("X-From"))
	}
	body := decodeBody(t, rec)
	if body["source"] != "second" {
		t.Errorf("source = %v, want second", body["source"])
	}
	if _, present := body["added"]; present {
		t.Error("after hook ran despite replace short-circuit")
	}
	if hits.Load() != 0 {
		t.Errorf("origin hits = %d, want 0", hits.Load())
	}
}

func TestProxy_HookTimeoutStillResponds(t *testing.T) {
	var hits atomic.Int64
	origin := jsonOrigin(t, &hits, `{"ok":true}`)

	spinning := `function handler(ctx) { for (;;) {} }`
	p, _ := newTestProxy(t, origin.URL, []*domain.EnabledExtension{
		extWithTimeout("ext-spin", spinning, 50, route("r1", domain.PhaseBefore, 0, 1)),
	})

	rec := doRequest(p, http.MethodGet, "/api/orders",
		map[string]string{"X-Trellis-App": "shop", "X-Trellis-User": "u-1"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := decodeBody(t, rec); body["ok"] != true {
		t.Errorf("body = %v, want origin passthrough", body)
	}
	if hits.Load() != 1 {
		t.Errorf("origin hits = %d, want 1", hits.Load())
	}
}

func TestProxy_AfterMergeAndInjections(t *testing.T) {
	origin := jsonOrigin(t, nil, `{"total": 9.5}`)

	after := `function handler(ctx) { return {data: {discount: ctx.response.body.total > 5 ? 2 : 0}}; }`
	p, _ := newTestProxy(t, origin.URL, []*domain.EnabledExtension{
		enabledExt("ext-a", after,
			withInjections(route("r1", domain.PhaseAfter, 0, 1), `[{"slot":"cart","component":"banner"}]`)),
	})

	rec := doRequest(p, http.MethodGet, "/api/orders",
		map[string]string{"X-Trellis-App": "shop", "X-Trellis-User": "u-1"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}
	body := decodeBody(t, rec)
	if body["total"] != 9.5 {
		t.Errorf("total = %v, want 9.5", body["total"])
	}
	if body["discount"] != float64(2) {
		t.Errorf("discount = %v, want 2", body["discount"])
	}
	inj, _ := body["_injections"].([]any)
	if len(inj) != 1 {
		t.Fatalf("_injections = %v, want one descriptor", body["_injections"])
	}
	desc, _ := inj[0].(map[string]any)
	if desc["slot"] != "cart" {
		t.Errorf("slot = %v, want cart", desc["slot"])
	}
}

func TestProxy_TransformSharesAfterOrder(t *testing.T) {
	origin := jsonOrigin(t, nil, `{"v": 1}`)

	labelSrc := func(label string) string {
		return `function handler(ctx) { return {data: {last: "` + label + `"}}; }`
	}
	p, _ := newTestProxy(t, origin.URL, []*domain.EnabledExtension{
		enabledExt("ext-t", labelSrc("transform"), route("r1", domain.PhaseTransform, 10, 1)),
		enabledExt("ext-a", labelSrc("after"), route("r2", domain.PhaseAfter, 5, 2)),
	})

	rec := doRequest(p, http.MethodGet, "/api/orders",
		map[string]string{"X-Trellis-App": "shop", "X-Trellis-User": "u-1"}, "")
	body := decodeBody(t, rec)
	// transform 优先级更高先执行，after 的贡献最后写入
	if body["last"] != "after" {
		t.Errorf("last = %v, want after", body["last"])
	}
}

func TestProxy_OriginUnreachable(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	p, _ := newTestProxy(t, deadURL, []*domain.EnabledExtension{
		enabledExt("ext-a", `function handler(ctx) { return {}; }`, route("r1", domain.PhaseBefore, 0, 1)),
	})

	// 拦截路径
	rec := doRequest(p, http.MethodGet, "/api/orders",
		map[string]string{"X-Trellis-App": "shop", "X-Trellis-User": "u-1"}, "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "origin unreachable" {
		t.Errorf("error = %v", body["error"])
	}

	// 直通路径
	rec = doRequest(p, http.MethodGet, "/other", map[string]string{"X-Trellis-App": "shop"}, "")
	if rec.Code != http.StatusBadGateway {
		t.Errorf("bypass status = %d, want 502", rec.Code)
	}
}

func TestProxy_RecordsExecutionLogs(t *testing.T) {
	origin := jsonOrigin(t, nil, `{"ok":true}`)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	src := &fakeSource{
		app: &domain.App{ID: "app-1", Name: "Shop", Slug: "shop", OriginURL: origin.URL},
		enabled: []*domain.EnabledExtension{
			enabledExt("ext-ok", `function handler(ctx) { return {}; }`, route("r1", domain.PhaseBefore, 10, 1)),
			enabledExt("ext-bad", `function handler(ctx) { throw new Error("boom"); }`, route("r2", domain.PhaseBefore, 5, 2)),
		},
	}
	comp := sandbox.NewCompiler(sandbox.Config{}, logger, nil)
	reg := registry.NewRegistry(registry.Config{}, src, comp, logger, nil)
	exec := sandbox.NewExecutor(logger, nil)

	repo := &fakeLogRepo{}
	sink := execlog.NewSink(execlog.Config{BatchSize: 1, FlushInterval: 10 * time.Millisecond}, repo, nil, logger, nil)
	sink.Start()
	defer sink.Close(context.Background())

	p := NewProxy(Config{}, reg, exec, nil, sink, nil, logger, nil)

	rec := doRequest(p, http.MethodGet, "/api/orders",
		map[string]string{"X-Trellis-App": "shop", "X-Trellis-User": "u-9"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(repo.snapshot()) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	entries := repo.snapshot()
	if len(entries) != 2 {
		t.Fatalf("logged entries = %d, want 2", len(entries))
	}
	byExt := map[string]*domain.ExecutionLogEntry{}
	for _, e := range entries {
		byExt[e.ExtensionID] = e
	}
	if e := byExt["ext-ok"]; e == nil || !e.Success || e.UserID != "u-9" {
		t.Errorf("ext-ok entry = %+v", e)
	}
	if e := byExt["ext-bad"]; e == nil || e.Success || e.Error == "" {
		t.Errorf("ext-bad entry = %+v", e)
	}
}

func withInjections(r *domain.RouteBinding, injections string) *domain.RouteBinding {
	r.Injections = json.RawMessage(injections)
	return r
}
