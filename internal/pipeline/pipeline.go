// Package pipeline 实现代理端口上的请求拦截管道。
//
// 一次请求依次经过路由匹配、before 钩子、replace 钩子、源站转发、
// after/transform 钩子与响应合并。任何单个钩子的失败只影响它自己，
// 管道保证请求总能得到一个响应。
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/oriys/trellis/internal/domain"
	"github.com/oriys/trellis/internal/execlog"
	"github.com/oriys/trellis/internal/metrics"
	"github.com/oriys/trellis/internal/registry"
	"github.com/oriys/trellis/internal/routing"
	"github.com/oriys/trellis/internal/sandbox"
	"github.com/oriys/trellis/internal/telemetry"
	"github.com/oriys/trellis/internal/tenantdata"
)

// ========== 配置 ==========

// Config 是拦截管道的运行配置。
type Config struct {
	// DefaultApp 是请求未携带应用头时使用的应用 slug，为空表示必须显式携带
	DefaultApp string
	// AppHeader 是携带应用 slug 的请求头名称
	AppHeader string
	// UserHeader 是携带终端用户标识的请求头名称
	UserHeader string
	// OriginTimeout 是源站转发的整体超时
	OriginTimeout time.Duration
	// MaxBodyBytes 是钩子可见请求体的缓冲上限，超出的请求体原样转发
	MaxBodyBytes int64
}

func (c *Config) applyDefaults() {
	if c.AppHeader == "" {
		c.AppHeader = "X-Trellis-App"
	}
	if c.UserHeader == "" {
		c.UserHeader = "X-Trellis-User"
	}
	if c.OriginTimeout <= 0 {
		c.OriginTimeout = 30 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 4 << 20
	}
}

// StatsRecorder 累计扩展级的调用计数，由 Redis 存储实现。
type StatsRecorder interface {
	IncrExtensionStats(ctx context.Context, extensionID string, success bool, durationMs int64) error
}

// ========== 管道入口 ==========

// Proxy 是代理端口的 HTTP 入口，按应用快照执行拦截管道。
type Proxy struct {
	cfg      Config
	registry *registry.Registry
	executor *sandbox.Executor
	tenants  *tenantdata.Service
	sink     *execlog.Sink
	stats    StatsRecorder
	client   *http.Client
	logger   *logrus.Logger
	metrics  *metrics.Metrics
}

// NewProxy 创建拦截管道入口。
//
// 参数:
//   - cfg: 管道配置
//   - reg: 应用快照注册表
//   - executor: 沙箱执行器
//   - tenants: 租户数据服务，扩展声明 db 能力时按需取网关，可为 nil
//   - sink: 执行日志汇聚器，可为 nil
//   - stats: 扩展统计累计器，可为 nil
//   - logger: 日志记录器
//   - m: 指标收集器，可为 nil
//
// 返回:
//   - *Proxy: 管道实例
func NewProxy(cfg Config, reg *registry.Registry, executor *sandbox.Executor, tenants *tenantdata.Service, sink *execlog.Sink, stats StatsRecorder, logger *logrus.Logger, m *metrics.Metrics) *Proxy {
	cfg.applyDefaults()
	client := telemetry.InstrumentedHTTPClient()
	client.Timeout = cfg.OriginTimeout
	return &Proxy{
		cfg:      cfg,
		registry: reg,
		executor: executor,
		tenants:  tenants,
		sink:     sink,
		stats:    stats,
		client:   client,
		logger:   logger,
		metrics:  m,
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	slug := r.Header.Get(p.cfg.AppHeader)
	if slug == "" {
		slug = p.cfg.DefaultApp
	}
	if slug == "" {
		writeEnvelope(w, http.StatusNotFound, "unknown app")
		return
	}

	ctx, span := telemetry.StartSpan(r.Context(), "pipeline.serve")
	defer span.End()
	span.SetAttributes(
		attribute.String("app.slug", slug),
		attribute.String("http.method", r.Method),
		attribute.String("http.path", r.URL.Path),
	)
	r = r.WithContext(ctx)

	snap, err := p.registry.Get(slug)
	if err != nil {
		if errors.Is(err, domain.ErrAppNotFound) {
			writeEnvelope(w, http.StatusNotFound, "unknown app")
			return
		}
		p.logger.WithError(err).WithField("app", slug).Error("No usable snapshot, rejecting request")
		if p.metrics != nil {
			p.metrics.RecordProxyRequest(slug, "unavailable", time.Since(start))
		}
		writeEnvelope(w, http.StatusServiceUnavailable, "extension registry unavailable")
		return
	}

	userID := r.Header.Get(p.cfg.UserHeader)
	match := snap.Match(r.Method, r.URL.Path)
	if userID == "" || match.Empty() {
		p.bypass(w, r, snap.App, start)
		return
	}
	p.intercept(w, r, snap.App, match, userID, start)
}

// ========== 直通转发 ==========

// bypass 在无用户标识或无钩子命中时直接转发请求。
// 不执行任何钩子，也不附加注入描述符。
func (p *Proxy) bypass(w http.ResponseWriter, r *http.Request, app *domain.App, start time.Time) {
	resp, err := p.callOrigin(r.Context(), app, r.Method, r.URL.Path, r.URL.Query(), r.Header, r.Body)
	if err != nil {
		p.originError(w, app, err, start)
		return
	}
	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
	if p.metrics != nil {
		p.metrics.RecordProxyRequest(app.Slug, "bypassed", time.Since(start))
	}
}

// ========== 拦截流程 ==========

func (p *Proxy) intercept(w http.ResponseWriter, r *http.Request, app *domain.App, match *registry.MatchSet, userID string, start time.Time) {
	// 客户端断连不中止在途钩子
	ctx := context.WithoutCancel(r.Context())

	in, err := p.buildInbound(r)
	if err != nil {
		writeEnvelope(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	injections := collectInjections(match)

	// before 阶段: 顺序执行，成功结果叠加进出站请求，失败记录后跳过
	bctx, bspan := telemetry.StartSpan(ctx, "pipeline.before")
	for _, ch := range match.Before {
		res, ok := p.runHook(bctx, app, ch, userID, in.view, nil)
		if !ok {
			continue
		}
		in.apply(res)
	}
	bspan.End()

	// replace 阶段: 第一个成功的结果成为整个响应，源站不再被调用，
	// after/transform 阶段随之跳过；失败的候选让位给下一个
	rctx, rspan := telemetry.StartSpan(ctx, "pipeline.replace")
	for _, ch := range match.Replace {
		res, ok := p.runHook(rctx, app, ch, userID, in.view, nil)
		if !ok {
			continue
		}
		rspan.End()
		p.respondReplace(w, app, res, injections, start)
		return
	}
	rspan.End()

	pctx, pspan := telemetry.StartSpan(ctx, "pipeline.proxy")
	resp, err := p.callOrigin(pctx, app, r.Method, r.URL.Path, in.outQuery(), in.outHeader(), in.outBody())
	pspan.End()
	if err != nil {
		p.originError(w, app, err, start)
		return
	}

	// after/transform 阶段: 每个钩子都看到源站原始响应，贡献按序合并
	actx, aspan := telemetry.StartSpan(ctx, "pipeline.after")
	respView := responseView(resp)
	merge := newMerger(resp)
	for _, ch := range match.After {
		res, ok := p.runHook(actx, app, ch, userID, in.view, respView)
		if !ok {
			continue
		}
		merge.apply(res)
	}
	aspan.End()

	status, overrides, body, contentType := merge.finalize(injections)
	copyResponseHeaders(w.Header(), resp.Header)
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	for k, v := range overrides {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
	if p.metrics != nil {
		p.metrics.RecordProxyRequest(app.Slug, "proxied", time.Since(start))
	}
}

// respondReplace 将 replace 钩子的结果作为整个响应写回。
func (p *Proxy) respondReplace(w http.ResponseWriter, app *domain.App, res *domain.HookResult, injections []json.RawMessage, start time.Time) {
	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	body := res.Body
	if body == nil {
		body = map[string]any{}
	}
	if len(injections) > 0 {
		body["_injections"] = injections
	}
	for k, v := range res.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
	if p.metrics != nil {
		p.metrics.RecordProxyRequest(app.Slug, "replaced", time.Since(start))
	}
}

func (p *Proxy) originError(w http.ResponseWriter, app *domain.App, err error, start time.Time) {
	p.logger.WithError(err).WithFields(logrus.Fields{
		"app":    app.Slug,
		"origin": app.OriginURL,
	}).Error("Origin unreachable")
	if p.metrics != nil {
		p.metrics.RecordOriginError(app.Slug)
		p.metrics.RecordProxyRequest(app.Slug, "origin_error", time.Since(start))
	}
	writeEnvelope(w, http.StatusBadGateway, "origin unreachable")
}

// ========== 钩子执行 ==========

// runHook 执行单个钩子并记录执行日志与统计。
// 第二个返回值表示是否成功，失败的钩子不会中止管道。
func (p *Proxy) runHook(ctx context.Context, app *domain.App, ch *registry.CompiledHook, userID string, req *domain.RequestData, resp *domain.ResponseData) (*domain.HookResult, bool) {
	view := req.Clone()
	view.Params = routing.ParamValues(ch.Route, req.Path)
	if resp != nil {
		resp = resp.Clone()
	}

	hctx := &sandbox.HookContext{
		Phase:       ch.Route.Phase,
		ExtensionID: ch.Extension.ID,
		UserID:      userID,
		Request:     view,
		Response:    resp,
		Logger: p.logger.WithFields(logrus.Fields{
			"extension_id": ch.Extension.ID,
			"app":          app.Slug,
		}),
	}
	if ch.Unit.HasCapability(domain.CapabilityDB) && p.tenants != nil {
		gw, err := p.tenants.Gateway(ch.Extension.ID, userID)
		if err != nil {
			p.logger.WithError(err).WithField("extension_id", ch.Extension.ID).Warn("Tenant data gateway unavailable")
		} else {
			hctx.DB = gw
		}
	}

	started := time.Now()
	result, err := p.executor.Execute(ctx, ch.Unit, hctx)
	duration := time.Since(started)

	p.audit(ctx, app, ch, userID, view, result, err, duration)
	if err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"extension_id": ch.Extension.ID,
			"route_id":     ch.Route.ID,
			"phase":        ch.Route.Phase,
		}).Warn("Hook execution failed, skipping")
		return nil, false
	}
	return result, true
}

// audit 以 fire-and-forget 方式记录钩子执行明细，不阻塞请求路径。
func (p *Proxy) audit(ctx context.Context, app *domain.App, ch *registry.CompiledHook, userID string, req *domain.RequestData, result *domain.HookResult, execErr error, duration time.Duration) {
	if p.sink != nil {
		entry := &domain.ExecutionLogEntry{
			AppID:       app.ID,
			ExtensionID: ch.Extension.ID,
			RouteID:     ch.Route.ID,
			Phase:       ch.Route.Phase,
			UserID:      userID,
			Success:     execErr == nil,
			DurationMs:  duration.Milliseconds(),
			Input:       compactJSON(req),
			CreatedAt:   time.Now(),
		}
		if result != nil {
			entry.Output = compactJSON(result)
		}
		if execErr != nil {
			entry.Error = execErr.Error()
		}
		p.sink.Record(entry)
	}
	if p.stats != nil {
		extID := ch.Extension.ID
		success := execErr == nil
		ms := duration.Milliseconds()
		go func() {
			_ = p.stats.IncrExtensionStats(context.WithoutCancel(ctx), extID, success, ms)
		}()
	}
}

// compactJSON 将值序列化为 JSON 文本用于审计，失败时返回空串。
func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// ========== 入站请求视图 ==========

// inbound 维护一次被拦截请求的出站状态: 钩子可见的请求视图、
// 已缓冲的原始请求体以及 before 钩子对头和查询串的修改。
type inbound struct {
	view        *domain.RequestData
	raw         []byte
	rest        io.Reader
	query       url.Values
	header      http.Header
	bodyMutated bool
}

// buildInbound 读取请求并构造钩子可见的视图。请求体最多缓冲
// MaxBodyBytes 字节，能解析为 JSON 对象时钩子可以读写它。
func (p *Proxy) buildInbound(r *http.Request) (*inbound, error) {
	in := &inbound{
		query:  cloneValues(r.URL.Query()),
		header: r.Header.Clone(),
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, p.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > p.cfg.MaxBodyBytes {
		// 超大请求体不提供给钩子，原样转发
		in.rest = r.Body
	}
	in.raw = raw

	view := &domain.RequestData{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   map[string]string{},
		Headers: map[string]string{},
	}
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			view.Query[k] = vs[0]
		}
	}
	for k, vs := range r.Header {
		if len(vs) > 0 {
			view.Headers[k] = vs[0]
		}
	}
	if in.rest == nil && len(raw) > 0 {
		var obj map[string]any
		if json.Unmarshal(raw, &obj) == nil && obj != nil {
			view.Body = obj
		}
	}
	in.view = view
	return in, nil
}

// apply 将一个成功 before 钩子的贡献叠加到视图与出站状态上，
// 后续钩子看到的是叠加后的视图。
func (in *inbound) apply(res *domain.HookResult) {
	if res == nil {
		return
	}
	for k, v := range res.Headers {
		in.view.Headers[k] = v
		in.header.Set(k, v)
	}
	for k, v := range res.Query {
		in.view.Query[k] = v
		in.query.Set(k, v)
	}
	if len(res.Body) > 0 {
		if in.view.Body == nil {
			in.view.Body = map[string]any{}
		}
		for k, v := range res.Body {
			in.view.Body[k] = v
		}
		in.bodyMutated = true
	}
}

func (in *inbound) outQuery() url.Values { return in.query }

func (in *inbound) outHeader() http.Header { return in.header }

// outBody 返回转发到源站的请求体。before 钩子修改过请求体时
// 重新序列化，否则原样透传。
func (in *inbound) outBody() io.Reader {
	if in.bodyMutated {
		data, err := json.Marshal(in.view.Body)
		if err == nil {
			in.header.Set("Content-Type", "application/json")
			return bytes.NewReader(data)
		}
	}
	if in.rest != nil {
		return io.MultiReader(bytes.NewReader(in.raw), in.rest)
	}
	if len(in.raw) == 0 {
		return nil
	}
	return bytes.NewReader(in.raw)
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// ========== 源站转发 ==========

// hopHeaders 是 RFC 9110 定义的逐跳头，转发时在两个方向上剥除。
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// originResponse 是缓冲后的源站响应。
type originResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// callOrigin 将请求转发到应用源站并缓冲完整响应。
// 传输层错误一律映射为 ErrOriginUnreachable，不做重试。
func (p *Proxy) callOrigin(ctx context.Context, app *domain.App, method, path string, query url.Values, header http.Header, body io.Reader) (*originResponse, error) {
	target := strings.TrimRight(app.OriginURL, "/") + path
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrOriginUnreachable, err)
	}
	copyRequestHeaders(req.Header, header)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrOriginUnreachable, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrOriginUnreachable, err)
	}
	return &originResponse{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: data}, nil
}

// responseView 将源站响应转为钩子可见的视图。
func responseView(resp *originResponse) *domain.ResponseData {
	view := &domain.ResponseData{
		Status:  resp.Status,
		Headers: map[string]string{},
		RawBody: string(resp.Body),
	}
	for k, vs := range resp.Header {
		if len(vs) > 0 {
			view.Headers[k] = vs[0]
		}
	}
	var obj map[string]any
	if json.Unmarshal(resp.Body, &obj) == nil && obj != nil {
		view.Body = obj
	}
	return view
}

// copyRequestHeaders 复制出站请求头并剥除逐跳头与长度头。
func copyRequestHeaders(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
	dst.Del("Content-Length")
}

// copyResponseHeaders 复制源站响应头并剥除逐跳头与长度头。
// 合并阶段可能改写响应体，长度由标准库重新计算。
func copyResponseHeaders(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
	dst.Del("Content-Length")
}

// ========== 错误响应 ==========

// writeEnvelope 写出统一的 JSON 错误信封。
func writeEnvelope(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
