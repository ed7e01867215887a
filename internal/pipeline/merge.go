package pipeline

import (
	"encoding/json"

	"github.com/oriys/trellis/internal/domain"
	"github.com/oriys/trellis/internal/registry"
)

// ========== 响应合并 ==========

// merger 将源站响应与响应侧钩子的贡献合并为最终响应。
// 各钩子的 data 按执行顺序浅合并进响应体，同键后写覆盖先写；
// status 与 headers 覆盖同样按序，最后一次生效。
type merger struct {
	status      int
	headers     map[string]string
	base        map[string]any
	raw         []byte
	contentType string
	merged      bool
}

func newMerger(resp *originResponse) *merger {
	m := &merger{
		status:      resp.Status,
		headers:     map[string]string{},
		raw:         resp.Body,
		contentType: resp.Header.Get("Content-Type"),
	}
	var obj map[string]any
	if json.Unmarshal(resp.Body, &obj) == nil && obj != nil {
		m.base = obj
	}
	return m
}

// wrap 在首次 data 贡献且源站响应体不是 JSON 对象时建立包装对象，
// 原始内容整体挂在 response 键下。
func (m *merger) wrap() {
	if m.base != nil {
		return
	}
	var v any
	if len(m.raw) > 0 && json.Unmarshal(m.raw, &v) == nil {
		m.base = map[string]any{"response": v}
	} else {
		m.base = map[string]any{"response": string(m.raw)}
	}
}

// apply 应用单个成功钩子的结果。
func (m *merger) apply(res *domain.HookResult) {
	if res == nil {
		return
	}
	if len(res.Data) > 0 {
		m.wrap()
		for k, v := range res.Data {
			m.base[k] = v
		}
		m.merged = true
	}
	if res.Status != 0 {
		m.status = res.Status
	}
	for k, v := range res.Headers {
		m.headers[k] = v
	}
}

// finalize 产出最终响应: 状态码、头覆盖、响应体与内容类型。
// 注入描述符只附加到 JSON 对象响应体上，保留键 _injections
// 最后写入，钩子无法占用它。没有任何 data 贡献与注入时，
// 源站响应体逐字节透传。
func (m *merger) finalize(injections []json.RawMessage) (int, map[string]string, []byte, string) {
	passthrough := !m.merged && (m.base == nil || len(injections) == 0)
	if m.base == nil || passthrough {
		return m.status, m.headers, m.raw, m.contentType
	}
	if len(injections) > 0 {
		m.base["_injections"] = injections
	}
	body, err := json.Marshal(m.base)
	if err != nil {
		return m.status, m.headers, m.raw, m.contentType
	}
	return m.status, m.headers, body, "application/json; charset=utf-8"
}

// collectInjections 汇总本次命中的所有路由绑定声明的注入描述符。
// 描述符跟随路由命中，与钩子是否执行成功无关，按阶段与执行顺序
// 拼接为单个数组。
func collectInjections(match *registry.MatchSet) []json.RawMessage {
	var out []json.RawMessage
	add := func(hooks []*registry.CompiledHook) {
		for _, ch := range hooks {
			if len(ch.Route.Injections) == 0 {
				continue
			}
			var items []json.RawMessage
			if err := json.Unmarshal(ch.Route.Injections, &items); err != nil {
				continue
			}
			out = append(out, items...)
		}
	}
	add(match.Before)
	add(match.Replace)
	add(match.After)
	return out
}
