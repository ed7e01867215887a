// Package domain 定义了扩展网关的核心领域模型。
package domain

// RequestData 是暴露给钩子的入站请求只读视图。
// 管道在进入 Before 阶段前构建一次，之后每个钩子看到的是
// 叠加了更早钩子修改的副本。
type RequestData struct {
	// Method 是请求的 HTTP 方法
	Method string `json:"method"`
	// Path 是请求路径（不含查询串）
	Path string `json:"path"`
	// Params 是参数化路由段的取值（如 :id -> "42"）
	Params map[string]string `json:"params,omitempty"`
	// Query 是查询参数（每个键取第一个值）
	Query map[string]string `json:"query,omitempty"`
	// Headers 是请求头（每个键取第一个值）
	Headers map[string]string `json:"headers,omitempty"`
	// Body 是按 JSON 解析后的请求体，非 JSON 请求体时为 nil
	Body map[string]any `json:"body,omitempty"`
}

// Clone 返回请求视图的深拷贝，供下一个钩子安全修改。
func (r *RequestData) Clone() *RequestData {
	cp := &RequestData{
		Method:  r.Method,
		Path:    r.Path,
		Params:  cloneStringMap(r.Params),
		Query:   cloneStringMap(r.Query),
		Headers: cloneStringMap(r.Headers),
	}
	if r.Body != nil {
		cp.Body = make(map[string]any, len(r.Body))
		for k, v := range r.Body {
			cp.Body[k] = v
		}
	}
	return cp
}

// ResponseData 是暴露给 After/Transform 钩子的源站响应只读视图。
type ResponseData struct {
	// Status 是源站返回的 HTTP 状态码
	Status int `json:"status"`
	// Headers 是源站响应头（每个键取第一个值）
	Headers map[string]string `json:"headers,omitempty"`
	// Body 是按 JSON 解析后的响应体，非 JSON 对象时为 nil
	Body map[string]any `json:"body,omitempty"`
	// RawBody 是响应体原文，Body 为 nil 时钩子仍可读取
	RawBody string `json:"raw_body,omitempty"`
}

// Clone 返回响应视图的深拷贝。
func (r *ResponseData) Clone() *ResponseData {
	cp := &ResponseData{
		Status:  r.Status,
		Headers: cloneStringMap(r.Headers),
		RawBody: r.RawBody,
	}
	if r.Body != nil {
		cp.Body = make(map[string]any, len(r.Body))
		for k, v := range r.Body {
			cp.Body[k] = v
		}
	}
	return cp
}

// HookResult 表示一次钩子执行成功后的返回值。
// 不同阶段只使用其中的一部分字段：
//   - before: Headers/Query/Body 合并进出站请求
//   - replace: Status/Headers/Body 即整个响应
//   - after/transform: Data 合并进响应体，Status/Headers 作为覆盖
type HookResult struct {
	// Data 是要浅合并进响应体的对象（after/transform）
	Data map[string]any `json:"data,omitempty"`
	// Body 是请求体修改（before）或完整响应体（replace）
	Body map[string]any `json:"body,omitempty"`
	// Headers 是要合并的头修改或覆盖
	Headers map[string]string `json:"headers,omitempty"`
	// Query 是要合并的查询参数修改（before）
	Query map[string]string `json:"query,omitempty"`
	// Status 是响应状态覆盖，0 表示不覆盖
	Status int `json:"status,omitempty"`
}

// Empty 报告本次执行是否没有产生任何贡献。
func (h *HookResult) Empty() bool {
	return h == nil ||
		(len(h.Data) == 0 && len(h.Body) == 0 && len(h.Headers) == 0 &&
			len(h.Query) == 0 && h.Status == 0)
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
