// Package api 提供请求拦截网关的管理 HTTP API 处理程序。
// 该包实现了 RESTful 管理接口，用于应用、扩展、路由绑定与租户表的
// 全生命周期管理。主要功能包括：
//   - 应用的注册与删除
//   - 扩展的创建、代码版本管理、发布、停用、归档与回滚
//   - 路由绑定的增删查
//   - 扩展按用户安装（建表）与卸载（删表）
//   - 执行日志查询与实时推送
package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/oriys/trellis/internal/domain"
	"github.com/oriys/trellis/internal/events"
	"github.com/oriys/trellis/internal/registry"
	"github.com/oriys/trellis/internal/sandbox"
	"github.com/oriys/trellis/internal/storage"
	"github.com/oriys/trellis/internal/tenantdata"
)

// Handler 是管理 API 请求处理器的核心结构体。
// 它封装了存储层、快照注册表、编译器与租户数据服务的依赖。
//
// 字段说明：
//   - store: PostgreSQL 存储，持久化应用、扩展、路由与日志
//   - redis: Redis 存储，提供扩展调用统计，可为 nil
//   - registry: 快照注册表，变更后立即失效本实例的快照
//   - compiler: 沙箱编译器，发布前做编译与静态安全扫描
//   - tenants: 租户数据服务，处理扩展安装与卸载，可为 nil
//   - bus: 事件总线，向其他实例广播变更，可为 nil
//   - logger: 日志记录器
type Handler struct {
	store    *storage.PostgresStore
	redis    *storage.RedisStore
	registry *registry.Registry
	compiler *sandbox.Compiler
	tenants  *tenantdata.Service
	bus      *events.EventBus
	logger   *logrus.Logger
}

// NewHandler 创建并返回一个新的 Handler 实例。
//
// 参数:
//   - store: PostgreSQL 存储实例
//   - redis: Redis 存储实例，可为 nil（统计端点返回 503）
//   - reg: 快照注册表实例
//   - compiler: 沙箱编译器实例
//   - tenants: 租户数据服务实例，可为 nil（安装端点返回 503）
//   - bus: 事件总线实例，可为 nil（仅本实例失效快照）
//   - logger: 日志记录器实例
//
// 返回:
//   - *Handler: 初始化完成的处理器实例
func NewHandler(store *storage.PostgresStore, redis *storage.RedisStore, reg *registry.Registry, compiler *sandbox.Compiler, tenants *tenantdata.Service, bus *events.EventBus, logger *logrus.Logger) *Handler {
	return &Handler{
		store:    store,
		redis:    redis,
		registry: reg,
		compiler: compiler,
		tenants:  tenants,
		bus:      bus,
		logger:   logger,
	}
}

// ========== 应用管理 ==========

// CreateApp 处理注册应用的请求。
// HTTP端点: POST /api/v1/apps
func (h *Handler) CreateApp(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateAppRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorWithContext(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		h.logWarn(r, "CreateApp", "参数验证失败", logrus.Fields{"name": req.Name, "error": err.Error()})
		writeErrorWithContext(w, r, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now()
	app := &domain.App{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Slug:        req.Slug,
		OriginURL:   req.OriginURL,
		Description: req.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.store.CreateApp(app); err != nil {
		if errors.Is(err, domain.ErrAppExists) {
			writeErrorWithContext(w, r, http.StatusConflict, "app with this slug already exists")
			return
		}
		h.logError(r, "CreateApp", "保存应用失败", err, logrus.Fields{"slug": app.Slug})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to create app: "+err.Error())
		return
	}

	h.logInfo(r, "CreateApp", "应用已注册", logrus.Fields{"id": app.ID, "slug": app.Slug})
	writeJSON(w, http.StatusCreated, app)
}

// ListApps 处理查询应用列表的请求。
// HTTP端点: GET /api/v1/apps
func (h *Handler) ListApps(w http.ResponseWriter, r *http.Request) {
	offset, limit := pagination(r)
	apps, total, err := h.store.ListApps(offset, limit)
	if err != nil {
		h.logError(r, "ListApps", "查询应用列表失败", err, nil)
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to list apps: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"apps":   apps,
		"total":  total,
		"offset": offset,
		"limit":  limit,
	})
}

// GetApp 处理查询单个应用的请求。
// HTTP端点: GET /api/v1/apps/{id}
func (h *Handler) GetApp(w http.ResponseWriter, r *http.Request) {
	app, ok := h.appFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, app)
}

// DeleteApp 处理删除应用的请求。级联删除该应用下的全部扩展、
// 版本与路由绑定（租户数据表需先逐扩展卸载）。
// HTTP端点: DELETE /api/v1/apps/{id}
func (h *Handler) DeleteApp(w http.ResponseWriter, r *http.Request) {
	app, ok := h.appFromPath(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteApp(app.ID); err != nil {
		h.logError(r, "DeleteApp", "删除应用失败", err, logrus.Fields{"id": app.ID})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to delete app: "+err.Error())
		return
	}
	h.registry.Invalidate(app.Slug)
	h.logInfo(r, "DeleteApp", "应用已删除", logrus.Fields{"id": app.ID, "slug": app.Slug})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ========== 扩展管理 ==========

// CreateExtension 处理创建扩展的请求。
// HTTP端点: POST /api/v1/apps/{id}/extensions
//
// 功能说明：
//   - 新扩展总是处于 draft 状态，不会出现在任何快照中
//   - 源代码作为版本 1 写入不可变版本历史
//   - 此时不做编译验证，发布时才拦截违规代码
func (h *Handler) CreateExtension(w http.ResponseWriter, r *http.Request) {
	app, ok := h.appFromPath(w, r)
	if !ok {
		return
	}

	var req domain.CreateExtensionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorWithContext(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		h.logWarn(r, "CreateExtension", "参数验证失败", logrus.Fields{"name": req.Name, "error": err.Error()})
		writeErrorWithContext(w, r, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now()
	ext := &domain.Extension{
		ID:             uuid.New().String(),
		AppID:          app.ID,
		OwnerUserID:    req.OwnerUserID,
		Name:           req.Name,
		Description:    req.Description,
		Status:         domain.ExtensionStatusDraft,
		CurrentVersion: 1,
		Capabilities:   req.Capabilities,
		TimeoutMs:      req.TimeoutMs,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	first := &domain.ExtensionVersion{
		ID:          uuid.New().String(),
		ExtensionID: ext.ID,
		Version:     1,
		Source:      req.Source,
		SourceHash:  sourceHash(req.Source),
		CreatedAt:   now,
	}
	if err := h.store.CreateExtension(ext, first); err != nil {
		if errors.Is(err, domain.ErrExtensionExists) {
			writeErrorWithContext(w, r, http.StatusConflict, "extension with this name already exists in app")
			return
		}
		h.logError(r, "CreateExtension", "保存扩展失败", err, logrus.Fields{"name": req.Name})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to create extension: "+err.Error())
		return
	}

	h.logInfo(r, "CreateExtension", "扩展已创建", logrus.Fields{
		"id":   ext.ID,
		"app":  app.Slug,
		"name": ext.Name,
	})
	writeJSON(w, http.StatusCreated, ext)
}

// ListExtensions 处理查询应用下扩展列表的请求。
// HTTP端点: GET /api/v1/apps/{id}/extensions
func (h *Handler) ListExtensions(w http.ResponseWriter, r *http.Request) {
	app, ok := h.appFromPath(w, r)
	if !ok {
		return
	}
	offset, limit := pagination(r)
	exts, total, err := h.store.ListExtensions(app.ID, offset, limit)
	if err != nil {
		h.logError(r, "ListExtensions", "查询扩展列表失败", err, logrus.Fields{"app": app.Slug})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to list extensions: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"extensions": exts,
		"total":      total,
		"offset":     offset,
		"limit":      limit,
	})
}

// GetExtension 处理查询单个扩展的请求。
// HTTP端点: GET /api/v1/extensions/{id}
func (h *Handler) GetExtension(w http.ResponseWriter, r *http.Request) {
	ext, ok := h.extensionFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ext)
}

// DeleteExtension 处理删除扩展的请求。版本与路由绑定级联删除，
// 执行日志保留（审计记录不随扩展消失）。
// HTTP端点: DELETE /api/v1/extensions/{id}
func (h *Handler) DeleteExtension(w http.ResponseWriter, r *http.Request) {
	ext, ok := h.extensionFromPath(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteExtension(ext.ID); err != nil {
		h.logError(r, "DeleteExtension", "删除扩展失败", err, logrus.Fields{"id": ext.ID})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to delete extension: "+err.Error())
		return
	}
	if h.redis != nil {
		if err := h.redis.DeleteExtensionStats(r.Context(), ext.ID); err != nil {
			h.logWarn(r, "DeleteExtension", "清理扩展统计失败", logrus.Fields{"id": ext.ID, "error": err.Error()})
		}
	}
	h.notifyChange(r, ext.AppID, ext.ID, events.EventExtensionDeleted)
	h.logInfo(r, "DeleteExtension", "扩展已删除", logrus.Fields{"id": ext.ID, "name": ext.Name})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ========== 代码版本 ==========

// UpdateExtensionCode 处理更新扩展代码的请求。
// HTTP端点: PUT /api/v1/extensions/{id}/code
//
// 功能说明：
//   - 历史版本不可变，更新总是追加一条新版本
//   - 新版本号 = 历史最大版本号 + 1（回滚后再更新不会复用版本号）
//   - 当前版本指针随之指向新版本
func (h *Handler) UpdateExtensionCode(w http.ResponseWriter, r *http.Request) {
	ext, ok := h.extensionFromPath(w, r)
	if !ok {
		return
	}
	if !ext.Status.CanUpdateCode() {
		writeErrorWithContext(w, r, http.StatusBadRequest, "extension cannot be updated in current status: "+string(ext.Status))
		return
	}

	var req domain.UpdateCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorWithContext(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeErrorWithContext(w, r, http.StatusBadRequest, err.Error())
		return
	}

	versions, err := h.store.ListVersions(ext.ID)
	if err != nil {
		h.logError(r, "UpdateExtensionCode", "查询版本历史失败", err, logrus.Fields{"id": ext.ID})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to list versions: "+err.Error())
		return
	}
	next := 1
	if n := len(versions); n > 0 {
		next = versions[n-1].Version + 1
	}

	version := &domain.ExtensionVersion{
		ID:          uuid.New().String(),
		ExtensionID: ext.ID,
		Version:     next,
		Source:      req.Source,
		SourceHash:  sourceHash(req.Source),
		Note:        req.Note,
		CreatedAt:   time.Now(),
	}
	if err := h.store.AppendVersion(version); err != nil {
		h.logError(r, "UpdateExtensionCode", "追加版本失败", err, logrus.Fields{"id": ext.ID})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to append version: "+err.Error())
		return
	}

	ext.CurrentVersion = next
	ext.UpdatedAt = time.Now()
	if err := h.store.UpdateExtension(ext); err != nil {
		h.logError(r, "UpdateExtensionCode", "更新版本指针失败", err, logrus.Fields{"id": ext.ID})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to update extension: "+err.Error())
		return
	}
	h.notifyChange(r, ext.AppID, ext.ID, events.EventExtensionUpdated)

	h.logInfo(r, "UpdateExtensionCode", "代码已更新", logrus.Fields{"id": ext.ID, "version": next})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"extension": ext,
		"version":   version.Version,
	})
}

// ListExtensionVersions 处理查询扩展版本历史的请求。
// HTTP端点: GET /api/v1/extensions/{id}/versions
func (h *Handler) ListExtensionVersions(w http.ResponseWriter, r *http.Request) {
	ext, ok := h.extensionFromPath(w, r)
	if !ok {
		return
	}
	versions, err := h.store.ListVersions(ext.ID)
	if err != nil {
		h.logError(r, "ListExtensionVersions", "查询版本历史失败", err, logrus.Fields{"id": ext.ID})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to list versions: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"versions": versions,
		"current":  ext.CurrentVersion,
	})
}

// RollbackExtension 处理回滚扩展代码的请求。
// HTTP端点: POST /api/v1/extensions/{id}/rollback
//
// 功能说明：
//   - 回滚只移动当前版本指针，永远不会修改或删除历史版本
//   - 回滚后快照立即失效，下一次刷新执行目标版本
func (h *Handler) RollbackExtension(w http.ResponseWriter, r *http.Request) {
	ext, ok := h.extensionFromPath(w, r)
	if !ok {
		return
	}

	var req domain.RollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorWithContext(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeErrorWithContext(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.store.GetVersion(ext.ID, req.Version); err != nil {
		if errors.Is(err, domain.ErrVersionNotFound) {
			writeErrorWithContext(w, r, http.StatusNotFound, "version not found: "+strconv.Itoa(req.Version))
			return
		}
		h.logError(r, "RollbackExtension", "查询目标版本失败", err, logrus.Fields{"id": ext.ID})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to get version: "+err.Error())
		return
	}

	ext.CurrentVersion = req.Version
	ext.UpdatedAt = time.Now()
	if err := h.store.UpdateExtension(ext); err != nil {
		h.logError(r, "RollbackExtension", "更新版本指针失败", err, logrus.Fields{"id": ext.ID})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to update extension: "+err.Error())
		return
	}
	h.notifyChange(r, ext.AppID, ext.ID, events.EventExtensionRolledBack)

	h.logInfo(r, "RollbackExtension", "已回滚到历史版本", logrus.Fields{"id": ext.ID, "version": req.Version})
	writeJSON(w, http.StatusOK, ext)
}

// ========== 状态流转 ==========

// PublishExtension 处理发布扩展的请求。
// HTTP端点: POST /api/v1/extensions/{id}/publish
//
// 功能说明：
//   - 只有 draft 和 disabled 状态的扩展可以发布
//   - 发布前对当前版本做编译与静态安全扫描，命中违规模式时
//     返回 422 并携带完整的违规清单，状态不变
//   - 发布成功后扩展进入所有后续快照
func (h *Handler) PublishExtension(w http.ResponseWriter, r *http.Request) {
	ext, ok := h.extensionFromPath(w, r)
	if !ok {
		return
	}
	if !ext.Status.CanPublish() {
		writeErrorWithContext(w, r, http.StatusBadRequest, "extension cannot be published in current status: "+string(ext.Status))
		return
	}

	version, err := h.store.GetVersion(ext.ID, ext.CurrentVersion)
	if err != nil {
		h.logError(r, "PublishExtension", "查询当前版本失败", err, logrus.Fields{"id": ext.ID})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to get current version: "+err.Error())
		return
	}

	if _, err := h.compiler.Compile(ext, version.Source); err != nil {
		var violation *domain.SecurityViolationError
		if errors.As(err, &violation) {
			h.logWarn(r, "PublishExtension", "静态安全扫描未通过", logrus.Fields{
				"id":         ext.ID,
				"violations": violation.Patterns,
			})
			writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error":      "security violation",
				"violations": violation.Patterns,
			})
			return
		}
		h.logWarn(r, "PublishExtension", "编译验证未通过", logrus.Fields{"id": ext.ID, "error": err.Error()})
		writeErrorWithContext(w, r, http.StatusUnprocessableEntity, "compile failed: "+err.Error())
		return
	}

	h.transition(w, r, ext, domain.ExtensionStatusPublished, events.EventExtensionPublished)
}

// DisableExtension 处理停用扩展的请求。
// HTTP端点: POST /api/v1/extensions/{id}/disable
func (h *Handler) DisableExtension(w http.ResponseWriter, r *http.Request) {
	ext, ok := h.extensionFromPath(w, r)
	if !ok {
		return
	}
	if !ext.Status.CanDisable() {
		writeErrorWithContext(w, r, http.StatusBadRequest, "extension cannot be disabled in current status: "+string(ext.Status))
		return
	}
	h.transition(w, r, ext, domain.ExtensionStatusDisabled, events.EventExtensionDisabled)
}

// ArchiveExtension 处理归档扩展的请求。归档是终态，之后既不能
// 再发布也不能再修改代码。
// HTTP端点: POST /api/v1/extensions/{id}/archive
func (h *Handler) ArchiveExtension(w http.ResponseWriter, r *http.Request) {
	ext, ok := h.extensionFromPath(w, r)
	if !ok {
		return
	}
	if !ext.Status.CanArchive() {
		writeErrorWithContext(w, r, http.StatusBadRequest, "extension cannot be archived in current status: "+string(ext.Status))
		return
	}
	h.transition(w, r, ext, domain.ExtensionStatusArchived, events.EventExtensionArchived)
}

// transition 执行状态流转并广播变更。
func (h *Handler) transition(w http.ResponseWriter, r *http.Request, ext *domain.Extension, to domain.ExtensionStatus, eventType string) {
	from := ext.Status
	ext.Status = to
	ext.UpdatedAt = time.Now()
	if err := h.store.UpdateExtension(ext); err != nil {
		h.logError(r, "transition", "更新扩展状态失败", err, logrus.Fields{"id": ext.ID, "to": to})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to update extension: "+err.Error())
		return
	}
	h.notifyChange(r, ext.AppID, ext.ID, eventType)
	h.logInfo(r, "transition", "扩展状态已变更", logrus.Fields{
		"id":   ext.ID,
		"name": ext.Name,
		"from": from,
		"to":   to,
	})
	writeJSON(w, http.StatusOK, ext)
}

// GetExtensionStats 处理查询扩展调用统计的请求。
// HTTP端点: GET /api/v1/extensions/{id}/stats
func (h *Handler) GetExtensionStats(w http.ResponseWriter, r *http.Request) {
	ext, ok := h.extensionFromPath(w, r)
	if !ok {
		return
	}
	if h.redis == nil {
		writeErrorWithContext(w, r, http.StatusServiceUnavailable, "stats unavailable")
		return
	}
	stats, err := h.redis.ExtensionStats(r.Context(), ext.ID)
	if err != nil {
		h.logError(r, "GetExtensionStats", "查询统计失败", err, logrus.Fields{"id": ext.ID})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to get stats: "+err.Error())
		return
	}

	total := stats["total"]
	failures := stats["failures"]
	var avgLatency float64
	if total > 0 {
		avgLatency = float64(stats["duration_ms_total"]) / float64(total)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"extension_id":   ext.ID,
		"invocations":    total,
		"failures":       failures,
		"avg_latency_ms": avgLatency,
	})
}

// ========== 路由绑定 ==========

// CreateRoute 处理创建路由绑定的请求。
// HTTP端点: POST /api/v1/extensions/{id}/routes
func (h *Handler) CreateRoute(w http.ResponseWriter, r *http.Request) {
	ext, ok := h.extensionFromPath(w, r)
	if !ok {
		return
	}

	var req domain.CreateRouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorWithContext(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeErrorWithContext(w, r, http.StatusBadRequest, err.Error())
		return
	}
	// 正则模式在创建时就编译一次，把错误留在管理端而不是匹配端
	if req.Kind == domain.KindRegex {
		if _, err := regexp.Compile(req.Pattern); err != nil {
			writeErrorWithContext(w, r, http.StatusBadRequest, "invalid regex pattern: "+err.Error())
			return
		}
	}

	rb := &domain.RouteBinding{
		ID:          uuid.New().String(),
		ExtensionID: ext.ID,
		Method:      req.Method,
		Pattern:     req.Pattern,
		Kind:        req.Kind,
		Phase:       req.Phase,
		Priority:    req.Priority,
		Active:      true,
		Injections:  req.Injections,
		CreatedAt:   time.Now(),
	}
	if err := h.store.CreateRoute(rb); err != nil {
		h.logError(r, "CreateRoute", "保存路由绑定失败", err, logrus.Fields{"extension_id": ext.ID})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to create route: "+err.Error())
		return
	}
	h.notifyChange(r, ext.AppID, ext.ID, events.EventRouteChanged)

	h.logInfo(r, "CreateRoute", "路由绑定已创建", logrus.Fields{
		"id":      rb.ID,
		"pattern": rb.Pattern,
		"phase":   rb.Phase,
	})
	writeJSON(w, http.StatusCreated, rb)
}

// ListRoutes 处理查询扩展路由绑定列表的请求。
// HTTP端点: GET /api/v1/extensions/{id}/routes
func (h *Handler) ListRoutes(w http.ResponseWriter, r *http.Request) {
	ext, ok := h.extensionFromPath(w, r)
	if !ok {
		return
	}
	routes, err := h.store.ListRoutesByExtension(ext.ID)
	if err != nil {
		h.logError(r, "ListRoutes", "查询路由绑定失败", err, logrus.Fields{"extension_id": ext.ID})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to list routes: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"routes": routes,
		"total":  len(routes),
	})
}

// DeleteRoute 处理删除路由绑定的请求。
// HTTP端点: DELETE /api/v1/routes/{id}
func (h *Handler) DeleteRoute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rb, err := h.store.GetRouteByID(id)
	if err != nil {
		if errors.Is(err, domain.ErrRouteNotFound) {
			writeErrorWithContext(w, r, http.StatusNotFound, "route not found: "+id)
			return
		}
		h.logError(r, "DeleteRoute", "查询路由绑定失败", err, logrus.Fields{"id": id})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to get route: "+err.Error())
		return
	}
	ext, err := h.store.GetExtensionByID(rb.ExtensionID)
	if err != nil {
		h.logError(r, "DeleteRoute", "查询所属扩展失败", err, logrus.Fields{"id": id})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to get extension: "+err.Error())
		return
	}
	if err := h.store.DeleteRoute(id); err != nil {
		h.logError(r, "DeleteRoute", "删除路由绑定失败", err, logrus.Fields{"id": id})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to delete route: "+err.Error())
		return
	}
	h.notifyChange(r, ext.AppID, ext.ID, events.EventRouteChanged)

	h.logInfo(r, "DeleteRoute", "路由绑定已删除", logrus.Fields{"id": id})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ========== 安装管理 ==========

// InstallExtension 处理扩展安装的请求。按声明为用户建表并注册，
// 任意一张表失败时整体回滚。
// HTTP端点: POST /api/v1/extensions/{id}/installs
func (h *Handler) InstallExtension(w http.ResponseWriter, r *http.Request) {
	ext, ok := h.extensionFromPath(w, r)
	if !ok {
		return
	}
	if h.tenants == nil {
		writeErrorWithContext(w, r, http.StatusServiceUnavailable, "tenant data service unavailable")
		return
	}

	var req domain.InstallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorWithContext(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	regs, err := h.tenants.Install(r.Context(), ext, &req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrTableExists):
			writeErrorWithContext(w, r, http.StatusConflict, err.Error())
		case errors.Is(err, domain.ErrInvalidIdentifier),
			errors.Is(err, domain.ErrInvalidColumnType),
			errors.Is(err, domain.ErrReservedColumnName):
			writeErrorWithContext(w, r, http.StatusBadRequest, err.Error())
		default:
			h.logError(r, "InstallExtension", "安装失败", err, logrus.Fields{"id": ext.ID, "user": req.UserID})
			writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to install: "+err.Error())
		}
		return
	}
	h.notifyChange(r, ext.AppID, ext.ID, events.EventExtensionInstalled)

	h.logInfo(r, "InstallExtension", "扩展已安装", logrus.Fields{
		"id":     ext.ID,
		"user":   req.UserID,
		"tables": len(regs),
	})
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"installs": regs,
		"total":    len(regs),
	})
}

// UninstallExtension 处理扩展卸载的请求。删除该用户名下的全部
// 租户表并注销登记。
// HTTP端点: DELETE /api/v1/extensions/{id}/installs/{userID}
func (h *Handler) UninstallExtension(w http.ResponseWriter, r *http.Request) {
	ext, ok := h.extensionFromPath(w, r)
	if !ok {
		return
	}
	if h.tenants == nil {
		writeErrorWithContext(w, r, http.StatusServiceUnavailable, "tenant data service unavailable")
		return
	}
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		writeErrorWithContext(w, r, http.StatusBadRequest, "user id required")
		return
	}

	if err := h.tenants.Uninstall(r.Context(), ext.ID, userID); err != nil {
		h.logError(r, "UninstallExtension", "卸载失败", err, logrus.Fields{"id": ext.ID, "user": userID})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to uninstall: "+err.Error())
		return
	}
	h.notifyChange(r, ext.AppID, ext.ID, events.EventExtensionUninstalled)

	h.logInfo(r, "UninstallExtension", "扩展已卸载", logrus.Fields{"id": ext.ID, "user": userID})
	writeJSON(w, http.StatusOK, map[string]string{"status": "uninstalled"})
}

// ListInstalls 处理查询扩展安装情况的请求。
// HTTP端点: GET /api/v1/extensions/{id}/installs
func (h *Handler) ListInstalls(w http.ResponseWriter, r *http.Request) {
	ext, ok := h.extensionFromPath(w, r)
	if !ok {
		return
	}
	regs, err := h.store.ListRegistrationsByExtension(ext.ID)
	if err != nil {
		h.logError(r, "ListInstalls", "查询安装记录失败", err, logrus.Fields{"id": ext.ID})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to list installs: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"installs": regs,
		"total":    len(regs),
	})
}

// ========== 执行日志 ==========

// ListExtensionLogs 处理查询执行日志的请求，按时间倒序分页。
// HTTP端点: GET /api/v1/extensions/{id}/logs
func (h *Handler) ListExtensionLogs(w http.ResponseWriter, r *http.Request) {
	ext, ok := h.extensionFromPath(w, r)
	if !ok {
		return
	}
	offset, limit := pagination(r)
	entries, total, err := h.store.ListExecutionLogs(ext.ID, offset, limit)
	if err != nil {
		h.logError(r, "ListExtensionLogs", "查询执行日志失败", err, logrus.Fields{"id": ext.ID})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to list logs: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":   entries,
		"total":  total,
		"offset": offset,
		"limit":  limit,
	})
}

// ========== 健康检查 ==========

// Health 处理基本健康检查请求。
// HTTP端点: GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready 处理 Kubernetes 就绪探针请求。
// HTTP端点: GET /health/ready
//
// 返回值：
//   - 200: 服务就绪
//   - 503: 服务未就绪（如数据库连接失败）
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Live 处理 Kubernetes 存活探针请求。
// HTTP端点: GET /health/live
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// ========== 内部辅助 ==========

// appFromPath 从 URL 路径解析应用，支持用 ID 或 slug 定位。
func (h *Handler) appFromPath(w http.ResponseWriter, r *http.Request) (*domain.App, bool) {
	idOrSlug := chi.URLParam(r, "id")
	if idOrSlug == "" {
		writeErrorWithContext(w, r, http.StatusBadRequest, "app id or slug required")
		return nil, false
	}
	app, err := h.store.GetAppByID(idOrSlug)
	if errors.Is(err, domain.ErrAppNotFound) {
		app, err = h.store.GetAppBySlug(idOrSlug)
	}
	if errors.Is(err, domain.ErrAppNotFound) {
		writeErrorWithContext(w, r, http.StatusNotFound, "app not found: "+idOrSlug)
		return nil, false
	}
	if err != nil {
		h.logError(r, "appFromPath", "查询应用失败", err, logrus.Fields{"app": idOrSlug})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to get app: "+err.Error())
		return nil, false
	}
	return app, true
}

// extensionFromPath 从 URL 路径解析扩展。
func (h *Handler) extensionFromPath(w http.ResponseWriter, r *http.Request) (*domain.Extension, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeErrorWithContext(w, r, http.StatusBadRequest, "extension id required")
		return nil, false
	}
	ext, err := h.store.GetExtensionByID(id)
	if errors.Is(err, domain.ErrExtensionNotFound) {
		writeErrorWithContext(w, r, http.StatusNotFound, "extension not found: "+id)
		return nil, false
	}
	if err != nil {
		h.logError(r, "extensionFromPath", "查询扩展失败", err, logrus.Fields{"id": id})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to get extension: "+err.Error())
		return nil, false
	}
	return ext, true
}

// notifyChange 在扩展集合变更后失效本实例快照，并通过事件总线
// 通知其他实例。总线不可用时仅本实例立即生效，其余实例等待 TTL。
func (h *Handler) notifyChange(r *http.Request, appID, extensionID, eventType string) {
	app, err := h.store.GetAppByID(appID)
	if err != nil {
		h.logWarn(r, "notifyChange", "查询应用失败，跳过快照失效", logrus.Fields{"app_id": appID, "error": err.Error()})
		return
	}
	h.registry.Invalidate(app.Slug)
	if h.bus != nil {
		if err := h.bus.PublishExtensionEvent(r.Context(), eventType, app, extensionID); err != nil {
			h.logWarn(r, "notifyChange", "事件发布失败", logrus.Fields{
				"event": eventType,
				"app":   app.Slug,
				"error": err.Error(),
			})
		}
	}
}

// pagination 解析分页查询参数，limit 默认 20、上限 100。
func pagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return offset, limit
}

// sourceHash 计算源代码的 SHA256 哈希，用于版本审计与变更检测。
func sourceHash(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// writeJSON 将数据以 JSON 格式写入 HTTP 响应。
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ErrorResponse 是增强的错误响应结构体。
// 包含错误信息、堆栈跟踪和请求追踪信息，方便前端和CLI调试。
type ErrorResponse struct {
	Error     string `json:"error"`                // 错误消息
	Stack     string `json:"stack,omitempty"`      // 堆栈跟踪信息
	RequestID string `json:"request_id,omitempty"` // 请求ID，用于关联日志
	TraceID   string `json:"trace_id,omitempty"`   // 链路追踪ID
}

// getStackTrace 获取当前调用堆栈信息。
// skip 参数指定跳过的调用层数（不包含 getStackTrace 自身）。
func getStackTrace(skip int) string {
	const maxDepth = 32
	var pcs [maxDepth]uintptr
	n := runtime.Callers(skip+2, pcs[:]) // +2 跳过 Callers 和 getStackTrace
	if n == 0 {
		return ""
	}

	frames := runtime.CallersFrames(pcs[:n])
	var sb strings.Builder
	for {
		frame, more := frames.Next()
		// 过滤掉标准库和第三方库的调用
		if strings.Contains(frame.File, "runtime/") ||
			strings.Contains(frame.File, "net/http") {
			if !more {
				break
			}
			continue
		}
		sb.WriteString(frame.Function)
		sb.WriteString("\n\t")
		sb.WriteString(frame.File)
		sb.WriteString(":")
		sb.WriteString(strconv.Itoa(frame.Line))
		sb.WriteString("\n")
		if !more {
			break
		}
	}
	return sb.String()
}

// writeError 将错误信息以JSON格式写入HTTP响应。
//
// 参数：
//   - w: HTTP响应写入器
//   - status: HTTP错误状态码
//   - message: 错误描述信息
//
// 功能说明：
//   - 封装错误信息为统一的JSON格式，包含堆栈跟踪
//   - 自动从响应头中提取 request_id
//   - 便于客户端统一处理错误响应
func writeError(w http.ResponseWriter, status int, message string) {
	// 获取堆栈信息
	stack := getStackTrace(1)

	// 尝试从响应头获取 request_id（由 middleware.RequestID 设置）
	requestID := w.Header().Get("X-Request-Id")

	errResp := ErrorResponse{
		Error:     message,
		Stack:     stack,
		RequestID: requestID,
	}

	writeJSON(w, status, errResp)
}

// writeErrorWithContext 将错误信息以JSON格式写入HTTP响应，并从请求
// 上下文中提取 request_id。
func writeErrorWithContext(w http.ResponseWriter, r *http.Request, status int, message string) {
	// 获取堆栈信息
	stack := getStackTrace(1)

	// 从请求上下文获取 request_id
	requestID := middleware.GetReqID(r.Context())

	errResp := ErrorResponse{
		Error:     message,
		Stack:     stack,
		RequestID: requestID,
	}

	writeJSON(w, status, errResp)
}

// logInfo 记录信息级别日志
func (h *Handler) logInfo(r *http.Request, method, message string, fields logrus.Fields) {
	if h.logger == nil {
		return
	}
	entry := h.logger.WithFields(logrus.Fields{
		"method":     method,
		"path":       r.URL.Path,
		"remote_ip":  r.RemoteAddr,
		"request_id": middleware.GetReqID(r.Context()),
	})
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	entry.Info(message)
}

// logDebug 记录调试级别日志
func (h *Handler) logDebug(r *http.Request, method, message string, fields logrus.Fields) {
	if h.logger == nil {
		return
	}
	entry := h.logger.WithFields(logrus.Fields{
		"method":     method,
		"path":       r.URL.Path,
		"remote_ip":  r.RemoteAddr,
		"request_id": middleware.GetReqID(r.Context()),
	})
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	entry.Debug(message)
}

// logWarn 记录警告级别日志
func (h *Handler) logWarn(r *http.Request, method, message string, fields logrus.Fields) {
	if h.logger == nil {
		return
	}
	entry := h.logger.WithFields(logrus.Fields{
		"method":     method,
		"path":       r.URL.Path,
		"remote_ip":  r.RemoteAddr,
		"request_id": middleware.GetReqID(r.Context()),
	})
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	entry.Warn(message)
}

// logError 记录错误级别日志
func (h *Handler) logError(r *http.Request, method, message string, err error, fields logrus.Fields) {
	if h.logger == nil {
		return
	}
	entry := h.logger.WithFields(logrus.Fields{
		"method":     method,
		"path":       r.URL.Path,
		"remote_ip":  r.RemoteAddr,
		"request_id": middleware.GetReqID(r.Context()),
		"stack":      getStackTrace(1),
	})
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(message)
}
