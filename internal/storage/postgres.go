// Package storage 提供基于 PostgreSQL 和 Redis 的持久化实现。
// PostgresStore 实现 domain 包定义的全部仓储接口，
// RedisStore 承担执行日志的备用队列和扩展调用统计。
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/oriys/trellis/internal/config"
	"github.com/oriys/trellis/internal/domain"
)

// PostgresStore 是基于 PostgreSQL 的存储实现。
// 它同时实现应用、扩展、路由绑定、租户表注册和执行日志五个仓储接口。
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore 创建并初始化 PostgreSQL 存储。
// 参数:
//   - cfg: 数据库连接配置
//
// 返回:
//   - *PostgresStore: 存储实例
//   - error: 连接或建表失败时返回错误
func NewPostgresStore(cfg config.PostgresConfig) (*PostgresStore, error) {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageConnection, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageConnection, err)
	}

	// 连接池配置
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 20
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(time.Hour)

	store := &PostgresStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// schemaDDL 是网关自身元数据的建表语句。
// 执行日志表不加外键：扩展删除后审计记录仍需保留。
const schemaDDL = `
CREATE TABLE IF NOT EXISTS apps (
    id UUID PRIMARY KEY,
    name TEXT NOT NULL,
    slug TEXT NOT NULL UNIQUE,
    origin_url TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS extensions (
    id UUID PRIMARY KEY,
    app_id UUID NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
    owner_user_id TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'draft',
    current_version INT NOT NULL DEFAULT 1,
    capabilities TEXT[] NOT NULL DEFAULT '{}',
    timeout_ms INT NOT NULL DEFAULT 30000,
    max_source_bytes INT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (app_id, name)
);
CREATE INDEX IF NOT EXISTS idx_extensions_app ON extensions (app_id);

CREATE TABLE IF NOT EXISTS extension_versions (
    id UUID PRIMARY KEY,
    extension_id UUID NOT NULL REFERENCES extensions(id) ON DELETE CASCADE,
    version INT NOT NULL,
    source TEXT NOT NULL,
    source_hash TEXT NOT NULL,
    note TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (extension_id, version)
);

CREATE TABLE IF NOT EXISTS route_bindings (
    id UUID PRIMARY KEY,
    extension_id UUID NOT NULL REFERENCES extensions(id) ON DELETE CASCADE,
    method TEXT NOT NULL DEFAULT '*',
    pattern TEXT NOT NULL,
    kind TEXT NOT NULL DEFAULT 'exact',
    phase TEXT NOT NULL,
    priority INT NOT NULL DEFAULT 0,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    injections JSONB,
    position BIGSERIAL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_route_bindings_extension ON route_bindings (extension_id);

CREATE TABLE IF NOT EXISTS table_registrations (
    id UUID PRIMARY KEY,
    extension_id UUID NOT NULL REFERENCES extensions(id) ON DELETE CASCADE,
    user_id TEXT NOT NULL,
    logical_name TEXT NOT NULL,
    physical_name TEXT NOT NULL UNIQUE,
    schema JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (extension_id, user_id, logical_name)
);
CREATE INDEX IF NOT EXISTS idx_table_registrations_ext_user ON table_registrations (extension_id, user_id);

CREATE TABLE IF NOT EXISTS execution_logs (
    id BIGSERIAL PRIMARY KEY,
    app_id TEXT NOT NULL,
    extension_id TEXT NOT NULL,
    route_id TEXT NOT NULL DEFAULT '',
    phase TEXT NOT NULL,
    user_id TEXT NOT NULL DEFAULT '',
    success BOOLEAN NOT NULL,
    duration_ms BIGINT NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    input TEXT NOT NULL DEFAULT '',
    output TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_execution_logs_extension ON execution_logs (extension_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_execution_logs_created ON execution_logs (created_at);
`

// initSchema 建立网关元数据表，已存在时跳过
func (s *PostgresStore) initSchema() error {
	_, err := s.db.Exec(schemaDDL)
	return err
}

// Close 关闭数据库连接
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping 检查数据库连接是否可用
func (s *PostgresStore) Ping() error {
	return s.db.Ping()
}

// DB 返回底层连接池。
// 租户数据服务需要直接执行 DDL 和查询，走的是同一个连接池。
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// isUniqueViolation 判断错误是否为唯一约束冲突
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// isForeignKeyViolation 判断错误是否为外键约束冲突
func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

// ========== 应用 ==========

// CreateApp 创建应用记录
func (s *PostgresStore) CreateApp(app *domain.App) error {
	_, err := s.db.Exec(`
		INSERT INTO apps (id, name, slug, origin_url, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		app.ID, app.Name, app.Slug, app.OriginURL, app.Description, app.CreatedAt, app.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.ErrAppExists
	}
	return err
}

// GetAppByID 根据 ID 获取应用
func (s *PostgresStore) GetAppByID(id string) (*domain.App, error) {
	return s.scanApp(s.db.QueryRow(`
		SELECT id, name, slug, origin_url, description, created_at, updated_at
		FROM apps WHERE id = $1`, id))
}

// GetAppBySlug 根据 slug 获取应用
func (s *PostgresStore) GetAppBySlug(slug string) (*domain.App, error) {
	return s.scanApp(s.db.QueryRow(`
		SELECT id, name, slug, origin_url, description, created_at, updated_at
		FROM apps WHERE slug = $1`, slug))
}

func (s *PostgresStore) scanApp(row *sql.Row) (*domain.App, error) {
	var app domain.App
	err := row.Scan(&app.ID, &app.Name, &app.Slug, &app.OriginURL,
		&app.Description, &app.CreatedAt, &app.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAppNotFound
	}
	if err != nil {
		return nil, err
	}
	return &app, nil
}

// ListApps 分页获取应用列表
func (s *PostgresStore) ListApps(offset, limit int) ([]*domain.App, int, error) {
	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM apps`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Query(`
		SELECT id, name, slug, origin_url, description, created_at, updated_at
		FROM apps ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	apps := make([]*domain.App, 0)
	for rows.Next() {
		var app domain.App
		if err := rows.Scan(&app.ID, &app.Name, &app.Slug, &app.OriginURL,
			&app.Description, &app.CreatedAt, &app.UpdatedAt); err != nil {
			return nil, 0, err
		}
		apps = append(apps, &app)
	}
	return apps, total, rows.Err()
}

// DeleteApp 删除应用及其级联的扩展、版本与路由绑定
func (s *PostgresStore) DeleteApp(id string) error {
	res, err := s.db.Exec(`DELETE FROM apps WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrAppNotFound
	}
	return nil
}

// ========== 扩展与版本 ==========

const extensionColumns = `id, app_id, owner_user_id, name, description, status,
	current_version, capabilities, timeout_ms, max_source_bytes, created_at, updated_at`

// CreateExtension 在一个事务里创建扩展记录及其首个代码版本
func (s *PostgresStore) CreateExtension(ext *domain.Extension, first *domain.ExtensionVersion) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO extensions (`+extensionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		ext.ID, ext.AppID, ext.OwnerUserID, ext.Name, ext.Description, ext.Status,
		ext.CurrentVersion, pq.Array(capsToStrings(ext.Capabilities)),
		ext.TimeoutMs, ext.MaxSourceBytes, ext.CreatedAt, ext.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.ErrExtensionExists
	}
	if isForeignKeyViolation(err) {
		return domain.ErrAppNotFound
	}
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO extension_versions (id, extension_id, version, source, source_hash, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		first.ID, first.ExtensionID, first.Version, first.Source,
		first.SourceHash, first.Note, first.CreatedAt)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// GetExtensionByID 根据 ID 获取扩展
func (s *PostgresStore) GetExtensionByID(id string) (*domain.Extension, error) {
	return s.scanExtension(s.db.QueryRow(`
		SELECT `+extensionColumns+` FROM extensions WHERE id = $1`, id))
}

// GetExtensionByName 根据 (应用 ID, 名称) 获取扩展
func (s *PostgresStore) GetExtensionByName(appID, name string) (*domain.Extension, error) {
	return s.scanExtension(s.db.QueryRow(`
		SELECT `+extensionColumns+` FROM extensions WHERE app_id = $1 AND name = $2`, appID, name))
}

func (s *PostgresStore) scanExtension(row *sql.Row) (*domain.Extension, error) {
	var ext domain.Extension
	var status string
	var caps pq.StringArray
	err := row.Scan(&ext.ID, &ext.AppID, &ext.OwnerUserID, &ext.Name, &ext.Description,
		&status, &ext.CurrentVersion, &caps, &ext.TimeoutMs, &ext.MaxSourceBytes,
		&ext.CreatedAt, &ext.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrExtensionNotFound
	}
	if err != nil {
		return nil, err
	}
	ext.Status = domain.ExtensionStatus(status)
	ext.Capabilities = capsFromStrings(caps)
	return &ext, nil
}

// ListExtensions 分页获取应用下的扩展列表
func (s *PostgresStore) ListExtensions(appID string, offset, limit int) ([]*domain.Extension, int, error) {
	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM extensions WHERE app_id = $1`, appID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Query(`
		SELECT `+extensionColumns+` FROM extensions
		WHERE app_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, appID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	exts := make([]*domain.Extension, 0)
	for rows.Next() {
		var ext domain.Extension
		var status string
		var caps pq.StringArray
		if err := rows.Scan(&ext.ID, &ext.AppID, &ext.OwnerUserID, &ext.Name, &ext.Description,
			&status, &ext.CurrentVersion, &caps, &ext.TimeoutMs, &ext.MaxSourceBytes,
			&ext.CreatedAt, &ext.UpdatedAt); err != nil {
			return nil, 0, err
		}
		ext.Status = domain.ExtensionStatus(status)
		ext.Capabilities = capsFromStrings(caps)
		exts = append(exts, &ext)
	}
	return exts, total, rows.Err()
}

// UpdateExtension 更新扩展的可变字段
func (s *PostgresStore) UpdateExtension(ext *domain.Extension) error {
	res, err := s.db.Exec(`
		UPDATE extensions
		SET description = $1, status = $2, current_version = $3, capabilities = $4,
		    timeout_ms = $5, max_source_bytes = $6, updated_at = $7
		WHERE id = $8`,
		ext.Description, ext.Status, ext.CurrentVersion,
		pq.Array(capsToStrings(ext.Capabilities)),
		ext.TimeoutMs, ext.MaxSourceBytes, ext.UpdatedAt, ext.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrExtensionNotFound
	}
	return nil
}

// DeleteExtension 删除扩展及其级联的版本、路由绑定和表注册记录
func (s *PostgresStore) DeleteExtension(id string) error {
	res, err := s.db.Exec(`DELETE FROM extensions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrExtensionNotFound
	}
	return nil
}

// AppendVersion 追加一条不可变的版本记录
func (s *PostgresStore) AppendVersion(v *domain.ExtensionVersion) error {
	_, err := s.db.Exec(`
		INSERT INTO extension_versions (id, extension_id, version, source, source_hash, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.ID, v.ExtensionID, v.Version, v.Source, v.SourceHash, v.Note, v.CreatedAt)
	if isForeignKeyViolation(err) {
		return domain.ErrExtensionNotFound
	}
	return err
}

// GetVersion 获取扩展的指定版本
func (s *PostgresStore) GetVersion(extensionID string, version int) (*domain.ExtensionVersion, error) {
	var v domain.ExtensionVersion
	err := s.db.QueryRow(`
		SELECT id, extension_id, version, source, source_hash, note, created_at
		FROM extension_versions WHERE extension_id = $1 AND version = $2`,
		extensionID, version).Scan(
		&v.ID, &v.ExtensionID, &v.Version, &v.Source, &v.SourceHash, &v.Note, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrVersionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ListVersions 获取扩展的全部版本记录，按版本号升序
func (s *PostgresStore) ListVersions(extensionID string) ([]*domain.ExtensionVersion, error) {
	rows, err := s.db.Query(`
		SELECT id, extension_id, version, source, source_hash, note, created_at
		FROM extension_versions WHERE extension_id = $1 ORDER BY version ASC`, extensionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	versions := make([]*domain.ExtensionVersion, 0)
	for rows.Next() {
		var v domain.ExtensionVersion
		if err := rows.Scan(&v.ID, &v.ExtensionID, &v.Version, &v.Source,
			&v.SourceHash, &v.Note, &v.CreatedAt); err != nil {
			return nil, err
		}
		versions = append(versions, &v)
	}
	return versions, rows.Err()
}

// ListEnabledWithRoutes 返回应用下所有已发布扩展及其当前版本源代码和激活路由。
// 两条查询拼出联合视图：先取扩展和当前版本，再批量取路由绑定。
func (s *PostgresStore) ListEnabledWithRoutes(appID string) ([]*domain.EnabledExtension, error) {
	rows, err := s.db.Query(`
		SELECT e.id, e.app_id, e.owner_user_id, e.name, e.description, e.status,
		       e.current_version, e.capabilities, e.timeout_ms, e.max_source_bytes,
		       e.created_at, e.updated_at, v.source, v.source_hash
		FROM extensions e
		JOIN extension_versions v ON v.extension_id = e.id AND v.version = e.current_version
		WHERE e.app_id = $1 AND e.status = $2
		ORDER BY e.created_at ASC`,
		appID, domain.ExtensionStatusPublished)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	enabled := make([]*domain.EnabledExtension, 0)
	byID := make(map[string]*domain.EnabledExtension)
	ids := make([]string, 0)
	for rows.Next() {
		var ext domain.Extension
		var status string
		var caps pq.StringArray
		var source, sourceHash string
		if err := rows.Scan(&ext.ID, &ext.AppID, &ext.OwnerUserID, &ext.Name, &ext.Description,
			&status, &ext.CurrentVersion, &caps, &ext.TimeoutMs, &ext.MaxSourceBytes,
			&ext.CreatedAt, &ext.UpdatedAt, &source, &sourceHash); err != nil {
			return nil, err
		}
		ext.Status = domain.ExtensionStatus(status)
		ext.Capabilities = capsFromStrings(caps)
		ee := &domain.EnabledExtension{
			Extension:  &ext,
			Source:     source,
			SourceHash: sourceHash,
			Routes:     make([]*domain.RouteBinding, 0),
		}
		enabled = append(enabled, ee)
		byID[ext.ID] = ee
		ids = append(ids, ext.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return enabled, nil
	}

	routeRows, err := s.db.Query(`
		SELECT id, extension_id, method, pattern, kind, phase, priority, active,
		       injections, position, created_at
		FROM route_bindings
		WHERE extension_id = ANY($1) AND active
		ORDER BY priority DESC, position ASC`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer routeRows.Close()

	for routeRows.Next() {
		rb, err := scanRoute(routeRows)
		if err != nil {
			return nil, err
		}
		if ee, ok := byID[rb.ExtensionID]; ok {
			ee.Routes = append(ee.Routes, rb)
		}
	}
	return enabled, routeRows.Err()
}

// ========== 路由绑定 ==========

// CreateRoute 创建路由绑定，插入顺序号由序列分配并回填
func (s *PostgresStore) CreateRoute(rb *domain.RouteBinding) error {
	err := s.db.QueryRow(`
		INSERT INTO route_bindings (id, extension_id, method, pattern, kind, phase,
		                            priority, active, injections, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING position`,
		rb.ID, rb.ExtensionID, rb.Method, rb.Pattern, rb.Kind, rb.Phase,
		rb.Priority, rb.Active, []byte(rb.Injections), rb.CreatedAt).Scan(&rb.Position)
	if isForeignKeyViolation(err) {
		return domain.ErrExtensionNotFound
	}
	return err
}

// GetRouteByID 根据 ID 获取路由绑定
func (s *PostgresStore) GetRouteByID(id string) (*domain.RouteBinding, error) {
	rows, err := s.db.Query(`
		SELECT id, extension_id, method, pattern, kind, phase, priority, active,
		       injections, position, created_at
		FROM route_bindings WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, domain.ErrRouteNotFound
	}
	return scanRoute(rows)
}

// ListRoutesByExtension 获取扩展的全部路由绑定，按优先级降序、插入顺序升序
func (s *PostgresStore) ListRoutesByExtension(extensionID string) ([]*domain.RouteBinding, error) {
	rows, err := s.db.Query(`
		SELECT id, extension_id, method, pattern, kind, phase, priority, active,
		       injections, position, created_at
		FROM route_bindings
		WHERE extension_id = $1
		ORDER BY priority DESC, position ASC`, extensionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	routes := make([]*domain.RouteBinding, 0)
	for rows.Next() {
		rb, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		routes = append(routes, rb)
	}
	return routes, rows.Err()
}

// DeleteRoute 删除路由绑定
func (s *PostgresStore) DeleteRoute(id string) error {
	res, err := s.db.Exec(`DELETE FROM route_bindings WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrRouteNotFound
	}
	return nil
}

func scanRoute(rows *sql.Rows) (*domain.RouteBinding, error) {
	var rb domain.RouteBinding
	var kind, phase string
	var injections []byte
	if err := rows.Scan(&rb.ID, &rb.ExtensionID, &rb.Method, &rb.Pattern, &kind, &phase,
		&rb.Priority, &rb.Active, &injections, &rb.Position, &rb.CreatedAt); err != nil {
		return nil, err
	}
	rb.Kind = domain.PatternKind(kind)
	rb.Phase = domain.HookPhase(phase)
	rb.Injections = injections
	return &rb, nil
}

// ========== 租户表注册 ==========

// CreateRegistration 写入一条租户表注册记录
func (s *PostgresStore) CreateRegistration(reg *domain.TableRegistration) error {
	schema, err := json.Marshal(reg.Schema)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO table_registrations (id, extension_id, user_id, logical_name,
		                                 physical_name, schema, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		reg.ID, reg.ExtensionID, reg.UserID, reg.LogicalName,
		reg.PhysicalName, schema, reg.CreatedAt)
	if isUniqueViolation(err) {
		return domain.ErrTableExists
	}
	if isForeignKeyViolation(err) {
		return domain.ErrExtensionNotFound
	}
	return err
}

// ListRegistrations 获取 (扩展, 用户) 的全部表注册记录
func (s *PostgresStore) ListRegistrations(extensionID, userID string) ([]*domain.TableRegistration, error) {
	rows, err := s.db.Query(`
		SELECT id, extension_id, user_id, logical_name, physical_name, schema, created_at
		FROM table_registrations
		WHERE extension_id = $1 AND user_id = $2
		ORDER BY logical_name ASC`, extensionID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	regs := make([]*domain.TableRegistration, 0)
	for rows.Next() {
		var reg domain.TableRegistration
		var schema []byte
		if err := rows.Scan(&reg.ID, &reg.ExtensionID, &reg.UserID, &reg.LogicalName,
			&reg.PhysicalName, &schema, &reg.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(schema, &reg.Schema); err != nil {
			return nil, err
		}
		regs = append(regs, &reg)
	}
	return regs, rows.Err()
}

// ListRegistrationsByExtension 获取扩展在所有用户下的表注册记录，
// 按用户与逻辑名排序，供管理接口查看安装情况。
func (s *PostgresStore) ListRegistrationsByExtension(extensionID string) ([]*domain.TableRegistration, error) {
	rows, err := s.db.Query(`
		SELECT id, extension_id, user_id, logical_name, physical_name, schema, created_at
		FROM table_registrations
		WHERE extension_id = $1
		ORDER BY user_id ASC, logical_name ASC`, extensionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	regs := make([]*domain.TableRegistration, 0)
	for rows.Next() {
		var reg domain.TableRegistration
		var schema []byte
		if err := rows.Scan(&reg.ID, &reg.ExtensionID, &reg.UserID, &reg.LogicalName,
			&reg.PhysicalName, &schema, &reg.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(schema, &reg.Schema); err != nil {
			return nil, err
		}
		regs = append(regs, &reg)
	}
	return regs, rows.Err()
}

// DeleteRegistration 删除租户表注册记录
func (s *PostgresStore) DeleteRegistration(id string) error {
	res, err := s.db.Exec(`DELETE FROM table_registrations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrTableNotFound
	}
	return nil
}

// ========== 执行日志 ==========

// AppendExecutionLogs 批量追加执行日志。
// 单条 INSERT 多行值，一个批次一次往返。
func (s *PostgresStore) AppendExecutionLogs(entries []*domain.ExecutionLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	const cols = 11
	var sb strings.Builder
	sb.WriteString(`INSERT INTO execution_logs (app_id, extension_id, route_id, phase, user_id,
		success, duration_ms, error, input, output, created_at) VALUES `)
	args := make([]any, 0, len(entries)*cols)
	for i, e := range entries {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := 0; j < cols; j++ {
			if j > 0 {
				sb.WriteByte(',')
			}
			fmt.Fprintf(&sb, "$%d", i*cols+j+1)
		}
		sb.WriteByte(')')
		args = append(args, e.AppID, e.ExtensionID, e.RouteID, e.Phase, e.UserID,
			e.Success, e.DurationMs, e.Error, e.Input, e.Output, e.CreatedAt)
	}

	_, err := s.db.Exec(sb.String(), args...)
	return err
}

// ListExecutionLogs 按扩展分页查询执行日志，按时间倒序
func (s *PostgresStore) ListExecutionLogs(extensionID string, offset, limit int) ([]*domain.ExecutionLogEntry, int, error) {
	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM execution_logs WHERE extension_id = $1`,
		extensionID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Query(`
		SELECT id, app_id, extension_id, route_id, phase, user_id, success,
		       duration_ms, error, input, output, created_at
		FROM execution_logs
		WHERE extension_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, extensionID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries := make([]*domain.ExecutionLogEntry, 0)
	for rows.Next() {
		var e domain.ExecutionLogEntry
		var phase string
		if err := rows.Scan(&e.ID, &e.AppID, &e.ExtensionID, &e.RouteID, &phase, &e.UserID,
			&e.Success, &e.DurationMs, &e.Error, &e.Input, &e.Output, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		e.Phase = domain.HookPhase(phase)
		entries = append(entries, &e)
	}
	return entries, total, rows.Err()
}

// PurgeExecutionLogs 删除早于保留期的执行日志，返回删除行数
func (s *PostgresStore) PurgeExecutionLogs(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM execution_logs WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ========== 统计 ==========

// CountExtensions 返回扩展总数，用于指标上报
func (s *PostgresStore) CountExtensions() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM extensions`).Scan(&count)
	return count, err
}

// CountPublishedExtensions 返回已发布扩展数，用于指标上报
func (s *PostgresStore) CountPublishedExtensions() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM extensions WHERE status = $1`,
		domain.ExtensionStatusPublished).Scan(&count)
	return count, err
}

// ========== 辅助函数 ==========

func capsToStrings(caps []domain.Capability) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}

func capsFromStrings(ss []string) []domain.Capability {
	if len(ss) == 0 {
		return nil
	}
	out := make([]domain.Capability, len(ss))
	for i, s := range ss {
		out[i] = domain.Capability(s)
	}
	return out
}
