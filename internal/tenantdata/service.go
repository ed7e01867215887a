// Package tenantdata 实现按 (扩展, 用户) 隔离的数据网关。
// 每个用户安装扩展时按声明的表结构建立独立物理表，物理表名只由
// 服务端派生；扩展代码只能通过逻辑表名访问，任何未注册的名字
// 都在构造 SQL 之前被拒绝。
package tenantdata

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/oriys/trellis/internal/domain"
	"github.com/oriys/trellis/internal/metrics"
)

// Execer 是网关需要的最小数据库接口，*sql.DB 满足该接口。
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Service 管理租户表的生命周期并为钩子执行创建受限网关。
type Service struct {
	db      Execer
	tables  domain.TableRepository
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewService 创建租户数据服务。metrics 可为 nil。
func NewService(db Execer, tables domain.TableRepository, logger *logrus.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{db: db, tables: tables, logger: logger, metrics: m}
}

// Install 为终端用户安装扩展：按声明的表结构逐张建表并写入注册记录。
// 同一 (扩展, 用户) 下重复的逻辑表名返回 ErrTableExists。
// 任何一张表失败时，本次已建成的表会被回滚删除。
func (s *Service) Install(ctx context.Context, ext *domain.Extension, req *domain.InstallRequest) ([]*domain.TableRegistration, error) {
	start := time.Now()
	regs, err := s.install(ctx, ext, req)
	s.record("install", err, start)
	return regs, err
}

func (s *Service) install(ctx context.Context, ext *domain.Extension, req *domain.InstallRequest) ([]*domain.TableRegistration, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	existing, err := s.tables.ListRegistrations(ext.ID, req.UserID)
	if err != nil {
		return nil, err
	}
	taken := make(map[string]bool, len(existing))
	for _, reg := range existing {
		taken[strings.ToLower(reg.LogicalName)] = true
	}

	// 按逻辑表名排序，保证建表顺序可重现
	logicals := make([]string, 0, len(req.Tables))
	for logical := range req.Tables {
		if taken[strings.ToLower(logical)] {
			return nil, fmt.Errorf("%w: %s", domain.ErrTableExists, logical)
		}
		logicals = append(logicals, logical)
	}
	sort.Strings(logicals)

	created := make([]*domain.TableRegistration, 0, len(logicals))
	for _, logical := range logicals {
		schema := req.Tables[logical]
		physical := physicalName(ext.ID, req.UserID, logical)
		if _, err := s.db.ExecContext(ctx, buildCreateTable(physical, schema)); err != nil {
			s.rollback(ctx, created)
			return nil, fmt.Errorf("failed to create table %s: %w", logical, err)
		}
		reg := &domain.TableRegistration{
			ID:           uuid.New().String(),
			ExtensionID:  ext.ID,
			UserID:       req.UserID,
			LogicalName:  logical,
			PhysicalName: physical,
			Schema:       schema,
			CreatedAt:    time.Now(),
		}
		if err := s.tables.CreateRegistration(reg); err != nil {
			s.dropTable(ctx, physical)
			s.rollback(ctx, created)
			return nil, fmt.Errorf("failed to create table registration: %w", err)
		}
		created = append(created, reg)
	}

	s.logger.WithFields(logrus.Fields{
		"extension": ext.ID,
		"user":      req.UserID,
		"tables":    len(created),
	}).Info("Extension installed, tenant tables created")
	return created, nil
}

// Uninstall 卸载扩展在指定用户下的全部租户表及注册记录。
func (s *Service) Uninstall(ctx context.Context, extensionID, userID string) error {
	start := time.Now()
	err := s.uninstall(ctx, extensionID, userID)
	s.record("uninstall", err, start)
	return err
}

func (s *Service) uninstall(ctx context.Context, extensionID, userID string) error {
	regs, err := s.tables.ListRegistrations(extensionID, userID)
	if err != nil {
		return err
	}
	for _, reg := range regs {
		s.dropTable(ctx, reg.PhysicalName)
		if err := s.tables.DeleteRegistration(reg.ID); err != nil {
			return fmt.Errorf("failed to delete table registration %s: %w", reg.LogicalName, err)
		}
	}
	s.logger.WithFields(logrus.Fields{
		"extension": extensionID,
		"user":      userID,
		"tables":    len(regs),
	}).Info("Extension uninstalled, tenant tables dropped")
	return nil
}

// Gateway 为一次钩子执行构造 (扩展, 用户) 作用域的数据网关。
// 返回的网关只能访问该作用域下已注册的表。
func (s *Service) Gateway(extensionID, userID string) (*Gateway, error) {
	regs, err := s.tables.ListRegistrations(extensionID, userID)
	if err != nil {
		return nil, err
	}
	tables := make(map[string]string, len(regs))
	for _, reg := range regs {
		tables[strings.ToLower(reg.LogicalName)] = reg.PhysicalName
	}
	return &Gateway{svc: s, extensionID: extensionID, userID: userID, tables: tables}, nil
}

// rollback 逆序删除本次安装已建成的表和注册记录。
func (s *Service) rollback(ctx context.Context, created []*domain.TableRegistration) {
	for i := len(created) - 1; i >= 0; i-- {
		s.dropTable(ctx, created[i].PhysicalName)
		if err := s.tables.DeleteRegistration(created[i].ID); err != nil {
			s.logger.WithError(err).Warn("Failed to roll back table registration")
		}
	}
}

func (s *Service) dropTable(ctx context.Context, physical string) {
	if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+pq.QuoteIdentifier(physical)); err != nil {
		s.logger.WithFields(logrus.Fields{
			"table": physical,
			"error": err.Error(),
		}).Warn("Failed to drop tenant table")
	}
}

func (s *Service) record(operation string, err error, start time.Time) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.RecordTenantQuery(operation, outcome, time.Since(start))
}

// physicalName 派生全局唯一的物理表名。
// 扩展与用户标识各取哈希前 8 位保证字符合法，随机后缀保证
// 快速重装时新旧表名不同，总长不超过 PostgreSQL 的 63 字节限制。
func physicalName(extensionID, userID, logical string) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("ext_%s_%s_%s_%s", shortHash(extensionID), shortHash(userID), strings.ToLower(logical), suffix)
}

func shortHash(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])[:8]
}

// buildCreateTable 根据声明的表结构生成建表语句。
// 每张表隐式带 id 主键与 created_at 时间戳，列按名称排序保证
// 语句可重现；默认值经 QuoteLiteral 处理后交由列类型转换。
func buildCreateTable(physical string, schema domain.TableSchema) string {
	cols := make([]string, 0, len(schema))
	for name := range schema {
		cols = append(cols, name)
	}
	sort.Strings(cols)

	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(pq.QuoteIdentifier(physical))
	b.WriteString(" (\n")
	b.WriteString("\tid uuid PRIMARY KEY DEFAULT gen_random_uuid(),\n")
	b.WriteString("\tcreated_at timestamptz NOT NULL DEFAULT now()")
	for _, name := range cols {
		col := schema[name]
		b.WriteString(",\n\t")
		b.WriteString(pq.QuoteIdentifier(strings.ToLower(name)))
		b.WriteString(" ")
		b.WriteString(string(col.Type))
		if !col.Nullable {
			b.WriteString(" NOT NULL")
		}
		if col.Unique {
			b.WriteString(" UNIQUE")
		}
		if col.Default != "" {
			b.WriteString(" DEFAULT ")
			b.WriteString(pq.QuoteLiteral(col.Default))
			b.WriteString("::")
			b.WriteString(string(col.Type))
		}
	}
	b.WriteString("\n)")
	return b.String()
}
