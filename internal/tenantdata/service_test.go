package tenantdata

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/oriys/trellis/internal/domain"
)

func testExtension() *domain.Extension {
	return &domain.Extension{
		ID:           "ext-loyalty",
		AppID:        "app-1",
		Name:         "loyalty",
		Status:       domain.ExtensionStatusPublished,
		Capabilities: []domain.Capability{domain.CapabilityLog, domain.CapabilityDB},
	}
}

func installRequest() *domain.InstallRequest {
	return &domain.InstallRequest{
		UserID: "user-42",
		Tables: map[string]domain.TableSchema{
			"points": {
				"balance": {Type: domain.ColumnBigint},
				"tier":    {Type: domain.ColumnText, Nullable: true},
			},
			"events": {
				"kind":    {Type: domain.ColumnText},
				"payload": {Type: domain.ColumnJSONB, Nullable: true},
			},
		},
	}
}

func TestService_InstallUninstall(t *testing.T) {
	db := &fakeDB{}
	tables := &memTables{}
	svc := NewService(db, tables, testLogger(), nil)
	ctx := context.Background()

	regs, err := svc.Install(ctx, testExtension(), installRequest())
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if len(regs) != 2 {
		t.Fatalf("Install() registrations = %d, want 2", len(regs))
	}
	if tables.count() != 2 {
		t.Errorf("repository registrations = %d, want 2", tables.count())
	}
	for _, reg := range regs {
		if !strings.HasPrefix(reg.PhysicalName, "ext_") {
			t.Errorf("PhysicalName = %s, want ext_ prefix", reg.PhysicalName)
		}
		if !strings.Contains(reg.PhysicalName, reg.LogicalName) {
			t.Errorf("PhysicalName = %s, want to embed %s", reg.PhysicalName, reg.LogicalName)
		}
		if len(reg.PhysicalName) > 63 {
			t.Errorf("PhysicalName %s exceeds 63 bytes", reg.PhysicalName)
		}
	}
	if regs[0].PhysicalName == regs[1].PhysicalName {
		t.Error("physical names must be distinct")
	}
	if len(db.execs) != 2 {
		t.Fatalf("DDL statements = %d, want 2", len(db.execs))
	}
	// 逻辑名排序决定建表顺序
	if !strings.Contains(db.execs[0].query, "_events_") || !strings.Contains(db.execs[1].query, "_points_") {
		t.Errorf("DDL order = [%q, %q], want events then points", db.execs[0].query, db.execs[1].query)
	}

	// 重复安装同名逻辑表被拒绝
	if _, err := svc.Install(ctx, testExtension(), installRequest()); !errors.Is(err, domain.ErrTableExists) {
		t.Errorf("second Install() error = %v, want ErrTableExists", err)
	}

	// 卸载删除全部物理表与注册记录
	firstNames := []string{regs[0].PhysicalName, regs[1].PhysicalName}
	if err := svc.Uninstall(ctx, "ext-loyalty", "user-42"); err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}
	if tables.count() != 0 {
		t.Errorf("registrations after Uninstall = %d, want 0", tables.count())
	}
	drops := 0
	for _, e := range db.execs {
		if strings.HasPrefix(e.query, "DROP TABLE IF EXISTS") {
			drops++
		}
	}
	if drops != 2 {
		t.Errorf("DROP TABLE statements = %d, want 2", drops)
	}

	// 快速重装得到全新的物理表名
	again, err := svc.Install(ctx, testExtension(), installRequest())
	if err != nil {
		t.Fatalf("reinstall error = %v", err)
	}
	for _, reg := range again {
		for _, old := range firstNames {
			if reg.PhysicalName == old {
				t.Errorf("reinstall reused physical name %s", old)
			}
		}
	}
}

func TestService_InstallRollback(t *testing.T) {
	db := &fakeDB{failOn: "_points_"}
	tables := &memTables{}
	svc := NewService(db, tables, testLogger(), nil)

	_, err := svc.Install(context.Background(), testExtension(), installRequest())
	if err == nil {
		t.Fatal("Install() error = nil, want create failure")
	}
	if tables.count() != 0 {
		t.Errorf("registrations after failed install = %d, want 0", tables.count())
	}
	// events 建成后被回滚删除
	drops := 0
	for _, e := range db.execs {
		if strings.HasPrefix(e.query, "DROP TABLE IF EXISTS") {
			drops++
		}
	}
	if drops != 1 {
		t.Errorf("rollback DROP statements = %d, want 1", drops)
	}
}

func TestService_InstallValidation(t *testing.T) {
	svc := NewService(&fakeDB{}, &memTables{}, testLogger(), nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		req     *domain.InstallRequest
		wantErr error
	}{
		{
			name:    "missing user",
			req:     &domain.InstallRequest{Tables: map[string]domain.TableSchema{"t": {"a": {Type: domain.ColumnText}}}},
			wantErr: domain.ErrInvalidIdentifier,
		},
		{
			name:    "bad logical name",
			req:     &domain.InstallRequest{UserID: "u", Tables: map[string]domain.TableSchema{"1bad": {"a": {Type: domain.ColumnText}}}},
			wantErr: domain.ErrInvalidIdentifier,
		},
		{
			name:    "logical name too long",
			req:     &domain.InstallRequest{UserID: "u", Tables: map[string]domain.TableSchema{strings.Repeat("x", 40): {"a": {Type: domain.ColumnText}}}},
			wantErr: domain.ErrInvalidIdentifier,
		},
		{
			name:    "reserved column",
			req:     &domain.InstallRequest{UserID: "u", Tables: map[string]domain.TableSchema{"t": {"id": {Type: domain.ColumnUUID}}}},
			wantErr: domain.ErrReservedColumnName,
		},
		{
			name:    "unknown column type",
			req:     &domain.InstallRequest{UserID: "u", Tables: map[string]domain.TableSchema{"t": {"a": {Type: "bytea"}}}},
			wantErr: domain.ErrInvalidColumnType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Install(ctx, testExtension(), tt.req); !errors.Is(err, tt.wantErr) {
				t.Errorf("Install() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestBuildCreateTable(t *testing.T) {
	ddl := buildCreateTable("ext_ab_cd_points_12345678", domain.TableSchema{
		"balance": {Type: domain.ColumnBigint},
		"tier":    {Type: domain.ColumnText, Nullable: true, Default: "bronze"},
		"code":    {Type: domain.ColumnText, Unique: true},
	})

	want := `CREATE TABLE "ext_ab_cd_points_12345678" (
	id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
	created_at timestamptz NOT NULL DEFAULT now(),
	"balance" bigint NOT NULL,
	"code" text NOT NULL UNIQUE,
	"tier" text DEFAULT 'bronze'::text
)`
	if ddl != want {
		t.Errorf("buildCreateTable() =\n%s\nwant\n%s", ddl, want)
	}
}

func TestPhysicalName(t *testing.T) {
	a := physicalName("ext-loyalty", "user-42", "points")
	b := physicalName("ext-loyalty", "user-42", "points")

	if a == b {
		t.Error("consecutive physical names must differ")
	}
	for _, name := range []string{a, b} {
		if !strings.HasPrefix(name, "ext_") {
			t.Errorf("name = %s, want ext_ prefix", name)
		}
		if !strings.Contains(name, "_points_") {
			t.Errorf("name = %s, want logical name embedded", name)
		}
		if len(name) > 63 {
			t.Errorf("name %s exceeds 63 bytes", name)
		}
		if err := domain.ValidateIdentifier(name); err != nil {
			t.Errorf("ValidateIdentifier(%s) = %v", name, err)
		}
	}
}
