package tenantdata

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/oriys/trellis/internal/domain"
)

// errQueryRecorded 由假数据库在记录查询后返回，
// 用于只断言生成的 SQL 而不构造真实结果集。
var errQueryRecorded = errors.New("query recorded")

type recorded struct {
	query string
	args  []any
}

type fakeDB struct {
	mu           sync.Mutex
	execs        []recorded
	queries      []recorded
	failOn       string
	rowsAffected int64
}

func (f *fakeDB) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != "" && strings.Contains(query, f.failOn) {
		return nil, errors.New("exec failed")
	}
	f.execs = append(f.execs, recorded{query: query, args: args})
	return fakeResult{rows: f.rowsAffected}, nil
}

func (f *fakeDB) QueryContext(_ context.Context, query string, args ...any) (*sql.Rows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, recorded{query: query, args: args})
	return nil, errQueryRecorded
}

func (f *fakeDB) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.execs) + len(f.queries)
}

type fakeResult struct{ rows int64 }

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.rows, nil }

type memTables struct {
	mu   sync.Mutex
	regs []*domain.TableRegistration
}

func (m *memTables) CreateRegistration(reg *domain.TableRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs = append(m.regs, reg)
	return nil
}

func (m *memTables) ListRegistrations(extensionID, userID string) ([]*domain.TableRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.TableRegistration
	for _, reg := range m.regs {
		if reg.ExtensionID == extensionID && reg.UserID == userID {
			out = append(out, reg)
		}
	}
	return out, nil
}

func (m *memTables) DeleteRegistration(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, reg := range m.regs {
		if reg.ID == id {
			m.regs = append(m.regs[:i], m.regs[i+1:]...)
			return nil
		}
	}
	return domain.ErrTableNotFound
}

func (m *memTables) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.regs)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func testGateway(tables map[string]string) (*Gateway, *fakeDB) {
	db := &fakeDB{rowsAffected: 1}
	svc := NewService(db, &memTables{}, testLogger(), nil)
	return &Gateway{svc: svc, extensionID: "ext-1", userID: "user-1", tables: tables}, db
}

func TestRewriteQuery(t *testing.T) {
	g, _ := testGateway(map[string]string{
		"orders":  "ext_abc_def_orders_11111111",
		"refunds": "ext_abc_def_refunds_22222222",
	})

	tests := []struct {
		name    string
		query   string
		want    string
		wantErr error
	}{
		{
			name:  "simple select",
			query: "select * from orders where id = $1",
			want:  `select * from "ext_abc_def_orders_11111111" where id = $1`,
		},
		{
			name:  "join resolves both tables",
			query: "select * from orders join refunds on orders.id = refunds.order_id",
			want:  `select * from "ext_abc_def_orders_11111111" join "ext_abc_def_refunds_22222222" on orders.id = refunds.order_id`,
		},
		{
			name:  "comma separated from list",
			query: "select * from orders, refunds where orders.id = refunds.order_id",
			want:  `select * from "ext_abc_def_orders_11111111", "ext_abc_def_refunds_22222222" where orders.id = refunds.order_id`,
		},
		{
			name:  "alias after table untouched",
			query: "select o.total from orders o where o.total > $1",
			want:  `select o.total from "ext_abc_def_orders_11111111" o where o.total > $1`,
		},
		{
			name:  "subquery rewritten",
			query: "select count(1) from (select * from orders) o",
			want:  `select count(1) from (select * from "ext_abc_def_orders_11111111") o`,
		},
		{
			name:  "keyword inside string literal ignored",
			query: "select * from orders where note = 'drop from users'",
			want:  `select * from "ext_abc_def_orders_11111111" where note = 'drop from users'`,
		},
		{
			name:  "quoted table name resolved",
			query: `select * from "orders"`,
			want:  `select * from "ext_abc_def_orders_11111111"`,
		},
		{
			name:  "where comma does not expect table",
			query: "select coalesce(total, 0) from orders where id in ($1, $2)",
			want:  `select coalesce(total, 0) from "ext_abc_def_orders_11111111" where id in ($1, $2)`,
		},
		{
			name:    "unregistered table denied",
			query:   "select * from users",
			wantErr: domain.ErrUnauthorizedDataAccess,
		},
		{
			name:    "union branch also resolved",
			query:   "select id from orders union select usename from pg_user",
			wantErr: domain.ErrUnauthorizedDataAccess,
		},
		{
			name:    "non select rejected",
			query:   "delete from orders",
			wantErr: domain.ErrForbiddenQuery,
		},
		{
			name:    "statement chaining rejected",
			query:   "select * from orders; select * from orders",
			wantErr: domain.ErrForbiddenQuery,
		},
		{
			name:    "line comment rejected",
			query:   "select * from orders -- hidden",
			wantErr: domain.ErrForbiddenQuery,
		},
		{
			name:    "block comment rejected",
			query:   "select /* hidden */ * from orders",
			wantErr: domain.ErrForbiddenQuery,
		},
		{
			name:    "dollar quoting rejected",
			query:   "select $$payload$$ from orders",
			wantErr: domain.ErrForbiddenQuery,
		},
		{
			name:    "select for update rejected",
			query:   "select * from orders for update",
			wantErr: domain.ErrForbiddenQuery,
		},
		{
			name:    "select into rejected",
			query:   "select * into stolen from orders",
			wantErr: domain.ErrForbiddenQuery,
		},
		{
			name:    "unterminated string rejected",
			query:   "select * from orders where note = 'oops",
			wantErr: domain.ErrForbiddenQuery,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := g.rewriteQuery(tt.query)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("rewriteQuery() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("rewriteQuery() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("rewriteQuery() = %q, want %q", got, tt.want)
			}
		})
	}
}

// 未注册的表名在构造 SQL 之前就被拒绝，数据库不应收到任何访问。
func TestGateway_UnauthorizedBeforeSQL(t *testing.T) {
	g, db := testGateway(map[string]string{"orders": "ext_abc_def_orders_11111111"})
	ctx := context.Background()

	if _, err := g.Query(ctx, "select * from secrets", nil); !errors.Is(err, domain.ErrUnauthorizedDataAccess) {
		t.Errorf("Query() error = %v, want ErrUnauthorizedDataAccess", err)
	}
	if _, err := g.Insert(ctx, "secrets", map[string]any{"a": 1}); !errors.Is(err, domain.ErrUnauthorizedDataAccess) {
		t.Errorf("Insert() error = %v, want ErrUnauthorizedDataAccess", err)
	}
	if _, err := g.Update(ctx, "secrets", map[string]any{"a": 1}, map[string]any{"id": "x"}); !errors.Is(err, domain.ErrUnauthorizedDataAccess) {
		t.Errorf("Update() error = %v, want ErrUnauthorizedDataAccess", err)
	}
	if _, err := g.Delete(ctx, "secrets", map[string]any{"id": "x"}); !errors.Is(err, domain.ErrUnauthorizedDataAccess) {
		t.Errorf("Delete() error = %v, want ErrUnauthorizedDataAccess", err)
	}
	if db.calls() != 0 {
		t.Errorf("database received %d calls, want 0", db.calls())
	}
}

func TestGateway_InsertSQL(t *testing.T) {
	g, db := testGateway(map[string]string{"orders": "ext_abc_def_orders_11111111"})

	_, err := g.Insert(context.Background(), "orders", map[string]any{
		"total": 42,
		"meta":  map[string]any{"source": "web"},
	})
	if !errors.Is(err, errQueryRecorded) {
		t.Fatalf("Insert() error = %v, want recorded sentinel", err)
	}
	if len(db.queries) != 1 {
		t.Fatalf("queries = %d, want 1", len(db.queries))
	}
	wantSQL := `INSERT INTO "ext_abc_def_orders_11111111" ("meta", "total") VALUES ($1, $2) RETURNING *`
	if db.queries[0].query != wantSQL {
		t.Errorf("query = %q, want %q", db.queries[0].query, wantSQL)
	}
	if got := db.queries[0].args[0]; got != `{"source":"web"}` {
		t.Errorf("args[0] = %v, want JSON text", got)
	}
	if got := db.queries[0].args[1]; got != 42 {
		t.Errorf("args[1] = %v, want 42", got)
	}
}

func TestGateway_UpdateSQL(t *testing.T) {
	g, db := testGateway(map[string]string{"orders": "ext_abc_def_orders_11111111"})
	db.rowsAffected = 3

	n, err := g.Update(context.Background(), "orders",
		map[string]any{"status": "paid"},
		map[string]any{"user_ref": "u-1"},
	)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Update() rows = %d, want 3", n)
	}
	wantSQL := `UPDATE "ext_abc_def_orders_11111111" SET "status" = $1 WHERE "user_ref" = $2`
	if db.execs[0].query != wantSQL {
		t.Errorf("query = %q, want %q", db.execs[0].query, wantSQL)
	}
}

func TestGateway_DeleteSQL(t *testing.T) {
	g, db := testGateway(map[string]string{"orders": "ext_abc_def_orders_11111111"})
	db.rowsAffected = 1

	n, err := g.Delete(context.Background(), "orders", map[string]any{"id": "x", "status": "void"})
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Delete() rows = %d, want 1", n)
	}
	wantSQL := `DELETE FROM "ext_abc_def_orders_11111111" WHERE "id" = $1 AND "status" = $2`
	if db.execs[0].query != wantSQL {
		t.Errorf("query = %q, want %q", db.execs[0].query, wantSQL)
	}
}

func TestGateway_WhereClauseRequired(t *testing.T) {
	g, db := testGateway(map[string]string{"orders": "ext_abc_def_orders_11111111"})
	ctx := context.Background()

	if _, err := g.Update(ctx, "orders", map[string]any{"a": 1}, nil); !errors.Is(err, domain.ErrWhereClauseRequired) {
		t.Errorf("Update() error = %v, want ErrWhereClauseRequired", err)
	}
	if _, err := g.Delete(ctx, "orders", map[string]any{}); !errors.Is(err, domain.ErrWhereClauseRequired) {
		t.Errorf("Delete() error = %v, want ErrWhereClauseRequired", err)
	}
	if db.calls() != 0 {
		t.Errorf("database received %d calls, want 0", db.calls())
	}
}

func TestGateway_InvalidColumnRejected(t *testing.T) {
	g, db := testGateway(map[string]string{"orders": "ext_abc_def_orders_11111111"})

	_, err := g.Insert(context.Background(), "orders", map[string]any{"bad-col; drop": 1})
	if !errors.Is(err, domain.ErrInvalidIdentifier) {
		t.Errorf("Insert() error = %v, want ErrInvalidIdentifier", err)
	}
	if db.calls() != 0 {
		t.Errorf("database received %d calls, want 0", db.calls())
	}
}
