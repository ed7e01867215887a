package tenantdata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/oriys/trellis/internal/domain"
)

// Gateway 是 (扩展, 用户) 作用域的数据访问网关。
// 所有操作只接受逻辑表名，并在构造任何 SQL 之前完成
// 白名单解析，未注册的名字不会产生数据库访问。
type Gateway struct {
	svc         *Service
	extensionID string
	userID      string
	tables      map[string]string
}

// resolve 将逻辑表名映射为物理表名。
func (g *Gateway) resolve(logical string) (string, error) {
	physical, ok := g.tables[strings.ToLower(logical)]
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrUnauthorizedDataAccess, logical)
	}
	return physical, nil
}

// Query 执行一条只读查询。
// 查询必须是单条 SELECT 语句，语句中 FROM/JOIN 位置出现的
// 逻辑表名会被重写为物理表名；参数通过占位符绑定，
// 不做任何字符串拼接。
func (g *Gateway) Query(ctx context.Context, query string, params []any) ([]map[string]any, error) {
	start := time.Now()
	rows, err := g.query(ctx, query, params)
	g.record("query", err, start)
	return rows, err
}

func (g *Gateway) query(ctx context.Context, query string, params []any) ([]map[string]any, error) {
	rewritten, err := g.rewriteQuery(query)
	if err != nil {
		return nil, err
	}
	rows, err := g.svc.db.QueryContext(ctx, rewritten, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// Insert 向逻辑表插入一行，返回包含生成列的完整新行。
func (g *Gateway) Insert(ctx context.Context, table string, values map[string]any) (map[string]any, error) {
	start := time.Now()
	row, err := g.insert(ctx, table, values)
	g.record("insert", err, start)
	return row, err
}

func (g *Gateway) insert(ctx context.Context, table string, values map[string]any) (map[string]any, error) {
	physical, err := g.resolve(table)
	if err != nil {
		return nil, err
	}
	cols, args, err := sortedColumns(values)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: insert requires at least one column", domain.ErrInvalidIdentifier)
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pq.QuoteIdentifier(physical))
	b.WriteString(" (")
	for i, col := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pq.QuoteIdentifier(col))
	}
	b.WriteString(") VALUES (")
	for i := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", i+1)
	}
	b.WriteString(") RETURNING *")

	rows, err := g.svc.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute insert: %w", err)
	}
	defer rows.Close()
	inserted, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(inserted) == 0 {
		return nil, fmt.Errorf("insert returned no row")
	}
	return inserted[0], nil
}

// Update 按条件更新逻辑表中的行，返回受影响的行数。
// 为避免不可信代码误改整张表，where 条件不允许为空。
func (g *Gateway) Update(ctx context.Context, table string, values, where map[string]any) (int64, error) {
	start := time.Now()
	n, err := g.update(ctx, table, values, where)
	g.record("update", err, start)
	return n, err
}

func (g *Gateway) update(ctx context.Context, table string, values, where map[string]any) (int64, error) {
	physical, err := g.resolve(table)
	if err != nil {
		return 0, err
	}
	setCols, setArgs, err := sortedColumns(values)
	if err != nil {
		return 0, err
	}
	if len(setCols) == 0 {
		return 0, fmt.Errorf("%w: update requires at least one column", domain.ErrInvalidIdentifier)
	}
	whereCols, whereArgs, err := sortedColumns(where)
	if err != nil {
		return 0, err
	}
	if len(whereCols) == 0 {
		return 0, domain.ErrWhereClauseRequired
	}

	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(pq.QuoteIdentifier(physical))
	b.WriteString(" SET ")
	n := 0
	for i, col := range setCols {
		if i > 0 {
			b.WriteString(", ")
		}
		n++
		fmt.Fprintf(&b, "%s = $%d", pq.QuoteIdentifier(col), n)
	}
	writeWhere(&b, whereCols, &n)

	res, err := g.svc.db.ExecContext(ctx, b.String(), append(setArgs, whereArgs...)...)
	if err != nil {
		return 0, fmt.Errorf("failed to execute update: %w", err)
	}
	return res.RowsAffected()
}

// Delete 按条件删除逻辑表中的行，返回受影响的行数。
// 与 Update 相同，where 条件不允许为空。
func (g *Gateway) Delete(ctx context.Context, table string, where map[string]any) (int64, error) {
	start := time.Now()
	n, err := g.delete(ctx, table, where)
	g.record("delete", err, start)
	return n, err
}

func (g *Gateway) delete(ctx context.Context, table string, where map[string]any) (int64, error) {
	physical, err := g.resolve(table)
	if err != nil {
		return 0, err
	}
	whereCols, whereArgs, err := sortedColumns(where)
	if err != nil {
		return 0, err
	}
	if len(whereCols) == 0 {
		return 0, domain.ErrWhereClauseRequired
	}

	var b strings.Builder
	b.WriteString("DELETE FROM ")
	b.WriteString(pq.QuoteIdentifier(physical))
	n := 0
	writeWhere(&b, whereCols, &n)

	res, err := g.svc.db.ExecContext(ctx, b.String(), whereArgs...)
	if err != nil {
		return 0, fmt.Errorf("failed to execute delete: %w", err)
	}
	return res.RowsAffected()
}

func (g *Gateway) record(operation string, err error, start time.Time) {
	if g.svc.metrics == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case isDenied(err):
		outcome = "denied"
	default:
		outcome = "error"
	}
	g.svc.metrics.RecordTenantQuery(operation, outcome, time.Since(start))
}

func isDenied(err error) bool {
	for _, sentinel := range []error{
		domain.ErrUnauthorizedDataAccess,
		domain.ErrForbiddenQuery,
		domain.ErrInvalidIdentifier,
		domain.ErrWhereClauseRequired,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// sortedColumns 校验列名并返回确定顺序的列与参数序列。
func sortedColumns(values map[string]any) ([]string, []any, error) {
	type pair struct {
		col string
		val any
	}
	pairs := make([]pair, 0, len(values))
	for col, val := range values {
		if err := domain.ValidateIdentifier(col); err != nil {
			return nil, nil, fmt.Errorf("%w: %s", domain.ErrInvalidIdentifier, col)
		}
		pairs = append(pairs, pair{col: strings.ToLower(col), val: val})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].col < pairs[j].col })
	cols := make([]string, len(pairs))
	args := make([]any, len(pairs))
	for i, p := range pairs {
		cols[i] = p.col
		args[i] = normalizeArg(p.val)
	}
	return cols, args, nil
}

func writeWhere(b *strings.Builder, cols []string, n *int) {
	b.WriteString(" WHERE ")
	for i, col := range cols {
		if i > 0 {
			b.WriteString(" AND ")
		}
		*n++
		fmt.Fprintf(b, "%s = $%d", pq.QuoteIdentifier(col), *n)
	}
}

// normalizeArg 将沙箱导出的值转换为驱动可绑定的类型。
func normalizeArg(v any) any {
	switch val := v.(type) {
	case map[string]any, []any:
		// 结构化值以 JSON 文本绑定，交由 jsonb 列转换
		if b, err := json.Marshal(val); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", val)
	default:
		return v
	}
}

// scanRows 将查询结果转换为 列名 -> 值 的行序列。
func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(vals[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// normalizeValue 将驱动返回的值转换为沙箱可直接使用的类型。
func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339Nano)
	default:
		return v
	}
}
