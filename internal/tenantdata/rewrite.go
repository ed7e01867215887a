package tenantdata

import (
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/oriys/trellis/internal/domain"
)

// forbiddenKeywords 是自由查询中一律拒绝的词。
// 自由查询只承载只读语句，写操作走 Insert/Update/Delete 构造器。
var forbiddenKeywords = map[string]bool{
	"insert": true, "update": true, "delete": true,
	"drop": true, "alter": true, "create": true, "truncate": true,
	"grant": true, "revoke": true, "copy": true, "into": true,
	"merge": true, "call": true, "execute": true, "do": true,
}

// fromListEnders 是结束 FROM 表清单的词，
// 之后出现的逗号不再引入新的表引用。
var fromListEnders = map[string]bool{
	"where": true, "group": true, "order": true, "having": true,
	"limit": true, "offset": true, "union": true, "intersect": true,
	"except": true, "on": true, "using": true, "window": true,
	"fetch": true,
}

type tokenKind int

const (
	wordTok tokenKind = iota
	punctTok
	stringTok
	numberTok
	paramTok
)

type token struct {
	text  string
	start int
	end   int
	kind  tokenKind
}

// rewriteQuery 校验自由查询并把表引用重写为物理表名。
// 规则：
//   - 必须是单条 SELECT 语句；分号、注释、美元引用一律拒绝
//   - 禁止词表中的关键字出现即拒绝（字符串字面量内除外）
//   - FROM/JOIN 位置的每个表名必须是已注册的逻辑表名，
//     否则在访问数据库之前返回 ErrUnauthorizedDataAccess
func (g *Gateway) rewriteQuery(query string) (string, error) {
	toks, err := tokenize(query)
	if err != nil {
		return "", err
	}
	if len(toks) == 0 || toks[0].kind != wordTok || !strings.EqualFold(toks[0].text, "select") {
		return "", fmt.Errorf("%w: only SELECT statements are allowed", domain.ErrForbiddenQuery)
	}

	var b strings.Builder
	expectTable := false
	inFromList := false
	last := 0
	for _, t := range toks {
		switch t.kind {
		case wordTok:
			lower := strings.ToLower(t.text)
			if forbiddenKeywords[lower] {
				return "", fmt.Errorf("%w: keyword %s", domain.ErrForbiddenQuery, lower)
			}
			if expectTable {
				physical, err := g.resolve(lower)
				if err != nil {
					return "", err
				}
				b.WriteString(query[last:t.start])
				b.WriteString(pq.QuoteIdentifier(physical))
				last = t.end
				expectTable = false
				continue
			}
			switch lower {
			case "from":
				expectTable = true
				inFromList = true
			case "join":
				expectTable = true
			default:
				if fromListEnders[lower] {
					inFromList = false
				}
			}
		case punctTok:
			switch t.text {
			case "(":
				// 子查询或函数调用，其内部的 FROM 由后续扫描处理
				expectTable = false
			case ",":
				if inFromList {
					expectTable = true
				}
			}
		}
	}
	b.WriteString(query[last:])
	return b.String(), nil
}

// tokenize 把查询切成词法单元，跳过字符串字面量内容。
// 任何注释起始、分号或美元引用都直接判为禁止查询。
func tokenize(query string) ([]token, error) {
	var toks []token
	i := 0
	n := len(query)
	for i < n {
		c := query[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == ';':
			return nil, fmt.Errorf("%w: multiple statements are not allowed", domain.ErrForbiddenQuery)
		case c == '-' && i+1 < n && query[i+1] == '-':
			return nil, fmt.Errorf("%w: comments are not allowed", domain.ErrForbiddenQuery)
		case c == '/' && i+1 < n && query[i+1] == '*':
			return nil, fmt.Errorf("%w: comments are not allowed", domain.ErrForbiddenQuery)
		case c == '\'':
			end, err := scanString(query, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{text: query[i:end], start: i, end: end, kind: stringTok})
			i = end
		case c == '"':
			end := i + 1
			for end < n && query[end] != '"' {
				end++
			}
			if end >= n {
				return nil, fmt.Errorf("%w: unterminated quoted identifier", domain.ErrForbiddenQuery)
			}
			toks = append(toks, token{text: query[i+1 : end], start: i, end: end + 1, kind: wordTok})
			i = end + 1
		case c == '$':
			if i+1 < n && query[i+1] >= '0' && query[i+1] <= '9' {
				end := i + 1
				for end < n && query[end] >= '0' && query[end] <= '9' {
					end++
				}
				toks = append(toks, token{text: query[i:end], start: i, end: end, kind: paramTok})
				i = end
			} else {
				return nil, fmt.Errorf("%w: dollar quoting is not allowed", domain.ErrForbiddenQuery)
			}
		case isWordStart(c):
			end := i + 1
			for end < n && isWordChar(query[end]) {
				end++
			}
			toks = append(toks, token{text: query[i:end], start: i, end: end, kind: wordTok})
			i = end
		case c >= '0' && c <= '9':
			end := i + 1
			for end < n && (isWordChar(query[end]) || query[end] == '.') {
				end++
			}
			toks = append(toks, token{text: query[i:end], start: i, end: end, kind: numberTok})
			i = end
		default:
			toks = append(toks, token{text: string(c), start: i, end: i + 1, kind: punctTok})
			i++
		}
	}
	return toks, nil
}

// scanString 扫描单引号字符串，'' 视为转义。
func scanString(query string, start int) (int, error) {
	i := start + 1
	n := len(query)
	for i < n {
		if query[i] == '\'' {
			if i+1 < n && query[i+1] == '\'' {
				i += 2
				continue
			}
			return i + 1, nil
		}
		i++
	}
	return 0, fmt.Errorf("%w: unterminated string literal", domain.ErrForbiddenQuery)
}

func isWordStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isWordChar(c byte) bool {
	return isWordStart(c) || (c >= '0' && c <= '9')
}
