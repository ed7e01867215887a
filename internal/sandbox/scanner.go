// Package sandbox 实现不可信扩展代码的编译与受限执行。
// 这里是整个网关唯一允许"不可信字节变成可执行语义"的边界：
// 源代码先经过静态安全扫描，再被包装进重绑定了全部宿主能力名的
// 严格模式作用域，最后交给嵌入式 JavaScript 解释器执行。
package sandbox

import "regexp"

// rule 是一条静态扫描规则：面向人类的名称 + 匹配模式。
type rule struct {
	name string
	re   *regexp.Regexp
}

// scanRules 是静态安全扫描的全部规则。
// 扫描作用在原始源代码文本上（包括注释），任何命中都是硬性拒绝，
// 不存在"可信子集继续执行"的路径。规则按类别分组：
// 宿主/进程/文件系统/网络原语、动态代码构造、原型链篡改、模块加载。
var scanRules = []rule{
	// ========== 模块加载 ==========
	{"require()", regexp.MustCompile(`\brequire\s*\(`)},
	{"dynamic import", regexp.MustCompile(`\bimport\s*[(\s]`)},

	// ========== 进程与宿主环境 ==========
	{"process access", regexp.MustCompile(`\bprocess\s*[.\[]`)},
	{"child_process", regexp.MustCompile(`child_process`)},
	{"runtime globals", regexp.MustCompile(`\b(Deno|Bun)\b`)},

	// ========== 文件系统 ==========
	{"filesystem access", regexp.MustCompile(`\bfs\s*\.|\brequire\s*\(\s*['"]fs['"]`)},

	// ========== 网络 ==========
	{"fetch()", regexp.MustCompile(`\bfetch\s*\(`)},
	{"XMLHttpRequest", regexp.MustCompile(`\bXMLHttpRequest\b`)},
	{"WebSocket", regexp.MustCompile(`\bWebSocket\b`)},

	// ========== 动态代码构造 ==========
	// eval 拒绝任何形式的引用，包括 (0, eval) 这类间接调用
	{"eval", regexp.MustCompile(`\beval\b`)},
	{"Function constructor", regexp.MustCompile(`\bnew\s+Function\b|\bFunction\s*\(`)},
	{"timers", regexp.MustCompile(`\bset(Timeout|Interval|Immediate)\s*\(`)},

	// ========== 全局对象逃逸 ==========
	{"globalThis", regexp.MustCompile(`\bglobalThis\b`)},
	{"global object", regexp.MustCompile(`\bglobal\s*[.\[]`)},
	{"window object", regexp.MustCompile(`\bwindow\s*[.\[]`)},

	// ========== 原型链篡改 ==========
	{"__proto__", regexp.MustCompile(`__proto__`)},
	{"setPrototypeOf", regexp.MustCompile(`\bsetPrototypeOf\b`)},
	// 任何 constructor 成员访问都拒绝，分步取用
	// （先存 .constructor 再取 .constructor）同样命中。
	// 即使漏报，运行时的能力重绑定与原型冻结仍是兜底层。
	{"constructor chain", regexp.MustCompile(`\.\s*constructor\b|\[\s*['"]constructor['"]\s*\]`)},
}

// Scan 对源代码做静态安全扫描，返回命中的全部规则名称。
// 返回空切片表示扫描通过。扫描是纯文本匹配，刻意保守：
// 注释里出现违禁引用同样会被拒绝。
func Scan(source string) []string {
	var hits []string
	for _, r := range scanRules {
		if r.re.MatchString(source) {
			hits = append(hits, r.name)
		}
	}
	return hits
}

// handlerPattern 检查源代码是否定义了 handler 入口。
// 允许两种写法：function handler(...) 声明，或 handler = ... 赋值
// （含 const/let/var 前缀）。
var handlerPattern = regexp.MustCompile(`\bfunction\s+handler\s*\(|\bhandler\s*=`)

// HasHandler 报告源代码是否包含 handler 入口定义。
// 这是编译前的静态检查；运行时还会再次校验 handler 确实是函数。
func HasHandler(source string) bool {
	return handlerPattern.MatchString(source)
}
