// Package routing 实现路由绑定与入站请求的匹配判定。
// 匹配器是纯函数：不持有可变状态（正则缓存除外），可以被任意多个
// 请求并发调用。排序语义（优先级降序、插入顺序稳定）由注册表快照
// 和管道共同保证，匹配器只回答"这条绑定是否命中"。
package routing

import (
	"regexp"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/oriys/trellis/internal/domain"
)

// regexCache 缓存已编译的正则模式，同一模式只编译一次。
var regexCache sync.Map // pattern -> *regexp.Regexp

// badRegex 记录编译失败的模式。失败的模式永久视为不匹配，
// 并且只在第一次失败时记录一条日志，绝不向管道抛错。
var badRegex sync.Map // pattern -> struct{}

// logger 是匹配器的包级日志器，默认使用标准 logrus；
// 进程启动时可用 SetLogger 替换为注入了格式和级别的实例。
var logger = logrus.StandardLogger()

// SetLogger 替换匹配器用于报告无效正则的日志器。
func SetLogger(l *logrus.Logger) {
	if l != nil {
		logger = l
	}
}

// Matches 判定一条路由绑定是否命中 (method, path)。
// 方法匹配：绑定方法为 "*" 或与请求方法大小写敏感相等。
// 路径匹配由绑定的 Kind 决定：
//   - exact: 逐字节相等
//   - prefix: 逐字节前缀（不做尾部斜杠归一化）
//   - regex: 编译一次后整路径匹配，无效正则永久不匹配
//   - param: 按 "/" 分段，段数相等，":" 开头的段匹配恰好一个段
func Matches(b *domain.RouteBinding, method, path string) bool {
	if b.Method != domain.MethodWildcard && b.Method != method {
		return false
	}
	switch b.Kind {
	case domain.KindExact:
		return path == b.Pattern
	case domain.KindPrefix:
		return strings.HasPrefix(path, b.Pattern)
	case domain.KindRegex:
		re := compiledRegex(b.Pattern)
		if re == nil {
			return false
		}
		return re.MatchString(path)
	case domain.KindParam:
		return matchSegments(b.Pattern, path)
	default:
		return false
	}
}

// ParamValues 提取参数化绑定命中的路径参数（:name -> 段值）。
// 绑定不是 param 类型或未命中时返回 nil。
func ParamValues(b *domain.RouteBinding, path string) map[string]string {
	if b.Kind != domain.KindParam || !matchSegments(b.Pattern, path) {
		return nil
	}
	patSegs := strings.Split(b.Pattern, "/")
	pathSegs := strings.Split(path, "/")
	params := make(map[string]string)
	for i, seg := range patSegs {
		if strings.HasPrefix(seg, ":") && len(seg) > 1 {
			params[seg[1:]] = pathSegs[i]
		}
	}
	return params
}

// compiledRegex 返回模式的已编译正则；无效模式返回 nil。
func compiledRegex(pattern string) *regexp.Regexp {
	if v, ok := regexCache.Load(pattern); ok {
		return v.(*regexp.Regexp)
	}
	if _, bad := badRegex.Load(pattern); bad {
		return nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		// 只在首次失败时记录，之后静默视为不匹配
		if _, loaded := badRegex.LoadOrStore(pattern, struct{}{}); !loaded {
			logger.WithFields(logrus.Fields{
				"pattern": pattern,
				"error":   err.Error(),
			}).Warn("Invalid route regex, pattern will never match")
		}
		return nil
	}
	actual, _ := regexCache.LoadOrStore(pattern, re)
	return actual.(*regexp.Regexp)
}

// matchSegments 实现参数化段匹配：两边按 "/" 分段后段数必须相等，
// 模式段要么与路径段字面相等，要么以 ":" 开头匹配恰好一个段。
func matchSegments(pattern, path string) bool {
	patSegs := strings.Split(pattern, "/")
	pathSegs := strings.Split(path, "/")
	if len(patSegs) != len(pathSegs) {
		return false
	}
	for i, seg := range patSegs {
		if strings.HasPrefix(seg, ":") {
			continue
		}
		if seg != pathSegs[i] {
			return false
		}
	}
	return true
}
