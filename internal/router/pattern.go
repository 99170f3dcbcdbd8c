package router

import (
	"fmt"
	"strings"
)

// patternKind 路径模式的种类
type patternKind int

const (
	// kindExact 精确匹配，如 /status
	kindExact patternKind = iota
	// kindPrefix 前缀匹配，仅末尾带一个 *，如 /api/items*
	kindPrefix
	// kindGlob 通配匹配，* 匹配任意长度字符，? 匹配单个字符
	kindGlob
)

func (k patternKind) String() string {
	switch k {
	case kindExact:
		return "exact"
	case kindPrefix:
		return "prefix"
	default:
		return "glob"
	}
}

// pattern 编译后的路径模式
type pattern struct {
	raw    string
	kind   patternKind
	prefix string // 仅 kindPrefix 使用
}

// maxPatternLength 路径模式最大长度
const maxPatternLength = 128

// compilePattern 校验并编译路径模式
func compilePattern(raw string) (pattern, error) {
	if raw == "" {
		return pattern{}, fmt.Errorf("路径模式不能为空")
	}
	if len(raw) > maxPatternLength {
		return pattern{}, fmt.Errorf("路径模式过长: %s", raw)
	}
	if !strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "*") {
		return pattern{}, fmt.Errorf("路径模式必须以 / 或 * 开头: %s", raw)
	}

	wildcards := strings.IndexAny(raw, "*?")
	switch {
	case wildcards < 0:
		return pattern{raw: raw, kind: kindExact}, nil
	case wildcards == len(raw)-1 && raw[wildcards] == '*':
		return pattern{raw: raw, kind: kindPrefix, prefix: raw[:len(raw)-1]}, nil
	default:
		return pattern{raw: raw, kind: kindGlob}, nil
	}
}

// match 判断路径是否匹配
func (p pattern) match(path string) bool {
	switch p.kind {
	case kindExact:
		return path == p.raw
	case kindPrefix:
		return strings.HasPrefix(path, p.prefix)
	default:
		return globMatch(p.raw, path)
	}
}

// globMatch 迭代回溯实现的通配匹配，* 可以跨越 /
func globMatch(pat, s string) bool {
	var pi, si int
	star, mark := -1, 0

	for si < len(s) {
		switch {
		case pi < len(pat) && (pat[pi] == '?' || pat[pi] == s[si]):
			pi++
			si++
		case pi < len(pat) && pat[pi] == '*':
			star = pi
			mark = si
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}

	for pi < len(pat) && pat[pi] == '*' {
		pi++
	}
	return pi == len(pat)
}
