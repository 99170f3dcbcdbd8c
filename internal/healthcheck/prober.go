package healthcheck

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Target 一次探测的目标
type Target struct {
	Endpoint string // host:port
	Path     string
	Matcher  Matcher
}

// Prober 执行单次健康检查；超时由ctx控制，返回nil表示成功
type Prober interface {
	Probe(ctx context.Context, target Target) error
}

// ProbeError 单次探测失败的原因
type ProbeError struct {
	Target     Target
	StatusCode int
	Err        error
}

// Error 实现error接口
func (e *ProbeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("探测 %s%s 失败: %v", e.Target.Endpoint, e.Target.Path, e.Err)
	}
	return fmt.Sprintf("探测 %s%s 返回非成功状态码: %d", e.Target.Endpoint, e.Target.Path, e.StatusCode)
}

// Unwrap 返回底层错误
func (e *ProbeError) Unwrap() error {
	return e.Err
}

// HTTPProber 通过 HTTP GET 探测实例
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber 创建HTTP探测器，client为nil时使用不复用连接的默认客户端
func NewHTTPProber(client *http.Client) *HTTPProber {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				DisableKeepAlives: true,
			},
			// 重定向视为最终响应，由Matcher判断
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &HTTPProber{client: client}
}

// Probe 实现Prober接口
func (p *HTTPProber) Probe(ctx context.Context, target Target) error {
	url := "http://" + target.Endpoint + target.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &ProbeError{Target: target, Err: err}
	}
	req.Header.Set("User-Agent", "edge-fabric-health-checker")

	resp, err := p.client.Do(req)
	if err != nil {
		return &ProbeError{Target: target, Err: err}
	}
	defer resp.Body.Close()
	// 读掉少量响应体，避免连接被对端重置
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if !target.Matcher.Match(resp.StatusCode) {
		return &ProbeError{Target: target, StatusCode: resp.StatusCode}
	}
	return nil
}

// codeRange 闭区间状态码范围
type codeRange struct {
	lo, hi int
}

// Matcher 判断状态码是否表示成功
type Matcher struct {
	ranges []codeRange
}

// ParseMatcher 解析 "200"、"200-299"、"200,204,301-302" 形式的状态码匹配规则
func ParseMatcher(codes string) (Matcher, error) {
	var m Matcher
	for _, part := range strings.Split(codes, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		lo, hi, isRange := strings.Cut(part, "-")
		from, err := parseCode(lo)
		if err != nil {
			return Matcher{}, err
		}
		to := from
		if isRange {
			if to, err = parseCode(hi); err != nil {
				return Matcher{}, err
			}
			if to < from {
				return Matcher{}, fmt.Errorf("状态码范围无效: %s", part)
			}
		}
		m.ranges = append(m.ranges, codeRange{lo: from, hi: to})
	}

	if len(m.ranges) == 0 {
		return Matcher{}, fmt.Errorf("状态码匹配规则为空")
	}
	return m, nil
}

func parseCode(s string) (int, error) {
	code, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || code < 100 || code > 599 {
		return 0, fmt.Errorf("无效的HTTP状态码: %q", s)
	}
	return code, nil
}

// Match 判断状态码是否命中任一范围
func (m Matcher) Match(code int) bool {
	for _, r := range m.ranges {
		if code >= r.lo && code <= r.hi {
			return true
		}
	}
	return false
}
