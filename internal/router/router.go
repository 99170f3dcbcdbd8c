package router

import (
	"fmt"
	"sort"

	"github.com/hewenyu/edge-fabric/pkg/model"
)

// Decision 路由结果。Matched为false时应返回默认响应
type Decision struct {
	Matched  bool
	Service  string
	Priority int
	Pattern  string
}

// entry 编译后的路由表项
type entry struct {
	route    model.Route
	patterns []pattern
}

// Router 按优先级排序的只读路由表，构建后可被并发读取
type Router struct {
	entries       []entry
	defaultAction model.DefaultAction
}

// New 校验并按优先级升序排列路由；优先级相同时保持声明顺序。
// 模式重叠不做检测，完全由优先级决定。
func New(routes []model.Route, defaultAction model.DefaultAction) (*Router, error) {
	entries := make([]entry, 0, len(routes))
	for i, r := range routes {
		if r.Service == "" {
			return nil, fmt.Errorf("第%d条路由缺少目标服务", i+1)
		}
		if len(r.Patterns) == 0 {
			return nil, fmt.Errorf("路由[%s]没有路径模式", r.Service)
		}

		e := entry{route: r}
		e.route.Patterns = append([]string(nil), r.Patterns...)
		for _, raw := range r.Patterns {
			p, err := compilePattern(raw)
			if err != nil {
				return nil, fmt.Errorf("路由[%s]模式无效: %w", r.Service, err)
			}
			e.patterns = append(e.patterns, p)
		}
		entries = append(entries, e)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].route.Priority < entries[j].route.Priority
	})

	return &Router{
		entries:       entries,
		defaultAction: defaultAction.WithDefaults(),
	}, nil
}

// Resolve 按优先级依次匹配路径，第一个命中的路由胜出；没有命中时返回默认决策而不是错误
func (r *Router) Resolve(path string) Decision {
	if path == "" {
		path = "/"
	}
	for i := range r.entries {
		e := &r.entries[i]
		for _, p := range e.patterns {
			if p.match(path) {
				return Decision{
					Matched:  true,
					Service:  e.route.Service,
					Priority: e.route.Priority,
					Pattern:  p.raw,
				}
			}
		}
	}
	return Decision{}
}

// DefaultAction 返回未匹配时的固定响应
func (r *Router) DefaultAction() model.DefaultAction {
	return r.defaultAction
}

// Routes 返回排序后的路由表副本
func (r *Router) Routes() []model.Route {
	routes := make([]model.Route, 0, len(r.entries))
	for _, e := range r.entries {
		route := e.route
		route.Patterns = append([]string(nil), e.route.Patterns...)
		routes = append(routes, route)
	}
	return routes
}
