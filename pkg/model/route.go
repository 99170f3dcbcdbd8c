package model

import "net/http"

// Route 路径模式到服务的映射
type Route struct {
	// 路径模式，任意一个匹配即命中
	Patterns []string `json:"patterns" mapstructure:"patterns"`
	// 优先级，数值越小越先匹配
	Priority int `json:"priority" mapstructure:"priority"`
	// 目标服务名称
	Service string `json:"service" mapstructure:"service"`
	// 仅用于展示和监控，不参与路由
	HealthCheckPath string `json:"health_check_path,omitempty" mapstructure:"health_check_path"`
}

// DefaultAction 未匹配任何路由时返回的固定响应
type DefaultAction struct {
	Status      int    `json:"status" mapstructure:"status"`
	ContentType string `json:"content_type" mapstructure:"content_type"`
	Body        string `json:"body" mapstructure:"body"`
}

// WithDefaults 补齐默认值：200、text/plain、空响应体
func (d DefaultAction) WithDefaults() DefaultAction {
	if d.Status == 0 {
		d.Status = http.StatusOK
	}
	if d.ContentType == "" {
		d.ContentType = "text/plain; charset=UTF-8"
	}
	return d
}
