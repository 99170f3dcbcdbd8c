package model

import (
	"net"
	"strconv"
	"time"
)

// HealthState 表示实例的健康状态
type HealthState string

const (
	// StateStarting 刚注册，尚未通过足够次数的健康检查
	StateStarting HealthState = "starting"
	// StateHealthy 健康状态，可以接收流量
	StateHealthy HealthState = "healthy"
	// StateUnhealthy 不健康状态
	StateUnhealthy HealthState = "unhealthy"
	// StateDraining 排空中，不再接收新请求
	StateDraining HealthState = "draining"
)

// Verdict 表示一次健康检查的结果
type Verdict bool

const (
	// VerdictSuccess 探测成功
	VerdictSuccess Verdict = true
	// VerdictFailure 探测失败
	VerdictFailure Verdict = false
)

// String 返回结果的文本形式
func (v Verdict) String() string {
	if v {
		return "success"
	}
	return "failure"
}

// 健康检查默认值，与目标组默认配置保持一致
const (
	DefaultHealthCheckPath     = "/"
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultHealthCheckTimeout  = 5 * time.Second
	DefaultHealthyThreshold    = 5
	DefaultUnhealthyThreshold  = 2
	DefaultHealthCheckMatcher  = "200-299"
)

// HealthCheckConfig 健康检查配置
type HealthCheckConfig struct {
	Path               string        `json:"path" mapstructure:"path"`                               // 探测路径
	Interval           time.Duration `json:"interval" mapstructure:"interval"`                       // 探测间隔
	Timeout            time.Duration `json:"timeout" mapstructure:"timeout"`                         // 单次探测超时
	HealthyThreshold   int           `json:"healthy_threshold" mapstructure:"healthy_threshold"`     // 连续成功多少次判定为健康
	UnhealthyThreshold int           `json:"unhealthy_threshold" mapstructure:"unhealthy_threshold"` // 连续失败多少次判定为不健康
	Matcher            string        `json:"matcher" mapstructure:"matcher"`                         // 成功状态码，如 "200"、"200-299"、"200,204"
}

// WithDefaults 返回补齐默认值后的配置副本
func (c HealthCheckConfig) WithDefaults() HealthCheckConfig {
	if c.Path == "" {
		c.Path = DefaultHealthCheckPath
	}
	if c.Interval <= 0 {
		c.Interval = DefaultHealthCheckInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultHealthCheckTimeout
	}
	if c.HealthyThreshold <= 0 {
		c.HealthyThreshold = DefaultHealthyThreshold
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = DefaultUnhealthyThreshold
	}
	if c.Matcher == "" {
		c.Matcher = DefaultHealthCheckMatcher
	}
	return c
}

// Service 表示一个逻辑后端服务
type Service struct {
	Name         string            `json:"name"`               // 服务名称，唯一且不可变
	DesiredCount int               `json:"desired_count"`      // 期望实例数
	Port         int               `json:"port"`               // 实例监听端口
	HealthCheck  HealthCheckConfig `json:"health_check"`       // 健康检查配置
	DNSName      string            `json:"dns_name,omitempty"` // 私有DNS命名空间中的名称
}

// Instance 表示服务的一个运行副本
type Instance struct {
	ID             string      `json:"id"`                      // 实例ID，在服务内唯一
	Seq            uint64      `json:"-"`                       // 注册序号，注册表内单调递增
	Service        string      `json:"service"`                 // 所属服务名称
	Address        string      `json:"address"`                 // 网络地址，host 或 host:port
	State          HealthState `json:"state"`                   // 健康状态
	Successes      int         `json:"consecutive_successes"`   // 连续成功次数
	Failures       int         `json:"consecutive_failures"`    // 连续失败次数
	RegisteredAt   time.Time   `json:"registered_at"`           // 注册时间
	StateChangedAt time.Time   `json:"state_changed_at"`        // 最近一次状态变化时间
	LastProbeAt    time.Time   `json:"last_probe_at,omitempty"` // 最近一次探测时间
}

// HostPort 返回实例的主机和端口，地址中未带端口时使用服务端口
func (i Instance) HostPort(servicePort int) (string, int) {
	host, portStr, err := net.SplitHostPort(i.Address)
	if err != nil {
		return i.Address, servicePort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, servicePort
	}
	return host, port
}

// Endpoint 返回 host:port 形式的地址
func (i Instance) Endpoint(servicePort int) string {
	host, port := i.HostPort(servicePort)
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// EventType 注册表事件类型
type EventType string

const (
	// EventRegistered 实例注册
	EventRegistered EventType = "registered"
	// EventDeregistered 实例注销
	EventDeregistered EventType = "deregistered"
	// EventStateChanged 实例健康状态变化
	EventStateChanged EventType = "state_changed"
)

// Event 注册表状态变化事件
type Event struct {
	Type       EventType   `json:"type"`
	Service    string      `json:"service"`
	InstanceID string      `json:"instance_id"`
	From       HealthState `json:"from,omitempty"`
	To         HealthState `json:"to,omitempty"`
	At         time.Time   `json:"at"`
}
