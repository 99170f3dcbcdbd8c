package platform

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hewenyu/edge-fabric/internal/balancer"
	"github.com/hewenyu/edge-fabric/internal/config"
	"github.com/hewenyu/edge-fabric/internal/healthcheck"
	"github.com/hewenyu/edge-fabric/internal/registry"
	"github.com/hewenyu/edge-fabric/internal/router"
	"github.com/hewenyu/edge-fabric/pkg/model"
	"go.uber.org/zap"
)

// ErrRoutesSealed 路由表已生成，不再接受新的路由声明
var ErrRoutesSealed = errors.New("路由表已生成，不能再声明路由")

// Lifecycle 平台生命周期回调，供HTTP接口和etcd监听器调用
type Lifecycle interface {
	InstanceStarted(serviceName, instanceID, address string) error
	InstanceStopped(serviceName, instanceID string) error
	InstanceDraining(ctx context.Context, serviceName, instanceID string, grace time.Duration) error
	DesiredCountChanged(serviceName string, count int) error
}

// Platform 外部平台与核心之间的边界：声明服务和路由，转发实例生命周期事件
type Platform struct {
	registry *registry.Registry
	selector *balancer.Selector
	drainer  *balancer.Drainer
	logger   config.Logger

	mu     sync.Mutex
	routes []model.Route
	sealed bool
}

// New 创建平台边界
func New(reg *registry.Registry, selector *balancer.Selector, logger config.Logger) *Platform {
	return &Platform{
		registry: reg,
		selector: selector,
		drainer:  balancer.NewDrainer(reg, selector, logger),
		logger:   logger,
	}
}

// ServiceDeclared 启动时声明服务
func (p *Platform) ServiceDeclared(name string, desiredCount, port int, hc model.HealthCheckConfig) error {
	return p.DeclareService(model.Service{
		Name:         name,
		DesiredCount: desiredCount,
		Port:         port,
		HealthCheck:  hc,
	})
}

// DeclareService 声明服务，可以指定私有DNS名称
func (p *Platform) DeclareService(svc model.Service) error {
	hc := svc.HealthCheck.WithDefaults()
	if _, err := healthcheck.ParseMatcher(hc.Matcher); err != nil {
		return fmt.Errorf("服务[%s]健康检查配置无效: %w", svc.Name, err)
	}
	if hc.Timeout > hc.Interval {
		return fmt.Errorf("服务[%s]健康检查超时(%s)不能大于间隔(%s)", svc.Name, hc.Timeout, hc.Interval)
	}
	return p.registry.Declare(svc)
}

// RouteDeclared 启动时声明一条单模式路由
func (p *Platform) RouteDeclared(pattern string, priority int, targetService string) error {
	return p.DeclareRoute(model.Route{
		Patterns: []string{pattern},
		Priority: priority,
		Service:  targetService,
	})
}

// DeclareRoute 声明路由，目标服务必须已声明
func (p *Platform) DeclareRoute(route model.Route) error {
	if _, err := p.registry.Service(route.Service); err != nil {
		return fmt.Errorf("路由%v: %w", route.Patterns, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sealed {
		return ErrRoutesSealed
	}
	p.routes = append(p.routes, route)
	return nil
}

// Router 根据已声明的路由生成只读路由表，之后不再接受路由声明
func (p *Platform) Router(defaultAction model.DefaultAction) (*router.Router, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, err := router.New(p.routes, defaultAction)
	if err != nil {
		return nil, err
	}
	p.sealed = true

	for _, route := range r.Routes() {
		p.logger.Info("路由已生效",
			zap.Strings("patterns", route.Patterns),
			zap.Int("priority", route.Priority),
			zap.String("service", route.Service))
	}
	return r, nil
}

// InstanceStarted 平台报告新实例启动
func (p *Platform) InstanceStarted(serviceName, instanceID, address string) error {
	return p.registry.Register(serviceName, instanceID, address)
}

// InstanceStopped 平台报告实例终止
func (p *Platform) InstanceStopped(serviceName, instanceID string) error {
	if err := p.registry.Deregister(serviceName, instanceID); err != nil {
		return err
	}
	p.selector.Forget(serviceName, instanceID)
	return nil
}

// InstanceDraining 平台请求优雅下线实例，阻塞直到实例被注销
func (p *Platform) InstanceDraining(ctx context.Context, serviceName, instanceID string, grace time.Duration) error {
	return p.drainer.Drain(ctx, serviceName, instanceID, grace)
}

// DesiredCountChanged 外部扩缩容组件更新期望实例数
func (p *Platform) DesiredCountChanged(serviceName string, count int) error {
	return p.registry.SetDesiredCount(serviceName, count)
}

// Bootstrap 按配置声明所有服务和路由
func (p *Platform) Bootstrap(cfg *config.Config) error {
	for _, svc := range cfg.Services {
		if err := p.DeclareService(model.Service{
			Name:         svc.Name,
			DesiredCount: svc.DesiredCount,
			Port:         svc.Port,
			HealthCheck:  svc.HealthCheck,
			DNSName:      svc.DNSName,
		}); err != nil {
			return err
		}
	}

	for _, route := range cfg.Routes {
		if err := p.DeclareRoute(route); err != nil {
			return err
		}
	}

	p.logger.Info("平台声明完成",
		zap.Int("services", len(cfg.Services)),
		zap.Int("routes", len(cfg.Routes)))
	return nil
}
