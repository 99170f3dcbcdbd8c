package balancer

import (
	"context"
	"fmt"
	"time"

	"github.com/hewenyu/edge-fabric/internal/config"
	"go.uber.org/zap"
)

// drainPollInterval 检查在途请求数的间隔
const drainPollInterval = 50 * time.Millisecond

// DrainRegistry 排空所需的注册表操作
type DrainRegistry interface {
	Drain(serviceName, instanceID string) (bool, error)
	Deregister(serviceName, instanceID string) error
}

// Drainer 优雅下线实例：先停止分配新请求，等在途请求结束或宽限期到期后再注销
type Drainer struct {
	registry DrainRegistry
	selector *Selector
	logger   config.Logger
}

// NewDrainer 创建排空器
func NewDrainer(registry DrainRegistry, selector *Selector, logger config.Logger) *Drainer {
	return &Drainer{
		registry: registry,
		selector: selector,
		logger:   logger,
	}
}

// Drain 阻塞直到实例被注销。ctx取消时立即注销并返回ctx的错误
func (d *Drainer) Drain(ctx context.Context, serviceName, instanceID string, grace time.Duration) error {
	found, err := d.registry.Drain(serviceName, instanceID)
	if err != nil {
		return fmt.Errorf("排空实例失败: %w", err)
	}
	if !found {
		return nil
	}

	d.logger.Info("开始排空实例",
		zap.String("service", serviceName),
		zap.String("instance", instanceID),
		zap.Duration("grace", grace))

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	var waitErr error
wait:
	for d.selector.InFlight(serviceName, instanceID) > 0 {
		select {
		case <-ticker.C:
		case <-deadline.C:
			d.logger.Warn("排空宽限期已到，强制注销实例",
				zap.String("service", serviceName),
				zap.String("instance", instanceID),
				zap.Int64("in_flight", d.selector.InFlight(serviceName, instanceID)))
			break wait
		case <-ctx.Done():
			waitErr = ctx.Err()
			break wait
		}
	}

	if err := d.registry.Deregister(serviceName, instanceID); err != nil {
		return fmt.Errorf("注销实例失败: %w", err)
	}
	d.selector.Forget(serviceName, instanceID)

	d.logger.Info("实例排空完成",
		zap.String("service", serviceName),
		zap.String("instance", instanceID))
	return waitErr
}
