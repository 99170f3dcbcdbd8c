package healthcheck

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hewenyu/edge-fabric/internal/config"
	"github.com/hewenyu/edge-fabric/internal/metrics"
	"github.com/hewenyu/edge-fabric/internal/registry"
	"github.com/hewenyu/edge-fabric/pkg/model"
	"go.uber.org/zap"
)

// Registry 健康检查器依赖的注册表能力
type Registry interface {
	Subscribe(l registry.Listener)
	Services() []model.Service
	Service(serviceName string) (model.Service, error)
	Instances(serviceName string) ([]model.Instance, error)
	Instance(serviceName, instanceID string) (model.Instance, bool, error)
	SetHealth(serviceName, instanceID string, verdict model.Verdict) (model.HealthState, error)
}

// Options 健康检查器选项
type Options struct {
	// StartupGrace 新实例在第一个探测周期之前额外等待的时间
	StartupGrace time.Duration
	Metrics      *metrics.Metrics
}

// loop 单个实例的探测循环
type loop struct {
	cancel context.CancelFunc
	seq    uint64
}

// Checker 为每个实例运行独立的探测循环，只把单次结果上报给注册表，自身不保存计数
type Checker struct {
	registry Registry
	prober   Prober
	logger   config.Logger
	opts     Options

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	loops   map[string]loop
	seq     uint64
	wg      sync.WaitGroup
	started bool
}

// NewChecker 创建健康检查器
func NewChecker(reg Registry, prober Prober, logger config.Logger, opts Options) *Checker {
	return &Checker{
		registry: reg,
		prober:   prober,
		logger:   logger,
		opts:     opts,
		loops:    make(map[string]loop),
	}
}

func loopKey(serviceName, instanceID string) string {
	return serviceName + "/" + instanceID
}

// Start 订阅注册表事件，并为已存在的实例启动探测循环
func (c *Checker) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("健康检查器已启动")
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.started = true
	c.mu.Unlock()

	c.registry.Subscribe(c.onEvent)

	count := 0
	for _, svc := range c.registry.Services() {
		instances, err := c.registry.Instances(svc.Name)
		if err != nil {
			continue
		}
		for _, inst := range instances {
			c.startLoop(svc.Name, inst.ID)
			count++
		}
	}

	c.logger.Info("健康检查器已启动", zap.Int("instances", count))
	return nil
}

// Stop 停止所有探测循环并等待其退出
func (c *Checker) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("健康检查器已停止")
}

// onEvent 在注册表的服务锁内被调用，只做循环的启停
func (c *Checker) onEvent(event model.Event) {
	switch event.Type {
	case model.EventRegistered:
		c.startLoop(event.Service, event.InstanceID)
	case model.EventDeregistered:
		c.stopLoop(event.Service, event.InstanceID)
	}
}

func (c *Checker) startLoop(serviceName, instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx == nil || c.ctx.Err() != nil {
		return
	}
	key := loopKey(serviceName, instanceID)
	if _, running := c.loops[key]; running {
		return
	}

	c.seq++
	ctx, cancel := context.WithCancel(c.ctx)
	c.loops[key] = loop{cancel: cancel, seq: c.seq}

	c.wg.Add(1)
	go c.run(ctx, serviceName, instanceID, c.seq)
}

func (c *Checker) stopLoop(serviceName, instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := loopKey(serviceName, instanceID)
	if l, ok := c.loops[key]; ok {
		l.cancel()
		delete(c.loops, key)
	}
}

// forget 循环自行退出时清理，不影响同名的新循环
func (c *Checker) forget(serviceName, instanceID string, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := loopKey(serviceName, instanceID)
	if l, ok := c.loops[key]; ok && l.seq == seq {
		l.cancel()
		delete(c.loops, key)
	}
}

// Active 返回正在运行的探测循环数量
func (c *Checker) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.loops)
}

func (c *Checker) run(ctx context.Context, serviceName, instanceID string, seq uint64) {
	defer c.wg.Done()
	defer c.forget(serviceName, instanceID, seq)

	svc, err := c.registry.Service(serviceName)
	if err != nil {
		return
	}

	if c.opts.StartupGrace > 0 {
		timer := time.NewTimer(c.opts.StartupGrace)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	// 第一次探测发生在下一个周期，而不是注册后立即探测
	interval := svc.HealthCheck.Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !c.probeOnce(ctx, serviceName, instanceID) {
			return
		}

		// 服务重新声明后，新的间隔从下一个周期开始生效
		svc, err := c.registry.Service(serviceName)
		if err != nil {
			return
		}
		if next := svc.HealthCheck.Interval; next > 0 && next != interval {
			interval = next
			ticker.Reset(interval)
		}
	}
}

// probeOnce 执行一次探测并上报结果；返回false表示实例已不存在，循环应退出
func (c *Checker) probeOnce(ctx context.Context, serviceName, instanceID string) bool {
	svc, err := c.registry.Service(serviceName)
	if err != nil {
		return false
	}
	inst, ok, err := c.registry.Instance(serviceName, instanceID)
	if err != nil || !ok {
		return false
	}
	if inst.State == model.StateDraining {
		return true
	}

	hc := svc.HealthCheck
	matcher, err := ParseMatcher(hc.Matcher)
	if err != nil {
		c.logger.Error("健康检查状态码规则无效",
			zap.String("service", serviceName),
			zap.String("matcher", hc.Matcher),
			zap.Error(err))
		return true
	}

	probeCtx, cancel := context.WithTimeout(ctx, hc.Timeout)
	err = c.prober.Probe(probeCtx, Target{
		Endpoint: inst.Endpoint(svc.Port),
		Path:     hc.Path,
		Matcher:  matcher,
	})
	cancel()

	// 探测期间实例被注销，丢弃结果
	if ctx.Err() != nil {
		return false
	}

	verdict := model.VerdictSuccess
	if err != nil {
		verdict = model.VerdictFailure
		c.logger.Debug("健康检查失败",
			zap.String("service", serviceName),
			zap.String("instance", instanceID),
			zap.Error(err))
	}
	c.opts.Metrics.ObserveProbe(err == nil)

	state, err := c.registry.SetHealth(serviceName, instanceID, verdict)
	if err != nil || state == "" {
		return false
	}
	return true
}
