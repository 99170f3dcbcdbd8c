package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hewenyu/edge-fabric/internal/config"
	"github.com/hewenyu/edge-fabric/pkg/model"
	"go.uber.org/zap"
)

// Listener 接收注册表事件。
// 回调在对应服务的锁内同步执行，同一服务的事件按发生顺序送达；回调中不得再调用Registry。
type Listener func(event model.Event)

// pool 单个服务的实例集合，拥有独立的锁
type pool struct {
	mu        sync.RWMutex
	service   model.Service
	order     []string // 注册顺序
	instances map[string]*model.Instance
}

// Registry 保存每个服务当前的实例集合及其健康状态
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*pool

	listenersMu sync.RWMutex
	listeners   []Listener

	// seq 实例注册序号，同一服务内与注册顺序一致
	seq atomic.Uint64

	logger config.Logger
	now    func() time.Time
}

// New 创建一个空的注册表
func New(logger config.Logger) *Registry {
	return &Registry{
		pools:  make(map[string]*pool),
		logger: logger,
		now:    time.Now,
	}
}

// Subscribe 注册事件监听器
func (r *Registry) Subscribe(l Listener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) emit(event model.Event) {
	r.listenersMu.RLock()
	listeners := r.listeners
	r.listenersMu.RUnlock()

	for _, l := range listeners {
		l(event)
	}
}

// Declare 声明一个服务。重复声明会更新服务配置，已有实例保持不变
func (r *Registry) Declare(svc model.Service) error {
	if svc.Name == "" {
		return NewInvalidArgumentError("服务名称不能为空")
	}
	if svc.Port <= 0 {
		return NewInvalidArgumentError("服务端口必须大于0")
	}
	if svc.DesiredCount < 0 {
		return NewInvalidArgumentError("期望实例数不能为负数")
	}
	svc.HealthCheck = svc.HealthCheck.WithDefaults()
	if svc.DNSName == "" {
		svc.DNSName = svc.Name
	}

	r.mu.Lock()
	p, ok := r.pools[svc.Name]
	if !ok {
		r.pools[svc.Name] = &pool{
			service:   svc,
			instances: make(map[string]*model.Instance),
		}
		r.mu.Unlock()
		r.logger.Info("服务已声明",
			zap.String("service", svc.Name),
			zap.Int("desired_count", svc.DesiredCount),
			zap.Int("port", svc.Port))
		return nil
	}
	r.mu.Unlock()

	p.mu.Lock()
	p.service = svc
	p.mu.Unlock()
	r.logger.Info("服务配置已更新", zap.String("service", svc.Name))
	return nil
}

// lookup 查找服务，不存在时返回NotFound错误
func (r *Registry) lookup(serviceName string) (*pool, error) {
	r.mu.RLock()
	p, ok := r.pools[serviceName]
	r.mu.RUnlock()
	if !ok {
		return nil, NewNotFoundError(serviceName)
	}
	return p, nil
}

// Register 以Starting状态加入实例；实例ID已存在时不做任何修改
func (r *Registry) Register(serviceName, instanceID, address string) error {
	if instanceID == "" || address == "" {
		return NewInvalidArgumentError("实例ID和地址都是必需的")
	}

	p, err := r.lookup(serviceName)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.instances[instanceID]; exists {
		r.logger.Debug("实例已存在，忽略重复注册",
			zap.String("service", serviceName),
			zap.String("instance", instanceID))
		return nil
	}

	now := r.now()
	p.instances[instanceID] = &model.Instance{
		ID:             instanceID,
		Seq:            r.seq.Add(1),
		Service:        serviceName,
		Address:        address,
		State:          model.StateStarting,
		RegisteredAt:   now,
		StateChangedAt: now,
	}
	p.order = append(p.order, instanceID)

	r.logger.Info("实例已注册",
		zap.String("service", serviceName),
		zap.String("instance", instanceID),
		zap.String("address", address))
	r.emit(model.Event{
		Type:       model.EventRegistered,
		Service:    serviceName,
		InstanceID: instanceID,
		To:         model.StateStarting,
		At:         now,
	})
	return nil
}

// Deregister 立即移除实例，不论其健康状态；未知实例ID视为成功
func (r *Registry) Deregister(serviceName, instanceID string) error {
	p, err := r.lookup(serviceName)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	inst, ok := p.instances[instanceID]
	if !ok {
		return nil
	}

	delete(p.instances, instanceID)
	for i, id := range p.order {
		if id == instanceID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}

	r.logger.Info("实例已注销",
		zap.String("service", serviceName),
		zap.String("instance", instanceID),
		zap.String("last_state", string(inst.State)))
	r.emit(model.Event{
		Type:       model.EventDeregistered,
		Service:    serviceName,
		InstanceID: instanceID,
		From:       inst.State,
		At:         r.now(),
	})
	return nil
}

// SetHealth 应用一次探测结果并执行阈值状态机，返回实例的新状态。
// 实例不存在（例如探测期间已被注销）时不做任何修改，返回空状态。
func (r *Registry) SetHealth(serviceName, instanceID string, verdict model.Verdict) (model.HealthState, error) {
	p, err := r.lookup(serviceName)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	inst, ok := p.instances[instanceID]
	if !ok {
		return "", nil
	}

	now := r.now()
	inst.LastProbeAt = now
	from := inst.State
	to := applyVerdict(inst, verdict, p.service.HealthCheck)
	if from != to {
		inst.StateChangedAt = now
		r.logTransition(serviceName, instanceID, from, to)
		r.emit(model.Event{
			Type:       model.EventStateChanged,
			Service:    serviceName,
			InstanceID: instanceID,
			From:       from,
			To:         to,
			At:         now,
		})
	}
	return to, nil
}

// Drain 把实例切换为Draining状态，之后不再被选中，也不再受探测结果影响
func (r *Registry) Drain(serviceName, instanceID string) (bool, error) {
	p, err := r.lookup(serviceName)
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	inst, ok := p.instances[instanceID]
	if !ok {
		return false, nil
	}
	if inst.State == model.StateDraining {
		return true, nil
	}

	from := inst.State
	inst.State = model.StateDraining
	inst.Successes = 0
	inst.Failures = 0
	inst.StateChangedAt = r.now()

	r.logTransition(serviceName, instanceID, from, model.StateDraining)
	r.emit(model.Event{
		Type:       model.EventStateChanged,
		Service:    serviceName,
		InstanceID: instanceID,
		From:       from,
		To:         model.StateDraining,
		At:         inst.StateChangedAt,
	})
	return true, nil
}

func (r *Registry) logTransition(serviceName, instanceID string, from, to model.HealthState) {
	fields := []zap.Field{
		zap.String("service", serviceName),
		zap.String("instance", instanceID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	}
	if to == model.StateUnhealthy {
		r.logger.Warn("实例状态变化", fields...)
		return
	}
	r.logger.Info("实例状态变化", fields...)
}

// HealthyInstances 返回服务所有Healthy实例的副本，按注册顺序排列
func (r *Registry) HealthyInstances(serviceName string) ([]model.Instance, error) {
	p, err := r.lookup(serviceName)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	healthy := make([]model.Instance, 0, len(p.order))
	for _, id := range p.order {
		if inst := p.instances[id]; inst.State == model.StateHealthy {
			healthy = append(healthy, *inst)
		}
	}
	return healthy, nil
}

// Instances 返回服务全部实例的副本，按注册顺序排列
func (r *Registry) Instances(serviceName string) ([]model.Instance, error) {
	p, err := r.lookup(serviceName)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	all := make([]model.Instance, 0, len(p.order))
	for _, id := range p.order {
		all = append(all, *p.instances[id])
	}
	return all, nil
}

// Instance 返回单个实例的副本
func (r *Registry) Instance(serviceName, instanceID string) (model.Instance, bool, error) {
	p, err := r.lookup(serviceName)
	if err != nil {
		return model.Instance{}, false, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	inst, ok := p.instances[instanceID]
	if !ok {
		return model.Instance{}, false, nil
	}
	return *inst, true, nil
}

// Service 返回服务声明的副本
func (r *Registry) Service(serviceName string) (model.Service, error) {
	p, err := r.lookup(serviceName)
	if err != nil {
		return model.Service{}, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.service, nil
}

// Services 返回所有已声明服务，按名称排序
func (r *Registry) Services() []model.Service {
	r.mu.RLock()
	pools := make([]*pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.RUnlock()

	services := make([]model.Service, 0, len(pools))
	for _, p := range pools {
		p.mu.RLock()
		services = append(services, p.service)
		p.mu.RUnlock()
	}
	sort.Slice(services, func(i, j int) bool {
		return services[i].Name < services[j].Name
	})
	return services
}

// SetDesiredCount 更新服务期望实例数
func (r *Registry) SetDesiredCount(serviceName string, count int) error {
	if count < 0 {
		return NewInvalidArgumentError("期望实例数不能为负数")
	}

	p, err := r.lookup(serviceName)
	if err != nil {
		return err
	}

	p.mu.Lock()
	old := p.service.DesiredCount
	p.service.DesiredCount = count
	p.mu.Unlock()

	r.logger.Info("期望实例数已更新",
		zap.String("service", serviceName),
		zap.Int("from", old),
		zap.Int("to", count))
	return nil
}
