package balancer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hewenyu/edge-fabric/pkg/model"
)

// ErrNoHealthyTarget 匹配到的服务当前没有健康实例
var ErrNoHealthyTarget = errors.New("没有可用的健康实例")

// maxAcquireAttempts Acquire时快照已过期的最大重选次数
const maxAcquireAttempts = 3

// InstanceSource 提供服务的健康实例快照和单个实例的当前状态
type InstanceSource interface {
	HealthyInstances(serviceName string) ([]model.Instance, error)
	Instance(serviceName, instanceID string) (model.Instance, bool, error)
}

// Selector 按服务维护轮询游标，从健康实例中挑选请求目标
type Selector struct {
	source InstanceSource

	cursors  sync.Map // serviceName -> *atomic.Uint64，上次选中实例的注册序号
	inflight sync.Map // serviceName/instanceID -> *atomic.Int64
}

// NewSelector 创建选择器
func NewSelector(source InstanceSource) *Selector {
	return &Selector{source: source}
}

func (s *Selector) cursor(serviceName string) *atomic.Uint64 {
	if c, ok := s.cursors.Load(serviceName); ok {
		return c.(*atomic.Uint64)
	}
	c, _ := s.cursors.LoadOrStore(serviceName, new(atomic.Uint64))
	return c.(*atomic.Uint64)
}

// after 返回快照中注册顺序排在last之后的第一个实例，没有时回到第一个
func after(healthy []model.Instance, last uint64) model.Instance {
	for _, inst := range healthy {
		if inst.Seq > last {
			return inst
		}
	}
	return healthy[0]
}

// Select 每次调用都重新获取健康实例快照，挑选上次选中实例之后的下一个实例。
// 上次选中的实例已离开快照时，从它原来的位置继续向后轮询。
func (s *Selector) Select(serviceName string) (model.Instance, error) {
	healthy, err := s.source.HealthyInstances(serviceName)
	if err != nil {
		return model.Instance{}, err
	}
	if len(healthy) == 0 {
		return model.Instance{}, fmt.Errorf("%w: %s", ErrNoHealthyTarget, serviceName)
	}

	c := s.cursor(serviceName)
	for {
		last := c.Load()
		next := after(healthy, last)
		if c.CompareAndSwap(last, next.Seq) {
			return next, nil
		}
	}
}

// SelectAndAcquire 选择实例并记录在途请求。
// 计数之后再确认实例仍是Healthy，避免把请求发给刚开始排空或已注销的实例。
func (s *Selector) SelectAndAcquire(serviceName string) (model.Instance, error) {
	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		inst, err := s.Select(serviceName)
		if err != nil {
			return model.Instance{}, err
		}

		s.Acquire(serviceName, inst.ID)
		current, ok, err := s.source.Instance(serviceName, inst.ID)
		if err != nil {
			s.Release(serviceName, inst.ID)
			return model.Instance{}, err
		}
		if ok && current.State == model.StateHealthy {
			return inst, nil
		}

		s.Release(serviceName, inst.ID)
		if !ok {
			s.Forget(serviceName, inst.ID)
		}
	}
	return model.Instance{}, fmt.Errorf("%w: %s", ErrNoHealthyTarget, serviceName)
}

func inflightKey(serviceName, instanceID string) string {
	return serviceName + "/" + instanceID
}

// Acquire 记录一个发往实例的请求
func (s *Selector) Acquire(serviceName, instanceID string) {
	key := inflightKey(serviceName, instanceID)
	c, ok := s.inflight.Load(key)
	if !ok {
		c, _ = s.inflight.LoadOrStore(key, new(atomic.Int64))
	}
	c.(*atomic.Int64).Add(1)
}

// Release 请求结束后释放计数。计数器已被清理时直接忽略，计数不会小于0
func (s *Selector) Release(serviceName, instanceID string) {
	c, ok := s.inflight.Load(inflightKey(serviceName, instanceID))
	if !ok {
		return
	}
	counter := c.(*atomic.Int64)
	for {
		v := counter.Load()
		if v <= 0 || counter.CompareAndSwap(v, v-1) {
			return
		}
	}
}

// InFlight 返回实例当前的在途请求数
func (s *Selector) InFlight(serviceName, instanceID string) int64 {
	c, ok := s.inflight.Load(inflightKey(serviceName, instanceID))
	if !ok {
		return 0
	}
	return c.(*atomic.Int64).Load()
}

// Forget 实例被移除后清理其计数器
func (s *Selector) Forget(serviceName, instanceID string) {
	s.inflight.Delete(inflightKey(serviceName, instanceID))
}
