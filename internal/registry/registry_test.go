package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/hewenyu/edge-fabric/internal/config"
	"github.com/hewenyu/edge-fabric/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, healthy, unhealthy int) *Registry {
	t.Helper()

	r := New(config.NewNopLogger())
	for _, name := range []string{"items", "ratings"} {
		err := r.Declare(model.Service{
			Name:         name,
			DesiredCount: 2,
			Port:         80,
			HealthCheck: model.HealthCheckConfig{
				Path:               "/api/" + name + "/ping",
				HealthyThreshold:   healthy,
				UnhealthyThreshold: unhealthy,
			},
		})
		require.NoError(t, err)
	}
	return r
}

// probe 连续应用多次相同的探测结果
func probe(t *testing.T, r *Registry, service, id string, verdict model.Verdict, times int) model.HealthState {
	t.Helper()

	var state model.HealthState
	for i := 0; i < times; i++ {
		var err error
		state, err = r.SetHealth(service, id, verdict)
		require.NoError(t, err)
	}
	return state
}

func TestRegisterStartsInStarting(t *testing.T) {
	r := newTestRegistry(t, 2, 2)

	require.NoError(t, r.Register("items", "a", "10.0.0.1"))

	inst, ok, err := r.Instance("items", "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.StateStarting, inst.State)
	assert.Equal(t, "items", inst.Service)

	healthy, err := r.HealthyInstances("items")
	require.NoError(t, err)
	assert.Empty(t, healthy, "Starting实例不应被视为健康")
}

func TestRegisterIsIdempotent(t *testing.T) {
	r := newTestRegistry(t, 1, 2)

	require.NoError(t, r.Register("items", "a", "10.0.0.1"))
	probe(t, r, "items", "a", model.VerdictSuccess, 1)

	// 重复注册不应重置状态或修改地址
	require.NoError(t, r.Register("items", "a", "10.0.0.99"))

	all, err := r.Instances("items")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "10.0.0.1", all[0].Address)
	assert.Equal(t, model.StateHealthy, all[0].State)
}

func TestRegistrationSequenceFollowsOrder(t *testing.T) {
	r := newTestRegistry(t, 1, 2)

	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, r.Register("items", id, "10.0.0.1"))
	}
	before, _, err := r.Instance("items", "a")
	require.NoError(t, err)

	// 重新注册已移除的实例会排到最后
	require.NoError(t, r.Deregister("items", "a"))
	require.NoError(t, r.Register("items", "a", "10.0.0.1"))

	all, err := r.Instances("items")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[2].ID)
	assert.Greater(t, all[2].Seq, before.Seq)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i].Seq, all[i-1].Seq)
	}
}

func TestUnknownServiceReturnsNotFound(t *testing.T) {
	r := newTestRegistry(t, 2, 2)

	err := r.Register("users", "a", "10.0.0.1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrServiceNotFound))
	assert.True(t, IsNotFound(err))

	_, err = r.HealthyInstances("users")
	assert.True(t, IsNotFound(err))

	_, err = r.SetHealth("users", "a", model.VerdictSuccess)
	assert.True(t, IsNotFound(fmt.Errorf("wrapped: %w", err)))
}

func TestUnknownInstanceIsNoop(t *testing.T) {
	r := newTestRegistry(t, 2, 2)

	assert.NoError(t, r.Deregister("items", "ghost"))

	state, err := r.SetHealth("items", "ghost", model.VerdictSuccess)
	assert.NoError(t, err)
	assert.Equal(t, model.HealthState(""), state)

	drained, err := r.Drain("items", "ghost")
	assert.NoError(t, err)
	assert.False(t, drained)
}

func TestThresholdStateMachine(t *testing.T) {
	r := newTestRegistry(t, 3, 2)
	require.NoError(t, r.Register("items", "a", "10.0.0.1"))

	// Starting -> Healthy 需要连续3次成功
	assert.Equal(t, model.StateStarting, probe(t, r, "items", "a", model.VerdictSuccess, 2))
	assert.Equal(t, model.StateHealthy, probe(t, r, "items", "a", model.VerdictSuccess, 1))

	// 一次失败不足以降级
	assert.Equal(t, model.StateHealthy, probe(t, r, "items", "a", model.VerdictFailure, 1))
	// 中间的成功会重置失败计数
	assert.Equal(t, model.StateHealthy, probe(t, r, "items", "a", model.VerdictSuccess, 1))
	assert.Equal(t, model.StateHealthy, probe(t, r, "items", "a", model.VerdictFailure, 1))
	assert.Equal(t, model.StateUnhealthy, probe(t, r, "items", "a", model.VerdictFailure, 1))

	// Unhealthy -> Healthy 同样需要连续3次成功
	assert.Equal(t, model.StateUnhealthy, probe(t, r, "items", "a", model.VerdictSuccess, 2))
	assert.Equal(t, model.StateUnhealthy, probe(t, r, "items", "a", model.VerdictFailure, 1))
	assert.Equal(t, model.StateUnhealthy, probe(t, r, "items", "a", model.VerdictSuccess, 2))
	assert.Equal(t, model.StateHealthy, probe(t, r, "items", "a", model.VerdictSuccess, 1))
}

func TestStartingBecomesUnhealthyAfterFailures(t *testing.T) {
	r := newTestRegistry(t, 2, 2)
	require.NoError(t, r.Register("items", "a", "10.0.0.1"))

	assert.Equal(t, model.StateStarting, probe(t, r, "items", "a", model.VerdictFailure, 1))
	assert.Equal(t, model.StateUnhealthy, probe(t, r, "items", "a", model.VerdictFailure, 1))
}

func TestFailingInstanceIsExcludedFromHealthySet(t *testing.T) {
	r := newTestRegistry(t, 2, 2)
	require.NoError(t, r.Register("items", "a", "10.0.0.1"))
	require.NoError(t, r.Register("items", "b", "10.0.0.2"))
	probe(t, r, "items", "a", model.VerdictSuccess, 2)
	probe(t, r, "items", "b", model.VerdictSuccess, 2)

	healthy, err := r.HealthyInstances("items")
	require.NoError(t, err)
	require.Len(t, healthy, 2)

	assert.Equal(t, model.StateUnhealthy, probe(t, r, "items", "a", model.VerdictFailure, 2))

	healthy, err = r.HealthyInstances("items")
	require.NoError(t, err)
	require.Len(t, healthy, 1)
	assert.Equal(t, "b", healthy[0].ID)
}

func TestLateProbeDoesNotResurrectDeregisteredInstance(t *testing.T) {
	r := newTestRegistry(t, 1, 2)
	require.NoError(t, r.Register("items", "c", "10.0.0.3"))
	require.NoError(t, r.Deregister("items", "c"))

	state, err := r.SetHealth("items", "c", model.VerdictSuccess)
	require.NoError(t, err)
	assert.Equal(t, model.HealthState(""), state)

	all, err := r.Instances("items")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDrainingIgnoresProbes(t *testing.T) {
	r := newTestRegistry(t, 1, 1)
	require.NoError(t, r.Register("items", "a", "10.0.0.1"))
	probe(t, r, "items", "a", model.VerdictSuccess, 1)

	drained, err := r.Drain("items", "a")
	require.NoError(t, err)
	assert.True(t, drained)

	assert.Equal(t, model.StateDraining, probe(t, r, "items", "a", model.VerdictSuccess, 3))
	assert.Equal(t, model.StateDraining, probe(t, r, "items", "a", model.VerdictFailure, 3))

	healthy, err := r.HealthyInstances("items")
	require.NoError(t, err)
	assert.Empty(t, healthy, "排空中的实例不应被选中")
}

func TestHealthyInstancesReturnsCopies(t *testing.T) {
	r := newTestRegistry(t, 1, 2)
	require.NoError(t, r.Register("items", "a", "10.0.0.1"))
	probe(t, r, "items", "a", model.VerdictSuccess, 1)

	healthy, err := r.HealthyInstances("items")
	require.NoError(t, err)
	healthy[0].State = model.StateUnhealthy
	healthy[0].Address = "changed"

	again, err := r.HealthyInstances("items")
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "10.0.0.1", again[0].Address)
}

func TestEventsAreEmittedInOrder(t *testing.T) {
	r := newTestRegistry(t, 1, 1)

	var events []model.Event
	r.Subscribe(func(e model.Event) {
		events = append(events, e)
	})

	require.NoError(t, r.Register("items", "a", "10.0.0.1"))
	probe(t, r, "items", "a", model.VerdictSuccess, 2)
	probe(t, r, "items", "a", model.VerdictFailure, 1)
	require.NoError(t, r.Deregister("items", "a"))

	require.Len(t, events, 4)
	assert.Equal(t, model.EventRegistered, events[0].Type)
	assert.Equal(t, model.EventStateChanged, events[1].Type)
	assert.Equal(t, model.StateStarting, events[1].From)
	assert.Equal(t, model.StateHealthy, events[1].To)
	assert.Equal(t, model.StateUnhealthy, events[2].To)
	assert.Equal(t, model.EventDeregistered, events[3].Type)
	assert.Equal(t, model.StateUnhealthy, events[3].From)
}

func TestDeclareAppliesDefaultsAndKeepsInstances(t *testing.T) {
	r := New(config.NewNopLogger())
	require.NoError(t, r.Declare(model.Service{Name: "items", Port: 80}))
	require.NoError(t, r.Register("items", "a", "10.0.0.1"))

	svc, err := r.Service("items")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultHealthyThreshold, svc.HealthCheck.HealthyThreshold)
	assert.Equal(t, model.DefaultUnhealthyThreshold, svc.HealthCheck.UnhealthyThreshold)
	assert.Equal(t, "items", svc.DNSName)

	require.NoError(t, r.Declare(model.Service{Name: "items", Port: 8080}))
	svc, err = r.Service("items")
	require.NoError(t, err)
	assert.Equal(t, 8080, svc.Port)

	all, err := r.Instances("items")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	assert.Error(t, r.Declare(model.Service{Name: "", Port: 80}))
	assert.Error(t, r.Declare(model.Service{Name: "x", Port: 0}))
}

func TestSetDesiredCount(t *testing.T) {
	r := newTestRegistry(t, 2, 2)

	require.NoError(t, r.SetDesiredCount("items", 5))
	svc, err := r.Service("items")
	require.NoError(t, err)
	assert.Equal(t, 5, svc.DesiredCount)

	assert.Error(t, r.SetDesiredCount("items", -1))
	assert.True(t, IsNotFound(r.SetDesiredCount("users", 1)))

	services := r.Services()
	require.Len(t, services, 2)
	assert.Equal(t, "items", services[0].Name)
	assert.Equal(t, "ratings", services[1].Name)
}

func TestConcurrentMutationsAreConsistent(t *testing.T) {
	r := newTestRegistry(t, 1, 1)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("i-%d", i)
			assert.NoError(t, r.Register("items", id, "10.0.0.1"))
			_, err := r.SetHealth("items", id, model.VerdictSuccess)
			assert.NoError(t, err)
			_, err = r.HealthyInstances("items")
			assert.NoError(t, err)
			if i%2 == 0 {
				assert.NoError(t, r.Deregister("items", id))
			}
		}(i)
	}
	wg.Wait()

	all, err := r.Instances("items")
	require.NoError(t, err)
	assert.Len(t, all, 25)
	for _, inst := range all {
		assert.Equal(t, model.StateHealthy, inst.State)
	}
}
