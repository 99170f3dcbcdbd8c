package balancer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hewenyu/edge-fabric/internal/config"
	"github.com/hewenyu/edge-fabric/internal/registry"
	"github.com/hewenyu/edge-fabric/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newHealthyRegistry 声明items和ratings，并把给定实例直接推到Healthy
func newHealthyRegistry(t *testing.T, ids ...string) *registry.Registry {
	t.Helper()

	r := registry.New(config.NewNopLogger())
	for _, name := range []string{"items", "ratings"} {
		require.NoError(t, r.Declare(model.Service{
			Name: name,
			Port: 80,
			HealthCheck: model.HealthCheckConfig{
				HealthyThreshold:   1,
				UnhealthyThreshold: 2,
			},
		}))
	}
	for _, id := range ids {
		require.NoError(t, r.Register("items", id, "10.0.0."+id))
		_, err := r.SetHealth("items", id, model.VerdictSuccess)
		require.NoError(t, err)
	}
	return r
}

func TestSelectRoundRobin(t *testing.T) {
	r := newHealthyRegistry(t, "1", "2", "3")
	s := NewSelector(r)

	var picked []string
	for i := 0; i < 9; i++ {
		inst, err := s.Select("items")
		require.NoError(t, err)
		picked = append(picked, inst.ID)
	}

	assert.Equal(t, []string{"1", "2", "3", "1", "2", "3", "1", "2", "3"}, picked)
	for i := 1; i < len(picked); i++ {
		assert.NotEqual(t, picked[i-1], picked[i], "同一实例不应连续被选中")
	}
}

func TestSelectSkipsUnhealthyInstance(t *testing.T) {
	r := newHealthyRegistry(t, "a", "b")
	s := NewSelector(r)

	// a 连续失败两次变为Unhealthy
	for i := 0; i < 2; i++ {
		_, err := r.SetHealth("items", "a", model.VerdictFailure)
		require.NoError(t, err)
	}

	for i := 0; i < 5; i++ {
		inst, err := s.Select("items")
		require.NoError(t, err)
		assert.Equal(t, "b", inst.ID)
	}
}

func TestSelectNoHealthyTarget(t *testing.T) {
	r := newHealthyRegistry(t)
	s := NewSelector(r)

	_, err := s.Select("ratings")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoHealthyTarget))

	_, err = s.Select("users")
	require.Error(t, err)
	assert.True(t, registry.IsNotFound(err))
	assert.False(t, errors.Is(err, ErrNoHealthyTarget))
}

func TestSelectToleratesMembershipChanges(t *testing.T) {
	r := newHealthyRegistry(t, "1", "2", "3")
	s := NewSelector(r)

	for i := 0; i < 2; i++ {
		_, err := s.Select("items")
		require.NoError(t, err)
	}

	// 游标指向的位置被移除后应继续轮询剩余实例
	require.NoError(t, r.Deregister("items", "3"))
	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		inst, err := s.Select("items")
		require.NoError(t, err)
		seen[inst.ID]++
	}
	assert.Equal(t, map[string]int{"1": 2, "2": 2}, seen)
}

func TestSelectNoRepeatWhenEarlierInstanceLeaves(t *testing.T) {
	r := newHealthyRegistry(t, "a", "b", "c")
	s := NewSelector(r)

	var picked []string
	pick := func() {
		inst, err := s.Select("items")
		require.NoError(t, err)
		picked = append(picked, inst.ID)
	}

	pick()
	pick()
	// a 在游标之前离开健康集合，下一次应选c而不是再次选b
	for i := 0; i < 2; i++ {
		_, err := r.SetHealth("items", "a", model.VerdictFailure)
		require.NoError(t, err)
	}
	pick()
	pick()
	pick()

	assert.Equal(t, []string{"a", "b", "c", "b", "c"}, picked)
	for i := 1; i < len(picked); i++ {
		assert.NotEqual(t, picked[i-1], picked[i], "同一实例不应连续被选中")
	}
}

func TestSelectContinuesAfterRemovedInstance(t *testing.T) {
	r := newHealthyRegistry(t, "1", "2", "3")
	s := NewSelector(r)

	for _, want := range []string{"1", "2"} {
		inst, err := s.Select("items")
		require.NoError(t, err)
		require.Equal(t, want, inst.ID)
	}

	// 上次选中的实例被移除，从它原来的位置继续
	require.NoError(t, r.Deregister("items", "2"))
	inst, err := s.Select("items")
	require.NoError(t, err)
	assert.Equal(t, "3", inst.ID)

	inst, err = s.Select("items")
	require.NoError(t, err)
	assert.Equal(t, "1", inst.ID)
}

// staleSource 返回固定的健康快照，单个实例的状态仍取自注册表
type staleSource struct {
	*registry.Registry
	snapshot []model.Instance
}

func (s *staleSource) HealthyInstances(string) ([]model.Instance, error) {
	return s.snapshot, nil
}

func TestSelectAndAcquireSkipsInstanceDrainedAfterSnapshot(t *testing.T) {
	r := newHealthyRegistry(t, "a", "b")
	snapshot, err := r.HealthyInstances("items")
	require.NoError(t, err)
	s := NewSelector(&staleSource{Registry: r, snapshot: snapshot})

	// 快照之后a开始排空
	found, err := r.Drain("items", "a")
	require.NoError(t, err)
	require.True(t, found)

	inst, err := s.SelectAndAcquire("items")
	require.NoError(t, err)
	assert.Equal(t, "b", inst.ID)
	assert.Equal(t, int64(0), s.InFlight("items", "a"))
	assert.Equal(t, int64(1), s.InFlight("items", "b"))
}

func TestSelectAndAcquireDeregisteredInstance(t *testing.T) {
	r := newHealthyRegistry(t, "a")
	snapshot, err := r.HealthyInstances("items")
	require.NoError(t, err)
	s := NewSelector(&staleSource{Registry: r, snapshot: snapshot})

	require.NoError(t, r.Deregister("items", "a"))

	_, err = s.SelectAndAcquire("items")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoHealthyTarget))

	_, ok := s.inflight.Load(inflightKey("items", "a"))
	assert.False(t, ok, "已注销实例不应留下计数器")
}

func TestSelectConcurrentFairness(t *testing.T) {
	r := newHealthyRegistry(t, "1", "2", "3", "4")
	s := NewSelector(r)

	var (
		mu     sync.Mutex
		counts = map[string]int{}
		wg     sync.WaitGroup
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				inst, err := s.Select("items")
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				counts[inst.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// 原子游标保证800次选择被平均分配
	for _, id := range []string{"1", "2", "3", "4"} {
		assert.Equal(t, 200, counts[id], id)
	}
}

func TestInFlightCounters(t *testing.T) {
	s := NewSelector(newHealthyRegistry(t))

	s.Acquire("items", "a")
	s.Acquire("items", "a")
	assert.Equal(t, int64(2), s.InFlight("items", "a"))

	s.Release("items", "a")
	s.Release("items", "a")
	s.Release("items", "a")
	assert.Equal(t, int64(0), s.InFlight("items", "a"), "计数不应为负")
	assert.Equal(t, int64(0), s.InFlight("items", "unknown"))
}

func TestReleaseAfterForgetDoesNotRecreateCounter(t *testing.T) {
	s := NewSelector(newHealthyRegistry(t))

	s.Acquire("items", "a")
	s.Forget("items", "a")
	s.Release("items", "a")

	_, ok := s.inflight.Load(inflightKey("items", "a"))
	assert.False(t, ok)
}

func TestConcurrentAcquireRelease(t *testing.T) {
	s := NewSelector(newHealthyRegistry(t))
	s.Acquire("items", "a")

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				s.Acquire("items", "a")
				s.Release("items", "a")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), s.InFlight("items", "a"))
}

func TestDrainWaitsForInFlight(t *testing.T) {
	r := newHealthyRegistry(t, "a", "b")
	s := NewSelector(r)
	d := NewDrainer(r, s, config.NewNopLogger())

	s.Acquire("items", "a")

	done := make(chan error, 1)
	go func() {
		done <- d.Drain(context.Background(), "items", "a", 5*time.Second)
	}()

	// 排空期间a不再被选中，但仍留在注册表中
	require.Eventually(t, func() bool {
		inst, ok, err := r.Instance("items", "a")
		return err == nil && ok && inst.State == model.StateDraining
	}, time.Second, 10*time.Millisecond)
	for i := 0; i < 4; i++ {
		inst, err := s.Select("items")
		require.NoError(t, err)
		assert.Equal(t, "b", inst.ID)
	}

	s.Release("items", "a")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("在途请求结束后排空应完成")
	}

	_, ok, err := r.Instance("items", "a")
	require.NoError(t, err)
	assert.False(t, ok, "排空完成后实例应被注销")
}

func TestDrainGraceExpires(t *testing.T) {
	r := newHealthyRegistry(t, "a")
	s := NewSelector(r)
	d := NewDrainer(r, s, config.NewNopLogger())

	s.Acquire("items", "a")

	start := time.Now()
	require.NoError(t, d.Drain(context.Background(), "items", "a", 100*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	_, ok, err := r.Instance("items", "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDrainUnknownInstance(t *testing.T) {
	r := newHealthyRegistry(t)
	d := NewDrainer(r, NewSelector(r), config.NewNopLogger())

	assert.NoError(t, d.Drain(context.Background(), "items", "ghost", time.Second))
	assert.True(t, registry.IsNotFound(d.Drain(context.Background(), "users", "x", time.Second)))
}
