package registry

import "github.com/hewenyu/edge-fabric/pkg/model"

// applyVerdict 把一次探测结果应用到实例上，返回新的状态。
// 计数器在原地更新，调用方需持有服务锁。
func applyVerdict(inst *model.Instance, verdict model.Verdict, hc model.HealthCheckConfig) model.HealthState {
	// 排空中的实例不再参与健康判定
	if inst.State == model.StateDraining {
		return inst.State
	}

	if verdict == model.VerdictSuccess {
		inst.Successes++
		inst.Failures = 0
		if inst.State != model.StateHealthy && inst.Successes >= hc.HealthyThreshold {
			inst.State = model.StateHealthy
		}
		return inst.State
	}

	inst.Failures++
	inst.Successes = 0
	// Starting 状态连续失败达到阈值同样判定为不健康
	if inst.State != model.StateUnhealthy && inst.Failures >= hc.UnhealthyThreshold {
		inst.State = model.StateUnhealthy
	}
	return inst.State
}
