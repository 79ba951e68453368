package worker

import (
	"OpenMCP-Autopilot/internal/notify"
	"OpenMCP-Autopilot/internal/policy"
	"OpenMCP-Autopilot/internal/web3"
)

// Strategy 将观察到的市场与仓位转化为动作，并决定动作对应的通知事件。
// Decide 必须是纯函数。
type Strategy interface {
	Kind() Kind
	Decide(markets []web3.Market, position web3.Position) (policy.Action, error)
	Event(action policy.Action, executed bool) (notify.EventType, bool)
	// Config 返回可序列化的配置副本。
	Config() any
}

// LendingStrategy 使用 LTV 风险策略。
type LendingStrategy struct {
	LTV policy.LTVConfig
}

var _ Strategy = LendingStrategy{}

func (LendingStrategy) Kind() Kind { return KindLending }

func (s LendingStrategy) Decide(markets []web3.Market, position web3.Position) (policy.Action, error) {
	in, err := policy.ReduceLTV(markets, position)
	if err != nil {
		return nil, err
	}
	return policy.DecideLTV(in, s.LTV), nil
}

// Event：成功执行的动作发 action_executed；未执行的 repay 发 ltv_critical。
func (LendingStrategy) Event(action policy.Action, executed bool) (notify.EventType, bool) {
	if executed {
		return notify.EventActionExecuted, true
	}
	if action != nil && action.Kind() == policy.KindRepay {
		return notify.EventLTVCritical, true
	}
	return "", false
}

func (s LendingStrategy) Config() any { return s.LTV }

// YieldStrategy 在稳定币市场之间追逐最高供应收益。
type YieldStrategy struct {
	Yield policy.YieldConfig
}

var _ Strategy = YieldStrategy{}

func (YieldStrategy) Kind() Kind { return KindYield }

func (s YieldStrategy) Decide(markets []web3.Market, position web3.Position) (policy.Action, error) {
	in, err := policy.ReduceYield(markets, position, s.Yield)
	if err != nil {
		return nil, err
	}
	return policy.DecideYield(in, s.Yield), nil
}

// Event 对每个周期都发事件，包括读取失败后的 hold。
func (YieldStrategy) Event(action policy.Action, _ bool) (notify.EventType, bool) {
	if action == nil {
		return "", false
	}
	switch action.Kind() {
	case policy.KindRebalance:
		return notify.EventYieldRebalance, true
	case policy.KindSupply:
		return notify.EventYieldSupply, true
	case policy.KindHold:
		return notify.EventYieldHold, true
	default:
		return "", false
	}
}

func (s YieldStrategy) Config() any { return s.Yield.Clone() }
