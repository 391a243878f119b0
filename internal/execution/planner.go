package execution

import (
	"errors"
	"fmt"

	"confluence-trader/internal/broker"
	"confluence-trader/internal/config"
	"confluence-trader/internal/position"
	"confluence-trader/internal/signal"
	"confluence-trader/internal/symbol"
)

// Planner 按开仓模式把信号展开为各腿下单计划。
type Planner struct {
	mode        string
	quantity    int
	spreadWidth float64
	builder     symbol.Builder
}

// NewPlanner 创建开仓计划器。
func NewPlanner(strategy config.StrategyConfig, strikeStep float64) *Planner {
	return &Planner{
		mode:        strategy.Mode,
		quantity:    strategy.Quantity,
		spreadWidth: strategy.SpreadWidth,
		builder:     symbol.NewBuilder(strikeStep),
	}
}

// Mode 返回开仓模式。
func (p *Planner) Mode() string {
	return p.mode
}

// Plan 生成腿计划，PRIMARY 总在第一位。
func (p *Planner) Plan(future string, sig signal.Signal) ([]position.LegPlan, error) {
	if sig.Direction != signal.Long && sig.Direction != signal.Short {
		return nil, errors.New("execution: 信号无方向")
	}
	if p.quantity <= 0 {
		return nil, fmt.Errorf("execution: 下单数量无效 %d", p.quantity)
	}
	side := sig.Direction.Side()

	switch p.mode {
	case config.ModeFutures:
		return []position.LegPlan{
			{Symbol: future, Side: side, Role: position.RolePrimary, Quantity: p.quantity},
		}, nil

	case config.ModeOption:
		// 期权只做买方，方向由 CE/PE 表达。
		atm, err := p.builder.BuildOptionSymbol(future, sig.Price, side, 0)
		if err != nil {
			return nil, fmt.Errorf("execution: 构造期权代码: %w", err)
		}
		return []position.LegPlan{
			{Symbol: atm, Side: broker.SideBuy, Role: position.RolePrimary, Quantity: p.quantity},
		}, nil

	case config.ModeSpread:
		atm, err := p.builder.BuildOptionSymbol(future, sig.Price, side, 0)
		if err != nil {
			return nil, fmt.Errorf("execution: 构造平值期权代码: %w", err)
		}
		otm, err := p.builder.BuildOptionSymbol(future, sig.Price, side, p.spreadWidth)
		if err != nil {
			return nil, fmt.Errorf("execution: 构造虚值期权代码: %w", err)
		}
		return []position.LegPlan{
			{Symbol: atm, Side: broker.SideBuy, Role: position.RolePrimary, Quantity: p.quantity},
			{Symbol: otm, Side: broker.SideSell, Role: position.RoleHedge, Quantity: p.quantity},
		}, nil

	default:
		return nil, fmt.Errorf("execution: 不支持的开仓模式 %q", p.mode)
	}
}
