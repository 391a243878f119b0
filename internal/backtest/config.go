package backtest

import "time"

// Config 定义回测参数。
type Config struct {
	Symbol    string    // 回放的标的代码
	StartTime time.Time // 开始时间
	EndTime   time.Time // 结束时间
	Warmup    int       // 指标预热所需K线数，不足时不产生信号
}

func (c *Config) normalize() Config {
	cfg := *c
	if cfg.Warmup < 1 {
		cfg.Warmup = 1
	}
	return cfg
}
