package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项，进程生命周期内只读。
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	CCXT       CCXTConfig       `mapstructure:"ccxt"`
	Instrument InstrumentConfig `mapstructure:"instrument"`
	Strategy   StrategyConfig   `mapstructure:"strategy"`
	Signal     SignalConfig     `mapstructure:"signal"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Session    SessionConfig    `mapstructure:"session"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Redis      RedisConfig      `mapstructure:"redis"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

const (
	BrokerOpenAlgo = "openalgo"
	BrokerCCXT     = "ccxt"
)

// BrokerConfig 描述下单网关。
type BrokerConfig struct {
	Kind      string        `mapstructure:"kind"`
	Host      string        `mapstructure:"host"`
	APIKey    string        `mapstructure:"api_key"`
	Exchange  string        `mapstructure:"exchange"`
	Product   string        `mapstructure:"product"`
	PriceType string        `mapstructure:"price_type"`
	Strategy  string        `mapstructure:"strategy"`
	Timeout   time.Duration `mapstructure:"timeout"`
	DryRun    bool          `mapstructure:"dry_run"`
}

// CCXTConfig 描述 ccxt 交易所连接信息。
type CCXTConfig struct {
	Name       string      `mapstructure:"name"`
	APIKey     string      `mapstructure:"api_key"`
	APISecret  string      `mapstructure:"api_secret"`
	APIPass    string      `mapstructure:"api_password"`
	Wallet     string      `mapstructure:"wallet"`
	PrivateKey string      `mapstructure:"private_key"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// RetryConfig 控制行情类调用的重试，下单永不重试。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// InstrumentConfig 描述标的。
type InstrumentConfig struct {
	Root       string   `mapstructure:"root"`
	Symbol     string   `mapstructure:"symbol"`
	Exclude    []string `mapstructure:"exclude"`
	StrikeStep float64  `mapstructure:"strike_step"`
}

const (
	ModeFutures = "futures"
	ModeOption  = "option"
	ModeSpread  = "spread"
)

// StrategyConfig 控制开仓形式。
type StrategyConfig struct {
	Mode        string  `mapstructure:"mode"`
	Quantity    int     `mapstructure:"quantity"`
	SpreadWidth float64 `mapstructure:"spread_width"`
	HistoryDays int     `mapstructure:"history_days"`
	Interval    string  `mapstructure:"interval"`
}

// SignalConfig 为共振信号参数。
type SignalConfig struct {
	EMAPeriod     int     `mapstructure:"ema_period"`
	RSIPeriod     int     `mapstructure:"rsi_period"`
	RSIOverbought float64 `mapstructure:"rsi_overbought"`
	RSIOversold   float64 `mapstructure:"rsi_oversold"`
	MACDFast      int     `mapstructure:"macd_fast"`
	MACDSlow      int     `mapstructure:"macd_slow"`
	MACDSignal    int     `mapstructure:"macd_signal"`
}

// RiskConfig 以点数表示的止损止盈与移动止损。
type RiskConfig struct {
	StopLossPoints        float64 `mapstructure:"stop_loss_points"`
	TakeProfitPoints      float64 `mapstructure:"take_profit_points"`
	TrailActivationPoints float64 `mapstructure:"trail_activation_points"`
	TrailPoints           float64 `mapstructure:"trail_points"`
	MaxExitAttempts       int     `mapstructure:"max_exit_attempts"`
	MaxDailyLossPoints    float64 `mapstructure:"max_daily_loss_points"`
}

// WindowConfig 为一个允许开仓的时段，格式 HH:MM。
type WindowConfig struct {
	Start string `mapstructure:"start"`
	End   string `mapstructure:"end"`
}

// SessionConfig 控制交易时段。
type SessionConfig struct {
	Timezone  string         `mapstructure:"timezone"`
	Windows   []WindowConfig `mapstructure:"windows"`
	SquareOff string         `mapstructure:"square_off"`
}

// SchedulerConfig 控制两个循环的节奏。
type SchedulerConfig struct {
	EntryOffset  time.Duration `mapstructure:"entry_offset"`
	ExitInterval time.Duration `mapstructure:"exit_interval"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// MonitorConfig 控制监控接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// RedisConfig 为可选的单实例锁与状态发布。
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}

	switch c.Broker.Kind {
	case BrokerOpenAlgo:
		if c.Broker.Host == "" {
			err = multierr.Append(err, errors.New("broker.host 不能为空"))
		}
		if c.Broker.APIKey == "" {
			err = multierr.Append(err, errors.New("broker.api_key 不能为空 (或设置 OPENALGO_API_KEY)"))
		}
		if c.Broker.Exchange == "" {
			err = multierr.Append(err, errors.New("broker.exchange 不能为空"))
		}
	case BrokerCCXT:
		if c.CCXT.Name == "" {
			err = multierr.Append(err, errors.New("ccxt.name 不能为空"))
		}
		if c.Instrument.Symbol == "" {
			err = multierr.Append(err, errors.New("ccxt 模式需要配置 instrument.symbol"))
		}
		if c.Strategy.Mode != ModeFutures {
			err = multierr.Append(err, errors.New("ccxt 模式仅支持 strategy.mode=futures"))
		}
		if c.CCXT.Retry.MaxAttempts <= 0 {
			err = multierr.Append(err, errors.New("ccxt.retry.max_attempts 必须大于0"))
		}
		if c.CCXT.Retry.MinDelay > c.CCXT.Retry.MaxDelay {
			err = multierr.Append(err, errors.New("ccxt.retry.min_delay 不能大于 max_delay"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("broker.kind 取值非法: %q", c.Broker.Kind))
	}
	if c.Broker.Timeout <= 0 {
		err = multierr.Append(err, errors.New("broker.timeout 必须大于0"))
	}

	if c.Instrument.Root == "" && c.Instrument.Symbol == "" {
		err = multierr.Append(err, errors.New("instrument.root 与 instrument.symbol 至少配置一个"))
	}
	if c.Instrument.StrikeStep <= 0 {
		err = multierr.Append(err, errors.New("instrument.strike_step 必须大于0"))
	}

	switch c.Strategy.Mode {
	case ModeFutures, ModeOption:
	case ModeSpread:
		if c.Strategy.SpreadWidth <= 0 {
			err = multierr.Append(err, errors.New("strategy.spread_width 必须大于0"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("strategy.mode 取值非法: %q", c.Strategy.Mode))
	}
	if c.Strategy.Quantity <= 0 {
		err = multierr.Append(err, errors.New("strategy.quantity 必须大于0"))
	}
	if c.Strategy.HistoryDays <= 0 {
		err = multierr.Append(err, errors.New("strategy.history_days 必须大于0"))
	}
	if c.Strategy.Interval == "" {
		err = multierr.Append(err, errors.New("strategy.interval 不能为空"))
	}

	if c.Signal.EMAPeriod <= 1 || c.Signal.RSIPeriod <= 1 {
		err = multierr.Append(err, errors.New("signal.ema_period 与 rsi_period 必须大于1"))
	}
	if c.Signal.MACDFast <= 0 || c.Signal.MACDSlow <= c.Signal.MACDFast || c.Signal.MACDSignal <= 0 {
		err = multierr.Append(err, errors.New("signal.macd 参数需满足 0 < fast < slow 且 signal > 0"))
	}
	if c.Signal.RSIOversold <= 0 || c.Signal.RSIOverbought >= 100 || c.Signal.RSIOversold > c.Signal.RSIOverbought {
		err = multierr.Append(err, errors.New("signal.rsi_oversold 必须位于(0, rsi_overbought]，rsi_overbought 必须小于100"))
	}

	if c.Risk.StopLossPoints <= 0 || c.Risk.TakeProfitPoints <= 0 {
		err = multierr.Append(err, errors.New("risk.stop_loss_points 与 take_profit_points 必须大于0"))
	}
	if c.Risk.TrailActivationPoints < 0 || c.Risk.TrailPoints <= 0 {
		err = multierr.Append(err, errors.New("risk.trail_activation_points 不能为负且 trail_points 必须大于0"))
	}
	if c.Risk.MaxExitAttempts < 0 {
		err = multierr.Append(err, errors.New("risk.max_exit_attempts 不能为负"))
	}
	if c.Risk.MaxDailyLossPoints < 0 {
		err = multierr.Append(err, errors.New("risk.max_daily_loss_points 不能为负"))
	}

	if c.Session.Timezone == "" {
		err = multierr.Append(err, errors.New("session.timezone 不能为空"))
	} else if _, locErr := time.LoadLocation(c.Session.Timezone); locErr != nil {
		err = multierr.Append(err, fmt.Errorf("session.timezone 无法解析: %w", locErr))
	}
	if len(c.Session.Windows) == 0 {
		err = multierr.Append(err, errors.New("session.windows 至少包含一个时段"))
	}
	for i, w := range c.Session.Windows {
		if strings.TrimSpace(w.Start) == "" || strings.TrimSpace(w.End) == "" {
			err = multierr.Append(err, fmt.Errorf("session.windows[%d] start/end 不能为空", i))
		}
	}

	if c.Scheduler.EntryOffset < 0 || c.Scheduler.EntryOffset >= time.Minute {
		err = multierr.Append(err, errors.New("scheduler.entry_offset 必须位于[0,1m)"))
	}
	if c.Scheduler.ExitInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.exit_interval 必须大于0"))
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于(0,65535]"))
	}
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			err = multierr.Append(err, errors.New("redis.addr 不能为空"))
		}
		if c.Redis.LockTTL < time.Second {
			err = multierr.Append(err, errors.New("redis.lock_ttl 不应小于1s"))
		}
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
