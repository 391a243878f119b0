package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "confluence"
)

// Load 读取配置文件并结合 .env 与环境变量返回 Config。
func Load(path string) (*Config, error) {
	// .env 缺失时静默忽略。
	_ = godotenv.Load()

	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()
	if err := v.BindEnv("broker.api_key", "CONFLUENCE_BROKER_API_KEY", "OPENALGO_API_KEY"); err != nil {
		return nil, fmt.Errorf("绑定环境变量失败: %w", err)
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Defaults 返回仅包含默认值的配置，主要用于测试。
func Defaults() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg, decodeHook())
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("broker.kind", BrokerOpenAlgo)
	v.SetDefault("broker.host", "http://127.0.0.1:5000")
	v.SetDefault("broker.exchange", "NFO")
	v.SetDefault("broker.product", "MIS")
	v.SetDefault("broker.price_type", "MARKET")
	v.SetDefault("broker.strategy", "confluence")
	v.SetDefault("broker.timeout", "10s")
	v.SetDefault("broker.dry_run", false)

	v.SetDefault("ccxt.name", "binanceusdm")
	v.SetDefault("ccxt.use_sandbox", false)
	v.SetDefault("ccxt.retry.max_attempts", 3)
	v.SetDefault("ccxt.retry.min_delay", "500ms")
	v.SetDefault("ccxt.retry.max_delay", "5s")

	v.SetDefault("instrument.root", "NIFTY")
	v.SetDefault("instrument.symbol", "")
	v.SetDefault("instrument.exclude", []string{"BANK"})
	v.SetDefault("instrument.strike_step", 50)

	v.SetDefault("strategy.mode", ModeOption)
	v.SetDefault("strategy.quantity", 75)
	v.SetDefault("strategy.spread_width", 200)
	v.SetDefault("strategy.history_days", 5)
	v.SetDefault("strategy.interval", "1m")

	v.SetDefault("signal.ema_period", 200)
	v.SetDefault("signal.rsi_period", 14)
	v.SetDefault("signal.rsi_overbought", 55)
	v.SetDefault("signal.rsi_oversold", 45)
	v.SetDefault("signal.macd_fast", 12)
	v.SetDefault("signal.macd_slow", 26)
	v.SetDefault("signal.macd_signal", 9)

	v.SetDefault("risk.stop_loss_points", 20)
	v.SetDefault("risk.take_profit_points", 50)
	v.SetDefault("risk.trail_activation_points", 20)
	v.SetDefault("risk.trail_points", 10)
	v.SetDefault("risk.max_exit_attempts", 10)
	v.SetDefault("risk.max_daily_loss_points", 0)

	v.SetDefault("session.timezone", "Asia/Kolkata")
	v.SetDefault("session.windows", []map[string]interface{}{
		{"start": "09:15", "end": "11:00"},
		{"start": "13:00", "end": "15:00"},
	})
	v.SetDefault("session.square_off", "15:15")

	v.SetDefault("scheduler.entry_offset", "2s")
	v.SetDefault("scheduler.exit_interval", "5s")

	v.SetDefault("database.path", "data/confluence.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.port", 8090)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", "30s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
