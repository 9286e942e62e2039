package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "engine"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
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

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("exchange.name", "binanceusdm")
	v.SetDefault("exchange.market", "BTC/USDT:USDT")
	v.SetDefault("exchange.use_sandbox", false)
	v.SetDefault("exchange.retry.max_attempts", 5)
	v.SetDefault("exchange.retry.min_delay", "500ms")
	v.SetDefault("exchange.retry.max_delay", "5s")

	v.SetDefault("stream.enabled", true)
	v.SetDefault("stream.ping_interval", "30s")
	v.SetDefault("stream.reconnect_min", "1s")
	v.SetDefault("stream.reconnect_max", "30s")
	v.SetDefault("stream.queue_capacity", 4096)
	v.SetDefault("stream.read_timeout", "90s")

	v.SetDefault("engine.tick_interval", "1s")
	v.SetDefault("engine.reconcile_timeout", "10s")
	v.SetDefault("engine.reconcile_retry_delay", "500ms")
	v.SetDefault("engine.inconclusive_limit", 2)
	v.SetDefault("engine.dedup_capacity", 1000)
	v.SetDefault("engine.stop_recovery_fail_limit", 3)
	v.SetDefault("engine.kill_switch", false)
	v.SetDefault("engine.kill_switch_file", "data/kill.flag")

	v.SetDefault("stop.debounce", "2s")
	v.SetDefault("stop.delta_threshold", 0.20)
	v.SetDefault("stop.amend_retry_limit", 2)
	v.SetDefault("stop.min_distance_pct", 0.002)
	v.SetDefault("stop.max_distance_pct", 0.05)
	v.SetDefault("stop.atr_multiple", 2.0)

	v.SetDefault("risk.daily_cap_pct", 5.0)
	v.SetDefault("risk.weekly_cap_pct", 10.0)
	v.SetDefault("risk.streak_halt_count", 3)
	v.SetDefault("risk.streak_cooldown_count", 5)
	v.SetDefault("risk.streak_cooldown", "72h")
	v.SetDefault("risk.fee_ratio_threshold", 0.35)
	v.SetDefault("risk.fee_spike_halt", "30m")
	v.SetDefault("risk.slippage_usd_threshold", 5.0)
	v.SetDefault("risk.slippage_window", "10m")
	v.SetDefault("risk.slippage_count", 3)
	v.SetDefault("risk.slippage_halt", "60m")

	v.SetDefault("sizing.max_loss_usdt", 20.0)
	v.SetDefault("sizing.leverage", 5.0)
	v.SetDefault("sizing.fee_rate", 0.0005)
	v.SetDefault("sizing.margin_haircut", 0.80)
	v.SetDefault("sizing.lot_step", 0.001)

	v.SetDefault("entry.volatility_floor", 0.0008)
	v.SetDefault("entry.min_ev_ratio", 2.0)
	v.SetDefault("entry.maker_only", true)
	v.SetDefault("entry.take_profit_pct", 1.0)
	v.SetDefault("entry.link_degraded_max", "15s")

	v.SetDefault("database.path", "data/perp_engine.db")
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
	v.SetDefault("monitor.port", 8686)

	v.SetDefault("narrate.enabled", false)
	v.SetDefault("narrate.base_url", "https://api.openai.com/v1")
	v.SetDefault("narrate.model", "gpt-4.1-mini")
	v.SetDefault("narrate.timeout", "15s")
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
