package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Stop     StopConfig     `mapstructure:"stop"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Sizing   SizingConfig   `mapstructure:"sizing"`
	Entry    EntryConfig    `mapstructure:"entry"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Narrate  NarrateConfig  `mapstructure:"narrate"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ExchangeConfig 描述交易所连接信息。
type ExchangeConfig struct {
	Name       string      `mapstructure:"name"`
	Market     string      `mapstructure:"market"`
	APIKey     string      `mapstructure:"api_key"`
	APISecret  string      `mapstructure:"api_secret"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// StreamConfig 描述私有执行事件流。
type StreamConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	PingInterval  time.Duration `mapstructure:"ping_interval"`
	ReconnectMin  time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax  time.Duration `mapstructure:"reconnect_max"`
	QueueCapacity int           `mapstructure:"queue_capacity"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
}

// EngineConfig 控制 tick 循环与对账。
type EngineConfig struct {
	TickInterval          time.Duration `mapstructure:"tick_interval"`
	ReconcileTimeout      time.Duration `mapstructure:"reconcile_timeout"`
	ReconcileRetryDelay   time.Duration `mapstructure:"reconcile_retry_delay"`
	InconclusiveLimit     int           `mapstructure:"inconclusive_limit"`
	DedupCapacity         int           `mapstructure:"dedup_capacity"`
	StopRecoveryFailLimit int           `mapstructure:"stop_recovery_fail_limit"`
	KillSwitch            bool          `mapstructure:"kill_switch"`
	KillSwitchFile        string        `mapstructure:"kill_switch_file"`
}

// StopConfig 控制止损刷新策略。
type StopConfig struct {
	Debounce        time.Duration `mapstructure:"debounce"`
	DeltaThreshold  float64       `mapstructure:"delta_threshold"`
	AmendRetryLimit int           `mapstructure:"amend_retry_limit"`
	MinDistancePct  float64       `mapstructure:"min_distance_pct"`
	MaxDistancePct  float64       `mapstructure:"max_distance_pct"`
	ATRMultiple     float64       `mapstructure:"atr_multiple"`
}

// RiskConfig 管理会话级熔断参数，百分比字段以 5.0 表示 5%。
type RiskConfig struct {
	DailyCapPct          float64       `mapstructure:"daily_cap_pct"`
	WeeklyCapPct         float64       `mapstructure:"weekly_cap_pct"`
	StreakHaltCount      int           `mapstructure:"streak_halt_count"`
	StreakCooldownCount  int           `mapstructure:"streak_cooldown_count"`
	StreakCooldown       time.Duration `mapstructure:"streak_cooldown"`
	FeeRatioThreshold    float64       `mapstructure:"fee_ratio_threshold"`
	FeeSpikeHalt         time.Duration `mapstructure:"fee_spike_halt"`
	SlippageUSDThreshold float64       `mapstructure:"slippage_usd_threshold"`
	SlippageWindow       time.Duration `mapstructure:"slippage_window"`
	SlippageCount        int           `mapstructure:"slippage_count"`
	SlippageHalt         time.Duration `mapstructure:"slippage_halt"`
}

// SizingConfig 控制仓位测算。
type SizingConfig struct {
	MaxLossUSDT   float64 `mapstructure:"max_loss_usdt"`
	Leverage      float64 `mapstructure:"leverage"`
	FeeRate       float64 `mapstructure:"fee_rate"`
	MarginHaircut float64 `mapstructure:"margin_haircut"`
	LotStep       float64 `mapstructure:"lot_step"`
}

// EntryConfig 控制入场闸门与离场目标。
type EntryConfig struct {
	VolatilityFloor float64       `mapstructure:"volatility_floor"` // 相对 ATR 下限
	MinEVRatio      float64       `mapstructure:"min_ev_ratio"`     // 期望收益须达到双边费用的倍数
	MakerOnly       bool          `mapstructure:"maker_only"`
	TakeProfitPct   float64       `mapstructure:"take_profit_pct"`
	LinkDegradedMax time.Duration `mapstructure:"link_degraded_max"`
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

// NarrateConfig 控制可选的交易叙述生成。
type NarrateConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Exchange.Name == "" {
		err = multierr.Append(err, errors.New("exchange.name 不能为空"))
	}
	if c.Exchange.Market == "" {
		err = multierr.Append(err, errors.New("exchange.market 不能为空"))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}
	if c.Stream.Enabled && c.Stream.URL == "" {
		err = multierr.Append(err, errors.New("stream.url 不能为空"))
	}
	if c.Stream.QueueCapacity < 0 {
		err = multierr.Append(err, errors.New("stream.queue_capacity 不能为负"))
	}
	if c.Engine.TickInterval <= 0 {
		err = multierr.Append(err, errors.New("engine.tick_interval 必须大于0"))
	}
	if c.Engine.ReconcileTimeout <= 0 {
		err = multierr.Append(err, errors.New("engine.reconcile_timeout 必须大于0"))
	}
	if c.Engine.DedupCapacity <= 0 {
		err = multierr.Append(err, errors.New("engine.dedup_capacity 必须大于0"))
	}
	if c.Engine.StopRecoveryFailLimit <= 0 {
		err = multierr.Append(err, errors.New("engine.stop_recovery_fail_limit 必须大于0"))
	}
	if c.Stop.Debounce <= 0 {
		err = multierr.Append(err, errors.New("stop.debounce 必须大于0"))
	}
	if c.Stop.DeltaThreshold <= 0 || c.Stop.DeltaThreshold > 1 {
		err = multierr.Append(err, errors.New("stop.delta_threshold 必须位于(0,1]"))
	}
	if c.Stop.AmendRetryLimit <= 0 {
		err = multierr.Append(err, errors.New("stop.amend_retry_limit 必须大于0"))
	}
	if c.Stop.MinDistancePct < 0 || c.Stop.MaxDistancePct < 0 {
		err = multierr.Append(err, errors.New("stop.distance_pct 不能为负"))
	}
	if c.Stop.MaxDistancePct > 0 && c.Stop.MinDistancePct > c.Stop.MaxDistancePct {
		err = multierr.Append(err, errors.New("stop.min_distance_pct 不能大于 max_distance_pct"))
	}
	if c.Risk.DailyCapPct <= 0 || c.Risk.DailyCapPct > 100 {
		err = multierr.Append(err, errors.New("risk.daily_cap_pct 必须位于(0,100]"))
	}
	if c.Risk.WeeklyCapPct <= 0 || c.Risk.WeeklyCapPct > 100 {
		err = multierr.Append(err, errors.New("risk.weekly_cap_pct 必须位于(0,100]"))
	}
	if c.Risk.StreakHaltCount <= 0 || c.Risk.StreakCooldownCount <= 0 {
		err = multierr.Append(err, errors.New("risk.streak 阈值必须大于0"))
	}
	if c.Risk.StreakHaltCount > c.Risk.StreakCooldownCount {
		err = multierr.Append(err, errors.New("risk.streak_halt_count 不能大于 streak_cooldown_count"))
	}
	if c.Sizing.MaxLossUSDT <= 0 {
		err = multierr.Append(err, errors.New("sizing.max_loss_usdt 必须大于0"))
	}
	if c.Sizing.Leverage <= 0 {
		err = multierr.Append(err, errors.New("sizing.leverage 必须大于0"))
	}
	if c.Sizing.FeeRate < 0 {
		err = multierr.Append(err, errors.New("sizing.fee_rate 不能为负"))
	}
	if c.Sizing.MarginHaircut <= 0 || c.Sizing.MarginHaircut > 1 {
		err = multierr.Append(err, errors.New("sizing.margin_haircut 必须位于(0,1]"))
	}
	if c.Sizing.LotStep <= 0 {
		err = multierr.Append(err, errors.New("sizing.lot_step 必须大于0"))
	}
	if c.Entry.TakeProfitPct < 0 {
		err = multierr.Append(err, errors.New("entry.take_profit_pct 不能为负"))
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
	if c.Narrate.Enabled && c.Narrate.APIKey == "" {
		err = multierr.Append(err, errors.New("narrate.api_key 不能为空"))
	}
	if c.Narrate.Enabled && c.Narrate.Model == "" {
		err = multierr.Append(err, errors.New("narrate.model 不能为空"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
