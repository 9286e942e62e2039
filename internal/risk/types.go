package risk

import "time"

// CheckResult 为单个熔断器的判定结果。
type CheckResult struct {
	Halted        bool
	Reason        string
	CooldownUntil time.Time
}

// SlippageSample 表示一次成交滑点采样。
type SlippageSample struct {
	USD float64
	At  time.Time
}

// SessionStats 为一次风控评估所需的会话快照，由行情/会话提供方给出。
type SessionStats struct {
	Equity            float64
	DailyRealizedPnL  float64
	WeeklyRealizedPnL float64
	LossStreak        int       // 连续亏损平仓次数
	FeeRatios         []float64 // 费率占比采样，最新在末尾
	Slippages         []SlippageSample
	Now               time.Time
}

// Config 管理会话级熔断参数。亏损上限均为百分比（5.0 表示 5%）。
type Config struct {
	DailyCapPct  float64 `mapstructure:"daily_cap_pct"`
	WeeklyCapPct float64 `mapstructure:"weekly_cap_pct"`

	StreakHaltCount     int           `mapstructure:"streak_halt_count"`
	StreakCooldownCount int           `mapstructure:"streak_cooldown_count"`
	StreakCooldown      time.Duration `mapstructure:"streak_cooldown"`

	FeeRatioThreshold float64       `mapstructure:"fee_ratio_threshold"`
	FeeSpikeHalt      time.Duration `mapstructure:"fee_spike_halt"`

	SlippageUSDThreshold float64       `mapstructure:"slippage_usd_threshold"`
	SlippageWindow       time.Duration `mapstructure:"slippage_window"`
	SlippageCount        int           `mapstructure:"slippage_count"`
	SlippageHalt         time.Duration `mapstructure:"slippage_halt"`
}

// DefaultConfig 返回默认熔断参数。
func DefaultConfig() Config {
	return Config{
		DailyCapPct:          5.0,
		WeeklyCapPct:         10.0,
		StreakHaltCount:      3,
		StreakCooldownCount:  5,
		StreakCooldown:       72 * time.Hour,
		FeeRatioThreshold:    0.35,
		FeeSpikeHalt:         30 * time.Minute,
		SlippageUSDThreshold: 5.0,
		SlippageWindow:       10 * time.Minute,
		SlippageCount:        3,
		SlippageHalt:         60 * time.Minute,
	}
}
