// Package risk 实现会话级风控熔断：五个相互独立、与求值顺序无关的断路器。
// 任何一个触发都会在当前 tick 内压制后续全部交易逻辑。
package risk

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"perp-engine/internal/engine"
)

// Manager 负责执行会话级熔断评估。
type Manager struct {
	cfg     Config
	journal *Journal
	logger  *zap.Logger
}

// NewManager 创建风险管理器。journal 可为 nil（不落盘）。
func NewManager(cfg Config, journal *Journal, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{cfg: cfg, journal: journal, logger: logger}
}

// Evaluate 按固定顺序执行全部熔断检查，返回第一个触发的结果。
// 各检查彼此独立，顺序只影响返回哪一个原因，不影响是否停机。
func (m *Manager) Evaluate(ctx context.Context, stats SessionStats) CheckResult {
	checks := []func(SessionStats) CheckResult{
		m.CheckDailyLossCap,
		m.CheckWeeklyLossCap,
		m.CheckLossStreak,
		m.CheckFeeSpike,
		m.CheckSlippageSpike,
	}

	for _, check := range checks {
		result := check(stats)
		if result.Halted {
			m.logger.Warn("会话熔断触发",
				zap.String("reason", result.Reason),
				zap.Time("cooldown_until", result.CooldownUntil),
			)
			if m.journal != nil {
				detail := fmt.Sprintf("cooldown_until=%s equity=%.2f", result.CooldownUntil.Format(time.RFC3339), stats.Equity)
				if err := m.journal.LogEvent(ctx, result.Reason, "会话熔断触发", detail); err != nil {
					m.logger.Warn("记录熔断事件失败", zap.Error(err))
				}
			}
			return result
		}
	}

	return CheckResult{}
}

// CheckDailyLossCap 日度亏损上限：超限后停机至下一个 UTC 零点。
func (m *Manager) CheckDailyLossCap(stats SessionStats) CheckResult {
	if m.cfg.DailyCapPct <= 0 || stats.Equity <= 0 {
		return CheckResult{}
	}
	lossPct := stats.DailyRealizedPnL / stats.Equity * 100
	if lossPct <= -m.cfg.DailyCapPct {
		return CheckResult{
			Halted:        true,
			Reason:        engine.ReasonDailyLossCap,
			CooldownUntil: nextUTCMidnight(stats.Now),
		}
	}
	return CheckResult{}
}

// CheckWeeklyLossCap 周度亏损上限：超限后冷却 7 天。
func (m *Manager) CheckWeeklyLossCap(stats SessionStats) CheckResult {
	if m.cfg.WeeklyCapPct <= 0 || stats.Equity <= 0 {
		return CheckResult{}
	}
	lossPct := stats.WeeklyRealizedPnL / stats.Equity * 100
	if lossPct <= -m.cfg.WeeklyCapPct {
		return CheckResult{
			Halted:        true,
			Reason:        engine.ReasonWeeklyLossCap,
			CooldownUntil: stats.Now.Add(7 * 24 * time.Hour),
		}
	}
	return CheckResult{}
}

// CheckLossStreak 连续亏损熔断。5 连亏先于 3 连亏判定，因为其结果更严格。
func (m *Manager) CheckLossStreak(stats SessionStats) CheckResult {
	cooldownCount := m.cfg.StreakCooldownCount
	if cooldownCount <= 0 {
		cooldownCount = 5
	}
	haltCount := m.cfg.StreakHaltCount
	if haltCount <= 0 {
		haltCount = 3
	}

	if stats.LossStreak >= cooldownCount {
		cooldown := m.cfg.StreakCooldown
		if cooldown <= 0 {
			cooldown = 72 * time.Hour
		}
		return CheckResult{
			Halted:        true,
			Reason:        engine.ReasonLossStreakCooldown,
			CooldownUntil: stats.Now.Add(cooldown),
		}
	}
	if stats.LossStreak >= haltCount {
		return CheckResult{
			Halted:        true,
			Reason:        engine.ReasonLossStreakHalt,
			CooldownUntil: nextUTCMidnight(stats.Now),
		}
	}
	return CheckResult{}
}

// CheckFeeSpike 费率异常：最近两次费率采样均超阈值则短暂停机。
func (m *Manager) CheckFeeSpike(stats SessionStats) CheckResult {
	if m.cfg.FeeRatioThreshold <= 0 || len(stats.FeeRatios) < 2 {
		return CheckResult{}
	}
	last := stats.FeeRatios[len(stats.FeeRatios)-1]
	prev := stats.FeeRatios[len(stats.FeeRatios)-2]
	if last > m.cfg.FeeRatioThreshold && prev > m.cfg.FeeRatioThreshold {
		halt := m.cfg.FeeSpikeHalt
		if halt <= 0 {
			halt = 30 * time.Minute
		}
		return CheckResult{
			Halted:        true,
			Reason:        engine.ReasonFeeSpike,
			CooldownUntil: stats.Now.Add(halt),
		}
	}
	return CheckResult{}
}

// CheckSlippageSpike 滑点异常：滑动窗口内超阈值采样达到指定次数则停机。
func (m *Manager) CheckSlippageSpike(stats SessionStats) CheckResult {
	if m.cfg.SlippageUSDThreshold <= 0 {
		return CheckResult{}
	}
	window := m.cfg.SlippageWindow
	if window <= 0 {
		window = 10 * time.Minute
	}
	need := m.cfg.SlippageCount
	if need <= 0 {
		need = 3
	}

	cutoff := stats.Now.Add(-window)
	count := 0
	for _, sample := range stats.Slippages {
		if sample.At.Before(cutoff) {
			continue
		}
		if sample.USD > m.cfg.SlippageUSDThreshold {
			count++
		}
	}
	if count >= need {
		halt := m.cfg.SlippageHalt
		if halt <= 0 {
			halt = 60 * time.Minute
		}
		return CheckResult{
			Halted:        true,
			Reason:        engine.ReasonSlippageSpike,
			CooldownUntil: stats.Now.Add(halt),
		}
	}
	return CheckResult{}
}

func nextUTCMidnight(now time.Time) time.Time {
	utc := now.UTC()
	day := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	return day.Add(24 * time.Hour)
}
