// Package stop 决定何时以及如何刷新持仓的保护性止损单。
// "本 tick 是否需要动止损" 与 "用什么方式动" 是两个独立判断。
package stop

import (
	"math"
	"time"

	"go.uber.org/zap"

	"perp-engine/internal/engine"
)

// Config 控制止损刷新策略。
type Config struct {
	Debounce        time.Duration // 两次更新之间的最小间隔
	DeltaThreshold  float64       // 仓位量与止损量的相对偏差阈值
	AmendRetryLimit int           // 修改失败达到该次数后改为撤销重挂
	MinDistancePct  float64       // 止损距入场价的最小相对距离
	MaxDistancePct  float64       // 止损距入场价的最大相对距离
	ATRMultiple     float64       // 波动率倍数
}

// DefaultConfig 返回默认策略参数。
func DefaultConfig() Config {
	return Config{
		Debounce:        2 * time.Second,
		DeltaThreshold:  0.20,
		AmendRetryLimit: 2,
		MinDistancePct:  0.002,
		MaxDistancePct:  0.05,
		ATRMultiple:     2.0,
	}
}

// PriceResult 为止损价计算结果。
type PriceResult struct {
	Price    float64
	Breached bool // 计算出的止损价已被当前标记价击穿
}

// Policy 实现止损刷新决策。
type Policy struct {
	cfg    Config
	logger *zap.Logger
}

// NewPolicy 创建止损策略。
func NewPolicy(cfg Config, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	if cfg.DeltaThreshold <= 0 {
		cfg.DeltaThreshold = 0.20
	}
	if cfg.AmendRetryLimit <= 0 {
		cfg.AmendRetryLimit = 2
	}
	if cfg.ATRMultiple <= 0 {
		cfg.ATRMultiple = 2.0
	}
	return &Policy{cfg: cfg, logger: logger}
}

// ShouldUpdate 判断本 tick 是否需要刷新止损。
// 入场委托尚未成交完毕时不动；防抖间隔内不动；
// 仓位量与止损量偏差低于阈值时不动；止损量为零则必须更新。
func (p *Policy) ShouldUpdate(pos *engine.Position, now time.Time) bool {
	if pos == nil {
		return false
	}
	if pos.EntryWorking {
		return false
	}
	if !pos.StopUpdatedAt.IsZero() && now.Sub(pos.StopUpdatedAt) < p.cfg.Debounce {
		return false
	}
	if pos.StopQuantity != 0 {
		delta := math.Abs(pos.AbsQuantity()-pos.StopQuantity) / pos.StopQuantity
		if delta < p.cfg.DeltaThreshold {
			return false
		}
	}
	return true
}

// DetermineAction 决定刷新方式。修改优先于撤销重挂，避免出现无保护窗口。
func (p *Policy) DetermineAction(pos *engine.Position) engine.StopAction {
	if pos.StopStatus == engine.StopMissing || pos.StopOrderID == "" {
		return engine.StopPlace
	}
	if pos.StopStatus == engine.StopError || pos.StopAmendFails >= p.cfg.AmendRetryLimit {
		return engine.StopCancelAndPlace
	}
	return engine.StopAmend
}

// Price 由波动率推导新止损价，并钳位到距入场价的最小/最大距离内。
// 若计算出的止损价已被当前标记价击穿，更新仍然继续（记录日志）——
// 已被击穿却未挂出的止损比冗余更新危险得多。
func (p *Policy) Price(pos *engine.Position, atr, markPrice float64) PriceResult {
	entry := pos.EntryPrice
	dist := p.cfg.ATRMultiple * atr
	if min := entry * p.cfg.MinDistancePct; p.cfg.MinDistancePct > 0 && dist < min {
		dist = min
	}
	if max := entry * p.cfg.MaxDistancePct; p.cfg.MaxDistancePct > 0 && dist > max {
		dist = max
	}

	var price float64
	var breached bool
	if pos.Direction == engine.DirectionShort {
		price = entry + dist
		breached = markPrice > 0 && markPrice >= price
	} else {
		price = entry - dist
		breached = markPrice > 0 && markPrice <= price
	}

	if breached {
		p.logger.Warn("止损价已被当前标记价击穿，仍继续更新",
			zap.Float64("stop_price", price),
			zap.Float64("mark_price", markPrice),
			zap.String("direction", pos.Direction.String()),
		)
	}

	return PriceResult{Price: price, Breached: breached}
}
