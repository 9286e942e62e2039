package market

import (
	"sync"
	"time"

	"perp-engine/internal/risk"
)

const (
	feeRatioKeep = 16
	slippageKeep = 64
)

// SessionTracker 维护跨 tick 的会话统计：已实现盈亏、连亏计数、
// 费率与滑点采样、链路健康度。事件流与 tick 循环都可能写入，需要加锁。
type SessionTracker struct {
	mu sync.Mutex

	day  time.Time // 当前统计日（UTC 零点）
	week time.Time // 当前统计周（UTC 周一零点）

	dailyRealized  float64
	weeklyRealized float64
	lossStreak     int
	tradesToday    int
	lastFillPrice  float64

	feeRatios []float64
	slippages []risk.SlippageSample

	linkDegraded      bool
	linkDegradedSince time.Time
}

// NewSessionTracker 创建会话统计器。
func NewSessionTracker() *SessionTracker {
	return &SessionTracker{}
}

// RecordTradeClose 登记一笔平仓：滚动日/周窗口并更新连亏与采样。
func (t *SessionTracker) RecordTradeClose(pnl, fee, feeRatio, slippageUSD float64, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollover(at)

	t.dailyRealized += pnl
	t.weeklyRealized += pnl
	t.tradesToday++

	if pnl < 0 {
		t.lossStreak++
	} else {
		t.lossStreak = 0
	}

	t.feeRatios = append(t.feeRatios, feeRatio)
	if len(t.feeRatios) > feeRatioKeep {
		t.feeRatios = t.feeRatios[len(t.feeRatios)-feeRatioKeep:]
	}
	if slippageUSD != 0 {
		t.slippages = append(t.slippages, risk.SlippageSample{USD: slippageUSD, At: at})
		if len(t.slippages) > slippageKeep {
			t.slippages = t.slippages[len(t.slippages)-slippageKeep:]
		}
	}
}

// RecordFill 登记最近一次成交价。
func (t *SessionTracker) RecordFill(price float64) {
	if price <= 0 {
		return
	}
	t.mu.Lock()
	t.lastFillPrice = price
	t.mu.Unlock()
}

// SetLinkDegraded 更新链路健康度，由事件流在断线/重连时调用。
func (t *SessionTracker) SetLinkDegraded(degraded bool, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if degraded && !t.linkDegraded {
		t.linkDegradedSince = at
	}
	t.linkDegraded = degraded
	if !degraded {
		t.linkDegradedSince = time.Time{}
	}
}

// fill 把会话统计写入快照。
func (t *SessionTracker) fill(snap *Snapshot, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollover(now)

	snap.DailyRealizedPnL = t.dailyRealized
	snap.WeeklyRealizedPnL = t.weeklyRealized
	snap.LossStreak = t.lossStreak
	snap.TradesToday = t.tradesToday
	snap.LastFillPrice = t.lastFillPrice

	snap.FeeRatios = append(snap.FeeRatios[:0], t.feeRatios...)
	snap.Slippages = append(snap.Slippages[:0], t.slippages...)

	snap.LinkDegraded = t.linkDegraded
	if t.linkDegraded && !t.linkDegradedSince.IsZero() {
		snap.LinkDegradedFor = now.Sub(t.linkDegradedSince)
	}
}

// rollover 在跨日/跨周时清零对应窗口的统计。
func (t *SessionTracker) rollover(now time.Time) {
	utc := now.UTC()
	day := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	if !day.Equal(t.day) {
		t.day = day
		t.dailyRealized = 0
		t.tradesToday = 0
	}

	weekday := int(utc.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	week := day.AddDate(0, 0, -(weekday - 1))
	if !week.Equal(t.week) {
		t.week = week
		t.weeklyRealized = 0
	}
}
