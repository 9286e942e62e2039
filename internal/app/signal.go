package app

import (
	"perp-engine/internal/engine"
	"perp-engine/internal/market"
)

// EntrySignal 在空仓时给出开仓方向。
// 信号质量不在引擎职责内，任何实现都要经过全部入场闸门。
type EntrySignal interface {
	Evaluate(snap market.Snapshot) (engine.OrderSide, bool)
}

// bandSignal 是默认的波动带均值回归信号：
// 标记价偏离最近成交价超过 widthATR 倍 ATR 时，向中轴方向开仓。
type bandSignal struct {
	widthATR float64
}

func (s bandSignal) Evaluate(snap market.Snapshot) (engine.OrderSide, bool) {
	if snap.LastFillPrice <= 0 || snap.ATR <= 0 || snap.MarkPrice <= 0 {
		return "", false
	}

	upper := snap.LastFillPrice + s.widthATR*snap.ATR
	lower := snap.LastFillPrice - s.widthATR*snap.ATR
	switch {
	case snap.MarkPrice >= upper:
		return engine.OrderSideSell, true
	case snap.MarkPrice <= lower:
		return engine.OrderSideBuy, true
	default:
		return "", false
	}
}
