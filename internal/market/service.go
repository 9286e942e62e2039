// Package market 提供引擎每个 tick 所需的行情与会话状态快照。
package market

import (
	"context"
	"fmt"
	"time"

	talib "github.com/markcheno/go-talib"
	"go.uber.org/zap"

	"perp-engine/internal/exchange"
	"perp-engine/internal/risk"
)

const (
	atrPeriod    = 14
	candleLimit  = 64
	atrTimeframe = "1m"
)

type dataClient interface {
	FetchCandles(ctx context.Context, timeframe string, limit int64) ([]exchange.Candle, error)
	FetchMarkPrice(ctx context.Context) (float64, error)
	FetchEquity(ctx context.Context) (float64, error)
}

// Snapshot 为一次 tick 的行情与会话状态聚合。
type Snapshot struct {
	MarkPrice   float64
	Equity      float64
	ATR         float64 // 绝对波动率
	ATRRelative float64 // ATR / 标记价

	DailyRealizedPnL  float64
	WeeklyRealizedPnL float64
	LossStreak        int
	TradesToday       int
	LastFillPrice     float64

	FeeRatios []float64
	Slippages []risk.SlippageSample

	LinkDegraded    bool
	LinkDegradedFor time.Duration

	Now time.Time
}

// SessionStats 把快照转换为风控评估输入。
func (s Snapshot) SessionStats() risk.SessionStats {
	return risk.SessionStats{
		Equity:            s.Equity,
		DailyRealizedPnL:  s.DailyRealizedPnL,
		WeeklyRealizedPnL: s.WeeklyRealizedPnL,
		LossStreak:        s.LossStreak,
		FeeRatios:         s.FeeRatios,
		Slippages:         s.Slippages,
		Now:               s.Now,
	}
}

// Service 聚合交易所行情查询与会话统计。
type Service struct {
	client  dataClient
	session *SessionTracker
	logger  *zap.Logger
}

// NewService 创建行情服务。
func NewService(client dataClient, session *SessionTracker, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if session == nil {
		session = NewSessionTracker()
	}
	return &Service{
		client:  client,
		session: session,
		logger:  logger,
	}
}

// Session 返回底层会话统计器，供事件流与执行器写入。
func (s *Service) Session() *SessionTracker {
	return s.session
}

// GetSnapshot 拉取标记价、净值与波动率，并合并会话统计。
func (s *Service) GetSnapshot(ctx context.Context) (Snapshot, error) {
	now := time.Now().UTC()
	snap := Snapshot{Now: now}

	price, err := s.client.FetchMarkPrice(ctx)
	if err != nil {
		return snap, fmt.Errorf("market: 获取标记价格失败: %w", err)
	}
	snap.MarkPrice = price

	equity, err := s.client.FetchEquity(ctx)
	if err != nil {
		return snap, fmt.Errorf("market: 获取账户净值失败: %w", err)
	}
	snap.Equity = equity

	candles, err := s.client.FetchCandles(ctx, atrTimeframe, candleLimit)
	if err != nil {
		return snap, fmt.Errorf("market: 获取K线失败: %w", err)
	}
	atr, err := computeATR(candles)
	if err != nil {
		return snap, fmt.Errorf("market: 计算波动率失败: %w", err)
	}
	snap.ATR = atr
	if price > 0 {
		snap.ATRRelative = atr / price
	}

	s.session.fill(&snap, now)
	return snap, nil
}

// computeATR 由K线计算 ATR(14) 绝对值。
func computeATR(candles []exchange.Candle) (float64, error) {
	if len(candles) <= atrPeriod {
		return 0, fmt.Errorf("K线数量不足: %d", len(candles))
	}

	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	for i, c := range candles {
		highs[i] = c.High
		lows[i] = c.Low
		closes[i] = c.Close
	}

	atr := talib.Atr(highs, lows, closes, atrPeriod)
	last := atr[len(atr)-1]
	if last <= 0 {
		return 0, fmt.Errorf("ATR 计算结果无效: %f", last)
	}
	return last, nil
}
