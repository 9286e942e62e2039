package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// FetchCandles 获取指定周期的K线数据。
func (c *Client) FetchCandles(ctx context.Context, timeframe string, limit int64) ([]Candle, error) {
	if limit <= 0 {
		limit = 1
	}

	var raw []ccxt.OHLCV

	err := c.callWithRetry(ctx, fmt.Sprintf("fetch_ohlcv_%s", timeframe), func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		result, err := c.exchange.FetchOHLCV(
			c.symbol,
			ccxt.WithFetchOHLCVTimeframe(timeframe),
			ccxt.WithFetchOHLCVLimit(limit),
		)
		if err != nil {
			return err
		}

		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(raw))
	for _, item := range raw {
		ts := time.UnixMilli(item.Timestamp).UTC()
		candles = append(candles, Candle{
			Timestamp: ts,
			Open:      item.Open,
			High:      item.High,
			Low:       item.Low,
			Close:     item.Close,
			Volume:    item.Volume,
		})
	}

	return candles, nil
}

// FetchMarkPrice 获取当前标记价格。
func (c *Client) FetchMarkPrice(ctx context.Context) (float64, error) {
	var price float64
	err := c.callWithRetry(ctx, "fetch_ticker", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		ticker, err := c.exchange.FetchTicker(c.symbol)
		if err != nil {
			return err
		}
		price = derefFloat(ticker.Last)
		if price <= 0 {
			price = derefFloat(ticker.Close)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if price <= 0 {
		return 0, errors.New("exchange: 标记价格无效")
	}
	return price, nil
}

// FetchEquity 获取账户净值（USDT 口径）。
func (c *Client) FetchEquity(ctx context.Context) (float64, error) {
	var equity float64
	err := c.callWithRetry(ctx, "fetch_balance", func() error {
		balances, err := c.exchange.FetchBalance()
		if err != nil {
			return err
		}
		if balances.Total != nil {
			for _, code := range []string{"USDT", "USD", "USDC"} {
				if total, ok := balances.Total[code]; ok && total != nil && *total > 0 {
					equity = *total
					return nil
				}
			}
			for _, v := range balances.Total {
				if v != nil && *v > 0 {
					equity = *v
					return nil
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if equity <= 0 {
		return 0, errors.New("exchange: 账户净值无效")
	}
	return equity, nil
}
