package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"perp-engine/internal/config"
	"perp-engine/internal/engine"
)

// Client 基于 ccxt 实现 Gateway，并承担重试与错误归一化。
type Client struct {
	cfg      config.ExchangeConfig
	logger   *zap.Logger
	exchange *ccxt.Binanceusdm
	symbol   string

	marketsMu     sync.Mutex
	marketsLoaded bool
}

var _ Gateway = (*Client)(nil)

// NewClient 构造 Binance USDⓈ-M 网关。
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Market == "" {
		return nil, errors.New("exchange: market 不能为空")
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		},
	}

	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}

	ex := ccxt.NewBinanceusdm(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &Client{
		cfg:      cfg,
		logger:   logger,
		exchange: ex,
		symbol:   cfg.Market,
	}, nil
}

// Symbol 返回交易对符号。
func (c *Client) Symbol() string {
	return c.symbol
}

// Raw 返回底层 ccxt 客户端。
func (c *Client) Raw() *ccxt.Binanceusdm {
	return c.exchange
}

// NewClientID 生成带前缀的幂等客户端订单号。
func NewClientID() string {
	return "eng-" + uuid.NewString()
}

// FetchPosition 查询当前仓位。无仓位是正常结果，不是错误。
func (c *Client) FetchPosition(ctx context.Context) (PositionState, error) {
	var raw []ccxt.Position
	err := c.callWithRetry(ctx, "fetch_positions", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := c.exchange.FetchPositions()
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return PositionState{}, err
	}

	for _, pos := range raw {
		symbol := derefString(pos.Symbol)
		if symbol == "" || !strings.EqualFold(symbol, c.symbol) {
			continue
		}
		size := derefFloat(pos.Contracts)
		if size == 0 {
			continue
		}

		dir := engine.DirectionLong
		qty := size
		if strings.EqualFold(derefString(pos.Side), "short") {
			dir = engine.DirectionShort
			qty = -size
		}
		return PositionState{
			Exists:     true,
			Quantity:   qty,
			EntryPrice: derefFloat(pos.EntryPrice),
			Direction:  dir,
		}, nil
	}

	return PositionState{}, nil
}

// FetchOpenOrder 查询指定订单是否仍在活动委托中。
func (c *Client) FetchOpenOrder(ctx context.Context, orderID string) (OrderState, bool, error) {
	var raw []ccxt.Order
	err := c.callWithRetry(ctx, "fetch_open_orders", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := c.exchange.FetchOpenOrders(ccxt.WithFetchOpenOrdersSymbol(c.symbol))
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return OrderState{}, false, err
	}

	for _, order := range raw {
		if derefString(order.Id) == orderID {
			return convertOrder(order), true, nil
		}
	}
	return OrderState{}, false, nil
}

// FetchExecutions 查询指定订单的成交明细。
func (c *Client) FetchExecutions(ctx context.Context, orderID string) ([]Execution, error) {
	var raw []ccxt.Trade
	err := c.callWithRetry(ctx, "fetch_my_trades", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := c.exchange.FetchMyTrades(ccxt.WithFetchMyTradesSymbol(c.symbol))
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	executions := make([]Execution, 0, len(raw))
	for _, trade := range raw {
		if derefString(trade.Order) != orderID {
			continue
		}
		var fee float64
		if trade.Fee.Cost != nil {
			fee = *trade.Fee.Cost
		}
		var at time.Time
		if trade.Timestamp != nil {
			at = time.UnixMilli(*trade.Timestamp).UTC()
		}
		executions = append(executions, Execution{
			ExecID:   derefString(trade.Id),
			OrderID:  orderID,
			Quantity: derefFloat(trade.Amount),
			Price:    derefFloat(trade.Price),
			Fee:      fee,
			At:       at,
		})
	}
	return executions, nil
}

// FetchOrderHistory 查询订单历史状态。订单不存在返回 found=false 而非错误。
func (c *Client) FetchOrderHistory(ctx context.Context, orderID string) (OrderState, bool, error) {
	var raw ccxt.Order
	var notFound bool
	err := c.callWithRetry(ctx, "fetch_order", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := c.exchange.FetchOrder(orderID, ccxt.WithFetchOrderSymbol(c.symbol))
		if err != nil {
			if IsNotFound(err) {
				notFound = true
				return nil
			}
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return OrderState{}, false, err
	}
	if notFound {
		return OrderState{}, false, nil
	}
	return convertOrder(raw), true, nil
}

// PlaceOrder 提交委托。
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if req.Quantity <= 0 {
		return OrderAck{}, fmt.Errorf("exchange: 下单数量非法 %.8f", req.Quantity)
	}

	params := map[string]interface{}{}
	if req.ClientID != "" {
		params["clientOrderId"] = req.ClientID
	}
	if req.ReduceOnly {
		params["reduceOnly"] = true
	}
	if req.PostOnly {
		params["postOnly"] = true
	}

	orderType := req.Type
	if orderType == "" {
		orderType = "market"
	}
	if orderType == "stop_market" {
		orderType = "market"
		params["triggerPrice"] = req.TriggerPrice
	}

	opts := []ccxt.CreateOrderOptions{ccxt.WithCreateOrderParams(params)}
	if orderType == "limit" {
		opts = append(opts, ccxt.WithCreateOrderPrice(req.Price))
	}

	var raw ccxt.Order
	err := c.callWithRetry(ctx, "create_order", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := c.exchange.CreateOrder(c.symbol, orderType, string(req.Side), req.Quantity, opts...)
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return OrderAck{}, err
	}

	return OrderAck{
		OrderID:  derefString(raw.Id),
		ClientID: req.ClientID,
	}, nil
}

// CancelOrder 撤销委托。
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.callWithRetry(ctx, "cancel_order", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		_, err := c.exchange.CancelOrder(orderID, ccxt.WithCancelOrderSymbol(c.symbol))
		return err
	})
}

// AmendOrder 修改委托。交易所不支持时返回 ErrAmendNotSupported，
// 调用方回退为撤销重挂。
func (c *Client) AmendOrder(ctx context.Context, orderID string, req AmendRequest) (OrderAck, error) {
	params := map[string]interface{}{}
	if req.TriggerPrice > 0 {
		params["triggerPrice"] = req.TriggerPrice
	}

	opts := []ccxt.EditOrderOptions{ccxt.WithEditOrderParams(params)}
	if req.Quantity > 0 {
		opts = append(opts, ccxt.WithEditOrderAmount(req.Quantity))
	}
	if req.Price > 0 {
		opts = append(opts, ccxt.WithEditOrderPrice(req.Price))
	}

	var raw ccxt.Order
	err := c.callWithRetry(ctx, "edit_order", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := c.exchange.EditOrder(orderID, c.symbol, req.Type, string(req.Side), opts...)
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		if IsAmendUnsupported(err) {
			return OrderAck{}, fmt.Errorf("%w: %s", ErrAmendNotSupported, err.Error())
		}
		return OrderAck{}, err
	}

	return OrderAck{OrderID: derefString(raw.Id)}, nil
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	if c.marketsLoaded {
		return nil
	}

	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	loadErr := c.callWithRetry(ctx, "load_markets", func() error {
		_, err := c.exchange.LoadMarkets()
		return err
	})
	if loadErr != nil {
		return loadErr
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载", zap.String("symbol", c.symbol))
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	maxAttempts := c.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := c.classifyError(err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			c.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= maxAttempts {
			c.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (c *Client) classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return err, true
		case ccxt.OnMaintenanceErrType:
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		default:
			return err, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}

func convertOrder(order ccxt.Order) OrderState {
	state := OrderState{
		OrderID:        derefString(order.Id),
		ClientID:       derefString(order.ClientOrderId),
		Quantity:       derefFloat(order.Amount),
		FilledQuantity: derefFloat(order.Filled),
		AveragePrice:   derefFloat(order.Average),
	}

	if order.LastUpdateTimestamp != nil {
		state.UpdatedAt = time.UnixMilli(*order.LastUpdateTimestamp).UTC()
	} else if order.Timestamp != nil {
		state.UpdatedAt = time.UnixMilli(*order.Timestamp).UTC()
	}

	switch strings.ToLower(derefString(order.Status)) {
	case "open":
		state.Status = OrderStatusOpen
	case "closed":
		state.Status = OrderStatusFilled
	case "canceled", "cancelled", "expired":
		state.Status = OrderStatusCancelled
	case "rejected":
		state.Status = OrderStatusRejected
	default:
		state.Status = OrderStatusUnknown
	}
	return state
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
