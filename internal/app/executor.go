package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"perp-engine/internal/config"
	"perp-engine/internal/engine"
	"perp-engine/internal/exchange"
)

// executor 把状态机产生的意图落地为交易所委托，
// 并把结果（止损子状态、失败计数）回写到仓位上。
type executor struct {
	gateway exchange.Gateway
	cfg     config.StopConfig
	logger  *zap.Logger
}

func newExecutor(gateway exchange.Gateway, cfg config.StopConfig, logger *zap.Logger) *executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &executor{
		gateway: gateway,
		cfg:     cfg,
		logger:  logger,
	}
}

func exitSide(direction engine.Direction) engine.OrderSide {
	if direction == engine.DirectionLong {
		return engine.OrderSideSell
	}
	return engine.OrderSideBuy
}

// installStop 下达止损单并回写仓位元数据。
func (x *executor) installStop(ctx context.Context, pos *engine.Position, price, quantity float64) error {
	ack, err := x.gateway.PlaceOrder(ctx, exchange.OrderRequest{
		Side:         exitSide(pos.Direction),
		Type:         "stop_market",
		Quantity:     quantity,
		TriggerPrice: price,
		ReduceOnly:   true,
		ClientID:     exchange.NewClientID(),
	})
	if err != nil {
		return fmt.Errorf("app: 下达止损单失败: %w", err)
	}

	pos.StopOrderID = ack.OrderID
	pos.StopPrice = price
	pos.StopQuantity = quantity
	pos.StopStatus = engine.StopActive
	pos.StopAmendFails = 0
	pos.StopUpdatedAt = time.Now().UTC()

	x.logger.Info("止损单已下达",
		zap.String("order_id", ack.OrderID),
		zap.Float64("trigger_price", price),
		zap.Float64("quantity", quantity))
	return nil
}

// amendStop 调整现有止损的触发价与数量。
// 交易所不支持改单、或连续失败达到上限时，回退为撤销重下。
func (x *executor) amendStop(ctx context.Context, pos *engine.Position, price, quantity float64) error {
	_, err := x.gateway.AmendOrder(ctx, pos.StopOrderID, exchange.AmendRequest{
		Type:         "market",
		Side:         exitSide(pos.Direction),
		Quantity:     quantity,
		TriggerPrice: price,
	})
	if err != nil {
		if exchange.IsAmendUnsupported(err) {
			return x.replaceStop(ctx, pos, price, quantity)
		}
		pos.StopAmendFails++
		if pos.StopAmendFails >= x.cfg.AmendRetryLimit {
			x.logger.Warn("止损改单连续失败，转为撤销重下",
				zap.String("order_id", pos.StopOrderID),
				zap.Int("fails", pos.StopAmendFails))
			return x.replaceStop(ctx, pos, price, quantity)
		}
		pos.StopStatus = engine.StopError
		return fmt.Errorf("app: 止损改单失败: %w", err)
	}

	pos.StopPrice = price
	pos.StopQuantity = quantity
	pos.StopStatus = engine.StopActive
	pos.StopAmendFails = 0
	pos.StopUpdatedAt = time.Now().UTC()
	return nil
}

// replaceStop 撤销现有止损后重新下单。撤单阶段容忍订单已不存在。
func (x *executor) replaceStop(ctx context.Context, pos *engine.Position, price, quantity float64) error {
	if pos.StopOrderID != "" {
		if err := x.gateway.CancelOrder(ctx, pos.StopOrderID); err != nil && !exchange.IsNotFound(err) {
			pos.StopStatus = engine.StopError
			return fmt.Errorf("app: 撤销旧止损失败: %w", err)
		}
	}
	pos.StopOrderID = ""
	pos.StopStatus = engine.StopMissing
	return x.installStop(ctx, pos, price, quantity)
}

// cancelOrder 撤销委托，订单已不存在视为成功。
func (x *executor) cancelOrder(ctx context.Context, orderID string) error {
	if orderID == "" {
		return nil
	}
	if err := x.gateway.CancelOrder(ctx, orderID); err != nil && !exchange.IsNotFound(err) {
		return fmt.Errorf("app: 撤销委托失败: %w", err)
	}
	return nil
}

// placeEntry 提交开仓委托。makerOnly 时以只挂单限价提交。
func (x *executor) placeEntry(ctx context.Context, side engine.OrderSide, quantity, price float64, makerOnly bool) (exchange.OrderAck, error) {
	req := exchange.OrderRequest{
		Side:     side,
		Quantity: quantity,
		ClientID: exchange.NewClientID(),
	}
	if makerOnly {
		req.Type = "limit"
		req.Price = price
		req.PostOnly = true
	} else {
		req.Type = "market"
	}

	ack, err := x.gateway.PlaceOrder(ctx, req)
	if err != nil {
		return exchange.OrderAck{}, fmt.Errorf("app: 提交开仓委托失败: %w", err)
	}
	if ack.ClientID == "" {
		ack.ClientID = req.ClientID
	}
	return ack, nil
}

// placeExit 提交只减仓平仓委托。price 为 0 时按市价平仓。
func (x *executor) placeExit(ctx context.Context, pos *engine.Position, price float64) (exchange.OrderAck, error) {
	req := exchange.OrderRequest{
		Side:       exitSide(pos.Direction),
		Quantity:   pos.AbsQuantity(),
		ReduceOnly: true,
		ClientID:   exchange.NewClientID(),
	}
	if price > 0 {
		req.Type = "limit"
		req.Price = price
	} else {
		req.Type = "market"
	}

	ack, err := x.gateway.PlaceOrder(ctx, req)
	if err != nil {
		return exchange.OrderAck{}, fmt.Errorf("app: 提交平仓委托失败: %w", err)
	}
	if ack.ClientID == "" {
		ack.ClientID = req.ClientID
	}
	return ack, nil
}
