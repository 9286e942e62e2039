package exchange

import (
	"context"
	"time"

	"perp-engine/internal/engine"
)

// OrderStatus 为订单在交易所侧的归一化状态。
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusUnknown   OrderStatus = "unknown"
)

// OrderRequest 描述一次下单请求。
type OrderRequest struct {
	Side         engine.OrderSide
	Type         string // market | limit | stop_market
	Quantity     float64
	Price        float64
	TriggerPrice float64
	ReduceOnly   bool
	PostOnly     bool
	ClientID     string
}

// OrderAck 为下单/改单成功后的回执。
type OrderAck struct {
	OrderID  string
	ClientID string
}

// OrderState 为订单查询的归一化结果。
type OrderState struct {
	OrderID        string
	ClientID       string
	Status         OrderStatus
	Quantity       float64
	FilledQuantity float64
	AveragePrice   float64
	UpdatedAt      time.Time
}

// Execution 为一条归一化成交记录。
type Execution struct {
	ExecID   string
	OrderID  string
	Quantity float64
	Price    float64
	Fee      float64
	At       time.Time
}

// PositionState 为交易所侧仓位查询结果。
type PositionState struct {
	Exists     bool
	Quantity   float64 // 有符号，多头为正
	EntryPrice float64
	Direction  engine.Direction
}

// AmendRequest 描述一次改单请求，零值字段表示不修改。
// Type 与 Side 须与原订单一致，部分交易所的改单接口要求回传。
type AmendRequest struct {
	Type         string
	Side         engine.OrderSide
	Quantity     float64
	Price        float64
	TriggerPrice float64
}

// Gateway 是引擎注入的交易所能力集。
// 实现必须把"未找到"之类的预期业务结果表达为结构化返回值而非错误。
type Gateway interface {
	FetchPosition(ctx context.Context) (PositionState, error)
	FetchOpenOrder(ctx context.Context, orderID string) (OrderState, bool, error)
	FetchExecutions(ctx context.Context, orderID string) ([]Execution, error)
	FetchOrderHistory(ctx context.Context, orderID string) (OrderState, bool, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, orderID string) error
	AmendOrder(ctx context.Context, orderID string, req AmendRequest) (OrderAck, error)
}
