package monitor

import (
	"time"

	"perp-engine/internal/engine"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventTransition EventType = "transition"
	EventHalt       EventType = "halt"
	EventTradeClose EventType = "trade_close"
	EventStopUpdate EventType = "stop_update"
	EventReconcile  EventType = "reconcile"
	EventEntry      EventType = "entry"
	EventError      EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// TransitionPayload 记录一次状态转移。
type TransitionPayload struct {
	From      string  `json:"from"`
	To        string  `json:"to"`
	EventKind string  `json:"event_kind"`
	OrderID   string  `json:"order_id,omitempty"`
	FilledQty float64 `json:"filled_qty,omitempty"`
	Synthetic bool    `json:"synthetic,omitempty"`
}

// HaltPayload 记录一次熔断或停机。
type HaltPayload struct {
	Reason        string    `json:"reason"`
	State         string    `json:"state"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

// TradeClosePayload 记录一次已实现盈亏。
type TradeClosePayload struct {
	Direction   string  `json:"direction"`
	Quantity    float64 `json:"quantity"`
	EntryPrice  float64 `json:"entry_price"`
	ExitPrice   float64 `json:"exit_price"`
	RealizedPnL float64 `json:"realized_pnl"`
	Fee         float64 `json:"fee"`
	Reason      string  `json:"reason"`
}

// StopUpdatePayload 记录一次止损维护动作。
type StopUpdatePayload struct {
	Action    string  `json:"action"`
	OrderID   string  `json:"order_id,omitempty"`
	StopPrice float64 `json:"stop_price"`
	Quantity  float64 `json:"quantity"`
	Breached  bool    `json:"breached,omitempty"`
}

// ReconcilePayload 记录一次 REST 对账结果。
type ReconcilePayload struct {
	OrderID      string `json:"order_id"`
	Resolution   string `json:"resolution"`
	EventCount   int    `json:"event_count,omitempty"`
	FinalState   string `json:"final_state,omitempty"`
	Note         string `json:"note,omitempty"`
	Inconclusive bool   `json:"inconclusive,omitempty"`
}

// EntryPayload 记录一次开仓提交。
type EntryPayload struct {
	Side      engine.OrderSide `json:"side"`
	Quantity  float64          `json:"quantity"`
	Price     float64          `json:"price"`
	OrderID   string           `json:"order_id"`
	ClientID  string           `json:"client_id"`
	SignalID  string           `json:"signal_id,omitempty"`
	MakerOnly bool             `json:"maker_only"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
