package engine

import (
	"fmt"
	"time"
)

// EventKind 表示交易所执行事件类型。
type EventKind int

const (
	KindFill EventKind = iota + 1
	KindPartialFill
	KindCancel
	KindReject
	KindLiquidation
	KindAutoDeleverage
)

func (k EventKind) String() string {
	switch k {
	case KindFill:
		return "fill"
	case KindPartialFill:
		return "partial_fill"
	case KindCancel:
		return "cancel"
	case KindReject:
		return "reject"
	case KindLiquidation:
		return "liquidation"
	case KindAutoDeleverage:
		return "adl"
	default:
		return "unknown"
	}
}

// IsFill 返回事件是否携带成交数量。
func (k EventKind) IsFill() bool {
	return k == KindFill || k == KindPartialFill
}

// ExecutionEvent 表示来自交易所的不可变执行事实，创建后不得修改。
type ExecutionEvent struct {
	Kind           EventKind
	OrderID        string
	ClientID       string
	FilledQuantity float64
	TargetQuantity float64
	Timestamp      time.Time

	ExecID   string // 交易所执行编号，可为空
	Sequence int64  // 单调序列号，0 表示缺失

	Price float64
	Fee   float64

	// 自动减仓事件携带的事后仓位数量。
	QtyAfter    float64
	HasQtyAfter bool

	// Synthetic 标记该事件由对账器合成而非行情流投递。
	Synthetic bool
}

// DedupKey 返回事件的幂等键：优先使用执行编号，
// 否则退化为 订单号|类型|时间戳 组合。
func (e ExecutionEvent) DedupKey() string {
	if e.ExecID != "" {
		return e.ExecID
	}
	return fmt.Sprintf("%s|%s|%d", e.OrderID, e.Kind, e.Timestamp.UnixMilli())
}
