package engine

import "time"

// State 表示仓位管理状态机的当前状态。
type State int

const (
	// StateFlat 无仓位，允许评估新入场。
	StateFlat State = iota
	// StateEntryPending 入场委托已提交，等待成交确认。
	StateEntryPending
	// StateInPosition 持有仓位，需维护保护性止损。
	StateInPosition
	// StateExitPending 离场委托已提交，等待成交确认。
	StateExitPending
	// StateHalt 熔断停机，只能人工恢复。
	StateHalt
	// StateCooldown 冷却中，到期后自动恢复为 Flat。
	StateCooldown
)

// String 返回状态的机器可读名称。
func (s State) String() string {
	switch s {
	case StateFlat:
		return "flat"
	case StateEntryPending:
		return "entry_pending"
	case StateInPosition:
		return "in_position"
	case StateExitPending:
		return "exit_pending"
	case StateHalt:
		return "halt"
	case StateCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// HasPosition 返回该状态下是否应当持有仓位。
func (s State) HasPosition() bool {
	return s == StateInPosition || s == StateExitPending
}

// Pending 返回该状态下是否应当存在挂单。
func (s State) Pending() bool {
	return s == StateEntryPending || s == StateExitPending
}

// Direction 表示仓位方向。
type Direction int

const (
	DirectionLong Direction = iota + 1
	DirectionShort
)

func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "long"
	case DirectionShort:
		return "short"
	default:
		return "unknown"
	}
}

// StopStatus 表示保护性止损子状态。
type StopStatus int

const (
	// StopActive 止损在交易所侧有效。
	StopActive StopStatus = iota
	// StopPending 止损操作已发出，等待确认。
	StopPending
	// StopMissing 止损缺失，必须每个 tick 重新补挂直至恢复。
	StopMissing
	// StopError 止损处于异常状态，需要撤销重挂。
	StopError
)

func (s StopStatus) String() string {
	switch s {
	case StopActive:
		return "active"
	case StopPending:
		return "pending"
	case StopMissing:
		return "missing"
	case StopError:
		return "error"
	default:
		return "unknown"
	}
}

// OrderSide 表示委托方向。
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite 返回相反方向。
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Position 表示引擎独占持有的仓位视图。
// 仅允许在转移函数或对账器内整体替换，禁止外部逐字段修改。
type Position struct {
	Quantity     float64 // 有符号数量，多头为正，空头为负
	EntryPrice   float64
	Direction    Direction
	SignalID     string

	StopStatus    StopStatus
	StopOrderID   string
	StopPrice     float64
	StopQuantity  float64
	StopUpdatedAt time.Time

	EntryOrderID string
	EntryWorking bool // 入场委托仍有未成交数量

	StopRecoveryFails int // 止损恢复连续失败计数，达到上限强制 Halt
	StopAmendFails    int

	OpenedAt time.Time
}

// AbsQuantity 返回仓位数量绝对值。
func (p *Position) AbsQuantity() float64 {
	if p.Quantity < 0 {
		return -p.Quantity
	}
	return p.Quantity
}

// PendingOrder 表示等待确认的委托，仅在 EntryPending/ExitPending 下存在。
type PendingOrder struct {
	OrderID        string
	ClientID       string
	SubmittedAt    time.Time
	Quantity       float64
	Price          float64
	Side           OrderSide
	FilledQuantity float64 // 已观察到的累计成交量
}
