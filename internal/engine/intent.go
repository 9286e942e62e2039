package engine

// StopAction 表示对保护性止损的操作方式。
type StopAction int

const (
	// StopPlace 新挂止损单。
	StopPlace StopAction = iota + 1
	// StopAmend 修改现有止损单，优先于撤销重挂以避免无保护窗口。
	StopAmend
	// StopCancelAndPlace 撤销后重挂。
	StopCancelAndPlace
)

func (a StopAction) String() string {
	switch a {
	case StopPlace:
		return "place"
	case StopAmend:
		return "amend"
	case StopCancelAndPlace:
		return "cancel_and_place"
	default:
		return "unknown"
	}
}

// 机器可读的停机与阻断原因码。
const (
	ReasonLiquidation          = "liquidation"
	ReasonADLMissingFields     = "adl_missing_fields"
	ReasonGhostFill            = "ghost_fill"
	ReasonGhostADL             = "ghost_adl"
	ReasonOverFill             = "over_fill"
	ReasonNonPositiveFill      = "non_positive_fill"
	ReasonMissingPendingOrder  = "missing_pending_order"
	ReasonUnexpectedFill       = "unexpected_fill"
	ReasonStateMismatch        = "state_position_mismatch"
	ReasonStopRecoveryExceeded = "stop_recovery_exhausted"
	ReasonManualKillSwitch     = "manual_kill_switch"
	ReasonDailyLossCap         = "daily_loss_cap_exceeded"
	ReasonWeeklyLossCap        = "weekly_loss_cap_exceeded"
	ReasonLossStreakHalt       = "loss_streak_halt"
	ReasonLossStreakCooldown   = "loss_streak_cooldown"
	ReasonFeeSpike             = "fee_spike_anomaly"
	ReasonSlippageSpike        = "slippage_spike_anomaly"
)

// StopIntent 描述期望的止损操作。
type StopIntent struct {
	Action   StopAction
	Quantity float64
	Reason   string
}

// HaltIntent 描述强制停机请求。
type HaltIntent struct {
	Reason string
}

// CancelIntent 描述撤销委托请求。
type CancelIntent struct {
	OrderID string
	Reason  string
}

// LogIntent 描述需要上层记录的事件说明。
type LogIntent struct {
	Message string
	Reason  string
}

// Intents 是转移函数除新状态外唯一的输出通道。
// 意图只是数据，不执行任何 I/O；由上层执行器落地并回报结果。
// 一次转移可能要求撤销多张委托（如仓位被清零时同时撤离场单与止损单）。
type Intents struct {
	Stop         *StopIntent
	Halt         *HaltIntent
	Cancels      []CancelIntent
	Log          *LogIntent
	EntryBlocked bool
}

// TransitionResult 为一次状态转移的完整输出。
type TransitionResult struct {
	State    State
	Position *Position
	Pending  *PendingOrder
	Intents  Intents
}
