package engine

import "fmt"

// Transition 是状态机的纯转移函数：给定当前状态、仓位、挂单与一条执行事件，
// 返回新状态、新仓位、新挂单与待执行意图。不做任何 I/O，输入相同则输出相同。
//
// 优先级：强平与自动减仓在所有状态下先于其它事件类型处理；
// 非法成交数量直接熔断，绝不钳位后继续。
func Transition(state State, pos *Position, pending *PendingOrder, ev ExecutionEvent) TransitionResult {
	// 强平：最高优先级，丢弃仓位并立即停机。
	if ev.Kind == KindLiquidation {
		return haltCancelling(ReasonLiquidation, fmt.Sprintf("收到强平事件 order=%s", ev.OrderID), pending)
	}

	if ev.Kind == KindAutoDeleverage {
		return applyAutoDeleverage(state, pos, pending, ev)
	}

	if ev.Kind.IsFill() && ev.FilledQuantity <= 0 {
		return haltCancelling(ReasonNonPositiveFill,
			fmt.Sprintf("成交事件数量非法 qty=%.8f order=%s", ev.FilledQuantity, ev.OrderID), pending)
	}

	switch state {
	case StateEntryPending:
		return applyEntryPending(pos, pending, ev)
	case StateInPosition:
		return applyInPosition(pos, ev)
	case StateExitPending:
		return applyExitPending(pos, pending, ev)
	case StateFlat:
		return applyFlat(ev)
	case StateHalt, StateCooldown:
		// 停机或冷却中不消费业务事件，仅记录。
		return TransitionResult{
			State:    state,
			Position: pos,
			Pending:  pending,
			Intents: Intents{
				Log:          &LogIntent{Message: fmt.Sprintf("状态 %s 下忽略事件 %s", state, ev.Kind)},
				EntryBlocked: state == StateHalt,
			},
		}
	default:
		return halt(ReasonStateMismatch, fmt.Sprintf("未知状态 %d", state))
	}
}

func halt(reason, message string) TransitionResult {
	return TransitionResult{
		State:    StateHalt,
		Position: nil,
		Pending:  nil,
		Intents: Intents{
			Halt:         &HaltIntent{Reason: reason},
			Log:          &LogIntent{Message: message, Reason: reason},
			EntryBlocked: true,
		},
	}
}

// haltCancelling 停机并要求撤销仍在场内的挂单。
// 停机会丢弃挂单信息，不在此处下发撤单意图，该委托就会在停机期间继续成交。
func haltCancelling(reason, message string, pending *PendingOrder) TransitionResult {
	res := halt(reason, message)
	if pending != nil && pending.OrderID != "" {
		res.Intents.Cancels = append(res.Intents.Cancels,
			CancelIntent{OrderID: pending.OrderID, Reason: reason})
	}
	return res
}

// applyAutoDeleverage 处理自动减仓：持仓状态下以事后数量重建仓位，
// 无仓位却收到非零减仓则视作幽灵事件熔断。
func applyAutoDeleverage(state State, pos *Position, pending *PendingOrder, ev ExecutionEvent) TransitionResult {
	if !ev.HasQtyAfter {
		return halt(ReasonADLMissingFields, fmt.Sprintf("自动减仓事件缺少事后仓位数量 order=%s", ev.OrderID))
	}

	if !state.HasPosition() || pos == nil {
		if ev.QtyAfter == 0 {
			return TransitionResult{
				State:   state,
				Pending: pending,
				Intents: Intents{Log: &LogIntent{Message: "无仓位状态下忽略零数量自动减仓事件"}},
			}
		}
		return haltCancelling(ReasonGhostADL,
			fmt.Sprintf("无仓位却收到自动减仓 qty_after=%.8f", ev.QtyAfter), pending)
	}

	if ev.QtyAfter == 0 {
		intents := Intents{Log: &LogIntent{Message: "仓位被自动减仓清零，回到 Flat"}}
		if pos.StopOrderID != "" {
			intents.Cancels = append(intents.Cancels,
				CancelIntent{OrderID: pos.StopOrderID, Reason: "position_closed"})
		}
		if state == StateExitPending && pending != nil {
			intents.Cancels = append(intents.Cancels,
				CancelIntent{OrderID: pending.OrderID, Reason: "adl_closed_position"})
		}
		return TransitionResult{State: StateFlat, Intents: intents}
	}

	next := *pos
	if next.Quantity < 0 {
		next.Quantity = -ev.QtyAfter
	} else {
		next.Quantity = ev.QtyAfter
	}
	return TransitionResult{
		State:    state,
		Position: &next,
		Pending:  pending,
		Intents: Intents{
			Stop: &StopIntent{Action: StopAmend, Quantity: ev.QtyAfter, Reason: "adl_resize"},
			Log:  &LogIntent{Message: fmt.Sprintf("自动减仓后仓位调整为 %.8f", ev.QtyAfter)},
		},
	}
}

// applyEntryPending 处理入场确认。失去原始挂单信息时绝不凭空补默认值，直接熔断。
func applyEntryPending(pos *Position, pending *PendingOrder, ev ExecutionEvent) TransitionResult {
	if pending == nil {
		return halt(ReasonMissingPendingOrder, "EntryPending 状态下挂单信息缺失，无法安全推进")
	}

	if !matchesOrder(pending, ev) {
		if ev.Kind.IsFill() {
			return haltCancelling(ReasonUnexpectedFill,
				fmt.Sprintf("EntryPending 收到无关订单成交 order=%s", ev.OrderID), pending)
		}
		return TransitionResult{
			State:   StateEntryPending,
			Pending: pending,
			Intents: Intents{Log: &LogIntent{Message: fmt.Sprintf("忽略无关订单事件 %s order=%s", ev.Kind, ev.OrderID)}},
		}
	}

	switch ev.Kind {
	case KindFill:
		p := newPositionFromEntry(pending, ev, false)
		return TransitionResult{
			State:    StateInPosition,
			Position: p,
			Intents: Intents{
				Stop: &StopIntent{Action: StopPlace, Quantity: p.AbsQuantity(), Reason: "entry_filled"},
			},
		}
	case KindPartialFill:
		// 部分成交立即建仓并立刻下发止损，绝不等待剩余成交。
		p := newPositionFromEntry(pending, ev, true)
		return TransitionResult{
			State:    StateInPosition,
			Position: p,
			Intents: Intents{
				Stop: &StopIntent{Action: StopPlace, Quantity: p.AbsQuantity(), Reason: "entry_partial_filled"},
			},
		}
	case KindCancel:
		filled := ev.FilledQuantity
		if filled <= 0 {
			filled = pending.FilledQuantity
		}
		if filled > 0 {
			p := newPositionFromEntry(pending, ExecutionEvent{
				Kind:           KindFill,
				OrderID:        ev.OrderID,
				FilledQuantity: filled,
				Price:          ev.Price,
				Timestamp:      ev.Timestamp,
			}, false)
			return TransitionResult{
				State:    StateInPosition,
				Position: p,
				Intents: Intents{
					Stop: &StopIntent{Action: StopPlace, Quantity: p.AbsQuantity(), Reason: "entry_cancelled_partial"},
					Log:  &LogIntent{Message: fmt.Sprintf("入场委托撤销但已成交 %.8f，按实际数量建仓", filled)},
				},
			}
		}
		return TransitionResult{
			State:   StateFlat,
			Intents: Intents{Log: &LogIntent{Message: "入场委托撤销且无成交，回到 Flat"}},
		}
	case KindReject:
		return TransitionResult{
			State:   StateFlat,
			Intents: Intents{Log: &LogIntent{Message: "入场委托被拒绝，回到 Flat"}},
		}
	default:
		return TransitionResult{
			State:   StateEntryPending,
			Pending: pending,
			Intents: Intents{Log: &LogIntent{Message: fmt.Sprintf("EntryPending 下忽略事件 %s", ev.Kind)}},
		}
	}
}

// applyInPosition 处理持仓期间的事件：入场补成交、止损单回报、其余成交一律熔断。
func applyInPosition(pos *Position, ev ExecutionEvent) TransitionResult {
	if pos == nil {
		return halt(ReasonStateMismatch, "InPosition 状态下仓位缺失")
	}

	// 入场委托的后续成交：累加数量并同步止损。
	if ev.Kind.IsFill() && pos.EntryWorking && ev.OrderID == pos.EntryOrderID {
		next := *pos
		if next.Quantity < 0 {
			next.Quantity -= ev.FilledQuantity
		} else {
			next.Quantity += ev.FilledQuantity
		}
		if ev.Kind == KindFill {
			next.EntryWorking = false
		}
		return TransitionResult{
			State:    StateInPosition,
			Position: &next,
			Intents: Intents{
				Stop: &StopIntent{Action: StopAmend, Quantity: next.AbsQuantity(), Reason: "entry_topup"},
			},
		}
	}

	// 止损单成交：仓位被动关闭或缩减。
	if ev.Kind.IsFill() && pos.StopOrderID != "" && ev.OrderID == pos.StopOrderID {
		remaining := pos.AbsQuantity() - ev.FilledQuantity
		if remaining < -quantityEpsilon {
			return halt(ReasonOverFill,
				fmt.Sprintf("止损成交量 %.8f 超过仓位 %.8f", ev.FilledQuantity, pos.AbsQuantity()))
		}
		if remaining <= quantityEpsilon {
			return TransitionResult{
				State:   StateFlat,
				Intents: Intents{Log: &LogIntent{Message: "止损单全部成交，仓位关闭", Reason: "stop_filled"}},
			}
		}
		next := *pos
		if next.Quantity < 0 {
			next.Quantity = -remaining
		} else {
			next.Quantity = remaining
		}
		next.StopQuantity = remaining
		return TransitionResult{
			State:    StateInPosition,
			Position: &next,
			Intents: Intents{
				Stop: &StopIntent{Action: StopAmend, Quantity: remaining, Reason: "stop_partial_filled"},
			},
		}
	}

	// 入场委托被撤销或拒绝：余量不会再成交，解除等待标记，
	// 否则止损调整与离场评估被永久阻塞。
	if (ev.Kind == KindCancel || ev.Kind == KindReject) && pos.EntryWorking && ev.OrderID == pos.EntryOrderID {
		next := *pos
		next.EntryWorking = false
		return TransitionResult{
			State:    StateInPosition,
			Position: &next,
			Intents: Intents{
				Log: &LogIntent{Message: fmt.Sprintf("入场委托 %s 终止(%s)，按现有数量持仓", ev.OrderID, ev.Kind)},
			},
		}
	}

	// 止损单被撤销或拒绝：标记缺失，由每个 tick 的维护流程补挂。
	if (ev.Kind == KindCancel || ev.Kind == KindReject) && pos.StopOrderID != "" && ev.OrderID == pos.StopOrderID {
		next := *pos
		next.StopStatus = StopMissing
		next.StopOrderID = ""
		next.StopQuantity = 0
		return TransitionResult{
			State:    StateInPosition,
			Position: &next,
			Intents: Intents{
				Log: &LogIntent{Message: fmt.Sprintf("止损单 %s 失效(%s)，待补挂", ev.OrderID, ev.Kind)},
			},
		}
	}

	if ev.Kind.IsFill() {
		return halt(ReasonUnexpectedFill,
			fmt.Sprintf("持仓期间收到无法归属的成交 order=%s qty=%.8f", ev.OrderID, ev.FilledQuantity))
	}

	return TransitionResult{
		State:    StateInPosition,
		Position: pos,
		Intents:  Intents{Log: &LogIntent{Message: fmt.Sprintf("InPosition 下忽略事件 %s order=%s", ev.Kind, ev.OrderID)}},
	}
}

// applyExitPending 处理离场确认。超量成交属于致命不一致。
func applyExitPending(pos *Position, pending *PendingOrder, ev ExecutionEvent) TransitionResult {
	if pos == nil {
		return haltCancelling(ReasonStateMismatch, "ExitPending 状态下仓位缺失", pending)
	}
	if pending == nil {
		return halt(ReasonMissingPendingOrder, "ExitPending 状态下挂单信息缺失，无法安全推进")
	}

	if !matchesOrder(pending, ev) {
		// 入场委托的迟到补成交：扩大仓位并同步止损，离场继续等待。
		if ev.Kind.IsFill() && pos.EntryWorking && ev.OrderID == pos.EntryOrderID {
			next := *pos
			if next.Quantity < 0 {
				next.Quantity -= ev.FilledQuantity
			} else {
				next.Quantity += ev.FilledQuantity
			}
			if ev.Kind == KindFill {
				next.EntryWorking = false
			}
			return TransitionResult{
				State:    StateExitPending,
				Position: &next,
				Pending:  pending,
				Intents: Intents{
					Stop: &StopIntent{Action: StopAmend, Quantity: next.AbsQuantity(), Reason: "entry_topup"},
				},
			}
		}
		if ev.Kind.IsFill() {
			return haltCancelling(ReasonUnexpectedFill,
				fmt.Sprintf("ExitPending 收到无关订单成交 order=%s", ev.OrderID), pending)
		}
		if (ev.Kind == KindCancel || ev.Kind == KindReject) && pos.EntryWorking && ev.OrderID == pos.EntryOrderID {
			next := *pos
			next.EntryWorking = false
			return TransitionResult{
				State:    StateExitPending,
				Position: &next,
				Pending:  pending,
				Intents: Intents{
					Log: &LogIntent{Message: fmt.Sprintf("入场委托 %s 终止(%s)，停止等待补成交", ev.OrderID, ev.Kind)},
				},
			}
		}
		return TransitionResult{
			State:    StateExitPending,
			Position: pos,
			Pending:  pending,
			Intents:  Intents{Log: &LogIntent{Message: fmt.Sprintf("忽略无关订单事件 %s order=%s", ev.Kind, ev.OrderID)}},
		}
	}

	switch ev.Kind {
	case KindFill, KindPartialFill:
		remaining := pos.AbsQuantity() - ev.FilledQuantity
		if remaining < -quantityEpsilon {
			return halt(ReasonOverFill,
				fmt.Sprintf("离场成交量 %.8f 超过仓位 %.8f", ev.FilledQuantity, pos.AbsQuantity()))
		}
		if remaining <= quantityEpsilon {
			intents := Intents{Log: &LogIntent{Message: "离场委托成交完毕，仓位关闭", Reason: "exit_filled"}}
			// 仓位没了，保护性止损必须随之撤销，否则残留单会在下次开仓后乱入成交。
			if pos.StopOrderID != "" {
				intents.Cancels = append(intents.Cancels,
					CancelIntent{OrderID: pos.StopOrderID, Reason: "position_closed"})
			}
			return TransitionResult{State: StateFlat, Intents: intents}
		}
		next := *pos
		if next.Quantity < 0 {
			next.Quantity = -remaining
		} else {
			next.Quantity = remaining
		}
		nextPending := *pending
		nextPending.FilledQuantity += ev.FilledQuantity
		return TransitionResult{
			State:    StateExitPending,
			Position: &next,
			Pending:  &nextPending,
			Intents: Intents{
				Log: &LogIntent{Message: fmt.Sprintf("离场部分成交 %.8f，剩余 %.8f", ev.FilledQuantity, remaining)},
			},
		}
	case KindCancel, KindReject:
		// 离场失败时保持 ExitPending，由维护流程重新下单。
		return TransitionResult{
			State:    StateExitPending,
			Position: pos,
			Pending:  pending,
			Intents: Intents{
				Log: &LogIntent{Message: fmt.Sprintf("离场委托失败(%s)，等待重试", ev.Kind), Reason: "exit_retry"},
			},
		}
	default:
		return TransitionResult{
			State:    StateExitPending,
			Position: pos,
			Pending:  pending,
			Intents:  Intents{Log: &LogIntent{Message: fmt.Sprintf("ExitPending 下忽略事件 %s", ev.Kind)}},
		}
	}
}

// applyFlat 处理空仓状态：任何成交都是幽灵成交，必须熔断而非静默吸收。
func applyFlat(ev ExecutionEvent) TransitionResult {
	if ev.Kind.IsFill() {
		return halt(ReasonGhostFill,
			fmt.Sprintf("Flat 状态下收到成交 order=%s qty=%.8f", ev.OrderID, ev.FilledQuantity))
	}
	return TransitionResult{
		State:   StateFlat,
		Intents: Intents{Log: &LogIntent{Message: fmt.Sprintf("Flat 下忽略事件 %s order=%s", ev.Kind, ev.OrderID)}},
	}
}

const quantityEpsilon = 1e-9

func matchesOrder(pending *PendingOrder, ev ExecutionEvent) bool {
	if pending == nil {
		return false
	}
	if ev.OrderID != "" && ev.OrderID == pending.OrderID {
		return true
	}
	return ev.ClientID != "" && ev.ClientID == pending.ClientID
}

func newPositionFromEntry(pending *PendingOrder, ev ExecutionEvent, working bool) *Position {
	qty := ev.FilledQuantity
	dir := DirectionLong
	if pending.Side == OrderSideSell {
		dir = DirectionShort
		qty = -qty
	}
	price := ev.Price
	if price <= 0 {
		price = pending.Price
	}
	return &Position{
		Quantity:     qty,
		EntryPrice:   price,
		Direction:    dir,
		SignalID:     pending.ClientID,
		StopStatus:   StopMissing,
		EntryOrderID: pending.OrderID,
		EntryWorking: working,
		OpenedAt:     ev.Timestamp,
	}
}
