package app

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"go.uber.org/zap"

	"perp-engine/internal/config"
	"perp-engine/internal/engine"
	"perp-engine/internal/exchange"
	"perp-engine/internal/market"
	"perp-engine/internal/monitor"
	"perp-engine/internal/narrate"
	"perp-engine/internal/reconcile"
	"perp-engine/internal/risk"
	"perp-engine/internal/sizing"
	"perp-engine/internal/stop"
	"perp-engine/internal/store"
)

// TickReport 汇总一轮心跳的处理结果。
// Steps 按执行顺序记录本轮实际走过的步骤，被短路跳过的步骤不出现。
type TickReport struct {
	State         string
	Steps         []string
	EventsHandled int
	HaltReason    string
	EntryBlocked  string
	ExitSubmitted bool
	Narrative     string
}

// orchestrator 持有状态机三元组（状态、仓位、在途委托）的唯一可变副本，
// 所有修改经由转移函数或对账器，tick 内串行执行。
type orchestrator struct {
	cfg    *config.Config
	logger *zap.Logger

	gateway    *exchange.Client
	market     *market.Service
	risk       *risk.Manager
	policy     *stop.Policy
	reconciler *reconcile.Reconciler
	executor   *executor
	monitor    *monitor.Service
	narrator   *narrate.Narrator
	signal     EntrySignal

	queue     *engine.Queue
	processor *engine.Processor

	state         engine.State
	position      *engine.Position
	pending       *engine.PendingOrder
	cooldownUntil time.Time
	haltReason    string
	lastEventAt   time.Time

	riskBlockUntil  time.Time
	riskBlockReason string

	tradeFees         float64
	exitExpectedPrice float64

	lastNarrated string
}

func newOrchestrator(cfg *config.Config, logger *zap.Logger, st *store.Store) (*orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	gateway, err := exchange.NewClient(cfg.Exchange, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化交易所客户端失败: %w", err)
	}

	session := market.NewSessionTracker()
	marketSvc := market.NewService(gateway, session, logger)

	journal, err := risk.NewJournal(st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化风控日志失败: %w", err)
	}
	riskMgr := risk.NewManager(riskSettings(cfg.Risk), journal, logger)

	monitorSvc, err := monitor.NewService(st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	var narrator *narrate.Narrator
	if cfg.Narrate.Enabled {
		narrator, err = narrate.NewNarrator(cfg.Narrate, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化叙述器失败: %w", err)
		}
	}

	queueCap := cfg.Stream.QueueCapacity
	if queueCap <= 0 {
		queueCap = engine.DefaultQueueCapacity
	}
	dedupCap := cfg.Engine.DedupCapacity
	if dedupCap <= 0 {
		dedupCap = engine.DefaultDedupCapacity
	}

	return &orchestrator{
		cfg:     cfg,
		logger:  logger,
		gateway: gateway,
		market:  marketSvc,
		risk:    riskMgr,
		policy:  stop.NewPolicy(stopSettings(cfg.Stop), logger),
		reconciler: reconcile.New(gateway, reconcile.Config{
			Timeout:           cfg.Engine.ReconcileTimeout,
			RetryDelay:        cfg.Engine.ReconcileRetryDelay,
			InconclusiveLimit: cfg.Engine.InconclusiveLimit,
		}, logger),
		executor:  newExecutor(gateway, cfg.Stop, logger),
		monitor:   monitorSvc,
		narrator:  narrator,
		signal:    bandSignal{widthATR: 2.0},
		queue:     engine.NewQueue(queueCap),
		processor: engine.NewProcessor(dedupCap),
		state:     engine.StateFlat,
	}, nil
}

func (o *orchestrator) Monitor() *monitor.Service {
	return o.monitor
}

// Queue 暴露事件队列，供执行流写入。
func (o *orchestrator) Queue() *engine.Queue {
	return o.queue
}

// Session 暴露会话追踪器，供执行流上报链路状态。
func (o *orchestrator) Session() *market.SessionTracker {
	return o.market.Session()
}

// Recover 在启动时以交易所仓位为准初始化状态机。
// 存在仓位时进入 InPosition 且止损标记为缺失，随即由维护流程补装。
func (o *orchestrator) Recover(ctx context.Context) error {
	ps, err := o.gateway.FetchPosition(ctx)
	if err != nil {
		return fmt.Errorf("启动对账失败: %w", err)
	}

	if !ps.Exists || math.Abs(ps.Quantity) < 1e-12 {
		o.state = engine.StateFlat
		o.logger.Info("启动对账完成：无持仓")
		return nil
	}

	o.position = &engine.Position{
		Quantity:   ps.Quantity,
		EntryPrice: ps.EntryPrice,
		Direction:  ps.Direction,
		StopStatus: engine.StopMissing,
		OpenedAt:   time.Now().UTC(),
	}
	o.state = engine.StateInPosition
	o.logger.Warn("启动对账发现存量仓位，止损待补装",
		zap.Float64("quantity", ps.Quantity),
		zap.Float64("entry_price", ps.EntryPrice))
	return nil
}

// Tick 执行一轮心跳。步骤顺序固定：
// 停机开关、冷却恢复、一致性自检、风控评估、事件处理、
// REST 兜底对账、止损维护、离场评估、入场闸门。
func (o *orchestrator) Tick(ctx context.Context) (TickReport, error) {
	now := time.Now().UTC()
	report := TickReport{}
	o.monitor.RecordTick()

	report.Steps = append(report.Steps, "kill_switch")
	if o.state != engine.StateHalt && o.killSwitchTripped() {
		o.enterHalt(ctx, engine.ReasonManualKillSwitch)
	}

	if o.state == engine.StateCooldown && !o.cooldownUntil.IsZero() && !now.Before(o.cooldownUntil) {
		report.Steps = append(report.Steps, "cooldown_expiry")
		o.logger.Info("冷却结束，恢复空仓", zap.String("reason", o.haltReason))
		o.state = engine.StateFlat
		o.cooldownUntil = time.Time{}
		o.haltReason = ""
	}

	report.Steps = append(report.Steps, "self_check")
	o.selfCheck(ctx)

	report.Steps = append(report.Steps, "snapshot")
	snap, snapErr := o.market.GetSnapshot(ctx)
	if snapErr != nil {
		o.logger.Warn("拉取行情快照失败，本轮降级运行", zap.Error(snapErr))
		o.monitor.RecordError(ctx, "拉取行情快照失败", snapErr, nil)
	}

	if snapErr == nil && o.state != engine.StateHalt {
		report.Steps = append(report.Steps, "risk_checks")
		if check := o.risk.Evaluate(ctx, snap.SessionStats()); check.Halted {
			o.applyRiskTrip(ctx, check)
		}
	}

	report.Steps = append(report.Steps, "drain_events")
	for _, ev := range o.queue.Drain() {
		if o.applyEvent(ctx, ev) {
			report.EventsHandled++
		}
	}

	if o.state.Pending() && o.pending != nil &&
		o.reconciler.Due(o.state, o.pending, o.lastEventAt, now) {
		report.Steps = append(report.Steps, "reconcile")
		o.runReconcile(ctx, &report)
	}

	if snapErr == nil && o.state == engine.StateInPosition && o.position != nil {
		report.Steps = append(report.Steps, "stop_maintenance")
		o.maintainStop(ctx, snap, now)
	}

	if snapErr == nil && o.state == engine.StateInPosition && o.position != nil {
		report.Steps = append(report.Steps, "exit_evaluation")
		report.ExitSubmitted = o.evaluateExit(ctx, snap, now)
	}

	if snapErr == nil && o.state == engine.StateFlat {
		report.Steps = append(report.Steps, "entry_gates")
		report.EntryBlocked = o.tryEnter(ctx, snap, now)
	}

	report.State = o.state.String()
	report.HaltReason = o.haltReason
	o.monitor.SetStateGauge(report.State)

	if o.narrator != nil && snapErr == nil && report.State != o.lastNarrated {
		report.Narrative = o.narrator.Narrate(ctx, narrate.Report{
			State:         report.State,
			HaltReason:    report.HaltReason,
			EntryBlocked:  report.EntryBlocked,
			EventsHandled: report.EventsHandled,
			Equity:        snap.Equity,
			DailyPnL:      snap.DailyRealizedPnL,
			LossStreak:    snap.LossStreak,
			MarkPrice:     snap.MarkPrice,
			ATR:           snap.ATR,
		})
		o.lastNarrated = report.State
		if report.Narrative != "" {
			o.logger.Info("状态解说", zap.String("narrative", report.Narrative))
		}
	}

	return report, nil
}

func (o *orchestrator) killSwitchTripped() bool {
	if o.cfg.Engine.KillSwitch {
		return true
	}
	if o.cfg.Engine.KillSwitchFile == "" {
		return false
	}
	_, err := os.Stat(o.cfg.Engine.KillSwitchFile)
	return err == nil
}

// selfCheck 校验状态与仓位、在途委托的一致性，不一致即停机。
func (o *orchestrator) selfCheck(ctx context.Context) {
	if o.state == engine.StateHalt {
		return
	}
	if o.state.HasPosition() && o.position == nil {
		o.enterHalt(ctx, engine.ReasonStateMismatch)
		return
	}
	if !o.state.HasPosition() && o.position != nil {
		o.enterHalt(ctx, engine.ReasonStateMismatch)
		return
	}
	if o.state.Pending() && o.pending == nil {
		o.enterHalt(ctx, engine.ReasonMissingPendingOrder)
	}
}

// enterHalt 进入停机：撤销在途委托并丢弃本地仓位视图（与转移函数产生的
// 停机保持同一不变量：仓位只在 InPosition/ExitPending 下存在），
// 交易所侧的保护性止损单保留，等待人工介入。
func (o *orchestrator) enterHalt(ctx context.Context, reason string) {
	if o.state == engine.StateHalt && o.haltReason == reason {
		return
	}

	if o.pending != nil {
		if err := o.executor.cancelOrder(ctx, o.pending.OrderID); err != nil {
			o.logger.Error("停机时撤销在途委托失败",
				zap.Error(err),
				zap.String("order_id", o.pending.OrderID))
		}
		o.pending = nil
	}

	o.position = nil
	o.state = engine.StateHalt
	o.haltReason = reason
	o.cooldownUntil = time.Time{}
	o.logger.Error("引擎停机", zap.String("reason", reason))
	o.monitor.RecordHalt(ctx, monitor.HaltPayload{
		Reason: reason,
		State:  o.state.String(),
	})
}

// applyRiskTrip 处理熔断：空仓时进入冷却；持仓时仅封锁新开仓，
// 仓位维护与离场照常进行。
func (o *orchestrator) applyRiskTrip(ctx context.Context, check risk.CheckResult) {
	alreadySeen := check.Reason == o.riskBlockReason && !check.CooldownUntil.After(o.riskBlockUntil)
	o.riskBlockReason = check.Reason
	if check.CooldownUntil.After(o.riskBlockUntil) {
		o.riskBlockUntil = check.CooldownUntil
	}

	if !alreadySeen {
		o.monitor.RecordHalt(ctx, monitor.HaltPayload{
			Reason:        check.Reason,
			State:         o.state.String(),
			CooldownUntil: check.CooldownUntil,
		})
	}

	if o.state == engine.StateFlat {
		o.state = engine.StateCooldown
		o.cooldownUntil = o.riskBlockUntil
		o.haltReason = check.Reason
	}
}

// applyEvent 把单个执行事件喂入状态机。返回是否真正参与了转移。
func (o *orchestrator) applyEvent(ctx context.Context, ev engine.ExecutionEvent) bool {
	accepted, drop := o.processor.Accept(ev)
	if !accepted {
		o.monitor.RecordEventResult(string(drop))
		o.logger.Debug("事件被过滤",
			zap.String("order_id", ev.OrderID),
			zap.String("kind", ev.Kind.String()),
			zap.String("drop_reason", string(drop)))
		return false
	}
	o.monitor.RecordEventResult("accepted")

	prevState := o.state
	prevPos := clonePosition(o.position)

	result := engine.Transition(o.state, o.position, o.pending, ev)
	o.state = result.State
	o.position = result.Position
	o.pending = result.Pending
	o.lastEventAt = time.Now().UTC()

	if ev.Fee > 0 {
		o.tradeFees += ev.Fee
	}

	o.monitor.RecordTransition(ctx, monitor.TransitionPayload{
		From:      prevState.String(),
		To:        o.state.String(),
		EventKind: ev.Kind.String(),
		OrderID:   ev.OrderID,
		FilledQty: ev.FilledQuantity,
		Synthetic: ev.Synthetic,
	})

	o.applyIntents(ctx, result.Intents, ev)

	if prevState == engine.StateEntryPending && o.state == engine.StateInPosition && ev.Price > 0 {
		o.market.Session().RecordFill(ev.Price)
	}

	if prevPos != nil && o.state == engine.StateFlat && o.position == nil {
		o.recordClose(ctx, prevPos, ev, result.Intents)
	}
	return true
}

func (o *orchestrator) applyIntents(ctx context.Context, intents engine.Intents, ev engine.ExecutionEvent) {
	if intents.Log != nil {
		o.logger.Info(intents.Log.Message,
			zap.String("reason", intents.Log.Reason),
			zap.String("order_id", ev.OrderID))
	}

	for _, cancel := range intents.Cancels {
		if err := o.executor.cancelOrder(ctx, cancel.OrderID); err != nil {
			o.logger.Error("执行撤单意图失败", zap.Error(err),
				zap.String("order_id", cancel.OrderID),
				zap.String("reason", cancel.Reason))
			o.monitor.RecordError(ctx, "执行撤单意图失败", err,
				map[string]interface{}{"order_id": cancel.OrderID})
		}
	}

	if intents.Halt != nil {
		o.enterHalt(ctx, intents.Halt.Reason)
		return
	}

	if intents.Stop == nil || o.position == nil {
		return
	}

	switch intents.Stop.Action {
	case engine.StopPlace:
		// 留给本轮止损维护统一补装
		o.position.StopStatus = engine.StopMissing
	case engine.StopAmend:
		qty := intents.Stop.Quantity
		if qty <= 0 {
			qty = o.position.AbsQuantity()
		}
		if o.position.StopOrderID == "" {
			o.position.StopStatus = engine.StopMissing
			return
		}
		if err := o.executor.amendStop(ctx, o.position, o.position.StopPrice, qty); err != nil {
			o.logger.Warn("同步止损数量失败", zap.Error(err),
				zap.String("reason", intents.Stop.Reason))
			return
		}
		o.monitor.RecordStopUpdate(ctx, monitor.StopUpdatePayload{
			Action:    engine.StopAmend.String(),
			OrderID:   o.position.StopOrderID,
			StopPrice: o.position.StopPrice,
			Quantity:  qty,
		})
	case engine.StopCancelAndPlace:
		if err := o.executor.replaceStop(ctx, o.position, o.position.StopPrice, o.position.AbsQuantity()); err != nil {
			o.logger.Warn("重建止损失败", zap.Error(err),
				zap.String("reason", intents.Stop.Reason))
			return
		}
		o.monitor.RecordStopUpdate(ctx, monitor.StopUpdatePayload{
			Action:    engine.StopCancelAndPlace.String(),
			OrderID:   o.position.StopOrderID,
			StopPrice: o.position.StopPrice,
			Quantity:  o.position.StopQuantity,
		})
	}
}

// recordClose 在仓位归零时做一次性平仓记账。
func (o *orchestrator) recordClose(ctx context.Context, prev *engine.Position, ev engine.ExecutionEvent, intents engine.Intents) {
	exitPrice := ev.Price
	if exitPrice <= 0 {
		exitPrice = prev.StopPrice
	}
	if exitPrice <= 0 || prev.EntryPrice <= 0 {
		o.logger.Warn("平仓记账缺少价格，跳过", zap.String("order_id", ev.OrderID))
		return
	}

	qty := prev.AbsQuantity()
	pnl := (exitPrice - prev.EntryPrice) * qty
	if prev.Quantity < 0 {
		pnl = -pnl
	}

	fee := o.tradeFees
	gross := math.Abs(pnl)
	feeRatio := 0.0
	switch {
	case gross > 0:
		feeRatio = fee / gross
	case fee > 0:
		feeRatio = 1
	}
	if feeRatio > 1 {
		feeRatio = 1
	}

	expected := o.exitExpectedPrice
	if expected <= 0 {
		// 止损触发的平仓以止损价为期望成交价
		expected = prev.StopPrice
	}
	slippage := 0.0
	if expected > 0 {
		slippage = math.Abs(exitPrice-expected) * qty
	}

	reason := "closed"
	if intents.Log != nil && intents.Log.Reason != "" {
		reason = intents.Log.Reason
	}

	now := time.Now().UTC()
	o.market.Session().RecordTradeClose(pnl, fee, feeRatio, slippage, now)
	o.monitor.RecordTradeClose(ctx, monitor.TradeClosePayload{
		Direction:   prev.Direction.String(),
		Quantity:    qty,
		EntryPrice:  prev.EntryPrice,
		ExitPrice:   exitPrice,
		RealizedPnL: pnl,
		Fee:         fee,
		Reason:      reason,
	})

	o.tradeFees = 0
	o.exitExpectedPrice = 0
}

// runReconcile 执行一次 REST 兜底对账。
func (o *orchestrator) runReconcile(ctx context.Context, report *TickReport) {
	orderID := o.pending.OrderID

	outcome, err := o.reconciler.Resolve(ctx, o.state, o.pending)
	if err != nil {
		o.logger.Warn("对账失败", zap.Error(err), zap.String("order_id", orderID))
		o.monitor.RecordError(ctx, "对账失败", err,
			map[string]interface{}{"order_id": orderID})
		return
	}

	if !outcome.Acted {
		// 订单仍在活动中，推迟下一次对账
		o.lastEventAt = time.Now().UTC()
		o.monitor.RecordReconcile(ctx, monitor.ReconcilePayload{
			OrderID:      orderID,
			Resolution:   "still_active",
			Inconclusive: true,
		})
		return
	}

	if outcome.Direct != nil {
		prev := o.state
		o.state = outcome.Direct.State
		o.position = outcome.Direct.Position
		o.pending = nil
		o.processor.ForgetOrder(orderID)
		o.monitor.RecordReconcile(ctx, monitor.ReconcilePayload{
			OrderID:    orderID,
			Resolution: "direct",
			FinalState: o.state.String(),
			Note:       outcome.Direct.Note,
		})
		o.logger.Warn("对账直接敲定状态",
			zap.String("order_id", orderID),
			zap.String("from", prev.String()),
			zap.String("to", o.state.String()),
			zap.String("note", outcome.Direct.Note))
		return
	}

	o.monitor.RecordReconcile(ctx, monitor.ReconcilePayload{
		OrderID:    orderID,
		Resolution: "synthesized",
		EventCount: len(outcome.Events),
	})
	for _, ev := range outcome.Events {
		if o.applyEvent(ctx, ev) {
			report.EventsHandled++
		}
	}
}

// maintainStop 负责止损的补装与刷新。
func (o *orchestrator) maintainStop(ctx context.Context, snap market.Snapshot, now time.Time) {
	pos := o.position
	pr := o.policy.Price(pos, snap.ATR, snap.MarkPrice)
	if pr.Price <= 0 {
		return
	}

	if pos.StopStatus == engine.StopMissing || pos.StopStatus == engine.StopError {
		action := o.policy.DetermineAction(pos)
		var err error
		if action == engine.StopCancelAndPlace && pos.StopOrderID != "" {
			err = o.executor.replaceStop(ctx, pos, pr.Price, pos.AbsQuantity())
		} else {
			err = o.executor.installStop(ctx, pos, pr.Price, pos.AbsQuantity())
		}
		if err != nil {
			pos.StopRecoveryFails++
			o.logger.Error("止损恢复失败",
				zap.Error(err),
				zap.Int("fails", pos.StopRecoveryFails))
			o.monitor.RecordError(ctx, "止损恢复失败", err,
				map[string]interface{}{"fails": pos.StopRecoveryFails})
			if pos.StopRecoveryFails >= o.cfg.Engine.StopRecoveryFailLimit {
				o.enterHalt(ctx, engine.ReasonStopRecoveryExceeded)
			}
			return
		}
		pos.StopRecoveryFails = 0
		o.monitor.RecordStopUpdate(ctx, monitor.StopUpdatePayload{
			Action:    engine.StopPlace.String(),
			OrderID:   pos.StopOrderID,
			StopPrice: pos.StopPrice,
			Quantity:  pos.StopQuantity,
			Breached:  pr.Breached,
		})
		return
	}

	if !o.policy.ShouldUpdate(pos, now) {
		return
	}

	action := o.policy.DetermineAction(pos)
	var err error
	switch action {
	case engine.StopAmend:
		err = o.executor.amendStop(ctx, pos, pr.Price, pos.AbsQuantity())
	case engine.StopCancelAndPlace:
		err = o.executor.replaceStop(ctx, pos, pr.Price, pos.AbsQuantity())
	default:
		err = o.executor.installStop(ctx, pos, pr.Price, pos.AbsQuantity())
	}
	if err != nil {
		o.logger.Warn("刷新止损失败", zap.Error(err))
		return
	}
	o.monitor.RecordStopUpdate(ctx, monitor.StopUpdatePayload{
		Action:    action.String(),
		OrderID:   pos.StopOrderID,
		StopPrice: pos.StopPrice,
		Quantity:  pos.StopQuantity,
		Breached:  pr.Breached,
	})
}

// evaluateExit 检查止盈目标，达标则提交只减仓市价平仓。
func (o *orchestrator) evaluateExit(ctx context.Context, snap market.Snapshot, now time.Time) bool {
	tp := o.cfg.Entry.TakeProfitPct
	if tp <= 0 {
		return false
	}
	pos := o.position
	if pos.EntryPrice <= 0 || snap.MarkPrice <= 0 || pos.EntryWorking {
		return false
	}

	changePct := (snap.MarkPrice - pos.EntryPrice) / pos.EntryPrice * 100
	if pos.Quantity < 0 {
		changePct = -changePct
	}
	if changePct < tp {
		return false
	}

	ack, err := o.executor.placeExit(ctx, pos, 0)
	if err != nil {
		o.logger.Error("提交止盈平仓失败", zap.Error(err))
		o.monitor.RecordError(ctx, "提交止盈平仓失败", err, nil)
		return false
	}

	o.pending = &engine.PendingOrder{
		OrderID:     ack.OrderID,
		ClientID:    ack.ClientID,
		SubmittedAt: now,
		Quantity:    pos.AbsQuantity(),
		Side:        exitSide(pos.Direction),
	}
	o.state = engine.StateExitPending
	o.exitExpectedPrice = snap.MarkPrice
	o.logger.Info("止盈平仓已提交",
		zap.String("order_id", ack.OrderID),
		zap.Float64("change_pct", changePct))
	o.monitor.RecordTransition(ctx, monitor.TransitionPayload{
		From:      engine.StateInPosition.String(),
		To:        o.state.String(),
		EventKind: "exit_submit",
		OrderID:   ack.OrderID,
	})
	return true
}

// tryEnter 依次通过入场闸门，全部放行后提交开仓。
// 返回拦截原因，空串表示已入场或本轮无信号。
func (o *orchestrator) tryEnter(ctx context.Context, snap market.Snapshot, now time.Time) string {
	if now.Before(o.riskBlockUntil) {
		return o.riskBlockReason
	}
	if snap.LinkDegraded && snap.LinkDegradedFor >= o.cfg.Entry.LinkDegradedMax {
		return "link_degraded"
	}
	if snap.ATRRelative < o.cfg.Entry.VolatilityFloor {
		return "volatility_floor"
	}

	side, ok := o.signal.Evaluate(snap)
	if !ok {
		return ""
	}

	roundTripFee := 2 * o.cfg.Sizing.FeeRate * snap.MarkPrice
	if roundTripFee > 0 && snap.ATR < o.cfg.Entry.MinEVRatio*roundTripFee {
		return "ev_below_fees"
	}

	result := sizing.Compute(sizing.Input{
		MaxLossUSDT:     o.cfg.Sizing.MaxLossUSDT,
		EntryPrice:      snap.MarkPrice,
		StopDistancePct: stopDistancePct(o.cfg.Stop, snap),
		Leverage:        o.cfg.Sizing.Leverage,
		FeeRate:         o.cfg.Sizing.FeeRate,
		Equity:          snap.Equity,
		MarginHaircut:   o.cfg.Sizing.MarginHaircut,
		LotStep:         o.cfg.Sizing.LotStep,
	})
	if !result.OK {
		o.logger.Info("仓位测算未通过", zap.String("detail", sizing.Describe(result)))
		return result.Reason
	}

	ack, err := o.executor.placeEntry(ctx, side, result.Quantity, snap.MarkPrice, o.cfg.Entry.MakerOnly)
	if err != nil {
		o.logger.Error("提交开仓失败", zap.Error(err))
		o.monitor.RecordError(ctx, "提交开仓失败", err, nil)
		return "entry_submit_failed"
	}

	o.pending = &engine.PendingOrder{
		OrderID:     ack.OrderID,
		ClientID:    ack.ClientID,
		SubmittedAt: now,
		Quantity:    result.Quantity,
		Price:       snap.MarkPrice,
		Side:        side,
	}
	o.state = engine.StateEntryPending
	o.tradeFees = 0
	o.exitExpectedPrice = 0

	o.logger.Info("开仓委托已提交",
		zap.String("order_id", ack.OrderID),
		zap.String("side", string(side)),
		zap.Float64("quantity", result.Quantity),
		zap.Float64("price", snap.MarkPrice))
	o.monitor.RecordEntry(ctx, monitor.EntryPayload{
		Side:      side,
		Quantity:  result.Quantity,
		Price:     snap.MarkPrice,
		OrderID:   ack.OrderID,
		ClientID:  ack.ClientID,
		SignalID:  ack.ClientID,
		MakerOnly: o.cfg.Entry.MakerOnly,
	})
	return ""
}

func stopDistancePct(cfg config.StopConfig, snap market.Snapshot) float64 {
	d := cfg.ATRMultiple * snap.ATRRelative
	if cfg.MinDistancePct > 0 && d < cfg.MinDistancePct {
		d = cfg.MinDistancePct
	}
	if cfg.MaxDistancePct > 0 && d > cfg.MaxDistancePct {
		d = cfg.MaxDistancePct
	}
	return d
}

func clonePosition(p *engine.Position) *engine.Position {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

func riskSettings(c config.RiskConfig) risk.Config {
	return risk.Config{
		DailyCapPct:          c.DailyCapPct,
		WeeklyCapPct:         c.WeeklyCapPct,
		StreakHaltCount:      c.StreakHaltCount,
		StreakCooldownCount:  c.StreakCooldownCount,
		StreakCooldown:       c.StreakCooldown,
		FeeRatioThreshold:    c.FeeRatioThreshold,
		FeeSpikeHalt:         c.FeeSpikeHalt,
		SlippageUSDThreshold: c.SlippageUSDThreshold,
		SlippageWindow:       c.SlippageWindow,
		SlippageCount:        c.SlippageCount,
		SlippageHalt:         c.SlippageHalt,
	}
}

func stopSettings(c config.StopConfig) stop.Config {
	return stop.Config{
		Debounce:        c.Debounce,
		DeltaThreshold:  c.DeltaThreshold,
		AmendRetryLimit: c.AmendRetryLimit,
		MinDistancePct:  c.MinDistancePct,
		MaxDistancePct:  c.MaxDistancePct,
		ATRMultiple:     c.ATRMultiple,
	}
}
