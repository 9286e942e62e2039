// Package reconcile 在事件流沉默超时后，通过 REST 查询权威订单/仓位状态，
// 并合成缺失的状态转移。查询分支的先后顺序编码了真实交易所的竞态条件，
// 不得为了简化而调整。
package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"perp-engine/internal/engine"
	"perp-engine/internal/exchange"
)

const (
	// DefaultTimeout 为事件流沉默多久后触发对账。
	DefaultTimeout = 10 * time.Second
	// DefaultRetryDelay 为"已成交但查不到成交明细"场景的二次查询间隔。
	DefaultRetryDelay = 500 * time.Millisecond
	// DefaultInconclusiveLimit 为仓位存在性连续无法确认的次数上限，
	// 达到后清除挂单回退 Flat——宁可错过入场也不能让状态机卡死。
	DefaultInconclusiveLimit = 2
)

// Config 控制对账行为。
type Config struct {
	Timeout           time.Duration
	RetryDelay        time.Duration
	InconclusiveLimit int
}

// DefaultConfig 返回默认对账参数。
func DefaultConfig() Config {
	return Config{
		Timeout:           DefaultTimeout,
		RetryDelay:        DefaultRetryDelay,
		InconclusiveLimit: DefaultInconclusiveLimit,
	}
}

// Resolution 表示绕过事件合成、直接敲定的状态结果。
type Resolution struct {
	State    engine.State
	Position *engine.Position
	Note     string
}

// Outcome 为一次对账的输出：要么合成事件走正常转移路径，
// 要么直接敲定状态，要么什么都不做（订单仍在活动中）。
type Outcome struct {
	Events []engine.ExecutionEvent
	Direct *Resolution
	Acted  bool // 本次对账是否得出了结论
}

// Reconciler 实现 REST 兜底对账。
type Reconciler struct {
	gateway exchange.Gateway
	cfg     Config
	logger  *zap.Logger

	inconclusive int // 连续无法确认仓位存在性的次数
}

// New 创建对账器。
func New(gateway exchange.Gateway, cfg Config, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.InconclusiveLimit <= 0 {
		cfg.InconclusiveLimit = DefaultInconclusiveLimit
	}
	return &Reconciler{gateway: gateway, cfg: cfg, logger: logger}
}

// Due 判断是否应当触发对账：仅在挂单等待期间、
// 且距上一条相关事件超过超时阈值时。
func (r *Reconciler) Due(state engine.State, pending *engine.PendingOrder, lastEventAt time.Time, now time.Time) bool {
	if !state.Pending() || pending == nil {
		return false
	}
	since := lastEventAt
	if since.IsZero() || pending.SubmittedAt.After(since) {
		since = pending.SubmittedAt
	}
	return now.Sub(since) >= r.cfg.Timeout
}

// Resolve 按固定顺序执行对账算法，首个命中的分支生效：
//  1. 订单仍在活动委托中 → 本 tick 不动作；
//  2. 成交明细存在 → 合成 Fill/PartialFill 事件，与行情流完全同路处理；
//  3. 订单历史可查 → 按状态分支（Filled 先延迟重查成交一次，再退化为仓位核对）；
//  4. 订单号完全未知 → 仅凭"交易所侧是否存在仓位"敲定状态。
func (r *Reconciler) Resolve(ctx context.Context, state engine.State, pending *engine.PendingOrder) (Outcome, error) {
	if pending == nil {
		return Outcome{}, fmt.Errorf("reconcile: 挂单为空，无法对账")
	}

	// 1. 活动委托查询。
	_, open, err := r.gateway.FetchOpenOrder(ctx, pending.OrderID)
	if err != nil {
		return Outcome{}, fmt.Errorf("reconcile: 查询活动委托失败: %w", err)
	}
	if open {
		r.logger.Debug("委托仍在活动中，本次对账不动作", zap.String("order_id", pending.OrderID))
		return Outcome{}, nil
	}

	// 2. 成交明细查询。
	executions, err := r.gateway.FetchExecutions(ctx, pending.OrderID)
	if err != nil {
		return Outcome{}, fmt.Errorf("reconcile: 查询成交明细失败: %w", err)
	}
	if len(executions) > 0 {
		r.inconclusive = 0
		return Outcome{Events: r.synthesize(pending, executions), Acted: true}, nil
	}

	// 3. 订单历史查询。
	order, found, err := r.gateway.FetchOrderHistory(ctx, pending.OrderID)
	if err != nil {
		return Outcome{}, fmt.Errorf("reconcile: 查询订单历史失败: %w", err)
	}
	if !found {
		// 4. 订单号未知：只能依据仓位存在性收敛。
		return r.resolveByPosition(ctx, pending, "order_unknown")
	}

	switch order.Status {
	case exchange.OrderStatusFilled:
		// 已成交但查不到成交明细：短暂延迟后重查一次，仍无则退化为仓位核对。
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-time.After(r.cfg.RetryDelay):
		}
		executions, err = r.gateway.FetchExecutions(ctx, pending.OrderID)
		if err != nil {
			return Outcome{}, fmt.Errorf("reconcile: 二次查询成交明细失败: %w", err)
		}
		if len(executions) > 0 {
			r.inconclusive = 0
			return Outcome{Events: r.synthesize(pending, executions), Acted: true}, nil
		}
		return r.resolveByPosition(ctx, pending, "filled_without_executions")
	case exchange.OrderStatusCancelled:
		// 撤销与成交可能赛跑，仓位或许已经开出来了。
		return r.resolveByPosition(ctx, pending, "order_cancelled")
	default:
		return r.resolveByPosition(ctx, pending, fmt.Sprintf("order_status_%s", order.Status))
	}
}

// synthesize 把成交明细转为执行事件。携带交易所执行编号，
// 因此即便稍后行情流补投同一笔成交，也会被幂等层拦下。
func (r *Reconciler) synthesize(pending *engine.PendingOrder, executions []exchange.Execution) []engine.ExecutionEvent {
	events := make([]engine.ExecutionEvent, 0, len(executions))
	var cumulative float64
	for _, exec := range executions {
		cumulative += exec.Quantity
		events = append(events, engine.ExecutionEvent{
			Kind:           engine.KindPartialFill,
			OrderID:        pending.OrderID,
			ClientID:       pending.ClientID,
			FilledQuantity: exec.Quantity,
			TargetQuantity: pending.Quantity,
			Timestamp:      exec.At,
			ExecID:         exec.ExecID,
			Price:          exec.Price,
			Fee:            exec.Fee,
			Synthetic:      true,
		})
	}
	if cumulative >= pending.Quantity-1e-9 {
		events[len(events)-1].Kind = engine.KindFill
	}

	r.logger.Info("对账合成成交事件",
		zap.String("order_id", pending.OrderID),
		zap.Int("executions", len(events)),
		zap.Float64("cumulative", cumulative),
	)
	return events
}

// resolveByPosition 依据交易所侧仓位存在性敲定状态，挂单一律清除。
// 存在性连续两次无法确认时回退 Flat，绝不让系统无限期停留在待定状态。
func (r *Reconciler) resolveByPosition(ctx context.Context, pending *engine.PendingOrder, cause string) (Outcome, error) {
	pos, err := r.gateway.FetchPosition(ctx)
	if err != nil {
		r.inconclusive++
		r.logger.Warn("仓位存在性核对失败",
			zap.String("cause", cause),
			zap.Int("inconclusive", r.inconclusive),
			zap.Error(err),
		)
		if r.inconclusive >= r.cfg.InconclusiveLimit {
			r.inconclusive = 0
			return Outcome{
				Direct: &Resolution{
					State: engine.StateFlat,
					Note:  fmt.Sprintf("仓位核对连续无法确认(%s)，清除挂单回退 Flat", cause),
				},
				Acted: true,
			}, nil
		}
		return Outcome{}, nil
	}

	r.inconclusive = 0

	if !pos.Exists {
		return Outcome{
			Direct: &Resolution{
				State: engine.StateFlat,
				Note:  fmt.Sprintf("交易所侧无仓位(%s)，回退 Flat", cause),
			},
			Acted: true,
		}, nil
	}

	// 仓位存在：按交易所数据重建，止损强制标记缺失以触发立即补挂。
	return Outcome{
		Direct: &Resolution{
			State: engine.StateInPosition,
			Position: &engine.Position{
				Quantity:   pos.Quantity,
				EntryPrice: pos.EntryPrice,
				Direction:  pos.Direction,
				SignalID:   pending.ClientID,
				StopStatus: engine.StopMissing,
				OpenedAt:   time.Now().UTC(),
			},
			Note: fmt.Sprintf("交易所侧存在仓位(%s)，进入 InPosition", cause),
		},
		Acted: true,
	}, nil
}
