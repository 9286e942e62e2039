package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_ticks_total",
		Help: "心跳执行次数。",
	})

	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_events_total",
		Help: "执行事件处理次数，按结果（接受/重复/过期序号）区分。",
	}, []string{"result"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_transitions_total",
		Help: "状态机转移次数，按起止状态区分。",
	}, []string{"from", "to"})

	haltsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_halts_total",
		Help: "熔断次数，按原因区分。",
	}, []string{"reason"})

	tradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_trades_total",
		Help: "平仓笔数，按平仓原因区分。",
	}, []string{"reason"})

	stopUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_stop_updates_total",
		Help: "止损维护次数，按动作区分。",
	}, []string{"action"})

	reconcilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_reconciles_total",
		Help: "REST 对账次数，按结论区分。",
	}, []string{"resolution"})

	entriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_entries_total",
		Help: "开仓提交次数。",
	})

	errorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_errors_total",
		Help: "监控捕获的异常次数。",
	})

	realizedPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_realized_pnl_usdt",
		Help: "累计已实现盈亏。",
	})

	currentState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_state",
		Help: "当前状态机状态编号。",
	})
)

func stateGaugeValue(state string) float64 {
	switch state {
	case "flat":
		return 0
	case "entry_pending":
		return 1
	case "in_position":
		return 2
	case "exit_pending":
		return 3
	case "halt":
		return 4
	case "cooldown":
		return 5
	default:
		return -1
	}
}
