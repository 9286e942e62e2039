package app

import (
	"context"
	"reflect"
	"testing"

	"go.uber.org/zap"

	"perp-engine/internal/config"
	"perp-engine/internal/engine"
	"perp-engine/internal/exchange"
	"perp-engine/internal/market"
	"perp-engine/internal/monitor"
	"perp-engine/internal/risk"
	"perp-engine/internal/store"
)

// stubData 提供固定的行情读数，K线波幅恒定以产生有效 ATR。
type stubData struct{}

func (stubData) FetchCandles(ctx context.Context, timeframe string, limit int64) ([]exchange.Candle, error) {
	candles := make([]exchange.Candle, 20)
	for i := range candles {
		candles[i] = exchange.Candle{Open: 100, High: 101, Low: 99, Close: 100}
	}
	return candles, nil
}

func (stubData) FetchMarkPrice(ctx context.Context) (float64, error) { return 50000, nil }

func (stubData) FetchEquity(ctx context.Context) (float64, error) { return 1000, nil }

// stubGateway 记录撤单调用，其余操作不应在被测路径上发生。
type stubGateway struct {
	cancelled []string
}

func (g *stubGateway) FetchPosition(ctx context.Context) (exchange.PositionState, error) {
	return exchange.PositionState{}, nil
}

func (g *stubGateway) FetchOpenOrder(ctx context.Context, orderID string) (exchange.OrderState, bool, error) {
	return exchange.OrderState{}, false, nil
}

func (g *stubGateway) FetchExecutions(ctx context.Context, orderID string) ([]exchange.Execution, error) {
	return nil, nil
}

func (g *stubGateway) FetchOrderHistory(ctx context.Context, orderID string) (exchange.OrderState, bool, error) {
	return exchange.OrderState{}, false, nil
}

func (g *stubGateway) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	return exchange.OrderAck{OrderID: "stub-order"}, nil
}

func (g *stubGateway) CancelOrder(ctx context.Context, orderID string) error {
	g.cancelled = append(g.cancelled, orderID)
	return nil
}

func (g *stubGateway) AmendOrder(ctx context.Context, orderID string, req exchange.AmendRequest) (exchange.OrderAck, error) {
	return exchange.OrderAck{OrderID: orderID}, nil
}

func newTestOrchestrator(t *testing.T) (*orchestrator, *stubGateway) {
	t.Helper()

	logger := zap.NewNop()
	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	monitorSvc, err := monitor.NewService(st, logger)
	if err != nil {
		t.Fatalf("monitor service: %v", err)
	}
	journal, err := risk.NewJournal(st, logger)
	if err != nil {
		t.Fatalf("risk journal: %v", err)
	}

	gw := &stubGateway{}
	cfg := &config.Config{}
	return &orchestrator{
		cfg:       cfg,
		logger:    logger,
		market:    market.NewService(stubData{}, market.NewSessionTracker(), logger),
		risk:      risk.NewManager(risk.DefaultConfig(), journal, logger),
		executor:  newExecutor(gw, cfg.Stop, logger),
		monitor:   monitorSvc,
		signal:    bandSignal{widthATR: 2.0},
		queue:     engine.NewQueue(8),
		processor: engine.NewProcessor(8),
		state:     engine.StateFlat,
	}, gw
}

func TestEnterHaltDropsPositionAndPending(t *testing.T) {
	o, gw := newTestOrchestrator(t)
	o.state = engine.StateExitPending
	o.position = &engine.Position{Quantity: 0.5, Direction: engine.DirectionLong}
	o.pending = &engine.PendingOrder{OrderID: "exit-1", Quantity: 0.5}

	o.enterHalt(context.Background(), engine.ReasonManualKillSwitch)

	if o.state != engine.StateHalt {
		t.Fatalf("state = %s, want halt", o.state)
	}
	if o.position != nil {
		t.Error("halt must drop the local position view")
	}
	if o.pending != nil {
		t.Error("halt must drop the pending order")
	}
	if len(gw.cancelled) != 1 || gw.cancelled[0] != "exit-1" {
		t.Errorf("pending order must be cancelled on halt, got %v", gw.cancelled)
	}
	if o.haltReason != engine.ReasonManualKillSwitch {
		t.Errorf("halt reason = %q", o.haltReason)
	}
}

func TestApplyIntentsCancelsBeforeHalt(t *testing.T) {
	o, gw := newTestOrchestrator(t)
	o.state = engine.StateHalt // 模拟转移函数已产出停机后的三元组
	o.haltReason = ""

	o.applyIntents(context.Background(), engine.Intents{
		Cancels: []engine.CancelIntent{
			{OrderID: "order-1", Reason: engine.ReasonUnexpectedFill},
		},
		Halt: &engine.HaltIntent{Reason: engine.ReasonUnexpectedFill},
	}, engine.ExecutionEvent{OrderID: "stranger"})

	if len(gw.cancelled) != 1 || gw.cancelled[0] != "order-1" {
		t.Fatalf("cancel intent must reach the venue even when the transition halts, got %v", gw.cancelled)
	}
	if o.haltReason != engine.ReasonUnexpectedFill {
		t.Errorf("halt reason = %q, want %q", o.haltReason, engine.ReasonUnexpectedFill)
	}
}

func TestTickReportsExecutedSteps(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	report, err := o.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}

	want := []string{"kill_switch", "self_check", "snapshot", "risk_checks", "drain_events", "entry_gates"}
	if !reflect.DeepEqual(report.Steps, want) {
		t.Fatalf("steps = %v, want %v", report.Steps, want)
	}
}

func TestTickSkipsShortCircuitedStepsWhileHalted(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	o.state = engine.StateHalt
	o.haltReason = engine.ReasonManualKillSwitch

	report, err := o.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}

	want := []string{"kill_switch", "self_check", "snapshot", "drain_events"}
	if !reflect.DeepEqual(report.Steps, want) {
		t.Fatalf("steps = %v, want %v", report.Steps, want)
	}
	if report.State != "halt" {
		t.Errorf("state = %q, want halt", report.State)
	}
}
