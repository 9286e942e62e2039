package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"perp-engine/internal/engine"
	"perp-engine/internal/exchange"
)

// fakeGateway 按预置返回值模拟交易所，记录调用次数。
type fakeGateway struct {
	openOrder    exchange.OrderState
	openFound    bool
	openErr      error
	executions   [][]exchange.Execution
	execCalls    int
	execErr      error
	history      exchange.OrderState
	historyFound bool
	historyErr   error
	position     exchange.PositionState
	positionErr  error
}

func (f *fakeGateway) FetchOpenOrder(ctx context.Context, orderID string) (exchange.OrderState, bool, error) {
	return f.openOrder, f.openFound, f.openErr
}

func (f *fakeGateway) FetchExecutions(ctx context.Context, orderID string) ([]exchange.Execution, error) {
	if f.execErr != nil {
		return nil, f.execErr
	}
	if f.execCalls < len(f.executions) {
		out := f.executions[f.execCalls]
		f.execCalls++
		return out, nil
	}
	f.execCalls++
	return nil, nil
}

func (f *fakeGateway) FetchOrderHistory(ctx context.Context, orderID string) (exchange.OrderState, bool, error) {
	return f.history, f.historyFound, f.historyErr
}

func (f *fakeGateway) FetchPosition(ctx context.Context) (exchange.PositionState, error) {
	return f.position, f.positionErr
}

func (f *fakeGateway) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	return exchange.OrderAck{}, errors.New("not implemented")
}

func (f *fakeGateway) CancelOrder(ctx context.Context, orderID string) error {
	return errors.New("not implemented")
}

func (f *fakeGateway) AmendOrder(ctx context.Context, orderID string, req exchange.AmendRequest) (exchange.OrderAck, error) {
	return exchange.OrderAck{}, errors.New("not implemented")
}

func testConfig() Config {
	return Config{
		Timeout:           10 * time.Second,
		RetryDelay:        time.Millisecond,
		InconclusiveLimit: 2,
	}
}

func pendingEntry() *engine.PendingOrder {
	return &engine.PendingOrder{
		OrderID:     "order-1",
		ClientID:    "eng-abc",
		SubmittedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Quantity:    0.5,
		Price:       50000,
		Side:        engine.OrderSideBuy,
	}
}

func TestDue_OnlyWhilePendingAndSilent(t *testing.T) {
	r := New(&fakeGateway{}, testConfig(), nil)
	pending := pendingEntry()
	lastEvent := pending.SubmittedAt.Add(2 * time.Second)

	if r.Due(engine.StateFlat, pending, lastEvent, lastEvent.Add(time.Minute)) {
		t.Error("reconcile must not trigger outside pending states")
	}
	if r.Due(engine.StateEntryPending, nil, lastEvent, lastEvent.Add(time.Minute)) {
		t.Error("reconcile must not trigger without a pending order")
	}
	if r.Due(engine.StateEntryPending, pending, lastEvent, lastEvent.Add(5*time.Second)) {
		t.Error("reconcile must wait out the silence timeout")
	}
	if !r.Due(engine.StateEntryPending, pending, lastEvent, lastEvent.Add(11*time.Second)) {
		t.Error("silence beyond the timeout must trigger reconcile")
	}
}

func TestResolve_OpenOrderMeansNoAction(t *testing.T) {
	gw := &fakeGateway{openFound: true}
	r := New(gw, testConfig(), nil)

	outcome, err := r.Resolve(context.Background(), engine.StateEntryPending, pendingEntry())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Acted {
		t.Error("an order still on the book must produce no action")
	}
}

func TestResolve_ExecutionsSynthesizeEvents(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 5, 0, time.UTC)
	gw := &fakeGateway{
		executions: [][]exchange.Execution{{
			{ExecID: "x1", OrderID: "order-1", Quantity: 0.2, Price: 50000, At: at},
			{ExecID: "x2", OrderID: "order-1", Quantity: 0.3, Price: 50010, At: at.Add(time.Second)},
		}},
	}
	r := New(gw, testConfig(), nil)

	outcome, err := r.Resolve(context.Background(), engine.StateEntryPending, pendingEntry())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Acted || outcome.Direct != nil {
		t.Fatal("executions must synthesize events, not resolve directly")
	}
	if len(outcome.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(outcome.Events))
	}

	first, last := outcome.Events[0], outcome.Events[1]
	if first.Kind != engine.KindPartialFill {
		t.Errorf("first event must be a partial fill, got %s", first.Kind)
	}
	if last.Kind != engine.KindFill {
		t.Errorf("cumulative full quantity must flip the last event to fill, got %s", last.Kind)
	}
	if first.ExecID != "x1" || last.ExecID != "x2" {
		t.Error("synthesized events must carry venue exec ids for dedup")
	}
	if !first.Synthetic || !last.Synthetic {
		t.Error("synthesized events must be marked synthetic")
	}
}

func TestResolve_PartialExecutionsStayPartial(t *testing.T) {
	gw := &fakeGateway{
		executions: [][]exchange.Execution{{
			{ExecID: "x1", OrderID: "order-1", Quantity: 0.2, Price: 50000, At: time.Now().UTC()},
		}},
	}
	r := New(gw, testConfig(), nil)

	outcome, err := r.Resolve(context.Background(), engine.StateEntryPending, pendingEntry())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Events[0].Kind != engine.KindPartialFill {
		t.Errorf("incomplete quantity must stay a partial fill, got %s", outcome.Events[0].Kind)
	}
}

func TestResolve_FilledWithoutExecutionsRetriesOnce(t *testing.T) {
	at := time.Now().UTC()
	gw := &fakeGateway{
		historyFound: true,
		history:      exchange.OrderState{OrderID: "order-1", Status: exchange.OrderStatusFilled},
		executions: [][]exchange.Execution{
			nil, // 第一次为空
			{{ExecID: "x1", OrderID: "order-1", Quantity: 0.5, Price: 50000, At: at}},
		},
	}
	r := New(gw, testConfig(), nil)

	outcome, err := r.Resolve(context.Background(), engine.StateEntryPending, pendingEntry())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gw.execCalls != 2 {
		t.Errorf("filled order must re-query executions once, got %d calls", gw.execCalls)
	}
	if len(outcome.Events) != 1 || outcome.Events[0].Kind != engine.KindFill {
		t.Fatalf("retry must synthesize the fill, got %+v", outcome.Events)
	}
}

func TestResolve_CancelledFallsBackToPositionCheck(t *testing.T) {
	gw := &fakeGateway{
		historyFound: true,
		history:      exchange.OrderState{OrderID: "order-1", Status: exchange.OrderStatusCancelled},
		position:     exchange.PositionState{Exists: true, Quantity: 0.5, EntryPrice: 50000, Direction: engine.DirectionLong},
	}
	r := New(gw, testConfig(), nil)

	outcome, err := r.Resolve(context.Background(), engine.StateEntryPending, pendingEntry())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Direct == nil {
		t.Fatal("cancelled order must resolve via position check")
	}
	if outcome.Direct.State != engine.StateInPosition {
		t.Errorf("existing venue position must yield InPosition, got %s", outcome.Direct.State)
	}
	if outcome.Direct.Position.StopStatus != engine.StopMissing {
		t.Error("rebuilt position must mark the stop missing")
	}
}

func TestResolve_UnknownOrderWithoutPositionGoesFlat(t *testing.T) {
	gw := &fakeGateway{
		position: exchange.PositionState{Exists: false},
	}
	r := New(gw, testConfig(), nil)

	outcome, err := r.Resolve(context.Background(), engine.StateEntryPending, pendingEntry())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Direct == nil || outcome.Direct.State != engine.StateFlat {
		t.Fatalf("unknown order and no position must resolve Flat, got %+v", outcome.Direct)
	}
}

func TestResolve_InconclusiveTwiceForcesFlat(t *testing.T) {
	gw := &fakeGateway{
		positionErr: errors.New("venue unreachable"),
	}
	r := New(gw, testConfig(), nil)

	outcome, err := r.Resolve(context.Background(), engine.StateEntryPending, pendingEntry())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Acted {
		t.Fatal("first inconclusive check must not act")
	}

	outcome, err = r.Resolve(context.Background(), engine.StateEntryPending, pendingEntry())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Direct == nil || outcome.Direct.State != engine.StateFlat {
		t.Fatal("second inconclusive check must force Flat")
	}
}

func TestResolve_OpenOrderQueryErrorPropagates(t *testing.T) {
	gw := &fakeGateway{openErr: errors.New("timeout")}
	r := New(gw, testConfig(), nil)

	if _, err := r.Resolve(context.Background(), engine.StateEntryPending, pendingEntry()); err == nil {
		t.Fatal("transport errors must propagate, not resolve state")
	}
}
