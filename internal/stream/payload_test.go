package stream

import (
	"testing"

	"perp-engine/internal/engine"
)

const testSymbol = "BTC/USDT:USDT"

func TestParseMessageFullFill(t *testing.T) {
	raw := []byte(`{"e":"ORDER_TRADE_UPDATE","E":1748854800000,"o":{
		"s":"BTCUSDT","c":"eng-abc","i":1001,"S":"BUY","X":"FILLED","x":"TRADE",
		"ot":"LIMIT","l":"0.02","z":"0.05","q":"0.05","L":"50100.5","n":"0.12","t":778899}}`)

	ev, err := parseMessage(raw, testSymbol)
	if err != nil {
		t.Fatalf("parseMessage: %v", err)
	}
	if ev == nil {
		t.Fatal("expected event")
	}
	if ev.Kind != engine.KindFill {
		t.Fatalf("kind = %v, want fill", ev.Kind)
	}
	if ev.OrderID != "1001" || ev.ClientID != "eng-abc" {
		t.Fatalf("ids = %q/%q", ev.OrderID, ev.ClientID)
	}
	// 末笔成交也只上报本笔增量，累计值由状态机自己累加。
	if ev.FilledQuantity != 0.02 {
		t.Fatalf("filled = %v, want last qty 0.02", ev.FilledQuantity)
	}
	if ev.ExecID != "778899" {
		t.Fatalf("exec id = %q, want venue trade id", ev.ExecID)
	}
	if ev.Price != 50100.5 || ev.Fee != 0.12 {
		t.Fatalf("price/fee = %v/%v", ev.Price, ev.Fee)
	}
	if ev.Timestamp.UnixMilli() != 1748854800000 {
		t.Fatalf("timestamp = %v", ev.Timestamp)
	}
}

func TestParseMessagePartialFill(t *testing.T) {
	raw := []byte(`{"e":"ORDER_TRADE_UPDATE","E":1748854800000,"o":{
		"s":"BTCUSDT","c":"eng-abc","i":1001,"X":"PARTIALLY_FILLED","x":"TRADE",
		"ot":"LIMIT","l":"0.02","z":"0.02","q":"0.05","L":"50100.5","n":"0.05","t":778898}}`)

	ev, err := parseMessage(raw, testSymbol)
	if err != nil {
		t.Fatalf("parseMessage: %v", err)
	}
	if ev.Kind != engine.KindPartialFill {
		t.Fatalf("kind = %v, want partial fill", ev.Kind)
	}
	// 部分成交上报本笔数量。
	if ev.FilledQuantity != 0.02 {
		t.Fatalf("filled = %v, want last qty 0.02", ev.FilledQuantity)
	}
	if ev.TargetQuantity != 0.05 {
		t.Fatalf("target = %v, want 0.05", ev.TargetQuantity)
	}
}

func TestParseMessageCancelCarriesCumulative(t *testing.T) {
	raw := []byte(`{"e":"ORDER_TRADE_UPDATE","E":1748854800000,"o":{
		"s":"BTCUSDT","c":"eng-abc","i":1001,"X":"CANCELED","x":"CANCELED",
		"ot":"LIMIT","l":"0","z":"0.02","q":"0.05","L":"0","n":"0","t":0}}`)

	ev, err := parseMessage(raw, testSymbol)
	if err != nil {
		t.Fatalf("parseMessage: %v", err)
	}
	if ev.Kind != engine.KindCancel {
		t.Fatalf("kind = %v, want cancel", ev.Kind)
	}
	if ev.FilledQuantity != 0.02 {
		t.Fatalf("filled = %v, want cumulative 0.02", ev.FilledQuantity)
	}
	// trade id 为 0 时不得伪造 exec id。
	if ev.ExecID != "" {
		t.Fatalf("exec id = %q, want empty", ev.ExecID)
	}
}

func TestParseMessageReject(t *testing.T) {
	raw := []byte(`{"e":"ORDER_TRADE_UPDATE","E":1748854800000,"o":{
		"s":"BTCUSDT","c":"eng-abc","i":1001,"X":"REJECTED","x":"REJECTED",
		"ot":"LIMIT","l":"0","z":"0","q":"0.05","L":"0","n":"0","t":0}}`)

	ev, err := parseMessage(raw, testSymbol)
	if err != nil {
		t.Fatalf("parseMessage: %v", err)
	}
	if ev.Kind != engine.KindReject {
		t.Fatalf("kind = %v, want reject", ev.Kind)
	}
}

func TestParseMessageLiquidationByClientPrefix(t *testing.T) {
	raw := []byte(`{"e":"ORDER_TRADE_UPDATE","E":1748854800000,"o":{
		"s":"BTCUSDT","c":"autoclose-12345","i":2002,"X":"FILLED","x":"TRADE",
		"ot":"LIMIT","l":"0.05","z":"0.05","q":"0.05","L":"48000","n":"1.2","t":778900}}`)

	ev, err := parseMessage(raw, testSymbol)
	if err != nil {
		t.Fatalf("parseMessage: %v", err)
	}
	if ev.Kind != engine.KindLiquidation {
		t.Fatalf("kind = %v, want liquidation", ev.Kind)
	}
}

func TestParseMessageLiquidationByOrderType(t *testing.T) {
	raw := []byte(`{"e":"ORDER_TRADE_UPDATE","E":1748854800000,"o":{
		"s":"BTCUSDT","c":"x","i":2003,"X":"FILLED","x":"TRADE",
		"ot":"LIQUIDATION","l":"0.05","z":"0.05","q":"0.05","L":"48000","n":"1.2","t":778901}}`)

	ev, err := parseMessage(raw, testSymbol)
	if err != nil {
		t.Fatalf("parseMessage: %v", err)
	}
	if ev.Kind != engine.KindLiquidation {
		t.Fatalf("kind = %v, want liquidation", ev.Kind)
	}
}

func TestParseMessageNewOrderIgnored(t *testing.T) {
	raw := []byte(`{"e":"ORDER_TRADE_UPDATE","E":1748854800000,"o":{
		"s":"BTCUSDT","c":"eng-abc","i":1001,"X":"NEW","x":"NEW",
		"ot":"LIMIT","l":"0","z":"0","q":"0.05","L":"0","n":"0","t":0}}`)

	ev, err := parseMessage(raw, testSymbol)
	if err != nil {
		t.Fatalf("parseMessage: %v", err)
	}
	if ev != nil {
		t.Fatalf("expected nil for NEW ack, got %+v", ev)
	}
}

func TestParseMessageOtherSymbolIgnored(t *testing.T) {
	raw := []byte(`{"e":"ORDER_TRADE_UPDATE","E":1748854800000,"o":{
		"s":"ETHUSDT","c":"eng-abc","i":1001,"X":"FILLED","x":"TRADE",
		"ot":"LIMIT","l":"1","z":"1","q":"1","L":"3000","n":"0.1","t":5}}`)

	ev, err := parseMessage(raw, testSymbol)
	if err != nil {
		t.Fatalf("parseMessage: %v", err)
	}
	if ev != nil {
		t.Fatalf("expected nil for foreign symbol, got %+v", ev)
	}
}

func TestParseMessageAutoDeleverage(t *testing.T) {
	raw := []byte(`{"e":"ACCOUNT_UPDATE","E":1748854800000,"a":{
		"m":"AUTO_EXCHANGE","P":[{"s":"BTCUSDT","pa":"-0.03","ep":"50000"}]}}`)

	ev, err := parseMessage(raw, testSymbol)
	if err != nil {
		t.Fatalf("parseMessage: %v", err)
	}
	if ev == nil {
		t.Fatal("expected event")
	}
	if ev.Kind != engine.KindAutoDeleverage {
		t.Fatalf("kind = %v, want auto-deleverage", ev.Kind)
	}
	if !ev.HasQtyAfter {
		t.Fatal("expected qty-after to be present")
	}
	// 空头仓位报负数，事件承载绝对值。
	if ev.QtyAfter != 0.03 {
		t.Fatalf("qty after = %v, want 0.03", ev.QtyAfter)
	}
}

func TestParseMessageAccountUpdateOtherReasonIgnored(t *testing.T) {
	raw := []byte(`{"e":"ACCOUNT_UPDATE","E":1748854800000,"a":{
		"m":"ORDER","P":[{"s":"BTCUSDT","pa":"0.05","ep":"50000"}]}}`)

	ev, err := parseMessage(raw, testSymbol)
	if err != nil {
		t.Fatalf("parseMessage: %v", err)
	}
	if ev != nil {
		t.Fatalf("expected nil for routine account update, got %+v", ev)
	}
}

func TestParseMessageUnknownEventIgnored(t *testing.T) {
	ev, err := parseMessage([]byte(`{"e":"MARGIN_CALL","E":1748854800000}`), testSymbol)
	if err != nil {
		t.Fatalf("parseMessage: %v", err)
	}
	if ev != nil {
		t.Fatalf("expected nil for unrelated event, got %+v", ev)
	}
}

func TestParseMessageMalformed(t *testing.T) {
	if _, err := parseMessage([]byte(`{"e":`), testSymbol); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestSymbolMatches(t *testing.T) {
	cases := []struct {
		raw        string
		configured string
		want       bool
	}{
		{"BTCUSDT", "BTC/USDT:USDT", true},
		{"BTCUSDT", "BTCUSDT", true},
		{"btcusdt", "BTC/USDT:USDT", true},
		{"ETHUSDT", "BTC/USDT:USDT", false},
		// 币本位符号是 USDT 符号的前缀，不得误放行。
		{"BTCUSD", "BTC/USDT:USDT", false},
		{"BTC", "BTC/USDT:USDT", false},
		{"", "BTC/USDT:USDT", false},
		{"BTCUSDT", "", false},
	}
	for _, tc := range cases {
		if got := symbolMatches(tc.raw, tc.configured); got != tc.want {
			t.Errorf("symbolMatches(%q, %q) = %v, want %v", tc.raw, tc.configured, got, tc.want)
		}
	}
}

// 部分成交后跟末笔 FILLED 推送的真实序列：数量必须累加到委托总量，
// 既不在入场侧把仓位加成 0.7，也不在离场侧误报超量成交。
func TestParsedFillSequenceFeedsTransitionExactly(t *testing.T) {
	partial := []byte(`{"e":"ORDER_TRADE_UPDATE","E":1748854800000,"o":{
		"s":"BTCUSDT","c":"eng-abc","i":1001,"X":"PARTIALLY_FILLED","x":"TRADE",
		"ot":"LIMIT","l":"0.2","z":"0.2","q":"0.5","L":"50000","n":"0.02","t":1}}`)
	final := []byte(`{"e":"ORDER_TRADE_UPDATE","E":1748854801000,"o":{
		"s":"BTCUSDT","c":"eng-abc","i":1001,"X":"FILLED","x":"TRADE",
		"ot":"LIMIT","l":"0.3","z":"0.5","q":"0.5","L":"50000","n":"0.03","t":2}}`)

	ev1, err := parseMessage(partial, testSymbol)
	if err != nil {
		t.Fatalf("parseMessage(partial): %v", err)
	}
	ev2, err := parseMessage(final, testSymbol)
	if err != nil {
		t.Fatalf("parseMessage(final): %v", err)
	}

	pending := &engine.PendingOrder{
		OrderID:  "1001",
		ClientID: "eng-abc",
		Quantity: 0.5,
		Price:    50000,
		Side:     engine.OrderSideBuy,
	}
	r1 := engine.Transition(engine.StateEntryPending, nil, pending, *ev1)
	if r1.State != engine.StateInPosition {
		t.Fatalf("after partial: state = %s, want in_position", r1.State)
	}
	r2 := engine.Transition(r1.State, r1.Position, r1.Pending, *ev2)
	if r2.State != engine.StateInPosition {
		t.Fatalf("after final fill: state = %s, want in_position", r2.State)
	}
	if diff := r2.Position.Quantity - 0.5; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("entry quantity = %f, want 0.5 (no double counting of the partial)", r2.Position.Quantity)
	}
	if r2.Position.EntryWorking {
		t.Error("final fill must clear the entry working flag")
	}

	// 同一序列作用在离场侧：0.5 仓位被 0.2+0.3 两笔吃完，应回到 flat。
	pos := &engine.Position{
		Quantity:   0.5,
		EntryPrice: 49000,
		Direction:  engine.DirectionLong,
	}
	exit := &engine.PendingOrder{
		OrderID:  "1001",
		ClientID: "eng-abc",
		Quantity: 0.5,
		Side:     engine.OrderSideSell,
	}
	x1 := engine.Transition(engine.StateExitPending, pos, exit, *ev1)
	if x1.State != engine.StateExitPending {
		t.Fatalf("after partial exit: state = %s, want exit_pending", x1.State)
	}
	x2 := engine.Transition(x1.State, x1.Position, x1.Pending, *ev2)
	if x2.State != engine.StateFlat {
		t.Fatalf("after final exit fill: state = %s, want flat", x2.State)
	}
}
