package sizing

import (
	"math"
	"testing"
)

func baseInput() Input {
	return Input{
		MaxLossUSDT:     20,
		EntryPrice:      50000,
		StopDistancePct: 0.01,
		Leverage:        5,
		FeeRate:         0.0005,
		Equity:          1000,
		MarginHaircut:   0.8,
		LotStep:         0.001,
	}
}

func TestCompute_BudgetBoundedQuantity(t *testing.T) {
	in := baseInput()
	result := Compute(in)

	if !result.OK {
		t.Fatalf("expected OK, got reason %q", result.Reason)
	}

	// 预算路径: 20 / (50000*0.01) = 0.04；保证金路径: 1000*0.8*5/50000 = 0.08
	if math.Abs(result.RawLoss-0.04) > 1e-12 {
		t.Errorf("expected raw loss qty 0.04, got %f", result.RawLoss)
	}
	if math.Abs(result.RawMarg-0.08) > 1e-12 {
		t.Errorf("expected raw margin qty 0.08, got %f", result.RawMarg)
	}
	if math.Abs(result.Quantity-0.04) > 1e-12 {
		t.Errorf("expected min(budget,margin) floored, got %f", result.Quantity)
	}

	// 最大可能亏损不超过预算
	maxLoss := result.Quantity * in.EntryPrice * in.StopDistancePct
	if maxLoss > in.MaxLossUSDT+1e-9 {
		t.Errorf("max loss %f exceeds budget %f", maxLoss, in.MaxLossUSDT)
	}
}

func TestCompute_FloorsToLotStepNeverUp(t *testing.T) {
	in := baseInput()
	in.LotStep = 0.03 // 0.04 / 0.03 = 1.33 → 1 lot

	result := Compute(in)
	if !result.OK {
		t.Fatalf("expected OK, got %q", result.Reason)
	}
	if result.Lots != 1 {
		t.Errorf("expected 1 lot, got %d", result.Lots)
	}
	if math.Abs(result.Quantity-0.03) > 1e-12 {
		t.Errorf("quantity must round down, got %f", result.Quantity)
	}
}

func TestCompute_BelowMinLotRejected(t *testing.T) {
	in := baseInput()
	in.LotStep = 0.05 // raw 0.04 < one lot

	result := Compute(in)
	if result.OK {
		t.Fatal("quantity below one lot must be rejected, never rounded up")
	}
	if result.Reason != ReasonBelowMinLot {
		t.Errorf("expected reason %q, got %q", ReasonBelowMinLot, result.Reason)
	}
}

func TestCompute_RevalidationStepsDown(t *testing.T) {
	// 构造取整后仍超出保证金预算的输入：巨大的费率把要求推过预算线。
	in := Input{
		MaxLossUSDT:     10000,
		EntryPrice:      100,
		StopDistancePct: 0.01,
		Leverage:        1,
		FeeRate:         0.5, // 极端费率，复核必然降档
		Equity:          1000,
		MarginHaircut:   1.0,
		LotStep:         1,
	}

	result := Compute(in)
	if !result.OK {
		t.Fatalf("expected step-down to succeed, got %q", result.Reason)
	}

	notional := result.Quantity * in.EntryPrice
	required := notional/in.Leverage + 2*notional*in.FeeRate
	if required > in.Equity*in.MarginHaircut+1e-9 {
		t.Errorf("post-rounding revalidation violated: required %f > budget %f",
			required, in.Equity*in.MarginHaircut)
	}
	// rawMargin 允许 10 手，但复核必须降到 5 手
	if result.Lots != 5 {
		t.Errorf("expected 5 lots after step-down, got %d", result.Lots)
	}
}

func TestCompute_InvalidInputRejected(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Input)
	}{
		{"zero price", func(in *Input) { in.EntryPrice = 0 }},
		{"zero stop distance", func(in *Input) { in.StopDistancePct = 0 }},
		{"zero lot step", func(in *Input) { in.LotStep = 0 }},
		{"zero budget", func(in *Input) { in.MaxLossUSDT = 0 }},
		{"zero equity", func(in *Input) { in.Equity = 0 }},
	}
	for _, tc := range cases {
		in := baseInput()
		tc.mutate(&in)
		result := Compute(in)
		if result.OK || result.Reason != ReasonInvalidInput {
			t.Errorf("%s: expected invalid input rejection, got %+v", tc.name, result)
		}
	}
}

func TestCompute_MonotoneInBudget(t *testing.T) {
	small := baseInput()
	small.MaxLossUSDT = 10
	large := baseInput()
	large.MaxLossUSDT = 30

	qs := Compute(small)
	ql := Compute(large)
	if !qs.OK || !ql.OK {
		t.Fatal("both inputs should size successfully")
	}
	if qs.Quantity > ql.Quantity {
		t.Errorf("larger budget must never size smaller: %f > %f", qs.Quantity, ql.Quantity)
	}
}

func TestCompute_TighterStopSizesLarger(t *testing.T) {
	tight := baseInput()
	tight.StopDistancePct = 0.005
	wide := baseInput()
	wide.StopDistancePct = 0.02

	qt := Compute(tight)
	qw := Compute(wide)
	if !qt.OK || !qw.OK {
		t.Fatal("both inputs should size successfully")
	}
	if qt.Quantity < qw.Quantity {
		t.Errorf("tighter stop must allow larger size: %f < %f", qt.Quantity, qw.Quantity)
	}
}
