package market

import (
	"testing"
	"time"
)

func sessionSnap(t *SessionTracker, now time.Time) Snapshot {
	var snap Snapshot
	t.fill(&snap, now)
	return snap
}

func TestSessionTrackerAccumulates(t *testing.T) {
	tr := NewSessionTracker()
	now := time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)

	tr.RecordTradeClose(-3.0, 0.5, 0.1, 2.0, now)
	tr.RecordTradeClose(-2.0, 0.4, 0.2, 0, now.Add(time.Minute))

	snap := sessionSnap(tr, now.Add(2*time.Minute))
	if snap.DailyRealizedPnL != -5.0 {
		t.Fatalf("daily pnl = %v, want -5", snap.DailyRealizedPnL)
	}
	if snap.WeeklyRealizedPnL != -5.0 {
		t.Fatalf("weekly pnl = %v, want -5", snap.WeeklyRealizedPnL)
	}
	if snap.LossStreak != 2 {
		t.Fatalf("loss streak = %d, want 2", snap.LossStreak)
	}
	if snap.TradesToday != 2 {
		t.Fatalf("trades today = %d, want 2", snap.TradesToday)
	}
	if len(snap.FeeRatios) != 2 {
		t.Fatalf("fee ratios = %d, want 2", len(snap.FeeRatios))
	}
	if len(snap.Slippages) != 1 {
		t.Fatalf("slippage samples = %d, want 1 (zero sample skipped)", len(snap.Slippages))
	}
}

func TestSessionTrackerProfitResetsStreak(t *testing.T) {
	tr := NewSessionTracker()
	now := time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)

	tr.RecordTradeClose(-1.0, 0, 0, 0, now)
	tr.RecordTradeClose(-1.0, 0, 0, 0, now)
	tr.RecordTradeClose(2.0, 0, 0, 0, now)

	if snap := sessionSnap(tr, now); snap.LossStreak != 0 {
		t.Fatalf("loss streak = %d, want 0 after profit", snap.LossStreak)
	}
}

func TestSessionTrackerDayRollover(t *testing.T) {
	tr := NewSessionTracker()
	day1 := time.Date(2025, 6, 4, 23, 50, 0, 0, time.UTC)
	day2 := time.Date(2025, 6, 5, 0, 10, 0, 0, time.UTC)

	tr.RecordTradeClose(-10.0, 0, 0, 0, day1)

	snap := sessionSnap(tr, day2)
	if snap.DailyRealizedPnL != 0 {
		t.Fatalf("daily pnl = %v, want 0 after UTC midnight", snap.DailyRealizedPnL)
	}
	if snap.TradesToday != 0 {
		t.Fatalf("trades today = %d, want 0 after UTC midnight", snap.TradesToday)
	}
	// 同一周内跨日，周统计保留。
	if snap.WeeklyRealizedPnL != -10.0 {
		t.Fatalf("weekly pnl = %v, want -10 within same week", snap.WeeklyRealizedPnL)
	}
	// 连亏跨日不清零。
	if snap.LossStreak != 1 {
		t.Fatalf("loss streak = %d, want 1 across days", snap.LossStreak)
	}
}

func TestSessionTrackerWeekRollover(t *testing.T) {
	tr := NewSessionTracker()
	// 2025-06-08 是周日，2025-06-09 是下周一。
	sunday := time.Date(2025, 6, 8, 12, 0, 0, 0, time.UTC)
	monday := time.Date(2025, 6, 9, 0, 5, 0, 0, time.UTC)

	tr.RecordTradeClose(-10.0, 0, 0, 0, sunday)

	snap := sessionSnap(tr, monday)
	if snap.WeeklyRealizedPnL != 0 {
		t.Fatalf("weekly pnl = %v, want 0 after Monday rollover", snap.WeeklyRealizedPnL)
	}
}

func TestSessionTrackerFeeRatioWindowBounded(t *testing.T) {
	tr := NewSessionTracker()
	now := time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)

	for i := 0; i < feeRatioKeep+5; i++ {
		tr.RecordTradeClose(1.0, 0, float64(i), 0, now)
	}

	snap := sessionSnap(tr, now)
	if len(snap.FeeRatios) != feeRatioKeep {
		t.Fatalf("fee ratios = %d, want %d", len(snap.FeeRatios), feeRatioKeep)
	}
	if got := snap.FeeRatios[len(snap.FeeRatios)-1]; got != float64(feeRatioKeep+4) {
		t.Fatalf("newest fee ratio = %v, want %v", got, float64(feeRatioKeep+4))
	}
}

func TestSessionTrackerLastFill(t *testing.T) {
	tr := NewSessionTracker()
	now := time.Now()

	tr.RecordFill(50000)
	tr.RecordFill(0) // 非法价格忽略
	if snap := sessionSnap(tr, now); snap.LastFillPrice != 50000 {
		t.Fatalf("last fill = %v, want 50000", snap.LastFillPrice)
	}
}

func TestSessionTrackerLinkDegraded(t *testing.T) {
	tr := NewSessionTracker()
	start := time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)

	tr.SetLinkDegraded(true, start)
	snap := sessionSnap(tr, start.Add(30*time.Second))
	if !snap.LinkDegraded {
		t.Fatal("expected link degraded")
	}
	if snap.LinkDegradedFor != 30*time.Second {
		t.Fatalf("degraded for = %v, want 30s", snap.LinkDegradedFor)
	}

	// 重复置位不刷新起点。
	tr.SetLinkDegraded(true, start.Add(time.Minute))
	snap = sessionSnap(tr, start.Add(2*time.Minute))
	if snap.LinkDegradedFor != 2*time.Minute {
		t.Fatalf("degraded for = %v, want 2m from first degradation", snap.LinkDegradedFor)
	}

	tr.SetLinkDegraded(false, start.Add(3*time.Minute))
	snap = sessionSnap(tr, start.Add(4*time.Minute))
	if snap.LinkDegraded || snap.LinkDegradedFor != 0 {
		t.Fatalf("expected recovered link, got degraded=%v for=%v", snap.LinkDegraded, snap.LinkDegradedFor)
	}
}
