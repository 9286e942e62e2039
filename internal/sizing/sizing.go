// Package sizing 根据风险预算、保证金与交易所数量规则计算下单数量。
package sizing

import (
	"fmt"
	"math"
)

// Input 为一次仓位测算的全部输入。
type Input struct {
	MaxLossUSDT     float64 // 单笔最大可承受亏损
	EntryPrice      float64
	StopDistancePct float64 // 止损距离占入场价比例 (0,1)
	Leverage        float64
	FeeRate         float64 // 单边费率
	Equity          float64 // 可用净值
	MarginHaircut   float64 // 保证金安全折扣，默认 0.8
	LotStep         float64 // 最小交易单位
}

// Result 为测算结果。OK=false 时 Reason 给出机器可读的拒绝原因。
type Result struct {
	OK       bool
	Reason   string
	Quantity float64 // 量化到 LotStep 后的数量
	Lots     int64
	RawLoss  float64 // 按预算反推的原始数量
	RawMarg  float64 // 按保证金约束的原始数量
}

// 拒绝原因码。属于策略性拒绝，不触发停机。
const (
	ReasonInvalidInput       = "sizing_invalid_input"
	ReasonBelowMinLot        = "sizing_below_min_lot"
	ReasonMarginInsufficient = "sizing_margin_insufficient"
)

// DefaultMarginHaircut 为保证金测算默认折扣。
const DefaultMarginHaircut = 0.8

// Compute 计算下单数量：
// 先由亏损预算反推数量，再独立计算保证金上限数量，取两者较小值，
// 向下取整到 LotStep 后，必须再次校验保证金加上双边手续费缓冲——
// 取整可能让原本可行的数量重新越界，复核不是可选项。
// 不足一个 LotStep 直接拒绝，绝不向上取整。
func Compute(in Input) Result {
	if in.EntryPrice <= 0 || in.StopDistancePct <= 0 || in.LotStep <= 0 {
		return Result{Reason: ReasonInvalidInput}
	}
	if in.MaxLossUSDT <= 0 || in.Equity <= 0 {
		return Result{Reason: ReasonInvalidInput}
	}
	if in.Leverage <= 0 {
		in.Leverage = 1
	}
	haircut := in.MarginHaircut
	if haircut <= 0 || haircut > 1 {
		haircut = DefaultMarginHaircut
	}

	rawLoss := in.MaxLossUSDT / (in.EntryPrice * in.StopDistancePct)
	rawMargin := in.Equity * haircut * in.Leverage / in.EntryPrice

	raw := math.Min(rawLoss, rawMargin)
	lots := int64(math.Floor(raw / in.LotStep))
	if lots < 1 {
		return Result{
			Reason:  ReasonBelowMinLot,
			RawLoss: rawLoss,
			RawMarg: rawMargin,
		}
	}

	budget := in.Equity * haircut
	for lots >= 1 {
		qty := float64(lots) * in.LotStep
		notional := qty * in.EntryPrice
		required := notional/in.Leverage + 2*notional*in.FeeRate
		if required <= budget {
			return Result{
				OK:       true,
				Quantity: qty,
				Lots:     lots,
				RawLoss:  rawLoss,
				RawMarg:  rawMargin,
			}
		}
		lots--
	}

	return Result{
		Reason:  ReasonMarginInsufficient,
		RawLoss: rawLoss,
		RawMarg: rawMargin,
	}
}

// Describe 返回拒绝原因的人类可读说明。
func Describe(r Result) string {
	switch r.Reason {
	case ReasonInvalidInput:
		return "仓位测算输入非法"
	case ReasonBelowMinLot:
		return fmt.Sprintf("测算数量不足最小交易单位 (预算=%.8f 保证金=%.8f)", r.RawLoss, r.RawMarg)
	case ReasonMarginInsufficient:
		return "取整复核后保证金不足"
	default:
		return ""
	}
}
