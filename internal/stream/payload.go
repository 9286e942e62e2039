package stream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"perp-engine/internal/engine"
)

// userDataEnvelope 为用户数据流的统一外层。
type userDataEnvelope struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
}

// orderTradeUpdate 对应 ORDER_TRADE_UPDATE 推送。
type orderTradeUpdate struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol        string      `json:"s"`
		ClientOrderID string      `json:"c"`
		OrderID       json.Number `json:"i"`
		Side          string      `json:"S"`
		Status        string      `json:"X"`
		ExecType      string      `json:"x"`
		OrderType     string      `json:"ot"`
		LastQty       string      `json:"l"`
		CumQty        string      `json:"z"`
		OrigQty       string      `json:"q"`
		LastPrice     string      `json:"L"`
		Fee           string      `json:"n"`
		TradeID       json.Number `json:"t"`
	} `json:"o"`
}

// accountUpdate 对应 ACCOUNT_UPDATE 推送，自动减仓的事后仓位由此获得。
type accountUpdate struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Account   struct {
		Reason    string `json:"m"`
		Positions []struct {
			Symbol     string `json:"s"`
			Amount     string `json:"pa"`
			EntryPrice string `json:"ep"`
		} `json:"P"`
	} `json:"a"`
}

// parseMessage 把一条用户数据流消息归一化为执行事件。
// 返回 nil 表示该消息与执行无关。
func parseMessage(raw []byte, symbol string) (*engine.ExecutionEvent, error) {
	var envelope userDataEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("stream: 解析消息失败: %w", err)
	}

	switch envelope.EventType {
	case "ORDER_TRADE_UPDATE":
		return parseOrderUpdate(raw, symbol)
	case "ACCOUNT_UPDATE":
		return parseAccountUpdate(raw, symbol)
	default:
		return nil, nil
	}
}

func parseOrderUpdate(raw []byte, symbol string) (*engine.ExecutionEvent, error) {
	var update orderTradeUpdate
	if err := json.Unmarshal(raw, &update); err != nil {
		return nil, fmt.Errorf("stream: 解析订单推送失败: %w", err)
	}
	o := update.Order
	if !symbolMatches(o.Symbol, symbol) {
		return nil, nil
	}

	ev := engine.ExecutionEvent{
		OrderID:        o.OrderID.String(),
		ClientID:       o.ClientOrderID,
		FilledQuantity: parseQty(o.LastQty),
		TargetQuantity: parseQty(o.OrigQty),
		Timestamp:      time.UnixMilli(update.EventTime).UTC(),
		Price:          parseQty(o.LastPrice),
		Fee:            parseQty(o.Fee),
	}
	if o.TradeID.String() != "" && o.TradeID.String() != "0" {
		ev.ExecID = o.TradeID.String()
	}

	// 强平单由交易所以专用前缀的客户端订单号下发。
	if strings.HasPrefix(o.ClientOrderID, "autoclose-") || strings.EqualFold(o.OrderType, "liquidation") {
		ev.Kind = engine.KindLiquidation
		return &ev, nil
	}

	switch o.ExecType {
	case "TRADE":
		// 成交数量一律取本笔增量 l：状态机对成交做的是累加/递减，
		// 末笔若携带累计值 z 会把此前的部分成交重复计入。
		if o.Status == "FILLED" {
			ev.Kind = engine.KindFill
		} else {
			ev.Kind = engine.KindPartialFill
		}
	case "CANCELED":
		ev.Kind = engine.KindCancel
		ev.FilledQuantity = parseQty(o.CumQty)
	case "REJECTED", "EXPIRED":
		ev.Kind = engine.KindReject
	default:
		// NEW/CALCULATED 等不构成状态转移。
		return nil, nil
	}
	return &ev, nil
}

func parseAccountUpdate(raw []byte, symbol string) (*engine.ExecutionEvent, error) {
	var update accountUpdate
	if err := json.Unmarshal(raw, &update); err != nil {
		return nil, fmt.Errorf("stream: 解析账户推送失败: %w", err)
	}
	if !strings.EqualFold(update.Account.Reason, "AUTO_EXCHANGE") &&
		!strings.EqualFold(update.Account.Reason, "ADL") {
		return nil, nil
	}

	for _, pos := range update.Account.Positions {
		if !symbolMatches(pos.Symbol, symbol) {
			continue
		}
		qtyAfter := parseQty(pos.Amount)
		if qtyAfter < 0 {
			qtyAfter = -qtyAfter
		}
		return &engine.ExecutionEvent{
			Kind:        engine.KindAutoDeleverage,
			Timestamp:   time.UnixMilli(update.EventTime).UTC(),
			QtyAfter:    qtyAfter,
			HasQtyAfter: true,
		}, nil
	}
	return nil, nil
}

// symbolMatches 把 ccxt 统一符号（BTC/USDT:USDT）还原为交易所原生符号
// （BTCUSDT）后做全等比较。前缀匹配会把 BTCUSD 误认成 BTCUSDT，必须全等。
func symbolMatches(raw, configured string) bool {
	if raw == "" || configured == "" {
		return false
	}
	base := configured
	if idx := strings.IndexByte(base, ':'); idx >= 0 {
		base = base[:idx]
	}
	base = strings.NewReplacer("/", "", "-", "").Replace(base)
	return strings.EqualFold(raw, base)
}

func parseQty(value string) float64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return f
}
