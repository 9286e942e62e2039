package exchange

import (
	"errors"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrMaintenance 表示交易所处于维护状态，需要上层跳过交易。
	ErrMaintenance = errors.New("exchange on maintenance")
	// ErrAmendNotSupported 表示交易所不支持改单，调用方应回退为撤销重挂。
	ErrAmendNotSupported = errors.New("exchange amend not supported")
)

// IsRetryable 判断错误是否可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return true
		default:
			return false
		}
	}

	return false
}

// IsNotFound 判断错误是否为"订单不存在"。对账流程把它视为结构化结果而非异常。
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		return ccxtErr.Type == ccxt.OrderNotFoundErrType
	}
	return false
}

// IsAmendUnsupported 判断错误是否为交易所不支持改单。
func IsAmendUnsupported(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAmendNotSupported) {
		return true
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		return ccxtErr.Type == ccxt.NotSupportedErrType
	}
	return false
}
