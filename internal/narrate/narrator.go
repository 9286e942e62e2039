package narrate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"perp-engine/internal/config"
)

// Report 是一轮心跳后交给叙述器的摘要。
type Report struct {
	State         string
	HaltReason    string
	EntryBlocked  string
	EventsHandled int
	Equity        float64
	DailyPnL      float64
	LossStreak    int
	MarkPrice     float64
	ATR           float64
}

// Narrator 把心跳摘要转成面向值班人员的一句话解说。
// 仅用于可读性，失败时静默降级，绝不影响交易主循环。
type Narrator struct {
	cfg    config.NarrateConfig
	logger *zap.Logger
	sdk    *openai.Client
}

// NewNarrator 使用给定配置创建叙述器。
func NewNarrator(cfg config.NarrateConfig, logger *zap.Logger) (*Narrator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("narrate api_key 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = &http.Client{
		Timeout: cfg.Timeout + 5*time.Second,
	}

	return &Narrator{
		cfg:    cfg,
		logger: logger,
		sdk:    openai.NewClientWithConfig(clientConfig),
	}, nil
}

// Narrate 生成一段简短解说。任何失败都只记日志并返回空串。
func (n *Narrator) Narrate(ctx context.Context, report Report) string {
	if n.cfg.Model == "" {
		return ""
	}

	response, err := n.sdk.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: n.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildPrompt(report),
			},
		},
		Temperature: 0,
	})
	if err != nil {
		n.logger.Warn("生成解说失败", zap.Error(err))
		return ""
	}
	if len(response.Choices) == 0 {
		return ""
	}
	return strings.TrimSpace(response.Choices[0].Message.Content)
}

func buildPrompt(report Report) string {
	var b strings.Builder
	b.WriteString("你是自动交易引擎的值班助理。用不超过两句中文总结当前状况，不要给建议。\n")
	fmt.Fprintf(&b, "状态: %s\n", report.State)
	if report.HaltReason != "" {
		fmt.Fprintf(&b, "熔断原因: %s\n", report.HaltReason)
	}
	if report.EntryBlocked != "" {
		fmt.Fprintf(&b, "开仓拦截: %s\n", report.EntryBlocked)
	}
	fmt.Fprintf(&b, "本轮处理事件数: %d\n", report.EventsHandled)
	fmt.Fprintf(&b, "权益: %.2f USDT, 当日盈亏: %.2f USDT, 连亏: %d\n",
		report.Equity, report.DailyPnL, report.LossStreak)
	fmt.Fprintf(&b, "标记价: %.2f, ATR: %.4f\n", report.MarkPrice, report.ATR)
	return b.String()
}
