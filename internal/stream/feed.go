package stream

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"perp-engine/internal/config"
	"perp-engine/internal/engine"
)

// linkTracker 上报行情链路的健康状态。
type linkTracker interface {
	SetLinkDegraded(degraded bool, at time.Time)
}

// Feed 订阅私有执行流，把成交回报推入引擎事件队列。
// 断线后按指数退避重连，重连期间链路标记为降级。
type Feed struct {
	cfg     config.StreamConfig
	symbol  string
	queue   *engine.Queue
	tracker linkTracker
	logger  *zap.Logger
}

// NewFeed 创建执行流订阅器。
func NewFeed(cfg config.StreamConfig, symbol string, queue *engine.Queue, tracker linkTracker, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		cfg:     cfg,
		symbol:  symbol,
		queue:   queue,
		tracker: tracker,
		logger:  logger,
	}
}

// Run 维持订阅直到 ctx 取消。每次断开都会重连，不向上返回网络错误。
func (f *Feed) Run(ctx context.Context) error {
	backoff := f.cfg.ReconnectMin
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := f.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.markDegraded(true)
		f.logger.Warn("执行流断开，准备重连",
			zap.Error(err),
			zap.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > f.cfg.ReconnectMax {
			backoff = f.cfg.ReconnectMax
		}
	}
}

func (f *Feed) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	f.markDegraded(false)
	f.logger.Info("执行流已连接", zap.String("url", f.cfg.URL))

	done := make(chan struct{})
	defer close(done)
	go f.keepAlive(ctx, conn, done)

	for {
		if f.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.handleMessage(raw)
	}
}

func (f *Feed) handleMessage(raw []byte) {
	ev, err := parseMessage(raw, f.symbol)
	if err != nil {
		f.logger.Warn("执行流消息解析失败", zap.Error(err))
		return
	}
	if ev == nil {
		return
	}
	if !f.queue.Push(*ev) {
		f.logger.Warn("事件队列溢出，已丢弃最旧事件",
			zap.String("order_id", ev.OrderID),
			zap.Uint64("dropped_total", f.queue.Dropped()))
	}
}

// keepAlive 周期性发送 ping，连接关闭或 ctx 取消时退出。
func (f *Feed) keepAlive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	interval := f.cfg.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (f *Feed) markDegraded(degraded bool) {
	if f.tracker == nil {
		return
	}
	f.tracker.SetLinkDegraded(degraded, time.Now().UTC())
}
