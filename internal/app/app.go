package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"perp-engine/internal/config"
	"perp-engine/internal/store"
	"perp-engine/internal/stream"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 启动心跳循环、执行事件流与监控接口，阻塞直到退出信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("仓位引擎已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("exchange", a.cfg.Exchange.Name),
		zap.String("market", a.cfg.Exchange.Market),
	)

	orch, err := newOrchestrator(a.cfg, a.logger, a.store)
	if err != nil {
		return err
	}

	if err = orch.Recover(ctx); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)

	if a.cfg.Stream.Enabled {
		feed := stream.NewFeed(a.cfg.Stream, a.cfg.Exchange.Market, orch.Queue(), orch.Session(), a.logger)
		group.Go(func() error {
			err := feed.Run(groupCtx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	} else {
		a.logger.Warn("执行事件流未启用，状态转移完全依赖 REST 对账")
	}

	if a.cfg.Monitor.Enabled {
		if err = startMonitorServer(groupCtx, orch, a.cfg.Monitor.Port, a.logger); err != nil {
			return err
		}
	}

	group.Go(func() error {
		return a.tickLoop(groupCtx, orch)
	})

	if err = group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，已停止")
	return nil
}

func (a *App) tickLoop(ctx context.Context, orch *orchestrator) error {
	interval := a.cfg.Engine.TickInterval
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report, err := orch.Tick(ctx)
			if err != nil {
				a.logger.Error("心跳执行失败", zap.Error(err))
				continue
			}
			if report.EventsHandled > 0 || report.HaltReason != "" {
				a.logger.Info("心跳完成",
					zap.String("state", report.State),
					zap.Int("events", report.EventsHandled),
					zap.String("halt_reason", report.HaltReason),
					zap.String("entry_blocked", report.EntryBlocked),
				)
			}
		}
	}
}
