package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"perp-engine/internal/store"
)

// Journal 将熔断事件落盘，供事后分析与审计。
type Journal struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewJournal 创建熔断事件日志并初始化表结构。
func NewJournal(st *store.Store, logger *zap.Logger) (*Journal, error) {
	if st == nil {
		return nil, errors.New("risk: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	j := &Journal{db: st.DB(), logger: logger}
	if err := j.initSchema(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS risk_activity_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TEXT NOT NULL,
			event_type TEXT NOT NULL,
			message TEXT NOT NULL,
			details TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_risk_activity_type ON risk_activity_log(event_type);`,
	}

	for _, stmt := range schema {
		if _, err := j.db.Exec(stmt); err != nil {
			return fmt.Errorf("risk: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

// LogEvent 记录一条熔断事件。
func (j *Journal) LogEvent(ctx context.Context, eventType, message, details string) error {
	if eventType == "" {
		return errors.New("risk: eventType 不能为空")
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO risk_activity_log (occurred_at, event_type, message, details)
		 VALUES (?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), eventType, message, details,
	)
	if err != nil {
		return fmt.Errorf("risk: 写入熔断事件失败: %w", err)
	}
	return nil
}
