package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"perp-engine/internal/config"
)

// Store 持有引擎唯一的 SQLite 连接，监控事件与风控日志共用。
type Store struct {
	db   *sql.DB
	path string
}

// NewSQLite 打开（必要时创建）SQLite 数据库并施加运行参数。
// 文件库启用 WAL，监控 HTTP 端点的读查询才不会阻塞 tick 循环的写入；
// 内存库没有日志文件，跳过该 PRAGMA。
func NewSQLite(cfg config.DatabaseConfig) (*Store, error) {
	path := cfg.Path
	if cfg.InMemory {
		path = ":memory:"
	} else if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: 创建数据目录 %q 失败: %w", dir, err)
		}
	}

	params := []string{"_busy_timeout=5000", "_foreign_keys=on"}
	db, err := sql.Open("sqlite3", path+"?"+strings.Join(params, "&"))
	if err != nil {
		return nil, fmt.Errorf("store: 打开数据库 %q 失败: %w", path, err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pragmas := []string{"PRAGMA synchronous=NORMAL;"}
	if !cfg.InMemory {
		pragmas = append([]string{"PRAGMA journal_mode=WAL;"}, pragmas...)
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: 执行 %s 失败: %w", strings.TrimSuffix(pragma, ";"), err)
		}
	}

	return &Store{db: db, path: path}, nil
}

// DB 返回底层连接池。
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path 返回数据库位置，内存库为 ":memory:"。
func (s *Store) Path() string {
	return s.path
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
