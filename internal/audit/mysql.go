package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// 注册 mysql 驱动。
	_ "github.com/go-sql-driver/mysql"
)

// MySQLConfig 描述连接池参数，未设置的字段使用默认值。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// MySQLRecorder 将审计记录写入 cycle_logs 表。
type MySQLRecorder struct {
	db *sql.DB
}

var _ Recorder = (*MySQLRecorder)(nil)

// NewMySQLRecorder 建立连接池并执行内嵌迁移。
func NewMySQLRecorder(ctx context.Context, cfg MySQLConfig) (*MySQLRecorder, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	recorder := &MySQLRecorder{db: db}
	if err := recorder.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return recorder, nil
}

func openDatabase(ctx context.Context, cfg MySQLConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}
	return db, nil
}

const insertCycleLogSQL = `INSERT INTO cycle_logs
    (worker_id, kind, network, account, cycle_number, action, decision, executed, execution, duration_ms, recorded_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Record 写入一条审计记录。
func (m *MySQLRecorder) Record(ctx context.Context, record Record) error {
	var execution any
	if len(record.Execution) > 0 {
		execution = string(record.Execution)
	}
	decision := string(record.Decision)
	if decision == "" {
		decision = "null"
	}
	if _, err := m.db.ExecContext(ctx, insertCycleLogSQL,
		record.WorkerID,
		record.Kind,
		record.Network,
		record.Account,
		record.CycleNumber,
		record.Action,
		decision,
		record.Executed,
		execution,
		record.DurationMs,
		record.RecordedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("写入审计记录失败: %w", err)
	}
	return nil
}

const selectCycleLogColumns = `SELECT worker_id, kind, network, account, cycle_number, action, decision, executed, execution, duration_ms, recorded_at
    FROM cycle_logs`

// Recent 按写入时间倒序查询记录。
func (m *MySQLRecorder) Recent(ctx context.Context, workerID string, limit int) ([]Record, error) {
	limit = normalizeLimit(limit)

	var (
		rows *sql.Rows
		err  error
	)
	if workerID == "" {
		rows, err = m.db.QueryContext(ctx, selectCycleLogColumns+` ORDER BY recorded_at DESC, id DESC LIMIT ?`, limit)
	} else {
		rows, err = m.db.QueryContext(ctx, selectCycleLogColumns+` WHERE worker_id = ? ORDER BY recorded_at DESC, id DESC LIMIT ?`, workerID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("查询审计记录失败: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			record     Record
			decision   []byte
			execution  sql.NullString
			recordedAt int64
		)
		if err := rows.Scan(&record.WorkerID, &record.Kind, &record.Network, &record.Account,
			&record.CycleNumber, &record.Action, &decision, &record.Executed, &execution,
			&record.DurationMs, &recordedAt); err != nil {
			return nil, fmt.Errorf("解析审计记录失败: %w", err)
		}
		record.Decision = decision
		if execution.Valid {
			record.Execution = []byte(execution.String)
		}
		record.RecordedAt = time.UnixMilli(recordedAt).UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历审计记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (m *MySQLRecorder) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}
