package audit

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"
)

func TestMySQLRecorderRecord(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(insertCycleLogSQL, mockResult{lastInsertID: 1, rowsAffected: 1}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	rec := &MySQLRecorder{db: db}
	err := rec.Record(context.Background(), Record{
		WorkerID:    "base:0xabc",
		Kind:        "lending",
		Network:     "base",
		Account:     "0xabc",
		CycleNumber: 3,
		Action:      "hold",
		Decision:    json.RawMessage(`{"kind":"hold","reason":"within target range"}`),
		DurationMs:  12,
		RecordedAt:  time.UnixMilli(1700000000000),
	})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
}

func TestMySQLRecorderRecentByWorker(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: []string{"worker_id", "kind", "network", "account", "cycle_number", "action", "decision", "executed", "execution", "duration_ms", "recorded_at"},
		values: [][]driver.Value{
			{"base:0xabc", "lending", "base", "0xabc", int64(2), "repay", `{"kind":"repay"}`, int64(1), `{"txHashes":["0x1"]}`, int64(40), int64(2000)},
			{"base:0xabc", "lending", "base", "0xabc", int64(1), "hold", `{"kind":"hold"}`, int64(0), nil, int64(10), int64(1000)},
		},
	}
	db, drv := newMockDB(t, []mockOperation{
		queryOp(selectCycleLogColumns+` WHERE worker_id = ? ORDER BY recorded_at DESC, id DESC LIMIT ?`, rows),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	rec := &MySQLRecorder{db: db}
	list, err := rec.Recent(context.Background(), "base:0xabc", 2)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 records, got %d", len(list))
	}
	if !list[0].Executed || string(list[0].Execution) != `{"txHashes":["0x1"]}` {
		t.Fatalf("unexpected first record: %+v", list[0])
	}
	if list[1].Executed || list[1].Execution != nil {
		t.Fatalf("unexpected second record: %+v", list[1])
	}
	if !list[0].RecordedAt.Equal(time.UnixMilli(2000)) {
		t.Fatalf("unexpected recorded_at: %v", list[0].RecordedAt)
	}
}

func TestMySQLRecorderRunMigrations(t *testing.T) {
	t.Parallel()

	statements := splitSQLStatements(readMigration(t, "0001_create_cycle_logs.sql"))
	if len(statements) != 1 {
		t.Fatalf("expected one statement, got %d", len(statements))
	}

	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		execOp(statements[0], mockResult{}),
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	rec := &MySQLRecorder{db: db}
	if err := rec.runMigrations(context.Background()); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestMySQLRecorderSkipsAppliedMigrations(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp("", mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	rec := &MySQLRecorder{db: db}
	if err := rec.runMigrations(context.Background()); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestLoadMigrationFilesOrdersByVersion(t *testing.T) {
	t.Parallel()

	source := fstest.MapFS{
		"0002_add_index.sql": {Data: []byte("CREATE INDEX a ON t (c);")},
		"0001_init.sql":      {Data: []byte("CREATE TABLE t (c INT); INSERT INTO t VALUES (1);")},
		"README.md":          {Data: []byte("ignored")},
		"0003_empty.sql":     {Data: []byte("  ;  ")},
	}
	files, err := loadMigrationFiles(source)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(files))
	}
	if files[0].version != "0001" || len(files[0].statements) != 2 {
		t.Fatalf("unexpected first migration: %+v", files[0])
	}
	if files[1].version != "0002" {
		t.Fatalf("unexpected second migration: %+v", files[1])
	}
}

func TestOpenDatabaseRequiresDSN(t *testing.T) {
	t.Parallel()

	if _, err := openDatabase(context.Background(), MySQLConfig{DSN: "  "}); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}

func readMigration(t *testing.T, name string) string {
	t.Helper()
	content, err := embeddedMigrations.ReadFile(name)
	if err != nil {
		t.Fatalf("failed to read migration: %v", err)
	}
	return string(content)
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-audit-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&d.idx))
	if idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &d.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&d.idx, 1)
	if op.query != "" && normalizeSQL(op.query) != normalizeSQL(query) {
		return nil, fmt.Errorf("unexpected query. want %q got %q", normalizeSQL(op.query), normalizeSQL(query))
	}
	return op, nil
}

func (d *queueDriver) Open(string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(context.Context) error { return nil }

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.driver.next(opCommit, "")
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.driver.next(opRollback, "")
	if err != nil {
		return err
	}
	return op.err
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func normalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
