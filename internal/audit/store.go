// ============================================================================
// RoadGuard 稽核紀錄 - SQLite 事件表
// ============================================================================
//
// Package: internal/audit
// 文件: store.go
// 功能: 以 append-only 方式記錄每一次事故狀態轉換與下發結果
//
// 說明:
//   - 使用 modernc.org/sqlite（純 Go，無 cgo）
//   - schema 由內嵌的 sql/*.sql 依版本號遞增套用
//   - 稽核失敗不影響事故狀態機，由呼叫端記錄日誌
//
// ============================================================================

package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/roadguard/pkg/types"
)

var log = slog.Default()

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// ErrClosed 稽核紀錄已關閉
var ErrClosed = errors.New("audit store closed")

// Store SQLite 稽核事件表
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the audit database at path and applies
// pending migrations.
func Open(path string) (*Store, error) {
	var dsn string
	if path == MemoryPath {
		dsn = "file::memory:"
	} else {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create audit dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit db: %w", err)
	}
	// SQLite 單一寫入者；記憶體資料庫每條連線各自獨立，也必須限制為一條
	db.SetMaxOpenConns(1)

	version, err := migrate(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate audit db: %w", err)
	}
	log.Debug("Audit store ready", "path", path, "schemaVersion", version)
	return &Store{db: db}, nil
}

// Append 寫入一筆事件
func (s *Store) Append(ctx context.Context, ev types.AuditEvent) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO incident_events(incident_id,node_id,kind,from_status,to_status,command_id,detail,ts)
		 VALUES (?,?,?,?,?,?,?,?)`,
		string(ev.IncidentID), nullable(ev.NodeID), ev.Kind,
		nullable(string(ev.From)), nullable(string(ev.To)),
		nullable(string(ev.CommandID)), nullable(ev.Detail),
		at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// List returns the events of one incident in append order.
func (s *Store) List(ctx context.Context, id types.IncidentID) ([]types.AuditEvent, error) {
	return s.query(ctx,
		`SELECT seq,incident_id,node_id,kind,from_status,to_status,command_id,detail,ts
		 FROM incident_events WHERE incident_id=? ORDER BY seq`, string(id))
}

// Recent returns the newest events across all incidents, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]types.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx,
		`SELECT seq,incident_id,node_id,kind,from_status,to_status,command_id,detail,ts
		 FROM incident_events ORDER BY seq DESC LIMIT ?`, limit)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]types.AuditEvent, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []types.AuditEvent
	for rows.Next() {
		var ev types.AuditEvent
		var incidentID, kind, ts string
		var nodeID, from, to, commandID, detail sql.NullString
		if err := rows.Scan(&ev.Seq, &incidentID, &nodeID, &kind, &from, &to, &commandID, &detail, &ts); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		at, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse audit timestamp %q: %w", ts, err)
		}
		ev.IncidentID = types.IncidentID(incidentID)
		ev.NodeID = nodeID.String
		ev.Kind = kind
		ev.From = types.IncidentStatus(from.String)
		ev.To = types.IncidentStatus(to.String)
		ev.CommandID = types.CommandID(commandID.String)
		ev.Detail = detail.String
		ev.At = at
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Close 關閉資料庫
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
