package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "pollrelay/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is stored in PRAGMA user_version.
const schemaVersion = 1

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	st := &sqliteStore{db: db, log: log}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if n, err := st.pruneMarks(ctx, time.Now()); err == nil && n > 0 {
		log.Debug("expired sent marks pruned", logx.Int64("count", n))
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	var v int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return fmt.Errorf("sqlite user_version: %w", err)
	}
	if v > schemaVersion {
		return fmt.Errorf("sqlite schema version %d is newer than supported %d", v, schemaVersion)
	}
	if v == schemaVersion {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("sqlite migrate: %w", err)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion))
	return err
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Append(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, kind, chat_id, actor_id, result, ok, fail, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Kind, e.ChatID, e.ActorID, optional(e.Result),
		e.OK, e.Fail, optional(e.Error), e.TookMS,
	)
	return err
}

func (s *sqliteStore) Recent(ctx context.Context, q Query) ([]AuditEntry, error) {
	if q.Limit <= 0 {
		return nil, nil
	}
	var (
		where []string
		args  []any
	)
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, q.Kind)
	}
	if q.ChatID != 0 {
		where = append(where, "chat_id = ?")
		args = append(args, q.ChatID)
	}
	stmt := "SELECT at, kind, chat_id, actor_id, result, ok, fail, err, took_ms FROM audit"
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY id DESC LIMIT ?"
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]AuditEntry, 0, q.Limit)
	for rows.Next() {
		var (
			e           AuditEntry
			at          string
			result, msg sql.NullString
		)
		if err := rows.Scan(&at, &e.Kind, &e.ChatID, &e.ActorID, &result, &e.OK, &e.Fail, &msg, &e.TookMS); err != nil {
			return nil, err
		}
		if e.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			s.log.Debug("audit row with bad timestamp", logx.String("at", at))
		}
		e.Result, e.Error = result.String, msg.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkSent(ctx context.Context, day string, until time.Time) error {
	day = strings.TrimSpace(day)
	if day == "" {
		return errors.New("empty day")
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sent_days(day, until) VALUES(?,?)
		 ON CONFLICT(day) DO UPDATE SET until = excluded.until`,
		day, until.UnixMilli(),
	); err != nil {
		return err
	}
	_, err := s.pruneMarks(ctx, time.Now())
	return err
}

func (s *sqliteStore) SentOn(ctx context.Context, day string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sent_days WHERE day = ? AND until >= ?`,
		strings.TrimSpace(day), time.Now().UnixMilli(),
	).Scan(&n)
	return n > 0, err
}

func (s *sqliteStore) pruneMarks(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sent_days WHERE until < ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func optional(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
