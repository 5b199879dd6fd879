package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/gamevisor/internal/history"
)

// Sink appends history events to a SQLite table server_history.
type Sink struct {
	db *sql.DB
}

// New creates a SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS server_history(
			occurred_at TIMESTAMP NOT NULL,
			event TEXT NOT NULL,
			server_id TEXT NOT NULL,
			status TEXT NOT NULL,
			pid INTEGER NOT NULL,
			exit_code INTEGER NULL,
			detail TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_server_history_server ON server_history(server_id, occurred_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	var exit any
	if rec.ExitCode != nil {
		exit = *rec.ExitCode
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_history(occurred_at, event, server_id, status, pid, exit_code, detail)
		VALUES(?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), rec.ServerID, rec.Status, rec.PID, exit, rec.Detail)
	return err
}

// Recent returns up to limit events of serverID, newest first.
func (s *Sink) Recent(ctx context.Context, serverID string, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT occurred_at, event, server_id, status, pid, exit_code, detail
		FROM server_history WHERE server_id=?
		ORDER BY occurred_at DESC LIMIT ?;`, serverID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []history.Event
	for rows.Next() {
		var (
			e      history.Event
			typ    string
			exit   sql.NullInt64
			detail sql.NullString
		)
		if err := rows.Scan(&e.OccurredAt, &typ, &e.Record.ServerID, &e.Record.Status, &e.Record.PID, &exit, &detail); err != nil {
			return nil, err
		}
		e.Type = history.EventType(typ)
		if exit.Valid {
			c := int(exit.Int64)
			e.Record.ExitCode = &c
		}
		e.Record.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
