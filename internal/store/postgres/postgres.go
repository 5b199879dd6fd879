package postgres

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/gamevisor/internal/store"
)

// DB implements store.Store on PostgreSQL through the pgx stdlib driver.
// sql.Open does not connect; the schema is created lazily on first use.
type DB struct {
	db *sql.DB

	mu     sync.Mutex
	schema bool
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.schema {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS records(
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY(collection, id)
		);`)
	if err != nil {
		return err
	}
	p.schema = true
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Read(ctx context.Context, collection, id string) ([]byte, error) {
	if err := p.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	var data []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT data FROM records WHERE collection=$1 AND id=$2;`, collection, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (p *DB) List(ctx context.Context, collection string) ([]store.Item, error) {
	if err := p.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, data FROM records WHERE collection=$1 ORDER BY id;`, collection)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []store.Item
	for rows.Next() {
		var it store.Item
		if err := rows.Scan(&it.ID, &it.Data); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (p *DB) Write(ctx context.Context, collection, id string, data []byte) error {
	if err := p.EnsureSchema(ctx); err != nil {
		return &store.WriteError{Collection: collection, ID: id, Err: err}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO records(collection, id, data, updated_at)
		VALUES($1, $2, $3, $4)
		ON CONFLICT(collection, id) DO UPDATE SET
			data=EXCLUDED.data,
			updated_at=EXCLUDED.updated_at;`,
		collection, id, string(data), time.Now().UTC())
	if err != nil {
		return &store.WriteError{Collection: collection, ID: id, Err: err}
	}
	return nil
}

func (p *DB) Delete(ctx context.Context, collection, id string) error {
	if err := p.EnsureSchema(ctx); err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `DELETE FROM records WHERE collection=$1 AND id=$2;`, collection, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (p *DB) DropCollection(ctx context.Context, collection string) error {
	if err := p.EnsureSchema(ctx); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `DELETE FROM records WHERE collection=$1;`, collection)
	return err
}
