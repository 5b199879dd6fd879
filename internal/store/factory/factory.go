package factory

import (
	"errors"
	"strings"

	"github.com/loykin/gamevisor/internal/store"
	fs "github.com/loykin/gamevisor/internal/store/file"
	pg "github.com/loykin/gamevisor/internal/store/postgres"
	sq "github.com/loykin/gamevisor/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - file:     "file://<dir>" or a bare directory path (JSON collection files)
//   - sqlite:   "sqlite://<path>"
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return pg.New(d)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		return sq.New(d[len("sqlite://"):])
	}
	if strings.HasPrefix(ld, "file://") {
		return fs.New(d[len("file://"):])
	}
	return fs.New(d)
}
