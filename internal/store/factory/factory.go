package factory

import (
	"errors"
	"strings"

	"github.com/loykin/devsvc/internal/store"
	"github.com/loykin/devsvc/internal/store/memory"
	pg "github.com/loykin/devsvc/internal/store/postgres"
	sq "github.com/loykin/devsvc/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - memory:   "memory://" (or "memory")
//   - sqlite:   "sqlite:///<path>" or bare filepath (treated as sqlite)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	switch {
	case ld == "":
		return nil, errors.New("empty DSN")
	case ld == "memory" || strings.HasPrefix(ld, "memory://"):
		return memory.New(), nil
	case strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://"):
		return pg.New(d)
	case strings.HasPrefix(ld, "sqlite://"):
		return sq.New(d[len("sqlite://"):])
	}
	return sq.New(d)
}
