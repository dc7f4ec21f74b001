package factory

import (
	"context"
	"strings"

	"github.com/loykin/devpilot/internal/store"
	"github.com/loykin/devpilot/internal/store/memory"
	"github.com/loykin/devpilot/internal/store/sqldb"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - memory:   "" or "memory://"
//   - postgres: DSN starting with "postgres://" or "postgresql://"
//   - sqlite:   "sqlite://<path>" or bare filepath (treated as sqlite)
func NewFromDSN(ctx context.Context, dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	if d == "" || strings.EqualFold(d, "memory") || strings.HasPrefix(strings.ToLower(d), "memory://") {
		return memory.New(), nil
	}
	return sqldb.Open(ctx, d)
}
