package fallback

import (
	"context"
	"errors"
	"strings"
)

// Open initializes the store for driver: memory, sqlite or postgres.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "sqlite3":
		return OpenSQLite(ctx, dsn)
	case "postgres", "postgresql":
		return OpenPostgres(ctx, dsn)
	default:
		return nil, errors.New("unknown fallback driver: " + driver)
	}
}
