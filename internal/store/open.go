package store

import (
	"context"
	"database/sql"

	"P2PAutoPay/internal/db"

	"go.uber.org/zap"
)

// Open returns the OrderStore for driver. For SQL drivers the pool is
// returned too so the caller can close it and share it; it is nil for the
// memory driver.
func Open(ctx context.Context, driver, dsn string, logger *zap.Logger) (OrderStore, *sql.DB, error) {
	if driver == "memory" {
		m := NewMemory()
		m.Logger = logger
		return m, nil, nil
	}
	pool, err := db.Connect(ctx, driver, dsn)
	if err != nil {
		return nil, nil, unavailable("open", err)
	}
	return New(pool, logger), pool, nil
}
