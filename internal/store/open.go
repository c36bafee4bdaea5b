package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Open returns a Store for driver: "memory", "sqlite" or "postgres".
func Open(ctx context.Context, driver, dsn string, maxConns int) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3", "postgres":
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	driverName := driver
	if driver == "sqlite" {
		driverName = "sqlite3"
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one writer at a time; a single connection also
	// keeps a ":memory:" database alive for the life of the pool.
	if driverName == "sqlite3" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		slog.Debug("SQLite: using single connection mode")
	} else {
		if maxConns > 0 {
			db.SetMaxOpenConns(maxConns)
		}
		db.SetConnMaxLifetime(time.Hour)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if driverName == "sqlite3" {
		if _, err := db.ExecContext(pingCtx, "PRAGMA journal_mode=WAL"); err != nil {
			slog.Warn("Failed to enable WAL mode", "error", err)
		}
		if _, err := db.ExecContext(pingCtx, "PRAGMA busy_timeout=10000"); err != nil {
			slog.Warn("Failed to set busy timeout", "error", err)
		}
		if _, err := db.ExecContext(pingCtx, "PRAGMA foreign_keys=ON"); err != nil {
			slog.Warn("Failed to enable foreign keys", "error", err)
		}
	}

	s, err := NewSQL(ctx, db, driverName)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
