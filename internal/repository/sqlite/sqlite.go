// Package sqlite opens the SQLite-backed repository.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dshills/codemechanic/internal/repository/sqlstore"
	_ "github.com/mattn/go-sqlite3"
)

// dsnOptions enables foreign keys and WAL, and takes the write lock at BEGIN
// so concurrent transactions wait instead of failing on upgrade.
const dsnOptions = "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"

// New opens (creating if needed) the database at dbPath and migrates it.
func New(dbPath string) (*sqlstore.Store, error) {
	db, err := sql.Open("sqlite3", dbPath+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	store := sqlstore.New(db, sqlstore.DialectSQLite)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}
