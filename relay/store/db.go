// Package store implements the relay's durable state: the per-recipient
// message queue and the directional block list. Both share a single
// SQLite database handle opened once at relay startup.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pinch-protocol/pinch-sub002/fserrors"
)

// OpenDB opens (creating if necessary) the relay's shared database file
// and enables WAL journaling so the queue and block store can be read and
// written from concurrent goroutines without blocking each other.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fserrors.Wrap(fserrors.PathRelay, fserrors.StageStore, fserrors.CodeDatabaseOpenFailed, err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fserrors.Wrap(fserrors.PathRelay, fserrors.StageStore, fserrors.CodeDatabaseOpenFailed, fmt.Errorf("enable WAL: %w", err))
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fserrors.Wrap(fserrors.PathRelay, fserrors.StageStore, fserrors.CodeDatabaseOpenFailed, fmt.Errorf("enable foreign keys: %w", err))
	}
	return db, nil
}
