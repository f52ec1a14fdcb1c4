package store

import (
	"database/sql"

	"github.com/pinch-protocol/pinch-sub002/fserrors"
)

// BlockStore persists directional block relationships: a row (blocker,
// blocked) means blocker has asked never to receive traffic from blocked.
type BlockStore struct {
	db *sql.DB
}

// NewBlockStore creates the block table if needed.
func NewBlockStore(db *sql.DB) (*BlockStore, error) {
	const schema = `
	CREATE TABLE IF NOT EXISTS blocks (
		blocker TEXT NOT NULL,
		blocked TEXT NOT NULL,
		PRIMARY KEY (blocker, blocked)
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fserrors.Wrap(fserrors.PathRelay, fserrors.StageStore, fserrors.CodeDatabaseOpenFailed, err)
	}
	return &BlockStore{db: db}, nil
}

// Block records that blocker never wants traffic from blocked.
func (b *BlockStore) Block(blocker, blocked string) error {
	_, err := b.db.Exec(`INSERT OR IGNORE INTO blocks (blocker, blocked) VALUES (?, ?)`, blocker, blocked)
	if err != nil {
		return fserrors.Wrap(fserrors.PathRelay, fserrors.StageStore, fserrors.CodeBlocked, err)
	}
	return nil
}

// Unblock removes a previously recorded block relationship.
func (b *BlockStore) Unblock(blocker, blocked string) error {
	_, err := b.db.Exec(`DELETE FROM blocks WHERE blocker = ? AND blocked = ?`, blocker, blocked)
	if err != nil {
		return fserrors.Wrap(fserrors.PathRelay, fserrors.StageStore, fserrors.CodeBlocked, err)
	}
	return nil
}

// IsBlocked reports whether to has blocked from.
func (b *BlockStore) IsBlocked(to, from string) bool {
	var exists int
	err := b.db.QueryRow(`SELECT 1 FROM blocks WHERE blocker = ? AND blocked = ? LIMIT 1`, to, from).Scan(&exists)
	if err == sql.ErrNoRows {
		return false
	}
	return err == nil
}
