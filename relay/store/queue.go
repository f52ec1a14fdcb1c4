package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/pinch-protocol/pinch-sub002/fserrors"
)

// ErrQueueFull is returned by Enqueue when the recipient's queue already
// holds max_per_agent entries.
var ErrQueueFull = errors.New("store: recipient queue is full")

// QueueEntry is one pending envelope returned by FlushBatch, in arrival
// order.
type QueueEntry struct {
	Key      [16]byte
	Sender   string
	Envelope []byte
}

// MessageQueue is a per-recipient persistent, ordered FIFO with a size cap
// and TTL, backed by a shared SQLite handle.
type MessageQueue struct {
	db          *sql.DB
	maxPerAgent int
	ttl         time.Duration

	mu      sync.Mutex
	lastMs  int64
	lastSeq uint64
}

// NewMessageQueue creates the queue table if needed and returns a queue
// bounded to maxPerAgent entries per recipient, with entries expiring
// after ttl.
func NewMessageQueue(db *sql.DB, maxPerAgent int, ttl time.Duration) (*MessageQueue, error) {
	const schema = `
	CREATE TABLE IF NOT EXISTS queued_messages (
		recipient  TEXT NOT NULL,
		key        BLOB NOT NULL,
		sender     TEXT NOT NULL,
		envelope   BLOB NOT NULL,
		arrival_ms INTEGER NOT NULL,
		PRIMARY KEY (recipient, key)
	);
	CREATE INDEX IF NOT EXISTS idx_queued_messages_arrival ON queued_messages(arrival_ms);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fserrors.Wrap(fserrors.PathRelay, fserrors.StageStore, fserrors.CodeDatabaseOpenFailed, err)
	}
	return &MessageQueue{db: db, maxPerAgent: maxPerAgent, ttl: ttl}, nil
}

// nextKey produces a 16-byte key: [0:8] big-endian arrival timestamp in
// milliseconds, [8:16] big-endian sequence number monotonic within that
// millisecond. Lexicographic order on the key equals chronological order.
func (q *MessageQueue) nextKey(nowMs int64) [16]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	if nowMs == q.lastMs {
		q.lastSeq++
	} else {
		q.lastMs = nowMs
		q.lastSeq = 0
	}

	var key [16]byte
	binary.BigEndian.PutUint64(key[0:8], uint64(nowMs))
	binary.BigEndian.PutUint64(key[8:16], q.lastSeq)
	return key
}

// Count returns the number of entries currently queued for recipient.
func (q *MessageQueue) Count(recipient string) (int, error) {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM queued_messages WHERE recipient = ?`, recipient).Scan(&n)
	if err != nil {
		return 0, fserrors.Wrap(fserrors.PathRelay, fserrors.StageQueue, fserrors.CodeNotFound, err)
	}
	return n, nil
}

// Enqueue appends envelope to recipient's queue, failing closed with
// ErrQueueFull when the recipient is already at max_per_agent. The
// count-check and insert are a single SQL statement — an INSERT...SELECT
// guarded by the same COUNT(*) it would otherwise race against — so two
// concurrent Enqueue calls for the same recipient can never both observe
// room and both insert, which would push the queue past max_per_agent. A
// plain BEGIN/COMMIT around separate SELECT and INSERT statements would not
// be enough: SQLite only takes the write lock at the first write, so two
// deferred transactions can still both read the stale count before either
// writes.
func (q *MessageQueue) Enqueue(recipient, sender string, envelope []byte) error {
	key := q.nextKey(time.Now().UnixMilli())

	res, err := q.db.Exec(
		`INSERT INTO queued_messages (recipient, key, sender, envelope, arrival_ms)
		SELECT ?, ?, ?, ?, ?
		WHERE (SELECT COUNT(*) FROM queued_messages WHERE recipient = ?) < ?`,
		recipient, key[:], sender, envelope, int64(binary.BigEndian.Uint64(key[0:8])),
		recipient, q.maxPerAgent,
	)
	if err != nil {
		return fserrors.Wrap(fserrors.PathRelay, fserrors.StageQueue, fserrors.CodeQueueFull, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fserrors.Wrap(fserrors.PathRelay, fserrors.StageQueue, fserrors.CodeQueueFull, err)
	}
	if affected == 0 {
		return ErrQueueFull
	}
	return nil
}

// FlushBatch returns up to n of the oldest pending entries for recipient,
// oldest first. Entries are not removed; the caller removes each entry
// after it has been handed to the client's send buffer.
func (q *MessageQueue) FlushBatch(recipient string, n int) ([]QueueEntry, error) {
	rows, err := q.db.Query(
		`SELECT key, sender, envelope FROM queued_messages WHERE recipient = ? ORDER BY key ASC LIMIT ?`,
		recipient, n,
	)
	if err != nil {
		return nil, fserrors.Wrap(fserrors.PathRelay, fserrors.StageQueue, fserrors.CodeNotFound, err)
	}
	defer rows.Close()

	var entries []QueueEntry
	for rows.Next() {
		var keyBytes, envelope []byte
		var sender string
		if err := rows.Scan(&keyBytes, &sender, &envelope); err != nil {
			return nil, fserrors.Wrap(fserrors.PathRelay, fserrors.StageQueue, fserrors.CodeNotFound, err)
		}
		var e QueueEntry
		copy(e.Key[:], keyBytes)
		e.Sender = sender
		e.Envelope = envelope
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Remove deletes a single flushed entry. Safe to call concurrently with
// FlushBatch for the same recipient: it never invalidates entries a
// concurrent batch has already read.
func (q *MessageQueue) Remove(recipient string, key [16]byte) error {
	_, err := q.db.Exec(`DELETE FROM queued_messages WHERE recipient = ? AND key = ?`, recipient, key[:])
	if err != nil {
		return fserrors.Wrap(fserrors.PathRelay, fserrors.StageQueue, fserrors.CodeNotFound, err)
	}
	return nil
}

// Sweep removes every entry whose arrival time plus the queue TTL has
// passed, returning the number of entries removed per recipient address
// (for logging).
func (q *MessageQueue) Sweep() (map[string]int, error) {
	cutoff := time.Now().Add(-q.ttl).UnixMilli()

	rows, err := q.db.Query(`SELECT recipient, COUNT(*) FROM queued_messages WHERE arrival_ms < ? GROUP BY recipient`, cutoff)
	if err != nil {
		return nil, fserrors.Wrap(fserrors.PathRelay, fserrors.StageQueue, fserrors.CodeNotFound, err)
	}
	counts := make(map[string]int)
	for rows.Next() {
		var recipient string
		var n int
		if err := rows.Scan(&recipient, &n); err != nil {
			rows.Close()
			return nil, fserrors.Wrap(fserrors.PathRelay, fserrors.StageQueue, fserrors.CodeNotFound, err)
		}
		counts[recipient] = n
	}
	rows.Close()

	if _, err := q.db.Exec(`DELETE FROM queued_messages WHERE arrival_ms < ?`, cutoff); err != nil {
		return nil, fserrors.Wrap(fserrors.PathRelay, fserrors.StageQueue, fserrors.CodeNotFound, err)
	}
	return counts, nil
}

// StartSweep runs Sweep on a ticker until ctx is cancelled.
func (q *MessageQueue) StartSweep(ctx context.Context, interval time.Duration, onSweep func(map[string]int)) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				counts, err := q.Sweep()
				if err == nil && onSweep != nil {
					onSweep(counts)
				}
			}
		}
	}()
}
