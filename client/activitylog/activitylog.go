// Package activitylog implements Pinch's append-only, hash-chained
// activity log: every recorded event folds the previous entry's hash into
// its own, so truncation or edit of any row is detectable by recomputing
// the chain from genesis.
package activitylog

import (
	"crypto/ed25519"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/pinch-protocol/pinch-sub002/fserrors"
	"github.com/pinch-protocol/pinch-sub002/wire"
)

// chainSeparator is the literal byte folded between each hashed field.
// Any fixed injective encoding works provided Verify uses the same one.
const chainSeparator = 0x7C

// defaultExcludedEventTypes are left out of GetEvents by default; muted
// deliveries are logged for audit but shouldn't clutter a normal view.
var defaultExcludedEventTypes = []string{"muted_delivery"}

// Event is one row of the activity log.
type Event struct {
	ID                [16]byte
	ConnectionAddress string
	EventType         string
	ActorPubKey       ed25519.PublicKey
	ActionType        string
	MessageID         [16]byte
	HasMessageID      bool
	MessageHash       []byte
	Details           string
	CreatedAt         int64
	PrevHash          string
	EntryHash         string
}

// RecordInput is the caller-supplied portion of a new event; ID,
// CreatedAt, PrevHash, and EntryHash are computed by Record.
type RecordInput struct {
	ConnectionAddress string
	EventType         string
	ActorPubKey       ed25519.PublicKey
	ActionType        string
	MessageID         [16]byte
	HasMessageID      bool
	MessageHash       []byte
	Details           string
	CreatedAt         int64
}

// Log is a hash-chained activity log backed by a shared SQLite handle.
// Writes are serialized by mu, matching the "single writer or a mutex
// around the read-last/insert pair" requirement: concurrent writers would
// otherwise race on reading the prior entry_hash and break the chain.
type Log struct {
	db *sql.DB
	mu sync.Mutex
}

// New prepares the activity_events table on an already-open handle.
func New(db *sql.DB) (*Log, error) {
	const schema = `
	CREATE TABLE IF NOT EXISTS activity_events (
		id                  BLOB PRIMARY KEY,
		created_at          INTEGER NOT NULL,
		connection_address  TEXT NOT NULL,
		event_type          TEXT NOT NULL,
		actor_pubkey        BLOB,
		action_type         TEXT NOT NULL,
		message_id          BLOB,
		message_hash        BLOB,
		details             TEXT NOT NULL DEFAULT '',
		prev_hash           TEXT NOT NULL,
		entry_hash          TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_activity_created ON activity_events(created_at, id);
	CREATE INDEX IF NOT EXISTS idx_activity_connection ON activity_events(connection_address, created_at);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fserrors.Wrap(fserrors.PathClient, fserrors.StageStore, fserrors.CodeDatabaseOpenFailed, err)
	}
	return &Log{db: db}, nil
}

// Record appends a new event, chaining it to the current tail.
func (l *Log) Record(in RecordInput) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prevHash, err := l.tailHash()
	if err != nil {
		return Event{}, err
	}

	ev := Event{
		ID:                wire.NewMessageID(in.CreatedAt),
		ConnectionAddress: in.ConnectionAddress,
		EventType:         in.EventType,
		ActorPubKey:       in.ActorPubKey,
		ActionType:        in.ActionType,
		MessageID:         in.MessageID,
		HasMessageID:      in.HasMessageID,
		MessageHash:       in.MessageHash,
		Details:           in.Details,
		CreatedAt:         in.CreatedAt,
		PrevHash:          prevHash,
	}
	ev.EntryHash = computeEntryHash(ev)

	var msgID []byte
	if ev.HasMessageID {
		msgID = ev.MessageID[:]
	}
	_, err = l.db.Exec(`
		INSERT INTO activity_events (id, created_at, connection_address, event_type, actor_pubkey, action_type, message_id, message_hash, details, prev_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID[:], ev.CreatedAt, ev.ConnectionAddress, ev.EventType, []byte(ev.ActorPubKey), ev.ActionType, msgID, ev.MessageHash, ev.Details, ev.PrevHash, ev.EntryHash)
	if err != nil {
		return Event{}, err
	}
	return ev, nil
}

// tailHash returns the entry_hash of the row with the greatest
// (created_at, id), or "" if the log is empty (genesis).
func (l *Log) tailHash() (string, error) {
	var hash string
	row := l.db.QueryRow(`SELECT entry_hash FROM activity_events ORDER BY created_at DESC, id DESC LIMIT 1`)
	err := row.Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return hash, nil
}

// computeEntryHash implements entry_hash =
// SHA256(id|created_at|actor_pubkey|action_type|connection_address|message_hash|details|prev_hash).
// Details is folded in alongside the other persisted fields: it is
// mutable free-text attached to the event, and leaving it out of the
// chain would let a tamper of that column alone go undetected.
func computeEntryHash(ev Event) string {
	var createdAt [8]byte
	binary.BigEndian.PutUint64(createdAt[:], uint64(ev.CreatedAt))

	h := sha256.New()
	h.Write(ev.ID[:])
	h.Write([]byte{chainSeparator})
	h.Write(createdAt[:])
	h.Write([]byte{chainSeparator})
	h.Write(ev.ActorPubKey)
	h.Write([]byte{chainSeparator})
	h.Write([]byte(ev.ActionType))
	h.Write([]byte{chainSeparator})
	h.Write([]byte(ev.ConnectionAddress))
	h.Write([]byte{chainSeparator})
	h.Write(ev.MessageHash)
	h.Write([]byte{chainSeparator})
	h.Write([]byte(ev.Details))
	h.Write([]byte{chainSeparator})
	h.Write([]byte(ev.PrevHash))
	return hex.EncodeToString(h.Sum(nil))
}

// Filter selects a subset of events for GetEvents. A nil
// ExcludeEventTypes falls back to defaultExcludedEventTypes; pass an
// empty non-nil slice to disable exclusion entirely.
type Filter struct {
	ConnectionAddress   string
	EventType           string
	Since               int64
	Until               int64
	ExcludeEventTypes   []string
	Limit               int
}

// GetEvents returns events matching f, oldest first.
func (l *Log) GetEvents(f Filter) ([]Event, error) {
	query := `SELECT id, created_at, connection_address, event_type, actor_pubkey, action_type, message_id, message_hash, details, prev_hash, entry_hash FROM activity_events WHERE 1=1`
	var args []any

	if f.ConnectionAddress != "" {
		query += ` AND connection_address = ?`
		args = append(args, f.ConnectionAddress)
	}
	if f.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, f.EventType)
	}
	if f.Since != 0 {
		query += ` AND created_at >= ?`
		args = append(args, f.Since)
	}
	if f.Until != 0 {
		query += ` AND created_at <= ?`
		args = append(args, f.Until)
	}
	excluded := f.ExcludeEventTypes
	if excluded == nil {
		excluded = defaultExcludedEventTypes
	}
	for _, et := range excluded {
		query += ` AND event_type != ?`
		args = append(args, et)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var idBytes, actorKey, msgID []byte
		if err := rows.Scan(&idBytes, &ev.CreatedAt, &ev.ConnectionAddress, &ev.EventType, &actorKey, &ev.ActionType, &msgID, &ev.MessageHash, &ev.Details, &ev.PrevHash, &ev.EntryHash); err != nil {
			return nil, err
		}
		copy(ev.ID[:], idBytes)
		ev.ActorPubKey = ed25519.PublicKey(actorKey)
		if len(msgID) == 16 {
			copy(ev.MessageID[:], msgID)
			ev.HasMessageID = true
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// VerifyResult reports whether the chain is intact.
type VerifyResult struct {
	Valid         bool
	Total         int
	FirstBrokenAt int // index into the walked range, -1 if Valid
}

// VerifyChain walks the log from genesis (or the last tailN entries, if
// tailN > 0) recomputing each entry_hash and comparing it against both the
// stored value and the next row's stored prev_hash.
func (l *Log) VerifyChain(tailN int) (VerifyResult, error) {
	query := `SELECT id, created_at, connection_address, event_type, actor_pubkey, action_type, message_id, message_hash, details, prev_hash, entry_hash FROM activity_events ORDER BY created_at ASC, id ASC`
	rows, err := l.db.Query(query)
	if err != nil {
		return VerifyResult{}, err
	}
	defer rows.Close()

	var all []Event
	for rows.Next() {
		var ev Event
		var idBytes, actorKey, msgID []byte
		if err := rows.Scan(&idBytes, &ev.CreatedAt, &ev.ConnectionAddress, &ev.EventType, &actorKey, &ev.ActionType, &msgID, &ev.MessageHash, &ev.Details, &ev.PrevHash, &ev.EntryHash); err != nil {
			return VerifyResult{}, err
		}
		copy(ev.ID[:], idBytes)
		ev.ActorPubKey = ed25519.PublicKey(actorKey)
		if len(msgID) == 16 {
			copy(ev.MessageID[:], msgID)
			ev.HasMessageID = true
		}
		all = append(all, ev)
	}
	if err := rows.Err(); err != nil {
		return VerifyResult{}, err
	}

	window := all
	offset := 0
	if tailN > 0 && tailN < len(all) {
		offset = len(all) - tailN
		window = all[offset:]
	}

	result := VerifyResult{Total: len(window), FirstBrokenAt: -1}
	prevHash := ""
	if offset > 0 {
		prevHash = all[offset-1].EntryHash
	}
	for i, ev := range window {
		if ev.PrevHash != prevHash || computeEntryHash(ev) != ev.EntryHash {
			result.FirstBrokenAt = i
			return result, nil
		}
		prevHash = ev.EntryHash
	}
	result.Valid = true
	return result, nil
}
