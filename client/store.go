package client

import (
	"crypto/ed25519"
	"database/sql"
	"sync"

	"github.com/pinch-protocol/pinch-sub002/fserrors"
)

// ConnectionStore persists Connection records and hands out gap-free,
// crash-durable per-connection sequence numbers (§3 invariants).
type ConnectionStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewConnectionStore prepares the connections table on an already-open
// database handle; the handle may be shared with a MessageStore.
func NewConnectionStore(db *sql.DB) (*ConnectionStore, error) {
	const schema = `
	CREATE TABLE IF NOT EXISTS connections (
		address         TEXT PRIMARY KEY,
		state           TEXT NOT NULL,
		autonomy_level  TEXT NOT NULL,
		peer_public_key BLOB,
		muted           INTEGER NOT NULL DEFAULT 0,
		passthrough     INTEGER NOT NULL DEFAULT 0,
		last_activity   INTEGER NOT NULL DEFAULT 0,
		nickname        TEXT NOT NULL DEFAULT '',
		next_sequence   INTEGER NOT NULL DEFAULT 0
	);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fserrors.Wrap(fserrors.PathClient, fserrors.StageStore, fserrors.CodeDatabaseOpenFailed, err)
	}
	return &ConnectionStore{db: db}, nil
}

// Upsert inserts or replaces a connection record wholesale.
func (s *ConnectionStore) Upsert(c Connection) error {
	_, err := s.db.Exec(`
		INSERT INTO connections (address, state, autonomy_level, peer_public_key, muted, passthrough, last_activity, nickname, next_sequence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			state=excluded.state, autonomy_level=excluded.autonomy_level, peer_public_key=excluded.peer_public_key,
			muted=excluded.muted, passthrough=excluded.passthrough, last_activity=excluded.last_activity,
			nickname=excluded.nickname, next_sequence=excluded.next_sequence`,
		c.Address, string(c.State), string(c.AutonomyLevel), []byte(c.PeerPublicKey),
		boolToInt(c.Muted), boolToInt(c.Passthrough), c.LastActivity, c.Nickname, c.NextSequence)
	return err
}

// Get returns the connection record for address.
func (s *ConnectionStore) Get(address string) (Connection, bool, error) {
	var c Connection
	var state, autonomy string
	var muted, passthrough int
	var peerKey []byte
	row := s.db.QueryRow(`SELECT address, state, autonomy_level, peer_public_key, muted, passthrough, last_activity, nickname, next_sequence
		FROM connections WHERE address = ?`, address)
	err := row.Scan(&c.Address, &state, &autonomy, &peerKey, &muted, &passthrough, &c.LastActivity, &c.Nickname, &c.NextSequence)
	if err == sql.ErrNoRows {
		return Connection{}, false, nil
	}
	if err != nil {
		return Connection{}, false, err
	}
	c.State = ConnectionState(state)
	c.AutonomyLevel = AutonomyLevel(autonomy)
	c.Muted = muted != 0
	c.Passthrough = passthrough != 0
	c.PeerPublicKey = ed25519.PublicKey(peerKey)
	return c, true, nil
}

// NextSequence atomically allocates the next outbound sequence number for
// address, persisting the increment so it remains gap-free across
// restarts (§3 invariant: "strictly monotonic and gap-free").
func (s *ConnectionStore) NextSequence(address string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var cur uint64
	if err := tx.QueryRow(`SELECT next_sequence FROM connections WHERE address = ?`, address).Scan(&cur); err != nil {
		return 0, err
	}
	next := cur + 1
	if _, err := tx.Exec(`UPDATE connections SET next_sequence = ? WHERE address = ?`, next, address); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// MessageStore persists sent and received Message records.
type MessageStore struct {
	db *sql.DB
}

// NewMessageStore prepares the messages table on an already-open handle.
func NewMessageStore(db *sql.DB) (*MessageStore, error) {
	const schema = `
	CREATE TABLE IF NOT EXISTS messages (
		message_id         BLOB PRIMARY KEY,
		connection_address TEXT NOT NULL,
		direction          TEXT NOT NULL,
		sequence           INTEGER NOT NULL,
		state              TEXT NOT NULL,
		content            BLOB,
		attribution        TEXT NOT NULL,
		thread_id          TEXT NOT NULL DEFAULT '',
		reply_to           BLOB,
		created_at         INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_connection ON messages(connection_address, created_at);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fserrors.Wrap(fserrors.PathClient, fserrors.StageStore, fserrors.CodeDatabaseOpenFailed, err)
	}
	return &MessageStore{db: db}, nil
}

// Insert persists a new message record.
func (s *MessageStore) Insert(m Message) error {
	var replyTo []byte
	if m.HasReplyTo {
		replyTo = m.ReplyTo[:]
	}
	_, err := s.db.Exec(`
		INSERT INTO messages (message_id, connection_address, direction, sequence, state, content, attribution, thread_id, reply_to, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID[:], m.ConnectionAddress, string(m.Direction), m.Sequence, m.State, m.Content, m.Attribution, m.ThreadID, replyTo, m.CreatedAt)
	return err
}

// UpdateState sets the state of an existing message record, used when a
// verified DeliveryConfirm arrives.
func (s *MessageStore) UpdateState(messageID [16]byte, state string) error {
	_, err := s.db.Exec(`UPDATE messages SET state = ? WHERE message_id = ?`, state, messageID[:])
	return err
}

// Get returns the message record for messageID.
func (s *MessageStore) Get(messageID [16]byte) (Message, bool, error) {
	var m Message
	var direction, attribution, threadID string
	var replyTo []byte
	var contentBytes []byte
	row := s.db.QueryRow(`SELECT message_id, connection_address, direction, sequence, state, content, attribution, thread_id, reply_to, created_at
		FROM messages WHERE message_id = ?`, messageID[:])
	var idBytes []byte
	err := row.Scan(&idBytes, &m.ConnectionAddress, &direction, &m.Sequence, &m.State, &contentBytes, &attribution, &threadID, &replyTo, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	copy(m.MessageID[:], idBytes)
	m.Direction = Direction(direction)
	m.Content = contentBytes
	m.Attribution = attribution
	m.ThreadID = threadID
	if len(replyTo) == 16 {
		copy(m.ReplyTo[:], replyTo)
		m.HasReplyTo = true
	}
	return m, true, nil
}

// MostRecentPendingOutbound returns the newest outbound message still in
// an in-flight state (sent or relayed, not yet confirmed or failed). When
// address is non-empty the search is scoped to that connection; otherwise
// it considers every outbound connection, for relay rejections (such as
// RateLimited) that aren't attributed to one recipient.
func (s *MessageStore) MostRecentPendingOutbound(address string) (Message, bool, error) {
	query := `SELECT message_id, connection_address, direction, sequence, state, content, attribution, thread_id, reply_to, created_at
		FROM messages WHERE direction = ? AND state IN (?, ?)`
	args := []any{string(DirectionOutbound), MessageStateSent, MessageStateRelayed}
	if address != "" {
		query += ` AND connection_address = ?`
		args = append(args, address)
	}
	query += ` ORDER BY created_at DESC, sequence DESC LIMIT 1`

	var m Message
	var direction, attribution, threadID string
	var replyTo []byte
	var contentBytes []byte
	var idBytes []byte
	row := s.db.QueryRow(query, args...)
	err := row.Scan(&idBytes, &m.ConnectionAddress, &direction, &m.Sequence, &m.State, &contentBytes, &attribution, &threadID, &replyTo, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	copy(m.MessageID[:], idBytes)
	m.Direction = Direction(direction)
	m.Content = contentBytes
	m.Attribution = attribution
	m.ThreadID = threadID
	if len(replyTo) == 16 {
		copy(m.ReplyTo[:], replyTo)
		m.HasReplyTo = true
	}
	return m, true, nil
}
