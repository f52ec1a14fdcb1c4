package client

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func newTestStoreDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestConnectionStoreUpsertAndGet(t *testing.T) {
	db := newTestStoreDB(t)
	cs, err := NewConnectionStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	conn := Connection{Address: "pinch:a@relay", State: StateActive, AutonomyLevel: AutonomyFullAuto, Nickname: "ally"}
	if err := cs.Upsert(conn); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, ok, err := cs.Get("pinch:a@relay")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Nickname != "ally" || got.State != StateActive {
		t.Errorf("unexpected record: %+v", got)
	}

	conn.Nickname = "ally2"
	if err := cs.Upsert(conn); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, _, _ = cs.Get("pinch:a@relay")
	if got.Nickname != "ally2" {
		t.Errorf("expected upsert to overwrite, got %q", got.Nickname)
	}
}

func TestConnectionStoreNextSequenceIsGapFree(t *testing.T) {
	db := newTestStoreDB(t)
	cs, _ := NewConnectionStore(db)
	if err := cs.Upsert(Connection{Address: "pinch:a@relay", State: StateActive, AutonomyLevel: AutonomyFullAuto}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	var seqs []uint64
	for i := 0; i < 5; i++ {
		n, err := cs.NextSequence("pinch:a@relay")
		if err != nil {
			t.Fatalf("next sequence: %v", err)
		}
		seqs = append(seqs, n)
	}
	for i, n := range seqs {
		if n != uint64(i+1) {
			t.Fatalf("expected gap-free sequence starting at 1, got %v", seqs)
		}
	}

	// Simulate a restart: a fresh store over the same handle must resume
	// from the persisted value, not from zero.
	cs2, _ := NewConnectionStore(db)
	next, err := cs2.NextSequence("pinch:a@relay")
	if err != nil {
		t.Fatalf("next sequence after restart: %v", err)
	}
	if next != 6 {
		t.Errorf("expected sequence to resume at 6 after restart, got %d", next)
	}
}

func TestMessageStoreInsertAndUpdateState(t *testing.T) {
	db := newTestStoreDB(t)
	ms, err := NewMessageStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	var id [16]byte
	id[0] = 0x42
	msg := Message{MessageID: id, ConnectionAddress: "pinch:a@relay", Direction: DirectionOutbound, State: MessageStateSent, Content: []byte("hi"), Attribution: AttributionAgent}
	if err := ms.Insert(msg); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, ok, err := ms.Get(id)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.State != MessageStateSent {
		t.Errorf("expected state sent, got %q", got.State)
	}

	if err := ms.UpdateState(id, MessageStateReadByAgent); err != nil {
		t.Fatalf("update state: %v", err)
	}
	got, _, _ = ms.Get(id)
	if got.State != MessageStateReadByAgent {
		t.Errorf("expected updated state, got %q", got.State)
	}
}

func TestMostRecentPendingOutboundScopesByAddressAndExcludesTerminal(t *testing.T) {
	db := newTestStoreDB(t)
	ms, err := NewMessageStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	var idBob, idCarol, idDone [16]byte
	idBob[0], idCarol[0], idDone[0] = 1, 2, 3
	if err := ms.Insert(Message{MessageID: idBob, ConnectionAddress: "pinch:bob@relay", Direction: DirectionOutbound, State: MessageStateSent, CreatedAt: 1000}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := ms.Insert(Message{MessageID: idCarol, ConnectionAddress: "pinch:carol@relay", Direction: DirectionOutbound, State: MessageStateRelayed, CreatedAt: 2000}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := ms.Insert(Message{MessageID: idDone, ConnectionAddress: "pinch:bob@relay", Direction: DirectionOutbound, State: MessageStateReadByAgent, CreatedAt: 3000}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, ok, err := ms.MostRecentPendingOutbound("pinch:bob@relay")
	if err != nil || !ok {
		t.Fatalf("expected a pending message for bob: ok=%v err=%v", ok, err)
	}
	if got.MessageID != idBob {
		t.Errorf("expected bob's pending message, got %x", got.MessageID)
	}

	got, ok, err = ms.MostRecentPendingOutbound("")
	if err != nil || !ok {
		t.Fatalf("expected a pending message overall: ok=%v err=%v", ok, err)
	}
	if got.MessageID != idCarol {
		t.Errorf("expected the most recent pending message across connections (carol's), got %x", got.MessageID)
	}
}
