package persistence

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *MessageRepo {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "node.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return NewMessageRepo(db)
}

func TestMessageRepoInsertAndList(t *testing.T) {
	ctx := context.Background()
	repo := openTestDB(t)
	created := time.UnixMilli(1_760_000_000_123)

	if _, err := repo.Insert(ctx, MessageRecord{
		Direction:   DirectionInbound,
		Source:      0xDEADBEEF,
		Destination: 0xFFFFFFFF,
		Sequence:    65535,
		Type:        2,
		Priority:    0,
		Hops:        3,
		Payload:     []byte("report"),
		RSSI:        -104,
		SNR:         -2.5,
		CreatedAt:   created,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := repo.Insert(ctx, MessageRecord{Direction: DirectionOutbound, Source: 1, Destination: 2, Sequence: 1, Type: 1, CreatedAt: created.Add(time.Second)}); err != nil {
		t.Fatalf("insert second: %v", err)
	}

	got, err := repo.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected two messages, got %d", len(got))
	}
	first := got[0]
	if first.Source != 0xDEADBEEF || first.Destination != 0xFFFFFFFF || first.Sequence != 65535 || first.Hops != 3 {
		t.Fatalf("unexpected first message: %+v", first)
	}
	if !bytes.Equal(first.Payload, []byte("report")) || first.RSSI != -104 || first.SNR != -2.5 {
		t.Fatalf("unexpected first payload or signal: %+v", first)
	}
	if !first.CreatedAt.Equal(created) || !first.SentAt.IsZero() {
		t.Fatalf("unexpected timestamps: %v %v", first.CreatedAt, first.SentAt)
	}
	if got[1].Direction != DirectionOutbound {
		t.Fatalf("list must be oldest first")
	}
}

func TestMessageRepoMarkAsSent(t *testing.T) {
	ctx := context.Background()
	repo := openTestDB(t)
	now := time.UnixMilli(1_760_000_000_000)

	for _, rec := range []MessageRecord{
		{Direction: DirectionOutbound, Sequence: 7, CreatedAt: now},
		{Direction: DirectionInbound, Sequence: 8, CreatedAt: now},
		{Direction: DirectionOutbound, Sequence: 8, CreatedAt: now},
	} {
		if _, err := repo.Insert(ctx, rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	updated, err := repo.MarkAsSent(ctx, 8, now.Add(time.Second))
	if err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if !updated {
		t.Fatalf("expected outbound sequence 8 to be updated")
	}
	updated, err = repo.MarkAsSent(ctx, 8, now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("mark sent again: %v", err)
	}
	if updated {
		t.Fatalf("already sent message must not be updated again")
	}

	unsent, err := repo.ListUnsent(ctx)
	if err != nil {
		t.Fatalf("list unsent: %v", err)
	}
	if len(unsent) != 1 || unsent[0].Sequence != 7 {
		t.Fatalf("unexpected unsent messages: %+v", unsent)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "node.db")
	for i := 0; i < 2; i++ {
		db, err := Open(ctx, path)
		if err != nil {
			t.Fatalf("open #%d: %v", i+1, err)
		}
		var version int
		if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&version); err != nil {
			t.Fatalf("read version: %v", err)
		}
		if version != len(migrations) {
			t.Fatalf("expected schema version %d, got %d", len(migrations), version)
		}
		_ = db.Close()
	}
}
