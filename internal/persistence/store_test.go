package persistence

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/skobkin/simsnode/internal/bus"
	"github.com/skobkin/simsnode/internal/connectors"
	"github.com/skobkin/simsnode/internal/domain"
	"github.com/skobkin/simsnode/internal/mesh"
)

func newTestStore(t *testing.T) (*MessageStore, *MessageRepo, *WriterQueue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	db, err := Open(ctx, filepath.Join(t.TempDir(), "node.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := NewMessageRepo(db)
	writer := NewWriterQueue(logger, 16)
	writer.Start(ctx)

	return NewMessageStore(logger, repo, writer), repo, writer
}

func TestMessageStoreRecordAndMarkSent(t *testing.T) {
	store, repo, writer := newTestStore(t)

	msg := mesh.Message{
		Source:      0x11223344,
		Destination: 0x55667788,
		Sequence:    42,
		Type:        mesh.TypeIncident,
		Priority:    mesh.PriorityCritical,
		Timestamp:   time.UnixMilli(1_760_000_000_000),
		Payload:     []byte("smoke"),
	}
	if err := store.RecordOutbound(msg); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.MarkAsSent(42); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	writer.Wait()

	rows, err := repo.ListRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
	if rows[0].Direction != DirectionOutbound || rows[0].Destination != 0x55667788 || rows[0].Type != uint8(mesh.TypeIncident) {
		t.Fatalf("unexpected row: %+v", rows[0])
	}
	if rows[0].SentAt.IsZero() {
		t.Fatalf("message should be marked sent")
	}
}

func TestMessageStoreRecordsInboundFromBus(t *testing.T) {
	store, repo, _ := newTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(logger)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store.RecordInbound(ctx, b)

	b.Publish(connectors.TopicMeshMessage, connectors.MeshMessage{
		Source:      0xAABBCCDD,
		Destination: uint32(domain.Broadcast),
		Sequence:    9,
		Type:        uint8(mesh.TypeData),
		Payload:     []byte("hi"),
		RSSI:        -88,
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		rows, err := repo.ListRecent(context.Background(), 10)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(rows) == 1 {
			if rows[0].Direction != DirectionInbound || rows[0].Source != 0xAABBCCDD || rows[0].RSSI != -88 {
				t.Fatalf("unexpected inbound row: %+v", rows[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("inbound message was not recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
