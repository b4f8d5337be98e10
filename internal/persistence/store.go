package persistence

import (
	"context"
	"log/slog"
	"time"

	"github.com/skobkin/simsnode/internal/bus"
	"github.com/skobkin/simsnode/internal/connectors"
	"github.com/skobkin/simsnode/internal/mesh"
)

// MessageStore is the mesh protocol's storage. Every call only enqueues a
// write, so the main loop never waits on SQLite.
type MessageStore struct {
	repo   *MessageRepo
	writer *WriterQueue
	logger *slog.Logger
	now    func() time.Time
}

func NewMessageStore(logger *slog.Logger, repo *MessageRepo, writer *WriterQueue) *MessageStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &MessageStore{repo: repo, writer: writer, logger: logger, now: time.Now}
}

func (s *MessageStore) RecordOutbound(m mesh.Message) error {
	rec := MessageRecord{
		Direction:   DirectionOutbound,
		Source:      uint32(m.Source),
		Destination: uint32(m.Destination),
		Sequence:    m.Sequence,
		Type:        uint8(m.Type),
		Priority:    uint8(m.Priority),
		Hops:        m.HopCount,
		Payload:     append([]byte(nil), m.Payload...),
		CreatedAt:   m.Timestamp,
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	s.writer.Enqueue("insert_outbound_message", func(ctx context.Context) error {
		_, err := s.repo.Insert(ctx, rec)
		return err
	})

	return nil
}

func (s *MessageStore) MarkAsSent(sequence uint16) error {
	at := s.now()
	s.writer.Enqueue("mark_message_sent", func(ctx context.Context) error {
		updated, err := s.repo.MarkAsSent(ctx, sequence, at)
		if err != nil {
			return err
		}
		if !updated {
			s.logger.Debug("no unsent message for sequence", "sequence", sequence)
		}
		return nil
	})

	return nil
}

func (s *MessageStore) recordInbound(m connectors.MeshMessage, at time.Time) {
	rec := MessageRecord{
		Direction:   DirectionInbound,
		Source:      m.Source,
		Destination: m.Destination,
		Sequence:    m.Sequence,
		Type:        m.Type,
		Priority:    m.Priority,
		Hops:        m.Hops,
		Payload:     append([]byte(nil), m.Payload...),
		RSSI:        m.RSSI,
		SNR:         m.SNR,
		CreatedAt:   at,
	}
	s.writer.Enqueue("insert_inbound_message", func(ctx context.Context) error {
		_, err := s.repo.Insert(ctx, rec)
		return err
	})
}

// RecordInbound logs every mesh message delivered to this node until ctx is
// done or the returned stop func is called. stop returns once the
// subscriber goroutine has exited.
func (s *MessageStore) RecordInbound(ctx context.Context, b bus.MessageBus) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	sub := b.Subscribe(connectors.TopicMeshMessage)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer b.Unsubscribe(sub, connectors.TopicMeshMessage)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-sub:
				if !ok {
					return
				}
				msg, ok := raw.(connectors.MeshMessage)
				if !ok {
					continue
				}
				s.recordInbound(msg, s.now())
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
