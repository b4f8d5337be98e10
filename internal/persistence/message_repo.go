package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type Direction int

const (
	DirectionOutbound Direction = 1
	DirectionInbound  Direction = 2
)

// MessageRecord is one logged native mesh message.
type MessageRecord struct {
	ID          int64
	Direction   Direction
	Source      uint32
	Destination uint32
	Sequence    uint16
	Type        uint8
	Priority    uint8
	Hops        uint8
	Payload     []byte
	RSSI        int
	SNR         float32
	CreatedAt   time.Time
	SentAt      time.Time
}

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

func (r *MessageRepo) Insert(ctx context.Context, m MessageRecord) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO messages(direction, source, destination, sequence, type, priority, hops, payload, rssi, snr, created_at, sent_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, int(m.Direction), int64(m.Source), int64(m.Destination), int(m.Sequence), int(m.Type), int(m.Priority), int(m.Hops),
		m.Payload, m.RSSI, m.SNR, timeToUnixMillis(m.CreatedAt), timeToUnixMillis(m.SentAt))
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get message id: %w", err)
	}

	return id, nil
}

// MarkAsSent stamps the newest unsent outbound message with this sequence.
// It reports whether a row was updated.
func (r *MessageRepo) MarkAsSent(ctx context.Context, sequence uint16, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET sent_at = ?
		WHERE id = (
			SELECT id FROM messages
			WHERE direction = ? AND sequence = ? AND sent_at = 0
			ORDER BY id DESC
			LIMIT 1
		)
	`, timeToUnixMillis(at), int(DirectionOutbound), int(sequence))
	if err != nil {
		return false, fmt.Errorf("mark message sent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark message sent rows: %w", err)
	}

	return n > 0, nil
}

// ListRecent returns up to limit messages, oldest first.
func (r *MessageRepo) ListRecent(ctx context.Context, limit int) ([]MessageRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, direction, source, destination, sequence, type, priority, hops, payload, rssi, snr, created_at, sent_at
		FROM messages
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ListUnsent returns outbound messages still waiting for delivery.
func (r *MessageRepo) ListUnsent(ctx context.Context) ([]MessageRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, direction, source, destination, sequence, type, priority, hops, payload, rssi, snr, created_at, sent_at
		FROM messages
		WHERE direction = ? AND sent_at = 0
		ORDER BY id ASC
	`, int(DirectionOutbound))
	if err != nil {
		return nil, fmt.Errorf("list unsent messages: %w", err)
	}

	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]MessageRecord, error) {
	defer func() {
		_ = rows.Close()
	}()

	var out []MessageRecord
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return out, nil
}

func scanMessage(scanner interface {
	Scan(dest ...any) error
}) (MessageRecord, error) {
	var (
		m                         MessageRecord
		direction                 int
		source, destination       int64
		sequence, typ, prio, hops int
		rssi                      sql.NullInt64
		snr                       sql.NullFloat64
		createdAtMs, sentAtMs     int64
	)
	if err := scanner.Scan(&m.ID, &direction, &source, &destination, &sequence, &typ, &prio, &hops,
		&m.Payload, &rssi, &snr, &createdAtMs, &sentAtMs); err != nil {
		return MessageRecord{}, fmt.Errorf("scan message: %w", err)
	}
	m.Direction = Direction(direction)
	// #nosec G115 -- columns are written from the same narrow types.
	m.Source, m.Destination = uint32(source), uint32(destination)
	m.Sequence, m.Type, m.Priority, m.Hops = uint16(sequence), uint8(typ), uint8(prio), uint8(hops)
	if rssi.Valid {
		m.RSSI = int(rssi.Int64)
	}
	if snr.Valid {
		m.SNR = float32(snr.Float64)
	}
	m.CreatedAt = unixMillisToTime(createdAtMs)
	m.SentAt = unixMillisToTime(sentAtMs)

	return m, nil
}
