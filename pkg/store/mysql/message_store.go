package mysqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"yuim/im-realtime/pkg/envelope"
	"yuim/im-realtime/pkg/store/storeiface"
)

// MessageStore is the long-term tier of a device queue. Rows keep the seq assigned
// by the short-term tier so the two can be merged in order.
type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore { return &MessageStore{db: db} }

// Insert is idempotent by guid.
func (s *MessageStore) Insert(ctx context.Context, key envelope.DeviceKey, envs []*envelope.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	var (
		b    strings.Builder
		args = make([]any, 0, len(envs)*6)
	)
	b.WriteString(`INSERT IGNORE INTO im_message (account_uuid, device_id, seq, guid, server_ts, envelope) VALUES `)
	for i, e := range envs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?, ?, ?)")
		body, err := envelope.Marshal(e)
		if err != nil {
			return err
		}
		args = append(args, key.Account.String(), key.Device, e.Seq, e.GUID.String(), e.ServerTimestamp, body)
	}
	_, err := s.db.ExecContext(ctx, b.String(), args...)
	return err
}

func (s *MessageStore) Drain(ctx context.Context, key envelope.DeviceKey, afterSeq int64, limit int) ([]*envelope.Envelope, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, server_ts, envelope
FROM im_message
WHERE account_uuid = ? AND device_id = ? AND seq > ?
ORDER BY seq ASC
LIMIT ?
`, key.Account.String(), key.Device, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*envelope.Envelope, 0, limit)
	for rows.Next() {
		var (
			seq, ts int64
			body    []byte
		)
		if err := rows.Scan(&seq, &ts, &body); err != nil {
			return nil, err
		}
		e, err := envelope.Unmarshal(body)
		if err != nil {
			return nil, fmt.Errorf("mysql: decode seq=%d: %w", seq, err)
		}
		e.Seq, e.ServerTimestamp = seq, ts
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *MessageStore) Acknowledge(ctx context.Context, key envelope.DeviceKey, guid uuid.UUID) (*envelope.Envelope, error) {
	var (
		seq, ts int64
		body    []byte
	)
	err := s.db.QueryRowContext(ctx, `
SELECT seq, server_ts, envelope FROM im_message
WHERE account_uuid = ? AND device_id = ? AND guid = ?
`, key.Account.String(), key.Device, guid.String()).Scan(&seq, &ts, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeiface.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM im_message WHERE account_uuid = ? AND device_id = ? AND guid = ?`,
		key.Account.String(), key.Device, guid.String())
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, storeiface.ErrNotFound
	}
	e, err := envelope.Unmarshal(body)
	if err != nil {
		return nil, err
	}
	e.Seq, e.ServerTimestamp = seq, ts
	return e, nil
}

func (s *MessageStore) Delete(ctx context.Context, key envelope.DeviceKey, guids []uuid.UUID) error {
	if len(guids) == 0 {
		return nil
	}
	args := []any{key.Account.String(), key.Device}
	marks := make([]string, len(guids))
	for i, g := range guids {
		marks[i] = "?"
		args = append(args, g.String())
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM im_message WHERE account_uuid = ? AND device_id = ? AND guid IN (`+strings.Join(marks, ", ")+`)`,
		args...)
	return err
}
