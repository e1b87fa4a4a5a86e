package accounts

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"yuim/im-realtime/pkg/push"
)

type MySQLDirectory struct {
	db *sql.DB
}

var _ Directory = (*MySQLDirectory)(nil)

func NewMySQLDirectory(db *sql.DB) *MySQLDirectory { return &MySQLDirectory{db: db} }

func (r *MySQLDirectory) GetByAccountIdentifier(ctx context.Context, id uuid.UUID) (*Account, error) {
	return r.get(ctx, `SELECT account_uuid, pni_uuid FROM im_account WHERE account_uuid = ? AND status = 1`, id)
}

func (r *MySQLDirectory) GetByPhoneNumberIdentifier(ctx context.Context, pni uuid.UUID) (*Account, error) {
	return r.get(ctx, `SELECT account_uuid, pni_uuid FROM im_account WHERE pni_uuid = ? AND status = 1`, pni)
}

func (r *MySQLDirectory) get(ctx context.Context, query string, id uuid.UUID) (*Account, error) {
	var aci, pni string
	err := r.db.QueryRowContext(ctx, query, id.String()).Scan(&aci, &pni)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a := &Account{}
	if a.Identifier, err = uuid.Parse(aci); err != nil {
		return nil, err
	}
	if a.PhoneNumberIdentifier, err = uuid.Parse(pni); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT device_id, name, registration_id, pni_registration_id, last_seen, created, push_token, push_token_type
FROM im_device
WHERE account_uuid = ?
ORDER BY device_id ASC
`, aci)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			d                 Device
			lastSeen, created int64
			token, tokenType  sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.Name, &d.RegistrationID, &d.PNIRegistrationID, &lastSeen, &created, &token, &tokenType); err != nil {
			return nil, err
		}
		d.LastSeen = time.UnixMilli(lastSeen)
		d.Created = time.UnixMilli(created)
		d.PushToken = token.String
		d.PushTokenType = push.TokenType(tokenType.String)
		a.Devices = append(a.Devices, &d)
	}
	return a, rows.Err()
}

// UpdateLastSeen never moves last_seen backwards.
func (r *MySQLDirectory) UpdateLastSeen(ctx context.Context, id uuid.UUID, deviceID uint8, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE im_device SET last_seen = GREATEST(last_seen, ?)
WHERE account_uuid = ? AND device_id = ?
`, at.UnixMilli(), id.String(), deviceID)
	return err
}

func (r *MySQLDirectory) ClearPushToken(ctx context.Context, id uuid.UUID, deviceID uint8, unregisteredAt time.Time) error {
	// a token registered after the platform's verdict is newer and stays
	_, err := r.db.ExecContext(ctx, `
UPDATE im_device SET push_token = NULL, push_token_type = NULL
WHERE account_uuid = ? AND device_id = ? AND push_token_updated <= ?
`, id.String(), deviceID, unregisteredAt.UnixMilli())
	return err
}
