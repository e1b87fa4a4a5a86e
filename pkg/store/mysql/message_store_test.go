package mysqlstore

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yuim/im-realtime/pkg/envelope"
	"yuim/im-realtime/pkg/store/storeiface"
)

func TestInsertBuildsMultiRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewMessageStore(db)
	key := envelope.DeviceKey{Account: uuid.New(), Device: 2}
	envs := []*envelope.Envelope{
		{GUID: uuid.New(), Seq: 1, ServerTimestamp: 10},
		{GUID: uuid.New(), Seq: 2, ServerTimestamp: 11},
	}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT IGNORE INTO im_message (account_uuid, device_id, seq, guid, server_ts, envelope) VALUES (?, ?, ?, ?, ?, ?), (?, ?, ?, ?, ?, ?)`)).
		WithArgs(key.Account.String(), key.Device, int64(1), envs[0].GUID.String(), int64(10), sqlmock.AnyArg(),
			key.Account.String(), key.Device, int64(2), envs[1].GUID.String(), int64(11), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, s.Insert(context.Background(), key, envs))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDrainDecodesRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewMessageStore(db)
	key := envelope.DeviceKey{Account: uuid.New(), Device: 1}
	g := uuid.New()
	body, err := envelope.Marshal(&envelope.Envelope{GUID: g, Type: envelope.TypeCiphertext})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT seq, server_ts, envelope\s+FROM im_message`).
		WithArgs(key.Account.String(), key.Device, int64(5), 50).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "server_ts", "envelope"}).AddRow(int64(6), int64(99), body))

	got, err := s.Drain(context.Background(), key, 5, 50)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, g, got[0].GUID)
	assert.Equal(t, int64(6), got[0].Seq)
	assert.Equal(t, int64(99), got[0].ServerTimestamp)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcknowledgeMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewMessageStore(db)
	key := envelope.DeviceKey{Account: uuid.New(), Device: 1}
	g := uuid.New()

	mock.ExpectQuery(`SELECT seq, server_ts, envelope FROM im_message`).
		WithArgs(key.Account.String(), key.Device, g.String()).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "server_ts", "envelope"}))

	_, err = s.Acknowledge(context.Background(), key, g)
	assert.ErrorIs(t, err, storeiface.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcknowledgeDeletes(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewMessageStore(db)
	key := envelope.DeviceKey{Account: uuid.New(), Device: 1}
	g := uuid.New()
	body, err := envelope.Marshal(&envelope.Envelope{GUID: g, ClientTimestamp: 7})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT seq, server_ts, envelope FROM im_message`).
		WithArgs(key.Account.String(), key.Device, g.String()).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "server_ts", "envelope"}).AddRow(int64(3), int64(4), body))
	mock.ExpectExec(`DELETE FROM im_message`).
		WithArgs(key.Account.String(), key.Device, g.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	got, err := s.Acknowledge(context.Background(), key, g)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.ClientTimestamp)
	assert.Equal(t, int64(3), got.Seq)
	require.NoError(t, mock.ExpectationsWereMet())
}
