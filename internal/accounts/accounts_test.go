package accounts

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMySQLDirectoryLoadsDevices(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	aci, pni := uuid.New(), uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT account_uuid, pni_uuid FROM im_account WHERE account_uuid = ?`)).
		WithArgs(aci.String()).
		WillReturnRows(sqlmock.NewRows([]string{"account_uuid", "pni_uuid"}).AddRow(aci.String(), pni.String()))
	mock.ExpectQuery(`SELECT device_id, name, registration_id`).
		WithArgs(aci.String()).
		WillReturnRows(sqlmock.NewRows([]string{"device_id", "name", "registration_id", "pni_registration_id", "last_seen", "created", "push_token", "push_token_type"}).
			AddRow(int64(1), "phone", int64(11), int64(21), int64(5000), int64(1000), "cid-1", "getui").
			AddRow(int64(2), "desktop", int64(12), int64(22), int64(6000), int64(2000), nil, nil))

	a, err := NewMySQLDirectory(db).GetByAccountIdentifier(context.Background(), aci)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, pni, a.PhoneNumberIdentifier)
	require.Len(t, a.Devices, 2)
	assert.True(t, a.Primary().HasPushToken())
	assert.False(t, a.Device(2).HasPushToken())
	assert.Equal(t, uint32(22), a.Device(2).RegistrationIDFor(IdentityPNI))
	assert.Equal(t, time.UnixMilli(6000), a.Device(2).LastSeen)
	assert.Nil(t, a.Device(3))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLDirectoryMissingAccount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	mock.ExpectQuery(`SELECT account_uuid, pni_uuid FROM im_account`).
		WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows([]string{"account_uuid", "pni_uuid"}))

	a, err := NewMySQLDirectory(db).GetByAccountIdentifier(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, a)
	require.NoError(t, mock.ExpectationsWereMet())
}

type countingDirectory struct {
	Directory
	acct  *Account
	calls int
}

func (c *countingDirectory) GetByAccountIdentifier(context.Context, uuid.UUID) (*Account, error) {
	c.calls++
	return c.acct, nil
}

func (c *countingDirectory) UpdateLastSeen(context.Context, uuid.UUID, uint8, time.Time) error {
	return nil
}

func TestCachedDirectory(t *testing.T) {
	acct := &Account{Identifier: uuid.New()}
	next := &countingDirectory{acct: acct}
	c := NewCachedDirectory(next, time.Minute)
	clock := time.Unix(0, 0)
	c.now = func() time.Time { return clock }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := c.GetByAccountIdentifier(ctx, acct.Identifier)
		require.NoError(t, err)
		assert.Same(t, acct, got)
	}
	assert.Equal(t, 1, next.calls)

	clock = clock.Add(2 * time.Minute)
	_, _ = c.GetByAccountIdentifier(ctx, acct.Identifier)
	assert.Equal(t, 2, next.calls)

	require.NoError(t, c.UpdateLastSeen(ctx, acct.Identifier, 1, clock))
	_, _ = c.GetByAccountIdentifier(ctx, acct.Identifier)
	assert.Equal(t, 3, next.calls, "writes invalidate")
}
