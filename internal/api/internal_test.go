package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"yuim/im-realtime/internal/accounts"
	"yuim/im-realtime/internal/accounts/accountstest"
	"yuim/im-realtime/internal/delivery"
	"yuim/im-realtime/internal/recipients"
	"yuim/im-realtime/pkg/envelope"
	"yuim/im-realtime/pkg/push"
)

type fakeSender struct {
	sent      []*envelope.Envelope
	multiErr  error
	pushRes   push.Result
	pushErr   error
	challenge push.NotificationType
}

func (f *fakeSender) Send(_ context.Context, acct *accounts.Account, _ *accounts.Device, env *envelope.Envelope) (*envelope.Envelope, error) {
	f.sent = append(f.sent, env)
	if env.Ephemeral {
		return nil, nil
	}
	out := *env
	out.GUID = uuid.New()
	out.DestinationIdentifier = acct.Identifier
	out.ServerTimestamp = 42
	return &out, nil
}

func (f *fakeSender) SendMultiRecipient(_ context.Context, msg delivery.MultiRecipientMessage) (delivery.MultiRecipientResult, error) {
	if f.multiErr != nil {
		return delivery.MultiRecipientResult{}, f.multiErr
	}
	n := 0
	for _, r := range msg.Recipients {
		n += len(r.Devices)
	}
	return delivery.MultiRecipientResult{Delivered: n}, nil
}

func (f *fakeSender) SendChallengePush(_ context.Context, _ *accounts.Account, _ *accounts.Device, t push.NotificationType, _ map[string]string) (push.Result, error) {
	f.challenge = t
	return f.pushRes, f.pushErr
}

type fakeDisconnector struct {
	account uuid.UUID
	devices []uint8
}

func (f *fakeDisconnector) RequestDisconnection(_ context.Context, account uuid.UUID, devices ...uint8) error {
	f.account, f.devices = account, devices
	return nil
}

type fixture struct {
	mux    *http.ServeMux
	acct   *accounts.Account
	sender *fakeSender
	disc   *fakeDisconnector
}

func setup(t *testing.T) *fixture {
	acct := accountstest.NewAccount(2)
	f := &fixture{mux: http.NewServeMux(), acct: acct, sender: &fakeSender{}, disc: &fakeDisconnector{}}
	New(accountstest.New(acct), f.sender, f.disc, zaptest.NewLogger(t), 0).Register(f.mux)
	return f
}

func (f *fixture) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b)))
	return rec
}

func TestSendMessage(t *testing.T) {
	f := setup(t)

	rec := f.post(t, "/internal/messages", sendReq{Account: f.acct.Identifier, Device: 2, Envelope: &envelope.Envelope{Type: envelope.TypeCiphertext, Urgent: true}})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp sendResp
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.NotEqual(t, uuid.Nil, resp.GUID)
	assert.Equal(t, int64(42), resp.ServerTimestamp)

	rec = f.post(t, "/internal/messages", sendReq{Account: f.acct.Identifier, Device: 2, Envelope: &envelope.Envelope{Type: envelope.TypeCiphertext, Ephemeral: true}})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.post(t, "/internal/messages", sendReq{Account: f.acct.Identifier, Device: 7, Envelope: &envelope.Envelope{}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.post(t, "/internal/messages", sendReq{Account: uuid.New(), Device: 1, Envelope: &envelope.Envelope{}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.post(t, "/internal/messages", sendReq{Account: f.acct.Identifier, Device: 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Len(t, f.sender.sent, 2)

	get := httptest.NewRecorder()
	f.mux.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/internal/messages", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, get.Code)
}

func TestSendMultiErrors(t *testing.T) {
	f := setup(t)
	sid := accounts.ServiceIdentifier{Type: accounts.IdentityACI, UUID: f.acct.Identifier}
	msg := delivery.MultiRecipientMessage{
		Type:          envelope.TypeUnidentified,
		SharedContent: []byte("c"),
		Recipients:    []recipients.Recipient{{ServiceIdentifier: sid, Devices: []recipients.Device{{ID: 1, RegistrationID: 101}}}},
	}

	rec := f.post(t, "/internal/messages/multi", msg)
	require.Equal(t, http.StatusOK, rec.Code)
	var res delivery.MultiRecipientResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, 1, res.Delivered)

	f.sender.multiErr = recipients.ErrDuplicateDevices
	assert.Equal(t, http.StatusBadRequest, f.post(t, "/internal/messages/multi", msg).Code)

	f.sender.multiErr = &recipients.UnresolvedError{Recipients: []accounts.ServiceIdentifier{sid}}
	rec = f.post(t, "/internal/messages/multi", msg)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), f.acct.Identifier.String())

	f.sender.multiErr = &recipients.StaleDevicesError{Entries: []recipients.StaleEntry{{Recipient: sid, Missing: []uint8{2}}}}
	rec = f.post(t, "/internal/messages/multi", msg)
	assert.Equal(t, http.StatusConflict, rec.Code)
	var body struct {
		Mismatched []staleEntry `json:"mismatched"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, []int{2}, body.Mismatched[0].Missing)

	f.sender.multiErr = errors.New("boom")
	assert.Equal(t, http.StatusInternalServerError, f.post(t, "/internal/messages/multi", msg).Code)
}

func TestDisconnect(t *testing.T) {
	f := setup(t)

	rec := f.post(t, "/internal/disconnect", disconnectReq{Account: f.acct.Identifier, Devices: []int{1, 2}})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, f.acct.Identifier, f.disc.account)
	assert.Equal(t, []uint8{1, 2}, f.disc.devices)

	assert.Equal(t, http.StatusBadRequest, f.post(t, "/internal/disconnect", disconnectReq{Account: f.acct.Identifier, Devices: []int{0}}).Code)
	assert.Equal(t, http.StatusBadRequest, f.post(t, "/internal/disconnect", disconnectReq{Account: f.acct.Identifier}).Code)
}

func TestChallengePush(t *testing.T) {
	f := setup(t)

	f.sender.pushRes = push.Result{Accepted: true}
	rec := f.post(t, "/internal/push/challenge", challengeReq{Account: f.acct.Identifier, Device: 1, Type: push.NotificationRateLimitChallenge})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, push.NotificationRateLimitChallenge, f.sender.challenge)

	f.sender.pushErr = delivery.ErrNoPushToken
	assert.Equal(t, http.StatusNotFound, f.post(t, "/internal/push/challenge", challengeReq{Account: f.acct.Identifier, Device: 1, Type: push.NotificationChallenge}).Code)

	f.sender.pushErr = push.ErrNotConfigured
	assert.Equal(t, http.StatusServiceUnavailable, f.post(t, "/internal/push/challenge", challengeReq{Account: f.acct.Identifier, Device: 1, Type: push.NotificationChallenge}).Code)

	assert.Equal(t, http.StatusBadRequest, f.post(t, "/internal/push/challenge", challengeReq{Account: f.acct.Identifier, Device: 1, Type: push.NotificationMessage}).Code)
}
