// Package api serves the cluster-internal HTTP endpoints that feed the delivery engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yuim/im-realtime/internal/accounts"
	"yuim/im-realtime/internal/delivery"
	"yuim/im-realtime/internal/recipients"
	"yuim/im-realtime/pkg/envelope"
	"yuim/im-realtime/pkg/push"
)

type Sender interface {
	Send(ctx context.Context, acct *accounts.Account, dev *accounts.Device, env *envelope.Envelope) (*envelope.Envelope, error)
	SendMultiRecipient(ctx context.Context, msg delivery.MultiRecipientMessage) (delivery.MultiRecipientResult, error)
	SendChallengePush(ctx context.Context, acct *accounts.Account, dev *accounts.Device, t push.NotificationType, data map[string]string) (push.Result, error)
}

type Disconnector interface {
	RequestDisconnection(ctx context.Context, account uuid.UUID, devices ...uint8) error
}

type Handler struct {
	dir     accounts.Directory
	sender  Sender
	disc    Disconnector
	log     *zap.Logger
	timeout time.Duration
}

func New(dir accounts.Directory, sender Sender, disc Disconnector, log *zap.Logger, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{dir: dir, sender: sender, disc: disc, log: log, timeout: timeout}
}

// Register mounts the internal routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/internal/messages", h.post(h.sendMessage))
	mux.HandleFunc("/internal/messages/multi", h.post(h.sendMulti))
	mux.HandleFunc("/internal/disconnect", h.post(h.disconnect))
	mux.HandleFunc("/internal/push/challenge", h.post(h.challenge))
}

func (h *Handler) post(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()
		fn(w, r.WithContext(ctx))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// device looks up (account, device) and writes a 404 when either is missing.
func (h *Handler) device(w http.ResponseWriter, r *http.Request, account uuid.UUID, id uint8) (*accounts.Account, *accounts.Device, bool) {
	acct, err := h.dir.GetByAccountIdentifier(r.Context(), account)
	if err != nil {
		h.log.Warn("account lookup failed", zap.String("account", account.String()), zap.Error(err))
		http.Error(w, "account lookup failed", http.StatusServiceUnavailable)
		return nil, nil, false
	}
	if acct == nil {
		http.Error(w, "account not found", http.StatusNotFound)
		return nil, nil, false
	}
	dev := acct.Device(id)
	if dev == nil {
		http.Error(w, "device not found", http.StatusNotFound)
		return nil, nil, false
	}
	return acct, dev, true
}

type sendReq struct {
	Account  uuid.UUID          `json:"account"`
	Device   uint8              `json:"device"`
	Envelope *envelope.Envelope `json:"envelope"`
}

type sendResp struct {
	GUID            uuid.UUID `json:"guid"`
	ServerTimestamp int64     `json:"server_timestamp"`
}

// sendMessage: POST /internal/messages {account, device, envelope}
func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var q sendReq
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if q.Envelope == nil {
		http.Error(w, "envelope required", http.StatusBadRequest)
		return
	}
	acct, dev, ok := h.device(w, r, q.Account, q.Device)
	if !ok {
		return
	}
	stored, err := h.sender.Send(r.Context(), acct, dev, q.Envelope)
	if err != nil {
		h.log.Error("send failed", zap.String("account", acct.Identifier.String()), zap.Uint8("device", dev.ID), zap.Error(err))
		http.Error(w, "send failed", http.StatusInternalServerError)
		return
	}
	if stored == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, sendResp{GUID: stored.GUID, ServerTimestamp: stored.ServerTimestamp})
}

type staleEntry struct {
	ServiceID string `json:"service_id"`
	Missing   []int  `json:"missing_devices,omitempty"`
	Extra     []int  `json:"extra_devices,omitempty"`
	Stale     []int  `json:"stale_devices,omitempty"`
}

func ints(ids []uint8) []int {
	if len(ids) == 0 {
		return nil
	}
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}

// sendMulti: POST /internal/messages/multi
func (h *Handler) sendMulti(w http.ResponseWriter, r *http.Request) {
	var q delivery.MultiRecipientMessage
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.sender.SendMultiRecipient(r.Context(), q)

	var unresolved *recipients.UnresolvedError
	var stale *recipients.StaleDevicesError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, recipients.ErrDuplicateDevices):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &unresolved):
		ids := make([]string, len(unresolved.Recipients))
		for i, sid := range unresolved.Recipients {
			ids[i] = sid.String()
		}
		writeJSON(w, http.StatusNotFound, map[string]any{"unresolved": ids})
	case errors.As(err, &stale):
		out := make([]staleEntry, len(stale.Entries))
		for i, e := range stale.Entries {
			out[i] = staleEntry{ServiceID: e.Recipient.String(), Missing: ints(e.Missing), Extra: ints(e.Extra), Stale: ints(e.Stale)}
		}
		writeJSON(w, http.StatusConflict, map[string]any{"mismatched": out})
	case res.Delivered > 0:
		// partial: some envelopes are already queued and must not be resent
		h.log.Warn("multi-recipient send partially failed", zap.Int("delivered", res.Delivered), zap.Int("failed", res.Failed), zap.Error(err))
		writeJSON(w, http.StatusOK, res)
	default:
		h.log.Error("multi-recipient send failed", zap.Error(err))
		http.Error(w, "send failed", http.StatusInternalServerError)
	}
}

type disconnectReq struct {
	Account uuid.UUID `json:"account"`
	Devices []int     `json:"devices"`
}

// disconnect: POST /internal/disconnect {account, devices}
func (h *Handler) disconnect(w http.ResponseWriter, r *http.Request) {
	var q disconnectReq
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	devs := make([]uint8, 0, len(q.Devices))
	for _, d := range q.Devices {
		if d <= 0 || d > 255 {
			http.Error(w, "bad device id", http.StatusBadRequest)
			return
		}
		devs = append(devs, uint8(d))
	}
	if q.Account == uuid.Nil || len(devs) == 0 {
		http.Error(w, "account and devices required", http.StatusBadRequest)
		return
	}
	if err := h.disc.RequestDisconnection(r.Context(), q.Account, devs...); err != nil {
		h.log.Error("disconnection request failed", zap.String("account", q.Account.String()), zap.Error(err))
		http.Error(w, "publish failed", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type challengeReq struct {
	Account uuid.UUID             `json:"account"`
	Device  uint8                 `json:"device"`
	Type    push.NotificationType `json:"type"`
	Data    map[string]string     `json:"data,omitempty"`
}

// challenge: POST /internal/push/challenge {account, device, type, data}
func (h *Handler) challenge(w http.ResponseWriter, r *http.Request) {
	var q challengeReq
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch q.Type {
	case push.NotificationChallenge, push.NotificationRateLimitChallenge, push.NotificationAttemptLogin:
	default:
		http.Error(w, "unsupported notification type", http.StatusBadRequest)
		return
	}
	acct, dev, ok := h.device(w, r, q.Account, q.Device)
	if !ok {
		return
	}
	res, err := h.sender.SendChallengePush(r.Context(), acct, dev, q.Type, q.Data)
	switch {
	case errors.Is(err, delivery.ErrNoPushToken):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, push.ErrNotConfigured):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case res.Unregistered:
		http.Error(w, "push token unregistered", http.StatusGone)
	case err != nil:
		h.log.Warn("challenge push failed", zap.String("account", acct.Identifier.String()), zap.Error(err))
		http.Error(w, "push failed", http.StatusBadGateway)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}
