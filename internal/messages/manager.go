// Package messages presents the short-term (Redis) and long-term (MySQL) queue
// tiers of a device as one ordered queue.
package messages

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yuim/im-realtime/internal/metrics"
	"yuim/im-realtime/pkg/envelope"
	"yuim/im-realtime/pkg/store/storeiface"
)

// Manager appends to the short-term tier and reads from both. Both tiers keep the
// seq assigned at append, so a merged read is still ordered by seq. An envelope can
// sit in both tiers for the duration of a migration; reads dedupe by guid.
type Manager struct {
	short  storeiface.MessageQueueStore
	long   LongTerm
	notify storeiface.AvailabilityNotifier
	log    *zap.Logger
}

var _ storeiface.MessageQueueStore = (*Manager)(nil)

// LongTerm is the persisted tier. Envelopes reach it only through the persister.
type LongTerm interface {
	Drain(ctx context.Context, key envelope.DeviceKey, afterSeq int64, limit int) ([]*envelope.Envelope, error)
	Acknowledge(ctx context.Context, key envelope.DeviceKey, guid uuid.UUID) (*envelope.Envelope, error)
}

// NewManager builds a manager. long and notify may be nil.
func NewManager(log *zap.Logger, short storeiface.MessageQueueStore, long LongTerm, notify storeiface.AvailabilityNotifier) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{short: short, long: long, notify: notify, log: log}
}

func (m *Manager) Append(ctx context.Context, key envelope.DeviceKey, env *envelope.Envelope) (*envelope.Envelope, error) {
	stored, err := m.short.Append(ctx, key, env)
	if err != nil {
		return nil, err
	}
	metrics.MessagesQueued.Inc()
	if m.notify != nil {
		if err := m.notify.NotifyNewMessage(ctx, key); err != nil {
			// the envelope is queued; the consumer picks it up on its next pass
			m.log.Warn("new message notify failed", zap.String("key", key.String()), zap.Error(err))
		}
	}
	return stored, nil
}

func (m *Manager) Drain(ctx context.Context, key envelope.DeviceKey, afterSeq int64, limit int) ([]*envelope.Envelope, error) {
	if limit <= 0 {
		limit = 200
	}
	// Short tier first: the persister inserts into the long tier before removing
	// from the short one, so a migration racing these reads leaves every envelope
	// visible to at least one of them.
	cached, err := m.short.Drain(ctx, key, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	var persisted []*envelope.Envelope
	if m.long != nil {
		if persisted, err = m.long.Drain(ctx, key, afterSeq, limit); err != nil {
			return nil, err
		}
	}
	return merge(persisted, cached, limit), nil
}

func merge(a, b []*envelope.Envelope, limit int) []*envelope.Envelope {
	if len(a) == 0 && len(b) <= limit {
		return b
	}
	all := make([]*envelope.Envelope, 0, len(a)+len(b))
	all = append(all, a...)
	all = append(all, b...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].Seq < all[j].Seq })

	seen := make(map[uuid.UUID]struct{}, len(all))
	out := all[:0]
	for _, e := range all {
		if _, dup := seen[e.GUID]; dup {
			continue
		}
		seen[e.GUID] = struct{}{}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out
}

// Acknowledge removes guid from both tiers. It is ErrNotFound only when neither held it.
func (m *Manager) Acknowledge(ctx context.Context, key envelope.DeviceKey, guid uuid.UUID) (*envelope.Envelope, error) {
	found, err := m.short.Acknowledge(ctx, key, guid)
	if err != nil && !errors.Is(err, storeiface.ErrNotFound) {
		return nil, err
	}
	if m.long != nil {
		old, lerr := m.long.Acknowledge(ctx, key, guid)
		switch {
		case lerr == nil:
			if found == nil {
				found = old
			}
		case !errors.Is(lerr, storeiface.ErrNotFound):
			return nil, lerr
		}
	}
	if found == nil {
		return nil, storeiface.ErrNotFound
	}
	return found, nil
}
