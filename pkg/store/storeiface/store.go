package storeiface

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"yuim/im-realtime/pkg/envelope"
)

var ErrNotFound = errors.New("store: not found")

// MessageQueueStore persists per-device envelope queues.
//
// Append assigns Seq and ServerTimestamp; both are non-decreasing per device queue and
// Drain returns envelopes ordered by Seq. An envelope leaves the queue only through Acknowledge.
type MessageQueueStore interface {
	Append(ctx context.Context, key envelope.DeviceKey, env *envelope.Envelope) (*envelope.Envelope, error)
	Drain(ctx context.Context, key envelope.DeviceKey, afterSeq int64, limit int) ([]*envelope.Envelope, error)
	// Acknowledge removes guid and returns the removed envelope, or ErrNotFound.
	Acknowledge(ctx context.Context, key envelope.DeviceKey, guid uuid.UUID) (*envelope.Envelope, error)
}

// AvailabilityNotifier is fired after a successful Append.
type AvailabilityNotifier interface {
	NotifyNewMessage(ctx context.Context, key envelope.DeviceKey) error
}

// PresenceStore keeps (device -> node) routes for devices holding a live session.
type PresenceStore interface {
	SetRoute(ctx context.Context, key envelope.DeviceKey, node string, ttl time.Duration) error
	GetRoute(ctx context.Context, key envelope.DeviceKey) (string, error)
	// ClearRoute deletes the route only if it still points at node.
	ClearRoute(ctx context.Context, key envelope.DeviceKey, node string) error
}
