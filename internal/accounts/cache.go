package accounts

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type entry struct {
	acct *Account
	exp  time.Time
}

// CachedDirectory fronts a Directory with a short TTL cache of account records.
// Writes go through and invalidate.
type CachedDirectory struct {
	next Directory
	ttl  time.Duration
	now  func() time.Time

	mu    sync.RWMutex
	byACI map[uuid.UUID]entry
}

var _ Directory = (*CachedDirectory)(nil)

func NewCachedDirectory(next Directory, ttl time.Duration) *CachedDirectory {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedDirectory{next: next, ttl: ttl, now: time.Now, byACI: make(map[uuid.UUID]entry)}
}

func (c *CachedDirectory) get(id uuid.UUID) (*Account, bool) {
	c.mu.RLock()
	e, ok := c.byACI[id]
	c.mu.RUnlock()
	if !ok || c.now().After(e.exp) {
		return nil, false
	}
	return e.acct, true
}

func (c *CachedDirectory) set(a *Account) {
	c.mu.Lock()
	c.byACI[a.Identifier] = entry{acct: a, exp: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *CachedDirectory) Invalidate(id uuid.UUID) {
	c.mu.Lock()
	delete(c.byACI, id)
	c.mu.Unlock()
}

func (c *CachedDirectory) GetByAccountIdentifier(ctx context.Context, id uuid.UUID) (*Account, error) {
	if a, ok := c.get(id); ok {
		return a, nil
	}
	a, err := c.next.GetByAccountIdentifier(ctx, id)
	if err != nil || a == nil {
		return a, err
	}
	c.set(a)
	return a, nil
}

// GetByPhoneNumberIdentifier is not cached; PNI lookups are rare on the delivery path.
func (c *CachedDirectory) GetByPhoneNumberIdentifier(ctx context.Context, pni uuid.UUID) (*Account, error) {
	return c.next.GetByPhoneNumberIdentifier(ctx, pni)
}

func (c *CachedDirectory) UpdateLastSeen(ctx context.Context, id uuid.UUID, deviceID uint8, at time.Time) error {
	defer c.Invalidate(id)
	return c.next.UpdateLastSeen(ctx, id, deviceID, at)
}

func (c *CachedDirectory) ClearPushToken(ctx context.Context, id uuid.UUID, deviceID uint8, unregisteredAt time.Time) error {
	defer c.Invalidate(id)
	return c.next.ClearPushToken(ctx, id, deviceID, unregisteredAt)
}
