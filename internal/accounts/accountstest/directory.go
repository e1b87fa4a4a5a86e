// Package accountstest provides an in-memory accounts.Directory for tests.
package accountstest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"yuim/im-realtime/internal/accounts"
	"yuim/im-realtime/pkg/envelope"
)

type Directory struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*accounts.Account

	// Err is returned from every lookup when set.
	Err error
	// Delay is applied to every lookup.
	Delay time.Duration

	Lookups        int
	ClearedTokens  []envelope.DeviceKey
	LastSeenWrites int
}

var _ accounts.Directory = (*Directory)(nil)

func New(accts ...*accounts.Account) *Directory {
	d := &Directory{accounts: make(map[uuid.UUID]*accounts.Account)}
	for _, a := range accts {
		d.Put(a)
	}
	return d
}

func (d *Directory) Put(a *accounts.Account) {
	d.mu.Lock()
	d.accounts[a.Identifier] = a
	d.mu.Unlock()
}

func (d *Directory) Delete(id uuid.UUID) {
	d.mu.Lock()
	delete(d.accounts, id)
	d.mu.Unlock()
}

func (d *Directory) lookup(match func(*accounts.Account) bool) (*accounts.Account, error) {
	if d.Delay > 0 {
		time.Sleep(d.Delay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Lookups++
	if d.Err != nil {
		return nil, d.Err
	}
	for _, a := range d.accounts {
		if match(a) {
			return clone(a), nil
		}
	}
	return nil, nil
}

func (d *Directory) GetByAccountIdentifier(_ context.Context, id uuid.UUID) (*accounts.Account, error) {
	return d.lookup(func(a *accounts.Account) bool { return a.Identifier == id })
}

func (d *Directory) GetByPhoneNumberIdentifier(_ context.Context, pni uuid.UUID) (*accounts.Account, error) {
	return d.lookup(func(a *accounts.Account) bool { return a.PhoneNumberIdentifier == pni })
}

func (d *Directory) UpdateLastSeen(_ context.Context, id uuid.UUID, deviceID uint8, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.LastSeenWrites++
	if a, ok := d.accounts[id]; ok {
		if dev := a.Device(deviceID); dev != nil && at.After(dev.LastSeen) {
			dev.LastSeen = at
		}
	}
	return nil
}

func (d *Directory) ClearPushToken(_ context.Context, id uuid.UUID, deviceID uint8, _ time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ClearedTokens = append(d.ClearedTokens, envelope.DeviceKey{Account: id, Device: deviceID})
	if a, ok := d.accounts[id]; ok {
		if dev := a.Device(deviceID); dev != nil {
			dev.PushToken, dev.PushTokenType = "", ""
		}
	}
	return nil
}

// Cleared returns the devices whose push token was cleared, in call order.
func (d *Directory) Cleared() []envelope.DeviceKey {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]envelope.DeviceKey(nil), d.ClearedTokens...)
}

// SetLastSeen overwrites a device's last seen time.
func (d *Directory) SetLastSeen(id uuid.UUID, deviceID uint8, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.accounts[id]; ok {
		if dev := a.Device(deviceID); dev != nil {
			dev.LastSeen = at
		}
	}
}

func clone(a *accounts.Account) *accounts.Account {
	c := *a
	c.Devices = make([]*accounts.Device, len(a.Devices))
	for i, d := range a.Devices {
		dc := *d
		c.Devices[i] = &dc
	}
	return &c
}

// NewAccount builds an account with devices 1..n, registration ids 100+id.
func NewAccount(n int) *accounts.Account {
	a := &accounts.Account{Identifier: uuid.New(), PhoneNumberIdentifier: uuid.New()}
	now := time.Now()
	for i := 1; i <= n; i++ {
		a.Devices = append(a.Devices, &accounts.Device{
			ID:                uint8(i),
			RegistrationID:    uint32(100 + i),
			PNIRegistrationID: uint32(200 + i),
			LastSeen:          now,
			Created:           now,
		})
	}
	return a
}
