package accounts

import (
	"context"
	"time"

	"github.com/google/uuid"

	"yuim/im-realtime/pkg/envelope"
	"yuim/im-realtime/pkg/push"
)

// IdentityType selects which of an account's identities a service id names.
type IdentityType string

const (
	IdentityACI IdentityType = "aci"
	IdentityPNI IdentityType = "pni"
)

// ServiceIdentifier is an account identity as addressed by senders.
type ServiceIdentifier struct {
	Type IdentityType `json:"type"`
	UUID uuid.UUID    `json:"uuid"`
}

func (s ServiceIdentifier) String() string {
	if s.Type == IdentityPNI {
		return "PNI:" + s.UUID.String()
	}
	return s.UUID.String()
}

type Device struct {
	ID                uint8
	Name              string
	RegistrationID    uint32
	PNIRegistrationID uint32
	LastSeen          time.Time
	Created           time.Time
	PushToken         string
	PushTokenType     push.TokenType
}

func (d *Device) IsPrimary() bool { return d.ID == envelope.PrimaryDeviceID }

func (d *Device) RegistrationIDFor(t IdentityType) uint32 {
	if t == IdentityPNI {
		return d.PNIRegistrationID
	}
	return d.RegistrationID
}

// HasPushToken reports whether the device can be woken by a push notification.
func (d *Device) HasPushToken() bool { return d.PushToken != "" && d.PushTokenType != "" }

type Account struct {
	Identifier            uuid.UUID
	PhoneNumberIdentifier uuid.UUID
	Devices               []*Device
}

// Device returns the device with the given id, or nil.
func (a *Account) Device(id uint8) *Device {
	for _, d := range a.Devices {
		if d.ID == id {
			return d
		}
	}
	return nil
}

func (a *Account) Primary() *Device { return a.Device(envelope.PrimaryDeviceID) }

// Directory is the account/device lookup used by the delivery subsystem.
// Lookups return (nil, nil) when the account does not exist.
type Directory interface {
	GetByAccountIdentifier(ctx context.Context, id uuid.UUID) (*Account, error)
	GetByPhoneNumberIdentifier(ctx context.Context, pni uuid.UUID) (*Account, error)
	UpdateLastSeen(ctx context.Context, id uuid.UUID, deviceID uint8, at time.Time) error
	ClearPushToken(ctx context.Context, id uuid.UUID, deviceID uint8, unregisteredAt time.Time) error
}

// GetByServiceIdentifier dispatches on the identity type.
func GetByServiceIdentifier(ctx context.Context, d Directory, sid ServiceIdentifier) (*Account, error) {
	if sid.Type == IdentityPNI {
		return d.GetByPhoneNumberIdentifier(ctx, sid.UUID)
	}
	return d.GetByAccountIdentifier(ctx, sid.UUID)
}
