package envelope

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// PrimaryDeviceID is the device id of an account's primary device.
const PrimaryDeviceID uint8 = 1

type Type string

const (
	TypeCiphertext       Type = "CIPHERTEXT"
	TypePrekeyBundle     Type = "PREKEY_BUNDLE"
	TypeServerReceipt    Type = "SERVER_DELIVERY_RECEIPT"
	TypeUnidentified     Type = "UNIDENTIFIED_SENDER"
	TypePlaintextContent Type = "PLAINTEXT_CONTENT"
)

// Envelope is the unit of queued delivery. Content is opaque sealed bytes.
// Treat this as a contract (version it when breaking changes are required).
type Envelope struct {
	GUID                      uuid.UUID  `json:"guid"`
	Type                      Type       `json:"type"`
	SourceIdentifier          *uuid.UUID `json:"source_uuid,omitempty"`
	SourceDevice              uint8      `json:"source_device,omitempty"`
	DestinationIdentifier     uuid.UUID  `json:"destination_uuid"`
	DestinationRegistrationID uint32     `json:"destination_registration_id,omitempty"`
	ClientTimestamp           int64      `json:"client_timestamp"`
	ServerTimestamp           int64      `json:"server_timestamp"`
	Seq                       int64      `json:"seq"`
	Urgent                    bool       `json:"urgent"`
	Ephemeral                 bool       `json:"ephemeral,omitempty"`
	Content                   []byte     `json:"content,omitempty"`
}

// SealedSender reports whether the envelope carries no source identity.
func (e *Envelope) SealedSender() bool { return e.SourceIdentifier == nil }

// Receiptable reports whether acknowledging e should produce a delivery receipt.
func (e *Envelope) Receiptable() bool {
	return e.SourceIdentifier != nil && e.Type != TypeServerReceipt && !e.Ephemeral
}

func Marshal(e *Envelope) ([]byte, error) { return json.Marshal(e) }

func Unmarshal(b []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// DeviceKey addresses one device queue.
type DeviceKey struct {
	Account uuid.UUID
	Device  uint8
}

func (k DeviceKey) String() string {
	return k.Account.String() + "::" + strconv.Itoa(int(k.Device))
}

// ParseDeviceKey is the inverse of DeviceKey.String.
func ParseDeviceKey(s string) (DeviceKey, error) {
	acct, dev, ok := strings.Cut(s, "::")
	if !ok {
		return DeviceKey{}, fmt.Errorf("envelope: malformed device key %q", s)
	}
	id, err := uuid.Parse(acct)
	if err != nil {
		return DeviceKey{}, err
	}
	d, err := strconv.ParseUint(dev, 10, 8)
	if err != nil || d == 0 {
		return DeviceKey{}, fmt.Errorf("envelope: malformed device id %q", dev)
	}
	return DeviceKey{Account: id, Device: uint8(d)}, nil
}
