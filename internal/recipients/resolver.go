// Package recipients turns a multi-recipient send into resolved accounts and checks
// the sender's view of each recipient's devices against the directory.
package recipients

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"yuim/im-realtime/internal/accounts"
)

const DefaultConcurrency = 8

var ErrDuplicateDevices = errors.New("recipients: duplicate device in recipient")

// Device is one destination device as named by the sender.
type Device struct {
	ID             uint8  `json:"device_id"`
	RegistrationID uint32 `json:"registration_id"`
	// KeyMaterial is the per-device header combined with the shared ciphertext.
	KeyMaterial []byte `json:"key_material,omitempty"`
}

type Recipient struct {
	ServiceIdentifier accounts.ServiceIdentifier `json:"service_id"`
	Devices           []Device                   `json:"devices"`
}

// UnresolvedError lists recipients with no active account.
type UnresolvedError struct {
	Recipients []accounts.ServiceIdentifier
}

func (e *UnresolvedError) Error() string {
	ids := make([]string, len(e.Recipients))
	for i, r := range e.Recipients {
		ids[i] = r.String()
	}
	return "recipients: unresolved " + strings.Join(ids, ",")
}

// StaleEntry describes how one recipient's device list differs from the directory.
type StaleEntry struct {
	Recipient accounts.ServiceIdentifier `json:"service_id"`
	Missing   []uint8                    `json:"missing_devices,omitempty"`
	Extra     []uint8                    `json:"extra_devices,omitempty"`
	Stale     []uint8                    `json:"stale_devices,omitempty"`
}

type StaleDevicesError struct {
	Entries []StaleEntry
}

func (e *StaleDevicesError) Error() string {
	return fmt.Sprintf("recipients: %d recipient(s) with mismatched devices", len(e.Entries))
}

type Resolver struct {
	dir   accounts.Directory
	limit int
	log   *zap.Logger
}

func NewResolver(dir accounts.Directory, limit int, log *zap.Logger) *Resolver {
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{dir: dir, limit: limit, log: log}
}

// HasDuplicateDevices reports whether any recipient names the same device twice.
func HasDuplicateDevices(rs []Recipient) bool {
	for _, r := range rs {
		if len(r.Devices) < 2 {
			continue
		}
		seen := make(map[uint8]struct{}, len(r.Devices))
		for _, d := range r.Devices {
			if _, dup := seen[d.ID]; dup {
				return true
			}
			seen[d.ID] = struct{}{}
		}
	}
	return false
}

// Resolve looks every recipient up with at most limit lookups in flight. Recipients
// without an account are omitted; use Unresolved to find them. A lookup error fails
// the whole resolution.
func (r *Resolver) Resolve(ctx context.Context, rs []Recipient) (map[accounts.ServiceIdentifier]*accounts.Account, error) {
	var (
		mu  sync.Mutex
		out = make(map[accounts.ServiceIdentifier]*accounts.Account, len(rs))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.limit)

	seen := make(map[accounts.ServiceIdentifier]struct{}, len(rs))
	for _, rc := range rs {
		sid := rc.ServiceIdentifier
		if _, ok := seen[sid]; ok {
			continue
		}
		seen[sid] = struct{}{}
		g.Go(func() error {
			a, err := accounts.GetByServiceIdentifier(gctx, r.dir, sid)
			if err != nil {
				return fmt.Errorf("recipients: lookup %s: %w", sid, err)
			}
			if a == nil {
				return nil
			}
			mu.Lock()
			out[sid] = a
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(out) < len(seen) {
		r.log.Debug("recipients partially resolved", zap.Int("requested", len(seen)), zap.Int("resolved", len(out)))
	}
	return out, nil
}

// Unresolved returns the recipients absent from resolved, in input order.
func Unresolved(rs []Recipient, resolved map[accounts.ServiceIdentifier]*accounts.Account) []accounts.ServiceIdentifier {
	var out []accounts.ServiceIdentifier
	seen := make(map[accounts.ServiceIdentifier]struct{})
	for _, rc := range rs {
		if _, ok := resolved[rc.ServiceIdentifier]; ok {
			continue
		}
		if _, ok := seen[rc.ServiceIdentifier]; ok {
			continue
		}
		seen[rc.ServiceIdentifier] = struct{}{}
		out = append(out, rc.ServiceIdentifier)
	}
	return out
}

// StaleDevices compares each recipient's device list with its account. A nil
// result means every recipient addresses exactly the account's current devices.
func StaleDevices(rs []Recipient, resolved map[accounts.ServiceIdentifier]*accounts.Account) *StaleDevicesError {
	var entries []StaleEntry
	for _, rc := range rs {
		a, ok := resolved[rc.ServiceIdentifier]
		if !ok {
			continue
		}
		named := make(map[uint8]struct{}, len(rc.Devices))
		e := StaleEntry{Recipient: rc.ServiceIdentifier}
		for _, d := range rc.Devices {
			named[d.ID] = struct{}{}
			dev := a.Device(d.ID)
			switch {
			case dev == nil:
				e.Extra = append(e.Extra, d.ID)
			case dev.RegistrationIDFor(rc.ServiceIdentifier.Type) != d.RegistrationID:
				e.Stale = append(e.Stale, d.ID)
			}
		}
		for _, dev := range a.Devices {
			if _, ok := named[dev.ID]; !ok {
				e.Missing = append(e.Missing, dev.ID)
			}
		}
		if len(e.Missing)+len(e.Extra)+len(e.Stale) > 0 {
			sortIDs(e.Missing)
			sortIDs(e.Extra)
			sortIDs(e.Stale)
			entries = append(entries, e)
		}
	}
	if len(entries) == 0 {
		return nil
	}
	return &StaleDevicesError{Entries: entries}
}

func sortIDs(ids []uint8) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
