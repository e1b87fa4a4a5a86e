// Package idle advises linked devices when the account's primary device has gone quiet.
package idle

import (
	"time"

	"go.uber.org/zap"

	"yuim/im-realtime/internal/accounts"
	"yuim/im-realtime/internal/metrics"
	"yuim/im-realtime/pkg/envelope"
)

// DefaultThreshold is how long a primary may stay unseen before linked devices are advised.
const DefaultThreshold = 30 * 24 * time.Hour

// ShouldWarn reports whether a connecting device should be told its primary is idle.
// The primary itself is never warned. The boundary is exclusive.
func ShouldWarn(deviceID uint8, primaryLastSeen, now time.Time, threshold time.Duration) bool {
	if deviceID == envelope.PrimaryDeviceID {
		return false
	}
	return now.Sub(primaryLastSeen) > threshold
}

type Monitor struct {
	threshold time.Duration
	now       func() time.Time
	log       *zap.Logger
}

func NewMonitor(log *zap.Logger, threshold time.Duration) *Monitor {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{threshold: threshold, now: time.Now, log: log}
}

// Check is advisory only; an account without a primary is never warned.
func (m *Monitor) Check(acct *accounts.Account, deviceID uint8) bool {
	primary := acct.Primary()
	if primary == nil {
		return false
	}
	if !ShouldWarn(deviceID, primary.LastSeen, m.now(), m.threshold) {
		return false
	}
	metrics.IdlePrimaryWarnings.Inc()
	m.log.Debug("primary device idle",
		zap.String("account", acct.Identifier.String()),
		zap.Uint8("device", deviceID),
		zap.Time("primary_last_seen", primary.LastSeen))
	return true
}
