// Package event provides the canonical representation of liveness reports
// that devices send to the server as well as normalization of raw inbound
// payloads.
package event

import (
	"fmt"
	"time"

	"github.com/gobuffalo/nulls"
	"github.com/lefinal/uptime-server/errors"
)

// Kind is the canonical kind of an inbound liveness report.
type Kind string

const (
	// KindHeartbeat only refreshes the last-seen timestamp of a device.
	KindHeartbeat Kind = "HEARTBEAT"
	// KindOnline is an explicit report that the device is reachable.
	KindOnline Kind = "ONLINE"
	// KindOffline is an explicit report that the device is going down.
	KindOffline Kind = "OFFLINE"
	// KindStateSync carries an explicit state for internal bookkeeping.
	KindStateSync Kind = "STATE_SYNC"
	// KindDailySync carries the cumulative uptime milliseconds for a day bucket.
	KindDailySync Kind = "DAILY_SYNC"
	// KindMonthlySync carries the cumulative uptime milliseconds for a month
	// bucket.
	KindMonthlySync Kind = "MONTHLY_SYNC"
	// KindBufferedSync carries the duration the device measured itself being
	// down. Used for repairing the currently open outage after reconnecting.
	KindBufferedSync Kind = "SYNC"
)

// ParseKind parses the given raw kind. Unknown kinds yield an
// errors.ErrBadRequest error.
func ParseKind(raw string) (Kind, error) {
	k := Kind(raw)
	switch k {
	case KindHeartbeat,
		KindOnline,
		KindOffline,
		KindStateSync,
		KindDailySync,
		KindMonthlySync,
		KindBufferedSync:
		return k, nil
	}
	return "", errors.NewInvalidPayloadError(fmt.Sprintf("unknown event kind: %s", raw),
		errors.Details{"was": raw})
}

// RawReport is the inbound payload as received over the wire. Everything apart
// from Device and Event is optional.
type RawReport struct {
	// Device is the identifier of the reporting device.
	Device string `json:"device"`
	// Event is the raw event kind.
	Event string `json:"event"`
	// Time is an optional timestamp the device declared itself. Device clocks
	// are untrusted so this is informational only.
	Time nulls.String `json:"time"`
	// UptimeMS is the optional cumulative uptime or buffered downtime payload.
	UptimeMS nulls.Int64 `json:"uptime_ms"`
	// State is the optional explicit state for KindStateSync.
	State nulls.String `json:"state"`
	// Day is the optional day bucket key for KindDailySync.
	Day nulls.String `json:"day"`
	// Month is the optional month bucket key for KindMonthlySync.
	Month nulls.String `json:"month"`
}

// Report is a normalized liveness report.
type Report struct {
	// Device is the identifier of the reporting device.
	Device string
	// Kind is the canonical event kind.
	Kind Kind
	// ReceivedAt is the arrival time at the collecting process. This is the
	// authoritative timestamp for all liveness bookkeeping.
	ReceivedAt time.Time
	// DeclaredAt is the timestamp the device declared itself, if any.
	DeclaredAt nulls.Time
	// UptimeMS is the uptime or buffered downtime payload, if any.
	UptimeMS nulls.Int64
	// State is the explicit state payload for KindStateSync, if any.
	State nulls.String
	// Day is the day bucket key for KindDailySync, if any.
	Day nulls.String
	// Month is the month bucket key for KindMonthlySync, if any.
	Month nulls.String
}

// Normalize validates the given RawReport and turns it into a Report. The
// report's ReceivedAt is set to the given arrival time.
func Normalize(raw RawReport, arrivedAt time.Time) (Report, error) {
	if raw.Device == "" {
		return Report{}, errors.NewInvalidPayloadError("missing device", nil)
	}
	if raw.Event == "" {
		return Report{}, errors.NewInvalidPayloadError("missing event kind",
			errors.Details{"device": raw.Device})
	}
	kind, err := ParseKind(raw.Event)
	if err != nil {
		return Report{}, errors.Wrap(err, "parse kind", errors.Details{"device": raw.Device})
	}
	report := Report{
		Device:     raw.Device,
		Kind:       kind,
		ReceivedAt: arrivedAt,
		UptimeMS:   raw.UptimeMS,
		State:      raw.State,
		Day:        raw.Day,
		Month:      raw.Month,
	}
	if raw.Time.Valid {
		if declaredAt, err := time.Parse(time.RFC3339, raw.Time.String); err == nil {
			report.DeclaredAt = nulls.NewTime(declaredAt)
		}
	}
	return report, nil
}
