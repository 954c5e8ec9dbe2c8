// Package liveness derives the online-state of devices from inbound liveness
// reports and a periodic staleness sweep. It drives the outage ledger on
// every state transition.
package liveness

import (
	"context"
	"fmt"
	"time"

	"github.com/gobuffalo/nulls"
	"github.com/lefinal/uptime-server/errors"
	"github.com/lefinal/uptime-server/event"
	"github.com/lefinal/uptime-server/sla"
	"github.com/lefinal/uptime-server/store"
	"go.uber.org/zap"
)

// Store are the persistence dependencies needed for NewMonitor.
type Store interface {
	// TouchDevice assures the device exists and sets its last-seen timestamp.
	TouchDevice(ctx context.Context, name string, seenAt time.Time) (store.Device, error)
	// SetDeviceStatus sets the status of the device.
	SetDeviceStatus(ctx context.Context, name string, status store.DeviceStatus) error
	// Devices retrieves all known devices.
	Devices(ctx context.Context) ([]store.Device, error)
	// AppendEventRecord appends the given record to the raw event log.
	AppendEventRecord(ctx context.Context, record store.EventRecord) error
	// UpsertUptimeSample writes the given self-reported uptime sample.
	UpsertUptimeSample(ctx context.Context, sample store.UptimeSample) error
}

// Ledger are the outage ledger operations needed for NewMonitor.
type Ledger interface {
	// Open opens an outage for the device unless one is already open.
	Open(ctx context.Context, device string, at time.Time) error
	// Close closes the open outage for the device if one exists.
	Close(ctx context.Context, device string, at time.Time) error
	// Repair adjusts the open outage using device-measured downtime.
	Repair(ctx context.Context, device string, bufferedMS int64, at time.Time) error
}

// Notifier is used for announcing state transitions.
type Notifier interface {
	// BroadcastText sends the given message to every subscriber. Delivery is
	// best-effort and must not block.
	BroadcastText(ctx context.Context, message string)
	// AnnounceStatus publishes the new device state to attached live channels.
	AnnounceStatus(ctx context.Context, device store.Device)
}

// Config is the configuration for NewMonitor.
type Config struct {
	// StalenessWindow is the maximum silence duration after which a device is
	// presumed offline.
	StalenessWindow time.Duration
	// BroadcastStateSync describes whether transitions caused by state-sync
	// reports are broadcast to subscribers. Transitions from explicit
	// online/offline reports always broadcast.
	BroadcastStateSync bool
	// Zone is the fixed local zone for bucket key derivation.
	Zone *time.Location
}

// Monitor is the liveness state machine. All per-device state lives in the
// store, so the Monitor itself is stateless and usable for any number of
// devices.
type Monitor struct {
	logger   *zap.Logger
	config   Config
	store    Store
	ledger   Ledger
	notifier Notifier
}

// NewMonitor creates a new Monitor with the given dependencies.
func NewMonitor(logger *zap.Logger, config Config, s Store, ledger Ledger, notifier Notifier) *Monitor {
	return &Monitor{
		logger:   logger,
		config:   config,
		store:    s,
		ledger:   ledger,
		notifier: notifier,
	}
}

// HandleReport applies a normalized liveness report. The device's last-seen
// timestamp is always refreshed first, regardless of kind.
func (mon *Monitor) HandleReport(ctx context.Context, report event.Report) error {
	device, err := mon.store.TouchDevice(ctx, report.Device, report.ReceivedAt)
	if err != nil {
		return errors.Wrap(err, "touch device", errors.Details{"device": report.Device})
	}
	switch report.Kind {
	case event.KindHeartbeat:
		// Liveness refresh only.
		return nil
	case event.KindOnline:
		return mon.applyExplicitState(ctx, device, store.DeviceStatusOnline, report, true)
	case event.KindOffline:
		return mon.applyExplicitState(ctx, device, store.DeviceStatusOffline, report, true)
	case event.KindStateSync:
		status, ok := parseStatePayload(report.State)
		if !ok {
			return errors.NewInvalidPayloadError("state sync without usable state",
				errors.Details{"device": report.Device, "state": report.State})
		}
		return mon.applyExplicitState(ctx, device, status, report, mon.config.BroadcastStateSync)
	case event.KindDailySync:
		return mon.applyUptimeSample(ctx, report, report.Day, sla.DayKey(report.ReceivedAt, mon.config.Zone))
	case event.KindMonthlySync:
		return mon.applyUptimeSample(ctx, report, report.Month, sla.MonthKey(report.ReceivedAt, mon.config.Zone))
	case event.KindBufferedSync:
		if !report.UptimeMS.Valid {
			return errors.NewInvalidPayloadError("buffered sync without uptime",
				errors.Details{"device": report.Device})
		}
		err = mon.ledger.Repair(ctx, report.Device, report.UptimeMS.Int64, report.ReceivedAt)
		if err != nil {
			return errors.Wrap(err, "repair outage", errors.Details{"device": report.Device})
		}
		return nil
	}
	return errors.NewInternalError("unhandled event kind", errors.Details{"kind": report.Kind})
}

// applyExplicitState applies an authoritative state report. The raw event is
// appended to the event log in any case. A transition drives the ledger and
// optionally broadcasts.
func (mon *Monitor) applyExplicitState(ctx context.Context, device store.Device, status store.DeviceStatus,
	report event.Report, announce bool) error {
	err := mon.store.AppendEventRecord(ctx, store.EventRecord{
		Device: device.Name,
		Kind:   string(status),
		TS:     report.ReceivedAt,
	})
	if err != nil {
		// The event log is a complementary source, losing an entry is not worth
		// failing the report.
		errors.Log(mon.logger, errors.Wrap(err, "append event record",
			errors.Details{"device": device.Name}))
	}
	return mon.transition(ctx, device, status, report.ReceivedAt, announce)
}

// transition moves the device to the given status if it differs from the
// current one. Transitions into offline open an outage, transitions into
// online close the open one.
func (mon *Monitor) transition(ctx context.Context, device store.Device, status store.DeviceStatus,
	at time.Time, announce bool) error {
	if device.Status == status {
		return nil
	}
	err := mon.store.SetDeviceStatus(ctx, device.Name, status)
	if err != nil {
		return errors.Wrap(err, "set device status", errors.Details{
			"device": device.Name,
			"status": status,
		})
	}
	switch status {
	case store.DeviceStatusOffline:
		err = mon.ledger.Open(ctx, device.Name, at)
		if err != nil {
			return errors.Wrap(err, "open outage", errors.Details{"device": device.Name})
		}
	case store.DeviceStatusOnline:
		err = mon.ledger.Close(ctx, device.Name, at)
		if err != nil {
			return errors.Wrap(err, "close outage", errors.Details{"device": device.Name})
		}
	}
	device.Status = status
	mon.notifier.AnnounceStatus(ctx, device)
	if announce {
		mon.notifier.BroadcastText(ctx, fmt.Sprintf("Device %s is now %s.", device.Name, status))
	}
	mon.logger.Info("device status changed",
		zap.String("device", device.Name),
		zap.String("status", string(status)))
	return nil
}

// applyUptimeSample upserts a self-reported uptime sample. The bucket key
// from the report wins over the derived fallback key.
func (mon *Monitor) applyUptimeSample(ctx context.Context, report event.Report, declaredKey nulls.String,
	fallbackKey string) error {
	if !report.UptimeMS.Valid {
		// Some firmware versions emit sync events without payload. These only
		// refresh liveness, same as a heartbeat.
		mon.logger.Debug("ignore uptime sync without payload",
			zap.String("device", report.Device))
		return nil
	}
	bucketKey := fallbackKey
	if declaredKey.Valid && declaredKey.String != "" {
		bucketKey = declaredKey.String
	}
	err := mon.store.UpsertUptimeSample(ctx, store.UptimeSample{
		Device:     report.Device,
		BucketKey:  bucketKey,
		UptimeMS:   report.UptimeMS.Int64,
		RecordedAt: report.ReceivedAt,
	})
	if err != nil {
		return errors.Wrap(err, "upsert uptime sample", errors.Details{
			"device":     report.Device,
			"bucket_key": bucketKey,
		})
	}
	return nil
}

// SweepStale reconciles devices that disappeared without an explicit offline
// report. Devices silent for longer than the staleness window are forced
// offline, devices within the window are brought back online. The sweep is
// driven by SweepService.
func (mon *Monitor) SweepStale(ctx context.Context, now time.Time) error {
	devices, err := mon.store.Devices(ctx)
	if err != nil {
		return errors.Wrap(err, "retrieve devices", nil)
	}
	for _, device := range devices {
		stale := now.Sub(device.LastSeen) > mon.config.StalenessWindow
		if stale && device.Status != store.DeviceStatusOffline {
			err = mon.transition(ctx, device, store.DeviceStatusOffline, now, true)
		} else if !stale && device.Status != store.DeviceStatusOnline {
			err = mon.transition(ctx, device, store.DeviceStatusOnline, now, true)
		}
		if err != nil {
			// Continue with remaining devices, the next sweep retries.
			errors.Log(mon.logger, errors.Wrap(err, "sweep device",
				errors.Details{"device": device.Name}))
			err = nil
		}
	}
	return nil
}

// parseStatePayload parses the explicit state payload of a state-sync report.
func parseStatePayload(state nulls.String) (store.DeviceStatus, bool) {
	if !state.Valid {
		return "", false
	}
	switch store.DeviceStatus(state.String) {
	case store.DeviceStatusOnline:
		return store.DeviceStatusOnline, true
	case store.DeviceStatusOffline:
		return store.DeviceStatusOffline, true
	}
	return "", false
}
