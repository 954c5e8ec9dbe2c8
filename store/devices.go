package store

import (
	"context"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/lefinal/uptime-server/errors"
)

// DeviceStatus is the derived online-state of a device.
type DeviceStatus string

const (
	// DeviceStatusOnline means the device is considered reachable.
	DeviceStatusOnline DeviceStatus = "ONLINE"
	// DeviceStatusOffline means the device is considered unreachable.
	DeviceStatusOffline DeviceStatus = "OFFLINE"
	// DeviceStatusUnknown is the initial state before any report was seen.
	DeviceStatusUnknown DeviceStatus = "UNKNOWN"
)

// Device is a container for information regarding a known device.
type Device struct {
	// Name is the unique identifier of the device.
	Name string
	// Status is the derived online-state.
	Status DeviceStatus
	// LastSeen is the last time a liveness report from the Device arrived.
	LastSeen time.Time
}

// DeviceByName retrieves a Device by its name.
func (m *Mall) DeviceByName(ctx context.Context, name string) (Device, error) {
	// Build query.
	q, _, err := m.dialect.From("devices").
		Select(goqu.C("name"),
			goqu.C("status"),
			goqu.C("last_seen")).
		Where(goqu.C("name").Eq(name)).ToSQL()
	if err != nil {
		return Device{}, errors.NewInternalErrorFromErr(err, "query to sql", nil)
	}
	// Query.
	rows, err := m.db.Query(ctx, q)
	if err != nil {
		return Device{}, errors.NewExecQueryError(err, "query db", q)
	}
	defer rows.Close()
	// Scan.
	if !rows.Next() {
		return Device{}, errors.NewResourceNotFoundError("device not found",
			errors.Details{"device": name})
	}
	var device Device
	err = rows.Scan(&device.Name, &device.Status, &device.LastSeen)
	if err != nil {
		return Device{}, errors.NewScanDBRowError(err, "scan row", q)
	}
	return device, nil
}

// Devices retrieves all known devices ordered by last-seen descending.
func (m *Mall) Devices(ctx context.Context) ([]Device, error) {
	// Build query.
	q, _, err := m.dialect.From("devices").
		Select(goqu.C("name"),
			goqu.C("status"),
			goqu.C("last_seen")).
		Order(goqu.C("last_seen").Desc()).ToSQL()
	if err != nil {
		return nil, errors.NewInternalErrorFromErr(err, "query to sql", nil)
	}
	// Query.
	rows, err := m.db.Query(ctx, q)
	if err != nil {
		return nil, errors.NewExecQueryError(err, "query db", q)
	}
	defer rows.Close()
	// Scan.
	devices := make([]Device, 0)
	for rows.Next() {
		var device Device
		err = rows.Scan(&device.Name, &device.Status, &device.LastSeen)
		if err != nil {
			return nil, errors.NewScanDBRowError(err, "scan row", q)
		}
		devices = append(devices, device)
	}
	return devices, nil
}

// TouchDevice assures that a device with the given name exists and sets its
// last-seen timestamp to the given time. New devices start with
// DeviceStatusUnknown. The resulting Device is returned.
func (m *Mall) TouchDevice(ctx context.Context, name string, seenAt time.Time) (Device, error) {
	// Build upsert query.
	q, _, err := m.dialect.Insert("devices").Rows(goqu.Record{
		"name":      name,
		"status":    DeviceStatusUnknown,
		"last_seen": seenAt,
	}).OnConflict(goqu.DoUpdate("name", goqu.Record{
		"last_seen": seenAt,
	})).ToSQL()
	if err != nil {
		return Device{}, errors.NewInternalErrorFromErr(err, "upsert query to sql", nil)
	}
	// Exec.
	_, err = m.db.Exec(ctx, q)
	if err != nil {
		return Device{}, errors.NewExecQueryError(err, "exec upsert query", q)
	}
	return m.DeviceByName(ctx, name)
}

// SetDeviceStatus sets the status of the device with the given name.
func (m *Mall) SetDeviceStatus(ctx context.Context, name string, status DeviceStatus) error {
	// Build query.
	q, _, err := m.dialect.Update("devices").
		Set(goqu.Record{"status": status}).
		Where(goqu.C("name").Eq(name)).ToSQL()
	if err != nil {
		return errors.NewInternalErrorFromErr(err, "query to sql", nil)
	}
	// Exec.
	result, err := m.db.Exec(ctx, q)
	if err != nil {
		return errors.NewExecQueryError(err, "exec query", q)
	}
	if result.RowsAffected() != 1 {
		return errors.NewResourceNotFoundError("device not found",
			errors.Details{"device": name, "status": status})
	}
	return nil
}

// ResetDeviceStatuses sets the status of every known device to
// DeviceStatusUnknown.
func (m *Mall) ResetDeviceStatuses(ctx context.Context) error {
	// Build query.
	q, _, err := m.dialect.Update("devices").
		Set(goqu.Record{"status": DeviceStatusUnknown}).ToSQL()
	if err != nil {
		return errors.NewInternalErrorFromErr(err, "query to sql", nil)
	}
	// Exec.
	_, err = m.db.Exec(ctx, q)
	if err != nil {
		return errors.NewExecQueryError(err, "exec query", q)
	}
	return nil
}
