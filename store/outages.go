package store

import (
	"context"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/gobuffalo/nulls"
	"github.com/google/uuid"
	"github.com/lefinal/uptime-server/errors"
)

// Outage is one contiguous interval during which a device was not reachable.
// An invalid End means the outage is still open.
type Outage struct {
	// ID identifies the outage.
	ID uuid.UUID
	// Device is the name of the affected device.
	Device string
	// Start is when the outage began.
	Start time.Time
	// End is when the outage was closed. Invalid while still open.
	End nulls.Time
	// DurationMS is the outage duration in milliseconds. Only meaningful for
	// closed outages.
	DurationMS int64
}

// outageColumns are the selected columns for scanning an Outage.
func outageColumns() []interface{} {
	return []interface{}{
		goqu.C("id"),
		goqu.C("device"),
		goqu.C("start_time"),
		goqu.C("end_time"),
		goqu.C("duration_ms"),
	}
}

// OpenOutageByDevice retrieves the currently open Outage for the device with
// the given name. If none is open, an errors.ErrNotFound error is returned.
func (m *Mall) OpenOutageByDevice(ctx context.Context, device string) (Outage, error) {
	// Build query.
	q, _, err := m.dialect.From("outages").
		Select(outageColumns()...).
		Where(goqu.C("device").Eq(device),
			goqu.C("end_time").IsNull()).
		Order(goqu.C("start_time").Desc()).
		Limit(1).ToSQL()
	if err != nil {
		return Outage{}, errors.NewInternalErrorFromErr(err, "query to sql", nil)
	}
	// Query.
	rows, err := m.db.Query(ctx, q)
	if err != nil {
		return Outage{}, errors.NewExecQueryError(err, "query db", q)
	}
	defer rows.Close()
	// Scan.
	if !rows.Next() {
		return Outage{}, errors.NewResourceNotFoundError("no open outage",
			errors.Details{"device": device})
	}
	var outage Outage
	err = rows.Scan(&outage.ID, &outage.Device, &outage.Start, &outage.End, &outage.DurationMS)
	if err != nil {
		return Outage{}, errors.NewScanDBRowError(err, "scan row", q)
	}
	return outage, nil
}

// CreateOutage inserts a new open Outage for the given device starting at the
// given time. The created Outage is returned.
func (m *Mall) CreateOutage(ctx context.Context, device string, start time.Time) (Outage, error) {
	created := Outage{
		ID:     uuid.New(),
		Device: device,
		Start:  start,
	}
	// Build query.
	q, _, err := m.dialect.Insert("outages").Rows(goqu.Record{
		"id":          created.ID.String(),
		"device":      created.Device,
		"start_time":  created.Start,
		"end_time":    nulls.Time{},
		"duration_ms": 0,
	}).ToSQL()
	if err != nil {
		return Outage{}, errors.NewInternalErrorFromErr(err, "query to sql", nil)
	}
	// Exec.
	result, err := m.db.Exec(ctx, q)
	if err != nil {
		return Outage{}, errors.NewExecQueryError(err, "exec query", q)
	}
	if result.RowsAffected() != 1 {
		return Outage{}, errors.NewInternalError("outage not created", errors.Details{"query": q})
	}
	return created, nil
}

// UpdateOutage updates start, end and duration of the Outage with the given
// id.
func (m *Mall) UpdateOutage(ctx context.Context, outage Outage) error {
	// Build query.
	q, _, err := m.dialect.Update("outages").
		Set(goqu.Record{
			"start_time":  outage.Start,
			"end_time":    outage.End,
			"duration_ms": outage.DurationMS,
		}).
		Where(goqu.C("id").Eq(outage.ID.String())).ToSQL()
	if err != nil {
		return errors.NewInternalErrorFromErr(err, "query to sql", nil)
	}
	// Exec.
	result, err := m.db.Exec(ctx, q)
	if err != nil {
		return errors.NewExecQueryError(err, "exec query", q)
	}
	if result.RowsAffected() != 1 {
		return errors.NewResourceNotFoundError("outage not found",
			errors.Details{"outage_id": outage.ID})
	}
	return nil
}

// OutagesInWindow retrieves all outages for the given device that overlap the
// window [from, to). This includes the still-open outage if its start lies
// before the window end.
func (m *Mall) OutagesInWindow(ctx context.Context, device string, from time.Time, to time.Time) ([]Outage, error) {
	// Build query.
	q, _, err := m.dialect.From("outages").
		Select(outageColumns()...).
		Where(goqu.C("device").Eq(device),
			goqu.C("start_time").Lt(to),
			goqu.Or(goqu.C("end_time").IsNull(),
				goqu.C("end_time").Gt(from))).
		Order(goqu.C("start_time").Asc()).ToSQL()
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
	outages := make([]Outage, 0)
	for rows.Next() {
		var outage Outage
		err = rows.Scan(&outage.ID, &outage.Device, &outage.Start, &outage.End, &outage.DurationMS)
		if err != nil {
			return nil, errors.NewScanDBRowError(err, "scan row", q)
		}
		outages = append(outages, outage)
	}
	return outages, nil
}

// DeleteOutages deletes all outage records.
func (m *Mall) DeleteOutages(ctx context.Context) error {
	q, _, err := m.dialect.Delete("outages").ToSQL()
	if err != nil {
		return errors.NewInternalErrorFromErr(err, "query to sql", nil)
	}
	_, err = m.db.Exec(ctx, q)
	if err != nil {
		return errors.NewExecQueryError(err, "exec query", q)
	}
	return nil
}
