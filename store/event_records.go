package store

import (
	"context"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/gobuffalo/nulls"
	"github.com/lefinal/uptime-server/errors"
)

// EventRecord is one raw entry of the append-only liveness event log. It is
// kept as an alternative source for downtime reconstruction by scanning
// online/offline pairs.
type EventRecord struct {
	// ID is the assigned record id.
	ID int64
	// Device is the name of the reporting device.
	Device string
	// Kind is the raw event kind.
	Kind string
	// TS is the arrival time of the event.
	TS time.Time
	// DeclaredPercent is an optional percentage the device declared itself.
	DeclaredPercent nulls.Float64
}

// AppendEventRecord appends the given record to the event log.
func (m *Mall) AppendEventRecord(ctx context.Context, record EventRecord) error {
	// Build query.
	q, _, err := m.dialect.Insert("event_records").Rows(goqu.Record{
		"device":           record.Device,
		"kind":             record.Kind,
		"ts":               record.TS,
		"declared_percent": record.DeclaredPercent,
	}).ToSQL()
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

// EventRecordsInWindow retrieves all event records for the given device with
// arrival time in [from, to), ordered ascending.
func (m *Mall) EventRecordsInWindow(ctx context.Context, device string, from time.Time, to time.Time) ([]EventRecord, error) {
	// Build query.
	q, _, err := m.dialect.From("event_records").
		Select(goqu.C("id"),
			goqu.C("device"),
			goqu.C("kind"),
			goqu.C("ts"),
			goqu.C("declared_percent")).
		Where(goqu.C("device").Eq(device),
			goqu.C("ts").Gte(from),
			goqu.C("ts").Lt(to)).
		Order(goqu.C("ts").Asc()).ToSQL()
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
	records := make([]EventRecord, 0)
	for rows.Next() {
		var record EventRecord
		err = rows.Scan(&record.ID, &record.Device, &record.Kind, &record.TS, &record.DeclaredPercent)
		if err != nil {
			return nil, errors.NewScanDBRowError(err, "scan row", q)
		}
		records = append(records, record)
	}
	return records, nil
}

// DeleteEventRecords deletes all event records.
func (m *Mall) DeleteEventRecords(ctx context.Context) error {
	q, _, err := m.dialect.Delete("event_records").ToSQL()
	if err != nil {
		return errors.NewInternalErrorFromErr(err, "query to sql", nil)
	}
	_, err = m.db.Exec(ctx, q)
	if err != nil {
		return errors.NewExecQueryError(err, "exec query", q)
	}
	return nil
}
