package store

import (
	"context"

	"github.com/doug-martin/goqu/v9"
	"github.com/lefinal/uptime-server/errors"
)

// Markers are small key-value entries used for deduplication state like the
// last-sent summary bucket or the command poll cursor.

// MarkerByKey retrieves the marker value for the given key. If the marker is
// not set, an errors.ErrNotFound error is returned.
func (m *Mall) MarkerByKey(ctx context.Context, key string) (string, error) {
	// Build query.
	q, _, err := m.dialect.From("markers").
		Select(goqu.C("value")).
		Where(goqu.C("key").Eq(key)).ToSQL()
	if err != nil {
		return "", errors.NewInternalErrorFromErr(err, "query to sql", nil)
	}
	// Query.
	rows, err := m.db.Query(ctx, q)
	if err != nil {
		return "", errors.NewExecQueryError(err, "query db", q)
	}
	defer rows.Close()
	// Scan.
	if !rows.Next() {
		return "", errors.NewResourceNotFoundError("marker not set", errors.Details{"key": key})
	}
	var value string
	err = rows.Scan(&value)
	if err != nil {
		return "", errors.NewScanDBRowError(err, "scan row", q)
	}
	return value, nil
}

// SetMarker sets the marker with the given key to the given value, replacing
// an existing one.
func (m *Mall) SetMarker(ctx context.Context, key string, value string) error {
	// Build query.
	q, _, err := m.dialect.Insert("markers").Rows(goqu.Record{
		"key":   key,
		"value": value,
	}).OnConflict(goqu.DoUpdate("key", goqu.Record{
		"value": value,
	})).ToSQL()
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

// DeleteMarkersByPrefix deletes all markers whose key starts with the given
// prefix.
func (m *Mall) DeleteMarkersByPrefix(ctx context.Context, prefix string) error {
	// Build query.
	q, _, err := m.dialect.Delete("markers").
		Where(goqu.C("key").Like(prefix + "%")).ToSQL()
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
