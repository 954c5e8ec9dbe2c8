package store

import (
	"context"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/lefinal/uptime-server/errors"
)

// UptimeSample is a self-reported cumulative uptime for a day or month
// bucket.
type UptimeSample struct {
	// Device is the name of the reporting device.
	Device string
	// BucketKey identifies the day or month bucket.
	BucketKey string
	// UptimeMS is the cumulative uptime in milliseconds for the bucket.
	UptimeMS int64
	// RecordedAt is when the sample was last written.
	RecordedAt time.Time
}

// UpsertUptimeSample writes the given sample, replacing an existing one for
// the same (device, bucket) pair. This makes retransmissions idempotent.
func (m *Mall) UpsertUptimeSample(ctx context.Context, sample UptimeSample) error {
	// Build query.
	q, _, err := m.dialect.Insert("uptime_samples").Rows(goqu.Record{
		"device":      sample.Device,
		"bucket_key":  sample.BucketKey,
		"uptime_ms":   sample.UptimeMS,
		"recorded_at": sample.RecordedAt,
	}).OnConflict(goqu.DoUpdate("device, bucket_key", goqu.Record{
		"uptime_ms":   sample.UptimeMS,
		"recorded_at": sample.RecordedAt,
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

// UptimeSamplesByBucketKeys retrieves all samples for the given device whose
// bucket key is contained in the given keys, ordered by bucket key descending
// and recording time descending.
func (m *Mall) UptimeSamplesByBucketKeys(ctx context.Context, device string, bucketKeys []string) ([]UptimeSample, error) {
	if len(bucketKeys) == 0 {
		return []UptimeSample{}, nil
	}
	// Build query.
	q, _, err := m.dialect.From("uptime_samples").
		Select(goqu.C("device"),
			goqu.C("bucket_key"),
			goqu.C("uptime_ms"),
			goqu.C("recorded_at")).
		Where(goqu.C("device").Eq(device),
			goqu.C("bucket_key").In(bucketKeys)).
		Order(goqu.C("bucket_key").Desc(), goqu.C("recorded_at").Desc()).ToSQL()
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
	samples := make([]UptimeSample, 0)
	for rows.Next() {
		var sample UptimeSample
		err = rows.Scan(&sample.Device, &sample.BucketKey, &sample.UptimeMS, &sample.RecordedAt)
		if err != nil {
			return nil, errors.NewScanDBRowError(err, "scan row", q)
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

// UptimeSamplesByBucketPrefix retrieves all samples for the given device
// whose bucket key starts with the given prefix, ordered by recording time
// descending. Devices with skewed clocks may write keys that carry extra
// precision for the same calendar bucket, so candidate lookup matches by
// prefix.
func (m *Mall) UptimeSamplesByBucketPrefix(ctx context.Context, device string, prefix string) ([]UptimeSample, error) {
	// Build query.
	q, _, err := m.dialect.From("uptime_samples").
		Select(goqu.C("device"),
			goqu.C("bucket_key"),
			goqu.C("uptime_ms"),
			goqu.C("recorded_at")).
		Where(goqu.C("device").Eq(device),
			goqu.C("bucket_key").Like(prefix+"%")).
		Order(goqu.C("recorded_at").Desc()).ToSQL()
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
	samples := make([]UptimeSample, 0)
	for rows.Next() {
		var sample UptimeSample
		err = rows.Scan(&sample.Device, &sample.BucketKey, &sample.UptimeMS, &sample.RecordedAt)
		if err != nil {
			return nil, errors.NewScanDBRowError(err, "scan row", q)
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

// dayBucketKeyPattern matches keys of day buckets. Day and month samples
// share the table and month keys would sort after the day keys of that month,
// so day lookups must discriminate by key shape.
const dayBucketKeyPattern = "____-__-__%"

// LatestDayUptimeSamples retrieves the most recent n day-bucket samples for
// the given device, ordered by bucket key descending. Month-bucket samples
// are excluded.
func (m *Mall) LatestDayUptimeSamples(ctx context.Context, device string, n uint) ([]UptimeSample, error) {
	// Build query.
	q, _, err := m.dialect.From("uptime_samples").
		Select(goqu.C("device"),
			goqu.C("bucket_key"),
			goqu.C("uptime_ms"),
			goqu.C("recorded_at")).
		Where(goqu.C("device").Eq(device),
			goqu.C("bucket_key").Like(dayBucketKeyPattern)).
		Order(goqu.C("bucket_key").Desc()).
		Limit(n).ToSQL()
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
	samples := make([]UptimeSample, 0)
	for rows.Next() {
		var sample UptimeSample
		err = rows.Scan(&sample.Device, &sample.BucketKey, &sample.UptimeMS, &sample.RecordedAt)
		if err != nil {
			return nil, errors.NewScanDBRowError(err, "scan row", q)
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

// DeleteUptimeSamples deletes all uptime samples.
func (m *Mall) DeleteUptimeSamples(ctx context.Context) error {
	q, _, err := m.dialect.Delete("uptime_samples").ToSQL()
	if err != nil {
		return errors.NewInternalErrorFromErr(err, "query to sql", nil)
	}
	_, err = m.db.Exec(ctx, q)
	if err != nil {
		return errors.NewExecQueryError(err, "exec query", q)
	}
	return nil
}
