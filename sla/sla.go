// Package sla computes uptime percentages and downtime totals over day and
// month buckets as well as explicit time windows.
package sla

import (
	"context"
	"fmt"
	"time"

	"github.com/lefinal/uptime-server/errors"
	"github.com/lefinal/uptime-server/store"
	"go.uber.org/zap"
)

// dayKeyFormat is the bucket key format for day buckets.
const dayKeyFormat = "2006-01-02"

// monthKeyFormat is the bucket key format for month buckets.
const monthKeyFormat = "2006-01"

// dayMS is the length of a day bucket in milliseconds.
const dayMS = int64(24 * time.Hour / time.Millisecond)

// Percent computes the uptime percentage for the given uptime and period. The
// result is clamped to [0, 100] because buffered or estimated uptime can
// slightly overshoot the true period due to clock skew.
func Percent(uptimeMS int64, periodMS int64) float64 {
	if periodMS <= 0 {
		return 0
	}
	if uptimeMS <= 0 {
		return 0
	}
	percent := 100 * float64(uptimeMS) / float64(periodMS)
	if percent > 100 {
		return 100
	}
	return percent
}

// FixedZone builds the single local time offset used consistently for bucket
// key derivation, label formatting and scheduler firing.
func FixedZone(offsetHours int) *time.Location {
	return time.FixedZone(fmt.Sprintf("UTC%+d", offsetHours), offsetHours*60*60)
}

// DayKey derives the day bucket key for the given time in the given zone.
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(dayKeyFormat)
}

// MonthKey derives the month bucket key for the given time in the given zone.
func MonthKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(monthKeyFormat)
}

// DayStart returns the start of the calendar day containing the given time in
// the given zone.
func DayStart(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// Store are the persistence dependencies needed for NewEngine.
type Store interface {
	// UptimeSamplesByBucketPrefix retrieves all samples for the device whose
	// bucket key starts with the given prefix, ordered by recording time
	// descending.
	UptimeSamplesByBucketPrefix(ctx context.Context, device string, prefix string) ([]store.UptimeSample, error)
	// UptimeSamplesByBucketKeys retrieves all samples for the device whose
	// bucket key is contained in the given keys.
	UptimeSamplesByBucketKeys(ctx context.Context, device string, bucketKeys []string) ([]store.UptimeSample, error)
	// LatestDayUptimeSamples retrieves the most recent n day-bucket samples
	// for the device, ordered by bucket key descending. Month buckets share
	// the table, they must not appear here.
	LatestDayUptimeSamples(ctx context.Context, device string, n uint) ([]store.UptimeSample, error)
	// EventRecordsInWindow retrieves all event records for the device with
	// arrival time in [from, to), ordered ascending.
	EventRecordsInWindow(ctx context.Context, device string, from time.Time, to time.Time) ([]store.EventRecord, error)
	// DeviceByName retrieves the device. Unknown devices yield an
	// errors.ErrNotFound error.
	DeviceByName(ctx context.Context, name string) (store.Device, error)
}

// Downtimer provides downtime reconstruction from the outage ledger.
type Downtimer interface {
	// DowntimeInWindow computes the total downtime of the device within
	// [from, to), counting a still-open outage up to the given current time.
	DowntimeInWindow(ctx context.Context, device string, from time.Time, to time.Time, now time.Time) (time.Duration, error)
}

// Report is the result of an aggregation. HasData being false means no
// samples or outage information existed for the requested window. This is a
// normal user-visible result and not an error.
type Report struct {
	// Device is the name of the device the Report is for.
	Device string
	// Label describes the covered window in the fixed local zone.
	Label string
	// HasData describes whether any data existed for the window.
	HasData bool
	// UptimeMS is the uptime in milliseconds.
	UptimeMS int64
	// PeriodMS is the window length in milliseconds.
	PeriodMS int64
	// Percent is the clamped uptime percentage.
	Percent float64
}

// Engine computes SLA reports from self-reported uptime samples and from the
// outage ledger.
type Engine struct {
	logger *zap.Logger
	store  Store
	ledger Downtimer
	// loc is the fixed local zone for all bucket and label computation.
	loc *time.Location
}

// NewEngine creates a new Engine using the given Store and Downtimer. All day
// and month boundaries are computed in the given zone.
func NewEngine(logger *zap.Logger, s Store, ledger Downtimer, loc *time.Location) *Engine {
	return &Engine{
		logger: logger,
		store:  s,
		ledger: ledger,
		loc:    loc,
	}
}

// BestSample selects the best candidate among the given samples: highest
// uptime first, then most recent recording time. This avoids picking a
// spurious zero-uptime row that arrived from a race or partial sync. The
// second return value describes whether any candidate existed.
func BestSample(samples []store.UptimeSample) (store.UptimeSample, bool) {
	if len(samples) == 0 {
		return store.UptimeSample{}, false
	}
	best := samples[0]
	for _, sample := range samples[1:] {
		if sample.UptimeMS > best.UptimeMS {
			best = sample
			continue
		}
		if sample.UptimeMS == best.UptimeMS && sample.RecordedAt.After(best.RecordedAt) {
			best = sample
		}
	}
	return best, true
}

// DayReport computes the self-reported SLA for the calendar day containing
// the given time.
func (e *Engine) DayReport(ctx context.Context, device string, day time.Time) (Report, error) {
	key := DayKey(day, e.loc)
	report := Report{
		Device:   device,
		Label:    key,
		PeriodMS: dayMS,
	}
	candidates, err := e.store.UptimeSamplesByBucketPrefix(ctx, device, key)
	if err != nil {
		return Report{}, errors.Wrap(err, "uptime samples by bucket prefix",
			errors.Details{"device": device, "bucket_key": key})
	}
	best, ok := BestSample(candidates)
	if !ok {
		return report, nil
	}
	report.HasData = true
	report.UptimeMS = best.UptimeMS
	report.Percent = Percent(best.UptimeMS, report.PeriodMS)
	return report, nil
}

// RollingReport computes the average self-reported SLA over the last n day
// buckets. Buckets are read ordered by bucket key descending, so missing days
// shrink the averaged set instead of producing gaps. Month-bucket samples are
// excluded, scoring their multi-day uptime against a single day would clamp
// them to 100% and skew the average.
func (e *Engine) RollingReport(ctx context.Context, device string, n uint) (Report, error) {
	report := Report{
		Device:   device,
		Label:    fmt.Sprintf("last %d days", n),
		PeriodMS: int64(n) * dayMS,
	}
	samples, err := e.store.LatestDayUptimeSamples(ctx, device, n)
	if err != nil {
		return Report{}, errors.Wrap(err, "latest uptime samples",
			errors.Details{"device": device, "buckets": n})
	}
	if len(samples) == 0 {
		return report, nil
	}
	var totalUptimeMS int64
	var totalPercent float64
	for _, sample := range samples {
		totalUptimeMS += sample.UptimeMS
		totalPercent += Percent(sample.UptimeMS, dayMS)
	}
	report.HasData = true
	report.UptimeMS = totalUptimeMS
	report.Percent = totalPercent / float64(len(samples))
	return report, nil
}

// MonthReport computes the self-reported SLA for the calendar month
// containing the given time. The period accounts for the actual length of
// the month.
func (e *Engine) MonthReport(ctx context.Context, device string, month time.Time) (Report, error) {
	key := MonthKey(month, e.loc)
	local := month.In(e.loc)
	// Day zero of the following month is the last day of this one.
	daysInMonth := time.Date(local.Year(), local.Month()+1, 0, 0, 0, 0, 0, e.loc).Day()
	report := Report{
		Device:   device,
		Label:    key,
		PeriodMS: int64(daysInMonth) * dayMS,
	}
	candidates, err := e.store.UptimeSamplesByBucketKeys(ctx, device, []string{key})
	if err != nil {
		return Report{}, errors.Wrap(err, "uptime samples by bucket keys",
			errors.Details{"device": device, "bucket_key": key})
	}
	best, ok := BestSample(candidates)
	if !ok {
		return report, nil
	}
	report.HasData = true
	report.UptimeMS = best.UptimeMS
	report.Percent = Percent(best.UptimeMS, report.PeriodMS)
	return report, nil
}

// ObservedReport reconstructs the SLA for the window [from, to) purely from
// the outage ledger. Uptime is the window length minus recorded downtime. A
// device that is unknown or has not been observed since the last reset
// yields a no-data report instead of a fabricated spotless window.
func (e *Engine) ObservedReport(ctx context.Context, device string, from time.Time, to time.Time,
	now time.Time) (Report, error) {
	report := Report{
		Device: device,
		Label: fmt.Sprintf("%s - %s", from.In(e.loc).Format("2006-01-02 15:04"),
			to.In(e.loc).Format("2006-01-02 15:04")),
		PeriodMS: to.Sub(from).Milliseconds(),
	}
	if report.PeriodMS <= 0 {
		return Report{}, errors.NewInvalidPayloadError("empty window",
			errors.Details{"from": from, "to": to})
	}
	observed, err := e.store.DeviceByName(ctx, device)
	if err != nil {
		if cast, _ := errors.Cast(err); cast.Code == errors.ErrNotFound {
			return report, nil
		}
		return Report{}, errors.Wrap(err, "device by name", errors.Details{"device": device})
	}
	if observed.Status == store.DeviceStatusUnknown {
		// Unknown means no state evidence arrived since creation or the last
		// reset, so the empty ledger carries no information yet.
		return report, nil
	}
	downtime, err := e.ledger.DowntimeInWindow(ctx, device, from, to, now)
	if err != nil {
		return Report{}, errors.Wrap(err, "downtime in window", errors.Details{"device": device})
	}
	report.HasData = true
	report.UptimeMS = report.PeriodMS - downtime.Milliseconds()
	if report.UptimeMS < 0 {
		report.UptimeMS = 0
	}
	report.Percent = Percent(report.UptimeMS, report.PeriodMS)
	return report, nil
}

// EventLogReport reconstructs the SLA for the window [from, to) from the raw
// event log by scanning online/offline pairs. This is the complementary
// source for downtime reconstruction when the ledger is not trusted.
func (e *Engine) EventLogReport(ctx context.Context, device string, from time.Time, to time.Time) (Report, error) {
	report := Report{
		Device: device,
		Label: fmt.Sprintf("%s - %s", from.In(e.loc).Format("2006-01-02 15:04"),
			to.In(e.loc).Format("2006-01-02 15:04")),
		PeriodMS: to.Sub(from).Milliseconds(),
	}
	if report.PeriodMS <= 0 {
		return Report{}, errors.NewInvalidPayloadError("empty window",
			errors.Details{"from": from, "to": to})
	}
	records, err := e.store.EventRecordsInWindow(ctx, device, from, to)
	if err != nil {
		return Report{}, errors.Wrap(err, "event records in window", errors.Details{"device": device})
	}
	if len(records) == 0 {
		return report, nil
	}
	downtime := DowntimeFromEvents(records, from, to)
	report.HasData = true
	report.UptimeMS = report.PeriodMS - downtime.Milliseconds()
	if report.UptimeMS < 0 {
		report.UptimeMS = 0
	}
	report.Percent = Percent(report.UptimeMS, report.PeriodMS)
	return report, nil
}

// DowntimeFromEvents sums downtime within [from, to) by scanning the given
// ordered event records for offline/online pairs. An offline with no
// following online counts until the window end.
func DowntimeFromEvents(records []store.EventRecord, from time.Time, to time.Time) time.Duration {
	var downtime time.Duration
	var offlineSince time.Time
	offline := false
	for _, record := range records {
		switch record.Kind {
		case string(store.DeviceStatusOffline):
			if !offline {
				offline = true
				offlineSince = record.TS
				if offlineSince.Before(from) {
					offlineSince = from
				}
			}
		case string(store.DeviceStatusOnline):
			if offline {
				offline = false
				end := record.TS
				if end.After(to) {
					end = to
				}
				if end.After(offlineSince) {
					downtime += end.Sub(offlineSince)
				}
			}
		}
	}
	if offline && to.After(offlineSince) {
		downtime += to.Sub(offlineSince)
	}
	return downtime
}
