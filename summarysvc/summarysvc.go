// Package summarysvc schedules the daily, weekly and monthly uptime summary
// broadcasts. Deduplication markers in the store guarantee at-most-once
// delivery per period, even across restarts.
package summarysvc

import (
	"context"
	"time"

	"github.com/lefinal/uptime-server/errors"
	"github.com/lefinal/uptime-server/messenger"
	"github.com/lefinal/uptime-server/service"
	"github.com/lefinal/uptime-server/sla"
	"go.uber.org/zap"
)

const (
	// defaultTickInterval is used when Config.TickInterval is unset.
	defaultTickInterval = 30 * time.Second
	// firingWindow is how long after the configured fire-time a missed summary
	// is still sent. Outside of it we wait for the next period.
	firingWindow = 10 * time.Minute
)

// Marker key prefixes for summary deduplication.
const (
	markerPrefixDaily   = "summary.daily."
	markerPrefixWeekly  = "summary.weekly."
	markerPrefixMonthly = "summary.monthly."
)

// Store persists the deduplication markers.
type Store interface {
	// MarkerByKey retrieves the marker value for the given key.
	MarkerByKey(ctx context.Context, key string) (string, error)
	// SetMarker sets the marker for the given key.
	SetMarker(ctx context.Context, key string, value string) error
}

// Reporter computes the uptime reports that are broadcast.
type Reporter interface {
	// DayReport computes the report for the calendar day the given time falls
	// into.
	DayReport(ctx context.Context, device string, day time.Time) (sla.Report, error)
	// RollingReport computes the rolling average over the last n day buckets.
	RollingReport(ctx context.Context, device string, n uint) (sla.Report, error)
	// MonthReport computes the self-reported report for the calendar month the
	// given time falls into.
	MonthReport(ctx context.Context, device string, month time.Time) (sla.Report, error)
}

// Notifier delivers the summaries.
type Notifier interface {
	// BroadcastText sends the given message to every subscriber.
	BroadcastText(ctx context.Context, message string)
	// AnnounceSummary publishes the report to attached live channels.
	AnnounceSummary(ctx context.Context, report sla.Report)
}

// Config is the configuration for NewService.
type Config struct {
	// PrimaryDevice is the device summaries are computed for.
	PrimaryDevice string
	// FireHour is the local wall-clock hour at which summaries fire.
	FireHour int
	// FireMinute is the local wall-clock minute at which summaries fire.
	FireMinute int
	// TickInterval is the interval in which the firing condition is checked.
	// Defaults to defaultTickInterval.
	TickInterval time.Duration
	// Zone is the fixed zone all wall-clock decisions are made in.
	Zone *time.Location
}

type summaryService struct {
	logger   *zap.Logger
	store    Store
	reporter Reporter
	notifier Notifier
	config   Config
	// now is patched in tests.
	now func() time.Time
}

// NewService creates the summary scheduler service. Start it with Run.
func NewService(logger *zap.Logger, s Store, reporter Reporter, notifier Notifier, config Config) service.Service {
	if config.TickInterval <= 0 {
		config.TickInterval = defaultTickInterval
	}
	if config.Zone == nil {
		config.Zone = time.UTC
	}
	return &summaryService{
		logger:   logger,
		store:    s,
		reporter: reporter,
		notifier: notifier,
		config:   config,
		now:      time.Now,
	}
}

// Run ticks until the given context.Context is done.
func (s *summaryService) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.tick(ctx, s.now()); err != nil {
				errors.Log(s.logger, errors.Wrap(err, "summary tick", nil))
			}
		}
	}
}

// tick checks whether the local wall-clock is inside the firing window and
// fires every summary whose marker is still unset.
func (s *summaryService) tick(ctx context.Context, now time.Time) error {
	local := now.In(s.config.Zone)
	fireAt := time.Date(local.Year(), local.Month(), local.Day(),
		s.config.FireHour, s.config.FireMinute, 0, 0, s.config.Zone)
	if local.Before(fireAt) || !local.Before(fireAt.Add(firingWindow)) {
		return nil
	}
	yesterday := local.AddDate(0, 0, -1)
	err := s.fireOnce(ctx, markerPrefixDaily+sla.DayKey(yesterday, s.config.Zone), local, func(ctx context.Context) error {
		return s.daily(ctx, yesterday)
	})
	if err != nil {
		return errors.Wrap(err, "daily summary", nil)
	}
	if local.Weekday() == time.Monday {
		err = s.fireOnce(ctx, markerPrefixWeekly+sla.DayKey(local, s.config.Zone), local, func(ctx context.Context) error {
			return s.rolling(ctx, 7, "past 7 days")
		})
		if err != nil {
			return errors.Wrap(err, "weekly summary", nil)
		}
	}
	if local.Day() == 1 {
		err = s.fireOnce(ctx, markerPrefixMonthly+sla.MonthKey(local, s.config.Zone), local, func(ctx context.Context) error {
			return s.monthly(ctx, local.AddDate(0, -1, 0))
		})
		if err != nil {
			return errors.Wrap(err, "monthly summary", nil)
		}
	}
	return nil
}

// fireOnce runs fire if the marker for the given key is unset. The marker is
// set before firing so that a crash during delivery never leads to a
// duplicate summary.
func (s *summaryService) fireOnce(ctx context.Context, markerKey string, firedAt time.Time,
	fire func(ctx context.Context) error) error {
	_, err := s.store.MarkerByKey(ctx, markerKey)
	if err == nil {
		// Already fired.
		return nil
	}
	if e, _ := errors.Cast(err); e.Code != errors.ErrNotFound {
		return errors.Wrap(err, "check summary marker", errors.Details{"marker_key": markerKey})
	}
	// Set the marker first.
	err = s.store.SetMarker(ctx, markerKey, firedAt.Format(time.RFC3339))
	if err != nil {
		return errors.Wrap(err, "set summary marker", errors.Details{"marker_key": markerKey})
	}
	return fire(ctx)
}

// daily broadcasts the report for the given day.
func (s *summaryService) daily(ctx context.Context, day time.Time) error {
	report, err := s.reporter.DayReport(ctx, s.config.PrimaryDevice, day)
	if err != nil {
		return errors.Wrap(err, "day report", nil)
	}
	s.broadcast(ctx, "Daily summary: "+messenger.FormatReport(report), report)
	return nil
}

// monthly broadcasts the self-reported report for the given completed month.
// Devices that never emitted a month sample fall back to the 30-day rolling
// average.
func (s *summaryService) monthly(ctx context.Context, month time.Time) error {
	report, err := s.reporter.MonthReport(ctx, s.config.PrimaryDevice, month)
	if err != nil {
		return errors.Wrap(err, "month report", nil)
	}
	if !report.HasData {
		return s.rolling(ctx, 30, "past 30 days")
	}
	s.broadcast(ctx, "Monthly summary: "+messenger.FormatReport(report), report)
	return nil
}

// rolling broadcasts the rolling report over the given amount of day buckets.
func (s *summaryService) rolling(ctx context.Context, days uint, label string) error {
	report, err := s.reporter.RollingReport(ctx, s.config.PrimaryDevice, days)
	if err != nil {
		return errors.Wrap(err, "rolling report", errors.Details{"days": days})
	}
	report.Label = label
	s.broadcast(ctx, "Summary for the "+label+": "+messenger.FormatReport(report), report)
	return nil
}

func (s *summaryService) broadcast(ctx context.Context, message string, report sla.Report) {
	s.notifier.BroadcastText(ctx, message)
	s.notifier.AnnounceSummary(ctx, report)
}
